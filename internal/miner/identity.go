package miner

import (
	"fmt"
	"strings"
)

type TransportKind string

const (
	TransportSocket TransportKind = "socket"
	TransportHTTP   TransportKind = "http"
	TransportSSH    TransportKind = "ssh"
)

func ParseTransportKind(s string) (TransportKind, error) {
	switch k := TransportKind(strings.ToLower(strings.TrimSpace(s))); k {
	case TransportSocket, TransportHTTP, TransportSSH:
		return k, nil
	}
	return "", fmt.Errorf("unknown transport %q", s)
}

type Vendor string

const (
	VendorAntminer   Vendor = "antminer"
	VendorWhatsminer Vendor = "whatsminer"
	VendorElphapex   Vendor = "elphapex"
	VendorBraiins    Vendor = "braiins"
	VendorVnish      Vendor = "vnish"
	VendorCGMiner    Vendor = "cgminer"
	VendorUnknown    Vendor = "unknown"
)

// Firmware is the firmware family running on a device.
type Firmware string

const (
	FirmwareStock     Firmware = "stock"
	FirmwareBTMiner   Firmware = "btminer"
	FirmwareVnish     Firmware = "vnish"
	FirmwareBraiinsOS Firmware = "braiins-os"
	FirmwareCGMiner   Firmware = "cgminer"
)

// UnknownModel is reported when a probe identifies the vendor but not the model.
const UnknownModel = "unknown"

// Identity is the result of identification. Sessions are bound to exactly one
// Identity for their lifetime.
type Identity struct {
	Address         Address       `json:"address"`
	Vendor          Vendor        `json:"vendor"`
	Model           string        `json:"model"`
	Firmware        Firmware      `json:"firmware"`
	FirmwareVersion string        `json:"firmware_version,omitempty"`
	Transport       TransportKind `json:"transport"`
}

// Variant is the dispatch key for normalization drivers.
type Variant struct {
	Vendor    Vendor
	Firmware  Firmware
	Transport TransportKind
}

func (v Variant) String() string {
	return string(v.Vendor) + "/" + string(v.Firmware) + "/" + string(v.Transport)
}

func (id Identity) Variant() Variant {
	return Variant{Vendor: id.Vendor, Firmware: id.Firmware, Transport: id.Transport}
}
