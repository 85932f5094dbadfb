// Package normalize translates between vendor payloads and the canonical
// telemetry and configuration model. Drivers are pure: they build requests
// and parse responses but never perform I/O.
package normalize

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"minerlink/internal/miner"
	"minerlink/internal/transport"
)

// ErrRejected marks a reply in which the device refused a command.
var ErrRejected = errors.New("rejected by device")

// Driver is the per-variant translation table.
type Driver interface {
	Variant() miner.Variant
	// Options are the transport settings this variant needs.
	Options() transport.Options

	PollRequest() transport.Request
	ParseTelemetry(resp *transport.RawResponse, now time.Time) (miner.Telemetry, error)

	ReadConfigRequest() (transport.Request, error)
	ParseConfig(resp *transport.RawResponse) (miner.Config, error)

	// WritePlan returns the ordered steps that apply cfg. Unsupported fields
	// in cfg are left untouched on the device.
	WritePlan(cfg miner.Config) ([]transport.Request, error)
	LifecycleRequest(cmd miner.Command) (transport.Request, error)

	// CheckReply inspects a write or lifecycle reply. It returns ErrRejected
	// (wrapped) when the device refused, or a transport error for auth and
	// server failures hidden behind AllowStatus.
	CheckReply(resp *transport.RawResponse) error
}

// Merger is implemented by drivers whose write replaces a whole document on
// the device. The session reads the current document with ReadConfigRequest
// and hands it to WritePlanFrom, which keeps everything cfg does not carry.
type Merger interface {
	WritePlanFrom(current *transport.RawResponse, cfg miner.Config) ([]transport.Request, error)
}

// For returns the driver for a variant.
func For(v miner.Variant) (Driver, error) {
	switch v.Transport {
	case miner.TransportSocket:
		switch v.Vendor {
		case miner.VendorAntminer:
			return antminerSocket{}, nil
		case miner.VendorWhatsminer:
			return whatsminer{}, nil
		case miner.VendorElphapex:
			return elphapex{}, nil
		case miner.VendorCGMiner:
			return cgminerGeneric{}, nil
		}
	case miner.TransportHTTP:
		switch v.Vendor {
		case miner.VendorAntminer:
			return antminerWeb{}, nil
		case miner.VendorVnish:
			return vnish{}, nil
		}
	case miner.TransportSSH:
		if v.Vendor == miner.VendorBraiins {
			return braiins{}, nil
		}
	}
	return nil, fmt.Errorf("no driver for %s", v)
}

// finishTelemetry and finishConfig stamp the vendor on validation errors.
func finishTelemetry(vendor miner.Vendor, t miner.Telemetry) (miner.Telemetry, error) {
	if err := t.Validate(); err != nil {
		return miner.Telemetry{}, withVendor(vendor, err)
	}
	return t, nil
}

func finishConfig(vendor miner.Vendor, c miner.Config) (miner.Config, error) {
	if err := c.Validate(); err != nil {
		return miner.Config{}, withVendor(vendor, err)
	}
	return c, nil
}

func withVendor(vendor miner.Vendor, err error) error {
	var ne *miner.NormalizationError
	if errors.As(err, &ne) && ne.Vendor == "" {
		cp := *ne
		cp.Vendor = vendor
		return &cp
	}
	return err
}

func rejected(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrRejected, fmt.Sprintf(format, args...))
}

// checkHTTPStatus handles replies fetched with AllowStatus.
func checkHTTPStatus(resp *transport.RawResponse) error {
	switch {
	case resp.Status == http.StatusUnauthorized || resp.Status == http.StatusForbidden:
		return &miner.TransportError{Kind: miner.AuthFailed, Op: resp.Command, Err: fmt.Errorf("http %d", resp.Status)}
	case resp.Status >= 500:
		return &miner.TransportError{Kind: miner.Reset, Op: resp.Command, Err: fmt.Errorf("http %d", resp.Status)}
	case resp.Status < 200 || resp.Status > 299:
		return rejected("http %d: %s", resp.Status, snippet(resp.Body))
	}
	return nil
}

// checkExit handles shell command replies.
func checkExit(resp *transport.RawResponse) error {
	if resp.Status != 0 {
		return rejected("exit %d: %s", resp.Status, snippet(resp.Stderr))
	}
	return nil
}
