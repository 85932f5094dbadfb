// Package repo defines the persistence interfaces of the core.
package repo

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("not found")

// Device is the last identity seen at an address.
type Device struct {
	Address         string
	Vendor          string
	Model           string
	Firmware        string
	FirmwareVersion string
	Transport       string
	FirstSeen       time.Time
	LastSeen        time.Time
}

// Snapshot is one stored telemetry reading. Summary columns are nil when the
// vendor does not report them; Telemetry holds the full canonical JSON.
type Snapshot struct {
	ID          int64
	Address     string
	At          time.Time
	HashrateTHS *float64
	TempMaxC    *float64
	FanRPMMax   *int
	UptimeS     *int64
	Telemetry   []byte
}

type Devices interface {
	UpsertDevice(ctx context.Context, d Device) error
	GetDevice(ctx context.Context, address string) (Device, error)
	ListDevices(ctx context.Context) ([]Device, error)
}

type Snapshots interface {
	InsertSnapshot(ctx context.Context, s Snapshot) error
	// ListSnapshots returns the newest snapshots for address first.
	ListSnapshots(ctx context.Context, address string, limit int) ([]Snapshot, error)
	// PruneSnapshots keeps the newest keep rows per address.
	PruneSnapshots(ctx context.Context, keep int) (int64, error)
}

type Events interface {
	InsertEvent(ctx context.Context, ts time.Time, subject, address string, payloadPB []byte) error
}
