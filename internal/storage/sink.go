// Package storage persists device events through the repo interfaces.
package storage

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"minerlink/internal/events"
	"minerlink/internal/miner"
	"minerlink/internal/storage/repo"
)

// Sink records identities, telemetry snapshots and encoded event envelopes.
// Any nil repository is skipped.
type Sink struct {
	Devices   repo.Devices
	Snapshots repo.Snapshots
	Events    repo.Events
	Schema    *events.Schema
	Prefix    string
	// KeepSnapshots prunes older snapshots after each scan. Zero keeps all.
	KeepSnapshots int
	Timeout       time.Duration
	Log           *zap.Logger
}

func (s *Sink) Emit(ctx context.Context, e events.Event) {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	if err := s.emit(ctx, e); err != nil && s.Log != nil {
		s.Log.Warn("event store failed", zap.String("event", string(e.Kind)), zap.String("addr", e.Address.String()), zap.Error(err))
	}
}

func (s *Sink) emit(ctx context.Context, e events.Event) error {
	switch {
	case e.Kind == events.KindIdentify && e.Err == nil && e.Identity != nil && s.Devices != nil:
		if err := s.Devices.UpsertDevice(ctx, DeviceRecord(*e.Identity, e.Time)); err != nil {
			return err
		}
	case e.Kind == events.KindPoll && e.Telemetry != nil && s.Snapshots != nil:
		snap, err := SnapshotOf(e.Address, *e.Telemetry)
		if err != nil {
			return err
		}
		if err := s.Snapshots.InsertSnapshot(ctx, snap); err != nil {
			return err
		}
	case e.Kind == events.KindScanCompleted && s.KeepSnapshots > 0 && s.Snapshots != nil:
		n, err := s.Snapshots.PruneSnapshots(ctx, s.KeepSnapshots)
		if err != nil {
			return err
		}
		if n > 0 && s.Log != nil {
			s.Log.Debug("pruned snapshots", zap.Int64("rows", n))
		}
	}

	if s.Events == nil || s.Schema == nil {
		return nil
	}
	subject := events.Subject(s.Prefix, events.Topic(e.Kind))
	env, err := s.Schema.Encode(subject, e)
	if err != nil {
		return err
	}
	b, err := events.Marshal(env)
	if err != nil {
		return err
	}
	return s.Events.InsertEvent(ctx, e.Time, subject, e.Address.String(), b)
}

func DeviceRecord(id miner.Identity, seen time.Time) repo.Device {
	return repo.Device{
		Address:         id.Address.String(),
		Vendor:          string(id.Vendor),
		Model:           id.Model,
		Firmware:        string(id.Firmware),
		FirmwareVersion: id.FirmwareVersion,
		Transport:       string(id.Transport),
		LastSeen:        seen,
	}
}

// SnapshotOf flattens telemetry into summary columns. Unsupported values stay
// nil.
func SnapshotOf(addr miner.Address, t miner.Telemetry) (repo.Snapshot, error) {
	b, err := json.Marshal(t)
	if err != nil {
		return repo.Snapshot{}, err
	}
	s := repo.Snapshot{Address: addr.String(), At: t.Timestamp, Telemetry: b}
	if hr, ok := t.Hashrate.Get(); ok {
		s.HashrateTHS = &hr
	}
	if temp, ok := t.MaxBoardTemp(); ok {
		s.TempMaxC = &temp
	}
	if fans, ok := t.FanSpeeds.Get(); ok && len(fans) > 0 {
		m := fans[0]
		for _, f := range fans[1:] {
			m = max(m, f)
		}
		s.FanRPMMax = &m
	}
	if up, ok := t.Uptime.Get(); ok {
		sec := int64(up / time.Second)
		s.UptimeS = &sec
	}
	return s, nil
}
