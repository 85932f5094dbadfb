package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"minerlink/internal/events"
	"minerlink/internal/miner"
)

func TestStoreFoldsEvents(t *testing.T) {
	s := NewStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changed := s.Subscribe(ctx)

	addr := miner.Address{Host: "10.0.0.7"}
	s.Emit(ctx, events.New(events.KindPoll, addr))
	if len(s.List()) != 0 {
		t.Fatalf("poll before identify created an entry")
	}

	id := miner.Identity{Address: addr, Vendor: miner.VendorAntminer, Model: "Antminer S19", Firmware: miner.FirmwareStock, Transport: miner.TransportSocket}
	ev := events.New(events.KindIdentify, addr)
	ev.Outcome = events.OutcomeOK
	ev.Identity = &id
	s.Emit(ctx, ev)

	select {
	case <-changed:
	case <-time.After(time.Second):
		t.Fatal("no change signal")
	}

	tel := miner.Telemetry{Hashrate: miner.Of(95.5)}
	ev = events.New(events.KindPoll, addr)
	ev.Identity = &id
	ev.Outcome = events.OutcomeOK
	ev.Telemetry = &tel
	s.Emit(ctx, ev)

	ev = events.New(events.KindLifecycle, addr)
	ev.Identity = &id
	ev.Command = miner.CommandReboot
	ev.Err = errors.New("unsupported operation")
	ev.Outcome = "unsupported-operation"
	s.Emit(ctx, ev)

	d, ok := s.Get("10.0.0.7")
	if !ok {
		t.Fatal("device missing")
	}
	if hr, _ := d.Telemetry.Hashrate.Get(); hr != 95.5 || d.PollOutcome != events.OutcomeOK {
		t.Errorf("telemetry = %+v outcome %q", d.Telemetry, d.PollOutcome)
	}
	if d.LastCommand != "reboot" || d.LastCommandOK || d.LastError == "" {
		t.Errorf("command state = %+v", d)
	}
	if ids := s.Identified(); len(ids) != 1 || ids[0] != id {
		t.Errorf("Identified() = %+v", ids)
	}
}

func TestStoreListOrderAndScan(t *testing.T) {
	s := NewStore()
	for _, h := range []string{"10.0.0.10", "10.0.0.2", "10.0.0.1"} {
		ev := events.New(events.KindIdentify, miner.Address{Host: h})
		ev.Outcome = string(miner.Unreachable)
		s.Emit(context.Background(), ev)
	}
	list := s.List()
	if len(list) != 3 || list[0].Address.Host != "10.0.0.1" || list[2].Address.Host != "10.0.0.10" {
		t.Errorf("List() order = %v, %v, %v", list[0].Address, list[1].Address, list[2].Address)
	}
	if len(s.Identified()) != 0 {
		t.Errorf("unreachable devices reported as identified")
	}

	if _, ok := s.LastScan(); ok {
		t.Fatal("unexpected scan summary")
	}
	ev := events.New(events.KindScanCompleted, miner.Address{})
	ev.Scan = &events.ScanSummary{ID: "s1", Total: 3, Unreachable: 3}
	s.Emit(context.Background(), ev)
	if sum, ok := s.LastScan(); !ok || sum.ID != "s1" || sum.Unreachable != 3 {
		t.Errorf("LastScan() = %+v, %v", sum, ok)
	}
}
