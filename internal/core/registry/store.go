// Package registry keeps the latest known state of every device seen by the
// core. It is fed as an events.Sink.
package registry

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"minerlink/internal/events"
	"minerlink/internal/miner"
)

type Device struct {
	Address   miner.Address   `json:"address"`
	Identity  *miner.Identity `json:"identity,omitempty"`
	Status    string          `json:"status"`
	Detail    string          `json:"detail,omitempty"`
	FirstSeen time.Time       `json:"first_seen"`
	LastSeen  time.Time       `json:"last_seen"`

	Telemetry   *miner.Telemetry `json:"telemetry,omitempty"`
	LastPoll    time.Time        `json:"last_poll,omitempty"`
	PollOutcome string           `json:"poll_outcome,omitempty"`

	LastCommand   string `json:"last_command,omitempty"`
	LastCommandOK bool   `json:"last_command_ok,omitempty"`
	LastError     string `json:"last_error,omitempty"`
}

type Store struct {
	mu       sync.RWMutex
	byAddr   map[string]*Device
	lastScan *events.ScanSummary

	subMu sync.Mutex
	subs  map[int64]chan struct{}
	subID atomic.Int64
}

func NewStore() *Store {
	return &Store{
		byAddr: map[string]*Device{},
		subs:   map[int64]chan struct{}{},
	}
}

// Emit folds one event into the store.
func (s *Store) Emit(_ context.Context, e events.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.Kind == events.KindScanCompleted {
		if e.Scan != nil {
			sum := *e.Scan
			s.lastScan = &sum
			s.notifyLocked()
		}
		return
	}

	key := e.Address.String()
	if e.Identity != nil {
		key = e.Identity.Address.String()
	}
	d := s.byAddr[key]
	if d == nil {
		if e.Kind != events.KindIdentify {
			// Only identification creates entries.
			return
		}
		d = &Device{Address: e.Address, FirstSeen: e.Time}
		s.byAddr[key] = d
	}
	if e.Identity != nil {
		id := *e.Identity
		d.Identity = &id
	}
	d.LastSeen = e.Time
	if e.Err != nil {
		d.LastError = e.Err.Error()
	}

	switch e.Kind {
	case events.KindIdentify:
		d.Status = e.Outcome
		d.Detail = e.Detail
		if e.Err == nil {
			d.LastError = ""
		}
	case events.KindPoll:
		d.LastPoll = e.Time
		d.PollOutcome = e.Outcome
		if e.Telemetry != nil {
			t := *e.Telemetry
			d.Telemetry = &t
		}
	case events.KindConfigWrite:
		d.LastCommand = "config_write"
		d.LastCommandOK = e.Err == nil
	case events.KindLifecycle:
		d.LastCommand = string(e.Command)
		d.LastCommandOK = e.Err == nil
	}
	s.notifyLocked()
}

func (s *Store) Get(addr string) (*Device, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.byAddr[addr]
	if !ok {
		return nil, false
	}
	cp := *d
	return &cp, true
}

// List returns copies of every device ordered by address.
func (s *Store) List() []*Device {
	s.mu.RLock()
	out := make([]*Device, 0, len(s.byAddr))
	for _, d := range s.byAddr {
		cp := *d
		out = append(out, &cp)
	}
	s.mu.RUnlock()
	slices.SortFunc(out, func(a, b *Device) int {
		switch {
		case a.Address.Less(b.Address):
			return -1
		case b.Address.Less(a.Address):
			return 1
		}
		return 0
	})
	return out
}

// Identified returns the identities of devices whose last identification
// succeeded.
func (s *Store) Identified() []miner.Identity {
	var out []miner.Identity
	for _, d := range s.List() {
		if d.Identity != nil && d.Status == events.OutcomeOK {
			out = append(out, *d.Identity)
		}
	}
	return out
}

func (s *Store) LastScan() (events.ScanSummary, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lastScan == nil {
		return events.ScanSummary{}, false
	}
	return *s.lastScan, true
}

// Subscribe emits a signal (coalesced) when the store changes.
func (s *Store) Subscribe(ctx context.Context) <-chan struct{} {
	id := s.subID.Add(1)
	ch := make(chan struct{}, 1)

	s.subMu.Lock()
	s.subs[id] = ch
	s.subMu.Unlock()

	go func() {
		<-ctx.Done()
		s.subMu.Lock()
		delete(s.subs, id)
		close(ch)
		s.subMu.Unlock()
	}()

	return ch
}

func (s *Store) notifyLocked() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- struct{}{}:
		default:
			// drop (coalesce)
		}
	}
}
