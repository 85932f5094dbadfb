// Package subnets holds scan targets added at runtime through the API, next
// to the ones in the config file.
package subnets

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"minerlink/internal/miner"
	"minerlink/internal/netutil"
)

type Subnet struct {
	ID      int64  `json:"id"`
	Spec    string `json:"spec"`
	Hosts   int    `json:"hosts"`
	Enabled bool   `json:"enabled"`
	Note    string `json:"note"`
	// Source is SourceConfig or SourceAPI.
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// runtime
	Scanning   bool      `json:"scanning"`
	Progress   int       `json:"progress"` // 0..100
	LastScanAt time.Time `json:"last_scan_at"`
	LastScanID string    `json:"last_scan_id,omitempty"`

	targets []miner.Address
}

const (
	SourceConfig = "config"
	SourceAPI    = "api"
)

type Store struct {
	mu     sync.RWMutex
	byID   map[int64]*Subnet
	nextID atomic.Int64

	subMu sync.Mutex
	subs  map[int64]chan struct{}
	subID atomic.Int64
}

func NewStore() *Store {
	return &Store{
		byID: map[int64]*Subnet{},
		subs: map[int64]chan struct{}{},
	}
}

// Add validates spec by expanding it and stores it enabled.
func (s *Store) Add(spec, note string) (*Subnet, error) {
	return s.AddFrom(SourceAPI, spec, note)
}

func (s *Store) AddFrom(source, spec, note string) (*Subnet, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, errors.New("spec is empty")
	}
	targets, err := netutil.ExpandTargets(spec)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	sub := &Subnet{
		ID:        s.nextID.Add(1),
		Spec:      spec,
		Hosts:     len(targets),
		Enabled:   true,
		Note:      strings.TrimSpace(note),
		Source:    source,
		CreatedAt: now,
		UpdatedAt: now,
		targets:   targets,
	}

	s.mu.Lock()
	s.byID[sub.ID] = sub
	s.mu.Unlock()
	s.notify()

	return cloneSubnet(sub), nil
}

func (s *Store) Delete(id int64) bool {
	s.mu.Lock()
	_, ok := s.byID[id]
	if ok {
		delete(s.byID, id)
	}
	s.mu.Unlock()
	if ok {
		s.notify()
	}
	return ok
}

func (s *Store) Get(id int64) (*Subnet, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.byID[id]
	if !ok {
		return nil, false
	}
	return cloneSubnet(sub), true
}

// List returns subnets ordered by id.
func (s *Store) List() []*Subnet {
	s.mu.RLock()
	out := make([]*Subnet, 0, len(s.byID))
	for _, sub := range s.byID {
		out = append(out, cloneSubnet(sub))
	}
	s.mu.RUnlock()
	slices.SortFunc(out, func(a, b *Subnet) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// Targets returns the addresses of subnet id.
func (s *Store) Targets(id int64) ([]miner.Address, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.byID[id]
	if !ok {
		return nil, false
	}
	return slices.Clone(sub.targets), true
}

// EnabledTargets returns the union of all enabled subnets.
func (s *Store) EnabledTargets() []miner.Address {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := map[miner.Address]bool{}
	var out []miner.Address
	for _, sub := range s.byID {
		if !sub.Enabled {
			continue
		}
		for _, a := range sub.targets {
			if !seen[a] {
				seen[a] = true
				out = append(out, a)
			}
		}
	}
	slices.SortFunc(out, func(a, b miner.Address) int {
		switch {
		case a.Less(b):
			return -1
		case b.Less(a):
			return 1
		}
		return 0
	})
	return out
}

func (s *Store) SetEnabled(id int64, enabled bool) bool {
	return s.update(id, func(sub *Subnet) { sub.Enabled = enabled })
}

// SetScanState records scan progress. A zero lastScanAt keeps the previous one.
func (s *Store) SetScanState(id int64, scanning bool, progress int, lastScanAt time.Time) bool {
	return s.update(id, func(sub *Subnet) {
		sub.Scanning = scanning
		sub.Progress = progress
		if !lastScanAt.IsZero() {
			sub.LastScanAt = lastScanAt
		}
	})
}

func (s *Store) SetLastScan(id int64, scanID string) bool {
	return s.update(id, func(sub *Subnet) { sub.LastScanID = scanID })
}

func (s *Store) update(id int64, fn func(*Subnet)) bool {
	s.mu.Lock()
	sub, ok := s.byID[id]
	if ok {
		fn(sub)
		sub.UpdatedAt = time.Now().UTC()
	}
	s.mu.Unlock()
	if ok {
		s.notify()
	}
	return ok
}

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

func (s *Store) notify() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func cloneSubnet(in *Subnet) *Subnet {
	cp := *in
	cp.targets = nil
	return &cp
}
