package settings

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"go.uber.org/zap"

	"minerlink/internal/discovery/subnets"
)

const fileName = "settings.json"

// Store guards settings.json. Writes go through a temp file and rename so a
// crash never leaves a half-written file behind.
type Store struct {
	mu   sync.Mutex
	path string
	cur  Settings
}

// Open loads dir/settings.json, writing defaults when it is missing. A file
// that does not decode is moved aside to settings.json.bad.
func Open(dir string) (*Store, error) {
	if dir == "" {
		dir = "data"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	s := &Store{path: filepath.Join(dir, fileName), cur: Defaults()}

	b, err := os.ReadFile(s.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return s, s.write(s.cur)
	case err != nil:
		return nil, err
	}
	var st Settings
	if err := json.Unmarshal(b, &st); err != nil {
		if err := os.Rename(s.path, s.path+".bad"); err != nil {
			return nil, err
		}
		return s, s.write(s.cur)
	}
	if st.Version < currentVersion {
		st.Version = currentVersion
	}
	s.cur = st
	return s, nil
}

func (s *Store) Get() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur.clone()
}

// Update applies fn to a copy and persists it. The in-memory state only
// changes when the write succeeds.
func (s *Store) Update(fn func(*Settings)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.cur.clone()
	fn(&next)
	if err := s.write(next); err != nil {
		return err
	}
	s.cur = next
	return nil
}

func (s *Store) write(st Settings) error {
	b, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	f, err := os.CreateTemp(filepath.Dir(s.path), fileName+".*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	_, err = f.Write(append(b, '\n'))
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp, s.path)
	}
	if err != nil {
		_ = os.Remove(tmp)
	}
	return err
}

// Restore adds the persisted subnets to subs. Entries that no longer parse
// are skipped and logged.
func (s *Store) Restore(subs *subnets.Store, log *zap.Logger) {
	for _, p := range s.Get().Subnets {
		sub, err := subs.AddFrom(subnets.SourceAPI, p.Spec, p.Note)
		if err != nil {
			log.Warn("skipping stored subnet", zap.String("spec", p.Spec), zap.Error(err))
			continue
		}
		if !p.Enabled {
			subs.SetEnabled(sub.ID, false)
		}
	}
}

// Watch saves the API-added subnets on every change until ctx ends.
func (s *Store) Watch(ctx context.Context, subs *subnets.Store, log *zap.Logger) {
	ch := subs.Subscribe(ctx)
	last := s.Get().Subnets
	persist := func() {
		cur := snapshot(subs)
		if slices.Equal(cur, last) {
			return
		}
		if err := s.Update(func(st *Settings) { st.Subnets = cur }); err != nil {
			log.Warn("saving settings", zap.Error(err))
			return
		}
		last = cur
	}
	persist()
	for range ch {
		persist()
	}
}

func snapshot(subs *subnets.Store) []Subnet {
	var out []Subnet
	for _, sub := range subs.List() {
		if sub.Source != subnets.SourceAPI {
			continue
		}
		out = append(out, Subnet{Spec: sub.Spec, Enabled: sub.Enabled, Note: sub.Note})
	}
	return out
}
