package settings

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"minerlink/internal/discovery/subnets"
)

func TestOpenWritesDefaults(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if s.Get().Version != 1 {
		t.Errorf("Version = %d", s.Get().Version)
	}
	if _, err := os.Stat(filepath.Join(dir, "settings.json")); err != nil {
		t.Errorf("settings.json not written: %v", err)
	}
}

func TestWatchPersistsAPISubnets(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	subs := subnets.NewStore()
	if _, err := subs.AddFrom(subnets.SourceConfig, "10.0.0.0/30", "config"); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Watch(ctx, subs, zap.NewNop())
		close(done)
	}()

	sub, err := subs.Add("10.1.0.1-10.1.0.5", "rack 9")
	if err != nil {
		t.Fatal(err)
	}
	subs.SetEnabled(sub.ID, false)

	deadline := time.Now().Add(2 * time.Second)
	for {
		got := s.Get().Subnets
		if len(got) == 1 && !got[0].Enabled {
			if got[0].Spec != "10.1.0.1-10.1.0.5" || got[0].Note != "rack 9" {
				t.Errorf("stored = %+v", got)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("stored subnets = %+v", got)
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done

	// A fresh process restores the API subnet, disabled.
	s2, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	restored := subnets.NewStore()
	s2.Restore(restored, zap.NewNop())
	list := restored.List()
	if len(list) != 1 || list[0].Enabled || list[0].Source != subnets.SourceAPI || list[0].Hosts != 5 {
		t.Errorf("restored = %+v", list)
	}
}

func TestRestoreSkipsBadSpec(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Update(func(st *Settings) {
		st.Subnets = []Subnet{{Spec: "10.0.0.0/99", Enabled: true}, {Spec: "10.0.0.9", Enabled: true}}
	}); err != nil {
		t.Fatal(err)
	}
	subs := subnets.NewStore()
	s.Restore(subs, zap.NewNop())
	if got := subs.List(); len(got) != 1 || got[0].Spec != "10.0.0.9" {
		t.Errorf("restored = %+v", got)
	}
}

func TestOpenMovesCorruptFileAside(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	s, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	if s.Get().Version != 1 || len(s.Get().Subnets) != 0 {
		t.Errorf("Get() = %+v", s.Get())
	}
	if b, err := os.ReadFile(path + ".bad"); err != nil || string(b) != "{not json" {
		t.Errorf("backup = %q, %v", b, err)
	}
}

func TestGetReturnsCopy(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Update(func(st *Settings) { st.Subnets = []Subnet{{Spec: "10.0.0.1"}} }); err != nil {
		t.Fatal(err)
	}
	got := s.Get()
	got.Subnets[0].Spec = "changed"
	if s.Get().Subnets[0].Spec != "10.0.0.1" {
		t.Error("Get() exposed internal slice")
	}
}
