package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"minerlink/internal/events"
	"minerlink/internal/miner"
	"minerlink/internal/normalize"
	"minerlink/internal/retry"
	"minerlink/internal/transport"
	"minerlink/internal/transport/fake"
)

var vnishID = miner.Identity{
	Address:   miner.Address{Host: "10.0.0.20"},
	Vendor:    miner.VendorVnish,
	Model:     "Antminer S19j Pro",
	Firmware:  miner.FirmwareVnish,
	Transport: miner.TransportHTTP,
}

var fastRetry = retry.Policy{Attempts: 3, Backoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond, Multiplier: 2}

func ok(body string) *transport.RawResponse {
	return &transport.RawResponse{Status: http.StatusOK, Body: []byte(body)}
}

func open(t *testing.T, id miner.Identity, h fake.Handler, opts Options) (*Session, *fake.Client) {
	t.Helper()
	drv, err := normalize.For(id.Variant())
	if err != nil {
		t.Fatal(err)
	}
	c := &fake.Client{TransportKind: id.Transport, Handler: h}
	s := Open(id, c, drv, opts)
	t.Cleanup(func() { _ = s.Close() })
	return s, c
}

// vnishDevice keeps settings in memory and refuses overclock changes.
type vnishDevice struct {
	mu       sync.Mutex
	settings map[string]any
}

func newVnishDevice() *vnishDevice {
	return &vnishDevice{settings: map[string]any{
		"pools":     []any{map[string]any{"url": "stratum+tcp://old:3333", "user": "w", "pass": "x"}},
		"overclock": map[string]any{"globals": map[string]any{"freq": 500.0}},
	}}
}

func (d *vnishDevice) handle(_ context.Context, _ miner.Credential, req transport.Request) (*transport.RawResponse, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch {
	case req.Command == "/api/v1/settings" && req.Method == http.MethodPost:
		var body struct {
			Miner map[string]any `json:"miner"`
		}
		if err := json.Unmarshal(req.Body, &body); err != nil {
			return &transport.RawResponse{Status: http.StatusBadRequest}, nil
		}
		if _, found := body.Miner["overclock"]; found {
			return ok(`{"err":"frequency out of range"}`), nil
		}
		for k, v := range body.Miner {
			d.settings[k] = v
		}
		return ok(`{"restart_required":false}`), nil
	case req.Command == "/api/v1/settings":
		b, _ := json.Marshal(map[string]any{"miner": d.settings})
		return ok(string(b)), nil
	}
	return &transport.RawResponse{Status: http.StatusNotFound}, nil
}

// Scenario: the device accepts the pools step and rejects the tuning step.
func TestWriteConfigPartialWrite(t *testing.T) {
	dev := newVnishDevice()
	rec := &events.Recorder{}
	s, _ := open(t, vnishID, dev.handle, Options{Retry: fastRetry, Sink: rec})

	cfg := miner.Config{
		Pools:        miner.Of([]miner.Pool{{URL: "stratum+tcp://new:3333", User: "w2", Password: "y"}}),
		FrequencyMHz: miner.Of(650),
	}
	res := s.WriteConfig(context.Background(), cfg)
	if res.OK || res.Failure != miner.FailurePartialWrite || res.Step != 1 {
		t.Fatalf("WriteConfig() = %+v, want partial-write at step 1", res)
	}
	if !errors.Is(res.Err, normalize.ErrRejected) || !strings.Contains(res.Diagnostic, "step 2 of 2") {
		t.Errorf("WriteConfig() err = %v, diagnostic = %q", res.Err, res.Diagnostic)
	}

	got, err := s.ReadConfig(context.Background())
	if err != nil {
		t.Fatalf("ReadConfig() error = %v", err)
	}
	pools, _ := got.Pools.Get()
	if len(pools) != 1 || pools[0].URL != "stratum+tcp://new:3333" {
		t.Errorf("pools after partial write = %+v", pools)
	}
	if f, _ := got.FrequencyMHz.Get(); f != 500 {
		t.Errorf("frequency after partial write = %d, want 500", f)
	}

	evs := rec.OfKind(events.KindConfigWrite)
	if len(evs) != 1 || evs[0].Failure != miner.FailurePartialWrite || evs[0].Step != 1 {
		t.Errorf("config_write events = %+v", evs)
	}
}

func TestWriteConfigStepZeroRejected(t *testing.T) {
	h := func(context.Context, miner.Credential, transport.Request) (*transport.RawResponse, error) {
		return ok(`{"err":"invalid pool"}`), nil
	}
	s, c := open(t, vnishID, h, Options{Retry: fastRetry})
	res := s.WriteConfig(context.Background(), miner.Config{Pools: miner.Of([]miner.Pool{{URL: "bad"}})})
	if res.Failure != miner.FailureRejected || res.Step != 0 {
		t.Fatalf("WriteConfig() = %+v", res)
	}
	if n := len(c.Sent()); n != 1 {
		t.Errorf("sends = %d, rejection must not be retried", n)
	}
}

func TestWriteConfigUnsupported(t *testing.T) {
	s, c := open(t, vnishID, nil, Options{})
	res := s.WriteConfig(context.Background(), miner.Config{Mode: miner.Of(miner.ModeLow)})
	if res.Failure != miner.FailureUnsupported || !errors.Is(res.Err, miner.ErrUnsupported) {
		t.Fatalf("WriteConfig() = %+v", res)
	}
	if len(c.Sent()) != 0 {
		t.Errorf("nothing should be sent for an unsupported plan")
	}
}

// bosDevice holds bosminer.toml in memory.
type bosDevice struct {
	mu   sync.Mutex
	file string
}

func (d *bosDevice) handle(_ context.Context, _ miner.Credential, req transport.Request) (*transport.RawResponse, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch {
	case req.Command == "cat /etc/bosminer.toml":
		return &transport.RawResponse{Body: []byte(d.file)}, nil
	case strings.HasPrefix(req.Command, "cat > /etc/bosminer.toml"):
		d.file = string(req.Body)
		return &transport.RawResponse{}, nil
	}
	return &transport.RawResponse{}, nil
}

func TestWriteConfigKeepsDeviceSections(t *testing.T) {
	id := miner.Identity{Address: miner.Address{Host: "10.0.0.40"}, Vendor: miner.VendorBraiins, Firmware: miner.FirmwareBraiinsOS, Transport: miner.TransportSSH}
	dev := &bosDevice{file: `[format]
version = "1.2+"

[[group]]
name = "Main"

[[group.pool]]
url = "stratum+tcp://old:3333"
user = "w"

[temp_control]
hot_temp = 90
dangerous_temp = 100
`}
	s, c := open(t, id, dev.handle, Options{Retry: fastRetry})

	res := s.WriteConfig(context.Background(), miner.Config{
		Pools: miner.Of([]miner.Pool{{URL: "stratum+tcp://new:3333", User: "w2"}}),
	})
	if !res.OK {
		t.Fatalf("WriteConfig() = %+v", res)
	}
	sent := c.Sent()
	if len(sent) != 3 || sent[0].Command != "cat /etc/bosminer.toml" {
		t.Fatalf("sent = %+v, want read then write then reload", sent)
	}
	if !strings.Contains(dev.file, "dangerous_temp = 100") || !strings.Contains(dev.file, "stratum+tcp://new:3333") {
		t.Errorf("device file after write:\n%s", dev.file)
	}
}

func TestServerErrorRetriedAuthNot(t *testing.T) {
	var calls atomic.Int32
	h := func(context.Context, miner.Credential, transport.Request) (*transport.RawResponse, error) {
		if calls.Add(1) == 1 {
			return &transport.RawResponse{Status: http.StatusServiceUnavailable}, nil
		}
		return ok(`{}`), nil
	}
	s, c := open(t, vnishID, h, Options{Retry: fastRetry})
	res := s.Lifecycle(context.Background(), miner.CommandRestartMining)
	if !res.OK {
		t.Fatalf("Lifecycle() = %+v", res)
	}
	if calls.Load() != 2 || c.Resets() != 1 {
		t.Errorf("calls = %d resets = %d, want 2 and 1", calls.Load(), c.Resets())
	}

	calls.Store(0)
	deny := func(context.Context, miner.Credential, transport.Request) (*transport.RawResponse, error) {
		calls.Add(1)
		return &transport.RawResponse{Status: http.StatusUnauthorized}, nil
	}
	s2, _ := open(t, vnishID, deny, Options{Retry: fastRetry})
	res = s2.Lifecycle(context.Background(), miner.CommandReboot)
	if res.Failure != miner.FailureTransport || !errors.Is(res.Err, miner.ErrAuthFailed) || calls.Load() != 1 {
		t.Errorf("Lifecycle() = %+v after %d calls", res, calls.Load())
	}
}

func TestPollRetriesTransient(t *testing.T) {
	var calls atomic.Int32
	h := func(context.Context, miner.Credential, transport.Request) (*transport.RawResponse, error) {
		if calls.Add(1) == 1 {
			return nil, &miner.TransportError{Kind: miner.Reset, Op: "poll"}
		}
		return ok(`{"miner":{"instant_hashrate":100000}}`), nil
	}
	rec := &events.Recorder{}
	s, c := open(t, vnishID, h, Options{Retry: fastRetry, Sink: rec})

	tel, err := s.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if hr, _ := tel.Hashrate.Get(); hr != 100 {
		t.Errorf("hashrate = %v, want 100", hr)
	}
	if c.Resets() != 1 {
		t.Errorf("resets = %d, want 1", c.Resets())
	}
	evs := rec.OfKind(events.KindPoll)
	if len(evs) != 1 || evs[0].Attempts != 2 || evs[0].Outcome != events.OutcomeOK || evs[0].Telemetry == nil {
		t.Errorf("poll events = %+v", evs)
	}
}

func TestPollDeadlineResetsConnection(t *testing.T) {
	h := func(ctx context.Context, _ miner.Credential, _ transport.Request) (*transport.RawResponse, error) {
		<-ctx.Done()
		return nil, &miner.TransportError{Kind: miner.Timeout, Op: "poll", Err: ctx.Err()}
	}
	s, c := open(t, vnishID, h, Options{Retry: fastRetry})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := s.Poll(ctx)
	if !errors.Is(err, miner.ErrTimeout) {
		t.Fatalf("Poll() error = %v, want timeout", err)
	}
	if c.Resets() == 0 {
		t.Errorf("connection not reset after abandoned exchange")
	}
}

func TestOperationsSerialized(t *testing.T) {
	var inFlight, maxInFlight atomic.Int32
	release := make(chan struct{})
	h := func(context.Context, miner.Credential, transport.Request) (*transport.RawResponse, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			m := maxInFlight.Load()
			if n <= m || maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
		<-release
		return ok(`{"miner":{"instant_hashrate":1000}}`), nil
	}
	s, c := open(t, vnishID, h, Options{})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Poll(context.Background()); err != nil {
				t.Errorf("Poll() error = %v", err)
			}
		}()
	}
	for i := 0; i < 4; i++ {
		release <- struct{}{}
	}
	wg.Wait()
	if maxInFlight.Load() != 1 {
		t.Errorf("max in-flight = %d, want 1", maxInFlight.Load())
	}
	if len(c.Sent()) != 4 {
		t.Errorf("sends = %d, want 4", len(c.Sent()))
	}
}

func TestRejectWhenBusy(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	h := func(context.Context, miner.Credential, transport.Request) (*transport.RawResponse, error) {
		close(entered)
		<-release
		return ok(`{"miner":{"instant_hashrate":1000}}`), nil
	}
	s, _ := open(t, vnishID, h, Options{RejectWhenBusy: true})

	done := make(chan error, 1)
	go func() {
		_, err := s.Poll(context.Background())
		done <- err
	}()
	<-entered
	if _, err := s.Poll(context.Background()); !errors.Is(err, miner.ErrSessionBusy) {
		t.Errorf("second Poll() error = %v, want busy", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Errorf("first Poll() error = %v", err)
	}
}

func TestClose(t *testing.T) {
	s, c := open(t, vnishID, nil, Options{})
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close() = %v", err)
	}
	if !c.Closed() {
		t.Errorf("client not closed")
	}
	if _, err := s.Poll(context.Background()); !errors.Is(err, miner.ErrSessionClosed) {
		t.Errorf("Poll() after Close = %v", err)
	}
	if _, err := s.ReadConfig(context.Background()); !errors.Is(err, miner.ErrSessionClosed) {
		t.Errorf("ReadConfig() after Close = %v", err)
	}
	res := s.WriteConfig(context.Background(), miner.Config{})
	if !errors.Is(res.Err, miner.ErrSessionClosed) {
		t.Errorf("WriteConfig() after Close = %+v", res)
	}
	if res := s.Lifecycle(context.Background(), miner.CommandReboot); !errors.Is(res.Err, miner.ErrSessionClosed) {
		t.Errorf("Lifecycle() after Close = %+v", res)
	}
}

func TestIdleTimerReleasesConnection(t *testing.T) {
	s, c := open(t, vnishID, fake.Handler(func(context.Context, miner.Credential, transport.Request) (*transport.RawResponse, error) {
		return ok(`{"miner":{"instant_hashrate":1000}}`), nil
	}), Options{IdleTimeout: 10 * time.Millisecond})

	if _, err := s.Poll(context.Background()); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for c.Resets() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if c.Resets() == 0 {
		t.Fatal("idle timer never released the connection")
	}
	if _, err := s.Poll(context.Background()); err != nil {
		t.Errorf("Poll() after idle release = %v", err)
	}
}

type stubIdentifier struct {
	id    miner.Identity
	calls atomic.Int32
}

func (s *stubIdentifier) Identify(context.Context, miner.Address) (miner.Identity, error) {
	s.calls.Add(1)
	return s.id, nil
}

func TestProtocolViolationReidentifies(t *testing.T) {
	elphapexID := vnishID
	elphapexID.Vendor = miner.VendorElphapex
	elphapexID.Firmware = miner.FirmwareStock
	elphapexID.Transport = miner.TransportSocket

	reid := &stubIdentifier{id: elphapexID}
	var redialed *fake.Client
	core, logs := observer.New(zapcore.InfoLevel)
	broken := func(context.Context, miner.Credential, transport.Request) (*transport.RawResponse, error) {
		return nil, &miner.TransportError{Kind: miner.ProtocolViolation, Op: "poll"}
	}
	s, old := open(t, vnishID, broken, Options{
		Retry:        fastRetry,
		Reidentifier: reid,
		Redial: func(id miner.Identity, drv normalize.Driver) (transport.Client, error) {
			if drv.Variant() != id.Variant() {
				t.Errorf("redial driver %s for %s", drv.Variant(), id.Variant())
			}
			redialed = &fake.Client{TransportKind: id.Transport, Handler: fake.Reply(`{"hs":"100000","temp":"65"}`)}
			return redialed, nil
		},
		Log: zap.New(core),
	})

	if _, err := s.Poll(context.Background()); !errors.Is(err, miner.ErrProtocolViolation) {
		t.Fatalf("first Poll() error = %v", err)
	}
	if len(old.Sent()) != 1 || reid.calls.Load() != 0 {
		t.Fatalf("protocol violation retried or re-identified eagerly")
	}

	tel, err := s.Poll(context.Background())
	if err != nil {
		t.Fatalf("second Poll() error = %v", err)
	}
	if hr, _ := tel.Hashrate.Get(); hr != 100 {
		t.Errorf("hashrate = %v", hr)
	}
	if s.Identity().Vendor != miner.VendorElphapex || !old.Closed() || redialed == nil {
		t.Errorf("session not rebound: %+v", s.Identity())
	}
	if logs.FilterMessage("variant changed").Len() != 1 {
		t.Errorf("missing variant change log")
	}
}

func TestLifecycleRefreshIdentity(t *testing.T) {
	braiinsID := miner.Identity{Address: vnishID.Address, Vendor: miner.VendorBraiins, Model: "Antminer S19j Pro", Firmware: miner.FirmwareBraiinsOS, Transport: miner.TransportSSH}
	reid := &stubIdentifier{id: braiinsID}
	var redialed *fake.Client
	rec := &events.Recorder{}
	s, old := open(t, vnishID, nil, Options{
		Reidentifier: reid,
		Redial: func(id miner.Identity, drv normalize.Driver) (transport.Client, error) {
			redialed = &fake.Client{TransportKind: id.Transport}
			return redialed, nil
		},
		Sink: rec,
	})

	res := s.Lifecycle(context.Background(), miner.CommandRefreshIdentity)
	if !res.OK {
		t.Fatalf("Lifecycle(refresh) = %+v", res)
	}
	if reid.calls.Load() != 1 {
		t.Errorf("identify calls = %d, want 1", reid.calls.Load())
	}
	if s.Identity() != braiinsID || redialed == nil || !old.Closed() {
		t.Errorf("session not rebound: %+v", s.Identity())
	}
	if len(old.Sent()) != 0 {
		t.Errorf("refresh sent %d requests to the device driver", len(old.Sent()))
	}
	evs := rec.OfKind(events.KindLifecycle)
	if len(evs) != 1 || evs[0].Identity == nil || evs[0].Identity.Vendor != miner.VendorBraiins {
		t.Errorf("lifecycle events = %+v", evs)
	}

	bare, _ := open(t, vnishID, nil, Options{})
	if res := bare.Lifecycle(context.Background(), miner.CommandRefreshIdentity); res.Failure != miner.FailureUnsupported {
		t.Errorf("refresh without identifier = %+v", res)
	}
}

func TestLifecycleUnsupported(t *testing.T) {
	id := miner.Identity{Address: miner.Address{Host: "10.0.0.30"}, Vendor: miner.VendorElphapex, Firmware: miner.FirmwareStock, Transport: miner.TransportSocket}
	rec := &events.Recorder{}
	s, _ := open(t, id, nil, Options{Sink: rec})
	res := s.Lifecycle(context.Background(), miner.CommandReboot)
	if res.Failure != miner.FailureUnsupported {
		t.Fatalf("Lifecycle() = %+v", res)
	}
	evs := rec.OfKind(events.KindLifecycle)
	if len(evs) != 1 || evs[0].Command != miner.CommandReboot || evs[0].Outcome != string(miner.UnsupportedOperation) {
		t.Errorf("lifecycle events = %+v", evs)
	}
}
