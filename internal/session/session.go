// Package session binds one identified device to its transport client and
// normalization driver. Operations on a session are strictly serialized.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"minerlink/internal/events"
	"minerlink/internal/miner"
	"minerlink/internal/normalize"
	"minerlink/internal/retry"
	"minerlink/internal/transport"
)

// Reidentifier re-runs identification after a protocol violation.
type Reidentifier interface {
	Identify(ctx context.Context, addr miner.Address) (miner.Identity, error)
}

// Redial opens a client for a new identity when re-identification changed the
// variant.
type Redial func(id miner.Identity, drv normalize.Driver) (transport.Client, error)

type Options struct {
	Retry retry.Policy
	// IdleTimeout releases the connection after this long without an
	// operation. Zero keeps it open.
	IdleTimeout    time.Duration
	RejectWhenBusy bool

	Reidentifier Reidentifier
	Redial       Redial

	Log  *zap.Logger
	Sink events.Sink
	Now  func() time.Time
}

type Session struct {
	opts Options
	log  *zap.Logger
	sem  chan struct{}
	done chan struct{}

	mu     sync.Mutex
	id     miner.Identity
	drv    normalize.Driver
	client transport.Client
	stale  bool
	closed bool
	idle   *time.Timer
}

func Open(id miner.Identity, client transport.Client, drv normalize.Driver, opts Options) *Session {
	if opts.Sink == nil {
		opts.Sink = events.Nop
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	s := &Session{
		opts:   opts,
		log:    log.Named("session").With(zap.String("addr", id.Address.String())),
		sem:    make(chan struct{}, 1),
		done:   make(chan struct{}),
		id:     id,
		drv:    drv,
		client: client,
	}
	if opts.IdleTimeout > 0 {
		s.idle = time.AfterFunc(opts.IdleTimeout, s.onIdle)
	}
	return s
}

func (s *Session) Identity() miner.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// Close releases the connection. Later operations fail with
// miner.ErrSessionClosed. Close is idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	if s.idle != nil {
		s.idle.Stop()
	}
	c := s.client
	s.mu.Unlock()
	s.log.Debug("session closed")
	return c.Close()
}

func (s *Session) acquire(ctx context.Context) error {
	if s.isClosed() {
		return miner.ErrSessionClosed
	}
	if s.opts.RejectWhenBusy {
		select {
		case s.sem <- struct{}{}:
		default:
			return miner.ErrSessionBusy
		}
	} else {
		select {
		case s.sem <- struct{}{}:
		case <-s.done:
			return miner.ErrSessionClosed
		case <-ctx.Done():
			return &miner.TransportError{Kind: miner.Timeout, Op: "queue", Addr: s.Identity().Address.String(), Err: ctx.Err()}
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		<-s.sem
		return miner.ErrSessionClosed
	}
	if s.idle != nil {
		s.idle.Stop()
	}
	return nil
}

func (s *Session) release() {
	s.mu.Lock()
	if s.idle != nil && !s.closed {
		s.idle.Reset(s.opts.IdleTimeout)
	}
	s.mu.Unlock()
	<-s.sem
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) onIdle() {
	select {
	case s.sem <- struct{}{}:
	default:
		return
	}
	defer func() { <-s.sem }()
	s.mu.Lock()
	c, closed := s.client, s.closed
	s.mu.Unlock()
	if !closed {
		c.Reset()
		s.log.Debug("idle connection released")
	}
}

// bound returns the driver and client for the current operation, refreshing
// the identity first when the last operation hit a protocol violation.
func (s *Session) bound(ctx context.Context) (normalize.Driver, transport.Client, error) {
	s.mu.Lock()
	stale, drv, client, id := s.stale, s.drv, s.client, s.id
	s.mu.Unlock()
	if !stale || s.opts.Reidentifier == nil {
		return drv, client, nil
	}

	next, err := s.opts.Reidentifier.Identify(ctx, id.Address)
	if err != nil {
		return nil, nil, fmt.Errorf("re-identify: %w", err)
	}
	if next.Variant() == id.Variant() {
		client.Reset()
		s.mu.Lock()
		s.id, s.stale = next, false
		s.mu.Unlock()
		return drv, client, nil
	}

	ndrv, err := normalize.For(next.Variant())
	if err != nil {
		return nil, nil, &miner.NormalizationError{Kind: miner.UnsupportedOperation, Vendor: next.Vendor, Field: "variant", Err: err}
	}
	if s.opts.Redial == nil {
		return nil, nil, fmt.Errorf("re-identify: variant changed to %s and no redial configured", next.Variant())
	}
	nclient, err := s.opts.Redial(next, ndrv)
	if err != nil {
		return nil, nil, fmt.Errorf("re-identify: %w", err)
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = nclient.Close()
		return nil, nil, miner.ErrSessionClosed
	}
	old := s.client
	s.id, s.drv, s.client, s.stale = next, ndrv, nclient, false
	s.mu.Unlock()
	_ = old.Close()
	s.log.Info("variant changed",
		zap.Stringer("from", id.Variant()),
		zap.Stringer("to", next.Variant()),
	)
	return ndrv, nclient, nil
}

// exchange sends req with retries. check, when set, runs inside the retry loop
// so that server failures it reports as transient are retried too.
func (s *Session) exchange(ctx context.Context, op string, client transport.Client, req transport.Request, check func(*transport.RawResponse) error) (*transport.RawResponse, int, error) {
	var resp *transport.RawResponse
	attempts := 0
	err := retry.Do(ctx, s.opts.Retry, func(ctx context.Context) error {
		attempts++
		r, err := client.Send(ctx, req)
		if err != nil {
			return err
		}
		if check != nil {
			if err := check(r); err != nil {
				return err
			}
		}
		resp = r
		return nil
	}, func(attempt int, err error) {
		s.log.Debug("retrying", zap.String("op", op), zap.Int("attempt", attempt), zap.Error(err))
		client.Reset()
	})
	if err == nil {
		return resp, attempts, nil
	}

	if cerr := ctx.Err(); cerr != nil {
		// The connection state is unknown after an abandoned exchange.
		client.Reset()
		var te *miner.TransportError
		if !errors.As(err, &te) || te.Kind != miner.Timeout {
			err = &miner.TransportError{Kind: miner.Timeout, Op: op, Addr: s.Identity().Address.String(), Err: cerr}
		}
	}
	if errors.Is(err, miner.ErrProtocolViolation) {
		s.mu.Lock()
		s.stale = true
		s.mu.Unlock()
		s.log.Warn("protocol violation, will re-identify", zap.String("op", op), zap.Error(err))
	}
	return nil, attempts, err
}

// Poll fetches and normalizes telemetry in one round trip.
func (s *Session) Poll(ctx context.Context) (miner.Telemetry, error) {
	if err := s.acquire(ctx); err != nil {
		return miner.Telemetry{}, err
	}
	defer s.release()

	start := time.Now()
	t, attempts, err := s.poll(ctx)

	id := s.Identity()
	ev := events.New(events.KindPoll, id.Address)
	ev.Identity = &id
	ev.Latency = time.Since(start)
	ev.Attempts = attempts
	ev.Outcome = events.Outcome(err)
	ev.Err = err
	if err == nil {
		ev.Telemetry = &t
	}
	s.opts.Sink.Emit(ctx, ev)

	if err != nil {
		s.log.Warn("poll failed", zap.String("kind", ev.Outcome), zap.Int("attempt", attempts), zap.Error(err))
	} else {
		s.log.Debug("polled", zap.Duration("latency", ev.Latency), zap.Int("attempt", attempts))
	}
	return t, err
}

func (s *Session) poll(ctx context.Context) (miner.Telemetry, int, error) {
	drv, client, err := s.bound(ctx)
	if err != nil {
		return miner.Telemetry{}, 0, err
	}
	resp, attempts, err := s.exchange(ctx, "poll", client, drv.PollRequest(), nil)
	if err != nil {
		return miner.Telemetry{}, attempts, err
	}
	t, err := drv.ParseTelemetry(resp, s.opts.Now())
	return t, attempts, err
}

func (s *Session) ReadConfig(ctx context.Context) (miner.Config, error) {
	if err := s.acquire(ctx); err != nil {
		return miner.Config{}, err
	}
	defer s.release()

	drv, client, err := s.bound(ctx)
	if err != nil {
		return miner.Config{}, err
	}
	req, err := drv.ReadConfigRequest()
	if err != nil {
		return miner.Config{}, err
	}
	resp, _, err := s.exchange(ctx, "read_config", client, req, nil)
	if err != nil {
		return miner.Config{}, err
	}
	return drv.ParseConfig(resp)
}

// WriteConfig applies cfg step by step. It is not transactional: a failure
// after the first step is reported as a partial write and the caller should
// read the config back.
func (s *Session) WriteConfig(ctx context.Context, cfg miner.Config) miner.CommandResult {
	if err := s.acquire(ctx); err != nil {
		return miner.Failed(miner.FailureTransport, 0, err)
	}
	defer s.release()

	start := time.Now()
	res := s.writeConfig(ctx, cfg)

	id := s.Identity()
	ev := events.New(events.KindConfigWrite, id.Address)
	ev.Identity = &id
	ev.Latency = time.Since(start)
	ev.Err = res.Err
	ev.Outcome = events.Outcome(res.Err)
	ev.Failure = res.Failure
	ev.Step = res.Step
	s.opts.Sink.Emit(ctx, ev)

	if res.OK {
		s.log.Info("config written", zap.Duration("latency", ev.Latency))
	} else {
		s.log.Warn("config write failed", zap.String("failure", string(res.Failure)), zap.Int("step", res.Step), zap.Error(res.Err))
	}
	return res
}

func (s *Session) writeConfig(ctx context.Context, cfg miner.Config) miner.CommandResult {
	drv, client, err := s.bound(ctx)
	if err != nil {
		return miner.Failed(miner.FailureTransport, 0, err)
	}
	plan, err := s.plan(ctx, drv, client, cfg)
	if err != nil {
		return miner.Failed(failureKind(err), 0, err)
	}
	for i, req := range plan {
		if _, _, err := s.exchange(ctx, "write_config", client, req, drv.CheckReply); err != nil {
			if i == 0 {
				return miner.Failed(failureKind(err), 0, err)
			}
			r := miner.Failed(miner.FailurePartialWrite, i, err)
			r.Diagnostic = fmt.Sprintf("step %d of %d failed, earlier steps applied: %v", i+1, len(plan), err)
			return r
		}
	}
	return miner.Succeeded()
}

// plan builds the write steps. Drivers that replace a whole document get the
// current one first.
func (s *Session) plan(ctx context.Context, drv normalize.Driver, client transport.Client, cfg miner.Config) ([]transport.Request, error) {
	m, ok := drv.(normalize.Merger)
	if !ok {
		return drv.WritePlan(cfg)
	}
	req, err := drv.ReadConfigRequest()
	if err != nil {
		return nil, err
	}
	cur, _, err := s.exchange(ctx, "read_config", client, req, nil)
	if err != nil {
		return nil, err
	}
	return m.WritePlanFrom(cur, cfg)
}

// Lifecycle runs a lifecycle command. CommandRefreshIdentity is handled by
// the session itself.
func (s *Session) Lifecycle(ctx context.Context, cmd miner.Command) miner.CommandResult {
	if err := s.acquire(ctx); err != nil {
		return miner.Failed(miner.FailureTransport, 0, err)
	}
	defer s.release()

	start := time.Now()
	res := s.lifecycle(ctx, cmd)

	id := s.Identity()
	ev := events.New(events.KindLifecycle, id.Address)
	ev.Identity = &id
	ev.Command = cmd
	ev.Latency = time.Since(start)
	ev.Err = res.Err
	ev.Outcome = events.Outcome(res.Err)
	ev.Failure = res.Failure
	s.opts.Sink.Emit(ctx, ev)

	if res.OK {
		s.log.Info("lifecycle command sent", zap.String("command", string(cmd)))
	} else {
		s.log.Warn("lifecycle command failed", zap.String("command", string(cmd)), zap.Error(res.Err))
	}
	return res
}

func (s *Session) lifecycle(ctx context.Context, cmd miner.Command) miner.CommandResult {
	if cmd == miner.CommandRefreshIdentity {
		return s.refresh(ctx)
	}
	drv, client, err := s.bound(ctx)
	if err != nil {
		return miner.Failed(miner.FailureTransport, 0, err)
	}
	req, err := drv.LifecycleRequest(cmd)
	if err != nil {
		return miner.Failed(failureKind(err), 0, err)
	}
	if _, _, err := s.exchange(ctx, string(cmd), client, req, drv.CheckReply); err != nil {
		return miner.Failed(failureKind(err), 0, err)
	}
	return miner.Succeeded()
}

// refresh forces re-identification on the current address.
func (s *Session) refresh(ctx context.Context) miner.CommandResult {
	if s.opts.Reidentifier == nil {
		err := miner.NotSupported(s.Identity().Vendor, string(miner.CommandRefreshIdentity))
		return miner.Failed(miner.FailureUnsupported, 0, err)
	}
	s.mu.Lock()
	s.stale = true
	s.mu.Unlock()
	if _, _, err := s.bound(ctx); err != nil {
		return miner.Failed(failureKind(err), 0, err)
	}
	return miner.Succeeded()
}

func failureKind(err error) miner.FailureKind {
	switch {
	case errors.Is(err, miner.ErrUnsupported):
		return miner.FailureUnsupported
	case errors.Is(err, normalize.ErrRejected), errors.Is(err, miner.ErrMissingField), errors.Is(err, miner.ErrMalformed):
		return miner.FailureRejected
	}
	return miner.FailureTransport
}
