// Package manager is the entry point of the core: identification, sessions
// and fleet scans behind one facade.
package manager

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"minerlink/internal/credentials"
	"minerlink/internal/events"
	"minerlink/internal/fingerprint"
	"minerlink/internal/fleet"
	"minerlink/internal/identify"
	"minerlink/internal/miner"
	"minerlink/internal/normalize"
	"minerlink/internal/session"
	"minerlink/internal/transport"
	"minerlink/internal/transport/dial"
)

var ErrClosed = errors.New("manager closed")

type Config struct {
	Identify identify.Options
	// Session holds the retry, idle and busy settings for every session.
	Session session.Options
	// Scan fills options left zero in Scan calls.
	Scan fleet.Options
}

type Manager struct {
	dialer  dial.Dialer
	creds   credentials.Provider
	engine  *identify.Engine
	scanner *fleet.Scanner
	cfg     Config
	log     *zap.Logger
	sink    events.Sink

	group    singleflight.Group
	mu       sync.Mutex
	sessions map[string]*session.Session
	closed   bool
}

func New(d dial.Dialer, table *fingerprint.Table, creds credentials.Provider, cfg Config, log *zap.Logger, sink events.Sink) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	if sink == nil {
		sink = events.Nop
	}
	if creds == nil {
		creds = credentials.None{}
	}
	m := &Manager{
		dialer:   d,
		creds:    creds,
		cfg:      cfg,
		log:      log,
		sink:     sink,
		sessions: map[string]*session.Session{},
	}
	idOpts := cfg.Identify
	idOpts.Credentials, idOpts.Log, idOpts.Sink = creds, log, sink
	m.engine = identify.New(d, table, idOpts)
	m.scanner = fleet.New(m.engine, fleet.OpenerFunc(m.openSession), log, sink)
	return m
}

func (m *Manager) Identify(ctx context.Context, addr miner.Address) (miner.Identity, error) {
	return m.engine.Identify(ctx, addr)
}

// OpenSession binds a new session to id. The caller owns it and must Close it.
func (m *Manager) OpenSession(ctx context.Context, id miner.Identity) (*session.Session, error) {
	return m.openSession(ctx, id, nil)
}

func (m *Manager) openSession(_ context.Context, id miner.Identity, creds credentials.Provider) (*session.Session, error) {
	if creds == nil {
		creds = m.creds
	}
	drv, err := normalize.For(id.Variant())
	if err != nil {
		return nil, &miner.NormalizationError{Kind: miner.UnsupportedOperation, Vendor: id.Vendor, Field: "variant", Err: err}
	}
	redial := func(next miner.Identity, drv normalize.Driver) (transport.Client, error) {
		return m.dial(next, drv, creds)
	}
	client, err := redial(id, drv)
	if err != nil {
		return nil, err
	}
	opts := m.cfg.Session
	opts.Reidentifier = m.engine
	opts.Redial = redial
	opts.Log = m.log
	opts.Sink = m.sink
	return session.Open(id, client, drv, opts), nil
}

// dial uses the first credential the provider offers for the device.
func (m *Manager) dial(id miner.Identity, drv normalize.Driver, creds credentials.Provider) (transport.Client, error) {
	var cred miner.Credential
	if cs := creds.For(id.Address, id.Vendor); len(cs) > 0 {
		cred = cs[0]
	}
	return m.dialer.Dial(id.Transport, id.Address, cred, drv.Options())
}

// Session returns the cached session for addr, identifying the device and
// opening one on first use. Concurrent first calls share one identification.
func (m *Manager) Session(ctx context.Context, addr miner.Address) (*session.Session, error) {
	key := addr.String()
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if s, ok := m.sessions[key]; ok {
		m.mu.Unlock()
		return s, nil
	}
	m.mu.Unlock()

	v, err, _ := m.group.Do(key, func() (any, error) {
		m.mu.Lock()
		if s, ok := m.sessions[key]; ok {
			m.mu.Unlock()
			return s, nil
		}
		m.mu.Unlock()

		id, err := m.engine.Identify(ctx, addr)
		if err != nil {
			return nil, err
		}
		s, err := m.openSession(ctx, id, nil)
		if err != nil {
			return nil, err
		}

		m.mu.Lock()
		defer m.mu.Unlock()
		if m.closed {
			_ = s.Close()
			return nil, ErrClosed
		}
		m.sessions[key] = s
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*session.Session), nil
}

// Forget closes and drops the cached session for addr.
func (m *Manager) Forget(addr miner.Address) {
	m.mu.Lock()
	s, ok := m.sessions[addr.String()]
	delete(m.sessions, addr.String())
	m.mu.Unlock()
	if ok {
		_ = s.Close()
	}
}

// Sessions returns the number of cached sessions.
func (m *Manager) Sessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Manager) Scan(ctx context.Context, addrs []miner.Address, o fleet.Options) (*fleet.Result, error) {
	if m.isClosed() {
		return nil, ErrClosed
	}
	d := m.cfg.Scan
	if o.Concurrency <= 0 {
		o.Concurrency = d.Concurrency
	}
	if o.PerDeviceTimeout <= 0 {
		o.PerDeviceTimeout = d.PerDeviceTimeout
	}
	if o.Deadline <= 0 {
		o.Deadline = d.Deadline
	}
	return m.scanner.Scan(ctx, addrs, o)
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Close closes every cached session. It is safe to call more than once.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	sessions := m.sessions
	m.sessions = map[string]*session.Session{}
	m.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	m.log.Info("manager closed", zap.Int("sessions", len(sessions)))
	return errors.Join(errs...)
}
