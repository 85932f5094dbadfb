// Package fleet fans identification and polling out across many addresses.
package fleet

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"minerlink/internal/credentials"
	"minerlink/internal/events"
	"minerlink/internal/identify"
	"minerlink/internal/miner"
	"minerlink/internal/session"
)

// Opener opens a session for an identified device. creds may be nil to use
// the opener's own provider.
type Opener interface {
	OpenSession(ctx context.Context, id miner.Identity, creds credentials.Provider) (*session.Session, error)
}

type OpenerFunc func(ctx context.Context, id miner.Identity, creds credentials.Provider) (*session.Session, error)

func (f OpenerFunc) OpenSession(ctx context.Context, id miner.Identity, creds credentials.Provider) (*session.Session, error) {
	return f(ctx, id, creds)
}

type Options struct {
	Concurrency      int
	PerDeviceTimeout time.Duration
	// Deadline bounds the whole scan. Zero means no limit beyond ctx.
	Deadline    time.Duration
	Credentials credentials.Provider
	// Poll reads telemetry from every identified device.
	Poll bool
	// OnProgress is called after each address completes.
	OnProgress func(done, total int)
}

type Device struct {
	Identity  miner.Identity   `json:"identity"`
	Telemetry *miner.Telemetry `json:"telemetry,omitempty"`
}

type Unrecognized struct {
	Address miner.Address `json:"address"`
	Detail  string        `json:"detail,omitempty"`
}

type Failure struct {
	Address  miner.Address   `json:"address"`
	Identity *miner.Identity `json:"identity,omitempty"`
	Kind     string          `json:"kind"`
	Error    string          `json:"error"`
	Err      error           `json:"-"`
}

// Result buckets every scanned address exactly once. Each bucket is sorted by
// address.
type Result struct {
	ID           string          `json:"id"`
	Identified   []Device        `json:"identified"`
	Unreachable  []miner.Address `json:"unreachable"`
	Unrecognized []Unrecognized  `json:"unrecognized"`
	Failed       []Failure       `json:"failed"`
	TimedOut     []miner.Address `json:"timed_out"`
	StartedAt    time.Time       `json:"started_at"`
	Duration     time.Duration   `json:"duration_ns"`
}

func (r *Result) Total() int {
	return len(r.Identified) + len(r.Unreachable) + len(r.Unrecognized) + len(r.Failed) + len(r.TimedOut)
}

func (r *Result) Summary() events.ScanSummary {
	return events.ScanSummary{
		ID:           r.ID,
		Total:        r.Total(),
		Identified:   len(r.Identified),
		Unreachable:  len(r.Unreachable),
		Unrecognized: len(r.Unrecognized),
		Failed:       len(r.Failed),
		TimedOut:     len(r.TimedOut),
		Duration:     r.Duration,
	}
}

type Scanner struct {
	engine *identify.Engine
	opener Opener
	log    *zap.Logger
	sink   events.Sink
}

func New(engine *identify.Engine, opener Opener, log *zap.Logger, sink events.Sink) *Scanner {
	if log == nil {
		log = zap.NewNop()
	}
	if sink == nil {
		sink = events.Nop
	}
	return &Scanner{engine: engine, opener: opener, log: log.Named("fleet"), sink: sink}
}

type status int

const (
	identified status = iota
	unreachable
	unrecognized
	failed
	timedOut
)

type outcome struct {
	addr   miner.Address
	status status
	device Device
	detail string
	err    error
}

// Scan identifies every address, and polls identified devices when o.Poll is
// set. One address failing never aborts the scan. When the deadline fires,
// Scan returns at once with the addresses still in flight marked TimedOut.
func (s *Scanner) Scan(ctx context.Context, addrs []miner.Address, o Options) (*Result, error) {
	if o.Concurrency <= 0 {
		o.Concurrency = 256
	}
	if o.PerDeviceTimeout <= 0 {
		o.PerDeviceTimeout = 10 * time.Second
	}
	addrs = dedupe(addrs)
	res := &Result{ID: uuid.NewString(), StartedAt: time.Now().UTC()}
	start := time.Now()

	parent := ctx
	if o.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.Deadline)
		defer cancel()
	}
	engine := s.engine.WithCredentials(o.Credentials)

	s.log.Info("scan started",
		zap.String("scan", res.ID),
		zap.Int("targets", len(addrs)),
		zap.Int("concurrency", o.Concurrency),
		zap.Bool("poll", o.Poll),
	)

	// Buffered for every address so late workers never block after Scan returns.
	outcomes := make(chan outcome, len(addrs))
	go func() {
		var g errgroup.Group
		g.SetLimit(o.Concurrency)
		for _, a := range addrs {
			if ctx.Err() != nil {
				break
			}
			g.Go(func() error {
				outcomes <- s.scanOne(ctx, engine, a, o)
				return nil
			})
		}
		_ = g.Wait()
	}()

	pending := make(map[miner.Address]struct{}, len(addrs))
	for _, a := range addrs {
		pending[a] = struct{}{}
	}
	record := func(out outcome) {
		delete(pending, out.addr)
		res.add(out)
		if o.OnProgress != nil {
			o.OnProgress(len(addrs)-len(pending), len(addrs))
		}
	}

collect:
	for len(pending) > 0 {
		select {
		case out := <-outcomes:
			record(out)
		case <-ctx.Done():
			for {
				select {
				case out := <-outcomes:
					record(out)
				default:
					break collect
				}
			}
		}
	}
	for a := range pending {
		res.TimedOut = append(res.TimedOut, a)
	}

	res.Duration = time.Since(start)
	res.sort()

	sum := res.Summary()
	ev := events.New(events.KindScanCompleted, miner.Address{})
	ev.Outcome = events.OutcomeOK
	ev.Latency = res.Duration
	ev.Scan = &sum
	s.sink.Emit(context.WithoutCancel(parent), ev)

	s.log.Info("scan completed",
		zap.String("scan", res.ID),
		zap.Int("identified", sum.Identified),
		zap.Int("unreachable", sum.Unreachable),
		zap.Int("unrecognized", sum.Unrecognized),
		zap.Int("failed", sum.Failed),
		zap.Int("timed_out", sum.TimedOut),
		zap.Duration("latency", res.Duration),
	)
	if err := parent.Err(); err != nil {
		return res, err
	}
	return res, nil
}

func (s *Scanner) scanOne(ctx context.Context, engine *identify.Engine, addr miner.Address, o Options) outcome {
	dctx, cancel := context.WithTimeout(ctx, o.PerDeviceTimeout)
	defer cancel()

	out := outcome{addr: addr}
	id, err := engine.Identify(dctx, addr)
	if err != nil {
		var f *miner.IdentificationFailure
		switch {
		case dctx.Err() != nil:
			out.status = timedOut
		case errors.As(err, &f) && f.Reason == miner.Unreachable:
			out.status = unreachable
		case errors.As(err, &f) && f.Reason == miner.Unrecognized:
			out.status, out.detail = unrecognized, f.Detail
		default:
			out.status, out.err = failed, err
		}
		return out
	}
	out.device.Identity = id
	if !o.Poll {
		return out
	}

	sess, err := s.opener.OpenSession(dctx, id, o.Credentials)
	if err != nil {
		out.status, out.err = failed, err
		return out
	}
	defer sess.Close()
	t, err := sess.Poll(dctx)
	switch {
	case err == nil:
		out.device.Telemetry = &t
	case dctx.Err() != nil:
		out.status = timedOut
	default:
		out.status, out.err = failed, err
	}
	return out
}

func (r *Result) add(out outcome) {
	switch out.status {
	case identified:
		r.Identified = append(r.Identified, out.device)
	case unreachable:
		r.Unreachable = append(r.Unreachable, out.addr)
	case unrecognized:
		r.Unrecognized = append(r.Unrecognized, Unrecognized{Address: out.addr, Detail: out.detail})
	case timedOut:
		r.TimedOut = append(r.TimedOut, out.addr)
	case failed:
		f := Failure{Address: out.addr, Kind: miner.ErrorKind(out.err), Err: out.err, Error: out.err.Error()}
		if out.device.Identity.Vendor != "" {
			id := out.device.Identity
			f.Identity = &id
		}
		r.Failed = append(r.Failed, f)
	}
}

func (r *Result) sort() {
	byAddr := func(a, b miner.Address) int {
		switch {
		case a.Less(b):
			return -1
		case b.Less(a):
			return 1
		}
		return 0
	}
	slices.SortFunc(r.Identified, func(a, b Device) int { return byAddr(a.Identity.Address, b.Identity.Address) })
	slices.SortFunc(r.Unreachable, byAddr)
	slices.SortFunc(r.Unrecognized, func(a, b Unrecognized) int { return byAddr(a.Address, b.Address) })
	slices.SortFunc(r.Failed, func(a, b Failure) int { return byAddr(a.Address, b.Address) })
	slices.SortFunc(r.TimedOut, byAddr)
}

func dedupe(addrs []miner.Address) []miner.Address {
	seen := make(map[miner.Address]struct{}, len(addrs))
	out := make([]miner.Address, 0, len(addrs))
	for _, a := range addrs {
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	return out
}
