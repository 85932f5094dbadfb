// Package events defines the device lifecycle events emitted by the core and
// the sinks that consume them.
package events

import (
	"context"
	"sync"
	"time"

	"minerlink/internal/miner"
)

type Kind string

const (
	KindIdentify      Kind = "identify"
	KindPoll          Kind = "poll"
	KindConfigWrite   Kind = "config_write"
	KindLifecycle     Kind = "lifecycle"
	KindScanCompleted Kind = "scan_completed"
)

const OutcomeOK = "ok"

// Event is one observation. Which optional fields are set depends on Kind.
// Outcome is OutcomeOK or a miner.ErrorKind label.
type Event struct {
	ID      string
	Kind    Kind
	Time    time.Time
	Address miner.Address
	Outcome string
	Err     error
	Latency time.Duration

	Identity  *miner.Identity
	Detail    string
	Telemetry *miner.Telemetry
	Attempts  int

	Failure miner.FailureKind
	Step    int
	Command miner.Command

	Scan *ScanSummary
}

type ScanSummary struct {
	ID           string
	Total        int
	Identified   int
	Unreachable  int
	Unrecognized int
	Failed       int
	TimedOut     int
	Duration     time.Duration
}

// New stamps an id and time on an event of the given kind.
func New(kind Kind, addr miner.Address) Event {
	return Event{ID: NewID(), Kind: kind, Time: time.Now().UTC(), Address: addr}
}

// Outcome maps an error to an event outcome label.
func Outcome(err error) string {
	if err == nil {
		return OutcomeOK
	}
	return miner.ErrorKind(err)
}

// Sink consumes events. Emit must not block the caller for long; sinks that
// do I/O bound it with ctx.
type Sink interface {
	Emit(ctx context.Context, e Event)
}

type SinkFunc func(ctx context.Context, e Event)

func (f SinkFunc) Emit(ctx context.Context, e Event) { f(ctx, e) }

// Nop drops everything.
var Nop Sink = SinkFunc(func(context.Context, Event) {})

type multi []Sink

// Multi fans an event out to every non-nil sink in order.
func Multi(sinks ...Sink) Sink {
	out := make(multi, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

func (m multi) Emit(ctx context.Context, e Event) {
	for _, s := range m {
		s.Emit(ctx, e)
	}
}

// Recorder keeps emitted events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(_ context.Context, e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfKind returns the recorded events of one kind.
func (r *Recorder) OfKind(k Kind) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Kind == k {
			out = append(out, e)
		}
	}
	return out
}
