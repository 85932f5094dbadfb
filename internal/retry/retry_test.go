package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"minerlink/internal/miner"
)

func transportErr(kind miner.TransportErrorKind) error {
	return &miner.TransportError{Kind: kind, Op: "summary", Addr: "10.0.0.1:4028"}
}

func TestDoRetriesTransientOnly(t *testing.T) {
	p := Policy{Attempts: 3, Backoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond, Multiplier: 2}
	tests := []struct {
		name      string
		kind      miner.TransportErrorKind
		wantCalls int
	}{
		{"timeout", miner.Timeout, 3},
		{"reset", miner.Reset, 3},
		{"auth", miner.AuthFailed, 1},
		{"protocol", miner.ProtocolViolation, 1},
		{"refused", miner.Refused, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			retries := 0
			err := Do(context.Background(), p, func(context.Context) error {
				calls++
				return transportErr(tt.kind)
			}, func(int, error) { retries++ })
			if calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", calls, tt.wantCalls)
			}
			if retries != tt.wantCalls-1 {
				t.Errorf("onRetry called %d times, want %d", retries, tt.wantCalls-1)
			}
			var te *miner.TransportError
			if !errors.As(err, &te) || te.Kind != tt.kind {
				t.Errorf("Do() = %v, want last %s error", err, tt.kind)
			}
		})
	}
}

func TestDoSucceedsAfterRetry(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{Attempts: 5, Backoff: time.Millisecond}, func(context.Context) error {
		calls++
		if calls < 3 {
			return transportErr(miner.Reset)
		}
		return nil
	}, nil)
	if err != nil || calls != 3 {
		t.Errorf("Do() = %v after %d calls, want nil after 3", err, calls)
	}
}

func TestDoStopsOnContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := Do(ctx, Policy{Attempts: 100, Backoff: 20 * time.Millisecond}, func(context.Context) error {
		return transportErr(miner.Timeout)
	}, nil)
	if !errors.Is(err, miner.ErrTimeout) {
		t.Errorf("Do() = %v", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Errorf("Do() ignored context cancellation")
	}
}

func TestDelay(t *testing.T) {
	p := Policy{Backoff: 100 * time.Millisecond, MaxBackoff: 300 * time.Millisecond, Multiplier: 2}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 300 * time.Millisecond, 300 * time.Millisecond}
	for i, w := range want {
		if got := p.Delay(i + 1); got != w {
			t.Errorf("Delay(%d) = %v, want %v", i+1, got, w)
		}
	}
	if None().Attempts != 1 || Default().Attempts < 2 {
		t.Errorf("unexpected default policies")
	}
}
