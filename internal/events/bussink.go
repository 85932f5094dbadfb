package events

import (
	"context"
	"time"

	"go.uber.org/zap"

	"minerlink/internal/bus"
)

// BusSink publishes events as protobuf envelopes keyed by event ID. The
// publisher adds the deployment prefix; the envelope records the full subject.
type BusSink struct {
	Schema  *Schema
	Pub     bus.Publisher
	Prefix  string
	Timeout time.Duration
	Log     *zap.Logger
}

func (s *BusSink) Emit(ctx context.Context, e Event) {
	topic := Topic(e.Kind)
	env, err := s.Schema.Encode(Subject(s.Prefix, topic), e)
	if err == nil {
		var b []byte
		if b, err = Marshal(env); err == nil {
			err = s.publish(ctx, bus.Message{Subject: topic, ID: e.ID, Data: b})
		}
	}
	if err != nil && s.Log != nil {
		s.Log.Warn("event publish failed", zap.String("event", string(e.Kind)), zap.String("subject", topic), zap.Error(err))
	}
}

func (s *BusSink) publish(ctx context.Context, m bus.Message) error {
	// Publishing outlives the caller's request.
	ctx = context.WithoutCancel(ctx)
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return s.Pub.Publish(ctx, m)
}
