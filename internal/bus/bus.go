// Package bus carries device events to a message broker.
package bus

import (
	"context"
	"errors"
	"time"
)

// Message is one published event. ID is used by the broker to drop
// redeliveries of the same event.
type Message struct {
	Subject string
	ID      string
	Data    []byte
}

type Publisher interface {
	Publish(ctx context.Context, m Message) error
}

// Delivery is a consumed message awaiting acknowledgement.
type Delivery interface {
	Message() Message
	Ack() error
	Nak(delay time.Duration) error
	Term() error
}

type Consumer interface {
	// Fetch waits until at least one delivery is available or ctx ends.
	Fetch(ctx context.Context, batch int) ([]Delivery, error)
}

var errPermanent = errors.New("permanent")

// Permanent marks a handler error as not worth redelivering.
func Permanent(err error) error {
	return errors.Join(errPermanent, err)
}

// Consume hands deliveries to fn until ctx ends. A nil result acks, a
// Permanent error terminates and any other error naks with retryDelay.
func Consume(ctx context.Context, c Consumer, batch int, retryDelay time.Duration, fn func(context.Context, Message) error) error {
	if batch <= 0 {
		batch = 16
	}
	for ctx.Err() == nil {
		ds, err := c.Fetch(ctx, batch)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			if errors.Is(err, ErrNoMessages) {
				continue
			}
			return err
		}
		for _, d := range ds {
			switch err := fn(ctx, d.Message()); {
			case err == nil:
				_ = d.Ack()
			case errors.Is(err, errPermanent):
				_ = d.Term()
			default:
				_ = d.Nak(retryDelay)
			}
		}
	}
	return nil
}

// ErrNoMessages is returned by Fetch when its wait elapsed empty.
var ErrNoMessages = errors.New("bus: no messages")
