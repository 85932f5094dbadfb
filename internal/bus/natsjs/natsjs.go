// Package natsjs carries device events over a JetStream stream.
package natsjs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"minerlink/internal/bus"
	"minerlink/internal/events"
)

type Config struct {
	URL     string
	Prefix  string
	Timeout time.Duration
	// MaxAge bounds how long events stay in the stream.
	MaxAge time.Duration
}

// Client publishes to and consumes from the "<prefix>_events" stream.
type Client struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	prefix string
	maxAge time.Duration
}

func Connect(cfg Config) (*Client, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 7 * 24 * time.Hour
	}
	nc, err := nats.Connect(cfg.URL,
		nats.Name("minerlink"),
		nats.Timeout(cfg.Timeout),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, err
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, err
	}
	return &Client{nc: nc, js: js, prefix: cfg.Prefix, maxAge: cfg.MaxAge}, nil
}

func (c *Client) Close() error {
	if c.nc == nil {
		return nil
	}
	return c.nc.Drain()
}

func (c *Client) Stream() string { return c.prefix + "_events" }

// EnsureStreams creates the event stream, or updates its limits when it
// already exists.
func (c *Client) EnsureStreams() error {
	sc := &nats.StreamConfig{
		Name:      c.Stream(),
		Subjects:  []string{events.Subject(c.prefix, ">")},
		Storage:   nats.FileStorage,
		Retention: nats.LimitsPolicy,
		MaxAge:    c.maxAge,
		// Window in which a repeated event ID is dropped.
		Duplicates: 2 * time.Minute,
	}
	_, err := c.js.StreamInfo(sc.Name)
	switch {
	case err == nil:
		_, err = c.js.UpdateStream(sc)
	case errors.Is(err, nats.ErrStreamNotFound):
		_, err = c.js.AddStream(sc)
	}
	if err != nil {
		return fmt.Errorf("stream %s: %w", sc.Name, err)
	}
	return nil
}

func (c *Client) Connected() bool { return c.nc != nil && c.nc.IsConnected() }

func (c *Client) Prefix() string { return c.prefix }

type Stats struct {
	Messages  uint64 `json:"messages"`
	Bytes     uint64 `json:"bytes"`
	Consumers int    `json:"consumers"`
}

func (c *Client) Stats() (Stats, error) {
	si, err := c.js.StreamInfo(c.Stream())
	if err != nil {
		return Stats{}, err
	}
	return Stats{Messages: si.State.Msgs, Bytes: si.State.Bytes, Consumers: si.State.Consumers}, nil
}

// Publish sends m under the deployment prefix. A non-empty ID becomes the
// JetStream message id.
func (c *Client) Publish(ctx context.Context, m bus.Message) error {
	opts := []nats.PubOpt{nats.Context(ctx)}
	if m.ID != "" {
		opts = append(opts, nats.MsgId(m.ID))
	}
	_, err := c.js.PublishMsg(&nats.Msg{
		Subject: events.Subject(c.prefix, m.Subject),
		Data:    m.Data,
	}, opts...)
	return err
}

type ConsumerConfig struct {
	Durable string
	// Filter is a topic below the prefix, for example "device.>".
	Filter        string
	MaxAckPending int
	AckWait       time.Duration
	MaxDeliver    int
	// Wait bounds a single Fetch.
	Wait time.Duration
}

type consumer struct {
	sub    *nats.Subscription
	prefix string
	wait   time.Duration
}

func (c *Client) Consumer(cfg ConsumerConfig) (bus.Consumer, error) {
	if cfg.MaxAckPending <= 0 {
		cfg.MaxAckPending = 256
	}
	if cfg.AckWait <= 0 {
		cfg.AckWait = 30 * time.Second
	}
	if cfg.MaxDeliver <= 0 {
		cfg.MaxDeliver = 5
	}
	if cfg.Wait <= 0 {
		cfg.Wait = 2 * time.Second
	}
	sub, err := c.js.PullSubscribe(events.Subject(c.prefix, cfg.Filter), cfg.Durable,
		nats.BindStream(c.Stream()),
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.AckWait(cfg.AckWait),
		nats.MaxDeliver(cfg.MaxDeliver),
		nats.MaxAckPending(cfg.MaxAckPending),
	)
	if err != nil {
		return nil, err
	}
	return &consumer{sub: sub, prefix: c.prefix, wait: cfg.Wait}, nil
}

func (pc *consumer) Fetch(ctx context.Context, batch int) ([]bus.Delivery, error) {
	fctx, cancel := context.WithTimeout(ctx, pc.wait)
	defer cancel()
	msgs, err := pc.sub.Fetch(batch, nats.Context(fctx))
	if err != nil {
		if ctx.Err() == nil && (errors.Is(err, context.DeadlineExceeded) || errors.Is(err, nats.ErrTimeout)) {
			return nil, bus.ErrNoMessages
		}
		return nil, err
	}
	out := make([]bus.Delivery, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, delivery{m: m, prefix: pc.prefix})
	}
	return out, nil
}

type delivery struct {
	m      *nats.Msg
	prefix string
}

func (d delivery) Message() bus.Message {
	return bus.Message{
		Subject: events.TrimPrefix(d.prefix, d.m.Subject),
		ID:      d.m.Header.Get(nats.MsgIdHdr),
		Data:    d.m.Data,
	}
}

func (d delivery) Ack() error                    { return d.m.Ack() }
func (d delivery) Nak(delay time.Duration) error { return d.m.NakWithDelay(delay) }
func (d delivery) Term() error                   { return d.m.Term() }
