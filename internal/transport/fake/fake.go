// Package fake provides scripted transport clients for tests.
package fake

import (
	"context"
	"fmt"
	"sync"

	"minerlink/internal/miner"
	"minerlink/internal/transport"
)

// Handler answers one request.
type Handler func(ctx context.Context, cred miner.Credential, req transport.Request) (*transport.RawResponse, error)

// Client records every request and answers with Handler.
type Client struct {
	TransportKind miner.TransportKind
	Cred          miner.Credential
	Handler       Handler

	mu     sync.Mutex
	sent   []transport.Request
	resets int
	closed bool
}

func (c *Client) Kind() miner.TransportKind { return c.TransportKind }

func (c *Client) Send(ctx context.Context, req transport.Request) (*transport.RawResponse, error) {
	c.mu.Lock()
	c.sent = append(c.sent, req)
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, &miner.TransportError{Kind: miner.Reset, Op: req.Command, Err: fmt.Errorf("client closed")}
	}
	if err := ctx.Err(); err != nil {
		return nil, &miner.TransportError{Kind: miner.Timeout, Op: req.Command, Err: err}
	}
	if c.Handler == nil {
		return nil, &miner.TransportError{Kind: miner.Refused, Op: req.Command}
	}
	resp, err := c.Handler(ctx, c.Cred, req)
	if resp != nil && resp.Kind == "" {
		resp.Kind = c.TransportKind
	}
	return resp, err
}

func (c *Client) Reset() {
	c.mu.Lock()
	c.resets++
	c.mu.Unlock()
}

func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *Client) Sent() []transport.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]transport.Request(nil), c.sent...)
}

func (c *Client) Resets() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resets
}

func (c *Client) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Dial is one recorded Dialer call.
type Dial struct {
	Kind    miner.TransportKind
	Address miner.Address
	Cred    miner.Credential
	Options transport.Options
}

// Dialer hands out clients driven by per-transport handlers. A transport with
// no handler refuses every request.
type Dialer struct {
	Handlers map[miner.TransportKind]Handler
	// Route, when set, picks the handler per address instead of Handlers.
	Route func(addr miner.Address, kind miner.TransportKind) Handler

	mu      sync.Mutex
	dials   []Dial
	clients []*Client
}

func (d *Dialer) Dial(kind miner.TransportKind, addr miner.Address, cred miner.Credential, opts transport.Options) (transport.Client, error) {
	h := d.Handlers[kind]
	if d.Route != nil {
		h = d.Route(addr, kind)
	}
	c := &Client{TransportKind: kind, Cred: cred, Handler: h}
	d.mu.Lock()
	d.dials = append(d.dials, Dial{Kind: kind, Address: addr, Cred: cred, Options: opts})
	d.clients = append(d.clients, c)
	d.mu.Unlock()
	return c, nil
}

func (d *Dialer) Dials() []Dial {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Dial(nil), d.dials...)
}

func (d *Dialer) Clients() []*Client {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Client(nil), d.clients...)
}

// Reply returns a handler that always answers body.
func Reply(body string) Handler {
	return func(context.Context, miner.Credential, transport.Request) (*transport.RawResponse, error) {
		return &transport.RawResponse{Body: []byte(body)}, nil
	}
}

// Fail returns a handler that always fails with a transport error of kind.
func Fail(kind miner.TransportErrorKind) Handler {
	return func(_ context.Context, _ miner.Credential, req transport.Request) (*transport.RawResponse, error) {
		return nil, &miner.TransportError{Kind: kind, Op: req.Command}
	}
}
