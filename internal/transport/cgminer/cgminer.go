// Package cgminer speaks the cgminer-style JSON API that most miner
// firmwares expose on TCP 4028.
package cgminer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"minerlink/internal/miner"
	"minerlink/internal/transport"
)

const DefaultPort = 4028

type Config struct {
	Port        int
	DialTimeout time.Duration
	// KeepAlive reuses one connection across requests. Only firmwares that
	// terminate replies with NUL support it.
	KeepAlive   bool
	MaxResponse int64
}

type Client struct {
	addr miner.Address
	cfg  Config

	// mu serializes round trips. connMu guards conn alone so Reset and Close
	// never wait for an exchange in flight.
	mu     sync.Mutex
	connMu sync.Mutex
	conn   net.Conn
}

func New(addr miner.Address, cfg Config) *Client {
	if cfg.Port <= 0 {
		cfg.Port = DefaultPort
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 800 * time.Millisecond
	}
	if cfg.MaxResponse <= 0 {
		cfg.MaxResponse = 1 << 20
	}
	return &Client{addr: addr.WithDefaultPort(cfg.Port), cfg: cfg}
}

func (c *Client) Kind() miner.TransportKind { return miner.TransportSocket }

func (c *Client) Send(ctx context.Context, req transport.Request) (*transport.RawResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	op := req.Command
	frame, err := encode(req)
	if err != nil {
		return nil, &miner.TransportError{Kind: miner.ProtocolViolation, Op: op, Addr: c.addr.String(), Err: err}
	}

	conn, err := c.connect(ctx)
	if err != nil {
		return nil, transport.Classify(op, c.addr.String(), err)
	}
	stop := bindDeadline(ctx, conn)
	body, err := c.roundTrip(conn, frame)
	stop()
	if !c.cfg.KeepAlive || err != nil {
		c.drop(conn)
	}
	if err != nil {
		if ctx.Err() != nil {
			err = fmt.Errorf("%w: %w", ctx.Err(), err)
		}
		return nil, transport.Classify(op, c.addr.String(), err)
	}
	if len(body) == 0 {
		return nil, &miner.TransportError{Kind: miner.ProtocolViolation, Op: op, Addr: c.addr.String(), Err: errors.New("empty reply")}
	}
	return &transport.RawResponse{Kind: miner.TransportSocket, Command: op, Body: body}, nil
}

// Reset closes the open connection, failing any exchange in flight.
func (c *Client) Reset() {
	c.connMu.Lock()
	conn := c.conn
	c.conn = nil
	c.connMu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (c *Client) Close() error {
	c.Reset()
	return nil
}

func (c *Client) connect(ctx context.Context) (net.Conn, error) {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn != nil {
		return conn, nil
	}
	d := net.Dialer{Timeout: c.cfg.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", c.addr.HostPort())
	if err != nil {
		return nil, err
	}
	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	return conn, nil
}

// drop closes conn and forgets it unless Reset already did.
func (c *Client) drop(conn net.Conn) {
	c.connMu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.connMu.Unlock()
	_ = conn.Close()
}

func (c *Client) roundTrip(conn net.Conn, frame []byte) ([]byte, error) {
	if _, err := conn.Write(frame); err != nil {
		return nil, err
	}
	var out bytes.Buffer
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if i := bytes.IndexByte(chunk, 0); i >= 0 {
				out.Write(chunk[:i])
				return out.Bytes(), nil
			}
			out.Write(chunk)
			if int64(out.Len()) > c.cfg.MaxResponse {
				return nil, fmt.Errorf("reply exceeds %d bytes", c.cfg.MaxResponse)
			}
		}
		if errors.Is(err, io.EOF) {
			if c.cfg.KeepAlive {
				return nil, io.ErrUnexpectedEOF
			}
			return bytes.TrimSpace(out.Bytes()), nil
		}
		if err != nil {
			return nil, err
		}
	}
}

// bindDeadline applies the context deadline to conn and unblocks I/O when ctx
// is cancelled.
func bindDeadline(ctx context.Context, conn net.Conn) func() {
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	} else {
		_ = conn.SetDeadline(time.Time{})
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	return func() { stop() }
}

func encode(req transport.Request) ([]byte, error) {
	if req.Command == "" {
		return nil, errors.New("empty command")
	}
	frame := struct {
		Command   string `json:"command"`
		Parameter string `json:"parameter,omitempty"`
	}{req.Command, req.Parameter}
	return json.Marshal(frame)
}
