// Package sshexec runs shell commands on a device over SSH.
package sshexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"minerlink/internal/miner"
	"minerlink/internal/transport"
)

const DefaultPort = 22

type Config struct {
	Port        int
	DialTimeout time.Duration
	MaxOutput   int
}

// Client keeps one SSH connection and opens a channel per command.
type Client struct {
	addr miner.Address
	cred miner.Credential
	cfg  Config

	mu   sync.Mutex
	conn *ssh.Client
}

func New(addr miner.Address, cred miner.Credential, cfg Config) *Client {
	if cfg.Port <= 0 {
		cfg.Port = DefaultPort
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 3 * time.Second
	}
	if cfg.MaxOutput <= 0 {
		cfg.MaxOutput = 1 << 20
	}
	return &Client{addr: addr.WithDefaultPort(cfg.Port), cred: cred, cfg: cfg}
}

func (c *Client) Kind() miner.TransportKind { return miner.TransportSSH }

func (c *Client) Send(ctx context.Context, req transport.Request) (*transport.RawResponse, error) {
	op := firstWord(req.Command)
	conn, err := c.client(ctx)
	if err != nil {
		return nil, c.classify(op, err)
	}
	sess, err := conn.NewSession()
	if err != nil {
		c.Reset()
		return nil, c.classify(op, err)
	}
	defer sess.Close()

	var stdout, stderr capped
	stdout.max, stderr.max = c.cfg.MaxOutput, c.cfg.MaxOutput
	sess.Stdout = &stdout
	sess.Stderr = &stderr
	if req.Body != nil {
		sess.Stdin = bytes.NewReader(req.Body)
	}

	done := make(chan error, 1)
	go func() { done <- sess.Run(req.Command) }()

	select {
	case err = <-done:
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		c.Reset()
		return nil, c.classify(op, ctx.Err())
	}

	status := 0
	if err != nil {
		var exit *ssh.ExitError
		var missing *ssh.ExitMissingError
		switch {
		case errors.As(err, &exit):
			status = exit.ExitStatus()
		case errors.As(err, &missing):
			status = -1
		default:
			c.Reset()
			return nil, c.classify(op, err)
		}
	}
	return &transport.RawResponse{
		Kind:    miner.TransportSSH,
		Command: req.Command,
		Status:  status,
		Body:    stdout.Bytes(),
		Stderr:  stderr.Bytes(),
	}, nil
}

func (c *Client) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

func (c *Client) Close() error {
	c.Reset()
	return nil
}

func (c *Client) client(ctx context.Context) (*ssh.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn, nil
	}
	cfg, err := clientConfig(c.cred, c.cfg.DialTimeout)
	if err != nil {
		return nil, &miner.TransportError{Kind: miner.AuthFailed, Op: "connect", Addr: c.addr.String(), Err: err}
	}

	addr := c.addr.HostPort()
	d := net.Dialer{Timeout: c.cfg.DialTimeout}
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = nc.SetDeadline(dl)
	}
	// Cancellation interrupts the handshake the same way a deadline does.
	stop := context.AfterFunc(ctx, func() { _ = nc.SetDeadline(time.Now()) })
	sc, chans, reqs, err := ssh.NewClientConn(nc, addr, cfg)
	if !stop() {
		if err == nil {
			_ = sc.Close()
		} else {
			_ = nc.Close()
		}
		return nil, fmt.Errorf("ssh handshake: %w", ctx.Err())
	}
	if err != nil {
		_ = nc.Close()
		return nil, err
	}
	_ = nc.SetDeadline(time.Time{})
	c.conn = ssh.NewClient(sc, chans, reqs)
	return c.conn, nil
}

func clientConfig(cred miner.Credential, timeout time.Duration) (*ssh.ClientConfig, error) {
	if cred.Username == "" {
		return nil, errors.New("ssh credential without username")
	}
	var auth []ssh.AuthMethod
	if len(cred.PrivateKey) > 0 {
		var signer ssh.Signer
		var err error
		if cred.Passphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(cred.PrivateKey, []byte(cred.Passphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(cred.PrivateKey)
		}
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	// Braiins OS ships with an empty root password.
	if cred.Password != "" || len(auth) == 0 {
		auth = append(auth, ssh.Password(cred.Password))
	}
	return &ssh.ClientConfig{
		User:            cred.Username,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec
		Timeout:         timeout,
	}, nil
}

func (c *Client) classify(op string, err error) error {
	if err != nil && strings.Contains(err.Error(), "unable to authenticate") {
		return &miner.TransportError{Kind: miner.AuthFailed, Op: op, Addr: c.addr.String(), Err: err}
	}
	return transport.Classify(op, c.addr.String(), err)
}

func firstWord(cmd string) string {
	f := strings.Fields(cmd)
	if len(f) == 0 {
		return "exec"
	}
	return f[0]
}

// capped is a bytes.Buffer that silently drops output past max.
type capped struct {
	bytes.Buffer
	max int
}

func (w *capped) Write(p []byte) (int, error) {
	if room := w.max - w.Len(); room > 0 {
		if len(p) > room {
			w.Buffer.Write(p[:room])
		} else {
			w.Buffer.Write(p)
		}
	}
	return len(p), nil
}
