// Package httpapi is the HTTP(S) transport for miner management APIs.
package httpapi

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"minerlink/internal/miner"
	"minerlink/internal/transport"
	"minerlink/internal/version"
)

type Config struct {
	Scheme      string
	Port        int
	DialTimeout time.Duration
	Timeout     time.Duration
	Auth        transport.AuthMode
	TokenPath   string
	MaxBody     int64
	UserAgent   string
}

// StatusError is a non-2xx reply.
type StatusError struct {
	Code int
	Path string
	Body string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("http %d %s", e.Code, e.Path)
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

func statusKind(code int) miner.TransportErrorKind {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return miner.AuthFailed
	case code >= 500:
		return miner.Reset
	}
	return miner.ProtocolViolation
}

type Client struct {
	addr miner.Address
	base string
	cred miner.Credential
	cfg  Config
	hc   *http.Client

	mu     sync.Mutex
	token  string
	digest *digestChallenge
}

func New(addr miner.Address, cred miner.Credential, cfg Config) *Client {
	cfg.Scheme = strings.ToLower(strings.TrimSpace(cfg.Scheme))
	if cfg.Scheme != "https" {
		cfg.Scheme = "http"
	}
	if cfg.Port <= 0 {
		cfg.Port = 80
		if cfg.Scheme == "https" {
			cfg.Port = 443
		}
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 1400 * time.Millisecond
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Auth == "" {
		cfg.Auth = transport.AuthNone
	}
	if cfg.MaxBody <= 0 {
		cfg.MaxBody = 256 * 1024
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = version.UserAgent()
	}
	addr = addr.WithDefaultPort(cfg.Port)

	// Miner web servers are fragile with keep-alive and use self-signed certs.
	tr := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         (&net.Dialer{Timeout: cfg.DialTimeout, KeepAlive: -1}).DialContext,
		DisableKeepAlives:   true,
		ForceAttemptHTTP2:   false,
		TLSHandshakeTimeout: cfg.DialTimeout,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: true, //nolint:gosec
			MinVersion:         tls.VersionTLS10,
		},
	}
	return &Client{
		addr: addr,
		base: cfg.Scheme + "://" + addr.HostPort(),
		cred: cred,
		cfg:  cfg,
		hc:   &http.Client{Timeout: cfg.Timeout, Transport: tr},
	}
}

func (c *Client) Kind() miner.TransportKind { return miner.TransportHTTP }

func (c *Client) BaseURL() string { return c.base }

func (c *Client) Send(ctx context.Context, req transport.Request) (*transport.RawResponse, error) {
	path := req.Command
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
		if req.Body != nil {
			method = http.MethodPost
		}
	}

	resp, err := c.do(ctx, method, path, req)
	if err != nil {
		return nil, transport.Classify(method+" "+path, c.addr.String(), err)
	}
	if !req.AllowStatus && (resp.Status < 200 || resp.Status > 299) {
		se := &StatusError{Code: resp.Status, Path: path, Body: snippet(resp.Body)}
		return nil, &miner.TransportError{Kind: statusKind(resp.Status), Op: method + " " + path, Addr: c.addr.String(), Err: se}
	}
	return resp, nil
}

func (c *Client) do(ctx context.Context, method, path string, req transport.Request) (*transport.RawResponse, error) {
	if !req.Auth || c.cfg.Auth == transport.AuthNone {
		return c.roundTrip(ctx, method, path, req, "")
	}
	switch c.cfg.Auth {
	case transport.AuthToken:
		tok, err := c.ensureToken(ctx)
		if err != nil {
			return nil, err
		}
		resp, err := c.roundTrip(ctx, method, path, req, "Bearer "+tok)
		if err != nil || resp.Status != http.StatusUnauthorized {
			return resp, err
		}
		// Token expired: log in once more.
		c.mu.Lock()
		c.token = ""
		c.mu.Unlock()
		if tok, err = c.ensureToken(ctx); err != nil {
			return nil, err
		}
		return c.roundTrip(ctx, method, path, req, "Bearer "+tok)

	case transport.AuthDigest:
		c.mu.Lock()
		authz := ""
		if c.digest != nil {
			authz = c.digest.authorize(c.cred.Username, c.cred.Password, method, path)
		}
		c.mu.Unlock()
		resp, err := c.roundTrip(ctx, method, path, req, authz)
		if err != nil || resp.Status != http.StatusUnauthorized {
			return resp, err
		}
		ch, ok := parseDigestChallenge(resp.Header.Get("WWW-Authenticate"))
		if !ok {
			return resp, nil
		}
		c.mu.Lock()
		c.digest = &ch
		authz = c.digest.authorize(c.cred.Username, c.cred.Password, method, path)
		c.mu.Unlock()
		return c.roundTrip(ctx, method, path, req, authz)
	}
	return c.roundTrip(ctx, method, path, req, basicAuth(c.cred))
}

func (c *Client) roundTrip(ctx context.Context, method, path string, req transport.Request, authz string) (*transport.RawResponse, error) {
	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	hr, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return nil, err
	}
	hr.Close = true
	for k, vs := range req.Header {
		for _, v := range vs {
			hr.Header.Add(k, v)
		}
	}
	hr.Header.Set("Connection", "close")
	hr.Header.Set("User-Agent", c.cfg.UserAgent)
	if hr.Header.Get("Accept") == "" {
		hr.Header.Set("Accept", "application/json,text/plain;q=0.9,*/*;q=0.8")
	}
	if req.Body != nil && hr.Header.Get("Content-Type") == "" {
		hr.Header.Set("Content-Type", "application/json")
	}
	if authz != "" {
		hr.Header.Set("Authorization", authz)
	}

	resp, err := c.hc.Do(hr)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxBody))
	if err != nil {
		return nil, err
	}
	return &transport.RawResponse{
		Kind:    miner.TransportHTTP,
		Command: path,
		Status:  resp.StatusCode,
		Header:  resp.Header,
		Body:    b,
	}, nil
}

func (c *Client) ensureToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	tok := c.token
	c.mu.Unlock()
	if tok != "" {
		return tok, nil
	}
	if c.cfg.TokenPath == "" {
		return "", errors.New("token auth without token path")
	}
	body, _ := json.Marshal(map[string]string{"pw": c.cred.Password})
	resp, err := c.roundTrip(ctx, http.MethodPost, c.cfg.TokenPath, transport.Request{Body: body}, "")
	if err != nil {
		return "", err
	}
	if resp.Status < 200 || resp.Status > 299 {
		se := &StatusError{Code: resp.Status, Path: c.cfg.TokenPath, Body: snippet(resp.Body)}
		return "", &miner.TransportError{Kind: statusKind(resp.Status), Op: "login", Addr: c.addr.String(), Err: se}
	}
	var out struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(SanitizeJSON(resp.Body), &out); err != nil || out.Token == "" {
		return "", &miner.TransportError{Kind: miner.AuthFailed, Op: "login", Addr: c.addr.String(), Err: errors.New("no token in login reply")}
	}
	c.mu.Lock()
	c.token = out.Token
	c.mu.Unlock()
	return out.Token, nil
}

func (c *Client) Reset() { c.hc.CloseIdleConnections() }

func (c *Client) Close() error {
	c.mu.Lock()
	c.token = ""
	c.digest = nil
	c.mu.Unlock()
	c.hc.CloseIdleConnections()
	return nil
}

func basicAuth(cred miner.Credential) string {
	if cred.Username == "" && cred.Password == "" {
		return ""
	}
	hr := http.Request{Header: http.Header{}}
	hr.SetBasicAuth(cred.Username, cred.Password)
	return hr.Header.Get("Authorization")
}

// SanitizeJSON drops junk some firmwares prepend to JSON bodies.
func SanitizeJSON(b []byte) []byte {
	if i := bytes.IndexAny(b, "{["); i > 0 {
		return bytes.TrimSpace(b[i:])
	}
	return bytes.TrimSpace(b)
}

// IsHTML reports SPA pages served where a JSON API was expected.
func IsHTML(b []byte) bool {
	low := strings.ToLower(strings.TrimSpace(string(b[:min(len(b), 64)])))
	return strings.HasPrefix(low, "<!doctype html") || strings.HasPrefix(low, "<html")
}

func snippet(b []byte) string {
	return Truncate(strings.TrimSpace(string(b)), 200)
}

// Truncate shortens s to at most n bytes without splitting a rune and marks
// the cut with an ellipsis.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "…"
}

// StatusLine renders a reply's status for fingerprinting.
func StatusLine(code int) string {
	return "HTTP " + strconv.Itoa(code) + " " + http.StatusText(code)
}
