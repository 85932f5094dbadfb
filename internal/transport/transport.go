package transport

import (
	"context"
	"net/http"

	"minerlink/internal/miner"
)

// Request is one round trip. Command is the cgminer command, the HTTP path or
// the shell command depending on the transport.
type Request struct {
	Command   string
	Parameter string

	Method string
	Header http.Header
	Body   []byte

	// Auth marks HTTP endpoints that need credentials.
	Auth bool
	// AllowStatus lets non-2xx HTTP replies through as responses.
	AllowStatus bool
}

// RawResponse is the unparsed reply. Status is the HTTP status or the SSH exit
// code; it is 0 for the socket transport.
type RawResponse struct {
	Kind    miner.TransportKind
	Command string
	Status  int
	Header  http.Header
	Body    []byte
	Stderr  []byte
}

// Client sends requests to one device. Send returns only *miner.TransportError
// failures. Reset drops any open connection; the next Send reconnects.
type Client interface {
	Kind() miner.TransportKind
	Send(ctx context.Context, req Request) (*RawResponse, error)
	Reset()
	Close() error
}

// AuthMode selects how the HTTP transport authenticates requests marked Auth.
type AuthMode string

const (
	AuthNone   AuthMode = "none"
	AuthBasic  AuthMode = "basic"
	AuthDigest AuthMode = "digest"
	// AuthToken posts {"pw": password} to a login path and sends the returned
	// token as a bearer header.
	AuthToken AuthMode = "token"
)

// Options are per-variant transport settings chosen by the driver.
type Options struct {
	HTTPAuth  AuthMode
	TokenPath string
	Scheme    string
}
