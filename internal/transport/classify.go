package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"os"
	"strings"
	"syscall"

	"minerlink/internal/miner"
)

// Classify maps any error from a transport into the taxonomy. Errors that are
// already *miner.TransportError pass through untouched.
func Classify(op, addr string, err error) error {
	if err == nil {
		return nil
	}
	var te *miner.TransportError
	if errors.As(err, &te) {
		return err
	}
	return &miner.TransportError{Kind: Kind(err), Op: op, Addr: addr, Err: err}
}

// Kind guesses the taxonomy kind of a raw network or decoding error. Name
// resolution and dial failures mean unreachable. Only errors from outside the
// network stack fall through to protocol violation.
func Kind(err error) miner.TransportErrorKind {
	var te *miner.TransportError
	if errors.As(err, &te) {
		return te.Kind
	}
	var ne net.Error
	var dns *net.DNSError
	var addrErr *net.AddrError
	var op *net.OpError
	var syn *json.SyntaxError
	var typ *json.UnmarshalTypeError
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return miner.Timeout
	case errors.Is(err, context.Canceled):
		return miner.Timeout
	case errors.As(err, &dns):
		if dns.IsTimeout {
			return miner.Timeout
		}
		return miner.Refused
	case errors.As(err, &addrErr):
		return miner.Refused
	case errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.EHOSTUNREACH), errors.Is(err, syscall.ENETUNREACH):
		return miner.Refused
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE), errors.Is(err, syscall.ECONNABORTED),
		errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, net.ErrClosed):
		return miner.Reset
	case errors.As(err, &syn), errors.As(err, &typ):
		return miner.ProtocolViolation
	case errors.As(err, &ne) && ne.Timeout():
		return miner.Timeout
	case errors.As(err, &op) && op.Op == "dial":
		return miner.Refused
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "unable to authenticate"), strings.Contains(msg, "unauthorized"):
		return miner.AuthFailed
	case strings.Contains(msg, "connection refused"), strings.Contains(msg, "no route to host"), strings.Contains(msg, "no such host"):
		return miner.Refused
	case strings.Contains(msg, "connection reset"), strings.Contains(msg, "broken pipe"):
		return miner.Reset
	case strings.Contains(msg, "timeout"):
		return miner.Timeout
	case errors.As(err, &ne):
		return miner.Reset
	}
	return miner.ProtocolViolation
}
