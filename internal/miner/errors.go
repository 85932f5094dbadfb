package miner

import "errors"

var (
	ErrTimeout           = errors.New("timeout")
	ErrRefused           = errors.New("connection refused")
	ErrReset             = errors.New("connection reset")
	ErrAuthFailed        = errors.New("authentication failed")
	ErrProtocolViolation = errors.New("protocol violation")

	ErrUnreachable  = errors.New("unreachable")
	ErrUnrecognized = errors.New("unrecognized")

	ErrMissingField = errors.New("missing field")
	ErrMalformed    = errors.New("malformed")
	ErrUnsupported  = errors.New("unsupported operation")

	ErrSessionClosed = errors.New("session closed")
	ErrSessionBusy   = errors.New("session busy")
)

type TransportErrorKind string

const (
	Timeout           TransportErrorKind = "timeout"
	Refused           TransportErrorKind = "refused"
	Reset             TransportErrorKind = "reset"
	AuthFailed        TransportErrorKind = "auth-failed"
	ProtocolViolation TransportErrorKind = "protocol-violation"
)

func (k TransportErrorKind) sentinel() error {
	switch k {
	case Timeout:
		return ErrTimeout
	case Refused:
		return ErrRefused
	case Reset:
		return ErrReset
	case AuthFailed:
		return ErrAuthFailed
	}
	return ErrProtocolViolation
}

// TransportError is the only error a transport client returns.
type TransportError struct {
	Kind TransportErrorKind
	Op   string
	Addr string
	Err  error
}

func (e *TransportError) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + " " + e.Addr + ": " + msg
	} else if e.Addr != "" {
		msg = e.Addr + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == e.Kind.sentinel() }

// Transient reports whether the failure may clear on retry.
func (e *TransportError) Transient() bool { return e.Kind == Timeout || e.Kind == Reset }

type IdentificationReason string

const (
	Unreachable  IdentificationReason = "unreachable"
	Unrecognized IdentificationReason = "unrecognized"
)

type IdentificationFailure struct {
	Reason  IdentificationReason
	Address Address
	Detail  string
	Err     error
}

func (e *IdentificationFailure) Error() string {
	msg := "identify " + e.Address.String() + ": " + string(e.Reason)
	if e.Detail != "" {
		msg += " (" + e.Detail + ")"
	}
	return msg
}

func (e *IdentificationFailure) Unwrap() error { return e.Err }

func (e *IdentificationFailure) Is(target error) bool {
	switch e.Reason {
	case Unreachable:
		return target == ErrUnreachable
	case Unrecognized:
		return target == ErrUnrecognized
	}
	return false
}

type NormalizationKind string

const (
	MissingField         NormalizationKind = "missing-field"
	Malformed            NormalizationKind = "malformed"
	UnsupportedOperation NormalizationKind = "unsupported-operation"
)

type NormalizationError struct {
	Kind   NormalizationKind
	Vendor Vendor
	Field  string
	Err    error
}

func (e *NormalizationError) Error() string {
	msg := string(e.Kind)
	if e.Vendor != "" {
		msg = string(e.Vendor) + ": " + msg
	}
	if e.Field != "" {
		msg += " " + e.Field
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *NormalizationError) Unwrap() error { return e.Err }

func (e *NormalizationError) Is(target error) bool {
	switch e.Kind {
	case MissingField:
		return target == ErrMissingField
	case Malformed:
		return target == ErrMalformed
	case UnsupportedOperation:
		return target == ErrUnsupported
	}
	return false
}

func NotSupported(vendor Vendor, op string) error {
	return &NormalizationError{Kind: UnsupportedOperation, Vendor: vendor, Field: op}
}

func MissingFieldError(vendor Vendor, field string) error {
	return &NormalizationError{Kind: MissingField, Vendor: vendor, Field: field}
}

func MalformedError(vendor Vendor, field string, err error) error {
	return &NormalizationError{Kind: Malformed, Vendor: vendor, Field: field, Err: err}
}

// ErrorKind returns a short stable label for any error in the taxonomy.
func ErrorKind(err error) string {
	var te *TransportError
	var ie *IdentificationFailure
	var ne *NormalizationError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &te):
		return string(te.Kind)
	case errors.As(err, &ie):
		return string(ie.Reason)
	case errors.As(err, &ne):
		return string(ne.Kind)
	case errors.Is(err, ErrSessionClosed):
		return "session-closed"
	case errors.Is(err, ErrSessionBusy):
		return "session-busy"
	}
	return "error"
}
