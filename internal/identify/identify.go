// Package identify finds out what answers at an address by sending one cheap
// probe per transport and matching the replies against the fingerprint table.
package identify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"minerlink/internal/credentials"
	"minerlink/internal/events"
	"minerlink/internal/fingerprint"
	"minerlink/internal/miner"
	"minerlink/internal/modelnorm"
	"minerlink/internal/transport"
	"minerlink/internal/transport/dial"
	"minerlink/internal/transport/httpapi"
)

const (
	socketProbe = "version"
	httpProbe   = "/"
	sshProbe    = "cat /etc/bos_version 2>/dev/null; uname -a"
)

// DefaultOrder is the transport probe order when none is configured.
var DefaultOrder = []miner.TransportKind{miner.TransportSocket, miner.TransportHTTP, miner.TransportSSH}

type Options struct {
	Order        []miner.TransportKind
	ProbeTimeout time.Duration
	Credentials  credentials.Provider
	Log          *zap.Logger
	Sink         events.Sink
}

type Engine struct {
	dialer dial.Dialer
	table  *fingerprint.Table
	opts   Options
	log    *zap.Logger
}

func New(d dial.Dialer, table *fingerprint.Table, opts Options) *Engine {
	if len(opts.Order) == 0 {
		opts.Order = DefaultOrder
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 2 * time.Second
	}
	if opts.Credentials == nil {
		opts.Credentials = credentials.None{}
	}
	if opts.Sink == nil {
		opts.Sink = events.Nop
	}
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{dialer: d, table: table, opts: opts, log: log.Named("identify")}
}

// WithCredentials returns a copy of e that tries p for SSH probes.
func (e *Engine) WithCredentials(p credentials.Provider) *Engine {
	cp := *e
	if p != nil {
		cp.opts.Credentials = p
	}
	return &cp
}

// ParseOrder converts configured transport names.
func ParseOrder(names []string) ([]miner.TransportKind, error) {
	out := make([]miner.TransportKind, 0, len(names))
	seen := map[miner.TransportKind]bool{}
	for _, n := range names {
		k, err := miner.ParseTransportKind(n)
		if err != nil {
			return nil, err
		}
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	return out, nil
}

var errSkipped = errors.New("skipped")

// Identify probes addr on each transport in order and returns the identity of
// the first reply that matches a fingerprint rule.
func (e *Engine) Identify(ctx context.Context, addr miner.Address) (miner.Identity, error) {
	start := time.Now()
	id, err := e.identify(ctx, addr)

	ev := events.New(events.KindIdentify, addr)
	ev.Latency = time.Since(start)
	ev.Outcome = events.Outcome(err)
	ev.Err = err
	if err == nil {
		ev.Identity = &id
	} else {
		var f *miner.IdentificationFailure
		if errors.As(err, &f) {
			ev.Detail = f.Detail
		}
	}
	e.opts.Sink.Emit(ctx, ev)

	if err != nil {
		e.log.Debug("identify failed", zap.String("addr", addr.String()), zap.String("kind", ev.Outcome), zap.Error(err))
	} else {
		e.log.Info("identified",
			zap.String("addr", addr.String()),
			zap.String("vendor", string(id.Vendor)),
			zap.String("model", id.Model),
			zap.String("firmware", string(id.Firmware)),
			zap.String("transport", string(id.Transport)),
			zap.Duration("latency", ev.Latency),
		)
	}
	return id, err
}

func (e *Engine) identify(ctx context.Context, addr miner.Address) (miner.Identity, error) {
	fp := fingerprint.Fingerprint{Address: addr}
	responded := false
	var notes []string

	for _, kind := range e.opts.Order {
		if err := ctx.Err(); err != nil {
			return miner.Identity{}, expired(addr, err)
		}
		text, err := e.probe(ctx, kind, addr)
		switch {
		case errors.Is(err, errSkipped):
			continue
		case err != nil:
			if cerr := ctx.Err(); cerr != nil {
				return miner.Identity{}, expired(addr, cerr)
			}
			e.log.Debug("probe failed", zap.String("addr", addr.String()), zap.String("transport", string(kind)), zap.Error(err))
			if !errors.Is(err, miner.ErrTimeout) && !errors.Is(err, miner.ErrRefused) {
				responded = true
				notes = append(notes, string(kind)+": "+miner.ErrorKind(err))
			}
			continue
		}

		responded = true
		fp.Observations = append(fp.Observations, fingerprint.Observation{Transport: kind, Text: text})
		rule, ok := e.table.Match(kind, text)
		if !ok {
			notes = append(notes, string(kind)+": "+snippet(text))
			continue
		}
		return identity(addr, kind, rule, text), nil
	}

	if !responded {
		return miner.Identity{}, &miner.IdentificationFailure{Reason: miner.Unreachable, Address: addr}
	}
	if len(fp.Observations) > 0 {
		e.log.Debug("no fingerprint matched", zap.Any("fingerprint", fp))
	}
	return miner.Identity{}, &miner.IdentificationFailure{
		Reason:  miner.Unrecognized,
		Address: addr,
		Detail:  strings.Join(notes, "; "),
	}
}

func identity(addr miner.Address, kind miner.TransportKind, rule fingerprint.Rule, text string) miner.Identity {
	id := miner.Identity{
		Address:         addr,
		Vendor:          rule.Vendor,
		Firmware:        rule.Firmware,
		FirmwareVersion: rule.Version(text),
		Transport:       kind,
		Model:           miner.UnknownModel,
	}
	if raw := rule.Model(text); raw != "" {
		id.Model = modelnorm.Normalize(raw).Model
	}
	return id
}

func expired(addr miner.Address, err error) error {
	return &miner.TransportError{Kind: miner.Timeout, Op: "identify", Addr: addr.String(), Err: err}
}

func (e *Engine) probe(ctx context.Context, kind miner.TransportKind, addr miner.Address) (string, error) {
	switch kind {
	case miner.TransportSocket:
		return e.send(ctx, kind, addr, miner.Credential{}, transport.Request{Command: socketProbe})
	case miner.TransportHTTP:
		return e.send(ctx, kind, addr, miner.Credential{}, transport.Request{Command: httpProbe, AllowStatus: true})
	case miner.TransportSSH:
		creds := e.opts.Credentials.For(addr, miner.VendorUnknown)
		if len(creds) == 0 {
			return "", errSkipped
		}
		var err error
		for _, c := range creds {
			var text string
			text, err = e.send(ctx, kind, addr, c, transport.Request{Command: sshProbe})
			if !errors.Is(err, miner.ErrAuthFailed) {
				return text, err
			}
			e.log.Debug("ssh credential rejected", zap.String("addr", addr.String()), zap.Stringer("credential", c))
		}
		return "", err
	}
	return "", fmt.Errorf("unknown transport %q", kind)
}

func (e *Engine) send(ctx context.Context, kind miner.TransportKind, addr miner.Address, cred miner.Credential, req transport.Request) (string, error) {
	c, err := e.dialer.Dial(kind, addr, cred, transport.Options{HTTPAuth: transport.AuthNone})
	if err != nil {
		return "", err
	}
	defer c.Close()

	pctx, cancel := context.WithTimeout(ctx, e.opts.ProbeTimeout)
	defer cancel()
	resp, err := c.Send(pctx, req)
	if err != nil {
		return "", err
	}
	return probeText(resp), nil
}

// probeText is what fingerprint rules see. HTTP replies carry the status line
// and the headers that name the server or auth realm.
func probeText(resp *transport.RawResponse) string {
	if resp.Kind != miner.TransportHTTP {
		return string(resp.Body)
	}
	var b strings.Builder
	b.WriteString(httpapi.StatusLine(resp.Status))
	b.WriteString("\nserver: ")
	b.WriteString(resp.Header.Get("Server"))
	b.WriteString("\nwww-authenticate: ")
	b.WriteString(resp.Header.Get("WWW-Authenticate"))
	b.WriteString("\n")
	b.Write(resp.Body)
	return b.String()
}

func snippet(s string) string {
	return httpapi.Truncate(strings.Join(strings.Fields(s), " "), 80)
}
