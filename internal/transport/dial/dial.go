// Package dial builds transport clients for a device.
package dial

import (
	"fmt"

	"minerlink/internal/miner"
	"minerlink/internal/transport"
	"minerlink/internal/transport/cgminer"
	"minerlink/internal/transport/httpapi"
	"minerlink/internal/transport/sshexec"
)

// Dialer creates a client for one transport of one device.
type Dialer interface {
	Dial(kind miner.TransportKind, addr miner.Address, cred miner.Credential, opts transport.Options) (transport.Client, error)
}

type Factory struct {
	Socket cgminer.Config
	HTTP   httpapi.Config
	SSH    sshexec.Config
}

func (f Factory) Dial(kind miner.TransportKind, addr miner.Address, cred miner.Credential, opts transport.Options) (transport.Client, error) {
	switch kind {
	case miner.TransportSocket:
		return cgminer.New(addr, f.Socket), nil
	case miner.TransportHTTP:
		cfg := f.HTTP
		if opts.HTTPAuth != "" {
			cfg.Auth = opts.HTTPAuth
		}
		if opts.TokenPath != "" {
			cfg.TokenPath = opts.TokenPath
		}
		if opts.Scheme != "" {
			cfg.Scheme = opts.Scheme
		}
		return httpapi.New(addr, cred, cfg), nil
	case miner.TransportSSH:
		return sshexec.New(addr, cred, f.SSH), nil
	}
	return nil, fmt.Errorf("unknown transport %q", kind)
}
