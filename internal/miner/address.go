package miner

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Address is a network location of one device. Port 0 means the transport
// default.
type Address struct {
	Host string `json:"host"`
	Port int    `json:"port,omitempty"`
}

func ParseAddress(s string) (Address, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Address{}, fmt.Errorf("empty address")
	}
	if ip := net.ParseIP(strings.Trim(s, "[]")); ip != nil {
		return Address{Host: ip.String()}, nil
	}
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		if strings.ContainsAny(s, " /") {
			return Address{}, fmt.Errorf("bad address %q", s)
		}
		return Address{Host: s}, nil
	}
	p, err := strconv.Atoi(port)
	if err != nil || p <= 0 || p > 65535 {
		return Address{}, fmt.Errorf("bad port in %q", s)
	}
	return Address{Host: host, Port: p}, nil
}

// WithDefaultPort returns a with p filled in when no explicit port was given.
func (a Address) WithDefaultPort(p int) Address {
	if a.Port == 0 {
		a.Port = p
	}
	return a
}

func (a Address) HostPort() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

func (a Address) String() string {
	if a.Port == 0 {
		return a.Host
	}
	return a.HostPort()
}

// Less orders addresses numerically for IPv4 hosts and lexically otherwise.
func (a Address) Less(b Address) bool {
	ai, bi := net.ParseIP(a.Host).To4(), net.ParseIP(b.Host).To4()
	if ai != nil && bi != nil {
		for i := 0; i < 4; i++ {
			if ai[i] != bi[i] {
				return ai[i] < bi[i]
			}
		}
		return a.Port < b.Port
	}
	if a.Host != b.Host {
		return a.Host < b.Host
	}
	return a.Port < b.Port
}
