package netutil

import (
	"fmt"
	"net/netip"
	"strings"

	"minerlink/internal/miner"
)

// MaxTargets bounds a single expansion; a /16 is the largest farm segment
// worth sweeping in one pass.
const MaxTargets = 1 << 16

// ExpandTargets turns a target spec into addresses. Entries are separated by
// commas or newlines and may be a CIDR ("10.0.0.0/24"), an IPv4 range
// ("10.0.0.10-10.0.0.50") or a single host with an optional port
// ("10.0.0.7", "miner-7:4029"). CIDRs skip the network and broadcast
// addresses. Duplicates are dropped; order follows the input.
func ExpandTargets(spec string) ([]miner.Address, error) {
	spans, err := parseSpec(spec)
	if err != nil {
		return nil, err
	}

	seen := map[miner.Address]struct{}{}
	var out []miner.Address
	add := func(a miner.Address) error {
		if _, ok := seen[a]; ok {
			return nil
		}
		if len(out) >= MaxTargets {
			return fmt.Errorf("target spec expands past %d hosts", MaxTargets)
		}
		seen[a] = struct{}{}
		out = append(out, a)
		return nil
	}

	for _, s := range spans {
		if !s.isInterval() {
			if err := add(s.host); err != nil {
				return nil, err
			}
			continue
		}
		if s.size() > MaxTargets {
			return nil, fmt.Errorf("%s expands past %d hosts", s.src, MaxTargets)
		}
		lo, hi, ok := s.hosts()
		if !ok {
			continue
		}
		for v := lo; ; v++ {
			if err := add(miner.Address{Host: from32(v).String()}); err != nil {
				return nil, err
			}
			if v == hi {
				break
			}
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("target spec %q is empty", spec)
	}
	return out, nil
}

// Matcher reports whether a host falls inside a target spec without
// expanding it. CIDRs match their whole prefix.
type Matcher struct {
	spans []span
	hosts map[string]struct{}
}

func ParseMatcher(spec string) (*Matcher, error) {
	spans, err := parseSpec(spec)
	if err != nil {
		return nil, err
	}
	m := &Matcher{hosts: map[string]struct{}{}}
	for _, s := range spans {
		if s.isInterval() {
			m.spans = append(m.spans, s)
			continue
		}
		m.hosts[strings.ToLower(s.host.Host)] = struct{}{}
	}
	return m, nil
}

func (m *Matcher) Match(host string) bool {
	if _, ok := m.hosts[strings.ToLower(host)]; ok {
		return true
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	for _, s := range m.spans {
		if s.contains(ip) {
			return true
		}
	}
	return false
}
