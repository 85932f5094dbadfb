package netutil

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"strings"

	"minerlink/internal/miner"
)

// span is one entry of a target spec: an inclusive IPv4 interval, or a single
// named or port-qualified host when lo is invalid.
type span struct {
	src    string
	lo, hi netip.Addr
	// cidr spans of /30 and wider exclude network and broadcast from their
	// host set.
	cidr bool
	host miner.Address
}

func (s span) isInterval() bool { return s.lo.IsValid() }

// hosts returns the usable interval and false when it is empty.
func (s span) hosts() (lo, hi uint32, ok bool) {
	lo, hi = u32(s.lo), u32(s.hi)
	if s.cidr && hi-lo >= 3 {
		lo, hi = lo+1, hi-1
	}
	return lo, hi, lo <= hi
}

func (s span) size() int {
	if !s.isInterval() {
		return 1
	}
	lo, hi, ok := s.hosts()
	if !ok {
		return 0
	}
	return int(hi-lo) + 1
}

func (s span) contains(ip netip.Addr) bool {
	return ip.Is4() && !ip.Less(s.lo) && !s.hi.Less(ip)
}

// parseSpec splits spec on commas and newlines. Blank entries and entries
// starting with # are skipped.
func parseSpec(spec string) ([]span, error) {
	var out []span
	for _, part := range splitSpec(spec) {
		part = strings.TrimSpace(part)
		if part == "" || strings.HasPrefix(part, "#") {
			continue
		}
		s, err := parseSpan(part)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func parseSpan(part string) (span, error) {
	if strings.Contains(part, "/") {
		p, err := netip.ParsePrefix(part)
		if err != nil {
			return span{}, err
		}
		if !p.Addr().Is4() {
			return span{}, fmt.Errorf("%s: only IPv4 is supported", part)
		}
		p = p.Masked()
		lo := u32(p.Addr())
		hi := uint32(uint64(lo) | (uint64(1)<<(32-p.Bits()) - 1))
		return span{src: part, lo: p.Addr(), hi: from32(hi), cidr: true}, nil
	}

	if a, b, ok := strings.Cut(part, "-"); ok {
		if lo, err := netip.ParseAddr(strings.TrimSpace(a)); err == nil && lo.Is4() {
			hi, err := netip.ParseAddr(strings.TrimSpace(b))
			if err != nil || !hi.Is4() {
				return span{}, fmt.Errorf("bad IPv4 range %q", part)
			}
			if hi.Less(lo) {
				return span{}, fmt.Errorf("bad range %q: end before start", part)
			}
			return span{src: part, lo: lo, hi: hi}, nil
		}
	}

	addr, err := miner.ParseAddress(part)
	if err != nil {
		return span{}, err
	}
	if ip, err := netip.ParseAddr(addr.Host); err == nil && ip.Is4() && addr.Port == 0 {
		return span{src: part, lo: ip, hi: ip}, nil
	}
	return span{src: part, host: addr}, nil
}

func splitSpec(spec string) []string {
	spec = strings.ReplaceAll(spec, "\n", ",")
	spec = strings.ReplaceAll(spec, "\r", ",")
	return strings.Split(spec, ",")
}

func u32(a netip.Addr) uint32 {
	b := a.As4()
	return binary.BigEndian.Uint32(b[:])
}

func from32(v uint32) netip.Addr {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return netip.AddrFrom4(b)
}
