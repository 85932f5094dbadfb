package netutil

import (
	"fmt"
	"net/netip"
	"strings"
)

type CIDRPreview struct {
	Valid      bool     `json:"valid"`
	Error      string   `json:"error,omitempty"`
	Spec       string   `json:"spec,omitempty"`
	TotalHosts int      `json:"total_hosts"`
	HostsLabel string   `json:"hosts_label,omitempty"`
	First      string   `json:"first,omitempty"`
	Last       string   `json:"last,omitempty"`
	Samples    []string `json:"samples,omitempty"`
}

// PreviewSpec validates a target spec and sizes it without expanding it.
// First and Last cover the IPv4 entries only.
func PreviewSpec(spec string) CIDRPreview {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return CIDRPreview{Valid: false, Error: "empty"}
	}
	spans, err := parseSpec(spec)
	if err != nil {
		return CIDRPreview{Valid: false, Error: err.Error()}
	}

	out := CIDRPreview{Valid: true, Spec: spec}
	var first, last netip.Addr
	var samples []string
	for _, s := range spans {
		out.TotalHosts += s.size()
		if !s.isInterval() {
			samples = append(samples, s.host.String())
			continue
		}
		lo, hi, ok := s.hosts()
		if !ok {
			continue
		}
		if a := from32(lo); !first.IsValid() || a.Less(first) {
			first = a
		}
		if b := from32(hi); !last.IsValid() || last.Less(b) {
			last = b
		}
		samples = append(samples, intervalSamples(lo, hi)...)
	}
	if first.IsValid() {
		out.First, out.Last = first.String(), last.String()
	}
	out.Samples = shrinkSamples(samples)
	out.HostsLabel = FormatHosts(out.TotalHosts)
	return out
}

// intervalSamples lists up to three addresses from each end.
func intervalSamples(lo, hi uint32) []string {
	var s []string
	if hi-lo < 6 {
		for v := lo; ; v++ {
			s = append(s, from32(v).String())
			if v == hi {
				return s
			}
		}
	}
	for v := lo; v < lo+3; v++ {
		s = append(s, from32(v).String())
	}
	s = append(s, "…")
	for v := hi - 2; ; v++ {
		s = append(s, from32(v).String())
		if v == hi {
			return s
		}
	}
}

func shrinkSamples(in []string) []string {
	if len(in) <= 9 {
		return in
	}
	out := make([]string, 0, 7)
	out = append(out, in[:3]...)
	out = append(out, "…")
	return append(out, in[len(in)-3:]...)
}

func FormatHosts(n int) string {
	switch {
	case n < 1000:
		return fmt.Sprintf("%d", n)
	case n < 1000000:
		return fmt.Sprintf("%.1fk", float64(n)/1000.0)
	default:
		return fmt.Sprintf("%.1fM", float64(n)/1000000.0)
	}
}
