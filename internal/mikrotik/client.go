// Package mikrotik reads DHCP leases and ARP entries from a RouterOS router
// as an extra source of scan targets.
package mikrotik

import (
	"context"
	"crypto/tls"
	"net"
	"net/netip"
	"slices"
	"strings"
	"time"

	"github.com/go-routeros/routeros"

	"minerlink/internal/miner"
	"minerlink/internal/netutil"
)

// Neighbor is a host the router knows about, from a lease or an ARP entry.
type Neighbor struct {
	Addr     netip.Addr
	MAC      string
	Hostname string
	// Source is "dhcp" or "arp".
	Source string
	// Live is false for DHCP leases that are not bound and incomplete ARP
	// entries.
	Live bool
}

// Router is the slice of the RouterOS API used here.
type Router interface {
	Leases(ctx context.Context) ([]Neighbor, error)
	ARP(ctx context.Context) ([]Neighbor, error)
	Close() error
}

type Config struct {
	Address  string
	Username string
	Password string
	// TLS uses api-ssl; the router's self-signed certificate is accepted.
	TLS     bool
	Timeout time.Duration
}

type RouterOS struct {
	c       *routeros.Client
	conn    net.Conn
	timeout time.Duration
}

// Dial connects and logs in. The RouterOS client has no context support, so
// ctx bounds only the TCP dial; later calls are bounded by conn deadlines.
func Dial(ctx context.Context, cfg Config) (*RouterOS, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	d := &net.Dialer{Timeout: cfg.Timeout}
	var (
		conn net.Conn
		err  error
	)
	if cfg.TLS {
		td := &tls.Dialer{NetDialer: d, Config: &tls.Config{InsecureSkipVerify: true}} //nolint:gosec
		conn, err = td.DialContext(ctx, "tcp", cfg.Address)
	} else {
		conn, err = d.DialContext(ctx, "tcp", cfg.Address)
	}
	if err != nil {
		return nil, err
	}
	_ = conn.SetDeadline(time.Now().Add(cfg.Timeout))
	c, err := routeros.NewClient(conn)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := c.Login(cfg.Username, cfg.Password); err != nil {
		c.Close()
		return nil, err
	}
	return &RouterOS{c: c, conn: conn, timeout: cfg.Timeout}, nil
}

func (r *RouterOS) Close() error {
	if r.c == nil {
		return nil
	}
	r.c.Close()
	return nil
}

func (r *RouterOS) run(ctx context.Context, words ...string) ([]map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	deadline := time.Now().Add(r.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = r.conn.SetDeadline(deadline)
	rep, err := r.c.Run(words...)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]string, 0, len(rep.Re))
	for _, re := range rep.Re {
		out = append(out, re.Map)
	}
	return out, nil
}

func (r *RouterOS) Leases(ctx context.Context) ([]Neighbor, error) {
	rows, err := r.run(ctx, "/ip/dhcp-server/lease/print", "=.proplist=address,mac-address,host-name,status")
	if err != nil {
		return nil, err
	}
	return neighbors(rows, "dhcp", func(m map[string]string) bool {
		return m["status"] == "" || strings.EqualFold(m["status"], "bound")
	}), nil
}

func (r *RouterOS) ARP(ctx context.Context) ([]Neighbor, error) {
	rows, err := r.run(ctx, "/ip/arp/print", "=.proplist=address,mac-address")
	if err != nil {
		return nil, err
	}
	return neighbors(rows, "arp", func(m map[string]string) bool {
		return m["mac-address"] != ""
	}), nil
}

func neighbors(rows []map[string]string, source string, live func(map[string]string) bool) []Neighbor {
	out := make([]Neighbor, 0, len(rows))
	for _, m := range rows {
		a, err := netip.ParseAddr(m["address"])
		if err != nil {
			continue
		}
		out = append(out, Neighbor{
			Addr:     a.Unmap(),
			MAC:      normalizeMAC(m["mac-address"]),
			Hostname: m["host-name"],
			Source:   source,
			Live:     live(m),
		})
	}
	return out
}

// LeaseTargets returns live IPv4 neighbors as scan targets, sorted.
// filter, when non-nil, keeps only matching hosts.
func LeaseTargets(ctx context.Context, r Router, filter *netutil.Matcher) ([]miner.Address, error) {
	leases, err := r.Leases(ctx)
	if err != nil {
		return nil, err
	}
	arp, err := r.ARP(ctx)
	if err != nil {
		return nil, err
	}

	seen := map[netip.Addr]bool{}
	var addrs []netip.Addr
	for _, n := range slices.Concat(leases, arp) {
		if !n.Live || !n.Addr.Is4() || seen[n.Addr] {
			continue
		}
		if filter != nil && !filter.Match(n.Addr.String()) {
			continue
		}
		seen[n.Addr] = true
		addrs = append(addrs, n.Addr)
	}
	slices.SortFunc(addrs, netip.Addr.Compare)

	out := make([]miner.Address, len(addrs))
	for i, a := range addrs {
		out[i] = miner.Address{Host: a.String()}
	}
	return out, nil
}

func normalizeMAC(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if hw, err := net.ParseMAC(s); err == nil {
		return hw.String()
	}
	if len(s) == 12 {
		if hw, err := net.ParseMAC(s[0:4] + "." + s[4:8] + "." + s[8:12]); err == nil {
			return hw.String()
		}
	}
	return s
}
