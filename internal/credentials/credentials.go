// Package credentials decides which credentials to try against a device.
package credentials

import (
	"fmt"
	"os"
	"strings"

	"minerlink/internal/config"
	"minerlink/internal/defaultcreds"
	"minerlink/internal/miner"
	"minerlink/internal/netutil"
	"minerlink/internal/secrets"
)

// Provider returns credentials to try, in order, for a device. vendor is
// miner.VendorUnknown before identification.
type Provider interface {
	For(addr miner.Address, vendor miner.Vendor) []miner.Credential
}

// Rule applies Credential to addresses inside Targets (nil means all) and to
// Vendor ("" means any).
type Rule struct {
	Targets    *netutil.Matcher
	Vendor     miner.Vendor
	Credential miner.Credential
}

func (r Rule) applies(addr miner.Address, vendor miner.Vendor) bool {
	if r.Targets != nil && !r.Targets.Match(addr.Host) {
		return false
	}
	return r.Vendor == "" || vendor == "" || vendor == miner.VendorUnknown || r.Vendor == vendor
}

type Static struct {
	rules       []Rule
	tryDefaults bool
}

func NewStatic(rules []Rule, tryDefaults bool) *Static {
	return &Static{rules: rules, tryDefaults: tryDefaults}
}

// For returns matching rules in config order, then vendor defaults when
// enabled. Duplicates are dropped.
func (s *Static) For(addr miner.Address, vendor miner.Vendor) []miner.Credential {
	var out []miner.Credential
	seen := map[string]struct{}{}
	add := func(c miner.Credential) {
		k := c.Username + "\x00" + c.Password + "\x00" + string(c.PrivateKey)
		if _, ok := seen[k]; ok {
			return
		}
		seen[k] = struct{}{}
		out = append(out, c)
	}
	for _, r := range s.rules {
		if r.applies(addr, vendor) {
			add(r.Credential)
		}
	}
	if s.tryDefaults {
		for _, e := range defaultcreds.Defaults(vendor) {
			add(e.Credential())
		}
	}
	return out
}

// None never returns credentials.
type None struct{}

func (None) For(miner.Address, miner.Vendor) []miner.Credential { return nil }

// Revealer opens sealed config values.
type Revealer interface {
	Reveal(v string) (string, error)
}

// FromConfig builds the static provider. Sealed values need rev; key files
// are read once here.
func FromConfig(c config.Credentials, rev Revealer) (*Static, error) {
	open := func(name, v string) (string, error) {
		if !secrets.IsSealed(v) {
			return v, nil
		}
		if rev == nil {
			return "", fmt.Errorf("credential %s: sealed value without a key", name)
		}
		out, err := rev.Reveal(v)
		if err != nil {
			return "", fmt.Errorf("credential %s: %w", name, err)
		}
		return out, nil
	}

	rules := make([]Rule, 0, len(c.Entries))
	for i, e := range c.Entries {
		name := e.Name
		if name == "" {
			name = fmt.Sprintf("#%d", i+1)
		}
		var (
			r   = Rule{Vendor: miner.Vendor(strings.ToLower(strings.TrimSpace(e.Vendor)))}
			err error
		)
		r.Credential.Name = name
		if r.Credential.Username, err = open(name, e.Username); err != nil {
			return nil, err
		}
		if r.Credential.Password, err = open(name, e.Password); err != nil {
			return nil, err
		}
		if r.Credential.Passphrase, err = open(name, e.Passphrase); err != nil {
			return nil, err
		}
		if e.PrivateKeyFile != "" {
			if r.Credential.PrivateKey, err = os.ReadFile(e.PrivateKeyFile); err != nil {
				return nil, fmt.Errorf("credential %s: %w", name, err)
			}
		}
		if strings.TrimSpace(e.Targets) != "" {
			if r.Targets, err = netutil.ParseMatcher(e.Targets); err != nil {
				return nil, fmt.Errorf("credential %s: %w", name, err)
			}
		}
		rules = append(rules, r)
	}
	return NewStatic(rules, c.TryDefaults), nil
}
