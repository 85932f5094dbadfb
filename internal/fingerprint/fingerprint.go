// Package fingerprint holds the immutable table that maps probe responses to
// device variants.
package fingerprint

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"minerlink/internal/miner"
)

//go:embed fingerprints.yaml
var builtin []byte

type Rule struct {
	Name           string              `yaml:"name"`
	Vendor         miner.Vendor        `yaml:"vendor"`
	Firmware       miner.Firmware      `yaml:"firmware"`
	Transport      miner.TransportKind `yaml:"transport"`
	All            []string            `yaml:"all"`
	None           []string            `yaml:"none"`
	ModelKeys      []string            `yaml:"model_keys"`
	VersionKeys    []string            `yaml:"version_keys"`
	ModelPattern   string              `yaml:"model_pattern"`
	VersionPattern string              `yaml:"version_pattern"`

	modelRe   *regexp.Regexp
	versionRe *regexp.Regexp
}

// Observation is what one probe returned on one transport.
type Observation struct {
	Transport miner.TransportKind `json:"transport"`
	Text      string              `json:"text"`
}

// Fingerprint is the set of observations collected for one address.
type Fingerprint struct {
	Address      miner.Address `json:"address"`
	Observations []Observation `json:"observations"`
}

type Table struct {
	rules []Rule
}

var (
	defaultOnce  sync.Once
	defaultTable *Table
	defaultErr   error
)

// Default returns the built-in table. It is parsed once and never mutated.
func Default() (*Table, error) {
	defaultOnce.Do(func() {
		defaultTable, defaultErr = Parse(builtin)
	})
	return defaultTable, defaultErr
}

func Parse(b []byte) (*Table, error) {
	var doc struct {
		Rules []Rule `yaml:"rules"`
	}
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("parse fingerprints: %w", err)
	}
	seen := map[string]bool{}
	for i := range doc.Rules {
		r := &doc.Rules[i]
		if r.Name == "" || seen[r.Name] {
			return nil, fmt.Errorf("fingerprint rule %d: missing or duplicate name %q", i, r.Name)
		}
		seen[r.Name] = true
		if len(r.All) == 0 {
			return nil, fmt.Errorf("fingerprint %s: no patterns", r.Name)
		}
		if _, err := miner.ParseTransportKind(string(r.Transport)); err != nil {
			return nil, fmt.Errorf("fingerprint %s: %w", r.Name, err)
		}
		if r.Vendor == "" || r.Firmware == "" {
			return nil, fmt.Errorf("fingerprint %s: vendor and firmware are required", r.Name)
		}
		r.All = lower(r.All)
		r.None = lower(r.None)
		var err error
		if r.ModelPattern != "" {
			if r.modelRe, err = regexp.Compile("(?i)" + r.ModelPattern); err != nil {
				return nil, fmt.Errorf("fingerprint %s: model_pattern: %w", r.Name, err)
			}
		}
		if r.VersionPattern != "" {
			if r.versionRe, err = regexp.Compile("(?i)" + r.VersionPattern); err != nil {
				return nil, fmt.Errorf("fingerprint %s: version_pattern: %w", r.Name, err)
			}
		}
	}
	return &Table{rules: doc.Rules}, nil
}

// Rules returns a copy of the table rules.
func (t *Table) Rules() []Rule { return slices.Clone(t.rules) }

// Match returns the most specific rule for the transport that matches text.
// The result does not depend on rule order.
func (t *Table) Match(kind miner.TransportKind, text string) (Rule, bool) {
	low := strings.ToLower(text)
	var best Rule
	found := false
	for _, r := range t.rules {
		if r.Transport != kind || !r.matches(low) {
			continue
		}
		if !found || r.moreSpecific(best) {
			best, found = r, true
		}
	}
	return best, found
}

func (r Rule) matches(low string) bool {
	for _, p := range r.All {
		if !strings.Contains(low, p) {
			return false
		}
	}
	for _, p := range r.None {
		if strings.Contains(low, p) {
			return false
		}
	}
	return true
}

func (r Rule) moreSpecific(o Rule) bool {
	if len(r.All) != len(o.All) {
		return len(r.All) > len(o.All)
	}
	if a, b := patternLen(r.All), patternLen(o.All); a != b {
		return a > b
	}
	return r.Name < o.Name
}

// Model extracts the raw model string from a probe body.
func (r Rule) Model(body string) string {
	return r.extract(body, r.ModelKeys, r.modelRe)
}

// Version extracts the firmware version from a probe body.
func (r Rule) Version(body string) string {
	return r.extract(body, r.VersionKeys, r.versionRe)
}

func (r Rule) extract(body string, keys []string, re *regexp.Regexp) string {
	if re != nil {
		if m := re.FindStringSubmatch(body); len(m) > 1 {
			return strings.TrimSpace(m[1])
		}
	}
	if len(keys) == 0 {
		return ""
	}
	var doc any
	if err := json.Unmarshal(jsonPart(body), &doc); err != nil {
		return ""
	}
	return findStringDeep(doc, keys)
}

func jsonPart(s string) []byte {
	s = strings.ReplaceAll(s, "\x00", "")
	if i := strings.IndexAny(s, "{["); i >= 0 {
		s = s[i:]
	}
	if i := strings.LastIndexAny(s, "}]"); i >= 0 {
		s = s[:i+1]
	}
	return []byte(s)
}

// findStringDeep returns the first non-empty string under one of keys,
// preferring earlier keys and shallower levels.
func findStringDeep(v any, keys []string) string {
	switch x := v.(type) {
	case map[string]any:
		for _, want := range keys {
			for _, k := range sortedKeys(x) {
				if !strings.EqualFold(k, want) {
					continue
				}
				if s, ok := x[k].(string); ok && strings.TrimSpace(s) != "" {
					return strings.TrimSpace(s)
				}
			}
		}
		for _, k := range sortedKeys(x) {
			if s := findStringDeep(x[k], keys); s != "" {
				return s
			}
		}
	case []any:
		for _, vv := range x {
			if s := findStringDeep(vv, keys); s != "" {
				return s
			}
		}
	}
	return ""
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func patternLen(ps []string) int {
	n := 0
	for _, p := range ps {
		n += len(p)
	}
	return n
}

func lower(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(s)
	}
	return out
}
