package normalize

import (
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"minerlink/internal/transport/httpapi"
)

// num accepts JSON numbers and numeric strings.
func num(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, !math.IsNaN(x)
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	case int:
		return float64(x), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f, err == nil
	}
	return 0, false
}

func toF64(v any) float64 {
	f, _ := num(v)
	return f
}

func toU64(v any) uint64 {
	f, ok := num(v)
	if !ok || f < 0 {
		return 0
	}
	return uint64(f)
}

func pickString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				s = strings.TrimSpace(s)
				if s != "" {
					return s
				}
			}
		}
	}
	return ""
}

// pickNum returns the first key holding a numeric value.
func pickNum(m map[string]any, keys ...string) (float64, string, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if f, ok := num(v); ok {
				return f, k, true
			}
		}
	}
	return 0, "", false
}

func firstMap(v any) (map[string]any, bool) {
	arr, ok := v.([]any)
	if !ok || len(arr) == 0 {
		return nil, false
	}
	m, ok := arr[0].(map[string]any)
	return m, ok
}

func collectMaps(v any) []map[string]any {
	var out []map[string]any
	if arr, ok := v.([]any); ok {
		for _, x := range arr {
			if m, ok := x.(map[string]any); ok {
				out = append(out, m)
			}
		}
	}
	return out
}

func parseSuffixInt(s, prefix string) (int, bool) {
	s = strings.TrimSpace(strings.ToLower(s))
	prefix = strings.ToLower(prefix)
	if !strings.HasPrefix(s, prefix) {
		return 0, false
	}
	rest := strings.TrimPrefix(s, prefix)
	if rest == "" {
		return 0, false
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

func denseInts(m map[int]int) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	out := make([]int, 0, len(keys))
	for _, k := range keys {
		out = append(out, m[k])
	}
	return out
}

func denseFloats(m map[int]float64) []float64 {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	out := make([]float64, 0, len(keys))
	for _, k := range keys {
		out = append(out, m[k])
	}
	return out
}

// toTHS converts a hashrate in the given unit ("GH", "MH/s", ...) to TH/s.
func toTHS(v float64, unit string) float64 {
	u := strings.ToUpper(strings.TrimSpace(unit))
	u = strings.TrimSuffix(u, "/S")
	u = strings.TrimSuffix(u, "S")
	switch u {
	case "H":
		return v / 1e12
	case "KH":
		return v / 1e9
	case "MH":
		return v / 1e6
	case "GH":
		return v / 1e3
	case "PH":
		return v * 1e3
	}
	return v
}

// hashrateKey maps cgminer summary keys to their unit.
var hashrateKeys = []struct {
	key, unit string
}{
	{"GHS 5s", "GH"},
	{"MHS 5s", "MH"},
	{"MHS 1m", "MH"},
	{"GHS av", "GH"},
	{"MHS av", "MH"},
}

func cgminerHashrate(m map[string]any) (float64, bool) {
	for _, k := range hashrateKeys {
		if v, ok := m[k.key]; ok {
			if f, ok := num(v); ok {
				return toTHS(f, k.unit), true
			}
		}
	}
	return 0, false
}

func seconds(v float64) time.Duration {
	return time.Duration(v) * time.Second
}

// thsPlaces keeps canonical TH/s at megahash resolution, the finest unit any
// supported firmware reports. Rounding only drops float conversion noise.
const thsPlaces = 6

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

func snippet(b []byte) string {
	return httpapi.Truncate(strings.TrimSpace(string(b)), 200)
}
