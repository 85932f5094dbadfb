package netutil

import (
	"testing"

	"minerlink/internal/miner"
)

func hosts(addrs []miner.Address) []string {
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, a.String())
	}
	return out
}

func TestExpandTargets(t *testing.T) {
	tests := []struct {
		name string
		spec string
		want []string
	}{
		{"cidr skips network and broadcast", "10.0.0.0/30", []string{"10.0.0.1", "10.0.0.2"}},
		{"single /32", "10.0.0.9/32", []string{"10.0.0.9"}},
		{"range", "10.0.1.254-10.0.2.1", []string{"10.0.1.254", "10.0.1.255", "10.0.2.0", "10.0.2.1"}},
		{"hosts with ports", "10.0.0.7:4029\nminer-7, 10.0.0.7:4029", []string{"10.0.0.7:4029", "miner-7"}},
		{"comments and blanks", "# rack 1\n10.0.0.5\n\n", []string{"10.0.0.5"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ExpandTargets(tc.spec)
			if err != nil {
				t.Fatal(err)
			}
			if g := hosts(got); len(g) != len(tc.want) {
				t.Fatalf("got %v, want %v", g, tc.want)
			} else {
				for i := range g {
					if g[i] != tc.want[i] {
						t.Fatalf("got %v, want %v", g, tc.want)
					}
				}
			}
		})
	}
}

func TestExpandTargetsErrors(t *testing.T) {
	for _, spec := range []string{"", "10.0.0.0/33", "10.0.0.9-10.0.0.1", "10.0.0.0/8", "fd00::/120", "bad host/x"} {
		if _, err := ExpandTargets(spec); err == nil {
			t.Errorf("ExpandTargets(%q) should fail", spec)
		}
	}
}

func TestMatcher(t *testing.T) {
	m, err := ParseMatcher("10.0.0.0/24, 10.1.0.10-10.1.0.20, miner-7")
	if err != nil {
		t.Fatal(err)
	}
	for host, want := range map[string]bool{
		"10.0.0.200": true,
		"10.0.1.1":   false,
		"10.1.0.10":  true,
		"10.1.0.20":  true,
		"10.1.0.21":  false,
		"MINER-7":    true,
		"miner-8":    false,
	} {
		if got := m.Match(host); got != want {
			t.Errorf("Match(%q) = %v, want %v", host, got, want)
		}
	}
	if _, err := ParseMatcher("10.0.0.9-10.0.0.1"); err == nil {
		t.Error("reversed range should fail")
	}
}

func TestPreviewSpec(t *testing.T) {
	p := PreviewSpec("10.0.0.0/24,10.0.1.5")
	if !p.Valid || p.TotalHosts != 255 || p.First != "10.0.0.1" || p.Last != "10.0.1.5" {
		t.Fatalf("preview = %+v", p)
	}
	if p := PreviewSpec("10.0.0.9-10.0.0"); p.Valid {
		t.Fatalf("bad range accepted: %+v", p)
	}
	if FormatHosts(1500) != "1.5k" {
		t.Fatal(FormatHosts(1500))
	}
}
