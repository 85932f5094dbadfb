package modelnorm

import (
	"regexp"
	"strings"

	"minerlink/internal/miner"
)

type Normalized struct {
	Vendor miner.Vendor // VendorUnknown when the family is not recognised
	Model  string       // display
	Key    string       // stable key for filtering/grouping
}

var ws = regexp.MustCompile(`\s+`)

// family maps a model prefix to its vendor and display brand.
type family struct {
	vendor miner.Vendor
	brand  string
	match  func(up string) bool
}

func digitAt(s string, i int) bool { return len(s) > i && s[i] >= '0' && s[i] <= '9' }

var families = []family{
	{miner.VendorElphapex, "Elphapex", func(up string) bool { return strings.HasPrefix(up, "DG") && digitAt(up, 2) }},
	{miner.VendorWhatsminer, "Whatsminer", func(up string) bool { return strings.HasPrefix(up, "M") && len(up) >= 3 && digitAt(up, 1) }},
	{miner.VendorAntminer, "Antminer", func(up string) bool {
		return (strings.HasPrefix(up, "S") || strings.HasPrefix(up, "L") || strings.HasPrefix(up, "T")) && digitAt(up, 1)
	}},
	{miner.VendorAntminer, "Antminer", func(up string) bool { return strings.HasPrefix(up, "KS") || strings.HasPrefix(up, "KA") }},
}

// Normalize turns raw model strings such as "BTM_S19JPRO", "Antminer S19 Pro"
// or "M30S+" into a display model and grouping key.
func Normalize(raw string) Normalized {
	s := strings.TrimSpace(raw)
	if s == "" || strings.EqualFold(s, miner.UnknownModel) {
		return Normalized{Vendor: miner.VendorUnknown, Model: miner.UnknownModel}
	}
	up := strings.ToUpper(s)
	up = strings.ReplaceAll(up, "_", " ")
	up = ws.ReplaceAllString(up, " ")

	n := Normalized{Vendor: miner.VendorUnknown}

	// BTM_* is Bitmain/Antminer in many contexts
	for _, p := range []string{"BTM ", "BTM-", "ANTMINER ", "BITMAIN "} {
		if strings.HasPrefix(up, p) {
			n.Vendor = miner.VendorAntminer
			up = strings.TrimSpace(strings.TrimPrefix(up, p))
		}
	}
	for _, p := range []string{"WHATSMINER ", "MICROBT "} {
		if strings.HasPrefix(up, p) {
			n.Vendor = miner.VendorWhatsminer
			up = strings.TrimSpace(strings.TrimPrefix(up, p))
		}
	}
	if strings.HasPrefix(up, "ELPHAPEX ") {
		n.Vendor = miner.VendorElphapex
		up = strings.TrimSpace(strings.TrimPrefix(up, "ELPHAPEX "))
	}

	brand := ""
	for _, f := range families {
		if (n.Vendor == miner.VendorUnknown || n.Vendor == f.vendor) && f.match(up) {
			n.Vendor, brand = f.vendor, f.brand
			break
		}
	}
	if brand == "" {
		switch n.Vendor {
		case miner.VendorAntminer:
			brand = "Antminer"
		case miner.VendorWhatsminer:
			brand = "Whatsminer"
		case miner.VendorElphapex:
			brand = "Elphapex"
		}
	}

	model := up
	if n.Vendor == miner.VendorAntminer {
		model = strings.ReplaceAll(model, "J PRO", "JPRO")
		model = strings.ReplaceAll(model, "JPRO", "j Pro")
		model = strings.ReplaceAll(model, " PRO", " Pro")
		model = strings.ReplaceAll(model, "PRO", " Pro")
		model = strings.ReplaceAll(model, " PLUS", "+")
		model = strings.ReplaceAll(model, "PLUS", "+")
		model = strings.ReplaceAll(model, " HYD", " Hyd")
		model = strings.ReplaceAll(model, "HYD", " Hyd")
		model = strings.TrimSpace(ws.ReplaceAllString(model, " "))
	}
	if brand != "" {
		model = brand + " " + model
	} else {
		model = s
	}

	n.Model = model
	n.Key = strings.ToUpper(ws.ReplaceAllString(strings.ReplaceAll(model, "_", " "), " "))
	return n
}
