// Package defaultcreds lists vendor factory credentials. They are tried only
// when the operator enables try_defaults.
package defaultcreds

import "minerlink/internal/miner"

type Entry struct {
	Vendor   miner.Vendor `json:"vendor"`
	Username string       `json:"username"`
	Password string       `json:"password"`
	Note     string       `json:"note"`
}

var factory = []Entry{
	{Vendor: miner.VendorAntminer, Username: "root", Password: "root", Note: "stock web UI"},
	{Vendor: miner.VendorWhatsminer, Username: "admin", Password: "admin", Note: "btminer API and web"},
	{Vendor: miner.VendorVnish, Username: "admin", Password: "admin", Note: "web unlock password"},
	{Vendor: miner.VendorBraiins, Username: "root", Password: "", Note: "ssh, empty password"},
	{Vendor: miner.VendorElphapex, Username: "root", Password: "root", Note: "stock web UI"},
}

// Defaults returns the factory entries for vendor, or every entry for
// miner.VendorUnknown.
func Defaults(vendor miner.Vendor) []Entry {
	var out []Entry
	for _, e := range factory {
		if vendor == miner.VendorUnknown || vendor == "" || e.Vendor == vendor {
			out = append(out, e)
		}
	}
	return out
}

func (e Entry) Credential() miner.Credential {
	return miner.Credential{Name: "default:" + string(e.Vendor), Username: e.Username, Password: e.Password}
}
