// Package settings persists state changed at runtime as JSON in the data dir.
// Static configuration lives in the YAML config file.
package settings

import "slices"

type Subnet struct {
	Spec    string `json:"spec"`
	Enabled bool   `json:"enabled"`
	Note    string `json:"note"`
}

type Settings struct {
	Version int `json:"version"`

	// Subnets added through the API.
	Subnets []Subnet `json:"subnets"`
}

const currentVersion = 1

func Defaults() Settings {
	return Settings{Version: currentVersion}
}

func (s Settings) clone() Settings {
	s.Subnets = slices.Clone(s.Subnets)
	return s
}
