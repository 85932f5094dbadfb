package miner

import (
	"fmt"
	"strings"
)

type Pool struct {
	URL      string `json:"url"`
	User     string `json:"user"`
	Password string `json:"password"`
}

type Mode string

const (
	ModeNormal Mode = "normal"
	ModeSleep  Mode = "sleep"
	ModeLow    Mode = "low"
	ModeHigh   Mode = "high"
)

func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeNormal, ModeSleep, ModeLow, ModeHigh:
		return m, nil
	}
	return "", fmt.Errorf("unknown mode %q", s)
}

type FanMode string

const (
	FanAuto   FanMode = "auto"
	FanManual FanMode = "manual"
)

// FanControl carries SpeedPct only for manual mode.
type FanControl struct {
	Mode     FanMode `json:"mode"`
	SpeedPct int     `json:"speed_pct,omitempty"`
}

// Config is the canonical miner configuration.
type Config struct {
	Pools        Field[[]Pool]     `json:"pools"`
	Mode         Field[Mode]       `json:"mode"`
	FrequencyMHz Field[int]        `json:"frequency_mhz"`
	Fan          Field[FanControl] `json:"fan"`
}

func (c Config) Validate() error {
	if err := checkSet(map[string]setter{
		"pools":         c.Pools,
		"mode":          c.Mode,
		"frequency_mhz": c.FrequencyMHz,
		"fan":           c.Fan,
	}); err != nil {
		return err
	}
	if f, ok := c.Fan.Get(); ok {
		if f.Mode != FanAuto && f.Mode != FanManual {
			return &NormalizationError{Kind: Malformed, Field: "fan", Err: fmt.Errorf("fan mode %q", f.Mode)}
		}
		if f.SpeedPct < 0 || f.SpeedPct > 100 {
			return &NormalizationError{Kind: Malformed, Field: "fan", Err: fmt.Errorf("fan speed %d%%", f.SpeedPct)}
		}
	}
	return nil
}
