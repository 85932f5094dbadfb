package miner

import "time"

type PoolStatus struct {
	URL    string `json:"url"`
	User   string `json:"user"`
	Alive  bool   `json:"alive"`
	Active bool   `json:"active"`
}

// Telemetry is one normalized reading. Hashrate is TH/s, temperatures are °C,
// fan speeds are RPM. Slices must be treated as read-only.
type Telemetry struct {
	Hashrate   Field[float64]       `json:"hashrate_ths"`
	BoardTemps Field[[]float64]     `json:"board_temps_c"`
	FanSpeeds  Field[[]int]         `json:"fan_speeds_rpm"`
	Pools      Field[[]PoolStatus]  `json:"pools"`
	Uptime     Field[time.Duration] `json:"uptime_ns"`
	Errors     Field[[]string]      `json:"errors"`
	Timestamp  time.Time            `json:"ts"`
}

// Validate reports the first canonical field left unset.
func (t Telemetry) Validate() error {
	return checkSet(map[string]setter{
		"hashrate":    t.Hashrate,
		"board_temps": t.BoardTemps,
		"fan_speeds":  t.FanSpeeds,
		"pools":       t.Pools,
		"uptime":      t.Uptime,
		"errors":      t.Errors,
	})
}

// MaxBoardTemp returns the hottest board, or false when temperatures are
// unsupported or empty.
func (t Telemetry) MaxBoardTemp() (float64, bool) {
	temps, ok := t.BoardTemps.Get()
	if !ok || len(temps) == 0 {
		return 0, false
	}
	m := temps[0]
	for _, v := range temps[1:] {
		if v > m {
			m = v
		}
	}
	return m, true
}
