package normalize

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"minerlink/internal/miner"
	"minerlink/internal/transport"
	"minerlink/internal/transport/httpapi"
)

const (
	vnishUnlockPath   = "/api/v1/unlock"
	vnishSummaryPath  = "/api/v1/summary"
	vnishSettingsPath = "/api/v1/settings"
	vnishRebootPath   = "/api/v1/system/reboot"
	vnishRestartPath  = "/api/v1/mining/restart"
)

// vnish drives the VNish /api/v1 REST API with bearer-token auth.
type vnish struct{}

func (vnish) Variant() miner.Variant {
	return miner.Variant{Vendor: miner.VendorVnish, Firmware: miner.FirmwareVnish, Transport: miner.TransportHTTP}
}

func (vnish) Options() transport.Options {
	return transport.Options{HTTPAuth: transport.AuthToken, TokenPath: vnishUnlockPath}
}

func (vnish) PollRequest() transport.Request {
	return transport.Request{Command: vnishSummaryPath, Auth: true}
}

type vnishTemp struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

type vnishSummary struct {
	Miner *struct {
		HRMeasure       string     `json:"hr_measure"`
		InstantHashrate *float64   `json:"instant_hashrate"`
		AverageHashrate *float64   `json:"average_hashrate"`
		PCBTemp         *vnishTemp `json:"pcb_temp"`
		Chains          []struct {
			ID      int        `json:"id"`
			PCBTemp *vnishTemp `json:"pcb_temp"`
		} `json:"chains"`
		Cooling *struct {
			Fans []struct {
				ID  int `json:"id"`
				RPM int `json:"rpm"`
			} `json:"fans"`
		} `json:"cooling"`
		Pools []struct {
			URL    string `json:"url"`
			User   string `json:"user"`
			Status string `json:"status"`
		} `json:"pools"`
		MinerStatus *struct {
			MinerState     string   `json:"miner_state"`
			MinerStateTime *float64 `json:"miner_state_time"`
			Description    string   `json:"description"`
			FailureCode    int      `json:"failure_code"`
		} `json:"miner_status"`
	} `json:"miner"`
}

func (vnish) ParseTelemetry(resp *transport.RawResponse, now time.Time) (miner.Telemetry, error) {
	v := miner.VendorVnish
	var s vnishSummary
	if err := json.Unmarshal(httpapi.SanitizeJSON(resp.Body), &s); err != nil {
		return miner.Telemetry{}, miner.MalformedError(v, "summary", err)
	}
	m := s.Miner
	if m == nil {
		return miner.Telemetry{}, miner.MissingFieldError(v, "hashrate")
	}
	hr := m.InstantHashrate
	if hr == nil {
		hr = m.AverageHashrate
	}
	if hr == nil {
		return miner.Telemetry{}, miner.MissingFieldError(v, "hashrate")
	}
	unit := m.HRMeasure
	if unit == "" {
		unit = "GH/s"
	}

	t := miner.Telemetry{
		Hashrate:   miner.Of(round(toTHS(*hr, unit), thsPlaces)),
		BoardTemps: miner.Unsupported[[]float64](),
		FanSpeeds:  miner.Unsupported[[]int](),
		Pools:      miner.Unsupported[[]miner.PoolStatus](),
		Uptime:     miner.Unsupported[time.Duration](),
		Errors:     miner.Unsupported[[]string](),
		Timestamp:  now,
	}

	switch {
	case len(m.Chains) > 0:
		temps := make([]float64, 0, len(m.Chains))
		for _, c := range m.Chains {
			if c.PCBTemp != nil {
				temps = append(temps, c.PCBTemp.Max)
			} else {
				temps = append(temps, 0)
			}
		}
		t.BoardTemps = miner.Of(temps)
	case m.PCBTemp != nil:
		t.BoardTemps = miner.Of([]float64{m.PCBTemp.Max})
	}
	if m.Cooling != nil {
		fans := make([]int, 0, len(m.Cooling.Fans))
		for _, f := range m.Cooling.Fans {
			fans = append(fans, f.RPM)
		}
		t.FanSpeeds = miner.Of(fans)
	}
	if m.Pools != nil {
		pools := make([]miner.PoolStatus, 0, len(m.Pools))
		for _, p := range m.Pools {
			st := strings.ToLower(p.Status)
			pools = append(pools, miner.PoolStatus{
				URL:    p.URL,
				User:   p.User,
				Alive:  st != "offline" && st != "dead" && st != "disabled" && st != "",
				Active: st == "active",
			})
		}
		t.Pools = miner.Of(pools)
	}
	if ms := m.MinerStatus; ms != nil {
		if ms.MinerStateTime != nil {
			t.Uptime = miner.Of(seconds(*ms.MinerStateTime))
		}
		errs := []string{}
		if ms.FailureCode != 0 || strings.EqualFold(ms.MinerState, "failure") {
			desc := ms.Description
			if desc == "" {
				desc = ms.MinerState
			}
			errs = append(errs, desc)
		}
		t.Errors = miner.Of(errs)
	}
	return finishTelemetry(v, t)
}

// Settings reads are unauthenticated on VNish.
func (vnish) ReadConfigRequest() (transport.Request, error) {
	return transport.Request{Command: vnishSettingsPath}, nil
}

type vnishPool struct {
	URL  string `json:"url"`
	User string `json:"user"`
	Pass string `json:"pass"`
}

type vnishCooling struct {
	Mode *struct {
		Name string `json:"name"`
	} `json:"mode,omitempty"`
	FanDuty *int `json:"fan_duty,omitempty"`
}

type vnishSettings struct {
	Miner *struct {
		Pools     []vnishPool `json:"pools"`
		Overclock *struct {
			Globals *struct {
				Freq *float64 `json:"freq"`
			} `json:"globals"`
		} `json:"overclock"`
		Cooling *vnishCooling `json:"cooling"`
	} `json:"miner"`
}

func (vnish) ParseConfig(resp *transport.RawResponse) (miner.Config, error) {
	v := miner.VendorVnish
	var s vnishSettings
	if err := json.Unmarshal(httpapi.SanitizeJSON(resp.Body), &s); err != nil {
		return miner.Config{}, miner.MalformedError(v, "settings", err)
	}
	if s.Miner == nil || s.Miner.Pools == nil {
		return miner.Config{}, miner.MissingFieldError(v, "pools")
	}
	out := miner.Config{
		Mode:         miner.Unsupported[miner.Mode](),
		FrequencyMHz: miner.Unsupported[int](),
		Fan:          miner.Unsupported[miner.FanControl](),
	}
	pools := make([]miner.Pool, 0, len(s.Miner.Pools))
	for _, p := range s.Miner.Pools {
		pools = append(pools, miner.Pool{URL: p.URL, User: p.User, Password: p.Pass})
	}
	out.Pools = miner.Of(pools)

	if oc := s.Miner.Overclock; oc != nil && oc.Globals != nil && oc.Globals.Freq != nil {
		out.FrequencyMHz = miner.Of(int(*oc.Globals.Freq))
	}
	if c := s.Miner.Cooling; c != nil && c.Mode != nil {
		fc := miner.FanControl{Mode: miner.FanAuto}
		if strings.EqualFold(c.Mode.Name, "manual") {
			fc.Mode = miner.FanManual
			if c.FanDuty != nil {
				fc.SpeedPct = *c.FanDuty
			}
		}
		out.Fan = miner.Of(fc)
	}
	return finishConfig(v, out)
}

// WritePlan posts pools first, then overclock and cooling. VNish applies
// each POST on its own, so a failure between them leaves the pools changed.
func (vnish) WritePlan(cfg miner.Config) ([]transport.Request, error) {
	v := miner.VendorVnish
	if m, ok := cfg.Mode.Get(); ok {
		return nil, miner.NotSupported(v, "mode "+string(m))
	}
	var steps []transport.Request
	post := func(body any) error {
		b, err := json.Marshal(map[string]any{"miner": body})
		if err != nil {
			return err
		}
		steps = append(steps, transport.Request{
			Command:     vnishSettingsPath,
			Method:      http.MethodPost,
			Body:        b,
			Auth:        true,
			AllowStatus: true,
		})
		return nil
	}

	if pools, ok := cfg.Pools.Get(); ok {
		vp := make([]vnishPool, 0, len(pools))
		for _, p := range pools {
			vp = append(vp, vnishPool{URL: p.URL, User: p.User, Pass: p.Password})
		}
		if err := post(map[string]any{"pools": vp}); err != nil {
			return nil, err
		}
	}

	tuning := map[string]any{}
	if f, ok := cfg.FrequencyMHz.Get(); ok {
		tuning["overclock"] = map[string]any{"globals": map[string]any{"freq": f}}
	}
	if fc, ok := cfg.Fan.Get(); ok {
		cooling := map[string]any{"mode": map[string]string{"name": string(fc.Mode)}}
		if fc.Mode == miner.FanManual {
			cooling["fan_duty"] = fc.SpeedPct
		}
		tuning["cooling"] = cooling
	}
	if len(tuning) > 0 {
		if err := post(tuning); err != nil {
			return nil, err
		}
	}
	return steps, nil
}

func (vnish) LifecycleRequest(cmd miner.Command) (transport.Request, error) {
	var path string
	switch cmd {
	case miner.CommandReboot:
		path = vnishRebootPath
	case miner.CommandRestartMining:
		path = vnishRestartPath
	default:
		return transport.Request{}, miner.NotSupported(miner.VendorVnish, string(cmd))
	}
	return transport.Request{Command: path, Method: http.MethodPost, Auth: true, AllowStatus: true}, nil
}

// CheckReply treats a JSON body carrying "err" or "error" as a refusal.
func (vnish) CheckReply(resp *transport.RawResponse) error {
	if err := checkHTTPStatus(resp); err != nil {
		return err
	}
	var r map[string]any
	if json.Unmarshal(httpapi.SanitizeJSON(resp.Body), &r) != nil {
		return nil
	}
	if msg := pickString(r, "err", "error"); msg != "" {
		return rejected("%s", msg)
	}
	return nil
}
