package normalize

import (
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"minerlink/internal/miner"
	"minerlink/internal/transport"
	"minerlink/internal/transport/httpapi"
)

const (
	amStatsPath   = "/cgi-bin/stats.cgi"
	amGetConfPath = "/cgi-bin/get_miner_conf.cgi"
	amSetConfPath = "/cgi-bin/set_miner_conf.cgi"
	amRebootPath  = "/cgi-bin/reboot.cgi"
	amBlinkPath   = "/cgi-bin/blink.cgi"
)

// amReplyCodes lists the success codes per CGI endpoint. blink.cgi answers
// B000 when the light went on and B100 when it went off.
var amReplyCodes = map[string][]string{
	amSetConfPath: {"M000"},
	amBlinkPath:   {"B000", "B100"},
}

// bitmain-work-mode values. High performance is not exposed by stock
// firmware.
var amModes = map[string]miner.Mode{
	"0": miner.ModeNormal,
	"1": miner.ModeSleep,
	"3": miner.ModeLow,
}

// antminerWeb drives the stock web UI CGI endpoints behind digest auth.
type antminerWeb struct{}

func (antminerWeb) Variant() miner.Variant {
	return miner.Variant{Vendor: miner.VendorAntminer, Firmware: miner.FirmwareStock, Transport: miner.TransportHTTP}
}

func (antminerWeb) Options() transport.Options {
	return transport.Options{HTTPAuth: transport.AuthDigest}
}

func (antminerWeb) PollRequest() transport.Request {
	return transport.Request{Command: amStatsPath, Auth: true}
}

type amStats struct {
	Elapsed  *float64        `json:"elapsed"`
	Rate5s   json.RawMessage `json:"rate_5s"`
	RateUnit string          `json:"rate_unit"`
	Fan      []float64       `json:"fan"`
	Chain    []struct {
		Index   int       `json:"index"`
		TempPCB []float64 `json:"temp_pcb"`
	} `json:"chain"`
}

func (antminerWeb) ParseTelemetry(resp *transport.RawResponse, now time.Time) (miner.Telemetry, error) {
	v := miner.VendorAntminer
	var env struct {
		Stats []amStats `json:"STATS"`
	}
	if err := json.Unmarshal(httpapi.SanitizeJSON(resp.Body), &env); err != nil {
		return miner.Telemetry{}, miner.MalformedError(v, "stats", err)
	}
	if len(env.Stats) == 0 {
		return miner.Telemetry{}, miner.MissingFieldError(v, "hashrate")
	}
	st := env.Stats[0]
	if len(st.Rate5s) == 0 || string(st.Rate5s) == "null" {
		return miner.Telemetry{}, miner.MissingFieldError(v, "hashrate")
	}
	var rate any
	if err := json.Unmarshal(st.Rate5s, &rate); err != nil {
		return miner.Telemetry{}, miner.MalformedError(v, "hashrate", err)
	}
	val, ok := num(rate)
	if !ok {
		return miner.Telemetry{}, miner.MalformedError(v, "hashrate", fmt.Errorf("rate_5s %s", st.Rate5s))
	}
	unit := st.RateUnit
	if unit == "" {
		unit = "GH/s"
	}

	t := miner.Telemetry{
		Hashrate:   miner.Of(round(toTHS(val, unit), thsPlaces)),
		BoardTemps: miner.Unsupported[[]float64](),
		FanSpeeds:  miner.Unsupported[[]int](),
		Pools:      miner.Unsupported[[]miner.PoolStatus](),
		Uptime:     miner.Unsupported[time.Duration](),
		Errors:     miner.Unsupported[[]string](),
		Timestamp:  now,
	}
	// Chains without PCB sensors report an empty temp_pcb and are skipped.
	var temps []float64
	for _, c := range st.Chain {
		if len(c.TempPCB) == 0 {
			continue
		}
		temps = append(temps, slices.Max(c.TempPCB))
	}
	if len(temps) > 0 {
		t.BoardTemps = miner.Of(temps)
	}
	if st.Fan != nil {
		fans := make([]int, 0, len(st.Fan))
		for _, f := range st.Fan {
			fans = append(fans, int(f))
		}
		t.FanSpeeds = miner.Of(fans)
	}
	if st.Elapsed != nil {
		t.Uptime = miner.Of(seconds(*st.Elapsed))
	}
	return finishTelemetry(v, t)
}

func (antminerWeb) ReadConfigRequest() (transport.Request, error) {
	return transport.Request{Command: amGetConfPath, Auth: true}, nil
}

type amPool struct {
	URL  string `json:"url"`
	User string `json:"user"`
	Pass string `json:"pass"`
}

type amConf struct {
	Pools    []amPool `json:"pools"`
	FanCtrl  *bool    `json:"bitmain-fan-ctrl,omitempty"`
	FanPWM   any      `json:"bitmain-fan-pwm,omitempty"`
	Freq     any      `json:"bitmain-freq,omitempty"`
	WorkMode any      `json:"bitmain-work-mode,omitempty"`
}

func (antminerWeb) ParseConfig(resp *transport.RawResponse) (miner.Config, error) {
	v := miner.VendorAntminer
	var c amConf
	if err := json.Unmarshal(httpapi.SanitizeJSON(resp.Body), &c); err != nil {
		return miner.Config{}, miner.MalformedError(v, "config", err)
	}
	if c.Pools == nil {
		return miner.Config{}, miner.MissingFieldError(v, "pools")
	}
	out := miner.Config{
		Mode:         miner.Unsupported[miner.Mode](),
		FrequencyMHz: miner.Unsupported[int](),
		Fan:          miner.Unsupported[miner.FanControl](),
	}
	pools := make([]miner.Pool, 0, len(c.Pools))
	for _, p := range c.Pools {
		if p.URL == "" && p.User == "" {
			continue
		}
		pools = append(pools, miner.Pool{URL: p.URL, User: p.User, Password: p.Pass})
	}
	out.Pools = miner.Of(pools)

	if c.WorkMode != nil {
		key := strings.TrimSpace(fmt.Sprint(c.WorkMode))
		m, ok := amModes[key]
		if !ok {
			return miner.Config{}, miner.MalformedError(v, "mode", fmt.Errorf("work mode %q", key))
		}
		out.Mode = miner.Of(m)
	}
	if c.Freq != nil {
		f, ok := num(c.Freq)
		if !ok {
			return miner.Config{}, miner.MalformedError(v, "frequency_mhz", fmt.Errorf("freq %v", c.Freq))
		}
		out.FrequencyMHz = miner.Of(int(f))
	}
	if c.FanCtrl != nil {
		fc := miner.FanControl{Mode: miner.FanAuto}
		if *c.FanCtrl {
			pct, ok := num(c.FanPWM)
			if !ok {
				return miner.Config{}, miner.MalformedError(v, "fan", fmt.Errorf("fan pwm %v", c.FanPWM))
			}
			fc = miner.FanControl{Mode: miner.FanManual, SpeedPct: int(pct)}
		}
		out.Fan = miner.Of(fc)
	}
	return finishConfig(v, out)
}

// set_miner_conf takes the whole configuration in one request. Fields left
// out keep their device values.
type amSetConf struct {
	Pools    []amPool `json:"pools,omitempty"`
	FanCtrl  *bool    `json:"bitmain-fan-ctrl,omitempty"`
	FanPWM   string   `json:"bitmain-fan-pwm,omitempty"`
	Freq     string   `json:"bitmain-freq,omitempty"`
	MinerMod *int     `json:"miner-mode,omitempty"`
}

func (antminerWeb) WritePlan(cfg miner.Config) ([]transport.Request, error) {
	v := miner.VendorAntminer
	var body amSetConf
	if pools, ok := cfg.Pools.Get(); ok {
		for _, p := range pools {
			body.Pools = append(body.Pools, amPool{URL: p.URL, User: p.User, Pass: p.Password})
		}
	}
	if m, ok := cfg.Mode.Get(); ok {
		code := -1
		for k, mm := range amModes {
			if mm == m {
				code, _ = strconv.Atoi(k)
			}
		}
		if code < 0 {
			return nil, miner.NotSupported(v, "mode "+string(m))
		}
		body.MinerMod = &code
	}
	if f, ok := cfg.FrequencyMHz.Get(); ok {
		body.Freq = strconv.Itoa(f)
	}
	if fc, ok := cfg.Fan.Get(); ok {
		manual := fc.Mode == miner.FanManual
		body.FanCtrl = &manual
		if manual {
			body.FanPWM = strconv.Itoa(fc.SpeedPct)
		}
	}
	b, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	return []transport.Request{{
		Command:     amSetConfPath,
		Method:      http.MethodPost,
		Body:        b,
		Auth:        true,
		AllowStatus: true,
	}}, nil
}

func (antminerWeb) LifecycleRequest(cmd miner.Command) (transport.Request, error) {
	switch cmd {
	case miner.CommandReboot:
		return transport.Request{Command: amRebootPath, Auth: true, AllowStatus: true}, nil
	case miner.CommandFaultLightOn, miner.CommandFaultLightOff:
		body := `{"blink":"false"}`
		if cmd == miner.CommandFaultLightOn {
			body = `{"blink":"true"}`
		}
		return transport.Request{Command: amBlinkPath, Method: http.MethodPost, Body: []byte(body), Auth: true, AllowStatus: true}, nil
	}
	return transport.Request{}, miner.NotSupported(miner.VendorAntminer, string(cmd)+" over http")
}

func (antminerWeb) CheckReply(resp *transport.RawResponse) error {
	if err := checkHTTPStatus(resp); err != nil {
		return err
	}
	codes, ok := amReplyCodes[resp.Command]
	if !ok {
		return nil
	}
	var r struct {
		Stats string `json:"stats"`
		Code  string `json:"code"`
		Msg   string `json:"msg"`
	}
	if err := json.Unmarshal(httpapi.SanitizeJSON(resp.Body), &r); err != nil {
		return rejected("unreadable reply: %s", snippet(resp.Body))
	}
	if !slices.Contains(codes, r.Code) {
		return rejected("code %s: %s", r.Code, r.Msg)
	}
	return nil
}
