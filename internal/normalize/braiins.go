package normalize

import (
	"bytes"
	"time"

	"github.com/pelletier/go-toml/v2"

	"minerlink/internal/miner"
	"minerlink/internal/transport"
	"minerlink/internal/version"
)

const (
	bosConfigPath = "/etc/bosminer.toml"
	bosPollCmd    = `echo '{"command":"summary+temps+fans+pools"}' | nc 127.0.0.1 4028`
	bosWriteCmd   = "cat > " + bosConfigPath + ".new && mv " + bosConfigPath + ".new " + bosConfigPath
	bosReloadCmd  = "/etc/init.d/bosminer reload"
	bosRestartCmd = "/etc/init.d/bosminer restart"
	bosRebootCmd  = "/sbin/reboot"
)

// braiins reaches Braiins OS over SSH: the local bosminer API through nc for
// telemetry and bosminer.toml for configuration.
type braiins struct{}

func (braiins) Variant() miner.Variant {
	return miner.Variant{Vendor: miner.VendorBraiins, Firmware: miner.FirmwareBraiinsOS, Transport: miner.TransportSSH}
}

func (braiins) Options() transport.Options { return transport.Options{} }

func (braiins) PollRequest() transport.Request { return transport.Request{Command: bosPollCmd} }

func (braiins) ParseTelemetry(resp *transport.RawResponse, now time.Time) (miner.Telemetry, error) {
	v := miner.VendorBraiins
	if resp.Status != 0 {
		return miner.Telemetry{}, miner.MalformedError(v, "reply", checkExit(resp))
	}
	r, err := decodeCG(v, resp.Body)
	if err != nil {
		return miner.Telemetry{}, err
	}
	hr, err := r.hashrate(v)
	if err != nil {
		return miner.Telemetry{}, err
	}

	temps := miner.Unsupported[[]float64]()
	if _, ok := r["TEMPS"]; ok {
		out := []float64{}
		for _, t := range r.all("TEMPS") {
			if c, _, ok := pickNum(t, "Board", "Chip"); ok {
				out = append(out, c)
			}
		}
		temps = miner.Of(out)
	}
	fans := miner.Unsupported[[]int]()
	if _, ok := r["FANS"]; ok {
		out := []int{}
		for _, f := range r.all("FANS") {
			out = append(out, int(toU64(f["RPM"])))
		}
		fans = miner.Of(out)
	}
	return finishTelemetry(v, miner.Telemetry{
		Hashrate:   hr,
		BoardTemps: temps,
		FanSpeeds:  fans,
		Pools:      r.pools(),
		Uptime:     r.uptime(),
		Errors:     miner.Unsupported[[]string](),
		Timestamp:  now,
	})
}

// bosConfig is the part of bosminer.toml the canonical model reads.
type bosConfig struct {
	Groups []struct {
		Pools []struct {
			URL      string `toml:"url"`
			User     string `toml:"user"`
			Password string `toml:"password"`
		} `toml:"pool"`
	} `toml:"group"`
	HashChainGlobal *struct {
		Frequency float64 `toml:"frequency"`
	} `toml:"hash_chain_global"`
	FanControl *struct {
		Speed *int `toml:"speed"`
	} `toml:"fan_control"`
}

func (braiins) ReadConfigRequest() (transport.Request, error) {
	return transport.Request{Command: "cat " + bosConfigPath}, nil
}

func (braiins) ParseConfig(resp *transport.RawResponse) (miner.Config, error) {
	v := miner.VendorBraiins
	if resp.Status != 0 {
		return miner.Config{}, miner.MalformedError(v, "config", checkExit(resp))
	}
	var c bosConfig
	if err := toml.Unmarshal(resp.Body, &c); err != nil {
		return miner.Config{}, miner.MalformedError(v, "config", err)
	}
	return finishConfig(v, bosToConfig(c))
}

// bosToConfig flattens pool groups in file order. A missing fan_control
// section means bosminer's automatic fan regulation.
func bosToConfig(c bosConfig) miner.Config {
	pools := []miner.Pool{}
	for _, g := range c.Groups {
		for _, p := range g.Pools {
			pools = append(pools, miner.Pool{URL: p.URL, User: p.User, Password: p.Password})
		}
	}
	out := miner.Config{
		Pools:        miner.Of(pools),
		Mode:         miner.Unsupported[miner.Mode](),
		FrequencyMHz: miner.Unsupported[int](),
		Fan:          miner.Of(miner.FanControl{Mode: miner.FanAuto}),
	}
	if hc := c.HashChainGlobal; hc != nil && hc.Frequency > 0 {
		out.FrequencyMHz = miner.Of(int(hc.Frequency))
	}
	if fc := c.FanControl; fc != nil && fc.Speed != nil {
		out.Fan = miner.Of(miner.FanControl{Mode: miner.FanManual, SpeedPct: *fc.Speed})
	}
	return out
}

// mergeBOS overlays the fields cfg carries onto the parsed bosminer.toml in
// doc. Tables and keys the canonical model does not cover are kept as read.
func mergeBOS(doc map[string]any, cfg miner.Config) map[string]any {
	format := table(doc, "format")
	if _, ok := format["version"]; !ok {
		format["version"] = "1.2+"
	}
	format["generator"] = "minerlink " + version.String()

	if pools, ok := cfg.Pools.Get(); ok {
		if len(pools) == 0 {
			delete(doc, "group")
		} else {
			g := map[string]any{"name": "Default"}
			if groups, ok := doc["group"].([]any); ok && len(groups) > 0 {
				if first, ok := groups[0].(map[string]any); ok {
					for k, v := range first {
						if k != "pool" {
							g[k] = v
						}
					}
				}
			}
			list := make([]any, 0, len(pools))
			for _, p := range pools {
				e := map[string]any{"url": p.URL, "user": p.User}
				if p.Password != "" {
					e["password"] = p.Password
				}
				list = append(list, e)
			}
			g["pool"] = list
			doc["group"] = []any{g}
		}
	}
	if f, ok := cfg.FrequencyMHz.Get(); ok {
		table(doc, "hash_chain_global")["frequency"] = int64(f)
	}
	if fc, ok := cfg.Fan.Get(); ok {
		t := table(doc, "fan_control")
		if fc.Mode == miner.FanManual {
			t["speed"] = int64(fc.SpeedPct)
		} else {
			delete(t, "speed")
		}
		if len(t) == 0 {
			delete(doc, "fan_control")
		}
	}
	return doc
}

// table returns doc[key] as a table, creating it when absent.
func table(doc map[string]any, key string) map[string]any {
	if t, ok := doc[key].(map[string]any); ok {
		return t
	}
	t := map[string]any{}
	doc[key] = t
	return t
}

func checkBOSWrite(cfg miner.Config) error {
	if m, ok := cfg.Mode.Get(); ok {
		return miner.NotSupported(miner.VendorBraiins, "mode "+string(m))
	}
	return nil
}

func bosPlan(doc map[string]any) ([]transport.Request, error) {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(doc); err != nil {
		return nil, err
	}
	return []transport.Request{
		{Command: bosWriteCmd, Body: buf.Bytes()},
		{Command: bosReloadCmd},
	}, nil
}

// WritePlan writes a fresh bosminer.toml from cfg alone, then reloads
// bosminer. Sessions use WritePlanFrom so the rest of the device file
// survives.
func (braiins) WritePlan(cfg miner.Config) ([]transport.Request, error) {
	if err := checkBOSWrite(cfg); err != nil {
		return nil, err
	}
	if !cfg.Pools.Supported() {
		return nil, miner.MissingFieldError(miner.VendorBraiins, "pools")
	}
	return bosPlan(mergeBOS(map[string]any{}, cfg))
}

// WritePlanFrom rewrites the bosminer.toml read in current with the fields
// of cfg replaced, then reloads bosminer.
func (braiins) WritePlanFrom(current *transport.RawResponse, cfg miner.Config) ([]transport.Request, error) {
	v := miner.VendorBraiins
	if err := checkBOSWrite(cfg); err != nil {
		return nil, err
	}
	if current.Status != 0 {
		return nil, miner.MalformedError(v, "config", checkExit(current))
	}
	doc := map[string]any{}
	if err := toml.Unmarshal(current.Body, &doc); err != nil {
		return nil, miner.MalformedError(v, "config", err)
	}
	return bosPlan(mergeBOS(doc, cfg))
}

func (braiins) LifecycleRequest(cmd miner.Command) (transport.Request, error) {
	switch cmd {
	case miner.CommandRestartMining:
		return transport.Request{Command: bosRestartCmd}, nil
	case miner.CommandReboot:
		return transport.Request{Command: bosRebootCmd}, nil
	}
	return transport.Request{}, miner.NotSupported(miner.VendorBraiins, string(cmd))
}

func (braiins) CheckReply(resp *transport.RawResponse) error { return checkExit(resp) }
