package normalize

import (
	"strings"
	"time"

	"minerlink/internal/miner"
	"minerlink/internal/transport"
)

// antminerSocket speaks bmminer's cgminer API on port 4028.
type antminerSocket struct{}

func (antminerSocket) Variant() miner.Variant {
	return miner.Variant{Vendor: miner.VendorAntminer, Firmware: miner.FirmwareStock, Transport: miner.TransportSocket}
}

func (antminerSocket) Options() transport.Options { return transport.Options{} }

func (antminerSocket) PollRequest() transport.Request { return cgRequest("summary+stats") }

func (d antminerSocket) ParseTelemetry(resp *transport.RawResponse, now time.Time) (miner.Telemetry, error) {
	v := miner.VendorAntminer
	r, err := decodeCG(v, resp.Body)
	if err != nil {
		return miner.Telemetry{}, err
	}
	hr, err := r.hashrate(v)
	if err != nil {
		return miner.Telemetry{}, err
	}
	temps, fans := bmminerStats(r.all("STATS"))
	return finishTelemetry(v, miner.Telemetry{
		Hashrate:   hr,
		BoardTemps: temps,
		FanSpeeds:  fans,
		Pools:      miner.Unsupported[[]miner.PoolStatus](),
		Uptime:     r.uptime(),
		Errors:     miner.Unsupported[[]string](),
		Timestamp:  now,
	})
}

// bmminerStats collects fanN and temp2_N (or tempN) keys from the STATS
// entries. Zero readings mark empty fan headers and chain slots.
func bmminerStats(stats []map[string]any) (miner.Field[[]float64], miner.Field[[]int]) {
	fans := map[int]int{}
	temps := map[int]float64{}
	pcb := map[int]float64{}
	for _, st := range stats {
		for k, val := range st {
			kl := strings.ToLower(strings.TrimSpace(k))
			if n, ok := parseSuffixInt(kl, "fan"); ok {
				if rpm := int(toU64(val)); rpm > 0 {
					fans[n] = rpm
				}
				continue
			}
			if n, ok := parseSuffixInt(kl, "temp2_"); ok {
				if t := toF64(val); t > 0 {
					temps[n] = t
				}
				continue
			}
			if n, ok := parseSuffixInt(kl, "temp"); ok {
				if t := toF64(val); t > 0 {
					pcb[n] = t
				}
			}
		}
	}
	if len(temps) == 0 {
		temps = pcb
	}
	tf := miner.Unsupported[[]float64]()
	if len(temps) > 0 {
		tf = miner.Of(denseFloats(temps))
	}
	ff := miner.Unsupported[[]int]()
	if len(fans) > 0 {
		ff = miner.Of(denseInts(fans))
	}
	return tf, ff
}

func (antminerSocket) ReadConfigRequest() (transport.Request, error) { return cgRequest("pools"), nil }

func (antminerSocket) ParseConfig(resp *transport.RawResponse) (miner.Config, error) {
	return parseCGPoolConfig(miner.VendorAntminer, resp)
}

func (antminerSocket) WritePlan(miner.Config) ([]transport.Request, error) {
	return nil, miner.NotSupported(miner.VendorAntminer, "write config over socket")
}

func (antminerSocket) LifecycleRequest(cmd miner.Command) (transport.Request, error) {
	if cmd == miner.CommandRestartMining {
		return cgRequest("restart"), nil
	}
	return transport.Request{}, miner.NotSupported(miner.VendorAntminer, string(cmd)+" over socket")
}

func (antminerSocket) CheckReply(resp *transport.RawResponse) error { return cgCheck(resp) }

func parseCGPoolConfig(v miner.Vendor, resp *transport.RawResponse) (miner.Config, error) {
	r, err := decodeCG(v, resp.Body)
	if err != nil {
		return miner.Config{}, err
	}
	pools, err := r.poolConfig(v)
	if err != nil {
		return miner.Config{}, err
	}
	return finishConfig(v, miner.Config{
		Pools:        pools,
		Mode:         miner.Unsupported[miner.Mode](),
		FrequencyMHz: miner.Unsupported[int](),
		Fan:          miner.Unsupported[miner.FanControl](),
	})
}
