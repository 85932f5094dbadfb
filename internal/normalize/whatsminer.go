package normalize

import (
	"time"

	"minerlink/internal/miner"
	"minerlink/internal/transport"
)

// whatsminer reads btminer's plain API. Writes need the token-encrypted
// channel, which is not implemented.
type whatsminer struct{}

func (whatsminer) Variant() miner.Variant {
	return miner.Variant{Vendor: miner.VendorWhatsminer, Firmware: miner.FirmwareBTMiner, Transport: miner.TransportSocket}
}

func (whatsminer) Options() transport.Options { return transport.Options{} }

func (whatsminer) PollRequest() transport.Request { return cgRequest("summary") }

func (whatsminer) ParseTelemetry(resp *transport.RawResponse, now time.Time) (miner.Telemetry, error) {
	v := miner.VendorWhatsminer
	r, err := decodeCG(v, resp.Body)
	if err != nil {
		return miner.Telemetry{}, err
	}
	hr, err := r.hashrate(v)
	if err != nil {
		return miner.Telemetry{}, err
	}
	sum, _ := r.first("SUMMARY")

	temps := miner.Unsupported[[]float64]()
	if t, _, ok := pickNum(sum, "Temperature"); ok {
		temps = miner.Of([]float64{t})
	}
	fans := miner.Unsupported[[]int]()
	var rpm []int
	for _, k := range []string{"Fan Speed In", "Fan Speed Out"} {
		if f, _, ok := pickNum(sum, k); ok {
			rpm = append(rpm, int(f))
		}
	}
	if len(rpm) > 0 {
		fans = miner.Of(rpm)
	}
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

func (whatsminer) ReadConfigRequest() (transport.Request, error) { return cgRequest("pools"), nil }

func (whatsminer) ParseConfig(resp *transport.RawResponse) (miner.Config, error) {
	return parseCGPoolConfig(miner.VendorWhatsminer, resp)
}

func (whatsminer) WritePlan(miner.Config) ([]transport.Request, error) {
	return nil, miner.NotSupported(miner.VendorWhatsminer, "write config")
}

func (whatsminer) LifecycleRequest(cmd miner.Command) (transport.Request, error) {
	return transport.Request{}, miner.NotSupported(miner.VendorWhatsminer, string(cmd))
}

func (whatsminer) CheckReply(resp *transport.RawResponse) error { return cgCheck(resp) }
