package normalize

import (
	"time"

	"minerlink/internal/miner"
	"minerlink/internal/transport"
)

// cgminerGeneric covers unbranded cgminer builds: hashrate and pools only.
type cgminerGeneric struct{}

func (cgminerGeneric) Variant() miner.Variant {
	return miner.Variant{Vendor: miner.VendorCGMiner, Firmware: miner.FirmwareCGMiner, Transport: miner.TransportSocket}
}

func (cgminerGeneric) Options() transport.Options { return transport.Options{} }

func (cgminerGeneric) PollRequest() transport.Request { return cgRequest("summary+pools") }

func (cgminerGeneric) ParseTelemetry(resp *transport.RawResponse, now time.Time) (miner.Telemetry, error) {
	v := miner.VendorCGMiner
	r, err := decodeCG(v, resp.Body)
	if err != nil {
		return miner.Telemetry{}, err
	}
	hr, err := r.hashrate(v)
	if err != nil {
		return miner.Telemetry{}, err
	}
	return finishTelemetry(v, miner.Telemetry{
		Hashrate:   hr,
		BoardTemps: miner.Unsupported[[]float64](),
		FanSpeeds:  miner.Unsupported[[]int](),
		Pools:      r.pools(),
		Uptime:     r.uptime(),
		Errors:     miner.Unsupported[[]string](),
		Timestamp:  now,
	})
}

func (cgminerGeneric) ReadConfigRequest() (transport.Request, error) { return cgRequest("pools"), nil }

func (cgminerGeneric) ParseConfig(resp *transport.RawResponse) (miner.Config, error) {
	return parseCGPoolConfig(miner.VendorCGMiner, resp)
}

func (cgminerGeneric) WritePlan(miner.Config) ([]transport.Request, error) {
	return nil, miner.NotSupported(miner.VendorCGMiner, "write config")
}

func (cgminerGeneric) LifecycleRequest(cmd miner.Command) (transport.Request, error) {
	if cmd == miner.CommandRestartMining {
		return cgRequest("restart"), nil
	}
	return transport.Request{}, miner.NotSupported(miner.VendorCGMiner, string(cmd))
}

func (cgminerGeneric) CheckReply(resp *transport.RawResponse) error { return cgCheck(resp) }
