package normalize

import (
	"fmt"
	"time"

	"minerlink/internal/miner"
	"minerlink/internal/transport"
	"minerlink/internal/transport/cgminer"
)

// elphapex answers summary with a compact object: hs in GH/s and temp in °C,
// both as strings, plus optional fans and elapsed.
type elphapex struct{}

func (elphapex) Variant() miner.Variant {
	return miner.Variant{Vendor: miner.VendorElphapex, Firmware: miner.FirmwareStock, Transport: miner.TransportSocket}
}

func (elphapex) Options() transport.Options { return transport.Options{} }

func (elphapex) PollRequest() transport.Request { return cgRequest("summary") }

func (elphapex) ParseTelemetry(resp *transport.RawResponse, now time.Time) (miner.Telemetry, error) {
	v := miner.VendorElphapex
	if len(resp.Body) == 0 {
		return miner.Telemetry{}, miner.MalformedError(v, "reply", errEmpty)
	}
	var m map[string]any
	if err := cgminer.Decode(resp.Body, &m); err != nil {
		return miner.Telemetry{}, miner.MalformedError(v, "reply", err)
	}

	raw, ok := m["hs"]
	if !ok {
		return miner.Telemetry{}, miner.MissingFieldError(v, "hashrate")
	}
	ghs, ok := num(raw)
	if !ok {
		return miner.Telemetry{}, miner.MalformedError(v, "hashrate", fmt.Errorf("hs %v", raw))
	}
	t := miner.Telemetry{
		Hashrate:   miner.Of(round(toTHS(ghs, "GH"), thsPlaces)),
		BoardTemps: miner.Unsupported[[]float64](),
		FanSpeeds:  miner.Unsupported[[]int](),
		Pools:      miner.Unsupported[[]miner.PoolStatus](),
		Uptime:     miner.Unsupported[time.Duration](),
		Errors:     miner.Unsupported[[]string](),
		Timestamp:  now,
	}
	if raw, ok := m["temp"]; ok {
		c, ok := num(raw)
		if !ok {
			return miner.Telemetry{}, miner.MalformedError(v, "board_temps", fmt.Errorf("temp %v", raw))
		}
		t.BoardTemps = miner.Of([]float64{c})
	}
	if arr, ok := m["fans"].([]any); ok {
		rpm := make([]int, 0, len(arr))
		for _, x := range arr {
			f, ok := num(x)
			if !ok {
				return miner.Telemetry{}, miner.MalformedError(v, "fan_speeds", fmt.Errorf("fan %v", x))
			}
			rpm = append(rpm, int(f))
		}
		t.FanSpeeds = miner.Of(rpm)
	}
	if raw, ok := m["elapsed"]; ok {
		if s, ok := num(raw); ok {
			t.Uptime = miner.Of(seconds(s))
		}
	}
	return finishTelemetry(v, t)
}

func (elphapex) ReadConfigRequest() (transport.Request, error) {
	return transport.Request{}, miner.NotSupported(miner.VendorElphapex, "read config")
}

func (elphapex) ParseConfig(*transport.RawResponse) (miner.Config, error) {
	return miner.Config{}, miner.NotSupported(miner.VendorElphapex, "read config")
}

func (elphapex) WritePlan(miner.Config) ([]transport.Request, error) {
	return nil, miner.NotSupported(miner.VendorElphapex, "write config")
}

func (elphapex) LifecycleRequest(cmd miner.Command) (transport.Request, error) {
	return transport.Request{}, miner.NotSupported(miner.VendorElphapex, string(cmd))
}

func (elphapex) CheckReply(resp *transport.RawResponse) error { return cgCheck(resp) }
