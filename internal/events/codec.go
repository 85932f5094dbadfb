package events

import (
	"fmt"
	"time"

	"github.com/jhump/protoreflect/dynamic"

	"minerlink/internal/miner"
)

func Marshal(m *dynamic.Message) ([]byte, error) {
	return m.Marshal()
}

func UnmarshalEnvelope(schema *Schema, b []byte) (*dynamic.Message, error) {
	if schema == nil || schema.Envelope == nil {
		return nil, fmt.Errorf("schema not loaded")
	}
	m := dynamic.NewMessage(schema.Envelope)
	if err := m.Unmarshal(b); err != nil {
		return nil, err
	}
	return m, nil
}

// Encode builds the envelope for e under the given full subject.
func (s *Schema) Encode(subject string, e Event) (*dynamic.Message, error) {
	env := s.NewEnvelope(e.ID, subject, e.Time)
	errText := ""
	if e.Err != nil {
		errText = e.Err.Error()
	}
	switch e.Kind {
	case KindIdentify:
		m := dynamic.NewMessage(s.DeviceIdentified)
		m.SetFieldByName("address", e.Address.String())
		m.SetFieldByName("outcome", e.Outcome)
		m.SetFieldByName("detail", e.Detail)
		m.SetFieldByName("latency_ms", e.Latency.Milliseconds())
		if e.Identity != nil {
			m.SetFieldByName("identity", s.identity(*e.Identity))
		}
		env.SetFieldByName("device_identified", m)

	case KindPoll:
		m := dynamic.NewMessage(s.DevicePolled)
		s.setIdentity(m, e)
		m.SetFieldByName("outcome", e.Outcome)
		m.SetFieldByName("error", errText)
		m.SetFieldByName("latency_ms", e.Latency.Milliseconds())
		m.SetFieldByName("attempts", int32(e.Attempts))
		if e.Telemetry != nil {
			m.SetFieldByName("telemetry", s.telemetry(*e.Telemetry))
		}
		env.SetFieldByName("device_polled", m)

	case KindConfigWrite:
		m := dynamic.NewMessage(s.ConfigWritten)
		s.setIdentity(m, e)
		m.SetFieldByName("outcome", e.Outcome)
		m.SetFieldByName("failure", string(e.Failure))
		m.SetFieldByName("step", int32(e.Step))
		m.SetFieldByName("error", errText)
		m.SetFieldByName("latency_ms", e.Latency.Milliseconds())
		env.SetFieldByName("config_written", m)

	case KindLifecycle:
		m := dynamic.NewMessage(s.LifecycleExecuted)
		s.setIdentity(m, e)
		m.SetFieldByName("command", string(e.Command))
		m.SetFieldByName("outcome", e.Outcome)
		m.SetFieldByName("failure", string(e.Failure))
		m.SetFieldByName("error", errText)
		env.SetFieldByName("lifecycle_executed", m)

	case KindScanCompleted:
		if e.Scan == nil {
			return nil, fmt.Errorf("scan event without summary")
		}
		sc := e.Scan
		m := dynamic.NewMessage(s.ScanCompleted)
		m.SetFieldByName("scan_id", sc.ID)
		m.SetFieldByName("total", int32(sc.Total))
		m.SetFieldByName("identified", int32(sc.Identified))
		m.SetFieldByName("unreachable", int32(sc.Unreachable))
		m.SetFieldByName("unrecognized", int32(sc.Unrecognized))
		m.SetFieldByName("failed", int32(sc.Failed))
		m.SetFieldByName("timed_out", int32(sc.TimedOut))
		m.SetFieldByName("duration_ms", sc.Duration.Milliseconds())
		env.SetFieldByName("scan_completed", m)

	default:
		return nil, fmt.Errorf("unknown event kind %q", e.Kind)
	}
	return env, nil
}

func (s *Schema) setIdentity(m *dynamic.Message, e Event) {
	id := miner.Identity{Address: e.Address}
	if e.Identity != nil {
		id = *e.Identity
	}
	m.SetFieldByName("identity", s.identity(id))
}

func (s *Schema) identity(id miner.Identity) *dynamic.Message {
	m := dynamic.NewMessage(s.Identity)
	m.SetFieldByName("address", id.Address.String())
	m.SetFieldByName("vendor", string(id.Vendor))
	m.SetFieldByName("model", id.Model)
	m.SetFieldByName("firmware", string(id.Firmware))
	m.SetFieldByName("firmware_version", id.FirmwareVersion)
	m.SetFieldByName("transport", string(id.Transport))
	return m
}

func (s *Schema) telemetry(t miner.Telemetry) *dynamic.Message {
	m := dynamic.NewMessage(s.Telemetry)
	var unsupported []string
	if v, ok := t.Hashrate.Get(); ok {
		m.SetFieldByName("hashrate_ths", v)
	} else {
		unsupported = append(unsupported, "hashrate")
	}
	if v, ok := t.BoardTemps.Get(); ok {
		m.SetFieldByName("board_temps_c", v)
	} else {
		unsupported = append(unsupported, "board_temps")
	}
	if v, ok := t.FanSpeeds.Get(); ok {
		rpm := make([]int32, 0, len(v))
		for _, f := range v {
			rpm = append(rpm, int32(f))
		}
		m.SetFieldByName("fan_speeds_rpm", rpm)
	} else {
		unsupported = append(unsupported, "fan_speeds")
	}
	if v, ok := t.Pools.Get(); ok {
		pools := make([]*dynamic.Message, 0, len(v))
		for _, p := range v {
			pm := dynamic.NewMessage(s.Pool)
			pm.SetFieldByName("url", p.URL)
			pm.SetFieldByName("user", p.User)
			pm.SetFieldByName("alive", p.Alive)
			pm.SetFieldByName("active", p.Active)
			pools = append(pools, pm)
		}
		m.SetFieldByName("pools", pools)
	} else {
		unsupported = append(unsupported, "pools")
	}
	if v, ok := t.Uptime.Get(); ok {
		m.SetFieldByName("uptime_s", int64(v/time.Second))
	} else {
		unsupported = append(unsupported, "uptime")
	}
	if v, ok := t.Errors.Get(); ok {
		m.SetFieldByName("errors", v)
	} else {
		unsupported = append(unsupported, "errors")
	}
	m.SetFieldByName("unsupported", unsupported)
	m.SetFieldByName("ts_unix_ms", t.Timestamp.UTC().UnixMilli())
	return m
}
