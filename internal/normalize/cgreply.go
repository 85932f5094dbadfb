package normalize

import (
	"errors"
	"strings"
	"time"

	"minerlink/internal/miner"
	"minerlink/internal/transport"
	"minerlink/internal/transport/cgminer"
)

var errEmpty = errors.New("empty reply")

// cgReply holds the payload sections of a cgminer reply keyed by upper-case
// name (SUMMARY, STATS, POOLS ...). Joined replies nest each command under its
// lower-case name; single replies carry the sections at the top level.
type cgReply map[string]any

func decodeCG(vendor miner.Vendor, body []byte) (cgReply, error) {
	if len(body) == 0 {
		return nil, miner.MalformedError(vendor, "reply", errEmpty)
	}
	var top map[string]any
	if err := cgminer.Decode(body, &top); err != nil {
		return nil, miner.MalformedError(vendor, "reply", err)
	}
	if err := cgminer.StatusError(body); err != nil {
		return nil, miner.MalformedError(vendor, "status", err)
	}
	out := cgReply{}
	for k, v := range top {
		if k == strings.ToUpper(k) {
			if k != "STATUS" {
				out[k] = v
			}
			continue
		}
		inner, ok := firstMap(v)
		if !ok {
			continue
		}
		if err := sectionStatus(inner); err != nil {
			return nil, miner.MalformedError(vendor, k, err)
		}
		for ik, iv := range inner {
			if ik == strings.ToUpper(ik) && ik != "STATUS" {
				out[ik] = iv
			}
		}
	}
	return out, nil
}

// sectionStatus checks the STATUS of one joined section.
func sectionStatus(m map[string]any) error {
	st, ok := firstMap(m["STATUS"])
	if !ok {
		return nil
	}
	if s := pickString(st, "STATUS"); s == "E" || s == "F" {
		return errors.New(pickString(st, "Msg"))
	}
	return nil
}

func (r cgReply) first(section string) (map[string]any, bool) {
	return firstMap(r[section])
}

func (r cgReply) all(section string) []map[string]any {
	return collectMaps(r[section])
}

// hashrate reads the SUMMARY hashrate in TH/s.
func (r cgReply) hashrate(vendor miner.Vendor) (miner.Field[float64], error) {
	sum, ok := r.first("SUMMARY")
	if !ok {
		return miner.Field[float64]{}, miner.MissingFieldError(vendor, "hashrate")
	}
	ths, ok := cgminerHashrate(sum)
	if !ok {
		return miner.Field[float64]{}, miner.MissingFieldError(vendor, "hashrate")
	}
	return miner.Of(round(ths, thsPlaces)), nil
}

// uptime reads Elapsed from SUMMARY, then from any STATS entry carrying it.
func (r cgReply) uptime() miner.Field[time.Duration] {
	if sum, ok := r.first("SUMMARY"); ok {
		if v, _, ok := pickNum(sum, "Elapsed"); ok {
			return miner.Of(seconds(v))
		}
	}
	for _, st := range r.all("STATS") {
		if v, _, ok := pickNum(st, "Elapsed"); ok {
			return miner.Of(seconds(v))
		}
	}
	return miner.Unsupported[time.Duration]()
}

// pools reads the POOLS section.
func (r cgReply) pools() miner.Field[[]miner.PoolStatus] {
	raw, ok := r["POOLS"]
	if !ok {
		return miner.Unsupported[[]miner.PoolStatus]()
	}
	out := []miner.PoolStatus{}
	for _, p := range collectMaps(raw) {
		active, _ := p["Stratum Active"].(bool)
		out = append(out, miner.PoolStatus{
			URL:    pickString(p, "URL"),
			User:   pickString(p, "User"),
			Alive:  strings.EqualFold(pickString(p, "Status"), "alive"),
			Active: active,
		})
	}
	return miner.Of(out)
}

// poolConfig reads POOLS as configured pools. cgminer never returns passwords.
func (r cgReply) poolConfig(vendor miner.Vendor) (miner.Field[[]miner.Pool], error) {
	raw, ok := r["POOLS"]
	if !ok {
		return miner.Field[[]miner.Pool]{}, miner.MissingFieldError(vendor, "pools")
	}
	out := []miner.Pool{}
	for _, p := range collectMaps(raw) {
		out = append(out, miner.Pool{URL: pickString(p, "URL"), User: pickString(p, "User")})
	}
	return miner.Of(out), nil
}

func cgRequest(cmd string) transport.Request {
	return transport.Request{Command: cmd}
}

// cgCheck accepts any reply whose STATUS is not E or F.
func cgCheck(resp *transport.RawResponse) error {
	if err := cgminer.StatusError(resp.Body); err != nil {
		return rejected("%v", err)
	}
	return nil
}
