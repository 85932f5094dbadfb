package cgminer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Sanitize repairs the non-JSON quirks bmminer and friends are known for:
// NUL padding, trailing junk, missing commas between joined sections and
// dangling commas.
func Sanitize(b []byte) []byte {
	b = bytes.ReplaceAll(b, []byte{0}, nil)
	b = bytes.TrimSpace(b)
	if i := bytes.IndexAny(b, "{["); i > 0 {
		b = b[i:]
	}
	if i := bytes.LastIndexAny(b, "}]"); i >= 0 && i < len(b)-1 {
		b = b[:i+1]
	}
	s := string(b)
	s = strings.ReplaceAll(s, "\n", "")
	s = strings.ReplaceAll(s, "}{", "},{")
	s = strings.ReplaceAll(s, ",}", "}")
	s = strings.ReplaceAll(s, "[,{", "[{")
	return []byte(s)
}

// Decode sanitizes b and unmarshals it into v.
func Decode(b []byte, v any) error {
	return json.Unmarshal(Sanitize(b), v)
}

type Status struct {
	Status string `json:"STATUS"`
	Code   int    `json:"Code"`
	Msg    string `json:"Msg"`
}

// StatusError reports a cgminer STATUS of E or F as an error. Replies without
// a STATUS section are accepted.
func StatusError(b []byte) error {
	var env struct {
		Status json.RawMessage `json:"STATUS"`
	}
	if err := Decode(b, &env); err != nil || len(env.Status) == 0 {
		return nil
	}
	var st []Status
	if err := json.Unmarshal(env.Status, &st); err != nil || len(st) == 0 {
		var one string
		if json.Unmarshal(env.Status, &one) == nil && (one == "E" || one == "F") {
			return fmt.Errorf("status %s", one)
		}
		return nil
	}
	if s := st[0]; s.Status == "E" || s.Status == "F" {
		return fmt.Errorf("status %s code %d: %s", s.Status, s.Code, s.Msg)
	}
	return nil
}
