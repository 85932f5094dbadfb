package miner

import (
	"bytes"
	"encoding/json"
	"errors"
	"maps"
	"slices"
)

type fieldState uint8

const (
	fieldUnset fieldState = iota
	fieldValue
	fieldUnsupported
)

// Field is a canonical value that is either measured or explicitly
// Unsupported by the vendor. The zero Field is unset and fails Validate.
type Field[T any] struct {
	v     T
	state fieldState
}

func Of[T any](v T) Field[T] { return Field[T]{v: v, state: fieldValue} }

// Unsupported is the sentinel for a value the vendor does not expose.
func Unsupported[T any]() Field[T] { return Field[T]{state: fieldUnsupported} }

func (f Field[T]) Get() (T, bool) { return f.v, f.state == fieldValue }

// Value returns the value, or the zero T for Unsupported.
func (f Field[T]) Value() T { return f.v }

func (f Field[T]) Supported() bool { return f.state == fieldValue }

func (f Field[T]) IsSet() bool { return f.state != fieldUnset }

func (f Field[T]) MarshalJSON() ([]byte, error) {
	switch f.state {
	case fieldValue:
		return json.Marshal(f.v)
	case fieldUnsupported:
		return []byte("null"), nil
	}
	return nil, errors.New("miner: marshal of unset field")
}

func (f *Field[T]) UnmarshalJSON(b []byte) error {
	if bytes.Equal(bytes.TrimSpace(b), []byte("null")) {
		*f = Unsupported[T]()
		return nil
	}
	var v T
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*f = Of(v)
	return nil
}

type setter interface{ IsSet() bool }

func checkSet(fields map[string]setter) error {
	for _, name := range slices.Sorted(maps.Keys(fields)) {
		if !fields[name].IsSet() {
			return &NormalizationError{Kind: MissingField, Field: name}
		}
	}
	return nil
}
