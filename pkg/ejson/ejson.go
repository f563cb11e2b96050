// Package ejson converts between Go values and the EJSON dialect of JSON
// spoken on DDP connections.
//
// EJSON is plain JSON plus a handful of single-key marker objects:
//
//	{"$date": 1700000000000}        -> time.Time (milliseconds since the epoch, UTC)
//	{"$binary": "aGVsbG8="}         -> []byte (standard base64)
//	{"$InfNaN": 1 | -1 | 0}         -> +Inf, -Inf, NaN
//	{"$escape": {"$date": "x"}}     -> map[string]any{"$date": "x"} taken literally
//
// Decoded documents use the same dynamic shapes as encoding/json: map[string]any,
// []any, string, float64, bool and nil, with the extended types above swapped in.
package ejson

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"time"
)

const (
	keyDate   = "$date"
	keyBinary = "$binary"
	keyInfNaN = "$InfNaN"
	keyEscape = "$escape"
	keyType   = "$type"
	keyValue  = "$value"
)

// Unmarshal decodes one EJSON value.
func Unmarshal(data []byte) (any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("ejson: %w", err)
	}
	return FromJSONValue(v), nil
}

// UnmarshalObject decodes an EJSON object into a field map. A JSON null or
// empty input yields a nil map.
func UnmarshalObject(data []byte) (map[string]any, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("ejson: %w", err)
	}
	return fromObject(m), nil
}

// Marshal encodes v as EJSON.
func Marshal(v any) ([]byte, error) {
	return json.Marshal(ToJSONValue(v))
}

// FromJSONValue rewrites a value produced by encoding/json, replacing EJSON
// marker objects with their Go counterparts.
func FromJSONValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		if len(t) == 1 {
			if ext, ok := fromMarker(t); ok {
				return ext
			}
		}
		return fromObject(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = FromJSONValue(e)
		}
		return out
	default:
		return v
	}
}

func fromObject(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, e := range m {
		out[k] = FromJSONValue(e)
	}
	return out
}

func fromMarker(m map[string]any) (any, bool) {
	if raw, ok := m[keyDate]; ok {
		if ms, ok := raw.(float64); ok {
			return time.UnixMilli(int64(ms)).UTC(), true
		}
		return nil, false
	}
	if raw, ok := m[keyBinary]; ok {
		s, ok := raw.(string)
		if !ok {
			return nil, false
		}
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, false
		}
		return b, true
	}
	if raw, ok := m[keyInfNaN]; ok {
		sign, ok := raw.(float64)
		if !ok {
			return nil, false
		}
		switch {
		case sign > 0:
			return math.Inf(1), true
		case sign < 0:
			return math.Inf(-1), true
		default:
			return math.NaN(), true
		}
	}
	if raw, ok := m[keyEscape]; ok {
		inner, ok := raw.(map[string]any)
		if !ok {
			return nil, false
		}
		return fromObject(inner), true
	}
	return nil, false
}

// ToJSONValue rewrites v so that encoding/json produces EJSON: time.Time and
// []byte become marker objects, non-finite floats become $InfNaN, and plain
// objects that would be mistaken for markers are escaped. Values of other
// types are returned unchanged and marshal with their usual JSON encoding.
func ToJSONValue(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case time.Time:
		return map[string]any{keyDate: t.UnixMilli()}
	case *time.Time:
		if t == nil {
			return nil
		}
		return map[string]any{keyDate: t.UnixMilli()}
	case []byte:
		if t == nil {
			return nil
		}
		return map[string]any{keyBinary: base64.StdEncoding.EncodeToString(t)}
	case float64:
		switch {
		case math.IsInf(t, 1):
			return map[string]any{keyInfNaN: 1}
		case math.IsInf(t, -1):
			return map[string]any{keyInfNaN: -1}
		case math.IsNaN(t):
			return map[string]any{keyInfNaN: 0}
		}
		return t
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = ToJSONValue(e)
		}
		if needsEscape(t) {
			return map[string]any{keyEscape: out}
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = ToJSONValue(e)
		}
		return out
	default:
		return v
	}
}

// ToJSONValues applies ToJSONValue to every element. A nil or empty input
// yields an empty, non-nil slice so that it encodes as [].
func ToJSONValues(vs []any) []any {
	out := make([]any, len(vs))
	for i, v := range vs {
		out[i] = ToJSONValue(v)
	}
	return out
}

func needsEscape(m map[string]any) bool {
	switch len(m) {
	case 1:
		for k := range m {
			switch k {
			case keyDate, keyBinary, keyInfNaN, keyEscape:
				return true
			}
		}
	case 2:
		_, hasType := m[keyType]
		_, hasValue := m[keyValue]
		return hasType && hasValue
	}
	return false
}
