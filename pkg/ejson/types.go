package ejson

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// Date is a time.Time that encodes as {"$date": ms}. Use it in structs that
// are passed to or decoded from method calls.
type Date struct {
	time.Time
}

// MarshalJSON implements json.Marshaler.
func (d Date) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]int64{keyDate: d.UnixMilli()})
}

// UnmarshalJSON implements json.Unmarshaler. null leaves d unchanged.
func (d *Date) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}
	var w struct {
		Date *float64 `json:"$date"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("ejson: decoding date: %w", err)
	}
	if w.Date == nil {
		return fmt.Errorf("ejson: decoding date: missing %s in %s", keyDate, string(data))
	}
	d.Time = time.UnixMilli(int64(*w.Date)).UTC()
	return nil
}

// Binary is a byte slice that encodes as {"$binary": "<base64>"}.
type Binary []byte

// MarshalJSON implements json.Marshaler.
func (b Binary) MarshalJSON() ([]byte, error) {
	if b == nil {
		return []byte("null"), nil
	}
	return json.Marshal(map[string]string{keyBinary: base64.StdEncoding.EncodeToString(b)})
}

// UnmarshalJSON implements json.Unmarshaler.
func (b *Binary) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*b = nil
		return nil
	}
	var w struct {
		Binary *string `json:"$binary"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("ejson: decoding binary: %w", err)
	}
	if w.Binary == nil {
		return fmt.Errorf("ejson: decoding binary: missing %s in %s", keyBinary, string(data))
	}
	raw, err := base64.StdEncoding.DecodeString(*w.Binary)
	if err != nil {
		return fmt.Errorf("ejson: decoding binary: %w", err)
	}
	*b = raw
	return nil
}
