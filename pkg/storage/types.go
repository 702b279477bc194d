// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// UnixTime stores a timestamp as epoch seconds, which both SQLite and
// PostgreSQL handle as a plain integer column. The zero value maps to
// SQL NULL.
type UnixTime struct {
	time.Time
}

// Now returns the current time truncated to second precision, matching
// what survives a round trip through the store.
func Now() UnixTime {
	return UnixTime{Time: time.Now().UTC().Truncate(time.Second)}
}

// At wraps an existing time, truncated to second precision.
func At(t time.Time) UnixTime {
	return UnixTime{Time: t.UTC().Truncate(time.Second)}
}

// Value implements driver.Valuer.
func (u UnixTime) Value() (driver.Value, error) {
	if u.IsZero() {
		return nil, nil
	}
	return u.Unix(), nil
}

// Scan implements sql.Scanner.
func (u *UnixTime) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		u.Time = time.Time{}
		return nil
	case int64:
		u.Time = time.Unix(v, 0).UTC()
		return nil
	case time.Time:
		u.Time = v.UTC()
		return nil
	default:
		return fmt.Errorf("cannot scan %T into UnixTime", src)
	}
}

// StringSlice stores a []string as a JSON text column.
type StringSlice []string

// Value implements driver.Valuer.
func (s StringSlice) Value() (driver.Value, error) {
	if s == nil {
		return "[]", nil
	}
	data, err := json.Marshal([]string(s))
	if err != nil {
		return nil, fmt.Errorf("marshaling string slice: %w", err)
	}
	return string(data), nil
}

// Scan implements sql.Scanner.
func (s *StringSlice) Scan(src any) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		*s = nil
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into StringSlice", src)
	}
	if len(data) == 0 {
		*s = nil
		return nil
	}
	return json.Unmarshal(data, (*[]string)(s))
}

// Contains reports whether the slice contains v.
func (s StringSlice) Contains(v string) bool {
	for _, item := range s {
		if item == v {
			return true
		}
	}
	return false
}

// RawJSON stores an arbitrary JSON document as a text column.
type RawJSON []byte

// Value implements driver.Valuer.
func (r RawJSON) Value() (driver.Value, error) {
	if len(r) == 0 {
		return nil, nil
	}
	return string(r), nil
}

// Scan implements sql.Scanner.
func (r *RawJSON) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*r = nil
		return nil
	case []byte:
		*r = append((*r)[:0], v...)
		return nil
	case string:
		*r = RawJSON(v)
		return nil
	default:
		return fmt.Errorf("cannot scan %T into RawJSON", src)
	}
}

// MarshalJSON passes the raw document through.
func (r RawJSON) MarshalJSON() ([]byte, error) {
	if len(r) == 0 {
		return []byte("null"), nil
	}
	return r, nil
}

// UnmarshalJSON stores the raw document.
func (r *RawJSON) UnmarshalJSON(data []byte) error {
	*r = append((*r)[:0], data...)
	return nil
}
