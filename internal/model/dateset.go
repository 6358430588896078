package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"slices"
)

// DateSet is a duplicate-free, sorted set of yyyy-MM-dd day strings. It is
// stored as a JSON array in a TEXT column; the JSON encoding exists only at
// the driver boundary, callers work with set operations.
type DateSet []string

// Has reports whether day is in the set.
func (s DateSet) Has(day string) bool {
	_, ok := slices.BinarySearch(s, day)
	return ok
}

// Add returns a set containing day. Adding an already-present day returns
// the set unchanged.
func (s DateSet) Add(day string) DateSet {
	idx, ok := slices.BinarySearch(s, day)
	if ok {
		return s
	}
	return slices.Insert(slices.Clone(s), idx, day)
}

func (s DateSet) Len() int {
	return len(s)
}

func (s DateSet) Clone() DateSet {
	return slices.Clone(s)
}

// Scan implements sql.Scanner.
func (s *DateSet) Scan(value any) error {
	if value == nil {
		*s = nil
		return nil
	}

	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("scan date set: unsupported type %T", value)
	}

	if len(raw) == 0 {
		*s = nil
		return nil
	}

	var days []string
	if err := json.Unmarshal(raw, &days); err != nil {
		return fmt.Errorf("scan date set: %w", err)
	}
	slices.Sort(days)
	*s = slices.Compact(days)
	return nil
}

// Value implements driver.Valuer.
func (s DateSet) Value() (driver.Value, error) {
	if s == nil {
		return "[]", nil
	}
	raw, err := json.Marshal([]string(s))
	if err != nil {
		return nil, fmt.Errorf("encode date set: %w", err)
	}
	return string(raw), nil
}
