package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// QualityFlags is a fixed set of advisory annotations on a Result. Flags are
// data, not errors: they never block storage.
type QualityFlags uint8

// Supported quality flags.
const (
	FlagSaturated QualityFlags = 1 << iota
	FlagLowSignal
	FlagMissing

	flagMask = FlagSaturated | FlagLowSignal | FlagMissing
)

var flagNames = []struct {
	flag QualityFlags
	name string
}{
	{FlagSaturated, "saturated"},
	{FlagLowSignal, "low-signal"},
	{FlagMissing, "missing"},
}

// Has reports whether every flag in f is set.
func (q QualityFlags) Has(f QualityFlags) bool { return q&f == f && f != 0 }

// Clean reports whether no flag is set.
func (q QualityFlags) Clean() bool { return q == 0 }

// Valid reports whether only known flag bits are set.
func (q QualityFlags) Valid() bool { return q&^flagMask == 0 }

// Names returns the flag names in a stable order.
func (q QualityFlags) Names() []string {
	names := make([]string, 0, len(flagNames))
	for _, fn := range flagNames {
		if q&fn.flag != 0 {
			names = append(names, fn.name)
		}
	}
	return names
}

func (q QualityFlags) String() string {
	if q == 0 {
		return "none"
	}
	return strings.Join(q.Names(), "|")
}

// ParseQualityFlags parses a "|" or "," separated list of flag names.
// "none" and the empty string yield a clean set.
func ParseQualityFlags(s string) (QualityFlags, error) {
	var q QualityFlags
	s = strings.TrimSpace(s)
	if s == "" || s == "none" {
		return 0, nil
	}
	for _, part := range strings.FieldsFunc(s, func(r rune) bool { return r == '|' || r == ',' }) {
		part = strings.TrimSpace(part)
		found := false
		for _, fn := range flagNames {
			if fn.name == part {
				q |= fn.flag
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown quality flag %q", part)
		}
	}
	return q, nil
}

// MarshalJSON encodes the set as an array of names.
func (q QualityFlags) MarshalJSON() ([]byte, error) {
	return json.Marshal(q.Names())
}

// UnmarshalJSON accepts an array of names.
func (q *QualityFlags) UnmarshalJSON(b []byte) error {
	var names []string
	if err := json.Unmarshal(b, &names); err != nil {
		return fmt.Errorf("decode quality flags: %w", err)
	}
	parsed, err := ParseQualityFlags(strings.Join(names, "|"))
	if err != nil {
		return err
	}
	*q = parsed
	return nil
}
