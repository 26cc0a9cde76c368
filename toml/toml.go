// Package toml adds configuration value types that decode from
// human-friendly TOML strings.
package toml

import (
	"fmt"
	"math"
	"time"

	"github.com/dustin/go-humanize"
)

// Duration is a TOML wrapper type for time.Duration.
type Duration time.Duration

// String returns the string representation of the duration.
func (d Duration) String() string {
	return time.Duration(d).String()
}

// UnmarshalText parses a TOML value into a duration value.
func (d *Duration) UnmarshalText(text []byte) error {
	// Ignore if there is no value set.
	if len(text) == 0 {
		return nil
	}

	duration, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(duration)
	return nil
}

// MarshalText converts a duration to a string for encoding toml.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Size represents a TOML parseable file size. Values accept SI and IEC
// suffixes, so both "64MB" and "64MiB" are valid; a bare number is bytes.
type Size uint64

// String returns the size in binary units.
func (s Size) String() string {
	return humanize.IBytes(uint64(s))
}

// UnmarshalText parses a byte size from text.
func (s *Size) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		return fmt.Errorf("size was empty")
	}

	n, err := humanize.ParseBytes(string(text))
	if err != nil {
		return fmt.Errorf("invalid size %q: %w", text, err)
	}
	if n > math.MaxInt64 {
		return fmt.Errorf("size %q is too large", text)
	}
	*s = Size(n)
	return nil
}

// MarshalText converts a size to a string for encoding toml.
func (s Size) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Int64 returns the size as a signed byte count.
func (s Size) Int64() int64 { return int64(s) }
