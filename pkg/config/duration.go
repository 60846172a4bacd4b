package config

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Seconds is a duration written either as a Go duration string ("90s", "1h")
// or as a bare integer number of seconds. TTLs use it.
type Seconds time.Duration

// Duration returns s as a time.Duration.
func (s Seconds) Duration() time.Duration { return time.Duration(s) }

func (s Seconds) String() string { return time.Duration(s).String() }

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *Seconds) UnmarshalYAML(value *yaml.Node) error {
	d, err := decodeDuration(value, time.Second)
	if err != nil {
		return err
	}
	*s = Seconds(d)
	return nil
}

// Milliseconds is a duration written either as a Go duration string or as a
// bare integer number of milliseconds. Timeouts and intervals use it.
type Milliseconds time.Duration

// Duration returns m as a time.Duration.
func (m Milliseconds) Duration() time.Duration { return time.Duration(m) }

func (m Milliseconds) String() string { return time.Duration(m).String() }

// UnmarshalYAML implements yaml.Unmarshaler.
func (m *Milliseconds) UnmarshalYAML(value *yaml.Node) error {
	d, err := decodeDuration(value, time.Millisecond)
	if err != nil {
		return err
	}
	*m = Milliseconds(d)
	return nil
}

// decodeDuration reads a scalar as an integer count of unit, or failing that
// as a time.ParseDuration string.
func decodeDuration(value *yaml.Node, unit time.Duration) (time.Duration, error) {
	if value.Kind != yaml.ScalarNode {
		return 0, fmt.Errorf("line %d: duration must be a scalar", value.Line)
	}

	raw := strings.TrimSpace(value.Value)
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		if n > math.MaxInt64/int64(unit) || n < math.MinInt64/int64(unit) {
			return 0, fmt.Errorf("line %d: duration %d out of range", value.Line, n)
		}
		return time.Duration(n) * unit, nil
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("line %d: invalid duration %q: %w", value.Line, raw, err)
	}
	return d, nil
}
