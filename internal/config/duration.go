package config

import (
	"fmt"
	"strings"
	"time"
)

// ParseDurationField parses a non-negative Go duration. Empty means 0.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def substituted for 0.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// Durations parses a group of fields and remembers the first error, so
// mappers can read every field before checking once.
type Durations struct {
	err error
}

func (d *Durations) Or(path, raw string, def time.Duration) time.Duration {
	v, err := ParseDurationOrDefault(path, raw, def)
	if err != nil {
		if d.err == nil {
			d.err = err
		}
		return def
	}
	return v
}

// Field parses a field where 0 is meaningful (e.g. a disabled timeout).
func (d *Durations) Field(path, raw string) time.Duration {
	v, err := ParseDurationField(path, raw)
	if err != nil && d.err == nil {
		d.err = err
	}
	return v
}

func (d *Durations) Err() error { return d.err }
