package config

import (
	"fmt"
	"strings"
	"time"
)

// ParseDurationField parses a duration config value. Empty means zero;
// negatives are rejected. path names the field in the error.
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

// ParseDurationOrDefault parses like ParseDurationField but substitutes def
// for empty or zero values.
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

// durationPtr keeps the unbounded/zero distinction tracking rules need:
// "" is nil (no bound), "0s" is an explicit zero bound. Negative values
// pass through; the engine's spec validation rejects them with context.
func durationPtr(field, raw string) (*time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return nil, fmt.Errorf("%s: invalid duration %q: %w", field, raw, err)
	}
	return &d, nil
}
