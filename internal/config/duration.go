package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseDurationField parses an optional duration setting. Empty means 0.
// A bare integer is read as seconds, so "30" and "30s" are the same.
// path names the setting in errors, e.g. "riot.request_timeout".
func ParseDurationField(path, raw string) (time.Duration, error) {
	d, _, err := parseDuration(path, raw)
	return d, err
}

// ParseDurationOrDefault is ParseDurationField with def for unset or zero.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, set, err := parseDuration(path, raw)
	if err != nil {
		return 0, err
	}
	if !set || d == 0 {
		return def, nil
	}
	return d, nil
}

func parseDuration(path, raw string) (time.Duration, bool, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, false, nil
	}
	var d time.Duration
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		d = time.Duration(n) * time.Second
	} else if d, err = time.ParseDuration(s); err != nil {
		return 0, true, fmt.Errorf("%s: invalid duration %q", path, raw)
	}
	if d < 0 {
		return 0, true, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, true, nil
}
