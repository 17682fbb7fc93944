package core

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

var durationUnits = strings.NewReplacer(
	"hours", "h", "hour", "h", "hrs", "h", "hr", "h",
	"minutes", "m", "minute", "m", "mins", "m", "min", "m",
	"seconds", "s", "second", "s", "secs", "s", "sec", "s",
)

// ParseTimeout parses durations such as "1h 30m", "90 minutes" or "3600".
// A bare number is a count of seconds.
func ParseTimeout(s string) (time.Duration, error) {
	clean := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), " ", "")
	if clean == "" {
		return 0, nil
	}
	if n, err := strconv.Atoi(clean); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(durationUnits.Replace(clean))
	if err != nil {
		return 0, fmt.Errorf("invalid timeout %q", s)
	}
	return d, nil
}
