package config

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

var uptimeRe = regexp.MustCompile(`^(?:(\d+)d)?(?:(\d+)h)?(?:(\d+)m)?(?:(\d+)s)?(?:(\d+)ms)?$`)

// ParseUptime parses the MAX_UPTIME grammar: an optional sequence of
// "Nd Nh Nm Ns Nms" components in that order (no spaces), or a bare digit
// string interpreted as milliseconds. "1h30m" → 90 minutes.
func ParseUptime(s string) (time.Duration, error) {
	if s == "" {
		return 0, fmt.Errorf("config.ParseUptime: empty duration")
	}

	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}

	m := uptimeRe.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("config.ParseUptime: invalid duration %q", s)
	}

	units := []time.Duration{24 * time.Hour, time.Hour, time.Minute, time.Second, time.Millisecond}
	var d time.Duration
	matched := false
	for i, unit := range units {
		if m[i+1] == "" {
			continue
		}
		n, err := strconv.ParseInt(m[i+1], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("config.ParseUptime: invalid duration %q", s)
		}
		d += time.Duration(n) * unit
		matched = true
	}
	if !matched {
		return 0, fmt.Errorf("config.ParseUptime: invalid duration %q", s)
	}
	return d, nil
}
