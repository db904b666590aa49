package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// CanonicalDomain normalizes a tenant domain to a bare hostname: lowercase,
// no scheme, no path, no port, no trailing dot. It is applied on every write.
func CanonicalDomain(raw string) string {
	d := strings.ToLower(strings.TrimSpace(raw))
	for _, scheme := range []string{"https://", "http://"} {
		if strings.HasPrefix(d, scheme) {
			d = d[len(scheme):]
			break
		}
	}
	if i := strings.IndexAny(d, "/?#"); i >= 0 {
		d = d[:i]
	}
	if i := strings.LastIndex(d, ":"); i >= 0 {
		// strip a numeric port; leave anything else (e.g. bad input) visible
		if _, err := strconv.Atoi(d[i+1:]); err == nil {
			d = d[:i]
		}
	}
	return strings.TrimSuffix(d, ".")
}

// NormalizeScanTime parses "H:M"-ish input and returns zero-padded "HH:MM".
func NormalizeScanTime(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return "", fmt.Errorf("invalid scan time %q", raw)
	}
	h, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil || h < 0 || h > 23 {
		return "", fmt.Errorf("invalid scan time hour %q", raw)
	}
	m, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil || m < 0 || m > 59 {
		return "", fmt.Errorf("invalid scan time minute %q", raw)
	}
	return fmt.Sprintf("%02d:%02d", h, m), nil
}

// ParseWeekday maps a weekday name ("monday", "Mon", ...) to time.Weekday.
func ParseWeekday(raw string) (time.Weekday, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "sunday", "sun":
		return time.Sunday, nil
	case "monday", "mon":
		return time.Monday, nil
	case "tuesday", "tue":
		return time.Tuesday, nil
	case "wednesday", "wed":
		return time.Wednesday, nil
	case "thursday", "thu":
		return time.Thursday, nil
	case "friday", "fri":
		return time.Friday, nil
	case "saturday", "sat":
		return time.Saturday, nil
	default:
		return 0, fmt.Errorf("invalid weekday %q", raw)
	}
}
