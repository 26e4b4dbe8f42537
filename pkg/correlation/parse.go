package correlation

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseThreshold splits a threshold expression like ">= 5" into its
// operator and value. "=" is accepted as an alias for "==".
func ParseThreshold(expr string) (op string, value int, err error) {
	s := strings.TrimSpace(expr)
	if s == "" {
		return "", 0, fmt.Errorf("empty threshold expression")
	}

	for _, candidate := range []string{">=", "<=", "==", ">", "<", "="} {
		if strings.HasPrefix(s, candidate) {
			op = candidate
			s = strings.TrimSpace(s[len(candidate):])
			break
		}
	}
	if op == "" {
		return "", 0, fmt.Errorf("threshold %q missing operator", expr)
	}
	if op == "=" {
		op = "=="
	}

	value, err = strconv.Atoi(s)
	if err != nil {
		return "", 0, fmt.Errorf("threshold %q has non-integer value: %w", expr, err)
	}
	return op, value, nil
}

// ParseWindow parses a duration of the form <digits><unit> where unit
// is one of s, m, h, d, w. Compound forms like "1h30m" are rejected.
func ParseWindow(expr string) (time.Duration, error) {
	s := strings.TrimSpace(expr)
	if len(s) < 2 {
		return 0, fmt.Errorf("invalid duration %q", expr)
	}

	unit := s[len(s)-1]
	digits := s[:len(s)-1]
	n, err := strconv.Atoi(digits)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid duration %q", expr)
	}

	switch unit {
	case 's':
		return time.Duration(n) * time.Second, nil
	case 'm':
		return time.Duration(n) * time.Minute, nil
	case 'h':
		return time.Duration(n) * time.Hour, nil
	case 'd':
		return time.Duration(n) * 24 * time.Hour, nil
	case 'w':
		return time.Duration(n) * 7 * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("invalid duration unit in %q", expr)
	}
}
