package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// ParseFrequency parses the "[Nd][Nh][Nm]" duration grammar used by
// trigger and job frequency gates, e.g. "1d", "12h", "1d6h30m".
// Units must appear at most once and in d, h, m order.
func ParseFrequency(s string) (time.Duration, error) {
	if s == "" {
		return 0, fmt.Errorf("empty frequency")
	}
	var total time.Duration
	units := map[byte]time.Duration{
		'd': 24 * time.Hour,
		'h': time.Hour,
		'm': time.Minute,
	}
	order := "dhm"
	pos := 0
	rest := s
	for len(rest) > 0 {
		i := 0
		for i < len(rest) && unicode.IsDigit(rune(rest[i])) {
			i++
		}
		if i == 0 || i == len(rest) {
			return 0, fmt.Errorf("malformed frequency %q", s)
		}
		unit := rest[i]
		idx := strings.IndexByte(order, unit)
		if idx < 0 || idx < pos {
			return 0, fmt.Errorf("malformed frequency %q: bad unit %q", s, string(unit))
		}
		pos = idx + 1
		n, err := strconv.Atoi(rest[:i])
		if err != nil {
			return 0, fmt.Errorf("malformed frequency %q: %w", s, err)
		}
		total += time.Duration(n) * units[unit]
		rest = rest[i+1:]
	}
	if total == 0 {
		return 0, fmt.Errorf("zero frequency %q", s)
	}
	return total, nil
}
