// Package duration parses and formats human-readable durations such as
// "2 hours", "1d 2h" or "90s".
//
// A bare integer is read as milliseconds. Month and year units use fixed
// 30 day and 365 day approximations; IsImprecise reports when a string
// relied on them.
package duration

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	Day   = 24 * time.Hour
	Week  = 7 * Day
	Month = 30 * Day
	Year  = 365 * Day

	// MinTimeout and MaxTimeout bound a project timeout, inclusive.
	MinTimeout = time.Second
	MaxTimeout = 30 * Day
)

var (
	// ErrInvalidDuration indicates the input could not be parsed
	ErrInvalidDuration = errors.New("invalid duration")
	// ErrOutOfRange indicates a timeout outside [MinTimeout, MaxTimeout]
	ErrOutOfRange = errors.New("duration out of range")
)

var units = map[string]time.Duration{
	"ms": time.Millisecond, "msec": time.Millisecond, "msecs": time.Millisecond,
	"millisecond": time.Millisecond, "milliseconds": time.Millisecond,

	"s": time.Second, "sec": time.Second, "secs": time.Second,
	"second": time.Second, "seconds": time.Second,

	"m": time.Minute, "min": time.Minute, "mins": time.Minute,
	"minute": time.Minute, "minutes": time.Minute,

	"h": time.Hour, "hr": time.Hour, "hrs": time.Hour,
	"hour": time.Hour, "hours": time.Hour,

	"d": Day, "day": Day, "days": Day,

	"w": Week, "wk": Week, "wks": Week, "week": Week, "weeks": Week,

	"mo": Month, "month": Month, "months": Month,

	"y": Year, "yr": Year, "yrs": Year, "year": Year, "years": Year,
}

var (
	bareInt = regexp.MustCompile(`^\d+$`)
	token   = regexp.MustCompile(`^(-?\d+(?:\.\d+)?)\s*([a-z]+)`)
)

// Parse converts a duration string to a time.Duration with millisecond
// precision.
func Parse(input string) (time.Duration, error) {
	s := strings.ToLower(strings.TrimSpace(input))
	if s == "" {
		return 0, fmt.Errorf("%w: empty input", ErrInvalidDuration)
	}

	if bareInt.MatchString(s) {
		ms, err := strconv.ParseInt(s, 10, 64)
		if err != nil || ms > math.MaxInt64/int64(time.Millisecond) {
			return 0, fmt.Errorf("%w: %q is too large", ErrInvalidDuration, input)
		}
		return time.Duration(ms) * time.Millisecond, nil
	}

	var total float64
	matched := 0
	rest := s
	for {
		rest = strings.TrimLeft(rest, " \t")
		if rest == "" {
			break
		}
		m := token.FindStringSubmatch(rest)
		if m == nil {
			return 0, fmt.Errorf("%w: unexpected %q in %q", ErrInvalidDuration, rest, input)
		}
		if strings.HasPrefix(m[1], "-") {
			return 0, fmt.Errorf("%w: negative value %q", ErrInvalidDuration, m[1])
		}
		unit, ok := units[m[2]]
		if !ok {
			return 0, fmt.Errorf("%w: unknown unit %q", ErrInvalidDuration, m[2])
		}
		n, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return 0, fmt.Errorf("%w: bad number %q", ErrInvalidDuration, m[1])
		}
		total += n * float64(unit)
		matched++
		rest = rest[len(m[0]):]
	}

	if matched == 0 {
		return 0, fmt.Errorf("%w: no duration in %q", ErrInvalidDuration, input)
	}
	if total >= math.MaxInt64 {
		return 0, fmt.Errorf("%w: %q is too large", ErrInvalidDuration, input)
	}
	return time.Duration(total).Round(time.Millisecond), nil
}

// ParseTimeout parses like Parse and enforces the [1s, 30d] window.
func ParseTimeout(input string) (time.Duration, error) {
	d, err := Parse(input)
	if err != nil {
		return 0, err
	}
	if d < MinTimeout {
		return 0, fmt.Errorf("%w: timeout %q must be at least %s", ErrOutOfRange, input, Format(MinTimeout))
	}
	if d > MaxTimeout {
		return 0, fmt.Errorf("%w: timeout %q must be at most %s", ErrOutOfRange, input, Format(MaxTimeout))
	}
	return d, nil
}

var formatUnits = []struct {
	suffix string
	size   time.Duration
}{
	{"y", Year},
	{"d", Day},
	{"h", time.Hour},
	{"m", time.Minute},
	{"s", time.Second},
	{"ms", time.Millisecond},
}

// Format renders d using the largest units first, e.g. "1d 2h 30m".
func Format(d time.Duration) string {
	if d < 0 {
		// -math.MinInt64 overflows; negate in uint64
		return "-" + formatMagnitude(uint64(-(d+1))+1)
	}
	return formatMagnitude(uint64(d))
}

func formatMagnitude(v uint64) string {
	if v < uint64(time.Millisecond) {
		return "0ms"
	}

	parts := make([]string, 0, len(formatUnits))
	for _, u := range formatUnits {
		size := uint64(u.size)
		if v < size {
			continue
		}
		n := v / size
		v -= n * size
		parts = append(parts, strconv.FormatUint(n, 10)+u.suffix)
	}
	return strings.Join(parts, " ")
}

// IsImprecise reports whether input uses month or year units.
func IsImprecise(input string) bool {
	rest := strings.ToLower(strings.TrimSpace(input))
	for rest != "" {
		rest = strings.TrimLeft(rest, " \t")
		m := token.FindStringSubmatch(rest)
		if m == nil {
			return false
		}
		if u := units[m[2]]; u == Month || u == Year {
			return true
		}
		rest = rest[len(m[0]):]
	}
	return false
}
