// Package duration parses the media durations accepted in configuration and
// on the command line.
//
// A bare number is a count of seconds, so "6" and "2.5" are segment lengths
// as packagers usually write them. Go duration strings ("1m30s", "500ms")
// and spelled out units ("6 seconds", "2 minutes") are accepted too.
package duration

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
)

// ErrEmpty is returned by Parse for an empty string.
var ErrEmpty = errors.New("duration: empty string")

var wordUnits = map[string]string{
	"hour": "h", "hours": "h", "hr": "h", "hrs": "h",
	"minute": "m", "minutes": "m", "min": "m", "mins": "m",
	"second": "s", "seconds": "s", "sec": "s", "secs": "s",
	"millisecond": "ms", "milliseconds": "ms", "millis": "ms",
}

var wordUnitPattern = regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)\s*(hours?|hrs?|minutes?|mins?|seconds?|secs?|milliseconds?|millis)\b`)

// Parse parses s as a duration.
func Parse(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, ErrEmpty
	}

	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return Seconds(secs)
	}

	normalized := wordUnitPattern.ReplaceAllStringFunc(s, func(match string) string {
		m := wordUnitPattern.FindStringSubmatch(match)
		return m[1] + wordUnits[strings.ToLower(m[2])]
	})
	normalized = strings.Join(strings.Fields(normalized), "")

	d, err := time.ParseDuration(normalized)
	if err != nil {
		return 0, fmt.Errorf("duration: %w", err)
	}
	return d, nil
}

// Seconds converts a count of seconds to a duration.
func Seconds(secs float64) (time.Duration, error) {
	if math.IsNaN(secs) || math.IsInf(secs, 0) || math.Abs(secs) > math.MaxInt64/float64(time.Second) {
		return 0, fmt.Errorf("duration: %v seconds out of range", secs)
	}
	return time.Duration(math.Round(secs * float64(time.Second))), nil
}

// Format renders d compactly, omitting zero components: 90s becomes "1m30s"
// and 2500ms becomes "2s500ms".
func Format(d time.Duration) string {
	if d == 0 {
		return "0s"
	}

	var b strings.Builder
	if d < 0 {
		b.WriteByte('-')
		d = -d
	}

	for _, u := range []struct {
		unit time.Duration
		name string
	}{
		{time.Hour, "h"},
		{time.Minute, "m"},
		{time.Second, "s"},
		{time.Millisecond, "ms"},
	} {
		if n := d / u.unit; n > 0 {
			fmt.Fprintf(&b, "%d%s", n, u.name)
			d -= n * u.unit
		}
	}
	if d > 0 {
		fmt.Fprintf(&b, "%dns", d)
	}
	return b.String()
}

// DecodeHook converts strings and numbers to time.Duration when decoding
// configuration. Numbers are seconds.
func DecodeHook() mapstructure.DecodeHookFuncType {
	durationType := reflect.TypeOf(time.Duration(0))
	return func(from, to reflect.Type, data any) (any, error) {
		if to != durationType {
			return data, nil
		}
		switch v := data.(type) {
		case time.Duration:
			return v, nil
		case string:
			return Parse(v)
		case int:
			return Seconds(float64(v))
		case int64:
			return Seconds(float64(v))
		case uint64:
			return Seconds(float64(v))
		case float64:
			return Seconds(v)
		default:
			return data, nil
		}
	}
}
