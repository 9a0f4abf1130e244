// Package telemetry corrects and persists raw engagement counters reported by
// the automation agent.
package telemetry

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// magnitudeThreshold is the floor above which upstream telemetry values are
// known to arrive inflated by exactly a factor of one million. The correction
// is applied unconditionally, not detected per-field.
const (
	magnitudeThreshold = 1_000_000
	magnitudeFactor    = 1_000_000
)

// Sanitize converts a raw numeric-or-string engagement value to a corrected
// non-negative integer. Unparsable inputs coerce to 0. Every counter must
// pass through here before reaching durable storage.
func Sanitize(raw any) int {
	var v float64

	switch val := raw.(type) {
	case nil:
		return 0
	case string:
		f, ok := parseLocalized(val)
		if !ok {
			return 0
		}
		v = f
	case json.Number:
		f, err := val.Float64()
		if err != nil {
			return 0
		}
		v = f
	case float64:
		v = val
	case float32:
		v = float64(val)
	case int:
		v = float64(val)
	case int64:
		v = float64(val)
	case uint:
		v = float64(val)
	default:
		return 0
	}

	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}

	if v >= magnitudeThreshold {
		v = v / magnitudeFactor
	}

	n := int(math.Round(v))
	if n < 0 {
		return 0
	}
	return n
}

// parseLocalized normalizes locale-dependent separators before parsing.
// Whichever of the last ',' or last '.' occurs later in the string is the
// decimal separator; the other is stripped as a thousands separator. A string
// containing only commas treats them as thousands grouping.
func parseLocalized(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}

	lastComma := strings.LastIndex(s, ",")
	lastDot := strings.LastIndex(s, ".")

	switch {
	case lastComma >= 0 && lastDot >= 0 && lastComma > lastDot:
		// Comma-as-decimal locale: "1.234,5" -> "1234.5"
		s = strings.ReplaceAll(s, ".", "")
		s = strings.Replace(s, ",", ".", 1)
	case lastComma >= 0 && lastDot >= 0:
		s = strings.ReplaceAll(s, ",", "")
	case lastComma >= 0:
		s = strings.ReplaceAll(s, ",", "")
	}

	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}
