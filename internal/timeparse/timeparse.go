// Package timeparse resolves natural-language schedule times ("tomorrow
// morning", "in 2 hours", "3:42 pm") against a reference instant and a fixed
// civil timezone, producing a canonical UTC instant.
package timeparse

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"linkpilot/internal/models"
)

var (
	relOffsetRe  = regexp.MustCompile(`\bin\s+(\d+)\s*(hours?|hrs?|minutes?|mins?)(?:\s+and\s+(\d+)\s*(hours?|hrs?|minutes?|mins?))?\b`)
	clockRe      = regexp.MustCompile(`\b(\d{1,2}):(\d{2})\s*(am|pm)?\b`)
	bareMeridiem = regexp.MustCompile(`\b(\d{1,2})\s*(am|pm)\b`)
	nextWeekday  = regexp.MustCompile(`\bnext\s+(sunday|monday|tuesday|wednesday|thursday|friday|saturday)\b`)
)

var weekdays = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

// Dayparts supply a default clock time only when no explicit time is present.
var dayparts = []struct {
	keyword string
	hour    int
}{
	{"tonight", 20},
	{"morning", 9},
	{"afternoon", 14},
	{"evening", 18},
}

// structured layouts accepted before any natural-language interpretation.
var structuredLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04",
	"2006-01-02 15:04",
}

// Parse resolves input to a UTC instant. now is the reference instant; loc is
// the fixed civil timezone used to interpret user-facing times. Returns
// models.ErrUnparsableTime when no time component and no relative-offset
// pattern is found anywhere in the input.
func Parse(input string, now time.Time, loc *time.Location) (time.Time, error) {
	raw := strings.TrimSpace(input)
	text := strings.ToLower(raw)
	if text == "" {
		return time.Time{}, models.ErrUnparsableTime
	}

	// Structured instants pass through untouched.
	for _, layout := range structuredLayouts {
		if t, err := time.ParseInLocation(layout, raw, loc); err == nil {
			return t.UTC(), nil
		}
	}

	// Explicit relative offsets resolve against the reference instant
	// directly, bypassing civil-date arithmetic.
	if d, ok := relativeOffset(text); ok {
		return now.Add(d).UTC(), nil
	}

	hour, minute, haveClock := clockTime(text)
	local := now.In(loc)
	date := local
	haveDate := false

	switch {
	case strings.Contains(text, "tomorrow"):
		date = local.AddDate(0, 0, 1)
		haveDate = true
	case strings.Contains(text, "next week"):
		date = local.AddDate(0, 0, 7)
		haveDate = true
	case strings.Contains(text, "today"):
		haveDate = true
	}
	if m := nextWeekday.FindStringSubmatch(text); m != nil {
		date = upcoming(local, weekdays[m[1]])
		haveDate = true
	}

	haveDaypart := false
	if !haveClock {
		for _, dp := range dayparts {
			if strings.Contains(text, dp.keyword) {
				hour, minute = dp.hour, 0
				haveDaypart = true
				break
			}
		}
	}

	if !haveClock && !haveDaypart && !haveDate {
		return time.Time{}, models.ErrUnparsableTime
	}

	// Default clock time when only a date was recognized.
	if !haveClock && !haveDaypart {
		hour, minute = 9, 0
	}

	composed := time.Date(date.Year(), date.Month(), date.Day(), hour, minute, 0, 0, loc)

	// A composed instant at or before the reference resolves to tomorrow
	// unless the input explicitly said "today".
	if !composed.After(now) && !strings.Contains(text, "today") {
		composed = composed.AddDate(0, 0, 1)
	}

	return composed.UTC(), nil
}

func relativeOffset(text string) (time.Duration, bool) {
	m := relOffsetRe.FindStringSubmatch(text)
	if m == nil {
		return 0, false
	}
	d := unitDuration(m[1], m[2])
	if m[3] != "" {
		d += unitDuration(m[3], m[4])
	}
	return d, true
}

func unitDuration(count, unit string) time.Duration {
	n, _ := strconv.Atoi(count)
	if strings.HasPrefix(unit, "h") {
		return time.Duration(n) * time.Hour
	}
	return time.Duration(n) * time.Minute
}

func clockTime(text string) (hour, minute int, ok bool) {
	if m := clockRe.FindStringSubmatch(text); m != nil {
		h, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if h > 23 || mm > 59 {
			return 0, 0, false
		}
		return meridiemAdjust(h, m[3]), mm, true
	}
	if m := bareMeridiem.FindStringSubmatch(text); m != nil {
		h, _ := strconv.Atoi(m[1])
		if h < 1 || h > 12 {
			return 0, 0, false
		}
		return meridiemAdjust(h, m[2]), 0, true
	}
	return 0, 0, false
}

func meridiemAdjust(hour int, meridiem string) int {
	switch meridiem {
	case "pm":
		if hour < 12 {
			return hour + 12
		}
	case "am":
		if hour == 12 {
			return 0
		}
	}
	return hour
}

// upcoming returns the next occurrence of target strictly after the given
// day; a weekday lookahead never resolves to today.
func upcoming(from time.Time, target time.Weekday) time.Time {
	days := int(target-from.Weekday()+7) % 7
	if days == 0 {
		days = 7
	}
	return from.AddDate(0, 0, days)
}
