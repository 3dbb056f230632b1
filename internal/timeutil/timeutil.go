// Package timeutil holds small helpers for formatting durations and
// resolving accounting windows.
package timeutil

import (
	"fmt"
	"time"
)

// FormatDelta renders a duration in the standard, most human readable
// format: "D days HH hours MM minutes SS seconds".
func FormatDelta(d time.Duration) string {
	if d == 0 {
		return "0 minutes"
	}
	remainder := int64(d.Seconds())
	days := remainder / 86400
	remainder %= 86400
	hours := remainder / 3600
	remainder %= 3600
	minutes := remainder / 60
	seconds := remainder % 60
	return fmt.Sprintf("%d days %02d hours %02d minutes %02d seconds",
		days, hours, minutes, seconds)
}

// FormatDate renders a timestamp as "MM/DD/YYYY HH:MM:SS". A zero time
// formats the current time.
func FormatDate(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.Format("01/02/2006 15:04:05")
}

// ClipWindow resolves the effective accounting span for a row that runs
// from start until end (nil end = still open, counted up to now), clipped
// to the optional earliest/latest bounds.
func ClipWindow(start time.Time, end, earliest, latest *time.Time) (time.Time, time.Time) {
	effectiveStart := start
	if earliest != nil && !start.After(*earliest) {
		effectiveStart = *earliest
	}

	var effectiveEnd time.Time
	switch {
	case latest != nil:
		if end == nil || !end.Before(*latest) {
			effectiveEnd = *latest
		} else {
			effectiveEnd = *end
		}
	case end != nil:
		effectiveEnd = *end
	default:
		// Row is still open, stop counting now.
		effectiveEnd = time.Now()
	}
	return effectiveStart, effectiveEnd
}
