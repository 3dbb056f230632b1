package timeutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFormatDelta(t *testing.T) {
	tests := []struct {
		name     string
		duration time.Duration
		expected string
	}{
		{"zero", 0, "0 minutes"},
		{"seconds_only", 42 * time.Second, "0 days 00 hours 00 minutes 42 seconds"},
		{"mixed", 26*time.Hour + 3*time.Minute + 5*time.Second, "1 days 02 hours 03 minutes 05 seconds"},
		{"whole_days", 48 * time.Hour, "2 days 00 hours 00 minutes 00 seconds"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, FormatDelta(tt.duration))
		})
	}
}

func TestFormatDate(t *testing.T) {
	ts := time.Date(2016, 7, 4, 13, 30, 9, 0, time.UTC)
	assert.Equal(t, "07/04/2016 13:30:09", FormatDate(ts))
	// zero time falls back to now; just assert the shape
	assert.Len(t, FormatDate(time.Time{}), len("01/02/2006 15:04:05"))
}

func TestClipWindow(t *testing.T) {
	base := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	end := base.Add(10 * time.Minute)
	earliest := base.Add(2 * time.Minute)
	latest := base.Add(8 * time.Minute)

	t.Run("no_bounds", func(t *testing.T) {
		s, e := ClipWindow(base, &end, nil, nil)
		assert.Equal(t, base, s)
		assert.Equal(t, end, e)
	})

	t.Run("clipped_both_sides", func(t *testing.T) {
		s, e := ClipWindow(base, &end, &earliest, &latest)
		assert.Equal(t, earliest, s)
		assert.Equal(t, latest, e)
	})

	t.Run("open_row_counts_to_now", func(t *testing.T) {
		s, e := ClipWindow(base, nil, nil, nil)
		assert.Equal(t, base, s)
		assert.WithinDuration(t, time.Now(), e, time.Minute)
	})

	t.Run("latest_beyond_open_row", func(t *testing.T) {
		s, e := ClipWindow(base, nil, nil, &latest)
		assert.Equal(t, base, s)
		assert.Equal(t, latest, e)
	})
}
