package window

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// at builds an instant from a UTC+5 wall clock.
func at(hour, minute int) time.Time {
	return time.Date(2024, 3, 10, hour, minute, 0, 0, Location())
}

func TestClassify_Boundaries(t *testing.T) {
	tests := []struct {
		name      string
		hour, min int
		round     int
		snipe     bool
	}{
		{"midnight", 0, 0, 1, false},
		{"round 1 before snipe", 5, 45, 1, false},
		{"round 1 snipe opens", 5, 46, 1, true},
		{"round 1 last minute", 5, 59, 1, true},
		{"round 2 opens", 6, 0, 2, false},
		{"round 2 mid", 12, 46, 2, false},
		{"round 2 before snipe", 17, 45, 2, false},
		{"round 2 snipe", 17, 46, 2, true},
		{"round 3 opens", 18, 0, 3, false},
		{"round 3 before snipe", 23, 45, 3, false},
		{"round 3 snipe", 23, 46, 3, true},
		{"round 3 last minute", 23, 59, 3, true},
		{"not a snipe hour", 4, 50, 1, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(at(tt.hour, tt.min))
			assert.Equal(t, tt.round, got.Round)
			assert.Equal(t, tt.snipe, got.IsSnipe)
		})
	}
}

func TestClassify_ShiftsUTCToLocal(t *testing.T) {
	// 00:46 UTC is 05:46 local: round 1 snipe.
	got := Classify(time.Date(2024, 3, 10, 0, 46, 30, 0, time.UTC))

	assert.Equal(t, 1, got.Round)
	assert.True(t, got.IsSnipe)
	assert.Equal(t, "2024-03-10", got.Date())
	assert.Equal(t, "05:46:30", got.Clock())

	// 19:30 UTC on the 9th is 00:30 local on the 10th.
	late := Classify(time.Date(2024, 3, 9, 19, 30, 0, 0, time.UTC))
	assert.Equal(t, 1, late.Round)
	assert.Equal(t, "2024-03-10", late.Date())
}

func TestClassify_IndependentOfInputZone(t *testing.T) {
	instant := time.Date(2024, 3, 10, 12, 50, 0, 0, time.UTC)
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skip("tzdata unavailable")
	}

	assert.Equal(t, Classify(instant), Classify(instant.In(ny)))
}

func TestClassify_TotalOverDay(t *testing.T) {
	start := time.Date(2024, 3, 10, 0, 0, 0, 0, Location())
	for m := 0; m < 24*60; m++ {
		c := Classify(start.Add(time.Duration(m) * time.Minute))
		assert.Contains(t, []int{1, 2, 3}, c.Round)
		if c.IsSnipe {
			assert.GreaterOrEqual(t, c.Local.Minute(), SnipeMinute)
			assert.Contains(t, []int{5, 17, 23}, c.Local.Hour())
		}
	}
}

func TestWeekStart(t *testing.T) {
	// Wednesday 2024-03-13 10:00 local -> Sunday 2024-03-10.
	got := WeekStart(time.Date(2024, 3, 13, 10, 0, 0, 0, Location()))
	assert.Equal(t, "2024-03-10", got.Format(time.DateOnly))

	// Saturday 20:00 UTC is Sunday 01:00 local: its own week.
	got = WeekStart(time.Date(2024, 3, 16, 20, 0, 0, 0, time.UTC))
	assert.Equal(t, "2024-03-17", got.Format(time.DateOnly))
}
