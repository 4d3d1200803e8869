// Package window maps instants onto the daily turf war rounds.
//
// All classification happens in the fixed UTC+5 reporting zone. Ingestion and
// the weekly rollup both call into this package so the two can never disagree
// about which round or week an instant belongs to.
package window

import (
	"time"

	"turfwar/internal/types"
)

const (
	// OffsetSeconds is the reporting zone offset from UTC. There is no DST.
	OffsetSeconds = 5 * 60 * 60

	// SnipeMinute is the first minute of a round's closing snipe window.
	SnipeMinute = 46
)

var reporting = time.FixedZone("UTC+5", OffsetSeconds)

// Location returns the reporting zone.
func Location() *time.Location {
	return reporting
}

// round boundaries in local hours: [start, end)
var rounds = [...]struct {
	number    int
	startHour int
	endHour   int
}{
	{1, 0, 6},
	{2, 6, 18},
	{3, 18, 24},
}

// Classify returns the round, the snipe flag and the local instant for t.
func Classify(t time.Time) types.Classification {
	local := t.In(reporting)
	hour, minute := local.Hour(), local.Minute()

	for _, r := range rounds {
		if hour >= r.startHour && hour < r.endHour {
			return types.Classification{
				Round:   r.number,
				IsSnipe: hour == r.endHour-1 && minute >= SnipeMinute,
				Local:   local,
			}
		}
	}
	// unreachable: rounds cover [0, 24)
	return types.Classification{Round: 3, Local: local}
}

// WeekStart returns local midnight of the Sunday on or before t.
func WeekStart(t time.Time) time.Time {
	local := t.In(reporting)
	day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, reporting)
	return day.AddDate(0, 0, -int(day.Weekday()))
}
