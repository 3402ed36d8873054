package util

import (
	"time"
	_ "time/tzdata"
)

// LoadLocation resolves an IANA zone name, falling back to UTC when the zone
// database is unavailable.
func LoadLocation(name string) *time.Location {
	if name == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}

// NextMidnight returns the first midnight in loc strictly after now.
func NextMidnight(now time.Time, loc *time.Location) time.Time {
	local := now.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day()+1, 0, 0, 0, 0, loc)
}

// PeriodKey formats the budget period now falls into, e.g. "2026-10-18".
func PeriodKey(now time.Time, loc *time.Location) string {
	return now.In(loc).Format("2006-01-02")
}
