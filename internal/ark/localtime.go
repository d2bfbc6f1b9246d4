package ark

import "time"

// MaxGapShift bounds how far ResolveWall moves a wall time that falls in a
// daylight-saving gap.
const MaxGapShift = 120 * time.Minute

// WallClock returns t's local date and time re-labelled as UTC, so wall
// clocks compare and step without offset changes.
func WallClock(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC)
}

// ResolveWall maps a naive wall clock (only its date and time fields are
// read) onto an instant in loc.
//
// Nonexistent local times move forward to the next valid minute, at most
// MaxGapShift. Ambiguous local times take the earlier offset, which is the
// earlier instant.
func ResolveWall(wall time.Time, loc *time.Location) (time.Time, error) {
	wall = WallClock(wall)
	if t, ok := wallInstant(wall, loc); ok {
		return t, nil
	}
	step := wall.Truncate(time.Minute)
	for shift := time.Minute; shift <= MaxGapShift; shift += time.Minute {
		if t, ok := wallInstant(step.Add(shift), loc); ok {
			return t, nil
		}
	}
	return time.Time{}, Newf(CodeInvalidTimestamp, "local time %s does not exist in %s",
		wall.Format("2006-01-02T15:04:05"), loc).With("tz", loc.String())
}

// wallInstant returns the earliest instant whose local time in loc is wall.
func wallInstant(wall time.Time, loc *time.Location) (time.Time, bool) {
	guess := time.Date(wall.Year(), wall.Month(), wall.Day(), wall.Hour(), wall.Minute(), wall.Second(), wall.Nanosecond(), loc)
	offsets := make(map[int]bool, 3)
	for _, probe := range []time.Duration{-26 * time.Hour, -3 * time.Hour, 0, 3 * time.Hour, 26 * time.Hour} {
		_, off := guess.Add(probe).Zone()
		offsets[off] = true
	}

	var best time.Time
	found := false
	for off := range offsets {
		candidate := wall.Add(-time.Duration(off) * time.Second).In(loc)
		if !WallClock(candidate).Equal(wall) {
			continue
		}
		if !found || candidate.Before(best) {
			best, found = candidate, true
		}
	}
	return best, found
}
