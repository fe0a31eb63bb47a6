package domain

import "time"

// DayLayout is the calendar-day format embedded in fallback identities.
const DayLayout = "2006-01-02"

var dayIdentityPrefix = map[StreamType]string{
	StreamSteps:        "steps",
	StreamActiveEnergy: "aeb",
}

// DayIdentity derives the identity of a daily aggregate sample. Streams without
// native cursors are re-collected over whole days, so the identity must depend
// on nothing but the stream and the calendar day of dayStart (in its own
// location).
func DayIdentity(stream StreamType, dayStart time.Time) string {
	prefix, ok := dayIdentityPrefix[stream]
	if !ok {
		prefix = string(stream)
	}
	return prefix + "-" + dayStart.Format(DayLayout)
}

// StartOfDay truncates t to local midnight in t's location.
func StartOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// EndOfDay returns the last representable instant of t's calendar day.
func EndOfDay(t time.Time) time.Time {
	return StartOfDay(t).AddDate(0, 0, 1).Add(-time.Millisecond)
}
