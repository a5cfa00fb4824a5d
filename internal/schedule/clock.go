package schedule

import "time"

// Civil operating windows. Calls may be placed 08:00-20:00; retry anchors
// are placed 09:00-20:00.
const (
	callingHoursStart = 8
	callingHoursEnd   = 20
	retryHoursStart   = 9
	retryHoursEnd     = 20
)

// NextOccurrence returns the first instant strictly after t whose wall clock
// in loc reads hour:00. When t lands exactly on hour:00, the next day's
// occurrence is returned.
func NextOccurrence(hour int, t time.Time, loc *time.Location) time.Time {
	local := t.In(loc)
	target := time.Date(local.Year(), local.Month(), local.Day(), hour, 0, 0, 0, loc)
	if !target.After(t) {
		target = time.Date(local.Year(), local.Month(), local.Day()+1, hour, 0, 0, 0, loc)
	}
	return target
}

// NextBusinessDay returns the first instant strictly after t whose wall
// clock in loc reads hour:00 on a weekday.
func NextBusinessDay(hour int, t time.Time, loc *time.Location) time.Time {
	next := NextOccurrence(hour, t, loc)
	for isWeekend(next.In(loc).Weekday()) {
		local := next.In(loc)
		next = time.Date(local.Year(), local.Month(), local.Day()+1, hour, 0, 0, 0, loc)
	}
	return next
}

func isWeekend(d time.Weekday) bool {
	return d == time.Saturday || d == time.Sunday
}

// WithinCallingHours reports whether t falls inside the 08:00-20:00 civil
// window. The scheduler never suppresses eligible entries with this check;
// it exists for placement and operational logging.
func WithinCallingHours(t time.Time, loc *time.Location) bool {
	h := t.In(loc).Hour()
	return h >= callingHoursStart && h < callingHoursEnd
}

// WithinRetryHours reports whether t falls inside the 09:00-20:00 civil
// window used when placing wall-clock anchored retries.
func WithinRetryHours(t time.Time, loc *time.Location) bool {
	h := t.In(loc).Hour()
	return h >= retryHoursStart && h < retryHoursEnd
}
