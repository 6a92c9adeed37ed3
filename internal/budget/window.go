package budget

import "time"

// DateFormat is the calendar-day format used in storage and on the wire.
const DateFormat = "2006-01-02"

// BedtimeWindow returns the signed duration from now until the relevant
// bedtime boundary, and whether the bedtime constraint is enabled at all.
// Equal bedtime and waketime disable the constraint.
//
// A bedtime before noon is an after-midnight bedtime: tonight's deadline,
// which falls on the next calendar day. The boundary is then pulled back a
// day if that left it more than 24h away, so the result is always within a
// day of now. Zero or negative means bedtime has already passed.
func BedtimeWindow(now time.Time, bedtime, waketime TimeOfDay) (time.Duration, bool) {
	if bedtime == waketime {
		return 0, false
	}

	boundary := bedtime.On(now)
	if bedtime.Hour < 12 {
		boundary = boundary.AddDate(0, 0, 1)
	}
	if boundary.Sub(now) > 24*time.Hour {
		boundary = boundary.AddDate(0, 0, -1)
	}

	return boundary.Sub(now), true
}

// WakeWindow returns the duration from now until the next waketime
// boundary strictly after now.
func WakeWindow(now time.Time, waketime TimeOfDay) time.Duration {
	boundary := waketime.On(now)
	if !boundary.After(now) {
		boundary = boundary.AddDate(0, 0, 1)
	}
	return boundary.Sub(now)
}
