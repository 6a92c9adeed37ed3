package budget

import (
	"time"

	"github.com/google/uuid"
)

// State is one account's time budget. It is owned by a single goroutine
// (the enforcement loop); everything else sees copies or talks to the
// owner through its command queue.
type State struct {
	// UUID identifies the remote record. Generated once on first run.
	UUID uuid.UUID

	// Credential is the bearer secret for the remote record. Zero until
	// the first accepted sync mints one.
	Credential uuid.UUID

	// CredentialHash is the one-way hash of the local access password.
	CredentialHash string

	// DailyLimit is the standing per-day allotment. TodayLimit is the
	// allotment for the current day only; it resets to DailyLimit at day
	// rollover and can be edited independently.
	DailyLimit Limit
	TodayLimit Limit

	// TempLimit is an ephemeral override with the highest priority. It is
	// cleared whenever an externally-driven change lands.
	TempLimit Limit

	// BedtimeLimit is the ceiling derived from the bedtime window. It is
	// recomputed every tick and never persisted.
	BedtimeLimit Limit

	// UsedTime is the time consumed on UsageDate. Monotonic within a day.
	UsedTime time.Duration

	// UsageDate is the calendar day UsedTime applies to, in DateFormat.
	UsageDate string

	Bedtime  TimeOfDay
	Waketime TimeOfDay

	// GraceGiven marks that the one-shot bedtime grace has been consumed
	// today.
	GraceGiven bool

	// SyncAuthor identifies the credential that last wrote the remote
	// record. Nil means this client authored the last version and has not
	// been told of a remote change.
	SyncAuthor *uuid.UUID
}

// NewState creates a first-run state: fresh identity, no limits, bedtime
// disabled.
func NewState(now time.Time) *State {
	return &State{
		UUID:      uuid.New(),
		UsageDate: now.Format(DateFormat),
	}
}

// Effective resolves the competing limits into the single binding ceiling:
// temporary override first, then the bedtime ceiling, then today's
// allotment.
func (s *State) Effective() Limit {
	if s.TempLimit.IsBounded() {
		return s.TempLimit
	}
	if s.BedtimeLimit.IsBounded() {
		return s.BedtimeLimit
	}
	return s.TodayLimit
}

// Remaining is the enforceable remaining time: unlimited iff the effective
// limit is unlimited, otherwise the effective limit minus used time,
// clamped at zero.
func (s *State) Remaining() Limit {
	return s.Effective().Minus(s.UsedTime)
}

// Rollover resets the per-day fields when the calendar day has changed.
// It reports whether a rollover happened. The temporary override is not
// touched here; it is cleared separately on external changes.
func (s *State) Rollover(now time.Time) bool {
	today := now.Format(DateFormat)
	if s.UsageDate == today {
		return false
	}
	s.UsedTime = 0
	s.TodayLimit = s.DailyLimit
	s.UsageDate = today
	s.GraceGiven = false
	return true
}

// RefreshBedtimeLimit recomputes the derived bedtime ceiling for now. The
// ceiling is applied only when it shortens the budget; past bedtime a
// previously clamped ceiling is left alone so a running grace window keeps
// counting down, but a fresh start after the grace was spent is clamped
// immediately — GraceGiven suppresses the second warning, never the
// enforcement. It returns the signed window for the caller's grace and
// shortened-time checks, and whether the constraint is enabled.
func (s *State) RefreshBedtimeLimit(now time.Time) (time.Duration, bool) {
	window, enabled := BedtimeWindow(now, s.Bedtime, s.Waketime)
	if !enabled {
		s.BedtimeLimit = Unlimited
		return 0, false
	}
	if window > 0 {
		ceiling := Bounded(s.UsedTime + window)
		if ceiling.Less(s.TodayLimit) || !s.TodayLimit.IsBounded() {
			s.BedtimeLimit = ceiling
		} else {
			s.BedtimeLimit = Unlimited
		}
	} else if s.GraceGiven && !s.BedtimeLimit.IsBounded() {
		s.BedtimeLimit = Bounded(s.UsedTime)
	}
	return window, true
}

// Snapshot returns a copy safe to hand to other goroutines.
func (s *State) Snapshot() State {
	copied := *s
	if s.SyncAuthor != nil {
		author := *s.SyncAuthor
		copied.SyncAuthor = &author
	}
	return copied
}
