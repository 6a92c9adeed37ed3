package budget

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestEffectivePriority(t *testing.T) {
	tests := []struct {
		name    string
		temp    Limit
		bedtime Limit
		today   Limit
		want    int64
	}{
		{"temp wins over everything", BoundedSeconds(300), BoundedSeconds(600), BoundedSeconds(7200), 300},
		{"bedtime wins over today", Unlimited, BoundedSeconds(600), BoundedSeconds(7200), 600},
		{"today is the fallback", Unlimited, Unlimited, BoundedSeconds(7200), 7200},
		{"all unset means unlimited", Unlimited, Unlimited, Unlimited, -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &State{TempLimit: tt.temp, BedtimeLimit: tt.bedtime, TodayLimit: tt.today}
			if got := s.Effective().Seconds(); got != tt.want {
				t.Errorf("Effective() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestRemainingInvariant(t *testing.T) {
	// Remaining is unlimited iff the effective limit is unlimited;
	// otherwise max(effective-used, 0).
	used := 3600 * time.Second

	tests := []struct {
		name  string
		today Limit
		want  int64
	}{
		{"unlimited", Unlimited, -1},
		{"partially used", BoundedSeconds(7200), 3600},
		{"overspent", BoundedSeconds(600), 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &State{TodayLimit: tt.today, UsedTime: used}
			if got := s.Remaining().Seconds(); got != tt.want {
				t.Errorf("Remaining() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestRollover(t *testing.T) {
	now := time.Date(2025, 3, 11, 8, 0, 0, 0, time.Local)

	s := &State{
		DailyLimit: BoundedSeconds(7200),
		TodayLimit: BoundedSeconds(600),
		TempLimit:  BoundedSeconds(300),
		UsedTime:   599 * time.Second,
		UsageDate:  "2025-03-10",
		GraceGiven: true,
	}

	if !s.Rollover(now) {
		t.Fatal("expected rollover on a new day")
	}

	if s.UsedTime != 0 {
		t.Errorf("UsedTime = %v, want 0", s.UsedTime)
	}
	if s.TodayLimit != s.DailyLimit {
		t.Errorf("TodayLimit = %v, want DailyLimit %v", s.TodayLimit, s.DailyLimit)
	}
	if s.UsageDate != "2025-03-11" {
		t.Errorf("UsageDate = %s, want 2025-03-11", s.UsageDate)
	}
	if s.GraceGiven {
		t.Error("GraceGiven should reset at rollover")
	}
	// The temporary override is cleared by external changes, not rollover.
	if s.TempLimit.Seconds() != 300 {
		t.Errorf("TempLimit = %v, want untouched 300s", s.TempLimit)
	}

	if s.Rollover(now) {
		t.Error("second rollover on the same day should be a no-op")
	}
}

func TestRefreshBedtimeLimit(t *testing.T) {
	bed := mustTimeOfDay(t, "22:00")
	wake := mustTimeOfDay(t, "07:00")

	t.Run("shortens a generous today limit", func(t *testing.T) {
		s := &State{
			TodayLimit: BoundedSeconds(4 * 3600),
			UsedTime:   30 * time.Minute,
			Bedtime:    bed,
			Waketime:   wake,
		}
		// One hour to bedtime: ceiling becomes used+window.
		window, enabled := s.RefreshBedtimeLimit(at(t, "21:00"))
		if !enabled || window != time.Hour {
			t.Fatalf("window = %v enabled = %v, want 1h enabled", window, enabled)
		}
		if got := s.Remaining().Seconds(); got != 3600 {
			t.Errorf("Remaining() = %d, want 3600", got)
		}
	})

	t.Run("does not extend a tight today limit", func(t *testing.T) {
		s := &State{
			TodayLimit: BoundedSeconds(60),
			Bedtime:    bed,
			Waketime:   wake,
		}
		s.RefreshBedtimeLimit(at(t, "20:00"))
		if s.BedtimeLimit.IsBounded() {
			t.Errorf("BedtimeLimit = %v, want unlimited (today limit is stricter)", s.BedtimeLimit)
		}
	})

	t.Run("disabled window clears the ceiling", func(t *testing.T) {
		s := &State{BedtimeLimit: BoundedSeconds(30), Bedtime: bed, Waketime: bed}
		if _, enabled := s.RefreshBedtimeLimit(at(t, "23:00")); enabled {
			t.Fatal("window should be disabled")
		}
		if s.BedtimeLimit.IsBounded() {
			t.Error("BedtimeLimit should clear when the window is disabled")
		}
	})

	t.Run("past bedtime leaves a clamped ceiling alone", func(t *testing.T) {
		s := &State{
			BedtimeLimit: BoundedSeconds(30),
			GraceGiven:   true,
			Bedtime:      bed,
			Waketime:     wake,
		}
		window, _ := s.RefreshBedtimeLimit(at(t, "23:00"))
		if window > 0 {
			t.Fatalf("window = %v, want negative", window)
		}
		if s.BedtimeLimit.Seconds() != 30 {
			t.Errorf("BedtimeLimit = %v, want the grace clamp preserved", s.BedtimeLimit)
		}
	})

	t.Run("fresh start past bedtime with grace spent clamps to used", func(t *testing.T) {
		// A restart after the grace log-off comes up with GraceGiven
		// persisted and no ceiling; the clamp must bite immediately or the
		// whole today budget is available all night.
		s := &State{
			TodayLimit: BoundedSeconds(4 * 3600),
			UsedTime:   time.Hour,
			GraceGiven: true,
			Bedtime:    bed,
			Waketime:   wake,
		}
		window, _ := s.RefreshBedtimeLimit(at(t, "22:30"))
		if window > 0 {
			t.Fatalf("window = %v, want negative", window)
		}
		if got := s.BedtimeLimit.Seconds(); got != 3600 {
			t.Errorf("BedtimeLimit = %v, want clamped to used time", s.BedtimeLimit)
		}
		if got := s.Remaining().Seconds(); got != 0 {
			t.Errorf("Remaining() = %d, want 0", got)
		}
	})

	t.Run("fresh start past bedtime without grace stays open for the loop", func(t *testing.T) {
		// The grace transition belongs to the tick loop; the refresh alone
		// must not preempt it.
		s := &State{
			TodayLimit: BoundedSeconds(4 * 3600),
			UsedTime:   time.Hour,
			Bedtime:    bed,
			Waketime:   wake,
		}
		s.RefreshBedtimeLimit(at(t, "22:30"))
		if s.BedtimeLimit.IsBounded() {
			t.Errorf("BedtimeLimit = %v, want unset until the grace is granted", s.BedtimeLimit)
		}
	})
}

func TestSnapshotCopiesSyncAuthor(t *testing.T) {
	author := uuid.New()
	s := &State{SyncAuthor: &author}

	snap := s.Snapshot()
	if snap.SyncAuthor == s.SyncAuthor {
		t.Error("snapshot must not share the SyncAuthor pointer")
	}
	if *snap.SyncAuthor != author {
		t.Error("snapshot SyncAuthor value changed")
	}
}
