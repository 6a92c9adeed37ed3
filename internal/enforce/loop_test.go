package enforce

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/yiays/timewarden/internal/budget"
	"github.com/yiays/timewarden/internal/notify"
	"github.com/yiays/timewarden/internal/syncapi"
)

var errTest = errors.New("action failed")

type fakeActions struct {
	shown, hidden, muted, unmuted int
	logoffs, shutdowns            int
	actionErr                     error
}

func (a *fakeActions) ShowOverlay() error { a.shown++; return nil }
func (a *fakeActions) HideOverlay() error { a.hidden++; return nil }
func (a *fakeActions) MuteAudio() error   { a.muted++; return nil }
func (a *fakeActions) UnmuteAudio() error { a.unmuted++; return nil }
func (a *fakeActions) LogOff() error      { a.logoffs++; return a.actionErr }
func (a *fakeActions) Shutdown() error    { a.shutdowns++; return a.actionErr }

type fakeNotifier struct {
	messages []string
}

func (n *fakeNotifier) Notify(title, message string) {
	n.messages = append(n.messages, message)
}

func (n *fakeNotifier) containing(substr string) int {
	count := 0
	for _, m := range n.messages {
		if strings.Contains(m, substr) {
			count++
		}
	}
	return count
}

type fakeSaver struct{ calls int }

func (s *fakeSaver) Save(*budget.State) error { s.calls++; return nil }

type fakeSyncer struct {
	snaps  []budget.State
	reject bool
}

func (s *fakeSyncer) Dispatch(snap budget.State) bool {
	if s.reject {
		return false
	}
	s.snaps = append(s.snaps, snap)
	return true
}

// runPending drains queued commands without starting Run.
func (l *Loop) runPending() {
	for {
		select {
		case fn := <-l.cmds:
			fn()
		default:
			return
		}
	}
}

type fixture struct {
	loop     *Loop
	clock    *budget.TestClock
	actions  *fakeActions
	notifier *fakeNotifier
	exits    []int
}

func newFixture(t *testing.T, st *budget.State, at time.Time) *fixture {
	t.Helper()

	f := &fixture{
		clock:    &budget.TestClock{CurrentTime: at},
		actions:  &fakeActions{},
		notifier: &fakeNotifier{},
	}
	if st.UsageDate == "" {
		st.UsageDate = at.Format(budget.DateFormat)
	}
	f.loop = New(st, f.clock, Config{}, f.actions, f.notifier, nil, nil, nil, zerolog.Nop())
	f.loop.exit = func(code int) { f.exits = append(f.exits, code) }
	return f
}

// tick advances the clock one second and steps the loop.
func (f *fixture) tick(n int) {
	for i := 0; i < n; i++ {
		f.clock.Advance(time.Second)
		f.loop.step(f.clock.Now())
	}
}

func TestTickConsumesTime(t *testing.T) {
	at := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	st := &budget.State{UUID: uuid.New(), TodayLimit: budget.BoundedSeconds(3600)}
	f := newFixture(t, st, at)

	f.tick(5)

	if st.UsedTime != 5*time.Second {
		t.Errorf("UsedTime = %v, want 5s", st.UsedTime)
	}
	if rem := st.Remaining(); rem.Seconds() != 3595 {
		t.Errorf("Remaining = %v, want 3595s", rem)
	}
}

func TestUnlimitedNeverExpires(t *testing.T) {
	at := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	st := &budget.State{UUID: uuid.New()}
	f := newFixture(t, st, at)

	f.tick(120)

	if len(f.exits) != 0 || f.actions.logoffs != 0 {
		t.Error("unlimited budget must never end the session")
	}
}

func TestPauseHaltsCountdown(t *testing.T) {
	at := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	st := &budget.State{UUID: uuid.New(), TodayLimit: budget.BoundedSeconds(3600)}
	f := newFixture(t, st, at)

	f.loop.Pause()
	f.loop.runPending()

	if f.actions.shown != 1 || f.actions.muted != 1 {
		t.Errorf("overlay/mute = %d/%d, want 1/1", f.actions.shown, f.actions.muted)
	}
	if f.loop.Phase() != PhasePaused {
		t.Errorf("phase = %v, want paused", f.loop.Phase())
	}

	f.tick(10)
	if st.UsedTime != 0 {
		t.Errorf("UsedTime = %v, want 0 while paused", st.UsedTime)
	}

	f.loop.Resume()
	f.loop.runPending()

	if f.actions.hidden != 1 || f.actions.unmuted != 1 {
		t.Errorf("hide/unmute = %d/%d, want 1/1", f.actions.hidden, f.actions.unmuted)
	}
	if f.loop.Phase() != PhaseRunning {
		t.Errorf("phase = %v, want running", f.loop.Phase())
	}

	f.tick(3)
	if st.UsedTime != 3*time.Second {
		t.Errorf("UsedTime = %v, want 3s after resume", st.UsedTime)
	}
}

func TestSessionLockSuspendsCountdown(t *testing.T) {
	at := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	st := &budget.State{UUID: uuid.New(), TodayLimit: budget.BoundedSeconds(3600)}
	f := newFixture(t, st, at)

	f.loop.handleSessionEvent(notify.SessionLocked)
	f.tick(10)
	if st.UsedTime != 0 {
		t.Errorf("UsedTime = %v, want 0 while locked", st.UsedTime)
	}
	if f.actions.shown != 0 {
		t.Error("lock screen must not trigger the overlay")
	}

	f.loop.handleSessionEvent(notify.SessionUnlocked)
	f.tick(2)
	if st.UsedTime != 2*time.Second {
		t.Errorf("UsedTime = %v, want 2s after unlock", st.UsedTime)
	}
}

func TestLowAndFinalWarningsFireOnce(t *testing.T) {
	at := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	st := &budget.State{UUID: uuid.New(), TodayLimit: budget.BoundedSeconds(700)}
	f := newFixture(t, st, at)

	// 700s budget crosses 600s after 100 ticks and 30s after 670.
	f.tick(150)
	if got := f.notifier.containing("10 minutes"); got != 1 {
		t.Errorf("low warnings = %d, want 1", got)
	}
	if got := f.notifier.containing("30 seconds"); got != 0 {
		t.Errorf("final warnings = %d, want 0 yet", got)
	}

	f.tick(540)
	if got := f.notifier.containing("30 seconds"); got != 1 {
		t.Errorf("final warnings = %d, want 1", got)
	}
}

func TestExpiryLogsOff(t *testing.T) {
	at := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	st := &budget.State{
		UUID:       uuid.New(),
		TodayLimit: budget.BoundedSeconds(3),
		Waketime:   budget.TimeOfDay{Hour: 7},
	}
	f := newFixture(t, st, at)

	f.tick(5)

	if f.actions.logoffs != 1 {
		t.Errorf("logoffs = %d, want 1", f.actions.logoffs)
	}
	if f.actions.shutdowns != 0 {
		t.Errorf("shutdowns = %d, want 0", f.actions.shutdowns)
	}
	if f.loop.Phase() != PhaseExpired {
		t.Errorf("phase = %v, want expired", f.loop.Phase())
	}
	if len(f.exits) != 1 || f.exits[0] != 0 {
		t.Errorf("exits = %v, want [0]", f.exits)
	}
	if st.UsedTime != 3*time.Second {
		t.Errorf("UsedTime = %v, want frozen at 3s", st.UsedTime)
	}
}

func TestExpiryNearWakeShutsDown(t *testing.T) {
	// Expiring five seconds before the 07:00 wake boundary selects
	// shutdown over log-off.
	at := time.Date(2025, 3, 10, 6, 59, 52, 0, time.UTC)
	st := &budget.State{
		UUID:       uuid.New(),
		TodayLimit: budget.BoundedSeconds(3),
		Waketime:   budget.TimeOfDay{Hour: 7},
	}
	f := newFixture(t, st, at)

	f.tick(3)

	if f.actions.shutdowns != 1 || f.actions.logoffs != 0 {
		t.Errorf("shutdowns/logoffs = %d/%d, want 1/0",
			f.actions.shutdowns, f.actions.logoffs)
	}
}

func TestFailedActionExitsNonZero(t *testing.T) {
	at := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	st := &budget.State{UUID: uuid.New(), TodayLimit: budget.BoundedSeconds(1)}
	f := newFixture(t, st, at)
	f.actions.actionErr = errTest

	f.tick(1)

	if len(f.exits) != 1 || f.exits[0] != 1 {
		t.Errorf("exits = %v, want [1]", f.exits)
	}
}

func TestBedtimeGrace(t *testing.T) {
	// Ticking starts just past the 22:00 bedtime with budget left over.
	at := time.Date(2025, 3, 10, 22, 0, 10, 0, time.UTC)
	st := &budget.State{
		UUID:       uuid.New(),
		TodayLimit: budget.BoundedSeconds(7200),
		UsedTime:   time.Hour,
		Bedtime:    budget.TimeOfDay{Hour: 22},
		Waketime:   budget.TimeOfDay{Hour: 7},
	}
	f := newFixture(t, st, at)

	f.tick(1)

	if !st.GraceGiven {
		t.Fatal("grace not granted")
	}
	if f.loop.Phase() != PhaseBedtimeGrace {
		t.Errorf("phase = %v, want bedtime-grace", f.loop.Phase())
	}
	if got := f.notifier.containing("bedtime"); got != 1 {
		t.Errorf("bedtime warnings = %d, want 1", got)
	}
	if rem := st.Remaining(); rem.Seconds() != 30 {
		t.Errorf("Remaining = %v, want 30s grace", rem)
	}

	// The grace window counts down and ends the session without a second
	// grant or a redundant final warning.
	f.tick(35)
	if f.actions.logoffs != 1 {
		t.Errorf("logoffs = %d, want 1", f.actions.logoffs)
	}
	if got := f.notifier.containing("bedtime"); got != 1 {
		t.Errorf("bedtime warnings = %d, want still 1", got)
	}
	if got := f.notifier.containing("30 seconds"); got != 0 {
		t.Errorf("final warnings = %d, want suppressed during grace", got)
	}
}

func TestGraceNotGrantedTwice(t *testing.T) {
	// Restart past bedtime with the grace already spent: no second grace,
	// no repeat warning, and the session ends on the first tick instead of
	// running on the leftover today budget until midnight.
	at := time.Date(2025, 3, 10, 22, 30, 0, 0, time.UTC)
	st := &budget.State{
		UUID:       uuid.New(),
		TodayLimit: budget.BoundedSeconds(7200),
		UsedTime:   time.Hour,
		Bedtime:    budget.TimeOfDay{Hour: 22},
		Waketime:   budget.TimeOfDay{Hour: 7},
		GraceGiven: true,
	}
	f := newFixture(t, st, at)

	f.tick(5)

	if got := f.notifier.containing("past bedtime"); got != 0 {
		t.Errorf("bedtime warnings = %d, want 0 after grace consumed", got)
	}
	if f.actions.logoffs != 1 {
		t.Errorf("logoffs = %d, want 1", f.actions.logoffs)
	}
	if f.loop.Phase() != PhaseExpired {
		t.Errorf("phase = %v, want expired", f.loop.Phase())
	}
	if rem := st.Remaining(); rem.Seconds() != 0 {
		t.Errorf("Remaining = %v, want 0 past bedtime", rem)
	}
}

func TestApproachingBedtimeShortensTime(t *testing.T) {
	// Ten minutes before bedtime with two hours of budget left, the
	// ceiling clamps the countdown and the shortened warning fires once.
	at := time.Date(2025, 3, 10, 21, 50, 0, 0, time.UTC)
	st := &budget.State{
		UUID:       uuid.New(),
		TodayLimit: budget.BoundedSeconds(7200),
		Bedtime:    budget.TimeOfDay{Hour: 22},
		Waketime:   budget.TimeOfDay{Hour: 7},
	}
	f := newFixture(t, st, at)

	f.tick(3)

	if got := f.notifier.containing("shortened"); got != 1 {
		t.Errorf("shortened warnings = %d, want 1", got)
	}
	rem := st.Remaining()
	if !rem.IsBounded() || rem.Duration() > 10*time.Minute {
		t.Errorf("Remaining = %v, want clamped near 10m", rem)
	}
}

func TestRolloverResetsWarnings(t *testing.T) {
	at := time.Date(2025, 3, 11, 0, 0, 5, 0, time.UTC)
	st := &budget.State{
		UUID:       uuid.New(),
		DailyLimit: budget.BoundedSeconds(7200),
		TodayLimit: budget.BoundedSeconds(100),
		UsedTime:   90 * time.Second,
		UsageDate:  "2025-03-10",
		GraceGiven: true,
	}
	f := newFixture(t, st, at)
	f.loop.warnedLow = true
	f.loop.warnedFinal = true
	f.loop.warnedShortened = true

	f.tick(1)

	if st.UsageDate != "2025-03-11" {
		t.Errorf("UsageDate = %q, want rolled over", st.UsageDate)
	}
	if st.UsedTime != time.Second {
		t.Errorf("UsedTime = %v, want 1s", st.UsedTime)
	}
	if st.TodayLimit.Seconds() != 7200 {
		t.Errorf("TodayLimit = %v, want reset to daily", st.TodayLimit)
	}
	if st.GraceGiven {
		t.Error("GraceGiven not reset")
	}
	if f.loop.warnedLow || f.loop.warnedFinal || f.loop.warnedShortened {
		t.Error("warning latches not reset on rollover")
	}
}

func TestPersistAndSyncCadence(t *testing.T) {
	at := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	author := uuid.New()
	st := &budget.State{
		UUID:       uuid.New(),
		TodayLimit: budget.BoundedSeconds(3600),
		SyncAuthor: &author,
	}
	saver := &fakeSaver{}
	syncer := &fakeSyncer{}

	f := newFixture(t, st, at)
	f.loop.cfg.PersistEveryTicks = 5
	f.loop.saver = saver
	f.loop.syncer = syncer

	f.tick(10)

	if saver.calls != 2 {
		t.Errorf("saves = %d, want 2", saver.calls)
	}
	if len(syncer.snaps) != 2 {
		t.Fatalf("dispatches = %d, want 2", len(syncer.snaps))
	}

	// The first snapshot acknowledges the remote author; authorship is
	// then asserted locally.
	if syncer.snaps[0].SyncAuthor == nil || *syncer.snaps[0].SyncAuthor != author {
		t.Errorf("first snapshot SyncAuthor = %v, want %v", syncer.snaps[0].SyncAuthor, author)
	}
	if syncer.snaps[1].SyncAuthor != nil {
		t.Errorf("second snapshot SyncAuthor = %v, want nil", syncer.snaps[1].SyncAuthor)
	}
	if st.SyncAuthor != nil {
		t.Errorf("SyncAuthor = %v, want cleared after dispatch", st.SyncAuthor)
	}
}

func TestSyncAuthorKeptWhenDispatchDrops(t *testing.T) {
	// A busy dispatcher drops the snapshot; the acknowledged remote
	// author must survive until a snapshot actually goes out, or the next
	// push earns a needless conflict round-trip.
	at := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	author := uuid.New()
	st := &budget.State{
		UUID:       uuid.New(),
		TodayLimit: budget.BoundedSeconds(3600),
		SyncAuthor: &author,
	}
	syncer := &fakeSyncer{reject: true}

	f := newFixture(t, st, at)
	f.loop.cfg.PersistEveryTicks = 5
	f.loop.syncer = syncer

	f.tick(5)
	if st.SyncAuthor == nil || *st.SyncAuthor != author {
		t.Fatalf("SyncAuthor = %v, want retained after dropped dispatch", st.SyncAuthor)
	}

	syncer.reject = false
	f.tick(5)
	if len(syncer.snaps) != 1 {
		t.Fatalf("dispatches = %d, want 1", len(syncer.snaps))
	}
	if syncer.snaps[0].SyncAuthor == nil || *syncer.snaps[0].SyncAuthor != author {
		t.Errorf("snapshot SyncAuthor = %v, want %v", syncer.snaps[0].SyncAuthor, author)
	}
	if st.SyncAuthor != nil {
		t.Errorf("SyncAuthor = %v, want cleared after accepted dispatch", st.SyncAuthor)
	}
}

func TestApplyDiffVoidsTempLimit(t *testing.T) {
	at := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	st := &budget.State{
		UUID:       uuid.New(),
		TodayLimit: budget.BoundedSeconds(3600),
		TempLimit:  budget.BoundedSeconds(300),
	}
	f := newFixture(t, st, at)

	var observed []budget.State
	f.loop.OnChange(func(s budget.State) { observed = append(observed, s) })

	remoteUsed := int64(1200)
	f.loop.ApplyDiff(&syncapi.Diff{UsedTime: &remoteUsed})
	f.loop.runPending()

	if st.UsedTime != 20*time.Minute {
		t.Errorf("UsedTime = %v, want 20m", st.UsedTime)
	}
	if st.TempLimit.IsBounded() {
		t.Errorf("TempLimit = %v, want voided", st.TempLimit)
	}
	if len(observed) != 1 || observed[0].UsedTime != 20*time.Minute {
		t.Errorf("observed = %+v, want one snapshot with merged state", observed)
	}
}

func TestMutateVoidsTempLimit(t *testing.T) {
	at := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	st := &budget.State{
		UUID:       uuid.New(),
		TodayLimit: budget.BoundedSeconds(3600),
		TempLimit:  budget.BoundedSeconds(300),
	}
	saver := &fakeSaver{}
	f := newFixture(t, st, at)
	f.loop.saver = saver

	f.loop.Mutate(func(s *budget.State) {
		s.DailyLimit = budget.BoundedSeconds(5400)
	})
	f.loop.runPending()

	if st.DailyLimit.Seconds() != 5400 {
		t.Errorf("DailyLimit = %v, want 5400s", st.DailyLimit)
	}
	if st.TempLimit.IsBounded() {
		t.Errorf("TempLimit = %v, want voided by edit", st.TempLimit)
	}
	if saver.calls != 1 {
		t.Errorf("saves = %d, want 1", saver.calls)
	}
}

func TestSetCredential(t *testing.T) {
	at := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	st := &budget.State{UUID: uuid.New(), TodayLimit: budget.BoundedSeconds(3600)}
	saver := &fakeSaver{}
	f := newFixture(t, st, at)
	f.loop.saver = saver

	cred := uuid.New()
	f.loop.SetCredential(cred)
	f.loop.runPending()

	if st.Credential != cred {
		t.Errorf("Credential = %v, want %v", st.Credential, cred)
	}
	if saver.calls != 1 {
		t.Errorf("saves = %d, want 1", saver.calls)
	}
}
