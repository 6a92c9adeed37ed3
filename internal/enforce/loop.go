// Package enforce runs the one-second enforcement loop. A single
// goroutine owns the budget state; pause/resume, OS session signals,
// settings edits and sync merges all arrive as commands on its queue and
// are applied between ticks, so no tick ever observes a half-merged
// state.
package enforce

import (
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/yiays/timewarden/internal/budget"
	"github.com/yiays/timewarden/internal/metrics"
	"github.com/yiays/timewarden/internal/notify"
	"github.com/yiays/timewarden/internal/syncapi"
)

// Phase is the loop's lifecycle state.
type Phase int

const (
	PhaseRunning Phase = iota
	PhasePaused
	PhaseBedtimeGrace
	PhaseExpired
)

func (p Phase) String() string {
	switch p {
	case PhaseRunning:
		return "running"
	case PhasePaused:
		return "paused"
	case PhaseBedtimeGrace:
		return "bedtime-grace"
	case PhaseExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Config holds the loop's tunables.
type Config struct {
	// GraceWindow is the budget granted once per day when bedtime is
	// breached mid-session.
	GraceWindow time.Duration

	// ShortenedDrop is how far the remaining budget must fall between two
	// ticks before the "time shortened" warning fires.
	ShortenedDrop time.Duration

	// WarnThreshold and FinalWarning are the two low-time warning marks.
	WarnThreshold time.Duration
	FinalWarning  time.Duration

	// PersistEveryTicks is the flush-and-sync cadence.
	PersistEveryTicks int

	// ShutdownThreshold selects shutdown over log-off when the next wake
	// boundary is at most this close.
	ShutdownThreshold time.Duration
}

func (c *Config) applyDefaults() {
	if c.GraceWindow == 0 {
		c.GraceWindow = 30 * time.Second
	}
	if c.ShortenedDrop == 0 {
		c.ShortenedDrop = 60 * time.Second
	}
	if c.WarnThreshold == 0 {
		c.WarnThreshold = 600 * time.Second
	}
	if c.FinalWarning == 0 {
		c.FinalWarning = 30 * time.Second
	}
	if c.PersistEveryTicks == 0 {
		c.PersistEveryTicks = 10
	}
	if c.ShutdownThreshold == 0 {
		c.ShutdownThreshold = 10 * time.Second
	}
}

// Saver persists the budget state between runs.
type Saver interface {
	Save(*budget.State) error
}

// Syncer dispatches a non-blocking sync attempt for a state snapshot,
// reporting whether the snapshot was taken on. Results come back through
// the loop's command queue.
type Syncer interface {
	Dispatch(snapshot budget.State) bool
}

// Loop is the enforcement state machine.
type Loop struct {
	st       *budget.State
	clock    budget.Clock
	cfg      Config
	actions  notify.Actions
	notifier notify.Notifier
	saver    Saver
	syncer   Syncer
	watcher  notify.SessionWatcher
	logger   zerolog.Logger

	// exit ends the process after the terminal OS action. Replaced in
	// tests.
	exit func(code int)

	// onChange runs on the loop goroutine after an externally-driven
	// state change, so presentation code sees a consistent snapshot.
	onChange func(budget.State)

	cmds     chan func()
	stopChan chan struct{}
	done     chan struct{}

	phase            Phase
	userPaused       bool
	sessionSuspended bool

	warnedLow       bool
	warnedFinal     bool
	warnedShortened bool
	prevRemaining   budget.Limit
	tickCount       int
}

// New creates the loop around an already-loaded state. saver and syncer
// may be nil (no persistence, no sync); watcher may be nil.
func New(st *budget.State, clock budget.Clock, cfg Config, actions notify.Actions,
	notifier notify.Notifier, saver Saver, syncer Syncer, watcher notify.SessionWatcher,
	logger zerolog.Logger) *Loop {

	cfg.applyDefaults()

	l := &Loop{
		st:            st,
		clock:         clock,
		cfg:           cfg,
		actions:       actions,
		notifier:      notifier,
		saver:         saver,
		syncer:        syncer,
		watcher:       watcher,
		logger:        logger.With().Str("component", "enforce").Logger(),
		exit:          os.Exit,
		cmds:          make(chan func(), 16),
		stopChan:      make(chan struct{}),
		done:          make(chan struct{}),
		prevRemaining: st.Remaining(),
	}
	return l
}

// OnChange registers the presentation callback. Must be set before Run.
func (l *Loop) OnChange(fn func(budget.State)) {
	l.onChange = fn
}

// SetSyncer wires the sync dispatcher. Must be set before Run; the
// dispatcher needs the loop as its merger, so it cannot be a
// constructor argument.
func (l *Loop) SetSyncer(s Syncer) {
	l.syncer = s
}

// Run ticks once per second until Stop. It owns all state mutation.
func (l *Loop) Run() {
	defer close(l.done)

	var events <-chan notify.SessionEvent
	if l.watcher != nil {
		events = l.watcher.Events()
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	l.logger.Info().
		Str("uuid", l.st.UUID.String()).
		Str("remaining", l.st.Remaining().String()).
		Msg("Enforcement loop started")

	for {
		select {
		case <-ticker.C:
			l.step(l.clock.Now())
		case fn := <-l.cmds:
			fn()
		case ev := <-events:
			l.handleSessionEvent(ev)
		case <-l.stopChan:
			l.persist()
			l.logger.Info().Msg("Enforcement loop stopped")
			return
		}
	}
}

// Stop halts the loop, flushing state first.
func (l *Loop) Stop() {
	close(l.stopChan)
	<-l.done
}

// step advances the countdown by one tick. Only ever called on the loop
// goroutine.
func (l *Loop) step(now time.Time) {
	if l.phase == PhaseExpired || l.userPaused || l.sessionSuspended {
		return
	}

	if l.st.Rollover(now) {
		l.warnedLow = false
		l.warnedFinal = false
		l.warnedShortened = false
		l.logger.Info().Str("date", l.st.UsageDate).Msg("Day rolled over")
	}

	l.st.UsedTime += time.Second
	metrics.TicksTotal.Inc()

	graceTransition := false
	window, enabled := l.st.RefreshBedtimeLimit(now)
	if enabled && window <= 0 && !l.st.GraceGiven {
		// Bedtime breached mid-session: one short window, once per day.
		l.st.BedtimeLimit = budget.Bounded(l.st.UsedTime + l.cfg.GraceWindow)
		l.st.GraceGiven = true
		l.phase = PhaseBedtimeGrace
		graceTransition = true
		l.warn("bedtime", "It's past bedtime. Your time ends shortly.")
	}

	rem := l.st.Remaining()

	if !graceTransition && rem.IsBounded() && l.prevRemaining.IsBounded() && !l.warnedShortened {
		if l.prevRemaining.Duration()-rem.Duration() > l.cfg.ShortenedDrop {
			l.warn("shortened", "Your time has been shortened so that it ends at bedtime.")
			l.warnedShortened = true
		}
	}
	l.prevRemaining = rem

	if rem.IsBounded() {
		metrics.RemainingSeconds.Set(float64(rem.Seconds()))

		if rem.Duration() <= l.cfg.WarnThreshold && !l.warnedLow {
			l.warn("low", "10 minutes of screen time remaining.")
			l.warnedLow = true
		}
		if rem.Duration() <= l.cfg.FinalWarning && !l.warnedFinal && !l.st.GraceGiven {
			l.warn("final", "30 seconds of screen time remaining.")
			l.warnedFinal = true
		}
		if rem.Duration() == 0 {
			l.expire(now)
			return
		}
	} else {
		metrics.RemainingSeconds.Set(-1)
	}

	l.tickCount++
	if l.tickCount%l.cfg.PersistEveryTicks == 0 {
		l.persist()
		l.dispatchSync()
	}
}

// expire issues the terminal OS action and ends the process.
func (l *Loop) expire(now time.Time) {
	l.phase = PhaseExpired
	l.persist()

	wake := budget.WakeWindow(now, l.st.Waketime)
	var (
		action string
		err    error
	)
	if wake <= l.cfg.ShutdownThreshold {
		action = "shutdown"
		err = l.actions.Shutdown()
	} else {
		action = "logoff"
		err = l.actions.LogOff()
	}

	if err != nil {
		// Nothing to retry: without the OS action there is no enforcement.
		l.logger.Error().Err(err).Str("action", action).Msg("Failed to invoke OS action")
		l.exit(1)
		return
	}

	l.logger.Info().Str("action", action).Msg("Time expired, session ending")
	l.exit(0)
}

func (l *Loop) warn(kind, message string) {
	metrics.WarningsTotal.WithLabelValues(kind).Inc()
	l.logger.Info().Str("kind", kind).Msg("Warning raised")
	l.notifier.Notify("Time limit", message)
}

func (l *Loop) persist() {
	if l.saver == nil {
		return
	}
	if err := l.saver.Save(l.st); err != nil {
		// Fatal to saving settings, not to the running countdown.
		l.logger.Error().Err(err).Msg("Failed to persist state")
	}
}

func (l *Loop) dispatchSync() {
	if l.syncer == nil {
		return
	}
	if l.syncer.Dispatch(l.st.Snapshot()) {
		// The snapshot will reach the wire: authorship of this version is
		// asserted and the server's change acknowledged exactly once. A
		// dropped snapshot keeps the author for the next cadence.
		l.st.SyncAuthor = nil
	}
}

func (l *Loop) handleSessionEvent(ev notify.SessionEvent) {
	switch ev {
	case notify.SessionLocked:
		l.sessionSuspended = true
		l.logger.Debug().Msg("Session locked, countdown suspended")
	case notify.SessionUnlocked:
		l.sessionSuspended = false
		l.st.RefreshBedtimeLimit(l.clock.Now())
		l.logger.Debug().Msg("Session unlocked, countdown resumed")
	case notify.DisplayChanged:
		// Geometry changes only matter to the overlay; nothing to do here.
	}
}

// do runs fn on the loop goroutine.
func (l *Loop) do(fn func()) {
	select {
	case l.cmds <- fn:
	case <-l.stopChan:
	}
}

// Pause halts the countdown at the user's request and covers the screen.
func (l *Loop) Pause() {
	l.do(func() {
		if l.userPaused || l.phase == PhaseExpired {
			return
		}
		l.userPaused = true
		l.phase = PhasePaused
		if err := l.actions.ShowOverlay(); err != nil {
			l.logger.Error().Err(err).Msg("Failed to show overlay")
		}
		if err := l.actions.MuteAudio(); err != nil {
			l.logger.Error().Err(err).Msg("Failed to mute audio")
		}
	})
}

// Resume reverses Pause, re-evaluating the bedtime ceiling first.
func (l *Loop) Resume() {
	l.do(func() {
		if !l.userPaused {
			return
		}
		l.userPaused = false
		if err := l.actions.HideOverlay(); err != nil {
			l.logger.Error().Err(err).Msg("Failed to hide overlay")
		}
		if err := l.actions.UnmuteAudio(); err != nil {
			l.logger.Error().Err(err).Msg("Failed to unmute audio")
		}
		window, enabled := l.st.RefreshBedtimeLimit(l.clock.Now())
		if enabled && window <= 0 && l.st.GraceGiven {
			l.phase = PhaseBedtimeGrace
		} else {
			l.phase = PhaseRunning
		}
	})
}

// ApplyDiff folds an authoritative server diff into the state. Remote
// wins; the temporary override is voided.
func (l *Loop) ApplyDiff(d *syncapi.Diff) {
	l.do(func() {
		syncapi.MergeDiff(l.st, d)
		l.st.RefreshBedtimeLimit(l.clock.Now())
		l.changed()
		l.logger.Info().Msg("Accepted alternative state from server")
	})
}

// SetCredential stores a freshly minted server credential.
func (l *Loop) SetCredential(cred uuid.UUID) {
	l.do(func() {
		l.st.Credential = cred
		l.persist()
		l.logger.Info().Msg("Received new credential from server")
	})
}

// Mutate applies a local settings edit. Edits count as externally-driven
// changes, so the temporary override is voided.
func (l *Loop) Mutate(fn func(*budget.State)) {
	l.do(func() {
		fn(l.st)
		l.st.TempLimit = budget.Unlimited
		l.st.RefreshBedtimeLimit(l.clock.Now())
		l.persist()
		l.changed()
	})
}

// SetTempLimit arms the highest-priority override.
func (l *Loop) SetTempLimit(limit budget.Limit) {
	l.do(func() {
		l.st.TempLimit = limit
		l.changed()
	})
}

// Snapshot returns a copy of the current state, synchronized with the
// loop.
func (l *Loop) Snapshot() budget.State {
	reply := make(chan budget.State, 1)
	l.do(func() {
		reply <- l.st.Snapshot()
	})
	select {
	case snap := <-reply:
		return snap
	case <-l.stopChan:
		return l.st.Snapshot()
	}
}

// Phase returns the current phase. Only meaningful from the loop
// goroutine or in tests.
func (l *Loop) Phase() Phase {
	return l.phase
}

func (l *Loop) changed() {
	if l.onChange != nil {
		l.onChange(l.st.Snapshot())
	}
}
