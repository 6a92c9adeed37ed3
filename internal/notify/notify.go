// Package notify declares the OS-facing collaborators the enforcement
// loop drives. Window rendering, audio device handling and the actual
// log-off/shutdown calls live behind these interfaces; this package only
// ships logging stand-ins for headless use.
package notify

import "github.com/rs/zerolog"

// Actions is everything the loop asks the operating system to do.
type Actions interface {
	// ShowOverlay covers the screen while the timer is paused; HideOverlay
	// reverses it.
	ShowOverlay() error
	HideOverlay() error

	MuteAudio() error
	UnmuteAudio() error

	// LogOff and Shutdown end the session. Failure of either is fatal to
	// the enforcement purpose.
	LogOff() error
	Shutdown() error
}

// Notifier presents toast-style warnings to the user.
type Notifier interface {
	Notify(title, message string)
}

// Prompter shows a modal secret prompt. ok is false when the user
// cancelled.
type Prompter interface {
	PromptSecret(title, message string) (value string, ok bool)
}

// SessionEvent is an OS session signal the loop reacts to.
type SessionEvent int

const (
	SessionLocked SessionEvent = iota
	SessionUnlocked
	DisplayChanged
)

// SessionWatcher delivers OS session signals. A nil channel is valid and
// means no signal source.
type SessionWatcher interface {
	Events() <-chan SessionEvent
}

// LogActions logs every requested action instead of performing it.
type LogActions struct {
	Logger zerolog.Logger
}

func (a LogActions) ShowOverlay() error {
	a.Logger.Info().Msg("Overlay requested")
	return nil
}

func (a LogActions) HideOverlay() error {
	a.Logger.Info().Msg("Overlay dismissed")
	return nil
}

func (a LogActions) MuteAudio() error {
	a.Logger.Info().Msg("Audio mute requested")
	return nil
}

func (a LogActions) UnmuteAudio() error {
	a.Logger.Info().Msg("Audio unmute requested")
	return nil
}

func (a LogActions) LogOff() error {
	a.Logger.Warn().Msg("Log-off requested")
	return nil
}

func (a LogActions) Shutdown() error {
	a.Logger.Warn().Msg("Shutdown requested")
	return nil
}

// LogNotifier logs warnings instead of toasting them.
type LogNotifier struct {
	Logger zerolog.Logger
}

func (n LogNotifier) Notify(title, message string) {
	n.Logger.Warn().Str("title", title).Msg(message)
}

// NoPrompt is a Prompter with no way to ask; it always reports cancelled.
type NoPrompt struct{}

func (NoPrompt) PromptSecret(title, message string) (string, bool) { return "", false }

// NoWatcher is a SessionWatcher with no signal source.
type NoWatcher struct{}

func (NoWatcher) Events() <-chan SessionEvent { return nil }
