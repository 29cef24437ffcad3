package cycle

import (
	"errors"
	"fmt"

	"focusloop/internal/microbreak"
)

var (
	ErrAlreadyRunning    = errors.New("timer already running")
	ErrNotRunning        = errors.New("timer not running")
	ErrInvalidState      = errors.New("command not allowed in current cycle state")
	ErrUninitialized     = errors.New("timer not initialized")
	ErrSkipLimitExceeded = microbreak.ErrSkipLimitExceeded
	ErrInvalidSettings   = errors.New("invalid settings")
)

// State is the coarse position in the work/rest cycle.
type State int

const (
	WaitingToStart State = iota
	InFocusSession
	InLongBreak
	InMicroBreak
	Completed
)

func (s State) String() string {
	switch s {
	case WaitingToStart:
		return "waiting_to_start"
	case InFocusSession:
		return "in_focus_session"
	case InLongBreak:
		return "in_long_break"
	case InMicroBreak:
		return "in_micro_break"
	case Completed:
		return "completed"
	default:
		return fmt.Sprintf("cycle(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Settings are read when a segment starts; changes apply to the next one.
type Settings struct {
	FocusDurationMinutes         uint32 `json:"focus_duration_minutes"`
	LongBreakDurationMinutes     uint32 `json:"long_break_duration_minutes"`
	MicroBreakMinIntervalMinutes uint32 `json:"micro_break_min_interval_minutes"`
	MicroBreakMaxIntervalMinutes uint32 `json:"micro_break_max_interval_minutes"`
	MicroBreakDurationSeconds    uint32 `json:"micro_break_duration_seconds"`
	MicroBreakSkipLimit          int    `json:"micro_break_skip_limit"`
	NotificationsEnabled         bool   `json:"notifications_enabled"`
	AutoStartMicroBreaks         bool   `json:"auto_start_micro_breaks"`
	AutoResumeFocus              bool   `json:"auto_resume_focus"`
}

func DefaultSettings() Settings {
	return Settings{
		FocusDurationMinutes:         90,
		LongBreakDurationMinutes:     20,
		MicroBreakMinIntervalMinutes: 3,
		MicroBreakMaxIntervalMinutes: 5,
		MicroBreakDurationSeconds:    15,
		MicroBreakSkipLimit:          microbreak.DefaultSkipLimit,
		NotificationsEnabled:         true,
		AutoStartMicroBreaks:         true,
		AutoResumeFocus:              true,
	}
}

func (s Settings) Validate() error {
	switch {
	case s.FocusDurationMinutes == 0:
		return fmt.Errorf("%w: focus_duration_minutes must be > 0", ErrInvalidSettings)
	case s.LongBreakDurationMinutes == 0:
		return fmt.Errorf("%w: long_break_duration_minutes must be > 0", ErrInvalidSettings)
	case s.MicroBreakMinIntervalMinutes == 0:
		return fmt.Errorf("%w: micro_break_min_interval_minutes must be > 0", ErrInvalidSettings)
	case s.MicroBreakMaxIntervalMinutes < s.MicroBreakMinIntervalMinutes:
		return fmt.Errorf("%w: micro_break_max_interval_minutes must be >= min", ErrInvalidSettings)
	case s.MicroBreakDurationSeconds == 0:
		return fmt.Errorf("%w: micro_break_duration_seconds must be > 0", ErrInvalidSettings)
	case s.MicroBreakSkipLimit < 0:
		return fmt.Errorf("%w: micro_break_skip_limit must be >= 0", ErrInvalidSettings)
	}
	return nil
}

func (s Settings) schedulerConfig() microbreak.Config {
	return microbreak.Config{
		MinIntervalMinutes:   s.MicroBreakMinIntervalMinutes,
		MaxIntervalMinutes:   s.MicroBreakMaxIntervalMinutes,
		BreakDurationSeconds: s.MicroBreakDurationSeconds,
		SkipLimit:            s.MicroBreakSkipLimit,
	}
}
