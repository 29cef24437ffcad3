package timer

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Status int

const (
	Idle Status = iota
	Running
	Paused
	Completed
)

func (s Status) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Paused:
		return "paused"
	case Completed:
		return "completed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Phase is the kind of segment a State describes.
type Phase int

const (
	Focus Phase = iota
	LongBreak
	MicroBreak
)

func (p Phase) String() string {
	switch p {
	case Focus:
		return "focus"
	case LongBreak:
		return "long_break"
	case MicroBreak:
		return "micro_break"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

func (p Phase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Phase) UnmarshalText(b []byte) error {
	switch string(b) {
	case "focus":
		*p = Focus
	case "long_break":
		*p = LongBreak
	case "micro_break":
		*p = MicroBreak
	default:
		return fmt.Errorf("unknown phase %q", string(b))
	}
	return nil
}

// State describes one segment. Durations are whole seconds and
// Remaining+Elapsed always equals Total.
type State struct {
	Status           Status     `json:"status"`
	Phase            Phase      `json:"phase"`
	Total            uint64     `json:"total_seconds"`
	Remaining        uint64     `json:"remaining_seconds"`
	Elapsed          uint64     `json:"elapsed_seconds"`
	StartTime        *time.Time `json:"start_time,omitempty"`
	PauseTime        *time.Time `json:"pause_time,omitempty"`
	SessionID        string     `json:"session_id"`
	MicroBreakCount  int        `json:"micro_break_count"`
	NextMicroBreakAt *uint64    `json:"next_micro_break_at,omitempty"`
}

func newState(phase Phase, seconds uint64) State {
	return State{
		Status:    Idle,
		Phase:     phase,
		Total:     seconds,
		Remaining: seconds,
		SessionID: uuid.NewString(),
	}
}

func NewFocus(minutes uint32) State      { return newState(Focus, uint64(minutes)*60) }
func NewLongBreak(minutes uint32) State  { return newState(LongBreak, uint64(minutes)*60) }
func NewMicroBreak(seconds uint32) State { return newState(MicroBreak, uint64(seconds)) }

// Start marks the segment running. A zero-length segment completes immediately.
func (s *State) Start(now time.Time) {
	s.Status = Running
	s.StartTime = &now
	s.PauseTime = nil
	if s.Remaining == 0 {
		s.Complete()
	}
}

// Pause only applies to a running segment.
func (s *State) Pause(now time.Time) {
	if s.Status != Running {
		return
	}
	s.Status = Paused
	s.PauseTime = &now
}

// Resume only applies to a paused segment.
func (s *State) Resume() {
	if s.Status != Paused {
		return
	}
	s.Status = Running
	s.PauseTime = nil
}

func (s *State) Complete() {
	s.Remaining = 0
	s.Elapsed = s.Total
	s.Status = Completed
}

func (s *State) Reset() {
	s.Remaining = s.Total
	s.Elapsed = 0
	s.Status = Idle
	s.StartTime = nil
	s.PauseTime = nil
	s.NextMicroBreakAt = nil
}

// Tick applies one second to a running segment and reports whether the
// segment is now complete. Non-running states are left untouched.
func (s *State) Tick() bool {
	if s.Status != Running {
		return s.Status == Completed
	}
	if s.Remaining > 0 {
		s.Remaining--
		s.Elapsed++
	}
	if s.Remaining == 0 {
		s.Complete()
		return true
	}
	return false
}

func (s State) Progress() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Elapsed) / float64(s.Total)
}

func (s State) IsRunning() bool   { return s.Status == Running }
func (s State) IsPaused() bool    { return s.Status == Paused }
func (s State) IsIdle() bool      { return s.Status == Idle }
func (s State) IsCompleted() bool { return s.Status == Completed }

// Clone returns a copy that shares no pointers with s.
func (s State) Clone() State {
	out := s
	if s.StartTime != nil {
		t := *s.StartTime
		out.StartTime = &t
	}
	if s.PauseTime != nil {
		t := *s.PauseTime
		out.PauseTime = &t
	}
	if s.NextMicroBreakAt != nil {
		v := *s.NextMicroBreakAt
		out.NextMicroBreakAt = &v
	}
	return out
}
