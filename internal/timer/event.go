package timer

import "fmt"

// Kind identifies a domain event. Its String form is the name observers see.
type Kind int

const (
	KindStarted Kind = iota
	KindPaused
	KindResumed
	KindTick
	KindCompleted
	KindReset
	KindMicroBreakTriggered
	KindMicroBreakSkipped
	KindMicroBreakCompleted
	KindMicroBreakSkipLimitReached
	KindPhaseChanged
	KindFatigueWarning
	KindFocusSessionCompleted
)

var kindNames = [...]string{
	KindStarted:                    "timer-started",
	KindPaused:                     "timer-paused",
	KindResumed:                    "timer-resumed",
	KindTick:                       "timer-tick",
	KindCompleted:                  "timer-completed",
	KindReset:                      "timer-reset",
	KindMicroBreakTriggered:        "micro-break-triggered",
	KindMicroBreakSkipped:          "micro-break-skipped",
	KindMicroBreakCompleted:        "micro-break-completed",
	KindMicroBreakSkipLimitReached: "micro-break-skip-limit-reached",
	KindPhaseChanged:               "phase-changed",
	KindFatigueWarning:             "fatigue-warning",
	KindFocusSessionCompleted:      "focus-session-completed",
}

func (k Kind) String() string {
	if k >= 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// Event is a domain event produced by the cycle controller. Only the fields
// relevant to Kind are set.
type Event struct {
	Kind      Kind    `json:"kind"`
	Phase     Phase   `json:"phase"`
	SessionID string  `json:"session_id,omitempty"`
	Remaining uint64  `json:"remaining_seconds,omitempty"`
	Elapsed   uint64  `json:"elapsed_seconds,omitempty"`
	Progress  float64 `json:"progress,omitempty"`

	From *Phase `json:"from,omitempty"`
	To   *Phase `json:"to,omitempty"`

	Count           int     `json:"count,omitempty"`
	DurationSeconds uint64  `json:"duration_seconds,omitempty"`
	Fatigue         float64 `json:"fatigue_level,omitempty"`
	Message         string  `json:"message,omitempty"`
}

func (e Event) Name() string { return e.Kind.String() }

func TickEvent(s State) Event {
	return Event{
		Kind:      KindTick,
		Phase:     s.Phase,
		SessionID: s.SessionID,
		Remaining: s.Remaining,
		Elapsed:   s.Elapsed,
		Progress:  s.Progress(),
	}
}

func CompletedEvent(s State) Event {
	return Event{Kind: KindCompleted, Phase: s.Phase, SessionID: s.SessionID, Elapsed: s.Elapsed, Progress: 1}
}

func PhaseChangedEvent(sessionID string, from, to Phase) Event {
	return Event{Kind: KindPhaseChanged, Phase: to, SessionID: sessionID, From: &from, To: &to}
}
