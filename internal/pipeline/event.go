package pipeline

import (
	"fmt"
	"time"

	"focusloop/internal/timer"
)

type Priority int

const (
	Low Priority = iota
	Normal
	High
	Critical
)

func (p Priority) String() string {
	switch p {
	case Low:
		return "low"
	case Normal:
		return "normal"
	case High:
		return "high"
	case Critical:
		return "critical"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

func (p Priority) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

type Category int

const (
	CategoryTimer Category = iota
	CategoryMicroBreak
	CategorySystem
	CategoryNotification
	CategoryAnalytics
)

func (c Category) String() string {
	switch c {
	case CategoryTimer:
		return "timer"
	case CategoryMicroBreak:
		return "micro_break"
	case CategorySystem:
		return "system"
	case CategoryNotification:
		return "notification"
	case CategoryAnalytics:
		return "analytics"
	default:
		return fmt.Sprintf("category(%d)", int(c))
	}
}

func (c Category) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

// EnhancedEvent is a domain event wrapped with delivery metadata.
type EnhancedEvent struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	Event      timer.Event `json:"event"`
	Priority   Priority    `json:"priority"`
	Timestamp  time.Time   `json:"timestamp"`
	Category   Category    `json:"category"`
	RetryCount int         `json:"retry_count"`
	Persist    bool        `json:"persist"`
}

// CategoryOf derives the category from the event kind alone.
func CategoryOf(k timer.Kind) Category {
	switch k {
	case timer.KindMicroBreakTriggered,
		timer.KindMicroBreakSkipped,
		timer.KindMicroBreakCompleted,
		timer.KindMicroBreakSkipLimitReached:
		return CategoryMicroBreak
	case timer.KindFatigueWarning, timer.KindFocusSessionCompleted:
		return CategoryNotification
	default:
		return CategoryTimer
	}
}

// ShouldPersist reports whether events of kind k belong in durable history.
func ShouldPersist(k timer.Kind) bool {
	switch k {
	case timer.KindStarted, timer.KindCompleted, timer.KindMicroBreakCompleted, timer.KindFocusSessionCompleted:
		return true
	}
	return false
}
