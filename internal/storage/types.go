package storage

import (
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("session not found")
)

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines journal plus snapshot, no external dependencies
//   - "sqlite": SQLite database file (modernc.org/sqlite)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means 5s
}

// Session types as stored. They match the segment phase names.
const (
	TypeFocus      = "focus"
	TypeLongBreak  = "long_break"
	TypeMicroBreak = "micro_break"
)

// SessionRecord is one persisted segment.
type SessionRecord struct {
	ID              string     `json:"id"`
	Type            string     `json:"session_type"`
	DurationSeconds uint64     `json:"duration_seconds"`
	StartTime       time.Time  `json:"start_time"`
	EndTime         *time.Time `json:"end_time,omitempty"`
	Completed       bool       `json:"completed"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// TodayStats summarizes the sessions started on one local day.
// BreakCount covers long and micro breaks; TotalFocusSeconds only counts
// completed focus sessions.
type TodayStats struct {
	Date              string `json:"date"`
	FocusCount        int    `json:"focus_count"`
	BreakCount        int    `json:"break_count"`
	TotalFocusSeconds uint64 `json:"total_focus_time"`
}

// dayBounds returns [start, end) of the calendar day containing day, in
// day's location.
func dayBounds(day time.Time) (time.Time, time.Time) {
	y, m, d := day.Date()
	start := time.Date(y, m, d, 0, 0, 0, 0, day.Location())
	return start, start.AddDate(0, 0, 1)
}

func accumulate(st *TodayStats, r SessionRecord) {
	switch r.Type {
	case TypeFocus:
		st.FocusCount++
		if r.Completed {
			st.TotalFocusSeconds += r.DurationSeconds
		}
	case TypeLongBreak, TypeMicroBreak:
		st.BreakCount++
	}
}
