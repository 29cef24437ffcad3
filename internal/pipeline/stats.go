package pipeline

import (
	"maps"
	"sync"
	"time"
)

type Stats struct {
	Total         uint64            `json:"total_events"`
	Successful    uint64            `json:"successful_events"`
	Failed        uint64            `json:"failed_events"`
	Discarded     uint64            `json:"discarded_events"`
	AvgProcessing float64           `json:"average_processing_time_seconds"`
	PerCategory   map[string]uint64 `json:"events_per_category"`
	PerPriority   map[string]uint64 `json:"events_per_priority"`
	LastUpdated   time.Time         `json:"last_updated"`
}

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeRetry
	outcomeFailed
	outcomeDiscard
)

type statsBox struct {
	mu sync.Mutex
	s  Stats
}

func newStatsBox() *statsBox {
	return &statsBox{s: Stats{PerCategory: map[string]uint64{}, PerPriority: map[string]uint64{}}}
}

// record counts one processing attempt. Retries count toward the totals
// but toward none of success/failed/discarded.
func (b *statsBox) record(ev EnhancedEvent, out outcome, took time.Duration, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.s.Total++
	switch out {
	case outcomeSuccess:
		b.s.Successful++
	case outcomeFailed:
		b.s.Failed++
	case outcomeDiscard:
		b.s.Discarded++
	}
	b.s.PerCategory[ev.Category.String()]++
	b.s.PerPriority[ev.Priority.String()]++

	n := float64(b.s.Total)
	b.s.AvgProcessing += (took.Seconds() - b.s.AvgProcessing) / n
	b.s.LastUpdated = now
}

func (b *statsBox) snapshot() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.s
	out.PerCategory = maps.Clone(b.s.PerCategory)
	out.PerPriority = maps.Clone(b.s.PerPriority)
	return out
}
