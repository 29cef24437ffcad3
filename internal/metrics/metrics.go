// Package metrics is the metric-ingestion port. Recording is fire-and-forget.
package metrics

import (
	"maps"
	"sort"
	"strings"
	"sync"
	"time"

	logx "focusloop/pkg/logx"
)

// Metric kinds recorded by focusloop.
const (
	CommandLatency         = "command_latency"
	SegmentCompleted       = "segment_completed"
	EventQueueSize         = "event_queue_size"
	FocusSessionsCompleted = "focus_sessions_completed"
	EventDeliveryFailed    = "event_delivery_failed"
)

type Recorder interface {
	RecordMetric(kind string, value float64, unit string, tags map[string]string)
}

type Nop struct{}

func (Nop) RecordMetric(string, float64, string, map[string]string) {}

// Summary aggregates every value recorded under one kind.
type Summary struct {
	Count uint64    `json:"count"`
	Sum   float64   `json:"sum"`
	Last  float64   `json:"last"`
	Unit  string    `json:"unit"`
	At    time.Time `json:"at"`
}

// LogSink writes each metric as a structured log line and keeps a running
// summary per kind.
type LogSink struct {
	log logx.Logger

	mu   sync.Mutex
	sums map[string]Summary
}

func NewLogSink(log logx.Logger) *LogSink {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &LogSink{
		log:  log.With(logx.String("comp", "metrics")),
		sums: map[string]Summary{},
	}
}

func (s *LogSink) RecordMetric(kind string, value float64, unit string, tags map[string]string) {
	now := time.Now()
	s.mu.Lock()
	sum := s.sums[kind]
	sum.Count++
	sum.Sum += value
	sum.Last = value
	sum.Unit = unit
	sum.At = now
	s.sums[kind] = sum
	s.mu.Unlock()

	if !s.log.Enabled(logx.LevelDebug) {
		return
	}
	fields := []logx.Field{
		logx.String("kind", kind),
		logx.Float64("value", value),
		logx.String("unit", unit),
	}
	if len(tags) > 0 {
		fields = append(fields, logx.String("tags", formatTags(tags)))
	}
	s.log.Debug("metric", fields...)
}

func (s *LogSink) Snapshot() map[string]Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.sums)
}

func formatTags(tags map[string]string) string {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(tags[k])
	}
	return b.String()
}
