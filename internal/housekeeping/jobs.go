package housekeeping

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"focusloop/internal/metrics"
	"focusloop/internal/storage"
	logx "focusloop/pkg/logx"
)

const (
	JobPipelineCleanup = "pipeline.cleanup"
	JobDailyStats      = "stats.daily"
)

// Queue is the pipeline surface the cleanup job needs.
type Queue interface {
	CleanupExpiredEvents() int
	QueueStatus() (size, limit int)
}

// StatsSource reads per-day aggregates.
type StatsSource interface {
	TodayStats(ctx context.Context, day time.Time) (storage.TodayStats, error)
}

// CleanupJob drops expired queued events and reports the queue size.
func CleanupJob(q Queue, rec metrics.Recorder, log logx.Logger) func(ctx context.Context) error {
	return func(context.Context) error {
		removed := q.CleanupExpiredEvents()
		size, limit := q.QueueStatus()
		rec.RecordMetric(metrics.EventQueueSize, float64(size), "events", map[string]string{
			"max":     strconv.Itoa(limit),
			"expired": strconv.Itoa(removed),
		})
		if removed > 0 {
			log.Info("expired events removed", logx.Int("removed", removed), logx.Int("queue", size))
		}
		return nil
	}
}

// DailyStatsJob logs the day that just ended and records its completed
// focus sessions. Without a store it falls back to the in-process counter.
func DailyStatsJob(src StatsSource, completed func() int, now func() time.Time, rec metrics.Recorder, log logx.Logger) func(ctx context.Context) error {
	if now == nil {
		now = time.Now
	}
	return func(ctx context.Context) error {
		if src == nil {
			n := 0
			if completed != nil {
				n = completed()
			}
			rec.RecordMetric(metrics.FocusSessionsCompleted, float64(n), "sessions", map[string]string{"source": "process"})
			log.Info("daily stats", logx.Int("focus_sessions", n))
			return nil
		}
		// Scheduled at midnight; a minute back lands on the finished day.
		day := now().Add(-time.Minute)
		st, err := src.TodayStats(ctx, day)
		if err != nil {
			return fmt.Errorf("daily stats: %w", err)
		}
		rec.RecordMetric(metrics.FocusSessionsCompleted, float64(st.FocusCount), "sessions", map[string]string{
			"source": "store",
			"date":   st.Date,
		})
		log.Info("daily stats",
			logx.String("date", st.Date),
			logx.Int("focus_sessions", st.FocusCount),
			logx.Int("breaks", st.BreakCount),
			logx.Duration("focus_time", time.Duration(st.TotalFocusSeconds)*time.Second),
		)
		return nil
	}
}
