package housekeeping

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"focusloop/internal/metrics"
	"focusloop/internal/storage"
	logx "focusloop/pkg/logx"
)

func TestParseScheduleVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		raw    string
		spec   string
		source string
	}{
		{name: "cron", raw: "0 0 * * *", spec: "0 0 * * *", source: "cron"},
		{name: "descriptor", raw: "@every 30s", spec: "@every 30s", source: "cron"},
		{name: "prefixed cron", raw: "cron:*/5 * * * *", spec: "*/5 * * * *", source: "cron"},
		{name: "duration", raw: "45s", spec: "@every 45s", source: "duration"},
		{name: "prefixed interval", raw: "every:2m", spec: "@every 2m0s", source: "duration"},
		{name: "hhmm", raw: "01:30", spec: "@every 1h30m0s", source: "hhmm"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSchedule(tt.raw)
			if err != nil {
				t.Fatalf("ParseSchedule(%q) error: %v", tt.raw, err)
			}
			if got.Spec() != tt.spec || got.Source != tt.source {
				t.Fatalf("ParseSchedule(%q) = %q/%s, want %q/%s", tt.raw, got.Spec(), got.Source, tt.spec, tt.source)
			}
		})
	}

	for _, bad := range []string{"", "not-a-schedule", "00:75", "every:-5s"} {
		if _, err := ParseSchedule(bad); err == nil {
			t.Fatalf("ParseSchedule(%q) accepted", bad)
		}
	}
}

func TestAddValidatesCronSpec(t *testing.T) {
	t.Parallel()
	s := New(DefaultConfig(), logx.Nop())
	noop := func(context.Context) error { return nil }

	if err := s.Add("bad", "61 * * * *", 0, noop); err == nil {
		t.Fatal("expected invalid cron error")
	}
	if err := s.Add("", "@every 1s", 0, noop); err == nil {
		t.Fatal("expected name error")
	}
	if err := s.Add("ok", "@every 1m", 0, noop); err != nil {
		t.Fatalf("Add: %v", err)
	}
	// Re-adding replaces instead of duplicating.
	if err := s.Add("ok", "@every 2m", 0, noop); err != nil {
		t.Fatalf("Add: %v", err)
	}
	snap := s.Snapshot()
	if len(snap) != 1 || snap[0].Spec != "@every 2m" {
		t.Fatalf("snapshot = %+v", snap)
	}
	if !s.Remove("ok") || s.Remove("ok") {
		t.Fatal("Remove should report the first removal only")
	}
}

func TestRunNowRecordsOutcome(t *testing.T) {
	t.Parallel()
	s := New(DefaultConfig(), logx.Nop())
	fail := errors.New("disk busy")
	calls := 0
	_ = s.Add("flaky", "@every 1h", time.Second, func(ctx context.Context) error {
		calls++
		if _, ok := ctx.Deadline(); !ok {
			t.Error("job context has no deadline")
		}
		if calls == 1 {
			return fail
		}
		return nil
	})

	if err := s.RunNow("flaky"); !errors.Is(err, fail) {
		t.Fatalf("first run err = %v", err)
	}
	if err := s.RunNow("flaky"); err != nil {
		t.Fatalf("second run err = %v", err)
	}
	if err := s.RunNow("missing"); !errors.Is(err, ErrUnknownJob) {
		t.Fatalf("missing job err = %v", err)
	}

	st := s.Snapshot()[0]
	if st.Runs != 2 || st.Failures != 1 || st.LastErr != "" {
		t.Fatalf("status = %+v", st)
	}
}

func TestRunNowRecoversPanic(t *testing.T) {
	t.Parallel()
	s := New(DefaultConfig(), logx.Nop())
	_ = s.Add("boom", "@every 1h", time.Second, func(context.Context) error { panic("bad") })
	if err := s.RunNow("boom"); err == nil {
		t.Fatal("panic not turned into an error")
	}
	if st := s.Snapshot()[0]; st.Failures != 1 {
		t.Fatalf("status = %+v", st)
	}
}

func TestOverlappingRunIsSkipped(t *testing.T) {
	t.Parallel()
	s := New(DefaultConfig(), logx.Nop())
	release := make(chan struct{})
	started := make(chan struct{})
	_ = s.Add("slow", "@every 1h", 5*time.Second, func(context.Context) error {
		close(started)
		<-release
		return nil
	})

	done := make(chan error, 1)
	go func() { done <- s.RunNow("slow") }()
	<-started
	if err := s.RunNow("slow"); err != nil {
		t.Fatalf("overlapping run err = %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first run err = %v", err)
	}
	if st := s.Snapshot()[0]; st.Runs != 1 || st.Skipped != 1 {
		t.Fatalf("status = %+v", st)
	}
}

func TestStartTriggersJobs(t *testing.T) {
	t.Parallel()
	s := New(DefaultConfig(), logx.Nop())
	var runs atomic.Int32
	_ = s.Add("tick", "@every 1s", time.Second, func(context.Context) error {
		runs.Add(1)
		return nil
	})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for runs.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("job never triggered")
		}
		time.Sleep(20 * time.Millisecond)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

type fakeQueue struct{ removed, size int }

func (q *fakeQueue) CleanupExpiredEvents() int { return q.removed }
func (q *fakeQueue) QueueStatus() (int, int)   { return q.size, 1000 }

type recorded struct {
	kind  string
	value float64
	tags  map[string]string
}

type fakeRecorder struct {
	mu   sync.Mutex
	recs []recorded
}

func (r *fakeRecorder) RecordMetric(kind string, value float64, _ string, tags map[string]string) {
	r.mu.Lock()
	r.recs = append(r.recs, recorded{kind, value, tags})
	r.mu.Unlock()
}

func TestCleanupJobRecordsQueueSize(t *testing.T) {
	t.Parallel()
	rec := &fakeRecorder{}
	job := CleanupJob(&fakeQueue{removed: 3, size: 7}, rec, logx.Nop())
	if err := job(context.Background()); err != nil {
		t.Fatalf("job: %v", err)
	}
	if len(rec.recs) != 1 {
		t.Fatalf("recorded %d metrics", len(rec.recs))
	}
	got := rec.recs[0]
	if got.kind != metrics.EventQueueSize || got.value != 7 || got.tags["expired"] != "3" || got.tags["max"] != "1000" {
		t.Fatalf("metric = %+v", got)
	}
}

type fakeStats struct {
	day time.Time
	err error
}

func (f *fakeStats) TodayStats(_ context.Context, day time.Time) (storage.TodayStats, error) {
	f.day = day
	if f.err != nil {
		return storage.TodayStats{}, f.err
	}
	return storage.TodayStats{Date: day.Format("2006-01-02"), FocusCount: 4, BreakCount: 2, TotalFocusSeconds: 4 * 5400}, nil
}

func TestDailyStatsJobReportsFinishedDay(t *testing.T) {
	t.Parallel()
	midnight := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	src := &fakeStats{}
	rec := &fakeRecorder{}
	job := DailyStatsJob(src, nil, func() time.Time { return midnight }, rec, logx.Nop())

	if err := job(context.Background()); err != nil {
		t.Fatalf("job: %v", err)
	}
	if got := src.day.Format("2006-01-02"); got != "2026-03-14" {
		t.Fatalf("queried day %s, want 2026-03-14", got)
	}
	if len(rec.recs) != 1 || rec.recs[0].kind != metrics.FocusSessionsCompleted || rec.recs[0].value != 4 || rec.recs[0].tags["date"] != "2026-03-14" {
		t.Fatalf("metrics = %+v", rec.recs)
	}

	src.err = errors.New("locked")
	if err := job(context.Background()); !errors.Is(err, src.err) {
		t.Fatalf("err = %v", err)
	}
}

func TestDailyStatsJobWithoutStore(t *testing.T) {
	t.Parallel()
	rec := &fakeRecorder{}
	job := DailyStatsJob(nil, func() int { return 2 }, nil, rec, logx.Nop())
	if err := job(context.Background()); err != nil {
		t.Fatalf("job: %v", err)
	}
	if len(rec.recs) != 1 || rec.recs[0].value != 2 || rec.recs[0].tags["source"] != "process" {
		t.Fatalf("metrics = %+v", rec.recs)
	}
}
