package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"focusloop/internal/eventbus"
	"focusloop/internal/timer"
	logx "focusloop/pkg/logx"
)

type recordingObserver struct {
	mu    sync.Mutex
	names []string
	err   error
}

func (r *recordingObserver) Deliver(_ context.Context, name string, payload []byte) error {
	if !json.Valid(payload) {
		return errors.New("payload is not JSON")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.names = append(r.names, name)
	return r.err
}

func (r *recordingObserver) calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.names...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.BatchInterval = 5 * time.Millisecond
	cfg.RetryDelay = time.Millisecond
	return cfg
}

func TestSortBatchIsStableByPriority(t *testing.T) {
	t.Parallel()

	batch := []EnhancedEvent{
		{ID: "a", Priority: Low},
		{ID: "b", Priority: Critical},
		{ID: "c", Priority: Normal},
		{ID: "d", Priority: Critical},
		{ID: "e", Priority: Low},
	}
	sortBatch(batch)

	want := []string{"b", "d", "c", "a", "e"}
	for i, ev := range batch {
		if ev.ID != want[i] {
			t.Fatalf("position %d = %s, want %s (order %v)", i, ev.ID, want[i], batch)
		}
	}
}

func TestBatchDeliveredInPriorityOrder(t *testing.T) {
	obs := &recordingObserver{}
	p := New(fastConfig(), obs, WithLogger(logx.Nop()))

	p.Emit(timer.Event{Kind: timer.KindPaused}, Low)
	p.Emit(timer.Event{Kind: timer.KindReset}, Critical)
	p.Emit(timer.Event{Kind: timer.KindResumed}, Normal)

	p.Start(context.Background())
	defer p.Stop(context.Background())

	waitFor(t, "three deliveries", func() bool { return len(obs.calls()) == 3 })
	got := obs.calls()
	want := []string{"timer-reset", "timer-resumed", "timer-paused"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("delivery order = %v, want %v", got, want)
		}
	}

	st := p.Stats()
	if st.Successful != 3 || st.Total != 3 {
		t.Fatalf("stats = %+v", st)
	}
	if st.PerPriority["critical"] != 1 || st.PerCategory["timer"] != 3 {
		t.Fatalf("breakdown = %+v / %+v", st.PerPriority, st.PerCategory)
	}
	if h := p.History(10); len(h) != 3 || h[0].Name != "timer-paused" {
		t.Fatalf("history = %+v", h)
	}
}

func TestTimeoutIsRetriedThenDropped(t *testing.T) {
	obs := &recordingObserver{err: errors.New("read tcp: i/o timeout")}
	bus := eventbus.New()
	dropped, unsub := bus.Subscribe(4, eventbus.TypeDropped)
	defer unsub()

	p := New(fastConfig(), obs, WithLogger(logx.Nop()), WithBus(bus))
	p.Start(context.Background())
	defer p.Stop(context.Background())

	p.Emit(timer.Event{Kind: timer.KindStarted}, High)

	select {
	case e := <-dropped:
		sig := e.Data.(Signal)
		if sig.RetryCount != 3 {
			t.Fatalf("dropped with retry_count %d, want 3", sig.RetryCount)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("event was never dropped")
	}

	// Give a stray extra attempt a chance to show up.
	time.Sleep(20 * time.Millisecond)
	if n := len(obs.calls()); n != 4 {
		t.Fatalf("delivery attempts = %d, want 4", n)
	}
	st := p.Stats()
	if st.Successful != 0 || st.Failed != 0 {
		t.Fatalf("retries must not count as success or failure: %+v", st)
	}
	if q, _ := p.QueueStatus(); q != 0 {
		t.Fatalf("queue len = %d after drop", q)
	}
}

func TestConnectionErrorRecovers(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	obs := ObserverFunc(func(context.Context, string, []byte) error {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts == 1 {
			return errors.New("connection refused")
		}
		return nil
	})
	p := New(fastConfig(), obs, WithLogger(logx.Nop()))
	p.Start(context.Background())
	defer p.Stop(context.Background())

	p.Emit(timer.Event{Kind: timer.KindCompleted}, Normal)
	waitFor(t, "successful redelivery", func() bool { return p.Stats().Successful == 1 })

	h := p.History(1)
	if len(h) != 1 || h[0].RetryCount != 1 || !h[0].Persist {
		t.Fatalf("history = %+v", h)
	}
}

func TestPermanentErrorCountsFailed(t *testing.T) {
	obs := &recordingObserver{err: errors.New("chat not found")}
	bus := eventbus.New()
	failed, unsub := bus.Subscribe(4, eventbus.TypeFailed)
	defer unsub()

	p := New(fastConfig(), obs, WithLogger(logx.Nop()), WithBus(bus))
	p.Start(context.Background())
	defer p.Stop(context.Background())

	p.Emit(timer.Event{Kind: timer.KindFatigueWarning}, High)

	select {
	case e := <-failed:
		if e.Data.(Signal).Category != "notification" {
			t.Fatalf("signal = %+v", e.Data)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no failure signal")
	}
	st := p.Stats()
	if st.Failed != 1 || len(obs.calls()) != 1 {
		t.Fatalf("failed=%d attempts=%d", st.Failed, len(obs.calls()))
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want outcome
	}{
		{nil, outcomeSuccess},
		{errors.New("connection reset by peer"), outcomeRetry},
		{errors.New("request timeout"), outcomeRetry},
		{context.DeadlineExceeded, outcomeRetry},
		{errors.New("Forbidden: bot was blocked"), outcomeFailed},
	}
	for _, tt := range tests {
		got, err := classify("x", tt.err)
		if got != tt.want {
			t.Fatalf("classify(%v) = %v, want %v", tt.err, got, tt.want)
		}
		if got == outcomeFailed && !errors.Is(err, ErrDeliveryFailed) {
			t.Fatalf("failed outcome must wrap ErrDeliveryFailed, got %v", err)
		}
	}
}

type dupAll struct{}

func (dupAll) IsDuplicate(EnhancedEvent) bool { return true }

func TestDeduplicatorDiscards(t *testing.T) {
	obs := &recordingObserver{}
	p := New(fastConfig(), obs, WithLogger(logx.Nop()), WithDeduplicator(dupAll{}))
	p.Start(context.Background())
	defer p.Stop(context.Background())

	p.Emit(timer.Event{Kind: timer.KindTick}, Low)
	waitFor(t, "discard", func() bool { return p.Stats().Discarded == 1 })
	if len(obs.calls()) != 0 {
		t.Fatal("discarded event reached the observer")
	}
}

func TestCleanupExpiredEvents(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	now := base
	p := New(DefaultConfig(), nil, WithClock(func() time.Time { return now }))

	p.Emit(timer.Event{Kind: timer.KindTick}, Low)
	p.Emit(timer.Event{Kind: timer.KindTick}, Low)
	now = base.Add(30 * time.Second)
	p.Emit(timer.Event{Kind: timer.KindTick}, Low)
	p.pushQueue(EnhancedEvent{ID: "retry", Timestamp: base})

	now = base.Add(60 * time.Second)
	if removed := p.CleanupExpiredEvents(); removed != 3 {
		t.Fatalf("removed = %d, want 3", removed)
	}
	if n, limit := p.QueueStatus(); n != 1 || limit != 1000 {
		t.Fatalf("queue status = (%d, %d), want (1, 1000)", n, limit)
	}

	p.hmu.Lock()
	for i := 0; i < 600; i++ {
		p.history = append(p.history, EnhancedEvent{RetryCount: i})
	}
	p.hmu.Unlock()
	p.CleanupExpiredEvents()

	h := p.History(1000)
	if len(h) != 500 {
		t.Fatalf("history len = %d, want 500", len(h))
	}
	if h[0].RetryCount != 599 || h[499].RetryCount != 100 {
		t.Fatalf("kept wrong window: newest=%d oldest=%d", h[0].RetryCount, h[499].RetryCount)
	}
}

func TestStopDrainsPendingBatch(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BatchInterval = time.Hour
	cfg.BatchSize = 100
	obs := &recordingObserver{}
	p := New(cfg, obs, WithLogger(logx.Nop()))
	p.Start(context.Background())

	p.Emit(timer.Event{Kind: timer.KindStarted}, Normal)
	p.Emit(timer.Event{Kind: timer.KindReset}, High)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	got := obs.calls()
	if len(got) != 2 || got[0] != "timer-reset" {
		t.Fatalf("drained = %v", got)
	}
}

func TestStatsIncrementalMean(t *testing.T) {
	t.Parallel()

	b := newStatsBox()
	ev := EnhancedEvent{Category: CategoryTimer, Priority: Normal}
	b.record(ev, outcomeSuccess, time.Second, time.Now())
	b.record(ev, outcomeFailed, 3*time.Second, time.Now())
	b.record(ev, outcomeRetry, 2*time.Second, time.Now())

	s := b.snapshot()
	if s.AvgProcessing < 1.999 || s.AvgProcessing > 2.001 {
		t.Fatalf("avg = %v, want 2", s.AvgProcessing)
	}
	if s.Total != 3 || s.Successful != 1 || s.Failed != 1 {
		t.Fatalf("stats = %+v", s)
	}
	s.PerCategory["timer"] = 99
	if b.snapshot().PerCategory["timer"] != 3 {
		t.Fatal("snapshot shares map with live stats")
	}
}
