package microbreak

import (
	"errors"
	"math/rand/v2"
	"testing"
)

func newTestScheduler(seed uint64) *Scheduler {
	return New(Config{MinIntervalMinutes: 3, MaxIntervalMinutes: 5, BreakDurationSeconds: 15, SkipLimit: DefaultSkipLimit}, rand.New(rand.NewPCG(seed, seed+1)))
}

func TestFirstBreakWithinDefaultBounds(t *testing.T) {
	t.Parallel()

	for seed := uint64(0); seed < 200; seed++ {
		s := newTestScheduler(seed)
		s.StartScheduling()
		at, ok := s.NextBreakAt()
		if !ok {
			t.Fatal("no break scheduled")
		}
		if at < 180 || at > 300 {
			t.Fatalf("seed %d: first break at %d, want [180, 300]", seed, at)
		}
		if s.ShouldTrigger(at - 1) {
			t.Fatalf("seed %d: triggered early at %d", seed, at-1)
		}
		if !s.ShouldTrigger(at) || !s.ShouldTrigger(300) {
			t.Fatalf("seed %d: expected trigger at %d", seed, at)
		}
	}
}

func TestAdjustmentFactorStaysBounded(t *testing.T) {
	t.Parallel()

	r := rand.New(rand.NewPCG(7, 11))
	s := newTestScheduler(3)
	s.StartScheduling()
	elapsed := uint64(0)
	for i := 0; i < 2000; i++ {
		elapsed += 10
		if r.IntN(2) == 0 {
			s.OnSkipped(elapsed)
		} else {
			s.OnCompleted(elapsed)
		}
		snap := s.Snapshot()
		if snap.AdjustmentFactor < MinAdjustment || snap.AdjustmentFactor > MaxAdjustment {
			t.Fatalf("step %d: factor %v out of range", i, snap.AdjustmentFactor)
		}
		if snap.FatigueLevel < 0 || snap.FatigueLevel > 1 {
			t.Fatalf("step %d: fatigue %v out of range", i, snap.FatigueLevel)
		}
		if snap.NextBreakAt == nil || *snap.NextBreakAt < elapsed {
			t.Fatalf("step %d: next break not rescheduled from %d", i, elapsed)
		}
	}
}

func TestSkipsNarrowAndCompletionsWiden(t *testing.T) {
	t.Parallel()

	s := newTestScheduler(1)
	s.StartScheduling()
	for i := 0; i < 10; i++ {
		s.OnSkipped(0)
	}
	snap := s.Snapshot()
	if snap.AdjustmentFactor != MinAdjustment {
		t.Fatalf("factor after many skips = %v, want floor %v", snap.AdjustmentFactor, MinAdjustment)
	}
	if snap.FatigueLevel < 0.99 {
		t.Fatalf("fatigue after 10 skips = %v, want 1", snap.FatigueLevel)
	}
	// Highest possible draw: 5min * 0.7 * (1-0.3) = 147s.
	if at, _ := s.NextBreakAt(); at > 147 {
		t.Fatalf("break at %d, expected narrowed interval", at)
	}

	for i := 0; i < 30; i++ {
		s.OnCompleted(0)
	}
	snap = s.Snapshot()
	if snap.AdjustmentFactor != MaxAdjustment {
		t.Fatalf("factor after many completions = %v, want cap %v", snap.AdjustmentFactor, MaxAdjustment)
	}
	if snap.Completed != 30 || snap.Skipped != 10 {
		t.Fatalf("counters = %+v", snap)
	}
}

func TestOnTriggeredSchedulesAfterBreak(t *testing.T) {
	t.Parallel()

	s := newTestScheduler(5)
	s.StartScheduling()
	s.OnTriggered(200)
	at, _ := s.NextBreakAt()
	if at < 200+15+180 || at > 200+15+300 {
		t.Fatalf("next break at %d", at)
	}
	if s.Snapshot().Triggered != 1 {
		t.Fatal("trigger not counted")
	}
}

func TestSkipLimit(t *testing.T) {
	t.Parallel()

	s := newTestScheduler(9)
	for i := 0; i < DefaultSkipLimit; i++ {
		if err := s.RegisterSkip(); err != nil {
			t.Fatalf("skip %d: %v", i+1, err)
		}
	}
	if err := s.RegisterSkip(); !errors.Is(err, ErrSkipLimitExceeded) {
		t.Fatalf("4th skip err = %v, want ErrSkipLimitExceeded", err)
	}
	s.ResetSkipCount()
	if err := s.RegisterSkip(); err != nil {
		t.Fatalf("skip after reset: %v", err)
	}
}

func TestZeroSkipLimitForbidsSkips(t *testing.T) {
	t.Parallel()

	s := New(Config{MinIntervalMinutes: 3, MaxIntervalMinutes: 5, BreakDurationSeconds: 15}, rand.New(rand.NewPCG(4, 5)))
	if s.CanSkip() {
		t.Fatal("CanSkip with limit 0")
	}
	if err := s.RegisterSkip(); !errors.Is(err, ErrSkipLimitExceeded) {
		t.Fatalf("skip err = %v, want ErrSkipLimitExceeded", err)
	}
	if got := s.Snapshot().SkipLimit; got != 0 {
		t.Fatalf("snapshot skip limit = %d", got)
	}

	s.Configure(Config{MinIntervalMinutes: 3, MaxIntervalMinutes: 5, BreakDurationSeconds: 15, SkipLimit: -1})
	if got := s.Snapshot().SkipLimit; got != DefaultSkipLimit {
		t.Fatalf("negative limit = %d, want default", got)
	}
}

func TestStopClearsSchedule(t *testing.T) {
	t.Parallel()

	s := newTestScheduler(2)
	s.StartScheduling()
	s.Stop()
	if s.ShouldTrigger(1 << 40) {
		t.Fatal("stopped scheduler triggered")
	}
}
