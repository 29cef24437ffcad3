package microbreak

import (
	"errors"
	"math"
	"math/rand/v2"
	"time"
)

var ErrSkipLimitExceeded = errors.New("micro-break skip limit exceeded")

const (
	MinAdjustment = 0.7
	MaxAdjustment = 1.3

	DefaultSkipLimit = 3
)

type Config struct {
	MinIntervalMinutes   uint32
	MaxIntervalMinutes   uint32
	BreakDurationSeconds uint32
	// SkipLimit caps skips per focus session. 0 forbids skipping; a
	// negative value uses DefaultSkipLimit.
	SkipLimit int
}

// Snapshot is a copy of the scheduler's counters and adaptive state.
type Snapshot struct {
	NextBreakAt      *uint64 `json:"next_break_at,omitempty"`
	Triggered        uint32  `json:"triggered"`
	Skipped          uint32  `json:"skipped"`
	Completed        uint32  `json:"completed"`
	SessionSkips     int     `json:"session_skips"`
	SkipLimit        int     `json:"skip_limit"`
	AdjustmentFactor float64 `json:"interval_adjustment_factor"`
	FatigueLevel     float64 `json:"fatigue_level"`
}

// Scheduler decides when the next micro-break fires, as an offset in seconds
// from the start of the focus segment. It is not safe for concurrent use; the
// owning controller serializes access.
type Scheduler struct {
	cfg Config
	rng *rand.Rand

	nextBreakAt *uint64
	triggered   uint32
	skipped     uint32
	completed   uint32

	sessionSkips int
	factor       float64
	fatigue      float64
}

// New builds a scheduler. A nil rng uses a time-seeded PCG source.
func New(cfg Config, rng *rand.Rand) *Scheduler {
	if rng == nil {
		seed := uint64(time.Now().UnixNano())
		rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	}
	s := &Scheduler{rng: rng, factor: 1}
	s.Configure(cfg)
	return s
}

// Configure replaces the intervals and limits. The current schedule is kept
// until the next reschedule.
func (s *Scheduler) Configure(cfg Config) {
	if cfg.MaxIntervalMinutes < cfg.MinIntervalMinutes {
		cfg.MinIntervalMinutes, cfg.MaxIntervalMinutes = cfg.MaxIntervalMinutes, cfg.MinIntervalMinutes
	}
	if cfg.SkipLimit < 0 {
		cfg.SkipLimit = DefaultSkipLimit
	}
	s.cfg = cfg
}

func (s *Scheduler) BreakDuration() uint32 { return s.cfg.BreakDurationSeconds }

// StartScheduling clears counters and adaptive state and schedules the
// first break from offset 0.
func (s *Scheduler) StartScheduling() {
	s.triggered = 0
	s.skipped = 0
	s.completed = 0
	s.factor = 1
	s.fatigue = 0
	s.ScheduleNext(0)
}

// Stop forgets the pending break. ShouldTrigger reports false until the
// next StartScheduling or ScheduleNext.
func (s *Scheduler) Stop() { s.nextBreakAt = nil }

func (s *Scheduler) ShouldTrigger(elapsed uint64) bool {
	return s.nextBreakAt != nil && elapsed >= *s.nextBreakAt
}

func (s *Scheduler) NextBreakAt() (uint64, bool) {
	if s.nextBreakAt == nil {
		return 0, false
	}
	return *s.nextBreakAt, true
}

func (s *Scheduler) OnTriggered(elapsed uint64) {
	s.triggered++
	s.ScheduleNext(elapsed + uint64(s.cfg.BreakDurationSeconds))
}

// OnSkipped narrows the cadence: a skipped break means the next ones come
// sooner.
func (s *Scheduler) OnSkipped(elapsed uint64) {
	s.skipped++
	s.factor = math.Max(MinAdjustment, s.factor*0.9)
	s.fatigue = math.Min(1, s.fatigue+0.1)
	s.ScheduleNext(elapsed)
}

func (s *Scheduler) OnCompleted(elapsed uint64) {
	s.completed++
	s.factor = math.Min(MaxAdjustment, s.factor*1.05)
	s.fatigue *= 0.7
	s.ScheduleNext(elapsed)
}

// ScheduleNext draws a uniform interval in
// [min*60*factor*discount, max*60*factor*discount] seconds, with
// discount = 1 - 0.3*fatigue, and returns from+draw.
func (s *Scheduler) ScheduleNext(from uint64) uint64 {
	scale := s.factor * (1 - 0.3*s.fatigue)
	lo := uint64(math.Round(float64(s.cfg.MinIntervalMinutes) * 60 * scale))
	hi := uint64(math.Round(float64(s.cfg.MaxIntervalMinutes) * 60 * scale))
	if hi < lo {
		lo, hi = hi, lo
	}
	draw := lo + s.rng.Uint64N(hi-lo+1)
	next := from + draw
	s.nextBreakAt = &next
	return next
}

func (s *Scheduler) ResetSkipCount() { s.sessionSkips = 0 }

func (s *Scheduler) CanSkip() bool { return s.sessionSkips < s.cfg.SkipLimit }

// RegisterSkip consumes one skip of the per-session allowance.
func (s *Scheduler) RegisterSkip() error {
	if !s.CanSkip() {
		return ErrSkipLimitExceeded
	}
	s.sessionSkips++
	return nil
}

func (s *Scheduler) Fatigue() float64 { return s.fatigue }

func (s *Scheduler) Snapshot() Snapshot {
	snap := Snapshot{
		Triggered:        s.triggered,
		Skipped:          s.skipped,
		Completed:        s.completed,
		SessionSkips:     s.sessionSkips,
		SkipLimit:        s.cfg.SkipLimit,
		AdjustmentFactor: s.factor,
		FatigueLevel:     s.fatigue,
	}
	if s.nextBreakAt != nil {
		v := *s.nextBreakAt
		snap.NextBreakAt = &v
	}
	return snap
}
