package cycle

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strconv"
	"time"

	"focusloop/internal/metrics"
	"focusloop/internal/microbreak"
	"focusloop/internal/pipeline"
	"focusloop/internal/storage"
	"focusloop/internal/timer"
	logx "focusloop/pkg/logx"
)

const (
	persistTimeout = 2 * time.Second
	stopTimeout    = 2 * time.Second
)

// Emitter accepts domain events for delivery. It must not block.
type Emitter interface {
	Emit(ev timer.Event, p pipeline.Priority) pipeline.EnhancedEvent
}

// SessionStore is the part of storage.Store the controller writes to.
type SessionStore interface {
	SaveSession(ctx context.Context, rec storage.SessionRecord) error
	UpdateSessionCompletion(ctx context.Context, id string, completed bool, end time.Time) error
}

type Option func(*Controller)

func WithLogger(log logx.Logger) Option { return func(c *Controller) { c.log = log } }

func WithStore(st SessionStore) Option { return func(c *Controller) { c.store = st } }

func WithMetrics(r metrics.Recorder) Option {
	return func(c *Controller) {
		if r != nil {
			c.metrics = r
		}
	}
}

// WithTickInterval shortens the one-second tick, mainly for tests.
func WithTickInterval(d time.Duration) Option { return func(c *Controller) { c.tickInterval = d } }

func WithRand(r *rand.Rand) Option { return func(c *Controller) { c.rng = r } }

func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}

// Controller owns the current segment, the cycle state and the micro-break
// scheduler. Every command and every tick runs under one exclusive lock;
// events are emitted and sessions persisted after it is released.
type Controller struct {
	// gate is a one-slot semaphore. Ticks acquire it with their timer's
	// context so a command holding it can stop and await the timer.
	gate chan struct{}

	log          logx.Logger
	emitter      Emitter
	store        SessionStore
	metrics      metrics.Recorder
	now          func() time.Time
	tickInterval time.Duration
	rng          *rand.Rand
	base         context.Context

	settings Settings // applied at the next segment start
	active   Settings // snapshot taken at the current segment start

	state    timer.State
	cycle    State
	sched    *microbreak.Scheduler
	timer    *timer.SessionTimer
	gen      uint64
	parent   *timer.State // focus segment interrupted by the running micro-break
	announce *uint64      // break offset already announced as triggered

	completedFocus int
	fatigueStage   int
}

func New(settings Settings, emitter Emitter, opts ...Option) *Controller {
	c := &Controller{
		gate:         make(chan struct{}, 1),
		emitter:      emitter,
		metrics:      metrics.Nop{},
		now:          time.Now,
		tickInterval: timer.DefaultTickInterval,
		base:         context.Background(),
		settings:     settings,
		active:       settings,
		cycle:        WaitingToStart,
	}
	for _, o := range opts {
		o(c)
	}
	if c.log.IsZero() {
		c.log = logx.Nop()
	}
	c.log = c.log.With(logx.String("comp", "cycle"))
	c.sched = microbreak.New(settings.schedulerConfig(), c.rng)
	c.state = timer.NewFocus(settings.FocusDurationMinutes)
	return c
}

func (c *Controller) lock()   { c.gate <- struct{}{} }
func (c *Controller) unlock() { <-c.gate }

func (c *Controller) lockCtx(ctx context.Context) bool {
	select {
	case c.gate <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

// Start binds segment timers to ctx. Timers started before Start use a
// background context.
func (c *Controller) Start(ctx context.Context) {
	c.lock()
	defer c.unlock()
	c.base = ctx
}

// Stop halts the running timer. The segment state is kept as it is.
func (c *Controller) Stop(ctx context.Context) error {
	c.lock()
	defer c.unlock()
	t := c.timer
	c.timer = nil
	c.gen++
	return t.Stop(ctx)
}

// ---- effects collected under the lock, applied after it ----

type emission struct {
	ev timer.Event
	p  pipeline.Priority
}

type effects struct {
	events  []emission
	persist []func(ctx context.Context) error
}

func (c *Controller) emitLocked(fx *effects, ev timer.Event, p pipeline.Priority) {
	if !c.active.NotificationsEnabled && pipeline.CategoryOf(ev.Kind) == pipeline.CategoryNotification {
		p = pipeline.Low
	}
	fx.events = append(fx.events, emission{ev: ev, p: p})
}

func (c *Controller) saveLocked(fx *effects, s timer.State) {
	if c.store == nil {
		return
	}
	rec := storage.SessionRecord{
		ID:              s.SessionID,
		Type:            s.Phase.String(),
		DurationSeconds: s.Total,
		StartTime:       c.now(),
	}
	if s.StartTime != nil {
		rec.StartTime = *s.StartTime
	}
	fx.persist = append(fx.persist, func(ctx context.Context) error {
		if err := c.store.SaveSession(ctx, rec); err != nil {
			return fmt.Errorf("save session %s: %w", rec.ID, err)
		}
		return nil
	})
}

func (c *Controller) finishLocked(fx *effects, id string, completed bool) {
	if c.store == nil || id == "" {
		return
	}
	end := c.now()
	fx.persist = append(fx.persist, func(ctx context.Context) error {
		if err := c.store.UpdateSessionCompletion(ctx, id, completed, end); err != nil {
			return fmt.Errorf("update session %s: %w", id, err)
		}
		return nil
	})
}

// apply emits the collected events, then runs persistence with a bounded
// context. It returns the first persistence error.
func (c *Controller) apply(ctx context.Context, fx effects) error {
	if c.emitter != nil {
		for _, e := range fx.events {
			c.emitter.Emit(e.ev, e.p)
		}
	}
	if len(fx.persist) == 0 {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	var first error
	for _, fn := range fx.persist {
		if err := fn(pctx); err != nil {
			c.log.Warn("session persistence failed", logx.Err(err))
			if first == nil {
				first = err
			}
		}
	}
	return first
}

func (c *Controller) observe(command string, started time.Time, err error) {
	c.metrics.RecordMetric(metrics.CommandLatency, float64(time.Since(started).Microseconds())/1000, "ms", map[string]string{
		"command": command,
		"ok":      strconv.FormatBool(err == nil),
	})
}

// ---- timer handling ----

// stopTimerLocked cancels the running timer. From a command it also waits
// for the tick goroutine; a tick replacing its own timer must not wait.
func (c *Controller) stopTimerLocked(wait bool) {
	t := c.timer
	c.timer = nil
	c.gen++
	if t == nil {
		return
	}
	if !wait {
		t.Cancel()
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := t.Stop(ctx); err != nil {
		c.log.Warn("segment timer did not stop in time", logx.String("timer", t.Name()), logx.Err(err))
	}
}

func (c *Controller) startTimerLocked() {
	gen := c.gen
	name := "cycle." + c.state.Phase.String()
	c.timer = timer.StartSession(c.base, name, c.tickInterval, c.log, func(ctx context.Context) bool {
		return c.onTick(ctx, gen)
	})
}

func (c *Controller) onTick(ctx context.Context, gen uint64) bool {
	if !c.lockCtx(ctx) {
		return false
	}
	if ctx.Err() != nil || gen != c.gen {
		c.unlock()
		return false
	}
	var fx effects
	more := c.tickLocked(&fx)
	c.unlock()

	_ = c.apply(context.Background(), fx)
	return more
}

// tickLocked advances the running segment by one second and performs any
// transition that follows. It reports whether this timer keeps ticking.
func (c *Controller) tickLocked(fx *effects) bool {
	if !c.state.IsRunning() {
		return false
	}
	before := c.state.Elapsed
	done := c.state.Tick()
	if c.state.Elapsed != before {
		c.emitLocked(fx, timer.TickEvent(c.state), pipeline.Low)
	}
	if !done {
		if c.state.Phase == timer.Focus && c.cycle == InFocusSession {
			return !c.checkMicroBreakLocked(fx)
		}
		return true
	}

	c.emitLocked(fx, timer.CompletedEvent(c.state), pipeline.High)
	c.finishLocked(fx, c.state.SessionID, true)
	c.metrics.RecordMetric(metrics.SegmentCompleted, float64(c.state.Total), "s", map[string]string{"phase": c.state.Phase.String()})

	switch c.state.Phase {
	case timer.Focus:
		c.completedFocus++
		c.cycle = WaitingToStart
		c.sched.Stop()
		c.announce = nil
		c.stopTimerLocked(false)
		c.emitLocked(fx, timer.Event{
			Kind:      timer.KindFocusSessionCompleted,
			Phase:     timer.Focus,
			SessionID: c.state.SessionID,
			Count:     c.completedFocus,
			Message:   "Focus session complete. Time for a long break.",
		}, pipeline.High)
		c.log.Info("focus session completed", logx.String("session", c.state.SessionID), logx.Int("completed", c.completedFocus))

	case timer.LongBreak:
		c.cycle = WaitingToStart
		c.stopTimerLocked(false)
		c.log.Info("long break completed", logx.String("session", c.state.SessionID))

	case timer.MicroBreak:
		c.stopTimerLocked(false)
		c.endMicroBreakLocked(fx, false)
	}
	return false
}

// checkMicroBreakLocked announces a due micro-break once and, when
// configured, starts it. It reports whether the focus timer was replaced.
func (c *Controller) checkMicroBreakLocked(fx *effects) bool {
	elapsed := c.state.Elapsed
	if !c.sched.ShouldTrigger(elapsed) {
		return false
	}
	at, _ := c.sched.NextBreakAt()
	if c.announce != nil && *c.announce == at {
		return false
	}
	c.announce = &at
	c.emitLocked(fx, timer.Event{
		Kind:            timer.KindMicroBreakTriggered,
		Phase:           timer.Focus,
		SessionID:       c.state.SessionID,
		Elapsed:         elapsed,
		Count:           c.state.MicroBreakCount + 1,
		DurationSeconds: uint64(c.active.MicroBreakDurationSeconds),
	}, pipeline.High)

	if !c.active.AutoStartMicroBreaks {
		return false
	}
	c.beginMicroBreakLocked(fx, false)
	return true
}

// beginMicroBreakLocked suspends the focus segment and starts a micro-break.
func (c *Controller) beginMicroBreakLocked(fx *effects, wait bool) {
	now := c.now()
	parent := c.state.Clone()
	parent.Pause(now)
	c.sched.OnTriggered(parent.Elapsed)
	if next, ok := c.sched.NextBreakAt(); ok {
		parent.NextMicroBreakAt = &next
	}
	parent.MicroBreakCount++
	c.parent = &parent

	mb := timer.NewMicroBreak(c.active.MicroBreakDurationSeconds)
	mb.MicroBreakCount = parent.MicroBreakCount
	mb.Start(now)

	c.stopTimerLocked(wait)
	c.state = mb
	c.cycle = InMicroBreak
	c.announce = nil
	c.startTimerLocked()

	c.emitLocked(fx, timer.Event{
		Kind:            timer.KindStarted,
		Phase:           timer.MicroBreak,
		SessionID:       mb.SessionID,
		DurationSeconds: mb.Total,
		Count:           mb.MicroBreakCount,
	}, pipeline.High)
	c.emitLocked(fx, timer.PhaseChangedEvent(mb.SessionID, timer.Focus, timer.MicroBreak), pipeline.Normal)
	c.saveLocked(fx, mb)
}

// endMicroBreakLocked hands control back to the interrupted focus segment
// after a micro-break was completed or skipped. The micro-break timer must
// already be stopped.
func (c *Controller) endMicroBreakLocked(fx *effects, skipped bool) {
	mbID := c.state.SessionID
	var focus timer.State
	if c.parent != nil {
		focus = *c.parent
	} else {
		focus = timer.NewFocus(c.active.FocusDurationMinutes)
		focus.Start(c.now())
		focus.Pause(c.now())
	}
	c.parent = nil

	if skipped {
		c.sched.OnSkipped(focus.Elapsed)
		c.emitLocked(fx, timer.Event{
			Kind:      timer.KindMicroBreakSkipped,
			Phase:     timer.MicroBreak,
			SessionID: mbID,
			Elapsed:   focus.Elapsed,
			Count:     c.sched.Snapshot().SessionSkips,
		}, pipeline.Normal)
	} else {
		c.sched.OnCompleted(focus.Elapsed)
		c.emitLocked(fx, timer.Event{
			Kind:      timer.KindMicroBreakCompleted,
			Phase:     timer.MicroBreak,
			SessionID: mbID,
			Count:     int(c.sched.Snapshot().Completed),
		}, pipeline.Normal)
	}
	if next, ok := c.sched.NextBreakAt(); ok {
		focus.NextMicroBreakAt = &next
	}
	c.checkFatigueLocked(fx)

	c.state = focus
	c.cycle = InFocusSession
	c.announce = nil
	c.emitLocked(fx, timer.PhaseChangedEvent(focus.SessionID, timer.MicroBreak, timer.Focus), pipeline.Normal)

	// A skip always resumes; a completed break resumes only when configured.
	if skipped || c.active.AutoResumeFocus {
		c.state.Resume()
		c.startTimerLocked()
		c.emitLocked(fx, timer.Event{
			Kind:      timer.KindResumed,
			Phase:     timer.Focus,
			SessionID: focus.SessionID,
			Remaining: focus.Remaining,
		}, pipeline.Normal)
	}
}

func (c *Controller) checkFatigueLocked(fx *effects) {
	f := c.sched.Fatigue()
	stage := 0
	switch {
	case f > 0.8:
		stage = 2
	case f > 0.5:
		stage = 1
	}
	if stage <= c.fatigueStage {
		c.fatigueStage = stage
		return
	}
	c.fatigueStage = stage
	ev := timer.Event{Kind: timer.KindFatigueWarning, Phase: c.state.Phase, Fatigue: f}
	prio := pipeline.Normal
	if stage == 2 {
		ev.Message = "Fatigue is high. Take the next micro-break, or a long break soon."
		prio = pipeline.High
	} else {
		ev.Message = "Fatigue is rising. Try not to skip the next micro-break."
	}
	c.emitLocked(fx, ev, prio)
}

// ---- commands ----

// StartFocusSession starts a new focus segment and returns its session id.
// A persistence error is returned but the segment keeps running.
func (c *Controller) StartFocusSession(ctx context.Context) (id string, err error) {
	defer func(t time.Time) { c.observe("start_focus_session", t, err) }(time.Now())

	c.lock()
	if c.state.IsRunning() {
		c.unlock()
		return "", ErrAlreadyRunning
	}
	if c.cycle != WaitingToStart && c.cycle != Completed {
		c.unlock()
		return "", fmt.Errorf("%w: %s", ErrInvalidState, c.cycle)
	}

	var fx effects
	c.active = c.settings
	c.sched.Configure(c.active.schedulerConfig())
	c.sched.ResetSkipCount()
	c.sched.StartScheduling()
	c.fatigueStage = 0

	st := timer.NewFocus(c.active.FocusDurationMinutes)
	if next, ok := c.sched.NextBreakAt(); ok {
		st.NextMicroBreakAt = &next
	}
	st.Start(c.now())

	c.stopTimerLocked(true)
	c.state = st
	c.cycle = InFocusSession
	c.parent = nil
	c.announce = nil
	c.startTimerLocked()

	c.emitLocked(&fx, timer.Event{Kind: timer.KindStarted, Phase: timer.Focus, SessionID: st.SessionID, DurationSeconds: st.Total}, pipeline.High)
	c.saveLocked(&fx, st)
	c.unlock()

	c.log.Info("focus session started", logx.String("session", st.SessionID), logx.Uint64("seconds", st.Total))
	return st.SessionID, c.apply(ctx, fx)
}

// StartLongBreakSession starts a long break from any state except a
// running segment. A paused segment is closed as not completed.
func (c *Controller) StartLongBreakSession(ctx context.Context) (id string, err error) {
	defer func(t time.Time) { c.observe("start_long_break_session", t, err) }(time.Now())

	c.lock()
	if c.state.IsRunning() {
		c.unlock()
		return "", ErrAlreadyRunning
	}

	var fx effects
	// A paused segment (and the focus a micro-break interrupted) is
	// abandoned.
	if c.state.IsPaused() {
		c.finishLocked(&fx, c.state.SessionID, false)
	}
	if c.parent != nil {
		c.finishLocked(&fx, c.parent.SessionID, false)
	}

	c.active = c.settings
	st := timer.NewLongBreak(c.active.LongBreakDurationMinutes)
	st.Start(c.now())

	c.stopTimerLocked(true)
	c.sched.Stop()
	c.state = st
	c.cycle = InLongBreak
	c.parent = nil
	c.announce = nil
	c.startTimerLocked()

	c.emitLocked(&fx, timer.Event{Kind: timer.KindStarted, Phase: timer.LongBreak, SessionID: st.SessionID, DurationSeconds: st.Total}, pipeline.High)
	c.saveLocked(&fx, st)
	c.unlock()

	c.log.Info("long break started", logx.String("session", st.SessionID))
	return st.SessionID, c.apply(ctx, fx)
}

// StartMicroBreakSession interrupts the current focus segment with a
// micro-break. It is only valid while a focus session is active.
func (c *Controller) StartMicroBreakSession(ctx context.Context) (id string, err error) {
	defer func(t time.Time) { c.observe("start_micro_break_session", t, err) }(time.Now())

	c.lock()
	if c.cycle != InFocusSession || c.state.Phase != timer.Focus {
		c.unlock()
		return "", fmt.Errorf("%w: %s", ErrInvalidState, c.cycle)
	}
	var fx effects
	c.beginMicroBreakLocked(&fx, true)
	id = c.state.SessionID
	c.unlock()

	return id, c.apply(ctx, fx)
}

// Pause freezes the running segment. Remaining time is kept.
func (c *Controller) Pause(ctx context.Context) (err error) {
	defer func(t time.Time) { c.observe("pause", t, err) }(time.Now())

	c.lock()
	if !c.state.IsRunning() {
		c.unlock()
		return ErrNotRunning
	}
	var fx effects
	c.stopTimerLocked(true)
	c.state.Pause(c.now())
	c.emitLocked(&fx, timer.Event{Kind: timer.KindPaused, Phase: c.state.Phase, SessionID: c.state.SessionID, Remaining: c.state.Remaining}, pipeline.Normal)
	c.unlock()

	return c.apply(ctx, fx)
}

// Resume restarts ticking for a paused segment.
func (c *Controller) Resume(ctx context.Context) (err error) {
	defer func(t time.Time) { c.observe("resume", t, err) }(time.Now())

	c.lock()
	if !c.state.IsPaused() {
		c.unlock()
		return ErrNotRunning
	}
	var fx effects
	c.stopTimerLocked(true)
	c.state.Resume()
	c.startTimerLocked()
	c.emitLocked(&fx, timer.Event{Kind: timer.KindResumed, Phase: c.state.Phase, SessionID: c.state.SessionID, Remaining: c.state.Remaining}, pipeline.Normal)
	c.unlock()

	return c.apply(ctx, fx)
}

// Reset stops all background work, rewinds the current segment and returns
// the cycle to WaitingToStart.
func (c *Controller) Reset(ctx context.Context) (err error) {
	defer func(t time.Time) { c.observe("reset", t, err) }(time.Now())

	c.lock()
	var fx effects
	wasActive := c.state.IsRunning() || c.state.IsPaused()
	c.stopTimerLocked(true)
	c.sched.Stop()
	if wasActive {
		c.finishLocked(&fx, c.state.SessionID, false)
	}
	if c.parent != nil {
		c.finishLocked(&fx, c.parent.SessionID, false)
	}
	c.state.Reset()
	c.cycle = WaitingToStart
	c.parent = nil
	c.announce = nil
	c.emitLocked(&fx, timer.Event{Kind: timer.KindReset, Phase: c.state.Phase, SessionID: c.state.SessionID}, pipeline.Normal)
	c.unlock()

	return c.apply(ctx, fx)
}

// SkipMicroBreak ends the running micro-break early and resumes the
// interrupted focus segment. Once the per-session skip allowance is used
// up the state is left untouched and ErrSkipLimitExceeded is returned.
func (c *Controller) SkipMicroBreak(ctx context.Context) (err error) {
	defer func(t time.Time) { c.observe("skip_micro_break", t, err) }(time.Now())

	c.lock()
	if c.cycle != InMicroBreak {
		c.unlock()
		return fmt.Errorf("%w: %s", ErrInvalidState, c.cycle)
	}
	var fx effects
	if err := c.sched.RegisterSkip(); err != nil {
		snap := c.sched.Snapshot()
		c.emitLocked(&fx, timer.Event{
			Kind:      timer.KindMicroBreakSkipLimitReached,
			Phase:     timer.MicroBreak,
			SessionID: c.state.SessionID,
			Count:     snap.SkipLimit,
		}, pipeline.High)
		c.unlock()
		_ = c.apply(ctx, fx)
		return err
	}

	c.stopTimerLocked(true)
	c.state.Complete()
	c.finishLocked(&fx, c.state.SessionID, false)
	c.endMicroBreakLocked(&fx, true)
	c.unlock()

	return c.apply(ctx, fx)
}

// ---- queries ----

// State returns a copy of the current segment.
func (c *Controller) State() timer.State {
	c.lock()
	defer c.unlock()
	return c.state.Clone()
}

// CycleState reports where the controller is in the work/rest cycle.
func (c *Controller) CycleState() State {
	c.lock()
	defer c.unlock()
	return c.cycle
}

func (c *Controller) CompletedFocusSessions() int {
	c.lock()
	defer c.unlock()
	return c.completedFocus
}

func (c *Controller) SchedulerSnapshot() microbreak.Snapshot {
	c.lock()
	defer c.unlock()
	return c.sched.Snapshot()
}

func (c *Controller) Settings() Settings {
	c.lock()
	defer c.unlock()
	return c.settings
}

// UpdateSettings validates s and stores it for the next segment.
func (c *Controller) UpdateSettings(s Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	c.lock()
	c.settings = s
	c.unlock()
	c.log.Debug("settings updated", logx.Any("settings", s))
	return nil
}
