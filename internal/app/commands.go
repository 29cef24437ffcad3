package app

import (
	"context"
	"sync"
	"time"

	"focusloop/internal/cycle"
	"focusloop/internal/microbreak"
	"focusloop/internal/pipeline"
	"focusloop/internal/storage"
	"focusloop/internal/timer"
	logx "focusloop/pkg/logx"
)

// ErrUninitialized is returned by every command issued before Init.
var ErrUninitialized = cycle.ErrUninitialized

// ControllerFactory builds a fresh controller for Init.
type ControllerFactory func() (*cycle.Controller, error)

// Commands is the transport-independent command surface. Init creates the
// controller; calling it again replaces the controller with a fresh one.
type Commands struct {
	log   logx.Logger
	build ControllerFactory
	store storage.Store
	pipe  *pipeline.Pipeline
	now   func() time.Time

	mu         sync.RWMutex
	ctrl       *cycle.Controller
	base       context.Context
	onSettings func(cycle.Settings)
}

func NewCommands(build ControllerFactory, store storage.Store, pipe *pipeline.Pipeline, log logx.Logger) *Commands {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Commands{
		log:   log.With(logx.String("comp", "commands")),
		build: build,
		store: store,
		pipe:  pipe,
		now:   time.Now,
		base:  context.Background(),
	}
}

// bind sets the context new controllers run under.
func (c *Commands) bind(ctx context.Context) {
	c.mu.Lock()
	c.base = ctx
	c.mu.Unlock()
}

// OnSettings registers fn to run after every successful UpdateSettings.
func (c *Commands) OnSettings(fn func(cycle.Settings)) {
	c.mu.Lock()
	c.onSettings = fn
	c.mu.Unlock()
}

func (c *Commands) Init(ctx context.Context) error {
	next, err := c.build()
	if err != nil {
		return err
	}
	c.mu.Lock()
	prev := c.ctrl
	c.ctrl = next
	next.Start(c.base)
	c.mu.Unlock()

	if prev != nil {
		if err := prev.Stop(ctx); err != nil {
			c.log.Warn("previous controller did not stop cleanly", logx.Err(err))
		}
		c.log.Info("controller re-initialized")
		return nil
	}
	c.log.Info("controller initialized")
	return nil
}

func (c *Commands) controller() (*cycle.Controller, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.ctrl == nil {
		return nil, ErrUninitialized
	}
	return c.ctrl, nil
}

// shutdown stops the current controller, if any. Commands keep working
// afterwards but no timer runs until the next start command.
func (c *Commands) shutdown(ctx context.Context) error {
	c.mu.RLock()
	ctrl := c.ctrl
	c.mu.RUnlock()
	if ctrl == nil {
		return nil
	}
	return ctrl.Stop(ctx)
}

func (c *Commands) GetState() (timer.State, error) {
	ctrl, err := c.controller()
	if err != nil {
		return timer.State{}, err
	}
	return ctrl.State(), nil
}

func (c *Commands) GetCycleState() (cycle.State, error) {
	ctrl, err := c.controller()
	if err != nil {
		return 0, err
	}
	return ctrl.CycleState(), nil
}

func (c *Commands) StartFocusSession(ctx context.Context) (string, error) {
	ctrl, err := c.controller()
	if err != nil {
		return "", err
	}
	return ctrl.StartFocusSession(ctx)
}

func (c *Commands) StartLongBreakSession(ctx context.Context) (string, error) {
	ctrl, err := c.controller()
	if err != nil {
		return "", err
	}
	return ctrl.StartLongBreakSession(ctx)
}

func (c *Commands) StartMicroBreakSession(ctx context.Context) (string, error) {
	ctrl, err := c.controller()
	if err != nil {
		return "", err
	}
	return ctrl.StartMicroBreakSession(ctx)
}

func (c *Commands) Pause(ctx context.Context) error {
	ctrl, err := c.controller()
	if err != nil {
		return err
	}
	return ctrl.Pause(ctx)
}

func (c *Commands) Resume(ctx context.Context) error {
	ctrl, err := c.controller()
	if err != nil {
		return err
	}
	return ctrl.Resume(ctx)
}

func (c *Commands) Reset(ctx context.Context) error {
	ctrl, err := c.controller()
	if err != nil {
		return err
	}
	return ctrl.Reset(ctx)
}

func (c *Commands) SkipMicroBreak(ctx context.Context) error {
	ctrl, err := c.controller()
	if err != nil {
		return err
	}
	return ctrl.SkipMicroBreak(ctx)
}

// UpdateSettings applies from the next segment on.
func (c *Commands) UpdateSettings(s cycle.Settings) error {
	ctrl, err := c.controller()
	if err != nil {
		return err
	}
	if err := ctrl.UpdateSettings(s); err != nil {
		return err
	}
	c.mu.RLock()
	fn := c.onSettings
	c.mu.RUnlock()
	if fn != nil {
		fn(s)
	}
	return nil
}

func (c *Commands) GetSettings() (cycle.Settings, error) {
	ctrl, err := c.controller()
	if err != nil {
		return cycle.Settings{}, err
	}
	return ctrl.Settings(), nil
}

// GetTodayStats returns storage.ErrDisabled when no store is configured.
func (c *Commands) GetTodayStats(ctx context.Context) (storage.TodayStats, error) {
	if _, err := c.controller(); err != nil {
		return storage.TodayStats{}, err
	}
	if c.store == nil {
		return storage.TodayStats{}, storage.ErrDisabled
	}
	return c.store.TodayStats(ctx, c.now())
}

func (c *Commands) GetSchedulerSnapshot() (microbreak.Snapshot, error) {
	ctrl, err := c.controller()
	if err != nil {
		return microbreak.Snapshot{}, err
	}
	return ctrl.SchedulerSnapshot(), nil
}

func (c *Commands) CompletedFocusSessions() (int, error) {
	ctrl, err := c.controller()
	if err != nil {
		return 0, err
	}
	return ctrl.CompletedFocusSessions(), nil
}

func (c *Commands) PipelineStats() (pipeline.Stats, error) {
	if _, err := c.controller(); err != nil {
		return pipeline.Stats{}, err
	}
	return c.pipe.Stats(), nil
}

func (c *Commands) QueueStatus() (size, limit int, err error) {
	if _, err := c.controller(); err != nil {
		return 0, 0, err
	}
	size, limit = c.pipe.QueueStatus()
	return size, limit, nil
}
