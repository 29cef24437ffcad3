package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"focusloop/internal/cycle"
	"focusloop/internal/eventbus"
	"focusloop/internal/housekeeping"
	"focusloop/internal/metrics"
	"focusloop/internal/observer"
	"focusloop/internal/pipeline"
	"focusloop/internal/storage"
	logx "focusloop/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *ConfigManager
	sup  *Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	rec   metrics.Recorder

	pipe *pipeline.Pipeline
	hub  *observer.Hub
	hk   *housekeeping.Service
	cmds *Commands
	prof *pprofServer

	// notify mirrors the latest notifications_enabled setting, from config
	// or UpdateSettings, for the observer fan-out gate.
	notify atomic.Bool
	hkOn   bool
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	return newApp(cfgm, cfg)
}

func newApp(cfgm *ConfigManager, cfg *Config) (*App, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	a := &App{
		cfgPath: cfgm.Path(),
		cfgm:    cfgm,
		logs:    logSvc,
		log:     log.With(logx.String("comp", "app")),
		bus:     eventbus.New(),
		rec:     metrics.Nop{},
	}
	a.prof = newPprofServer(log)
	if cfg.Metrics.Enabled {
		a.rec = metrics.NewLogSink(log)
	}

	// Storage (optional)
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log)
		if err != nil {
			return nil, err
		}
		a.store = st
		a.log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	fan, err := a.buildObservers(cfg, log)
	if err != nil {
		a.closeStore()
		return nil, err
	}

	pcfg, err := mapPipelineConfig(cfg)
	if err != nil {
		a.closeStore()
		return nil, err
	}
	a.pipe = pipeline.New(pcfg, fan, pipeline.WithLogger(log), pipeline.WithBus(a.bus))

	hkCfg, err := mapHousekeepingConfig(cfg)
	if err != nil {
		a.closeStore()
		return nil, err
	}
	a.hk = housekeeping.New(hkCfg, log)
	a.hkOn = hkCfg.Enabled
	a.cmds = NewCommands(a.newController, a.store, a.pipe, log)
	a.cmds.OnSettings(func(s cycle.Settings) { a.notify.Store(s.NotificationsEnabled) })
	if err := a.registerJobs(hkCfg); err != nil {
		a.closeStore()
		return nil, err
	}

	settings, _ := mapSettings(cfg)
	a.notify.Store(settings.NotificationsEnabled)
	return a, nil
}

func (a *App) buildObservers(cfg *Config, log logx.Logger) (*observer.Fanout, error) {
	fan := &observer.Fanout{NotificationsEnabled: a.notify.Load}
	if logObserverEnabled(cfg) {
		fan.Always = append(fan.Always, observer.NewLog(log))
	}
	tcfg, on, err := mapTelegramConfig(cfg)
	if err != nil {
		return nil, err
	}
	if on {
		tg, err := observer.NewTelegram(tcfg, log)
		if err != nil {
			return nil, err
		}
		fan.Gated = append(fan.Gated, tg)
		a.log.Info("telegram observer enabled", logx.Int64("chat_id", tcfg.ChatID))
	}
	if hcfg, on := mapHubConfig(cfg); on {
		a.hub = observer.NewHub(hcfg, log)
		fan.Gated = append(fan.Gated, a.hub)
	}
	return fan, nil
}

func (a *App) registerJobs(cfg housekeeping.Config) error {
	if err := a.hk.Add(housekeeping.JobPipelineCleanup, cfg.CleanupSchedule, 0,
		housekeeping.CleanupJob(a.pipe, a.rec, a.log)); err != nil {
		return err
	}
	var src housekeeping.StatsSource
	if a.store != nil {
		src = a.store
	}
	completed := func() int {
		n, _ := a.cmds.CompletedFocusSessions()
		return n
	}
	return a.hk.Add(housekeeping.JobDailyStats, cfg.DailyStatsSchedule, 0,
		housekeeping.DailyStatsJob(src, completed, time.Now, a.rec, a.log))
}

// newController builds a controller from the committed config.
func (a *App) newController() (*cycle.Controller, error) {
	cfg := a.cfgm.Get()
	settings, err := mapSettings(cfg)
	if err != nil {
		return nil, err
	}
	tick, err := mapTickInterval(cfg)
	if err != nil {
		return nil, err
	}
	opts := []cycle.Option{
		cycle.WithLogger(a.logs.Logger()),
		cycle.WithMetrics(a.rec),
		cycle.WithTickInterval(tick),
	}
	if a.store != nil {
		opts = append(opts, cycle.WithStore(a.store))
	}
	a.notify.Store(settings.NotificationsEnabled)
	return cycle.New(settings, a.pipe, opts...), nil
}

func (a *App) Commands() *Commands { return a.cmds }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = NewSupervisor(ctx, WithLogger(a.log), WithCancelOnError(true))
	runCtx := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *Config) error {
		return validateConfig(cfg)
	})

	a.pipe.Start(runCtx)
	if a.hub != nil {
		if err := a.hub.Start(runCtx); err != nil {
			return fmt.Errorf("websocket observer: %w", err)
		}
	}
	if a.hkOn {
		if err := a.hk.Start(runCtx); err != nil {
			return err
		}
	}

	a.cmds.bind(runCtx)
	if err := a.cmds.Init(ctx); err != nil {
		return err
	}

	a.sup.Go0("eventbus.watch", a.watchSignals)
	sub := a.cfgm.Subscribe(8)
	applied := a.cfgm.Get()
	a.sup.Go0("config.reload", func(c context.Context) { a.reloadLoop(c, sub, applied) })
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.prof.Apply(runCtx, applied.Debug.Pprof)

	notifySystemd(a.log, sdReady)
	a.log.Info("app started", logx.String("config", a.cfgPath))
	return nil
}

// watchSignals logs pipeline lifecycle signals and counts lost deliveries.
func (a *App) watchSignals(c context.Context) {
	events, unsub := a.bus.Subscribe(128, "pipeline.")
	defer unsub()
	for {
		select {
		case <-c.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			sig, _ := e.Data.(pipeline.Signal)
			switch e.Type {
			case eventbus.TypeFailed, eventbus.TypeDropped:
				a.rec.RecordMetric(metrics.EventDeliveryFailed, 1, "events", map[string]string{
					"event":  sig.Name,
					"reason": strings.TrimPrefix(e.Type, "pipeline."),
				})
				a.log.Debug("event not delivered", logx.String("type", e.Type), logx.String("event", sig.Name), logx.String("err", sig.Error))
			default:
				a.log.Trace("pipeline signal", logx.String("type", e.Type), logx.String("event", sig.Name))
			}
		}
	}
}

func (a *App) reloadLoop(c context.Context, sub chan *Config, lastApplied *Config) {
	defer a.cfgm.Unsubscribe(sub)
	for {
		select {
		case <-c.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			a.applyConfig(c, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

// applyConfig applies what can change live. Sections that are wired at
// construction only log that a restart is needed.
func (a *App) applyConfig(c context.Context, oldCfg, newCfg *Config) {
	sections, attrs := SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	changed := map[string]bool{}
	for _, s := range sections {
		changed[s] = true
	}

	if changed["logging"] {
		a.logs.Apply(mapLogConfig(newCfg))
	}

	if changed["timer"] {
		settings, err := mapSettings(newCfg)
		if err != nil {
			a.log.Warn("invalid timer config; keeping previous", logx.Err(err))
		} else {
			a.notify.Store(settings.NotificationsEnabled)
			if err := a.cmds.UpdateSettings(settings); err != nil && !errors.Is(err, ErrUninitialized) {
				a.log.Warn("settings update failed", logx.Err(err))
			}
		}
	}

	if changed["pipeline"] {
		if pcfg, err := mapPipelineConfig(newCfg); err != nil {
			a.log.Warn("invalid pipeline config; keeping previous", logx.Err(err))
		} else {
			a.pipe.Reconfigure(pcfg)
		}
	}

	if changed["housekeeping"] {
		a.applyHousekeeping(c, oldCfg, newCfg)
	}

	if changed["debug"] {
		a.prof.Apply(c, newCfg.Debug.Pprof)
	}

	for _, s := range []string{"storage", "observers", "metrics"} {
		if changed[s] {
			a.log.Warn(s+" config changed; restart required for changes to take effect", logx.String("section", s))
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) applyHousekeeping(c context.Context, oldCfg, newCfg *Config) {
	hkCfg, err := mapHousekeepingConfig(newCfg)
	if err != nil {
		a.log.Warn("invalid housekeeping config; keeping previous", logx.Err(err))
		return
	}
	if err := a.registerJobs(hkCfg); err != nil {
		a.log.Warn("housekeeping reschedule failed", logx.Err(err))
	}
	if oldTZ := derefTimezone(oldCfg); oldTZ != hkCfg.Timezone {
		a.log.Warn("housekeeping timezone changed; restart required", logx.String("timezone", hkCfg.Timezone))
	}
	switch {
	case a.hkOn && !hkCfg.Enabled:
		a.log.Info("housekeeping disabled via config")
		stopCtx, cancel := context.WithTimeout(c, 3*time.Second)
		_ = a.hk.Stop(stopCtx)
		cancel()
	case !a.hkOn && hkCfg.Enabled:
		a.log.Info("housekeeping enabled via config")
		_ = a.hk.Start(c)
	}
	a.hkOn = hkCfg.Enabled
}

func derefTimezone(cfg *Config) string {
	if cfg == nil || cfg.Housekeeping == nil {
		return ""
	}
	return strings.TrimSpace(cfg.Housekeeping.Timezone)
}

func (a *App) closeStore() {
	if a.store != nil {
		_ = a.store.Close()
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	notifySystemd(a.log, sdStopping)

	// Halt the timer first so no new events enter the pipeline.
	a.step(ctx, "controller", 2*time.Second, a.cmds.shutdown)

	// Cancel the run context so background loops start unwinding.
	a.sup.Cancel()

	a.step(ctx, "housekeeping", 2*time.Second, a.hk.Stop)
	a.step(ctx, "pipeline", 3*time.Second, a.pipe.Stop)
	a.step(ctx, "websocket", 1*time.Second, func(c context.Context) error {
		if a.hub != nil {
			return a.hub.Stop(c)
		}
		return nil
	})
	a.step(ctx, "pprof", 1*time.Second, a.prof.Stop)
	a.step(ctx, "storage", 1*time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)

	counts := a.sup.Counters()
	if counts.Active > 0 {
		a.log.Warn("goroutines still running after stop", logx.Int64("active", counts.Active))
	}
	a.log.Info("stopped", logx.Uint64("goroutines_started", counts.Started))
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}

// step runs one shutdown step bounded by max (never beyond ctx's deadline)
// so a stuck component cannot stall the whole stop.
func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		limit = min(limit, time.Until(dl))
	}
	if limit <= 0 {
		a.log.Warn("stop step skipped: no time left", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		go func() {
			if err := <-done; err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err))
			}
		}()
	}
}
