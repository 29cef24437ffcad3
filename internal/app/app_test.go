package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"focusloop/internal/cycle"
	"focusloop/internal/pipeline"
	"focusloop/internal/storage"
	logx "focusloop/pkg/logx"
)

func boolPtr(b bool) *bool { return &b }
func intPtr(n int) *int    { return &n }

func TestMapSettings(t *testing.T) {
	t.Parallel()

	got, err := mapSettings(&Config{})
	if err != nil {
		t.Fatalf("defaults: %v", err)
	}
	if got != cycle.DefaultSettings() {
		t.Fatalf("empty timer section = %+v, want defaults", got)
	}

	cfg := &Config{}
	cfg.Timer.FocusDurationMinutes = 25
	cfg.Timer.MicroBreakSkipLimit = intPtr(0)
	cfg.Timer.AutoResumeFocus = boolPtr(false)
	got, err = mapSettings(cfg)
	if err != nil {
		t.Fatalf("overrides: %v", err)
	}
	if got.FocusDurationMinutes != 25 || got.MicroBreakSkipLimit != 0 || got.AutoResumeFocus || !got.AutoStartMicroBreaks {
		t.Fatalf("settings = %+v", got)
	}

	bad := &Config{}
	bad.Timer.MicroBreakMinIntervalMinutes = 10
	bad.Timer.MicroBreakMaxIntervalMinutes = 4
	if _, err := mapSettings(bad); !errors.Is(err, cycle.ErrInvalidSettings) {
		t.Fatalf("min > max err = %v", err)
	}
}

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		sc      *StorageConfig
		enabled bool
		wantErr bool
		busy    time.Duration
	}{
		{name: "omitted"},
		{name: "none", sc: &StorageConfig{Driver: "none"}},
		{name: "file", sc: &StorageConfig{Driver: "file", Path: "./s.json"}, enabled: true},
		{name: "file without path", sc: &StorageConfig{Driver: "file"}, wantErr: true},
		{name: "sqlite default busy", sc: &StorageConfig{Driver: "SQLite", Path: "./f.db"}, enabled: true, busy: 5 * time.Second},
		{name: "sqlite busy", sc: &StorageConfig{Driver: "sqlite", Path: "./f.db", BusyTimeout: "250ms"}, enabled: true, busy: 250 * time.Millisecond},
		{name: "unknown", sc: &StorageConfig{Driver: "redis"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sc, enabled, err := mapStorageConfig(&Config{Storage: tt.sc})
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if enabled != tt.enabled || sc.BusyTimeout != tt.busy {
				t.Fatalf("got %+v enabled=%v", sc, enabled)
			}
		})
	}
}

func TestMapHousekeepingConfig(t *testing.T) {
	t.Parallel()

	got, err := mapHousekeepingConfig(&Config{})
	if err != nil {
		t.Fatalf("defaults: %v", err)
	}
	if !got.Enabled || got.CleanupSchedule != "@every 30s" || got.JobTimeout != 10*time.Second {
		t.Fatalf("defaults = %+v", got)
	}

	got, err = mapHousekeepingConfig(&Config{Housekeeping: &HousekeepingConfig{Enabled: true, CleanupSchedule: "1m", JobTimeout: "3s"}})
	if err != nil || got.CleanupSchedule != "1m" || got.JobTimeout != 3*time.Second || got.DailyStatsSchedule != "0 0 * * *" {
		t.Fatalf("got %+v, err %v", got, err)
	}

	if _, err := mapHousekeepingConfig(&Config{Housekeeping: &HousekeepingConfig{CleanupSchedule: "whenever"}}); err == nil {
		t.Fatal("expected schedule error")
	}
}

func TestValidateConfigRejectsBadTimer(t *testing.T) {
	t.Parallel()
	cfg := &Config{}
	cfg.Timer.MicroBreakMinIntervalMinutes = 9
	cfg.Timer.MicroBreakMaxIntervalMinutes = 3
	if err := validateConfig(cfg); err == nil {
		t.Fatal("expected validation error")
	}
	if err := validateConfig(&Config{}); err != nil {
		t.Fatalf("empty config: %v", err)
	}
}

func newTestCommands(t *testing.T, store storage.Store) *Commands {
	t.Helper()
	pipe := pipeline.New(pipeline.DefaultConfig(), nil)
	settings := cycle.DefaultSettings()
	build := func() (*cycle.Controller, error) {
		opts := []cycle.Option{cycle.WithTickInterval(time.Hour)}
		if store != nil {
			opts = append(opts, cycle.WithStore(store))
		}
		return cycle.New(settings, pipe, opts...), nil
	}
	c := NewCommands(build, store, pipe, logx.Nop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = c.shutdown(ctx)
	})
	return c
}

func TestCommandsRequireInit(t *testing.T) {
	t.Parallel()
	c := newTestCommands(t, nil)
	ctx := context.Background()

	checks := map[string]error{}
	_, checks["GetState"] = c.GetState()
	_, checks["GetCycleState"] = c.GetCycleState()
	_, checks["StartFocusSession"] = c.StartFocusSession(ctx)
	_, checks["StartLongBreakSession"] = c.StartLongBreakSession(ctx)
	_, checks["StartMicroBreakSession"] = c.StartMicroBreakSession(ctx)
	checks["Pause"] = c.Pause(ctx)
	checks["Resume"] = c.Resume(ctx)
	checks["Reset"] = c.Reset(ctx)
	checks["SkipMicroBreak"] = c.SkipMicroBreak(ctx)
	checks["UpdateSettings"] = c.UpdateSettings(cycle.DefaultSettings())
	_, checks["GetTodayStats"] = c.GetTodayStats(ctx)
	_, checks["PipelineStats"] = c.PipelineStats()
	_, _, checks["QueueStatus"] = c.QueueStatus()
	for name, err := range checks {
		if !errors.Is(err, ErrUninitialized) {
			t.Fatalf("%s before Init: err = %v", name, err)
		}
	}

	if err := c.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}
	st, err := c.GetCycleState()
	if err != nil || st != cycle.WaitingToStart {
		t.Fatalf("cycle state = %v, %v", st, err)
	}
	if _, err := c.GetTodayStats(ctx); !errors.Is(err, storage.ErrDisabled) {
		t.Fatalf("today stats without store: %v", err)
	}
	if _, limit, err := c.QueueStatus(); err != nil || limit != pipeline.DefaultConfig().MaxQueueSize {
		t.Fatalf("queue status limit=%d err=%v", limit, err)
	}
}

func TestReinitReplacesController(t *testing.T) {
	t.Parallel()
	c := newTestCommands(t, nil)
	ctx := context.Background()
	if err := c.Init(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := c.StartFocusSession(ctx); err != nil {
		t.Fatalf("StartFocusSession: %v", err)
	}
	if st, _ := c.GetCycleState(); st != cycle.InFocusSession {
		t.Fatalf("state = %v", st)
	}
	if err := c.Init(ctx); err != nil {
		t.Fatal(err)
	}
	if st, _ := c.GetCycleState(); st != cycle.WaitingToStart {
		t.Fatalf("state after re-init = %v", st)
	}
}

func TestTodayStatsFromStore(t *testing.T) {
	t.Parallel()
	store, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "sessions.json")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	c := newTestCommands(t, store)
	ctx := context.Background()
	if err := c.Init(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := c.StartFocusSession(ctx); err != nil {
		t.Fatal(err)
	}
	st, err := c.GetTodayStats(ctx)
	if err != nil {
		t.Fatalf("GetTodayStats: %v", err)
	}
	if st.FocusCount != 1 || st.Date != time.Now().Format("2006-01-02") {
		t.Fatalf("stats = %+v", st)
	}
}

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	p := filepath.Join(dir, "focusloop.yaml")
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestAppRunsFocusSessionEndToEnd(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, strings.Join([]string{
		"logging:",
		"  level: error",
		"timer:",
		"  focus_duration_minutes: 1",
		"  tick_interval: 1ms",
		"pipeline:",
		"  batch_interval: 5ms",
		"storage:",
		"  driver: file",
		"  path: " + filepath.Join(dir, "sessions.json"),
		"housekeeping:",
		"  enabled: false",
		"metrics:",
		"  enabled: true",
		"",
	}, "\n"))

	a, err := NewApp(path)
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		_ = a.Stop(stopCtx, StopAppStop)
	}()

	cmds := a.Commands()
	if _, err := cmds.StartFocusSession(ctx); err != nil {
		t.Fatalf("StartFocusSession: %v", err)
	}

	deadline := time.Now().Add(10 * time.Second)
	for {
		st, err := cmds.GetTodayStats(ctx)
		if err == nil && st.TotalFocusSeconds == 60 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("focus session never completed: %+v, %v", st, err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if n, _ := cmds.CompletedFocusSessions(); n != 1 {
		t.Fatalf("completed = %d", n)
	}
	if cs, _ := cmds.GetCycleState(); cs != cycle.WaitingToStart {
		t.Fatalf("cycle state = %v", cs)
	}

	for {
		stats, _ := cmds.PipelineStats()
		if stats.Successful > 60 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("pipeline stats = %+v", stats)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestApplyConfigUpdatesLiveSections(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "logging:\n  level: error\nhousekeeping:\n  enabled: false\n")
	a, err := NewApp(path)
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		_ = a.Stop(stopCtx, StopAppStop)
	}()

	if !a.notify.Load() {
		t.Fatal("notifications should default to enabled")
	}

	oldCfg := a.cfgm.Get()
	next := *oldCfg
	next.Timer.FocusDurationMinutes = 30
	next.Timer.NotificationsEnabled = boolPtr(false)
	next.Pipeline.BatchSize = 3
	a.applyConfig(ctx, oldCfg, &next)

	s, err := a.Commands().GetSettings()
	if err != nil {
		t.Fatal(err)
	}
	if s.FocusDurationMinutes != 30 || s.NotificationsEnabled {
		t.Fatalf("settings after reload = %+v", s)
	}
	if a.notify.Load() {
		t.Fatal("notification gate not updated")
	}
}

func TestUpdateSettingsGatesNotifications(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "logging:\n  level: error\nhousekeeping:\n  enabled: false\n")
	a, err := NewApp(path)
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		_ = a.Stop(stopCtx, StopAppStop)
	}()

	in := strings.NewReader(`settings {"notifications_enabled": false}` + "\nquit\n")
	var out strings.Builder
	if err := a.Commands().DispatchLoop(ctx, in, &out); err != nil {
		t.Fatalf("DispatchLoop: %v", err)
	}
	if !strings.Contains(out.String(), `"ok":true`) {
		t.Fatalf("settings reply = %s", out.String())
	}
	if a.notify.Load() {
		t.Fatal("notification gate still open after settings command")
	}

	s, _ := a.Commands().GetSettings()
	s.NotificationsEnabled = true
	if err := a.Commands().UpdateSettings(s); err != nil {
		t.Fatalf("UpdateSettings: %v", err)
	}
	if !a.notify.Load() {
		t.Fatal("notification gate not reopened")
	}

	// Rejected settings leave the gate alone.
	s.NotificationsEnabled = false
	s.FocusDurationMinutes = 0
	if err := a.Commands().UpdateSettings(s); !errors.Is(err, cycle.ErrInvalidSettings) {
		t.Fatalf("invalid settings err = %v", err)
	}
	if !a.notify.Load() {
		t.Fatal("invalid settings changed the gate")
	}
}

func TestNewAppRejectsInvalidConfig(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "storage:\n  driver: sqlite\n")
	if _, err := NewApp(path); err == nil || !strings.Contains(err.Error(), "storage.path") {
		t.Fatalf("err = %v", err)
	}
}
