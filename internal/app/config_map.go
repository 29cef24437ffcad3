package app

import (
	"fmt"
	"strings"
	"time"

	"focusloop/internal/cycle"
	"focusloop/internal/housekeeping"
	"focusloop/internal/observer"
	"focusloop/internal/pipeline"
	"focusloop/internal/storage"
	logx "focusloop/pkg/logx"
)

const (
	defaultWebsocketAddr       = "127.0.0.1:8765"
	defaultTelegramPoll        = 10 * time.Second
	defaultSQLiteBusyTimeout   = 5 * time.Second
	defaultHousekeepingTimeout = 10 * time.Second
)

func mapLogConfig(cfg *Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

// mapSettings overlays the timer section onto the default settings.
func mapSettings(cfg *Config) (cycle.Settings, error) {
	s := cycle.DefaultSettings()
	t := cfg.Timer
	if t.FocusDurationMinutes > 0 {
		s.FocusDurationMinutes = t.FocusDurationMinutes
	}
	if t.LongBreakDurationMinutes > 0 {
		s.LongBreakDurationMinutes = t.LongBreakDurationMinutes
	}
	if t.MicroBreakMinIntervalMinutes > 0 {
		s.MicroBreakMinIntervalMinutes = t.MicroBreakMinIntervalMinutes
	}
	if t.MicroBreakMaxIntervalMinutes > 0 {
		s.MicroBreakMaxIntervalMinutes = t.MicroBreakMaxIntervalMinutes
	}
	if t.MicroBreakDurationSeconds > 0 {
		s.MicroBreakDurationSeconds = t.MicroBreakDurationSeconds
	}
	if t.MicroBreakSkipLimit != nil {
		s.MicroBreakSkipLimit = *t.MicroBreakSkipLimit
	}
	if t.NotificationsEnabled != nil {
		s.NotificationsEnabled = *t.NotificationsEnabled
	}
	if t.AutoStartMicroBreaks != nil {
		s.AutoStartMicroBreaks = *t.AutoStartMicroBreaks
	}
	if t.AutoResumeFocus != nil {
		s.AutoResumeFocus = *t.AutoResumeFocus
	}
	if err := s.Validate(); err != nil {
		return cycle.Settings{}, fmt.Errorf("timer: %w", err)
	}
	return s, nil
}

func mapTickInterval(cfg *Config) (time.Duration, error) {
	return parseDurationOrDefault("timer.tick_interval", cfg.Timer.TickInterval, time.Second)
}

func mapPipelineConfig(cfg *Config) (pipeline.Config, error) {
	pc := cfg.Pipeline
	def := pipeline.DefaultConfig()
	out := pipeline.Config{
		MaxQueueSize:   pc.MaxQueueSize,
		MaxHistorySize: pc.MaxHistorySize,
		BatchSize:      pc.BatchSize,
		MaxRetries:     pc.MaxRetries,
		RatePerSec:     pc.RatePerSec,
		RateBurst:      pc.RateBurst,
	}
	var err error
	if out.BatchInterval, err = parseDurationOrDefault("pipeline.batch_interval", pc.BatchInterval, def.BatchInterval); err != nil {
		return pipeline.Config{}, err
	}
	if out.EventTTL, err = parseDurationOrDefault("pipeline.event_ttl", pc.EventTTL, def.EventTTL); err != nil {
		return pipeline.Config{}, err
	}
	if out.RetryDelay, err = parseDurationOrDefault("pipeline.retry_delay", pc.RetryDelay, def.RetryDelay); err != nil {
		return pipeline.Config{}, err
	}
	if out.DeliveryTimeout, err = parseDurationOrDefault("pipeline.delivery_timeout", pc.DeliveryTimeout, def.DeliveryTimeout); err != nil {
		return pipeline.Config{}, err
	}
	return out, nil
}

// mapTelegramConfig reports enabled=false when the observer is off.
func mapTelegramConfig(cfg *Config) (observer.TelegramConfig, bool, error) {
	tg := cfg.Observers.Telegram
	if !tg.Enabled {
		return observer.TelegramConfig{}, false, nil
	}
	poll, err := parseDurationOrDefault("observers.telegram.poll_timeout", tg.PollTimeout, defaultTelegramPoll)
	if err != nil {
		return observer.TelegramConfig{}, false, err
	}
	return observer.TelegramConfig{
		Token:       strings.TrimSpace(tg.Token),
		ChatID:      tg.ChatID,
		ThreadID:    tg.ThreadID,
		ParseMode:   tg.ParseMode,
		PollTimeout: poll,
		Events:      tg.Events,
	}, true, nil
}

func mapHubConfig(cfg *Config) (observer.HubConfig, bool) {
	ws := cfg.Observers.Websocket
	if !ws.Enabled {
		return observer.HubConfig{}, false
	}
	addr := strings.TrimSpace(ws.Addr)
	if addr == "" {
		addr = defaultWebsocketAddr
	}
	return observer.HubConfig{
		Addr:           addr,
		Path:           strings.TrimSpace(ws.Path),
		SendBuffer:     ws.SendBuffer,
		AllowedOrigins: ws.AllowedOrigins,
	}, true
}

func logObserverEnabled(cfg *Config) bool {
	return cfg.Observers.Log.Enabled == nil || *cfg.Observers.Log.Enabled
}

func mapStorageConfig(cfg *Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "none":
		return storage.Config{}, false, nil
	case "file":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=file")
		}
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := parseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, defaultSQLiteBusyTimeout)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

// mapHousekeepingConfig fills defaults when the section is omitted and
// checks both schedules.
func mapHousekeepingConfig(cfg *Config) (housekeeping.Config, error) {
	out := housekeeping.DefaultConfig()
	if h := cfg.Housekeeping; h != nil {
		out.Enabled = h.Enabled
		out.Timezone = strings.TrimSpace(h.Timezone)
		if s := strings.TrimSpace(h.CleanupSchedule); s != "" {
			out.CleanupSchedule = s
		}
		if s := strings.TrimSpace(h.DailyStatsSchedule); s != "" {
			out.DailyStatsSchedule = s
		}
		d, err := parseDurationOrDefault("housekeeping.job_timeout", h.JobTimeout, defaultHousekeepingTimeout)
		if err != nil {
			return housekeeping.Config{}, err
		}
		out.JobTimeout = d
	}
	if _, err := housekeeping.ParseSchedule(out.CleanupSchedule); err != nil {
		return housekeeping.Config{}, fmt.Errorf("housekeeping.cleanup_schedule: %w", err)
	}
	if _, err := housekeeping.ParseSchedule(out.DailyStatsSchedule); err != nil {
		return housekeeping.Config{}, fmt.Errorf("housekeeping.daily_stats_schedule: %w", err)
	}
	return out, nil
}

// validateConfig is the reload gate: a config that fails here is never
// committed.
func validateConfig(cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if _, err := mapSettings(cfg); err != nil {
		return err
	}
	if _, err := mapTickInterval(cfg); err != nil {
		return err
	}
	if _, err := mapPipelineConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapTelegramConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapHousekeepingConfig(cfg); err != nil {
		return err
	}
	return nil
}
