package config

import (
	"reflect"
	"sort"
	"strings"

	logx "focusloop/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections and safe
// structured attrs for logging. Secrets (the Telegram token) are reported
// only as "set"/"unset".
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 7)
	attrs := make([]logx.Field, 0, 24)

	if oldCfg.Logging.Level != newCfg.Logging.Level ||
		oldCfg.Logging.Console != newCfg.Logging.Console ||
		oldCfg.Logging.File.Enabled != newCfg.Logging.File.Enabled ||
		strings.TrimSpace(oldCfg.Logging.File.Path) != strings.TrimSpace(newCfg.Logging.File.Path) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Timer, newCfg.Timer) {
		changed = append(changed, "timer")
		t := newCfg.Timer
		attrs = append(attrs,
			logx.Int("timer.focus_minutes", int(t.FocusDurationMinutes)),
			logx.Int("timer.long_break_minutes", int(t.LongBreakDurationMinutes)),
			logx.Int("timer.micro_break_seconds", int(t.MicroBreakDurationSeconds)),
		)
		if t.NotificationsEnabled != nil {
			attrs = append(attrs, logx.Bool("timer.notifications_enabled", *t.NotificationsEnabled))
		}
	}

	if !reflect.DeepEqual(oldCfg.Pipeline, newCfg.Pipeline) {
		changed = append(changed, "pipeline")
		p := newCfg.Pipeline
		attrs = append(attrs,
			logx.Int("pipeline.batch_size", p.BatchSize),
			logx.String("pipeline.batch_interval", strings.TrimSpace(p.BatchInterval)),
			logx.Int("pipeline.max_retries", p.MaxRetries),
			logx.String("pipeline.event_ttl", strings.TrimSpace(p.EventTTL)),
			logx.Float64("pipeline.rate_per_sec", p.RatePerSec),
		)
	}

	// Observers (never log the bot token)
	oTG, nTG := oldCfg.Observers.Telegram, newCfg.Observers.Telegram
	nTokenSet := strings.TrimSpace(nTG.Token) != ""
	oTG.Token, nTG.Token = "", ""
	if !reflect.DeepEqual(oldCfg.Observers.Log, newCfg.Observers.Log) ||
		!reflect.DeepEqual(oldCfg.Observers.Websocket, newCfg.Observers.Websocket) ||
		!reflect.DeepEqual(oTG, nTG) ||
		strings.TrimSpace(oldCfg.Observers.Telegram.Token) != strings.TrimSpace(newCfg.Observers.Telegram.Token) {
		changed = append(changed, "observers")
		attrs = append(attrs,
			logx.Bool("observers.telegram_enabled", nTG.Enabled),
			logx.Bool("observers.telegram_token_set", nTokenSet),
			logx.Int("observers.telegram_events", len(nTG.Events)),
			logx.Bool("observers.websocket_enabled", newCfg.Observers.Websocket.Enabled),
			logx.String("observers.websocket_addr", strings.TrimSpace(newCfg.Observers.Websocket.Addr)),
		)
	}

	// Nil means disabled.
	var oDriver, nDriver, oBusy, nBusy, oPath, nPath string
	if s := oldCfg.Storage; s != nil {
		oDriver, oBusy, oPath = strings.TrimSpace(s.Driver), strings.TrimSpace(s.BusyTimeout), strings.TrimSpace(s.Path)
	}
	if s := newCfg.Storage; s != nil {
		nDriver, nBusy, nPath = strings.TrimSpace(s.Driver), strings.TrimSpace(s.BusyTimeout), strings.TrimSpace(s.Path)
	}
	if oDriver != nDriver || oBusy != nBusy || oPath != nPath {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", nDriver),
			logx.Bool("storage.path_set", nPath != ""),
			logx.String("storage.busy_timeout", nBusy),
		)
	}

	oHK, nHK := derefHousekeeping(oldCfg.Housekeeping), derefHousekeeping(newCfg.Housekeeping)
	if (oldCfg.Housekeeping != nil) != (newCfg.Housekeeping != nil) || oHK != nHK {
		changed = append(changed, "housekeeping")
		attrs = append(attrs,
			logx.Bool("housekeeping.present", newCfg.Housekeeping != nil),
			logx.Bool("housekeeping.enabled", nHK.Enabled),
			logx.String("housekeeping.timezone", strings.TrimSpace(nHK.Timezone)),
			logx.String("housekeeping.cleanup_schedule", strings.TrimSpace(nHK.CleanupSchedule)),
			logx.String("housekeeping.daily_stats_schedule", strings.TrimSpace(nHK.DailyStatsSchedule)),
		)
	}

	if oldCfg.Metrics != newCfg.Metrics {
		changed = append(changed, "metrics")
		attrs = append(attrs, logx.Bool("metrics.enabled", newCfg.Metrics.Enabled))
	}

	if oldCfg.Debug != newCfg.Debug {
		changed = append(changed, "debug")
		attrs = append(attrs,
			logx.Bool("debug.pprof.enabled", newCfg.Debug.Pprof.Enabled),
			logx.String("debug.pprof.address", strings.TrimSpace(newCfg.Debug.Pprof.Address)),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

func derefHousekeeping(h *HousekeepingConfig) HousekeepingConfig {
	if h == nil {
		return HousekeepingConfig{}
	}
	return *h
}
