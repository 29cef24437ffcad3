package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	logx "focusloop/pkg/logx"
)

func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault returns def for an empty or zero duration.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// Validate checks field syntax and bounds that do not depend on other
// packages. Semantic checks (timer settings, cron specs) happen where the
// values are mapped.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		add(err)
	}
	nonNeg := func(path string, v int) {
		if v < 0 {
			add(fmt.Errorf("%s must be >= 0", path))
		}
	}

	if !logx.ValidLevel(c.Logging.Level) {
		add(fmt.Errorf("logging.level: unknown level %q", c.Logging.Level))
	}
	if c.Logging.File.Enabled && strings.TrimSpace(c.Logging.File.Path) == "" {
		add(errors.New("logging.file.path is required when logging.file.enabled"))
	}

	dur("timer.tick_interval", c.Timer.TickInterval)
	if c.Timer.MicroBreakSkipLimit != nil {
		nonNeg("timer.micro_break_skip_limit", *c.Timer.MicroBreakSkipLimit)
	}

	p := c.Pipeline
	nonNeg("pipeline.max_queue_size", p.MaxQueueSize)
	nonNeg("pipeline.max_history_size", p.MaxHistorySize)
	nonNeg("pipeline.batch_size", p.BatchSize)
	nonNeg("pipeline.max_retries", p.MaxRetries)
	nonNeg("pipeline.rate_burst", p.RateBurst)
	if p.RatePerSec < 0 {
		add(errors.New("pipeline.rate_per_sec must be >= 0"))
	}
	dur("pipeline.batch_interval", p.BatchInterval)
	dur("pipeline.event_ttl", p.EventTTL)
	dur("pipeline.retry_delay", p.RetryDelay)
	dur("pipeline.delivery_timeout", p.DeliveryTimeout)

	tg := c.Observers.Telegram
	dur("observers.telegram.poll_timeout", tg.PollTimeout)
	if tg.Enabled {
		if strings.TrimSpace(tg.Token) == "" {
			add(errors.New("observers.telegram.token is required when telegram is enabled"))
		}
		if tg.ChatID == 0 {
			add(errors.New("observers.telegram.chat_id is required when telegram is enabled"))
		}
	}
	nonNeg("observers.websocket.send_buffer", c.Observers.Websocket.SendBuffer)
	if path := strings.TrimSpace(c.Observers.Websocket.Path); path != "" && !strings.HasPrefix(path, "/") {
		add(fmt.Errorf("observers.websocket.path must start with '/': %q", path))
	}

	if s := c.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "none":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(s.Path) == "" {
				add(fmt.Errorf("storage.path is required when storage.driver=%s", strings.TrimSpace(s.Driver)))
			}
		default:
			add(fmt.Errorf("storage.driver: unknown driver %q", s.Driver))
		}
		dur("storage.busy_timeout", s.BusyTimeout)
	}

	if h := c.Housekeeping; h != nil {
		dur("housekeeping.job_timeout", h.JobTimeout)
		if tz := strings.TrimSpace(h.Timezone); tz != "" {
			if _, err := time.LoadLocation(tz); err != nil {
				add(fmt.Errorf("housekeeping.timezone: invalid %q: %w", tz, err))
			}
		}
	}

	pp := c.Debug.Pprof
	nonNeg("debug.pprof.block_profile_rate", pp.BlockProfileRate)
	nonNeg("debug.pprof.mutex_profile_fraction", pp.MutexProfileFraction)

	return errors.Join(errs...)
}
