package config

// Config is the on-disk shape of focusloop.yaml (or .json).
//
// Durations are Go duration strings ("500ms", "10s", "1m"). Omitted sections
// fall back to the component defaults.
type Config struct {
	Logging      LoggingConfig       `json:"logging"`
	Timer        TimerConfig         `json:"timer"`
	Pipeline     PipelineConfig      `json:"pipeline"`
	Observers    ObserversConfig     `json:"observers"`
	Storage      *StorageConfig      `json:"storage,omitempty"`
	Housekeeping *HousekeepingConfig `json:"housekeeping,omitempty"`
	Metrics      MetricsConfig       `json:"metrics"`
	Debug        DebugConfig         `json:"debug"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// TimerConfig mirrors the cycle settings. Zero numbers mean "use default".
//
// The booleans are pointers so an omitted key keeps its default (true)
// while an explicit false is honored.
type TimerConfig struct {
	FocusDurationMinutes         uint32 `json:"focus_duration_minutes,omitempty"`
	LongBreakDurationMinutes     uint32 `json:"long_break_duration_minutes,omitempty"`
	MicroBreakMinIntervalMinutes uint32 `json:"micro_break_min_interval_minutes,omitempty"`
	MicroBreakMaxIntervalMinutes uint32 `json:"micro_break_max_interval_minutes,omitempty"`
	MicroBreakDurationSeconds    uint32 `json:"micro_break_duration_seconds,omitempty"`
	// MicroBreakSkipLimit: nil means default, 0 forbids skipping.
	MicroBreakSkipLimit  *int  `json:"micro_break_skip_limit,omitempty"`
	NotificationsEnabled *bool `json:"notifications_enabled,omitempty"`
	AutoStartMicroBreaks *bool `json:"auto_start_micro_breaks,omitempty"`
	AutoResumeFocus      *bool `json:"auto_resume_focus,omitempty"`

	// TickInterval is the wall-clock length of one timer second. Only
	// useful for demos and tests; empty means 1s.
	TickInterval string `json:"tick_interval,omitempty"`
}

type PipelineConfig struct {
	MaxQueueSize    int     `json:"max_queue_size,omitempty"`
	MaxHistorySize  int     `json:"max_history_size,omitempty"`
	BatchSize       int     `json:"batch_size,omitempty"`
	BatchInterval   string  `json:"batch_interval,omitempty"`
	MaxRetries      int     `json:"max_retries,omitempty"`
	EventTTL        string  `json:"event_ttl,omitempty"`
	RetryDelay      string  `json:"retry_delay,omitempty"`
	DeliveryTimeout string  `json:"delivery_timeout,omitempty"`
	RatePerSec      float64 `json:"rate_per_sec,omitempty"`
	RateBurst       int     `json:"rate_burst,omitempty"`
}

type ObserversConfig struct {
	Log       LogObserverConfig       `json:"log"`
	Telegram  TelegramObserverConfig  `json:"telegram"`
	Websocket WebsocketObserverConfig `json:"websocket"`
}

// LogObserverConfig: nil Enabled means on.
type LogObserverConfig struct {
	Enabled *bool `json:"enabled,omitempty"`
}

type TelegramObserverConfig struct {
	Enabled   bool   `json:"enabled"`
	Token     string `json:"token"` // never logged
	ChatID    int64  `json:"chat_id"`
	ThreadID  int    `json:"thread_id,omitempty"`
	ParseMode string `json:"parse_mode,omitempty"`
	// PollTimeout is a Go duration string (e.g. "10s").
	PollTimeout string `json:"poll_timeout,omitempty"`
	// Events restricts which event names are sent. Empty means the defaults.
	Events []string `json:"events,omitempty"`
}

type WebsocketObserverConfig struct {
	Enabled        bool     `json:"enabled"`
	Addr           string   `json:"addr,omitempty"` // default: "127.0.0.1:8765"
	Path           string   `json:"path,omitempty"` // default: "/events"
	SendBuffer     int      `json:"send_buffer,omitempty"`
	AllowedOrigins []string `json:"allowed_origins,omitempty"`
}

// StorageConfig controls the optional session store.
//
// Example:
//
//	storage: { driver: sqlite, path: ./focusloop.db }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// HousekeepingConfig schedules maintenance jobs. Schedules accept cron
// expressions, "@every 30s", Go durations or HH:MM intervals. If the
// section is omitted housekeeping runs with defaults.
type HousekeepingConfig struct {
	Enabled            bool   `json:"enabled"`
	Timezone           string `json:"timezone,omitempty"`
	CleanupSchedule    string `json:"cleanup_schedule,omitempty"`
	DailyStatsSchedule string `json:"daily_stats_schedule,omitempty"`
	JobTimeout         string `json:"job_timeout,omitempty"`
}

type MetricsConfig struct {
	Enabled bool `json:"enabled"`
}

type DebugConfig struct {
	Pprof PprofConfig `json:"pprof"`
}

// PprofConfig controls the optional net/http/pprof listener. Applied live.
type PprofConfig struct {
	Enabled              bool   `json:"enabled"`
	Address              string `json:"address,omitempty"` // default: "127.0.0.1:6060"
	BlockProfileRate     int    `json:"block_profile_rate,omitempty"`
	MutexProfileFraction int    `json:"mutex_profile_fraction,omitempty"`
}
