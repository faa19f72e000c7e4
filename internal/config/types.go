package config

// Config is the daemon configuration file (JSON or YAML).
//
// Durations are Go duration strings ("500ms", "10s", "5m").
type Config struct {
	Logging    LoggingConfig     `json:"logging"`
	Boot       BootConfig        `json:"boot"`
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`
	Scheduler  SchedulerConfig   `json:"scheduler"`
	Storage    *StorageConfig    `json:"storage,omitempty"`
	Checks     ChecksConfig      `json:"checks"`
	Notifier   NotifierConfig    `json:"notifier"`
	Admin      AdminConfig       `json:"admin"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	JSON    bool        `json:"json,omitempty"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// Boot sources.
const (
	BootSourceStartup = "startup"
	BootSourceSystemd = "systemd"
	BootSourceNone    = "none"
)

// BootConfig selects where the boot-completed broadcast comes from.
//
// Defaults: source "startup", initial_delay "0s", systemd_poll "2s",
// task_type "initialize".
type BootConfig struct {
	Source       string `json:"source,omitempty"`
	InitialDelay string `json:"initial_delay,omitempty"`
	SystemdPoll  string `json:"systemd_poll,omitempty"`
	TaskType     string `json:"task_type,omitempty"`
}

// TaskEngineConfig controls the job execution engine.
//
// Defaults: enabled true, workers 2, queue_size 256, default_timeout "0s"
// (none), max_queue_delay "0s" (never stale), history_size 200, retry_max 3,
// circuit_trip_failures 5 (-1 disables the breaker).
type TaskEngineConfig struct {
	Enabled             *bool  `json:"enabled,omitempty"`
	Workers             int    `json:"workers,omitempty"`
	QueueSize           int    `json:"queue_size,omitempty"`
	DefaultTimeout      string `json:"default_timeout,omitempty"`
	MaxQueueDelay       string `json:"max_queue_delay,omitempty"`
	HistorySize         int    `json:"history_size,omitempty"`
	RetryMax            int    `json:"retry_max,omitempty"`
	CircuitTripFailures int    `json:"circuit_trip_failures,omitempty"`
}

type SchedulerConfig struct {
	// Timezone is an IANA name used for cron expressions. Empty means local.
	Timezone string `json:"timezone,omitempty"`
}

// StorageConfig enables persistence.
//
//	"storage": { "driver": "sqlite", "path": "./state/sitechecker.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// ChecksConfig lists the monitored sites and probe defaults.
type ChecksConfig struct {
	DefaultInterval string       `json:"default_interval,omitempty"` // default "5m"
	Timeout         string       `json:"timeout,omitempty"`          // default "10s"
	RatePerSec      float64      `json:"rate_per_sec,omitempty"`     // default 5
	Burst           int          `json:"burst,omitempty"`            // default 1
	UserAgent       string       `json:"user_agent,omitempty"`
	Sites           []SiteConfig `json:"sites"`
}

type SiteConfig struct {
	Name    string `json:"name"`
	URL     string `json:"url"`
	Method  string `json:"method,omitempty"`
	Enabled *bool  `json:"enabled,omitempty"`
	// Interval accepts anything the scheduler parses: "5m", "02:30", "*/5 * * * *".
	Interval     string `json:"interval,omitempty"`
	Timeout      string `json:"timeout,omitempty"`
	ExpectStatus []int  `json:"expect_status,omitempty"`
}

// IsEnabled reports whether the site is checked. Omitted means enabled.
func (s SiteConfig) IsEnabled() bool { return s.Enabled == nil || *s.Enabled }

type NotifierConfig struct {
	Telegram TelegramConfig `json:"telegram"`
	// NotifyRecovery also alerts on down -> up transitions. Default true.
	NotifyRecovery *bool `json:"notify_recovery,omitempty"`
}

type TelegramConfig struct {
	Enabled    bool    `json:"enabled"`
	Token      string  `json:"token,omitempty"` // never logged
	ChatID     int64   `json:"chat_id,omitempty"`
	ThreadID   int     `json:"thread_id,omitempty"`
	RatePerSec float64 `json:"rate_per_sec,omitempty"` // default 1
	// APIURL overrides the Bot API endpoint (tests, self-hosted API servers).
	APIURL string `json:"api_url,omitempty"`
}

// AdminConfig controls the HTTP admin server.
//
// Bind to loopback, or set a token. A non-loopback address without a token
// is refused unless allow_insecure is set.
type AdminConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default "127.0.0.1:8086"
	Token         string `json:"token,omitempty"` // bearer token, never logged
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"` // 0 keeps /debug/pprof/profile usable
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}
