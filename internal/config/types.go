package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "2m").
// Secrets may be left empty in the file and supplied through the environment
// (see ApplyEnv).
type Config struct {
	Riot       RiotConfig      `json:"riot"`
	RateLimit  RateLimitConfig `json:"rate_limit,omitempty"`
	Poller     PollerConfig    `json:"poller"`
	Storage    StorageConfig   `json:"storage,omitempty"`
	Notifier   *NotifierConfig `json:"notifier,omitempty"`
	Transports TransportConfig `json:"transports,omitempty"`
	Logging    LoggingConfig   `json:"logging"`
	Status     StatusConfig    `json:"status,omitempty"`
}

// RiotConfig controls the API client.
//
// Defaults (when fields are omitted/zero):
//   - request_timeout: "10s"
//   - match_count: 20
//   - retry_max_attempts: 3, retry_base: "500ms", retry_max_delay: "8s"
//   - max_rate_limit_retries: 3
type RiotConfig struct {
	APIKey              string `json:"api_key,omitempty"` // do not log
	BaseURL             string `json:"base_url,omitempty"`
	RequestTimeout      string `json:"request_timeout,omitempty"`
	MatchCount          int    `json:"match_count,omitempty"`
	RetryMaxAttempts    int    `json:"retry_max_attempts,omitempty"`
	RetryBase           string `json:"retry_base,omitempty"`
	RetryMaxDelay       string `json:"retry_max_delay,omitempty"`
	MaxRateLimitRetries int    `json:"max_rate_limit_retries,omitempty"`
}

// RateLimitConfig lists the admission tiers. Empty means the development-key
// defaults: 20 per 1s and 100 per 2m.
type RateLimitConfig struct {
	Tiers []RateTier `json:"tiers,omitempty"`
}

type RateTier struct {
	Window string `json:"window"`
	Max    int    `json:"max"`
}

// PollerConfig controls the poll cycle.
//
// Schedule accepts a duration ("60s"), "every:5m", "HH:MM" or a cron spec.
// Empty means "60s".
type PollerConfig struct {
	Schedule     string `json:"schedule"`
	RunOnStart   bool   `json:"run_on_start"`
	Timezone     string `json:"timezone,omitempty"`
	CycleTimeout string `json:"cycle_timeout,omitempty"`
}

// StorageConfig selects the LastSeen backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/matchwatch.db" }
type StorageConfig struct {
	Driver          string `json:"driver,omitempty"` // sqlite (default), file, postgres
	Path            string `json:"path,omitempty"`
	DSN             string `json:"dsn,omitempty"` // postgres; do not log
	BusyTimeout     string `json:"busy_timeout,omitempty"`
	DetailCacheSize int    `json:"detail_cache_size,omitempty"`
}

// NotifierConfig controls the async notification pipeline.
// If the whole section is omitted, the notifier defaults to enabled=true.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers"`
	QueueSize       int    `json:"queue_size"`
	RatePerSec      int    `json:"rate_per_sec"`
	RetryMax        int    `json:"retry_max"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries"`
	PersistDedup    bool   `json:"persist_dedup,omitempty"`
}

// DefaultNotifier is used when the notifier section is omitted.
func DefaultNotifier() NotifierConfig {
	return NotifierConfig{
		Enabled:         true,
		Workers:         2,
		QueueSize:       512,
		RatePerSec:      3,
		RetryMax:        3,
		RetryBase:       "500ms",
		RetryMaxDelay:   "10s",
		DedupWindow:     "24h",
		DedupMaxEntries: 2000,
		PersistDedup:    true,
	}
}

type TransportConfig struct {
	Discord  DiscordConfig  `json:"discord,omitempty"`
	Telegram TelegramConfig `json:"telegram,omitempty"`
}

type DiscordConfig struct {
	Enabled    bool   `json:"enabled"`
	WebhookURL string `json:"webhook_url,omitempty"` // do not log
	Username   string `json:"username,omitempty"`
}

type TelegramConfig struct {
	Enabled  bool   `json:"enabled"`
	Token    string `json:"token,omitempty"` // do not log
	ChatID   int64  `json:"chat_id,omitempty"`
	ThreadID int    `json:"thread_id,omitempty"`
}

type LoggingConfig struct {
	Level   string       `json:"level"`
	Console bool         `json:"console"`
	File    LoggingFile  `json:"file"`
	Alert   LoggingAlert `json:"alert,omitempty"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlert forwards records at or above min_level to the configured
// transports (Telegram first, Discord otherwise).
type LoggingAlert struct {
	Enabled   bool   `json:"enabled"`
	MinLevel  string `json:"min_level,omitempty"`
	PerMinute int    `json:"per_minute,omitempty"`
}

// StatusConfig controls the status/pprof HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:8089").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type StatusConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"` // do not log
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	// WriteTimeout defaults to 0 (disabled) so /debug/pprof/profile works.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}
