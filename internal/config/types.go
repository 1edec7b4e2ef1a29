package config

// Config is the root of the bot's configuration file (YAML or JSON).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Decoding is strict: unknown fields are rejected so typos fail loudly
// at startup instead of silently disabling a knob.
type Config struct {
	// Timezone is the IANA zone used for rendered timestamps and job
	// scheduling. Empty means the host's local zone.
	Timezone string `json:"timezone,omitempty"`

	Logging   LoggingConfig   `json:"logging"`
	Telegram  TelegramConfig  `json:"telegram"`
	Sheets    SheetsConfig    `json:"sheets"`
	Feed      FeedConfig      `json:"feed"`
	Gateway   GatewayConfig   `json:"gateway,omitempty"`
	Broadcast BroadcastConfig `json:"broadcast,omitempty"`
	Geocode   GeocodeConfig   `json:"geocode,omitempty"`
	Ops       OpsConfig       `json:"ops,omitempty"`
}

type LoggingConfig struct {
	Level   string        `json:"level,omitempty"`
	Console bool          `json:"console"`
	File    LogFileConfig `json:"file,omitempty"`
}

type LogFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`

	// SendTimeout bounds each outbound send. Default "10s".
	SendTimeout string `json:"send_timeout,omitempty"`
}

// SheetsConfig selects and configures the backing store.
//
// Driver values:
//   - "sqlite": local SQLite database file
//
// Worksheet names default to "groups" (recipient registry) and
// "eld_tracker" (position write-back).
type SheetsConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`

	RecipientsWorksheet string `json:"recipients_worksheet,omitempty"`
	TrackerWorksheet    string `json:"tracker_worksheet,omitempty"`
}

type FeedConfig struct {
	BaseURL string `json:"base_url"`
	APIKey  string `json:"api_key,omitempty"`

	// Timeout bounds one snapshot fetch. Default "30s".
	Timeout string `json:"timeout,omitempty"`
}

// GatewayConfig tunes the quota gateway in front of the backing store.
//
// Defaults (when fields are omitted/zero):
//   - cache_stable_ttl: "30m", cache_volatile_ttl: "5m"
//   - cache_capacity: 4096
//   - retry_max: 5 attempts
//   - backoff_base: "1s", backoff_max: "60s"
//   - breaker_threshold: 10 consecutive failures
//   - breaker_cooldown: "5m"
//   - requests_per_minute: 180
type GatewayConfig struct {
	CacheStableTTL   string `json:"cache_stable_ttl,omitempty"`
	CacheVolatileTTL string `json:"cache_volatile_ttl,omitempty"`
	CacheCapacity    int    `json:"cache_capacity,omitempty"`

	RetryMax    int    `json:"retry_max,omitempty"`
	BackoffBase string `json:"backoff_base,omitempty"`
	BackoffMax  string `json:"backoff_max,omitempty"`

	BreakerThreshold int    `json:"breaker_threshold,omitempty"`
	BreakerCooldown  string `json:"breaker_cooldown,omitempty"`

	RequestsPerMinute int `json:"requests_per_minute,omitempty"`
}

// BroadcastConfig tunes the periodic fan-out.
//
// Defaults:
//   - period: "1h", refresh_period: "5m", housekeeping_period: "30m"
//   - startup_warmup: "4m"
//   - max_concurrent_sends: 12, send_rate_per_sec: 10
//   - recipient_jitter_min: "500ms", recipient_jitter_max: "2s"
//   - outbox_ttl: "2h"
//   - chunk_size: 50, chunk_pause: "100ms"
//   - breaker_threshold: 5, breaker_quiet: "10m"
type BroadcastConfig struct {
	Enabled bool `json:"enabled"`

	Period             string `json:"period,omitempty"`
	RefreshPeriod      string `json:"refresh_period,omitempty"`
	HousekeepingPeriod string `json:"housekeeping_period,omitempty"`

	StartupWarmup string `json:"startup_warmup,omitempty"`

	MaxConcurrentSends int    `json:"max_concurrent_sends,omitempty"`
	SendRatePerSec     int    `json:"send_rate_per_sec,omitempty"`
	RecipientJitterMin string `json:"recipient_jitter_min,omitempty"`
	RecipientJitterMax string `json:"recipient_jitter_max,omitempty"`

	OutboxTTL string `json:"outbox_ttl,omitempty"`

	ChunkSize  int    `json:"chunk_size,omitempty"`
	ChunkPause string `json:"chunk_pause,omitempty"`

	BreakerThreshold int    `json:"breaker_threshold,omitempty"`
	BreakerQuiet     string `json:"breaker_quiet,omitempty"`
}

type GeocodeConfig struct {
	Enabled  bool   `json:"enabled"`
	Capacity int    `json:"capacity,omitempty"`
	TTL      string `json:"ttl,omitempty"`

	// Precision is the number of decimal places coordinates are rounded to
	// before being used as cache keys. Default 3 (~110m).
	Precision int `json:"precision,omitempty"`
}

type OpsConfig struct {
	Enabled bool   `json:"enabled"`
	Listen  string `json:"listen,omitempty"` // default "127.0.0.1:9090"

	// AllowRemote permits non-loopback listen addresses.
	AllowRemote bool `json:"allow_remote,omitempty"`

	EnablePprof          bool `json:"enable_pprof,omitempty"`
	BlockProfileRate     int  `json:"block_profile_rate,omitempty"`
	MutexProfileFraction int  `json:"mutex_profile_fraction,omitempty"`
}
