package config

// Config is the on-disk daemon configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "2s", "24h").
// Sections marked live are re-applied on hot reload; the rest need a restart.
type Config struct {
	Logging      LoggingConfig      `json:"logging"`    // live
	HTTP         HTTPConfig         `json:"http"`       // restart
	Dispatcher   DispatcherConfig   `json:"dispatcher"` // live (next run)
	Retry        RetryConfig        `json:"retry"`      // live (next run)
	Gateway      GatewayConfig      `json:"gateway"`    // restart
	Events       EventsConfig       `json:"events"`     // restart
	Storage      *StorageConfig     `json:"storage,omitempty"`
	Mirror       *MirrorConfig      `json:"mirror,omitempty"`
	Housekeeping HousekeepingConfig `json:"housekeeping"` // live
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	Format  string      `json:"format,omitempty"` // "console" (default) or "json"
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// HTTPConfig controls the control-surface listener.
//
// Prefer binding to localhost; the API has no authentication.
type HTTPConfig struct {
	Addr           string   `json:"addr"` // default "127.0.0.1:8080"
	ReadTimeout    string   `json:"read_timeout,omitempty"`
	WriteTimeout   string   `json:"write_timeout,omitempty"` // 0 keeps SSE streams open
	IdleTimeout    string   `json:"idle_timeout,omitempty"`
	AllowedOrigins []string `json:"allowed_origins,omitempty"`
	Pprof          bool     `json:"pprof,omitempty"` // mounts /debug
}

// DispatcherConfig controls how runs are executed.
//
// Defaults:
//   - concurrency: 5
//   - strategy: "pool" ("batch" waits for each batch before the next)
//   - rate_per_sec: 0 (unthrottled)
//   - history_size: 20, history_ttl: "24h"
//   - max_image_mb: 150
type DispatcherConfig struct {
	Concurrency int    `json:"concurrency"`
	Strategy    string `json:"strategy,omitempty"`
	RatePerSec  int    `json:"rate_per_sec,omitempty"`
	HistorySize int    `json:"history_size,omitempty"`
	HistoryTTL  string `json:"history_ttl,omitempty"`
	MaxImageMB  int    `json:"max_image_mb,omitempty"`
}

// RetryConfig selects the retry policy.
//
// Policy "fixed" (default) waits delay between attempts. "exponential"
// doubles from delay up to max_delay with jitter.
type RetryConfig struct {
	Policy     string  `json:"policy,omitempty"`
	MaxRetries *int    `json:"max_retries,omitempty"` // default 2; explicit 0 disables retries
	Delay      string  `json:"delay,omitempty"`       // default "2s"
	MaxDelay   string  `json:"max_delay,omitempty"`
	Jitter     float64 `json:"jitter,omitempty"`
}

// GatewayConfig configures the reference mock provider.
type GatewayConfig struct {
	MinLatency  string   `json:"min_latency,omitempty"` // default "500ms"
	MaxLatency  string   `json:"max_latency,omitempty"` // default "1500ms"
	FailureRate *float64 `json:"failure_rate,omitempty"`
	Seed        int64    `json:"seed,omitempty"`
}

// EventsConfig configures simulated delivery/read receipts.
type EventsConfig struct {
	Enabled      *bool  `json:"enabled,omitempty"` // default true
	DeliveredMin string `json:"delivered_min,omitempty"`
	DeliveredMax string `json:"delivered_max,omitempty"`
	ReadMin      string `json:"read_min,omitempty"`
	ReadMax      string `json:"read_max,omitempty"`
	Seed         int64  `json:"seed,omitempty"`
}

// StorageConfig controls the run audit history.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/broadcastd.sqlite" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
}

// MirrorConfig publishes live snapshots to redis.
type MirrorConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr"`
	Password      string `json:"password,omitempty"` // never logged
	DB            int    `json:"db,omitempty"`
	Key           string `json:"key,omitempty"`     // default "broadcastd:current"
	Channel       string `json:"channel,omitempty"` // default "broadcastd:progress"
	TTL           string `json:"ttl,omitempty"`     // default "1h"
	FlushInterval string `json:"flush_interval,omitempty"`
}

type HousekeepingConfig struct {
	Schedule string `json:"schedule,omitempty"` // cron spec, default "@every 1m"
}
