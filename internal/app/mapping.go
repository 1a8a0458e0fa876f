package app

import (
	"fmt"
	"strings"
	"time"

	"broadcastd/internal/broadcast"
	"broadcastd/internal/config"
	"broadcastd/internal/content"
	"broadcastd/internal/gateway"
	"broadcastd/internal/housekeeping"
	"broadcastd/internal/mirror"
	"broadcastd/internal/retry"
	"broadcastd/internal/simulator"
	"broadcastd/internal/storage"
	logx "broadcastd/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		Format:  cfg.Logging.Format,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapDispatcherConfig(cfg *config.Config) (broadcast.Config, error) {
	d := cfg.Dispatcher
	if d.Concurrency < 0 {
		return broadcast.Config{}, fmt.Errorf("dispatcher.concurrency must be >= 0")
	}
	if d.RatePerSec < 0 {
		return broadcast.Config{}, fmt.Errorf("dispatcher.rate_per_sec must be >= 0")
	}
	if d.HistorySize < 0 {
		return broadcast.Config{}, fmt.Errorf("dispatcher.history_size must be >= 0")
	}
	switch strings.ToLower(strings.TrimSpace(d.Strategy)) {
	case "", broadcast.StrategyPool, broadcast.StrategyBatch:
	default:
		return broadcast.Config{}, fmt.Errorf("dispatcher.strategy: unknown %q (want pool or batch)", d.Strategy)
	}
	ttl, err := config.ParseDurationField("dispatcher.history_ttl", d.HistoryTTL)
	if err != nil {
		return broadcast.Config{}, err
	}
	maxImage := int64(d.MaxImageMB) << 20
	if maxImage < 0 || maxImage > content.MaxImageBytes {
		return broadcast.Config{}, fmt.Errorf("dispatcher.max_image_mb must be between 0 and %d", content.MaxImageBytes>>20)
	}
	return broadcast.Config{
		Concurrency:   d.Concurrency,
		Strategy:      d.Strategy,
		RatePerSec:    d.RatePerSec,
		HistorySize:   d.HistorySize,
		HistoryTTL:    ttl,
		MaxImageBytes: maxImage,
	}, nil
}

func mapRetryPolicy(cfg *config.Config) (retry.Policy, error) {
	r := cfg.Retry
	maxRetries := retry.DefaultMaxRetries
	if r.MaxRetries != nil {
		maxRetries = *r.MaxRetries
	}
	if maxRetries < 0 {
		return nil, fmt.Errorf("retry.max_retries must be >= 0")
	}
	switch strings.ToLower(strings.TrimSpace(r.Policy)) {
	case "", "fixed", "exponential", "backoff":
	default:
		return nil, fmt.Errorf("retry.policy: unknown %q (want fixed or exponential)", r.Policy)
	}
	delay, err := config.ParseDurationOrDefault("retry.delay", r.Delay, retry.DefaultDelay)
	if err != nil {
		return nil, err
	}
	maxDelay, err := config.ParseDurationOrDefault("retry.max_delay", r.MaxDelay, retry.DefaultMaxDelay)
	if err != nil {
		return nil, err
	}
	if r.Jitter < 0 || r.Jitter > 1 {
		return nil, fmt.Errorf("retry.jitter must be within [0,1]")
	}
	return retry.FromConfig(retry.Config{
		Policy:     r.Policy,
		MaxRetries: maxRetries,
		Delay:      delay,
		MaxDelay:   maxDelay,
		Jitter:     r.Jitter,
	}), nil
}

func mapGatewayConfig(cfg *config.Config) (gateway.MockConfig, error) {
	g := cfg.Gateway
	minL, err := config.ParseDurationOrDefault("gateway.min_latency", g.MinLatency, 500*time.Millisecond)
	if err != nil {
		return gateway.MockConfig{}, err
	}
	maxL, err := config.ParseDurationOrDefault("gateway.max_latency", g.MaxLatency, 1500*time.Millisecond)
	if err != nil {
		return gateway.MockConfig{}, err
	}
	if maxL < minL {
		return gateway.MockConfig{}, fmt.Errorf("gateway.max_latency must be >= gateway.min_latency")
	}
	rate := 0.1
	if g.FailureRate != nil {
		rate = *g.FailureRate
	}
	if rate < 0 || rate > 1 {
		return gateway.MockConfig{}, fmt.Errorf("gateway.failure_rate must be within [0,1]")
	}
	return gateway.MockConfig{MinLatency: minL, MaxLatency: maxL, FailureRate: rate, Seed: g.Seed}, nil
}

func mapEventsConfig(cfg *config.Config) (simulator.Config, bool, error) {
	e := cfg.Events
	if e.Enabled != nil && !*e.Enabled {
		return simulator.Config{}, false, nil
	}
	def := simulator.DefaultConfig()
	out := simulator.Config{Seed: e.Seed}
	var err error
	if out.DeliveredMin, err = config.ParseDurationOrDefault("events.delivered_min", e.DeliveredMin, def.DeliveredMin); err != nil {
		return simulator.Config{}, false, err
	}
	if out.DeliveredMax, err = config.ParseDurationOrDefault("events.delivered_max", e.DeliveredMax, def.DeliveredMax); err != nil {
		return simulator.Config{}, false, err
	}
	if out.ReadMin, err = config.ParseDurationOrDefault("events.read_min", e.ReadMin, def.ReadMin); err != nil {
		return simulator.Config{}, false, err
	}
	if out.ReadMax, err = config.ParseDurationOrDefault("events.read_max", e.ReadMax, def.ReadMax); err != nil {
		return simulator.Config{}, false, err
	}
	if out.DeliveredMax < out.DeliveredMin || out.ReadMax < out.ReadMin {
		return simulator.Config{}, false, fmt.Errorf("events: max delays must be >= min delays")
	}
	return out, true, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)
	if path == "" {
		return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=%s", driver)
	}
	switch driver {
	case "file":
		return storage.Config{Driver: driver, Path: path}, true, nil
	case "sqlite", "sqlite3":
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapMirrorConfig(cfg *config.Config) (mirror.Config, bool, error) {
	if cfg.Mirror == nil || !cfg.Mirror.Enabled {
		return mirror.Config{}, false, nil
	}
	m := cfg.Mirror
	if strings.TrimSpace(m.Addr) == "" {
		return mirror.Config{}, false, fmt.Errorf("mirror.addr is required when mirror.enabled=true")
	}
	ttl, err := config.ParseDurationField("mirror.ttl", m.TTL)
	if err != nil {
		return mirror.Config{}, false, err
	}
	flush, err := config.ParseDurationField("mirror.flush_interval", m.FlushInterval)
	if err != nil {
		return mirror.Config{}, false, err
	}
	return mirror.Config{
		Addr:          strings.TrimSpace(m.Addr),
		Password:      m.Password,
		DB:            m.DB,
		Key:           m.Key,
		Channel:       m.Channel,
		TTL:           ttl,
		FlushInterval: flush,
	}, true, nil
}

// httpSettings is the resolved http section.
type httpSettings struct {
	Addr           string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	AllowedOrigins []string
	Pprof          bool
}

func mapHTTPConfig(cfg *config.Config) (httpSettings, error) {
	h := cfg.HTTP
	out := httpSettings{
		Addr:           strings.TrimSpace(h.Addr),
		AllowedOrigins: h.AllowedOrigins,
		Pprof:          h.Pprof,
	}
	if out.Addr == "" {
		out.Addr = "127.0.0.1:8080"
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("http.read_timeout", h.ReadTimeout, 30*time.Second); err != nil {
		return httpSettings{}, err
	}
	// Zero keeps SSE streams open.
	if out.WriteTimeout, err = config.ParseDurationField("http.write_timeout", h.WriteTimeout); err != nil {
		return httpSettings{}, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("http.idle_timeout", h.IdleTimeout, 2*time.Minute); err != nil {
		return httpSettings{}, err
	}
	return out, nil
}

// validateConfig rejects configs that cannot be applied. Used at boot and
// before committing a hot reload.
func validateConfig(cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if lvl := strings.TrimSpace(cfg.Logging.Level); lvl != "" && !logx.ValidLevel(lvl) {
		return fmt.Errorf("logging.level: invalid %q", cfg.Logging.Level)
	}
	if f := strings.ToLower(strings.TrimSpace(cfg.Logging.Format)); f != "" && f != "json" && f != "console" {
		return fmt.Errorf("logging.format: unknown %q (want console or json)", cfg.Logging.Format)
	}
	if cfg.Logging.File.Enabled && strings.TrimSpace(cfg.Logging.File.Path) == "" {
		return fmt.Errorf("logging.file.path is required when logging.file.enabled=true")
	}
	if _, err := mapHTTPConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDispatcherConfig(cfg); err != nil {
		return err
	}
	if _, err := mapRetryPolicy(cfg); err != nil {
		return err
	}
	if _, err := mapGatewayConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapEventsConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapMirrorConfig(cfg); err != nil {
		return err
	}
	return housekeeping.Validate(cfg.Housekeeping.Schedule)
}
