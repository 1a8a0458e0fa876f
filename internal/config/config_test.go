package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
logging:
  level: debug
  console: true
http:
  addr: 127.0.0.1:9090
  allowed_origins: ["http://localhost:3000"]
dispatcher:
  concurrency: 5
  strategy: batch
retry:
  max_retries: 0
  delay: 2s
storage:
  driver: sqlite
  path: ./data/audit.sqlite
housekeeping:
  schedule: "@every 30s"
`

func TestDecodeYAML(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("config.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cfg.Logging.Level != "debug" || !cfg.Logging.Console {
		t.Fatalf("logging: %+v", cfg.Logging)
	}
	if cfg.Dispatcher.Concurrency != 5 || cfg.Dispatcher.Strategy != "batch" {
		t.Fatalf("dispatcher: %+v", cfg.Dispatcher)
	}
	if cfg.Retry.MaxRetries == nil || *cfg.Retry.MaxRetries != 0 {
		t.Fatalf("explicit zero retries lost: %+v", cfg.Retry)
	}
	if cfg.Storage == nil || cfg.Storage.Driver != "sqlite" {
		t.Fatalf("storage: %+v", cfg.Storage)
	}
	if !reflect.DeepEqual(cfg.HTTP.AllowedOrigins, []string{"http://localhost:3000"}) {
		t.Fatalf("origins: %+v", cfg.HTTP.AllowedOrigins)
	}
	if cfg.Mirror != nil {
		t.Fatalf("mirror should be omitted")
	}
}

func TestDecodeRejectsUnknownAndTrailing(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name, path, body string
	}{
		{"unknown json", "c.json", `{"dispatcher":{"workers":3}}`},
		{"unknown yaml", "c.yml", "smtp:\n  host: x\n"},
		{"trailing", "c.json", `{"logging":{"level":"info"}} {}`},
		{"bad yaml", "c.yaml", "logging: [\n"},
	}
	for _, tc := range cases {
		if _, err := Decode(tc.path, []byte(tc.body)); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}

func TestParseDuration(t *testing.T) {
	t.Parallel()
	if d, err := ParseDurationField("x", ""); err != nil || d != 0 {
		t.Fatalf("empty: %v %v", d, err)
	}
	if _, err := ParseDurationField("x", "-1s"); err == nil {
		t.Fatalf("negative should fail")
	}
	if _, err := ParseDurationField("retry.delay", "soon"); err == nil || !strings.Contains(err.Error(), "retry.delay") {
		t.Fatalf("expected path in error, got %v", err)
	}
	if d, _ := ParseDurationOrDefault("x", "", 2*time.Second); d != 2*time.Second {
		t.Fatalf("default not used: %v", d)
	}
	if d, err := ParseDurationField("x", "30"); err != nil || d != 30*time.Second {
		t.Fatalf("bare seconds: %v %v", d, err)
	}
}

func TestDecodeEmptyYAML(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("c.yaml", []byte("# nothing yet\n"))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cfg.Storage != nil || cfg.Dispatcher.Concurrency != 0 {
		t.Fatalf("expected zero config: %+v", cfg)
	}
	if _, err := Decode("c.yaml", []byte("logging:\n  level: info\n---\nlogging:\n  level: debug\n")); err == nil {
		t.Fatalf("expected multi-document error")
	}
}

func TestSummarizeChange(t *testing.T) {
	t.Parallel()
	a, _ := Decode("c.yaml", []byte(sampleYAML))
	b, _ := Decode("c.yaml", []byte(sampleYAML))

	if s, _ := SummarizeChange(a, b); len(s) != 0 {
		t.Fatalf("expected no changes, got %v", s)
	}

	b.Dispatcher.Concurrency = 8
	b.Mirror = &MirrorConfig{Enabled: true, Addr: "localhost:6379", Password: "secret"}
	b.HTTP.Addr = ":8081"
	s, attrs := SummarizeChange(a, b)
	want := []string{"dispatcher", "http", "mirror"}
	if !reflect.DeepEqual(s, want) {
		t.Fatalf("sections = %v, want %v", s, want)
	}
	if len(attrs) == 0 {
		t.Fatalf("expected attrs")
	}
	if r := RestartRequired(s); !reflect.DeepEqual(r, []string{"http", "mirror"}) {
		t.Fatalf("restart required = %v", r)
	}
}

func TestManagerReload(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.json")
	write := func(body string) {
		if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	write(`{"dispatcher":{"concurrency":5}}`)

	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	ctx := context.Background()
	if ok, err := m.Reload(ctx); ok || err != nil {
		t.Fatalf("unchanged reload: ok=%v err=%v", ok, err)
	}

	m.SetValidator(func(_ context.Context, c *Config) error {
		if c.Dispatcher.Concurrency < 0 {
			return errors.New("negative")
		}
		return nil
	})
	write(`{"dispatcher":{"concurrency":-1}}`)
	if ok, err := m.Reload(ctx); ok || err == nil {
		t.Fatalf("invalid config accepted")
	}
	if m.Get().Dispatcher.Concurrency != 5 {
		t.Fatalf("rejected config was committed")
	}

	write(`{"dispatcher":{"concurrency":7}}`)
	if ok, err := m.Reload(ctx); !ok || err != nil {
		t.Fatalf("reload: ok=%v err=%v", ok, err)
	}
	select {
	case c := <-sub:
		if c.Dispatcher.Concurrency != 7 {
			t.Fatalf("published %+v", c.Dispatcher)
		}
	default:
		t.Fatalf("expected publish")
	}
}

func TestManagerWatch(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("dispatcher:\n  concurrency: 5\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	m := NewManager(path)
	m.debounce = 20 * time.Millisecond
	if _, err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	sub := m.Subscribe(1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		// rewrite until the watcher is attached and fires
		_ = os.WriteFile(path, []byte("dispatcher:\n  concurrency: 9\n"), 0o600)
		select {
		case c := <-sub:
			if c.Dispatcher.Concurrency != 9 {
				t.Fatalf("got %+v", c.Dispatcher)
			}
			return
		case <-deadline:
			t.Fatalf("watch did not publish")
		case <-tick.C:
		}
	}
}
