package gateway

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"broadcastd/internal/content"
	"broadcastd/internal/retry"
	logx "broadcastd/pkg/logx"
)

// MockConfig tunes the simulated provider. Zero values mean no latency and
// no failures; the daemon config defaults to 500ms-1500ms and a 0.1 failure
// rate.
type MockConfig struct {
	MinLatency  time.Duration
	MaxLatency  time.Duration
	FailureRate float64
	// Seed makes latency and failures reproducible. 0 seeds from the clock.
	Seed int64
}

// Mock simulates a WhatsApp-style provider: random latency, a configurable
// failure rate and wamid-prefixed message ids.
type Mock struct {
	cfg MockConfig
	log logx.Logger

	mu  sync.Mutex
	rng *rand.Rand

	seq  atomic.Uint64
	sent atomic.Uint64
	fail atomic.Uint64
}

func NewMock(cfg MockConfig, log logx.Logger) *Mock {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.MinLatency < 0 {
		cfg.MinLatency = 0
	}
	if cfg.MaxLatency < cfg.MinLatency {
		cfg.MaxLatency = cfg.MinLatency
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Mock{cfg: cfg, log: log, rng: rand.New(rand.NewSource(seed))}
}

// Send fails fast on missing credentials, then waits a random latency and
// either returns a fresh message id or a simulated provider rejection.
func (m *Mock) Send(ctx context.Context, to string, msg content.Message, cred Credentials) (string, error) {
	if !cred.Complete() {
		m.fail.Add(1)
		return "", retry.NoRetry(ErrMissingCredentials)
	}

	delay, failed := m.roll()
	if delay > 0 {
		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			if !tmr.Stop() {
				<-tmr.C
			}
			return "", ctx.Err()
		case <-tmr.C:
		}
	}

	if failed {
		m.fail.Add(1)
		m.log.Debug("mock send rejected", logx.String("to", to), logx.Duration("latency", delay))
		return "", fmt.Errorf("send to %s: %w", to, ErrRejected)
	}

	id := m.nextID()
	m.sent.Add(1)
	m.log.Debug("mock send ok", logx.String("to", to), logx.String("message_id", id), logx.Bool("image", msg.Image != nil), logx.Duration("latency", delay))
	return id, nil
}

func (m *Mock) roll() (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delay := m.cfg.MinLatency
	if span := m.cfg.MaxLatency - m.cfg.MinLatency; span > 0 {
		delay += time.Duration(m.rng.Int63n(int64(span)))
	}
	failed := m.cfg.FailureRate > 0 && m.rng.Float64() < m.cfg.FailureRate
	return delay, failed
}

// nextID returns "wamid.<unix millis><seq>". The sequence keeps ids unique
// even when two sends finish in the same millisecond.
func (m *Mock) nextID() string {
	return "wamid." + strconv.FormatInt(time.Now().UnixMilli(), 10) + strconv.FormatUint(m.seq.Add(1), 10)
}

// MockStats is a best-effort counter snapshot.
type MockStats struct {
	Sent   uint64 `json:"sent"`
	Failed uint64 `json:"failed"`
}

func (m *Mock) Stats() MockStats {
	return MockStats{Sent: m.sent.Load(), Failed: m.fail.Load()}
}
