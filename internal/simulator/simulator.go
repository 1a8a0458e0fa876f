// Package simulator raises asynchronous delivery and read receipts for sent
// messages, standing in for provider webhooks.
package simulator

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	logx "broadcastd/pkg/logx"
)

type Kind string

const (
	Delivered Kind = "delivered"
	Read      Kind = "read"
)

// Event is a receipt keyed by the provider message id.
type Event struct {
	Kind              Kind      `json:"kind"`
	ProviderMessageID string    `json:"provider_message_id"`
	At                time.Time `json:"at"`
}

// Source schedules receipts for a provider message id. emit may be called
// from any goroutine, at most once per kind, and never after ctx is done.
type Source interface {
	Track(ctx context.Context, providerMessageID string, emit func(Event))
}

// Config sets the receipt windows. Delays are drawn uniformly from
// [min, max).
type Config struct {
	DeliveredMin time.Duration
	DeliveredMax time.Duration
	ReadMin      time.Duration
	ReadMax      time.Duration
	Seed         int64
}

// DefaultConfig: delivered after 5-15s, read after 15-35s.
func DefaultConfig() Config {
	return Config{
		DeliveredMin: 5 * time.Second,
		DeliveredMax: 15 * time.Second,
		ReadMin:      15 * time.Second,
		ReadMax:      35 * time.Second,
	}
}

// Timed emits receipts from timers.
type Timed struct {
	cfg Config
	log logx.Logger

	mu  sync.Mutex
	rng *rand.Rand

	pending atomic.Int64
}

func New(cfg Config, log logx.Logger) *Timed {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.DeliveredMax < cfg.DeliveredMin {
		cfg.DeliveredMax = cfg.DeliveredMin
	}
	if cfg.ReadMax < cfg.ReadMin {
		cfg.ReadMax = cfg.ReadMin
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Timed{cfg: cfg, log: log, rng: rand.New(rand.NewSource(seed))}
}

func (t *Timed) Track(ctx context.Context, providerMessageID string, emit func(Event)) {
	if emit == nil || providerMessageID == "" {
		return
	}
	t.mu.Lock()
	dDelay := between(t.rng, t.cfg.DeliveredMin, t.cfg.DeliveredMax)
	rDelay := between(t.rng, t.cfg.ReadMin, t.cfg.ReadMax)
	t.mu.Unlock()

	t.log.Debug("receipts scheduled", logx.String("message_id", providerMessageID), logx.Duration("delivered_in", dDelay), logx.Duration("read_in", rDelay))
	t.schedule(ctx, dDelay, Delivered, providerMessageID, emit)
	t.schedule(ctx, rDelay, Read, providerMessageID, emit)
}

// Pending is the number of receipts not yet emitted or dropped.
func (t *Timed) Pending() int64 { return t.pending.Load() }

func (t *Timed) schedule(ctx context.Context, d time.Duration, kind Kind, id string, emit func(Event)) {
	t.pending.Add(1)
	var once sync.Once
	done := func() { once.Do(func() { t.pending.Add(-1) }) }

	var (
		stopMu sync.Mutex
		stop   func() bool
	)
	tmr := time.AfterFunc(d, func() {
		stopMu.Lock()
		unregister := stop
		stopMu.Unlock()
		if unregister != nil {
			unregister()
		}
		defer done()
		if ctx.Err() != nil {
			return
		}
		emit(Event{Kind: kind, ProviderMessageID: id, At: time.Now()})
	})
	stopMu.Lock()
	stop = context.AfterFunc(ctx, func() {
		if tmr.Stop() {
			done()
		}
	})
	stopMu.Unlock()
}

func between(rng *rand.Rand, lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(rng.Int63n(int64(hi-lo)))
}

// Nop never emits receipts.
type Nop struct{}

func (Nop) Track(context.Context, string, func(Event)) {}
