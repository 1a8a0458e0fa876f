// Package mirror copies the dispatcher's live state into redis so external
// dashboards can follow a run without talking to the daemon.
//
// The current snapshot is stored as JSON under Key (with TTL) and a compact
// summary is PUBLISHed on Channel after every flush.
package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"broadcastd/internal/broadcast"
	"broadcastd/internal/eventbus"
	logx "broadcastd/pkg/logx"
)

const (
	DefaultKey           = "broadcastd:current"
	DefaultChannel       = "broadcastd:progress"
	DefaultTTL           = time.Hour
	DefaultFlushInterval = 500 * time.Millisecond
)

type Config struct {
	Addr          string
	Password      string
	DB            int
	Key           string
	Channel       string
	TTL           time.Duration
	FlushInterval time.Duration
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Key) == "" {
		c.Key = DefaultKey
	}
	if strings.TrimSpace(c.Channel) == "" {
		c.Channel = DefaultChannel
	}
	if c.TTL <= 0 {
		c.TTL = DefaultTTL
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = DefaultFlushInterval
	}
	return c
}

// Source is the state being mirrored.
type Source interface {
	Snapshot() broadcast.Snapshot
}

type Mirror struct {
	rdb *redis.Client
	cfg Config
	src Source
	bus eventbus.Bus
	log logx.Logger

	flushes atomic.Uint64
}

// Dial connects to redis and verifies the connection.
func Dial(ctx context.Context, cfg Config) (*redis.Client, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, errors.New("mirror.addr is required")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return rdb, nil
}

func New(rdb *redis.Client, cfg Config, src Source, bus eventbus.Bus, log logx.Logger) *Mirror {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Mirror{rdb: rdb, cfg: cfg.withDefaults(), src: src, bus: bus, log: log}
}

// Flushes counts successful flushes.
func (m *Mirror) Flushes() uint64 { return m.flushes.Load() }

// Flush writes the current snapshot and publishes its summary.
func (m *Mirror) Flush(ctx context.Context) error {
	snap := m.src.Snapshot()
	b, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	sum, err := json.Marshal(snap.Summary)
	if err != nil {
		return err
	}
	pipe := m.rdb.Pipeline()
	pipe.Set(ctx, m.cfg.Key, b, m.cfg.TTL)
	pipe.Publish(ctx, m.cfg.Channel, sum)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	m.flushes.Add(1)
	return nil
}

// Run mirrors until ctx is done. Bursts of events are coalesced into one
// flush per FlushInterval; a final flush captures the terminal state.
func (m *Mirror) Run(ctx context.Context) error {
	events, unsub := m.bus.Subscribe(256,
		broadcast.EventStarted,
		broadcast.EventRecord,
		broadcast.EventProgress,
		broadcast.EventCancelled,
		broadcast.EventFinished,
	)
	defer unsub()

	t := time.NewTicker(m.cfg.FlushInterval)
	defer t.Stop()

	dirty := false
	flush := func(c context.Context) {
		if err := m.Flush(c); err != nil {
			m.log.Warn("mirror flush failed", logx.Err(err))
			return
		}
		dirty = false
	}

	for {
		select {
		case <-ctx.Done():
			if dirty {
				fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
				flush(fctx)
				cancel()
			}
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			dirty = true
			// Terminal states go out right away.
			if e.Type == broadcast.EventFinished || e.Type == broadcast.EventCancelled {
				flush(ctx)
			}
		case <-t.C:
			if dirty {
				flush(ctx)
			}
		}
	}
}

func (m *Mirror) Close() error { return m.rdb.Close() }
