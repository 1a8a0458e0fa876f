package storage

import (
	"context"
	"errors"
	"strings"

	logx "broadcastd/pkg/logx"
)

// Store is the persistence API used by the app's audit writer and the HTTP API.
type Store interface {
	// PutRun inserts or replaces the entry for e.RunID.
	PutRun(ctx context.Context, e RunEntry) error
	// RecentRuns returns up to limit entries, newest first.
	RecentRuns(ctx context.Context, limit int) ([]RunEntry, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

func clampFailures(e RunEntry) RunEntry {
	if len(e.Failures) > MaxFailures {
		e.Failures = e.Failures[:MaxFailures]
	}
	return e
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 20
	}
	if limit > 500 {
		return 500
	}
	return limit
}
