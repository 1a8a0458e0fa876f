package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "broadcastd/pkg/logx"
)

//go:embed schema.sql
var schemaFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := schemaFS.ReadFile("schema.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) PutRun(ctx context.Context, e RunEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if strings.TrimSpace(e.RunID) == "" {
		return errors.New("run id is required")
	}
	e = clampFailures(e)
	failures, err := json.Marshal(e.Failures)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs(run_id, status, total, processed, sent, failed, delivered, read_count, has_image, text, created_at, finished_at, failures)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(run_id) DO UPDATE SET
		   status=excluded.status, total=excluded.total, processed=excluded.processed,
		   sent=excluded.sent, failed=excluded.failed, delivered=excluded.delivered,
		   read_count=excluded.read_count, has_image=excluded.has_image, text=excluded.text,
		   created_at=excluded.created_at, finished_at=excluded.finished_at, failures=excluded.failures`,
		e.RunID, e.Status, e.Total, e.Processed, e.Sent, e.Failed, e.Delivered, e.Read,
		boolInt(e.HasImage), nullStr(e.Text),
		e.CreatedAt.UTC().Format(time.RFC3339Nano), e.FinishedAt.UTC().Format(time.RFC3339Nano),
		string(failures),
	)
	return err
}

func (s *sqliteStore) RecentRuns(ctx context.Context, limit int) ([]RunEntry, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, status, total, processed, sent, failed, delivered, read_count, has_image, COALESCE(text, ''), created_at, finished_at, failures
		 FROM runs ORDER BY created_at DESC LIMIT ?`, normalizeLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []RunEntry{}
	for rows.Next() {
		var (
			e                 RunEntry
			hasImage          int
			created, finished string
			failures          string
		)
		if err := rows.Scan(&e.RunID, &e.Status, &e.Total, &e.Processed, &e.Sent, &e.Failed, &e.Delivered, &e.Read, &hasImage, &e.Text, &created, &finished, &failures); err != nil {
			return nil, err
		}
		e.HasImage = hasImage != 0
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		e.FinishedAt, _ = time.Parse(time.RFC3339Nano, finished)
		if failures != "" && failures != "null" {
			if err := json.Unmarshal([]byte(failures), &e.Failures); err != nil {
				s.log.Debug("bad failures column", logx.String("run", e.RunID), logx.Err(err))
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
