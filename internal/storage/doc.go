// Package storage persists an audit trail of finished broadcast runs.
//
// It is history only: runs are never resumed from storage after a restart.
// Drivers:
//   - "file": dependency-free JSON Lines file
//   - "sqlite": SQLite database (modernc.org/sqlite, pure Go)
package storage
