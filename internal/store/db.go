// Package store is the local SQLite cache: the last known conversations and
// timelines for a warm start, failed sends awaiting retry, and a local
// message search.
package store

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps a SQLite connection to the profile's cache database.
type DB struct {
	*sql.DB
}

// Open creates a new SQLite connection with WAL mode and recommended pragmas.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &DB{db}, nil
}

// Stats counts cached rows.
type Stats struct {
	Conversations int64 `json:"conversations"`
	Messages      int64 `json:"messages"`
	FailedSends   int64 `json:"failed_sends"`
}

// Stats returns row counts for the status report.
func (db *DB) Stats() (Stats, error) {
	var s Stats
	err := db.QueryRow(`
		SELECT
			(SELECT COUNT(*) FROM conversations),
			(SELECT COUNT(*) FROM messages),
			(SELECT COUNT(*) FROM outbox)`).
		Scan(&s.Conversations, &s.Messages, &s.FailedSends)
	if err != nil {
		return Stats{}, fmt.Errorf("stats: %w", err)
	}
	return s, nil
}
