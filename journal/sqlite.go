package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS entries (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	time       INTEGER NOT NULL,
	kind       TEXT NOT NULL,
	component  TEXT NOT NULL,
	task_id    TEXT NOT NULL DEFAULT '',
	agent      TEXT NOT NULL DEFAULT '',
	topic      TEXT NOT NULL DEFAULT '',
	message    TEXT NOT NULL DEFAULT '',
	error      TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS entries_task_id ON entries(task_id);
`

// SQLiteSink stores entries in a SQLite database.
type SQLiteSink struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the journal database at path.
// Use ":memory:" for a throwaway database.
func OpenSQLite(path string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// One connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}
	if path != ":memory:" {
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set WAL mode on %s: %w", path, err)
		}
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout on %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create journal schema: %w", err)
	}
	return &SQLiteSink{db: db}, nil
}

// Append inserts e.
func (s *SQLiteSink) Append(ctx context.Context, e Entry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO entries (time, kind, component, task_id, agent, topic, message, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Time.UnixNano(), string(e.Kind), e.Component, e.TaskID, e.Agent, e.Topic, string(e.Message), e.Error)
	if err != nil {
		return fmt.Errorf("journal: insert: %w", err)
	}
	return nil
}

// ByTask returns every entry for taskID in insertion order.
func (s *SQLiteSink) ByTask(ctx context.Context, taskID string) ([]Entry, error) {
	return s.query(ctx,
		`SELECT time, kind, component, task_id, agent, topic, message, error
		 FROM entries WHERE task_id = ? ORDER BY id`, taskID)
}

// Recent returns the newest limit entries, newest first.
func (s *SQLiteSink) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.query(ctx,
		`SELECT time, kind, component, task_id, agent, topic, message, error
		 FROM entries ORDER BY id DESC LIMIT ?`, limit)
}

func (s *SQLiteSink) query(ctx context.Context, q string, args ...interface{}) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("journal: query: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e       Entry
			nanos   int64
			kind    string
			message string
		)
		if err := rows.Scan(&nanos, &kind, &e.Component, &e.TaskID, &e.Agent, &e.Topic, &message, &e.Error); err != nil {
			return nil, fmt.Errorf("journal: scan: %w", err)
		}
		e.Time = time.Unix(0, nanos).UTC()
		e.Kind = Kind(kind)
		if message != "" {
			e.Message = []byte(message)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Close closes the database.
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}
