package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	id         TEXT PRIMARY KEY,
	sender     TEXT NOT NULL,
	target_key TEXT NOT NULL,
	kind       TEXT NOT NULL,
	content    TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_messages_target ON messages(target_key, created_at);

CREATE TABLE IF NOT EXISTS last_seen (
	identity TEXT PRIMARY KEY,
	seen_at  DATETIME NOT NULL
);
`

type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the message database at path and
// applies the schema.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQLite{db: db}, nil
}

func (s *SQLite) SaveMessage(ctx context.Context, sender, targetKey, kind, content string) (string, error) {
	id := uuid.NewString()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, sender, target_key, kind, content, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id, sender, targetKey, kind, content, time.Now().UTC(),
	)
	if err != nil {
		return "", fmt.Errorf("insert message: %w", err)
	}

	return id, nil
}

func (s *SQLite) RecordLastSeen(ctx context.Context, identity string, ts time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO last_seen (identity, seen_at) VALUES (?, ?)
		 ON CONFLICT(identity) DO UPDATE SET seen_at = excluded.seen_at`,
		identity, ts.UTC(),
	)
	if err != nil {
		return fmt.Errorf("record last seen: %w", err)
	}
	return nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
