package voicelog

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const ddlSQLite = `
CREATE TABLE IF NOT EXISTS voice_logs (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    call_id     TEXT NOT NULL DEFAULT '',
    speech_text TEXT NOT NULL,
    created_at  TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_voice_logs_call ON voice_logs(call_id, created_at);
`

// SQLiteSink stores entries in a local SQLite database, for single-node
// deployments without a database server.
type SQLiteSink struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database file at path.
func OpenSQLite(ctx context.Context, path string) (*SQLiteSink, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("voicelog sqlite: create data dir: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("voicelog sqlite: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("voicelog sqlite: ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, ddlSQLite); err != nil {
		db.Close()
		return nil, fmt.Errorf("voicelog sqlite: migrate: %w", err)
	}
	return &SQLiteSink{db: db}, nil
}

// Write implements Sink.
func (s *SQLiteSink) Write(ctx context.Context, e Entry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO voice_logs(call_id, speech_text, created_at) VALUES(?, ?, ?)`,
		e.CallID, e.Text, e.At)
	if err != nil {
		return fmt.Errorf("voicelog sqlite: insert: %w", err)
	}
	return nil
}

// Lines returns the text of every line logged for callID, oldest first.
func (s *SQLiteSink) Lines(ctx context.Context, callID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT speech_text FROM voice_logs WHERE call_id = ? ORDER BY id`, callID)
	if err != nil {
		return nil, fmt.Errorf("voicelog sqlite: query: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var text string
		if err := rows.Scan(&text); err != nil {
			return nil, fmt.Errorf("voicelog sqlite: scan: %w", err)
		}
		out = append(out, text)
	}
	return out, rows.Err()
}

// Ping implements Pinger.
func (s *SQLiteSink) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Close implements Sink.
func (s *SQLiteSink) Close() error { return s.db.Close() }
