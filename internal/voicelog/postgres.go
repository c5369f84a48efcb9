package voicelog

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlPostgres = `
CREATE TABLE IF NOT EXISTS voice_logs (
    id          BIGSERIAL   PRIMARY KEY,
    call_id     TEXT        NOT NULL DEFAULT '',
    speech_text TEXT        NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_voice_logs_call ON voice_logs (call_id, created_at);
`

// PostgresSink stores entries in the voice_logs table.
type PostgresSink struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to dsn, verifies the connection and creates the
// voice_logs table if needed.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresSink, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("voicelog postgres: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("voicelog postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("voicelog postgres: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, ddlPostgres); err != nil {
		pool.Close()
		return nil, fmt.Errorf("voicelog postgres: migrate: %w", err)
	}
	return &PostgresSink{pool: pool}, nil
}

// Write implements Sink.
func (s *PostgresSink) Write(ctx context.Context, e Entry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO voice_logs (call_id, speech_text, created_at) VALUES ($1, $2, $3)`,
		e.CallID, e.Text, e.At)
	if err != nil {
		return fmt.Errorf("voicelog postgres: insert: %w", err)
	}
	return nil
}

// Lines returns the text of every line logged for callID, oldest first.
func (s *PostgresSink) Lines(ctx context.Context, callID string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT speech_text FROM voice_logs WHERE call_id = $1 ORDER BY created_at, id`, callID)
	if err != nil {
		return nil, fmt.Errorf("voicelog postgres: query: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var text string
		if err := rows.Scan(&text); err != nil {
			return nil, fmt.Errorf("voicelog postgres: scan: %w", err)
		}
		out = append(out, text)
	}
	return out, rows.Err()
}

// Ping implements Pinger.
func (s *PostgresSink) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// Close implements Sink.
func (s *PostgresSink) Close() error {
	s.pool.Close()
	return nil
}
