package engine

import (
	"context"
	"database/sql"
	"fmt"
)

// watermarkSchema is the client-local table backing the default
// WatermarkStore: one row per user, keyed the way spec.md §6 describes the
// persisted key (`TT_LAST_SYNC_TIMESTAMP_<user-id>`) for whatever
// key-value store a given client embeds it in.
const watermarkSchema = `
CREATE TABLE IF NOT EXISTS sync_watermark (
	user_id TEXT PRIMARY KEY,
	value   TEXT NOT NULL
);
`

// SQLWatermarkStore persists the per-user watermark in the client-local
// database/sql handle, the default WatermarkStore for deployments without
// a richer key-value layer of their own.
type SQLWatermarkStore struct {
	db *sql.DB
}

// NewSQLWatermarkStore returns a WatermarkStore backed by db, creating its
// table if necessary.
func NewSQLWatermarkStore(db *sql.DB) (*SQLWatermarkStore, error) {
	if _, err := db.Exec(watermarkSchema); err != nil {
		return nil, fmt.Errorf("engine: creating watermark table: %w", err)
	}
	return &SQLWatermarkStore{db: db}, nil
}

// Get returns the persisted watermark for userID, and false if none exists.
func (s *SQLWatermarkStore) Get(ctx context.Context, userID string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM sync_watermark WHERE user_id = ?`, userID).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("engine: reading watermark for %s: %w", userID, err)
	}
	return value, true, nil
}

// Set persists value as userID's watermark, replacing any prior value.
func (s *SQLWatermarkStore) Set(ctx context.Context, userID, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_watermark (user_id, value) VALUES (?, ?)
		 ON CONFLICT (user_id) DO UPDATE SET value = excluded.value`,
		userID, value,
	)
	if err != nil {
		return fmt.Errorf("engine: persisting watermark for %s: %w", userID, err)
	}
	return nil
}
