package throttle

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const reserveSQL = `
INSERT INTO provider_throttle (provider_key, last_call_at)
VALUES ($1, $2)
ON CONFLICT (provider_key) DO UPDATE
SET last_call_at = GREATEST(provider_throttle.last_call_at + make_interval(secs => $3), EXCLUDED.last_call_at)
RETURNING last_call_at`

// PGStore reserves slots in the provider_throttle table so reservations are
// shared by every process using the same database.
type PGStore struct {
	DB *sql.DB
}

// NewPGStore wires a Postgres-backed timestamp store.
func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{DB: db}
}

// Reserve implements TimestampStore with a single upsert statement.
func (s *PGStore) Reserve(ctx context.Context, key string, now time.Time, spacing time.Duration) (time.Time, error) {
	if s == nil || s.DB == nil {
		return time.Time{}, fmt.Errorf("throttle store not configured")
	}
	var slot time.Time
	if err := s.DB.QueryRowContext(ctx, reserveSQL, key, now.UTC(), spacing.Seconds()).Scan(&slot); err != nil {
		return time.Time{}, fmt.Errorf("reserve throttle slot: %w", err)
	}
	return slot.UTC(), nil
}
