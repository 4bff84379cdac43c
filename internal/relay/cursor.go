// Package relay tracks subscriber resumption cursors for the firehose:
// the last seq a subscribeRepos client acknowledged, persisted so a
// reconnecting client can resume from where it left off instead of
// replaying the whole history or missing events.
package relay

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
)

// CursorTracker manages the last delivered firehose sequence number for a
// given subscriber.
type CursorTracker interface {
	// GetCursor retrieves the last acknowledged seq for id. Returns 0 if
	// none has been recorded yet.
	GetCursor(ctx context.Context, id string) (int64, error)

	// UpdateCursor records seq as the last acknowledged position for id.
	// Implementations apply it monotonically: a seq lower than the
	// stored value is a no-op, not an error.
	UpdateCursor(ctx context.Context, id string, seq int64) error
}

// PostgresCursorTracker implements CursorTracker against the
// indexer_cursors table.
type PostgresCursorTracker struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresCursorTracker creates a new PostgresCursorTracker.
func NewPostgresCursorTracker(db *sql.DB, logger *slog.Logger) *PostgresCursorTracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresCursorTracker{db: db, logger: logger}
}

// GetCursor retrieves the last recorded seq for subscriber id.
func (t *PostgresCursorTracker) GetCursor(ctx context.Context, id string) (int64, error) {
	var cursor int64
	query := `SELECT cursor FROM indexer_cursors WHERE subscriber_id = $1`
	err := t.db.QueryRowContext(ctx, query, id).Scan(&cursor)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, nil
		}
		return 0, fmt.Errorf("get cursor for %s: %w", id, err)
	}
	return cursor, nil
}

// UpdateCursor upserts the cursor for id, applying it only if seq is
// greater than what is already stored (monotonic).
func (t *PostgresCursorTracker) UpdateCursor(ctx context.Context, id string, seq int64) error {
	query := `INSERT INTO indexer_cursors (subscriber_id, cursor, last_updated)
	          VALUES ($1, $2, NOW())
	          ON CONFLICT (subscriber_id) DO UPDATE
	          SET cursor = GREATEST(indexer_cursors.cursor, EXCLUDED.cursor),
	              last_updated = NOW()`
	if _, err := t.db.ExecContext(ctx, query, id, seq); err != nil {
		return fmt.Errorf("update cursor for %s: %w", id, err)
	}
	t.logger.Debug("updated firehose cursor", slog.String("subscriber", id), slog.Int64("seq", seq))
	return nil
}

// InMemoryCursorTracker implements CursorTracker with no persistence,
// for tests and single-process deployments that don't need resumption
// across restarts.
type InMemoryCursorTracker struct {
	mu      sync.RWMutex
	cursors map[string]int64
}

// NewInMemoryCursorTracker creates a new InMemoryCursorTracker.
func NewInMemoryCursorTracker() *InMemoryCursorTracker {
	return &InMemoryCursorTracker{cursors: make(map[string]int64)}
}

// GetCursor retrieves the last recorded seq for subscriber id.
func (t *InMemoryCursorTracker) GetCursor(ctx context.Context, id string) (int64, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.cursors[id], nil
}

// UpdateCursor records seq for id if it is greater than the stored value.
func (t *InMemoryCursorTracker) UpdateCursor(ctx context.Context, id string, seq int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if seq > t.cursors[id] {
		t.cursors[id] = seq
	}
	return nil
}
