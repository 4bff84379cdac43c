package blockstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/subcults/pds/internal/cid"
)

// PostgresStore implements Store against a `blocks` table, grounded on the
// teacher's repository-package SQL idiom (context-scoped queries, wrapped
// errors, structured logging on write paths).
type PostgresStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(db *sql.DB, logger *slog.Logger) *PostgresStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{db: db, logger: logger}
}

// Put stores b under its content CID. ON CONFLICT DO NOTHING makes
// concurrent puts of identical bytes safe and cheap: the second writer's
// insert is a no-op rather than an error.
func (s *PostgresStore) Put(ctx context.Context, b []byte) (cid.CID, error) {
	c := CIDFor(b)
	query := `INSERT INTO blocks (cid, bytes) VALUES ($1, $2) ON CONFLICT (cid) DO NOTHING`
	if _, err := s.db.ExecContext(ctx, query, c.Bytes(), b); err != nil {
		s.logger.Error("failed to put block", slog.String("error", err.Error()), slog.String("cid", c.String()))
		return cid.CID{}, fmt.Errorf("blockstore: put: %w", err)
	}
	return c, nil
}

// Get returns the stored bytes for c.
func (s *PostgresStore) Get(ctx context.Context, c cid.CID) ([]byte, error) {
	var b []byte
	query := `SELECT bytes FROM blocks WHERE cid = $1`
	err := s.db.QueryRowContext(ctx, query, c.Bytes()).Scan(&b)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("blockstore: get: %w", err)
	}
	return b, nil
}

// Has reports whether c is present.
func (s *PostgresStore) Has(ctx context.Context, c cid.CID) (bool, error) {
	var exists bool
	query := `SELECT EXISTS(SELECT 1 FROM blocks WHERE cid = $1)`
	if err := s.db.QueryRowContext(ctx, query, c.Bytes()).Scan(&exists); err != nil {
		return false, fmt.Errorf("blockstore: has: %w", err)
	}
	return exists, nil
}

// ListAll returns every block in the table. Used only for full-repository
// archive export, never on a request hot path.
func (s *PostgresStore) ListAll(ctx context.Context) ([]Block, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT cid, bytes FROM blocks`)
	if err != nil {
		return nil, fmt.Errorf("blockstore: list all: %w", err)
	}
	defer rows.Close()

	var out []Block
	for rows.Next() {
		var cidBytes, bytes []byte
		if err := rows.Scan(&cidBytes, &bytes); err != nil {
			return nil, fmt.Errorf("blockstore: list all: scan: %w", err)
		}
		c, err := cid.FromBytes(cidBytes)
		if err != nil {
			return nil, fmt.Errorf("blockstore: list all: %w", err)
		}
		out = append(out, Block{CID: c, Bytes: bytes})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("blockstore: list all: %w", err)
	}
	return out, nil
}
