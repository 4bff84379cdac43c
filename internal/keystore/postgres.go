package keystore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/subcults/pds/internal/cryptoutil"
)

// PostgresStore implements KeyStore against a `signing_keys` table,
// grounded on the teacher's repository-package SQL idiom.
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

// Get implements KeyStore.
func (s *PostgresStore) Get(ctx context.Context, did string) (*cryptoutil.KeyPair, bool, error) {
	var curve int
	var priv, pub []byte
	query := `SELECT curve, private_key, public_key FROM signing_keys WHERE did = $1`
	err := s.db.QueryRowContext(ctx, query, did).Scan(&curve, &priv, &pub)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("keystore: get: %w", err)
	}
	return &cryptoutil.KeyPair{
		Curve:      cryptoutil.Curve(curve),
		PrivateKey: priv,
		PublicKey:  pub,
	}, true, nil
}

// GenerateAndStore implements KeyStore. INSERT ... ON CONFLICT DO NOTHING
// guards against a race between two concurrent first writes for the same
// DID; the row actually persisted is re-read so every caller observes the
// same key regardless of which generated it.
func (s *PostgresStore) GenerateAndStore(ctx context.Context, did string, curve cryptoutil.Curve) (*cryptoutil.KeyPair, error) {
	kp, err := cryptoutil.GenerateKey(curve)
	if err != nil {
		return nil, fmt.Errorf("keystore: generate: %w", err)
	}

	query := `INSERT INTO signing_keys (did, curve, private_key, public_key) VALUES ($1, $2, $3, $4) ON CONFLICT (did) DO NOTHING`
	if _, err := s.db.ExecContext(ctx, query, did, int(kp.Curve), kp.PrivateKey, kp.PublicKey); err != nil {
		s.logger.Error("failed to store signing key", slog.String("error", err.Error()), slog.String("did", did))
		return nil, fmt.Errorf("keystore: store: %w", err)
	}

	stored, ok, err := s.Get(ctx, did)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("keystore: generate: key not found immediately after insert for %s", did)
	}
	return stored, nil
}
