package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/subcults/pds/internal/cid"
)

// PostgresStateStore implements StateStore against a `repo_states` table,
// grounded on the teacher's repository-package SQL idiom.
type PostgresStateStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresStateStore creates a new PostgresStateStore.
func NewPostgresStateStore(db *sql.DB, logger *slog.Logger) *PostgresStateStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStateStore{db: db, logger: logger}
}

// Get implements StateStore.
func (s *PostgresStateStore) Get(ctx context.Context, did string) (State, bool, error) {
	var rev string
	var root []byte
	var head []byte
	var metaJSON []byte
	query := `SELECT rev, mst_root_cid, head_commit_cid, collections_metadata FROM repo_states WHERE did = $1`
	err := s.db.QueryRowContext(ctx, query, did).Scan(&rev, &root, &head, &metaJSON)
	if err == sql.ErrNoRows {
		return State{}, false, nil
	}
	if err != nil {
		return State{}, false, fmt.Errorf("repo: get state: %w", err)
	}

	rootCid, err := cid.FromBytes(root)
	if err != nil {
		return State{}, false, fmt.Errorf("repo: get state: root cid: %w", err)
	}
	st := State{DID: did, Rev: rev, Root: rootCid}
	if len(head) > 0 {
		headCid, err := cid.FromBytes(head)
		if err != nil {
			return State{}, false, fmt.Errorf("repo: get state: head cid: %w", err)
		}
		st.Head = &headCid
	}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &st.CollectionsMetadata); err != nil {
			return State{}, false, fmt.Errorf("repo: get state: metadata: %w", err)
		}
	}
	return st, true, nil
}

// Save implements StateStore, upserting the full row for state.DID.
func (s *PostgresStateStore) Save(ctx context.Context, state State) error {
	var head []byte
	if state.Head != nil {
		head = state.Head.Bytes()
	}
	metaJSON, err := json.Marshal(state.CollectionsMetadata)
	if err != nil {
		return fmt.Errorf("repo: save state: metadata: %w", err)
	}

	query := `
		INSERT INTO repo_states (did, rev, mst_root_cid, head_commit_cid, collections_metadata)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (did) DO UPDATE SET
			rev = EXCLUDED.rev,
			mst_root_cid = EXCLUDED.mst_root_cid,
			head_commit_cid = EXCLUDED.head_commit_cid,
			collections_metadata = EXCLUDED.collections_metadata`
	if _, err := s.db.ExecContext(ctx, query, state.DID, state.Rev, state.Root.Bytes(), head, metaJSON); err != nil {
		s.logger.Error("failed to save repo state", slog.String("error", err.Error()), slog.String("did", state.DID))
		return fmt.Errorf("repo: save state: %w", err)
	}
	return nil
}
