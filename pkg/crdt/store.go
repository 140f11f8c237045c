package crdt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when no persisted doc exists for a workspace.
var ErrNotFound = errors.New("no persisted crdt document for workspace")

// Store persists CRDT snapshots to the durable store (the
// persist_tick: "write the current field map plus version to Durable
// Store inside a transaction").
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a Store backed by pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Save writes snap transactionally, upserting on workspace_id.
func (s *Store) Save(ctx context.Context, snap Snapshot) error {
	encoded := make(map[string]json.RawMessage, len(snap.Fields))
	for k, v := range snap.Fields {
		encoded[k] = v
	}
	payload, err := json.Marshal(encoded)
	if err != nil {
		return fmt.Errorf("marshaling crdt snapshot: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO crdt_docs (workspace_id, fields, version, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (workspace_id) DO UPDATE
		SET fields = EXCLUDED.fields, version = EXCLUDED.version, updated_at = now()
		WHERE crdt_docs.version < EXCLUDED.version`,
		snap.WorkspaceID, payload, snap.Version)
	if err != nil {
		return fmt.Errorf("persisting crdt snapshot: %w", err)
	}

	return tx.Commit(ctx)
}

// Load reads the most recently persisted snapshot for workspaceID.
func (s *Store) Load(ctx context.Context, workspaceID uuid.UUID) (Snapshot, error) {
	var payload []byte
	var version int64
	err := s.pool.QueryRow(ctx, `
		SELECT fields, version FROM crdt_docs WHERE workspace_id = $1`, workspaceID,
	).Scan(&payload, &version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Snapshot{}, ErrNotFound
		}
		return Snapshot{}, fmt.Errorf("loading crdt snapshot: %w", err)
	}

	var decoded map[string]json.RawMessage
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return Snapshot{}, fmt.Errorf("decoding crdt snapshot: %w", err)
	}
	fields := make(map[string][]byte, len(decoded))
	for k, v := range decoded {
		fields[k] = v
	}

	return Snapshot{WorkspaceID: workspaceID, Fields: fields, Version: version}, nil
}
