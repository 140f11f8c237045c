package crdt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// SnapshotRecord is one explicit, named snapshot row. Fields is omitted from listings to keep them cheap;
// GetSnapshot returns it in full.
type SnapshotRecord struct {
	ID          uuid.UUID         `json:"id"`
	WorkspaceID uuid.UUID         `json:"workspace_id"`
	Label       string            `json:"label"`
	Fields      map[string][]byte `json:"-"`
	Version     int64             `json:"version"`
	CreatedBy   uuid.UUID         `json:"created_by"`
	CreatedAt   time.Time         `json:"created_at"`
}

// InsertSnapshot writes rec.
func (s *Store) InsertSnapshot(ctx context.Context, rec SnapshotRecord) error {
	encoded := make(map[string]json.RawMessage, len(rec.Fields))
	for k, v := range rec.Fields {
		encoded[k] = v
	}
	payload, err := json.Marshal(encoded)
	if err != nil {
		return fmt.Errorf("marshaling snapshot fields: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO crdt_snapshots (id, workspace_id, label, fields, version, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.ID, rec.WorkspaceID, rec.Label, payload, rec.Version, rec.CreatedBy, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting snapshot: %w", err)
	}
	return nil
}

// GetSnapshot loads one snapshot row, fields included.
func (s *Store) GetSnapshot(ctx context.Context, id uuid.UUID) (*SnapshotRecord, error) {
	var rec SnapshotRecord
	var payload []byte
	err := s.pool.QueryRow(ctx, `
		SELECT id, workspace_id, label, fields, version, created_by, created_at
		FROM crdt_snapshots WHERE id = $1`, id,
	).Scan(&rec.ID, &rec.WorkspaceID, &rec.Label, &payload, &rec.Version, &rec.CreatedBy, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("loading snapshot: %w", err)
	}

	var decoded map[string]json.RawMessage
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return nil, fmt.Errorf("decoding snapshot fields: %w", err)
	}
	rec.Fields = make(map[string][]byte, len(decoded))
	for k, v := range decoded {
		rec.Fields[k] = v
	}
	return &rec, nil
}

// ListSnapshots returns workspaceID's snapshot rows newest first, without
// their field payloads.
func (s *Store) ListSnapshots(ctx context.Context, workspaceID uuid.UUID) ([]SnapshotRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, workspace_id, label, version, created_by, created_at
		FROM crdt_snapshots WHERE workspace_id = $1
		ORDER BY created_at DESC`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("listing snapshots: %w", err)
	}
	defer rows.Close()

	var out []SnapshotRecord
	for rows.Next() {
		var rec SnapshotRecord
		if err := rows.Scan(&rec.ID, &rec.WorkspaceID, &rec.Label, &rec.Version, &rec.CreatedBy, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning snapshot: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating snapshots: %w", err)
	}
	return out, nil
}
