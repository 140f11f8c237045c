package workspace

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// uniqueViolation is the PostgreSQL SQLSTATE for a unique constraint
// conflict.
const uniqueViolation = "23505"

// ErrNotFound is returned when a workspace or member row does not exist.
var ErrNotFound = errors.New("workspace not found")

// ErrAlreadyMember is returned by Invite when user already belongs to the
// workspace.
var ErrAlreadyMember = errors.New("user is already a member of this workspace")

// ErrNotMember is returned by operations that require existing membership.
var ErrNotMember = errors.New("user is not a member of this workspace")

// Store persists workspaces and their membership.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a Store backed by pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// CreateWorkspace inserts a workspace and its owner membership row in one
// transaction.
func (s *Store) CreateWorkspace(ctx context.Context, name string, ownerID uuid.UUID) (*Workspace, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var ws Workspace
	err = tx.QueryRow(ctx, `
		INSERT INTO workspaces (id, name, owner_user_id, pipeline_state_snapshot, created_at, updated_at)
		VALUES (gen_random_uuid(), $1, $2, '{}'::jsonb, now(), now())
		RETURNING id, name, owner_user_id, pipeline_state_snapshot, created_at, updated_at`,
		name, ownerID,
	).Scan(&ws.ID, &ws.Name, &ws.OwnerUserID, &ws.PipelineStateSnapshot, &ws.CreatedAt, &ws.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("creating workspace: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO workspace_members (workspace_id, user_id, role, joined_at, last_seen)
		VALUES ($1, $2, $3, now(), now())`, ws.ID, ownerID, RoleOwner)
	if err != nil {
		return nil, fmt.Errorf("inserting owner membership: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing workspace creation: %w", err)
	}
	return &ws, nil
}

// GetWorkspace loads a workspace by ID.
func (s *Store) GetWorkspace(ctx context.Context, id uuid.UUID) (*Workspace, error) {
	var ws Workspace
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, owner_user_id, pipeline_state_snapshot, created_at, updated_at
		FROM workspaces WHERE id = $1`, id,
	).Scan(&ws.ID, &ws.Name, &ws.OwnerUserID, &ws.PipelineStateSnapshot, &ws.CreatedAt, &ws.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("loading workspace: %w", err)
	}
	return &ws, nil
}

// ListForUser returns every workspace where userID is a member.
func (s *Store) ListForUser(ctx context.Context, userID uuid.UUID) ([]Workspace, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT w.id, w.name, w.owner_user_id, w.pipeline_state_snapshot, w.created_at, w.updated_at
		FROM workspaces w
		JOIN workspace_members m ON m.workspace_id = w.id
		WHERE m.user_id = $1
		ORDER BY w.updated_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("listing workspaces: %w", err)
	}
	defer rows.Close()

	var out []Workspace
	for rows.Next() {
		var ws Workspace
		if err := rows.Scan(&ws.ID, &ws.Name, &ws.OwnerUserID, &ws.PipelineStateSnapshot, &ws.CreatedAt, &ws.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, ws)
	}
	return out, rows.Err()
}

// Rename updates the workspace's display name.
func (s *Store) Rename(ctx context.Context, workspaceID uuid.UUID, name string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE workspaces SET name = $1, updated_at = now() WHERE id = $2`, name, workspaceID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetMember loads a single membership row.
func (s *Store) GetMember(ctx context.Context, workspaceID, userID uuid.UUID) (*Member, error) {
	var m Member
	err := s.pool.QueryRow(ctx, `
		SELECT workspace_id, user_id, role, joined_at, last_seen
		FROM workspace_members WHERE workspace_id = $1 AND user_id = $2`, workspaceID, userID,
	).Scan(&m.WorkspaceID, &m.UserID, &m.Role, &m.JoinedAt, &m.LastSeen)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotMember
		}
		return nil, fmt.Errorf("loading member: %w", err)
	}
	return &m, nil
}

// ListMembers returns every member of a workspace.
func (s *Store) ListMembers(ctx context.Context, workspaceID uuid.UUID) ([]Member, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT workspace_id, user_id, role, joined_at, last_seen
		FROM workspace_members WHERE workspace_id = $1 ORDER BY joined_at`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("listing members: %w", err)
	}
	defer rows.Close()

	var out []Member
	for rows.Next() {
		var m Member
		if err := rows.Scan(&m.WorkspaceID, &m.UserID, &m.Role, &m.JoinedAt, &m.LastSeen); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Invite adds userID as a member with the given role. Fails ErrAlreadyMember
// on conflict.
func (s *Store) Invite(ctx context.Context, workspaceID, userID uuid.UUID, role MemberRole) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO workspace_members (workspace_id, user_id, role, joined_at, last_seen)
		VALUES ($1, $2, $3, now(), now())`, workspaceID, userID, role)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrAlreadyMember
		}
		return fmt.Errorf("inviting member: %w", err)
	}
	return nil
}

// RemoveMember deletes a membership row (used by Leave and explicit
// removal).
func (s *Store) RemoveMember(ctx context.Context, workspaceID, userID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM workspace_members WHERE workspace_id = $1 AND user_id = $2`, workspaceID, userID)
	return err
}

// SetMemberRole updates a member's workspace-scoped role.
func (s *Store) SetMemberRole(ctx context.Context, workspaceID, userID uuid.UUID, role MemberRole) error {
	tag, err := s.pool.Exec(ctx, `UPDATE workspace_members SET role = $1 WHERE workspace_id = $2 AND user_id = $3`, role, workspaceID, userID)
	if err != nil {
		return fmt.Errorf("updating member role: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotMember
	}
	return nil
}

// TransferOwnership reassigns the owner role to newOwnerID and demotes the
// previous owner to editor, atomically. This is the only legal way to
// change the single-owner invariant.
func (s *Store) TransferOwnership(ctx context.Context, workspaceID, currentOwnerID, newOwnerID uuid.UUID) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `UPDATE workspace_members SET role = $1 WHERE workspace_id = $2 AND user_id = $3`, RoleEditor, workspaceID, currentOwnerID); err != nil {
		return fmt.Errorf("demoting previous owner: %w", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE workspace_members SET role = $1 WHERE workspace_id = $2 AND user_id = $3`, RoleOwner, workspaceID, newOwnerID); err != nil {
		return fmt.Errorf("promoting new owner: %w", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE workspaces SET owner_user_id = $1, updated_at = now() WHERE id = $2`, newOwnerID, workspaceID); err != nil {
		return fmt.Errorf("updating workspace owner: %w", err)
	}

	return tx.Commit(ctx)
}

// DeleteWorkspace removes the workspace and all membership rows. Callers
// must evict live room sessions and persist a final CRDT snapshot before
// calling this (see pkg/hub's teardown transaction) — deletion itself is
// just the row removal, non-reversible.
func (s *Store) DeleteWorkspace(ctx context.Context, workspaceID uuid.UUID) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM workspace_members WHERE workspace_id = $1`, workspaceID); err != nil {
		return fmt.Errorf("deleting members: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM workspaces WHERE id = $1`, workspaceID); err != nil {
		return fmt.Errorf("deleting workspace: %w", err)
	}

	return tx.Commit(ctx)
}
