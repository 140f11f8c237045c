package workspace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrOwnerMustTransfer is returned by Leave when the owner tries to leave
// without first transferring ownership.
var ErrOwnerMustTransfer = errors.New("owner must transfer ownership before leaving the workspace")

// ErrNotOwner is returned when a non-owner attempts an owner-only operation.
var ErrNotOwner = errors.New("actor is not the workspace owner")

// AuditWriter is the narrow slice of pkg/audit.Service that workspace needs.
type AuditWriter interface {
	LogAsync(ctx context.Context, userID *uuid.UUID, action, resourceType string, resourceID *uuid.UUID, ip string, result string, details map[string]any)
}

// Service orchestrates workspace lifecycle operations, emitting
// one audit record per mutation.
type Service struct {
	store  *Store
	audit  AuditWriter
	logger *slog.Logger
}

// NewService wires a Service.
func NewService(pool *pgxpool.Pool, audit AuditWriter, logger *slog.Logger) *Service {
	return &Service{store: NewStore(pool), audit: audit, logger: logger}
}

func (s *Service) auditLog(ctx context.Context, actorID uuid.UUID, action string, workspaceID uuid.UUID, ip string, details map[string]any) {
	if s.audit == nil {
		return
	}
	s.audit.LogAsync(ctx, &actorID, action, "workspace", &workspaceID, ip, "success", details)
}

// CreateWorkspace creates a workspace owned by ownerID.
func (s *Service) CreateWorkspace(ctx context.Context, name string, ownerID uuid.UUID, ip string) (*Workspace, error) {
	ws, err := s.store.CreateWorkspace(ctx, name, ownerID)
	if err != nil {
		return nil, fmt.Errorf("creating workspace: %w", err)
	}
	s.auditLog(ctx, ownerID, "workspace_created", ws.ID, ip, map[string]any{"name": name})
	return ws, nil
}

// GetWorkspace loads a workspace by ID.
func (s *Service) GetWorkspace(ctx context.Context, id uuid.UUID) (*Workspace, error) {
	return s.store.GetWorkspace(ctx, id)
}

// UpdateWorkspace renames a workspace; only the owner may do so.
func (s *Service) UpdateWorkspace(ctx context.Context, workspaceID, actorID uuid.UUID, name, ip string) (*Workspace, error) {
	m, err := s.store.GetMember(ctx, workspaceID, actorID)
	if err != nil {
		return nil, err
	}
	if m.Role != RoleOwner {
		return nil, ErrNotOwner
	}
	if err := s.store.Rename(ctx, workspaceID, name); err != nil {
		return nil, fmt.Errorf("renaming workspace: %w", err)
	}
	s.auditLog(ctx, actorID, "workspace_updated", workspaceID, ip, map[string]any{"name": name})
	return s.store.GetWorkspace(ctx, workspaceID)
}

// ListForUser returns every workspace userID belongs to.
func (s *Service) ListForUser(ctx context.Context, userID uuid.UUID) ([]Workspace, error) {
	return s.store.ListForUser(ctx, userID)
}

// ListMembers returns every member of a workspace.
func (s *Service) ListMembers(ctx context.Context, workspaceID uuid.UUID) ([]Member, error) {
	return s.store.ListMembers(ctx, workspaceID)
}

// Invite adds userID to workspaceID with the given role. actorID must
// already hold owner or editor membership — the handler enforces this with
// its workspace membership check; the invite route has no global RBAC gate.
func (s *Service) Invite(ctx context.Context, workspaceID, actorID, userID uuid.UUID, role MemberRole, ip string) error {
	if err := s.store.Invite(ctx, workspaceID, userID, role); err != nil {
		return err
	}
	s.auditLog(ctx, actorID, "workspace_member_invited", workspaceID, ip, map[string]any{"user_id": userID, "role": role})
	return nil
}

// Leave removes userID's membership. The owner cannot leave without first
// transferring ownership.
func (s *Service) Leave(ctx context.Context, workspaceID, userID uuid.UUID, ip string) error {
	member, err := s.store.GetMember(ctx, workspaceID, userID)
	if err != nil {
		return err
	}
	if member.Role == RoleOwner {
		return ErrOwnerMustTransfer
	}
	if err := s.store.RemoveMember(ctx, workspaceID, userID); err != nil {
		return fmt.Errorf("leaving workspace: %w", err)
	}
	s.auditLog(ctx, userID, "workspace_member_left", workspaceID, ip, nil)
	return nil
}

// RemoveMember lets an owner/editor actor remove another member outright.
func (s *Service) RemoveMember(ctx context.Context, workspaceID, actorID, userID uuid.UUID, ip string) error {
	target, err := s.store.GetMember(ctx, workspaceID, userID)
	if err != nil {
		return err
	}
	if target.Role == RoleOwner {
		return ErrOwnerMustTransfer
	}
	if err := s.store.RemoveMember(ctx, workspaceID, userID); err != nil {
		return fmt.Errorf("removing member: %w", err)
	}
	s.auditLog(ctx, actorID, "workspace_member_removed", workspaceID, ip, map[string]any{"user_id": userID})
	return nil
}

// SetMemberRole updates a member's workspace-scoped role. Promoting or
// demoting to/from owner must go through TransferOwnership instead.
func (s *Service) SetMemberRole(ctx context.Context, workspaceID, actorID, userID uuid.UUID, role MemberRole, ip string) error {
	if role == RoleOwner {
		return fmt.Errorf("use TransferOwnership to change workspace ownership")
	}
	if err := s.store.SetMemberRole(ctx, workspaceID, userID, role); err != nil {
		return err
	}
	s.auditLog(ctx, actorID, "workspace_member_role_changed", workspaceID, ip, map[string]any{"user_id": userID, "role": role})
	return nil
}

// TransferOwnership reassigns ownership from actorID to newOwnerID. actorID
// must currently be the owner.
func (s *Service) TransferOwnership(ctx context.Context, workspaceID, actorID, newOwnerID uuid.UUID, ip string) error {
	ws, err := s.store.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return err
	}
	if ws.OwnerUserID != actorID {
		return ErrNotOwner
	}
	if _, err := s.store.GetMember(ctx, workspaceID, newOwnerID); err != nil {
		return err
	}
	if err := s.store.TransferOwnership(ctx, workspaceID, actorID, newOwnerID); err != nil {
		return fmt.Errorf("transferring ownership: %w", err)
	}
	s.auditLog(ctx, actorID, "workspace_ownership_transferred", workspaceID, ip, map[string]any{"new_owner_id": newOwnerID})
	return nil
}

// DeleteWorkspace removes a workspace. actorID must be the current owner.
// Room teardown (evicting live sessions and persisting a final CRDT
// snapshot) is the caller's responsibility — see pkg/hub's teardown
// transaction — and must run before this call.
func (s *Service) DeleteWorkspace(ctx context.Context, workspaceID, actorID uuid.UUID, ip string) error {
	ws, err := s.store.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return err
	}
	if ws.OwnerUserID != actorID {
		return ErrNotOwner
	}
	if err := s.store.DeleteWorkspace(ctx, workspaceID); err != nil {
		return fmt.Errorf("deleting workspace: %w", err)
	}
	s.auditLog(ctx, actorID, "workspace_deleted", workspaceID, ip, nil)
	return nil
}

// RequireMembership is a convenience check used by handlers that aren't
// gated purely by a global RBAC permission but also need workspace-scoped
// membership (e.g. viewing another workspace's member list).
func (s *Service) RequireMembership(ctx context.Context, workspaceID, userID uuid.UUID) (*Member, error) {
	return s.store.GetMember(ctx, workspaceID, userID)
}
