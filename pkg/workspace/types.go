// Package workspace implements the collaboration hub's durable workspace
// and membership lifecycle: creation, invitation, role-scoped
// mutation, and the single-owner invariant.
package workspace

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// MemberRole is a workspace-scoped role, distinct from pkg/rbac's global
// permission roles — a member is the
// workspace owner, an editor, or a read-only viewer.
type MemberRole string

const (
	RoleOwner  MemberRole = "owner"
	RoleEditor MemberRole = "editor"
	RoleViewer MemberRole = "viewer"
)

// Workspace mirrors the `workspaces` table.
type Workspace struct {
	ID                    uuid.UUID
	Name                  string
	OwnerUserID           uuid.UUID
	PipelineStateSnapshot json.RawMessage
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// Member mirrors the `workspace_members` table.
type Member struct {
	WorkspaceID uuid.UUID
	UserID      uuid.UUID
	Role        MemberRole
	JoinedAt    time.Time
	LastSeen    time.Time
}
