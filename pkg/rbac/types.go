// Package rbac implements the control plane's permission-set RBAC service
// : roles are named bags of leaf permission strings, evaluated
// by set membership — no role hierarchy, no wildcards.
package rbac

import (
	"time"

	"github.com/google/uuid"
)

// Permission is a leaf string like "workspace:create" or "role:assign".
// Evaluation is exact set-membership only.
type Permission string

// Permission catalog. Every protected gateway operation names exactly one
// of these at its require(permission) gate.
const (
	PermRoleAssign      Permission = "role:assign"
	PermRoleManage      Permission = "role:manage"
	PermUserManage      Permission = "user:manage"
	PermAuditRead       Permission = "audit:read"
	PermAuditPurge      Permission = "audit:purge"
	PermWorkspaceCreate Permission = "workspace:create"
	PermWorkspaceOwner  Permission = "workspace:owner"
	PermWorkspaceEdit   Permission = "workspace:edit"
	PermWorkspaceView   Permission = "workspace:view"
	PermJobSubmit       Permission = "job:submit"
	PermJobElevated     Permission = "job:submit_elevated"
	PermJobCancelAny    Permission = "job:cancel_any"
	PermClusterAdmin    Permission = "cluster:admin"
)

// Role is a named, stored set of permissions. System roles (IsSystem) are
// seeded at boot and cannot be deleted, only their name/description shown.
type Role struct {
	ID          uuid.UUID
	Name        string
	Description string
	IsSystem    bool
	Permissions []Permission
	CreatedAt   time.Time
}

// seedRole is the shape loaded from seed_roles.yaml.
type seedRole struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Permissions []string `yaml:"permissions"`
}

// DefaultRoleName is assigned to every newly registered user.
const DefaultRoleName = "viewer"
