package rbac

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.yaml.in/yaml/v2"
)

//go:embed seed_roles.yaml
var seedRolesYAML []byte

// ErrRoleInUse is returned by DeleteRole when at least one user still holds
// the role.
var ErrRoleInUse = errors.New("role is still assigned to one or more users")

// ErrRoleNotFound is returned when a role name or ID has no matching row.
var ErrRoleNotFound = errors.New("role not found")

// Store persists roles, their permission sets, and user-role assignments.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a Store backed by pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// EnsureSeedRoles upserts the embedded role catalog, leaving any custom
// (non-system) roles an operator has since created untouched. Call once at
// boot.
func (s *Store) EnsureSeedRoles(ctx context.Context) error {
	var seeds []seedRole
	if err := yaml.Unmarshal(seedRolesYAML, &seeds); err != nil {
		return fmt.Errorf("parsing seed_roles.yaml: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, seed := range seeds {
		var roleID uuid.UUID
		err := tx.QueryRow(ctx, `
			INSERT INTO roles (id, name, description, is_system, created_at)
			VALUES (gen_random_uuid(), $1, $2, true, now())
			ON CONFLICT (name) DO UPDATE SET description = EXCLUDED.description
			RETURNING id`, seed.Name, seed.Description).Scan(&roleID)
		if err != nil {
			return fmt.Errorf("seeding role %q: %w", seed.Name, err)
		}

		if _, err := tx.Exec(ctx, `DELETE FROM role_permissions WHERE role_id = $1`, roleID); err != nil {
			return fmt.Errorf("clearing permissions for role %q: %w", seed.Name, err)
		}
		for _, perm := range seed.Permissions {
			if _, err := tx.Exec(ctx, `INSERT INTO role_permissions (role_id, permission) VALUES ($1, $2)`, roleID, perm); err != nil {
				return fmt.Errorf("inserting permission %q for role %q: %w", perm, seed.Name, err)
			}
		}
	}

	return tx.Commit(ctx)
}

// CreateRole creates a new custom (non-system) role.
func (s *Store) CreateRole(ctx context.Context, name, description string, perms []Permission) (*Role, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var role Role
	err = tx.QueryRow(ctx, `
		INSERT INTO roles (id, name, description, is_system, created_at)
		VALUES (gen_random_uuid(), $1, $2, false, now())
		RETURNING id, name, description, is_system, created_at`,
		name, description,
	).Scan(&role.ID, &role.Name, &role.Description, &role.IsSystem, &role.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("creating role: %w", err)
	}

	for _, perm := range perms {
		if _, err := tx.Exec(ctx, `INSERT INTO role_permissions (role_id, permission) VALUES ($1, $2)`, role.ID, perm); err != nil {
			return nil, fmt.Errorf("granting permission %q: %w", perm, err)
		}
	}
	role.Permissions = perms

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing role creation: %w", err)
	}
	return &role, nil
}

// UpdateRole replaces a role's description and permission set. System roles
// may not be modified.
func (s *Store) UpdateRole(ctx context.Context, roleID uuid.UUID, description string, perms []Permission) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var isSystem bool
	if err := tx.QueryRow(ctx, `SELECT is_system FROM roles WHERE id = $1`, roleID).Scan(&isSystem); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrRoleNotFound
		}
		return fmt.Errorf("loading role: %w", err)
	}
	if isSystem {
		return fmt.Errorf("system roles cannot be modified")
	}

	if _, err := tx.Exec(ctx, `UPDATE roles SET description = $1 WHERE id = $2`, description, roleID); err != nil {
		return fmt.Errorf("updating role: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM role_permissions WHERE role_id = $1`, roleID); err != nil {
		return fmt.Errorf("clearing permissions: %w", err)
	}
	for _, perm := range perms {
		if _, err := tx.Exec(ctx, `INSERT INTO role_permissions (role_id, permission) VALUES ($1, $2)`, roleID, perm); err != nil {
			return fmt.Errorf("granting permission %q: %w", perm, err)
		}
	}

	return tx.Commit(ctx)
}

// DeleteRole removes a custom role, failing ErrRoleInUse if any user still
// holds it.
func (s *Store) DeleteRole(ctx context.Context, roleID uuid.UUID) error {
	var inUse int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM user_roles WHERE role_id = $1`, roleID).Scan(&inUse); err != nil {
		return fmt.Errorf("checking role usage: %w", err)
	}
	if inUse > 0 {
		return ErrRoleInUse
	}

	tag, err := s.pool.Exec(ctx, `DELETE FROM roles WHERE id = $1 AND is_system = false`, roleID)
	if err != nil {
		return fmt.Errorf("deleting role: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRoleNotFound
	}
	return nil
}

// GetRoleByName looks up a role by name, with its permission set.
func (s *Store) GetRoleByName(ctx context.Context, name string) (*Role, error) {
	var role Role
	err := s.pool.QueryRow(ctx, `SELECT id, name, description, is_system, created_at FROM roles WHERE name = $1`, name).
		Scan(&role.ID, &role.Name, &role.Description, &role.IsSystem, &role.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRoleNotFound
		}
		return nil, fmt.Errorf("loading role: %w", err)
	}

	perms, err := s.permissionsForRole(ctx, role.ID)
	if err != nil {
		return nil, err
	}
	role.Permissions = perms
	return &role, nil
}

// ListRoles returns every role with its permission set.
func (s *Store) ListRoles(ctx context.Context) ([]Role, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name, description, is_system, created_at FROM roles ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("listing roles: %w", err)
	}
	defer rows.Close()

	var roles []Role
	for rows.Next() {
		var role Role
		if err := rows.Scan(&role.ID, &role.Name, &role.Description, &role.IsSystem, &role.CreatedAt); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range roles {
		perms, err := s.permissionsForRole(ctx, roles[i].ID)
		if err != nil {
			return nil, err
		}
		roles[i].Permissions = perms
	}
	return roles, nil
}

func (s *Store) permissionsForRole(ctx context.Context, roleID uuid.UUID) ([]Permission, error) {
	rows, err := s.pool.Query(ctx, `SELECT permission FROM role_permissions WHERE role_id = $1`, roleID)
	if err != nil {
		return nil, fmt.Errorf("loading permissions: %w", err)
	}
	defer rows.Close()

	var perms []Permission
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		perms = append(perms, Permission(p))
	}
	return perms, rows.Err()
}

// AssignRole grants roleID to userID. Idempotent.
func (s *Store) AssignRole(ctx context.Context, userID, roleID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO user_roles (user_id, role_id, assigned_at)
		VALUES ($1, $2, now())
		ON CONFLICT (user_id, role_id) DO NOTHING`, userID, roleID)
	return err
}

// RemoveRole revokes roleID from userID.
func (s *Store) RemoveRole(ctx context.Context, userID, roleID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM user_roles WHERE user_id = $1 AND role_id = $2`, userID, roleID)
	return err
}

// RolesForUser returns every role assigned to userID.
func (s *Store) RolesForUser(ctx context.Context, userID uuid.UUID) ([]Role, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT r.id, r.name, r.description, r.is_system, r.created_at
		FROM roles r
		JOIN user_roles ur ON ur.role_id = r.id
		WHERE ur.user_id = $1`, userID)
	if err != nil {
		return nil, fmt.Errorf("loading roles for user: %w", err)
	}
	defer rows.Close()

	var roles []Role
	for rows.Next() {
		var role Role
		if err := rows.Scan(&role.ID, &role.Name, &role.Description, &role.IsSystem, &role.CreatedAt); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range roles {
		perms, err := s.permissionsForRole(ctx, roles[i].ID)
		if err != nil {
			return nil, err
		}
		roles[i].Permissions = perms
	}
	return roles, nil
}

// PermissionsForUser returns the union of permissions across every role
// userID holds, computed in one query.
func (s *Store) PermissionsForUser(ctx context.Context, userID uuid.UUID) ([]Permission, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT rp.permission
		FROM role_permissions rp
		JOIN user_roles ur ON ur.role_id = rp.role_id
		WHERE ur.user_id = $1`, userID)
	if err != nil {
		return nil, fmt.Errorf("loading permissions for user: %w", err)
	}
	defer rows.Close()

	var perms []Permission
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		perms = append(perms, Permission(p))
	}
	return perms, rows.Err()
}
