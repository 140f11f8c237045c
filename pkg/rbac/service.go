package rbac

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/omniscope/controlplane/internal/apperr"
	"github.com/omniscope/controlplane/internal/httpserver"
	"github.com/omniscope/controlplane/internal/telemetry"
	"github.com/omniscope/controlplane/pkg/auth"
)

// AuditWriter is the narrow slice of pkg/audit.Service rbac needs for
// `result=failure` entries on denied checks.
type AuditWriter interface {
	LogAsync(ctx context.Context, userID *uuid.UUID, action, resourceType string, resourceID *uuid.UUID, ip string, result string, details map[string]any)
}

// Service evaluates RBAC decisions, caching the hot path in Redis.
type Service struct {
	store    *Store
	redis    *redis.Client
	audit    AuditWriter
	sf       singleflight.Group
	cacheTTL time.Duration
	logger   *slog.Logger
}

// NewService wires a Service. cacheTTL is clamped to 60s so a
// role change can never outlive one window.
func NewService(pool *pgxpool.Pool, rdb *redis.Client, audit AuditWriter, cacheTTL time.Duration, logger *slog.Logger) *Service {
	if cacheTTL <= 0 || cacheTTL > 60*time.Second {
		cacheTTL = 60 * time.Second
	}
	return &Service{
		store:    NewStore(pool),
		redis:    rdb,
		audit:    audit,
		cacheTTL: cacheTTL,
		logger:   logger,
	}
}

// Bootstrap seeds the role catalog. Call once at process start.
func (s *Service) Bootstrap(ctx context.Context) error {
	return s.store.EnsureSeedRoles(ctx)
}

// AssignDefaultRole grants the viewer role, satisfying pkg/auth's
// RoleAssigner interface for freshly registered users.
func (s *Service) AssignDefaultRole(ctx context.Context, userID uuid.UUID) error {
	role, err := s.store.GetRoleByName(ctx, DefaultRoleName)
	if err != nil {
		return fmt.Errorf("loading default role: %w", err)
	}
	return s.store.AssignRole(ctx, userID, role.ID)
}

func (s *Service) cacheKey(userID uuid.UUID, rolesVersion int64) string {
	return fmt.Sprintf("rbac:perms:%s:%d", userID, rolesVersion)
}

// permissionSet loads the user's permission set, preferring the Redis
// cache keyed by (user, roles_version). A roles_version bump changes the
// key, so stale entries simply age out rather than needing explicit
// invalidation — any earlier key's TTL still expires on its own.
func (s *Service) permissionSet(ctx context.Context, userID uuid.UUID, rolesVersion int64) (map[Permission]struct{}, error) {
	key := s.cacheKey(userID, rolesVersion)

	if s.redis != nil {
		if raw, err := s.redis.Get(ctx, key).Result(); err == nil {
			var perms []Permission
			if jsonErr := json.Unmarshal([]byte(raw), &perms); jsonErr == nil {
				return toSet(perms), nil
			}
		}
	}

	v, err, shared := s.sf.Do(key, func() (any, error) {
		perms, err := s.store.PermissionsForUser(ctx, userID)
		if err != nil {
			return nil, err
		}
		if s.redis != nil {
			if encoded, jsonErr := json.Marshal(perms); jsonErr == nil {
				if setErr := s.redis.Set(ctx, key, encoded, s.cacheTTL).Err(); setErr != nil {
					s.logger.Warn("caching rbac decision failed", "error", setErr)
				}
			}
		}
		return perms, nil
	})
	if shared {
		telemetry.RBACCacheStampedesAvoidedTotal.Inc()
	}
	if err != nil {
		return nil, fmt.Errorf("loading permissions: %w", err)
	}
	return toSet(v.([]Permission)), nil
}

func toSet(perms []Permission) map[Permission]struct{} {
	set := make(map[Permission]struct{}, len(perms))
	for _, p := range perms {
		set[p] = struct{}{}
	}
	return set
}

// Check reports whether userID (at rolesVersion) holds permission.
func (s *Service) Check(ctx context.Context, userID uuid.UUID, rolesVersion int64, permission Permission) (bool, error) {
	set, err := s.permissionSet(ctx, userID, rolesVersion)
	if err != nil {
		return false, err
	}
	_, ok := set[permission]
	return ok, nil
}

// PermissionsOf returns the full permission set for the
// `/rbac/permissions-of` operation.
func (s *Service) PermissionsOf(ctx context.Context, userID uuid.UUID) ([]Permission, error) {
	return s.store.PermissionsForUser(ctx, userID)
}

// Require returns gateway middleware that gates a route on permission.
// A failed check responds PermissionDenied and audits result=failure.
func (s *Service) Require(permission Permission) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity := auth.FromContext(r.Context())
			if identity == nil {
				httpserver.RespondAppError(w, apperr.New(apperr.AuthRequired, "missing authentication"))
				return
			}

			allowed, err := s.Check(r.Context(), identity.UserID, identity.RolesVersion, permission)
			if err != nil {
				s.logger.Error("rbac check failed", "error", err, "permission", permission)
				httpserver.RespondAppError(w, apperr.Wrap(apperr.Internal, "permission check failed", err))
				return
			}
			if !allowed {
				if s.audit != nil {
					s.audit.LogAsync(r.Context(), &identity.UserID, "permission_check", "permission", nil, httpserver.ClientIP(r), "failure", map[string]any{"permission": string(permission)})
				}
				httpserver.RespondAppError(w, apperr.New(apperr.PermissionDenied, fmt.Sprintf("missing permission %q", permission)))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
