// Package gateway mounts every domain handler onto the HTTP server,
// applying the cross-cutting concerns in order: bearer-token
// authentication, then per-user per-endpoint rate limiting, then each
// handler's own RBAC gates.
package gateway

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/omniscope/controlplane/internal/apperr"
	"github.com/omniscope/controlplane/internal/httpserver"
	"github.com/omniscope/controlplane/pkg/audit"
	"github.com/omniscope/controlplane/pkg/auth"
	"github.com/omniscope/controlplane/pkg/crdt"
	"github.com/omniscope/controlplane/pkg/hub"
	"github.com/omniscope/controlplane/pkg/job"
	"github.com/omniscope/controlplane/pkg/rbac"
	"github.com/omniscope/controlplane/pkg/resourceledger"
	"github.com/omniscope/controlplane/pkg/workspace"
)

// Deps carries every handler the gateway serves. OIDC is nil unless
// configured.
type Deps struct {
	Logger *slog.Logger
	Redis  *redis.Client

	Auth       *auth.Handler
	OIDC       *auth.OIDCFlowHandler
	RBAC       *rbac.Handler
	Audit      *audit.Handler
	Workspaces *workspace.Handler
	State      *crdt.Handler
	Jobs       *job.Handler
	Cluster    *resourceledger.Handler
	Hub        *hub.Hub

	AuthService *auth.Service
	RBACService *rbac.Service

	RateLimit RateLimitConfig
}

// Mount wires the public auth surface, the websocket hub, and the
// authenticated API onto s.
func Mount(s *httpserver.Server, d Deps) {
	s.Router.Mount("/auth", d.Auth.PublicRoutes())
	if d.OIDC != nil {
		s.Router.Get("/auth/oidc/login", d.OIDC.HandleLogin)
		s.Router.Get("/auth/oidc/callback", d.OIDC.HandleCallback)
	}

	// The hub authenticates in-band: the first frame must be auth, so the
	// upgrade endpoint sits outside the bearer middleware.
	s.Router.Get("/ws", d.Hub.ServeWS)

	d.Workspaces.SetCollabRoutes(d.State.Routes(), d.Hub.HandleOnlineUsers)

	api := s.AuthedRouter
	api.Use(RateLimit(d.Redis, d.RateLimit, d.Logger))
	api.Mount("/auth", d.Auth.AuthedRoutes())
	api.Mount("/rbac", d.RBAC.Routes())
	api.Mount("/audit", d.Audit.Routes())
	api.Mount("/workspaces", d.Workspaces.Routes())
	api.Mount("/jobs", d.Jobs.Routes())
	api.Mount("/cluster", d.Cluster.Routes())
	api.Route("/admin", func(r chi.Router) {
		r.With(d.RBACService.Require(rbac.PermUserManage)).
			Post("/users/{user_id}/erase", handleEraseUser(d))
	})
}

// handleEraseUser serves the GDPR erasure endpoint: PII is scrubbed in
// place and the account deactivated; audit rows stay untouched.
func handleEraseUser(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := uuid.Parse(chi.URLParam(r, "user_id"))
		if err != nil {
			httpserver.RespondAppError(w, apperr.New(apperr.Invalid, "invalid user id"))
			return
		}
		if err := d.AuthService.EraseUser(r.Context(), userID, httpserver.ClientIP(r)); err != nil {
			d.Logger.Error("erasing user", "user_id", userID, "error", err)
			httpserver.RespondAppError(w, apperr.Wrap(apperr.Internal, "unable to erase user", err))
			return
		}
		httpserver.Respond(w, http.StatusNoContent, nil)
	}
}
