package hub

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/omniscope/controlplane/internal/apperr"
	"github.com/omniscope/controlplane/internal/httpserver"
	"github.com/omniscope/controlplane/pkg/auth"
)

// HandleOnlineUsers serves the Presence online-users operation,
// mounted at /workspaces/{workspace_id}/presence. Membership-gated like
// every other workspace read.
func (h *Hub) HandleOnlineUsers(w http.ResponseWriter, r *http.Request) {
	identity := auth.FromContext(r.Context())
	if identity == nil {
		httpserver.RespondAppError(w, apperr.New(apperr.AuthRequired, "missing identity"))
		return
	}

	workspaceID, err := uuid.Parse(chi.URLParam(r, "workspace_id"))
	if err != nil {
		httpserver.RespondAppError(w, apperr.New(apperr.Invalid, "invalid workspace id"))
		return
	}

	if _, err := h.workspaceSvc.RequireMembership(r.Context(), workspaceID, identity.UserID); err != nil {
		httpserver.RespondAppError(w, apperr.New(apperr.PermissionDenied, "not a member of this workspace"))
		return
	}

	members := h.OnlineUsers(r.Context(), workspaceID)
	httpserver.Respond(w, http.StatusOK, map[string]any{"online": members, "count": len(members)})
}
