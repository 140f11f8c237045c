package workspace

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/omniscope/controlplane/internal/apperr"
	"github.com/omniscope/controlplane/internal/httpserver"
	"github.com/omniscope/controlplane/pkg/auth"
	"github.com/omniscope/controlplane/pkg/rbac"
)

// RoomEvictor evicts every live connection from a workspace's session-hub
// room before its rows are deleted: evict live connections, persist a final
// snapshot, then remove rows. Satisfied by *pkg/hub.Hub; kept as
// an interface here so this package never imports pkg/hub, which itself
// imports pkg/workspace for membership checks.
type RoomEvictor interface {
	Teardown(ctx context.Context, workspaceID uuid.UUID)
}

// Handler provides HTTP handlers for the workspace API.
type Handler struct {
	logger  *slog.Logger
	service *Service
	rooms   RoomEvictor
	rbacSv  *rbac.Service

	stateRoutes     chi.Router
	presenceHandler http.HandlerFunc
}

// SetCollabRoutes hangs the per-workspace state sub-router (pkg/crdt) and
// presence endpoint (pkg/hub) under this handler's subtree. Kept as opaque
// chi/http types so this package depends on neither.
func (h *Handler) SetCollabRoutes(state chi.Router, presence http.HandlerFunc) {
	h.stateRoutes = state
	h.presenceHandler = presence
}

// NewHandler creates a Handler backed by service. rooms may be nil (e.g. in
// tests that never start the session hub), in which case delete skips
// eviction and only persists rows. rbacSv gates workspace creation; a nil
// rbacSv leaves creation open to any authenticated caller (test routers).
func NewHandler(logger *slog.Logger, service *Service, rooms RoomEvictor, rbacSv *rbac.Service) *Handler {
	return &Handler{logger: logger, service: service, rooms: rooms, rbacSv: rbacSv}
}

// Routes returns the workspace sub-router. Creation requires
// workspace:create; everything else only requires authentication, with
// individual handlers additionally checking workspace membership.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleList)
	if h.rbacSv != nil {
		r.With(h.rbacSv.Require(rbac.PermWorkspaceCreate)).Post("/", h.handleCreate)
	} else {
		r.Post("/", h.handleCreate)
	}
	r.Get("/{workspace_id}", h.handleGet)
	r.Put("/{workspace_id}", h.handleUpdate)
	r.Delete("/{workspace_id}", h.handleDelete)
	r.Get("/{workspace_id}/members", h.handleListMembers)
	r.Post("/{workspace_id}/members", h.handleInvite)
	r.Post("/{workspace_id}/members/leave", h.handleLeave)
	r.Delete("/{workspace_id}/members/{user_id}", h.handleRemoveMember)
	r.Put("/{workspace_id}/members/{user_id}/role", h.handleSetMemberRole)
	r.Post("/{workspace_id}/transfer-ownership", h.handleTransferOwnership)
	if h.stateRoutes != nil {
		r.Mount("/{workspace_id}/state", h.stateRoutes)
	}
	if h.presenceHandler != nil {
		r.Get("/{workspace_id}/presence", h.presenceHandler)
	}
	return r
}

func workspaceIDParam(r *http.Request) (uuid.UUID, error) {
	return uuid.Parse(chi.URLParam(r, "workspace_id"))
}

func respondStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		httpserver.RespondAppError(w, apperr.New(apperr.NotFound, "workspace not found"))
	case errors.Is(err, ErrNotMember):
		httpserver.RespondAppError(w, apperr.New(apperr.NotFound, "user is not a member of this workspace"))
	case errors.Is(err, ErrAlreadyMember):
		httpserver.RespondAppError(w, apperr.New(apperr.Conflict, "user is already a member of this workspace"))
	case errors.Is(err, ErrOwnerMustTransfer):
		httpserver.RespondAppError(w, apperr.New(apperr.Preconditioned, "owner must transfer ownership before leaving"))
	case errors.Is(err, ErrNotOwner):
		httpserver.RespondAppError(w, apperr.New(apperr.PermissionDenied, "actor is not the workspace owner"))
	default:
		httpserver.RespondAppError(w, apperr.Wrap(apperr.Internal, "workspace operation failed", err))
	}
}

type createWorkspaceRequest struct {
	Name string `json:"name" validate:"required,min=1,max=200"`
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	identity := auth.FromContext(r.Context())
	if identity == nil {
		httpserver.RespondAppError(w, apperr.New(apperr.AuthRequired, "missing authentication"))
		return
	}

	var req createWorkspaceRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	ws, err := h.service.CreateWorkspace(r.Context(), req.Name, identity.UserID, httpserver.ClientIP(r))
	if err != nil {
		h.logger.Error("creating workspace", "error", err)
		respondStoreError(w, err)
		return
	}
	httpserver.Respond(w, http.StatusCreated, ws)
}

type updateWorkspaceRequest struct {
	Name string `json:"name" validate:"required,min=1,max=200"`
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	identity := auth.FromContext(r.Context())
	if identity == nil {
		httpserver.RespondAppError(w, apperr.New(apperr.AuthRequired, "missing authentication"))
		return
	}
	workspaceID, err := workspaceIDParam(r)
	if err != nil {
		httpserver.RespondAppError(w, apperr.New(apperr.Invalid, "invalid workspace id"))
		return
	}

	var req updateWorkspaceRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	ws, err := h.service.UpdateWorkspace(r.Context(), workspaceID, identity.UserID, req.Name, httpserver.ClientIP(r))
	if err != nil {
		respondStoreError(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, ws)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	identity := auth.FromContext(r.Context())
	if identity == nil {
		httpserver.RespondAppError(w, apperr.New(apperr.AuthRequired, "missing authentication"))
		return
	}

	workspaces, err := h.service.ListForUser(r.Context(), identity.UserID)
	if err != nil {
		h.logger.Error("listing workspaces", "error", err)
		httpserver.RespondAppError(w, apperr.Wrap(apperr.Internal, "unable to list workspaces", err))
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"workspaces": workspaces, "count": len(workspaces)})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	identity := auth.FromContext(r.Context())
	if identity == nil {
		httpserver.RespondAppError(w, apperr.New(apperr.AuthRequired, "missing authentication"))
		return
	}
	workspaceID, err := workspaceIDParam(r)
	if err != nil {
		httpserver.RespondAppError(w, apperr.New(apperr.Invalid, "invalid workspace id"))
		return
	}
	if _, err := h.service.RequireMembership(r.Context(), workspaceID, identity.UserID); err != nil {
		respondStoreError(w, err)
		return
	}

	ws, err := h.service.GetWorkspace(r.Context(), workspaceID)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, ws)
}

func (h *Handler) handleListMembers(w http.ResponseWriter, r *http.Request) {
	identity := auth.FromContext(r.Context())
	if identity == nil {
		httpserver.RespondAppError(w, apperr.New(apperr.AuthRequired, "missing authentication"))
		return
	}
	workspaceID, err := workspaceIDParam(r)
	if err != nil {
		httpserver.RespondAppError(w, apperr.New(apperr.Invalid, "invalid workspace id"))
		return
	}
	if _, err := h.service.RequireMembership(r.Context(), workspaceID, identity.UserID); err != nil {
		respondStoreError(w, err)
		return
	}

	members, err := h.service.ListMembers(r.Context(), workspaceID)
	if err != nil {
		h.logger.Error("listing members", "error", err)
		httpserver.RespondAppError(w, apperr.Wrap(apperr.Internal, "unable to list members", err))
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"members": members, "count": len(members)})
}

type inviteRequest struct {
	UserID uuid.UUID  `json:"user_id" validate:"required"`
	Role   MemberRole `json:"role" validate:"required,oneof=owner editor viewer"`
}

func (h *Handler) handleInvite(w http.ResponseWriter, r *http.Request) {
	identity := auth.FromContext(r.Context())
	if identity == nil {
		httpserver.RespondAppError(w, apperr.New(apperr.AuthRequired, "missing authentication"))
		return
	}
	workspaceID, err := workspaceIDParam(r)
	if err != nil {
		httpserver.RespondAppError(w, apperr.New(apperr.Invalid, "invalid workspace id"))
		return
	}
	var req inviteRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	if req.Role == RoleOwner {
		httpserver.RespondAppError(w, apperr.New(apperr.Invalid, "use transfer-ownership to grant the owner role"))
		return
	}

	actor, err := h.service.RequireMembership(r.Context(), workspaceID, identity.UserID)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if actor.Role == RoleViewer {
		httpserver.RespondAppError(w, apperr.New(apperr.PermissionDenied, "viewers cannot invite members"))
		return
	}

	if err := h.service.Invite(r.Context(), workspaceID, identity.UserID, req.UserID, req.Role, httpserver.ClientIP(r)); err != nil {
		respondStoreError(w, err)
		return
	}
	httpserver.Respond(w, http.StatusCreated, nil)
}

func (h *Handler) handleLeave(w http.ResponseWriter, r *http.Request) {
	identity := auth.FromContext(r.Context())
	if identity == nil {
		httpserver.RespondAppError(w, apperr.New(apperr.AuthRequired, "missing authentication"))
		return
	}
	workspaceID, err := workspaceIDParam(r)
	if err != nil {
		httpserver.RespondAppError(w, apperr.New(apperr.Invalid, "invalid workspace id"))
		return
	}

	if err := h.service.Leave(r.Context(), workspaceID, identity.UserID, httpserver.ClientIP(r)); err != nil {
		respondStoreError(w, err)
		return
	}
	httpserver.Respond(w, http.StatusNoContent, nil)
}

func (h *Handler) handleRemoveMember(w http.ResponseWriter, r *http.Request) {
	identity := auth.FromContext(r.Context())
	if identity == nil {
		httpserver.RespondAppError(w, apperr.New(apperr.AuthRequired, "missing authentication"))
		return
	}
	workspaceID, err := workspaceIDParam(r)
	if err != nil {
		httpserver.RespondAppError(w, apperr.New(apperr.Invalid, "invalid workspace id"))
		return
	}
	targetID, err := uuid.Parse(chi.URLParam(r, "user_id"))
	if err != nil {
		httpserver.RespondAppError(w, apperr.New(apperr.Invalid, "invalid user id"))
		return
	}
	actor, err := h.service.RequireMembership(r.Context(), workspaceID, identity.UserID)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if actor.Role == RoleViewer {
		httpserver.RespondAppError(w, apperr.New(apperr.PermissionDenied, "viewers cannot remove members"))
		return
	}

	if err := h.service.RemoveMember(r.Context(), workspaceID, identity.UserID, targetID, httpserver.ClientIP(r)); err != nil {
		respondStoreError(w, err)
		return
	}
	httpserver.Respond(w, http.StatusNoContent, nil)
}

type setMemberRoleRequest struct {
	Role MemberRole `json:"role" validate:"required,oneof=editor viewer"`
}

func (h *Handler) handleSetMemberRole(w http.ResponseWriter, r *http.Request) {
	identity := auth.FromContext(r.Context())
	if identity == nil {
		httpserver.RespondAppError(w, apperr.New(apperr.AuthRequired, "missing authentication"))
		return
	}
	workspaceID, err := workspaceIDParam(r)
	if err != nil {
		httpserver.RespondAppError(w, apperr.New(apperr.Invalid, "invalid workspace id"))
		return
	}
	targetID, err := uuid.Parse(chi.URLParam(r, "user_id"))
	if err != nil {
		httpserver.RespondAppError(w, apperr.New(apperr.Invalid, "invalid user id"))
		return
	}
	var req setMemberRoleRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	actor, err := h.service.RequireMembership(r.Context(), workspaceID, identity.UserID)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if actor.Role != RoleOwner {
		httpserver.RespondAppError(w, apperr.New(apperr.PermissionDenied, "only the owner can change member roles"))
		return
	}

	if err := h.service.SetMemberRole(r.Context(), workspaceID, identity.UserID, targetID, req.Role, httpserver.ClientIP(r)); err != nil {
		respondStoreError(w, err)
		return
	}
	httpserver.Respond(w, http.StatusNoContent, nil)
}

type transferOwnershipRequest struct {
	NewOwnerID uuid.UUID `json:"new_owner_id" validate:"required"`
}

func (h *Handler) handleTransferOwnership(w http.ResponseWriter, r *http.Request) {
	identity := auth.FromContext(r.Context())
	if identity == nil {
		httpserver.RespondAppError(w, apperr.New(apperr.AuthRequired, "missing authentication"))
		return
	}
	workspaceID, err := workspaceIDParam(r)
	if err != nil {
		httpserver.RespondAppError(w, apperr.New(apperr.Invalid, "invalid workspace id"))
		return
	}

	var req transferOwnershipRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	if err := h.service.TransferOwnership(r.Context(), workspaceID, identity.UserID, req.NewOwnerID, httpserver.ClientIP(r)); err != nil {
		respondStoreError(w, err)
		return
	}
	httpserver.Respond(w, http.StatusNoContent, nil)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	identity := auth.FromContext(r.Context())
	if identity == nil {
		httpserver.RespondAppError(w, apperr.New(apperr.AuthRequired, "missing authentication"))
		return
	}
	workspaceID, err := workspaceIDParam(r)
	if err != nil {
		httpserver.RespondAppError(w, apperr.New(apperr.Invalid, "invalid workspace id"))
		return
	}

	if h.rooms != nil {
		h.rooms.Teardown(r.Context(), workspaceID)
	}

	if err := h.service.DeleteWorkspace(r.Context(), workspaceID, identity.UserID, httpserver.ClientIP(r)); err != nil {
		respondStoreError(w, err)
		return
	}
	httpserver.Respond(w, http.StatusNoContent, nil)
}
