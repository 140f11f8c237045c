package rbac

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/omniscope/controlplane/internal/apperr"
	"github.com/omniscope/controlplane/internal/httpserver"
	"github.com/omniscope/controlplane/pkg/auth"
)

// Handler provides HTTP handlers for the RBAC API.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler creates a Handler backed by service, which also gates the
// routes via service.Require.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// Routes returns the RBAC sub-router. Every mutation requires role:manage;
// permissions-of is readable by any authenticated caller since the UI uses
// it to render the caller's own capabilities.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	manage := h.service.Require(PermRoleManage)
	r.With(manage).Get("/roles", h.handleListRoles)
	r.With(manage).Post("/roles", h.handleCreateRole)
	r.With(manage).Put("/roles/{id}", h.handleUpdateRole)
	r.With(manage).Delete("/roles/{id}", h.handleDeleteRole)
	r.With(manage).Post("/users/{user_id}/roles/{role_id}", h.handleAssignRole)
	r.With(manage).Delete("/users/{user_id}/roles/{role_id}", h.handleRemoveRole)
	r.Get("/permissions-of/{user_id}", h.handlePermissionsOf)
	return r
}

func (h *Handler) handleListRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := h.service.store.ListRoles(r.Context())
	if err != nil {
		h.logger.Error("listing roles", "error", err)
		httpserver.RespondAppError(w, apperr.Wrap(apperr.Internal, "unable to list roles", err))
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"roles": roles, "count": len(roles)})
}

type createRoleRequest struct {
	Name        string   `json:"name" validate:"required,min=1,max=60"`
	Description string   `json:"description" validate:"max=500"`
	Permissions []string `json:"permissions" validate:"required,min=1"`
}

func (h *Handler) handleCreateRole(w http.ResponseWriter, r *http.Request) {
	var req createRoleRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	perms := make([]Permission, len(req.Permissions))
	for i, p := range req.Permissions {
		perms[i] = Permission(p)
	}

	role, err := h.service.store.CreateRole(r.Context(), req.Name, req.Description, perms)
	if err != nil {
		h.logger.Error("creating role", "error", err)
		httpserver.RespondAppError(w, apperr.Wrap(apperr.Invalid, "unable to create role", err))
		return
	}
	httpserver.Respond(w, http.StatusCreated, role)
}

type updateRoleRequest struct {
	Description string   `json:"description" validate:"max=500"`
	Permissions []string `json:"permissions" validate:"required,min=1"`
}

func (h *Handler) handleUpdateRole(w http.ResponseWriter, r *http.Request) {
	roleID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondAppError(w, apperr.New(apperr.Invalid, "invalid role id"))
		return
	}

	var req updateRoleRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	perms := make([]Permission, len(req.Permissions))
	for i, p := range req.Permissions {
		perms[i] = Permission(p)
	}

	if err := h.service.store.UpdateRole(r.Context(), roleID, req.Description, perms); err != nil {
		if errors.Is(err, ErrRoleNotFound) {
			httpserver.RespondAppError(w, apperr.New(apperr.NotFound, "role not found"))
			return
		}
		h.logger.Error("updating role", "error", err)
		httpserver.RespondAppError(w, apperr.Wrap(apperr.Invalid, "unable to update role", err))
		return
	}
	httpserver.Respond(w, http.StatusNoContent, nil)
}

func (h *Handler) handleDeleteRole(w http.ResponseWriter, r *http.Request) {
	roleID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondAppError(w, apperr.New(apperr.Invalid, "invalid role id"))
		return
	}

	if err := h.service.store.DeleteRole(r.Context(), roleID); err != nil {
		switch {
		case errors.Is(err, ErrRoleInUse):
			httpserver.RespondAppError(w, apperr.New(apperr.Conflict, "role is still assigned to one or more users"))
		case errors.Is(err, ErrRoleNotFound):
			httpserver.RespondAppError(w, apperr.New(apperr.NotFound, "role not found"))
		default:
			h.logger.Error("deleting role", "error", err)
			httpserver.RespondAppError(w, apperr.Wrap(apperr.Internal, "unable to delete role", err))
		}
		return
	}
	httpserver.Respond(w, http.StatusNoContent, nil)
}

func (h *Handler) handleAssignRole(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(chi.URLParam(r, "user_id"))
	if err != nil {
		httpserver.RespondAppError(w, apperr.New(apperr.Invalid, "invalid user id"))
		return
	}
	roleID, err := uuid.Parse(chi.URLParam(r, "role_id"))
	if err != nil {
		httpserver.RespondAppError(w, apperr.New(apperr.Invalid, "invalid role id"))
		return
	}

	if err := h.service.store.AssignRole(r.Context(), userID, roleID); err != nil {
		h.logger.Error("assigning role", "error", err)
		httpserver.RespondAppError(w, apperr.Wrap(apperr.Internal, "unable to assign role", err))
		return
	}

	actor := auth.FromContext(r.Context())
	if h.service.audit != nil && actor != nil {
		h.service.audit.LogAsync(r.Context(), &actor.UserID, "role_assigned", "user", &userID, httpserver.ClientIP(r), "success", map[string]any{"role_id": roleID})
	}

	httpserver.Respond(w, http.StatusNoContent, nil)
}

func (h *Handler) handleRemoveRole(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(chi.URLParam(r, "user_id"))
	if err != nil {
		httpserver.RespondAppError(w, apperr.New(apperr.Invalid, "invalid user id"))
		return
	}
	roleID, err := uuid.Parse(chi.URLParam(r, "role_id"))
	if err != nil {
		httpserver.RespondAppError(w, apperr.New(apperr.Invalid, "invalid role id"))
		return
	}

	if err := h.service.store.RemoveRole(r.Context(), userID, roleID); err != nil {
		h.logger.Error("removing role", "error", err)
		httpserver.RespondAppError(w, apperr.Wrap(apperr.Internal, "unable to remove role", err))
		return
	}

	actor := auth.FromContext(r.Context())
	if h.service.audit != nil && actor != nil {
		h.service.audit.LogAsync(r.Context(), &actor.UserID, "role_removed", "user", &userID, httpserver.ClientIP(r), "success", map[string]any{"role_id": roleID})
	}

	httpserver.Respond(w, http.StatusNoContent, nil)
}

func (h *Handler) handlePermissionsOf(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(chi.URLParam(r, "user_id"))
	if err != nil {
		httpserver.RespondAppError(w, apperr.New(apperr.Invalid, "invalid user id"))
		return
	}

	perms, err := h.service.PermissionsOf(r.Context(), userID)
	if err != nil {
		h.logger.Error("loading permissions", "error", err)
		httpserver.RespondAppError(w, apperr.Wrap(apperr.Internal, "unable to load permissions", err))
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"permissions": perms})
}
