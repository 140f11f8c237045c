package crdt

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/omniscope/controlplane/internal/apperr"
	"github.com/omniscope/controlplane/internal/httpserver"
	"github.com/omniscope/controlplane/pkg/auth"
	"github.com/omniscope/controlplane/pkg/workspace"
)

// Handler provides the REST state surface: get-state, sync,
// persist, snapshot, restore. It is mounted under a workspace
// subtree, so every route sees a workspace_id URL parameter.
type Handler struct {
	logger  *slog.Logger
	engine  *Engine
	members *workspace.Service
}

// NewHandler creates a Handler backed by engine; members gates access.
func NewHandler(logger *slog.Logger, engine *Engine, members *workspace.Service) *Handler {
	return &Handler{logger: logger, engine: engine, members: members}
}

// Routes returns the state sub-router, intended to be mounted at
// /workspaces/{workspace_id}/state.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleGetState)
	r.Get("/sync", h.handleSync)
	r.Post("/persist", h.handlePersist)
	r.Get("/snapshots", h.handleListSnapshots)
	r.Post("/snapshots", h.handleTakeSnapshot)
	r.Post("/snapshots/{snapshot_id}/restore", h.handleRestore)
	return r
}

// requireMember resolves the caller's membership in the route's workspace.
// mutate additionally demands the editor or owner role; viewers may
// only sync and receive.
func (h *Handler) requireMember(w http.ResponseWriter, r *http.Request, mutate bool) (uuid.UUID, uuid.UUID, bool) {
	identity := auth.FromContext(r.Context())
	if identity == nil {
		httpserver.RespondAppError(w, apperr.New(apperr.AuthRequired, "missing identity"))
		return uuid.Nil, uuid.Nil, false
	}

	workspaceID, err := uuid.Parse(chi.URLParam(r, "workspace_id"))
	if err != nil {
		httpserver.RespondAppError(w, apperr.New(apperr.Invalid, "invalid workspace id"))
		return uuid.Nil, uuid.Nil, false
	}

	member, err := h.members.RequireMembership(r.Context(), workspaceID, identity.UserID)
	if err != nil {
		httpserver.RespondAppError(w, apperr.New(apperr.PermissionDenied, "not a member of this workspace"))
		return uuid.Nil, uuid.Nil, false
	}
	if mutate && member.Role != workspace.RoleOwner && member.Role != workspace.RoleEditor {
		httpserver.RespondAppError(w, apperr.New(apperr.PermissionDenied, "viewers may not mutate shared state"))
		return uuid.Nil, uuid.Nil, false
	}
	return workspaceID, identity.UserID, true
}

func (h *Handler) handleGetState(w http.ResponseWriter, r *http.Request) {
	workspaceID, _, ok := h.requireMember(w, r, false)
	if !ok {
		return
	}
	snap, err := h.engine.State(r.Context(), workspaceID)
	if err != nil {
		h.logger.Error("loading workspace state", "workspace_id", workspaceID, "error", err)
		httpserver.RespondAppError(w, apperr.Wrap(apperr.Internal, "unable to load state", err))
		return
	}
	httpserver.Respond(w, http.StatusOK, snapshotPayload(snap))
}

func (h *Handler) handleSync(w http.ResponseWriter, r *http.Request) {
	workspaceID, _, ok := h.requireMember(w, r, false)
	if !ok {
		return
	}

	var since int64
	if raw := r.URL.Query().Get("since_version"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			httpserver.RespondAppError(w, apperr.New(apperr.Invalid, "since_version must be a non-negative integer"))
			return
		}
		since = parsed
	}

	result, err := h.engine.Sync(r.Context(), workspaceID, since)
	if err != nil {
		h.logger.Error("syncing workspace state", "workspace_id", workspaceID, "error", err)
		httpserver.RespondAppError(w, apperr.Wrap(apperr.Internal, "unable to sync state", err))
		return
	}
	if result.FullSnapshot && result.Snapshot != nil {
		httpserver.Respond(w, http.StatusOK, map[string]any{
			"full_snapshot": true,
			"snapshot":      snapshotPayload(*result.Snapshot),
		})
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{
		"full_snapshot": false,
		"updates":       result.Updates,
	})
}

func (h *Handler) handlePersist(w http.ResponseWriter, r *http.Request) {
	workspaceID, _, ok := h.requireMember(w, r, true)
	if !ok {
		return
	}
	if err := h.engine.Persist(r.Context(), workspaceID); err != nil {
		h.logger.Error("persisting workspace state", "workspace_id", workspaceID, "error", err)
		httpserver.RespondAppError(w, apperr.Wrap(apperr.Internal, "unable to persist state", err))
		return
	}
	httpserver.Respond(w, http.StatusNoContent, nil)
}

func (h *Handler) handleListSnapshots(w http.ResponseWriter, r *http.Request) {
	workspaceID, _, ok := h.requireMember(w, r, false)
	if !ok {
		return
	}
	snaps, err := h.engine.ListSnapshots(r.Context(), workspaceID)
	if err != nil {
		h.logger.Error("listing snapshots", "workspace_id", workspaceID, "error", err)
		httpserver.RespondAppError(w, apperr.Wrap(apperr.Internal, "unable to list snapshots", err))
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"snapshots": snaps, "count": len(snaps)})
}

type takeSnapshotRequest struct {
	Label string `json:"label" validate:"required,min=1,max=200"`
}

func (h *Handler) handleTakeSnapshot(w http.ResponseWriter, r *http.Request) {
	workspaceID, userID, ok := h.requireMember(w, r, true)
	if !ok {
		return
	}

	var req takeSnapshotRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	rec, err := h.engine.TakeSnapshot(r.Context(), workspaceID, userID, req.Label)
	if err != nil {
		h.logger.Error("taking snapshot", "workspace_id", workspaceID, "error", err)
		httpserver.RespondAppError(w, apperr.Wrap(apperr.Internal, "unable to take snapshot", err))
		return
	}
	httpserver.Respond(w, http.StatusCreated, rec)
}

func (h *Handler) handleRestore(w http.ResponseWriter, r *http.Request) {
	workspaceID, userID, ok := h.requireMember(w, r, true)
	if !ok {
		return
	}

	snapshotID, err := uuid.Parse(chi.URLParam(r, "snapshot_id"))
	if err != nil {
		httpserver.RespondAppError(w, apperr.New(apperr.Invalid, "invalid snapshot id"))
		return
	}

	updates, err := h.engine.RestoreSnapshot(r.Context(), workspaceID, snapshotID, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			httpserver.RespondAppError(w, apperr.New(apperr.NotFound, "snapshot not found"))
			return
		}
		h.logger.Error("restoring snapshot", "workspace_id", workspaceID, "snapshot_id", snapshotID, "error", err)
		httpserver.RespondAppError(w, apperr.Wrap(apperr.Internal, "unable to restore snapshot", err))
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"restored_keys": len(updates)})
}

// snapshotPayload shapes a Snapshot for the JSON envelope, decoding each
// stored value back into raw JSON rather than base64 bytes.
func snapshotPayload(snap Snapshot) map[string]any {
	fields := make(map[string]json.RawMessage, len(snap.Fields))
	for k, v := range snap.Fields {
		fields[k] = v
	}
	return map[string]any{
		"workspace_id": snap.WorkspaceID,
		"fields":       fields,
		"version":      snap.Version,
	}
}
