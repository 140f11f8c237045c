package job

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/omniscope/controlplane/internal/apperr"
	"github.com/omniscope/controlplane/internal/httpserver"
	"github.com/omniscope/controlplane/pkg/auth"
	"github.com/omniscope/controlplane/pkg/rbac"
	"github.com/omniscope/controlplane/pkg/resourceledger"
)

// Handler provides HTTP handlers for the job API.
type Handler struct {
	logger  *slog.Logger
	service *Service
	rbacSv  *rbac.Service
}

// NewHandler creates a Handler backed by service.
func NewHandler(logger *slog.Logger, service *Service, rbacSv *rbac.Service) *Handler {
	return &Handler{logger: logger, service: service, rbacSv: rbacSv}
}

// Routes returns the job sub-router. Submission requires job:submit (or
// job:submit_elevated for Critical priority); list/status/cancel are
// ownership-checked inline since any authenticated user may act on their
// own jobs.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.With(h.rbacSv.Require(rbac.PermJobSubmit)).Post("/", h.handleSubmit)
	r.Get("/", h.handleList)
	r.Get("/queue", h.handleQueueStatus)
	r.Get("/{job_id}", h.handleGet)
	r.Post("/{job_id}/cancel", h.handleCancel)
	return r
}

func (h *Handler) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	depth, err := h.service.QueueStatus(r.Context())
	if err != nil {
		h.logger.Error("querying queue status", "error", err)
		httpserver.RespondAppError(w, apperr.Wrap(apperr.Internal, "unable to query queue status", err))
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"queued_by_priority": depth})
}

func jobIDParam(r *http.Request) (uuid.UUID, error) {
	return uuid.Parse(chi.URLParam(r, "job_id"))
}

func respondServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		httpserver.RespondAppError(w, apperr.New(apperr.NotFound, "job not found"))
	case errors.Is(err, ErrForbidden):
		httpserver.RespondAppError(w, apperr.New(apperr.PermissionDenied, "not permitted to act on this job"))
	case errors.Is(err, ErrReservationTooLarge):
		httpserver.RespondAppError(w, apperr.New(apperr.Invalid, "requested reservation exceeds per-job maximum"))
	case errors.Is(err, ErrStaleTransition):
		httpserver.RespondAppError(w, apperr.New(apperr.Preconditioned, "job state changed concurrently, retry"))
	default:
		httpserver.RespondAppError(w, apperr.Wrap(apperr.Internal, "job operation failed", err))
	}
}

type submitRequest struct {
	Type          Type            `json:"type" validate:"required"`
	Priority      Priority        `json:"priority" validate:"required,oneof=critical high normal low"`
	Parameters    json.RawMessage `json:"parameters_json"`
	Cores         int32           `json:"cores" validate:"required,min=1"`
	MemoryBytes   int64           `json:"memory_bytes" validate:"required,min=1"`
	AffinityClass string          `json:"affinity_class,omitempty"`
	WorkspaceID   *uuid.UUID      `json:"workspace_id,omitempty"`
	MaxRetries    int             `json:"max_retries,omitempty"`
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	identity := auth.FromContext(r.Context())
	if identity == nil {
		httpserver.RespondAppError(w, apperr.New(apperr.AuthRequired, "missing authentication"))
		return
	}
	var req submitRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	if req.Priority == PriorityCritical {
		allowed, err := h.rbacSv.Check(r.Context(), identity.UserID, identity.RolesVersion, rbac.PermJobElevated)
		if err != nil {
			httpserver.RespondAppError(w, apperr.Wrap(apperr.Internal, "permission check failed", err))
			return
		}
		if !allowed {
			httpserver.RespondAppError(w, apperr.New(apperr.PermissionDenied, "critical priority requires job:submit_elevated"))
			return
		}
	}

	j, err := h.service.Submit(r.Context(), identity.UserID, SubmitParams{
		Type:          req.Type,
		Priority:      req.Priority,
		Parameters:    req.Parameters,
		Reservation:   resourceledger.Reservation{Cores: req.Cores, MemoryBytes: req.MemoryBytes},
		AffinityClass: req.AffinityClass,
		WorkspaceID:   req.WorkspaceID,
		MaxRetries:    req.MaxRetries,
	}, httpserver.ClientIP(r))
	if err != nil {
		h.logger.Error("submitting job", "error", err)
		respondServiceError(w, err)
		return
	}
	httpserver.Respond(w, http.StatusCreated, j)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	identity := auth.FromContext(r.Context())
	if identity == nil {
		httpserver.RespondAppError(w, apperr.New(apperr.AuthRequired, "missing authentication"))
		return
	}
	params, err := httpserver.ParseOffsetParams(r)
	if err != nil {
		httpserver.RespondAppError(w, apperr.New(apperr.Invalid, err.Error()))
		return
	}

	filter := ListFilter{Limit: params.PageSize, Offset: params.Offset}
	canListAny, err := h.rbacSv.Check(r.Context(), identity.UserID, identity.RolesVersion, rbac.PermJobCancelAny)
	if err != nil {
		httpserver.RespondAppError(w, apperr.Wrap(apperr.Internal, "permission check failed", err))
		return
	}
	if !canListAny {
		filter.OwnerUserID = &identity.UserID
	}
	if v := r.URL.Query().Get("state"); v != "" {
		filter.State = State(v)
	}

	jobs, err := h.service.List(r.Context(), filter)
	if err != nil {
		h.logger.Error("listing jobs", "error", err)
		httpserver.RespondAppError(w, apperr.Wrap(apperr.Internal, "unable to list jobs", err))
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"jobs": jobs, "count": len(jobs)})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	identity := auth.FromContext(r.Context())
	if identity == nil {
		httpserver.RespondAppError(w, apperr.New(apperr.AuthRequired, "missing authentication"))
		return
	}
	id, err := jobIDParam(r)
	if err != nil {
		httpserver.RespondAppError(w, apperr.New(apperr.Invalid, "invalid job id"))
		return
	}
	j, err := h.service.GetStatus(r.Context(), id)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	if j.OwnerUserID != identity.UserID {
		allowed, err := h.rbacSv.Check(r.Context(), identity.UserID, identity.RolesVersion, rbac.PermJobCancelAny)
		if err != nil || !allowed {
			httpserver.RespondAppError(w, apperr.New(apperr.PermissionDenied, "not permitted to view this job"))
			return
		}
	}
	httpserver.Respond(w, http.StatusOK, j)
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	identity := auth.FromContext(r.Context())
	if identity == nil {
		httpserver.RespondAppError(w, apperr.New(apperr.AuthRequired, "missing authentication"))
		return
	}
	id, err := jobIDParam(r)
	if err != nil {
		httpserver.RespondAppError(w, apperr.New(apperr.Invalid, "invalid job id"))
		return
	}

	cancelAny, err := h.rbacSv.Check(r.Context(), identity.UserID, identity.RolesVersion, rbac.PermJobCancelAny)
	if err != nil {
		httpserver.RespondAppError(w, apperr.Wrap(apperr.Internal, "permission check failed", err))
		return
	}

	if err := h.service.Cancel(r.Context(), identity.UserID, id, cancelAny, httpserver.ClientIP(r)); err != nil {
		respondServiceError(w, err)
		return
	}
	httpserver.Respond(w, http.StatusNoContent, nil)
}
