package audit

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/omniscope/controlplane/internal/apperr"
	"github.com/omniscope/controlplane/internal/httpserver"
	"github.com/omniscope/controlplane/pkg/rbac"
)

// Handler provides HTTP handlers for the audit API.
type Handler struct {
	logger  *slog.Logger
	service *Service
	rbacSv  *rbac.Service
}

// NewHandler creates a Handler backed by service.
func NewHandler(logger *slog.Logger, service *Service, rbacSv *rbac.Service) *Handler {
	return &Handler{logger: logger, service: service, rbacSv: rbacSv}
}

// Routes returns the audit sub-router. Query requires audit:read, purge
// requires the more privileged audit:purge.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.With(h.rbacSv.Require(rbac.PermAuditRead)).Get("/", h.handleQuery)
	r.With(h.rbacSv.Require(rbac.PermAuditPurge)).Post("/purge", h.handlePurge)
	return r
}

func (h *Handler) handleQuery(w http.ResponseWriter, r *http.Request) {
	cursorParams, err := httpserver.ParseCursorParams(r)
	if err != nil {
		httpserver.RespondAppError(w, apperr.Wrap(apperr.Invalid, err.Error(), err))
		return
	}

	q := r.URL.Query()
	filter := Filter{
		ResourceType: q.Get("resource_type"),
		Result:       q.Get("result"),
		After:        cursorParams.After,
		Limit:        cursorParams.Limit,
	}
	if v := q.Get("user_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			httpserver.RespondAppError(w, apperr.New(apperr.Invalid, "invalid user_id"))
			return
		}
		filter.UserID = &id
	}
	if v := q.Get("resource_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			httpserver.RespondAppError(w, apperr.New(apperr.Invalid, "invalid resource_id"))
			return
		}
		filter.ResourceID = &id
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			httpserver.RespondAppError(w, apperr.New(apperr.Invalid, "invalid since"))
			return
		}
		filter.Since = &t
	}
	if v := q.Get("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			httpserver.RespondAppError(w, apperr.New(apperr.Invalid, "invalid until"))
			return
		}
		filter.Until = &t
	}

	records, err := h.service.Query(r.Context(), filter)
	if err != nil {
		h.logger.Error("querying audit records", "error", err)
		httpserver.RespondAppError(w, apperr.Wrap(apperr.Internal, "unable to query audit log", err))
		return
	}

	page := httpserver.NewCursorPage(records, filter.Limit, func(rec Record) httpserver.Cursor {
		return httpserver.Cursor{CreatedAt: rec.CreatedAt, ID: rec.ID}
	})
	httpserver.Respond(w, http.StatusOK, page)
}

type purgeRequest struct {
	Before time.Time `json:"before" validate:"required"`
}

func (h *Handler) handlePurge(w http.ResponseWriter, r *http.Request) {
	var req purgeRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	count, err := h.service.Purge(r.Context(), req.Before)
	if err != nil {
		h.logger.Error("purging audit records", "error", err)
		httpserver.RespondAppError(w, apperr.Wrap(apperr.Internal, "unable to purge audit log", err))
		return
	}

	h.service.LogAsync(r.Context(), nil, "audit_purged", "audit_record", nil, httpserver.ClientIP(r), "success", map[string]any{"before": req.Before, "deleted": count})
	httpserver.Respond(w, http.StatusOK, map[string]any{"deleted": count})
}
