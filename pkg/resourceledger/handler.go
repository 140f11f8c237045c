package resourceledger

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/omniscope/controlplane/internal/apperr"
	"github.com/omniscope/controlplane/internal/httpserver"
	"github.com/omniscope/controlplane/pkg/rbac"
)

// Handler provides HTTP handlers for cluster capacity introspection and
// administration.
type Handler struct {
	logger *slog.Logger
	ledger *Ledger
	store  *Store
	rbacSv *rbac.Service
}

// NewHandler creates a Handler backed by ledger and store.
func NewHandler(logger *slog.Logger, ledger *Ledger, store *Store, rbacSv *rbac.Service) *Handler {
	return &Handler{logger: logger, ledger: ledger, store: store, rbacSv: rbacSv}
}

// Routes returns the cluster sub-router. Every endpoint requires
// cluster:admin; read-mostly status is still gated because it exposes
// per-worker capacity that could inform a denial-of-service against the
// scheduler.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.With(h.rbacSv.Require(rbac.PermClusterAdmin)).Get("/status", h.handleStatus)
	r.With(h.rbacSv.Require(rbac.PermClusterAdmin)).Get("/history", h.handleHistory)
	r.With(h.rbacSv.Require(rbac.PermClusterAdmin)).Post("/scale", h.handleScale)
	r.With(h.rbacSv.Require(rbac.PermClusterAdmin)).Post("/workers", h.handleRegisterWorker)
	r.With(h.rbacSv.Require(rbac.PermClusterAdmin)).Post("/workers/{worker_id}/heartbeat", h.handleHeartbeat)
	r.With(h.rbacSv.Require(rbac.PermClusterAdmin)).Post("/workers/{worker_id}/remove", h.handleRemoveWorker)
	return r
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	httpserver.Respond(w, http.StatusOK, h.ledger.Totals())
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	params, err := httpserver.ParseOffsetParams(r)
	if err != nil {
		httpserver.RespondAppError(w, apperr.New(apperr.Invalid, err.Error()))
		return
	}
	samples, err := h.store.Recent(r.Context(), params.PageSize)
	if err != nil {
		h.logger.Error("querying cluster history", "error", err)
		httpserver.RespondAppError(w, apperr.Wrap(apperr.Internal, "unable to query cluster history", err))
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"samples": samples, "count": len(samples)})
}

type scaleRequest struct {
	CoresTotal  int32 `json:"cores_total" validate:"required,min=1"`
	MemoryTotal int64 `json:"memory_total" validate:"required,min=1"`
}

func (h *Handler) handleScale(w http.ResponseWriter, r *http.Request) {
	var req scaleRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	h.ledger.Scale(req.CoresTotal, req.MemoryTotal)
	httpserver.Respond(w, http.StatusOK, h.ledger.Totals())
}

type registerWorkerRequest struct {
	ID          string   `json:"id" validate:"required,min=1,max=120"`
	Cores       int32    `json:"cores" validate:"required,min=1"`
	MemoryBytes int64    `json:"memory_bytes" validate:"required,min=1"`
	Classes     []string `json:"classes,omitempty"`
}

// handleRegisterWorker admits a worker into the affinity rings and begins
// its heartbeat lease. Workers re-register idempotently on restart.
func (h *Handler) handleRegisterWorker(w http.ResponseWriter, r *http.Request) {
	var req registerWorkerRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	h.ledger.RegisterWorker(req.ID, req.Cores, req.MemoryBytes, req.Classes...)
	h.ledger.Heartbeat(req.ID, time.Now())
	httpserver.Respond(w, http.StatusCreated, h.ledger.Totals())
}

// handleHeartbeat renews a worker's liveness lease; a worker missing
// more than the allowed beats has its in-flight jobs treated as
// WorkerLost.
func (h *Handler) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	workerID := chi.URLParam(r, "worker_id")
	if workerID == "" {
		httpserver.RespondAppError(w, apperr.New(apperr.Invalid, "invalid worker id"))
		return
	}
	if !h.ledger.WorkerAlive(workerID) {
		httpserver.RespondAppError(w, apperr.New(apperr.NotFound, "worker is not registered"))
		return
	}
	h.ledger.Heartbeat(workerID, time.Now())
	httpserver.Respond(w, http.StatusNoContent, nil)
}

func (h *Handler) handleRemoveWorker(w http.ResponseWriter, r *http.Request) {
	workerID := chi.URLParam(r, "worker_id")
	if workerID == "" {
		httpserver.RespondAppError(w, apperr.New(apperr.Invalid, "invalid worker id"))
		return
	}
	h.ledger.RemoveWorker(workerID)
	httpserver.Respond(w, http.StatusNoContent, nil)
}
