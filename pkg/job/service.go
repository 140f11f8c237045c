package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/omniscope/controlplane/pkg/resourceledger"
)

// ErrForbidden is returned when a user without ownership or
// job:cancel_any attempts to cancel someone else's job.
var ErrForbidden = errors.New("not permitted to act on this job")

// ErrReservationTooLarge is returned by Submit when the requested
// reservation exceeds the configured per-job maxima.
var ErrReservationTooLarge = errors.New("requested reservation exceeds per-job maximum")

// AuditWriter is the narrow slice of pkg/audit.Service that job needs.
type AuditWriter interface {
	LogAsync(ctx context.Context, userID *uuid.UUID, action, resourceType string, resourceID *uuid.UUID, ip string, result string, details map[string]any)
}

// Dispatcher is the narrow slice pkg/jobrunner exposes back to Service so
// submitting a job can prod the scheduler without Service importing the
// runner package (avoids an import cycle; the runner imports job, not the
// reverse).
type Dispatcher interface {
	Enqueue(j *Job)
}

// Service orchestrates submit/cancel/list/status, emitting one
// audit record per privileged operation.
type Service struct {
	store      *Store
	dispatcher Dispatcher
	audit      AuditWriter
	logger     *slog.Logger

	maxCoresPerJob  int32
	maxMemoryPerJob int64
	defaultRetries  int
}

// Config bounds what Submit will accept for a single job's reservation and
// the default retry budget assigned when a caller doesn't specify one.
type Config struct {
	MaxCoresPerJob  int32
	MaxMemoryPerJob int64
	DefaultRetries  int
}

// NewService wires a Service.
func NewService(pool *pgxpool.Pool, dispatcher Dispatcher, audit AuditWriter, cfg Config, logger *slog.Logger) *Service {
	return &Service{
		store:           NewStore(pool),
		dispatcher:      dispatcher,
		audit:           audit,
		logger:          logger,
		maxCoresPerJob:  cfg.MaxCoresPerJob,
		maxMemoryPerJob: cfg.MaxMemoryPerJob,
		defaultRetries:  cfg.DefaultRetries,
	}
}

func (s *Service) auditLog(ctx context.Context, actorID uuid.UUID, action string, jobID uuid.UUID, ip string, details map[string]any) {
	if s.audit == nil {
		return
	}
	s.audit.LogAsync(ctx, &actorID, action, "job", &jobID, ip, "success", details)
}

// SubmitParams carries the fields a caller controls for Submit; everything
// else (id, state, timestamps) is assigned by the service.
type SubmitParams struct {
	Type          Type
	Priority      Priority
	Parameters    []byte
	Reservation   resourceledger.Reservation
	AffinityClass string
	WorkspaceID   *uuid.UUID
	MaxRetries    int
}

// Submit validates, persists in state Pending, then enqueues.
// RBAC authorization itself happens at the gateway via
// rbac.Require(PermJobSubmit) / PermJobElevated before this is called.
func (s *Service) Submit(ctx context.Context, ownerID uuid.UUID, p SubmitParams, ip string) (*Job, error) {
	if !p.Priority.Valid() {
		p.Priority = PriorityNormal
	}
	if p.Reservation.Cores > s.maxCoresPerJob || p.Reservation.MemoryBytes > s.maxMemoryPerJob {
		return nil, ErrReservationTooLarge
	}
	maxRetries := p.MaxRetries
	if maxRetries <= 0 {
		maxRetries = s.defaultRetries
	}

	j := &Job{
		ID:            uuid.New(),
		Type:          p.Type,
		OwnerUserID:   ownerID,
		WorkspaceID:   p.WorkspaceID,
		Priority:      p.Priority,
		State:         StatePending,
		Parameters:    p.Parameters,
		Reservation:   p.Reservation,
		AffinityClass: p.AffinityClass,
		MaxRetries:    maxRetries,
		CreatedAt:     time.Now(),
	}
	if err := s.store.Insert(ctx, j); err != nil {
		return nil, fmt.Errorf("submitting job: %w", err)
	}
	s.auditLog(ctx, ownerID, "job_submitted", j.ID, ip, map[string]any{"type": j.Type, "priority": j.Priority})

	if err := s.store.CASTransition(ctx, j.ID, StatePending, 0, withState(*j, StateQueued)); err != nil {
		return nil, fmt.Errorf("queuing job: %w", err)
	}
	j.State = StateQueued
	if s.dispatcher != nil {
		s.dispatcher.Enqueue(j)
	}
	return j, nil
}

func withState(j Job, state State) Job {
	j.State = state
	return j
}

// GetStatus returns the current row for id.
func (s *Service) GetStatus(ctx context.Context, id uuid.UUID) (*Job, error) {
	return s.store.Get(ctx, id)
}

// List returns jobs matching f.
func (s *Service) List(ctx context.Context, f ListFilter) ([]*Job, error) {
	return s.store.List(ctx, f)
}

// QueueStatus returns the durable queue depth per priority.
func (s *Service) QueueStatus(ctx context.Context) (map[string]int, error) {
	return s.store.QueueDepth(ctx)
}

// Cancel marks a job Cancelled if it's still Pending/Queued, or requests
// cooperative cancellation from the runner if Running.
// actorID must own the job or hold job:cancel_any.
func (s *Service) Cancel(ctx context.Context, actorID uuid.UUID, id uuid.UUID, actorHasCancelAny bool, ip string) error {
	j, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if j.OwnerUserID != actorID && !actorHasCancelAny {
		return ErrForbidden
	}
	if !j.CanCancel() {
		return fmt.Errorf("job %s is not cancellable from state %s", id, j.State)
	}

	switch j.State {
	case StatePending, StateQueued:
		if j.State == StateQueued {
			s.removeFromQueue(id)
		}
		next := withState(*j, StateCancelled)
		now := time.Now()
		next.FinishedAt = &now
		if err := s.store.CASTransition(ctx, id, j.State, j.Attempt, next); err != nil {
			return fmt.Errorf("cancelling job: %w", err)
		}
	case StateRunning:
		// The runner owns the Running -> Cancelled transition (cooperative
		// cancel with a bounded grace period); Service only signals the
		// request onward.
		if requester, ok := s.dispatcher.(cancelRequester); ok {
			requester.RequestCancel(id)
		}
	}

	s.auditLog(ctx, actorID, "job_cancel_requested", id, ip, map[string]any{"prior_state": j.State})
	return nil
}

// queueRemover is implemented by dispatchers that can pull a still-queued
// job back out before it's ever dispatched (production wiring passes
// pkg/jobrunner.Runner, which forwards to its internal Queue).
type queueRemover interface {
	Remove(id uuid.UUID) bool
}

// cancelRequester is implemented by dispatchers that can propagate a
// cooperative cancel to an already-Running job's driver handle.
type cancelRequester interface {
	RequestCancel(id uuid.UUID)
}

func (s *Service) removeFromQueue(id uuid.UUID) {
	if remover, ok := s.dispatcher.(queueRemover); ok {
		remover.Remove(id)
	}
}
