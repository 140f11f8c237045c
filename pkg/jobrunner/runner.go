package jobrunner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/omniscope/controlplane/internal/telemetry"
	"github.com/omniscope/controlplane/pkg/job"
	"github.com/omniscope/controlplane/pkg/resourceledger"
)

// Notifier fans a job's progress out to its owner workspace, if any, via
// the session hub. Satisfied by pkg/hub's room registry or its Redis
// bridge; nil-safe so the runner works standalone in tests.
type Notifier interface {
	NotifyJobProgress(ctx context.Context, workspaceID uuid.UUID, jobID uuid.UUID, progress float64, state job.State)
}

// Config tunes the runner's cadence.
type Config struct {
	PoolSize                int
	ProgressPersistInterval time.Duration
	CancelGracePeriod       time.Duration
	BackoffBase             time.Duration
	BackoffCap              time.Duration
	HeartbeatInterval       time.Duration
	MissedBeatsAllowed      int
	ReconcileInterval       time.Duration
}

// Runner is the supervisor + per-worker dispatch pool. It satisfies pkg/job.Dispatcher so pkg/job.Service can hand it
// newly-submitted jobs without importing this package.
type Runner struct {
	store    *job.Store
	queue    *job.Queue
	ledger   *resourceledger.Ledger
	registry *Registry
	notifier Notifier
	logger   *slog.Logger
	cfg      Config

	mu              sync.Mutex
	cancelRequested map[uuid.UUID]struct{}
	workerLost      map[uuid.UUID]struct{}
	jobWorker       map[uuid.UUID]string
	inflight        map[uuid.UUID]struct{}
	backoffPending  map[uuid.UUID]struct{}
}

// New creates a Runner. Call LoadPending once at startup to replay
// in-flight Jobs table rows into the queue, then Run to start serving.
func New(store *job.Store, queue *job.Queue, ledger *resourceledger.Ledger, registry *Registry, notifier Notifier, cfg Config, logger *slog.Logger) *Runner {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 4
	}
	return &Runner{
		store:           store,
		queue:           queue,
		ledger:          ledger,
		registry:        registry,
		notifier:        notifier,
		logger:          logger,
		cfg:             cfg,
		cancelRequested: make(map[uuid.UUID]struct{}),
		workerLost:      make(map[uuid.UUID]struct{}),
		jobWorker:       make(map[uuid.UUID]string),
		inflight:        make(map[uuid.UUID]struct{}),
		backoffPending:  make(map[uuid.UUID]struct{}),
	}
}

// Enqueue satisfies job.Dispatcher.
func (r *Runner) Enqueue(j *job.Job) { r.queue.Enqueue(j) }

// Remove satisfies the queueRemover hook job.Service uses for
// cancel-before-dispatch.
func (r *Runner) Remove(id uuid.UUID) bool { return r.queue.Remove(id) }

// RequestCancel satisfies the cancelRequester hook job.Service uses for
// cancelling an already-Running job.
func (r *Runner) RequestCancel(id uuid.UUID) {
	r.mu.Lock()
	r.cancelRequested[id] = struct{}{}
	r.mu.Unlock()
}

func (r *Runner) isCancelRequested(id uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.cancelRequested[id]
	return ok
}

func (r *Runner) clearCancelRequest(id uuid.UUID) {
	r.mu.Lock()
	delete(r.cancelRequested, id)
	delete(r.workerLost, id)
	delete(r.jobWorker, id)
	delete(r.inflight, id)
	r.mu.Unlock()
}

func (r *Runner) markInflight(id uuid.UUID) {
	r.mu.Lock()
	r.inflight[id] = struct{}{}
	r.mu.Unlock()
}

func (r *Runner) isInflight(id uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.inflight[id]
	return ok
}

func (r *Runner) isBackoffPending(id uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.backoffPending[id]
	return ok
}

func (r *Runner) isWorkerLost(id uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.workerLost[id]
	return ok
}

func (r *Runner) assignWorker(jobID uuid.UUID, workerID string) {
	if workerID == "" {
		return
	}
	r.mu.Lock()
	r.jobWorker[jobID] = workerID
	r.mu.Unlock()
}

// markWorkerLost flags every job currently assigned to workerID as
// WorkerLost; the owning dispatchLoop's pollUntilTerminal notices on its
// next iteration and requeues with the checkpoint intact.
func (r *Runner) markWorkerLost(workerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for jobID, w := range r.jobWorker {
		if w == workerID {
			r.workerLost[jobID] = struct{}{}
		}
	}
}

// heartbeatMonitor periodically evicts workers that have missed too many
// heartbeats and flags their in-flight jobs.
func (r *Runner) heartbeatMonitor(ctx context.Context) error {
	if r.cfg.HeartbeatInterval <= 0 {
		return nil
	}
	threshold := r.cfg.HeartbeatInterval * time.Duration(maxInt(r.cfg.MissedBeatsAllowed, 1))
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for _, workerID := range r.ledger.StaleWorkers(threshold) {
				r.logger.Warn("worker missed heartbeat deadline, evicting", "worker_id", workerID)
				r.markWorkerLost(workerID)
				r.ledger.RemoveWorker(workerID)
			}
		}
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// LoadPending replays every non-terminal Jobs row into the queue, so a
// process restart loses no pending work. Rows already Running
// at the time of a prior crash are treated as WorkerLost and requeued with
// their checkpoint intact.
func (r *Runner) LoadPending(ctx context.Context) error {
	rows, err := r.store.PendingAndQueued(ctx)
	if err != nil {
		return fmt.Errorf("loading pending jobs: %w", err)
	}
	for _, j := range rows {
		if j.State == job.StateRunning {
			if err := r.requeueAfterFailure(ctx, j, job.FailureWorkerLost, "worker lost across restart"); err != nil {
				r.logger.Error("requeuing orphaned running job", "job_id", j.ID, "error", err)
			}
			continue
		}
		r.queue.Enqueue(j)
	}
	return nil
}

// Run starts the scheduler loop plus a fixed pool of dispatch workers. It
// blocks until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info("job runner started", "pool_size", r.cfg.PoolSize)

	dispatchCh := make(chan *job.Job, r.cfg.PoolSize)
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return r.scheduleLoop(ctx, dispatchCh) })
	g.Go(func() error { return r.heartbeatMonitor(ctx) })
	g.Go(func() error { return r.reconcileLoop(ctx) })
	for i := 0; i < r.cfg.PoolSize; i++ {
		workerID := fmt.Sprintf("dispatch-%d", i)
		g.Go(func() error { return r.dispatchLoop(ctx, workerID, dispatchCh) })
	}

	err := g.Wait()
	r.logger.Info("job runner stopped")
	return err
}

// reconcileLoop periodically folds Queued rows written by other processes
// (an api node's submit path) into this runner's in-memory queue. The CAS
// on (state, attempt) at dispatch time makes a double pickup across nodes
// harmless: exactly one runner wins the Queued -> Running transition.
func (r *Runner) reconcileLoop(ctx context.Context) error {
	interval := r.cfg.ReconcileInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			rows, err := r.store.PendingAndQueued(ctx)
			if err != nil {
				r.logger.Error("reconciling queued jobs", "error", err)
				continue
			}
			for _, j := range rows {
				if j.State != job.StateQueued {
					continue
				}
				if r.queue.Has(j.ID) || r.isInflight(j.ID) || r.isBackoffPending(j.ID) {
					continue
				}
				r.queue.Enqueue(j)
			}
		}
	}
}

// scheduleLoop wakes on ledger capacity changes (or a periodic fallback
// tick, since a job may become dispatchable purely by aging into a
// starvation blocker without any ledger event) and pushes every job the
// queue can currently admit onto dispatchCh.
func (r *Runner) scheduleLoop(ctx context.Context, dispatchCh chan<- *job.Job) error {
	fallback := time.NewTicker(time.Second)
	defer fallback.Stop()

	for {
		for {
			j := r.queue.TryDispatch(r.ledger)
			if j == nil {
				break
			}
			r.markInflight(j.ID)
			select {
			case dispatchCh <- j:
			case <-ctx.Done():
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-r.ledger.Wake():
		case <-fallback.C:
		}
	}
}

func (r *Runner) dispatchLoop(ctx context.Context, workerID string, dispatchCh <-chan *job.Job) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case j, ok := <-dispatchCh:
			if !ok {
				return nil
			}
			r.execute(ctx, workerID, j)
		}
	}
}

// execute drives one job from Queued through to a terminal state or a
// retry-requeue.
func (r *Runner) execute(ctx context.Context, workerID string, j *job.Job) {
	r.ledger.SetWorkerBusy(workerID, true)
	defer r.ledger.SetWorkerBusy(workerID, false)
	defer r.clearCancelRequest(j.ID)

	now := time.Now()
	running := *j
	running.State = job.StateRunning
	running.StartedAt = &now
	if err := r.store.CASTransition(ctx, j.ID, job.StateQueued, j.Attempt, running); err != nil {
		r.logger.Error("transitioning job to running", "job_id", j.ID, "error", err)
		r.ledger.Release(j.Reservation)
		return
	}
	*j = running

	if workerID, ok := r.ledger.PickWorker(j.ID.String(), j.AffinityClass); ok {
		r.assignWorker(j.ID, workerID)
	}

	driver, ok := r.registry.Lookup(j.Type)
	if !ok {
		r.finishPermanentFailure(ctx, j, fmt.Sprintf("no driver registered for job type %q", j.Type))
		return
	}

	handle, err := driver.Start(ctx, j.Parameters, j.CheckpointRef)
	if err != nil {
		r.finishWithFailure(ctx, j, job.FailureTransient, fmt.Sprintf("starting driver: %v", err))
		return
	}

	r.pollUntilTerminal(ctx, j, handle)
}

func (r *Runner) pollUntilTerminal(ctx context.Context, j *job.Job, handle Handle) {
	persistTicker := time.NewTicker(r.cfg.ProgressPersistInterval)
	defer persistTicker.Stop()
	pollTicker := time.NewTicker(time.Second)
	defer pollTicker.Stop()

	cancelRequestedAt := time.Time{}

	for {
		if r.isWorkerLost(j.ID) {
			handle.Cancel(ctx)
			r.finishWithFailure(ctx, j, job.FailureWorkerLost, "worker lost heartbeat")
			return
		}
		if r.isCancelRequested(j.ID) && cancelRequestedAt.IsZero() {
			cancelRequestedAt = time.Now()
			handle.Cancel(ctx)
		}
		if !cancelRequestedAt.IsZero() && time.Since(cancelRequestedAt) > r.cfg.CancelGracePeriod {
			r.finishCancelled(ctx, j)
			return
		}

		progress, outcome, err := handle.Poll(ctx)
		if err != nil {
			r.finishWithFailure(ctx, j, job.FailureTransient, fmt.Sprintf("polling driver: %v", err))
			return
		}
		if outcome != nil {
			r.finishOutcome(ctx, j, outcome)
			return
		}
		if progress != nil {
			j.Progress = progress.Fraction
			if progress.Checkpoint != nil {
				j.CheckpointRef = progress.Checkpoint
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-persistTicker.C:
			if err := r.store.UpdateProgress(ctx, j.ID, j.Progress, j.CheckpointRef); err != nil {
				r.logger.Error("persisting job progress", "job_id", j.ID, "error", err)
			}
			if r.notifier != nil && j.WorkspaceID != nil {
				r.notifier.NotifyJobProgress(ctx, *j.WorkspaceID, j.ID, j.Progress, job.StateRunning)
			}
		case <-pollTicker.C:
		}
	}
}

func (r *Runner) finishOutcome(ctx context.Context, j *job.Job, outcome *Outcome) {
	if outcome.Completed {
		r.finishCompleted(ctx, j, outcome.ResultRef)
		return
	}
	kind := job.FailurePermanent
	message := "job failed"
	if outcome.Failure != nil {
		kind = outcome.Failure.Kind
		message = outcome.Failure.Message
	}
	r.finishWithFailure(ctx, j, kind, message)
}

func (r *Runner) finishCompleted(ctx context.Context, j *job.Job, resultRef string) {
	now := time.Now()
	next := *j
	next.State = job.StateCompleted
	next.Progress = 1
	next.ResultRef = &resultRef
	next.FinishedAt = &now
	r.commitTerminal(ctx, j, next)
}

func (r *Runner) finishCancelled(ctx context.Context, j *job.Job) {
	now := time.Now()
	next := *j
	next.State = job.StateCancelled
	next.FinishedAt = &now
	r.commitTerminal(ctx, j, next)
}

func (r *Runner) finishPermanentFailure(ctx context.Context, j *job.Job, message string) {
	r.finishWithFailure(ctx, j, job.FailurePermanent, message)
}

// finishWithFailure applies the retry policy:
// Transient/WorkerLost with attempts remaining requeues with exponential
// backoff; everything else (Permanent, or retries exhausted) is terminal.
func (r *Runner) finishWithFailure(ctx context.Context, j *job.Job, kind job.FailureKind, message string) {
	if kind.retryable() && j.Attempt < j.MaxRetries {
		if err := r.requeueAfterFailure(ctx, j, kind, message); err != nil {
			r.logger.Error("requeuing failed job", "job_id", j.ID, "error", err)
		}
		return
	}

	now := time.Now()
	next := *j
	next.State = job.StateFailed
	next.Error = &job.JobError{Kind: kind, Message: message}
	next.FinishedAt = &now
	r.commitTerminal(ctx, j, next)
}

// requeueAfterFailure bumps attempt, computes the next exponential-backoff
// delay with full jitter, and re-enqueues after the delay elapses
// (base 5s, cap 5min, full jitter by default).
func (r *Runner) requeueAfterFailure(ctx context.Context, j *job.Job, kind job.FailureKind, message string) error {
	next := *j
	next.State = job.StateQueued
	next.Attempt = j.Attempt + 1
	next.Error = &job.JobError{Kind: kind, Message: message}
	next.WaitSince = time.Time{}

	if err := r.store.CASTransition(ctx, j.ID, j.State, j.Attempt, next); err != nil {
		r.ledger.Release(j.Reservation)
		return err
	}
	r.ledger.Release(j.Reservation)

	delay := r.backoffDelay(next.Attempt)
	requeued := next
	// Hold the job out of the reconcile pass until the backoff elapses;
	// the Queued row is already visible and would otherwise be folded
	// straight back into the queue with no delay at all.
	r.mu.Lock()
	r.backoffPending[requeued.ID] = struct{}{}
	r.mu.Unlock()
	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
		case <-timer.C:
			r.queue.Enqueue(&requeued)
		}
		r.mu.Lock()
		delete(r.backoffPending, requeued.ID)
		r.mu.Unlock()
	}()
	return nil
}

func (r *Runner) backoffDelay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.BackoffBase
	b.MaxInterval = r.cfg.BackoffCap
	b.Multiplier = 2
	b.RandomizationFactor = 1 // approximates full jitter: delay in [0, 2*computed)
	b.Reset()

	delay := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		delay = b.NextBackOff()
	}
	if delay > r.cfg.BackoffCap {
		delay = r.cfg.BackoffCap
	}
	return delay
}

// commitTerminal writes a terminal transition, releases the job's
// reservation, and wakes the scheduler.
func (r *Runner) commitTerminal(ctx context.Context, j *job.Job, next job.Job) {
	if err := r.store.CASTransition(ctx, j.ID, j.State, j.Attempt, next); err != nil {
		r.logger.Error("committing terminal job state", "job_id", j.ID, "error", err, "target_state", next.State)
	} else {
		telemetry.JobTransitionsTotal.WithLabelValues(string(j.State), string(next.State)).Inc()
	}
	r.ledger.Release(j.Reservation)
	if r.notifier != nil && next.WorkspaceID != nil {
		r.notifier.NotifyJobProgress(ctx, *next.WorkspaceID, next.ID, next.Progress, next.State)
	}
}
