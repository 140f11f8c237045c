package job

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when no job row matches the requested id.
var ErrNotFound = errors.New("job not found")

// ErrStaleTransition is returned by CAS when the row's (state, attempt)
// no longer matches what the caller observed, refusing a concurrent
// transition.
var ErrStaleTransition = errors.New("job state changed concurrently")

// Store persists Job rows. The Jobs table's state column is changed by the
// runner and by Service's Submit and Cancel transitions.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a Store backed by pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Insert writes a new job row in state Pending.
func (s *Store) Insert(ctx context.Context, j *Job) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO jobs
			(id, type, owner_user_id, workspace_id, priority, state, parameters_json,
			 reservation_cores, reservation_memory_bytes, affinity_class, max_retries,
			 attempt, progress, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		j.ID, j.Type, j.OwnerUserID, j.WorkspaceID, j.Priority, j.State, j.Parameters,
		j.Reservation.Cores, j.Reservation.MemoryBytes, nullString(j.AffinityClass), j.MaxRetries,
		j.Attempt, j.Progress, j.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting job: %w", err)
	}
	return nil
}

// Get returns the job with id.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Job, error) {
	row := s.pool.QueryRow(ctx, selectColumns+` WHERE id = $1`, id)
	return scanJob(row)
}

const selectColumns = `
	SELECT id, type, owner_user_id, workspace_id, priority, state, parameters_json,
	       reservation_cores, reservation_memory_bytes, affinity_class, max_retries,
	       attempt, progress, checkpoint_blob, result_ref, error_kind, error_message,
	       created_at, started_at, finished_at
	FROM jobs`

func scanJob(row pgx.Row) (*Job, error) {
	var j Job
	var affinityClass, resultRef, errorKind, errorMessage *string
	err := row.Scan(
		&j.ID, &j.Type, &j.OwnerUserID, &j.WorkspaceID, &j.Priority, &j.State, &j.Parameters,
		&j.Reservation.Cores, &j.Reservation.MemoryBytes, &affinityClass, &j.MaxRetries,
		&j.Attempt, &j.Progress, &j.CheckpointRef, &resultRef, &errorKind, &errorMessage,
		&j.CreatedAt, &j.StartedAt, &j.FinishedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scanning job: %w", err)
	}
	if affinityClass != nil {
		j.AffinityClass = *affinityClass
	}
	j.ResultRef = resultRef
	if errorKind != nil {
		j.Error = &JobError{Kind: FailureKind(*errorKind), Message: stringOrEmpty(errorMessage)}
	}
	return &j, nil
}

func stringOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// ListFilter narrows List by owner and/or state.
type ListFilter struct {
	OwnerUserID *uuid.UUID
	State       State
	Limit       int
	Offset      int
}

// List returns jobs matching f, newest first.
func (s *Store) List(ctx context.Context, f ListFilter) ([]*Job, error) {
	sql := selectColumns + ` WHERE true`
	args := []any{}
	if f.OwnerUserID != nil {
		args = append(args, *f.OwnerUserID)
		sql += fmt.Sprintf(" AND owner_user_id = $%d", len(args))
	}
	if f.State != "" {
		args = append(args, f.State)
		sql += fmt.Sprintf(" AND state = $%d", len(args))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 25
	}
	args = append(args, limit, f.Offset)
	sql += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// QueueDepth returns the count of Queued rows per priority, the durable
// view behind the queue-status operation.
func (s *Store) QueueDepth(ctx context.Context) (map[string]int, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT priority, count(*) FROM jobs WHERE state = $1 GROUP BY priority`, StateQueued)
	if err != nil {
		return nil, fmt.Errorf("querying queue depth: %w", err)
	}
	defer rows.Close()

	depth := make(map[string]int)
	for rows.Next() {
		var priority string
		var n int
		if err := rows.Scan(&priority, &n); err != nil {
			return nil, fmt.Errorf("scanning queue depth: %w", err)
		}
		depth[priority] = n
	}
	return depth, rows.Err()
}

// PendingAndQueued returns every job not yet terminal, used on runner
// startup to replay in-flight work into a fresh in-memory Queue, so a
// restart loses no pending work.
func (s *Store) PendingAndQueued(ctx context.Context) ([]*Job, error) {
	rows, err := s.pool.Query(ctx, selectColumns+` WHERE state IN ($1, $2, $3) ORDER BY created_at ASC`,
		StatePending, StateQueued, StateRunning)
	if err != nil {
		return nil, fmt.Errorf("listing pending jobs: %w", err)
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// CASTransition atomically moves a job from (fromState, fromAttempt) to the
// fields in next, refusing the write if the row has moved on. Callers re-fetch and decide how to react to
// ErrStaleTransition; there's no blind retry here.
func (s *Store) CASTransition(ctx context.Context, id uuid.UUID, fromState State, fromAttempt int, next Job) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET
			state = $1, attempt = $2, progress = $3, checkpoint_blob = $4,
			result_ref = $5, error_kind = $6, error_message = $7,
			started_at = $8, finished_at = $9
		WHERE id = $10 AND state = $11 AND attempt = $12`,
		next.State, next.Attempt, next.Progress, next.CheckpointRef,
		next.ResultRef, errorKindOf(next.Error), errorMessageOf(next.Error),
		next.StartedAt, next.FinishedAt,
		id, fromState, fromAttempt,
	)
	if err != nil {
		return fmt.Errorf("transitioning job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleTransition
	}
	return nil
}

func errorKindOf(e *JobError) *string {
	if e == nil {
		return nil
	}
	k := string(e.Kind)
	return &k
}

func errorMessageOf(e *JobError) *string {
	if e == nil {
		return nil
	}
	return &e.Message
}

// UpdateProgress persists the progress fraction and rolling checkpoint
// without touching state, on the progress_persist_interval cadence.
func (s *Store) UpdateProgress(ctx context.Context, id uuid.UUID, progress float64, checkpoint []byte) error {
	_, err := s.pool.Exec(ctx, `UPDATE jobs SET progress = $1, checkpoint_blob = $2 WHERE id = $3`,
		progress, checkpoint, id)
	if err != nil {
		return fmt.Errorf("updating job progress: %w", err)
	}
	return nil
}
