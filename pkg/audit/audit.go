// Package audit implements the append-only audit log. Writes
// for security-relevant actions are synchronous and transactional with the
// action they describe; everything else is best-effort async, buffered and
// flushed in batches, preserving per-actor order.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Record mirrors one row of the `audit_records` table.
type Record struct {
	ID           uuid.UUID
	UserID       *uuid.UUID
	Action       string
	ResourceType string
	ResourceID   *uuid.UUID
	Result       string
	IPAddress    string
	Details      map[string]any
	CreatedAt    time.Time
}

const (
	resultSuccess = "success"

	bufferSize    = 256
	flushInterval = 2 * time.Second
	flushBatch    = 32
)

// entry is an enqueued async write, kept separate from Record so the
// writer can assign CreatedAt/ID at flush time rather than enqueue time.
type entry struct {
	userID       *uuid.UUID
	action       string
	resourceType string
	resourceID   *uuid.UUID
	result       string
	ip           string
	details      map[string]any
}

// Service is the audit log: a synchronous transactional path plus a
// buffered async path, backed by the same store.
type Service struct {
	pool    *pgxpool.Pool
	store   *Store
	logger  *slog.Logger
	entries chan entry
	wg      sync.WaitGroup
}

// NewService creates a Service. Call Start to begin the async flush loop.
func NewService(pool *pgxpool.Pool, logger *slog.Logger) *Service {
	return &Service{
		pool:    pool,
		store:   NewStore(pool),
		logger:  logger,
		entries: make(chan entry, bufferSize),
	}
}

// Start launches the background goroutine that flushes buffered entries
// and returns without waiting for it; Close waits for that goroutine.
func (s *Service) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx)
	}()
}

// Close stops accepting new async entries and waits for the buffer to
// drain.
func (s *Service) Close() {
	close(s.entries)
	s.wg.Wait()
}

// LogSync writes a security-relevant audit record synchronously, directly
// against the pool in its own statement; it does not take part in a
// caller's transaction. pkg/auth records its authentication events through
// it; role, membership, workspace and job events go through LogAsync.
func (s *Service) LogSync(ctx context.Context, userID *uuid.UUID, action, resourceType string, resourceID *uuid.UUID, ip string, details map[string]any) error {
	return s.store.Insert(ctx, s.pool, Record{
		ID:           uuid.New(),
		UserID:       userID,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Result:       resultSuccess,
		IPAddress:    ip,
		Details:      details,
		CreatedAt:    time.Now(),
	})
}

// LogAsync enqueues a best-effort audit write. If the buffer is full the
// entry is dropped and a warning logged — callers must not depend on
// async entries for correctness, only for observability.
func (s *Service) LogAsync(ctx context.Context, userID *uuid.UUID, action, resourceType string, resourceID *uuid.UUID, ip string, result string, details map[string]any) {
	e := entry{
		userID:       userID,
		action:       action,
		resourceType: resourceType,
		resourceID:   resourceID,
		result:       result,
		ip:           ip,
		details:      details,
	}
	select {
	case s.entries <- e:
	default:
		s.logger.Warn("audit log buffer full, dropping entry", "action", action, "resource_type", resourceType)
	}
}

func (s *Service) run(ctx context.Context) {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]entry, 0, flushBatch)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		s.flush(batch)
		batch = batch[:0]
	}

	for {
		select {
		case e, ok := <-s.entries:
			if !ok {
				flush()
				return
			}
			batch = append(batch, e)
			if len(batch) >= flushBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			for {
				select {
				case e, ok := <-s.entries:
					if !ok {
						flush()
						return
					}
					batch = append(batch, e)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (s *Service) flush(entries []entry) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	now := time.Now()
	for _, e := range entries {
		rec := Record{
			ID:           uuid.New(),
			UserID:       e.userID,
			Action:       e.action,
			ResourceType: e.resourceType,
			ResourceID:   e.resourceID,
			Result:       e.result,
			IPAddress:    e.ip,
			Details:      e.details,
			CreatedAt:    now,
		}
		if err := s.store.Insert(ctx, s.pool, rec); err != nil {
			s.logger.Error("writing audit record", "error", err, "action", e.action, "resource_type", e.resourceType)
		}
	}
}

// Query returns audit records matching filter, cursor-paginated on
// (created_at, id).
func (s *Service) Query(ctx context.Context, filter Filter) ([]Record, error) {
	return s.store.Query(ctx, filter)
}

// Purge deletes audit records older than before. Never called
// automatically — only by an explicit admin operation, which is itself
// audited by the caller.
func (s *Service) Purge(ctx context.Context, before time.Time) (int64, error) {
	return s.store.Purge(ctx, before)
}
