package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/omniscope/controlplane/internal/httpserver"
)

// DBTX is the minimal pgx surface Insert needs; both *pgxpool.Pool and
// pgx.Tx satisfy it. LogSync passes the pool.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgx.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store persists audit records.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a Store backed by pool, used for Query/Purge which
// always run outside the caller's transaction.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Insert writes rec via db, which may be the global pool or a caller-owned
// transaction.
func (s *Store) Insert(ctx context.Context, db DBTX, rec Record) error {
	details, err := json.Marshal(rec.Details)
	if err != nil {
		return fmt.Errorf("marshaling audit details: %w", err)
	}

	_, err = db.Exec(ctx, `
		INSERT INTO audit_records (id, user_id, action, resource_type, resource_id, result, ip_address, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rec.ID, rec.UserID, rec.Action, rec.ResourceType, rec.ResourceID, rec.Result, rec.IPAddress, details, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting audit record: %w", err)
	}
	return nil
}

// Filter narrows Query by (user, resource, time-range, result), plus
// cursor pagination.
type Filter struct {
	UserID       *uuid.UUID
	ResourceType string
	ResourceID   *uuid.UUID
	Result       string
	Since        *time.Time
	Until        *time.Time
	After        *httpserver.Cursor
	Limit        int
}

// Query returns matching records ordered by (created_at, id) descending,
// newest first, fetching Limit+1 rows so the caller can detect HasMore.
func (s *Store) Query(ctx context.Context, f Filter) ([]Record, error) {
	sql := `
		SELECT id, user_id, action, resource_type, resource_id, result, ip_address, details, created_at
		FROM audit_records
		WHERE true`
	args := []any{}

	addCond := func(cond string, val any) {
		args = append(args, val)
		sql += fmt.Sprintf(" AND %s $%d", cond, len(args))
	}

	if f.UserID != nil {
		addCond("user_id =", *f.UserID)
	}
	if f.ResourceType != "" {
		addCond("resource_type =", f.ResourceType)
	}
	if f.ResourceID != nil {
		addCond("resource_id =", *f.ResourceID)
	}
	if f.Result != "" {
		addCond("result =", f.Result)
	}
	if f.Since != nil {
		addCond("created_at >=", *f.Since)
	}
	if f.Until != nil {
		addCond("created_at <=", *f.Until)
	}
	if f.After != nil {
		args = append(args, f.After.CreatedAt, f.After.ID)
		sql += fmt.Sprintf(" AND (created_at, id) < ($%d, $%d)", len(args)-1, len(args))
	}

	limit := f.Limit
	if limit <= 0 {
		limit = httpserver.DefaultPageSize
	}
	args = append(args, limit+1)
	sql += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var details []byte
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.Action, &rec.ResourceType, &rec.ResourceID, &rec.Result, &rec.IPAddress, &details, &rec.CreatedAt); err != nil {
			return nil, err
		}
		if len(details) > 0 {
			if err := json.Unmarshal(details, &rec.Details); err != nil {
				return nil, fmt.Errorf("unmarshaling audit details: %w", err)
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Purge deletes records older than before and returns the row count
// removed.
func (s *Store) Purge(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM audit_records WHERE created_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("purging audit records: %w", err)
	}
	return tag.RowsAffected(), nil
}
