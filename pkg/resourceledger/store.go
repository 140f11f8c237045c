package resourceledger

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store persists ClusterMetricSample rows for capacity-planning history and
// the cluster-status operation's historical view.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a Store backed by pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Insert records a cluster metric sample.
func (s *Store) Insert(ctx context.Context, sample ClusterMetricSample) error {
	queueDepth, err := json.Marshal(sample.QueueDepthByPrio)
	if err != nil {
		return fmt.Errorf("marshaling queue depth: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO cluster_metric_samples
			(sampled_at, workers_total, workers_busy, cores_total, cores_used,
			 memory_total, memory_used, queue_depth_by_priority)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		sample.Timestamp, sample.WorkersTotal, sample.WorkersBusy,
		sample.CoresTotal, sample.CoresUsed, sample.MemoryTotal, sample.MemoryUsed,
		queueDepth)
	if err != nil {
		return fmt.Errorf("inserting cluster metric sample: %w", err)
	}
	return nil
}

// Recent returns the most recent samples, newest first, capped at limit.
func (s *Store) Recent(ctx context.Context, limit int) ([]ClusterMetricSample, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT sampled_at, workers_total, workers_busy, cores_total, cores_used,
		       memory_total, memory_used, queue_depth_by_priority
		FROM cluster_metric_samples
		ORDER BY sampled_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying cluster metric samples: %w", err)
	}
	defer rows.Close()

	var out []ClusterMetricSample
	for rows.Next() {
		var sample ClusterMetricSample
		var queueDepth []byte
		if err := rows.Scan(&sample.Timestamp, &sample.WorkersTotal, &sample.WorkersBusy,
			&sample.CoresTotal, &sample.CoresUsed, &sample.MemoryTotal, &sample.MemoryUsed,
			&queueDepth); err != nil {
			return nil, fmt.Errorf("scanning cluster metric sample: %w", err)
		}
		if len(queueDepth) > 0 {
			if err := json.Unmarshal(queueDepth, &sample.QueueDepthByPrio); err != nil {
				return nil, fmt.Errorf("decoding queue depth: %w", err)
			}
		}
		out = append(out, sample)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating cluster metric samples: %w", err)
	}
	return out, nil
}
