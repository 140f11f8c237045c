package resourceledger

import (
	"context"
	"log/slog"
	"time"

	"github.com/omniscope/controlplane/internal/telemetry"
)

// QueueDepther reports the scheduler queue's depth by priority. Satisfied
// by *pkg/job.Queue; narrowed so this package never imports pkg/job (job
// already imports resourceledger for the Reservation type).
type QueueDepther interface {
	Depth() map[string]int
}

// Sampler periodically records a ClusterMetricSample row and refreshes the
// ledger/queue Prometheus gauges.
type Sampler struct {
	ledger   *Ledger
	store    *Store
	queue    QueueDepther
	interval time.Duration
	logger   *slog.Logger
}

// NewSampler wires a Sampler. queue may be nil when no scheduler runs in
// this process; the sample's queue depths are then empty.
func NewSampler(ledger *Ledger, store *Store, queue QueueDepther, interval time.Duration, logger *slog.Logger) *Sampler {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Sampler{ledger: ledger, store: store, queue: queue, interval: interval, logger: logger}
}

// Run samples on the configured interval until ctx is cancelled.
func (s *Sampler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			s.sample(ctx, now)
		}
	}
}

func (s *Sampler) sample(ctx context.Context, now time.Time) {
	totals := s.ledger.Totals()

	var depth map[string]int
	if s.queue != nil {
		depth = s.queue.Depth()
	}

	telemetry.LedgerCoresUsed.Set(float64(totals.CoresUsed))
	telemetry.LedgerMemoryUsedBytes.Set(float64(totals.MemoryUsed))
	for priority, n := range depth {
		telemetry.JobQueueDepth.WithLabelValues(priority).Set(float64(n))
	}

	sample := ClusterMetricSample{
		Timestamp:        now,
		WorkersTotal:     totals.WorkersTotal,
		WorkersBusy:      totals.WorkersBusy,
		CoresTotal:       totals.CoresTotal,
		CoresUsed:        totals.CoresUsed,
		MemoryTotal:      totals.MemoryTotal,
		MemoryUsed:       totals.MemoryUsed,
		QueueDepthByPrio: depth,
	}
	if err := s.store.Insert(ctx, sample); err != nil {
		s.logger.Error("recording cluster metric sample", "error", err)
	}
}
