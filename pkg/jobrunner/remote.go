package jobrunner

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/omniscope/controlplane/pkg/job"
)

// cancelChannel carries cancel requests for Running jobs from api nodes to
// whichever runner process is executing them.
const cancelChannel = "jobs:cancel"

// RemoteDispatcher satisfies pkg/job.Dispatcher for processes that run no
// scheduler of their own (api mode). Enqueue is a no-op — the durable
// Queued row is the handoff, picked up by a runner's reconcile pass —
// while cancel requests are relayed over the KV cache's pub/sub channel.
type RemoteDispatcher struct {
	rdb    *redis.Client
	logger *slog.Logger
}

// NewRemoteDispatcher creates a dispatcher relaying over rdb.
func NewRemoteDispatcher(rdb *redis.Client, logger *slog.Logger) *RemoteDispatcher {
	return &RemoteDispatcher{rdb: rdb, logger: logger}
}

// Enqueue is a no-op: the job row is already Queued in the durable store,
// which a runner process reconciles into its in-memory queue.
func (d *RemoteDispatcher) Enqueue(_ *job.Job) {}

// RequestCancel relays a cooperative cancel toward the executing runner.
func (d *RemoteDispatcher) RequestCancel(id uuid.UUID) {
	if err := d.rdb.Publish(context.Background(), cancelChannel, id.String()).Err(); err != nil {
		d.logger.Warn("publishing cancel request", "job_id", id, "error", err)
	}
}

// RunCancelRelay subscribes to the cancel channel and applies each request
// to this runner. Blocks until ctx is cancelled.
func (r *Runner) RunCancelRelay(ctx context.Context, rdb *redis.Client) error {
	sub := rdb.Subscribe(ctx, cancelChannel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			id, err := uuid.Parse(msg.Payload)
			if err != nil {
				continue
			}
			r.RequestCancel(id)
		}
	}
}
