package hub

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/omniscope/controlplane/pkg/job"
)

// jobProgressChannel is the KV-cache pub/sub channel carrying job progress
// events between nodes — the KV cache's pub/sub channel doubling as the
// inter-node room event fan-out. A runner
// process publishes here; every api node's hub relays into its own live
// rooms.
const jobProgressChannel = "hub:job_progress"

type jobProgressEvent struct {
	WorkspaceID uuid.UUID `json:"workspace_id"`
	JobID       uuid.UUID `json:"job_id"`
	Progress    float64   `json:"progress"`
	State       string    `json:"state"`
}

// RedisNotifier satisfies pkg/jobrunner.Notifier by publishing progress to
// the shared channel instead of a local room, for runner processes that
// host no hub.
type RedisNotifier struct {
	rdb    *redis.Client
	logger *slog.Logger
}

// NewRedisNotifier creates a notifier publishing over rdb.
func NewRedisNotifier(rdb *redis.Client, logger *slog.Logger) *RedisNotifier {
	return &RedisNotifier{rdb: rdb, logger: logger}
}

// NotifyJobProgress publishes the event; delivery is best-effort.
func (n *RedisNotifier) NotifyJobProgress(ctx context.Context, workspaceID, jobID uuid.UUID, progress float64, state job.State) {
	payload, err := json.Marshal(jobProgressEvent{
		WorkspaceID: workspaceID,
		JobID:       jobID,
		Progress:    progress,
		State:       string(state),
	})
	if err != nil {
		return
	}
	if err := n.rdb.Publish(ctx, jobProgressChannel, payload).Err(); err != nil {
		n.logger.Warn("publishing job progress", "job_id", jobID, "error", err)
	}
}

// RunRelay subscribes to the shared progress channel and forwards each
// event into this node's live rooms. Blocks until ctx is cancelled.
func (h *Hub) RunRelay(ctx context.Context, rdb *redis.Client) error {
	sub := rdb.Subscribe(ctx, jobProgressChannel)
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
			var ev jobProgressEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				continue
			}
			h.NotifyJobProgress(ctx, ev.WorkspaceID, ev.JobID, ev.Progress, job.State(ev.State))
		}
	}
}
