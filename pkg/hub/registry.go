package hub

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/omniscope/controlplane/internal/telemetry"
	"github.com/omniscope/controlplane/pkg/auth"
	"github.com/omniscope/controlplane/pkg/crdt"
	"github.com/omniscope/controlplane/pkg/job"
	"github.com/omniscope/controlplane/pkg/presence"
	"github.com/omniscope/controlplane/pkg/workspace"
)

// Config tunes the hub's per-connection backpressure, the unauthenticated
// handshake timeout (default 10s), and each room's presence thresholds.
type Config struct {
	OutboundBuffer int
	AuthTimeout    time.Duration
	Presence       presence.Config
}

// Hub owns every live Room, lazily constructing one on first connect. A
// room keeps running after its last connection leaves; it stops on
// Teardown or when the hub's context is cancelled, and a hub restart
// reconstructs rooms as clients reconnect.
// It also satisfies pkg/jobrunner.Notifier, fanning job progress out to
// the owning workspace's room if one is live.
type Hub struct {
	signer       *auth.TokenSigner
	workspaceSvc *workspace.Service
	engine       *crdt.Engine
	cfg          Config
	logger       *slog.Logger

	mu    sync.Mutex
	rooms map[uuid.UUID]*Room
	ctx   context.Context
	stop  context.CancelFunc
}

// New wires a Hub. Call Run once at process start so rooms share a parent
// context cancelled on shutdown.
func New(signer *auth.TokenSigner, workspaceSvc *workspace.Service, engine *crdt.Engine, cfg Config, logger *slog.Logger) *Hub {
	if cfg.OutboundBuffer <= 0 {
		cfg.OutboundBuffer = 256
	}
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = 10 * time.Second
	}
	return &Hub{
		signer:       signer,
		workspaceSvc: workspaceSvc,
		engine:       engine,
		cfg:          cfg,
		logger:       logger,
		rooms:        make(map[uuid.UUID]*Room),
	}
}

// Run arms the hub's shutdown context. Every room started after this call
// is stopped when ctx is cancelled; a room started before it runs under
// context.Background(). Run returns once every registered room has exited.
func (h *Hub) Run(ctx context.Context) error {
	h.mu.Lock()
	h.ctx, h.stop = context.WithCancel(ctx)
	h.mu.Unlock()
	<-ctx.Done()

	h.mu.Lock()
	rooms := make([]*Room, 0, len(h.rooms))
	for _, r := range h.rooms {
		rooms = append(rooms, r)
	}
	h.mu.Unlock()
	for _, r := range rooms {
		<-r.done
	}
	return nil
}

func (h *Hub) roomFor(workspaceID uuid.UUID) *Room {
	h.mu.Lock()
	defer h.mu.Unlock()

	if r, ok := h.rooms[workspaceID]; ok {
		return r
	}

	parent := h.ctx
	if parent == nil {
		parent = context.Background()
	}
	r := newRoom(workspaceID, h.engine, h.workspaceSvc, h.cfg, h.logger)
	h.rooms[workspaceID] = r
	telemetry.HubRoomsActive.Inc()
	go func() {
		r.run(parent)
		telemetry.HubRoomsActive.Dec()
		h.mu.Lock()
		if h.rooms[workspaceID] == r {
			delete(h.rooms, workspaceID)
		}
		h.mu.Unlock()
	}()
	return r
}

// join admits conn into workspaceID's room and starts the connection's
// write pump; the caller runs the read pump. Blocks until the room has
// processed the join.
func (h *Hub) join(ctx context.Context, conn Conn, workspaceID, userID uuid.UUID) *Connection {
	room := h.roomFor(workspaceID)
	c := newConnection(conn, room, userID, h.cfg.OutboundBuffer, h.logger)

	done := make(chan *Connection, 1)
	room.enqueue(roomEvent{kind: eventJoin, conn: c, joinCtx: ctx, joinDone: done})
	<-done

	go c.writePump()
	return c
}

// NotifyJobProgress satisfies pkg/jobrunner.Notifier, fanning a job's
// progress out to its owner workspace's room if one is currently live. A
// workspace with no live room is a silent no-op — there is nobody to
// deliver to.
func (h *Hub) NotifyJobProgress(ctx context.Context, workspaceID uuid.UUID, jobID uuid.UUID, progress float64, state job.State) {
	h.mu.Lock()
	room, ok := h.rooms[workspaceID]
	h.mu.Unlock()
	if !ok {
		return
	}
	room.enqueue(roomEvent{
		kind:     eventNotifyJobProgress,
		jobID:    jobID,
		progress: progress,
		state:    string(state),
	})
}

// Teardown evicts every live connection from workspaceID's room, blocking
// until the room has processed the eviction. Called by pkg/workspace's
// delete transaction before it removes rows.
func (h *Hub) Teardown(ctx context.Context, workspaceID uuid.UUID) {
	h.mu.Lock()
	room, ok := h.rooms[workspaceID]
	h.mu.Unlock()
	if !ok {
		return
	}

	done := make(chan struct{})
	room.enqueue(roomEvent{kind: eventTeardown, teardownDone: done})
	select {
	case <-done:
	case <-ctx.Done():
		return
	}

	if err := h.engine.PersistWorkspace(ctx, workspaceID); err != nil {
		h.logger.Error("persisting final crdt snapshot before workspace delete", "workspace_id", workspaceID, "error", err)
	}
}

// BroadcastStateUpdates satisfies pkg/crdt.Broadcaster: a snapshot restore
// through the REST surface fans its synthetic state_updated events out to
// workspaceID's live room so connected members
// re-render. No live room means nobody is listening.
func (h *Hub) BroadcastStateUpdates(workspaceID uuid.UUID, updates []crdt.Update) {
	h.mu.Lock()
	room, ok := h.rooms[workspaceID]
	h.mu.Unlock()
	if !ok || len(updates) == 0 {
		return
	}
	room.enqueue(roomEvent{kind: eventBroadcastUpdates, updates: updates})
}

// OnlineUsers returns workspaceID's live presence roster. A workspace with no live room has an empty
// roster — presence is ephemeral and exists only while a room does.
func (h *Hub) OnlineUsers(ctx context.Context, workspaceID uuid.UUID) []presence.Member {
	h.mu.Lock()
	room, ok := h.rooms[workspaceID]
	h.mu.Unlock()
	if !ok {
		return nil
	}

	reply := make(chan []presence.Member, 1)
	room.enqueue(roomEvent{kind: eventPresenceQuery, presenceReply: reply})
	select {
	case members := <-reply:
		return members
	case <-ctx.Done():
		return nil
	case <-room.done:
		return nil
	}
}
