package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/omniscope/controlplane/internal/telemetry"
	"github.com/omniscope/controlplane/pkg/crdt"
	"github.com/omniscope/controlplane/pkg/presence"
	"github.com/omniscope/controlplane/pkg/workspace"
)

// drainInterval drives the presence coalescing limiter's flush, faster
// than its 1/30s rate window so a coalesced update is never held longer
// than necessary.
const drainInterval = 20 * time.Millisecond

type eventKind int

const (
	eventInbound eventKind = iota
	eventLeave
	eventJoin
	eventNotifyJobProgress
	eventTeardown
	eventBroadcastUpdates
	eventPresenceQuery
)

type roomEvent struct {
	kind  eventKind
	conn  *Connection
	frame InboundFrame

	// eventJoin payload
	joinCtx  context.Context
	joinDone chan *Connection

	// eventNotifyJobProgress payload
	jobID    uuid.UUID
	progress float64
	state    string

	// eventTeardown payload
	teardownDone chan struct{}

	// eventBroadcastUpdates payload
	updates []crdt.Update

	// eventPresenceQuery payload
	presenceReply chan []presence.Member
}

// Room is the single-threaded actor owning one workspace's live presence
// roster, CRDT document, and connection set. Every mutation
// flows through the mailbox so CRDT merges and presence transitions never
// need fine-grained locking; a panic inside run is recovered so it
// terminates only this room, not the whole hub.
type Room struct {
	WorkspaceID uuid.UUID

	engine       *crdt.Engine
	workspaceSvc *workspace.Service
	logger       *slog.Logger

	mailbox chan roomEvent
	done    chan struct{}

	presence    *presence.Tracker
	connections map[string]*Connection

	outboundBuffer int
}

func newRoom(workspaceID uuid.UUID, engine *crdt.Engine, workspaceSvc *workspace.Service, cfg Config, logger *slog.Logger) *Room {
	return &Room{
		WorkspaceID:    workspaceID,
		engine:         engine,
		workspaceSvc:   workspaceSvc,
		logger:         logger.With("workspace_id", workspaceID),
		mailbox:        make(chan roomEvent, 64),
		done:           make(chan struct{}),
		presence:       presence.NewTrackerWith(cfg.Presence),
		connections:    make(map[string]*Connection),
		outboundBuffer: cfg.OutboundBuffer,
	}
}

// enqueue hands an event to the room's serial executor. It blocks while the
// mailbox is full, and returns without delivering the event once the room
// has stopped.
func (r *Room) enqueue(ev roomEvent) {
	select {
	case r.mailbox <- ev:
	case <-r.done:
	}
}

// run is the room's serial executor loop. It exits when ctx is cancelled
// (closing every connection still in the room), or on explicit teardown.
func (r *Room) run(ctx context.Context) {
	defer close(r.done)
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("room actor panicked, terminating this room only", "panic", rec)
		}
	}()

	presenceTicker := time.NewTicker(r.presence.TickEvery())
	defer presenceTicker.Stop()
	drainTicker := time.NewTicker(drainInterval)
	defer drainTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.closeAll()
			return
		case ev := <-r.mailbox:
			if r.handle(ctx, ev) {
				return
			}
		case now := <-presenceTicker.C:
			for _, m := range r.presence.Tick(now) {
				r.broadcastAll(OutboundFrame{Type: OutboundUserLeft, Payload: userEventData{UserID: m.UserID}})
			}
		case now := <-drainTicker.C:
			r.drain(now)
		}
	}
}

func (r *Room) handle(ctx context.Context, ev roomEvent) (stop bool) {
	switch ev.kind {
	case eventJoin:
		ev.joinDone <- r.join(ev.joinCtx, ev.conn)
	case eventLeave:
		r.leave(ev.conn)
	case eventInbound:
		r.dispatch(ctx, ev.conn, ev.frame)
	case eventNotifyJobProgress:
		r.broadcastAll(OutboundFrame{
			Type: OutboundJobProgress,
			Payload: jobProgressData{
				JobID:    ev.jobID,
				Progress: ev.progress,
				State:    ev.state,
			},
		})
	case eventTeardown:
		r.teardown(ctx)
		close(ev.teardownDone)
		return true
	case eventBroadcastUpdates:
		for _, u := range ev.updates {
			r.broadcastAll(OutboundFrame{Type: OutboundStateUpdated, Payload: u})
		}
	case eventPresenceQuery:
		ev.presenceReply <- r.presence.Members()
	}
	return false
}

// join admits a connection, assigns presence, and sends it the current
// roster plus a full CRDT snapshot.
func (r *Room) join(ctx context.Context, conn *Connection) *Connection {
	r.connections[conn.ID] = conn
	telemetry.HubConnectionsActive.Inc()
	member := r.presence.Join(conn.UserID, conn.ID, time.Now())

	conn.Send(OutboundFrame{Type: OutboundPresenceList, Payload: r.presence.Members()})

	if snap, err := r.engine.State(ctx, r.WorkspaceID); err == nil {
		conn.Send(OutboundFrame{
			Type: OutboundFullSnapshot,
			Payload: crdtSnapshotPayload{
				Fields:  toRawFields(snap.Fields),
				Version: snap.Version,
			},
		})
	} else {
		r.logger.Error("loading crdt doc on join", "error", err)
	}

	r.broadcastExcept(conn.ID, OutboundFrame{
		Type:    OutboundUserJoined,
		Payload: userEventData{UserID: conn.UserID, Color: member.Color},
	})
	return conn
}

func (r *Room) leave(conn *Connection) {
	if _, ok := r.connections[conn.ID]; ok {
		telemetry.HubConnectionsActive.Dec()
	}
	delete(r.connections, conn.ID)
	if m, ok := r.presence.Leave(conn.ID); ok {
		r.broadcastAll(OutboundFrame{Type: OutboundUserLeft, Payload: userEventData{UserID: m.UserID}})
	}
}

func (r *Room) closeAll() {
	telemetry.HubConnectionsActive.Sub(float64(len(r.connections)))
	for _, c := range r.connections {
		c.Close()
	}
	r.connections = make(map[string]*Connection)
}

// teardown evicts every live connection so pkg/workspace's delete
// transaction can proceed once this returns. The final
// CRDT snapshot persist is left to the caller, which still holds the
// engine and can call PersistTick/store.Save after teardown completes.
func (r *Room) teardown(ctx context.Context) {
	telemetry.HubConnectionsActive.Sub(float64(len(r.connections)))
	for _, c := range r.connections {
		c.Send(OutboundFrame{Type: OutboundError, Payload: map[string]string{"message": "workspace deleted"}})
		c.Close()
	}
	r.connections = make(map[string]*Connection)
}

func (r *Room) dispatch(ctx context.Context, conn *Connection, frame InboundFrame) {
	member, isMember := r.memberOf(conn)
	if !isMember {
		conn.Send(OutboundFrame{Type: OutboundError, Payload: map[string]string{"message": "not a workspace member"}})
		return
	}

	switch frame.Type {
	case InboundPing:
		conn.Send(OutboundFrame{Type: OutboundPong})
	case InboundCursorMove:
		r.handleCursorMove(conn, frame)
	case InboundSelectionChange:
		r.handleSelectionChange(conn, frame, member)
	case InboundPipelineUpdate, InboundStateUpdate:
		r.handleStateUpdate(ctx, conn, frame, member)
	case InboundSyncRequest:
		r.handleSyncRequest(ctx, conn, frame)
	default:
		conn.Send(OutboundFrame{Type: OutboundError, Payload: map[string]string{"message": "unrecognized frame type"}})
	}
}

func (r *Room) memberOf(conn *Connection) (workspace.MemberRole, bool) {
	m, err := r.workspaceSvc.RequireMembership(context.Background(), r.WorkspaceID, conn.UserID)
	if err != nil {
		return "", false
	}
	return m.Role, true
}

func canMutate(role workspace.MemberRole) bool {
	return role == workspace.RoleOwner || role == workspace.RoleEditor
}

func (r *Room) handleCursorMove(conn *Connection, frame InboundFrame) {
	var data cursorMoveData
	if err := json.Unmarshal(frame.Payload, &data); err != nil {
		return
	}
	member, emit := r.presence.UpdateCursor(conn.ID, presence.Cursor{X: data.X, Y: data.Y}, time.Now())
	if member != nil && emit {
		r.broadcastExcept(conn.ID, OutboundFrame{Type: OutboundCursorUpdated, Payload: member})
	}
}

func (r *Room) handleSelectionChange(conn *Connection, frame InboundFrame, role workspace.MemberRole) {
	var data selectionChangeData
	if err := json.Unmarshal(frame.Payload, &data); err != nil {
		return
	}
	member, emit := r.presence.UpdateSelection(conn.ID, data.Selection, time.Now())
	if member != nil && emit {
		r.broadcastExcept(conn.ID, OutboundFrame{Type: OutboundSelectionUpdated, Payload: member})
	}
}

func (r *Room) handleStateUpdate(ctx context.Context, conn *Connection, frame InboundFrame, role workspace.MemberRole) {
	if !canMutate(role) {
		conn.Send(OutboundFrame{Type: OutboundError, Payload: map[string]string{"message": "viewers may not mutate shared state"}})
		return
	}

	var data pipelineUpdateData
	if err := json.Unmarshal(frame.Payload, &data); err != nil {
		return
	}

	update, accepted, err := r.engine.ApplyUpdate(ctx, r.WorkspaceID, conn.UserID, data.Key, data.Value, data.ClientTS)
	if err != nil {
		r.logger.Error("applying crdt update", "error", err)
		return
	}
	if !accepted {
		// Lost the LWW compare: silently dropped, required for convergence.
		return
	}

	outboundType := OutboundStateUpdated
	if frame.Type == InboundPipelineUpdate {
		outboundType = OutboundPipelineUpdated
	}
	r.broadcastAll(OutboundFrame{Type: outboundType, Payload: update})
}

func (r *Room) handleSyncRequest(ctx context.Context, conn *Connection, frame InboundFrame) {
	var data syncRequestData
	if err := json.Unmarshal(frame.Payload, &data); err != nil {
		return
	}

	result, err := r.engine.Sync(ctx, r.WorkspaceID, data.SinceVersion)
	if err != nil {
		r.logger.Error("loading crdt doc for sync_request", "error", err)
		return
	}

	if result.FullSnapshot && result.Snapshot != nil {
		conn.Send(OutboundFrame{
			Type: OutboundFullSnapshot,
			Payload: crdtSnapshotPayload{
				Fields:  toRawFields(result.Snapshot.Fields),
				Version: result.Snapshot.Version,
			},
		})
		return
	}
	conn.Send(OutboundFrame{Type: OutboundStateUpdated, Payload: result.Updates})
}

// drain flushes any coalesced cursor/selection updates whose rate window
// has reopened, coalescing by dropping all but the most recent
// pending event per key.
func (r *Room) drain(now time.Time) {
	for _, m := range r.presence.Drain(now) {
		member := m
		var outType OutboundKind
		if member.Selection != nil {
			outType = OutboundSelectionUpdated
		} else {
			outType = OutboundCursorUpdated
		}
		r.broadcastExcept(member.ConnID, OutboundFrame{Type: outType, Payload: member})
	}
}

// broadcastAll fans a frame out to every connection through send, which
// applies the backpressure policy.
func (r *Room) broadcastAll(frame OutboundFrame) {
	for _, c := range r.connections {
		r.send(c, frame)
	}
}

func (r *Room) broadcastExcept(exceptConnID string, frame OutboundFrame) {
	for id, c := range r.connections {
		if id == exceptConnID {
			continue
		}
		r.send(c, frame)
	}
}

// send delivers frame to c. cursor_updated frames go through the
// connection's per-sender latest-wins slot, so a backed-up consumer only
// ever loses stale cursor positions — never a state or membership frame —
// and one sender's pending cursor can only be superseded by that same
// sender. Everything else uses the bounded outbound queue; overflowing it
// closes the connection with SlowConsumer.
func (r *Room) send(c *Connection, frame OutboundFrame) {
	if frame.Type == OutboundCursorUpdated {
		if senderID := cursorSenderID(frame); senderID != "" {
			c.SendCursor(senderID, frame)
			return
		}
	}

	if !c.Send(frame) {
		return
	}
	telemetry.HubSlowConsumerDisconnectsTotal.Inc()
	r.logger.Warn("slow consumer, closing connection", "conn_id", c.ID, "user_id", c.UserID)
	c.Send(OutboundFrame{Type: OutboundError, Payload: map[string]string{"code": "slow_consumer", "message": "connection fell too far behind and was closed"}})
	c.Close()
}

// cursorSenderID extracts the originating connection id from a
// cursor_updated payload (always a presence member).
func cursorSenderID(frame OutboundFrame) string {
	switch m := frame.Payload.(type) {
	case *presence.Member:
		return m.ConnID
	case presence.Member:
		return m.ConnID
	default:
		return ""
	}
}

// crdtSnapshotPayload is the payload of a full_snapshot outbound frame.
type crdtSnapshotPayload struct {
	Fields  map[string]json.RawMessage `json:"fields"`
	Version int64                      `json:"version"`
}

func toRawFields(fields map[string][]byte) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}
