// Package hub implements the collaboration session hub: a
// per-workspace Room actor that owns that workspace's presence roster and
// CRDT document, fed by one serial executor so CRDT merges and presence
// mutations never need fine-grained locking. Connections carry a bounded
// outbound buffer and are disconnected with SlowConsumer when a slow
// client can't keep up even after coalescing.
package hub

import (
	"encoding/json"

	"github.com/google/uuid"
)

// InboundKind enumerates the event types a client may send.
type InboundKind string

const (
	InboundAuth            InboundKind = "auth"
	InboundJoin            InboundKind = "join"
	InboundLeave           InboundKind = "leave"
	InboundCursorMove      InboundKind = "cursor_move"
	InboundSelectionChange InboundKind = "selection_change"
	InboundPipelineUpdate  InboundKind = "pipeline_update"
	InboundStateUpdate     InboundKind = "state_update"
	InboundSyncRequest     InboundKind = "sync_request"
	InboundPing            InboundKind = "ping"
)

// OutboundKind enumerates the event types broadcast to room peers.
type OutboundKind string

const (
	OutboundAuthOK           OutboundKind = "auth_ok"
	OutboundUserJoined       OutboundKind = "user_joined"
	OutboundUserLeft         OutboundKind = "user_left"
	OutboundPresenceList     OutboundKind = "presence_list"
	OutboundCursorUpdated    OutboundKind = "cursor_updated"
	OutboundSelectionUpdated OutboundKind = "selection_updated"
	OutboundStateUpdated     OutboundKind = "state_updated"
	OutboundPipelineUpdated  OutboundKind = "pipeline_updated"
	OutboundFullSnapshot     OutboundKind = "full_snapshot"
	OutboundPong             OutboundKind = "pong"
	OutboundJobProgress      OutboundKind = "job_progress"
	OutboundError            OutboundKind = "error"
)

// InboundFrame is the wire envelope for a client-originated event: every frame
// has {type, seq?, payload}.
type InboundFrame struct {
	Type    InboundKind     `json:"type"`
	Seq     int64           `json:"seq,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// OutboundFrame is the wire envelope for a server-originated event.
type OutboundFrame struct {
	Type    OutboundKind `json:"type"`
	Seq     int64        `json:"seq,omitempty"`
	Payload any          `json:"payload"`
}

// authData is the payload of the mandatory first client frame; the
// server closes unauthenticated connections after a timeout.
type authData struct {
	AccessToken string    `json:"access_token"`
	WorkspaceID uuid.UUID `json:"workspace_id"`
}

// jobProgressData is the payload of an OutboundJobProgress frame, fanned
// out by pkg/jobrunner via the Notifier interface, fanning
// progress out to the job's owner workspace.
type jobProgressData struct {
	JobID    uuid.UUID `json:"job_id"`
	Progress float64   `json:"progress"`
	State    string    `json:"state"`
}

// cursorMoveData is the payload of an InboundCursorMove frame.
type cursorMoveData struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// pipelineUpdateData is the payload of an InboundPipelineUpdate /
// InboundStateUpdate frame: an arbitrary CRDT key write.
type pipelineUpdateData struct {
	Key      string          `json:"key"`
	Value    json.RawMessage `json:"value"`
	ClientTS int64           `json:"client_ts"`
}

// syncRequestData is the payload of an InboundSyncRequest frame.
type syncRequestData struct {
	SinceVersion int64 `json:"since_version"`
}

// selectionChangeData is the payload of an InboundSelectionChange frame.
type selectionChangeData struct {
	Selection any `json:"selection"`
}

// userEventData describes a join/leave for user_joined / user_left.
type userEventData struct {
	UserID uuid.UUID `json:"user_id"`
	Color  string    `json:"color,omitempty"`
}
