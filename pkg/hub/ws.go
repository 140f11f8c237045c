package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/omniscope/controlplane/internal/apperr"
	"github.com/omniscope/controlplane/pkg/auth"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Origin checking is delegated to the gateway's CORS policy, which
	// already governs every other endpoint on this listener.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ServeWS upgrades the HTTP request to a long-lived bidirectional stream
// and enforces the handshake contract: the first client frame must be
// auth; the connection is closed after a configurable timeout (default
// 10s) if still unauthenticated.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	userID, workspaceID, err := h.awaitAuth(conn)
	if err != nil {
		h.logger.Debug("hub handshake rejected", "error", err)
		_ = conn.WriteMessage(websocket.TextMessage, mustMarshal(OutboundFrame{
			Type:    OutboundError,
			Payload: map[string]string{"code": "auth_required", "message": err.Error()},
		}))
		_ = conn.Close()
		return
	}

	c := h.join(r.Context(), conn, workspaceID, userID)
	_ = c.Send(OutboundFrame{Type: OutboundAuthOK, Payload: userEventData{UserID: userID}})
	c.readPump()
}

// awaitAuth reads exactly one frame within h.cfg.AuthTimeout, requiring it
// to be an InboundAuth frame with a valid access token bound to a
// workspace the caller belongs to.
func (h *Hub) awaitAuth(conn *websocket.Conn) (userID, workspaceID uuid.UUID, err error) {
	_ = conn.SetReadDeadline(time.Now().Add(h.cfg.AuthTimeout))
	defer conn.SetReadDeadline(time.Time{})

	_, raw, err := conn.ReadMessage()
	if err != nil {
		return uuid.Nil, uuid.Nil, apperr.New(apperr.AuthRequired, "timed out waiting for auth frame")
	}

	var frame InboundFrame
	if jsonErr := json.Unmarshal(raw, &frame); jsonErr != nil || frame.Type != InboundAuth {
		return uuid.Nil, uuid.Nil, apperr.New(apperr.Invalid, "first frame must be type=auth")
	}

	var data authData
	if jsonErr := json.Unmarshal(frame.Payload, &data); jsonErr != nil {
		return uuid.Nil, uuid.Nil, apperr.New(apperr.Invalid, "malformed auth payload")
	}

	// Either a general access token or a dedicated ws_hub token is accepted.
	claims, err := h.signer.Validate(data.AccessToken, "")
	if err != nil {
		return uuid.Nil, uuid.Nil, apperr.Wrap(apperr.AuthInvalid, "invalid access token", err)
	}
	if claims.Purpose != auth.PurposeAccess && claims.Purpose != auth.PurposeWSHub {
		return uuid.Nil, uuid.Nil, apperr.New(apperr.AuthInvalid, "invalid access token")
	}

	uid, err := uuid.Parse(claims.UserID)
	if err != nil {
		return uuid.Nil, uuid.Nil, apperr.New(apperr.AuthInvalid, "invalid access token")
	}

	if _, err := h.workspaceSvc.RequireMembership(context.Background(), data.WorkspaceID, uid); err != nil {
		return uuid.Nil, uuid.Nil, apperr.New(apperr.PermissionDenied, "not a member of this workspace")
	}

	return uid, data.WorkspaceID, nil
}

func mustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte(`{"type":"error","payload":{"message":"internal error"}}`)
	}
	return b
}
