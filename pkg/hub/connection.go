package hub

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait     = 10 * time.Second
	pongWait      = 60 * time.Second
	pingInterval  = (pongWait * 9) / 10
	maxFrameBytes = 64 * 1024
)

// Conn is the transport-level read/write surface a Connection drives. It is
// satisfied by *websocket.Conn; tests substitute a fake.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Connection is one authenticated client's bidirectional stream, bound to
// exactly one Room. Its outbound queue is bounded; cursor_updated frames
// bypass it through a per-sender latest-wins buffer, and a connection whose
// queue overflows is closed with SlowConsumer.
type Connection struct {
	ID          string
	UserID      uuid.UUID
	WorkspaceID uuid.UUID

	conn   Conn
	room   *Room
	logger *slog.Logger

	outbound chan OutboundFrame
	cursors  *cursorBuffer
	closed   chan struct{}
}

func newConnection(conn Conn, room *Room, userID uuid.UUID, bufferSize int, logger *slog.Logger) *Connection {
	return &Connection{
		ID:          uuid.NewString(),
		UserID:      userID,
		WorkspaceID: room.WorkspaceID,
		conn:        conn,
		room:        room,
		logger:      logger,
		outbound:    make(chan OutboundFrame, bufferSize),
		cursors:     newCursorBuffer(),
		closed:      make(chan struct{}),
	}
}

// cursorBuffer holds the latest pending cursor_updated frame per sender,
// overwriting in place. Cursor traffic never competes with the shared
// outbound queue, so a flooded connection only ever loses stale cursor
// positions — a later frame from the same sender supersedes an undelivered
// one — and frames from distinct senders are never dropped in favor of
// each other, only superseded by that same sender.
type cursorBuffer struct {
	mu      sync.Mutex
	pending map[string]OutboundFrame // keyed by sender conn id
	order   []string                 // senders with a pending frame, arrival order
	notify  chan struct{}
}

func newCursorBuffer() *cursorBuffer {
	return &cursorBuffer{
		pending: make(map[string]OutboundFrame),
		notify:  make(chan struct{}, 1),
	}
}

func (b *cursorBuffer) put(senderID string, frame OutboundFrame) {
	b.mu.Lock()
	if _, ok := b.pending[senderID]; !ok {
		b.order = append(b.order, senderID)
	}
	b.pending[senderID] = frame
	b.mu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// take pops the oldest pending frame, reporting ok=false when empty.
func (b *cursorBuffer) take() (OutboundFrame, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.order) == 0 {
		return OutboundFrame{}, false
	}
	senderID := b.order[0]
	b.order = b.order[1:]
	frame := b.pending[senderID]
	delete(b.pending, senderID)
	return frame, true
}

// SendCursor queues a cursor_updated frame from senderID, replacing any
// frame from the same sender still awaiting delivery.
func (c *Connection) SendCursor(senderID string, frame OutboundFrame) {
	c.cursors.put(senderID, frame)
}

// Send enqueues a frame for delivery to this connection. It never blocks:
// on a full buffer it reports overflow so the caller (always the room's
// serial executor) can close the connection with SlowConsumer.
func (c *Connection) Send(frame OutboundFrame) (overflowed bool) {
	select {
	case c.outbound <- frame:
		return false
	default:
		return true
	}
}

// Close terminates the connection's writer/reader pumps exactly once.
func (c *Connection) Close() {
	select {
	case <-c.closed:
	default:
		close(c.closed)
		_ = c.conn.Close()
	}
}

// writePump drains the outbound buffer to the wire and sends periodic
// pings, closing the connection on any write error or idle timeout.
func (c *Connection) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-c.closed:
			return
		case frame, ok := <-c.outbound:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if !c.writeFrame(frame) {
				return
			}
		case <-c.cursors.notify:
			for {
				frame, ok := c.cursors.take()
				if !ok {
					break
				}
				_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				if !c.writeFrame(frame) {
					return
				}
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// writeFrame marshals and writes one frame, reporting false on a write
// error (the caller stops the pump).
func (c *Connection) writeFrame(frame OutboundFrame) bool {
	payload, err := json.Marshal(frame)
	if err != nil {
		c.logger.Error("marshaling outbound frame", "error", err, "type", frame.Type)
		return true
	}
	return c.conn.WriteMessage(websocket.TextMessage, payload) == nil
}

// readPump decodes inbound frames and hands them to the room's mailbox,
// enforcing the per-read idle timeout: an idle connection is ping-probed
// and closed if unresponsive.
func (c *Connection) readPump() {
	defer func() {
		c.room.enqueue(roomEvent{kind: eventLeave, conn: c})
		c.Close()
	}()

	c.conn.SetReadLimit(maxFrameBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var frame InboundFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			c.Send(OutboundFrame{Type: OutboundError, Payload: map[string]string{"message": "malformed frame"}})
			continue
		}
		c.room.enqueue(roomEvent{kind: eventInbound, conn: c, frame: frame})
	}
}
