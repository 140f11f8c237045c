// Package presence implements the per-workspace presence roster: live
// status, cursor, selection and color assignment for every
// connected member. State is ephemeral and never survives a durable-store
// restart; it is owned by a workspace room's single serial executor, so
// the Tracker in this package does no internal locking of its own — see
// pkg/hub.Room for the executor that guarantees single-threaded access.
package presence

import (
	"time"

	"github.com/google/uuid"
)

// Status is a member's derived activity state, recomputed on every tick.
type Status string

const (
	StatusOnline Status = "online"
	StatusIdle   Status = "idle"
	StatusAway   Status = "away"
)

const (
	idleAfter   = time.Minute
	awayAfter   = 5 * time.Minute
	evictAfter  = 30 * time.Minute
	tickPeriod  = 10 * time.Second
	rateLimitHz = 30
)

// Cursor is a 2D pointer position within a workspace's shared canvas.
type Cursor struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Member is one user's live presence row within a workspace.
type Member struct {
	UserID       uuid.UUID `json:"user_id"`
	ConnID       string    `json:"conn_id"`
	Color        string    `json:"color"`
	Status       Status    `json:"status"`
	Cursor       *Cursor   `json:"cursor,omitempty"`
	Selection    any       `json:"selection,omitempty"`
	LastActivity time.Time `json:"last_activity"`
}
