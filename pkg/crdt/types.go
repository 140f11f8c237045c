// Package crdt implements the collaboration hub's per-workspace CRDT
// engine: a flat last-writer-wins map keyed by Lamport
// timestamp, with a bounded history ring for incremental sync and
// periodic durable persistence. A Doc does no internal locking of its
// own; Engine serializes every operation on it under opMu.
package crdt

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// LamportTS is the accepted value's logical clock: a monotonically
// advancing counter; the higher counter wins and ties break toward the
// lexicographically greater origin user.
type LamportTS struct {
	Counter      int64     `json:"counter"`
	OriginUserID uuid.UUID `json:"origin_user_id"`
}

// wins reports whether ts should overwrite existing under the
// tie-break rule.
func (ts LamportTS) wins(existing LamportTS) bool {
	if ts.Counter != existing.Counter {
		return ts.Counter > existing.Counter
	}
	return ts.OriginUserID.String() >= existing.OriginUserID.String()
}

// Update is one accepted mutation to a single key, as recorded in the
// history ring and broadcast as state_updated.
type Update struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	TS        LamportTS       `json:"ts"`
	AppliedAt time.Time       `json:"applied_at"`
}

type entry struct {
	value json.RawMessage
	ts    LamportTS
}
