package crdt

import (
	"time"

	"github.com/google/uuid"
)

// defaultHistoryCapacity bounds the ring buffer of accepted updates kept
// for incremental sync_request before a client is told to take a full
// snapshot instead.
const defaultHistoryCapacity = 512

// Doc is one workspace's collaborative field map.
type Doc struct {
	WorkspaceID uuid.UUID

	fields  map[string]entry
	history []Update // ring buffer, oldest first, capped at cap
	cap     int
	counter int64
	dirty   bool
}

// NewDoc creates an empty Doc for workspaceID.
func NewDoc(workspaceID uuid.UUID) *Doc {
	return &Doc{
		WorkspaceID: workspaceID,
		fields:      make(map[string]entry),
		cap:         defaultHistoryCapacity,
	}
}

// ApplyUpdate advances the logical clock and applies key=value if the
// resulting Lamport timestamp wins against the key's current holder
// . Rejected updates are silently dropped — no error. Accepted updates are
// idempotent and commute: replaying the same set of accepted updates in
// any order converges to the same map.
func (d *Doc) ApplyUpdate(originUserID uuid.UUID, key string, value []byte, clientTS int64, now time.Time) (Update, bool) {
	if clientTS > d.counter {
		d.counter = clientTS
	}
	d.counter++

	candidate := LamportTS{Counter: d.counter, OriginUserID: originUserID}
	current, exists := d.fields[key]
	if exists && !candidate.wins(current.ts) {
		return Update{}, false
	}

	d.fields[key] = entry{value: value, ts: candidate}
	d.dirty = true

	u := Update{Key: key, Value: value, TS: candidate, AppliedAt: now}
	d.appendHistory(u)
	return u, true
}

func (d *Doc) appendHistory(u Update) {
	d.history = append(d.history, u)
	if len(d.history) > d.cap {
		d.history = d.history[len(d.history)-d.cap:]
	}
}

// Version is the highest Lamport counter seen so far, used as the cursor
// for sync_request.
func (d *Doc) Version() int64 { return d.counter }

// SyncRequest returns every accepted update with counter > sinceVersion.
// If the gap exceeds the history ring's capacity, fullSnapshot is true and
// updates is nil — the caller must fall back to Snapshot() instead
// .
func (d *Doc) SyncRequest(sinceVersion int64) (updates []Update, fullSnapshot bool) {
	if len(d.history) == 0 {
		if sinceVersion < d.counter {
			return nil, true
		}
		return nil, false
	}

	oldestAvailable := d.history[0].TS.Counter
	if sinceVersion < oldestAvailable-1 {
		return nil, true
	}

	out := make([]Update, 0, len(d.history))
	for _, u := range d.history {
		if u.TS.Counter > sinceVersion {
			out = append(out, u)
		}
	}
	return out, false
}

// Dirty reports whether fields have changed since the last persist tick.
func (d *Doc) Dirty() bool { return d.dirty }

// ClearDirty marks the Doc as persisted.
func (d *Doc) ClearDirty() { d.dirty = false }

// Fields returns a defensive copy of the current key/value map, for
// snapshot persistence.
func (d *Doc) Fields() map[string][]byte {
	out := make(map[string][]byte, len(d.fields))
	for k, e := range d.fields {
		out[k] = e.value
	}
	return out
}

// Snapshot captures the full state and version for explicit snapshot()
// .
type Snapshot struct {
	WorkspaceID uuid.UUID         `json:"workspace_id"`
	Fields      map[string][]byte `json:"fields"`
	Version     int64             `json:"version"`
}

// Snapshot returns the current full state.
func (d *Doc) Snapshot() Snapshot {
	return Snapshot{WorkspaceID: d.WorkspaceID, Fields: d.Fields(), Version: d.counter}
}

// Restore replaces the Doc's state from a previously captured snapshot,
// advancing the counter beyond the highest seen so subsequent updates
// never collide with restored values. Returns synthetic state_updated
// events for every restored key, attributed to originUserID (the actor
// who invoked restore).
func (d *Doc) Restore(snap Snapshot, originUserID uuid.UUID, now time.Time) []Update {
	d.fields = make(map[string]entry, len(snap.Fields))
	d.history = nil
	if snap.Version > d.counter {
		d.counter = snap.Version
	}
	d.counter++

	updates := make([]Update, 0, len(snap.Fields))
	for k, v := range snap.Fields {
		ts := LamportTS{Counter: d.counter, OriginUserID: originUserID}
		d.fields[k] = entry{value: v, ts: ts}
		u := Update{Key: k, Value: v, TS: ts, AppliedAt: now}
		d.appendHistory(u)
		updates = append(updates, u)
	}
	d.dirty = true
	return updates
}
