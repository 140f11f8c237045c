package crdt

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Broadcaster fans restore-generated state_updated events out to the
// workspace's live room, if one exists. Satisfied by *pkg/hub.Hub and set
// once at wiring time; nil means no live fan-out (worker mode, tests).
type Broadcaster interface {
	BroadcastStateUpdates(workspaceID uuid.UUID, updates []Update)
}

// SetBroadcaster attaches the hub-side fan-out. Call before Run.
func (e *Engine) SetBroadcaster(b Broadcaster) { e.broadcast = b }

// State returns the full current field map and version for workspaceID
// .
func (e *Engine) State(ctx context.Context, workspaceID uuid.UUID) (Snapshot, error) {
	doc, err := e.GetOrLoad(ctx, workspaceID)
	if err != nil {
		return Snapshot{}, err
	}
	e.opMu.Lock()
	defer e.opMu.Unlock()
	return doc.Snapshot(), nil
}

// SyncResult is what Sync hands back: either the incremental updates since
// the caller's version, or a full snapshot when the gap exceeds the
// history ring.
type SyncResult struct {
	Updates      []Update  `json:"updates,omitempty"`
	FullSnapshot bool      `json:"full_snapshot"`
	Snapshot     *Snapshot `json:"snapshot,omitempty"`
}

// Sync answers a sync_request against workspaceID's doc.
func (e *Engine) Sync(ctx context.Context, workspaceID uuid.UUID, sinceVersion int64) (SyncResult, error) {
	doc, err := e.GetOrLoad(ctx, workspaceID)
	if err != nil {
		return SyncResult{}, err
	}
	e.opMu.Lock()
	defer e.opMu.Unlock()

	updates, full := doc.SyncRequest(sinceVersion)
	if full {
		snap := doc.Snapshot()
		return SyncResult{FullSnapshot: true, Snapshot: &snap}, nil
	}
	return SyncResult{Updates: updates}, nil
}

// Persist writes workspaceID's current state durably right now, outside
// the 5s tick, without dropping the doc from memory.
func (e *Engine) Persist(ctx context.Context, workspaceID uuid.UUID) error {
	doc, err := e.GetOrLoad(ctx, workspaceID)
	if err != nil {
		return err
	}
	e.opMu.Lock()
	snap := doc.Snapshot()
	e.opMu.Unlock()

	if err := e.store.Save(ctx, snap); err != nil {
		return fmt.Errorf("persisting crdt state: %w", err)
	}

	e.opMu.Lock()
	if doc.Version() == snap.Version {
		doc.ClearDirty()
	}
	e.opMu.Unlock()
	return nil
}

// TakeSnapshot captures an explicit, named snapshot of the workspace's
// current state.
func (e *Engine) TakeSnapshot(ctx context.Context, workspaceID, actorID uuid.UUID, label string) (*SnapshotRecord, error) {
	snap, err := e.State(ctx, workspaceID)
	if err != nil {
		return nil, err
	}

	rec := SnapshotRecord{
		ID:          uuid.New(),
		WorkspaceID: workspaceID,
		Label:       label,
		Fields:      snap.Fields,
		Version:     snap.Version,
		CreatedBy:   actorID,
		CreatedAt:   time.Now(),
	}
	if err := e.store.InsertSnapshot(ctx, rec); err != nil {
		return nil, fmt.Errorf("saving snapshot: %w", err)
	}
	return &rec, nil
}

// ListSnapshots returns the explicit snapshots taken for workspaceID,
// newest first.
func (e *Engine) ListSnapshots(ctx context.Context, workspaceID uuid.UUID) ([]SnapshotRecord, error) {
	return e.store.ListSnapshots(ctx, workspaceID)
}

// RestoreSnapshot replaces the workspace's live state with a previously
// captured snapshot, advancing the counter beyond the highest seen so
// post-restore writes can never lose to stale restored values. The
// synthetic state_updated events are persisted, then fanned out through
// the broadcaster so every live room member re-renders.
func (e *Engine) RestoreSnapshot(ctx context.Context, workspaceID, snapshotID, actorID uuid.UUID) ([]Update, error) {
	rec, err := e.store.GetSnapshot(ctx, snapshotID)
	if err != nil {
		return nil, err
	}
	if rec.WorkspaceID != workspaceID {
		return nil, ErrNotFound
	}

	doc, err := e.GetOrLoad(ctx, workspaceID)
	if err != nil {
		return nil, err
	}

	e.opMu.Lock()
	updates := doc.Restore(Snapshot{WorkspaceID: workspaceID, Fields: rec.Fields, Version: rec.Version}, actorID, time.Now())
	snap := doc.Snapshot()
	e.opMu.Unlock()

	if err := e.store.Save(ctx, snap); err != nil {
		return nil, fmt.Errorf("persisting restored state: %w", err)
	}
	// The replay log predates the restore; replaying it over the restored
	// snapshot would resurrect overwritten keys.
	if e.rdb != nil {
		if err := e.rdb.Del(ctx, replayKey(workspaceID)).Err(); err != nil {
			e.logger.Warn("clearing crdt replay log after restore", "workspace_id", workspaceID, "error", err)
		}
	}

	if e.broadcast != nil {
		e.broadcast.BroadcastStateUpdates(workspaceID, updates)
	}
	return updates, nil
}
