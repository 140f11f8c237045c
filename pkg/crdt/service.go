package crdt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/omniscope/controlplane/internal/telemetry"
)

// persistInterval is the default persist-tick cadence: every 5s, dirty
// docs are written to the durable store.
const persistInterval = 5 * time.Second

// replayLogCapacity bounds the Redis crash-recovery replay log per
// workspace, mirroring the in-memory history ring's capacity.
const replayLogCapacity = defaultHistoryCapacity

func replayKey(workspaceID uuid.UUID) string {
	return fmt.Sprintf("crdt:replay:%s", workspaceID)
}

// Engine owns every live workspace Doc and periodically persists dirty
// ones from its Run(ctx) ticker loop.
type Engine struct {
	store     *Store
	rdb       *redis.Client
	logger    *slog.Logger
	broadcast Broadcaster

	mu   sync.Mutex // guards docs
	docs map[uuid.UUID]*Doc

	// opMu serializes every Doc read/mutation that enters through the
	// Engine. Rooms are each single-threaded, but the REST state surface
	// and the persist ticker run on their own goroutines, so the Engine
	// is the serialization point for doc access rather than the room.
	opMu sync.Mutex

	persistEvery time.Duration
	historyCap   int
}

// NewEngine wires an Engine with the default persist cadence and history
// capacity; Configure overrides them.
func NewEngine(pool *pgxpool.Pool, rdb *redis.Client, logger *slog.Logger) *Engine {
	return &Engine{
		store:        NewStore(pool),
		rdb:          rdb,
		logger:       logger,
		docs:         make(map[uuid.UUID]*Doc),
		persistEvery: persistInterval,
		historyCap:   defaultHistoryCapacity,
	}
}

// Configure overrides the persist-tick interval and per-doc history ring
// capacity. Call
// before Run; zero values keep the defaults.
func (e *Engine) Configure(persistEvery time.Duration, historyCapacity int) {
	if persistEvery > 0 {
		e.persistEvery = persistEvery
	}
	if historyCapacity > 0 {
		e.historyCap = historyCapacity
	}
}

// GetOrLoad returns the in-memory Doc for workspaceID, lazily reconstructing
// it on first access: load the last persisted snapshot, then replay any
// updates recorded in the Redis crash-recovery log with a counter beyond
// the snapshot's version, so a crash between persist ticks loses nothing
// the cache still holds.
func (e *Engine) GetOrLoad(ctx context.Context, workspaceID uuid.UUID) (*Doc, error) {
	e.mu.Lock()
	if doc, ok := e.docs[workspaceID]; ok {
		e.mu.Unlock()
		return doc, nil
	}
	e.mu.Unlock()

	doc := NewDoc(workspaceID)
	if e.historyCap > 0 {
		doc.cap = e.historyCap
	}

	snap, err := e.store.Load(ctx, workspaceID)
	switch {
	case err == nil:
		for k, v := range snap.Fields {
			doc.fields[k] = entry{value: v, ts: LamportTS{Counter: snap.Version}}
		}
		doc.counter = snap.Version
	case errors.Is(err, ErrNotFound):
		// Brand new workspace — nothing to load.
	default:
		return nil, fmt.Errorf("loading persisted snapshot: %w", err)
	}

	if e.rdb != nil {
		if err := e.replay(ctx, doc); err != nil {
			e.logger.Warn("replaying crdt update log", "workspace_id", workspaceID, "error", err)
		}
	}

	e.mu.Lock()
	if existing, ok := e.docs[workspaceID]; ok {
		// Another goroutine won the race to construct this Doc first.
		e.mu.Unlock()
		return existing, nil
	}
	e.docs[workspaceID] = doc
	e.mu.Unlock()
	return doc, nil
}

func (e *Engine) replay(ctx context.Context, doc *Doc) error {
	raw, err := e.rdb.LRange(ctx, replayKey(doc.WorkspaceID), 0, -1).Result()
	if err != nil {
		return err
	}
	for _, r := range raw {
		var u Update
		if err := json.Unmarshal([]byte(r), &u); err != nil {
			continue
		}
		if u.TS.Counter <= doc.counter {
			continue
		}
		doc.fields[u.Key] = entry{value: u.Value, ts: u.TS}
		doc.appendHistory(u)
		doc.counter = u.TS.Counter
	}
	return nil
}

// ApplyUpdate applies a client update to workspaceID's Doc and appends it
// to the crash-recovery replay log.
func (e *Engine) ApplyUpdate(ctx context.Context, workspaceID, originUserID uuid.UUID, key string, value []byte, clientTS int64) (Update, bool, error) {
	doc, err := e.GetOrLoad(ctx, workspaceID)
	if err != nil {
		return Update{}, false, err
	}

	e.opMu.Lock()
	u, accepted := doc.ApplyUpdate(originUserID, key, value, clientTS, time.Now())
	e.opMu.Unlock()
	if !accepted {
		telemetry.CRDTUpdatesDroppedTotal.Inc()
		return Update{}, false, nil
	}

	if e.rdb != nil {
		encoded, err := json.Marshal(u)
		if err == nil {
			pipe := e.rdb.Pipeline()
			pipe.RPush(ctx, replayKey(workspaceID), encoded)
			pipe.LTrim(ctx, replayKey(workspaceID), -replayLogCapacity, -1)
			if _, err := pipe.Exec(ctx); err != nil {
				e.logger.Warn("appending crdt replay log", "workspace_id", workspaceID, "error", err)
			}
		}
	}

	return u, true, nil
}

// PersistTick persists every dirty in-memory Doc. Call on a ticker from
// Run, or directly from tests.
func (e *Engine) PersistTick(ctx context.Context) {
	e.mu.Lock()
	docs := make([]*Doc, 0, len(e.docs))
	for _, doc := range e.docs {
		docs = append(docs, doc)
	}
	e.mu.Unlock()

	for _, doc := range docs {
		e.opMu.Lock()
		dirty := doc.Dirty()
		var snap Snapshot
		if dirty {
			snap = doc.Snapshot()
		}
		e.opMu.Unlock()
		if !dirty {
			continue
		}
		if err := e.store.Save(ctx, snap); err != nil {
			e.logger.Error("persisting crdt doc", "workspace_id", doc.WorkspaceID, "error", err)
			continue
		}
		e.opMu.Lock()
		if doc.Version() == snap.Version {
			doc.ClearDirty()
		}
		e.opMu.Unlock()
	}
}

// PersistWorkspace persists workspaceID's doc immediately, regardless of
// its dirty bit, and drops it from the in-memory set. Used by workspace
// teardown to write a final snapshot right before the row is deleted.
func (e *Engine) PersistWorkspace(ctx context.Context, workspaceID uuid.UUID) error {
	e.mu.Lock()
	doc, ok := e.docs[workspaceID]
	if ok {
		delete(e.docs, workspaceID)
	}
	e.mu.Unlock()
	if !ok {
		return nil
	}
	e.opMu.Lock()
	snap := doc.Snapshot()
	e.opMu.Unlock()
	return e.store.Save(ctx, snap)
}

// Run drives PersistTick on persistInterval until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("crdt engine started", "interval", e.persistEvery)
	ticker := time.NewTicker(e.persistEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("crdt engine stopped")
			return nil
		case <-ticker.C:
			e.PersistTick(ctx)
		}
	}
}
