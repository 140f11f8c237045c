package resourceledger

import (
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/dgryski/go-rendezvous"
	"go.uber.org/atomic"
)

// Ledger is the cluster's admission-control critical section. All state
// lives under mu, and every read and mutation takes it; version is an
// atomic counter bumped on every capacity change and reported by Totals.
type Ledger struct {
	mu sync.Mutex

	coresTotal  int32
	coresUsed   int32
	memoryTotal int64
	memoryUsed  int64

	workers     map[string]*Worker
	hash        *rendezvous.Rendezvous            // nil until at least one worker is registered; ring over all workers
	classHashes map[string]*rendezvous.Rendezvous // affinity_class -> ring over workers serving that class

	version atomic.Int64

	wake chan struct{} // closed and replaced whenever capacity may have changed
}

// NewLedger creates a Ledger with the given aggregate cluster capacity
// (config `worker_cores_total` / `worker_memory_total`).
func NewLedger(coresTotal int32, memoryTotal int64) *Ledger {
	return &Ledger{
		coresTotal:  coresTotal,
		memoryTotal: memoryTotal,
		workers:     make(map[string]*Worker),
		classHashes: make(map[string]*rendezvous.Rendezvous),
		wake:        make(chan struct{}),
	}
}

func hashString(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}

// Wake returns a channel that closes the next time the ledger's free
// capacity may have changed (an admit, a release, or a scale operation).
// The job runner's scheduler loop selects on it to avoid busy-polling.
func (l *Ledger) Wake() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.wake
}

func (l *Ledger) notifyLocked() {
	close(l.wake)
	l.wake = make(chan struct{})
}

// Totals returns a consistent snapshot of the ledger's current state.
func (l *Ledger) Totals() Totals {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.totalsLocked()
}

func (l *Ledger) totalsLocked() Totals {
	busy := 0
	for _, w := range l.workers {
		if w.Busy {
			busy++
		}
	}
	return Totals{
		WorkersTotal: len(l.workers),
		WorkersBusy:  busy,
		CoresTotal:   l.coresTotal,
		CoresUsed:    l.coresUsed,
		MemoryTotal:  l.memoryTotal,
		MemoryUsed:   l.memoryUsed,
		Version:      l.version.Load(),
	}
}

// TryAdmit reserves r against free capacity if it fits. Reports whether
// the reservation was granted.
func (l *Ledger) TryAdmit(r Reservation) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	free := Reservation{Cores: l.coresTotal - l.coresUsed, MemoryBytes: l.memoryTotal - l.memoryUsed}
	if !r.Fits(free) {
		return false
	}
	l.coresUsed += r.Cores
	l.memoryUsed += r.MemoryBytes
	l.version.Inc()
	l.notifyLocked()
	return true
}

// Release frees a reservation previously granted by TryAdmit, invoked on a
// job's Completed/Failed(terminal)/Cancelled transition.
func (l *Ledger) Release(r Reservation) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.coresUsed -= r.Cores
	if l.coresUsed < 0 {
		l.coresUsed = 0
	}
	l.memoryUsed -= r.MemoryBytes
	if l.memoryUsed < 0 {
		l.memoryUsed = 0
	}
	l.version.Inc()
	l.notifyLocked()
}

// Scale adjusts the cluster's total capacity atomically and wakes any
// scheduler waiting on Wake.
func (l *Ledger) Scale(coresTotal int32, memoryTotal int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.coresTotal = coresTotal
	l.memoryTotal = memoryTotal
	l.version.Inc()
	l.notifyLocked()
}

// RegisterWorker adds (or re-registers) a worker, optionally tagged with
// the affinity class(es) of job it serves (e.g. "gpu", "high_memory"), and rebuilds the
// rendezvous-hash rings used by PickWorker.
func (l *Ledger) RegisterWorker(id string, cores int32, memory int64, classes ...string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.workers[id] = &Worker{ID: id, CoresTotal: cores, MemoryTotal: memory, Classes: classes}
	l.rebuildHashLocked()
	l.notifyLocked()
}

// RemoveWorker deregisters a worker (permanent scale-down, not a transient
// heartbeat loss) and rebuilds the affinity hash ring.
func (l *Ledger) RemoveWorker(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.workers, id)
	l.rebuildHashLocked()
	l.notifyLocked()
}

func (l *Ledger) rebuildHashLocked() {
	if len(l.workers) == 0 {
		l.hash = nil
		l.classHashes = make(map[string]*rendezvous.Rendezvous)
		return
	}
	ids := make([]string, 0, len(l.workers))
	byClass := make(map[string][]string)
	for id, w := range l.workers {
		ids = append(ids, id)
		for _, c := range w.Classes {
			byClass[c] = append(byClass[c], id)
		}
	}
	sort.Strings(ids)
	l.hash = rendezvous.New(ids, hashString)

	classHashes := make(map[string]*rendezvous.Rendezvous, len(byClass))
	for class, members := range byClass {
		sort.Strings(members)
		classHashes[class] = rendezvous.New(members, hashString)
	}
	l.classHashes = classHashes
}

// SetWorkerBusy records whether worker id currently holds a dispatched job,
// feeding the workers_busy cluster metric.
func (l *Ledger) SetWorkerBusy(id string, busy bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if w, ok := l.workers[id]; ok {
		w.Busy = busy
	}
}

// Heartbeat records a liveness beat from worker id.
func (l *Ledger) Heartbeat(id string, now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if w, ok := l.workers[id]; ok {
		w.LastHeartbeat = now
	}
}

// PickWorker returns the worker affinity-hashed for jobID, so retries and
// checkpoint-resume dispatch prefer the same worker across
// attempts, which keeps checkpoint-resume cheap. When
// class is non-empty, the pick is restricted to workers registered for that
// affinity class (the GPU/high-memory pool enrichment); reports false if no
// worker is registered at all, or none serves the requested class.
func (l *Ledger) PickWorker(jobID, class string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if class == "" {
		if l.hash == nil {
			return "", false
		}
		return l.hash.Lookup(jobID), true
	}
	ring, ok := l.classHashes[class]
	if !ok {
		return "", false
	}
	return ring.Lookup(jobID), true
}

// WorkerAlive reports whether id is currently registered.
func (l *Ledger) WorkerAlive(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.workers[id]
	return ok
}

// StaleWorkers returns the IDs of registered workers whose last heartbeat
// is older than threshold; callers pass heartbeat_interval *
// missed_beats_allowed.
func (l *Ledger) StaleWorkers(threshold time.Duration) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	var stale []string
	for id, w := range l.workers {
		if w.LastHeartbeat.IsZero() {
			continue
		}
		if now.Sub(w.LastHeartbeat) > threshold {
			stale = append(stale, id)
		}
	}
	return stale
}
