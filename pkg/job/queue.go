package job

import (
	"container/heap"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/omniscope/controlplane/pkg/resourceledger"
)

// fitResult classifies why TryDispatch's head-of-bucket probe did or did
// not admit a job. A bucket is never reordered except to skip a head
// blocked on a transient worker-affinity failure.
type fitResult int

const (
	fitOK fitResult = iota
	fitNoCapacity
	fitAffinityBlocked
)

// entry is one queued job plus the heap bookkeeping for its bucket.
type entry struct {
	job   *Job
	index int // heap index, maintained by container/heap
}

// bucket is a FIFO-within-priority min-heap ordered by created_at, one per
// Priority level: the multi-heap is indexed primarily by priority and
// secondarily by created_at.
type bucket []*entry

func (b bucket) Len() int { return len(b) }
func (b bucket) Less(i, j int) bool {
	return b[i].job.CreatedAt.Before(b[j].job.CreatedAt)
}
func (b bucket) Swap(i, j int) {
	b[i], b[j] = b[j], b[i]
	b[i].index, b[j].index = i, j
}
func (b *bucket) Push(x any) {
	e := x.(*entry)
	e.index = len(*b)
	*b = append(*b, e)
}
func (b *bucket) Pop() any {
	old := *b
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*b = old[:n-1]
	return e
}

// AffinityFitter decides whether a job with the given affinity class and
// reservation currently has a worker available to run it, distinct from
// whether the ledger has raw capacity. Satisfied by *resourceledger.Ledger
// in production; narrowed to an interface so the queue doesn't import more
// of resourceledger than it needs.
type AffinityFitter interface {
	TryAdmit(r resourceledger.Reservation) bool
	PickWorker(jobID, class string) (string, bool)
}

// Queue is the in-memory priority queue driving dispatch decisions; the
// Jobs table (via Store) remains the durable source of truth so a restart
// replays Pending/Queued rows back into a fresh Queue; every enqueue and
// dequeue is reflected there.
type Queue struct {
	mu      sync.Mutex
	buckets map[Priority]*bucket

	starvationThreshold time.Duration
	now                 func() time.Time
}

// NewQueue creates an empty Queue. starvationThreshold is the wait
// duration after which a bucket's head becomes a blocker
// (default 5 min via config `starvation_threshold`).
func NewQueue(starvationThreshold time.Duration) *Queue {
	q := &Queue{
		buckets:             make(map[Priority]*bucket),
		starvationThreshold: starvationThreshold,
		now:                 time.Now,
	}
	for _, p := range priorityLevels {
		b := &bucket{}
		heap.Init(b)
		q.buckets[p] = b
	}
	return q
}

// Enqueue admits j into its priority bucket. Callers transition the job to
// Queued in the Store before calling this so the durable state and the
// in-memory queue never disagree about which jobs are pending dispatch.
func (q *Queue) Enqueue(j *Job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if j.WaitSince.IsZero() {
		j.WaitSince = q.now()
	}
	heap.Push(q.buckets[j.Priority], &entry{job: j})
}

// Remove drops job id from its bucket if present, used by cancel on a job
// that is still Pending/Queued and never reached a worker.
func (q *Queue) Remove(id uuid.UUID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, b := range q.buckets {
		for i, e := range *b {
			if e.job.ID == id {
				heap.Remove(b, i)
				return true
			}
		}
	}
	return false
}

// Has reports whether id is currently queued, used by the runner's
// reconcile pass to avoid double-enqueuing durable rows it already holds.
func (q *Queue) Has(id uuid.UUID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, b := range q.buckets {
		for _, e := range *b {
			if e.job.ID == id {
				return true
			}
		}
	}
	return false
}

// Depth returns the current queue depth per priority level, used for the
// queue-status operation and ClusterMetricSample.QueueDepthByPrio.
func (q *Queue) Depth() map[string]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	depths := make(map[string]int, len(q.buckets))
	for p, b := range q.buckets {
		depths[string(p)] = b.Len()
	}
	return depths
}

// TryDispatch runs one pass of the admission algorithm:
// highest priority bucket first, inspecting only each bucket's head;
// admits and returns the first job that fits, skipping (without
// reordering) a head blocked purely on worker affinity. If a head has
// waited past the starvation threshold and still does not fit, it becomes
// a blocker and the scan halts — no lower-priority bucket is serviced
// until that job is dispatched or cancelled.
func (q *Queue) TryDispatch(ledger AffinityFitter) *Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, p := range priorityLevels {
		b := q.buckets[p]
		job, ok := q.tryDispatchBucket(b, ledger)
		if ok {
			return job
		}
		if job != nil {
			// The bucket's capacity-blocked head has aged into a blocker;
			// halt the whole scan rather than servicing a lower bucket.
			return nil
		}
		// Bucket was empty or every head was only affinity-blocked; continue.
	}
	return nil
}

// tryDispatchBucket probes b's head-first entries for a fit, skipping
// affinity-blocked heads without reordering the heap. It returns
// (job, true) on a dispatch, (blockerJob, false) when the bucket's
// capacity-blocked head has become a starvation blocker, or (nil, false)
// otherwise.
func (q *Queue) tryDispatchBucket(b *bucket, ledger AffinityFitter) (*Job, bool) {
	// Scan in heap order (not heap.Pop order) so a skip doesn't disturb
	// the FIFO ordering of the jobs behind it; we still only ever remove
	// via heap.Remove to keep the underlying slice/heap invariant intact.
	ordered := make([]*entry, len(*b))
	copy(ordered, *b)
	sortByCreatedAt(ordered)

	for _, e := range ordered {
		fit := q.probeFit(e.job, ledger)
		switch fit {
		case fitOK:
			heap.Remove(b, e.index)
			e.job.WaitSince = time.Time{}
			return e.job, true
		case fitAffinityBlocked:
			continue
		case fitNoCapacity:
			if q.now().Sub(e.job.WaitSince) > q.starvationThreshold {
				return e.job, false
			}
			// Not yet a blocker: this bucket yields to the next priority
			// level for this pass, but the job stays queued.
			return nil, false
		}
	}
	return nil, false
}

func (q *Queue) probeFit(j *Job, ledger AffinityFitter) fitResult {
	if j.AffinityClass != "" {
		if _, ok := ledger.PickWorker(j.ID.String(), j.AffinityClass); !ok {
			return fitAffinityBlocked
		}
	}
	if ledger.TryAdmit(j.Reservation) {
		return fitOK
	}
	return fitNoCapacity
}

func sortByCreatedAt(entries []*entry) {
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && entries[j].job.CreatedAt.Before(entries[j-1].job.CreatedAt); j-- {
			entries[j], entries[j-1] = entries[j-1], entries[j]
		}
	}
}
