package job

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/omniscope/controlplane/pkg/resourceledger"
)

// fakeFitter is an AffinityFitter with fixed free capacity and no
// affinity-class workers unless classes lists them.
type fakeFitter struct {
	free    resourceledger.Reservation
	classes map[string]bool
}

func (f *fakeFitter) TryAdmit(r resourceledger.Reservation) bool {
	if !r.Fits(f.free) {
		return false
	}
	f.free.Cores -= r.Cores
	f.free.MemoryBytes -= r.MemoryBytes
	return true
}

func (f *fakeFitter) PickWorker(jobID, class string) (string, bool) {
	if f.classes[class] {
		return "w-" + class, true
	}
	return "", false
}

func testJob(priority Priority, cores int32, createdAt time.Time) *Job {
	return &Job{
		ID:          uuid.New(),
		Type:        TypeStatisticalTest,
		Priority:    priority,
		State:       StateQueued,
		Reservation: resourceledger.Reservation{Cores: cores, MemoryBytes: 1 << 30},
		CreatedAt:   createdAt,
	}
}

func TestTryDispatch_PriorityBeforeFIFO(t *testing.T) {
	q := NewQueue(5 * time.Minute)
	base := time.Now()

	older := testJob(PriorityNormal, 1, base)
	newer := testJob(PriorityCritical, 1, base.Add(time.Second))
	q.Enqueue(older)
	q.Enqueue(newer)

	fitter := &fakeFitter{free: resourceledger.Reservation{Cores: 8, MemoryBytes: 1 << 40}}
	if got := q.TryDispatch(fitter); got == nil || got.ID != newer.ID {
		t.Fatalf("TryDispatch() = %v, want the critical job despite its later created_at", got)
	}
	if got := q.TryDispatch(fitter); got == nil || got.ID != older.ID {
		t.Fatalf("TryDispatch() second pass = %v, want the normal job", got)
	}
}

func TestTryDispatch_FIFOWithinPriority(t *testing.T) {
	q := NewQueue(5 * time.Minute)
	base := time.Now()

	first := testJob(PriorityNormal, 1, base)
	second := testJob(PriorityNormal, 1, base.Add(time.Millisecond))
	q.Enqueue(second)
	q.Enqueue(first)

	fitter := &fakeFitter{free: resourceledger.Reservation{Cores: 8, MemoryBytes: 1 << 40}}
	if got := q.TryDispatch(fitter); got == nil || got.ID != first.ID {
		t.Fatalf("TryDispatch() = %v, want the earlier created_at within the bucket", got)
	}
}

func TestTryDispatch_NoPreemption(t *testing.T) {
	// A Critical job waits for a Running Normal job's
	// cores instead of preempting, then goes first once capacity frees.
	q := NewQueue(5 * time.Minute)
	base := time.Now()

	big := testJob(PriorityNormal, 8, base)
	q.Enqueue(big)

	fitter := &fakeFitter{free: resourceledger.Reservation{Cores: 8, MemoryBytes: 1 << 40}}
	if got := q.TryDispatch(fitter); got == nil || got.ID != big.ID {
		t.Fatalf("TryDispatch() = %v, want the 8-core job admitted", got)
	}

	critical := testJob(PriorityCritical, 4, base.Add(time.Second))
	lateNormal := testJob(PriorityNormal, 1, base.Add(2*time.Second))
	q.Enqueue(critical)
	q.Enqueue(lateNormal)

	if got := q.TryDispatch(fitter); got != nil {
		t.Fatalf("TryDispatch() with zero free cores = %v, want nil (no preemption)", got)
	}

	// The Normal job finishing frees its reservation.
	fitter.free = resourceledger.Reservation{Cores: 8, MemoryBytes: 1 << 40}
	if got := q.TryDispatch(fitter); got == nil || got.ID != critical.ID {
		t.Fatalf("TryDispatch() after release = %v, want the critical job before any normal", got)
	}
}

func TestTryDispatch_StarvationBlockerHaltsLowerBuckets(t *testing.T) {
	q := NewQueue(time.Minute)
	now := time.Now()
	q.now = func() time.Time { return now }

	big := testJob(PriorityHigh, 8, now.Add(-time.Hour))
	big.WaitSince = now.Add(-2 * time.Minute) // waited past the threshold
	small := testJob(PriorityNormal, 1, now)
	q.Enqueue(big)
	q.Enqueue(small)

	// Only 2 cores free: the big job cannot fit, the small one could.
	fitter := &fakeFitter{free: resourceledger.Reservation{Cores: 2, MemoryBytes: 1 << 40}}
	if got := q.TryDispatch(fitter); got != nil {
		t.Fatalf("TryDispatch() = %v, want nil: the starved head must block smaller admits", got)
	}
	if !q.Has(small.ID) {
		t.Error("the blocked smaller job must stay queued")
	}
}

func TestTryDispatch_AffinitySkipDoesNotReorder(t *testing.T) {
	q := NewQueue(5 * time.Minute)
	base := time.Now()

	gpuJob := testJob(PriorityNormal, 1, base)
	gpuJob.AffinityClass = "gpu"
	cpuJob := testJob(PriorityNormal, 1, base.Add(time.Second))
	q.Enqueue(gpuJob)
	q.Enqueue(cpuJob)

	// No gpu worker registered: the head is skipped, not dropped, and the
	// job behind it dispatches.
	fitter := &fakeFitter{free: resourceledger.Reservation{Cores: 8, MemoryBytes: 1 << 40}}
	if got := q.TryDispatch(fitter); got == nil || got.ID != cpuJob.ID {
		t.Fatalf("TryDispatch() = %v, want the cpu job while the gpu head is affinity-blocked", got)
	}
	if !q.Has(gpuJob.ID) {
		t.Error("the affinity-blocked job must stay queued")
	}

	// A gpu worker appearing unblocks the skipped head.
	fitter.classes = map[string]bool{"gpu": true}
	if got := q.TryDispatch(fitter); got == nil || got.ID != gpuJob.ID {
		t.Fatalf("TryDispatch() = %v, want the gpu job once its class has a worker", got)
	}
}

func TestRemove_OnlyDropsTheRequestedJob(t *testing.T) {
	q := NewQueue(5 * time.Minute)
	base := time.Now()

	a := testJob(PriorityNormal, 1, base)
	b := testJob(PriorityNormal, 1, base.Add(time.Second))
	q.Enqueue(a)
	q.Enqueue(b)

	if !q.Remove(a.ID) {
		t.Fatal("Remove() = false for a queued job")
	}
	if q.Remove(a.ID) {
		t.Error("Remove() must be false for an already-removed job")
	}
	if !q.Has(b.ID) {
		t.Error("removing one job must not disturb the other")
	}
	if depth := q.Depth()[string(PriorityNormal)]; depth != 1 {
		t.Errorf("Depth() = %d, want 1", depth)
	}
}
