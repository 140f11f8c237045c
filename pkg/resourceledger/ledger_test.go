package resourceledger

import (
	"testing"
	"time"
)

func TestTryAdmit_NeverExceedsTotals(t *testing.T) {
	l := NewLedger(8, 16<<30)

	if !l.TryAdmit(Reservation{Cores: 6, MemoryBytes: 8 << 30}) {
		t.Fatal("TryAdmit() = false for a fitting reservation")
	}
	if l.TryAdmit(Reservation{Cores: 4, MemoryBytes: 1 << 30}) {
		t.Fatal("TryAdmit() = true, would exceed cores_total")
	}
	if l.TryAdmit(Reservation{Cores: 1, MemoryBytes: 9 << 30}) {
		t.Fatal("TryAdmit() = true, would exceed memory_total")
	}

	totals := l.Totals()
	if totals.CoresUsed > totals.CoresTotal || totals.MemoryUsed > totals.MemoryTotal {
		t.Fatalf("reservations exceed totals: %+v", totals)
	}
}

func TestRelease_RestoresCapacityAndClampsAtZero(t *testing.T) {
	l := NewLedger(8, 16<<30)
	r := Reservation{Cores: 8, MemoryBytes: 16 << 30}

	if !l.TryAdmit(r) {
		t.Fatal("TryAdmit() = false for the full cluster")
	}
	l.Release(r)

	if free := l.Totals().Free(); free.Cores != 8 || free.MemoryBytes != 16<<30 {
		t.Fatalf("Free() after release = %+v, want full capacity back", free)
	}

	// A double release (a bug upstream) must not go negative.
	l.Release(r)
	totals := l.Totals()
	if totals.CoresUsed != 0 || totals.MemoryUsed != 0 {
		t.Fatalf("used after double release = (%d, %d), want clamped to zero", totals.CoresUsed, totals.MemoryUsed)
	}
}

func TestWake_ClosesOnCapacityChange(t *testing.T) {
	l := NewLedger(8, 16<<30)

	wake := l.Wake()
	select {
	case <-wake:
		t.Fatal("Wake() channel closed before any capacity change")
	default:
	}

	l.Scale(16, 32<<30)
	select {
	case <-wake:
	case <-time.After(time.Second):
		t.Fatal("Wake() channel not closed after Scale")
	}
}

func TestPickWorker_StableAcrossAttempts(t *testing.T) {
	l := NewLedger(32, 64<<30)
	l.RegisterWorker("w1", 8, 16<<30)
	l.RegisterWorker("w2", 8, 16<<30, "gpu")
	l.RegisterWorker("w3", 8, 16<<30, "gpu")

	first, ok := l.PickWorker("job-123", "")
	if !ok {
		t.Fatal("PickWorker() = false with workers registered")
	}
	for i := 0; i < 10; i++ {
		again, _ := l.PickWorker("job-123", "")
		if again != first {
			t.Fatalf("PickWorker() not stable: %s then %s", first, again)
		}
	}

	gpu, ok := l.PickWorker("job-123", "gpu")
	if !ok {
		t.Fatal("PickWorker(gpu) = false with gpu workers registered")
	}
	if gpu != "w2" && gpu != "w3" {
		t.Fatalf("PickWorker(gpu) = %s, want a gpu-class worker", gpu)
	}

	if _, ok := l.PickWorker("job-123", "tpu"); ok {
		t.Fatal("PickWorker(tpu) = true with no worker serving that class")
	}
}

func TestStaleWorkers_ReportsMissedBeats(t *testing.T) {
	l := NewLedger(8, 16<<30)
	l.RegisterWorker("fresh", 4, 8<<30)
	l.RegisterWorker("stale", 4, 8<<30)

	l.Heartbeat("fresh", time.Now())
	l.Heartbeat("stale", time.Now().Add(-time.Minute))

	stale := l.StaleWorkers(30 * time.Second)
	if len(stale) != 1 || stale[0] != "stale" {
		t.Fatalf("StaleWorkers() = %v, want [stale]", stale)
	}
}
