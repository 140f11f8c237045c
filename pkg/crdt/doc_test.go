package crdt

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestApplyUpdate_AcceptsFirstWrite(t *testing.T) {
	doc := NewDoc(uuid.New())
	user := uuid.New()

	u, accepted := doc.ApplyUpdate(user, "pipeline.step1.status", []byte(`"running"`), 0, time.Now())
	if !accepted {
		t.Fatal("ApplyUpdate() accepted = false, want true for first write")
	}
	if u.TS.Counter != 1 {
		t.Errorf("TS.Counter = %d, want 1", u.TS.Counter)
	}
}

func TestApplyUpdate_HigherCounterWins(t *testing.T) {
	doc := NewDoc(uuid.New())
	userA, userB := uuid.New(), uuid.New()

	doc.ApplyUpdate(userA, "k", []byte(`1`), 0, time.Now())
	_, accepted := doc.ApplyUpdate(userB, "k", []byte(`2`), 100, time.Now())
	if !accepted {
		t.Fatal("a higher incoming client_ts must win")
	}
	if string(doc.fields["k"].value) != "2" {
		t.Errorf("fields[k] = %s, want 2", doc.fields["k"].value)
	}
}

func TestApplyUpdate_LowerCounterDropped(t *testing.T) {
	doc := NewDoc(uuid.New())
	userA, userB := uuid.New(), uuid.New()

	doc.ApplyUpdate(userA, "k", []byte(`1`), 100, time.Now())
	_, accepted := doc.ApplyUpdate(userB, "k", []byte(`2`), 0, time.Now())
	if accepted {
		t.Error("a stale update must be dropped, not applied")
	}
	if string(doc.fields["k"].value) != "1" {
		t.Errorf("fields[k] = %s, want unchanged 1", doc.fields["k"].value)
	}
}

func TestApplyUpdate_TieBrokenByOriginUser(t *testing.T) {
	doc := NewDoc(uuid.New())

	// Construct two user IDs whose string forms compare deterministically.
	low := uuid.MustParse("00000000-0000-0000-0000-000000000001")
	high := uuid.MustParse("ffffffff-ffff-ffff-ffff-ffffffffffff")

	doc.counter = 4 // force both updates to land on the same resulting counter
	_, accepted := doc.ApplyUpdate(low, "k", []byte(`"a"`), 4, time.Now())
	if !accepted {
		t.Fatal("first write on an empty key must be accepted")
	}

	doc.counter = 4
	_, accepted = doc.ApplyUpdate(high, "k", []byte(`"b"`), 4, time.Now())
	if !accepted {
		t.Error("higher origin_user_id must win a Lamport tie")
	}
	if string(doc.fields["k"].value) != `"b"` {
		t.Errorf("fields[k] = %s, want \"b\"", doc.fields["k"].value)
	}
}

func TestSyncRequest_ReturnsUpdatesSinceVersion(t *testing.T) {
	doc := NewDoc(uuid.New())
	user := uuid.New()
	now := time.Now()

	doc.ApplyUpdate(user, "a", []byte(`1`), 0, now)
	doc.ApplyUpdate(user, "b", []byte(`2`), 0, now)
	doc.ApplyUpdate(user, "c", []byte(`3`), 0, now)

	updates, full := doc.SyncRequest(1)
	if full {
		t.Fatal("SyncRequest() fullSnapshot = true, want false (within history)")
	}
	if len(updates) != 2 {
		t.Fatalf("len(updates) = %d, want 2", len(updates))
	}
	if updates[0].Key != "b" || updates[1].Key != "c" {
		t.Errorf("updates = %+v, want [b, c]", updates)
	}
}

func TestSyncRequest_FullSnapshotBeyondHistoryCapacity(t *testing.T) {
	doc := NewDoc(uuid.New())
	doc.cap = 2
	user := uuid.New()
	now := time.Now()

	doc.ApplyUpdate(user, "a", []byte(`1`), 0, now)
	doc.ApplyUpdate(user, "b", []byte(`2`), 0, now)
	doc.ApplyUpdate(user, "c", []byte(`3`), 0, now)

	_, full := doc.SyncRequest(0)
	if !full {
		t.Error("SyncRequest() fullSnapshot = false, want true when gap exceeds history capacity")
	}
}

func TestRestore_AdvancesCounterBeyondHighestSeen(t *testing.T) {
	doc := NewDoc(uuid.New())
	user := uuid.New()
	now := time.Now()

	doc.ApplyUpdate(user, "a", []byte(`1`), 0, now)
	snap := Snapshot{WorkspaceID: doc.WorkspaceID, Fields: map[string][]byte{"x": []byte(`"restored"`)}, Version: 50}

	updates := doc.Restore(snap, user, now)
	if len(updates) != 1 {
		t.Fatalf("Restore() returned %d updates, want 1", len(updates))
	}
	if doc.Version() <= 50 {
		t.Errorf("Version() = %d, want > 50", doc.Version())
	}

	_, accepted := doc.ApplyUpdate(user, "x", []byte(`"new"`), 0, now)
	if !accepted {
		t.Error("a fresh write after restore must not collide with the restored timestamp")
	}
}

func TestDirty_ClearedAfterPersist(t *testing.T) {
	doc := NewDoc(uuid.New())
	if doc.Dirty() {
		t.Error("new Doc must not start dirty")
	}
	doc.ApplyUpdate(uuid.New(), "k", []byte(`1`), 0, time.Now())
	if !doc.Dirty() {
		t.Error("Doc must be dirty after an accepted update")
	}
	doc.ClearDirty()
	if doc.Dirty() {
		t.Error("ClearDirty() must reset the dirty flag")
	}
}
