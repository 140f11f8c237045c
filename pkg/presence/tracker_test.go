package presence

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestJoin_AssignsDistinctColors(t *testing.T) {
	tr := NewTracker()
	now := time.Unix(0, 0)

	seen := make(map[string]bool)
	for i := 0; i < 20; i++ {
		m := tr.Join(uuid.New(), uuid.New().String(), now)
		if seen[m.Color] {
			t.Fatalf("color %q reused before palette exhausted (member %d)", m.Color, i)
		}
		seen[m.Color] = true
	}
	if len(seen) != 20 {
		t.Errorf("len(seen) = %d, want 20", len(seen))
	}
}

func TestJoin_FallsBackToHashedColorBeyondPalette(t *testing.T) {
	tr := NewTracker()
	now := time.Unix(0, 0)

	for i := 0; i < 20; i++ {
		tr.Join(uuid.New(), uuid.New().String(), now)
	}
	extra := tr.Join(uuid.New(), "conn-21", now)

	found := false
	for _, c := range palette {
		if extra.Color == c {
			found = true
			break
		}
	}
	if !found {
		t.Errorf("hashed fallback color %q is not in the palette", extra.Color)
	}
}

func TestLeave_ReleasesColorForReuse(t *testing.T) {
	tr := NewTracker()
	now := time.Unix(0, 0)

	userID := uuid.New()
	m := tr.Join(userID, "conn-1", now)

	if _, ok := tr.Leave("conn-1"); !ok {
		t.Fatal("Leave() ok = false, want true")
	}
	if tr.colors[m.Color] {
		t.Errorf("color %q still marked in use after Leave", m.Color)
	}
}

func TestLeave_UnknownConnection(t *testing.T) {
	tr := NewTracker()
	if _, ok := tr.Leave("no-such-conn"); ok {
		t.Error("Leave() ok = true for unknown connection, want false")
	}
}

func TestUpdateCursor_RateLimitsBurstsAndCoalesces(t *testing.T) {
	tr := NewTracker()
	base := time.Unix(0, 0)
	tr.Join(uuid.New(), "conn-1", base)

	_, emit1 := tr.UpdateCursor("conn-1", Cursor{X: 1, Y: 1}, base)
	if !emit1 {
		t.Error("first UpdateCursor should emit immediately")
	}

	_, emit2 := tr.UpdateCursor("conn-1", Cursor{X: 2, Y: 2}, base.Add(time.Millisecond))
	if emit2 {
		t.Error("UpdateCursor within the rate window should be coalesced, not emitted")
	}

	// Applying to state still happens even when coalesced.
	m := tr.members["conn-1"]
	if m.Cursor.X != 2 {
		t.Errorf("Cursor.X = %v, want 2 (coalesced updates still apply to state)", m.Cursor.X)
	}

	drained := tr.Drain(base.Add(ratePeriod + time.Millisecond))
	if len(drained) != 1 {
		t.Fatalf("Drain() returned %d members, want 1", len(drained))
	}
	if drained[0].Cursor.X != 2 {
		t.Errorf("drained cursor.X = %v, want 2", drained[0].Cursor.X)
	}
}

func TestTick_TransitionsStatusByAge(t *testing.T) {
	tr := NewTracker()
	base := time.Unix(0, 0)
	tr.Join(uuid.New(), "conn-1", base)

	cases := []struct {
		elapsed time.Duration
		want    Status
	}{
		{30 * time.Second, StatusOnline},
		{2 * time.Minute, StatusIdle},
		{6 * time.Minute, StatusAway},
	}
	for _, tc := range cases {
		tr.Tick(base.Add(tc.elapsed))
		got := tr.members["conn-1"].Status
		if got != tc.want {
			t.Errorf("after %s: status = %q, want %q", tc.elapsed, got, tc.want)
		}
	}
}

func TestTick_EvictsAfterThirtyMinutes(t *testing.T) {
	tr := NewTracker()
	base := time.Unix(0, 0)
	tr.Join(uuid.New(), "conn-1", base)

	evicted := tr.Tick(base.Add(31 * time.Minute))
	if len(evicted) != 1 {
		t.Fatalf("Tick() evicted %d members, want 1", len(evicted))
	}
	if _, ok := tr.members["conn-1"]; ok {
		t.Error("evicted connection still present in tracker")
	}
}

func TestMembers_ReturnsSnapshot(t *testing.T) {
	tr := NewTracker()
	now := time.Unix(0, 0)
	tr.Join(uuid.New(), "conn-1", now)
	tr.Join(uuid.New(), "conn-2", now)

	members := tr.Members()
	if len(members) != 2 {
		t.Errorf("len(Members()) = %d, want 2", len(members))
	}
}
