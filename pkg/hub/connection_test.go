package hub

import (
	"testing"
)

func TestCursorBuffer_LatestWinsPerSender(t *testing.T) {
	b := newCursorBuffer()

	b.put("conn-a", OutboundFrame{Type: OutboundCursorUpdated, Seq: 1})
	b.put("conn-a", OutboundFrame{Type: OutboundCursorUpdated, Seq: 2})
	b.put("conn-a", OutboundFrame{Type: OutboundCursorUpdated, Seq: 3})

	frame, ok := b.take()
	if !ok {
		t.Fatal("take() = false, want a pending frame")
	}
	if frame.Seq != 3 {
		t.Errorf("take() Seq = %d, want 3: older frames from the same sender must be superseded", frame.Seq)
	}
	if _, ok := b.take(); ok {
		t.Error("take() = true after draining, want empty: superseded frames must not linger")
	}
}

func TestCursorBuffer_DistinctSendersNeverDropEachOther(t *testing.T) {
	b := newCursorBuffer()

	b.put("conn-a", OutboundFrame{Type: OutboundCursorUpdated, Seq: 1})
	b.put("conn-b", OutboundFrame{Type: OutboundCursorUpdated, Seq: 2})
	b.put("conn-a", OutboundFrame{Type: OutboundCursorUpdated, Seq: 3})

	first, ok := b.take()
	if !ok || first.Seq != 3 {
		t.Fatalf("take() = (%+v, %v), want sender a's latest frame first", first, ok)
	}
	second, ok := b.take()
	if !ok || second.Seq != 2 {
		t.Fatalf("take() = (%+v, %v), want sender b's frame intact", second, ok)
	}
	if _, ok := b.take(); ok {
		t.Error("take() = true after draining both senders, want empty")
	}
}

func TestCursorBuffer_NotifyIsCoalesced(t *testing.T) {
	b := newCursorBuffer()

	b.put("conn-a", OutboundFrame{Type: OutboundCursorUpdated, Seq: 1})
	b.put("conn-b", OutboundFrame{Type: OutboundCursorUpdated, Seq: 2})

	select {
	case <-b.notify:
	default:
		t.Fatal("notify channel empty after put")
	}
	select {
	case <-b.notify:
		t.Error("notify must coalesce to a single wakeup; the drain loop empties the buffer")
	default:
	}
}
