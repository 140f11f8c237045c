package presence

import "time"

// ratePeriod is the default emission window, derived from the 30 events/s
// ceiling.
const ratePeriod = time.Second / rateLimitHz

type coalesceKey struct {
	connID string
	kind   string
}

// coalescingLimiter enforces the "≤30 events/s, coalesce by dropping all
// but the most recent pending event per key" rule. It is
// owned by a single Tracker and, like the Tracker, assumes single-threaded
// access from the room's serial executor.
type coalescingLimiter struct {
	period   time.Duration
	lastEmit map[coalesceKey]time.Time
	pending  map[coalesceKey]any
}

func newCoalescingLimiter(period time.Duration) *coalescingLimiter {
	if period <= 0 {
		period = ratePeriod
	}
	return &coalescingLimiter{
		period:   period,
		lastEmit: make(map[coalesceKey]time.Time),
		pending:  make(map[coalesceKey]any),
	}
}

// submit reports whether event may be emitted immediately. If the rate
// window hasn't reopened yet, event replaces any previously pending value
// for this key and submit returns false.
func (l *coalescingLimiter) submit(connID, kind string, event any, now time.Time) bool {
	key := coalesceKey{connID: connID, kind: kind}
	if now.Sub(l.lastEmit[key]) >= l.period {
		l.lastEmit[key] = now
		delete(l.pending, key)
		return true
	}
	l.pending[key] = event
	return false
}

// flushed pairs a coalesced key's connection/kind with the latest event
// that was suppressed while the rate window was closed.
type flushed struct {
	ConnID string
	Kind   string
	Event  any
}

// drain returns every pending event whose rate window has now reopened,
// clearing them from the pending set. Call this on a fast ticker (shorter
// than ratePeriod) from the owning room's executor.
func (l *coalescingLimiter) drain(now time.Time) []flushed {
	var out []flushed
	for key, event := range l.pending {
		if now.Sub(l.lastEmit[key]) >= l.period {
			l.lastEmit[key] = now
			delete(l.pending, key)
			out = append(out, flushed{ConnID: key.connID, Kind: key.kind, Event: event})
		}
	}
	return out
}

// forget drops any pending/lastEmit state for a connection, called on leave.
func (l *coalescingLimiter) forget(connID string) {
	for key := range l.pending {
		if key.connID == connID {
			delete(l.pending, key)
		}
	}
	for key := range l.lastEmit {
		if key.connID == connID {
			delete(l.lastEmit, key)
		}
	}
}
