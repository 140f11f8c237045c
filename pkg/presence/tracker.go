package presence

import (
	"time"

	"github.com/google/uuid"
)

// Tracker holds the live presence roster for a single workspace room. It is
// mutated only by the room's serial executor, so it carries no
// internal mutex.
type Tracker struct {
	members map[string]*Member // keyed by conn_id — one user may hold multiple connections
	colors  map[string]bool    // color -> in use
	limiter *coalescingLimiter

	tick       time.Duration
	idleAfter  time.Duration
	awayAfter  time.Duration
	evictAfter time.Duration
}

// Config overrides the presence lifecycle thresholds and rate limit (the
// presence_* config options). Zero values keep the defaults.
type Config struct {
	TickInterval   time.Duration
	IdleThreshold  time.Duration
	AwayThreshold  time.Duration
	EvictThreshold time.Duration
	EventRateLimit int // emitted events per second per connection+kind
}

// NewTracker creates an empty presence roster with default thresholds.
func NewTracker() *Tracker {
	return NewTrackerWith(Config{})
}

// NewTrackerWith creates an empty presence roster with cfg's thresholds.
func NewTrackerWith(cfg Config) *Tracker {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = tickPeriod
	}
	if cfg.IdleThreshold <= 0 {
		cfg.IdleThreshold = idleAfter
	}
	if cfg.AwayThreshold <= 0 {
		cfg.AwayThreshold = awayAfter
	}
	if cfg.EvictThreshold <= 0 {
		cfg.EvictThreshold = evictAfter
	}
	if cfg.EventRateLimit <= 0 {
		cfg.EventRateLimit = rateLimitHz
	}
	return &Tracker{
		members:    make(map[string]*Member),
		colors:     make(map[string]bool),
		limiter:    newCoalescingLimiter(time.Second / time.Duration(cfg.EventRateLimit)),
		tick:       cfg.TickInterval,
		idleAfter:  cfg.IdleThreshold,
		awayAfter:  cfg.AwayThreshold,
		evictAfter: cfg.EvictThreshold,
	}
}

// TickEvery is the cadence the owning room should invoke Tick at.
func (t *Tracker) TickEvery() time.Duration { return t.tick }

// Join assigns a color and inserts the member. now should be
// the room executor's current time.
func (t *Tracker) Join(userID uuid.UUID, connID string, now time.Time) *Member {
	color := t.assignColor(userID)
	m := &Member{
		UserID:       userID,
		ConnID:       connID,
		Color:        color,
		Status:       StatusOnline,
		LastActivity: now,
	}
	t.members[connID] = m
	return m
}

func (t *Tracker) assignColor(userID uuid.UUID) string {
	for _, c := range palette {
		if !t.colors[c] {
			t.colors[c] = true
			return c
		}
	}
	return hashedColor(userID.String())
}

// Members returns a snapshot of every live member, for presence_list.
func (t *Tracker) Members() []Member {
	out := make([]Member, 0, len(t.members))
	for _, m := range t.members {
		out = append(out, *m)
	}
	return out
}

// UpdateCursor applies a cursor update, rate-limited per connection. emit
// reports whether the caller should broadcast cursor_updated now; when
// false the update was applied to state but coalesced — Drain will surface
// it once the rate window reopens.
func (t *Tracker) UpdateCursor(connID string, cursor Cursor, now time.Time) (member *Member, emit bool) {
	m, ok := t.members[connID]
	if !ok {
		return nil, false
	}
	m.Cursor = &cursor
	m.LastActivity = now
	return m, t.limiter.submit(connID, "cursor", cursor, now)
}

// UpdateSelection applies a selection update under the same rate-limit
// rule as UpdateCursor.
func (t *Tracker) UpdateSelection(connID string, selection any, now time.Time) (member *Member, emit bool) {
	m, ok := t.members[connID]
	if !ok {
		return nil, false
	}
	m.Selection = selection
	m.LastActivity = now
	return m, t.limiter.submit(connID, "selection", selection, now)
}

// Drain returns members whose coalesced cursor/selection updates are now
// due for emission. Call on a ticker faster than the 30 Hz rate limit.
func (t *Tracker) Drain(now time.Time) []Member {
	var out []Member
	seen := make(map[string]bool)
	for _, f := range t.limiter.drain(now) {
		if seen[f.ConnID] {
			continue
		}
		if m, ok := t.members[f.ConnID]; ok {
			out = append(out, *m)
			seen[f.ConnID] = true
		}
	}
	return out
}

// Leave removes a connection's membership and releases its color. Reports
// the removed member (for user_left) and ok=false if connID was unknown.
func (t *Tracker) Leave(connID string) (*Member, bool) {
	m, ok := t.members[connID]
	if !ok {
		return nil, false
	}
	delete(t.members, connID)
	t.limiter.forget(connID)
	if !t.colorStillInUse(m.Color) {
		delete(t.colors, m.Color)
	}
	return m, true
}

func (t *Tracker) colorStillInUse(color string) bool {
	for _, m := range t.members {
		if m.Color == color {
			return true
		}
	}
	return false
}

// Tick derives each member's status from last_activity and evicts members
// idle past the eviction threshold. Returns the members evicted this
// tick (for user_left broadcasts).
func (t *Tracker) Tick(now time.Time) []Member {
	var evicted []Member
	for connID, m := range t.members {
		age := now.Sub(m.LastActivity)
		switch {
		case age >= t.evictAfter:
			evicted = append(evicted, *m)
			delete(t.members, connID)
			t.limiter.forget(connID)
			if !t.colorStillInUse(m.Color) {
				delete(t.colors, m.Color)
			}
		case age >= t.awayAfter:
			m.Status = StatusAway
		case age >= t.idleAfter:
			m.Status = StatusIdle
		default:
			m.Status = StatusOnline
		}
	}
	return evicted
}

// TickPeriod is how often Tick should be invoked.
func TickPeriod() time.Duration { return tickPeriod }
