// Package unread keeps per-user unread counters for conversations and notifications.
//
// The Engine is the only writer of these counters. Sessions, the inbox list and the notification
// dispatcher propose deltas; the poller proposes authoritative replacements. Deltas are stored
// unclamped so that increments and decrements arriving on different feed topics commute; readers
// see values clamped at zero, and outside a reconciliation window the aggregate they see is the sum
// of the clamped per-conversation values.
package unread

import (
	"sync"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"inbox-service/internal/logger"
	"inbox-service/internal/observability"
)

// Snapshot is a consistent copy of one user's counters.
type Snapshot struct {
	UserID          string
	Aggregate       int
	PerConversation map[string]int
	Notifications   int
	// Reconciling is true between a Reconcile that left the aggregate disagreeing with the
	// per-conversation sum and the next full Refresh.
	Reconciling  bool
	ReconciledAt time.Time
}

type counters struct {
	perConversation map[string]int
	aggregate       int
	notifications   int
	reconciling     bool
	reconciledAt    time.Time
	generation      uint64
}

// Engine holds counters for any number of users.
type Engine struct {
	mu       sync.Mutex
	users    map[string]*counters
	watchers map[int]func(Snapshot)
	nextID   int
	log      *zap.Logger
	now      func() time.Time
}

// NewEngine creates an empty engine.
func NewEngine(log *zap.Logger) *Engine {
	return &Engine{
		users:    make(map[string]*counters),
		watchers: make(map[int]func(Snapshot)),
		log:      logger.OrNop(log),
		now:      time.Now,
	}
}

func (e *Engine) userLocked(userID string) *counters {
	c, ok := e.users[userID]
	if !ok {
		c = &counters{perConversation: make(map[string]int)}
		e.users[userID] = c
	}
	return c
}

// Aggregate returns the user's total unread message count.
func (e *Engine) Aggregate(userID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.users[userID]; ok {
		return c.visibleAggregate()
	}
	return 0
}

// PerConversation returns the user's unread count for one conversation.
func (e *Engine) PerConversation(userID, conversationID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.users[userID]; ok {
		return clamp(c.perConversation[conversationID])
	}
	return 0
}

// Notifications returns the user's unread notification count.
func (e *Engine) Notifications(userID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.users[userID]; ok {
		return clamp(c.notifications)
	}
	return 0
}

// Snapshot copies all of a user's counters.
func (e *Engine) Snapshot(userID string) Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked(userID)
}

func (e *Engine) snapshotLocked(userID string) Snapshot {
	c, ok := e.users[userID]
	if !ok {
		return Snapshot{UserID: userID, PerConversation: map[string]int{}}
	}
	return Snapshot{
		UserID:          userID,
		Aggregate:       c.visibleAggregate(),
		PerConversation: lo.MapValues(c.perConversation, func(v int, _ string) int { return clamp(v) }),
		Notifications:   clamp(c.notifications),
		Reconciling:     c.reconciling,
		ReconciledAt:    c.reconciledAt,
	}
}

// ApplyDelta adjusts one conversation's counter and the aggregate by the same amount.
func (e *Engine) ApplyDelta(userID, conversationID string, delta int) {
	if delta == 0 {
		return
	}
	e.mutate(userID, func(c *counters) {
		c.perConversation[conversationID] += delta
		c.aggregate += delta
	})
}

// Generation identifies the user's current list refresh. It changes on every Refresh.
func (e *Engine) Generation(userID string) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.users[userID]; ok {
		return c.generation
	}
	return 0
}

// ApplyDeltaAt applies delta only if no Refresh happened since generation was read. A delta
// computed against older state may already be reflected in the refreshed counters, so it is
// dropped and false is returned; the caller should ask for a fresh list instead.
func (e *Engine) ApplyDeltaAt(userID, conversationID string, delta int, generation uint64) bool {
	applied := false
	e.mutate(userID, func(c *counters) {
		if c.generation != generation {
			return
		}
		c.perConversation[conversationID] += delta
		c.aggregate += delta
		applied = true
	})
	return applied
}

// Reconcile replaces the aggregate with an authoritative value. Per-conversation counters are
// left alone, so the two may disagree until the next Refresh.
func (e *Engine) Reconcile(userID string, authoritative int) {
	e.mutate(userID, func(c *counters) {
		drift := authoritative - c.visibleAggregate()
		c.aggregate = authoritative
		if drift == 0 {
			return
		}
		observability.ObserveReconcileDrift(drift)
		e.log.Info("unread aggregate reconciled",
			zap.String("user_id", userID),
			zap.Int("aggregate", authoritative),
			zap.Int("drift", drift),
		)
		if clampedSum(c.perConversation) != authoritative {
			c.reconciling = true
			c.reconciledAt = e.now()
		}
	})
}

// Refresh installs per-conversation counters from a full list fetch. The aggregate becomes their
// sum and any reconciliation window closes.
func (e *Engine) Refresh(userID string, perConversation map[string]int) {
	e.mutate(userID, func(c *counters) {
		c.perConversation = lo.PickBy(perConversation, func(_ string, v int) bool { return v != 0 })
		c.aggregate = sumOf(c.perConversation)
		c.generation++
		c.reconciling = false
		c.reconciledAt = time.Time{}
	})
}

// ApplyNotificationDelta adjusts the flat notification counter.
func (e *Engine) ApplyNotificationDelta(userID string, delta int) {
	if delta == 0 {
		return
	}
	e.mutate(userID, func(c *counters) { c.notifications += delta })
}

// SetNotifications replaces the notification counter with an authoritative value.
func (e *Engine) SetNotifications(userID string, n int) {
	e.mutate(userID, func(c *counters) { c.notifications = n })
}

// Forget drops every counter held for userID.
func (e *Engine) Forget(userID string) {
	e.mu.Lock()
	delete(e.users, userID)
	e.mu.Unlock()
}

// OnChange registers fn to receive a snapshot after every mutation. The returned func removes it.
// fn runs on the mutating goroutine after the engine lock is released.
func (e *Engine) OnChange(fn func(Snapshot)) (cancel func()) {
	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.watchers[id] = fn
	e.mu.Unlock()
	return func() {
		e.mu.Lock()
		delete(e.watchers, id)
		e.mu.Unlock()
	}
}

func (e *Engine) mutate(userID string, fn func(c *counters)) {
	e.mu.Lock()
	fn(e.userLocked(userID))
	snap := e.snapshotLocked(userID)
	watchers := lo.Values(e.watchers)
	e.mu.Unlock()

	for _, w := range watchers {
		w(snap)
	}
}

// visibleAggregate is the aggregate readers see. A conversation briefly below zero must not pull
// the total under the sum of the per-conversation values readers see.
func (c *counters) visibleAggregate() int {
	if c.reconciling {
		return clamp(c.aggregate)
	}
	return clampedSum(c.perConversation)
}

func sumOf(m map[string]int) int {
	return lo.Sum(lo.Values(m))
}

func clampedSum(m map[string]int) int {
	return lo.SumBy(lo.Values(m), clamp)
}

func clamp(v int) int {
	return max(v, 0)
}
