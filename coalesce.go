package livegraph

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/shaban/livegraph/metrics"
)

// Coalescing tunables. The flush delay is a handful of audio buffer periods:
// long enough to collapse UI-driven bursts, short enough to stay
// imperceptible. Entries older than the staleness bound are discarded
// unexecuted rather than applied late.
const (
	DefaultCoalesceDelay = 50 * time.Millisecond
	DefaultStaleness     = 500 * time.Millisecond
)

// pendingMutation is the per-key slot in the coalescing queue. A new
// mutation with the same key replaces the slot contents and re-arms the
// flush timer; it never appends.
type pendingMutation struct {
	key        CoalescingKey
	kind       MutationKind
	target     uuid.UUID // hot-swap target, zero otherwise
	work       MutationFunc
	enqueuedAt time.Time
	timer      *time.Timer
}

// enqueueCoalesced inserts or replaces the pending mutation for a key and
// arms its flush timer. Called with a control-context goroutine; flushKey
// runs on the timer goroutine and takes the mutation lock itself.
func (c *Coordinator) enqueueCoalesced(key CoalescingKey, kind MutationKind, target uuid.UUID, work MutationFunc) {
	c.pendingMu.Lock()
	if prev, ok := c.pending[key]; ok {
		prev.timer.Stop()
		metrics.CoalescedReplaced.Inc()
	}
	pm := &pendingMutation{
		key:        key,
		kind:       kind,
		target:     target,
		work:       work,
		enqueuedAt: time.Now(),
	}
	pm.timer = time.AfterFunc(c.coalesceDelay, func() { c.flushKey(key) })
	c.pending[key] = pm
	c.pendingMu.Unlock()
}

// flushKey applies the pending mutation for one key, if still present and
// not stale.
func (c *Coordinator) flushKey(key CoalescingKey) {
	c.pendingMu.Lock()
	pm, ok := c.pending[key]
	if !ok {
		c.pendingMu.Unlock()
		return
	}
	delete(c.pending, key)
	c.pendingMu.Unlock()

	c.applyPending(pm)
}

// FlushPendingMutations forces an immediate, synchronous flush of every
// pending slot. Used by batch entry, shutdown paths and tests.
func (c *Coordinator) FlushPendingMutations() {
	c.pendingMu.Lock()
	due := make([]*pendingMutation, 0, len(c.pending))
	for key, pm := range c.pending {
		pm.timer.Stop()
		due = append(due, pm)
		delete(c.pending, key)
	}
	c.pendingMu.Unlock()

	start := time.Now()
	executed, discarded := 0, 0
	for _, pm := range due {
		if c.applyPending(pm) {
			executed++
		} else {
			discarded++
		}
	}
	if len(due) > 0 {
		c.hook.OnFlush(executed, discarded, time.Since(start))
	}
}

// applyPending executes one dequeued slot unless it aged past the staleness
// bound. Returns whether the closure ran.
func (c *Coordinator) applyPending(pm *pendingMutation) bool {
	if age := time.Since(pm.enqueuedAt); age > c.staleness {
		metrics.StaleDiscarded.Inc()
		c.logger.Debug("livegraph: discarding stale pending mutation",
			"key", pm.key, "kind", pm.kind.String(), "age", age)
		return false
	}

	var err error
	switch pm.kind {
	case MutationConnection:
		err = c.executeConnection(context.Background(), pm.work)
	case MutationHotSwap:
		err = c.executeHotSwap(context.Background(), pm.target, pm.work)
	}
	if err != nil {
		// The original caller is long gone; surface through the handler.
		c.errorHandler.HandleError(err)
		return false
	}
	return true
}

// PendingCount returns the number of occupied coalescing slots.
func (c *Coordinator) PendingCount() int {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	return len(c.pending)
}
