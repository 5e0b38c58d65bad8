// Package reclaim delays the release of hot-swapped render resources until
// any in-flight render callback that might still reference them has finished.
//
// A resource must be disconnected from the render graph before it is handed
// to the Manager; the Manager's only job is to outlive in-flight callbacks,
// then release. It never touches the render context itself.
package reclaim

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shaban/livegraph/metrics"
)

// Resource is anything the manager can eventually release. Release is called
// exactly once per scheduled slot, on the control context.
type Resource interface {
	Release()
}

// ReleaseFunc adapts a function into a Resource.
type ReleaseFunc func()

func (f ReleaseFunc) Release() { f() }

// Default tunables. SafetyDelay is tens of multiples of a typical render
// buffer duration, wide margin over any in-flight callback.
const (
	DefaultSafetyDelay   = 500 * time.Millisecond
	DefaultSweepInterval = 100 * time.Millisecond
)

// Config holds reclaim manager configuration.
type Config struct {
	SafetyDelay   time.Duration
	SweepInterval time.Duration
	Logger        *slog.Logger
	Hook          metrics.Hook
}

type pending struct {
	id          uuid.UUID
	resource    Resource
	context     string
	scheduledAt time.Time
}

// Manager is a timestamped registry of retiring resources. It is an explicit,
// dependency-injected service: tests create their own instances.
type Manager struct {
	mu      sync.Mutex
	entries []pending

	safetyDelay   time.Duration
	sweepInterval time.Duration
	logger        *slog.Logger
	hook          metrics.Hook

	now func() time.Time // injectable clock for deterministic tests
}

// NewManager creates a Manager, applying defaults for zero config fields.
func NewManager(config Config) *Manager {
	if config.SafetyDelay <= 0 {
		config.SafetyDelay = DefaultSafetyDelay
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = DefaultSweepInterval
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Hook == nil {
		config.Hook = metrics.NopHook{}
	}
	return &Manager{
		safetyDelay:   config.SafetyDelay,
		sweepInterval: config.SweepInterval,
		logger:        config.Logger,
		hook:          config.Hook,
		now:           time.Now,
	}
}

// Schedule records a resource for deferred release. The caller must have
// already disconnected it from the render graph. Scheduling the same resource
// twice is permitted and simply holds two slots.
func (m *Manager) Schedule(resource Resource, context string) uuid.UUID {
	if resource == nil {
		return uuid.Nil
	}
	entry := pending{
		id:          uuid.New(),
		resource:    resource,
		context:     context,
		scheduledAt: m.now(),
	}

	m.mu.Lock()
	m.entries = append(m.entries, entry)
	depth := len(m.entries)
	m.mu.Unlock()

	metrics.ReclaimPending.Set(float64(depth))
	m.logger.Debug("reclaim: scheduled", "id", entry.id, "context", context, "pending", depth)
	return entry.id
}

// Sweep releases every entry whose age exceeds the safety delay. It is
// O(pending) and holds the lock only while splicing the registry.
func (m *Manager) Sweep() int {
	cutoff := m.now().Add(-m.safetyDelay)

	m.mu.Lock()
	var due []pending
	kept := m.entries[:0]
	for _, e := range m.entries {
		if e.scheduledAt.Before(cutoff) || e.scheduledAt.Equal(cutoff) {
			due = append(due, e)
		} else {
			kept = append(kept, e)
		}
	}
	m.entries = kept
	remaining := len(kept)
	m.mu.Unlock()

	for _, e := range due {
		e.resource.Release()
	}

	if len(due) > 0 {
		metrics.ReclaimPending.Set(float64(remaining))
		m.hook.OnSweep(len(due), remaining)
		m.logger.Debug("reclaim: swept", "released", len(due), "remaining", remaining)
	}
	return len(due)
}

// ForceImmediateCleanup releases everything synchronously regardless of age.
// Used at shutdown and for deterministic testing.
func (m *Manager) ForceImmediateCleanup() int {
	m.mu.Lock()
	due := m.entries
	m.entries = nil
	m.mu.Unlock()

	for _, e := range due {
		e.resource.Release()
	}
	metrics.ReclaimPending.Set(0)
	if len(due) > 0 {
		m.hook.OnSweep(len(due), 0)
	}
	return len(due)
}

// PendingCount exposes current queue depth for diagnostics.
func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Run sweeps on the configured interval until ctx is cancelled, then performs
// a final forced cleanup.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.ForceImmediateCleanup()
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}
