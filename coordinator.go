package livegraph

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/shaban/livegraph/metrics"
	"github.com/shaban/livegraph/reclaim"
)

// Structural mutations beyond this rate are silently dropped to protect
// against pathological UI-driven storms.
const DefaultStructuralRate = 10 // per second

// Mutations slower than this are reported through the ErrorHandler, matching
// the engine's glitch-free target.
const DefaultSlowMutationWarning = 300 * time.Millisecond

// Config holds coordinator construction parameters. Engine, Tracks and
// Reclaim are required.
type Config struct {
	Engine  RenderEngine
	Tracks  TrackProvider
	Reclaim *reclaim.Manager

	// StructuralRate limits accepted structural mutations per second.
	// Zero selects DefaultStructuralRate; negative disables limiting.
	StructuralRate float64
	CoalesceDelay  time.Duration
	Staleness      time.Duration

	SlowMutationWarning time.Duration

	ErrorHandler ErrorHandler
	Logger       *slog.Logger
	Hook         metrics.Hook
}

// Coordinator is the top-level mutation orchestrator. A single exclusion
// mutex serializes mutation application; reentrancy detection lets nested
// same-control-flow calls skip re-acquisition and the engine choreography.
type Coordinator struct {
	mu sync.Mutex // mutation exclusion, taken only for application

	engine    RenderEngine
	tracks    TrackProvider
	reclaimer *reclaim.Manager

	generation atomic.Uint64
	limiter    *rate.Limiter
	batchDepth atomic.Int32

	pendingMu     sync.Mutex
	pending       map[CoalescingKey]*pendingMutation
	coalesceDelay time.Duration
	staleness     time.Duration

	lastDuration atomic.Int64 // nanoseconds
	maxDuration  atomic.Int64
	slowWarning  time.Duration

	errorHandler ErrorHandler
	logger       *slog.Logger
	hook         metrics.Hook
}

// NewCoordinator creates a coordinator, applying defaults for zero config
// fields.
func NewCoordinator(config Config) (*Coordinator, error) {
	if config.Engine == nil {
		return nil, fmt.Errorf("Engine is required in Config")
	}
	if config.Tracks == nil {
		return nil, fmt.Errorf("Tracks is required in Config")
	}
	if config.Reclaim == nil {
		return nil, fmt.Errorf("Reclaim is required in Config")
	}
	if config.StructuralRate == 0 {
		config.StructuralRate = DefaultStructuralRate
	}
	if config.CoalesceDelay <= 0 {
		config.CoalesceDelay = DefaultCoalesceDelay
	}
	if config.Staleness <= 0 {
		config.Staleness = DefaultStaleness
	}
	if config.SlowMutationWarning <= 0 {
		config.SlowMutationWarning = DefaultSlowMutationWarning
	}
	if config.ErrorHandler == nil {
		config.ErrorHandler = &DefaultErrorHandler{Logger: config.Logger}
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Hook == nil {
		config.Hook = metrics.NopHook{}
	}

	var limiter *rate.Limiter
	if config.StructuralRate > 0 {
		// Fractional rates below one mutation per second still need a burst
		// of at least one token, or every structural mutation is dropped.
		burst := int(math.Ceil(config.StructuralRate))
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(config.StructuralRate), burst)
	}

	return &Coordinator{
		engine:        config.Engine,
		tracks:        config.Tracks,
		reclaimer:     config.Reclaim,
		limiter:       limiter,
		pending:       make(map[CoalescingKey]*pendingMutation),
		coalesceDelay: config.CoalesceDelay,
		staleness:     config.Staleness,
		slowWarning:   config.SlowMutationWarning,
		errorHandler:  config.ErrorHandler,
		logger:        config.Logger,
		hook:          config.Hook,
	}, nil
}

// Generation returns the current structural graph generation. Readers
// capture the value and later check IsValid to detect staleness.
func (c *Coordinator) Generation() uint64 {
	return c.generation.Load()
}

// IsValid reports whether a captured generation still matches the graph.
func (c *Coordinator) IsValid(captured uint64) bool {
	return captured == c.generation.Load()
}

// ApplyStructural applies a topology-changing edit under the full protocol:
// exclusive access, graph-not-ready, engine stop, work, generation bump,
// engine restart, graph-ready. The restore half runs even when work fails or
// panics; no "not-ready" or "stopped" state can leak.
//
// Beyond the configured rate, structural mutations are silently dropped
// (nil return, drop counter); acceptance is not guaranteed, correctness of
// accepted mutations is.
func (c *Coordinator) ApplyStructural(ctx context.Context, work MutationFunc) error {
	if work == nil {
		return fmt.Errorf("structural mutation requires a closure")
	}
	if c.InsideMutation(ctx) {
		// Nested call on the same control flow: execute directly, only the
		// outermost call performs the stop/restart choreography.
		return work(ctx)
	}
	if c.batchDepth.Load() == 0 && c.limiter != nil && !c.limiter.Allow() {
		metrics.StructuralDropped.Inc()
		c.logger.Debug("livegraph: structural mutation dropped by rate limiter")
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runStructuralLocked(ctx, work)
}

func (c *Coordinator) runStructuralLocked(ctx context.Context, work MutationFunc) (err error) {
	start := time.Now()
	c.engine.SetGraphReady(false)
	c.engine.Stop()

	defer func() {
		// A failed closure may have partially edited topology, so the
		// generation bumps regardless; stale readers must re-validate.
		gen := c.generation.Add(1)
		metrics.Generation.Set(float64(gen))

		if startErr := c.engine.Start(); startErr != nil {
			restartErr := fmt.Errorf("engine restart after structural mutation: %w", startErr)
			c.errorHandler.HandleError(restartErr)
			if err == nil {
				err = restartErr
			}
		}
		c.engine.SetGraphReady(true)
		c.trackDuration(MutationStructural, time.Since(start))
	}()

	if err = work(c.markMutation(ctx)); err != nil {
		return fmt.Errorf("structural mutation: %w", err)
	}
	metrics.MutationsApplied.WithLabelValues(MutationStructural.String()).Inc()
	return nil
}

// ApplyConnection applies a rewiring edit. The engine is briefly paused
// (buffers preserved), never stopped, and the generation is untouched.
// Rapid repeated calls sharing a key coalesce into one application of the
// last enqueued closure; callers needing immediate application wrap the call
// in PerformBatchOperation.
func (c *Coordinator) ApplyConnection(ctx context.Context, key CoalescingKey, work MutationFunc) error {
	if work == nil {
		return fmt.Errorf("connection mutation requires a closure")
	}
	if c.InsideMutation(ctx) {
		return work(ctx)
	}
	if c.batchDepth.Load() > 0 {
		return c.executeConnection(ctx, work)
	}
	c.enqueueCoalesced(key, MutationConnection, uuid.Nil, work)
	return nil
}

func (c *Coordinator) executeConnection(ctx context.Context, work MutationFunc) (err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	start := time.Now()
	c.engine.Pause()
	defer func() {
		c.engine.Resume()
		c.trackDuration(MutationConnection, time.Since(start))
	}()

	if err = work(c.markMutation(ctx)); err != nil {
		return fmt.Errorf("connection mutation: %w", err)
	}
	metrics.MutationsApplied.WithLabelValues(MutationConnection.String()).Inc()
	return nil
}

// ApplyHotSwap replaces the resource on one track without stopping or
// pausing audio. The previous resource is detached before work runs and
// handed to the reclaim manager, never freed synchronously. Calls sharing a
// target coalesce like connection edits.
func (c *Coordinator) ApplyHotSwap(ctx context.Context, target uuid.UUID, work MutationFunc) error {
	if work == nil {
		return fmt.Errorf("hot-swap mutation requires a closure")
	}
	if c.InsideMutation(ctx) {
		return c.swapLocked(ctx, target, work)
	}
	if c.batchDepth.Load() > 0 {
		return c.executeHotSwap(ctx, target, work)
	}
	c.enqueueCoalesced(TrackKey(target), MutationHotSwap, target, work)
	return nil
}

func (c *Coordinator) executeHotSwap(ctx context.Context, target uuid.UUID, work MutationFunc) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	start := time.Now()
	err := c.swapLocked(ctx, target, work)
	c.trackDuration(MutationHotSwap, time.Since(start))
	return err
}

func (c *Coordinator) swapLocked(ctx context.Context, target uuid.UUID, work MutationFunc) error {
	old, err := c.tracks.DetachNode(target)
	if err != nil {
		return fmt.Errorf("detach node %s: %w", target, err)
	}
	if old != nil {
		c.reclaimer.Schedule(old, "hot-swap "+target.String())
	}
	if err := work(c.markMutation(ctx)); err != nil {
		return fmt.Errorf("hot-swap mutation: %w", err)
	}
	metrics.MutationsApplied.WithLabelValues(MutationHotSwap.String()).Inc()
	return nil
}

// PerformBatchOperation disables rate limiting and coalescing for the
// duration of work, so programmatic edit sequences (loading a project with N
// tracks) apply every sub-mutation immediately and in full. Nested batch
// calls are no-ops past the first. Pending coalesced mutations are flushed
// before the batch begins so they cannot land mid-sequence.
//
// A batch opened from inside a mutation closure skips the eager flush: the
// caller already holds the mutation mutex, so executing pending slots here
// would self-deadlock. Those slots flush on their timers once the outer
// mutation returns.
func (c *Coordinator) PerformBatchOperation(ctx context.Context, work MutationFunc) error {
	if work == nil {
		return fmt.Errorf("batch operation requires a closure")
	}
	if c.batchDepth.Add(1) == 1 && !c.InsideMutation(ctx) {
		c.FlushPendingMutations()
	}
	defer c.batchDepth.Add(-1)
	return work(ctx)
}

// PerformanceStats returns the last and worst mutation application
// durations, mirroring the engine's sub-300ms topology-change target.
func (c *Coordinator) PerformanceStats() (last, max time.Duration) {
	return time.Duration(c.lastDuration.Load()), time.Duration(c.maxDuration.Load())
}

// Close flushes pending coalesced mutations and stops their timers. The
// coordinator must not be used afterwards. Like FlushPendingMutations, Close
// must not be called from inside a mutation closure.
func (c *Coordinator) Close() {
	c.FlushPendingMutations()
}

func (c *Coordinator) trackDuration(kind MutationKind, d time.Duration) {
	c.lastDuration.Store(int64(d))
	for {
		prev := c.maxDuration.Load()
		if int64(d) <= prev || c.maxDuration.CompareAndSwap(prev, int64(d)) {
			break
		}
	}
	metrics.MutationDuration.WithLabelValues(kind.String()).Observe(d.Seconds())
	if d > c.slowWarning {
		c.errorHandler.HandleError(
			fmt.Errorf("%s mutation took %v, target is sub-%v", kind, d, c.slowWarning))
	}
}
