package livegraph_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaban/livegraph"
	"github.com/shaban/livegraph/internal/testutil"
	"github.com/shaban/livegraph/reclaim"
)

func newTestCoordinator(t *testing.T, mutate func(*livegraph.Config)) (*livegraph.Coordinator, *testutil.FakeEngine, *testutil.FakeTracks, *reclaim.Manager) {
	t.Helper()
	engine := &testutil.FakeEngine{}
	tracks := testutil.NewFakeTracks()
	rm := reclaim.NewManager(reclaim.Config{})

	config := livegraph.Config{
		Engine:  engine,
		Tracks:  tracks,
		Reclaim: rm,
		// Tests drive mutation storms; keep the limiter out of the way
		// unless a test opts back in.
		StructuralRate: -1,
		CoalesceDelay:  20 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&config)
	}
	c, err := livegraph.NewCoordinator(config)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c, engine, tracks, rm
}

func TestStructuralChoreography(t *testing.T) {
	c, engine, _, _ := newTestCoordinator(t, nil)

	err := c.ApplyStructural(context.Background(), func(ctx context.Context) error {
		engine.Record("work")
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"ready=false", "stop", "work", "start", "ready=true"}, engine.Events())
	assert.True(t, engine.IsRunning())
	assert.True(t, engine.IsReady())
	assert.Equal(t, uint64(1), c.Generation())
}

func TestGenerationMonotonicity(t *testing.T) {
	c, _, tracks, _ := newTestCoordinator(t, nil)
	ctx := context.Background()

	require.Equal(t, uint64(0), c.Generation())
	captured := c.Generation()
	require.True(t, c.IsValid(captured))

	for i := 0; i < 5; i++ {
		require.NoError(t, c.ApplyStructural(ctx, func(context.Context) error { return nil }))
	}
	assert.Equal(t, uint64(5), c.Generation())
	assert.False(t, c.IsValid(captured))

	// Connection and hot-swap mutations never move the generation.
	track := uuid.New()
	tracks.Attach(track, &testutil.FakeResource{Name: "old"})
	err := c.PerformBatchOperation(ctx, func(ctx context.Context) error {
		if err := c.ApplyConnection(ctx, livegraph.GlobalKey, func(context.Context) error { return nil }); err != nil {
			return err
		}
		return c.ApplyHotSwap(ctx, track, func(context.Context) error { return nil })
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(5), c.Generation())
}

func TestStructuralFailureRestoresEngineState(t *testing.T) {
	c, engine, _, _ := newTestCoordinator(t, nil)

	boom := errors.New("boom")
	err := c.ApplyStructural(context.Background(), func(context.Context) error { return boom })
	require.ErrorIs(t, err, boom)

	// Ready-signal and engine restart still occurred.
	assert.Equal(t, []string{"ready=false", "stop", "start", "ready=true"}, engine.Events())
	assert.True(t, engine.IsRunning())
	assert.True(t, engine.IsReady())
	// The closure may have partially edited topology before failing, so the
	// generation still advances.
	assert.Equal(t, uint64(1), c.Generation())
}

func TestStructuralPanicRestoresEngineState(t *testing.T) {
	c, engine, _, _ := newTestCoordinator(t, nil)

	require.Panics(t, func() {
		_ = c.ApplyStructural(context.Background(), func(context.Context) error {
			panic("mutation panic")
		})
	})
	assert.True(t, engine.IsRunning())
	assert.True(t, engine.IsReady())

	// The coordinator lock was released by the panic path; further
	// mutations still work.
	require.NoError(t, c.ApplyStructural(context.Background(), func(context.Context) error { return nil }))
}

func TestReentrancyInnerRunsDirectly(t *testing.T) {
	c, engine, _, _ := newTestCoordinator(t, nil)

	err := c.ApplyStructural(context.Background(), func(ctx context.Context) error {
		engine.Record("outer-start")
		innerErr := c.ApplyConnection(ctx, livegraph.GlobalKey, func(context.Context) error {
			engine.Record("inner")
			return nil
		})
		engine.Record("outer-end")
		return innerErr
	})
	require.NoError(t, err)

	// The nested call executed in place: no pause/resume, no extra
	// stop/start cycle, order {outer-start, inner, outer-end}.
	assert.Equal(t, []string{
		"ready=false", "stop",
		"outer-start", "inner", "outer-end",
		"start", "ready=true",
	}, engine.Events())
}

func TestNestedStructuralSkipsChoreography(t *testing.T) {
	c, engine, _, _ := newTestCoordinator(t, nil)

	err := c.ApplyStructural(context.Background(), func(ctx context.Context) error {
		return c.ApplyStructural(ctx, func(context.Context) error {
			engine.Record("nested")
			return nil
		})
	})
	require.NoError(t, err)

	// One stop/start cycle and one generation bump, not two.
	assert.Equal(t, []string{"ready=false", "stop", "nested", "start", "ready=true"}, engine.Events())
	assert.Equal(t, uint64(1), c.Generation())
}

func TestStructuralRateLimiting(t *testing.T) {
	c, _, _, _ := newTestCoordinator(t, func(cfg *livegraph.Config) {
		cfg.StructuralRate = 5
	})
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		// Dropped mutations return nil: the caller does not error.
		require.NoError(t, c.ApplyStructural(ctx, func(context.Context) error { return nil }))
	}

	gen := c.Generation()
	assert.GreaterOrEqual(t, gen, uint64(5), "burst of 5 should be accepted")
	assert.Less(t, gen, uint64(50), "storm beyond the rate must be dropped")
}

func TestRateLimitDisabledInBatch(t *testing.T) {
	c, _, _, _ := newTestCoordinator(t, func(cfg *livegraph.Config) {
		cfg.StructuralRate = 1
	})
	ctx := context.Background()

	err := c.PerformBatchOperation(ctx, func(ctx context.Context) error {
		for i := 0; i < 20; i++ {
			if err := c.ApplyStructural(ctx, func(context.Context) error { return nil }); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(20), c.Generation())
}

func TestConnectionPausesButNeverStops(t *testing.T) {
	c, engine, _, _ := newTestCoordinator(t, nil)

	err := c.PerformBatchOperation(context.Background(), func(ctx context.Context) error {
		return c.ApplyConnection(ctx, livegraph.GlobalKey, func(context.Context) error {
			engine.Record("rewire")
			return nil
		})
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"pause", "rewire", "resume"}, engine.Events())
	assert.Equal(t, uint64(0), c.Generation())
}

func TestConnectionFailureStillResumes(t *testing.T) {
	c, engine, _, _ := newTestCoordinator(t, nil)

	boom := errors.New("rewire failed")
	err := c.PerformBatchOperation(context.Background(), func(ctx context.Context) error {
		return c.ApplyConnection(ctx, livegraph.GlobalKey, func(context.Context) error { return boom })
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"pause", "resume"}, engine.Events())
}

func TestCoalescingCollapse(t *testing.T) {
	c, _, _, _ := newTestCoordinator(t, nil)
	ctx := context.Background()

	counter := 0
	finalValue := 0
	for i := 1; i <= 10; i++ {
		i := i
		err := c.ApplyConnection(ctx, livegraph.GlobalKey, func(context.Context) error {
			counter++
			finalValue = i
			return nil
		})
		require.NoError(t, err)
	}

	c.FlushPendingMutations()
	assert.Equal(t, 1, counter, "burst must collapse to one execution")
	assert.Equal(t, 10, finalValue, "the last enqueued closure wins")
	assert.Equal(t, 0, c.PendingCount())
}

func TestCoalescingDistinctKeysIndependent(t *testing.T) {
	c, _, _, _ := newTestCoordinator(t, nil)
	ctx := context.Background()

	trackA := uuid.New()
	trackB := uuid.New()
	countA, countB := 0, 0
	for i := 0; i < 5; i++ {
		require.NoError(t, c.ApplyConnection(ctx, livegraph.TrackKey(trackA), func(context.Context) error {
			countA++
			return nil
		}))
		require.NoError(t, c.ApplyConnection(ctx, livegraph.TrackKey(trackB), func(context.Context) error {
			countB++
			return nil
		}))
	}

	c.FlushPendingMutations()
	assert.Equal(t, 1, countA)
	assert.Equal(t, 1, countB)
}

func TestCoalescingTimerFires(t *testing.T) {
	c, _, _, _ := newTestCoordinator(t, func(cfg *livegraph.Config) {
		cfg.CoalesceDelay = 10 * time.Millisecond
	})

	done := make(chan struct{})
	err := c.ApplyConnection(context.Background(), livegraph.GlobalKey, func(context.Context) error {
		close(done)
		return nil
	})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("flush timer never fired")
	}
}

func TestStalePendingMutationDiscarded(t *testing.T) {
	c, _, _, _ := newTestCoordinator(t, func(cfg *livegraph.Config) {
		cfg.CoalesceDelay = time.Hour // keep the timer out of the test
		cfg.Staleness = time.Nanosecond
	})

	executed := false
	require.NoError(t, c.ApplyConnection(context.Background(), livegraph.GlobalKey, func(context.Context) error {
		executed = true
		return nil
	}))

	time.Sleep(time.Millisecond)
	c.FlushPendingMutations()
	assert.False(t, executed, "overdue pending mutations are dropped, not applied late")
	assert.Equal(t, 0, c.PendingCount())
}

func TestHotSwapDetachesBeforeWorkAndDefersRelease(t *testing.T) {
	c, engine, tracks, rm := newTestCoordinator(t, nil)

	track := uuid.New()
	old := &testutil.FakeResource{Name: "old plugin"}
	tracks.Attach(track, old)

	err := c.PerformBatchOperation(context.Background(), func(ctx context.Context) error {
		return c.ApplyHotSwap(ctx, track, func(context.Context) error {
			// The old resource is already detached and parked, but must not
			// have been freed while a render callback could still hold it.
			if old.Released() {
				t.Error("old resource released synchronously during hot swap")
			}
			engine.Record("connect replacement")
			return nil
		})
	})
	require.NoError(t, err)

	// No stop, no pause: audio was never interrupted.
	assert.Equal(t, []string{"connect replacement"}, engine.Events())
	assert.Equal(t, 1, rm.PendingCount())
	assert.False(t, old.Released())

	rm.ForceImmediateCleanup()
	assert.True(t, old.Released())
}

func TestHotSwapCoalescesPerTarget(t *testing.T) {
	c, _, tracks, rm := newTestCoordinator(t, nil)

	track := uuid.New()
	tracks.Attach(track, &testutil.FakeResource{})

	applied := 0
	for i := 0; i < 4; i++ {
		require.NoError(t, c.ApplyHotSwap(context.Background(), track, func(context.Context) error {
			applied++
			return nil
		}))
	}
	c.FlushPendingMutations()

	assert.Equal(t, 1, applied)
	// Only the surviving application detached anything.
	assert.Equal(t, 1, tracks.DetachCount())
	assert.Equal(t, 1, rm.PendingCount())
}

func TestBatchFlushesPendingFirst(t *testing.T) {
	c, _, _, _ := newTestCoordinator(t, func(cfg *livegraph.Config) {
		cfg.CoalesceDelay = time.Hour
	})
	ctx := context.Background()

	order := []string{}
	require.NoError(t, c.ApplyConnection(ctx, livegraph.GlobalKey, func(context.Context) error {
		order = append(order, "pending")
		return nil
	}))

	err := c.PerformBatchOperation(ctx, func(ctx context.Context) error {
		order = append(order, "batch")
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"pending", "batch"}, order)
}

func TestNestedBatchIsNoOp(t *testing.T) {
	c, _, _, _ := newTestCoordinator(t, nil)
	ctx := context.Background()

	depth := 0
	err := c.PerformBatchOperation(ctx, func(ctx context.Context) error {
		depth++
		return c.PerformBatchOperation(ctx, func(ctx context.Context) error {
			depth++
			// Still in batch mode: connection applies immediately.
			return c.ApplyConnection(ctx, livegraph.GlobalKey, func(context.Context) error { return nil })
		})
	})
	require.NoError(t, err)
	assert.Equal(t, 2, depth)
	assert.Equal(t, 0, c.PendingCount())
}

func TestEngineRestartFailureSurfaces(t *testing.T) {
	var handled []error
	c, engine, _, _ := newTestCoordinator(t, func(cfg *livegraph.Config) {
		cfg.ErrorHandler = livegraph.NewLoggingErrorHandler(nil, func(err error) {
			handled = append(handled, err)
		})
	})

	engine.StartErr = errors.New("device gone")
	err := c.ApplyStructural(context.Background(), func(context.Context) error { return nil })
	require.Error(t, err)
	require.Len(t, handled, 1)
	assert.True(t, engine.IsReady(), "ready flag restored even when restart fails")
}

func TestPerformanceStatsTracked(t *testing.T) {
	c, _, _, _ := newTestCoordinator(t, nil)

	require.NoError(t, c.ApplyStructural(context.Background(), func(context.Context) error {
		time.Sleep(2 * time.Millisecond)
		return nil
	}))
	last, max := c.PerformanceStats()
	assert.Greater(t, last, time.Duration(0))
	assert.GreaterOrEqual(t, max, last)
}

func TestBatchInsideStructuralClosureDoesNotDeadlock(t *testing.T) {
	c, engine, _, _ := newTestCoordinator(t, func(cfg *livegraph.Config) {
		cfg.CoalesceDelay = time.Hour
	})
	ctx := context.Background()

	// Park a coalesced mutation so the batch entry has something to flush.
	require.NoError(t, c.ApplyConnection(ctx, livegraph.GlobalKey, func(context.Context) error {
		engine.Record("pending")
		return nil
	}))
	require.Equal(t, 1, c.PendingCount())

	done := make(chan error, 1)
	go func() {
		done <- c.ApplyStructural(ctx, func(ctx context.Context) error {
			return c.PerformBatchOperation(ctx, func(ctx context.Context) error {
				engine.Record("batch")
				return nil
			})
		})
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("batch inside a structural closure hung on the coordinator mutex")
	}

	// The parked slot stays queued: flushing it under the held mutex is what
	// would deadlock. It still executes on a later explicit flush.
	require.Equal(t, 1, c.PendingCount())
	c.FlushPendingMutations()
	assert.Contains(t, engine.Events(), "pending")
}

func TestFractionalRateStillAcceptsMutations(t *testing.T) {
	c, _, _, _ := newTestCoordinator(t, func(cfg *livegraph.Config) {
		cfg.StructuralRate = 0.5
	})

	err := c.ApplyStructural(context.Background(), func(context.Context) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, uint64(1), c.Generation(), "a sub-1/s rate must still admit a first mutation")
}

func TestMutationContextScopedPerCoordinator(t *testing.T) {
	a, _, _, _ := newTestCoordinator(t, nil)
	b, bEngine, _, _ := newTestCoordinator(t, nil)

	err := a.ApplyStructural(context.Background(), func(ctx context.Context) error {
		// The marked context belongs to a; b must run its own choreography.
		return b.ApplyStructural(ctx, func(context.Context) error {
			bEngine.Record("work")
			return nil
		})
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"ready=false", "stop", "work", "start", "ready=true"}, bEngine.Events())
	assert.Equal(t, uint64(1), b.Generation())
}

func TestHotSwapDetachFailureRoutedToErrorHandler(t *testing.T) {
	var handled []error
	c, _, tracks, _ := newTestCoordinator(t, func(cfg *livegraph.Config) {
		cfg.CoalesceDelay = time.Hour
		cfg.ErrorHandler = livegraph.NewLoggingErrorHandler(nil, func(err error) {
			handled = append(handled, err)
		})
	})

	tracks.DetachErr = errors.New("node busy")
	track := uuid.New()
	ran := false
	require.NoError(t, c.ApplyHotSwap(context.Background(), track, func(context.Context) error {
		ran = true
		return nil
	}))

	// The caller is gone by flush time, so the failure surfaces through the
	// handler instead.
	c.FlushPendingMutations()
	require.Len(t, handled, 1)
	assert.ErrorContains(t, handled[0], "detach node")
	assert.False(t, ran, "closure must not run when the detach fails")
}
