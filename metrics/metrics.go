// Package metrics exposes prometheus collectors for the control layer.
//
// Nothing in this package is touched from the render context; components
// update these counters from the control context only, and render-side
// conditions are mirrored into them during off-thread sweeps.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MutationsApplied counts executed mutation closures by kind.
	MutationsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "livegraph_mutations_applied_total",
		Help: "Mutation closures executed, by kind",
	}, []string{"kind"})

	// StructuralDropped counts structural mutations rejected by the rate limiter.
	StructuralDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "livegraph_structural_dropped_total",
		Help: "Structural mutations dropped by the rate limiter",
	})

	// CoalescedReplaced counts pending mutations superseded before flushing.
	CoalescedReplaced = promauto.NewCounter(prometheus.CounterOpts{
		Name: "livegraph_coalesced_replaced_total",
		Help: "Pending mutations replaced by a newer same-key mutation",
	})

	// StaleDiscarded counts pending mutations discarded past the staleness bound.
	StaleDiscarded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "livegraph_stale_discarded_total",
		Help: "Pending mutations discarded unexecuted because they aged out",
	})

	// Generation mirrors the current graph generation counter.
	Generation = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "livegraph_graph_generation",
		Help: "Current structural graph generation",
	})

	// MutationDuration observes mutation application time by kind.
	MutationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "livegraph_mutation_duration_seconds",
		Help:    "Time spent applying a mutation closure, by kind",
		Buckets: []float64{0.0001, 0.001, 0.01, 0.05, 0.1, 0.3, 1},
	}, []string{"kind"})

	// EventsDispatched counts scheduler events handed to render dispatch hooks.
	EventsDispatched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "livegraph_events_dispatched_total",
		Help: "Scheduled MIDI events dispatched to the render path",
	})

	// EventsDropped counts malformed events dropped before dispatch.
	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "livegraph_events_dropped_total",
		Help: "Scheduled events dropped for out-of-range values",
	})

	// MissingHooks counts dispatch attempts against tracks without a render hook.
	MissingHooks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "livegraph_missing_hooks_total",
		Help: "Dispatch attempts skipped because the track had no render hook",
	})

	// ReclaimPending tracks the deferred-reclaim queue depth.
	ReclaimPending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "livegraph_reclaim_pending",
		Help: "Resources currently awaiting deferred release",
	})

	// PoolUsage tracks buffer pool usage as a ratio of total capacity.
	PoolUsage = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "livegraph_pool_usage_ratio",
		Help: "Buffer pool in-use ratio (0..1)",
	})

	// PoolEmergencyAllocs counts synchronous emergency buffer allocations.
	PoolEmergencyAllocs = promauto.NewCounter(prometheus.CounterOpts{
		Name: "livegraph_pool_emergency_allocs_total",
		Help: "Emergency synchronous buffer allocations under exhaustion",
	})
)
