package metrics

import "time"

// Hook allows embedders to observe key events in the control layer without
// pulling in prometheus. All methods are optional; implementations must be
// cheap and must never block, they are called from control-context code paths.
type Hook interface {
	// Coalescing flush summary: executed and discarded counts per flush.
	OnFlush(executed, discarded int, took time.Duration)

	// Reclaim sweep summary.
	OnSweep(released, remaining int)

	// Pool pressure transitions: ratio is in-use/total at the time of the event.
	OnPoolPressure(ratio float64, emergency bool)
}

// NopHook is a Hook that ignores everything. Embed it to implement only a
// subset of the callbacks.
type NopHook struct{}

func (NopHook) OnFlush(int, int, time.Duration) {}
func (NopHook) OnSweep(int, int)                {}
func (NopHook) OnPoolPressure(float64, bool)    {}
