// Package bufpool provides a pre-allocated elastic buffer pool for the
// record-ingestion path. The pool favors a rare synchronous allocation over
// ever dropping a sample: predictive background allocation kicks in when
// usage crosses the low watermark and an emergency allocation satisfies a
// request at exhaustion, up to a hard cap.
package bufpool

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/shaban/livegraph/metrics"
)

// Watermarks as in-use/total ratios.
const (
	DefaultLowWatermark      = 0.75
	DefaultCriticalWatermark = 0.90

	DefaultInitialBuffers = 8
	DefaultMaxOverflow    = 8
	DefaultFrameCapacity  = 4096
)

// Buffer is a fixed-capacity frame buffer owned by a Pool. A buffer handed
// out by Acquire is never handed out again until released.
type Buffer struct {
	data     []float32
	frames   int
	overflow bool
}

// Data returns the valid frames of the buffer.
func (b *Buffer) Data() []float32 { return b.data[:b.frames] }

// Cap returns the buffer's fixed frame capacity.
func (b *Buffer) Cap() int { return cap(b.data) }

// SetFrames marks the first n frames as valid. n is clamped to capacity.
func (b *Buffer) SetFrames(n int) {
	if n < 0 {
		n = 0
	}
	if n > cap(b.data) {
		n = cap(b.data)
	}
	b.frames = n
}

// Config holds pool construction parameters. Capacity and initial size are
// fixed at construction.
type Config struct {
	InitialBuffers int
	MaxOverflow    int
	FrameCapacity  int

	LowWatermark      float64
	CriticalWatermark float64

	Logger *slog.Logger
	Hook   metrics.Hook
}

// Stats is a point-in-time snapshot of pool counters.
type Stats struct {
	Total           int
	InUse           int
	Available       int
	EmergencyAllocs uint64
	PredictiveRuns  uint64
}

// Pool is an elastic buffer pool. The free-list lock is held only for the
// list splice, never across a copy or an allocation.
type Pool struct {
	mu    sync.Mutex
	free  []*Buffer
	inUse int
	total int

	initial       int
	maxOverflow   int
	frameCapacity int
	lowWatermark  float64
	critWatermark float64

	prealloc chan struct{} // wakes the predictive allocator

	emergencyAllocs atomic.Uint64
	predictiveRuns  atomic.Uint64

	logger *slog.Logger
	hook   metrics.Hook

	closed chan struct{}
}

// NewPool creates a pool with InitialBuffers pre-allocated buffers and starts
// the predictive allocator. Call Close when done.
func NewPool(config Config) *Pool {
	if config.InitialBuffers <= 0 {
		config.InitialBuffers = DefaultInitialBuffers
	}
	if config.MaxOverflow < 0 {
		config.MaxOverflow = DefaultMaxOverflow
	}
	if config.FrameCapacity <= 0 {
		config.FrameCapacity = DefaultFrameCapacity
	}
	if config.LowWatermark <= 0 || config.LowWatermark >= 1 {
		config.LowWatermark = DefaultLowWatermark
	}
	if config.CriticalWatermark <= config.LowWatermark || config.CriticalWatermark > 1 {
		config.CriticalWatermark = DefaultCriticalWatermark
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Hook == nil {
		config.Hook = metrics.NopHook{}
	}

	p := &Pool{
		initial:       config.InitialBuffers,
		maxOverflow:   config.MaxOverflow,
		frameCapacity: config.FrameCapacity,
		lowWatermark:  config.LowWatermark,
		critWatermark: config.CriticalWatermark,
		prealloc:      make(chan struct{}, 1),
		logger:        config.Logger,
		hook:          config.Hook,
		closed:        make(chan struct{}),
	}

	p.free = make([]*Buffer, 0, config.InitialBuffers+config.MaxOverflow)
	for i := 0; i < config.InitialBuffers; i++ {
		p.free = append(p.free, &Buffer{data: make([]float32, config.FrameCapacity)})
	}
	p.total = config.InitialBuffers

	go p.predictiveLoop()
	return p
}

// Acquire returns a buffer, or nil only at true exhaustion (initial + max
// overflow all in use). Crossing the low watermark triggers predictive
// background allocation; at exhaustion below the hard cap an emergency
// buffer is allocated synchronously rather than failing.
func (p *Pool) Acquire() *Buffer {
	p.mu.Lock()
	if n := len(p.free); n > 0 {
		buf := p.free[n-1]
		p.free = p.free[:n-1]
		p.inUse++
		ratio := float64(p.inUse) / float64(p.total)
		p.mu.Unlock()

		metrics.PoolUsage.Set(ratio)
		if ratio >= p.lowWatermark {
			p.wakePredictive()
			p.hook.OnPoolPressure(ratio, false)
		}
		buf.frames = 0
		return buf
	}

	// Free list empty. Emergency allocation if under the hard cap.
	if p.total >= p.initial+p.maxOverflow {
		p.mu.Unlock()
		return nil
	}
	p.total++
	p.inUse++
	ratio := float64(p.inUse) / float64(p.total)
	p.mu.Unlock()

	buf := &Buffer{data: make([]float32, p.frameCapacity), overflow: true}
	p.emergencyAllocs.Add(1)
	metrics.PoolEmergencyAllocs.Inc()
	metrics.PoolUsage.Set(ratio)
	p.hook.OnPoolPressure(ratio, true)
	p.logger.Warn("bufpool: emergency allocation", "total", p.TotalCount())
	return buf
}

// AcquireAndCopy acquires a buffer and copies src into it. Returns nil if the
// source exceeds the pool's frame capacity or the pool is exhausted. The copy
// happens outside the pool lock.
func (p *Pool) AcquireAndCopy(src []float32) *Buffer {
	if len(src) > p.frameCapacity {
		return nil
	}
	buf := p.Acquire()
	if buf == nil {
		return nil
	}
	copy(buf.data, src)
	buf.frames = len(src)
	return buf
}

// Release returns a buffer to the pool. Overflow buffers are retired instead
// of re-enlisted once usage is back at baseline, so steady-state memory
// returns to the initial footprint.
func (p *Pool) Release(buf *Buffer) {
	if buf == nil {
		return
	}
	buf.frames = 0

	p.mu.Lock()
	p.inUse--
	atBaseline := p.inUse < p.initial
	if buf.overflow && p.total > p.initial && atBaseline {
		// Shrink back out: drop the overflow buffer entirely.
		p.total--
	} else {
		p.free = append(p.free, buf)
	}
	// Retire overflow stragglers parked on the free list during the burst.
	// The scan is bounded by MaxOverflow.
	for atBaseline && p.total > p.initial {
		idx := -1
		for i := len(p.free) - 1; i >= 0; i-- {
			if p.free[i].overflow {
				idx = i
				break
			}
		}
		if idx < 0 {
			break
		}
		p.free = append(p.free[:idx], p.free[idx+1:]...)
		p.total--
	}
	ratio := usageRatio(p.inUse, p.total)
	p.mu.Unlock()
	metrics.PoolUsage.Set(ratio)
}

// AvailableCount returns the current free-list depth.
func (p *Pool) AvailableCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// TotalCount returns the current total number of live buffers.
func (p *Pool) TotalCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.total
}

// Stats returns a snapshot of pool counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	s := Stats{
		Total:     p.total,
		InUse:     p.inUse,
		Available: len(p.free),
	}
	p.mu.Unlock()
	s.EmergencyAllocs = p.emergencyAllocs.Load()
	s.PredictiveRuns = p.predictiveRuns.Load()
	return s
}

// Close stops the predictive allocator. Buffers already handed out remain
// valid; Release after Close is still safe.
func (p *Pool) Close() {
	select {
	case <-p.closed:
	default:
		close(p.closed)
	}
}

func (p *Pool) wakePredictive() {
	select {
	case p.prealloc <- struct{}{}:
	default:
	}
}

// predictiveLoop allocates overflow buffers ahead of exhaustion, off the
// caller's critical path.
func (p *Pool) predictiveLoop() {
	for {
		select {
		case <-p.closed:
			return
		case <-p.prealloc:
			for {
				p.mu.Lock()
				ratio := usageRatio(p.inUse, p.total)
				room := p.total < p.initial+p.maxOverflow
				p.mu.Unlock()
				if ratio < p.lowWatermark || !room {
					break
				}

				// Allocate outside the lock, splice under it.
				buf := &Buffer{data: make([]float32, p.frameCapacity), overflow: true}
				p.mu.Lock()
				if p.total >= p.initial+p.maxOverflow {
					p.mu.Unlock()
					break
				}
				p.free = append(p.free, buf)
				p.total++
				p.mu.Unlock()
				p.predictiveRuns.Add(1)
			}
		}
	}
}

func usageRatio(inUse, total int) float64 {
	if total <= 0 {
		return 0
	}
	return float64(inUse) / float64(total)
}
