// Package testutil provides fakes for exercising the control layer without a
// real render engine: a choreography-recording engine, a track provider with
// detachable resources, and a dispatch capture hook.
package testutil

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"gitlab.com/gomidi/midi/v2"

	"github.com/shaban/livegraph/reclaim"
)

// FakeEngine records the engine lifecycle calls in order so tests can assert
// the exact stop/start and pause/resume choreography.
type FakeEngine struct {
	mu     sync.Mutex
	events []string

	StartErr error // returned by the next Start call

	running bool
	ready   bool
}

func (e *FakeEngine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, "start")
	if e.StartErr != nil {
		err := e.StartErr
		e.StartErr = nil
		return err
	}
	e.running = true
	return nil
}

func (e *FakeEngine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, "stop")
	e.running = false
}

func (e *FakeEngine) Pause() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, "pause")
}

func (e *FakeEngine) Resume() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, "resume")
}

func (e *FakeEngine) SetGraphReady(ready bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, fmt.Sprintf("ready=%t", ready))
	e.ready = ready
}

// Record marks a custom event in the choreography log, letting tests
// interleave closure execution with engine calls.
func (e *FakeEngine) Record(event string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, event)
}

// Events returns a copy of the recorded call sequence.
func (e *FakeEngine) Events() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.events))
	copy(out, e.events)
	return out
}

// IsRunning reports the engine run state.
func (e *FakeEngine) IsRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// IsReady reports the graph-ready flag.
func (e *FakeEngine) IsReady() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ready
}

// FakeResource counts releases so reclaim timing tests can observe liveness.
type FakeResource struct {
	Name     string
	released atomic.Int32
}

func (r *FakeResource) Release() { r.released.Add(1) }

// Released reports whether the resource has been released at least once.
func (r *FakeResource) Released() bool { return r.released.Load() > 0 }

// ReleaseCount returns the number of Release calls.
func (r *FakeResource) ReleaseCount() int { return int(r.released.Load()) }

// FakeTracks is a TrackProvider backed by a map of detachable resources.
type FakeTracks struct {
	mu        sync.Mutex
	resources map[uuid.UUID]*FakeResource
	detaches  int

	DetachErr error // returned by every DetachNode call when set
}

func NewFakeTracks() *FakeTracks {
	return &FakeTracks{resources: make(map[uuid.UUID]*FakeResource)}
}

// Attach installs a resource for a track, replacing any previous one.
func (t *FakeTracks) Attach(track uuid.UUID, r *FakeResource) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resources[track] = r
}

// DetachNode removes and returns the track's current resource; nil when the
// track has none.
func (t *FakeTracks) DetachNode(track uuid.UUID) (reclaim.Resource, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.DetachErr != nil {
		return nil, t.DetachErr
	}
	t.detaches++
	r, ok := t.resources[track]
	if !ok {
		return nil, nil
	}
	delete(t.resources, track)
	if r == nil {
		return nil, nil
	}
	return r, nil
}

// DetachCount returns the number of successful DetachNode calls.
func (t *FakeTracks) DetachCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.detaches
}

// Dispatched is one captured render dispatch.
type Dispatched struct {
	Msg        midi.Message
	SampleTime int64
}

// CaptureHook records everything a scheduler dispatches for one track.
type CaptureHook struct {
	mu     sync.Mutex
	events []Dispatched
}

// Fn returns the DispatchFunc-shaped capture function.
func (h *CaptureHook) Fn(msg midi.Message, sampleTime int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	// The scheduler reuses its scratch buffer between passes; copy the bytes.
	cp := make(midi.Message, len(msg))
	copy(cp, msg)
	h.events = append(h.events, Dispatched{Msg: cp, SampleTime: sampleTime})
}

// Events returns a copy of the captured dispatches.
func (h *CaptureHook) Events() []Dispatched {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Dispatched, len(h.events))
	copy(out, h.events)
	return out
}

// Reset clears the capture buffer.
func (h *CaptureHook) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = nil
}

// NoteOns returns the captured note-on messages with velocity > 0.
func (h *CaptureHook) NoteOns() []Dispatched {
	var out []Dispatched
	for _, d := range h.Events() {
		var ch, key, vel uint8
		if d.Msg.GetNoteStart(&ch, &key, &vel) {
			out = append(out, d)
		}
	}
	return out
}
