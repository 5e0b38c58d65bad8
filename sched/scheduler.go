// Package sched implements the sample-accurate event scheduler: it maps beat
// positions to render sample times through a TimingReference, dispatches due
// events inside a lookahead window on a control-thread cadence, and survives
// tempo changes and cycle wraps without duplicate or missed events.
//
// Real-time safety: the only render-reachable surface is OnRenderPosition
// (one atomic store) and the lock-free diagnostic counters. Everything else
// runs on the control context.
package sched

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"gitlab.com/gomidi/midi/v2"

	"github.com/shaban/livegraph/metrics"
)

// DispatchFunc hands an event to the render path for a track: the message
// bytes plus the absolute sample time at which the event should sound.
// The hook may be absent for a track; the scheduler detects that, counts it
// and skips cleanly.
type DispatchFunc func(msg midi.Message, sampleTime int64)

// All-notes-off controller number (MIDI CC 123).
const ccAllNotesOff = 123

// Defaults. Lookahead is on the order of 100-150ms expressed in beats at the
// current tempo; the tick interval is the control-thread cadence.
const (
	DefaultLookahead    = 120 * time.Millisecond
	DefaultTickInterval = 25 * time.Millisecond
	DefaultScratchSize  = 256
)

// Config holds scheduler construction parameters.
type Config struct {
	Tempo      float64 // beats per minute, required > 0
	SampleRate float64 // required > 0

	Lookahead    time.Duration
	TickInterval time.Duration
	ScratchSize  int

	Logger *slog.Logger
}

// Diagnostics is a snapshot of the scheduler's lock-free condition counters,
// surfaced off-thread.
type Diagnostics struct {
	MissingHooks  uint64
	DroppedEvents uint64
	Dispatched    uint64
}

type activeNote struct {
	track   uuid.UUID
	channel uint8
	key     uint8
}

// staged is one slot of the pre-allocated dispatch scratch buffer.
type staged struct {
	fn         DispatchFunc
	bytes      [3]byte
	n          int
	sampleTime int64
}

// Scheduler owns the TimingReference, the sorted event index and the
// lookahead window. All mutating methods run on the control context.
type Scheduler struct {
	mu sync.Mutex

	ref     TimingReference
	events  []Event
	cursor  int
	playing bool

	cycleOn    bool
	cycleStart float64
	cycleEnd   float64

	hooks   map[uuid.UUID]DispatchFunc
	active  map[activeNote]struct{}
	scratch []staged

	lookahead    time.Duration
	tickInterval time.Duration
	logger       *slog.Logger

	// Render-reachable state: written by the render callback, read here.
	renderPos atomic.Int64
	// Atomic beat snapshot for render-side consumers; written on every pass.
	beatBits atomic.Uint64

	missingHooks  atomic.Uint64
	droppedEvents atomic.Uint64
	dispatched    atomic.Uint64
}

// New creates a scheduler. Tempo and SampleRate must be positive.
func New(config Config) (*Scheduler, error) {
	if config.Tempo <= 0 {
		return nil, fmt.Errorf("tempo must be positive, got %v", config.Tempo)
	}
	if config.SampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %v", config.SampleRate)
	}
	if config.Lookahead <= 0 {
		config.Lookahead = DefaultLookahead
	}
	if config.TickInterval <= 0 {
		config.TickInterval = DefaultTickInterval
	}
	if config.ScratchSize <= 0 {
		config.ScratchSize = DefaultScratchSize
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	s := &Scheduler{
		ref: TimingReference{
			Tempo:      config.Tempo,
			SampleRate: config.SampleRate,
		},
		hooks:        make(map[uuid.UUID]DispatchFunc),
		active:       make(map[activeNote]struct{}),
		scratch:      make([]staged, config.ScratchSize),
		lookahead:    config.Lookahead,
		tickInterval: config.TickInterval,
		logger:       config.Logger,
	}
	return s, nil
}

// Configure replaces tempo and sample rate while stopped. While playing, use
// UpdateTempo so the tempo-change protocol runs.
func (s *Scheduler) Configure(tempo, sampleRate float64) error {
	if tempo <= 0 || sampleRate <= 0 {
		return fmt.Errorf("invalid configuration: tempo=%v sampleRate=%v", tempo, sampleRate)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.playing {
		return fmt.Errorf("cannot reconfigure while playing")
	}
	s.ref = TimingReference{Tempo: tempo, SampleRate: sampleRate}
	return nil
}

// SetDispatchFunc installs (or, with nil, removes) the render dispatch hook
// for a track.
func (s *Scheduler) SetDispatchFunc(track uuid.UUID, fn DispatchFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fn == nil {
		delete(s.hooks, track)
		return
	}
	s.hooks[track] = fn
}

// LoadEvents rebuilds the sorted event index from per-track lists. Negative
// beat times are clamped to zero; out-of-range events are dropped here so the
// dispatch path never sees them. Load order breaks beat ties.
func (s *Scheduler) LoadEvents(tracks []TrackEvents) {
	total := 0
	for _, t := range tracks {
		total += len(t.Events)
	}
	flat := make([]Event, 0, total)
	dropped := 0
	for _, t := range tracks {
		for _, ev := range t.Events {
			ev.Track = t.Track
			ev.Channel = t.Channel
			if !ev.valid() {
				dropped++
				continue
			}
			if ev.Beat < 0 {
				ev.Beat = 0
			}
			flat = append(flat, ev)
		}
	}
	sort.SliceStable(flat, func(i, j int) bool { return flat[i].Beat < flat[j].Beat })

	if dropped > 0 {
		s.droppedEvents.Add(uint64(dropped))
		metrics.EventsDropped.Add(float64(dropped))
		s.logger.Debug("sched: dropped malformed events", "count", dropped)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = flat
	if s.playing {
		s.cursor = s.searchLocked(s.currentBeatLocked())
	} else {
		s.cursor = 0
	}
}

// OnRenderPosition records the render callback's current sample time. This is
// the scheduler's only render-thread entry point: a single atomic store, no
// locks, no allocation.
func (s *Scheduler) OnRenderPosition(sampleTime int64) {
	s.renderPos.Store(sampleTime)
}

// BeatSnapshot returns the beat position captured on the last scheduling
// pass. Lock-free; safe from any context.
func (s *Scheduler) BeatSnapshot() float64 {
	return math.Float64frombits(s.beatBits.Load())
}

// Play anchors a fresh TimingReference at the current render position and
// starts dispatching from fromBeat. Events strictly before fromBeat are
// skipped via binary search rather than scanned.
func (s *Scheduler) Play(fromBeat float64) {
	if fromBeat < 0 {
		fromBeat = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ref = TimingReference{
		ReferenceBeat:       fromBeat,
		ReferenceSampleTime: s.renderPos.Load(),
		Tempo:               s.ref.Tempo,
		SampleRate:          s.ref.SampleRate,
	}
	s.cursor = s.searchLocked(fromBeat)
	s.playing = true
	s.storeBeatLocked(fromBeat)
	s.tickLocked()
}

// Stop halts dispatching and silences every sounding note.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.playing {
		return
	}
	s.killSoundingLocked(s.renderPos.Load())
	s.playing = false
}

// UpdateTempo applies the tempo-change protocol. While playing, in order:
// silence everything committed under the old reference (all-notes-off plus
// explicit note-offs), discard not-yet-dispatched lookahead state, re-anchor
// the reference at the current position under the new tempo, and immediately
// re-run the scheduling pass so window events are re-dispatched with correct
// timing. Exactly one note-on per logical event survives the change.
func (s *Scheduler) UpdateTempo(newTempo float64) error {
	if newTempo <= 0 {
		return fmt.Errorf("tempo must be positive, got %v", newTempo)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.playing {
		s.ref = TimingReference{
			ReferenceBeat:       s.ref.ReferenceBeat,
			ReferenceSampleTime: s.ref.ReferenceSampleTime,
			Tempo:               newTempo,
			SampleRate:          s.ref.SampleRate,
		}
		return nil
	}

	nowSample := s.renderPos.Load()
	nowBeat := s.ref.BeatAt(nowSample)

	// (1) Events already committed under the old reference cannot be
	// un-scheduled; kill them so re-dispatch does not double-trigger.
	s.killSoundingLocked(nowSample)

	// (2)+(3) Discard lookahead state and re-anchor at the current position.
	s.ref = TimingReference{
		ReferenceBeat:       nowBeat,
		ReferenceSampleTime: nowSample,
		Tempo:               newTempo,
		SampleRate:          s.ref.SampleRate,
	}
	s.cursor = s.searchLocked(nowBeat)
	s.storeBeatLocked(nowBeat)

	// (4) Re-run immediately under the new reference.
	s.tickLocked()
	return nil
}

// SetCycle enables or disables loop playback between startBeat and endBeat.
func (s *Scheduler) SetCycle(enabled bool, startBeat, endBeat float64) error {
	if enabled && endBeat <= startBeat {
		return fmt.Errorf("cycle end %v must be after start %v", endBeat, startBeat)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cycleOn = enabled
	s.cycleStart = startBeat
	s.cycleEnd = endBeat
	return nil
}

// Tick runs one scheduling pass: compute the lookahead window end and
// dispatch every not-yet-dispatched event inside it.
func (s *Scheduler) Tick() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tickLocked()
}

// Run executes scheduling passes on the control cadence until ctx is
// cancelled, then stops playback.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.Stop()
			return
		case <-ticker.C:
			s.Tick()
		}
	}
}

// Diagnostics returns the lock-free condition counters.
func (s *Scheduler) Diagnostics() Diagnostics {
	return Diagnostics{
		MissingHooks:  s.missingHooks.Load(),
		DroppedEvents: s.droppedEvents.Load(),
		Dispatched:    s.dispatched.Load(),
	}
}

// Reference returns the current timing reference.
func (s *Scheduler) Reference() TimingReference {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ref
}

// IsPlaying reports whether the transport is running.
func (s *Scheduler) IsPlaying() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playing
}

// ----- internal (s.mu held) -----

func (s *Scheduler) currentBeatLocked() float64 {
	return s.ref.BeatAt(s.renderPos.Load())
}

// searchLocked returns the index of the first event at or after beat.
func (s *Scheduler) searchLocked(beat float64) int {
	return sort.Search(len(s.events), func(i int) bool {
		return s.events[i].Beat >= beat
	})
}

func (s *Scheduler) storeBeatLocked(beat float64) {
	s.beatBits.Store(math.Float64bits(beat))
}

func (s *Scheduler) tickLocked() {
	if !s.playing {
		return
	}

	nowSample := s.renderPos.Load()
	nowBeat := s.ref.BeatAt(nowSample)

	// Cycle wrap: rebuild the reference exactly as in a tempo change so
	// events after the loop point schedule relative to the new pass.
	if s.cycleOn && nowBeat >= s.cycleEnd {
		overshoot := nowBeat - s.cycleEnd
		wrapBeat := s.cycleStart + overshoot
		s.killSoundingLocked(nowSample)
		s.ref = TimingReference{
			ReferenceBeat:       wrapBeat,
			ReferenceSampleTime: nowSample,
			Tempo:               s.ref.Tempo,
			SampleRate:          s.ref.SampleRate,
		}
		s.cursor = s.searchLocked(wrapBeat)
		nowBeat = wrapBeat
	}
	s.storeBeatLocked(nowBeat)

	windowEnd := nowBeat + s.ref.BeatsFor(s.lookahead)
	staged := 0

	for s.cursor < len(s.events) && s.events[s.cursor].Beat <= windowEnd {
		ev := s.events[s.cursor]
		s.cursor++

		fn, ok := s.hooks[ev.Track]
		if !ok {
			s.missingHooks.Add(1)
			metrics.MissingHooks.Inc()
			continue
		}

		slot := &s.scratch[staged]
		slot.n = ev.encode(&slot.bytes)
		if slot.n == 0 {
			s.droppedEvents.Add(1)
			continue
		}
		slot.fn = fn
		slot.sampleTime = s.ref.SampleTimeFor(ev.Beat)
		staged++

		switch ev.Kind {
		case NoteOn:
			s.active[activeNote{ev.Track, ev.Channel, ev.Data[0]}] = struct{}{}
		case NoteOff:
			delete(s.active, activeNote{ev.Track, ev.Channel, ev.Data[0]})
		}

		if staged == len(s.scratch) {
			s.dispatchStagedLocked(staged)
			staged = 0
		}
	}
	if staged > 0 {
		s.dispatchStagedLocked(staged)
	}
}

func (s *Scheduler) dispatchStagedLocked(n int) {
	for i := 0; i < n; i++ {
		slot := &s.scratch[i]
		slot.fn(midi.Message(slot.bytes[:slot.n]), slot.sampleTime)
	}
	s.dispatched.Add(uint64(n))
	metrics.EventsDispatched.Add(float64(n))
}

// killSoundingLocked sends an all-notes-off control event on every channel in
// use plus an explicit note-off for each currently-sounding note, then clears
// the active set.
func (s *Scheduler) killSoundingLocked(nowSample int64) {
	channels := make(map[uuid.UUID]map[uint8]struct{})
	for note := range s.active {
		chs, ok := channels[note.track]
		if !ok {
			chs = make(map[uint8]struct{})
			channels[note.track] = chs
		}
		chs[note.channel] = struct{}{}
	}

	for track, chs := range channels {
		fn, ok := s.hooks[track]
		if !ok {
			s.missingHooks.Add(1)
			continue
		}
		for ch := range chs {
			fn(midi.ControlChange(ch, ccAllNotesOff, 0), nowSample)
		}
	}
	for note := range s.active {
		fn, ok := s.hooks[note.track]
		if !ok {
			continue
		}
		fn(midi.NoteOff(note.channel, note.key), nowSample)
	}
	clear(s.active)
}
