package sched

import (
	"github.com/google/uuid"
)

// EventKind identifies the MIDI-like event classes the scheduler handles.
type EventKind uint8

const (
	NoteOn EventKind = iota
	NoteOff
	ControlChange
	PitchBend
)

func (k EventKind) String() string {
	switch k {
	case NoteOn:
		return "note_on"
	case NoteOff:
		return "note_off"
	case ControlChange:
		return "control_change"
	case PitchBend:
		return "pitch_bend"
	default:
		return "unknown"
	}
}

// Event is a single scheduled event. Events are immutable once loaded; the
// scheduler references track data and stages dispatches through a fixed
// scratch buffer rather than copying event lists.
//
// Data holds the two payload bytes after the status byte: key/velocity for
// notes, controller/value for control changes, LSB/MSB of the 14-bit value
// for pitch bends.
type Event struct {
	Track   uuid.UUID
	Kind    EventKind
	Beat    float64
	Channel uint8
	Data    [2]uint8
}

// TrackEvents is the per-track event list handed to LoadEvents by the
// project/track provider. Events should be sorted by beat; LoadEvents sorts
// stably either way, so load order breaks ties for simultaneous events.
type TrackEvents struct {
	Track   uuid.UUID
	Channel uint8
	Events  []Event
}

// valid reports whether the event carries in-range MIDI values. Out-of-range
// events are dropped rather than forwarded malformed.
func (e Event) valid() bool {
	if e.Channel > 15 {
		return false
	}
	switch e.Kind {
	case NoteOn, NoteOff, ControlChange:
		return e.Data[0] <= 127 && e.Data[1] <= 127
	case PitchBend:
		return e.Data[0] <= 127 && e.Data[1] <= 127
	default:
		return false
	}
}

// encode writes the wire bytes for the event into dst and returns the byte
// count. dst is a slot of the scheduler's pre-allocated scratch buffer, so
// staging an event performs no allocation.
func (e Event) encode(dst *[3]byte) int {
	switch e.Kind {
	case NoteOn:
		dst[0] = 0x90 | e.Channel
	case NoteOff:
		dst[0] = 0x80 | e.Channel
	case ControlChange:
		dst[0] = 0xB0 | e.Channel
	case PitchBend:
		dst[0] = 0xE0 | e.Channel
	default:
		return 0
	}
	dst[1] = e.Data[0]
	dst[2] = e.Data[1]
	return 3
}
