package sched

import (
	"math"
	"time"
)

// TimingReference anchors musical beat time to render sample time at a given
// tempo. It is an immutable value: tempo changes, transport starts and cycle
// wraps replace the reference wholesale so two time bases are never mixed.
type TimingReference struct {
	ReferenceBeat       float64
	ReferenceSampleTime int64
	Tempo               float64 // beats per minute
	SampleRate          float64
}

// SampleTimeFor converts a beat position to an absolute sample time.
// For any beat b >= ReferenceBeat scheduled under this reference:
//
//	sampleTime(b) = ReferenceSampleTime + round((b - ReferenceBeat) * SampleRate * 60 / Tempo)
func (r TimingReference) SampleTimeFor(beat float64) int64 {
	return r.ReferenceSampleTime + int64(math.Round((beat-r.ReferenceBeat)*r.SampleRate*60.0/r.Tempo))
}

// BeatAt converts an absolute sample time back to a beat position.
func (r TimingReference) BeatAt(sampleTime int64) float64 {
	return r.ReferenceBeat + float64(sampleTime-r.ReferenceSampleTime)*r.Tempo/(60.0*r.SampleRate)
}

// BeatsFor expresses a wall-clock duration in beats at the reference tempo.
func (r TimingReference) BeatsFor(d time.Duration) float64 {
	return d.Seconds() * r.Tempo / 60.0
}
