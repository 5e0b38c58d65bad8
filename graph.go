// Package livegraph coordinates live edits to a running audio render graph:
// it classifies mutations by required isolation strength, serializes them
// against concurrent callers with reentrancy support, rate-limits structural
// storms, coalesces bursty connection edits, and routes hot-swapped resources
// through deferred reclamation so the render callback never races a free.
//
// The render graph itself (node processing, mixing, device I/O) lives behind
// the narrow interfaces in this file and is injected by the composition root.
package livegraph

import (
	"context"

	"github.com/google/uuid"

	"github.com/shaban/livegraph/reclaim"
)

// RenderEngine is the handle to the underlying render engine. Stop/Start
// bound structural edits; Pause/Resume bracket connection edits and must
// preserve internal buffer state. SetGraphReady is the "graph ready" sink
// external readers consult before trusting topology.
type RenderEngine interface {
	Start() error
	Stop()
	Pause()
	Resume()
	SetGraphReady(ready bool)
}

// TrackProvider resolves track identities to live graph nodes. DetachNode
// disconnects the track's current resource from the graph and returns it;
// after DetachNode returns, no future render callback references the
// resource, which makes it safe to hand to the reclaim manager.
type TrackProvider interface {
	DetachNode(track uuid.UUID) (reclaim.Resource, error)
}

// MutationFunc is a mutation payload. It receives a context that marks it as
// running inside a mutation; nested Apply* calls with that context execute
// directly without re-running the engine choreography.
type MutationFunc func(ctx context.Context) error

// MutationKind classifies an edit by the isolation it requires.
type MutationKind int

const (
	// MutationStructural changes node topology: full engine stop/restart,
	// generation bump.
	MutationStructural MutationKind = iota
	// MutationConnection rewires existing nodes: brief pause only.
	MutationConnection
	// MutationHotSwap replaces a single resource on one track: no pause,
	// disconnect-before-reclaim ordering instead.
	MutationHotSwap
)

func (k MutationKind) String() string {
	switch k {
	case MutationStructural:
		return "structural"
	case MutationConnection:
		return "connection"
	case MutationHotSwap:
		return "hot_swap"
	default:
		return "unknown"
	}
}

// CoalescingKey identifies the logical target of a Connection or HotSwap
// mutation. Bursts of mutations sharing a key collapse into one application
// of the last enqueued closure.
type CoalescingKey string

// GlobalKey coalesces engine-wide connection edits.
const GlobalKey CoalescingKey = "global"

// TrackKey returns the coalescing key for a single track.
func TrackKey(track uuid.UUID) CoalescingKey {
	return CoalescingKey("track:" + track.String())
}

// mutationCtxKey marks contexts handed to mutation closures. The value is
// the owning *Coordinator, so a marked context from one coordinator does not
// bypass the lock and choreography of another.
type mutationCtxKey struct{}

func (c *Coordinator) markMutation(ctx context.Context) context.Context {
	return context.WithValue(ctx, mutationCtxKey{}, c)
}

// InsideMutation reports whether ctx originates from a running mutation
// closure on this coordinator's control flow.
func (c *Coordinator) InsideMutation(ctx context.Context) bool {
	owner, _ := ctx.Value(mutationCtxKey{}).(*Coordinator)
	return owner == c
}
