// Package instance implements FilterInstance, the per-(fragment,
// filter) state machine spec §4.3 describes: not-ready transitions to
// exactly one of ready or timed-out, with an orthogonal ignored flag
// layered on top that a consumer can set at any time to stop
// honoring the filter without disturbing its state transition.
package instance

import (
	"sync"
	"time"

	"github.com/runtimefilter/rtfilter/internal/awaiter"
	"github.com/runtimefilter/rtfilter/internal/filterval"
	"github.com/runtimefilter/rtfilter/internal/wrapper"
)

// State is the FilterInstance's terminal-once lifecycle state,
// distinct from awaiter.State: an instance can be Ready yet ignored,
// so callers must check both CurrentState and IsIgnored.
type State uint32

const (
	NotReady State = iota
	Ready
	TimedOut
)

func (s State) String() string {
	switch s {
	case Ready:
		return "ready"
	case TimedOut:
		return "timed-out"
	default:
		return "not-ready"
	}
}

// AwaiterKind selects which awaiter.Awaiter implementation backs an
// instance (spec §5 / §9: condvar for thread-parallel callers, atomic
// for pipelined single-threaded schedulers).
type AwaiterKind uint8

const (
	AwaiterCond AwaiterKind = iota
	AwaiterAtomic
)

// Instance is the FilterInstance for one (fragment_instance_id,
// filter_id) pair (spec §4.3). The zero value is not usable; build one
// with New.
type Instance struct {
	fragmentInstanceID uint64
	filterID           uint32

	wait awaiter.Awaiter

	mu       sync.Mutex
	wrap     *wrapper.Wrapper
	ignored  bool
	finalErr error
}

// New creates a not-ready instance bound to one fragment/filter pair
// and wrapping the given payload container. resume is forwarded to the
// atomic awaiter when kind is AwaiterAtomic; it is ignored for
// AwaiterCond.
func New(fragmentInstanceID uint64, filterID uint32, wrap *wrapper.Wrapper, kind AwaiterKind, resume func()) *Instance {
	var a awaiter.Awaiter
	switch kind {
	case AwaiterAtomic:
		a = awaiter.NewAtomic(resume)
	default:
		a = awaiter.NewCond()
	}
	return &Instance{
		fragmentInstanceID: fragmentInstanceID,
		filterID:           filterID,
		wait:               a,
		wrap:               wrap,
	}
}

func (in *Instance) FragmentInstanceID() uint64 { return in.fragmentInstanceID }
func (in *Instance) FilterID() uint32           { return in.filterID }

// Wrapper returns the payload container. Producer-side callers may
// mutate its value until Publish/PublishFinally; after that the
// instance is read-only (spec §5 "shared resources").
func (in *Instance) Wrapper() *wrapper.Wrapper {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.wrap
}

// Insert appends one row's value to the producer-side payload. Callers
// must not call Insert concurrently with Publish/PublishFinally on the
// same instance (spec §4.3 producer ops are single-writer).
func (in *Instance) Insert(v any) error {
	val := in.Wrapper().Value()
	if val == nil {
		return nil
	}
	return val.Insert(v)
}

// InsertBatch appends a batch of rows selected by rowIndices from col.
func (in *Instance) InsertBatch(col filterval.Column, rowIndices []int) error {
	val := in.Wrapper().Value()
	if val == nil {
		return nil
	}
	return val.InsertBatch(col, rowIndices)
}

// ReadyForPublish reports whether the producer side considers the
// payload complete and eligible to hand to the merge coordinator. A
// thin hook point for future admission heuristics; today it is always
// true once a value is present.
func (in *Instance) ReadyForPublish() bool {
	return in.Wrapper().Value() != nil
}

// Publish transitions the instance to Ready, making the current
// payload visible to consumers and waking anyone blocked in Await.
// Publishing an already-terminal instance is a no-op (spec invariant:
// not-ready to {ready,timed-out} is a one-way transition).
func (in *Instance) Publish() {
	in.wait.Signal()
}

// PublishFinally is Publish plus recording a terminal error observed
// during the final merge/broadcast step (e.g. a transport failure) so
// consumers calling Err() after Await can distinguish "ready with no
// data because publish failed" from "ready with real data".
func (in *Instance) PublishFinally(err error) {
	in.mu.Lock()
	in.finalErr = err
	in.mu.Unlock()
	in.wait.Signal()
}

// Err returns any terminal error recorded by PublishFinally.
func (in *Instance) Err() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.finalErr
}

// Update replaces the wrapped payload with a newly merged/received
// value, used by the consumer-side registry when a late-arriving
// broadcast refines an already-registered instance before it is
// probed (spec §4.6 "late-arriving filters").
func (in *Instance) Update(v filterval.Value) {
	in.Wrapper().SetValue(v)
}

// CurrentState reports the instance's lifecycle state without
// blocking.
func (in *Instance) CurrentState() State {
	switch in.wait.State() {
	case awaiter.Ready:
		return Ready
	case awaiter.TimedOut:
		return TimedOut
	default:
		return NotReady
	}
}

// IsReady reports whether the instance reached Ready. Callers must
// check IsIgnored separately, per spec §4.3's orthogonal flag.
func (in *Instance) IsReady() bool { return in.wait.IsReady() }

// IsReadyOrTimeout reports whether the instance reached either
// terminal state.
func (in *Instance) IsReadyOrTimeout() bool { return in.wait.IsReadyOrTimeout() }

// Await blocks the calling goroutine until the instance becomes ready,
// times out at deadline, or is already terminal. It returns true iff
// the instance is ready (not ignored) by the time it returns.
func (in *Instance) Await(deadline time.Time) bool {
	ready := in.wait.Await(deadline)
	if !ready {
		return false
	}
	return !in.IsIgnored()
}

// SetIgnored marks the instance ignored; an ignored instance is still
// tracked by the registry (so a late publish does not panic) but the
// predicate normalizer must treat it as always-true (spec §4.3
// "ignored" flag, §4.2 always-true interaction).
func (in *Instance) SetIgnored(reason string) {
	in.mu.Lock()
	in.ignored = true
	in.mu.Unlock()
	in.Wrapper().SetIgnored(reason)
}

func (in *Instance) IsIgnored() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.ignored
}
