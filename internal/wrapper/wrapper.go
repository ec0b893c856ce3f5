// Package wrapper implements FilterWrapper, the thin container around
// one filterval.Value plus the column-type binding and policy flags
// described in spec §4.2.
package wrapper

import (
	"sync"

	"github.com/runtimefilter/rtfilter/internal/coltype"
	"github.com/runtimefilter/rtfilter/internal/filterval"
)

// Polarity mirrors filterval's bitmap in/not-in flag at the wrapper
// level so callers that haven't type-asserted the payload yet can
// still inspect it.
type Polarity uint8

const (
	PolarityIn Polarity = iota
	PolarityNotIn
)

// Stats summarizes a wrapper's payload for diagnostics, grounded on
// csvquery's IndexStats/IndexMeta reporting structs
// (internal/common/common.go).
type Stats struct {
	Kind        filterval.Kind
	ColumnType  coltype.Type
	AlwaysTrue  bool
	Ignored     bool
	IgnoreReason string
}

// Wrapper is the per-filter-id container: payload + column type +
// policy flags (spec §4.2).
type Wrapper struct {
	kind       filterval.Kind
	colType    coltype.Type
	maxInCap   int
	bloomBits  uint
	polarity   Polarity
	nullSkip   filterval.NullPolicy

	mu    sync.Mutex
	value filterval.Value

	alwaysTrue     bool
	falseProducing bool
	ignored        bool
	reason         string // best-effort diagnostic only, see DESIGN.md
}

// New creates a wrapper around an already-constructed value. value may
// be nil for a not-yet-populated consumer-side wrapper.
func New(kind filterval.Kind, colType coltype.Type, maxInCap int, bloomBits uint, polarity Polarity, nullSkip filterval.NullPolicy, value filterval.Value) *Wrapper {
	return &Wrapper{
		kind:      kind,
		colType:   colType,
		maxInCap:  maxInCap,
		bloomBits: bloomBits,
		polarity:  polarity,
		nullSkip:  nullSkip,
		value:     value,
	}
}

func (w *Wrapper) Kind() filterval.Kind       { return w.kind }
func (w *Wrapper) ColumnType() coltype.Type   { return w.colType }
func (w *Wrapper) MaxInCapacity() int         { return w.maxInCap }
func (w *Wrapper) BloomBits() uint            { return w.bloomBits }
func (w *Wrapper) Polarity() Polarity         { return w.polarity }
func (w *Wrapper) NullPolicy() filterval.NullPolicy { return w.nullSkip }

// Value returns the current payload. Callers on the producer side own
// mutation rights until publish; after publish the wrapper is
// read-only (spec §5 "Shared resources").
func (w *Wrapper) Value() filterval.Value {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.value
}

func (w *Wrapper) SetValue(v filterval.Value) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.value = v
}

// AlwaysTrue and Ignored are sticky flags (spec invariant 4): once
// set, ChangeToBloom/other mutation no longer matters for planning
// purposes.

func (w *Wrapper) IsAlwaysTrue() bool { return w.alwaysTrue }

// SetAlwaysTrue marks the filter always-true. falseProducing selects
// the "empty producer relation" edge case (spec §4.1): in that case
// every probe must still return definitely-no even though the filter
// is "always true" in the sense of never rejecting rows that could
// legitimately join -- there simply are none. rtfilter's
// AcquireAndPushDown tells these apart via FalseProducing.
func (w *Wrapper) SetAlwaysTrue(falseProducing bool) {
	w.alwaysTrue = true
	w.falseProducing = falseProducing
}

func (w *Wrapper) FalseProducing() bool { return w.falseProducing }

func (w *Wrapper) IsIgnored() bool { return w.ignored }

// SetIgnored marks the filter ignored with a best-effort, racy
// diagnostic reason (spec §9 open question: "the source's 'ignored
// reason' string is mutated without locking on some paths" -- this
// wrapper keeps that property deliberately, so Reason must never be
// used for control flow).
func (w *Wrapper) SetIgnored(reason string) {
	w.ignored = true
	w.reason = reason
}

func (w *Wrapper) Reason() string { return w.reason }

// ChangeToBloom forces an in-or-bloom wrapper's payload to promote to
// bloom form immediately, used by scan-side heuristics that choose to
// drop the set representation ahead of the (Cap+1)th insert (spec
// §4.2). A no-op for any other kind or an already-promoted value.
func (w *Wrapper) ChangeToBloom() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if v, ok := w.value.(*filterval.InOrBloom); ok {
		v.ForcePromote()
	}
}

// Stats summarizes the wrapper for reporting.
func (w *Wrapper) Stats() Stats {
	return Stats{
		Kind:         w.kind,
		ColumnType:   w.colType,
		AlwaysTrue:   w.alwaysTrue,
		Ignored:      w.ignored,
		IgnoreReason: w.reason,
	}
}
