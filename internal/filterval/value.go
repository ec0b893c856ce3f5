// Package filterval implements the five polymorphic runtime-filter
// payload kinds described in spec §4.1: in-set, min-max, bloom,
// in-or-bloom, and bitmap. Each kind shares the same operation set
// (Insert/InsertBatch/Merge/Probe/Serialize) behind the Value
// interface so the merge coordinator and the wire codec never switch
// on concrete type.
package filterval

import (
	"fmt"

	"github.com/runtimefilter/rtfilter/internal/coltype"
)

// Kind tags which of the five payload shapes a Value implements. It
// doubles as the wire-format kind tag (spec §6).
type Kind uint8

const (
	KindInSet Kind = iota
	KindMinMax
	KindBloom
	KindInOrBloom
	KindBitmap
)

func (k Kind) String() string {
	switch k {
	case KindInSet:
		return "in-set"
	case KindMinMax:
		return "min-max"
	case KindBloom:
		return "bloom"
	case KindInOrBloom:
		return "in-or-bloom"
	case KindBitmap:
		return "bitmap"
	default:
		return "unknown"
	}
}

// Probe is the result of testing a value against a filter payload.
// There is no "definitely yes": every kind here is either exact
// (in-set, min-max, bitmap) and still only commits to "maybe" for a
// match, or approximate (bloom), so the type never promises
// certainty -- only the absence of a possible match.
type Probe uint8

const (
	DefinitelyNo Probe = iota
	Maybe
)

// NullPolicy selects whether a filter's set/range representation
// records "contains null" (ContainsNull) or drops nulls on insert
// (NullSkip, the default for hash joins per spec §4.1).
type NullPolicy uint8

const (
	NullSkip NullPolicy = iota
	ContainsNull
)

// Column is the vectorized input to InsertBatch: a columnar buffer the
// caller (the hash-join build side) already materialized, addressed by
// row index. Values follow the same typing rules as Insert.
type Column interface {
	// At returns the value at row index i, or nil if the row is null.
	At(i int) any
	Len() int
}

// SliceColumn is the straightforward Column implementation used by
// tests and by callers that already have a []any per batch.
type SliceColumn []any

func (s SliceColumn) At(i int) any { return s[i] }
func (s SliceColumn) Len() int     { return len(s) }

// Value is the shared operation set every filter kind implements.
// insert_batch must equal repeated Insert calls for each index, in
// any order (spec §4.1).
type Value interface {
	Kind() Kind
	ColumnType() coltype.Type

	Insert(v any) error
	InsertBatch(col Column, rowIndices []int) error

	// Merge folds other into the receiver. other must be the same
	// Kind and ColumnType (in-or-bloom permits merging a not-yet
	// promoted in-set into an already promoted bloom, per the
	// promotion rule).
	Merge(other Value) error

	Probe(v any) (Probe, error)

	// ProbeCanon is Probe for a caller that already holds v's
	// coltype.Canon-encoded bytes (the scan side's predicate tree and
	// row representation are canonical-bytes-only, per spec §4.6) and
	// wants to skip re-encoding. It must agree with Probe on every
	// value: ProbeCanon(Canon(t, v)) == Probe(v).
	ProbeCanon(b []byte) (Probe, error)

	Serialize() ([]byte, error)

	// Clone returns a deep, independent copy -- used by the merge
	// coordinator, which must not mutate a producer's own wrapper
	// while folding it into the coordinator-local accumulator.
	Clone() Value
}

// errIncompatibleMerge builds the error Merge returns when other is
// not a compatible Value to merge into the receiver.
func errIncompatibleMerge(self, other Value) error {
	return fmt.Errorf("filterval: cannot merge %s(%s) with %s(%s)",
		self.Kind(), self.ColumnType(), other.Kind(), other.ColumnType())
}
