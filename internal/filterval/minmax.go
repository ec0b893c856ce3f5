package filterval

import (
	"github.com/runtimefilter/rtfilter/internal/coltype"
)

// MinMax is a closed interval [lo, hi] with optional (unbounded)
// endpoints (spec §3 "min-max"). Probe(v) is "maybe" iff lo <= v <=
// hi, treating an absent endpoint as +/-infinity.
type MinMax struct {
	t     coltype.Type
	lo    []byte
	hi    []byte
	hasLo bool
	hasHi bool
}

// NewMinMax creates an empty (unbounded both ways) min-max value.
func NewMinMax(t coltype.Type) *MinMax {
	return &MinMax{t: t}
}

func (m *MinMax) Kind() Kind               { return KindMinMax }
func (m *MinMax) ColumnType() coltype.Type { return m.t }

func (m *MinMax) Insert(v any) error {
	if v == nil {
		// Null is never part of a range's value domain (spec §4.1).
		return nil
	}
	b, err := coltype.Canon(m.t, v)
	if err != nil {
		return err
	}
	m.widen(b)
	return nil
}

func (m *MinMax) widen(b []byte) {
	if !m.hasLo || coltype.Compare(m.t, b, m.lo) < 0 {
		m.lo = b
		m.hasLo = true
	}
	if !m.hasHi || coltype.Compare(m.t, b, m.hi) > 0 {
		m.hi = b
		m.hasHi = true
	}
}

func (m *MinMax) InsertBatch(col Column, rowIndices []int) error {
	return insertBatchGeneric(col, rowIndices, m.Insert)
}

// Merge computes the interval hull of the two ranges (spec §4.1
// "interval hull for min-max").
func (m *MinMax) Merge(other Value) error {
	o, ok := other.(*MinMax)
	if !ok || o.t != m.t {
		return errIncompatibleMerge(m, other)
	}
	if o.hasLo {
		if !m.hasLo || coltype.Compare(m.t, o.lo, m.lo) < 0 {
			m.lo = o.lo
			m.hasLo = true
		}
	}
	if o.hasHi {
		if !m.hasHi || coltype.Compare(m.t, o.hi, m.hi) > 0 {
			m.hi = o.hi
			m.hasHi = true
		}
	}
	return nil
}

func (m *MinMax) Probe(v any) (Probe, error) {
	if v == nil {
		return DefinitelyNo, nil
	}
	b, err := coltype.Canon(m.t, v)
	if err != nil {
		return DefinitelyNo, err
	}
	return m.ProbeCanon(b)
}

func (m *MinMax) ProbeCanon(b []byte) (Probe, error) {
	if m.hasLo && coltype.Compare(m.t, b, m.lo) < 0 {
		return DefinitelyNo, nil
	}
	if m.hasHi && coltype.Compare(m.t, b, m.hi) > 0 {
		return DefinitelyNo, nil
	}
	return Maybe, nil
}

func (m *MinMax) Clone() Value {
	return &MinMax{t: m.t, lo: m.lo, hi: m.hi, hasLo: m.hasLo, hasHi: m.hasHi}
}

func (m *MinMax) Serialize() ([]byte, error) {
	return encodeMinMax(m), nil
}

// Bounds exposes the raw canonical endpoints, used by rtfilter's
// wireProbe to fold a ready min-max runtime filter straight into a
// predicate.RangeSink (via Sinks.IntersectRange) without
// re-canonicalizing.
func (m *MinMax) Bounds() (lo, hi []byte, hasLo, hasHi bool) {
	return m.lo, m.hi, m.hasLo, m.hasHi
}

// DeserializeMinMax rebuilds a MinMax from wire bytes.
func DeserializeMinMax(t coltype.Type, data []byte) (*MinMax, error) {
	lo, hi, hasLo, hasHi, err := decodeMinMax(data)
	if err != nil {
		return nil, err
	}
	return &MinMax{t: t, lo: lo, hi: hi, hasLo: hasLo, hasHi: hasHi}, nil
}
