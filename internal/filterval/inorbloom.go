package filterval

import (
	"github.com/runtimefilter/rtfilter/internal/coltype"
)

// InOrBloom starts as an in-set and promotes in place to a bloom
// filter upon inserting the (Cap+1)th distinct value, or upon merging
// two filters whose union would exceed Cap (spec §3 "in-or-bloom").
// The promotion is one-way and at-most-once (invariant 6): once
// promoted, Set is discarded and never rebuilt.
type InOrBloom struct {
	t        coltype.Type
	cap      int
	fpRate   float64
	bloomN   int
	set      *InSet // nil once promoted
	bloom    *Bloom // nil until promoted
	promoted bool
}

// NewInOrBloom creates an in-or-bloom value that stays a set up to
// cap distinct values, promoting to a bloom sized for bloomN expected
// insertions at fpRate if it grows past cap.
func NewInOrBloom(t coltype.Type, cap int, bloomN int, fpRate float64) *InOrBloom {
	return &InOrBloom{
		t:      t,
		cap:    cap,
		fpRate: fpRate,
		bloomN: bloomN,
		set:    NewInSet(t, cap, NullSkip),
	}
}

func (v *InOrBloom) Kind() Kind               { return KindInOrBloom }
func (v *InOrBloom) ColumnType() coltype.Type { return v.t }

// IsPromoted reports whether the value has converted to bloom form.
func (v *InOrBloom) IsPromoted() bool { return v.promoted }

// ForcePromote converts the value to bloom form immediately, even if
// it has not yet exceeded Cap. Used by scan-side heuristics that
// choose to drop the set representation ahead of time (spec §4.2
// "scan-side heuristics that choose to drop the set representation").
func (v *InOrBloom) ForcePromote() {
	v.promote()
}

func (v *InOrBloom) promote() {
	if v.promoted {
		return
	}
	bloomN := v.bloomN
	if bloomN < v.set.Len() {
		bloomN = v.set.Len()
	}
	v.bloom = NewBloom(v.t, bloomN, v.fpRate)
	for _, b := range v.set.Values() {
		for _, pos := range v.bloom.positions(b) {
			v.bloom.bits.Set(pos)
		}
		v.bloom.count++
	}
	if v.set.ContainsNull() {
		v.bloom.containsNull = true
	}
	v.set = nil
	v.promoted = true
}

func (v *InOrBloom) Insert(x any) error {
	if v.promoted {
		return v.bloom.Insert(x)
	}
	if x == nil {
		return v.set.Insert(x)
	}
	b, err := coltype.Canon(v.t, x)
	if err != nil {
		return err
	}
	if _, known := v.set.seen[string(b)]; !known && v.set.AtCapacity() {
		v.promote()
		return v.bloom.Insert(x)
	}
	return v.set.insertCanon(b)
}

func (v *InOrBloom) InsertBatch(col Column, rowIndices []int) error {
	return insertBatchGeneric(col, rowIndices, v.Insert)
}

// Merge unions two in-or-bloom values, promoting if the resulting
// in-set form would exceed Cap (spec §4.1 "or upon merging two
// filters whose union exceeds K").
func (v *InOrBloom) Merge(other Value) error {
	o, ok := other.(*InOrBloom)
	if !ok || o.t != v.t {
		return errIncompatibleMerge(v, other)
	}

	if v.promoted || o.promoted {
		v.promote()
		if o.promoted {
			return v.bloom.Merge(o.bloom)
		}
		for _, b := range o.set.Values() {
			for _, pos := range v.bloom.positions(b) {
				v.bloom.bits.Set(pos)
			}
			v.bloom.count++
		}
		if o.set.ContainsNull() {
			v.bloom.containsNull = true
		}
		return nil
	}

	// Neither side promoted: check whether the union would exceed
	// capacity before committing to the merge.
	union := make(map[string]struct{}, v.set.Len()+o.set.Len())
	for _, b := range v.set.Values() {
		union[string(b)] = struct{}{}
	}
	for _, b := range o.set.Values() {
		union[string(b)] = struct{}{}
	}
	if len(union) > v.cap {
		v.promote()
		for _, b := range o.set.Values() {
			for _, pos := range v.bloom.positions(b) {
				v.bloom.bits.Set(pos)
			}
			v.bloom.count++
		}
		if o.set.ContainsNull() {
			v.bloom.containsNull = true
		}
		return nil
	}
	return v.set.Merge(o.set)
}

func (v *InOrBloom) Probe(x any) (Probe, error) {
	if v.promoted {
		return v.bloom.Probe(x)
	}
	return v.set.Probe(x)
}

func (v *InOrBloom) ProbeCanon(b []byte) (Probe, error) {
	if v.promoted {
		return v.bloom.ProbeCanon(b)
	}
	return v.set.ProbeCanon(b)
}

func (v *InOrBloom) Clone() Value {
	c := NewInOrBloom(v.t, v.cap, v.bloomN, v.fpRate)
	if v.promoted {
		c.promoted = true
		c.set = nil
		c.bloom = v.bloom.Clone().(*Bloom)
	} else {
		c.set = v.set.Clone().(*InSet)
	}
	return c
}

func (v *InOrBloom) Serialize() ([]byte, error) {
	if v.promoted {
		payload, err := v.bloom.Serialize()
		if err != nil {
			return nil, err
		}
		return append([]byte{inOrBloomTagBloom}, payload...), nil
	}
	payload, err := v.set.Serialize()
	if err != nil {
		return nil, err
	}
	return append([]byte{inOrBloomTagSet}, payload...), nil
}

// DeserializeInOrBloom rebuilds an InOrBloom from wire bytes produced
// by Serialize.
func DeserializeInOrBloom(t coltype.Type, cap int, bloomN int, fpRate float64, data []byte) (*InOrBloom, error) {
	if len(data) < 1 {
		return nil, errShortInOrBloom()
	}
	v := NewInOrBloom(t, cap, bloomN, fpRate)
	switch data[0] {
	case inOrBloomTagSet:
		s, err := DeserializeInSet(t, cap, NullSkip, data[1:])
		if err != nil {
			return nil, err
		}
		v.set = s
	case inOrBloomTagBloom:
		b, err := DeserializeBloom(t, data[1:])
		if err != nil {
			return nil, err
		}
		v.promoted = true
		v.set = nil
		v.bloom = b
	default:
		return nil, errUnknownInOrBloomTag(data[0])
	}
	return v, nil
}
