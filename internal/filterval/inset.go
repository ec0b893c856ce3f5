package filterval

import (
	"github.com/runtimefilter/rtfilter/internal/coltype"
)

// InSet is a finite, insertion-ordered set of up to Cap distinct
// values (spec §3 "in-set"). Degrades to bloom when cardinality would
// exceed Cap -- callers that want that behaviour should use InOrBloom
// instead; a bare InSet simply refuses the (Cap+1)th distinct value
// and the caller (FilterWrapper) decides what to do about it.
type InSet struct {
	t            coltype.Type
	cap          int
	order        [][]byte
	seen         map[string]struct{}
	containsNull bool
	policy       NullPolicy
}

// NewInSet creates an empty in-set filter value bound to t with
// capacity cap (spec: "up to K distinct values").
func NewInSet(t coltype.Type, cap int, policy NullPolicy) *InSet {
	return &InSet{
		t:      t,
		cap:    cap,
		seen:   make(map[string]struct{}, cap),
		policy: policy,
	}
}

func (s *InSet) Kind() Kind               { return KindInSet }
func (s *InSet) ColumnType() coltype.Type { return s.t }

// Len reports the current distinct cardinality.
func (s *InSet) Len() int { return len(s.order) }

// AtCapacity reports whether the next distinct insert would exceed
// Cap -- InOrBloom uses this to decide when to promote.
func (s *InSet) AtCapacity() bool { return len(s.order) >= s.cap }

func (s *InSet) Insert(v any) error {
	if v == nil {
		if s.policy == ContainsNull {
			s.containsNull = true
		}
		return nil
	}
	b, err := coltype.Canon(s.t, v)
	if err != nil {
		return err
	}
	return s.insertCanon(b)
}

// insertCanon adds an already-canonicalized value if not present and
// not at capacity. Returns nil even when at capacity -- callers that
// need to know about rejection should check AtCapacity before/after.
func (s *InSet) insertCanon(b []byte) error {
	key := string(b)
	if _, ok := s.seen[key]; ok {
		return nil
	}
	if s.AtCapacity() {
		return nil
	}
	s.seen[key] = struct{}{}
	s.order = append(s.order, b)
	return nil
}

func (s *InSet) InsertBatch(col Column, rowIndices []int) error {
	return insertBatchGeneric(col, rowIndices, s.Insert)
}

func (s *InSet) Merge(other Value) error {
	o, ok := other.(*InSet)
	if !ok || o.t != s.t {
		return errIncompatibleMerge(s, other)
	}
	for _, b := range o.order {
		if err := s.insertCanon(b); err != nil {
			return err
		}
	}
	if o.containsNull {
		s.containsNull = true
	}
	return nil
}

func (s *InSet) Probe(v any) (Probe, error) {
	if v == nil {
		if s.containsNull {
			return Maybe, nil
		}
		return DefinitelyNo, nil
	}
	b, err := coltype.Canon(s.t, v)
	if err != nil {
		return DefinitelyNo, err
	}
	return s.ProbeCanon(b)
}

func (s *InSet) ProbeCanon(b []byte) (Probe, error) {
	if _, ok := s.seen[string(b)]; ok {
		return Maybe, nil
	}
	return DefinitelyNo, nil
}

func (s *InSet) Clone() Value {
	c := NewInSet(s.t, s.cap, s.policy)
	c.order = append(c.order, s.order...)
	for k := range s.seen {
		c.seen[k] = struct{}{}
	}
	c.containsNull = s.containsNull
	return c
}

// Values returns the insertion-ordered canonical byte values, used by
// InOrBloom promotion, wire serialization, and rtfilter's wireProbe to
// fold a ready in-set runtime filter into a predicate.InSetSink (via
// Sinks.MergeInSet).
func (s *InSet) Values() [][]byte { return s.order }

// ContainsNull reports the set's null flag (spec §3 "null flag").
func (s *InSet) ContainsNull() bool { return s.containsNull }

func (s *InSet) Serialize() ([]byte, error) {
	return encodeInSet(s), nil
}

// DeserializeInSet rebuilds an InSet from wire bytes produced by
// Serialize.
func DeserializeInSet(t coltype.Type, cap int, policy NullPolicy, data []byte) (*InSet, error) {
	s := NewInSet(t, cap, policy)
	values, containsNull, err := decodeInSet(data)
	if err != nil {
		return nil, err
	}
	s.containsNull = containsNull
	for _, v := range values {
		_ = s.insertCanon(v)
	}
	return s, nil
}
