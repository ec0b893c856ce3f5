package filterval

import (
	"fmt"

	"github.com/bits-and-blooms/bitset"
	"github.com/cespare/xxhash/v2"
	"github.com/runtimefilter/rtfilter/internal/coltype"
	"github.com/twmb/murmur3"
)

// Bloom is a configurable bit-array with k hash functions (spec §3
// "bloom"). Insertion is additive, merge is bitwise OR, probe is
// standard double hashing (Kirsch-Mitzenmacher): false positives are
// permitted, false negatives are not. Bit size and hash count are
// fixed at creation -- re-insertion never reallocates (spec invariant
// 5).
type Bloom struct {
	t            coltype.Type
	bits         *bitset.BitSet
	m            uint
	k            uint
	seed1, seed2 uint64
	containsNull bool
	count        int
}

// NewBloom sizes a bloom filter for n expected insertions at the
// given target false-positive rate, following the standard optimal
// sizing formulas (same derivation csvquery's own bloom.go uses, here
// computed with math.Log/Log2 instead of a hand-rolled ln
// approximation).
func NewBloom(t coltype.Type, n int, fpRate float64) *Bloom {
	m, k := OptimalMK(n, fpRate)
	return NewBloomSized(t, m, k)
}

// NewBloomSized creates a bloom filter with an explicit bit size and
// hash count, used when rebuilding from a wire payload (the size must
// exactly match the producer's, per invariant 5).
func NewBloomSized(t coltype.Type, m, k uint) *Bloom {
	if m < 8 {
		m = 8
	}
	if k < 1 {
		k = 1
	}
	return &Bloom{
		t:     t,
		bits:  bitset.New(m),
		m:     m,
		k:     k,
		seed1: 0x9e3779b97f4a7c15,
		seed2: 0xbf58476d1ce4e5b9,
	}
}

func (bf *Bloom) Kind() Kind               { return KindBloom }
func (bf *Bloom) ColumnType() coltype.Type { return bf.t }

// BitSize and HashCount expose the fixed parameters; Count reports
// how many non-null values were inserted or merged in.
func (bf *Bloom) BitSize() uint    { return bf.m }
func (bf *Bloom) HashCount() uint  { return bf.k }
func (bf *Bloom) Count() int       { return bf.count }

func (bf *Bloom) positions(b []byte) []uint {
	h1 := xxhash.Sum64(b) ^ bf.seed1
	h2 := murmur3.Sum64(append(append([]byte(nil), b...), byte(bf.seed2))) | 1
	positions := make([]uint, bf.k)
	for i := uint(0); i < bf.k; i++ {
		combined := h1 + uint64(i)*h2
		positions[i] = uint(combined % uint64(bf.m))
	}
	return positions
}

func (bf *Bloom) Insert(v any) error {
	if v == nil {
		bf.containsNull = true
		return nil
	}
	b, err := coltype.Canon(bf.t, v)
	if err != nil {
		return err
	}
	for _, pos := range bf.positions(b) {
		bf.bits.Set(pos)
	}
	bf.count++
	return nil
}

func (bf *Bloom) InsertBatch(col Column, rowIndices []int) error {
	return insertBatchGeneric(col, rowIndices, bf.Insert)
}

// Merge is a bitwise OR on the bit-array and on the null flag (spec
// §4.1). Both operands must share identical (m, k, seeds) -- they
// were created for the same filter id, so this holds by construction;
// a mismatch means a producer/consumer wiring bug, not a data issue.
func (bf *Bloom) Merge(other Value) error {
	o, ok := other.(*Bloom)
	if !ok || o.t != bf.t {
		return errIncompatibleMerge(bf, other)
	}
	if o.m != bf.m || o.k != bf.k {
		return fmt.Errorf("filterval: bloom merge requires identical (m,k); have (%d,%d) and (%d,%d)",
			bf.m, bf.k, o.m, o.k)
	}
	bf.bits.InPlaceUnion(o.bits)
	bf.containsNull = bf.containsNull || o.containsNull
	bf.count += o.count
	return nil
}

func (bf *Bloom) Probe(v any) (Probe, error) {
	if v == nil {
		if bf.containsNull {
			return Maybe, nil
		}
		return DefinitelyNo, nil
	}
	b, err := coltype.Canon(bf.t, v)
	if err != nil {
		return DefinitelyNo, err
	}
	return bf.ProbeCanon(b)
}

func (bf *Bloom) ProbeCanon(b []byte) (Probe, error) {
	for _, pos := range bf.positions(b) {
		if !bf.bits.Test(pos) {
			return DefinitelyNo, nil
		}
	}
	return Maybe, nil
}

func (bf *Bloom) Clone() Value {
	c := NewBloomSized(bf.t, bf.m, bf.k)
	c.seed1, c.seed2 = bf.seed1, bf.seed2
	c.bits.InPlaceUnion(bf.bits)
	c.containsNull = bf.containsNull
	c.count = bf.count
	return c
}

func (bf *Bloom) Serialize() ([]byte, error) {
	raw, err := bf.bits.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("filterval: marshal bloom bits: %w", err)
	}
	buf := encodeBloomHeader(bf.m, bf.k, bf.seed1, bf.seed2, bf.containsNull)
	return append(buf, raw...), nil
}

// DeserializeBloom rebuilds a Bloom from wire bytes produced by
// Serialize.
func DeserializeBloom(t coltype.Type, data []byte) (*Bloom, error) {
	m, k, seed1, seed2, containsNull, rest, err := decodeBloomHeader(data)
	if err != nil {
		return nil, err
	}
	bf := NewBloomSized(t, m, k)
	bf.seed1, bf.seed2 = seed1, seed2
	bf.containsNull = containsNull
	if err := bf.bits.UnmarshalBinary(rest); err != nil {
		return nil, fmt.Errorf("filterval: unmarshal bloom bits: %w", err)
	}
	return bf, nil
}
