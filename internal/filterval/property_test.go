package filterval

import (
	"testing"

	"github.com/runtimefilter/rtfilter/internal/coltype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestMergeAlgebraMinMax checks commutativity, associativity, and
// idempotence up to probe equivalence (spec §8 property 2).
func TestMergeAlgebraMinMax(t *testing.T) {
	newRange := func(lo, hi int64) *MinMax {
		m := NewMinMax(coltype.Int64)
		require.NoError(t, m.Insert(lo))
		require.NoError(t, m.Insert(hi))
		return m
	}

	a := newRange(1, 100)
	b := newRange(50, 200)
	c := newRange(-10, 10)

	abThenC := newRange(1, 100)
	require.NoError(t, abThenC.Merge(b))
	require.NoError(t, abThenC.Merge(c))

	bcFirst := newRange(50, 200)
	require.NoError(t, bcFirst.Merge(c))
	aThenBC := newRange(1, 100)
	require.NoError(t, aThenBC.Merge(bcFirst))

	for _, v := range []int64{-20, -10, 0, 50, 150, 199, 201} {
		p1, _ := abThenC.Probe(v)
		p2, _ := aThenBC.Probe(v)
		assert.Equal(t, p1, p2, "merge associativity broke for v=%d", v)
	}

	// Commutativity.
	ab := newRange(1, 100)
	require.NoError(t, ab.Merge(b))
	ba := newRange(50, 200)
	require.NoError(t, ba.Merge(a))
	for _, v := range []int64{0, 75, 150, 300} {
		p1, _ := ab.Probe(v)
		p2, _ := ba.Probe(v)
		assert.Equal(t, p1, p2)
	}

	// Idempotence: merge(A, A) == A.
	aa := newRange(1, 100)
	require.NoError(t, aa.Merge(a))
	for _, v := range []int64{0, 50, 100, 101} {
		p1, _ := a.Probe(v)
		p2, _ := aa.Probe(v)
		assert.Equal(t, p1, p2)
	}
}

// TestShuffleMergeScenario is scenario S2: two producers build
// overlapping min-max ranges; the merger publishes the hull.
func TestShuffleMergeScenario(t *testing.T) {
	a := NewMinMax(coltype.Int64)
	require.NoError(t, a.Insert(int64(1)))
	require.NoError(t, a.Insert(int64(100)))

	b := NewMinMax(coltype.Int64)
	require.NoError(t, b.Insert(int64(50)))
	require.NoError(t, b.Insert(int64(200)))

	require.NoError(t, a.Merge(b))

	p, _ := a.Probe(int64(150))
	assert.Equal(t, Maybe, p)
	p, _ = a.Probe(int64(250))
	assert.Equal(t, DefinitelyNo, p)
}

// TestSerializeRoundTrip covers spec §8 property 3 for the in-set,
// min-max, bloom and bitmap kinds.
func TestSerializeRoundTrip(t *testing.T) {
	t.Run("in-set", func(t *testing.T) {
		s := NewInSet(coltype.Int32, 10, NullSkip)
		for _, v := range []int32{7, 11, 13} {
			require.NoError(t, s.Insert(v))
		}
		bytes, err := s.Serialize()
		require.NoError(t, err)
		back, err := DeserializeInSet(coltype.Int32, 10, NullSkip, bytes)
		require.NoError(t, err)
		for _, v := range []int32{5, 7, 9, 11, 13} {
			p1, _ := s.Probe(v)
			p2, _ := back.Probe(v)
			assert.Equal(t, p1, p2, "v=%d", v)
		}
	})

	t.Run("min-max", func(t *testing.T) {
		m := NewMinMax(coltype.Int64)
		require.NoError(t, m.Insert(int64(10)))
		require.NoError(t, m.Insert(int64(20)))
		bytes, err := m.Serialize()
		require.NoError(t, err)
		back, err := DeserializeMinMax(coltype.Int64, bytes)
		require.NoError(t, err)
		for _, v := range []int64{5, 10, 15, 20, 25} {
			p1, _ := m.Probe(v)
			p2, _ := back.Probe(v)
			assert.Equal(t, p1, p2)
		}
	})

	t.Run("bloom", func(t *testing.T) {
		bf := NewBloom(coltype.String, 1000, 0.01)
		for _, v := range []string{"alice", "bob", "carol"} {
			require.NoError(t, bf.Insert(v))
		}
		bytes, err := bf.Serialize()
		require.NoError(t, err)
		back, err := DeserializeBloom(coltype.String, bytes)
		require.NoError(t, err)
		for _, v := range []string{"alice", "bob", "carol", "mallory"} {
			p1, _ := bf.Probe(v)
			p2, _ := back.Probe(v)
			assert.Equal(t, p1, p2)
		}
	})

	t.Run("bitmap", func(t *testing.T) {
		bm, err := NewBitmap(coltype.Int64, true)
		require.NoError(t, err)
		for _, v := range []int64{1, 2, 3, 1000} {
			require.NoError(t, bm.Insert(v))
		}
		bytes, err := bm.Serialize()
		require.NoError(t, err)
		back, err := DeserializeBitmap(coltype.Int64, bytes)
		require.NoError(t, err)
		for _, v := range []int64{1, 2, 3, 1000, 999} {
			p1, _ := bm.Probe(v)
			p2, _ := back.Probe(v)
			assert.Equal(t, p1, p2)
		}
	})
}

// TestInOrBloomPromotion is spec §8 property 4 and scenario S3.
func TestInOrBloomPromotion(t *testing.T) {
	v := NewInOrBloom(coltype.Int32, 4, 100, 0.05)
	for _, x := range []int32{1, 2, 3, 4} {
		require.NoError(t, v.Insert(x))
	}
	assert.False(t, v.IsPromoted())

	require.NoError(t, v.Insert(int32(5)))
	assert.True(t, v.IsPromoted())

	for _, x := range []int32{1, 2, 3, 4, 5} {
		p, err := v.Probe(x)
		require.NoError(t, err)
		assert.Equal(t, Maybe, p, "promoted bloom must retain every pre-promotion value, x=%d", x)
	}
}

// TestBloomDegradeScenario is scenario S3's false-positive-rate check.
func TestBloomDegradeScenario(t *testing.T) {
	v := NewInOrBloom(coltype.Int32, 4, 2000, 0.05)
	for _, x := range []int32{1, 2, 3, 4, 5} {
		require.NoError(t, v.Insert(x))
	}
	require.True(t, v.IsPromoted())

	fp := 0
	trials := 2000
	for i := int32(10000); i < int32(10000)+int32(trials); i++ {
		p, _ := v.Probe(i)
		if p == Maybe {
			fp++
		}
	}
	rate := float64(fp) / float64(trials)
	assert.LessOrEqual(t, rate, 0.08, "false positive rate should be close to configured target")
}

func TestInSetCapacityGuard(t *testing.T) {
	s := NewInSet(coltype.Int32, 2, NullSkip)
	require.NoError(t, s.Insert(int32(1)))
	require.NoError(t, s.Insert(int32(2)))
	require.NoError(t, s.Insert(int32(3))) // refused, at capacity
	assert.Equal(t, 2, s.Len())
	p, _ := s.Probe(int32(3))
	assert.Equal(t, DefinitelyNo, p)
}

func TestNullHandling(t *testing.T) {
	skip := NewInSet(coltype.Int32, 10, NullSkip)
	require.NoError(t, skip.Insert(nil))
	p, _ := skip.Probe(nil)
	assert.Equal(t, DefinitelyNo, p, "null-skip policy must reject null probes")

	keep := NewInSet(coltype.Int32, 10, ContainsNull)
	require.NoError(t, keep.Insert(nil))
	p, _ = keep.Probe(nil)
	assert.Equal(t, Maybe, p)
}
