package merge

import (
	"testing"

	"github.com/runtimefilter/rtfilter/internal/coltype"
	"github.com/runtimefilter/rtfilter/internal/filterval"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestAcceptDedupesPerProducer checks spec §4.5's "accepted at most
// once" per producer_id: two distinct producers whose contributions
// serialize to identical bytes (here, two empty in-sets) must both
// count toward expected, not collide in the dedup hash.
func TestAcceptDedupesPerProducer(t *testing.T) {
	var completed filterval.Value
	var allEmptyAtComplete bool

	c := New(1, 2, func(merged filterval.Value, allEmpty bool) error {
		completed = merged
		allEmptyAtComplete = allEmpty
		return nil
	})

	empty1 := filterval.NewInSet(coltype.Int64, 16, filterval.NullSkip)
	empty2 := filterval.NewInSet(coltype.Int64, 16, filterval.NullSkip)

	require.NoError(t, c.Accept(101, empty1, true))
	assert.Equal(t, 1, c.Contributions())
	assert.False(t, c.IsComplete())

	require.NoError(t, c.Accept(202, empty2, true))
	assert.Equal(t, 2, c.Contributions())
	assert.True(t, c.IsComplete())
	require.NotNil(t, completed)
	assert.True(t, allEmptyAtComplete)
}

// TestAcceptSameProducerResendIsIgnored checks that a retransmit from
// the SAME producer with identical content is absorbed without double
// counting (the resend-dedup half of spec §4.5's "at most once").
func TestAcceptSameProducerResendIsIgnored(t *testing.T) {
	c := New(1, 2, func(filterval.Value, bool) error { return nil })

	v := filterval.NewInSet(coltype.Int64, 16, filterval.NullSkip)
	require.NoError(t, v.Insert(int64(7)))

	require.NoError(t, c.Accept(42, v, false))
	assert.Equal(t, 1, c.Contributions())

	// Same producer, same payload bytes: resend, not a new contribution.
	require.NoError(t, c.Accept(42, v, false))
	assert.Equal(t, 1, c.Contributions())
	assert.False(t, c.IsComplete())
}

func TestAcceptStopsAfterComplete(t *testing.T) {
	calls := 0
	c := New(1, 1, func(filterval.Value, bool) error {
		calls++
		return nil
	})

	v := filterval.NewInSet(coltype.Int64, 16, filterval.NullSkip)
	require.NoError(t, c.Accept(1, v, true))
	assert.True(t, c.IsComplete())
	assert.Equal(t, 1, calls)

	// A late, distinct producer after completion is accepted into
	// neither the count nor the callback.
	require.NoError(t, c.Accept(2, v, true))
	assert.Equal(t, 1, c.Contributions())
	assert.Equal(t, 1, calls)
}

func TestForceCompleteFiresOnlyOnce(t *testing.T) {
	calls := 0
	c := New(1, 5, func(filterval.Value, bool) error {
		calls++
		return nil
	})

	v := filterval.NewInSet(coltype.Int64, 16, filterval.NullSkip)
	require.NoError(t, c.Accept(1, v, false))
	require.NoError(t, c.ForceComplete())
	assert.True(t, c.IsComplete())
	assert.Equal(t, 1, calls)

	require.NoError(t, c.ForceComplete())
	assert.Equal(t, 1, calls)
}
