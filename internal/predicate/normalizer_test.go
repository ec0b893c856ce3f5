package predicate

import (
	"testing"

	"github.com/runtimefilter/rtfilter/internal/coltype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestBitmapProbeDefaultsTrueThenRegistered checks that an
// OpBitmapProbe leaf stays in the residual tree after normalization
// (it cannot be absorbed into a sink) and that RegisterBitmapProbe,
// not RegisterBloomProbe, is what wires it to a live filter.
func TestBitmapProbeDefaultsTrueThenRegistered(t *testing.T) {
	leaf := Leaf(OpBitmapProbe, "id", coltype.Int64)
	root := And(leaf)

	result := Normalize(root)
	require.NotNil(t, result.Residual, "bitmap probe leaf must stay in residual until a probe is registered")

	row := Row{"id": []byte{0}}

	// Before registration, EvaluateResidual degrades to "always true".
	assert.True(t, EvaluateResidual(result.Residual, row))

	allowed := map[string]bool{string([]byte{0}): true}
	RegisterBitmapProbe(result.Residual, "id", func(val []byte) bool {
		return allowed[string(val)]
	})

	assert.True(t, EvaluateResidual(result.Residual, row))
	assert.False(t, EvaluateResidual(result.Residual, Row{"id": []byte{1}}))

	// RegisterBloomProbe must not touch an OpBitmapProbe leaf.
	other := Leaf(OpBitmapProbe, "id", coltype.Int64)
	otherRoot := And(other)
	otherResult := Normalize(otherRoot)
	RegisterBloomProbe(otherResult.Residual, "id", func([]byte) bool { return false })
	assert.True(t, EvaluateResidual(otherResult.Residual, row), "RegisterBloomProbe must not wire an OpBitmapProbe leaf")
}

// TestFuncPushdownAbsorbedIntoSink checks that OpFuncPushdown is fully
// absorbed into sinks.FuncPushdowns and dropped from the residual
// tree, since storage executes it directly with no row-level re-check
// needed by this subsystem.
func TestFuncPushdownAbsorbedIntoSink(t *testing.T) {
	leaf := &Condition{
		Op:       OpFuncPushdown,
		Column:   "ts",
		ColType:  coltype.Int64,
		FuncName: "bucket_of_day",
		Literals: [][]byte{{0x01}},
	}
	root := And(leaf)

	result := Normalize(root)
	assert.Nil(t, result.Residual, "func-pushdown leaf should be fully absorbed, leaving no residual")

	sink, ok := result.Sinks.FuncPushdowns["ts"]
	require.True(t, ok)
	assert.Equal(t, "bucket_of_day", sink.FuncName)
	assert.Equal(t, [][]byte{{0x01}}, sink.Args)
}

// TestMinMaxAndInSetFoldIntoSinks checks Sinks.IntersectRange and
// Sinks.MergeInSet, the entry points rtfilter's wireProbe uses to fold
// a ready runtime min-max/in-set filter directly into the sink
// algebra without a residual leaf.
func TestMinMaxAndInSetFoldIntoSinks(t *testing.T) {
	sinks := newSinks()

	lo := []byte{0x10}
	hi := []byte{0x20}
	sinks.IntersectRange("amount", coltype.Int64, lo, hi, true, true)

	r := sinks.Ranges["amount"]
	require.NotNil(t, r)
	assert.Equal(t, lo, r.Lo)
	assert.Equal(t, hi, r.Hi)

	// A tighter upper bound narrows the sink.
	tighterHi := []byte{0x18}
	sinks.IntersectRange("amount", coltype.Int64, nil, tighterHi, false, true)
	assert.Equal(t, tighterHi, sinks.Ranges["amount"].Hi)

	sinks.MergeInSet("code", coltype.Int64, [][]byte{{0x01}, {0x02}})
	sinks.MergeInSet("code", coltype.Int64, [][]byte{{0x03}})
	assert.ElementsMatch(t, [][]byte{{0x01}, {0x02}, {0x03}}, sinks.InSets["code"].Values)
}

func TestCoveredColumns(t *testing.T) {
	original := And(
		Leaf(OpEq, "a", coltype.Int64, []byte{1}),
		Leaf(OpBloomProbe, "b", coltype.Int64),
	)
	residual := And(Leaf(OpBloomProbe, "b", coltype.Int64))

	covered := CoveredColumns(original, residual)
	assert.Equal(t, []string{"a"}, covered)
}
