package predicate

import (
	"sort"

	"github.com/runtimefilter/rtfilter/internal/coltype"
)

// RangeSink is the value-range sink for one column: an optional
// [lo, hi] bound plus a not-equal set and a null-visibility bit (spec
// §4.6 "tighten value-range low/high/ne-set").
type RangeSink struct {
	ColType      coltype.Type
	Lo, Hi       []byte
	HasLo, HasHi bool
	NeSet        [][]byte
	WantNull     bool // true if predicate requires column IS NULL
	WantNotNull  bool // true if predicate requires column IS NOT NULL
}

func (r *RangeSink) intersectLo(v []byte) {
	if !r.HasLo || coltype.Compare(r.ColType, v, r.Lo) > 0 {
		r.Lo, r.HasLo = v, true
	}
}

func (r *RangeSink) intersectHi(v []byte) {
	if !r.HasHi || coltype.Compare(r.ColType, v, r.Hi) < 0 {
		r.Hi, r.HasHi = v, true
	}
}

// InSetSink holds a column's accumulated fixed-value membership set,
// used when an IN list's cardinality stays within Cap (spec §4.6); a
// cardinality above Cap keeps the predicate in the residual tree
// instead of populating this sink.
type InSetSink struct {
	ColType coltype.Type
	Values  [][]byte
}

// BloomSink and BitmapSink are per-column slots for a runtime-filter
// probe pushed into storage. fold never fills them: OpBloomProbe and
// OpBitmapProbe leaves stay in the residual tree and get their probe
// through RegisterBloomProbe/RegisterBitmapProbe instead.
type BloomSink struct {
	ColType coltype.Type
	Probe   func(val []byte) bool
}

type BitmapSink struct {
	ColType coltype.Type
	Probe   func(val []byte) bool
}

type FuncPushdownSink struct {
	FuncName string
	Args     [][]byte
}

// Sinks is PredicateNormalizer's per-column output set (spec §4.6).
type Sinks struct {
	Ranges    map[string]*RangeSink
	InSets    map[string]*InSetSink
	Blooms    map[string]*BloomSink
	Bitmaps   map[string]*BitmapSink
	FuncPushdowns map[string]*FuncPushdownSink
}

func newSinks() *Sinks {
	return &Sinks{
		Ranges:        make(map[string]*RangeSink),
		InSets:        make(map[string]*InSetSink),
		Blooms:        make(map[string]*BloomSink),
		Bitmaps:       make(map[string]*BitmapSink),
		FuncPushdowns: make(map[string]*FuncPushdownSink),
	}
}

func (s *Sinks) rangeFor(c *Condition) *RangeSink {
	r, ok := s.Ranges[c.Column]
	if !ok {
		r = &RangeSink{ColType: c.ColType}
		s.Ranges[c.Column] = r
	}
	return r
}

// maxInCardinality is the IN-list capacity guard K (spec §4.6 "if
// cardinality exceeds K"); beyond this an IN/NOT IN predicate is left
// in the residual tree instead of populating a sink.
const maxInCardinality = 256

// Result is PredicateNormalizer's output: the per-column sinks plus a
// residual conjunct tree equivalent to the original conjunction with
// the sinks (spec §4.6).
type Result struct {
	Sinks    *Sinks
	Residual *Condition // nil means "always true"
}

// Normalize runs the single post-order walk described in spec §4.6
// over root, producing typed sinks and a residual tree.
func Normalize(root *Condition) Result {
	sinks := newSinks()
	residual := fold(root, sinks)
	return Result{Sinks: sinks, Residual: residual}
}

// fold is the post-order walk. It returns nil when the subtree was
// fully absorbed into sinks (the constant-true case), or a
// (possibly rewritten) node otherwise.
func fold(c *Condition, sinks *Sinks) *Condition {
	if c == nil {
		return nil
	}

	switch c.Op {
	case OpAnd:
		var kept []*Condition
		for _, ch := range c.Children {
			if r := fold(ch, sinks); r != nil {
				kept = append(kept, r)
			}
		}
		switch len(kept) {
		case 0:
			return nil
		case 1:
			return kept[0]
		default:
			return &Condition{Op: OpAnd, Children: kept}
		}

	case OpOr:
		// Spec §4.6: OR never pushes into sinks; the whole subtree
		// stays in the residual tree unchanged.
		return c

	case OpNot:
		if inv, ok := invertLeaf(c.Children[0]); ok {
			return fold(inv, sinks)
		}
		return c

	case OpIsNull:
		sinks.rangeFor(c).WantNull = true
		return nil

	case OpIsNotNull:
		sinks.rangeFor(c).WantNotNull = true
		return nil

	case OpEq:
		if len(c.Literals) == 1 {
			r := sinks.rangeFor(c)
			r.intersectLo(c.Literals[0])
			r.intersectHi(c.Literals[0])
			return nil
		}
		return c

	case OpGt, OpGte:
		if len(c.Literals) == 1 {
			sinks.rangeFor(c).intersectLo(c.Literals[0])
			return nil
		}
		return c

	case OpLt, OpLte:
		if len(c.Literals) == 1 {
			sinks.rangeFor(c).intersectHi(c.Literals[0])
			return nil
		}
		return c

	case OpNeq:
		if len(c.Literals) == 1 {
			r := sinks.rangeFor(c)
			r.NeSet = append(r.NeSet, c.Literals[0])
			return nil
		}
		return c

	case OpIn:
		if len(c.Literals) <= maxInCardinality {
			s, ok := sinks.InSets[c.Column]
			if !ok {
				s = &InSetSink{ColType: c.ColType}
				sinks.InSets[c.Column] = s
			}
			s.Values = append(s.Values, c.Literals...)
			return nil
		}
		return c

	case OpNotIn:
		if len(c.Literals) <= maxInCardinality {
			r := sinks.rangeFor(c)
			r.NeSet = append(r.NeSet, c.Literals...)
			return nil
		}
		return c

	case OpBloomProbe, OpBitmapProbe:
		// These are populated by the caller registering a live probe
		// via RegisterBloomProbe/RegisterBitmapProbe below; until
		// registered the leaf stays in the residual tree (spec §4.6
		// "keep probe in residual tree if bloom cannot be pushed into
		// storage").
		return c

	case OpFuncPushdown:
		// Unlike bloom/bitmap, a function-pushdown predicate is
		// executed by storage directly -- there is no per-row residual
		// check left for this subsystem to perform, so it is fully
		// absorbed into its sink and dropped from the tree (spec §4.6,
		// same "all conditions covered -> drop post-filter" rule the
		// teacher's findBestIndex applies to a covering index).
		sinks.FuncPushdowns[c.Column] = &FuncPushdownSink{FuncName: c.FuncName, Args: c.Literals}
		return nil

	default:
		return c
	}
}

// invertLeaf applies Invert to a single leaf node, refusing to push a
// NOT through a boolean combinator or a multi-column subtree (spec
// §4.6 "do not push arbitrary NOT over OR/AND unless both children are
// leaves on the same column").
func invertLeaf(c *Condition) (*Condition, bool) {
	switch c.Op {
	case OpAnd, OpOr, OpNot:
		return nil, false
	}
	inv, ok := Invert(c.Op)
	if !ok {
		return nil, false
	}
	return &Condition{Op: inv, Column: c.Column, ColType: c.ColType, Literals: c.Literals}, true
}

// CoveredColumns reports every column that appears somewhere in
// original but nowhere in residual -- every predicate naming that
// column was fully absorbed into a sink, so a scan driven entirely by
// sink pushdown (no row-by-row residual check needed for that column)
// can skip the post-filter step for it, the same decision the
// teacher's findBestIndex makes when an index fully covers a query's
// conditions.
func CoveredColumns(original, residual *Condition) []string {
	all := make(map[string]bool)
	collectColumns(original, all)
	remaining := make(map[string]bool)
	collectColumns(residual, remaining)

	out := make([]string, 0, len(all))
	for c := range all {
		if !remaining[c] {
			out = append(out, c)
		}
	}
	sort.Strings(out)
	return out
}

func collectColumns(c *Condition, set map[string]bool) {
	if c == nil {
		return
	}
	if len(c.Children) > 0 {
		for _, ch := range c.Children {
			collectColumns(ch, set)
		}
		return
	}
	if c.Column != "" {
		set[c.Column] = true
	}
}

// RegisterBloomProbe attaches a live probe function to every
// OpBloomProbe leaf for column in the residual tree, used once a
// filter is ready and its payload can answer Probe directly instead of
// degrading to "always true" (spec §4.6, §4.2 "bloom cannot be pushed
// into storage").
func RegisterBloomProbe(residual *Condition, column string, probe func(val []byte) bool) {
	walkLeaves(residual, func(c *Condition) {
		if c.Op == OpBloomProbe && c.Column == column {
			c.probeFn = probe
		}
	})
}

// RegisterBitmapProbe is RegisterBloomProbe for OpBitmapProbe leaves,
// wired once a bitmap runtime filter for column becomes ready (spec
// §4.6, §4.2 "bitmap cannot be pushed into storage").
func RegisterBitmapProbe(residual *Condition, column string, probe func(val []byte) bool) {
	walkLeaves(residual, func(c *Condition) {
		if c.Op == OpBitmapProbe && c.Column == column {
			c.probeFn = probe
		}
	})
}

// IntersectRange tightens the value-range sink for column with an
// externally supplied bound, used when a runtime min-max filter
// becomes ready for a column (spec §4.6): the filter's own bounds feed
// the range sink exactly the way a literal comparison leaf would,
// without requiring a residual leaf at all.
func (s *Sinks) IntersectRange(column string, colType coltype.Type, lo, hi []byte, hasLo, hasHi bool) {
	r, ok := s.Ranges[column]
	if !ok {
		r = &RangeSink{ColType: colType}
		s.Ranges[column] = r
	}
	if hasLo {
		r.intersectLo(lo)
	}
	if hasHi {
		r.intersectHi(hi)
	}
}

// MergeInSet folds an externally supplied membership set into the
// in-set sink for column, used when a runtime in-set filter becomes
// ready for a column (spec §4.6).
func (s *Sinks) MergeInSet(column string, colType coltype.Type, values [][]byte) {
	sink, ok := s.InSets[column]
	if !ok {
		sink = &InSetSink{ColType: colType}
		s.InSets[column] = sink
	}
	sink.Values = append(sink.Values, values...)
}

func walkLeaves(c *Condition, fn func(*Condition)) {
	if c == nil {
		return
	}
	if len(c.Children) > 0 {
		for _, ch := range c.Children {
			walkLeaves(ch, fn)
		}
		return
	}
	fn(c)
}

// Refold implements the "late arrivals" operation (spec §4.6): AND the
// newly materialized predicate onto the existing residual tree,
// producing a fresh conjunct context. The prior tree is left
// unmodified (new nodes only) so an in-flight batch evaluating against
// it is unaffected (spec "keeping the prior one alive until the
// current batch drains").
func Refold(prior *Condition, newPredicate *Condition) *Condition {
	if prior == nil {
		return newPredicate
	}
	if newPredicate == nil {
		return prior
	}
	return &Condition{Op: OpAnd, Children: []*Condition{prior, newPredicate}}
}

// EvaluateResidual runs the residual tree against row, honoring any
// live bloom/bitmap probes registered via RegisterBloomProbe.
func EvaluateResidual(residual *Condition, row Row) bool {
	if residual == nil {
		return true
	}
	return residual.EvaluateWithProbe(row, func(c *Condition, row Row) bool {
		if c.probeFn == nil {
			return true
		}
		val, exists := row[c.Column]
		if !exists || val == nil {
			return false
		}
		return c.probeFn(val)
	})
}
