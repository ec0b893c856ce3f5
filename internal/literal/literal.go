// Package literal implements LiteralBuilder (spec §4.7): constructing
// a concrete literal predicate node for a bound column value, used by
// the expression evaluator when a filter cannot be pushed down into a
// typed sink and must instead be folded into the residual conjunct
// tree as an ordinary comparison. Grounded on the teacher's
// internal/query Condition value literals (internal/query/filter.go),
// generalized from csvquery's string/float-only literals to the full
// closed column-type set.
package literal

import (
	"fmt"

	"github.com/runtimefilter/rtfilter/internal/coltype"
)

// Literal is a constructed predicate literal bound to a column type.
// Decimal literals carry their string encoding rather than a rounded
// float64, so repeated round-trips through the evaluator never
// compound rounding error (spec §4.7 "decimals carry a string
// encoding to avoid double-rounding").
type Literal struct {
	Type    coltype.Type
	Canon   []byte // order-preserving encoding, shares coltype.Canon with filterval
	Decimal string // set only when Type.IsDecimal()
	Raw     any    // original typed value, for display/debugging
}

// Build constructs a literal for v bound to t. scale is accepted for
// decimal types but not applied: the decimal string is used as given,
// so it must already be rescaled to the column's (precision, scale).
// Pass coltype.Scale{} for every other type.
// Unsupported types (notably HLL, which has no literal form per spec
// §4.7) fail with an invalid-argument error.
func Build(t coltype.Type, v any, scale coltype.Scale) (Literal, error) {
	if t == coltype.HLL {
		return Literal{}, fmt.Errorf("literal: invalid-argument: type %s has no literal form", t)
	}

	if t.IsDecimal() {
		s, ok := v.(string)
		if !ok {
			return Literal{}, fmt.Errorf("literal: invalid-argument: decimal literal requires a string encoding, got %T", v)
		}
		canon, err := coltype.Canon(t, v)
		if err != nil {
			return Literal{}, fmt.Errorf("literal: invalid-argument: %w", err)
		}
		return Literal{Type: t, Canon: canon, Decimal: s, Raw: v}, nil
	}

	canon, err := coltype.Canon(t, v)
	if err != nil {
		return Literal{}, fmt.Errorf("literal: invalid-argument: %w", err)
	}
	return Literal{Type: t, Canon: canon, Raw: v}, nil
}

// Bool, Int, Float, Double, Decimal, Date, DateV2, DateTime,
// DateTimeV2, Time and Str are narrow constructors for the common
// cases, mirroring the teacher's
// per-column-kind literal helpers in internal/query/filter.go.

func Bool(v bool) (Literal, error) { return Build(coltype.Bool, v, coltype.Scale{}) }

func Int(t coltype.Type, v int64) (Literal, error) {
	if !t.IsInteger() {
		return Literal{}, fmt.Errorf("literal: invalid-argument: %s is not an integer type", t)
	}
	return Build(t, v, coltype.Scale{})
}

func Float(v float32) (Literal, error) { return Build(coltype.Float, v, coltype.Scale{}) }
func Double(v float64) (Literal, error) { return Build(coltype.Double, v, coltype.Scale{}) }

func Decimal(t coltype.Type, encoded string, scale coltype.Scale) (Literal, error) {
	if !t.IsDecimal() {
		return Literal{}, fmt.Errorf("literal: invalid-argument: %s is not a decimal type", t)
	}
	return Build(t, encoded, scale)
}

func Date(days int32) (Literal, error)     { return Build(coltype.Date, days, coltype.Scale{}) }
func DateV2(days int32) (Literal, error)   { return Build(coltype.DateV2, days, coltype.Scale{}) }
func DateTime(micros int64) (Literal, error) {
	return Build(coltype.DateTime, micros, coltype.Scale{})
}
func DateTimeV2(micros int64) (Literal, error) {
	return Build(coltype.DateTimeV2, micros, coltype.Scale{})
}

// Time builds a time-of-day literal from a microseconds-since-midnight
// count, the same unit DateTimeV2 uses for its since-epoch count.
func Time(micros int64) (Literal, error) { return Build(coltype.Time, micros, coltype.Scale{}) }

func Str(t coltype.Type, s string) (Literal, error) {
	if !t.IsString() {
		return Literal{}, fmt.Errorf("literal: invalid-argument: %s is not a string type", t)
	}
	return Build(t, s, coltype.Scale{})
}
