// Package condition evaluates workflow trigger conditions against request
// attributes. Evaluation fails closed: anything it cannot decide is false.
package condition

import (
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/rogers-f/signoff/internal/domain"
)

// aliases maps operator spellings used by the rule editor onto canonical ones.
var aliases = map[string]domain.Operator{
	"==":      domain.OpEq,
	"eq":      domain.OpEq,
	"equals":  domain.OpEq,
	"ne":      domain.OpNeq,
	"neq":     domain.OpNeq,
	"gt":      domain.OpGt,
	"greater": domain.OpGt,
	"gte":     domain.OpGte,
	"lt":      domain.OpLt,
	"less":    domain.OpLt,
	"lte":     domain.OpLte,
}

// Canonical resolves operator aliases. The second result is false when the
// operator is unknown.
func Canonical(op domain.Operator) (domain.Operator, bool) {
	switch op {
	case domain.OpEq, domain.OpNeq, domain.OpGt, domain.OpGte, domain.OpLt, domain.OpLte,
		domain.OpContains, domain.OpIn, domain.OpBetween:
		return op, true
	}
	if c, ok := aliases[strings.ToLower(string(op))]; ok {
		return c, true
	}
	return op, false
}

// Evaluator matches conditions against attribute maps. Configuration problems
// (unknown operators, missing fields) are logged as warnings.
type Evaluator struct {
	Log zerolog.Logger
}

// NewEvaluator creates an Evaluator that reports warnings to log.
func NewEvaluator(log zerolog.Logger) *Evaluator {
	return &Evaluator{Log: log.With().Str("component", "condition").Logger()}
}

// MatchAll reports whether every condition holds. An empty condition list
// matches any request.
func (e *Evaluator) MatchAll(conds []domain.Condition, attrs map[string]any) bool {
	for _, c := range conds {
		if !e.Evaluate(c, attrs) {
			return false
		}
	}
	return true
}

// Evaluate reports whether a single condition holds for attrs.
func (e *Evaluator) Evaluate(c domain.Condition, attrs map[string]any) bool {
	op, ok := Canonical(c.Operator)
	if !ok {
		e.Log.Warn().Str("field", c.Field).Str("operator", string(c.Operator)).
			Msg("unknown condition operator; condition evaluates to false")
		return false
	}

	actual, ok := attrs[c.Field]
	if !ok || actual == nil {
		e.Log.Warn().Str("field", c.Field).Str("operator", string(op)).
			Msg("condition field missing from request attributes; condition evaluates to false")
		return false
	}

	switch op {
	case domain.OpEq:
		return equal(actual, c.Value)
	case domain.OpNeq:
		// Lists and maps are incomparable, so inequality never holds for them.
		if c.Value == nil || !isScalar(actual) || !isScalar(c.Value) {
			return false
		}
		return !equal(actual, c.Value)
	case domain.OpGt, domain.OpGte, domain.OpLt, domain.OpLte:
		cmp, ok := compare(actual, c.Value)
		if !ok {
			return false
		}
		switch op {
		case domain.OpGt:
			return cmp > 0
		case domain.OpGte:
			return cmp >= 0
		case domain.OpLt:
			return cmp < 0
		default:
			return cmp <= 0
		}
	case domain.OpContains:
		return contains(actual, c.Value)
	case domain.OpIn:
		return contains(c.Value, actual)
	case domain.OpBetween:
		return between(actual, c.Value)
	}
	return false
}

// toNumber coerces ints, uints, floats and numeric strings to float64.
func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, !math.IsNaN(n)
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil || math.IsNaN(f) {
			return 0, false
		}
		return f, true
	case interface{ Float64() (float64, error) }:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func equal(a, b any) bool {
	if b == nil {
		return false
	}
	if x, ok := toNumber(a); ok {
		if y, ok := toNumber(b); ok {
			return x == y
		}
	}
	if ab, ok := a.(bool); ok {
		bb, ok := b.(bool)
		return ok && ab == bb
	}
	if !isScalar(a) || !isScalar(b) {
		return false
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

// compare orders a against b. Two numbers compare numerically and two
// non-numeric strings compare lexically; any other pairing is incomparable.
func compare(a, b any) (int, bool) {
	x, xNum := toNumber(a)
	y, yNum := toNumber(b)
	switch {
	case xNum && yNum:
		switch {
		case x < y:
			return -1, true
		case x > y:
			return 1, true
		}
		return 0, true
	case xNum || yNum:
		return 0, false
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if !aok || !bok {
		return 0, false
	}
	return strings.Compare(as, bs), true
}

// contains reports whether haystack contains needle: substring match for
// strings, element match for lists.
func contains(haystack, needle any) bool {
	if needle == nil {
		return false
	}
	if s, ok := haystack.(string); ok {
		n, ok := needle.(string)
		return ok && strings.Contains(s, n)
	}
	items, ok := asList(haystack)
	if !ok {
		return false
	}
	for _, it := range items {
		if equal(it, needle) {
			return true
		}
	}
	return false
}

// between reports whether actual lies within the inclusive numeric range
// given as a two-element list.
func between(actual, bounds any) bool {
	items, ok := asList(bounds)
	if !ok || len(items) != 2 {
		return false
	}
	v, ok := toNumber(actual)
	if !ok {
		return false
	}
	lo, lok := toNumber(items[0])
	hi, hok := toNumber(items[1])
	if !lok || !hok {
		return false
	}
	return v >= lo && v <= hi
}

func asList(v any) ([]any, bool) {
	if v == nil {
		return nil, false
	}
	if l, ok := v.([]any); ok {
		return l, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

func isScalar(v any) bool {
	switch reflect.ValueOf(v).Kind() {
	case reflect.Slice, reflect.Array, reflect.Map, reflect.Struct, reflect.Pointer, reflect.Func, reflect.Chan:
		return false
	}
	return true
}
