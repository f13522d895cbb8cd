package query

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/steveyegge/kernelstore/internal/store"
)

// QueryResult is the outcome of compiling a query against an object's
// top-level JSON data. Filters is always populated with every equality
// comparison the query can push down to Store.QueryByAttribute /
// ListOptions.Attributes; Predicate is non-nil when the query also needs
// in-memory evaluation (OR, NOT, or a non-equality comparison — none of
// which the Store's containment index can express).
type QueryResult struct {
	Filters           []store.AttributeFilter
	Predicate         func(data json.RawMessage) bool
	RequiresPredicate bool
}

// Evaluator compiles a parsed query AST against §4.3's top-level JSON
// attribute model. It carries no state of its own (unlike the teacher's
// duration-aware evaluator, which resolves "7d" relative to a reference
// time) because the object store's query language has no time-relative
// fields.
type Evaluator struct{}

// NewEvaluator returns an Evaluator.
func NewEvaluator() *Evaluator {
	return &Evaluator{}
}

// Evaluate compiles node into a QueryResult.
func (e *Evaluator) Evaluate(node Node) (*QueryResult, error) {
	result := &QueryResult{}

	if filters, ok := e.asEqualityChain(node); ok {
		for _, f := range filters {
			if err := f.validate(); err != nil {
				return nil, err
			}
		}
		result.Filters = toAttributeFilters(filters)
		return result, nil
	}

	pred, err := e.buildPredicate(node)
	if err != nil {
		return nil, err
	}
	result.Predicate = pred
	result.RequiresPredicate = true

	// Still surface any top-level equality comparisons so a caller can use
	// them as a coarse pre-filter ahead of the predicate, mirroring the
	// teacher's base-filter-plus-predicate split for OR/NOT queries.
	eqFilters := e.collectTopLevelEquality(node)
	result.Filters = toAttributeFilters(eqFilters)
	return result, nil
}

// EvaluateString parses and evaluates a query string in one call.
func EvaluateString(q string) (*QueryResult, error) {
	node, err := Parse(q)
	if err != nil {
		return nil, err
	}
	return NewEvaluator().Evaluate(node)
}

type equality struct {
	field string
	value string
	typ   FilterTokenKind
}

func (eq equality) validate() error {
	if eq.field == "" {
		return fmt.Errorf("empty field name in query")
	}
	return nil
}

// asEqualityChain reports whether node is a (possibly empty) chain of
// AND-joined equality comparisons — the only shape the Store's JSON
// containment index can answer without a predicate pass.
func (e *Evaluator) asEqualityChain(node Node) ([]equality, bool) {
	switch n := node.(type) {
	case *ComparisonNode:
		if n.Op != OpEquals {
			return nil, false
		}
		return []equality{{field: n.Field, value: n.Value, typ: n.ValueType}}, true
	case *AndNode:
		left, ok := e.asEqualityChain(n.Left)
		if !ok {
			return nil, false
		}
		right, ok := e.asEqualityChain(n.Right)
		if !ok {
			return nil, false
		}
		return append(left, right...), true
	default:
		return nil, false
	}
}

// collectTopLevelEquality gathers every equality comparison reachable
// through AND without trying to prove the whole tree is an equality chain
// (used only to build a best-effort pre-filter for predicate queries).
func (e *Evaluator) collectTopLevelEquality(node Node) []equality {
	switch n := node.(type) {
	case *ComparisonNode:
		if n.Op == OpEquals {
			return []equality{{field: n.Field, value: n.Value, typ: n.ValueType}}
		}
		return nil
	case *AndNode:
		return append(e.collectTopLevelEquality(n.Left), e.collectTopLevelEquality(n.Right)...)
	default:
		return nil
	}
}

func toAttributeFilters(eqs []equality) []store.AttributeFilter {
	out := make([]store.AttributeFilter, 0, len(eqs))
	for _, eq := range eqs {
		out = append(out, store.AttributeFilter{Key: eq.field, Value: scalarValue(eq)})
	}
	return out
}

func scalarValue(eq equality) interface{} {
	switch eq.typ {
	case TokenNumber:
		if f, err := strconv.ParseFloat(eq.value, 64); err == nil {
			return f
		}
		return eq.value
	case TokenIdent:
		switch strings.ToLower(eq.value) {
		case "true":
			return true
		case "false":
			return false
		}
		return eq.value
	default:
		return eq.value
	}
}

// buildPredicate compiles node into a function over an object's top-level
// JSON document. Comparisons other than equality/not-equality treat the
// stored value and the query value as numbers when both parse as such,
// and as strings otherwise.
func (e *Evaluator) buildPredicate(node Node) (func(json.RawMessage) bool, error) {
	switch n := node.(type) {
	case *ComparisonNode:
		return e.buildComparisonPredicate(n)
	case *AndNode:
		left, err := e.buildPredicate(n.Left)
		if err != nil {
			return nil, err
		}
		right, err := e.buildPredicate(n.Right)
		if err != nil {
			return nil, err
		}
		return func(d json.RawMessage) bool { return left(d) && right(d) }, nil
	case *OrNode:
		left, err := e.buildPredicate(n.Left)
		if err != nil {
			return nil, err
		}
		right, err := e.buildPredicate(n.Right)
		if err != nil {
			return nil, err
		}
		return func(d json.RawMessage) bool { return left(d) || right(d) }, nil
	case *NotNode:
		inner, err := e.buildPredicate(n.Operand)
		if err != nil {
			return nil, err
		}
		return func(d json.RawMessage) bool { return !inner(d) }, nil
	default:
		return nil, fmt.Errorf("unsupported query node %T", node)
	}
}

func (e *Evaluator) buildComparisonPredicate(n *ComparisonNode) (func(json.RawMessage) bool, error) {
	want := scalarValue(equality{value: n.Value, typ: n.ValueType})
	field := n.Field

	return func(data json.RawMessage) bool {
		got, ok := topLevelField(data, field)
		if !ok {
			return n.Op == OpNotEquals
		}
		cmp, comparable := compareJSON(got, want)
		switch n.Op {
		case OpEquals:
			return comparable && cmp == 0
		case OpNotEquals:
			return !comparable || cmp != 0
		case OpLess:
			return comparable && cmp < 0
		case OpLessEq:
			return comparable && cmp <= 0
		case OpGreater:
			return comparable && cmp > 0
		case OpGreaterEq:
			return comparable && cmp >= 0
		default:
			return false
		}
	}, nil
}

func topLevelField(data json.RawMessage, field string) (interface{}, bool) {
	if len(data) == 0 {
		return nil, false
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, false
	}
	v, ok := m[field]
	return v, ok
}

// compareJSON orders two decoded JSON scalars. Numbers compare
// numerically, everything else falls back to a string comparison; the
// second return value is false when the two values are not of compatible
// kinds (e.g. comparing a bool to a number).
func compareJSON(a, b interface{}) (int, bool) {
	af, aIsNum := a.(float64)
	bf, bIsNum := toFloat(b)
	if aIsNum && bIsNum {
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		default:
			return 0, true
		}
	}
	ab, aIsBool := a.(bool)
	bb, bIsBool := b.(bool)
	if aIsBool && bIsBool {
		if ab == bb {
			return 0, true
		}
		return -1, true
	}
	if aIsBool || bIsBool {
		return 0, false
	}
	as := fmt.Sprintf("%v", a)
	bs := fmt.Sprintf("%v", b)
	return strings.Compare(as, bs), true
}

func toFloat(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
