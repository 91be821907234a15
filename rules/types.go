package rules

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"
)

// ConditionType controls how the predicates of a rule's condition combine.
type ConditionType string

const (
	ConditionAnd ConditionType = "AND"
	ConditionOr  ConditionType = "OR"
)

// Valid reports whether ct is one of the supported combinators.
func (ct ConditionType) Valid() bool {
	return ct == ConditionAnd || ct == ConditionOr
}

// Kind identifies the scalar held by a Value.
type Kind int

const (
	KindNull Kind = iota
	KindString
	KindInt
	KindFloat
	KindBool
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindBool:
		return "bool"
	default:
		return "null"
	}
}

// Value is a scalar used in conditions, actions and evaluation contexts.
// The zero Value is null.
type Value struct {
	kind Kind
	s    string
	i    int64
	f    float64
	b    bool
}

func StringValue(s string) Value { return Value{kind: KindString, s: s} }
func IntValue(i int64) Value     { return Value{kind: KindInt, i: i} }
func FloatValue(f float64) Value { return Value{kind: KindFloat, f: f} }
func BoolValue(b bool) Value     { return Value{kind: KindBool, b: b} }
func NullValue() Value           { return Value{} }

func (v Value) Kind() Kind   { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }

// ValueOf converts a decoded JSON/YAML scalar into a Value.
// Maps, slices and other composite types are rejected.
func ValueOf(x any) (Value, error) {
	switch n := x.(type) {
	case nil:
		return NullValue(), nil
	case Value:
		return n, nil
	case string:
		return StringValue(n), nil
	case bool:
		return BoolValue(n), nil
	case int:
		return IntValue(int64(n)), nil
	case int32:
		return IntValue(int64(n)), nil
	case int64:
		return IntValue(n), nil
	case uint:
		return uintValue(uint64(n))
	case uint32:
		return IntValue(int64(n)), nil
	case uint64:
		return uintValue(n)
	case float32:
		return FloatValue(float64(n)), nil
	case float64:
		return FloatValue(n), nil
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return IntValue(i), nil
		}
		f, err := n.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("invalid number %q", n.String())
		}
		return FloatValue(f), nil
	default:
		return Value{}, fmt.Errorf("unsupported value type %T", x)
	}
}

func uintValue(n uint64) (Value, error) {
	if n > math.MaxInt64 {
		return Value{}, fmt.Errorf("integer %d overflows int64", n)
	}
	return IntValue(int64(n)), nil
}

// Interface returns the value as a plain Go scalar.
func (v Value) Interface() any {
	switch v.kind {
	case KindString:
		return v.s
	case KindInt:
		return v.i
	case KindFloat:
		return v.f
	case KindBool:
		return v.b
	default:
		return nil
	}
}

// Equal reports whether two values are the same.
// Strings compare exactly (case-sensitive). Int and Float compare by numeric
// value. No coercion happens between strings, numbers and booleans.
func (v Value) Equal(o Value) bool {
	switch v.kind {
	case KindString:
		return o.kind == KindString && v.s == o.s
	case KindBool:
		return o.kind == KindBool && v.b == o.b
	case KindInt:
		switch o.kind {
		case KindInt:
			return v.i == o.i
		case KindFloat:
			return float64(v.i) == o.f
		}
		return false
	case KindFloat:
		switch o.kind {
		case KindInt:
			return v.f == float64(o.i)
		case KindFloat:
			return v.f == o.f
		}
		return false
	default:
		return o.kind == KindNull
	}
}

func (v Value) String() string {
	switch v.kind {
	case KindString:
		return v.s
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindFloat:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.b)
	default:
		return "null"
	}
}

// Values is a string-keyed map of scalars. Conditions, actions and
// evaluation contexts all use it.
type Values map[string]Value

// Clone returns a shallow copy; Values holds no references so it is a full copy.
func (vs Values) Clone() Values {
	if vs == nil {
		return nil
	}
	out := make(Values, len(vs))
	for k, v := range vs {
		out[k] = v
	}
	return out
}

// Map converts the values into plain Go scalars, e.g. for JSON encoding or CEL.
func (vs Values) Map() map[string]any {
	out := make(map[string]any, len(vs))
	for k, v := range vs {
		out[k] = v.Interface()
	}
	return out
}

// ValuesOf converts a decoded JSON object into Values.
func ValuesOf(m map[string]any) (Values, error) {
	out := make(Values, len(m))
	for k, x := range m {
		v, err := ValueOf(x)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		out[k] = v
	}
	return out, nil
}

// Rule is a parsed, validated tenant rule. A Rule is not mutated after it
// is built; changes produce a new Rule.
type Rule struct {
	TenantID      string
	ID            string
	Type          string
	Description   string
	Condition     Values
	ConditionType ConditionType
	Action        Values
	Priority      int
	Active        bool
	// When is an optional CEL guard evaluated after the condition matches.
	When      string
	Source    string
	CreatedAt time.Time
	UpdatedAt time.Time

	guard *guard
}

// Matches reports whether the rule's condition (and guard, if any) holds
// for the context.
func (r *Rule) Matches(ctx Values) (bool, error) {
	if !r.matchCondition(ctx) {
		return false, nil
	}
	if r.guard == nil {
		return true, nil
	}
	return r.guard.eval(ctx)
}

func (r *Rule) matchCondition(ctx Values) bool {
	if len(r.Condition) == 0 {
		return false
	}
	or := r.ConditionType == ConditionOr
	for field, want := range r.Condition {
		got, ok := ctx[field]
		hit := ok && got.Equal(want)
		if or && hit {
			return true
		}
		if !or && !hit {
			return false
		}
	}
	return !or
}

// withRecord returns a copy of r carrying the storage-owned columns of rec.
func (r *Rule) withRecord(rec *Record) *Rule {
	out := *r
	out.TenantID = rec.TenantID
	out.Type = rec.RuleType
	out.Priority = rec.Priority
	out.Active = rec.Active
	out.CreatedAt = rec.CreatedAt
	out.UpdatedAt = rec.UpdatedAt
	return &out
}

// MatchResult is the outcome of an evaluation. When Matched is false the
// other fields are empty; that is a normal outcome, not an error.
type MatchResult struct {
	EvaluationID string
	Matched      bool
	RuleID       string
	Action       Values
	Priority     int
}

// NoMatch reports an evaluation where no active rule applied.
func NoMatch(evaluationID string) *MatchResult {
	return &MatchResult{EvaluationID: evaluationID}
}

// Record is the persisted form of a rule: the raw definition text plus the
// columns the store owns.
type Record struct {
	TenantID   string
	RuleID     string
	RuleType   string
	Definition string
	Priority   int
	Active     bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
