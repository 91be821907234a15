package rules

import (
	"encoding/json"
	"math"
	"testing"
)

func TestValueEqual(t *testing.T) {
	tests := []struct {
		name string
		a, b Value
		want bool
	}{
		{"same string", StringValue("kopi"), StringValue("kopi"), true},
		{"case sensitive", StringValue("kopi"), StringValue("Kopi"), false},
		{"int int", IntValue(3), IntValue(3), true},
		{"int float numeric", IntValue(1), FloatValue(1.0), true},
		{"float int numeric", FloatValue(2.5), IntValue(2), false},
		{"no string to number coercion", StringValue("1"), IntValue(1), false},
		{"no bool to number coercion", BoolValue(true), IntValue(1), false},
		{"bool bool", BoolValue(false), BoolValue(false), true},
		{"null null", NullValue(), NullValue(), true},
		{"null string", NullValue(), StringValue(""), false},
		{"empty string vs null", StringValue(""), NullValue(), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.Equal(tt.b); got != tt.want {
				t.Errorf("%v.Equal(%v) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
			if got := tt.b.Equal(tt.a); got != tt.want {
				t.Errorf("Equal is not symmetric for %v and %v", tt.a, tt.b)
			}
		})
	}
}

func TestValueOf(t *testing.T) {
	tests := []struct {
		in   any
		kind Kind
	}{
		{nil, KindNull},
		{"x", KindString},
		{true, KindBool},
		{7, KindInt},
		{int64(7), KindInt},
		{uint(7), KindInt},
		{uint64(7), KindInt},
		{uint64(math.MaxInt64), KindInt},
		{1.5, KindFloat},
		{json.Number("12"), KindInt},
		{json.Number("12.5"), KindFloat},
	}
	for _, tt := range tests {
		v, err := ValueOf(tt.in)
		if err != nil {
			t.Errorf("ValueOf(%v) unexpected error: %v", tt.in, err)
			continue
		}
		if v.Kind() != tt.kind {
			t.Errorf("ValueOf(%v) kind = %v, want %v", tt.in, v.Kind(), tt.kind)
		}
	}

	if _, err := ValueOf(uint64(math.MaxUint64)); err == nil {
		t.Error("Expected uint64 beyond int64 range to be rejected")
	}
	if uint64(math.MaxUint) > math.MaxInt64 {
		if _, err := ValueOf(^uint(0)); err == nil {
			t.Error("Expected uint beyond int64 range to be rejected")
		}
	}
	if _, err := ValueOf(map[string]any{"a": 1}); err == nil {
		t.Error("Expected composite value to be rejected")
	}
	if _, err := ValuesOf(map[string]any{"a": []any{1}}); err == nil {
		t.Error("Expected ValuesOf to reject list values")
	}
}

func TestValuesCloneIsIndependent(t *testing.T) {
	orig := Values{"account": StringValue("4001")}
	clone := orig.Clone()
	clone["account"] = StringValue("9999")

	if orig["account"].String() != "4001" {
		t.Errorf("Clone shares storage with original")
	}
}

func TestRuleMatches(t *testing.T) {
	cond := Values{"product": StringValue("kopi"), "size": StringValue("large")}

	tests := []struct {
		name string
		ct   ConditionType
		ctx  Values
		want bool
	}{
		{"and all present", ConditionAnd, Values{"product": StringValue("kopi"), "size": StringValue("large")}, true},
		{"and extra context ignored", ConditionAnd, Values{"product": StringValue("kopi"), "size": StringValue("large"), "qty": IntValue(2)}, true},
		{"and one missing", ConditionAnd, Values{"product": StringValue("kopi")}, false},
		{"and one differs", ConditionAnd, Values{"product": StringValue("kopi"), "size": StringValue("small")}, false},
		{"or one present", ConditionOr, Values{"size": StringValue("large")}, true},
		{"or none", ConditionOr, Values{"product": StringValue("teh")}, false},
		{"or empty context", ConditionOr, Values{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &Rule{ID: "r", Condition: cond, ConditionType: tt.ct, Active: true}
			got, err := r.Matches(tt.ctx)
			if err != nil {
				t.Fatalf("Matches returned error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Matches = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRuleMatchesEmptyConditionNeverMatches(t *testing.T) {
	r := &Rule{ID: "r", ConditionType: ConditionAnd}
	if ok, _ := r.Matches(Values{"a": StringValue("b")}); ok {
		t.Error("Rule with empty condition should not match")
	}
}

func TestConditionTypeValid(t *testing.T) {
	if !ConditionAnd.Valid() || !ConditionOr.Valid() {
		t.Error("AND and OR must be valid")
	}
	if ConditionType("XOR").Valid() || ConditionType("and").Valid() {
		t.Error("Only upper-case AND and OR are valid")
	}
}
