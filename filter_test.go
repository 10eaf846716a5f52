package fetchdb

import "testing"

func TestFilterLeaves(t *testing.T) {
	fields := Fields{
		"name":   Str("Ada Lovelace"),
		"age":    Int(36),
		"score":  Float(12.5),
		"bio":    Null(),
		"active": Bool(true),
	}
	tests := []struct {
		f    *Filter
		want bool
	}{
		{nil, true},
		{Eq("age", Int(36)), true},
		{Eq("age", Int(37)), false},
		{Ne("age", Int(37)), true},
		{Ne("age", Int(36)), false},
		{Lt("age", Int(40)), true},
		{Le("age", Int(36)), true},
		{Gt("age", Int(36)), false},
		{Ge("age", Int(36)), true},
		{Gt("score", Float(12)), true},
		{In("age", Int(1), Int(36)), true},
		{In("age", Int(1), Int(2)), false},
		{NotIn("age", Int(1), Int(2)), true},
		{NotIn("age", Int(36)), false},
		{IsNull("bio"), true},
		{IsNull("age"), false},
		{NotNull("age"), true},
		{NotNull("bio"), false},
		{Prefix("name", "Ada", false), true},
		{Prefix("name", "ada", false), false},
		{Prefix("name", "ADA", true), true},
		{Contains("name", "Love", false), true},
		{Contains("name", "love", false), false},
		{Contains("name", "LOVE", true), true},

		// Absent fields fail comparisons but pass null and non-membership checks.
		{Eq("missing", Int(1)), false},
		{Lt("missing", Int(1)), false},
		{IsNull("missing"), true},
		{NotNull("missing"), false},
		{NotIn("missing", Int(1)), true},
		{In("missing", Int(1)), false},

		// Mixed kinds never compare.
		{Lt("age", Str("40")), false},
		{Eq("age", Float(36)), false},
	}
	for i, tt := range tests {
		if got := evalFilter(tt.f, fields); got != tt.want {
			t.Errorf("** case %d: got %v, wanted %v", i, got, tt.want)
		}
	}
}

func TestFilterCombinators(t *testing.T) {
	fields := Fields{"a": Int(1), "b": Int(2)}
	eq(t, evalFilter(And(Eq("a", Int(1)), Eq("b", Int(2))), fields), true)
	eq(t, evalFilter(And(Eq("a", Int(1)), Eq("b", Int(3))), fields), false)
	eq(t, evalFilter(Or(Eq("a", Int(9)), Eq("b", Int(2))), fields), true)
	eq(t, evalFilter(Or(Eq("a", Int(9)), Eq("b", Int(9))), fields), false)
	eq(t, evalFilter(Not(Eq("a", Int(1))), fields), false)
	eq(t, evalFilter(Not(Eq("a", Int(9))), fields), true)
	eq(t, evalFilter(And(), fields), true)
	eq(t, evalFilter(Or(), fields), false)
}
