package fetchdb

import (
	"bytes"
	"testing"
)

func TestValueEqual(t *testing.T) {
	eq(t, Int(42).Equal(Int(42)), true)
	eq(t, Int(42).Equal(Int(43)), false)
	eq(t, Int(42).Equal(Float(42)), false)
	eq(t, Null().Equal(Null()), true)
	eq(t, Null().Equal(Int(0)), false)
	eq(t, Str("a").Equal(Str("a")), true)
	eq(t, Bytes([]byte{1, 2}).Equal(Bytes([]byte{1, 2})), true)
	eq(t, IDVal(testID(1)).Equal(IDVal(testID(1))), true)
	eq(t, IDVal(testID(1)).Equal(IDVal(testID(2))), false)
}

func TestValueCompare(t *testing.T) {
	tests := []struct {
		a, b Value
		c    int
		ok   bool
	}{
		{Int(1), Int(2), -1, true},
		{Int(-5), Int(3), -1, true},
		{Int(7), Int(7), 0, true},
		{Float(1.5), Float(1.25), 1, true},
		{Str("a"), Str("b"), -1, true},
		{Micros(10), Micros(20), -1, true},
		{Bool(false), Bool(true), -1, true},
		{Int(1), Float(2), 0, false},
		{Null(), Null(), 0, false},
		{Null(), Int(1), 0, false},
	}
	for _, tt := range tests {
		c, ok := tt.a.Compare(tt.b)
		if ok != tt.ok || (ok && sign(c) != tt.c) {
			t.Errorf("** Compare(%#v, %#v) = %d, %v; wanted %d, %v", tt.a, tt.b, c, ok, tt.c, tt.ok)
		}
	}
}

func sign(n int) int {
	switch {
	case n < 0:
		return -1
	case n > 0:
		return 1
	default:
		return 0
	}
}

func TestSortableEncodingOrder(t *testing.T) {
	pairs := [][2]Value{
		{Int(-100), Int(-1)},
		{Int(-1), Int(0)},
		{Int(0), Int(1)},
		{Int(1), Int(1 << 40)},
		{Float(-2.5), Float(-1.5)},
		{Float(-0.5), Float(0)},
		{Float(0), Float(0.5)},
		{Float(1.5), Float(100)},
		{Str("abc"), Str("abd")},
		{Str("ab"), Str("abc")},
		{Micros(5), Micros(6)},
	}
	for _, p := range pairs {
		a := p[0].appendSortable(nil)
		b := p[1].appendSortable(nil)
		if bytes.Compare(a, b) >= 0 {
			t.Errorf("** sortable(%#v) >= sortable(%#v)", p[0], p[1])
		}
	}
}

func TestValueHashStable(t *testing.T) {
	eq(t, Int(42).hash64(), Int(42).hash64())
	if Int(42).hash64() == Str("42").hash64() {
		t.Errorf("** int and string hashed the same")
	}
}
