package fetchdb

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Kind identifies the dynamic type of a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindBytes
	KindID
	KindTime
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindBytes:
		return "bytes"
	case KindID:
		return "id"
	case KindTime:
		return "time"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Value is a dynamically-typed field value. The zero Value is null.
type Value struct {
	kind Kind
	num  uint64
	str  string
	raw  []byte
	id   ID
}

// Fields is the decoded payload of one entity version.
type Fields map[string]Value

func Null() Value       { return Value{} }
func Bool(v bool) Value { return Value{kind: KindBool, num: b2u(v)} }
func Int(v int64) Value { return Value{kind: KindInt, num: uint64(v)} }
func Float(v float64) Value {
	return Value{kind: KindFloat, num: math.Float64bits(v)}
}
func Str(v string) Value   { return Value{kind: KindString, str: v} }
func Bytes(v []byte) Value { return Value{kind: KindBytes, raw: v} }
func IDVal(v ID) Value     { return Value{kind: KindID, id: v} }

// Micros wraps a timestamp in microseconds since the Unix epoch.
func Micros(ts int64) Value { return Value{kind: KindTime, num: uint64(ts)} }

// TimeVal wraps a time.Time, truncated to microsecond precision.
func TimeVal(t time.Time) Value { return Micros(t.UnixMicro()) }

func b2u(v bool) uint64 {
	if v {
		return 1
	}
	return 0
}

func (v Value) Kind() Kind    { return v.kind }
func (v Value) IsNull() bool  { return v.kind == KindNull }
func (v Value) BoolVal() bool { return v.num != 0 }
func (v Value) IntVal() int64 { return int64(v.num) }
func (v Value) FloatVal() float64 {
	return math.Float64frombits(v.num)
}
func (v Value) StrVal() string   { return v.str }
func (v Value) BytesVal() []byte { return v.raw }
func (v Value) IDVal() ID        { return v.id }
func (v Value) MicrosVal() int64 { return int64(v.num) }

func (v Value) GoString() string {
	switch v.kind {
	case KindNull:
		return "null"
	case KindBool:
		return fmt.Sprintf("%v", v.BoolVal())
	case KindInt:
		return fmt.Sprintf("%d", v.IntVal())
	case KindFloat:
		return fmt.Sprintf("%g", v.FloatVal())
	case KindString:
		return fmt.Sprintf("%q", v.str)
	case KindBytes:
		return hexstr(v.raw)
	case KindID:
		return v.id.String()
	case KindTime:
		return fmt.Sprintf("@%d", v.MicrosVal())
	default:
		return fmt.Sprintf("<%v>", v.kind)
	}
}

// Equal reports whether two values are equal. Values of different kinds
// are never equal, except that nulls compare equal to each other.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindString:
		return v.str == o.str
	case KindBytes:
		return bytes.Equal(v.raw, o.raw)
	case KindID:
		return v.id == o.id
	default:
		return v.num == o.num
	}
}

// Compare orders two values of the same kind. Returns ok=false for
// incomparable pairs (different kinds, or nulls).
func (v Value) Compare(o Value) (int, bool) {
	if v.kind != o.kind || v.kind == KindNull {
		return 0, false
	}
	switch v.kind {
	case KindBool:
		return cmpUint(v.num, o.num), true
	case KindInt, KindTime:
		return cmpInt(int64(v.num), int64(o.num)), true
	case KindFloat:
		a, b := v.FloatVal(), o.FloatVal()
		switch {
		case a < b:
			return -1, true
		case a > b:
			return 1, true
		default:
			return 0, true
		}
	case KindString:
		return strings.Compare(v.str, o.str), true
	case KindBytes:
		return bytes.Compare(v.raw, o.raw), true
	case KindID:
		return bytes.Compare(v.id[:], o.id[:]), true
	default:
		return 0, false
	}
}

func cmpInt(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func cmpUint(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// matchesScalar reports whether the value is a valid literal for the
// declared scalar type. Null is acceptable for any field.
func (v Value) matchesScalar(st ScalarType) bool {
	if v.kind == KindNull {
		return true
	}
	switch st {
	case TypeBool:
		return v.kind == KindBool
	case TypeInt:
		return v.kind == KindInt
	case TypeFloat:
		return v.kind == KindFloat
	case TypeString:
		return v.kind == KindString
	case TypeBytes:
		return v.kind == KindBytes
	case TypeID:
		return v.kind == KindID
	case TypeTime:
		return v.kind == KindTime
	default:
		return false
	}
}

// appendSortable appends an order-preserving byte encoding: for any two
// values of the same kind, bytes.Compare over the encodings agrees with
// Compare. A leading kind tag keeps mixed-kind entries grouped.
func (v Value) appendSortable(buf []byte) []byte {
	buf = append(buf, byte(v.kind))
	switch v.kind {
	case KindNull:
	case KindBool:
		buf = append(buf, byte(v.num))
	case KindInt, KindTime:
		buf = binary.BigEndian.AppendUint64(buf, v.num^0x8000_0000_0000_0000)
	case KindFloat:
		bits := v.num
		if bits&0x8000_0000_0000_0000 != 0 {
			bits = ^bits
		} else {
			bits ^= 0x8000_0000_0000_0000
		}
		buf = binary.BigEndian.AppendUint64(buf, bits)
	case KindString:
		buf = append(buf, v.str...)
	case KindBytes:
		buf = append(buf, v.raw...)
	case KindID:
		buf = append(buf, v.id[:]...)
	}
	return buf
}

// hash64 returns the canonical 64-bit hash of the value, used by the
// hash index. The sortable encoding doubles as the canonical form.
func (v Value) hash64() uint64 {
	var arr [32]byte
	return xxhash.Sum64(v.appendSortable(arr[:0]))
}
