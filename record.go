package fetchdb

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/vmihailenco/msgpack/v5"
)

const flagDeleted = 1 << 0

// Record is a single stored entity version. A tombstone has Deleted set
// and an empty payload.
type Record struct {
	Deleted bool
	Payload []byte
}

func tombstone() Record {
	return Record{Deleted: true}
}

// encodeRecord produces the stored representation: a flags uvarint
// followed by the payload bytes.
func encodeRecord(rec Record) []byte {
	var flags uint64
	if rec.Deleted {
		flags |= flagDeleted
	}
	buf := make([]byte, 0, binary.MaxVarintLen64+len(rec.Payload))
	buf = appendUvarint(buf, flags)
	buf = appendRaw(buf, rec.Payload)
	return buf
}

func decodeRecord(b []byte) (Record, error) {
	flags, n := binary.Uvarint(b)
	if n <= 0 {
		return Record{}, fmt.Errorf("truncated record header")
	}
	return Record{
		Deleted: flags&flagDeleted != 0,
		Payload: b[n:],
	}, nil
}

// encodeFields serializes a field map as msgpack with sorted keys, so
// identical field maps produce identical bytes.
func encodeFields(fields Fields) ([]byte, error) {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	if err := enc.EncodeMapLen(len(names)); err != nil {
		return nil, err
	}
	for _, name := range names {
		if err := enc.EncodeString(name); err != nil {
			return nil, err
		}
		if err := encodeValue(enc, fields[name]); err != nil {
			return nil, fmt.Errorf("field %q: %w", name, err)
		}
	}
	return buf.Bytes(), nil
}

func decodeFields(b []byte) (Fields, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(b))
	n, err := dec.DecodeMapLen()
	if err != nil {
		return nil, err
	}
	fields := make(Fields, n)
	for i := 0; i < n; i++ {
		name, err := dec.DecodeString()
		if err != nil {
			return nil, err
		}
		v, err := decodeValue(dec)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", name, err)
		}
		fields[name] = v
	}
	return fields, nil
}

// Each value is a two-element array [kind, payload] so decoding never
// needs catalog metadata.
func encodeValue(enc *msgpack.Encoder, v Value) error {
	if err := enc.EncodeArrayLen(2); err != nil {
		return err
	}
	if err := enc.EncodeUint8(uint8(v.kind)); err != nil {
		return err
	}
	switch v.kind {
	case KindNull:
		return enc.EncodeNil()
	case KindBool:
		return enc.EncodeBool(v.BoolVal())
	case KindInt, KindTime:
		return enc.EncodeInt64(int64(v.num))
	case KindFloat:
		return enc.EncodeFloat64(v.FloatVal())
	case KindString:
		return enc.EncodeString(v.str)
	case KindBytes:
		return enc.EncodeBytes(v.raw)
	case KindID:
		return enc.EncodeBytes(v.id[:])
	default:
		return fmt.Errorf("cannot encode value of kind %v", v.kind)
	}
}

func decodeValue(dec *msgpack.Decoder) (Value, error) {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return Value{}, err
	}
	if n != 2 {
		return Value{}, fmt.Errorf("value array has %d elements, expected 2", n)
	}
	kindByte, err := dec.DecodeUint8()
	if err != nil {
		return Value{}, err
	}
	kind := Kind(kindByte)
	switch kind {
	case KindNull:
		return Null(), dec.DecodeNil()
	case KindBool:
		b, err := dec.DecodeBool()
		return Bool(b), err
	case KindInt:
		n, err := dec.DecodeInt64()
		return Int(n), err
	case KindTime:
		n, err := dec.DecodeInt64()
		return Micros(n), err
	case KindFloat:
		f, err := dec.DecodeFloat64()
		return Float(f), err
	case KindString:
		s, err := dec.DecodeString()
		return Str(s), err
	case KindBytes:
		b, err := dec.DecodeBytes()
		return Bytes(b), err
	case KindID:
		b, err := dec.DecodeBytes()
		if err != nil {
			return Value{}, err
		}
		if len(b) != idSize {
			return Value{}, fmt.Errorf("id value is %d bytes, expected %d", len(b), idSize)
		}
		var id ID
		copy(id[:], b)
		return IDVal(id), nil
	default:
		return Value{}, fmt.Errorf("cannot decode value of kind %v", kind)
	}
}
