package mdoc

import (
	"bytes"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/fxamacker/cbor/v2"
)

const fullDateLayout = "2006-01-02"

// Kind is the type tag of a Value.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindText
	KindInteger
	KindBool
	KindBytes
	KindDate     // full-date, tag 1004
	KindDateTime // tdate, tag 0
	KindArray
	KindMap
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindInteger:
		return "integer"
	case KindBool:
		return "bool"
	case KindBytes:
		return "bytes"
	case KindDate:
		return "date"
	case KindDateTime:
		return "datetime"
	case KindArray:
		return "array"
	case KindMap:
		return "map"
	}
	return "invalid"
}

// Value is an attribute value. Values are always tree shaped and compare
// structurally; the zero Value is invalid and cannot be encoded.
type Value struct {
	kind    Kind
	text    string
	integer int64
	boolean bool
	bytes   []byte
	time    time.Time
	array   []Value
	entries map[string]Value
}

func Text(s string) Value { return Value{kind: KindText, text: s} }
func Integer(i int64) Value { return Value{kind: KindInteger, integer: i} }
func Bool(b bool) Value { return Value{kind: KindBool, boolean: b} }
func Array(vs ...Value) Value { return Value{kind: KindArray, array: append([]Value(nil), vs...)} }

func Bytes(b []byte) Value {
	return Value{kind: KindBytes, bytes: append([]byte(nil), b...)}
}

// Date keeps only the calendar day of t.
func Date(t time.Time) Value {
	y, m, d := t.Date()
	return Value{kind: KindDate, time: time.Date(y, m, d, 0, 0, 0, 0, time.UTC)}
}

// DateTime keeps t in UTC with second precision.
func DateTime(t time.Time) Value {
	return Value{kind: KindDateTime, time: t.UTC().Truncate(time.Second)}
}

func Map(entries map[string]Value) Value {
	m := make(map[string]Value, len(entries))
	for k, v := range entries {
		m[k] = v
	}
	return Value{kind: KindMap, entries: m}
}

// ValueOf converts a plain Go value into a Value. It accepts the shapes produced
// by decoding CBOR into interface{} as well as common Go literals, and fails with
// ErrEncoding for anything without a canonical attribute encoding.
func ValueOf(v interface{}) (Value, error) {
	switch x := v.(type) {
	case Value:
		if x.kind == KindInvalid {
			return Value{}, fmt.Errorf("%w: invalid value", ErrEncoding)
		}
		return x, nil
	case string:
		return Text(x), nil
	case bool:
		return Bool(x), nil
	case int:
		return Integer(int64(x)), nil
	case int8:
		return Integer(int64(x)), nil
	case int16:
		return Integer(int64(x)), nil
	case int32:
		return Integer(int64(x)), nil
	case int64:
		return Integer(x), nil
	case uint8:
		return Integer(int64(x)), nil
	case uint16:
		return Integer(int64(x)), nil
	case uint32:
		return Integer(int64(x)), nil
	case uint:
		return fromUint64(uint64(x))
	case uint64:
		return fromUint64(x)
	case []byte:
		return Bytes(x), nil
	case time.Time:
		return DateTime(x), nil
	case cbor.Tag:
		return fromTag(x)
	case []Value:
		return Array(x...), nil
	case []string:
		arr := make([]Value, 0, len(x))
		for _, s := range x {
			arr = append(arr, Text(s))
		}
		return Array(arr...), nil
	case []interface{}:
		arr := make([]Value, 0, len(x))
		for i, e := range x {
			ev, err := ValueOf(e)
			if err != nil {
				return Value{}, fmt.Errorf("array index %d: %w", i, err)
			}
			arr = append(arr, ev)
		}
		return Value{kind: KindArray, array: arr}, nil
	case map[string]Value:
		return Map(x), nil
	case map[string]interface{}:
		m := make(map[string]Value, len(x))
		for k, e := range x {
			ev, err := ValueOf(e)
			if err != nil {
				return Value{}, fmt.Errorf("map key %q: %w", k, err)
			}
			m[k] = ev
		}
		return Value{kind: KindMap, entries: m}, nil
	case map[interface{}]interface{}:
		m := make(map[string]Value, len(x))
		for k, e := range x {
			ks, ok := k.(string)
			if !ok {
				return Value{}, fmt.Errorf("%w: map key of type %T", ErrEncoding, k)
			}
			ev, err := ValueOf(e)
			if err != nil {
				return Value{}, fmt.Errorf("map key %q: %w", ks, err)
			}
			m[ks] = ev
		}
		return Value{kind: KindMap, entries: m}, nil
	}
	return Value{}, fmt.Errorf("%w: unsupported type %T", ErrEncoding, v)
}

func fromUint64(u uint64) (Value, error) {
	if u > math.MaxInt64 {
		return Value{}, fmt.Errorf("%w: integer %d overflows int64", ErrEncoding, u)
	}
	return Integer(int64(u)), nil
}

func fromTag(tag cbor.Tag) (Value, error) {
	switch tag.Number {
	case tagFullDate:
		s, ok := tag.Content.(string)
		if !ok {
			return Value{}, fmt.Errorf("%w: full-date content of type %T", ErrEncoding, tag.Content)
		}
		t, err := time.Parse(fullDateLayout, s)
		if err != nil {
			return Value{}, fmt.Errorf("%w: %v", ErrEncoding, err)
		}
		return Date(t), nil
	case 0:
		s, ok := tag.Content.(string)
		if !ok {
			return Value{}, fmt.Errorf("%w: tdate content of type %T", ErrEncoding, tag.Content)
		}
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return Value{}, fmt.Errorf("%w: %v", ErrEncoding, err)
		}
		return DateTime(t), nil
	}
	return Value{}, fmt.Errorf("%w: unsupported tag %d", ErrEncoding, tag.Number)
}

func (v Value) Kind() Kind { return v.kind }

// Interface returns the plain Go form: string, int64, bool, []byte,
// time.Time, []interface{} or map[string]interface{}.
func (v Value) Interface() interface{} {
	switch v.kind {
	case KindText:
		return v.text
	case KindInteger:
		return v.integer
	case KindBool:
		return v.boolean
	case KindBytes:
		return append([]byte(nil), v.bytes...)
	case KindDate, KindDateTime:
		return v.time
	case KindArray:
		out := make([]interface{}, 0, len(v.array))
		for _, e := range v.array {
			out = append(out, e.Interface())
		}
		return out
	case KindMap:
		out := make(map[string]interface{}, len(v.entries))
		for k, e := range v.entries {
			out[k] = e.Interface()
		}
		return out
	}
	return nil
}

// Equal reports structural equality.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindText:
		return v.text == o.text
	case KindInteger:
		return v.integer == o.integer
	case KindBool:
		return v.boolean == o.boolean
	case KindBytes:
		return bytes.Equal(v.bytes, o.bytes)
	case KindDate, KindDateTime:
		return v.time.Equal(o.time)
	case KindArray:
		if len(v.array) != len(o.array) {
			return false
		}
		for i := range v.array {
			if !v.array[i].Equal(o.array[i]) {
				return false
			}
		}
		return true
	case KindMap:
		if len(v.entries) != len(o.entries) {
			return false
		}
		for k, e := range v.entries {
			oe, ok := o.entries[k]
			if !ok || !e.Equal(oe) {
				return false
			}
		}
		return true
	}
	return true
}

// Keys returns the sorted keys of a map value.
func (v Value) Keys() []string {
	keys := make([]string, 0, len(v.entries))
	for k := range v.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (v Value) MarshalCBOR() ([]byte, error) {
	switch v.kind {
	case KindText:
		return encMode.Marshal(v.text)
	case KindInteger:
		return encMode.Marshal(v.integer)
	case KindBool:
		return encMode.Marshal(v.boolean)
	case KindBytes:
		return encMode.Marshal(v.bytes)
	case KindDate:
		return encMode.Marshal(cbor.Tag{Number: tagFullDate, Content: v.time.Format(fullDateLayout)})
	case KindDateTime:
		return encMode.Marshal(v.time)
	case KindArray:
		arr := v.array
		if arr == nil {
			arr = []Value{}
		}
		return encMode.Marshal(arr)
	case KindMap:
		m := v.entries
		if m == nil {
			m = map[string]Value{}
		}
		return encMode.Marshal(m)
	}
	return nil, fmt.Errorf("%w: cannot encode %s value", ErrEncoding, v.kind)
}

func (v *Value) UnmarshalCBOR(data []byte) error {
	var raw interface{}
	if err := decMode.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %v", ErrEncoding, err)
	}
	parsed, err := ValueOf(raw)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}
