package bridge

import (
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"docvm/pkg/fastjson"
)

// Kind tags the variant held by a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindUint
	KindFloat
	KindString
	KindList
	KindMap
)

var kindNames = [...]string{"null", "bool", "int", "uint", "float", "string", "list", "map"}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// Value is the host-side mirror of a script value. Integers and floats keep
// the width they were constructed with so callers can tell an Int8 from an
// Int64; the engine itself stores every integer as 64 bits, so decoded values
// always come back at width 64.
type Value struct {
	kind Kind
	bits uint8
	b    bool
	i    int64
	u    uint64
	f    float64
	s    string
	list []Value
	m    map[string]Value
}

func Null() Value { return Value{} }

func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

func Int(n int64) Value   { return Value{kind: KindInt, bits: 64, i: n} }
func Int8(n int8) Value   { return Value{kind: KindInt, bits: 8, i: int64(n)} }
func Int16(n int16) Value { return Value{kind: KindInt, bits: 16, i: int64(n)} }
func Int32(n int32) Value { return Value{kind: KindInt, bits: 32, i: int64(n)} }

func Uint(n uint64) Value   { return Value{kind: KindUint, bits: 64, u: n} }
func Uint8(n uint8) Value   { return Value{kind: KindUint, bits: 8, u: uint64(n)} }
func Uint16(n uint16) Value { return Value{kind: KindUint, bits: 16, u: uint64(n)} }
func Uint32(n uint32) Value { return Value{kind: KindUint, bits: 32, u: uint64(n)} }

func Float(f float64) Value   { return Value{kind: KindFloat, bits: 64, f: f} }
func Float32(f float32) Value { return Value{kind: KindFloat, bits: 32, f: float64(f)} }

func String(s string) Value { return Value{kind: KindString, s: s} }

// List builds an ordered sequence. A nil or empty list is still a list.
func List(items ...Value) Value {
	if items == nil {
		items = []Value{}
	}
	return Value{kind: KindList, list: items}
}

// Map builds a keyed record. A nil map is an empty record.
func Map(m map[string]Value) Value {
	if m == nil {
		m = map[string]Value{}
	}
	return Value{kind: KindMap, m: m}
}

func (v Value) Kind() Kind { return v.kind }

// Bits reports the integer or float width, or 0 for other kinds.
func (v Value) Bits() int { return int(v.bits) }

func (v Value) IsNull() bool { return v.kind == KindNull }

func (v Value) AsBool() (bool, bool) { return v.b, v.kind == KindBool }

// AsInt returns signed integers, and unsigned ones that fit into an int64.
func (v Value) AsInt() (int64, bool) {
	switch v.kind {
	case KindInt:
		return v.i, true
	case KindUint:
		if v.u <= math.MaxInt64 {
			return int64(v.u), true
		}
	}
	return 0, false
}

// AsUint returns unsigned integers, and non-negative signed ones.
func (v Value) AsUint() (uint64, bool) {
	switch v.kind {
	case KindUint:
		return v.u, true
	case KindInt:
		if v.i >= 0 {
			return uint64(v.i), true
		}
	}
	return 0, false
}

func (v Value) AsFloat() (float64, bool) { return v.f, v.kind == KindFloat }

func (v Value) AsString() (string, bool) { return v.s, v.kind == KindString }

func (v Value) AsList() ([]Value, bool) { return v.list, v.kind == KindList }

func (v Value) AsMap() (map[string]Value, bool) { return v.m, v.kind == KindMap }

// Len is the number of entries of a list or map and 0 otherwise.
func (v Value) Len() int {
	switch v.kind {
	case KindList:
		return len(v.list)
	case KindMap:
		return len(v.m)
	}
	return 0
}

// Get returns a map entry.
func (v Value) Get(key string) (Value, bool) {
	if v.kind != KindMap {
		return Value{}, false
	}
	e, ok := v.m[key]
	return e, ok
}

// Index returns a list element.
func (v Value) Index(i int) (Value, bool) {
	if v.kind != KindList || i < 0 || i >= len(v.list) {
		return Value{}, false
	}
	return v.list[i], true
}

// Equal compares structurally. Integers compare by numeric value regardless
// of width and signedness; floats never equal integers.
func (v Value) Equal(o Value) bool {
	if v.isInteger() && o.isInteger() {
		return integerEqual(v, o)
	}
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindBool:
		return v.b == o.b
	case KindFloat:
		return v.f == o.f || (math.IsNaN(v.f) && math.IsNaN(o.f))
	case KindString:
		return v.s == o.s
	case KindList:
		if len(v.list) != len(o.list) {
			return false
		}
		for i := range v.list {
			if !v.list[i].Equal(o.list[i]) {
				return false
			}
		}
		return true
	case KindMap:
		if len(v.m) != len(o.m) {
			return false
		}
		for k, a := range v.m {
			b, ok := o.m[k]
			if !ok || !a.Equal(b) {
				return false
			}
		}
		return true
	}
	return false
}

func (v Value) isInteger() bool { return v.kind == KindInt || v.kind == KindUint }

func integerEqual(a, b Value) bool {
	if a.kind == KindInt && b.kind == KindInt {
		return a.i == b.i
	}
	if a.kind == KindUint && b.kind == KindUint {
		return a.u == b.u
	}
	if a.kind == KindUint {
		a, b = b, a
	}
	return a.i >= 0 && uint64(a.i) == b.u
}

// Native converts to plain Go values: nil, bool, int64, uint64, float64,
// string, []any and map[string]any.
func (v Value) Native() any {
	switch v.kind {
	case KindBool:
		return v.b
	case KindInt:
		return v.i
	case KindUint:
		return v.u
	case KindFloat:
		return v.f
	case KindString:
		return v.s
	case KindList:
		out := make([]any, len(v.list))
		for i, e := range v.list {
			out[i] = e.Native()
		}
		return out
	case KindMap:
		out := make(map[string]any, len(v.m))
		for k, e := range v.m {
			out[k] = e.Native()
		}
		return out
	}
	return nil
}

// FromNative builds a Value from plain Go data. Sized integer and float types
// keep their width. Typed slices and string-keyed maps are accepted through
// reflection; structs go through Marshal instead.
func FromNative(x any) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Null(), nil
	case Value:
		return t, nil
	case bool:
		return Bool(t), nil
	case int:
		return Int(int64(t)), nil
	case int8:
		return Int8(t), nil
	case int16:
		return Int16(t), nil
	case int32:
		return Int32(t), nil
	case int64:
		return Int(t), nil
	case uint:
		return Uint(uint64(t)), nil
	case uint8:
		return Uint8(t), nil
	case uint16:
		return Uint16(t), nil
	case uint32:
		return Uint32(t), nil
	case uint64:
		return Uint(t), nil
	case float32:
		return Float32(t), nil
	case float64:
		return Float(t), nil
	case string:
		return String(t), nil
	case []any:
		items := make([]Value, len(t))
		for i, e := range t {
			v, err := FromNative(e)
			if err != nil {
				return Value{}, withIndex(err, i)
			}
			items[i] = v
		}
		return List(items...), nil
	case map[string]any:
		m := make(map[string]Value, len(t))
		for k, e := range t {
			v, err := FromNative(e)
			if err != nil {
				return Value{}, withField(err, k)
			}
			m[k] = v
		}
		return Map(m), nil
	}

	rv := reflect.ValueOf(x)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.Type().Elem().Kind() == reflect.Uint8 {
			return Value{}, typeCastErr("from_native", "", "byte slices are not supported")
		}
		items := make([]Value, rv.Len())
		for i := range items {
			v, err := FromNative(rv.Index(i).Interface())
			if err != nil {
				return Value{}, withIndex(err, i)
			}
			items[i] = v
		}
		return List(items...), nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return Value{}, typeCastErr("from_native", "", "map keys must be strings, got %s", rv.Type().Key())
		}
		m := make(map[string]Value, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			k := iter.Key().String()
			v, err := FromNative(iter.Value().Interface())
			if err != nil {
				return Value{}, withField(err, k)
			}
			m[k] = v
		}
		return Map(m), nil
	case reflect.Pointer:
		if rv.IsNil() {
			return Null(), nil
		}
		return FromNative(rv.Elem().Interface())
	}
	return Value{}, typeCastErr("from_native", "", "unsupported type %T", x)
}

func withIndex(err error, i int) error {
	if be, ok := err.(*Error); ok {
		be.Path = joinPath(indexPath("", i), be.Path)
	}
	return err
}

func withField(err error, name string) error {
	if be, ok := err.(*Error); ok {
		be.Path = joinPath(name, be.Path)
	}
	return err
}

func joinPath(head, tail string) string {
	switch {
	case tail == "":
		return head
	case strings.HasPrefix(tail, "["):
		return head + tail
	}
	return fieldPath(head, tail)
}

// String renders the value for diagnostics: records with sorted keys,
// strings quoted.
func (v Value) String() string {
	var b strings.Builder
	v.write(&b)
	return b.String()
}

func (v Value) write(b *strings.Builder) {
	switch v.kind {
	case KindNull:
		b.WriteString("null")
	case KindBool:
		b.WriteString(strconv.FormatBool(v.b))
	case KindInt:
		b.WriteString(strconv.FormatInt(v.i, 10))
	case KindUint:
		b.WriteString(strconv.FormatUint(v.u, 10))
	case KindFloat:
		b.WriteString(strconv.FormatFloat(v.f, 'g', -1, int(max(v.bits, 32))))
	case KindString:
		b.WriteString(strconv.Quote(v.s))
	case KindList:
		b.WriteByte('[')
		for i, e := range v.list {
			if i > 0 {
				b.WriteString(", ")
			}
			e.write(b)
		}
		b.WriteByte(']')
	case KindMap:
		b.WriteByte('{')
		for i, k := range v.keys() {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(b, "%q: ", k)
			v.m[k].write(b)
		}
		b.WriteByte('}')
	}
}

func (v Value) keys() []string {
	keys := make([]string, 0, len(v.m))
	for k := range v.m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (v Value) MarshalJSON() ([]byte, error) {
	return fastjson.Marshal(v.Native())
}
