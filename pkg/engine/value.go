package engine

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"reflect"
	"sort"
	"strconv"

	"docvm/pkg/fastjson"
)

type ValueType int

const (
	ValNull ValueType = iota
	ValBool
	ValInt
	ValFloat
	ValString
	ValArray
)

func (t ValueType) String() string {
	switch t {
	case ValNull:
		return "null"
	case ValBool:
		return "bool"
	case ValInt:
		return "int"
	case ValFloat:
		return "float"
	case ValString:
		return "string"
	case ValArray:
		return "array"
	default:
		return "unknown"
	}
}

// Value is the engine-side representation behind every handle.
//
// OWNERSHIP: a Value reachable from a handle belongs to the VM that minted the
// handle. Containers own their elements; Append and Set take private copies.
type Value struct {
	Type ValueType

	boolVal   bool
	intVal    int64
	floatVal  float64
	stringVal string
	arrayVal  *Array
}

func NewNull() *Value { return &Value{Type: ValNull} }

func NewBool(b bool) *Value { return &Value{Type: ValBool, boolVal: b} }

func NewInt(n int64) *Value { return &Value{Type: ValInt, intVal: n} }

func NewFloat(f float64) *Value { return &Value{Type: ValFloat, floatVal: f} }

func NewString(s string) *Value { return &Value{Type: ValString, stringVal: s} }

func NewArray() *Value { return &Value{Type: ValArray, arrayVal: newArray()} }

// NewObject returns an array that reads as a JSON object even while empty.
func NewObject() *Value {
	v := NewArray()
	v.arrayVal.object = true
	return v
}

func (v *Value) AsBool() (bool, bool) {
	if v.Type == ValBool {
		return v.boolVal, true
	}
	return false, false
}

func (v *Value) AsInt() (int64, bool) {
	if v.Type == ValInt {
		return v.intVal, true
	}
	return 0, false
}

func (v *Value) AsFloat() (float64, bool) {
	if v.Type == ValFloat {
		return v.floatVal, true
	}
	return 0, false
}

func (v *Value) AsString() (string, bool) {
	if v.Type == ValString {
		return v.stringVal, true
	}
	return "", false
}

func (v *Value) AsArray() (*Array, bool) {
	if v.Type == ValArray && v.arrayVal != nil {
		return v.arrayVal, true
	}
	return nil, false
}

// Truthy follows the Jx9 boolean cast rules.
func (v *Value) Truthy() bool {
	switch v.Type {
	case ValBool:
		return v.boolVal
	case ValInt:
		return v.intVal != 0
	case ValFloat:
		return v.floatVal != 0
	case ValString:
		return v.stringVal != "" && v.stringVal != "0"
	case ValArray:
		return v.arrayVal.Len() > 0
	default:
		return false
	}
}

// Copy returns a deep copy; containers never share elements.
func (v *Value) Copy() *Value {
	if v == nil {
		return NewNull()
	}
	out := *v
	if v.Type == ValArray {
		out.arrayVal = v.arrayVal.copy()
	}
	return &out
}

// assign overwrites v in place with a copy of src.
func (v *Value) assign(src *Value) {
	*v = *src.Copy()
}

// String renders the value the way the print statement emits it.
func (v *Value) String() string {
	switch v.Type {
	case ValNull:
		return ""
	case ValBool:
		if v.boolVal {
			return "true"
		}
		return "false"
	case ValInt:
		return strconv.FormatInt(v.intVal, 10)
	case ValFloat:
		return strconv.FormatFloat(v.floatVal, 'g', -1, 64)
	case ValString:
		return v.stringVal
	case ValArray:
		b, err := fastjson.Marshal(v.ToNative())
		if err != nil {
			return fmt.Sprintf("Array[%d entries]", v.arrayVal.Len())
		}
		return string(b)
	default:
		return "unknown"
	}
}

// ToNative converts a Value to plain Go data: nil, bool, int64, float64,
// string, []interface{} or map[string]interface{}. Arrays with at least one
// string key become maps.
func (v *Value) ToNative() interface{} {
	switch v.Type {
	case ValNull:
		return nil
	case ValBool:
		return v.boolVal
	case ValInt:
		return v.intVal
	case ValFloat:
		return v.floatVal
	case ValString:
		return v.stringVal
	case ValArray:
		a := v.arrayVal
		if a.IsObject() {
			m := make(map[string]interface{}, a.Len())
			a.Each(func(k Key, item *Value) bool {
				m[k.String()] = item.ToNative()
				return true
			})
			return m
		}
		list := make([]interface{}, 0, a.Len())
		a.Each(func(_ Key, item *Value) bool {
			list = append(list, item.ToNative())
			return true
		})
		return list
	default:
		return nil
	}
}

// FromNative is the bridge from Go interface{} to an engine Value. Map keys are
// inserted in sorted order so conversions are deterministic.
func FromNative(x interface{}) (*Value, error) {
	if x == nil {
		return NewNull(), nil
	}
	switch val := x.(type) {
	case *Value:
		return val.Copy(), nil
	case bool:
		return NewBool(val), nil
	case string:
		return NewString(val), nil
	case int:
		return NewInt(int64(val)), nil
	case int8:
		return NewInt(int64(val)), nil
	case int16:
		return NewInt(int64(val)), nil
	case int32:
		return NewInt(int64(val)), nil
	case int64:
		return NewInt(val), nil
	case uint:
		return fromUnsigned(uint64(val))
	case uint8:
		return NewInt(int64(val)), nil
	case uint16:
		return NewInt(int64(val)), nil
	case uint32:
		return NewInt(int64(val)), nil
	case uint64:
		return fromUnsigned(val)
	case float32:
		return NewFloat(float64(val)), nil
	case float64:
		return NewFloat(val), nil
	case []interface{}:
		out := NewArray()
		for _, item := range val {
			iv, err := FromNative(item)
			if err != nil {
				return nil, err
			}
			out.arrayVal.appendOwned(iv)
		}
		return out, nil
	case map[string]interface{}:
		out := NewObject()
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			iv, err := FromNative(val[k])
			if err != nil {
				return nil, err
			}
			out.arrayVal.setOwned(k, iv)
		}
		return out, nil
	}

	// Typed slices and maps produced by host helpers.
	rv := reflect.ValueOf(x)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		out := NewArray()
		for i := 0; i < rv.Len(); i++ {
			iv, err := FromNative(rv.Index(i).Interface())
			if err != nil {
				return nil, err
			}
			out.arrayVal.appendOwned(iv)
		}
		return out, nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			break
		}
		m := make(map[string]interface{}, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			m[iter.Key().String()] = iter.Value().Interface()
		}
		return FromNative(m)
	}
	return nil, fmt.Errorf("unsupported host value of type %T", x)
}

func fromUnsigned(u uint64) (*Value, error) {
	if u > math.MaxInt64 {
		return nil, fmt.Errorf("unsigned value %d overflows int64", u)
	}
	return NewInt(int64(u)), nil
}

// Key identifies one array entry: either an implicit integer position or an
// explicit string key.
type Key struct {
	str   string
	num   int64
	isStr bool
}

func IntKey(n int64) Key { return Key{num: n} }

func StringKey(s string) Key { return Key{str: s, isStr: true} }

func (k Key) IsString() bool { return k.isStr }

func (k Key) Int() int64 { return k.num }

func (k Key) String() string {
	if k.isStr {
		return k.str
	}
	return strconv.FormatInt(k.num, 10)
}

func (k Key) value() *Value {
	if k.isStr {
		return NewString(k.str)
	}
	return NewInt(k.num)
}

type entry struct {
	key Key
	val *Value
}

// Array is the engine's single container kind: an insertion-ordered map
// whose keys are implicit integers, explicit strings, or a mix of both.
type Array struct {
	entries []entry
	strIdx  map[string]int
	intIdx  map[int64]int
	next    int64
	object  bool
}

func newArray() *Array {
	return &Array{
		strIdx: make(map[string]int),
		intIdx: make(map[int64]int),
	}
}

func (a *Array) Len() int {
	if a == nil {
		return 0
	}
	return len(a.entries)
}

// IsObject reports whether the array reads as a JSON object: it was created
// as one or carries at least one string key.
func (a *Array) IsObject() bool {
	return a != nil && (a.object || len(a.strIdx) > 0)
}

// Append stores a copy of v under the next implicit integer key.
func (a *Array) Append(v *Value) { a.appendOwned(v.Copy()) }

// Set stores a copy of v under key, replacing an existing entry.
func (a *Array) Set(key string, v *Value) { a.setOwned(key, v.Copy()) }

func (a *Array) appendOwned(v *Value) {
	k := a.next
	a.next++
	a.intIdx[k] = len(a.entries)
	a.entries = append(a.entries, entry{key: IntKey(k), val: v})
}

func (a *Array) setOwned(key string, v *Value) {
	if i, ok := a.strIdx[key]; ok {
		a.entries[i].val = v
		return
	}
	a.strIdx[key] = len(a.entries)
	a.entries = append(a.entries, entry{key: StringKey(key), val: v})
}

// Get looks key up as a string key first and then as a decimal integer key.
func (a *Array) Get(key string) (*Value, bool) {
	if a == nil {
		return nil, false
	}
	if i, ok := a.strIdx[key]; ok {
		return a.entries[i].val, true
	}
	if n, err := strconv.ParseInt(key, 10, 64); err == nil {
		if i, ok := a.intIdx[n]; ok {
			return a.entries[i].val, true
		}
	}
	return nil, false
}

// Delete removes the entry under a string key or a decimal integer key.
func (a *Array) Delete(key string) bool {
	if a == nil {
		return false
	}
	i, ok := a.strIdx[key]
	if !ok {
		n, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			return false
		}
		if i, ok = a.intIdx[n]; !ok {
			return false
		}
	}
	a.entries = append(a.entries[:i], a.entries[i+1:]...)
	a.strIdx = make(map[string]int, len(a.strIdx))
	a.intIdx = make(map[int64]int, len(a.intIdx))
	for j, e := range a.entries {
		if e.key.isStr {
			a.strIdx[e.key.str] = j
		} else {
			a.intIdx[e.key.num] = j
		}
	}
	return true
}

// Each visits entries in insertion order until fn returns false.
func (a *Array) Each(fn func(Key, *Value) bool) {
	if a == nil {
		return
	}
	for _, e := range a.entries {
		if !fn(e.key, e.val) {
			return
		}
	}
}

func (a *Array) copy() *Array {
	out := newArray()
	out.next = a.next
	out.object = a.object
	out.entries = make([]entry, len(a.entries))
	for i, e := range a.entries {
		out.entries[i] = entry{key: e.key, val: e.val.Copy()}
		if e.key.isStr {
			out.strIdx[e.key.str] = i
		} else {
			out.intIdx[e.key.num] = i
		}
	}
	return out
}

// Serialize writes a Value to a binary stream. The layout keeps the value
// kind and the key kind of every array entry, so round trips through the
// storage layer never turn floats into ints or string keys into positions.
func (v *Value) Serialize(w io.Writer) error {
	if err := binary.Write(w, binary.LittleEndian, uint8(v.Type)); err != nil {
		return err
	}

	switch v.Type {
	case ValNull:
		return nil
	case ValBool:
		var b byte
		if v.boolVal {
			b = 1
		}
		return binary.Write(w, binary.LittleEndian, b)
	case ValInt:
		return binary.Write(w, binary.LittleEndian, v.intVal)
	case ValFloat:
		return binary.Write(w, binary.LittleEndian, v.floatVal)
	case ValString:
		return writeString(w, v.stringVal)
	case ValArray:
		a := v.arrayVal
		var object uint8
		if a.object {
			object = 1
		}
		if err := binary.Write(w, binary.LittleEndian, object); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, uint32(a.Len())); err != nil {
			return err
		}
		for _, e := range a.entries {
			if e.key.isStr {
				if err := binary.Write(w, binary.LittleEndian, uint8(1)); err != nil {
					return err
				}
				if err := writeString(w, e.key.str); err != nil {
					return err
				}
			} else {
				if err := binary.Write(w, binary.LittleEndian, uint8(0)); err != nil {
					return err
				}
			}
			if err := e.val.Serialize(w); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("unknown value type: %d", v.Type)
	}
}

// DeserializeValue reads a Value written by Serialize.
func DeserializeValue(r io.Reader) (*Value, error) {
	var t uint8
	if err := binary.Read(r, binary.LittleEndian, &t); err != nil {
		return nil, err
	}

	switch ValueType(t) {
	case ValNull:
		return NewNull(), nil
	case ValBool:
		var b byte
		if err := binary.Read(r, binary.LittleEndian, &b); err != nil {
			return nil, err
		}
		return NewBool(b > 0), nil
	case ValInt:
		var n int64
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return nil, err
		}
		return NewInt(n), nil
	case ValFloat:
		var f float64
		if err := binary.Read(r, binary.LittleEndian, &f); err != nil {
			return nil, err
		}
		return NewFloat(f), nil
	case ValString:
		s, err := readString(r)
		if err != nil {
			return nil, err
		}
		return NewString(s), nil
	case ValArray:
		var object uint8
		if err := binary.Read(r, binary.LittleEndian, &object); err != nil {
			return nil, err
		}
		var l uint32
		if err := binary.Read(r, binary.LittleEndian, &l); err != nil {
			return nil, err
		}
		out := NewArray()
		out.arrayVal.object = object == 1
		for i := uint32(0); i < l; i++ {
			var keyKind uint8
			if err := binary.Read(r, binary.LittleEndian, &keyKind); err != nil {
				return nil, err
			}
			var key string
			if keyKind == 1 {
				s, err := readString(r)
				if err != nil {
					return nil, err
				}
				key = s
			}
			item, err := DeserializeValue(r)
			if err != nil {
				return nil, err
			}
			if keyKind == 1 {
				out.arrayVal.setOwned(key, item)
			} else {
				out.arrayVal.appendOwned(item)
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported value type: %d", t)
	}
}

func writeString(w io.Writer, s string) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(s))); err != nil {
		return err
	}
	_, err := w.Write([]byte(s))
	return err
}

func readString(r io.Reader) (string, error) {
	var l uint32
	if err := binary.Read(r, binary.LittleEndian, &l); err != nil {
		return "", err
	}
	buf := make([]byte, l)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}
