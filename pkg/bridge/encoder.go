package bridge

import (
	"encoding"
	"reflect"
	"sort"

	"github.com/shopspring/decimal"

	"docvm/pkg/engine"
)

var (
	valueType   = reflect.TypeOf(Value{})
	decimalType = reflect.TypeOf(decimal.Decimal{})
	textMarshal = reflect.TypeOf((*encoding.TextMarshaler)(nil)).Elem()
)

// Marshal encodes a Go value into the tracker's owner and returns the root
// handle, tracked by t. Structs become keyed records named by their jx9 or
// json tags, slices and arrays become sequences, maps need string keys.
// decimal.Decimal and other encoding.TextMarshaler types are stored as
// strings. []byte, channels, funcs and complex numbers are rejected with
// ErrTypeCast.
func Marshal(t *Tracker, v any) (engine.Handle, error) {
	e := &encoder{sc: t.Scope()}
	h, err := e.encode(reflect.ValueOf(v), "")
	if err != nil {
		e.sc.Close()
		return 0, err
	}
	e.sc.Keep(h)
	return h, e.sc.Close()
}

// encoder keeps a stack of the containers being filled. Children are built,
// copied into the container on top of the stack and released right away.
type encoder struct {
	sc    *Scope
	stack []engine.Handle
}

func (e *encoder) push(h engine.Handle) { e.stack = append(e.stack, h) }

func (e *encoder) pop() { e.stack = e.stack[:len(e.stack)-1] }

func (e *encoder) top() engine.Handle { return e.stack[len(e.stack)-1] }

func (e *encoder) vals() engine.Values { return e.sc.t.owner }

func (e *encoder) encode(rv reflect.Value, path string) (engine.Handle, error) {
	for rv.IsValid() && (rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface) {
		if rv.IsNil() {
			return e.scalar(Null(), path)
		}
		if rv.Type().Implements(textMarshal) && rv.Kind() == reflect.Pointer {
			break
		}
		rv = rv.Elem()
	}
	if !rv.IsValid() {
		return e.scalar(Null(), path)
	}

	switch t := rv.Type(); {
	case t == valueType:
		return encodeValue(e.sc, rv.Interface().(Value), path)
	case t == decimalType:
		return e.scalar(String(rv.Interface().(decimal.Decimal).String()), path)
	case t.Implements(textMarshal):
		text, err := rv.Interface().(encoding.TextMarshaler).MarshalText()
		if err != nil {
			return 0, typeCastErr("marshal", path, "%s: %v", t, err)
		}
		return e.scalar(String(string(text)), path)
	}

	switch rv.Kind() {
	case reflect.Struct:
		return e.record(rv, path)
	case reflect.Map:
		return e.mapping(rv, path)
	case reflect.Slice:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return 0, typeCastErr("marshal", path, "byte slices are not supported")
		}
		if rv.IsNil() {
			return e.scalar(Null(), path)
		}
		return e.sequence(rv, path)
	case reflect.Array:
		return e.sequence(rv, path)
	case reflect.Bool:
		return e.scalar(Bool(rv.Bool()), path)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return e.scalar(Int(rv.Int()), path)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return e.scalar(Uint(rv.Uint()), path)
	case reflect.Float32:
		return e.scalar(Float32(float32(rv.Float())), path)
	case reflect.Float64:
		return e.scalar(Float(rv.Float()), path)
	case reflect.String:
		return e.scalar(String(rv.String()), path)
	}
	return 0, typeCastErr("marshal", path, "unsupported type %s", rv.Type())
}

func (e *encoder) scalar(v Value, path string) (engine.Handle, error) {
	h, err := e.sc.Acquire(ScalarHandle)
	if err != nil {
		return 0, err
	}
	if err := encodeScalar(e.vals(), h, v, path); err != nil {
		return 0, err
	}
	return h, nil
}

func (e *encoder) container(kind HandleKind, path string, fill func() error) (engine.Handle, error) {
	h, err := e.sc.Acquire(kind)
	if err != nil {
		return 0, err
	}
	e.push(h)
	defer e.pop()
	if err := fill(); err != nil {
		return 0, err
	}
	return h, nil
}

func (e *encoder) add(key string, rv reflect.Value, path string) error {
	child, err := e.encode(rv, path)
	if err != nil {
		return err
	}
	if key == "" {
		err = e.vals().ArrayAdd(e.top(), child)
	} else {
		err = e.vals().ArrayAddKey(e.top(), key, child)
	}
	if err != nil {
		return engineErr("marshal", path, err)
	}
	return e.sc.Release(child)
}

func (e *encoder) record(rv reflect.Value, path string) (engine.Handle, error) {
	return e.container(ObjectHandle, path, func() error {
		for _, f := range fieldsOf(rv.Type()) {
			fv, ok := fieldByIndex(rv, f.index)
			if !ok || (f.omitEmpty && isEmpty(fv)) {
				continue
			}
			if err := e.add(f.name, fv, fieldPath(path, f.name)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (e *encoder) mapping(rv reflect.Value, path string) (engine.Handle, error) {
	if rv.Type().Key().Kind() != reflect.String {
		return 0, typeCastErr("marshal", path, "map keys must be strings, got %s", rv.Type().Key())
	}
	if rv.IsNil() {
		return e.scalar(Null(), path)
	}
	keys := make([]string, 0, rv.Len())
	for _, k := range rv.MapKeys() {
		keys = append(keys, k.String())
	}
	sort.Strings(keys)
	return e.container(ObjectHandle, path, func() error {
		for _, k := range keys {
			kv := reflect.ValueOf(k).Convert(rv.Type().Key())
			if err := e.add(k, rv.MapIndex(kv), fieldPath(path, k)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (e *encoder) sequence(rv reflect.Value, path string) (engine.Handle, error) {
	return e.container(ArrayHandle, path, func() error {
		for i := 0; i < rv.Len(); i++ {
			if err := e.add("", rv.Index(i), indexPath(path, i)); err != nil {
				return err
			}
		}
		return nil
	})
}
