package bridge

import (
	"encoding"
	"reflect"
	"strconv"

	"github.com/shopspring/decimal"

	"docvm/pkg/engine"
)

var textUnmarshal = reflect.TypeOf((*encoding.TextUnmarshaler)(nil)).Elem()

// Unmarshal decodes the value behind h into out, which must be a non-nil
// pointer. h stays owned by the caller. Every record field is fetched by key
// through t and released as soon as it has been decoded, so the tracker's
// balance is unchanged on success and on error alike.
//
// A missing field fails with ErrNotFound unless it is a pointer, an interface
// or tagged omitempty. Integer targets are range-checked against their width.
func Unmarshal(t *Tracker, h engine.Handle, out any) error {
	rv := reflect.ValueOf(out)
	if !rv.IsValid() || rv.Kind() != reflect.Pointer || rv.IsNil() {
		return typeCastErr("unmarshal", "", "target must be a non-nil pointer, got %T", out)
	}
	d := &decoder{t: t}
	return d.decode(h, rv.Elem(), "")
}

// decoder mirrors encoder: the container being read sits on top of the stack
// while its children are fetched.
type decoder struct {
	t     *Tracker
	stack []engine.Handle
}

func (d *decoder) push(h engine.Handle) { d.stack = append(d.stack, h) }

func (d *decoder) pop() { d.stack = d.stack[:len(d.stack)-1] }

func (d *decoder) top() engine.Handle { return d.stack[len(d.stack)-1] }

func (d *decoder) vals() engine.Values { return d.t.owner }

func (d *decoder) decode(h engine.Handle, rv reflect.Value, path string) error {
	vals := d.vals()
	t := rv.Type()

	switch {
	case t == valueType:
		v, err := decodeValue(vals, h, path)
		if err != nil {
			return err
		}
		rv.Set(reflect.ValueOf(v))
		return nil
	case t == decimalType:
		return d.decimal(h, rv, path)
	case rv.Kind() == reflect.Interface:
		if t.NumMethod() != 0 {
			return typeCastErr("unmarshal", path, "cannot decode into interface %s", t)
		}
		if vals.IsNull(h) {
			rv.Set(reflect.Zero(t))
			return nil
		}
		v, err := decodeValue(vals, h, path)
		if err != nil {
			return err
		}
		rv.Set(reflect.ValueOf(v.Native()))
		return nil
	case rv.Kind() == reflect.Pointer:
		if vals.IsNull(h) {
			rv.Set(reflect.Zero(t))
			return nil
		}
		if rv.IsNil() {
			rv.Set(reflect.New(t.Elem()))
		}
		return d.decode(h, rv.Elem(), path)
	case reflect.PointerTo(t).Implements(textUnmarshal):
		s, err := d.text(h, t, path)
		if err != nil {
			return err
		}
		if err := rv.Addr().Interface().(encoding.TextUnmarshaler).UnmarshalText([]byte(s)); err != nil {
			return typeCastErr("unmarshal", path, "%s: %v", t, err)
		}
		return nil
	}

	switch rv.Kind() {
	case reflect.Struct:
		return d.record(h, rv, path)
	case reflect.Map:
		return d.mapping(h, rv, path)
	case reflect.Slice:
		if t.Elem().Kind() == reflect.Uint8 {
			return typeCastErr("unmarshal", path, "byte slices are not supported")
		}
		if vals.IsNull(h) {
			rv.Set(reflect.Zero(t))
			return nil
		}
		return d.sequence(h, rv, path)
	case reflect.Array:
		return d.sequence(h, rv, path)
	}

	v, err := decodeScalar(vals, h, path)
	if err != nil {
		return err
	}
	return assignScalar(v, rv, path)
}

func (d *decoder) text(h engine.Handle, t reflect.Type, path string) (string, error) {
	v, err := decodeScalar(d.vals(), h, path)
	if err != nil {
		return "", err
	}
	s, ok := v.AsString()
	if !ok {
		return "", typeCastErr("unmarshal", path, "expected a string for %s, got %s", t, v.kind)
	}
	return s, nil
}

func (d *decoder) decimal(h engine.Handle, rv reflect.Value, path string) error {
	v, err := decodeScalar(d.vals(), h, path)
	if err != nil {
		return err
	}
	var dec decimal.Decimal
	switch v.kind {
	case KindString:
		dec, err = decimal.NewFromString(v.s)
		if err != nil {
			return typeCastErr("unmarshal", path, "invalid decimal %q", v.s)
		}
	case KindInt:
		dec = decimal.NewFromInt(v.i)
	case KindFloat:
		dec = decimal.NewFromFloat(v.f)
	default:
		return typeCastErr("unmarshal", path, "expected a decimal, got %s", v.kind)
	}
	rv.Set(reflect.ValueOf(dec))
	return nil
}

// fetch returns the entry under key of the container on top of the stack,
// adopted by the tracker.
func (d *decoder) fetch(key string) (engine.Handle, bool, error) {
	h, ok := d.vals().ArrayFetch(d.top(), key)
	if !ok {
		return 0, false, nil
	}
	if err := d.t.Adopt(h); err != nil {
		d.vals().ReleaseValue(h)
		return 0, false, err
	}
	return h, true, nil
}

func (d *decoder) child(key string, rv reflect.Value, path string) (bool, error) {
	h, ok, err := d.fetch(key)
	if err != nil || !ok {
		return ok, err
	}
	err = d.decode(h, rv, path)
	if rerr := d.t.Release(h); err == nil {
		err = rerr
	}
	return true, err
}

func (d *decoder) keyed(h engine.Handle) bool {
	vals := d.vals()
	return vals.IsJSONObject(h) || (vals.IsArray(h) && vals.ArrayCount(h) == 0)
}

func (d *decoder) record(h engine.Handle, rv reflect.Value, path string) error {
	if !d.keyed(h) {
		return typeCastErr("unmarshal", path, "expected a keyed record for %s", rv.Type())
	}
	d.push(h)
	defer d.pop()

	for _, f := range fieldsOf(rv.Type()) {
		p := fieldPath(path, f.name)
		fv := fieldByIndexAlloc(rv, f.index)
		found, err := d.child(f.name, fv, p)
		if err != nil {
			return err
		}
		if !found && !optional(f) {
			return notFoundErr("unmarshal", p, "missing field %q", f.name)
		}
	}
	return nil
}

func optional(f field) bool {
	if f.omitEmpty {
		return true
	}
	switch f.typ.Kind() {
	case reflect.Pointer, reflect.Interface:
		return true
	}
	return false
}

func (d *decoder) mapping(h engine.Handle, rv reflect.Value, path string) error {
	t := rv.Type()
	if t.Key().Kind() != reflect.String {
		return typeCastErr("unmarshal", path, "map keys must be strings, got %s", t.Key())
	}
	if d.vals().IsNull(h) {
		rv.Set(reflect.Zero(t))
		return nil
	}
	if !d.keyed(h) {
		return typeCastErr("unmarshal", path, "expected a keyed record for %s", t)
	}

	var keys []string
	err := d.vals().ArrayWalk(h, func(kh, _ engine.Handle) engine.Status {
		keys = append(keys, d.vals().ToString(kh))
		return engine.OK
	})
	if err != nil {
		return engineErr("unmarshal", path, err)
	}

	d.push(h)
	defer d.pop()
	m := reflect.MakeMapWithSize(t, len(keys))
	for _, k := range keys {
		elem := reflect.New(t.Elem()).Elem()
		p := fieldPath(path, k)
		if _, err := d.child(k, elem, p); err != nil {
			return err
		}
		m.SetMapIndex(reflect.ValueOf(k).Convert(t.Key()), elem)
	}
	rv.Set(m)
	return nil
}

func (d *decoder) sequence(h engine.Handle, rv reflect.Value, path string) error {
	if !d.vals().IsJSONArray(h) && !(d.vals().IsArray(h) && d.vals().ArrayCount(h) == 0) {
		return typeCastErr("unmarshal", path, "expected a sequence for %s", rv.Type())
	}
	d.push(h)
	defer d.pop()

	n := d.vals().ArrayCount(h)
	if rv.Kind() == reflect.Array && n > rv.Len() {
		return rangeErr("unmarshal", path, "sequence of %d does not fit into %s", n, rv.Type())
	}
	if rv.Kind() == reflect.Slice {
		rv.Set(reflect.MakeSlice(rv.Type(), n, n))
	}
	for i := 0; i < n; i++ {
		p := indexPath(path, i)
		found, err := d.child(strconv.Itoa(i), rv.Index(i), p)
		if err != nil {
			return err
		}
		if !found {
			return notFoundErr("unmarshal", p, "sequence has a hole at %d", i)
		}
	}
	return nil
}

// assignScalar stores a decoded scalar into a Go scalar. Integers are never
// produced from floats and every width is range-checked.
func assignScalar(v Value, rv reflect.Value, path string) error {
	switch rv.Kind() {
	case reflect.Bool:
		b, ok := v.AsBool()
		if !ok {
			return mismatch(v, rv, path)
		}
		rv.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, ok := v.AsInt()
		if !ok {
			return mismatch(v, rv, path)
		}
		if rv.OverflowInt(n) {
			return rangeErr("unmarshal", path, "%d overflows %s", n, rv.Type())
		}
		rv.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		if !v.isInteger() {
			return mismatch(v, rv, path)
		}
		u, ok := v.AsUint()
		if !ok {
			return rangeErr("unmarshal", path, "%s is negative, cannot store into %s", v, rv.Type())
		}
		if rv.OverflowUint(u) {
			return rangeErr("unmarshal", path, "%d overflows %s", u, rv.Type())
		}
		rv.SetUint(u)
	case reflect.Float32, reflect.Float64:
		var f float64
		if x, ok := v.AsFloat(); ok {
			f = x
		} else if n, ok := v.AsInt(); ok {
			f = float64(n)
		} else {
			return mismatch(v, rv, path)
		}
		if rv.OverflowFloat(f) {
			return rangeErr("unmarshal", path, "%g overflows %s", f, rv.Type())
		}
		rv.SetFloat(f)
	case reflect.String:
		s, ok := v.AsString()
		if !ok {
			return mismatch(v, rv, path)
		}
		rv.SetString(s)
	default:
		return typeCastErr("unmarshal", path, "unsupported target %s", rv.Type())
	}
	return nil
}

func mismatch(v Value, rv reflect.Value, path string) error {
	return typeCastErr("unmarshal", path, "cannot store %s into %s", v.kind, rv.Type())
}
