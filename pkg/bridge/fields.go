package bridge

import (
	"reflect"
	"strings"
	"sync"
)

// field describes one exported struct field as seen by the codecs.
type field struct {
	name      string
	index     []int
	omitEmpty bool
	typ       reflect.Type
}

var fieldCache sync.Map // map[reflect.Type][]field

// fieldsOf lists the fields of struct type t in declaration order. Names come
// from the jx9 tag, then the json tag, then the Go name. Untagged embedded
// structs are flattened; a name declared at a shallower depth wins.
func fieldsOf(t reflect.Type) []field {
	if f, ok := fieldCache.Load(t); ok {
		return f.([]field)
	}
	fields := collectFields(t, nil, map[reflect.Type]bool{})
	f, _ := fieldCache.LoadOrStore(t, fields)
	return f.([]field)
}

func collectFields(t reflect.Type, prefix []int, visiting map[reflect.Type]bool) []field {
	if visiting[t] {
		return nil
	}
	visiting[t] = true
	defer delete(visiting, t)

	var direct []field
	var embedded [][]field
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		name, opts, tagged, skip := fieldTag(sf)
		if skip {
			continue
		}
		index := append(append([]int(nil), prefix...), i)

		if sf.Anonymous && !tagged {
			ft := sf.Type
			if ft.Kind() == reflect.Pointer {
				if !sf.IsExported() {
					continue
				}
				ft = ft.Elem()
			}
			if ft.Kind() == reflect.Struct {
				embedded = append(embedded, collectFields(ft, index, visiting))
				continue
			}
		}
		if !sf.IsExported() {
			continue
		}
		if name == "" {
			name = sf.Name
		}
		direct = append(direct, field{
			name:      name,
			index:     index,
			omitEmpty: hasOption(opts, "omitempty"),
			typ:       sf.Type,
		})
	}

	seen := make(map[string]bool, len(direct))
	for _, f := range direct {
		seen[f.name] = true
	}
	out := direct
	for _, group := range embedded {
		for _, f := range group {
			if seen[f.name] {
				continue
			}
			seen[f.name] = true
			out = append(out, f)
		}
	}
	return out
}

// fieldTag reads the jx9 tag, falling back to json. As in encoding/json only
// a bare "-" skips the field; "-," names it "-".
func fieldTag(sf reflect.StructField) (name, opts string, tagged, skip bool) {
	tag, ok := sf.Tag.Lookup("jx9")
	if !ok {
		tag, ok = sf.Tag.Lookup("json")
	}
	if !ok {
		return "", "", false, false
	}
	if tag == "-" {
		return "", "", false, true
	}
	name, opts, _ = strings.Cut(tag, ",")
	return name, opts, name != "", false
}

func hasOption(opts, want string) bool {
	for opts != "" {
		var o string
		o, opts, _ = strings.Cut(opts, ",")
		if o == want {
			return true
		}
	}
	return false
}

// isEmpty follows the omitempty rules of encoding/json.
func isEmpty(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Array, reflect.Map, reflect.Slice, reflect.String:
		return v.Len() == 0
	case reflect.Bool:
		return !v.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int() == 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return v.Uint() == 0
	case reflect.Float32, reflect.Float64:
		return v.Float() == 0
	case reflect.Interface, reflect.Pointer:
		return v.IsNil()
	}
	return false
}

// fieldByIndex walks index for reading. ok is false when a nil embedded
// pointer is in the way.
func fieldByIndex(v reflect.Value, index []int) (reflect.Value, bool) {
	for i, x := range index {
		if i > 0 && v.Kind() == reflect.Pointer {
			if v.IsNil() {
				return reflect.Value{}, false
			}
			v = v.Elem()
		}
		v = v.Field(x)
	}
	return v, true
}

// fieldByIndexAlloc walks index for writing, allocating nil embedded
// pointers on the way.
func fieldByIndexAlloc(v reflect.Value, index []int) reflect.Value {
	for i, x := range index {
		if i > 0 && v.Kind() == reflect.Pointer {
			if v.IsNil() {
				v.Set(reflect.New(v.Type().Elem()))
			}
			v = v.Elem()
		}
		v = v.Field(x)
	}
	return v
}
