package engine

import (
	"docvm/pkg/utils/coerce"
)

// Status is what a walk visitor or a foreign function reports back.
type Status int

const (
	OK Status = iota
	Abort
)

// Values is the handle-based value surface shared by a VM and by the
// CallContext of a foreign function. Each implementation mints handles in its
// own ownership domain; a handle must be released through the same owner that
// created it.
type Values interface {
	NewScalar() (Handle, error)
	NewArray() (Handle, error)
	NewObject() (Handle, error)
	ReleaseValue(h Handle) error

	IsNull(h Handle) bool
	IsBool(h Handle) bool
	IsInt(h Handle) bool
	IsFloat(h Handle) bool
	IsString(h Handle) bool
	IsArray(h Handle) bool
	IsScalar(h Handle) bool
	IsJSONObject(h Handle) bool
	IsJSONArray(h Handle) bool

	ToBool(h Handle) bool
	ToInt64(h Handle) int64
	ToFloat64(h Handle) float64
	ToString(h Handle) string

	SetNull(h Handle) error
	SetBool(h Handle, b bool) error
	SetInt64(h Handle, n int64) error
	SetFloat64(h Handle, f float64) error
	SetString(h Handle, s string) error

	ArrayAdd(arr, val Handle) error
	ArrayAddKey(arr Handle, key string, val Handle) error
	ArrayCount(arr Handle) int
	ArrayFetch(arr Handle, key string) (Handle, bool)
	ArrayWalk(arr Handle, visit func(key, val Handle) Status) error
}

// scope implements Values for one owner of a heap. VM and CallContext embed it.
type scope struct {
	heap   *heap
	owner  ownerID
	closed bool
}

var _ Values = (*scope)(nil)

func (s *scope) alive(op string) error {
	if s.closed || s.heap == nil {
		return newError(CodeInvalid, op, "owner already released")
	}
	return nil
}

func (s *scope) get(h Handle) *Value {
	if s.heap == nil {
		return nil
	}
	v, err := s.heap.value(h)
	if err != nil {
		return nil
	}
	return v
}

func (s *scope) mutable(op string, h Handle) (*Value, error) {
	if err := s.alive(op); err != nil {
		return nil, err
	}
	v, err := s.heap.value(h)
	if err != nil {
		err.(*Error).Op = op
		return nil, err
	}
	return v, nil
}

func (s *scope) mint(v *Value) Handle { return s.heap.alloc(s.owner, v) }

func (s *scope) NewScalar() (Handle, error) {
	if err := s.alive("new_scalar"); err != nil {
		return 0, err
	}
	return s.mint(NewNull()), nil
}

func (s *scope) NewArray() (Handle, error) {
	if err := s.alive("new_array"); err != nil {
		return 0, err
	}
	return s.mint(NewArray()), nil
}

func (s *scope) NewObject() (Handle, error) {
	if err := s.alive("new_object"); err != nil {
		return 0, err
	}
	return s.mint(NewObject()), nil
}

func (s *scope) ReleaseValue(h Handle) error {
	if err := s.alive("release"); err != nil {
		return err
	}
	return s.heap.release(s.owner, h)
}

// Valid reports whether h is live in this heap.
func (s *scope) Valid(h Handle) bool { return s.get(h) != nil }

func (s *scope) typeOf(h Handle) (ValueType, bool) {
	v := s.get(h)
	if v == nil {
		return 0, false
	}
	return v.Type, true
}

func (s *scope) IsNull(h Handle) bool {
	t, ok := s.typeOf(h)
	return ok && t == ValNull
}

func (s *scope) IsBool(h Handle) bool {
	t, ok := s.typeOf(h)
	return ok && t == ValBool
}

func (s *scope) IsInt(h Handle) bool {
	t, ok := s.typeOf(h)
	return ok && t == ValInt
}

func (s *scope) IsFloat(h Handle) bool {
	t, ok := s.typeOf(h)
	return ok && t == ValFloat
}

func (s *scope) IsString(h Handle) bool {
	t, ok := s.typeOf(h)
	return ok && t == ValString
}

func (s *scope) IsArray(h Handle) bool {
	t, ok := s.typeOf(h)
	return ok && t == ValArray
}

func (s *scope) IsScalar(h Handle) bool {
	t, ok := s.typeOf(h)
	return ok && t != ValArray
}

// IsJSONObject reports an array created as an object or carrying at least
// one string key.
func (s *scope) IsJSONObject(h Handle) bool {
	v := s.get(h)
	return v != nil && v.Type == ValArray && v.arrayVal.IsObject()
}

// IsJSONArray reports any other array. An empty array created with NewArray
// qualifies.
func (s *scope) IsJSONArray(h Handle) bool {
	v := s.get(h)
	return v != nil && v.Type == ValArray && !v.arrayVal.IsObject()
}

// Getters cast the way the script language does; a dead handle yields the
// zero value.

func (s *scope) ToBool(h Handle) bool {
	v := s.get(h)
	return v != nil && v.Truthy()
}

func (s *scope) ToInt64(h Handle) int64 {
	v := s.get(h)
	if v == nil {
		return 0
	}
	switch v.Type {
	case ValInt:
		return v.intVal
	case ValFloat:
		return int64(v.floatVal)
	case ValBool:
		if v.boolVal {
			return 1
		}
		return 0
	case ValString:
		n, _ := coerce.ToInt64(v.stringVal)
		return n
	case ValArray:
		return int64(v.arrayVal.Len())
	}
	return 0
}

func (s *scope) ToFloat64(h Handle) float64 {
	v := s.get(h)
	if v == nil {
		return 0
	}
	switch v.Type {
	case ValFloat:
		return v.floatVal
	case ValInt:
		return float64(v.intVal)
	case ValBool, ValArray:
		return float64(s.ToInt64(h))
	case ValString:
		return coerce.ToFloat64Def(v.stringVal, 0)
	}
	return 0
}

func (s *scope) ToString(h Handle) string {
	v := s.get(h)
	if v == nil {
		return ""
	}
	return v.String()
}

func (s *scope) set(op string, h Handle, nv *Value) error {
	v, err := s.mutable(op, h)
	if err != nil {
		return err
	}
	*v = *nv
	return nil
}

func (s *scope) SetNull(h Handle) error { return s.set("set_null", h, NewNull()) }

func (s *scope) SetBool(h Handle, b bool) error { return s.set("set_bool", h, NewBool(b)) }

func (s *scope) SetInt64(h Handle, n int64) error { return s.set("set_int64", h, NewInt(n)) }

func (s *scope) SetFloat64(h Handle, f float64) error { return s.set("set_float64", h, NewFloat(f)) }

func (s *scope) SetString(h Handle, str string) error { return s.set("set_string", h, NewString(str)) }

func (s *scope) array(op string, h Handle) (*Array, error) {
	v, err := s.mutable(op, h)
	if err != nil {
		return nil, err
	}
	a, ok := v.AsArray()
	if !ok {
		return nil, newError(CodeInvalid, op, "handle %#x is a %s, not an array", uint64(h), v.Type)
	}
	return a, nil
}

// ArrayAdd appends a copy of val under the next implicit integer key. The
// caller keeps ownership of val and may release it right away.
func (s *scope) ArrayAdd(arr, val Handle) error {
	a, err := s.array("array_add", arr)
	if err != nil {
		return err
	}
	v, err := s.mutable("array_add", val)
	if err != nil {
		return err
	}
	a.Append(v)
	return nil
}

// ArrayAddKey stores a copy of val under key, replacing an existing entry.
func (s *scope) ArrayAddKey(arr Handle, key string, val Handle) error {
	a, err := s.array("array_add_key", arr)
	if err != nil {
		return err
	}
	v, err := s.mutable("array_add_key", val)
	if err != nil {
		return err
	}
	a.Set(key, v)
	return nil
}

func (s *scope) ArrayCount(arr Handle) int {
	v := s.get(arr)
	if v == nil || v.Type != ValArray {
		return 0
	}
	return v.arrayVal.Len()
}

// ArrayFetch returns a new handle owned by this scope that refers to the
// entry stored under key. The caller must release it.
func (s *scope) ArrayFetch(arr Handle, key string) (Handle, bool) {
	if s.alive("array_fetch") != nil {
		return 0, false
	}
	v := s.get(arr)
	if v == nil || v.Type != ValArray {
		return 0, false
	}
	item, ok := v.arrayVal.Get(key)
	if !ok {
		return 0, false
	}
	return s.mint(item), true
}

// ArrayWalk calls visit for every entry in insertion order. The key and value
// handles are borrowed: they are valid only during the call and must not be
// released by the visitor. Returning Abort stops the walk with CodeAbort.
func (s *scope) ArrayWalk(arr Handle, visit func(key, val Handle) Status) error {
	a, err := s.array("array_walk", arr)
	if err != nil {
		return err
	}
	var status Status
	a.Each(func(k Key, item *Value) bool {
		kh := s.mint(k.value())
		vh := s.mint(item)
		status = visit(kh, vh)
		s.dropBorrowed(kh)
		s.dropBorrowed(vh)
		return status == OK
	})
	if status != OK {
		return newError(CodeAbort, "array_walk", "walk aborted by visitor")
	}
	return nil
}

func (s *scope) dropBorrowed(h Handle) {
	if _, ok := s.heap.lookup(h); ok {
		s.heap.drop(h.index())
	}
}
