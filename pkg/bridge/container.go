package bridge

import (
	"strconv"

	"docvm/pkg/engine"
)

// Encode builds v in the tracker's owner and returns the root handle. The
// handle is tracked by t and the caller releases it through t. On error every
// intermediate handle has already been released.
func Encode(t *Tracker, v Value) (engine.Handle, error) {
	sc := t.Scope()
	h, err := encodeValue(sc, v, "")
	if err != nil {
		sc.Close()
		return 0, err
	}
	sc.Keep(h)
	return h, sc.Close()
}

func encodeValue(sc *Scope, v Value, path string) (engine.Handle, error) {
	kind := ScalarHandle
	switch v.kind {
	case KindList:
		kind = ArrayHandle
	case KindMap:
		kind = ObjectHandle
	}
	h, err := sc.Acquire(kind)
	if err != nil {
		return 0, err
	}
	vals := sc.t.owner

	switch v.kind {
	case KindList:
		for i, item := range v.list {
			p := indexPath(path, i)
			child, err := encodeValue(sc, item, p)
			if err != nil {
				return 0, err
			}
			if err := vals.ArrayAdd(h, child); err != nil {
				return 0, engineErr("encode", p, err)
			}
			if err := sc.Release(child); err != nil {
				return 0, err
			}
		}
	case KindMap:
		keys := v.keys()
		for _, k := range keys {
			p := fieldPath(path, k)
			child, err := encodeValue(sc, v.m[k], p)
			if err != nil {
				return 0, err
			}
			if err := vals.ArrayAddKey(h, k, child); err != nil {
				return 0, engineErr("encode", p, err)
			}
			if err := sc.Release(child); err != nil {
				return 0, err
			}
		}
	default:
		if err := encodeScalar(vals, h, v, path); err != nil {
			return 0, err
		}
	}
	return h, nil
}

// Decode reads the value behind h. It only walks the container with borrowed
// handles, so it never changes the owner's handle balance. h stays owned by
// the caller.
func Decode(vals engine.Values, h engine.Handle) (Value, error) {
	return decodeValue(vals, h, "")
}

func decodeValue(vals engine.Values, h engine.Handle, path string) (Value, error) {
	if !vals.IsArray(h) {
		return decodeScalar(vals, h, path)
	}
	return decodeContainer(vals, h, path)
}

type decodedEntry struct {
	key Value
	val Value
}

// decodeContainer collects the entries first and classifies afterwards: the
// container is a list only when every key is the integer equal to its
// position. Any string key, even "0", makes it a map, and so does an empty
// array the engine created as an object.
func decodeContainer(vals engine.Values, h engine.Handle, path string) (Value, error) {
	var (
		entries []decodedEntry
		failed  error
	)
	err := vals.ArrayWalk(h, func(kh, vh engine.Handle) engine.Status {
		key, err := decodeScalar(vals, kh, path)
		if err != nil {
			failed = err
			return engine.Abort
		}
		val, err := decodeValue(vals, vh, childPath(path, key))
		if err != nil {
			failed = err
			return engine.Abort
		}
		entries = append(entries, decodedEntry{key: key, val: val})
		return engine.OK
	})
	if failed != nil {
		return Value{}, failed
	}
	if err != nil {
		return Value{}, engineErr("decode", path, err)
	}

	if !vals.IsJSONObject(h) && isSequence(entries) {
		items := make([]Value, len(entries))
		for i, e := range entries {
			items[i] = e.val
		}
		return List(items...), nil
	}
	m := make(map[string]Value, len(entries))
	for _, e := range entries {
		m[keyString(e.key)] = e.val
	}
	return Map(m), nil
}

func isSequence(entries []decodedEntry) bool {
	for i, e := range entries {
		n, ok := e.key.AsInt()
		if e.key.kind != KindInt || !ok || n != int64(i) {
			return false
		}
	}
	return true
}

func keyString(k Value) string {
	if s, ok := k.AsString(); ok {
		return s
	}
	n, _ := k.AsInt()
	return strconv.FormatInt(n, 10)
}

func childPath(path string, key Value) string {
	if key.kind == KindInt {
		return indexPath(path, int(key.i))
	}
	return fieldPath(path, keyString(key))
}
