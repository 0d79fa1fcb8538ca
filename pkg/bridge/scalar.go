package bridge

import (
	"math"

	"docvm/pkg/engine"
)

// encodeScalar stores a scalar Value into an existing scalar handle.
func encodeScalar(vals engine.Values, h engine.Handle, v Value, path string) error {
	var err error
	switch v.kind {
	case KindNull:
		err = vals.SetNull(h)
	case KindBool:
		err = vals.SetBool(h, v.b)
	case KindInt:
		err = vals.SetInt64(h, v.i)
	case KindUint:
		if v.u > math.MaxInt64 {
			return rangeErr("encode", path, "unsigned value %d exceeds the engine's 64-bit signed integers", v.u)
		}
		err = vals.SetInt64(h, int64(v.u))
	case KindFloat:
		err = vals.SetFloat64(h, v.f)
	case KindString:
		err = vals.SetString(h, v.s)
	default:
		return typeCastErr("encode", path, "%s is not a scalar", v.kind)
	}
	if err != nil {
		return engineErr("encode", path, err)
	}
	return nil
}

// decodeScalar reads a scalar handle. The predicates are probed string first,
// then float, int, bool and null, so a whole float never turns into an int.
func decodeScalar(vals engine.Values, h engine.Handle, path string) (Value, error) {
	switch {
	case vals.IsString(h):
		return String(vals.ToString(h)), nil
	case vals.IsFloat(h):
		return Float(vals.ToFloat64(h)), nil
	case vals.IsInt(h):
		return Int(vals.ToInt64(h)), nil
	case vals.IsBool(h):
		return Bool(vals.ToBool(h)), nil
	case vals.IsNull(h):
		return Null(), nil
	case vals.IsArray(h):
		return Value{}, typeCastErr("decode", path, "expected a scalar, got an array")
	}
	return Value{}, lifecycleErr("decode", "handle %#x is not live", uint64(h))
}
