// Package coerce converts loosely typed input (env strings, script values,
// decoded JSON bodies) with spf13/cast and reports failures as errors instead
// of panicking. A nil input converts to the zero value.
package coerce

import (
	"errors"
	"fmt"

	"github.com/spf13/cast"
)

// ErrCoerce is wrapped by every conversion failure.
var ErrCoerce = errors.New("coerce")

func fail(input any, target string) error {
	return fmt.Errorf("%w: cannot convert %v (%T) to %s", ErrCoerce, input, input, target)
}

// ToString never fails; values cast cannot handle are formatted with %v.
func ToString(input any) string {
	if input == nil {
		return ""
	}
	if s, err := cast.ToStringE(input); err == nil {
		return s
	}
	return fmt.Sprintf("%v", input)
}

// ToInt accepts numeric strings ("123") and whole floats (123.0).
func ToInt(input any) (int, error) {
	if input == nil {
		return 0, nil
	}
	i, err := cast.ToIntE(input)
	if err != nil {
		return 0, fail(input, "int")
	}
	return i, nil
}

// ToInt64 is used for record ids.
func ToInt64(input any) (int64, error) {
	if input == nil {
		return 0, nil
	}
	i, err := cast.ToInt64E(input)
	if err != nil {
		return 0, fail(input, "int64")
	}
	return i, nil
}

func ToFloat64(input any) (float64, error) {
	if input == nil {
		return 0, nil
	}
	f, err := cast.ToFloat64E(input)
	if err != nil {
		return 0, fail(input, "float64")
	}
	return f, nil
}

// ToBool understands true/false, 1/0 and their string forms.
func ToBool(input any) (bool, error) {
	if input == nil {
		return false, nil
	}
	b, err := cast.ToBoolE(input)
	if err != nil {
		return false, fail(input, "bool")
	}
	return b, nil
}

// ToMap accepts maps with string keys and JSON object strings.
func ToMap(input any) (map[string]any, error) {
	if input == nil {
		return nil, nil
	}
	m, err := cast.ToStringMapE(input)
	if err != nil {
		return nil, fail(input, "map")
	}
	return m, nil
}

// ToStringSlice is used for repeated CLI and API arguments.
func ToStringSlice(input any) ([]string, error) {
	if input == nil {
		return nil, nil
	}
	s, err := cast.ToStringSliceE(input)
	if err != nil {
		return nil, fail(input, "[]string")
	}
	return s, nil
}

// The Def variants return def for nil, "" and unconvertible input. Config
// parsing relies on them.

func ToIntDef(input any, def int) int {
	return orDefault(input, def, ToInt)
}

func ToBoolDef(input any, def bool) bool {
	return orDefault(input, def, ToBool)
}

func ToFloat64Def(input any, def float64) float64 {
	return orDefault(input, def, ToFloat64)
}

func orDefault[T any](input any, def T, conv func(any) (T, error)) T {
	if input == nil || input == "" {
		return def
	}
	v, err := conv(input)
	if err != nil {
		return def
	}
	return v
}
