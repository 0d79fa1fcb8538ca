package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestVM(t *testing.T, src string) *VM {
	t.Helper()
	db, err := OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	vm, err := db.Compile(src)
	require.NoError(t, err)
	return vm
}

func TestHeap_GenerationDetectsStaleHandles(t *testing.T) {
	vm := newTestVM(t, "")

	h, err := vm.NewScalar()
	require.NoError(t, err)
	require.NoError(t, vm.SetInt64(h, 7))
	require.NoError(t, vm.ReleaseValue(h))

	// The slot is reused with a new generation.
	h2, err := vm.NewScalar()
	require.NoError(t, err)
	assert.Equal(t, h.index(), h2.index())
	assert.NotEqual(t, h, h2)

	assert.False(t, vm.Valid(h))
	assert.Equal(t, CodeInvalid, CodeOf(vm.ReleaseValue(h)), "double release")
	assert.Equal(t, CodeInvalid, CodeOf(vm.SetInt64(h, 1)))
	assert.Equal(t, int64(0), vm.ToInt64(h))
	assert.False(t, vm.IsInt(h))

	assert.Equal(t, CodeInvalid, CodeOf(vm.ReleaseValue(0)), "zero handle")
	require.NoError(t, vm.ReleaseValue(h2))
	assert.Equal(t, 0, vm.LiveHandles())
}

func TestScope_ScalarSettersAndPredicates(t *testing.T) {
	vm := newTestVM(t, "")
	h, err := vm.NewScalar()
	require.NoError(t, err)
	defer vm.ReleaseValue(h)

	assert.True(t, vm.IsNull(h))
	assert.True(t, vm.IsScalar(h))

	require.NoError(t, vm.SetBool(h, true))
	assert.True(t, vm.IsBool(h))
	assert.True(t, vm.ToBool(h))
	assert.Equal(t, int64(1), vm.ToInt64(h))

	require.NoError(t, vm.SetFloat64(h, 2.5))
	assert.True(t, vm.IsFloat(h))
	assert.Equal(t, 2.5, vm.ToFloat64(h))
	assert.Equal(t, "2.5", vm.ToString(h))

	require.NoError(t, vm.SetString(h, "42"))
	assert.True(t, vm.IsString(h))
	assert.Equal(t, int64(42), vm.ToInt64(h))

	require.NoError(t, vm.SetNull(h))
	assert.True(t, vm.IsNull(h))
	assert.False(t, vm.ToBool(h))
}

func TestScope_Arrays(t *testing.T) {
	vm := newTestVM(t, "")

	arr, err := vm.NewArray()
	require.NoError(t, err)
	assert.True(t, vm.IsJSONArray(arr), "empty array has no string keys")
	assert.False(t, vm.IsJSONObject(arr))

	for _, n := range []int64{10, 20} {
		item, err := vm.NewScalar()
		require.NoError(t, err)
		require.NoError(t, vm.SetInt64(item, n))
		require.NoError(t, vm.ArrayAdd(arr, item))
		require.NoError(t, vm.ReleaseValue(item), "append copies, the item is ours to release")
	}
	assert.Equal(t, 2, vm.ArrayCount(arr))
	assert.True(t, vm.IsJSONArray(arr))

	got, ok := vm.ArrayFetch(arr, "1")
	require.True(t, ok)
	assert.Equal(t, int64(20), vm.ToInt64(got))
	require.NoError(t, vm.ReleaseValue(got))

	_, ok = vm.ArrayFetch(arr, "5")
	assert.False(t, ok)

	name, err := vm.NewScalar()
	require.NoError(t, err)
	require.NoError(t, vm.SetString(name, "x"))
	require.NoError(t, vm.ArrayAddKey(arr, "name", name))
	require.NoError(t, vm.ReleaseValue(name))
	assert.True(t, vm.IsJSONObject(arr))
	assert.False(t, vm.IsJSONArray(arr))

	scalar, err := vm.NewScalar()
	require.NoError(t, err)
	assert.Equal(t, CodeInvalid, CodeOf(vm.ArrayAdd(scalar, arr)), "not an array")
	require.NoError(t, vm.ReleaseValue(scalar))

	require.NoError(t, vm.ReleaseValue(arr))
	assert.Equal(t, 0, vm.LiveHandles())
}

func TestScope_ArrayWalkBorrowsHandles(t *testing.T) {
	vm := newTestVM(t, "")
	arr, err := vm.NewArray()
	require.NoError(t, err)
	defer vm.ReleaseValue(arr)

	for _, k := range []string{"a", "b", "c"} {
		v, err := vm.NewScalar()
		require.NoError(t, err)
		require.NoError(t, vm.SetString(v, k+k))
		require.NoError(t, vm.ArrayAddKey(arr, k, v))
		require.NoError(t, vm.ReleaseValue(v))
	}
	baseline := vm.LiveHandles()

	var keys []string
	var borrowed []Handle
	err = vm.ArrayWalk(arr, func(key, val Handle) Status {
		keys = append(keys, vm.ToString(key))
		borrowed = append(borrowed, key, val)
		assert.Equal(t, baseline+2, vm.LiveHandles())
		return OK
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, keys)
	assert.Equal(t, baseline, vm.LiveHandles())
	for _, h := range borrowed {
		assert.False(t, vm.Valid(h), "borrowed handles die after the visit")
	}

	visits := 0
	err = vm.ArrayWalk(arr, func(key, val Handle) Status {
		visits++
		return Abort
	})
	assert.Equal(t, CodeAbort, CodeOf(err))
	assert.Equal(t, 1, visits)
	assert.Equal(t, baseline, vm.LiveHandles())
}

func TestScope_ReleasedOwner(t *testing.T) {
	vm := newTestVM(t, "")
	h, err := vm.NewScalar()
	require.NoError(t, err)

	require.NoError(t, vm.Release())
	assert.Equal(t, 1, vm.Leaked(), "unreleased handle reclaimed with the vm")

	_, err = vm.NewScalar()
	assert.Equal(t, CodeInvalid, CodeOf(err))
	assert.Equal(t, CodeInvalid, CodeOf(vm.ReleaseValue(h)))
	assert.Equal(t, CodeInvalid, CodeOf(vm.Release()))
}
