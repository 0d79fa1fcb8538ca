package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openDB(t *testing.T) *DB {
	t.Helper()
	db, err := OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func bindInt(t *testing.T, vm *VM, name string, n int64) *CString {
	t.Helper()
	h, err := vm.NewScalar()
	require.NoError(t, err)
	require.NoError(t, vm.SetInt64(h, n))
	cname := NewCString(name)
	require.NoError(t, vm.CreateVar(cname, h))
	require.NoError(t, vm.ReleaseValue(h))
	return cname
}

func extractNative(t *testing.T, vm *VM, name string) interface{} {
	t.Helper()
	h, ok := vm.ExtractVar(name)
	require.True(t, ok, "variable %s", name)
	defer vm.ReleaseValue(h)
	v, err := vm.heap.value(h)
	require.NoError(t, err)
	return v.ToNative()
}

func TestVM_Arithmetic(t *testing.T) {
	tests := []struct {
		src  string
		want interface{}
	}{
		{"$r = 1 + 2 * 3;", int64(7)},
		{"$r = 7 / 2;", 3.5},
		{"$r = 7 % 4;", int64(3)},
		{`$r = "a" + "b";`, "ab"},
		{"$r = $x * 2;", int64(20)},
		{"$r = $x > 5 && $x < 20;", true},
		{"$r = [1, 2][1];", int64(2)},
		{`$r = {"k": $x}.k;`, int64(10)},
		{"$r = $missing;", nil},
	}
	for _, tt := range tests {
		t.Run(tt.src, func(t *testing.T) {
			vm := newTestVM(t, tt.src)
			name := bindInt(t, vm, "x", 10)
			require.NoError(t, vm.Exec())
			assert.Equal(t, tt.want, extractNative(t, vm, "r"))
			require.NoError(t, vm.Release())
			name.Free()
		})
	}
}

func TestVM_ControlFlow(t *testing.T) {
	src := `
		if ($x > 100) { $r = "big"; }
		else if ($x > 5) { $r = "medium"; }
		else { $r = "small"; }
	`
	for x, want := range map[int64]string{500: "big", 10: "medium", 1: "small"} {
		vm := newTestVM(t, src)
		bindInt(t, vm, "x", x)
		require.NoError(t, vm.Exec())
		assert.Equal(t, want, extractNative(t, vm, "r"))
	}
}

func TestVM_BareVariableCopiesValue(t *testing.T) {
	vm := newTestVM(t, "$y = $x;")
	h, err := vm.NewScalar()
	require.NoError(t, err)
	require.NoError(t, vm.SetFloat64(h, 2.0))
	require.NoError(t, vm.CreateVar(NewCString("x"), h))
	require.NoError(t, vm.ReleaseValue(h))

	require.NoError(t, vm.Exec())
	y, ok := vm.ExtractVar("y")
	require.True(t, ok)
	assert.True(t, vm.IsFloat(y), "whole float survives the copy")
	require.NoError(t, vm.ReleaseValue(y))
}

func TestVM_Output(t *testing.T) {
	vm := newTestVM(t, `print "a"; echo 1 + 1; print [1, "x"];`)
	require.NoError(t, vm.Exec())
	assert.Equal(t, `a2[1,"x"]`, vm.Output())

	var chunks []string
	vm = newTestVM(t, `print "a"; print "b";`)
	vm.SetOutput(func(s string) error {
		chunks = append(chunks, s)
		return nil
	})
	require.NoError(t, vm.Exec())
	assert.Equal(t, []string{"a", "b"}, chunks)
	assert.Empty(t, vm.Output())

	vm = newTestVM(t, `print "a"; $after = 1;`)
	vm.SetOutput(func(string) error { return errors.New("sink closed") })
	err := vm.Exec()
	assert.Equal(t, CodeAbort, CodeOf(err))
	_, ok := vm.ExtractVar("after")
	assert.False(t, ok)
}

func TestVM_ExecOnce(t *testing.T) {
	vm := newTestVM(t, "$a = 1;")
	require.NoError(t, vm.Exec())
	assert.Equal(t, CodeInvalid, CodeOf(vm.Exec()))
	assert.Equal(t, CodeInvalid, CodeOf(vm.CreateVar(NewCString("b"), 0)))
}

func TestVM_NameBufferIsReferenced(t *testing.T) {
	db := openDB(t)
	vm, err := db.Compile("$y = $x;")
	require.NoError(t, err)

	name := bindInt(t, vm, "x", 1)
	name.Free()

	err = vm.Exec()
	assert.Equal(t, CodeInvalid, CodeOf(err))
	assert.Contains(t, db.ErrLog(), "name buffer")
}

func TestVM_CreateVarValidation(t *testing.T) {
	vm := newTestVM(t, "")
	h, err := vm.NewScalar()
	require.NoError(t, err)
	defer vm.ReleaseValue(h)

	assert.Equal(t, CodeInvalid, CodeOf(vm.CreateVar(NewCString("1x"), h)))
	assert.Equal(t, CodeInvalid, CodeOf(vm.CreateVar(NewCString(""), h)))
	freed := NewCString("ok")
	freed.Free()
	assert.Equal(t, CodeInvalid, CodeOf(vm.CreateVar(freed, h)))
	assert.Equal(t, CodeInvalid, CodeOf(vm.CreateVar(NewCString("ok"), Handle(12345))))
}

func TestVM_ExtractBeforeExec(t *testing.T) {
	vm := newTestVM(t, "$x = $x + 1;")
	bindInt(t, vm, "x", 41)
	assert.Equal(t, int64(41), extractNative(t, vm, "x"))

	require.NoError(t, vm.Exec())
	assert.Equal(t, int64(42), extractNative(t, vm, "x"))
	_, ok := vm.ExtractVar("nope")
	assert.False(t, ok)
}

func TestDB_CompileError(t *testing.T) {
	db := openDB(t)
	_, err := db.Compile("$a = (1;")
	require.Error(t, err)
	assert.Equal(t, CodeCompileErr, CodeOf(err))
	assert.Contains(t, db.CompileLog(), "Compile error: 1:")
	assert.False(t, strings.HasSuffix(db.CompileLog(), "\n"))

	_, err = db.Compile("$b = ;")
	require.Error(t, err)
	assert.Equal(t, 2, strings.Count(db.CompileLog(), "Compile error"))

	var ee *Error
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, 1, strings.Count(ee.Log, "Compile error"), "an error carries its own diagnostic only")
}

func TestVM_ErrLogIsPerVM(t *testing.T) {
	db := openDB(t)
	first, err := db.Compile("nosuchfn();")
	require.NoError(t, err)
	second, err := db.Compile("othermissing();")
	require.NoError(t, err)
	defer first.Release()
	defer second.Release()

	assert.Equal(t, CodeVMErr, CodeOf(first.Exec()))
	assert.Equal(t, CodeVMErr, CodeOf(second.Exec()))
	assert.Contains(t, first.ErrLog(), "call to undefined function nosuchfn()")
	assert.NotContains(t, first.ErrLog(), "othermissing")
	assert.NotContains(t, second.ErrLog(), "nosuchfn")
	assert.Contains(t, db.ErrLog(), "nosuchfn")
	assert.Contains(t, db.ErrLog(), "othermissing")
}

func TestDB_LogIsBounded(t *testing.T) {
	var l errLog
	l.limit = 3
	for i := 0; i < 5; i++ {
		l.append(fmt.Sprintf("line %d\n", i))
	}
	assert.Equal(t, "line 2\nline 3\nline 4", l.String())
}

func TestDB_CompileFile(t *testing.T) {
	db := openDB(t)
	path := filepath.Join(t.TempDir(), "script.jx9")
	require.NoError(t, os.WriteFile(path, []byte("$r = 6 * 7;"), 0o644))

	vm, err := db.CompileFile(path)
	require.NoError(t, err)
	require.NoError(t, vm.Exec())
	assert.Equal(t, int64(42), extractNative(t, vm, "r"))

	_, err = db.CompileFile(filepath.Join(t.TempDir(), "missing.jx9"))
	assert.Equal(t, CodeIOErr, CodeOf(err))
}

func TestDB_Closed(t *testing.T) {
	db, err := OpenMemory()
	require.NoError(t, err)
	require.NoError(t, db.Ping(context.Background()))
	require.NoError(t, db.Close())
	assert.Equal(t, CodeInvalid, CodeOf(db.Close()))
	assert.Equal(t, CodeInvalid, CodeOf(db.Ping(context.Background())))
	_, err = db.Compile("$a = 1;")
	assert.Equal(t, CodeInvalid, CodeOf(err))
	assert.Equal(t, CodeInvalid, CodeOf(db.KVStore(context.Background(), "k", nil)))
}

func TestDB_KV(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)

	_, err := db.KVFetch(ctx, "k")
	assert.Equal(t, CodeNotFound, CodeOf(err))

	require.NoError(t, db.KVStore(ctx, "k", []byte{0x00, 0xff}))
	require.NoError(t, db.KVAppend(ctx, "k", []byte{0x01}))
	v, err := db.KVFetch(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0xff, 0x01}, v)

	require.NoError(t, db.KVDelete(ctx, "k"))
	assert.Equal(t, CodeNotFound, CodeOf(db.KVDelete(ctx, "k")))
	assert.Equal(t, CodeInvalid, CodeOf(db.KVStore(ctx, "", []byte("x"))))
}

func TestDB_TypedKV(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)

	ok, err := db.KVContains(ctx, "name")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, db.KVStoreString(ctx, "name", "huey"))
	require.NoError(t, db.KVStoreInt(ctx, "n", math.MinInt64))
	require.NoError(t, db.KVStoreFloat(ctx, "pi", 3.25))

	ok, err = db.KVContains(ctx, "name")
	require.NoError(t, err)
	assert.True(t, ok)

	s, err := db.KVFetchString(ctx, "name")
	require.NoError(t, err)
	assert.Equal(t, "huey", s)
	n, err := db.KVFetchInt(ctx, "n")
	require.NoError(t, err)
	assert.Equal(t, int64(math.MinInt64), n)
	f, err := db.KVFetchFloat(ctx, "pi")
	require.NoError(t, err)
	assert.Equal(t, 3.25, f)

	_, err = db.KVFetchInt(ctx, "name")
	assert.Equal(t, CodeInvalid, CodeOf(err), "size mismatch")
	_, err = db.KVFetchFloat(ctx, "missing")
	assert.Equal(t, CodeNotFound, CodeOf(err))

	require.NoError(t, db.Close())
	_, err = db.KVContains(ctx, "name")
	assert.Equal(t, CodeInvalid, CodeOf(err))
}

func TestError_Format(t *testing.T) {
	err := &Error{Code: CodeNotFound, Op: "kv_fetch", Msg: "no such key", Err: errors.New("cause")}
	assert.Equal(t, "engine kv_fetch: not found: no such key: cause", err.Error())
	assert.Equal(t, "code(-99)", Code(-99).String())
	assert.Equal(t, CodeUnknown, CodeOf(errors.New("plain")))
	assert.Equal(t, CodeOK, CodeOf(nil))
}
