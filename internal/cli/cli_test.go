package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docvm/pkg/engine"
	"docvm/pkg/fastjson"
)

// useStore points the CLI at a fresh SQLite file so state survives between
// invocations.
func useStore(t *testing.T) {
	t.Helper()
	t.Setenv("DOCVM_DRIVER", "sqlite")
	t.Setenv("DOCVM_DSN", filepath.Join(t.TempDir(), "docvm.db"))
	t.Setenv("DOCVM_LOG_LEVEL", "error")
}

func execute(t *testing.T, args ...string) (code int, stdout, stderr string) {
	t.Helper()
	var out, errOut bytes.Buffer
	code = Execute(context.Background(), args, &out, &errOut)
	return code, out.String(), errOut.String()
}

func writeScript(t *testing.T, src string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "script.jx9")
	require.NoError(t, os.WriteFile(path, []byte(src), 0o644))
	return path
}

func TestRun_BindsAndExtracts(t *testing.T) {
	useStore(t)
	path := writeScript(t, `
		$r = $n * 2;
		$nargs = count($argv);
		print "hello ";
		print $who;
	`)

	code, out, errOut := execute(t, "run", path, "a", "b",
		"--var", "n=21", "--var", "who=world", "-x", "r", "-x", "nargs", "-x", "who")
	require.Equal(t, 0, code, errOut)

	require.True(t, strings.HasPrefix(out, "hello world"), out)
	assert.JSONEq(t, `{"r": 42, "nargs": 2, "who": "world"}`, strings.TrimPrefix(out, "hello world"))
}

func TestRun_Failures(t *testing.T) {
	useStore(t)
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"missing file", []string{"run", filepath.Join(t.TempDir(), "nope.jx9")}, "nope.jx9"},
		{"bad var", []string{"run", writeScript(t, "$a = 1;"), "--var", "=1"}, "invalid --var"},
		{"runtime error", []string{"run", writeScript(t, "db_create();")}, "db_create"},
		{"unknown extract", []string{"run", writeScript(t, "$a = 1;"), "-x", "b"}, "not found"},
		{"no script", []string{"run"}, "requires at least 1 arg"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _, errOut := execute(t, tt.args...)
			assert.Equal(t, 1, code)
			assert.Contains(t, errOut, tt.want)
		})
	}
}

func TestParseVar(t *testing.T) {
	tests := []struct {
		in   string
		name string
		want any
	}{
		{"n=5", "n", int64(5)},
		{"f=2.5", "f", 2.5},
		{"$s=\"quoted\"", "s", "quoted"},
		{"raw=hello world", "raw", "hello world"},
		{"obj={\"a\": [1, true]}", "obj", map[string]any{"a": []any{int64(1), true}}},
		{"empty=", "empty", ""},
		{"nil=null", "nil", nil},
	}
	for _, tt := range tests {
		name, v, err := parseVar(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.name, name)
		assert.Equal(t, tt.want, v, tt.in)
	}

	_, _, err := parseVar("novalue")
	assert.Error(t, err)
}

func TestCheck(t *testing.T) {
	useStore(t)
	good := writeScript(t, "$a = 1;")
	bad := writeScript(t, "$a = (1;")

	code, out, _ := execute(t, "check", good)
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "ok: 1 script(s) compiled")

	code, out, errOut := execute(t, "check", good, bad)
	assert.Equal(t, 1, code)
	assert.Contains(t, out, "FAIL "+bad)
	assert.Contains(t, errOut, "1 of 2 script(s) failed")

	code, out, _ = execute(t, "check", "--json", good, bad)
	assert.Equal(t, 1, code)
	var report any
	require.NoError(t, fastjson.UnmarshalNumber([]byte(out), &report))
	m := report.(map[string]any)
	assert.Equal(t, false, m["success"])
	assert.Equal(t, int64(2), m["checked"])
	errs := m["errors"].([]any)
	require.Len(t, errs, 1)
	assert.Equal(t, bad, errs[0].(map[string]any)["file"])
}

func TestKV(t *testing.T) {
	useStore(t)

	code, _, errOut := execute(t, "kv", "put", "greeting", "hello")
	require.Equal(t, 0, code, errOut)
	code, _, errOut = execute(t, "kv", "append", "greeting", " world")
	require.Equal(t, 0, code, errOut)

	code, out, _ := execute(t, "kv", "get", "greeting")
	assert.Equal(t, 0, code)
	assert.Equal(t, "hello world\n", out)
	code, out, _ = execute(t, "kv", "exists", "greeting")
	assert.Equal(t, 0, code)
	assert.Equal(t, "true\n", out)

	code, _, _ = execute(t, "kv", "delete", "greeting")
	assert.Equal(t, 0, code)
	code, _, errOut = execute(t, "kv", "get", "greeting")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "no such key")
	code, out, _ = execute(t, "kv", "exists", "greeting")
	assert.Equal(t, 0, code)
	assert.Equal(t, "false\n", out)
}

func TestScriptsShareTheStore(t *testing.T) {
	useStore(t)
	store := writeScript(t, `db_create("users"); db_store("users", {"name": $name});`)
	code, _, errOut := execute(t, "run", store, "--var", "name=huey")
	require.Equal(t, 0, code, errOut)

	read := writeScript(t, `$n = db_total_records("users"); $first = db_fetch_by_id("users", 0);`)
	code, out, errOut := execute(t, "run", read, "-x", "n", "-x", "first")
	require.Equal(t, 0, code, errOut)
	assert.JSONEq(t, `{"n": 1, "first": {"__id": 0, "name": "huey"}}`, out)
}

func TestVersionAndServe(t *testing.T) {
	useStore(t)
	code, out, _ := execute(t, "version")
	assert.Equal(t, 0, code)
	assert.Equal(t, "docvm "+engine.Version+"\n", out)

	// A shutdown requested before the console is up still opens the store
	// and exits cleanly.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var stdout, stderr bytes.Buffer
	code = Execute(ctx, []string{"serve", "--addr", "127.0.0.1:0"}, &stdout, &stderr)
	assert.Equal(t, 0, code, stderr.String())

	ctx, cancel = context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	stdout.Reset()
	stderr.Reset()
	code = Execute(ctx, []string{"serve", "--addr", "127.0.0.1:0"}, &stdout, &stderr)
	assert.Equal(t, 0, code, stderr.String())

	code, _, errOut := execute(t, "serve", "--addr", "127.0.0.1:0", "--blocklist", filepath.Join(t.TempDir(), "missing"))
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "block list")
}

func TestEnvFile(t *testing.T) {
	useStore(t)
	env := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(env, []byte("DOCVM_CALLABLE_POLICY=sometimes\n"), 0o644))
	t.Setenv("DOCVM_CALLABLE_POLICY", "")
	os.Unsetenv("DOCVM_CALLABLE_POLICY")

	code, _, errOut := execute(t, "--env-file", env, "version")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "DOCVM_CALLABLE_POLICY")

	code, _, errOut = execute(t, "--env-file", filepath.Join(t.TempDir(), "none.env"), "version")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "config")
}
