package console

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docvm/pkg/bridge"
	"docvm/pkg/config"
	"docvm/pkg/engine"
	"docvm/pkg/fastjson"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.FromEnv(func(string) string { return "" })
	require.NoError(t, err)
	return cfg
}

func newServer(t *testing.T, cfg config.Config) *Server {
	t.Helper()
	db, err := engine.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db, cfg, nil)
}

func do(t *testing.T, s *Server, method, path, body string, header ...string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	var out any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, fastjson.UnmarshalNumber(rec.Body.Bytes(), &out), rec.Body.String())
	}
	m, _ := out.(map[string]any)
	return rec, m
}

func TestRun_ComputesAndExtracts(t *testing.T) {
	s := newServer(t, testConfig(t))
	rec, body := do(t, s, http.MethodPost, "/v1/run", `{
		"script": "$y = $x * 2; $tags = $order.tags; print \"done\";",
		"vars": {"x": 21, "order": {"tags": ["a", "b"], "price": 1.5}},
		"extract": ["y", "tags"]
	}`)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "done", body["output"])
	assert.Equal(t, map[string]any{"y": int64(42), "tags": []any{"a", "b"}}, body["vars"])
	stats := body["stats"].(map[string]any)
	assert.Greater(t, stats["handles"], int64(0))
}

func TestRun_Errors(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		status int
		kind   string
		log    string
	}{
		{"invalid json", `{"script":`, http.StatusBadRequest, "bad_request", ""},
		{"not an object", `[1, 2]`, http.StatusBadRequest, "bad_request", ""},
		{"missing script", `{"vars": {}}`, http.StatusBadRequest, "bad_request", ""},
		{"bad variable name", `{"script": "$a = 1;", "vars": {"bad name": 1}}`, http.StatusBadRequest, "bad_request", ""},
		{"compile error", `{"script": "$a = (1;"}`, http.StatusBadRequest, "engine", "Compile error"},
		{"unknown variable", `{"script": "$a = 1;", "extract": ["nope"]}`, http.StatusNotFound, "not_found", ""},
		{"runtime error", `{"script": "db_create();"}`, http.StatusInternalServerError, "engine", "db_create"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newServer(t, testConfig(t))
			rec, body := do(t, s, http.MethodPost, "/v1/run", tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, false, body["success"])
			assert.Equal(t, tt.kind, body["kind"])
			if tt.log != "" {
				assert.Contains(t, body["log"], tt.log)
			}
		})
	}
}

func TestRun_ErrorLogIsPerRequest(t *testing.T) {
	s := newServer(t, testConfig(t))
	_, first := do(t, s, http.MethodPost, "/v1/run", `{"script": "secret_fn();"}`)
	_, second := do(t, s, http.MethodPost, "/v1/run", `{"script": "other_fn();"}`)
	assert.Contains(t, first["log"], "secret_fn")
	assert.Contains(t, second["log"], "other_fn")
	assert.NotContains(t, second["log"], "secret_fn", "one client never sees another's errors")

	_, first = do(t, s, http.MethodPost, "/v1/run", `{"script": "$a = ;"}`)
	_, second = do(t, s, http.MethodPost, "/v1/run", `{"script": "$b = (1;"}`)
	assert.Contains(t, first["log"], "expected expression")
	assert.NotContains(t, second["log"], "expected expression")
}

func TestStatusOf(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{&bridge.Error{Kind: bridge.ErrTypeCast, Op: "bind"}, http.StatusUnprocessableEntity},
		{&bridge.Error{Kind: bridge.ErrRange, Op: "bind", Path: "n"}, http.StatusUnprocessableEntity},
		{&bridge.Error{Kind: bridge.ErrNotFound, Op: "extract"}, http.StatusNotFound},
		{&bridge.Error{Kind: bridge.ErrEngine, Op: "compile", Code: engine.CodeCompileErr}, http.StatusBadRequest},
		{&bridge.Error{Kind: bridge.ErrEngine, Op: "execute", Code: engine.CodeAbort}, http.StatusInternalServerError},
		{&bridge.Error{Kind: bridge.ErrLifecycle, Op: "execute"}, http.StatusInternalServerError},
		{errors.New("other"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.status, statusOf(tt.err), "%v", tt.err)
	}
	assert.Equal(t, "range", kindOf(tests[1].err))
}

func TestHealthAndMetrics(t *testing.T) {
	s := newServer(t, testConfig(t))
	rec, body := do(t, s, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, engine.Version, body["version"])

	rec, _ = do(t, s, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "docvm_http_requests_total")
	assert.Contains(t, rec.Body.String(), `path="/healthz"`)
}

func TestBearerAuth(t *testing.T) {
	cfg := testConfig(t)
	cfg.ConsoleJWTSecret = "k3y"
	s := newServer(t, cfg)
	run := `{"script": "$a = 1;", "extract": ["a"]}`

	sign := func(secret string, claims jwt.MapClaims) string {
		tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
		require.NoError(t, err)
		return "Bearer " + tok
	}

	rec, body := do(t, s, http.MethodPost, "/v1/run", run)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthorized", body["kind"])

	rec, _ = do(t, s, http.MethodPost, "/v1/run", run, "Authorization", sign("wrong", jwt.MapClaims{"sub": "ops"}))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	expired := jwt.MapClaims{"sub": "ops", "exp": time.Now().Add(-time.Hour).Unix()}
	rec, _ = do(t, s, http.MethodPost, "/v1/run", run, "Authorization", sign("k3y", expired))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	valid := jwt.MapClaims{"sub": "ops", "exp": time.Now().Add(time.Hour).Unix()}
	rec, body = do(t, s, http.MethodPost, "/v1/run", run, "Authorization", sign("k3y", valid))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, map[string]any{"a": int64(1)}, body["vars"])

	rec, _ = do(t, s, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code, "health stays public")
}

func TestSubject(t *testing.T) {
	var got string
	h := BearerAuth("k")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = Subject(r.Context())
	}))
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "alice"}).SignedString([]byte("k"))
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	h.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, "alice", got)
	assert.Empty(t, Subject(context.Background()))
}

func TestBlockList(t *testing.T) {
	cfg := testConfig(t)
	cfg.ConsoleBlockedIPs = []string{"192.0.2.7"}
	s := newServer(t, cfg)

	// httptest requests come from 192.0.2.1.
	rec, _ := do(t, s, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	s.BlockList().Add("192.0.2.1")
	rec, body := do(t, s, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "blocked", body["kind"])

	s.BlockList().Remove("192.0.2.1")
	rec, _ = do(t, s, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	path := filepath.Join(t.TempDir(), "blocklist.txt")
	require.NoError(t, os.WriteFile(path, []byte("# abusers\n\n 198.51.100.4 \n203.0.113.9\n"), 0o644))
	b := NewBlockList()
	require.NoError(t, b.LoadFile(path))
	assert.True(t, b.IsBlocked("198.51.100.4"))
	assert.True(t, b.IsBlocked("203.0.113.9"))
	assert.False(t, b.IsBlocked("# abusers"))
	assert.Error(t, b.LoadFile(filepath.Join(t.TempDir(), "missing.txt")))
}

func TestRateLimitAndCORS(t *testing.T) {
	cfg := testConfig(t)
	cfg.ConsoleRate = 2
	cfg.ConsoleOrigins = []string{"https://ops.example"}
	s := newServer(t, cfg)

	for i := 0; i < 2; i++ {
		rec, _ := do(t, s, http.MethodGet, "/healthz", "")
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec, _ := do(t, s, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	s = newServer(t, cfg)
	req := httptest.NewRequest(http.MethodOptions, "/v1/run", nil)
	req.Header.Set("Origin", "https://ops.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	out := httptest.NewRecorder()
	s.Handler().ServeHTTP(out, req)
	assert.Equal(t, "https://ops.example", out.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "https://evil.example")
	out = httptest.NewRecorder()
	s.Handler().ServeHTTP(out, req)
	assert.Empty(t, out.Header().Get("Access-Control-Allow-Origin"))
}

func TestRun_BodyLimit(t *testing.T) {
	s := newServer(t, testConfig(t))
	big := `{"script": "` + string(bytes.Repeat([]byte("x"), maxBody)) + `"}`
	rec, body := do(t, s, http.MethodPost, "/v1/run", big)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "bad_request", body["kind"])
}

func TestListenAndServe_Shutdown(t *testing.T) {
	cfg := testConfig(t)
	cfg.ConsoleAddr = "127.0.0.1:0"
	s := newServer(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.ListenAndServe(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}

	cfg.ConsoleAddr = "256.0.0.1:bad"
	assert.Error(t, New(nil, cfg, nil).ListenAndServe(context.Background()))
}
