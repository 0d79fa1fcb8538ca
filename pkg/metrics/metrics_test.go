package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMiddleware_UsesRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/items/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "/items/{id}", "418"))
	for _, id := range []string{"1", "2"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/items/"+id, nil))
		assert.Equal(t, http.StatusTeapot, rec.Code)
	}
	after := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "/items/{id}", "418"))
	assert.Equal(t, 2.0, after-before)
}

func TestMiddleware_OutsideRouter(t *testing.T) {
	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "/plain", "200"))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/plain", nil))
	after := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "/plain", "200"))
	assert.Equal(t, 1.0, after-before)
}

func TestMiddleware_InFlight(t *testing.T) {
	var during float64
	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		during = testutil.ToFloat64(httpInFlight)
	}))
	before := testutil.ToFloat64(httpInFlight)
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/busy", nil))
	assert.Equal(t, before+1, during)
	assert.Equal(t, before, testutil.ToFloat64(httpInFlight))
}
