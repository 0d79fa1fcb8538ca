package logger

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Middleware logs one line per console request. 5xx responses log at error
// and 4xx at warn. Successful probes of /healthz and /metrics log at debug.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}

		level := slog.LevelInfo
		switch {
		case status >= 500:
			level = slog.LevelError
		case status >= 400:
			level = slog.LevelWarn
		case route == "/healthz" || route == "/metrics":
			level = slog.LevelDebug
		}

		attrs := []slog.Attr{
			slog.String("method", r.Method),
			slog.String("route", route),
			slog.Int("status", status),
			slog.Int("bytes", ww.BytesWritten()),
			slog.Duration("latency", time.Since(start)),
			slog.String("remote", r.RemoteAddr),
		}
		if id := middleware.GetReqID(r.Context()); id != "" {
			attrs = append(attrs, slog.String("request_id", id))
		}
		Log.LogAttrs(r.Context(), level, "http request", attrs...)
	})
}
