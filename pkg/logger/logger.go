package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

var Log = slog.Default()

// Setup initializes the global logger based on the environment.
// "production" gets the JSON handler, everything else the text handler.
func Setup(env, level string) *slog.Logger {
	return SetupWriter(os.Stdout, env, level)
}

// SetupWriter is Setup with an explicit sink.
func SetupWriter(w io.Writer, env, level string) *slog.Logger {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level: ParseLevel(level),
	}

	if env == "production" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	Log = slog.New(handler)
	slog.SetDefault(Log)
	return Log
}

// ParseLevel maps debug|info|warn|error to a slog level. Unknown values
// default to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
