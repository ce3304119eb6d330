package config

import (
	"io"
	"log/slog"
	"strings"
)

// NewLogger builds the process logger from the Advanced settings.
// LogFormat "json" selects JSON output, anything else text.
func NewLogger(w io.Writer, adv AdvancedConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(adv.LogLevel)}
	if strings.EqualFold(adv.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// ParseLevel maps a config level name to a slog level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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
