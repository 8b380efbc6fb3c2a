package telemetry

import (
	"log/slog"
	"os"
	"strings"
)

// level is shared by every handler SetupLogger installs so SetLevel can
// change verbosity without rebuilding the logger.
var level = new(slog.LevelVar)

// ParseLevel maps "debug", "info", "warn"/"warning" and "error"
// (case-insensitive) to a slog level; anything else is info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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

// SetupLogger installs the default slog logger. format "json" selects the
// JSON handler; anything else gives human readable text output.
func SetupLogger(format, lvl string) {
	level.Set(ParseLevel(lvl))

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level.Level() == slog.LevelDebug,
	}

	var handler slog.Handler
	if strings.ToLower(format) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialised", "format", format, "level", level.Level().String())
}

// SetLevel changes the level of the installed logger at runtime
func SetLevel(lvl string) {
	next := ParseLevel(lvl)
	if level.Level() != next {
		level.Set(next)
		slog.Info("log level changed", "level", next.String())
	}
}
