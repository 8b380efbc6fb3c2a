package telemetry

import (
	"context"
	"log/slog"
	"testing"
)

func TestSetupLogger_DoesNotPanicForAllCombinations(t *testing.T) {
	formats := []string{"json", "text", "JSON", "", "unknown"}
	levels := []string{"debug", "info", "warn", "warning", "error", "ERROR", "", "unknown"}

	for _, format := range formats {
		for _, lvl := range levels {
			t.Run(format+"/"+lvl, func(t *testing.T) {
				defer func() {
					if r := recover(); r != nil {
						t.Errorf("SetupLogger(%q, %q) panicked: %v", format, lvl, r)
					}
				}()
				SetupLogger(format, lvl)
			})
		}
	}
	SetupLogger("text", "error")
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"Error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestSetLevel_ChangesInstalledLogger(t *testing.T) {
	SetupLogger("text", "error")
	defer SetupLogger("text", "error")

	if slog.Default().Enabled(context.Background(), slog.LevelInfo) {
		t.Fatal("info should be disabled at error level")
	}

	SetLevel("debug")
	if !slog.Default().Enabled(context.Background(), slog.LevelDebug) {
		t.Error("debug should be enabled after SetLevel(debug)")
	}
}
