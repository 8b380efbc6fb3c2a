// Package safego launches background goroutines that survive panics.
package safego

import (
	"log/slog"
	"runtime/debug"

	"github.com/clinicore/identity/internal/telemetry"
)

// Go runs fn in a new goroutine. A panic in fn is recovered, logged with its
// stack under task and counted, so a failed email or audit shipment never
// takes the process down.
func Go(task string, fn func()) {
	go func() {
		defer Recover(task)
		fn()
	}()
}

// Recover must be deferred directly. It swallows a panic and reports it.
func Recover(task string) {
	if r := recover(); r != nil {
		telemetry.BackgroundPanicsTotal.WithLabelValues(task).Inc()
		slog.Error("recovered panic in background task",
			"task", task,
			"panic", r,
			"stack", string(debug.Stack()))
	}
}
