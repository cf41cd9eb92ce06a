// Package safego provides a panic-recovering goroutine launcher for background work.
package safego

import (
	"log/slog"
	"runtime/debug"

	"github.com/channelhub/channelhub/internal/telemetry"
)

// Go launches fn in a new goroutine. A panic inside fn is recovered, logged with
// its stack and counted under the task label instead of crashing the process.
// Use it for monitoring ticks, audit shipping and other fire-and-forget work.
func Go(task string, fn func()) {
	go Run(task, fn)
}

// Run calls fn on the current goroutine with the same recovery as Go.
// It reports whether fn returned without panicking.
func Run(task string, fn func()) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			telemetry.BackgroundPanicsTotal.WithLabelValues(task).Inc()
			slog.Error("recovered panic in background goroutine",
				"task", task, "panic", r, "stack", string(debug.Stack()))
			ok = false
		}
	}()
	fn()
	return true
}
