// Package safego provides a panic-recovering goroutine launcher for background work such as
// audit delivery, API key last-used bumps and store cleanup loops.
package safego

import (
	"log/slog"
	"runtime/debug"
)

// Go launches fn in a new goroutine, recovering and logging any panic.
func Go(fn func()) {
	GoNamed("background", fn)
}

// GoNamed is Go with a task name attached to the panic log line.
func GoNamed(task string, fn func()) {
	go func() {
		defer recoverAndLog(task)
		fn()
	}()
}

func recoverAndLog(task string) {
	if r := recover(); r != nil {
		slog.Error("recovered panic in background goroutine",
			"task", task, "panic", r, "stack", string(debug.Stack()))
	}
}
