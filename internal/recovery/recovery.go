// Package recovery provides panic recovery utilities for goroutines.
package recovery

import (
	"fmt"
	"log/slog"
	"runtime/debug"
)

// RecoverWithLog recovers from panics and logs them with the provided
// logger. Defer this at the start of every long-running goroutine (frame
// readers/writers, the batched sender, heartbeat loops, stream bridges, pool
// eviction) so one bad frame can't take down the process.
func RecoverWithLog(logger *slog.Logger, name string) {
	if r := recover(); r != nil {
		logger.Error("panic recovered",
			"goroutine", name,
			"panic", fmt.Sprintf("%v", r),
			"stack", string(debug.Stack()))
	}
}

// RecoverWithCallback recovers from panics, logs them, and calls the
// optional callback, e.g. to trigger session teardown or bump a metric.
func RecoverWithCallback(logger *slog.Logger, name string, callback func(recovered any)) {
	if r := recover(); r != nil {
		logger.Error("panic recovered",
			"goroutine", name,
			"panic", fmt.Sprintf("%v", r),
			"stack", string(debug.Stack()))
		if callback != nil {
			callback(r)
		}
	}
}

// RecoverNoop silently recovers from panics without logging. Use only in
// tests.
func RecoverNoop() {
	recover()
}
