// Package recovery isolates one sweeper tick (or other fire-at-interval
// callback) from a panic in fn, logging it instead of bringing down the
// process — the same isolation the teacher gives one HTTP request via
// WithRecover, retargeted from a request handler to a ticker tick.
package recovery

import (
	"log/slog"
	"runtime/debug"
)

// Guard runs fn, recovering and logging any panic under name instead of
// letting it propagate.
func Guard(name string, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("recovered panic",
				slog.String("component", name),
				slog.Any("panic", rec),
				slog.String("stack", string(debug.Stack())),
			)
		}
	}()
	fn()
}
