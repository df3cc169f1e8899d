// Package logger provides the slog setup shared by the hub and pool
// binaries.
package logger

import (
	"log/slog"
	"os"
)

// Setup builds a text-handler slog.Logger tagged with the given component
// name ("hub" or "pool"), at debug level so operators can see the full
// protocol state machine trace during troubleshooting.
func Setup(component string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelDebug}
	handler := slog.NewTextHandler(os.Stdout, opts)
	return slog.New(handler).With("component", component)
}
