package runner

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// ShutdownContext returns a context that is cancelled on an OS interrupt or
// termination signal.
func ShutdownContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
