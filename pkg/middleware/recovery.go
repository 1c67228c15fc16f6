package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/plaenen/eventengine/pkg/command"
)

// ErrPanic is wrapped by the error Recovery returns for a recovered panic.
var ErrPanic = errors.New("command handler panicked")

// Recovery turns panics in aggregates and inner middleware into errors.
// Nothing was appended when the panic happened before the commit, so the
// command can be retried.
func Recovery(logger *slog.Logger) command.Middleware {
	if logger == nil {
		logger = slog.Default()
	}

	return func(next command.Handler) command.Handler {
		return command.HandlerFunc(func(ctx context.Context, env *command.Envelope) (res *command.Result, err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				logger.ErrorContext(ctx, "Command handler panicked",
					slog.String("command_id", env.CommandID),
					slog.String("command_type", env.Command.CommandType()),
					slog.String("aggregate_type", env.Command.AggregateType()),
					slog.String("aggregate_id", env.Command.AggregateID()),
					slog.Any("panic", r),
					slog.String("stack_trace", string(debug.Stack())),
				)
				res, err = nil, fmt.Errorf("%w: %v", ErrPanic, r)
			}()

			return next.Handle(ctx, env)
		})
	}
}
