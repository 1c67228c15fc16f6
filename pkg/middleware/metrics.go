package middleware

import (
	"context"
	"time"

	"github.com/plaenen/eventengine/pkg/command"
	"github.com/plaenen/eventengine/pkg/observability"
)

// Metrics records command duration, outcome and appended events.
func Metrics(metrics *observability.Metrics) command.Middleware {
	return func(next command.Handler) command.Handler {
		return command.HandlerFunc(func(ctx context.Context, env *command.Envelope) (*command.Result, error) {
			start := time.Now()
			res, err := next.Handle(ctx, env)

			events := 0
			if res != nil {
				events = len(res.Events)
			}
			metrics.RecordCommand(ctx, env.Command.CommandType(), time.Since(start), events, err)
			return res, err
		})
	}
}
