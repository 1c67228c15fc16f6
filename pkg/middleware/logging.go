// Package middleware provides command pipeline middleware.
package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/plaenen/eventengine/pkg/command"
)

// Logging logs command execution with timing information using slog.
func Logging(logger *slog.Logger) command.Middleware {
	if logger == nil {
		logger = slog.Default()
	}

	return func(next command.Handler) command.Handler {
		return command.HandlerFunc(func(ctx context.Context, env *command.Envelope) (*command.Result, error) {
			start := time.Now()
			cmd := env.Command

			logger.InfoContext(ctx, "Executing command",
				slog.String("command_type", cmd.CommandType()),
				slog.String("command_id", env.CommandID),
				slog.String("aggregate_id", cmd.AggregateID()),
				slog.String("principal_id", env.PrincipalID),
				slog.String("correlation_id", env.CorrelationID),
			)

			res, err := next.Handle(ctx, env)

			duration := time.Since(start)

			if err != nil {
				logger.ErrorContext(ctx, "Command execution failed",
					slog.String("command_type", cmd.CommandType()),
					slog.String("command_id", env.CommandID),
					slog.String("aggregate_id", cmd.AggregateID()),
					slog.Int64("duration_ms", duration.Milliseconds()),
					slog.String("error", err.Error()),
				)
				return res, err
			}

			level := slog.LevelInfo
			if res.Status == command.CommittedPropagationIncomplete {
				level = slog.LevelWarn
			}
			logger.LogAttrs(ctx, level, "Command executed",
				slog.String("command_type", cmd.CommandType()),
				slog.String("command_id", env.CommandID),
				slog.String("aggregate_id", cmd.AggregateID()),
				slog.String("status", res.Status.String()),
				slog.Int("events_count", len(res.Events)),
				slog.Uint64("version", res.NewVersion),
				slog.Int64("duration_ms", duration.Milliseconds()),
			)

			return res, nil
		})
	}
}
