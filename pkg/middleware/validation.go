package middleware

import (
	"context"

	"github.com/plaenen/eventengine/pkg/command"
	"github.com/plaenen/eventengine/pkg/domain"
)

// RequireCommandID rejects commands submitted without an idempotency key.
// Use it where callers may resubmit, since the event store only guards
// versions and never deduplicates commands.
func RequireCommandID() command.Middleware {
	return func(next command.Handler) command.Handler {
		return command.HandlerFunc(func(ctx context.Context, env *command.Envelope) (*command.Result, error) {
			if env.CommandID == "" {
				return nil, &domain.ValidationError{
					Reason: "invalid command " + env.Command.CommandType(),
					Fields: []domain.FieldError{{Field: "command_id", Message: "is required"}},
				}
			}
			return next.Handle(ctx, env)
		})
	}
}

// RequirePrincipal rejects commands without a principal id.
func RequirePrincipal() command.Middleware {
	return func(next command.Handler) command.Handler {
		return command.HandlerFunc(func(ctx context.Context, env *command.Envelope) (*command.Result, error) {
			if env.PrincipalID == "" {
				return nil, &domain.ValidationError{
					Reason: "invalid command " + env.Command.CommandType(),
					Fields: []domain.FieldError{{Field: "principal_id", Message: "is required"}},
				}
			}
			return next.Handle(ctx, env)
		})
	}
}
