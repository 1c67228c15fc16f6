package middleware

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/plaenen/eventengine/pkg/command"
	"github.com/plaenen/eventengine/pkg/observability"
)

// OpenTelemetry adds a span per command using the global tracer provider.
func OpenTelemetry() command.Middleware {
	return OpenTelemetryWithTracer(otel.Tracer(observability.InstrumentationName))
}

// OpenTelemetryWithTracer creates tracing middleware with a specific tracer.
func OpenTelemetryWithTracer(tracer trace.Tracer) command.Middleware {
	return func(next command.Handler) command.Handler {
		return command.HandlerFunc(func(ctx context.Context, env *command.Envelope) (*command.Result, error) {
			cmd := env.Command

			spanCtx, span := tracer.Start(ctx, fmt.Sprintf("command.%s", cmd.CommandType()),
				trace.WithSpanKind(trace.SpanKindInternal),
				trace.WithAttributes(
					observability.AttrCommandID.String(env.CommandID),
					observability.AttrCommandType.String(cmd.CommandType()),
					observability.AttrAggregateID.String(cmd.AggregateID()),
					observability.AttrAggregateType.String(cmd.AggregateType()),
					attribute.String("command.principal_id", env.PrincipalID),
					attribute.String("command.correlation_id", env.CorrelationID),
				),
			)
			defer span.End()

			res, err := next.Handle(spanCtx, env)

			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				return res, err
			}

			span.SetAttributes(
				observability.AttrEventCount.Int(len(res.Events)),
				observability.AttrVersion.Int64(int64(res.NewVersion)),
				attribute.String("command.status", res.Status.String()),
			)

			if len(res.Events) > 0 {
				eventTypes := make([]string, len(res.Events))
				for i, evt := range res.Events {
					eventTypes[i] = evt.EventType
				}
				span.SetAttributes(attribute.StringSlice("events.types", eventTypes))
			}

			span.SetStatus(codes.Ok, "command executed successfully")
			return res, nil
		})
	}
}
