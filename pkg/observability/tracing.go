package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys shared by engine spans and metrics.
var (
	AttrAggregateID   = attribute.Key("aggregate.id")
	AttrAggregateType = attribute.Key("aggregate.type")
	AttrVersion       = attribute.Key("aggregate.version")

	AttrCommandType = attribute.Key("command.type")
	AttrCommandID   = attribute.Key("command.id")

	AttrEventType  = attribute.Key("event.type")
	AttrEventCount = attribute.Key("event.count")

	AttrSnapshotHit = attribute.Key("snapshot.hit")

	AttrQueryType = attribute.Key("query.type")
	AttrReadModel = attribute.Key("query.read_model")
	AttrCacheHit  = attribute.Key("cache.hit")

	AttrProjection = attribute.Key("projection.name")
	AttrSagaName   = attribute.Key("saga.name")
	AttrSagaID     = attribute.Key("saga.execution_id")
)

// StartSpan starts an internal span with attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// EndSpan sets the span status from err and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// AggregateAttrs returns the identifying attributes of an aggregate.
func AggregateAttrs(id, aggregateType string, version uint64) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrAggregateID.String(id),
		AttrAggregateType.String(aggregateType),
		AttrVersion.Int64(int64(version)),
	}
}

// TraceID returns the trace id of the span in ctx, or "".
func TraceID(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if sc.IsValid() {
		return sc.TraceID().String()
	}
	return ""
}
