package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the engine's metric instruments. All Record methods are
// safe on a nil receiver.
type Metrics struct {
	CommandDuration     metric.Float64Histogram
	CommandTotal        metric.Int64Counter
	CommandErrors       metric.Int64Counter
	OptimisticConflicts metric.Int64Counter
	EventsAppended      metric.Int64Counter

	AggregateCacheHits   metric.Int64Counter
	AggregateCacheMisses metric.Int64Counter
	AggregateLoads       metric.Int64Counter
	SnapshotsCreated     metric.Int64Counter

	QueryDuration    metric.Float64Histogram
	QueryCacheHits   metric.Int64Counter
	QueryCacheMisses metric.Int64Counter

	ProjectionDuration metric.Float64Histogram
	ProjectionErrors   metric.Int64Counter

	SagaTransitions metric.Int64Counter
	SagaFinished    metric.Int64Counter

	EventsPublished metric.Int64Counter
	PublishLatency  metric.Float64Histogram
	BatchesDropped  metric.Int64Counter
}

// NewMetrics creates every instrument on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	histogram := func(dst *metric.Float64Histogram, name, desc string) {
		if err != nil {
			return
		}
		*dst, err = meter.Float64Histogram(name, metric.WithDescription(desc), metric.WithUnit("s"))
		if err != nil {
			err = fmt.Errorf("creating %s: %w", name, err)
		}
	}
	counter := func(dst *metric.Int64Counter, name, desc string) {
		if err != nil {
			return
		}
		*dst, err = meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			err = fmt.Errorf("creating %s: %w", name, err)
		}
	}

	histogram(&m.CommandDuration, "engine.command.duration", "Command execution duration")
	counter(&m.CommandTotal, "engine.command.total", "Commands executed")
	counter(&m.CommandErrors, "engine.command.errors", "Commands rejected or failed")
	counter(&m.OptimisticConflicts, "engine.command.conflicts", "Appends rejected by the optimistic lock")
	counter(&m.EventsAppended, "engine.events.appended", "Events appended to the event store")

	counter(&m.AggregateCacheHits, "engine.aggregate_cache.hits", "Aggregate cache hits")
	counter(&m.AggregateCacheMisses, "engine.aggregate_cache.misses", "Aggregate cache misses and stale entries")
	counter(&m.AggregateLoads, "engine.aggregate.loads", "Aggregates rebuilt from the event store")
	counter(&m.SnapshotsCreated, "engine.snapshots", "Snapshot attempts by result")

	histogram(&m.QueryDuration, "engine.query.duration", "Query execution duration")
	counter(&m.QueryCacheHits, "engine.query_cache.hits", "Query result cache hits")
	counter(&m.QueryCacheMisses, "engine.query_cache.misses", "Query result cache misses")

	histogram(&m.ProjectionDuration, "engine.projection.duration", "Time to apply one batch to one projection")
	counter(&m.ProjectionErrors, "engine.projection.errors", "Projection update failures")

	counter(&m.SagaTransitions, "engine.saga.transitions", "Saga state transitions")
	counter(&m.SagaFinished, "engine.saga.finished", "Saga executions reaching a terminal state")

	counter(&m.EventsPublished, "engine.events.published", "Events published to the message broker")
	histogram(&m.PublishLatency, "engine.publish.duration", "Broker publish latency")
	counter(&m.BatchesDropped, "engine.dispatch.dropped", "Committed batches a consumer queue did not accept")

	if err != nil {
		return nil, err
	}
	return m, nil
}

// RecordCommand records one command execution.
func (m *Metrics) RecordCommand(ctx context.Context, commandType string, duration time.Duration, events int, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("command.type", commandType), attribute.Bool("success", err == nil))
	m.CommandDuration.Record(ctx, duration.Seconds(), attrs)
	m.CommandTotal.Add(ctx, 1, attrs)
	if err != nil {
		m.CommandErrors.Add(ctx, 1, metric.WithAttributes(
			attribute.String("command.type", commandType),
			attribute.String("error.type", fmt.Sprintf("%T", err)),
		))
		return
	}
	if events > 0 {
		m.EventsAppended.Add(ctx, int64(events), metric.WithAttributes(attribute.String("command.type", commandType)))
	}
}

// RecordConflict records an optimistic lock rejection.
func (m *Metrics) RecordConflict(ctx context.Context, aggregateType string) {
	if m == nil {
		return
	}
	m.OptimisticConflicts.Add(ctx, 1, metric.WithAttributes(AttrAggregateType.String(aggregateType)))
}

// RecordCacheLookup records an aggregate cache lookup.
func (m *Metrics) RecordCacheLookup(ctx context.Context, aggregateType string, hit bool) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(AttrAggregateType.String(aggregateType))
	if hit {
		m.AggregateCacheHits.Add(ctx, 1, attrs)
	} else {
		m.AggregateCacheMisses.Add(ctx, 1, attrs)
	}
}

// RecordAggregateLoad records a rebuild from the store.
func (m *Metrics) RecordAggregateLoad(ctx context.Context, aggregateType string, snapshotUsed bool, eventsReplayed int) {
	if m == nil {
		return
	}
	m.AggregateLoads.Add(ctx, 1, metric.WithAttributes(
		AttrAggregateType.String(aggregateType),
		AttrSnapshotHit.Bool(snapshotUsed),
		attribute.Int("events.replayed", eventsReplayed),
	))
}

// RecordSnapshot records a snapshot attempt by outcome.
func (m *Metrics) RecordSnapshot(ctx context.Context, aggregateType, outcome string) {
	if m == nil {
		return
	}
	m.SnapshotsCreated.Add(ctx, 1, metric.WithAttributes(
		AttrAggregateType.String(aggregateType),
		attribute.String("snapshot.outcome", outcome),
	))
}

// RecordQuery records one query execution.
func (m *Metrics) RecordQuery(ctx context.Context, queryType, readModel string, duration time.Duration, cacheHit bool, err error) {
	if m == nil {
		return
	}
	m.QueryDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("query.type", queryType),
		attribute.String("query.read_model", readModel),
		attribute.Bool("success", err == nil),
	))
	attrs := metric.WithAttributes(attribute.String("query.type", queryType))
	if cacheHit {
		m.QueryCacheHits.Add(ctx, 1, attrs)
	} else {
		m.QueryCacheMisses.Add(ctx, 1, attrs)
	}
}

// RecordProjection records one projection applying one batch.
func (m *Metrics) RecordProjection(ctx context.Context, projection string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.ProjectionDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("projection.name", projection),
		attribute.Bool("success", err == nil),
	))
	if err != nil {
		m.ProjectionErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("projection.name", projection)))
	}
}

// RecordSagaTransition records a saga moving to status.
func (m *Metrics) RecordSagaTransition(ctx context.Context, saga, status string, terminal bool) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("saga.name", saga), attribute.String("saga.status", status))
	m.SagaTransitions.Add(ctx, 1, attrs)
	if terminal {
		m.SagaFinished.Add(ctx, 1, attrs)
	}
}

// RecordPublish records events published to a broker subject.
func (m *Metrics) RecordPublish(ctx context.Context, subject string, duration time.Duration, count int) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("messaging.destination", subject))
	m.PublishLatency.Record(ctx, duration.Seconds(), attrs)
	m.EventsPublished.Add(ctx, int64(count), attrs)
}

// RecordDrop records a committed batch a consumer's queue did not accept.
func (m *Metrics) RecordDrop(ctx context.Context, consumer string) {
	if m == nil {
		return
	}
	m.BatchesDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("consumer.name", consumer)))
}
