// Package replay rebuilds historical aggregate state from the event log.
// Every operation is a pure read.
package replay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/plaenen/eventengine/pkg/domain"
	"github.com/plaenen/eventengine/pkg/observability"
	"github.com/plaenen/eventengine/pkg/store"
)

// DefaultTimeout bounds one replay or temporal query.
const DefaultTimeout = 5 * time.Minute

// Result is the outcome of ReplayEvents.
type Result struct {
	Aggregate domain.Aggregate

	FromVersion uint64
	// ToVersion is exclusive. 0 means the replay ran to the end of the stream.
	ToVersion uint64

	EventsApplied int
	Duration      time.Duration
}

// TemporalQuery evaluates a question against an aggregate as it was at AsOf.
type TemporalQuery struct {
	AggregateType string
	AggregateID   string
	AsOf          time.Time

	// Evaluate receives the historical aggregate. A nil Evaluate returns the
	// aggregate itself.
	Evaluate func(agg domain.Aggregate) (any, error)
}

// TemporalResult is the outcome of ExecuteTemporalQuery.
type TemporalResult struct {
	Value any

	// Version is the aggregate version as of AsOf.
	Version uint64
	AsOf    time.Time

	// SnapshotVersion is the snapshot the fold started from, 0 for a full
	// replay.
	SnapshotVersion uint64
	EventsApplied   int
	Duration        time.Duration
}

// Replayer folds event ranges into fresh aggregates.
type Replayer struct {
	registry  *domain.Registry
	events    store.EventStore
	snapshots store.SnapshotStore
	timeout   time.Duration
	logger    *slog.Logger
	tracer    trace.Tracer
}

// Option configures a Replayer.
type Option func(*Replayer)

// WithSnapshots lets temporal queries start from a snapshot taken before
// AsOf.
func WithSnapshots(s store.SnapshotStore) Option {
	return func(r *Replayer) { r.snapshots = s }
}

func WithTimeout(d time.Duration) Option {
	return func(r *Replayer) { r.timeout = d }
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Replayer) { r.logger = logger }
}

func WithTracer(t trace.Tracer) Option {
	return func(r *Replayer) { r.tracer = t }
}

// NewReplayer creates a replayer reading from events.
func NewReplayer(registry *domain.Registry, events store.EventStore, opts ...Option) *Replayer {
	r := &Replayer{
		registry: registry,
		events:   events,
		timeout:  DefaultTimeout,
		logger:   slog.Default(),
		tracer:   tracenoop.NewTracerProvider().Tracer(""),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ReplayEvents folds the events with from <= version < to into a fresh
// aggregate. from 0 is treated as 1 and to 0 reads to the end of the
// stream. A replay starting mid-stream begins from empty state at version
// from-1.
func (r *Replayer) ReplayEvents(ctx context.Context, aggregateType, id string, from, to uint64) (*Result, error) {
	if from == 0 {
		from = 1
	}
	if to != 0 && to < from {
		return nil, &domain.ValidationError{
			Reason: fmt.Sprintf("invalid replay range [%d, %d)", from, to),
		}
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	ctx, span := observability.StartSpan(ctx, r.tracer, "replay.events",
		observability.AttrAggregateType.String(aggregateType),
		observability.AttrAggregateID.String(id))

	res, err := r.replay(ctx, aggregateType, id, from, to)
	err = r.mapTimeout(ctx, "replay "+id, err)
	observability.EndSpan(span, err)
	if err != nil {
		return nil, err
	}
	res.Duration = time.Since(start)
	return res, nil
}

func (r *Replayer) replay(ctx context.Context, aggregateType, id string, from, to uint64) (*Result, error) {
	agg, err := r.registry.New(aggregateType, id)
	if err != nil {
		return nil, err
	}
	agg.Root().Restore(from-1, time.Time{})

	events, err := r.events.ReadStream(ctx, id, from, to)
	if err != nil {
		return nil, fmt.Errorf("read events of %s: %w", id, err)
	}
	if err := domain.ApplyEvents(agg, events); err != nil {
		return nil, fmt.Errorf("replay %s/%s: %w", aggregateType, id, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &Result{
		Aggregate:     agg,
		FromVersion:   from,
		ToVersion:     to,
		EventsApplied: len(events),
	}, nil
}

// ExecuteTemporalQuery rebuilds the aggregate from the events committed at
// or before q.AsOf and evaluates q against it. Events committed later are
// ignored even if they exist at query time. An aggregate with no events by
// AsOf yields *domain.NotFoundError.
func (r *Replayer) ExecuteTemporalQuery(ctx context.Context, q TemporalQuery) (*TemporalResult, error) {
	if q.AggregateID == "" || q.AggregateType == "" {
		return nil, &domain.ValidationError{Reason: "temporal query needs an aggregate type and id"}
	}
	if q.AsOf.IsZero() {
		return nil, &domain.ValidationError{
			Fields: []domain.FieldError{{Field: "as_of", Message: "is required"}},
		}
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	ctx, span := observability.StartSpan(ctx, r.tracer, "replay.temporal_query",
		observability.AttrAggregateType.String(q.AggregateType),
		observability.AttrAggregateID.String(q.AggregateID))

	res, err := r.temporal(ctx, q)
	err = r.mapTimeout(ctx, "temporal query "+q.AggregateID, err)
	observability.EndSpan(span, err)
	if err != nil {
		return nil, err
	}
	res.Duration = time.Since(start)
	return res, nil
}

func (r *Replayer) temporal(ctx context.Context, q TemporalQuery) (*TemporalResult, error) {
	agg, err := r.registry.New(q.AggregateType, q.AggregateID)
	if err != nil {
		return nil, err
	}

	res := &TemporalResult{AsOf: q.AsOf}
	if snap := r.snapshotBefore(ctx, q); snap != nil {
		if err := domain.DecodeState(agg, snap.Data, snap.Version, snap.LastModified); err != nil {
			r.logger.WarnContext(ctx, "discarding undecodable snapshot",
				slog.String("aggregate_id", q.AggregateID),
				slog.Uint64("snapshot_version", snap.Version),
				slog.String("error", err.Error()))
			if agg, err = r.registry.New(q.AggregateType, q.AggregateID); err != nil {
				return nil, err
			}
		} else {
			res.SnapshotVersion = snap.Version
		}
	}

	events, err := r.events.ReadAfterVersion(ctx, q.AggregateID, res.SnapshotVersion)
	if err != nil {
		return nil, fmt.Errorf("read events of %s: %w", q.AggregateID, err)
	}

	// Timestamps never decrease within a stream, so the fold stops at the
	// first event after AsOf.
	for _, evt := range events {
		if evt.Timestamp.After(q.AsOf) {
			break
		}
		if err := domain.ApplyEvent(agg, evt); err != nil {
			return nil, fmt.Errorf("replay %s/%s: %w", q.AggregateType, q.AggregateID, err)
		}
		res.EventsApplied++
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	res.Version = agg.Root().Version()
	if res.Version == 0 {
		return nil, &domain.NotFoundError{AggregateType: q.AggregateType, AggregateID: q.AggregateID}
	}

	if q.Evaluate == nil {
		res.Value = agg
		return res, nil
	}
	if res.Value, err = q.Evaluate(agg); err != nil {
		return nil, fmt.Errorf("evaluate temporal query: %w", err)
	}
	return res, nil
}

// snapshotBefore returns the latest snapshot if it was taken from state no
// newer than AsOf.
func (r *Replayer) snapshotBefore(ctx context.Context, q TemporalQuery) *store.Snapshot {
	if r.snapshots == nil {
		return nil
	}
	snap, err := r.snapshots.Latest(ctx, q.AggregateID)
	if err != nil {
		if !errors.Is(err, store.ErrSnapshotNotFound) {
			r.logger.WarnContext(ctx, "snapshot lookup failed, replaying full stream",
				slog.String("aggregate_id", q.AggregateID),
				slog.String("error", err.Error()))
		}
		return nil
	}
	if snap.AggregateType != q.AggregateType || snap.LastModified.After(q.AsOf) {
		return nil
	}
	return snap
}

func (r *Replayer) mapTimeout(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &domain.TimeoutError{Operation: op, Timeout: r.timeout, Cause: err}
	}
	return err
}
