// Package snapshot captures aggregate state so loads can skip replaying the
// early part of long streams. Snapshots are an optimization: a failed or
// skipped snapshot never affects correctness.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/plaenen/eventengine/pkg/aggregate"
	"github.com/plaenen/eventengine/pkg/domain"
	"github.com/plaenen/eventengine/pkg/idgen"
	"github.com/plaenen/eventengine/pkg/observability"
	"github.com/plaenen/eventengine/pkg/store"
)

// DefaultFrequency is the version interval between snapshots.
const DefaultFrequency = 100

// Outcome classifies a snapshot attempt.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeSkipped Outcome = "skipped"
	OutcomeFailed  Outcome = "failed"
)

// Result is the outcome of a snapshot attempt.
type Result struct {
	Outcome    Outcome
	SnapshotID string
	Version    uint64
	Reason     string
}

func Success(snapshotID string, version uint64) Result {
	return Result{Outcome: OutcomeSuccess, SnapshotID: snapshotID, Version: version}
}

func Skipped(reason string) Result {
	return Result{Outcome: OutcomeSkipped, Reason: reason}
}

func Failed(reason string) Result {
	return Result{Outcome: OutcomeFailed, Reason: reason}
}

func (r Result) String() string {
	switch r.Outcome {
	case OutcomeSuccess:
		return fmt.Sprintf("success(%s@%d)", r.SnapshotID, r.Version)
	default:
		return fmt.Sprintf("%s(%s)", r.Outcome, r.Reason)
	}
}

// Strategy decides whether a commit that moved an aggregate from previous
// to current should be followed by a snapshot.
type Strategy interface {
	ShouldSnapshot(previous, current uint64) bool
}

// FrequencyStrategy snapshots whenever a commit reaches or crosses a
// multiple of Frequency. For single-event commits that is exactly
// current % Frequency == 0.
type FrequencyStrategy struct {
	Frequency uint64
}

func (s FrequencyStrategy) ShouldSnapshot(previous, current uint64) bool {
	if s.Frequency == 0 || current <= previous {
		return false
	}
	return current/s.Frequency > previous/s.Frequency
}

// Manager creates snapshots.
type Manager struct {
	store    store.SnapshotStore
	loader   *aggregate.Loader
	strategy Strategy
	now      func() time.Time
	logger   *slog.Logger
	metrics  *observability.Metrics
}

// Option configures a Manager.
type Option func(*Manager)

// WithStrategy replaces the default frequency strategy.
func WithStrategy(s Strategy) Option {
	return func(m *Manager) { m.strategy = s }
}

// WithFrequency uses a FrequencyStrategy with n.
func WithFrequency(n uint64) Option {
	return func(m *Manager) { m.strategy = FrequencyStrategy{Frequency: n} }
}

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

func WithMetrics(metrics *observability.Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a manager writing to s. loader is used by
// CreateSnapshot to rebuild the current state.
func NewManager(s store.SnapshotStore, loader *aggregate.Loader, opts ...Option) *Manager {
	m := &Manager{
		store:    s,
		loader:   loader,
		strategy: FrequencyStrategy{Frequency: DefaultFrequency},
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateSnapshot rebuilds the aggregate from the store and snapshots its
// current version.
func (m *Manager) CreateSnapshot(ctx context.Context, aggregateType, id string) Result {
	loaded, err := m.loader.Load(ctx, aggregateType, id)
	if err != nil {
		return m.record(ctx, aggregateType, Failed(fmt.Sprintf("load aggregate: %v", err)))
	}
	version := loaded.Aggregate.Root().Version()
	if version == 0 {
		return m.record(ctx, aggregateType, Skipped("aggregate has no events"))
	}

	latest, err := m.store.Latest(ctx, id)
	switch {
	case err == nil && latest.Version >= version:
		return m.record(ctx, aggregateType, Skipped(fmt.Sprintf("already snapshotted at version %d", latest.Version)))
	case err != nil && !errors.Is(err, store.ErrSnapshotNotFound):
		m.logger.WarnContext(ctx, "snapshot lookup failed", slog.String("aggregate_id", id), slog.String("error", err.Error()))
	}
	return m.Capture(ctx, loaded.Aggregate)
}

// MaybeSnapshot snapshots agg if the commit from previous to its current
// version satisfies the strategy.
func (m *Manager) MaybeSnapshot(ctx context.Context, agg domain.Aggregate, previous uint64) Result {
	root := agg.Root()
	if !m.strategy.ShouldSnapshot(previous, root.Version()) {
		return Skipped(fmt.Sprintf("version %d is not a snapshot boundary", root.Version()))
	}
	return m.Capture(ctx, agg)
}

// Capture writes a snapshot of agg as it is. agg must reflect every event up
// to its version.
func (m *Manager) Capture(ctx context.Context, agg domain.Aggregate) Result {
	root := agg.Root()
	data, err := domain.EncodeState(agg)
	if err != nil {
		return m.record(ctx, root.Type(), Failed(fmt.Sprintf("encode state: %v", err)))
	}

	snap := &store.Snapshot{
		ID:            idgen.NewSortableID(),
		AggregateID:   root.ID(),
		AggregateType: root.Type(),
		Version:       root.Version(),
		Data:          data,
		LastModified:  root.LastModified(),
		CreatedAt:     m.now().UTC(),
	}
	if err := m.store.Save(ctx, snap); err != nil {
		m.logger.WarnContext(ctx, "snapshot save failed",
			slog.String("aggregate_id", root.ID()),
			slog.Uint64("version", root.Version()),
			slog.String("error", err.Error()))
		return m.record(ctx, root.Type(), Failed(fmt.Sprintf("save snapshot: %v", err)))
	}

	m.logger.DebugContext(ctx, "snapshot created",
		slog.String("aggregate_id", root.ID()),
		slog.Uint64("version", root.Version()),
		slog.String("snapshot_id", snap.ID))
	return m.record(ctx, root.Type(), Success(snap.ID, snap.Version))
}

func (m *Manager) record(ctx context.Context, aggregateType string, r Result) Result {
	m.metrics.RecordSnapshot(ctx, aggregateType, string(r.Outcome))
	return r
}
