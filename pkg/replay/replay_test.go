package replay

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plaenen/eventengine/pkg/aggregate"
	"github.com/plaenen/eventengine/pkg/domain"
	"github.com/plaenen/eventengine/pkg/domain/domaintest"
	"github.com/plaenen/eventengine/pkg/snapshot"
	"github.com/plaenen/eventengine/pkg/store/memory"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// seed writes increments v1..n, event v at epoch + v seconds.
func seed(t *testing.T, n uint64) *memory.EventStore {
	t.Helper()
	events := memory.NewEventStore()
	require.NoError(t, events.Append(context.Background(), "c-1", 0, domaintest.IncrementEvents("c-1", 1, n, epoch)))
	return events
}

func count(agg domain.Aggregate) int {
	return agg.(*domaintest.Counter).Count
}

func TestReplayEvents(t *testing.T) {
	ctx := context.Background()
	r := NewReplayer(domaintest.Registry(domain.CreateOnMissing), seed(t, 10))

	t.Run("full stream", func(t *testing.T) {
		res, err := r.ReplayEvents(ctx, domaintest.CounterType, "c-1", 0, 0)
		require.NoError(t, err)
		assert.Equal(t, 10, res.EventsApplied)
		assert.Equal(t, 10, count(res.Aggregate))
		assert.Equal(t, uint64(10), res.Aggregate.Root().Version())
	})

	t.Run("half open range", func(t *testing.T) {
		res, err := r.ReplayEvents(ctx, domaintest.CounterType, "c-1", 3, 7)
		require.NoError(t, err)
		assert.Equal(t, 4, res.EventsApplied)
		assert.Equal(t, 4, count(res.Aggregate), "events 3..6 fold into empty state")
		assert.Equal(t, uint64(6), res.Aggregate.Root().Version())
	})

	t.Run("invalid range", func(t *testing.T) {
		_, err := r.ReplayEvents(ctx, domaintest.CounterType, "c-1", 5, 2)
		require.ErrorIs(t, err, domain.ErrValidation)
	})

	t.Run("unknown type", func(t *testing.T) {
		_, err := r.ReplayEvents(ctx, "ghost", "c-1", 1, 0)
		require.ErrorIs(t, err, domain.ErrUnknownAggregateType)
	})
}

func TestReplayDeterminism(t *testing.T) {
	ctx := context.Background()
	registry := domaintest.Registry(domain.CreateOnMissing)
	events := seed(t, 150)
	snapshots := memory.NewSnapshotStore()

	loader := aggregate.NewLoader(registry, events, aggregate.WithSnapshots(snapshots))
	mgr := snapshot.NewManager(snapshots, loader)

	fromScratch, err := NewReplayer(registry, events).ReplayEvents(ctx, domaintest.CounterType, "c-1", 1, 0)
	require.NoError(t, err)

	res := mgr.CreateSnapshot(ctx, domaintest.CounterType, "c-1")
	require.Equal(t, snapshot.OutcomeSuccess, res.Outcome)

	loaded, err := loader.Load(ctx, domaintest.CounterType, "c-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(150), loaded.SnapshotVersion)

	want, err := domain.EncodeState(fromScratch.Aggregate)
	require.NoError(t, err)
	got, err := domain.EncodeState(loaded.Aggregate)
	require.NoError(t, err)
	assert.JSONEq(t, string(want), string(got))
	assert.Equal(t, fromScratch.Aggregate.Root().LastModified(), loaded.Aggregate.Root().LastModified())
}

func TestExecuteTemporalQuery(t *testing.T) {
	ctx := context.Background()
	events := seed(t, 10)
	r := NewReplayer(domaintest.Registry(domain.CreateOnMissing), events)

	asOf := epoch.Add(4 * time.Second)
	query := TemporalQuery{
		AggregateType: domaintest.CounterType,
		AggregateID:   "c-1",
		AsOf:          asOf,
		Evaluate: func(agg domain.Aggregate) (any, error) {
			return count(agg), nil
		},
	}

	res, err := r.ExecuteTemporalQuery(ctx, query)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Value)
	assert.Equal(t, uint64(4), res.Version)

	// Later commits do not change the answer.
	require.NoError(t, events.Append(ctx, "c-1", 10, domaintest.IncrementEvents("c-1", 11, 20, epoch)))
	again, err := r.ExecuteTemporalQuery(ctx, query)
	require.NoError(t, err)
	assert.Equal(t, res.Value, again.Value)

	t.Run("returns the aggregate without evaluator", func(t *testing.T) {
		q := query
		q.Evaluate = nil
		res, err := r.ExecuteTemporalQuery(ctx, q)
		require.NoError(t, err)
		assert.Equal(t, 4, count(res.Value.(domain.Aggregate)))
	})

	t.Run("before the first event", func(t *testing.T) {
		q := query
		q.AsOf = epoch
		_, err := r.ExecuteTemporalQuery(ctx, q)
		require.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("requires as of", func(t *testing.T) {
		q := query
		q.AsOf = time.Time{}
		_, err := r.ExecuteTemporalQuery(ctx, q)
		require.ErrorIs(t, err, domain.ErrValidation)
	})
}

func TestTemporalQueryUsesOlderSnapshots(t *testing.T) {
	ctx := context.Background()
	registry := domaintest.Registry(domain.CreateOnMissing)
	events := seed(t, 120)
	snapshots := memory.NewSnapshotStore()

	loader := aggregate.NewLoader(registry, events)
	mgr := snapshot.NewManager(snapshots, loader)
	require.Equal(t, snapshot.OutcomeSuccess, mgr.CreateSnapshot(ctx, domaintest.CounterType, "c-1").Outcome)

	r := NewReplayer(registry, events, WithSnapshots(snapshots))
	eval := func(agg domain.Aggregate) (any, error) { return count(agg), nil }

	t.Run("snapshot after as of is ignored", func(t *testing.T) {
		res, err := r.ExecuteTemporalQuery(ctx, TemporalQuery{
			AggregateType: domaintest.CounterType,
			AggregateID:   "c-1",
			AsOf:          epoch.Add(50 * time.Second),
			Evaluate:      eval,
		})
		require.NoError(t, err)
		assert.Equal(t, 50, res.Value)
		assert.Zero(t, res.SnapshotVersion)
	})

	t.Run("snapshot before as of is used", func(t *testing.T) {
		require.NoError(t, events.Append(ctx, "c-1", 120, domaintest.IncrementEvents("c-1", 121, 130, epoch)))
		res, err := r.ExecuteTemporalQuery(ctx, TemporalQuery{
			AggregateType: domaintest.CounterType,
			AggregateID:   "c-1",
			AsOf:          epoch.Add(125 * time.Second),
			Evaluate:      eval,
		})
		require.NoError(t, err)
		assert.Equal(t, 125, res.Value)
		assert.Equal(t, uint64(120), res.SnapshotVersion)
		assert.Equal(t, 5, res.EventsApplied)
	})
}

type slowStore struct {
	*memory.EventStore
}

func (s slowStore) ReadStream(ctx context.Context, _ string, _, _ uint64) ([]*domain.Event, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestReplayTimeout(t *testing.T) {
	r := NewReplayer(domaintest.Registry(domain.CreateOnMissing), slowStore{memory.NewEventStore()}, WithTimeout(10*time.Millisecond))

	_, err := r.ReplayEvents(context.Background(), domaintest.CounterType, "c-1", 1, 0)
	require.ErrorIs(t, err, domain.ErrTimeout)

	var timeout *domain.TimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, 10*time.Millisecond, timeout.Timeout)
}
