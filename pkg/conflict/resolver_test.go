package conflict

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plaenen/eventengine/pkg/codec"
	"github.com/plaenen/eventengine/pkg/domain"
	"github.com/plaenen/eventengine/pkg/domain/domaintest"
	"github.com/plaenen/eventengine/pkg/store/memory"
)

var start = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func event(id, eventType string, version uint64) *domain.Event {
	return &domain.Event{
		ID:            id,
		EventType:     eventType,
		AggregateID:   "counter-1",
		AggregateType: domaintest.CounterType,
		Version:       version,
		Timestamp:     start.Add(time.Duration(version) * time.Second),
		Payload:       []byte(`{"by":1}`),
		ContentType:   codec.ContentTypeJSON,
	}
}

// setup commits a creation event and a concurrent writer's increment, and
// returns the lock error our writer would see.
func setup(t *testing.T) (*Resolver, *memory.EventStore, *domain.OptimisticLockError) {
	t.Helper()
	es := memory.NewEventStore()
	ctx := context.Background()
	require.NoError(t, es.Append(ctx, "counter-1", 0, []*domain.Event{event("e1", domaintest.EventCreated, 1)}))
	require.NoError(t, es.Append(ctx, "counter-1", 1, []*domain.Event{event("theirs-2", domaintest.EventIncremented, 2)}))

	err := es.Append(ctx, "counter-1", 1, []*domain.Event{event("ours-2", domaintest.EventIncremented, 2)})
	var lockErr *domain.OptimisticLockError
	require.ErrorAs(t, err, &lockErr)

	return NewResolver(es, WithLogger(slog.New(slog.DiscardHandler))), es, lockErr
}

func analyze(t *testing.T, r *Resolver, lockErr *domain.OptimisticLockError, ours ...*domain.Event) *Analysis {
	t.Helper()
	req, err := r.RequestFromLock(context.Background(), domaintest.CounterType, lockErr, ours)
	require.NoError(t, err)
	a, err := r.AnalyzeConflict(context.Background(), req)
	require.NoError(t, err)
	return a
}

func TestAnalyzeConflict(t *testing.T) {
	r, _, lockErr := setup(t)

	a := analyze(t, r, lockErr,
		event("ours-2", domaintest.EventIncremented, 2),
		event("ours-3", "counter.renamed", 3))

	assert.Equal(t, uint64(1), a.BaseVersion)
	assert.Equal(t, uint64(2), a.CurrentVersion)
	assert.Equal(t, []string{"counter.incremented", "counter.renamed"}, a.OursTypes)
	assert.Equal(t, []string{"counter.incremented"}, a.TheirsTypes)
	assert.Equal(t, []string{"counter.incremented"}, a.SharedTypes)
	assert.True(t, a.Overlapping())
}

func TestAnalyzeConflictRejectsGap(t *testing.T) {
	r, _, _ := setup(t)
	_, err := r.AnalyzeConflict(context.Background(), Request{
		AggregateID: "counter-1",
		BaseVersion: 1,
		Theirs:      []*domain.Event{event("x", domaintest.EventIncremented, 3)},
	})
	require.ErrorIs(t, err, domain.ErrVersionGap)
}

func TestDefaultRejectsSecondWriter(t *testing.T) {
	r, _, lockErr := setup(t)
	a := analyze(t, r, lockErr, event("ours-2", domaintest.EventIncremented, 2))

	res, err := r.ResolveConflict(context.Background(), a)
	require.NoError(t, err)
	assert.Equal(t, AcceptTheirs, res.Strategy)
	assert.True(t, res.RetryRequired)
	assert.False(t, res.Accepted())
	require.Error(t, r.Commit(context.Background(), res))
}

func TestAcceptOursRebases(t *testing.T) {
	r, es, lockErr := setup(t)
	r.Register(domaintest.CounterType, Policy{Strategy: AcceptOurs})

	ours := event("ours-2", domaintest.EventIncremented, 2)
	ours.Metadata.CausationID = "cmd-7"
	ours.Timestamp = start
	a := analyze(t, r, lockErr, ours)

	res, err := r.ResolveConflict(context.Background(), a)
	require.NoError(t, err)
	require.True(t, res.Accepted())
	require.Len(t, res.Events, 1)

	rebased := res.Events[0]
	assert.Equal(t, uint64(3), rebased.Version)
	assert.Equal(t, uint64(2), res.ExpectedVersion)
	assert.NotEqual(t, "ours-2", rebased.ID)
	assert.False(t, rebased.Timestamp.Before(a.Theirs[0].Timestamp))
	assert.Equal(t, uint64(2), ours.Version, "input events are not modified")

	require.NoError(t, r.Commit(context.Background(), res))
	v, err := es.Version(context.Background(), "counter-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), v)
}

func TestMergeStrategy(t *testing.T) {
	t.Run("overlapping types are rejected", func(t *testing.T) {
		r, _, lockErr := setup(t)
		r.Register(domaintest.CounterType, Policy{Strategy: Merge})

		res, err := r.ResolveConflict(context.Background(),
			analyze(t, r, lockErr, event("ours-2", domaintest.EventIncremented, 2)))
		require.NoError(t, err)
		assert.True(t, res.RetryRequired)
		assert.False(t, res.Accepted())
	})

	t.Run("disjoint types are rebased", func(t *testing.T) {
		r, _, lockErr := setup(t)
		r.Register(domaintest.CounterType, Policy{Strategy: Merge})

		res, err := r.ResolveConflict(context.Background(),
			analyze(t, r, lockErr, event("ours-2", "counter.renamed", 2)))
		require.NoError(t, err)
		require.True(t, res.Accepted())
		assert.Equal(t, uint64(3), res.Events[0].Version)
	})

	t.Run("merge func builds new changes", func(t *testing.T) {
		r, es, lockErr := setup(t)
		r.Register(domaintest.CounterType, Policy{
			Strategy: Merge,
			Merge: func(_ context.Context, a *Analysis) ([]domain.Change, error) {
				return []domain.Change{
					domain.NewChange(domaintest.EventIncremented, domaintest.Incremented{By: len(a.Ours)}),
				}, nil
			},
		})

		res, err := r.ResolveConflict(context.Background(),
			analyze(t, r, lockErr, event("ours-2", domaintest.EventIncremented, 2)))
		require.NoError(t, err)
		require.True(t, res.Accepted())
		require.NoError(t, r.Commit(context.Background(), res))

		stream, err := es.ReadStream(context.Background(), "counter-1", 0, 0)
		require.NoError(t, err)
		require.Len(t, stream, 3)
		assert.JSONEq(t, `{"by":1}`, string(stream[2].Payload))
	})

	t.Run("merge func refusal is a rejection", func(t *testing.T) {
		r, _, lockErr := setup(t)
		r.Register(domaintest.CounterType, Policy{
			Strategy: Merge,
			Merge: func(context.Context, *Analysis) ([]domain.Change, error) {
				return nil, ErrCannotMerge
			},
		})

		res, err := r.ResolveConflict(context.Background(),
			analyze(t, r, lockErr, event("ours-2", domaintest.EventIncremented, 2)))
		require.NoError(t, err)
		assert.True(t, res.RetryRequired)
	})

	t.Run("merge func failure is returned", func(t *testing.T) {
		r, _, lockErr := setup(t)
		boom := errors.New("boom")
		r.Register(domaintest.CounterType, Policy{
			Strategy: Merge,
			Merge: func(context.Context, *Analysis) ([]domain.Change, error) {
				return nil, boom
			},
		})

		_, err := r.ResolveConflict(context.Background(),
			analyze(t, r, lockErr, event("ours-2", domaintest.EventIncremented, 2)))
		require.ErrorIs(t, err, boom)
	})
}

func TestManualStrategy(t *testing.T) {
	r, _, lockErr := setup(t)
	r.Register(domaintest.CounterType, Policy{Strategy: Manual})

	res, err := r.ResolveConflict(context.Background(),
		analyze(t, r, lockErr, event("ours-2", domaintest.EventIncremented, 2)))
	require.NoError(t, err)
	assert.Equal(t, Manual, res.Strategy)
	assert.False(t, res.RetryRequired)
	assert.False(t, res.Accepted())
}
