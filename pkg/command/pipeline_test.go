package command

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plaenen/eventengine/pkg/aggregate"
	"github.com/plaenen/eventengine/pkg/conflict"
	"github.com/plaenen/eventengine/pkg/domain"
	"github.com/plaenen/eventengine/pkg/domain/domaintest"
	"github.com/plaenen/eventengine/pkg/messaging"
	"github.com/plaenen/eventengine/pkg/snapshot"
	"github.com/plaenen/eventengine/pkg/store"
	"github.com/plaenen/eventengine/pkg/store/memory"
)

var discard = slog.New(slog.DiscardHandler)

type fixture struct {
	pipeline  *Pipeline
	events    store.EventStore
	snapshots *memory.SnapshotStore
	loader    *aggregate.Loader
}

func newFixture(t *testing.T, policy domain.MissingPolicy, events store.EventStore, opts ...Option) *fixture {
	t.Helper()
	if events == nil {
		events = memory.NewEventStore()
	}
	registry := domaintest.Registry(policy)
	snapshots := memory.NewSnapshotStore()
	loader := aggregate.NewLoader(registry, events,
		aggregate.WithSnapshots(snapshots), aggregate.WithLoaderLogger(discard))
	cache, err := aggregate.NewCache(registry)
	require.NoError(t, err)

	opts = append([]Option{
		WithLogger(discard),
		WithSnapshots(snapshot.NewManager(snapshots, loader, snapshot.WithLogger(discard))),
	}, opts...)
	return &fixture{
		pipeline:  NewPipeline(aggregate.NewRepository(loader, cache, nil), opts...),
		events:    events,
		snapshots: snapshots,
		loader:    loader,
	}
}

func (f *fixture) count(t *testing.T, id string) *domaintest.Counter {
	t.Helper()
	loaded, err := f.loader.Load(context.Background(), domaintest.CounterType, id)
	require.NoError(t, err)
	return loaded.Aggregate.(*domaintest.Counter)
}

func TestExecuteCommandCommits(t *testing.T) {
	f := newFixture(t, domain.CreateOnMissing, nil)
	ctx := context.Background()

	res, err := f.pipeline.ExecuteCommand(ctx, domaintest.Create{ID: "c-1"})
	require.NoError(t, err)
	assert.Equal(t, Committed, res.Status)
	assert.Equal(t, uint64(0), res.PreviousVersion)
	assert.Equal(t, uint64(1), res.NewVersion)

	res, err = f.pipeline.ExecuteCommand(ctx, domaintest.Increment{ID: "c-1", By: 2, Repeat: 3},
		WithCommandID("cmd-1"), WithPrincipal("alice"), WithMetadata("source", "test"))
	require.NoError(t, err)
	require.Len(t, res.Events, 3)
	assert.Equal(t, uint64(1), res.PreviousVersion)
	assert.Equal(t, uint64(4), res.NewVersion)

	for i, evt := range res.Events {
		assert.Equal(t, uint64(i+2), evt.Version, "versions are contiguous")
		assert.Equal(t, "cmd-1", evt.Metadata.CausationID)
		assert.Equal(t, "cmd-1", evt.Metadata.CorrelationID)
		assert.Equal(t, "alice", evt.Metadata.PrincipalID)
		assert.Equal(t, "test", evt.Metadata.Custom["source"])
	}

	stored, err := f.events.ReadStream(ctx, "c-1", 0, 0)
	require.NoError(t, err)
	require.Len(t, stored, 4)
	assert.Equal(t, res.Events[2].ID, stored[3].ID)
	assert.Equal(t, 6, f.count(t, "c-1").Count)
}

func TestExecuteCommandNoEvents(t *testing.T) {
	f := newFixture(t, domain.CreateOnMissing, nil)

	res, err := f.pipeline.ExecuteCommand(context.Background(), domaintest.Noop{ID: "c-1"})
	require.NoError(t, err)
	assert.Equal(t, Committed, res.Status)
	assert.Empty(t, res.Events)
	assert.Equal(t, uint64(0), res.NewVersion)
}

func TestExecuteCommandValidation(t *testing.T) {
	f := newFixture(t, domain.CreateOnMissing, nil)

	tests := []struct {
		name string
		cmd  domain.Command
	}{
		{name: "empty aggregate id", cmd: domaintest.Increment{By: 1}},
		{name: "command invariant", cmd: domaintest.Increment{ID: "c-1", By: 0}},
		{name: "unknown aggregate type", cmd: unknownTypeCommand{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := f.pipeline.ExecuteCommand(context.Background(), tt.cmd)
			require.ErrorIs(t, err, domain.ErrValidation)
			assert.Nil(t, res)
		})
	}

	v, err := f.events.Version(context.Background(), "c-1")
	require.NoError(t, err)
	assert.Zero(t, v, "rejected commands persist nothing")
}

type unknownTypeCommand struct{}

func (unknownTypeCommand) AggregateID() string   { return "x-1" }
func (unknownTypeCommand) AggregateType() string { return "unknown" }
func (unknownTypeCommand) CommandType() string   { return "unknown.do" }
func (unknownTypeCommand) Validate() error       { return nil }

func TestExecuteCommandMissingPolicy(t *testing.T) {
	t.Run("create on missing", func(t *testing.T) {
		f := newFixture(t, domain.CreateOnMissing, nil)
		res, err := f.pipeline.ExecuteCommand(context.Background(), domaintest.Increment{ID: "new", By: 1})
		require.NoError(t, err)
		assert.Equal(t, uint64(1), res.NewVersion)
	})

	t.Run("reject missing", func(t *testing.T) {
		f := newFixture(t, domain.RejectMissing, nil)
		_, err := f.pipeline.ExecuteCommand(context.Background(), domaintest.Increment{ID: "new", By: 1})
		var nf *domain.NotFoundError
		require.ErrorAs(t, err, &nf)
		assert.Equal(t, "new", nf.AggregateID)

		res, err := f.pipeline.ExecuteCommand(context.Background(), domaintest.Create{ID: "new"})
		require.NoError(t, err, "creation commands may target unknown ids")
		assert.Equal(t, uint64(1), res.NewVersion)

		_, err = f.pipeline.ExecuteCommand(context.Background(), domaintest.Increment{ID: "new", By: 1})
		require.NoError(t, err)
	})
}

func TestExecuteCommandDomainRejection(t *testing.T) {
	f := newFixture(t, domain.CreateOnMissing, nil)
	ctx := context.Background()

	_, err := f.pipeline.ExecuteCommand(ctx, domaintest.Create{ID: "c-1"})
	require.NoError(t, err)
	_, err = f.pipeline.ExecuteCommand(ctx, domaintest.Create{ID: "c-1"})
	require.ErrorIs(t, err, domaintest.ErrAlreadyCreated)
}

func TestExecuteCommandExpectedVersion(t *testing.T) {
	f := newFixture(t, domain.CreateOnMissing, nil)
	ctx := context.Background()

	_, err := f.pipeline.ExecuteCommand(ctx, domaintest.Increment{ID: "c-1", By: 1, Repeat: 2})
	require.NoError(t, err)

	_, err = f.pipeline.ExecuteCommand(ctx, domaintest.Increment{ID: "c-1", By: 1}, WithExpectedVersion(1))
	var lockErr *domain.OptimisticLockError
	require.ErrorAs(t, err, &lockErr)
	assert.Equal(t, uint64(1), lockErr.ExpectedVersion)
	assert.Equal(t, uint64(2), lockErr.ActualVersion)

	res, err := f.pipeline.ExecuteCommand(ctx, domaintest.Increment{ID: "c-1", By: 1}, WithExpectedVersion(2))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), res.NewVersion)
}

func TestExecuteCommandRaceOnExpectedVersion(t *testing.T) {
	f := newFixture(t, domain.CreateOnMissing, nil)
	ctx := context.Background()

	_, err := f.pipeline.ExecuteCommand(ctx, domaintest.Increment{ID: "B", By: 1, Repeat: 5})
	require.NoError(t, err)

	const writers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		conflicts int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.pipeline.ExecuteCommand(ctx, domaintest.Increment{ID: "B", By: 1}, WithExpectedVersion(5))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, domain.ErrOptimisticLock):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, writers-1, conflicts)

	v, err := f.events.Version(ctx, "B")
	require.NoError(t, err)
	assert.Equal(t, uint64(6), v)
}

func TestExecuteCommandConcurrentWriters(t *testing.T) {
	f := newFixture(t, domain.CreateOnMissing, nil)
	ctx := context.Background()

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		committed uint64
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.pipeline.ExecuteCommand(ctx, domaintest.Increment{ID: "c-1", By: 1, Repeat: 2})
			if errors.Is(err, domain.ErrOptimisticLock) {
				return
			}
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			committed += uint64(len(res.Events))
			mu.Unlock()
		}()
	}
	wg.Wait()

	stream, err := f.events.ReadStream(ctx, "c-1", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, committed, uint64(len(stream)))
	for i, evt := range stream {
		assert.Equal(t, uint64(i+1), evt.Version, "no gaps and no duplicates")
	}
}

func TestExecuteCommandSnapshotsAtFrequency(t *testing.T) {
	f := newFixture(t, domain.CreateOnMissing, nil)
	ctx := context.Background()

	var snapshots []*snapshot.Result
	for i := 0; i < 150; i++ {
		res, err := f.pipeline.ExecuteCommand(ctx, domaintest.Increment{ID: "A", By: 1})
		require.NoError(t, err)
		if res.Snapshot != nil {
			snapshots = append(snapshots, res.Snapshot)
		}
	}

	require.Len(t, snapshots, 1)
	assert.Equal(t, snapshot.OutcomeSuccess, snapshots[0].Outcome)
	assert.Equal(t, uint64(100), snapshots[0].Version)
	assert.Equal(t, 1, f.snapshots.Count("A"))

	loaded, err := f.loader.Load(ctx, domaintest.CounterType, "A")
	require.NoError(t, err)
	assert.Equal(t, uint64(100), loaded.SnapshotVersion)
	assert.Equal(t, 50, loaded.EventsReplayed)
	assert.Equal(t, 150, loaded.Aggregate.(*domaintest.Counter).Count)
}

type recordingPublisher struct {
	mu      sync.Mutex
	batches []messaging.Batch
	err     error
}

func (p *recordingPublisher) Publish(_ context.Context, batch messaging.Batch) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.batches = append(p.batches, batch)
	return p.err
}

func TestExecuteCommandPropagation(t *testing.T) {
	t.Run("publishes committed batch", func(t *testing.T) {
		pub := &recordingPublisher{}
		f := newFixture(t, domain.CreateOnMissing, nil, WithPublisher(pub))

		res, err := f.pipeline.ExecuteCommand(context.Background(), domaintest.Increment{ID: "c-1", By: 1, Repeat: 2})
		require.NoError(t, err)
		assert.Equal(t, Committed, res.Status)
		require.Len(t, pub.batches, 1)
		assert.Equal(t, "c-1", pub.batches[0].AggregateID)
		assert.Len(t, pub.batches[0].Events, 2)
	})

	t.Run("no batch for commands without events", func(t *testing.T) {
		pub := &recordingPublisher{}
		f := newFixture(t, domain.CreateOnMissing, nil, WithPublisher(pub))

		_, err := f.pipeline.ExecuteCommand(context.Background(), domaintest.Noop{ID: "c-1"})
		require.NoError(t, err)
		assert.Empty(t, pub.batches)
	})

	t.Run("publish failure does not undo the commit", func(t *testing.T) {
		pub := &recordingPublisher{err: &messaging.PropagationError{Consumers: []string{"projections"}, Cause: messaging.ErrQueueFull}}
		f := newFixture(t, domain.CreateOnMissing, nil, WithPublisher(pub))

		res, err := f.pipeline.ExecuteCommand(context.Background(), domaintest.Increment{ID: "c-1", By: 1})
		require.NoError(t, err)
		assert.Equal(t, CommittedPropagationIncomplete, res.Status)
		require.Error(t, res.PropagationErr)

		v, err := f.events.Version(context.Background(), "c-1")
		require.NoError(t, err)
		assert.Equal(t, uint64(1), v)
	})
}

// blockingStore never completes an append before ctx ends.
type blockingStore struct {
	store.EventStore
}

func (s blockingStore) Append(ctx context.Context, _ string, _ uint64, _ []*domain.Event) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestExecuteCommandTimeout(t *testing.T) {
	f := newFixture(t, domain.CreateOnMissing, blockingStore{memory.NewEventStore()},
		WithTimeout(20*time.Millisecond))

	_, err := f.pipeline.ExecuteCommand(context.Background(), domaintest.Increment{ID: "c-1", By: 1})
	require.ErrorIs(t, err, domain.ErrTimeout)

	var te *domain.TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 20*time.Millisecond, te.Timeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// racingStore lets another writer commit right before the first append.
type racingStore struct {
	*memory.EventStore
	once sync.Once
}

func (s *racingStore) Append(ctx context.Context, id string, expected uint64, events []*domain.Event) error {
	s.once.Do(func() {
		other := *events[0]
		other.ID = "other-writer"
		_ = s.EventStore.Append(ctx, id, expected, []*domain.Event{&other})
	})
	return s.EventStore.Append(ctx, id, expected, events)
}

func TestExecuteCommandConflictResolution(t *testing.T) {
	t.Run("default rejects the second writer", func(t *testing.T) {
		es := &racingStore{EventStore: memory.NewEventStore()}
		f := newFixture(t, domain.CreateOnMissing, es,
			WithResolver(conflict.NewResolver(es, conflict.WithLogger(discard))))

		res, err := f.pipeline.ExecuteCommand(context.Background(), domaintest.Increment{ID: "c-1", By: 1})
		require.ErrorIs(t, err, domain.ErrOptimisticLock)
		require.NotNil(t, res)
		assert.Equal(t, Rejected, res.Status)
		require.NotNil(t, res.Conflict)
		assert.True(t, res.Conflict.RetryRequired)

		retry, err := f.pipeline.ExecuteCommand(context.Background(), domaintest.Increment{ID: "c-1", By: 1})
		require.NoError(t, err)
		assert.Equal(t, uint64(2), retry.NewVersion)
	})

	t.Run("registered strategy commits rebased events", func(t *testing.T) {
		es := &racingStore{EventStore: memory.NewEventStore()}
		resolver := conflict.NewResolver(es, conflict.WithLogger(discard))
		resolver.Register(domaintest.CounterType, conflict.Policy{Strategy: conflict.AcceptOurs})
		f := newFixture(t, domain.CreateOnMissing, es, WithResolver(resolver))

		res, err := f.pipeline.ExecuteCommand(context.Background(), domaintest.Increment{ID: "c-1", By: 5})
		require.NoError(t, err)
		assert.Equal(t, Committed, res.Status)
		assert.Equal(t, uint64(2), res.NewVersion)
		require.NotNil(t, res.Conflict)
		assert.Equal(t, 10, f.count(t, "c-1").Count)
	})

	t.Run("pinned version is never rebased", func(t *testing.T) {
		es := &racingStore{EventStore: memory.NewEventStore()}
		resolver := conflict.NewResolver(es, conflict.WithLogger(discard))
		resolver.Register(domaintest.CounterType, conflict.Policy{Strategy: conflict.AcceptOurs})
		f := newFixture(t, domain.CreateOnMissing, es, WithResolver(resolver))

		_, err := f.pipeline.ExecuteCommand(context.Background(), domaintest.Increment{ID: "c-1", By: 5},
			WithExpectedVersion(0))
		require.ErrorIs(t, err, domain.ErrOptimisticLock)
	})
}

func TestExecuteCommandMonotonicTimestamps(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	f := newFixture(t, domain.CreateOnMissing, nil, WithClock(clock))
	ctx := context.Background()

	first, err := f.pipeline.ExecuteCommand(ctx, domaintest.Increment{ID: "c-1", By: 1})
	require.NoError(t, err)

	now = now.Add(-time.Hour)
	second, err := f.pipeline.ExecuteCommand(ctx, domaintest.Increment{ID: "c-1", By: 1})
	require.NoError(t, err)

	assert.False(t, second.Events[0].Timestamp.Before(first.Events[0].Timestamp))
}

func TestDeterministicEventIDs(t *testing.T) {
	a := newFixture(t, domain.CreateOnMissing, nil)
	b := newFixture(t, domain.CreateOnMissing, nil)
	ctx := context.Background()

	ra, err := a.pipeline.ExecuteCommand(ctx, domaintest.Increment{ID: "c-1", By: 1}, WithCommandID("cmd-42"))
	require.NoError(t, err)
	rb, err := b.pipeline.ExecuteCommand(ctx, domaintest.Increment{ID: "c-1", By: 1}, WithCommandID("cmd-42"))
	require.NoError(t, err)
	assert.Equal(t, ra.Events[0].ID, rb.Events[0].ID)
}

func TestMiddlewareOrder(t *testing.T) {
	var calls []string
	mw := func(name string) Middleware {
		return func(next Handler) Handler {
			return HandlerFunc(func(ctx context.Context, env *Envelope) (*Result, error) {
				calls = append(calls, name)
				return next.Handle(ctx, env)
			})
		}
	}

	f := newFixture(t, domain.CreateOnMissing, nil, WithMiddleware(mw("outer"), mw("inner")))
	_, err := f.pipeline.ExecuteCommand(context.Background(), domaintest.Noop{ID: "c-1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"outer", "inner"}, calls)
}
