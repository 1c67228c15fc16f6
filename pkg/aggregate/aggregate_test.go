package aggregate

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plaenen/eventengine/pkg/domain"
	"github.com/plaenen/eventengine/pkg/domain/domaintest"
	"github.com/plaenen/eventengine/pkg/store"
	"github.com/plaenen/eventengine/pkg/store/memory"
)

var epoch = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func counterOf(t *testing.T, agg domain.Aggregate) *domaintest.Counter {
	t.Helper()
	c, ok := agg.(*domaintest.Counter)
	require.True(t, ok)
	return c
}

func TestLoaderReplaysFullStream(t *testing.T) {
	ctx := context.Background()
	events := memory.NewEventStore()
	require.NoError(t, events.Append(ctx, "c-1", 0, domaintest.IncrementEvents("c-1", 1, 7, epoch)))

	loader := NewLoader(domaintest.Registry(domain.CreateOnMissing), events)
	loaded, err := loader.Load(ctx, domaintest.CounterType, "c-1")
	require.NoError(t, err)

	assert.True(t, loaded.Exists())
	assert.Equal(t, uint64(7), loaded.Aggregate.Root().Version())
	assert.Equal(t, 7, loaded.EventsReplayed)
	assert.Zero(t, loaded.SnapshotVersion)
	assert.Equal(t, 7, counterOf(t, loaded.Aggregate).Count)
}

func TestLoaderStartsFromSnapshot(t *testing.T) {
	ctx := context.Background()
	events := memory.NewEventStore()
	snapshots := memory.NewSnapshotStore()
	require.NoError(t, events.Append(ctx, "c-1", 0, domaintest.IncrementEvents("c-1", 1, 150, epoch)))

	// A snapshot claiming a count the events would not produce proves that
	// the loader did not replay events below the snapshot version.
	require.NoError(t, snapshots.Save(ctx, &store.Snapshot{
		ID: "s-100", AggregateID: "c-1", AggregateType: domaintest.CounterType,
		Version: 100, Data: []byte(`{"created":false,"count":1000}`), LastModified: epoch,
	}))

	loader := NewLoader(domaintest.Registry(domain.CreateOnMissing), events, WithSnapshots(snapshots))
	loaded, err := loader.Load(ctx, domaintest.CounterType, "c-1")
	require.NoError(t, err)

	assert.Equal(t, uint64(100), loaded.SnapshotVersion)
	assert.Equal(t, 50, loaded.EventsReplayed)
	assert.Equal(t, uint64(150), loaded.Aggregate.Root().Version())
	assert.Equal(t, 1050, counterOf(t, loaded.Aggregate).Count)
}

type brokenSnapshots struct{}

func (brokenSnapshots) Save(context.Context, *store.Snapshot) error { return errors.New("down") }
func (brokenSnapshots) Latest(context.Context, string) (*store.Snapshot, error) {
	return nil, errors.New("down")
}

func TestLoaderFallsBackWhenSnapshotsFail(t *testing.T) {
	ctx := context.Background()
	events := memory.NewEventStore()
	require.NoError(t, events.Append(ctx, "c-1", 0, domaintest.IncrementEvents("c-1", 1, 3, epoch)))

	t.Run("store error", func(t *testing.T) {
		loader := NewLoader(domaintest.Registry(domain.CreateOnMissing), events, WithSnapshots(brokenSnapshots{}))
		loaded, err := loader.Load(ctx, domaintest.CounterType, "c-1")
		require.NoError(t, err)
		assert.Equal(t, 3, counterOf(t, loaded.Aggregate).Count)
	})

	t.Run("undecodable snapshot", func(t *testing.T) {
		snapshots := memory.NewSnapshotStore()
		require.NoError(t, snapshots.Save(ctx, &store.Snapshot{
			AggregateID: "c-1", AggregateType: domaintest.CounterType, Version: 2, Data: []byte(`not json`),
		}))
		loader := NewLoader(domaintest.Registry(domain.CreateOnMissing), events, WithSnapshots(snapshots))
		loaded, err := loader.Load(ctx, domaintest.CounterType, "c-1")
		require.NoError(t, err)
		assert.Zero(t, loaded.SnapshotVersion)
		assert.Equal(t, 3, counterOf(t, loaded.Aggregate).Count)
	})
}

func TestLoaderUnknownAggregate(t *testing.T) {
	loader := NewLoader(domaintest.Registry(domain.CreateOnMissing), memory.NewEventStore())
	loaded, err := loader.Load(context.Background(), domaintest.CounterType, "nobody")
	require.NoError(t, err)
	assert.False(t, loaded.Exists())

	_, err = loader.Load(context.Background(), "invoice", "i-1")
	require.ErrorIs(t, err, domain.ErrUnknownAggregateType)
}

func TestCacheStaleness(t *testing.T) {
	clock := &fakeClock{now: epoch}
	registry := domaintest.Registry(domain.CreateOnMissing)
	cache, err := NewCache(registry, WithClock(clock.Now))
	require.NoError(t, err)

	agg := domaintest.NewCounter("c-1")
	require.NoError(t, domain.ApplyEvents(agg, domaintest.IncrementEvents("c-1", 1, 2, epoch)))
	require.NoError(t, cache.Put(agg))

	got, ok := cache.Get(domaintest.CounterType, "c-1")
	require.True(t, ok)
	assert.Equal(t, uint64(2), got.Root().Version())
	assert.Equal(t, 2, counterOf(t, got).Count)

	clock.Advance(DefaultStaleness)
	_, ok = cache.Get(domaintest.CounterType, "c-1")
	assert.True(t, ok, "entry exactly at the bound is still fresh")

	clock.Advance(time.Second)
	_, ok = cache.Get(domaintest.CounterType, "c-1")
	assert.False(t, ok, "entry past the bound is stale")
	assert.Equal(t, 1, cache.Len(), "stale entries are not evicted proactively")
}

func TestCacheHandsOutCopies(t *testing.T) {
	cache, err := NewCache(domaintest.Registry(domain.CreateOnMissing))
	require.NoError(t, err)

	agg := domaintest.NewCounter("c-1")
	require.NoError(t, domain.ApplyEvents(agg, domaintest.IncrementEvents("c-1", 1, 1, epoch)))
	require.NoError(t, cache.Put(agg))

	first, ok := cache.Get(domaintest.CounterType, "c-1")
	require.True(t, ok)
	require.NoError(t, domain.ApplyEvents(first, domaintest.IncrementEvents("c-1", 2, 2, epoch)))

	second, ok := cache.Get(domaintest.CounterType, "c-1")
	require.True(t, ok)
	assert.Equal(t, uint64(1), second.Root().Version())
	assert.Equal(t, 1, counterOf(t, second).Count)
}

func TestRepositoryUsesCache(t *testing.T) {
	ctx := context.Background()
	events := memory.NewEventStore()
	require.NoError(t, events.Append(ctx, "c-1", 0, domaintest.IncrementEvents("c-1", 1, 2, epoch)))

	registry := domaintest.Registry(domain.CreateOnMissing)
	cache, err := NewCache(registry)
	require.NoError(t, err)
	repo := NewRepository(NewLoader(registry, events), cache, nil)

	first, err := repo.Get(ctx, domaintest.CounterType, "c-1")
	require.NoError(t, err)
	assert.False(t, first.FromCache)

	second, err := repo.Get(ctx, domaintest.CounterType, "c-1")
	require.NoError(t, err)
	assert.True(t, second.FromCache)
	assert.Equal(t, uint64(2), second.Aggregate.Root().Version())

	repo.Invalidate(domaintest.CounterType, "c-1")
	third, err := repo.Get(ctx, domaintest.CounterType, "c-1")
	require.NoError(t, err)
	assert.False(t, third.FromCache)

	missing, err := repo.Get(ctx, domaintest.CounterType, "nobody")
	require.NoError(t, err)
	assert.False(t, missing.Exists())
	assert.Equal(t, 1, cache.Len(), "empty aggregates are not cached")
}

func TestCacheKeepsNewerVersion(t *testing.T) {
	cache, err := NewCache(domaintest.Registry(domain.CreateOnMissing))
	require.NoError(t, err)

	newer := domaintest.NewCounter("c-1")
	require.NoError(t, domain.ApplyEvents(newer, domaintest.IncrementEvents("c-1", 1, 3, epoch)))
	older := domaintest.NewCounter("c-1")
	require.NoError(t, domain.ApplyEvents(older, domaintest.IncrementEvents("c-1", 1, 2, epoch)))

	require.NoError(t, cache.Put(newer))
	require.NoError(t, cache.Put(older))

	got, ok := cache.Get(domaintest.CounterType, "c-1")
	require.True(t, ok)
	assert.Equal(t, uint64(3), got.Root().Version())
	assert.Equal(t, 3, counterOf(t, got).Count)
}

func TestCacheReplacesStaleNewerVersion(t *testing.T) {
	clock := &fakeClock{now: epoch}
	cache, err := NewCache(domaintest.Registry(domain.CreateOnMissing),
		WithStaleness(time.Minute), WithClock(clock.Now))
	require.NoError(t, err)

	newer := domaintest.NewCounter("c-1")
	require.NoError(t, domain.ApplyEvents(newer, domaintest.IncrementEvents("c-1", 1, 3, epoch)))
	require.NoError(t, cache.Put(newer))

	clock.Advance(2 * time.Minute)
	older := domaintest.NewCounter("c-1")
	require.NoError(t, domain.ApplyEvents(older, domaintest.IncrementEvents("c-1", 1, 2, epoch)))
	require.NoError(t, cache.Put(older))

	got, ok := cache.Get(domaintest.CounterType, "c-1")
	require.True(t, ok)
	assert.Equal(t, uint64(2), got.Root().Version())
}

// sealedCounter is a counter whose state cannot be encoded.
type sealedCounter struct {
	*domaintest.Counter
}

func (sealedCounter) MarshalSnapshot() ([]byte, error) { return nil, errors.New("state is sealed") }
func (sealedCounter) UnmarshalSnapshot([]byte) error   { return nil }

func TestRepositoryLogsCacheWriteFailure(t *testing.T) {
	ctx := context.Background()
	events := memory.NewEventStore()
	require.NoError(t, events.Append(ctx, "c-1", 0, domaintest.IncrementEvents("c-1", 1, 2, epoch)))

	sealed := func(id string) domain.Aggregate {
		return sealedCounter{Counter: domaintest.NewCounter(id).(*domaintest.Counter)}
	}
	registry, err := domain.NewRegistry(domain.AggregateType{
		Name:      domaintest.CounterType,
		Factory:   sealed,
		OnMissing: domain.CreateOnMissing,
	})
	require.NoError(t, err)
	cache, err := NewCache(registry)
	require.NoError(t, err)

	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))
	repo := NewRepository(NewLoader(registry, events, WithLoaderLogger(logger)), cache, nil)

	loaded, err := repo.Get(ctx, domaintest.CounterType, "c-1")
	require.NoError(t, err, "a cache failure does not fail the load")
	assert.Equal(t, uint64(2), loaded.Aggregate.Root().Version())
	assert.Zero(t, cache.Len())
	assert.Contains(t, logs.String(), "aggregate cache write failed")
	assert.Contains(t, logs.String(), "state is sealed")
}
