// Package storetest holds conformance tests shared by every store
// implementation.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plaenen/eventengine/pkg/domain"
	"github.com/plaenen/eventengine/pkg/domain/domaintest"
	"github.com/plaenen/eventengine/pkg/store"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// RunEventStoreTests exercises the EventStore contract. newStore must return
// an empty store.
func RunEventStoreTests(t *testing.T, newStore func(t *testing.T) store.EventStore) {
	ctx := context.Background()

	t.Run("append and read back", func(t *testing.T) {
		s := newStore(t)
		events := domaintest.IncrementEvents("c-1", 1, 3, epoch)
		events[0].Metadata = domain.EventMetadata{CausationID: "cmd-1", Custom: map[string]string{"k": "v"}}

		require.NoError(t, s.Append(ctx, "c-1", 0, events))
		for _, evt := range events {
			assert.NotZero(t, evt.Position)
		}

		got, err := s.ReadStream(ctx, "c-1", 1, 0)
		require.NoError(t, err)
		require.Len(t, got, 3)
		for i, evt := range got {
			assert.Equal(t, events[i].ID, evt.ID)
			assert.Equal(t, events[i].Version, evt.Version)
			assert.Equal(t, events[i].EventType, evt.EventType)
			assert.Equal(t, events[i].Payload, evt.Payload)
			assert.Equal(t, events[i].ContentType, evt.ContentType)
			assert.True(t, events[i].Timestamp.Equal(evt.Timestamp))
		}
		assert.Equal(t, "cmd-1", got[0].Metadata.CausationID)
		assert.Equal(t, "v", got[0].Metadata.Custom["k"])

		version, err := s.Version(ctx, "c-1")
		require.NoError(t, err)
		assert.Equal(t, uint64(3), version)
	})

	t.Run("unknown stream is empty", func(t *testing.T) {
		s := newStore(t)
		got, err := s.ReadStream(ctx, "missing", 1, 0)
		require.NoError(t, err)
		assert.Empty(t, got)

		version, err := s.Version(ctx, "missing")
		require.NoError(t, err)
		assert.Zero(t, version)
	})

	t.Run("read stream range is half open", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Append(ctx, "c-1", 0, domaintest.IncrementEvents("c-1", 1, 10, epoch)))

		got, err := s.ReadStream(ctx, "c-1", 3, 7)
		require.NoError(t, err)
		assert.Equal(t, []uint64{3, 4, 5, 6}, versions(got))

		got, err = s.ReadStream(ctx, "c-1", 9, 100)
		require.NoError(t, err)
		assert.Equal(t, []uint64{9, 10}, versions(got))

		got, err = s.ReadStream(ctx, "c-1", 5, 5)
		require.NoError(t, err)
		assert.Empty(t, got)

		got, err = s.ReadAfterVersion(ctx, "c-1", 8)
		require.NoError(t, err)
		assert.Equal(t, []uint64{9, 10}, versions(got))
	})

	t.Run("rejects stale expected version", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Append(ctx, "c-1", 0, domaintest.IncrementEvents("c-1", 1, 2, epoch)))

		err := s.Append(ctx, "c-1", 1, domaintest.IncrementEvents("c-1", 2, 2, epoch))
		var lockErr *domain.OptimisticLockError
		require.ErrorAs(t, err, &lockErr)
		assert.Equal(t, uint64(1), lockErr.ExpectedVersion)
		assert.Equal(t, uint64(2), lockErr.ActualVersion)

		version, err := s.Version(ctx, "c-1")
		require.NoError(t, err)
		assert.Equal(t, uint64(2), version, "rejected batch must not be partially written")
	})

	t.Run("rejects malformed batches", func(t *testing.T) {
		s := newStore(t)
		err := s.Append(ctx, "c-1", 0, domaintest.IncrementEvents("c-1", 2, 3, epoch))
		require.ErrorIs(t, err, store.ErrInvalidBatch)
	})

	t.Run("concurrent appends at the same version admit one writer", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Append(ctx, "c-1", 0, domaintest.IncrementEvents("c-1", 1, 5, epoch)))

		const writers = 8
		var (
			wg        sync.WaitGroup
			successes atomic.Int32
			conflicts atomic.Int32
		)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				evts := domaintest.IncrementEvents("c-1", 6, 6, epoch)
				evts[0].ID = fmt.Sprintf("writer-%d", i)
				err := s.Append(ctx, "c-1", 5, evts)
				switch {
				case err == nil:
					successes.Add(1)
				case errors.Is(err, domain.ErrOptimisticLock):
					var lockErr *domain.OptimisticLockError
					if errors.As(err, &lockErr) && lockErr.ActualVersion == 6 {
						conflicts.Add(1)
					}
				}
			}(i)
		}
		wg.Wait()

		assert.Equal(t, int32(1), successes.Load())
		assert.Equal(t, int32(writers-1), conflicts.Load())

		version, err := s.Version(ctx, "c-1")
		require.NoError(t, err)
		assert.Equal(t, uint64(6), version)
	})

	t.Run("versions stay contiguous under contention", func(t *testing.T) {
		s := newStore(t)
		const (
			writers   = 4
			perWriter = 10
		)

		var wg sync.WaitGroup
		for w := 0; w < writers; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				for n := 0; n < perWriter; {
					current, err := s.Version(ctx, "c-1")
					if err != nil {
						return
					}
					evts := domaintest.IncrementEvents("c-1", current+1, current+1, epoch)
					evts[0].ID = fmt.Sprintf("w%d-%d", w, n)
					if err := s.Append(ctx, "c-1", current, evts); err == nil {
						n++
					}
				}
			}(w)
		}
		wg.Wait()

		got, err := s.ReadStream(ctx, "c-1", 1, 0)
		require.NoError(t, err)
		require.Len(t, got, writers*perWriter)
		for i, evt := range got {
			assert.Equal(t, uint64(i+1), evt.Version)
		}
	})

	t.Run("read all follows append order", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Append(ctx, "a", 0, domaintest.IncrementEvents("a", 1, 2, epoch)))
		require.NoError(t, s.Append(ctx, "b", 0, domaintest.IncrementEvents("b", 1, 1, epoch)))
		require.NoError(t, s.Append(ctx, "a", 2, domaintest.IncrementEvents("a", 3, 3, epoch)))

		all, err := s.ReadAll(ctx, 0, 0)
		require.NoError(t, err)
		require.Len(t, all, 4)
		assert.Equal(t, []string{"a", "a", "b", "a"}, []string{all[0].AggregateID, all[1].AggregateID, all[2].AggregateID, all[3].AggregateID})
		for i := 1; i < len(all); i++ {
			assert.Greater(t, all[i].Position, all[i-1].Position)
		}

		page, err := s.ReadAll(ctx, all[1].Position, 1)
		require.NoError(t, err)
		require.Len(t, page, 1)
		assert.Equal(t, all[2].ID, page[0].ID)
	})
}

// RunSnapshotStoreTests exercises the SnapshotStore contract.
func RunSnapshotStoreTests(t *testing.T, newStore func(t *testing.T) store.SnapshotStore) {
	ctx := context.Background()

	snap := func(id string, version uint64) *store.Snapshot {
		return &store.Snapshot{
			ID:            fmt.Sprintf("%s-snap-%d", id, version),
			AggregateID:   id,
			AggregateType: domaintest.CounterType,
			Version:       version,
			Data:          []byte(fmt.Sprintf(`{"count":%d}`, version)),
			LastModified:  epoch.Add(time.Duration(version) * time.Second),
			CreatedAt:     epoch,
		}
	}

	t.Run("missing snapshot", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Latest(ctx, "c-1")
		require.ErrorIs(t, err, store.ErrSnapshotNotFound)
	})

	t.Run("latest wins", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Save(ctx, snap("c-1", 100)))
		require.NoError(t, s.Save(ctx, snap("c-1", 300)))
		require.NoError(t, s.Save(ctx, snap("c-1", 200)))
		require.NoError(t, s.Save(ctx, snap("c-2", 400)))

		got, err := s.Latest(ctx, "c-1")
		require.NoError(t, err)
		assert.Equal(t, uint64(300), got.Version)
		assert.Equal(t, "c-1-snap-300", got.ID)
		assert.Equal(t, domaintest.CounterType, got.AggregateType)
		assert.JSONEq(t, `{"count":300}`, string(got.Data))
		assert.True(t, epoch.Add(300*time.Second).Equal(got.LastModified))
	})
}

// RunCheckpointStoreTests exercises the CheckpointStore contract.
func RunCheckpointStoreTests(t *testing.T, newStore func(t *testing.T) store.CheckpointStore) {
	ctx := context.Background()
	s := newStore(t)

	pos, err := s.Load(ctx, "summary")
	require.NoError(t, err)
	assert.Zero(t, pos)

	require.NoError(t, s.Save(ctx, "summary", 42))
	require.NoError(t, s.Save(ctx, "summary", 43))

	pos, err = s.Load(ctx, "summary")
	require.NoError(t, err)
	assert.Equal(t, uint64(43), pos)
}

func versions(events []*domain.Event) []uint64 {
	out := make([]uint64, len(events))
	for i, evt := range events {
		out[i] = evt.Version
	}
	return out
}
