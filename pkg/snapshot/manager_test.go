package snapshot

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plaenen/eventengine/pkg/aggregate"
	"github.com/plaenen/eventengine/pkg/domain"
	"github.com/plaenen/eventengine/pkg/domain/domaintest"
	"github.com/plaenen/eventengine/pkg/store"
	"github.com/plaenen/eventengine/pkg/store/memory"
)

var epoch = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func TestFrequencyStrategy(t *testing.T) {
	s := FrequencyStrategy{Frequency: 100}
	tests := []struct {
		previous, current uint64
		want              bool
	}{
		{99, 100, true},
		{100, 101, false},
		{57, 58, false},
		{98, 102, true},
		{150, 250, true},
		{199, 200, true},
		{0, 0, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, s.ShouldSnapshot(tt.previous, tt.current), "%d -> %d", tt.previous, tt.current)
	}
	assert.False(t, FrequencyStrategy{}.ShouldSnapshot(0, 100))
}

func newManager(t *testing.T, snapshots store.SnapshotStore) (*Manager, *memory.EventStore) {
	t.Helper()
	events := memory.NewEventStore()
	loader := aggregate.NewLoader(domaintest.Registry(domain.CreateOnMissing), events)
	return NewManager(snapshots, loader, WithLogger(slog.New(slog.DiscardHandler))), events
}

func TestCreateSnapshot(t *testing.T) {
	ctx := context.Background()
	snapshots := memory.NewSnapshotStore()
	m, events := newManager(t, snapshots)

	res := m.CreateSnapshot(ctx, domaintest.CounterType, "c-1")
	assert.Equal(t, OutcomeSkipped, res.Outcome)

	require.NoError(t, events.Append(ctx, "c-1", 0, domaintest.IncrementEvents("c-1", 1, 42, epoch)))

	res = m.CreateSnapshot(ctx, domaintest.CounterType, "c-1")
	require.Equal(t, OutcomeSuccess, res.Outcome, res.String())
	assert.Equal(t, uint64(42), res.Version)
	assert.NotEmpty(t, res.SnapshotID)

	snap, err := snapshots.Latest(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, res.SnapshotID, snap.ID)
	assert.JSONEq(t, `{"created":false,"count":42}`, string(snap.Data))

	res = m.CreateSnapshot(ctx, domaintest.CounterType, "c-1")
	assert.Equal(t, OutcomeSkipped, res.Outcome)
	assert.Contains(t, res.Reason, "already snapshotted")

	res = m.CreateSnapshot(ctx, "invoice", "i-1")
	assert.Equal(t, OutcomeFailed, res.Outcome)
}

type failingStore struct{ memory.SnapshotStore }

func (*failingStore) Save(context.Context, *store.Snapshot) error { return errors.New("disk full") }

func TestCaptureFailureIsReported(t *testing.T) {
	m, _ := newManager(t, &failingStore{})

	agg := domaintest.NewCounter("c-1")
	require.NoError(t, domain.ApplyEvents(agg, domaintest.IncrementEvents("c-1", 1, 100, epoch)))

	res := m.MaybeSnapshot(context.Background(), agg, 99)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Contains(t, res.Reason, "disk full")
}

func TestMaybeSnapshot(t *testing.T) {
	ctx := context.Background()
	snapshots := memory.NewSnapshotStore()
	m, _ := newManager(t, snapshots)

	agg := domaintest.NewCounter("c-1")
	all := domaintest.IncrementEvents("c-1", 1, 150, epoch)
	var results []Result
	for _, evt := range all {
		previous := agg.Root().Version()
		require.NoError(t, domain.ApplyEvent(agg, evt))
		results = append(results, m.MaybeSnapshot(ctx, agg, previous))
	}

	var created []uint64
	for _, r := range results {
		if r.Outcome == OutcomeSuccess {
			created = append(created, r.Version)
		}
	}
	assert.Equal(t, []uint64{100}, created)
	assert.Equal(t, 1, snapshots.Count("c-1"))
}
