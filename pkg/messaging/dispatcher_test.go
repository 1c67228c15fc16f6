package messaging

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plaenen/eventengine/pkg/domain"
)

type recorder struct {
	mu      sync.Mutex
	batches []Batch
}

func (r *recorder) consume(_ context.Context, b Batch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, b)
	return nil
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.batches)
}

func batch(id string, version uint64) Batch {
	return Batch{AggregateID: id, Events: []*domain.Event{{ID: id, AggregateID: id, Version: version}}}
}

func quietLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

func TestDispatcherDeliversInOrderToEveryConsumer(t *testing.T) {
	ctx := context.Background()
	a, b := &recorder{}, &recorder{}
	d := NewDispatcher([]Consumer{
		ConsumerFunc("a", a.consume),
		ConsumerFunc("b", b.consume),
	}, WithLogger(quietLogger()))
	require.NoError(t, d.Start(ctx))

	for v := uint64(1); v <= 20; v++ {
		require.NoError(t, d.Publish(ctx, batch("agg", v)))
	}
	require.NoError(t, d.Stop(ctx))

	for _, r := range []*recorder{a, b} {
		require.Len(t, r.batches, 20)
		for i, got := range r.batches {
			assert.Equal(t, uint64(i+1), got.Events[0].Version)
		}
	}
}

func TestDispatcherIsolatesFailingConsumer(t *testing.T) {
	ctx := context.Background()
	healthy := &recorder{}
	d := NewDispatcher([]Consumer{
		ConsumerFunc("failing", func(context.Context, Batch) error { return errors.New("read model down") }),
		ConsumerFunc("healthy", healthy.consume),
	}, WithLogger(quietLogger()))
	require.NoError(t, d.Start(ctx))

	require.NoError(t, d.Publish(ctx, batch("agg", 1)))
	require.NoError(t, d.Stop(ctx))
	assert.Equal(t, 1, healthy.len())
}

func TestDispatcherReportsFullQueues(t *testing.T) {
	block := make(chan struct{})
	d := NewDispatcher([]Consumer{
		ConsumerFunc("slow", func(context.Context, Batch) error { <-block; return nil }),
	}, WithBuffer(1), WithLogger(quietLogger()))
	require.NoError(t, d.Start(context.Background()))

	// One batch is held by the worker and one fills the buffer.
	require.NoError(t, d.Publish(context.Background(), batch("agg", 1)))
	require.NoError(t, d.Publish(context.Background(), batch("agg", 2)))
	require.Eventually(t, func() bool { return len(d.queues[0].ch) == 1 }, time.Second, time.Millisecond)

	began := time.Now()
	err := d.Publish(context.Background(), batch("agg", 3))
	assert.Less(t, time.Since(began), 50*time.Millisecond, "publish does not wait for queue space")

	var propErr *PropagationError
	require.ErrorAs(t, err, &propErr)
	assert.Equal(t, []string{"slow"}, propErr.Consumers)
	assert.ErrorIs(t, err, ErrQueueFull)

	close(block)
	require.NoError(t, d.Stop(context.Background()))
}

func TestDispatcherRejectsPublishAfterStop(t *testing.T) {
	d := NewDispatcher(nil, WithLogger(quietLogger()))
	require.NoError(t, d.Start(context.Background()))
	require.NoError(t, d.Stop(context.Background()))

	err := d.Publish(context.Background(), batch("agg", 1))
	require.ErrorIs(t, err, ErrDispatcherClosed)
	assert.Equal(t, "dispatcher", d.Name())
}
