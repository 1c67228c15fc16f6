// Package messaging propagates committed event batches to downstream
// consumers. Each consumer has its own queue and goroutine, so a slow or
// failing consumer never blocks the others or the command that committed.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/plaenen/eventengine/pkg/domain"
	"github.com/plaenen/eventengine/pkg/observability"
)

// DefaultBuffer is the per-consumer queue capacity.
const DefaultBuffer = 1024

// ErrDispatcherClosed is returned by Publish after Stop.
var ErrDispatcherClosed = errors.New("dispatcher closed")

// Batch is the set of events committed by one append.
type Batch struct {
	AggregateID   string
	AggregateType string
	Events        []*domain.Event
	CommittedAt   time.Time
}

// Consumer handles committed batches. Batches reach a consumer one at a time
// in the order they were published.
type Consumer interface {
	Name() string
	Consume(ctx context.Context, batch Batch) error
}

type consumerFunc struct {
	name string
	fn   func(ctx context.Context, batch Batch) error
}

func (c consumerFunc) Name() string { return c.name }

func (c consumerFunc) Consume(ctx context.Context, batch Batch) error { return c.fn(ctx, batch) }

// ConsumerFunc adapts a function to a Consumer.
func ConsumerFunc(name string, fn func(ctx context.Context, batch Batch) error) Consumer {
	return consumerFunc{name: name, fn: fn}
}

// ErrQueueFull is the cause of a *PropagationError for consumers that were
// behind when the batch was published.
var ErrQueueFull = errors.New("consumer queue full")

// PropagationError lists consumers whose queue did not accept a batch.
type PropagationError struct {
	Consumers []string
	Cause     error
}

func (e *PropagationError) Error() string {
	return fmt.Sprintf("batch not delivered to %s: %v", strings.Join(e.Consumers, ", "), e.Cause)
}

func (e *PropagationError) Unwrap() error { return e.Cause }

type queue struct {
	consumer Consumer
	ch       chan Batch
}

// Dispatcher fans committed batches out to its consumers.
type Dispatcher struct {
	queues  []*queue
	logger  *slog.Logger
	metrics *observability.Metrics

	mu      sync.RWMutex
	started bool
	closed  bool
	wg      sync.WaitGroup
	cancel  context.CancelFunc
}

// Option configures a Dispatcher.
type Option func(*dispatcherConfig)

type dispatcherConfig struct {
	buffer  int
	logger  *slog.Logger
	metrics *observability.Metrics
}

// WithBuffer sets the per-consumer queue capacity.
func WithBuffer(n int) Option {
	return func(c *dispatcherConfig) { c.buffer = n }
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *dispatcherConfig) { c.logger = logger }
}

// WithMetrics counts dropped batches.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(c *dispatcherConfig) { c.metrics = metrics }
}

// NewDispatcher creates a dispatcher for consumers. Call Start before
// publishing; batches published earlier wait in the queues.
func NewDispatcher(consumers []Consumer, opts ...Option) *Dispatcher {
	cfg := dispatcherConfig{buffer: DefaultBuffer, logger: slog.Default()}
	for _, opt := range opts {
		opt(&cfg)
	}
	d := &Dispatcher{logger: cfg.logger, metrics: cfg.metrics}
	for _, c := range consumers {
		d.queues = append(d.queues, &queue{consumer: c, ch: make(chan Batch, cfg.buffer)})
	}
	return d
}

func (d *Dispatcher) Name() string { return "dispatcher" }

// Start launches one worker per consumer. Workers stop when Stop is called.
// ctx only carries values to consumers; its cancellation does not stop them.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrDispatcherClosed
	}
	if d.started {
		return nil
	}
	d.started = true

	workerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	d.cancel = cancel
	for _, q := range d.queues {
		d.wg.Add(1)
		go d.run(workerCtx, q)
	}
	return nil
}

func (d *Dispatcher) run(ctx context.Context, q *queue) {
	defer d.wg.Done()
	for batch := range q.ch {
		if err := q.consumer.Consume(ctx, batch); err != nil {
			d.logger.ErrorContext(ctx, "consumer failed",
				slog.String("consumer", q.consumer.Name()),
				slog.String("aggregate_id", batch.AggregateID),
				slog.Uint64("version", domain.LastVersion(batch.Events)),
				slog.String("error", err.Error()))
		}
	}
}

// Publish enqueues batch for every consumer without waiting. Consumers
// whose queue is full miss the batch and are reported in a
// *PropagationError; they recover it from the event store.
func (d *Dispatcher) Publish(ctx context.Context, batch Batch) error {
	if len(batch.Events) == 0 {
		return nil
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrDispatcherClosed
	}

	var failed []string
	for _, q := range d.queues {
		select {
		case q.ch <- batch:
		default:
			failed = append(failed, q.consumer.Name())
			d.metrics.RecordDrop(ctx, q.consumer.Name())
			d.logger.WarnContext(ctx, "consumer queue full, batch dropped",
				slog.String("consumer", q.consumer.Name()),
				slog.String("aggregate_id", batch.AggregateID),
				slog.Uint64("version", domain.LastVersion(batch.Events)))
		}
	}
	if len(failed) > 0 {
		return &PropagationError{Consumers: failed, Cause: ErrQueueFull}
	}
	return nil
}

// Stop closes the queues and waits for the workers to drain them. If ctx
// ends first the workers' context is cancelled.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	for _, q := range d.queues {
		close(q.ch)
	}
	started := d.started
	d.mu.Unlock()

	if !started {
		return nil
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		return fmt.Errorf("dispatcher drain: %w", ctx.Err())
	}
}
