package projection

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/plaenen/eventengine/pkg/domain"
	"github.com/plaenen/eventengine/pkg/messaging"
)

// DefaultConsumerCapacity bounds how many projection and aggregate pairs a
// Consumer tracks.
const DefaultConsumerCapacity = 100000

// Consumer feeds committed batches to a Manager. It remembers, per
// projection and aggregate, the last version the projection has dealt
// with. Batches that skip versions are completed from the event store and
// events already applied are dropped, so every projection sees each
// aggregate's events in order.
//
// When a projection fails an event its position stays before that event.
// The next batch of the aggregate then redelivers the failed event ahead
// of the new ones, and the projection never skips it.
type Consumer struct {
	manager *Manager

	mu        sync.Mutex
	delivered *lru.Cache[delivery, uint64]
	capacity  int

	onResult func(messaging.Batch, *UpdateResult)
}

type delivery struct {
	projection  string
	aggregateID string
}

// ConsumerOption configures a Consumer.
type ConsumerOption func(*Consumer)

// OnResult registers a callback invoked after each batch.
func OnResult(fn func(messaging.Batch, *UpdateResult)) ConsumerOption {
	return func(c *Consumer) { c.onResult = fn }
}

// WithConsumerCapacity bounds the tracked positions. A projection whose
// position was evicted takes the next batch of that aggregate as is.
func WithConsumerCapacity(n int) ConsumerOption {
	return func(c *Consumer) { c.capacity = n }
}

// NewConsumer wraps m for use with a messaging.Dispatcher.
func NewConsumer(m *Manager, opts ...ConsumerOption) (*Consumer, error) {
	c := &Consumer{manager: m, capacity: DefaultConsumerCapacity}
	for _, opt := range opts {
		opt(c)
	}
	delivered, err := lru.New[delivery, uint64](c.capacity)
	if err != nil {
		return nil, fmt.Errorf("create projection consumer: %w", err)
	}
	c.delivered = delivered
	return c, nil
}

func (c *Consumer) Name() string { return "projections" }

// Consume applies a batch. Projection failures are logged and reported
// through OnResult; they are not returned since the commit already happened.
func (c *Consumer) Consume(ctx context.Context, batch messaging.Batch) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	jobs, err := c.plan(ctx, batch)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		return nil
	}

	work := make([]job, len(jobs))
	for i, pj := range jobs {
		work[i] = pj.job
	}
	res := c.manager.run(ctx, work)
	for i, r := range res.Results {
		c.advance(batch.AggregateID, jobs[i], r)
	}

	if c.onResult != nil {
		c.onResult(batch, res)
	}
	if !res.OK() {
		c.manager.logger.WarnContext(ctx, "projections lag behind committed events",
			slog.String("aggregate_id", batch.AggregateID),
			slog.Uint64("version", domain.LastVersion(batch.Events)),
			slog.Int("failed", len(res.Failed())))
	}
	return nil
}

// plannedJob is a projection's share of a batch. through is the last
// version of the aggregate the job covers, handled or not.
type plannedJob struct {
	job
	through uint64
}

// plan works out which events each projection still needs. Positions of
// projections with nothing to apply are advanced right away.
func (c *Consumer) plan(ctx context.Context, batch messaging.Batch) ([]plannedJob, error) {
	filled := make(map[uint64][]*domain.Event)

	var jobs []plannedJob
	for _, p := range c.manager.Projections() {
		key := delivery{projection: p.Name(), aggregateID: batch.AggregateID}
		events := batch.Events

		if last, known := c.delivered.Get(key); known {
			events = after(events, last)
			if len(events) == 0 {
				continue
			}
			if first := events[0].Version; first > last+1 {
				missing, ok := filled[last]
				if !ok {
					var err error
					if missing, err = c.fill(ctx, batch.AggregateID, last+1, first); err != nil {
						return nil, err
					}
					filled[last] = missing
				}
				events = append(append([]*domain.Event(nil), missing...), events...)
			}
		}

		through := domain.LastVersion(events)
		interested := handled(p, events)
		if len(interested) == 0 {
			c.delivered.Add(key, through)
			continue
		}
		jobs = append(jobs, plannedJob{job: job{projection: p, events: interested}, through: through})
	}
	return jobs, nil
}

// advance moves a projection's position past what it applied. After a
// failure the position stays just before the failed event.
func (c *Consumer) advance(aggregateID string, pj plannedJob, r Result) {
	key := delivery{projection: pj.projection.Name(), aggregateID: aggregateID}
	if r.Err == nil {
		c.delivered.Add(key, pj.through)
		return
	}
	c.delivered.Add(key, pj.events[r.Applied].Version-1)
}

func after(events []*domain.Event, version uint64) []*domain.Event {
	out := events[:0:0]
	for _, evt := range events {
		if evt.Version > version {
			out = append(out, evt)
		}
	}
	return out
}

// fill reads versions [from, to) of an aggregate from the event store.
func (c *Consumer) fill(ctx context.Context, aggregateID string, from, to uint64) ([]*domain.Event, error) {
	es := c.manager.events
	if es == nil {
		c.manager.logger.WarnContext(ctx, "version gap in committed batches and no event store to fill it",
			slog.String("aggregate_id", aggregateID),
			slog.Uint64("from", from),
			slog.Uint64("to", to))
		return nil, nil
	}
	missing, err := es.ReadStream(ctx, aggregateID, from, to)
	if err != nil {
		return nil, fmt.Errorf("fill gap %d..%d of %s: %w", from, to, aggregateID, err)
	}
	return missing, nil
}
