package projection

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"

	"github.com/plaenen/eventengine/pkg/domain"
	"github.com/plaenen/eventengine/pkg/observability"
	"github.com/plaenen/eventengine/pkg/store"
)

const (
	// DefaultParallelism bounds how many projections update at once.
	DefaultParallelism = 4

	DefaultMaxRetries = 3
	DefaultRetryDelay = 100 * time.Millisecond

	// DefaultCatchUpBatch is the page size of catch-up reads.
	DefaultCatchUpBatch = 500
)

// Manager routes events to projections.
type Manager struct {
	mu          sync.RWMutex
	projections []Projection

	events      store.EventStore
	checkpoints store.CheckpointStore

	parallelism  int
	maxRetries   uint
	retryDelay   time.Duration
	catchUpBatch int

	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  trace.Tracer
}

// Option configures a Manager.
type Option func(*Manager)

// WithEventStore lets the manager read missed events from the log.
func WithEventStore(es store.EventStore) Option {
	return func(m *Manager) { m.events = es }
}

// WithCheckpoints enables CatchUp and Rebuild.
func WithCheckpoints(cs store.CheckpointStore) Option {
	return func(m *Manager) { m.checkpoints = cs }
}

func WithParallelism(n int) Option {
	return func(m *Manager) { m.parallelism = n }
}

// WithRetry sets how often and how soon a failed update is retried.
func WithRetry(maxRetries uint, initialDelay time.Duration) Option {
	return func(m *Manager) {
		m.maxRetries = maxRetries
		m.retryDelay = initialDelay
	}
}

func WithCatchUpBatch(n int) Option {
	return func(m *Manager) { m.catchUpBatch = n }
}

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

func WithMetrics(metrics *observability.Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

func WithTracer(t trace.Tracer) Option {
	return func(m *Manager) { m.tracer = t }
}

// NewManager creates a manager without projections.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		parallelism:  DefaultParallelism,
		maxRetries:   DefaultMaxRetries,
		retryDelay:   DefaultRetryDelay,
		catchUpBatch: DefaultCatchUpBatch,
		logger:       slog.Default(),
		tracer:       tracenoop.NewTracerProvider().Tracer(""),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.parallelism < 1 {
		m.parallelism = 1
	}
	return m
}

// Register adds a projection. Names must be unique.
func (m *Manager) Register(p Projection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.projections {
		if existing.Name() == p.Name() {
			return fmt.Errorf("projection %s already registered", p.Name())
		}
	}
	m.projections = append(m.projections, p)
	return nil
}

// Projections returns the registered projections.
func (m *Manager) Projections() []Projection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Projection(nil), m.projections...)
}

func (m *Manager) lookup(name string) (Projection, bool) {
	for _, p := range m.Projections() {
		if p.Name() == name {
			return p, true
		}
	}
	return nil, false
}

// UpdateProjections applies events to every interested projection. Up to
// the configured parallelism projections run at once; each applies its
// events in order and stops at the first event it cannot apply. One
// projection failing never affects the others.
func (m *Manager) UpdateProjections(ctx context.Context, events []*domain.Event) *UpdateResult {
	var jobs []job
	for _, p := range m.Projections() {
		if interested := handled(p, events); len(interested) > 0 {
			jobs = append(jobs, job{projection: p, events: interested})
		}
	}
	return m.run(ctx, jobs)
}

type job struct {
	projection Projection
	events     []*domain.Event
}

// run applies the jobs with bounded parallelism. Results are in job order.
func (m *Manager) run(ctx context.Context, jobs []job) *UpdateResult {
	results := make([]Result, len(jobs))
	var g errgroup.Group
	g.SetLimit(m.parallelism)
	for i, j := range jobs {
		g.Go(func() error {
			results[i] = m.apply(ctx, j.projection, j.events)
			return nil
		})
	}
	_ = g.Wait()

	return &UpdateResult{Results: results}
}

func handled(p Projection, events []*domain.Event) []*domain.Event {
	var out []*domain.Event
	for _, evt := range events {
		if p.Handles(evt) {
			out = append(out, evt)
		}
	}
	return out
}

func (m *Manager) apply(ctx context.Context, p Projection, events []*domain.Event) Result {
	ctx, span := observability.StartSpan(ctx, m.tracer, "projection.apply",
		observability.AttrProjection.String(p.Name()),
		observability.AttrEventCount.Int(len(events)))

	start := time.Now()
	res := Result{Projection: p.Name()}
	for i, evt := range events {
		attempts, err := m.applyOne(ctx, p, evt)
		res.Attempts += attempts
		if err != nil {
			res.Pending = len(events) - i
			res.Err = &domain.ProjectionFailure{
				Projection:  p.Name(),
				EventID:     evt.ID,
				AggregateID: evt.AggregateID,
				Version:     evt.Version,
				Cause:       err,
			}
			m.logger.ErrorContext(ctx, "projection update failed",
				slog.String("projection", p.Name()),
				slog.String("aggregate_id", evt.AggregateID),
				slog.Uint64("version", evt.Version),
				slog.Int("attempts", attempts),
				slog.String("error", err.Error()))
			break
		}
		res.Applied++
	}
	res.Duration = time.Since(start)

	m.metrics.RecordProjection(ctx, p.Name(), res.Duration, res.Err)
	observability.EndSpan(span, res.Err)
	return res
}

// applyOne applies evt with retries and returns the number of attempts.
func (m *Manager) applyOne(ctx context.Context, p Projection, evt *domain.Event) (int, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.retryDelay

	attempts := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		return struct{}{}, p.Apply(ctx, evt)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(m.maxRetries+1),
	)
	return attempts, err
}

// HandleEvent applies one event and returns the joined failures. Its
// signature fits broker subscriptions that redeliver on error.
func (m *Manager) HandleEvent(ctx context.Context, evt *domain.Event) error {
	return m.UpdateProjections(ctx, []*domain.Event{evt}).Err()
}

// CatchUp applies every event after each projection's checkpoint and
// advances the checkpoints.
func (m *Manager) CatchUp(ctx context.Context) error {
	for _, p := range m.Projections() {
		if err := m.catchUp(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

// Rebuild resets a projection and replays the whole log into it.
func (m *Manager) Rebuild(ctx context.Context, name string) error {
	p, ok := m.lookup(name)
	if !ok {
		return fmt.Errorf("projection %s is not registered", name)
	}
	if m.checkpoints == nil || m.events == nil {
		return fmt.Errorf("rebuild needs an event store and a checkpoint store")
	}
	if r, ok := p.(Resetter); ok {
		if err := r.Reset(ctx); err != nil {
			return fmt.Errorf("reset projection %s: %w", name, err)
		}
	}
	if err := m.checkpoints.Save(ctx, name, 0); err != nil {
		return fmt.Errorf("reset checkpoint of %s: %w", name, err)
	}
	m.logger.InfoContext(ctx, "rebuilding projection", slog.String("projection", name))
	return m.catchUp(ctx, p)
}

func (m *Manager) catchUp(ctx context.Context, p Projection) error {
	if m.checkpoints == nil || m.events == nil {
		return fmt.Errorf("catch-up needs an event store and a checkpoint store")
	}

	position, err := m.checkpoints.Load(ctx, p.Name())
	if err != nil {
		return fmt.Errorf("load checkpoint of %s: %w", p.Name(), err)
	}

	applied := 0
	for {
		page, err := m.events.ReadAll(ctx, position, m.catchUpBatch)
		if err != nil {
			return fmt.Errorf("read log after %d: %w", position, err)
		}
		if len(page) == 0 {
			break
		}

		if interested := handled(p, page); len(interested) > 0 {
			res := m.apply(ctx, p, interested)
			applied += res.Applied
			if res.Err != nil {
				// Keep the checkpoint before the failed event.
				if res.Applied > 0 {
					position = interested[res.Applied-1].Position
					_ = m.checkpoints.Save(ctx, p.Name(), position)
				}
				return res.Err
			}
		}

		position = page[len(page)-1].Position
		if err := m.checkpoints.Save(ctx, p.Name(), position); err != nil {
			return fmt.Errorf("save checkpoint of %s: %w", p.Name(), err)
		}
	}

	m.logger.DebugContext(ctx, "projection caught up",
		slog.String("projection", p.Name()),
		slog.Uint64("position", position),
		slog.Int("applied", applied))
	return nil
}
