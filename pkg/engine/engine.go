// Package engine wires the stores, pipelines and managers into one service.
//
// Commands go through the command pipeline; committed batches are handed to
// a dispatcher that feeds the projection manager, the saga manager and, when
// configured, the NATS event bus, each through its own queue.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/plaenen/eventengine/pkg/aggregate"
	"github.com/plaenen/eventengine/pkg/command"
	"github.com/plaenen/eventengine/pkg/config"
	"github.com/plaenen/eventengine/pkg/conflict"
	"github.com/plaenen/eventengine/pkg/domain"
	"github.com/plaenen/eventengine/pkg/messaging"
	natsbus "github.com/plaenen/eventengine/pkg/messaging/nats"
	"github.com/plaenen/eventengine/pkg/middleware"
	"github.com/plaenen/eventengine/pkg/observability"
	"github.com/plaenen/eventengine/pkg/projection"
	"github.com/plaenen/eventengine/pkg/query"
	"github.com/plaenen/eventengine/pkg/replay"
	"github.com/plaenen/eventengine/pkg/runner"
	"github.com/plaenen/eventengine/pkg/saga"
	"github.com/plaenen/eventengine/pkg/snapshot"
	"github.com/plaenen/eventengine/pkg/store"
	"github.com/plaenen/eventengine/pkg/store/memory"
)

// Engine is an event-sourced command and query engine.
type Engine struct {
	Config   config.Config
	Registry *domain.Registry

	Events      store.EventStore
	Snapshots   store.SnapshotStore
	Checkpoints store.CheckpointStore
	SagaStates  saga.StateStore

	Cache      *aggregate.Cache
	Repository *aggregate.Repository
	Snapshot   *snapshot.Manager
	Resolver   *conflict.Resolver

	Commands    *command.Pipeline
	Router      *query.Router
	Queries     *query.Pipeline
	Projections *projection.Manager
	Sagas       *saga.Manager
	Replayer    *replay.Replayer

	Dispatcher *messaging.Dispatcher
	Bus        *natsbus.EventBus

	Telemetry *observability.Telemetry

	logger  *slog.Logger
	closers []func() error
}

var _ runner.Service = (*Engine)(nil)

type options struct {
	config      config.Config
	events      store.EventStore
	snapshots   store.SnapshotStore
	checkpoints store.CheckpointStore
	sagaStates  saga.StateStore
	queryCache  query.ResultCache
	bus         *natsbus.EventBus
	telemetry   *observability.Telemetry
	logger      *slog.Logger
	middleware  []command.Middleware
	consumers   []messaging.Consumer
	closers     []func() error
}

// Option configures New.
type Option func(*options)

// WithConfig replaces the default configuration.
func WithConfig(cfg config.Config) Option {
	return func(o *options) { o.config = cfg }
}

func WithEventStore(s store.EventStore) Option {
	return func(o *options) { o.events = s }
}

func WithSnapshotStore(s store.SnapshotStore) Option {
	return func(o *options) { o.snapshots = s }
}

func WithCheckpointStore(s store.CheckpointStore) Option {
	return func(o *options) { o.checkpoints = s }
}

func WithSagaStore(s saga.StateStore) Option {
	return func(o *options) { o.sagaStates = s }
}

// WithQueryCache replaces the in-memory query result cache.
func WithQueryCache(c query.ResultCache) Option {
	return func(o *options) { o.queryCache = c }
}

// WithEventBus forwards every committed batch to bus.
func WithEventBus(bus *natsbus.EventBus) Option {
	return func(o *options) { o.bus = bus }
}

func WithTelemetry(t *observability.Telemetry) Option {
	return func(o *options) { o.telemetry = t }
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithCommandMiddleware adds middleware inside the default logging,
// recovery, tracing and metrics chain.
func WithCommandMiddleware(mw ...command.Middleware) Option {
	return func(o *options) { o.middleware = append(o.middleware, mw...) }
}

// WithConsumer adds a consumer of committed batches.
func WithConsumer(c messaging.Consumer) Option {
	return func(o *options) { o.consumers = append(o.consumers, c) }
}

// WithCloser registers a function called when the engine stops, after the
// dispatcher drained.
func WithCloser(fn func() error) Option {
	return func(o *options) { o.closers = append(o.closers, fn) }
}

// New builds an engine for the aggregate types in registry. Stores default
// to in-memory implementations.
func New(registry *domain.Registry, opts ...Option) (*Engine, error) {
	o := options{config: config.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	if err := o.config.Validate(); err != nil {
		return nil, err
	}
	if o.telemetry == nil {
		o.telemetry = observability.Noop()
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.events == nil {
		o.events = memory.NewEventStore()
	}
	if o.snapshots == nil {
		o.snapshots = memory.NewSnapshotStore()
	}
	if o.checkpoints == nil {
		o.checkpoints = memory.NewCheckpointStore()
	}
	if o.sagaStates == nil {
		o.sagaStates = saga.NewMemoryStore()
	}

	cfg := o.config
	metrics := o.telemetry.Metrics
	tracer := o.telemetry.Tracer()
	logger := o.logger

	cache, err := aggregate.NewCache(registry,
		aggregate.WithCapacity(cfg.CacheSize),
		aggregate.WithStaleness(cfg.CacheStaleness))
	if err != nil {
		return nil, err
	}
	loader := aggregate.NewLoader(registry, o.events,
		aggregate.WithSnapshots(o.snapshots),
		aggregate.WithLoaderMetrics(metrics),
		aggregate.WithLoaderLogger(logger))
	repo := aggregate.NewRepository(loader, cache, metrics)

	snapshots := snapshot.NewManager(o.snapshots, loader,
		snapshot.WithFrequency(cfg.SnapshotFrequency),
		snapshot.WithLogger(logger),
		snapshot.WithMetrics(metrics))

	resolver := conflict.NewResolver(o.events, conflict.WithLogger(logger))

	projections := projection.NewManager(
		projection.WithEventStore(o.events),
		projection.WithCheckpoints(o.checkpoints),
		projection.WithParallelism(cfg.ProjectionParallelism),
		projection.WithRetry(cfg.ProjectionMaxRetries, cfg.ProjectionRetryDelay),
		projection.WithLogger(logger),
		projection.WithMetrics(metrics),
		projection.WithTracer(tracer))

	sagas := saga.NewManager(o.sagaStates,
		saga.WithEventLog(o.events, o.checkpoints),
		saga.WithDefaultTimeout(cfg.SagaTimeout),
		saga.WithLogger(logger),
		saga.WithMetrics(metrics),
		saga.WithTracer(tracer))

	feed, err := projection.NewConsumer(projections)
	if err != nil {
		return nil, err
	}
	consumers := []messaging.Consumer{feed, sagas}
	if o.bus != nil {
		consumers = append(consumers, o.bus)
	}
	consumers = append(consumers, o.consumers...)
	dispatcher := messaging.NewDispatcher(consumers,
		messaging.WithBuffer(cfg.DispatchBuffer),
		messaging.WithLogger(logger),
		messaging.WithMetrics(metrics))

	chain := append([]command.Middleware{
		middleware.Recovery(logger),
		middleware.OpenTelemetryWithTracer(tracer),
		middleware.Logging(logger),
		middleware.Metrics(metrics),
	}, o.middleware...)

	commands := command.NewPipeline(repo,
		command.WithSnapshots(snapshots),
		command.WithPublisher(dispatcher),
		command.WithResolver(resolver),
		command.WithTimeout(cfg.CommandTimeout),
		command.WithLogger(logger),
		command.WithMetrics(metrics),
		command.WithTracer(tracer),
		command.WithMiddleware(chain...))

	queryCache := o.queryCache
	if queryCache == nil {
		if queryCache, err = query.NewMemoryCache(cfg.QueryCacheSize); err != nil {
			return nil, err
		}
	}
	router := query.NewRouter()
	queries := query.NewPipeline(router,
		query.WithCache(queryCache),
		query.WithDefaultTTL(cfg.QueryCacheTTL),
		query.WithTimeout(cfg.QueryTimeout),
		query.WithLogger(logger),
		query.WithMetrics(metrics),
		query.WithTracer(tracer))

	replayer := replay.NewReplayer(registry, o.events,
		replay.WithSnapshots(o.snapshots),
		replay.WithTimeout(cfg.ReplayTimeout),
		replay.WithLogger(logger),
		replay.WithTracer(tracer))

	return &Engine{
		Config:      cfg,
		Registry:    registry,
		Events:      o.events,
		Snapshots:   o.snapshots,
		Checkpoints: o.checkpoints,
		SagaStates:  o.sagaStates,
		Cache:       cache,
		Repository:  repo,
		Snapshot:    snapshots,
		Resolver:    resolver,
		Commands:    commands,
		Router:      router,
		Queries:     queries,
		Projections: projections,
		Sagas:       sagas,
		Replayer:    replayer,
		Dispatcher:  dispatcher,
		Bus:         o.bus,
		Telemetry:   o.telemetry,
		logger:      logger,
		closers:     o.closers,
	}, nil
}

func (e *Engine) Name() string { return "engine" }

// Start catches projections up with the log, resumes unfinished sagas,
// starts the sagas whose triggers the dispatcher never delivered and then
// starts the dispatcher. Register projections, sagas and read models
// before calling Start.
func (e *Engine) Start(ctx context.Context) error {
	started := time.Now()
	if err := e.Projections.CatchUp(ctx); err != nil {
		e.logger.WarnContext(ctx, "projection catch-up incomplete", slog.String("error", err.Error()))
	}
	resumed, err := e.Sagas.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover sagas: %w", err)
	}
	missed, err := e.Sagas.CatchUp(ctx)
	if err != nil {
		return fmt.Errorf("catch up sagas: %w", err)
	}
	if err := e.Dispatcher.Start(ctx); err != nil {
		return fmt.Errorf("start dispatcher: %w", err)
	}
	e.logger.InfoContext(ctx, "engine started",
		slog.Int("projections", len(e.Projections.Projections())),
		slog.Int("sagas_resumed", resumed),
		slog.Int("sagas_caught_up", missed),
		slog.Int64("duration_ms", time.Since(started).Milliseconds()))
	return nil
}

// Stop drains the dispatcher, waits for running sagas and releases the
// stores the engine was given closers for.
func (e *Engine) Stop(ctx context.Context) error {
	var errs []error
	if err := e.Dispatcher.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop dispatcher: %w", err))
	}
	if err := e.Sagas.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// HealthCheck reports whether the event store answers.
func (e *Engine) HealthCheck(ctx context.Context) error {
	if _, err := e.Events.ReadAll(ctx, 0, 1); err != nil {
		return fmt.Errorf("event store: %w", err)
	}
	return nil
}

// RegisterProjection adds a read-model projection.
func (e *Engine) RegisterProjection(p projection.Projection) error {
	return e.Projections.Register(p)
}

// RegisterSaga adds a saga definition.
func (e *Engine) RegisterSaga(def saga.Definition) error {
	return e.Sagas.Register(def)
}

// RegisterReadModel adds a read model and routes queryTypes to it.
func (e *Engine) RegisterReadModel(rm query.ReadModel, queryTypes ...string) {
	e.Queries.Register(rm)
	for _, t := range queryTypes {
		e.Router.RouteType(t, rm.Name())
	}
}

// ExecuteCommand runs cmd through the command pipeline.
func (e *Engine) ExecuteCommand(ctx context.Context, cmd domain.Command, opts ...command.ExecOption) (*command.Result, error) {
	return e.Commands.ExecuteCommand(ctx, cmd, opts...)
}

// ExecuteQuery runs q through the query pipeline.
func (e *Engine) ExecuteQuery(ctx context.Context, q query.Query) (*query.Result, error) {
	return e.Queries.ExecuteQuery(ctx, q)
}

// ReplayEvents folds the events with from <= version < to into a fresh
// aggregate.
func (e *Engine) ReplayEvents(ctx context.Context, aggregateType, id string, from, to uint64) (*replay.Result, error) {
	return e.Replayer.ReplayEvents(ctx, aggregateType, id, from, to)
}

// ExecuteTemporalQuery evaluates q against the aggregate as of q.AsOf.
func (e *Engine) ExecuteTemporalQuery(ctx context.Context, q replay.TemporalQuery) (*replay.TemporalResult, error) {
	return e.Replayer.ExecuteTemporalQuery(ctx, q)
}

// CreateSnapshot snapshots the current state of an aggregate.
func (e *Engine) CreateSnapshot(ctx context.Context, aggregateType, id string) snapshot.Result {
	return e.Snapshot.CreateSnapshot(ctx, aggregateType, id)
}
