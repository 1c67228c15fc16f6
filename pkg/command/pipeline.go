// Package command turns commands into committed event batches.
//
// ExecuteCommand validates a command, loads its aggregate, lets the
// aggregate decide which events to emit, appends them conditioned on the
// version it loaded, and hands the committed batch to the propagation
// layer. Nothing that happens after the append undoes the commit.
package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/plaenen/eventengine/pkg/aggregate"
	"github.com/plaenen/eventengine/pkg/conflict"
	"github.com/plaenen/eventengine/pkg/domain"
	"github.com/plaenen/eventengine/pkg/idgen"
	"github.com/plaenen/eventengine/pkg/messaging"
	"github.com/plaenen/eventengine/pkg/observability"
	"github.com/plaenen/eventengine/pkg/snapshot"
)

// DefaultTimeout bounds one command execution.
const DefaultTimeout = 30 * time.Second

// Status tells the caller how far a command got.
type Status int

const (
	// Rejected means nothing was persisted.
	Rejected Status = iota

	// Committed means the events are durable and were handed to every
	// downstream consumer.
	Committed

	// CommittedPropagationIncomplete means the events are durable but at
	// least one consumer did not receive them. Read models may lag until
	// they catch up from the log.
	CommittedPropagationIncomplete
)

func (s Status) String() string {
	switch s {
	case Rejected:
		return "rejected"
	case Committed:
		return "committed"
	case CommittedPropagationIncomplete:
		return "committed_propagation_incomplete"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Result describes one command execution.
type Result struct {
	Status        Status
	AggregateID   string
	AggregateType string
	CommandID     string

	Events          []*domain.Event
	PreviousVersion uint64
	NewVersion      uint64

	// Snapshot is set when a snapshot was attempted after the commit.
	Snapshot *snapshot.Result

	// Conflict is set when the append hit an optimistic lock conflict.
	Conflict *conflict.Resolution

	// PropagationErr explains CommittedPropagationIncomplete.
	PropagationErr error

	Duration time.Duration
}

// Publisher receives committed batches.
type Publisher interface {
	Publish(ctx context.Context, batch messaging.Batch) error
}

// Pipeline executes commands.
type Pipeline struct {
	repo      *aggregate.Repository
	registry  *domain.Registry
	snapshots *snapshot.Manager
	publisher Publisher
	resolver  *conflict.Resolver

	timeout time.Duration
	now     func() time.Time
	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  trace.Tracer

	middleware []Middleware
	handler    Handler
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithSnapshots enables opportunistic snapshots after commits.
func WithSnapshots(m *snapshot.Manager) Option {
	return func(p *Pipeline) { p.snapshots = m }
}

// WithPublisher sets where committed batches go.
func WithPublisher(pub Publisher) Option {
	return func(p *Pipeline) { p.publisher = pub }
}

// WithResolver consults r on optimistic lock conflicts.
func WithResolver(r *conflict.Resolver) Option {
	return func(p *Pipeline) { p.resolver = r }
}

func WithTimeout(d time.Duration) Option {
	return func(p *Pipeline) { p.timeout = d }
}

func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = logger }
}

func WithMetrics(m *observability.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

func WithTracer(t trace.Tracer) Option {
	return func(p *Pipeline) { p.tracer = t }
}

// WithMiddleware wraps execution. The first middleware is the outermost.
func WithMiddleware(mw ...Middleware) Option {
	return func(p *Pipeline) { p.middleware = append(p.middleware, mw...) }
}

// NewPipeline creates a pipeline that loads aggregates through repo.
func NewPipeline(repo *aggregate.Repository, opts ...Option) *Pipeline {
	p := &Pipeline{
		repo:     repo,
		registry: repo.Loader().Registry(),
		timeout:  DefaultTimeout,
		now:      time.Now,
		logger:   slog.Default(),
		tracer:   tracenoop.NewTracerProvider().Tracer(""),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.handler = Chain(HandlerFunc(p.execute), p.middleware...)
	return p
}

// ExecuteCommand runs cmd through the middleware chain and the pipeline.
//
// Validation, missing aggregate and lock failures are returned before
// anything is persisted. A lock failure also returns a Rejected result
// carrying the conflict resolution. Failures after the append never turn
// into errors; they show up as CommittedPropagationIncomplete.
func (p *Pipeline) ExecuteCommand(ctx context.Context, cmd domain.Command, opts ...ExecOption) (*Result, error) {
	env := &Envelope{Command: cmd}
	for _, opt := range opts {
		opt(env)
	}
	return p.Execute(ctx, env)
}

// Execute runs a prepared envelope.
func (p *Pipeline) Execute(ctx context.Context, env *Envelope) (*Result, error) {
	if env == nil || env.Command == nil {
		return nil, domain.NewValidationError("command is required")
	}
	if env.CorrelationID == "" {
		env.CorrelationID = env.CommandID
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := p.now()
	res, err := p.handler.Handle(ctx, env)
	if res != nil {
		res.Duration = p.now().Sub(start)
	}
	if err != nil && errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, domain.ErrTimeout) {
		err = &domain.TimeoutError{
			Operation: "command " + env.Command.CommandType(),
			Timeout:   p.timeout,
			Cause:     err,
		}
	}
	return res, err
}

func (p *Pipeline) execute(ctx context.Context, env *Envelope) (*Result, error) {
	cmd := env.Command
	if err := validate(cmd); err != nil {
		return nil, err
	}

	typ, err := p.registry.Lookup(cmd.AggregateType())
	if err != nil {
		return nil, &domain.ValidationError{Reason: err.Error()}
	}

	loaded, err := p.load(ctx, env)
	if err != nil {
		return nil, err
	}
	agg := loaded.Aggregate
	root := agg.Root()

	if !loaded.Exists() && typ.OnMissing == domain.RejectMissing && !domain.IsCreation(cmd) {
		return nil, &domain.NotFoundError{AggregateType: typ.Name, AggregateID: root.ID()}
	}

	previous := root.Version()
	if env.HasExpectedVersion && env.ExpectedVersion != previous {
		p.metrics.RecordConflict(ctx, typ.Name)
		return nil, &domain.OptimisticLockError{
			AggregateID:     root.ID(),
			ExpectedVersion: env.ExpectedVersion,
			ActualVersion:   previous,
		}
	}

	changes, err := agg.Handle(ctx, cmd)
	if err != nil {
		return nil, err
	}

	res := &Result{
		AggregateID:     root.ID(),
		AggregateType:   typ.Name,
		CommandID:       env.CommandID,
		PreviousVersion: previous,
		NewVersion:      previous,
	}
	if len(changes) == 0 {
		res.Status = Committed
		return res, nil
	}

	events, err := p.buildEvents(typ, agg, env, changes)
	if err != nil {
		return nil, err
	}

	if err := p.appendEvents(ctx, root, previous, events); err != nil {
		var lockErr *domain.OptimisticLockError
		if errors.As(err, &lockErr) {
			return p.onConflict(ctx, env, res, lockErr, events)
		}
		return nil, err
	}

	res.Events = events
	res.NewVersion = root.Version()
	p.afterCommit(ctx, loaded, res)
	return res, nil
}

func validate(cmd domain.Command) error {
	if cmd.AggregateID() == "" {
		return &domain.ValidationError{
			Reason: "invalid command " + cmd.CommandType(),
			Fields: []domain.FieldError{{Field: "aggregate_id", Message: "is required"}},
		}
	}
	if err := cmd.Validate(); err != nil {
		var ve *domain.ValidationError
		if errors.As(err, &ve) {
			return ve
		}
		return &domain.ValidationError{Reason: err.Error()}
	}
	return nil
}

// load reads the aggregate. When the caller's expected version disagrees
// with a cached copy the aggregate is reloaded from the store, since the
// cache may lag behind other writers.
func (p *Pipeline) load(ctx context.Context, env *Envelope) (*aggregate.Loaded, error) {
	cmd := env.Command
	ctx, span := observability.StartSpan(ctx, p.tracer, "aggregate.load",
		observability.AttrAggregateID.String(cmd.AggregateID()),
		observability.AttrAggregateType.String(cmd.AggregateType()))

	loaded, err := p.repo.Get(ctx, cmd.AggregateType(), cmd.AggregateID())
	if err == nil && loaded.FromCache && env.HasExpectedVersion &&
		loaded.Aggregate.Root().Version() != env.ExpectedVersion {
		p.repo.Invalidate(cmd.AggregateType(), cmd.AggregateID())
		loaded, err = p.repo.Get(ctx, cmd.AggregateType(), cmd.AggregateID())
	}
	if err == nil {
		span.SetAttributes(
			observability.AttrVersion.Int64(int64(loaded.Aggregate.Root().Version())),
			observability.AttrCacheHit.Bool(loaded.FromCache))
	}
	observability.EndSpan(span, err)
	if err != nil {
		return nil, fmt.Errorf("load aggregate: %w", err)
	}
	return loaded, nil
}

// buildEvents turns changes into events and applies them to agg in order.
func (p *Pipeline) buildEvents(typ domain.AggregateType, agg domain.Aggregate, env *Envelope, changes []domain.Change) ([]*domain.Event, error) {
	root := agg.Root()

	// Timestamps never go backwards within a stream, which keeps as-of
	// replays a prefix of the stream.
	ts := p.now().UTC()
	if last := root.LastModified(); ts.Before(last) {
		ts = last
	}

	events := make([]*domain.Event, 0, len(changes))
	for _, ch := range changes {
		payload, err := typ.Codec.Marshal(ch.Payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", ch.EventType, err)
		}

		version := root.Version() + 1
		id := idgen.NewSortableID()
		if env.CommandID != "" {
			id = idgen.DeterministicEventID(env.CommandID, root.ID(), version)
		}

		evt := &domain.Event{
			ID:            id,
			EventType:     ch.EventType,
			AggregateID:   root.ID(),
			AggregateType: typ.Name,
			Version:       version,
			Timestamp:     ts,
			Payload:       payload,
			ContentType:   typ.Codec.ContentType(),
			Metadata: domain.EventMetadata{
				CausationID:   env.CommandID,
				CorrelationID: env.CorrelationID,
				PrincipalID:   env.PrincipalID,
				Custom:        env.Custom,
			},
		}
		if err := domain.ApplyEvent(agg, evt); err != nil {
			return nil, err
		}
		events = append(events, evt)
	}
	return events, nil
}

func (p *Pipeline) appendEvents(ctx context.Context, root *domain.AggregateRoot, expected uint64, events []*domain.Event) error {
	ctx, span := observability.StartSpan(ctx, p.tracer, "eventstore.append",
		append(observability.AggregateAttrs(root.ID(), root.Type(), expected),
			observability.AttrEventCount.Int(len(events)))...)
	err := p.repo.Loader().Events().Append(ctx, root.ID(), expected, events)
	observability.EndSpan(span, err)
	if err != nil {
		var lockErr *domain.OptimisticLockError
		if errors.As(err, &lockErr) {
			return lockErr
		}
		return fmt.Errorf("append events: %w", err)
	}
	return nil
}

// onConflict handles a rejected append. The cached copy is dropped so the
// retry reads the committed events. A registered resolution that rebases
// our events is committed only when the caller did not pin a version.
func (p *Pipeline) onConflict(ctx context.Context, env *Envelope, res *Result, lockErr *domain.OptimisticLockError, ours []*domain.Event) (*Result, error) {
	p.repo.Invalidate(res.AggregateType, res.AggregateID)
	p.metrics.RecordConflict(ctx, res.AggregateType)
	res.Status = Rejected

	p.logger.InfoContext(ctx, "append rejected by optimistic lock",
		slog.String("aggregate_id", res.AggregateID),
		slog.String("command_type", env.Command.CommandType()),
		slog.Uint64("expected_version", lockErr.ExpectedVersion),
		slog.Uint64("actual_version", lockErr.ActualVersion))

	if p.resolver == nil {
		return res, lockErr
	}

	resolution, err := p.resolve(ctx, res.AggregateType, lockErr, ours)
	if err != nil {
		p.logger.WarnContext(ctx, "conflict resolution failed",
			slog.String("aggregate_id", res.AggregateID),
			slog.String("error", err.Error()))
		return res, lockErr
	}
	res.Conflict = resolution

	if !resolution.Accepted() || env.HasExpectedVersion {
		return res, lockErr
	}

	if err := p.resolver.Commit(ctx, resolution); err != nil {
		var again *domain.OptimisticLockError
		if errors.As(err, &again) {
			return res, again
		}
		return nil, fmt.Errorf("commit resolved events: %w", err)
	}

	loaded, err := p.repo.Loader().Load(ctx, res.AggregateType, res.AggregateID)
	if err != nil {
		return nil, fmt.Errorf("reload after resolution: %w", err)
	}
	res.Events = resolution.Events
	res.PreviousVersion = resolution.ExpectedVersion
	res.NewVersion = domain.LastVersion(resolution.Events)
	p.afterCommit(ctx, loaded, res)
	return res, nil
}

func (p *Pipeline) resolve(ctx context.Context, aggregateType string, lockErr *domain.OptimisticLockError, ours []*domain.Event) (*conflict.Resolution, error) {
	req, err := p.resolver.RequestFromLock(ctx, aggregateType, lockErr, ours)
	if err != nil {
		return nil, err
	}
	analysis, err := p.resolver.AnalyzeConflict(ctx, req)
	if err != nil {
		return nil, err
	}
	return p.resolver.ResolveConflict(ctx, analysis)
}

// afterCommit refreshes the cache, snapshots opportunistically and
// publishes the batch. Failures are logged and reported in res.
func (p *Pipeline) afterCommit(ctx context.Context, loaded *aggregate.Loaded, res *Result) {
	res.Status = Committed

	if err := p.repo.Refresh(loaded); err != nil {
		p.repo.Invalidate(res.AggregateType, res.AggregateID)
		p.logger.WarnContext(ctx, "aggregate cache refresh failed",
			slog.String("aggregate_id", res.AggregateID),
			slog.String("error", err.Error()))
	}

	if p.snapshots != nil {
		snap := p.snapshots.MaybeSnapshot(ctx, loaded.Aggregate, res.PreviousVersion)
		if snap.Outcome != snapshot.OutcomeSkipped {
			res.Snapshot = &snap
		}
	}

	if p.publisher == nil {
		return
	}
	batch := messaging.Batch{
		AggregateID:   res.AggregateID,
		AggregateType: res.AggregateType,
		Events:        res.Events,
		CommittedAt:   p.now().UTC(),
	}
	if err := p.publisher.Publish(ctx, batch); err != nil {
		res.Status = CommittedPropagationIncomplete
		res.PropagationErr = err
		p.logger.WarnContext(ctx, "committed events not fully propagated",
			slog.String("aggregate_id", res.AggregateID),
			slog.Uint64("version", res.NewVersion),
			slog.String("error", err.Error()))
	}
}
