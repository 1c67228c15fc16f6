package saga

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/plaenen/eventengine/pkg/domain"
	"github.com/plaenen/eventengine/pkg/idgen"
	"github.com/plaenen/eventengine/pkg/messaging"
	"github.com/plaenen/eventengine/pkg/observability"
	"github.com/plaenen/eventengine/pkg/store"
)

const (
	DefaultCompensationRetries = 3
	DefaultCompensationDelay   = 200 * time.Millisecond

	// DefaultCatchUpBatch is the page size of catch-up reads.
	DefaultCatchUpBatch = 500

	// CheckpointName is the checkpoint under which CatchUp records how far
	// it has read the log.
	CheckpointName = "sagas"
)

// Manager starts, runs and recovers saga executions.
type Manager struct {
	store StateStore

	events       store.EventStore
	checkpoints  store.CheckpointStore
	catchUpBatch int

	mu          sync.RWMutex
	definitions map[string]Definition

	wg sync.WaitGroup

	compRetries    uint
	compDelay      time.Duration
	defaultTimeout time.Duration
	now            func() time.Time
	logger         *slog.Logger
	metrics        *observability.Metrics
	tracer         trace.Tracer
}

// Option configures a Manager.
type Option func(*Manager)

// WithCompensationRetry sets how often a failing compensation is retried
// before the execution ends in CompensationFailed.
func WithCompensationRetry(retries uint, initialDelay time.Duration) Option {
	return func(m *Manager) {
		m.compRetries = retries
		m.compDelay = initialDelay
	}
}

// WithEventLog lets CatchUp read triggers from the log and record its
// position in checkpoints.
func WithEventLog(events store.EventStore, checkpoints store.CheckpointStore) Option {
	return func(m *Manager) {
		m.events = events
		m.checkpoints = checkpoints
	}
}

func WithCatchUpBatch(n int) Option {
	return func(m *Manager) { m.catchUpBatch = n }
}

// WithDefaultTimeout bounds executions of definitions without a Timeout.
func WithDefaultTimeout(d time.Duration) Option {
	return func(m *Manager) { m.defaultTimeout = d }
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
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

// NewManager creates a manager persisting executions in store.
func NewManager(store StateStore, opts ...Option) *Manager {
	m := &Manager{
		store:          store,
		definitions:    make(map[string]Definition),
		compRetries:    DefaultCompensationRetries,
		compDelay:      DefaultCompensationDelay,
		defaultTimeout: DefaultTimeout,
		catchUpBatch:   DefaultCatchUpBatch,
		now:            time.Now,
		logger:         slog.Default(),
		tracer:         tracenoop.NewTracerProvider().Tracer(""),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register adds a saga definition.
func (m *Manager) Register(def Definition) error {
	if err := def.validate(); err != nil {
		return err
	}
	if def.Timeout <= 0 {
		def.Timeout = m.defaultTimeout
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.definitions[def.Name]; exists {
		return fmt.Errorf("saga %s already registered", def.Name)
	}
	m.definitions[def.Name] = def
	return nil
}

func (m *Manager) definition(name string) (Definition, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	def, ok := m.definitions[name]
	return def, ok
}

func (m *Manager) matching(evt *domain.Event) []Definition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Definition
	for _, def := range m.definitions {
		if def.Trigger != nil && def.Trigger(evt) {
			out = append(out, def)
		}
	}
	return out
}

func (m *Manager) Name() string { return "sagas" }

// Consume checks every event of a committed batch against the registered
// triggers and starts matching sagas in the background.
func (m *Manager) Consume(ctx context.Context, batch messaging.Batch) error {
	var errs []error
	for _, evt := range batch.Events {
		for _, def := range m.matching(evt) {
			if _, err := m.Trigger(ctx, def.Name, evt); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

var _ messaging.Consumer = (*Manager)(nil)

// ExecutionID returns the id of the execution trigger starts. It is
// derived from the trigger so that a redelivered event does not start a
// second execution.
func ExecutionID(sagaName string, trigger *domain.Event) string {
	if trigger == nil || trigger.ID == "" {
		return idgen.NewSortableID()
	}
	return idgen.DeterministicID("saga", sagaName, trigger.ID)
}

// Trigger persists a new execution and runs it in the background. If the
// trigger already started this saga the existing execution is returned.
func (m *Manager) Trigger(ctx context.Context, sagaName string, trigger *domain.Event) (*Execution, error) {
	exec, def, started, err := m.initialize(ctx, sagaName, trigger)
	if err != nil || !started {
		return exec, err
	}
	m.spawn(ctx, def, exec.clone())
	return exec, nil
}

// Run persists a new execution and runs it to a terminal state. The error
// is nil when the saga completed, the failing step's error when it was
// compensated, and a *domain.SagaCompensationFailure when compensation
// itself failed.
func (m *Manager) Run(ctx context.Context, sagaName string, trigger *domain.Event) (*Execution, error) {
	exec, def, started, err := m.initialize(ctx, sagaName, trigger)
	if err != nil {
		return nil, err
	}
	if !started {
		return exec, nil
	}
	return m.execute(ctx, def, exec)
}

func (m *Manager) initialize(ctx context.Context, sagaName string, trigger *domain.Event) (*Execution, Definition, bool, error) {
	def, ok := m.definition(sagaName)
	if !ok {
		return nil, Definition{}, false, fmt.Errorf("saga %s is not registered", sagaName)
	}

	id := ExecutionID(sagaName, trigger)
	existing, err := m.store.Load(ctx, id)
	if err == nil {
		m.logger.DebugContext(ctx, "saga already started by trigger",
			slog.String("saga", sagaName),
			slog.String("execution_id", id))
		return existing, def, false, nil
	}
	if !errors.Is(err, ErrExecutionNotFound) {
		return nil, def, false, fmt.Errorf("load saga execution: %w", err)
	}

	now := m.now().UTC()
	exec := &Execution{
		ID:        id,
		SagaName:  sagaName,
		Status:    Initialized,
		Trigger:   trigger,
		Data:      make(map[string]string),
		StartedAt: now,
		UpdatedAt: now,
	}
	if err := m.persist(ctx, exec); err != nil {
		return nil, def, false, err
	}
	return exec.clone(), def, true, nil
}

func (m *Manager) spawn(ctx context.Context, def Definition, exec *Execution) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if _, err := m.execute(context.WithoutCancel(ctx), def, exec); err != nil {
			m.logger.WarnContext(ctx, "saga did not complete",
				slog.String("saga", def.Name),
				slog.String("execution_id", exec.ID),
				slog.String("status", string(exec.Status)),
				slog.String("error", err.Error()))
		}
	}()
}

// CatchUp starts the sagas triggered by events committed after the
// checkpoint and advances it. Triggers already handled are recognised by
// their execution id, so events the dispatcher also delivers start nothing
// twice. It returns the number of executions started.
func (m *Manager) CatchUp(ctx context.Context) (int, error) {
	if m.events == nil || m.checkpoints == nil {
		return 0, fmt.Errorf("saga catch-up needs an event store and a checkpoint store")
	}
	position, err := m.checkpoints.Load(ctx, CheckpointName)
	if err != nil {
		return 0, fmt.Errorf("load saga checkpoint: %w", err)
	}

	started := 0
	for {
		page, err := m.events.ReadAll(ctx, position, m.catchUpBatch)
		if err != nil {
			return started, fmt.Errorf("read log after %d: %w", position, err)
		}
		if len(page) == 0 {
			break
		}
		for _, evt := range page {
			for _, def := range m.matching(evt) {
				exec, _, fresh, err := m.initialize(ctx, def.Name, evt)
				if err != nil {
					if position > 0 {
						_ = m.checkpoints.Save(ctx, CheckpointName, position)
					}
					return started, err
				}
				if fresh {
					m.spawn(ctx, def, exec.clone())
					started++
				}
			}
			position = evt.Position
		}
		if err := m.checkpoints.Save(ctx, CheckpointName, position); err != nil {
			return started, fmt.Errorf("save saga checkpoint: %w", err)
		}
	}

	if started > 0 {
		m.logger.InfoContext(ctx, "started sagas missed by the dispatcher",
			slog.Int("started", started),
			slog.Uint64("position", position))
	}
	return started, nil
}

// Recover resumes executions left unfinished by a previous process. A step
// that was running is run again under the same idempotency key.
func (m *Manager) Recover(ctx context.Context) (int, error) {
	active, err := m.store.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active sagas: %w", err)
	}
	resumed := 0
	for _, exec := range active {
		def, ok := m.definition(exec.SagaName)
		if !ok {
			m.logger.WarnContext(ctx, "cannot resume saga without definition",
				slog.String("saga", exec.SagaName),
				slog.String("execution_id", exec.ID))
			continue
		}
		m.logger.InfoContext(ctx, "resuming saga",
			slog.String("saga", exec.SagaName),
			slog.String("execution_id", exec.ID),
			slog.String("status", string(exec.Status)),
			slog.Int("step", exec.CurrentStep))
		m.spawn(ctx, def, exec)
		resumed++
	}
	return resumed, nil
}

// Wait blocks until every background execution has finished.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Start resumes unfinished executions, then starts those the log holds
// triggers for when an event log is configured.
func (m *Manager) Start(ctx context.Context) error {
	if _, err := m.Recover(ctx); err != nil {
		return err
	}
	if m.events == nil {
		return nil
	}
	_, err := m.CatchUp(ctx)
	return err
}

// Stop waits for background executions until ctx is done.
func (m *Manager) Stop(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("sagas still running: %w", ctx.Err())
	}
}

func (m *Manager) execute(parent context.Context, def Definition, exec *Execution) (*Execution, error) {
	ctx, cancel := context.WithTimeout(parent, def.Timeout)
	defer cancel()

	ctx, span := observability.StartSpan(ctx, m.tracer, "saga."+def.Name,
		observability.AttrSagaName.String(def.Name),
		observability.AttrSagaID.String(exec.ID))

	var err error
	switch exec.Status {
	case Compensating:
		err = m.compensate(parent, def, exec, exec.CurrentStep)
	case Initialized, StepRunning:
		err = m.forward(ctx, parent, def, exec)
	default:
		// terminal
	}
	observability.EndSpan(span, err)
	return exec.clone(), err
}

func (m *Manager) forward(ctx, parent context.Context, def Definition, exec *Execution) error {
	for i := exec.CurrentStep; i < len(def.Steps); i++ {
		step := def.Steps[i]
		exec.Status = StepRunning
		exec.CurrentStep = i
		if err := m.persist(ctx, exec); err != nil {
			return err
		}

		err := step.Action(ctx, m.stepContext(def, exec, step))
		if err == nil && ctx.Err() != nil {
			err = ctx.Err()
		}
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				err = &domain.TimeoutError{Operation: "saga " + def.Name, Timeout: def.Timeout, Cause: err}
			}
			exec.Error = fmt.Sprintf("step %s: %v", step.Name, err)
			m.logger.WarnContext(ctx, "saga step failed, compensating",
				slog.String("saga", def.Name),
				slog.String("execution_id", exec.ID),
				slog.String("step", step.Name),
				slog.String("error", err.Error()))

			if cerr := m.compensate(parent, def, exec, i-1); cerr != nil {
				return cerr
			}
			return fmt.Errorf("saga %s step %s failed: %w", def.Name, step.Name, err)
		}
		exec.Completed = append(exec.Completed, step.Name)
	}

	exec.Status = Completed
	exec.CurrentStep = len(def.Steps)
	return m.persist(ctx, exec)
}

// compensate undoes steps from..0 in reverse order. Compensation runs on a
// context of its own so that it can finish after the execution timed out.
func (m *Manager) compensate(parent context.Context, def Definition, exec *Execution, from int) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), def.Timeout)
	defer cancel()

	for i := from; i >= 0; i-- {
		step := def.Steps[i]
		exec.Status = Compensating
		exec.CurrentStep = i
		if err := m.persist(ctx, exec); err != nil {
			return err
		}
		if step.Compensate == nil {
			continue
		}

		if err := m.retryCompensation(ctx, def, exec, step); err != nil {
			exec.Status = CompensationFailed
			failure := &domain.SagaCompensationFailure{
				ExecutionID: exec.ID,
				SagaName:    def.Name,
				Step:        step.Name,
				Cause:       err,
			}
			exec.Error = failure.Error()
			m.logger.ErrorContext(ctx, "saga compensation failed, operator action required",
				slog.String("saga", def.Name),
				slog.String("execution_id", exec.ID),
				slog.String("step", step.Name),
				slog.String("error", err.Error()))
			if perr := m.persist(ctx, exec); perr != nil {
				return errors.Join(failure, perr)
			}
			return failure
		}
		exec.Compensated = append(exec.Compensated, step.Name)
	}

	exec.Status = Compensated
	exec.CurrentStep = 0
	return m.persist(ctx, exec)
}

func (m *Manager) retryCompensation(ctx context.Context, def Definition, exec *Execution, step Step) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.compDelay

	sc := m.stepContext(def, exec, step)
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, step.Compensate(ctx, sc)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(m.compRetries+1),
	)
	return err
}

func (m *Manager) stepContext(def Definition, exec *Execution, step Step) *StepContext {
	if exec.Data == nil {
		exec.Data = make(map[string]string)
	}
	return &StepContext{
		ExecutionID:    exec.ID,
		SagaName:       def.Name,
		Step:           step.Name,
		IdempotencyKey: exec.ID + ":" + step.Name,
		Trigger:        exec.Trigger,
		Data:           exec.Data,
	}
}

// persist outlives the execution timeout so that the final transition is
// always recorded.
func (m *Manager) persist(ctx context.Context, exec *Execution) error {
	exec.UpdatedAt = m.now().UTC()
	if err := m.store.Save(context.WithoutCancel(ctx), exec); err != nil {
		return fmt.Errorf("persist saga %s: %w", exec.ID, err)
	}
	m.metrics.RecordSagaTransition(ctx, exec.SagaName, string(exec.Status), exec.Status.Terminal())
	return nil
}
