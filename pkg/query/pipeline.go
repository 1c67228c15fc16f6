package query

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/plaenen/eventengine/pkg/domain"
	"github.com/plaenen/eventengine/pkg/observability"
)

const (
	// DefaultTimeout bounds one query execution.
	DefaultTimeout = 10 * time.Second

	// DefaultTTL is the cache lifetime of query types without their own TTL.
	DefaultTTL = 30 * time.Second
)

// Pipeline executes queries against registered read models.
type Pipeline struct {
	router *Router
	cache  ResultCache

	mu         sync.RWMutex
	readModels map[string]ReadModel
	ttls       map[string]time.Duration

	defaultTTL time.Duration
	timeout    time.Duration
	now        func() time.Time
	logger     *slog.Logger
	metrics    *observability.Metrics
	tracer     trace.Tracer
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithCache enables cache-aside result caching.
func WithCache(c ResultCache) Option {
	return func(p *Pipeline) { p.cache = c }
}

// WithTTL sets the cache lifetime of one query type. Zero disables caching
// for that type.
func WithTTL(queryType string, ttl time.Duration) Option {
	return func(p *Pipeline) { p.ttls[queryType] = ttl }
}

func WithDefaultTTL(ttl time.Duration) Option {
	return func(p *Pipeline) { p.defaultTTL = ttl }
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

// NewPipeline creates a pipeline that routes with router.
func NewPipeline(router *Router, opts ...Option) *Pipeline {
	p := &Pipeline{
		router:     router,
		readModels: make(map[string]ReadModel),
		ttls:       make(map[string]time.Duration),
		defaultTTL: DefaultTTL,
		timeout:    DefaultTimeout,
		now:        time.Now,
		logger:     slog.Default(),
		tracer:     tracenoop.NewTracerProvider().Tracer(""),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Register adds a read model.
func (p *Pipeline) Register(rm ReadModel) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readModels[rm.Name()] = rm
}

// Invalidate drops cached results of a query type.
func (p *Pipeline) Invalidate(ctx context.Context, queryType string) error {
	if p.cache == nil {
		return nil
	}
	return p.cache.InvalidateType(ctx, queryType)
}

func (p *Pipeline) ttl(queryType string) time.Duration {
	if ttl, ok := p.ttls[queryType]; ok {
		return ttl
	}
	return p.defaultTTL
}

// ExecuteQuery validates, routes and runs q. Results may come from the
// cache and may lag behind recent commands.
func (p *Pipeline) ExecuteQuery(ctx context.Context, q Query) (*Result, error) {
	if q == nil {
		return nil, domain.NewValidationError("query is required")
	}
	if err := q.Validate(); err != nil {
		var ve *domain.ValidationError
		if errors.As(err, &ve) {
			return nil, ve
		}
		return nil, &domain.ValidationError{Reason: err.Error()}
	}

	name, err := p.router.Route(q)
	if err != nil {
		return nil, &domain.ValidationError{Reason: err.Error()}
	}
	p.mu.RLock()
	rm, ok := p.readModels[name]
	p.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: read model %s is not registered", ErrNoRoute, name)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	ctx, span := observability.StartSpan(ctx, p.tracer, "query."+q.QueryType(),
		observability.AttrQueryType.String(q.QueryType()),
		observability.AttrReadModel.String(name))

	start := p.now()
	res, err := p.run(ctx, q, rm)
	if res != nil {
		res.Duration = p.now().Sub(start)
		span.SetAttributes(observability.AttrCacheHit.Bool(res.CacheHit))
	}
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		err = &domain.TimeoutError{Operation: "query " + q.QueryType(), Timeout: p.timeout, Cause: err}
	}
	observability.EndSpan(span, err)
	p.metrics.RecordQuery(ctx, q.QueryType(), name, p.now().Sub(start), res != nil && res.CacheHit, err)
	return res, err
}

func (p *Pipeline) run(ctx context.Context, q Query, rm ReadModel) (*Result, error) {
	ttl := p.ttl(q.QueryType())
	caching := p.cache != nil && ttl > 0

	var key string
	if caching {
		var err error
		if key, err = CacheKey(q); err != nil {
			return nil, err
		}
		data, hit, err := p.cache.Get(ctx, key)
		if err != nil {
			p.logger.WarnContext(ctx, "query cache read failed",
				slog.String("query_type", q.QueryType()),
				slog.String("error", err.Error()))
		}
		if hit {
			return &Result{
				QueryType:  q.QueryType(),
				ReadModel:  rm.Name(),
				Data:       data,
				CacheHit:   true,
				ExecutedAt: p.now().UTC(),
			}, nil
		}
	}

	answer, err := rm.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("read model %s: %w", rm.Name(), err)
	}
	data, err := json.Marshal(answer)
	if err != nil {
		return nil, fmt.Errorf("encode %s result: %w", q.QueryType(), err)
	}

	if caching {
		if err := p.cache.Set(ctx, key, data, ttl); err != nil {
			p.logger.WarnContext(ctx, "query cache write failed",
				slog.String("query_type", q.QueryType()),
				slog.String("error", err.Error()))
		}
	}

	return &Result{
		QueryType:  q.QueryType(),
		ReadModel:  rm.Name(),
		Data:       data,
		ExecutedAt: p.now().UTC(),
	}, nil
}

// ExecuteAs runs q and decodes the result into R.
func ExecuteAs[R any](ctx context.Context, p *Pipeline, q Query) (R, *Result, error) {
	var out R
	res, err := p.ExecuteQuery(ctx, q)
	if err != nil {
		return out, res, err
	}
	if err := res.Decode(&out); err != nil {
		return out, res, fmt.Errorf("decode %s result: %w", q.QueryType(), err)
	}
	return out, res, nil
}
