package aggregate

import (
	"context"
	"log/slog"

	"github.com/plaenen/eventengine/pkg/observability"
)

// Repository serves aggregates from the cache and falls back to the loader
// on a miss or a stale entry.
type Repository struct {
	loader  *Loader
	cache   *Cache
	metrics *observability.Metrics
}

// NewRepository combines a loader and an optional cache.
func NewRepository(loader *Loader, cache *Cache, metrics *observability.Metrics) *Repository {
	return &Repository{loader: loader, cache: cache, metrics: metrics}
}

// Loader returns the underlying loader.
func (r *Repository) Loader() *Loader { return r.loader }

// Get returns the current state of an aggregate.
func (r *Repository) Get(ctx context.Context, aggregateType, id string) (*Loaded, error) {
	if r.cache != nil {
		agg, ok := r.cache.Get(aggregateType, id)
		r.metrics.RecordCacheLookup(ctx, aggregateType, ok)
		if ok {
			return &Loaded{Aggregate: agg, FromCache: true}, nil
		}
	}

	loaded, err := r.loader.Load(ctx, aggregateType, id)
	if err != nil {
		return nil, err
	}
	if r.cache != nil && loaded.Exists() {
		if err := r.cache.Put(loaded.Aggregate); err != nil {
			r.loader.logger.WarnContext(ctx, "aggregate cache write failed",
				slog.String("aggregate_type", aggregateType),
				slog.String("aggregate_id", id),
				slog.String("error", err.Error()))
		}
	}
	return loaded, nil
}

// Refresh stores the post-command state in the cache.
func (r *Repository) Refresh(loaded *Loaded) error {
	if r.cache == nil {
		return nil
	}
	return r.cache.Put(loaded.Aggregate)
}

// Invalidate drops a cached aggregate.
func (r *Repository) Invalidate(aggregateType, id string) {
	if r.cache != nil {
		r.cache.Invalidate(aggregateType, id)
	}
}
