package aggregate

import (
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/plaenen/eventengine/pkg/domain"
)

const (
	// DefaultStaleness bounds how long a cached aggregate is trusted.
	DefaultStaleness = 5 * time.Minute

	DefaultCacheSize = 10000
)

type entry struct {
	aggregateType string
	state         []byte
	version       uint64
	eventTime     time.Time
	lastModified  time.Time
}

// Cache maps aggregate ids to their last known state. An entry is stale
// once more than the staleness bound has passed since it was last written;
// stale entries are treated as misses and replaced on the next Put. There is
// no background eviction beyond the LRU capacity.
//
// Entries hold encoded state and every Get decodes a fresh instance, so
// concurrent commands never share a mutable aggregate.
type Cache struct {
	mu        sync.Mutex
	entries   *lru.Cache[string, entry]
	registry  *domain.Registry
	staleness time.Duration
	now       func() time.Time
}

// CacheOption configures a Cache.
type CacheOption func(*cacheConfig)

type cacheConfig struct {
	size      int
	staleness time.Duration
	now       func() time.Time
}

// WithCapacity bounds the number of cached aggregates.
func WithCapacity(n int) CacheOption {
	return func(c *cacheConfig) { c.size = n }
}

// WithStaleness sets the staleness bound.
func WithStaleness(d time.Duration) CacheOption {
	return func(c *cacheConfig) { c.staleness = d }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) CacheOption {
	return func(c *cacheConfig) { c.now = now }
}

// NewCache creates a cache for aggregates of the registry's types.
func NewCache(registry *domain.Registry, opts ...CacheOption) (*Cache, error) {
	cfg := cacheConfig{size: DefaultCacheSize, staleness: DefaultStaleness, now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	entries, err := lru.New[string, entry](cfg.size)
	if err != nil {
		return nil, fmt.Errorf("create aggregate cache: %w", err)
	}
	return &Cache{entries: entries, registry: registry, staleness: cfg.staleness, now: cfg.now}, nil
}

// Get returns a fresh copy of the cached aggregate if present and not stale.
func (c *Cache) Get(aggregateType, id string) (domain.Aggregate, bool) {
	key := cacheKey(aggregateType, id)
	e, ok := c.entries.Get(key)
	if !ok {
		return nil, false
	}
	if c.now().Sub(e.lastModified) > c.staleness {
		return nil, false
	}
	agg, err := c.registry.New(aggregateType, id)
	if err != nil {
		return nil, false
	}
	if err := domain.DecodeState(agg, e.state, e.version, e.eventTime); err != nil {
		c.entries.Remove(key)
		return nil, false
	}
	return agg, true
}

// Put stores the aggregate's current state, refreshing its lastModified.
// A fresh entry at a higher version is kept.
func (c *Cache) Put(agg domain.Aggregate) error {
	state, err := domain.EncodeState(agg)
	if err != nil {
		return err
	}
	root := agg.Root()
	key := cacheKey(root.Type(), root.ID())

	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries.Peek(key); ok && e.version > root.Version() && c.now().Sub(e.lastModified) <= c.staleness {
		return nil
	}
	c.entries.Add(key, entry{
		aggregateType: root.Type(),
		state:         state,
		version:       root.Version(),
		eventTime:     root.LastModified(),
		lastModified:  c.now(),
	})
	return nil
}

// Invalidate drops an aggregate from the cache.
func (c *Cache) Invalidate(aggregateType, id string) {
	c.entries.Remove(cacheKey(aggregateType, id))
}

// Len returns the number of entries, stale ones included.
func (c *Cache) Len() int {
	return c.entries.Len()
}

func cacheKey(aggregateType, id string) string {
	return aggregateType + "/" + id
}
