package query

import (
	"context"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// ResultCache stores encoded query results.
type ResultCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, data []byte, ttl time.Duration) error

	// InvalidateType drops every cached result of a query type.
	InvalidateType(ctx context.Context, queryType string) error
}

// DefaultCacheSize is the capacity of a MemoryCache.
const DefaultCacheSize = 5000

type memoryEntry struct {
	data    []byte
	expires time.Time
}

// MemoryCache is an in-process LRU result cache with per-entry TTLs.
type MemoryCache struct {
	mu    sync.Mutex
	cache *lru.Cache[string, memoryEntry]
	now   func() time.Time
}

// NewMemoryCache creates a cache holding up to size results.
func NewMemoryCache(size int) (*MemoryCache, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	c, err := lru.New[string, memoryEntry](size)
	if err != nil {
		return nil, err
	}
	return &MemoryCache{cache: c, now: time.Now}, nil
}

func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.cache.Get(key)
	if !ok {
		return nil, false, nil
	}
	if !c.now().Before(e.expires) {
		c.cache.Remove(key)
		return nil, false, nil
	}
	return e.data, true, nil
}

func (c *MemoryCache) Set(_ context.Context, key string, data []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Add(key, memoryEntry{data: data, expires: c.now().Add(ttl)})
	return nil
}

func (c *MemoryCache) InvalidateType(_ context.Context, queryType string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	prefix := queryType + ":"
	for _, key := range c.cache.Keys() {
		if strings.HasPrefix(key, prefix) {
			c.cache.Remove(key)
		}
	}
	return nil
}

// Len returns the number of cached results, expired ones included.
func (c *MemoryCache) Len() int {
	return c.cache.Len()
}
