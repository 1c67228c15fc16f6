// Package query routes read requests to read models with a cache-aside
// result cache.
//
// Results are encoded as JSON so that any ResultCache, local or remote,
// can hold them.
package query

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrNoRoute is returned when no read model serves a query.
var ErrNoRoute = errors.New("no read model for query")

// Query is a read request.
type Query interface {
	QueryType() string
	Validate() error
}

// Keyed is implemented by queries that build their own cache key. Other
// queries are keyed by their JSON encoding.
type Keyed interface {
	CacheKey() string
}

// ReadModel answers queries.
type ReadModel interface {
	Name() string
	Query(ctx context.Context, q Query) (any, error)
}

// ReadModelFunc adapts a function to a ReadModel.
func ReadModelFunc(name string, fn func(ctx context.Context, q Query) (any, error)) ReadModel {
	return readModelFunc{name: name, fn: fn}
}

type readModelFunc struct {
	name string
	fn   func(ctx context.Context, q Query) (any, error)
}

func (r readModelFunc) Name() string { return r.name }

func (r readModelFunc) Query(ctx context.Context, q Query) (any, error) { return r.fn(ctx, q) }

// Rule routes queries matching Match to ReadModel.
type Rule struct {
	Name      string
	Match     func(Query) bool
	ReadModel string
}

// Router picks a read model by query type first, then by the first
// matching rule, then the default.
type Router struct {
	mu           sync.RWMutex
	byType       map[string]string
	rules        []Rule
	defaultModel string
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{byType: make(map[string]string)}
}

// RouteType sends every query of queryType to readModel.
func (r *Router) RouteType(queryType, readModel string) *Router {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byType[queryType] = readModel
	return r
}

// RouteRule appends a rule. Rules are evaluated in order.
func (r *Router) RouteRule(rule Rule) *Router {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules = append(r.rules, rule)
	return r
}

// Default sets the read model used when nothing else matches.
func (r *Router) Default(readModel string) *Router {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaultModel = readModel
	return r
}

// Route returns the read model name for q.
func (r *Router) Route(q Query) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if name, ok := r.byType[q.QueryType()]; ok {
		return name, nil
	}
	for _, rule := range r.rules {
		if rule.Match(q) {
			return rule.ReadModel, nil
		}
	}
	if r.defaultModel != "" {
		return r.defaultModel, nil
	}
	return "", fmt.Errorf("%w: %s", ErrNoRoute, q.QueryType())
}

// Result is the answer to a query with its provenance.
type Result struct {
	QueryType string
	ReadModel string

	// Data is the JSON encoding of the read model's answer.
	Data json.RawMessage

	CacheHit   bool
	Duration   time.Duration
	ExecutedAt time.Time
}

// Decode unmarshals Data into v.
func (r *Result) Decode(v any) error {
	return json.Unmarshal(r.Data, v)
}

// CacheKey returns the cache key of q.
func CacheKey(q Query) (string, error) {
	if k, ok := q.(Keyed); ok {
		return q.QueryType() + ":" + k.CacheKey(), nil
	}
	data, err := json.Marshal(q)
	if err != nil {
		return "", fmt.Errorf("encode query for cache key: %w", err)
	}
	sum := sha256.Sum256(data)
	return q.QueryType() + ":" + hex.EncodeToString(sum[:]), nil
}
