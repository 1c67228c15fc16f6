// Package projection keeps read models up to date with committed events.
//
// Projections are eventually consistent and must be idempotent: the
// manager retries failed updates, and catch-up reads may deliver events a
// projection has already seen.
package projection

import (
	"context"
	"errors"
	"time"

	"github.com/plaenen/eventengine/pkg/domain"
)

// Projection folds events into a read model.
type Projection interface {
	Name() string

	// Handles reports whether the projection is interested in evt.
	Handles(evt *domain.Event) bool

	// Apply folds one event. Applying the same event twice must leave the
	// read model as if it was applied once.
	Apply(ctx context.Context, evt *domain.Event) error
}

// Resetter is implemented by projections that can drop their state before
// a rebuild.
type Resetter interface {
	Reset(ctx context.Context) error
}

// Func builds a Projection from functions.
func Func(name string, handles func(*domain.Event) bool, apply func(context.Context, *domain.Event) error) Projection {
	return funcProjection{name: name, handles: handles, apply: apply}
}

type funcProjection struct {
	name    string
	handles func(*domain.Event) bool
	apply   func(context.Context, *domain.Event) error
}

func (p funcProjection) Name() string { return p.name }

func (p funcProjection) Handles(evt *domain.Event) bool { return p.handles(evt) }

func (p funcProjection) Apply(ctx context.Context, evt *domain.Event) error { return p.apply(ctx, evt) }

// ForEventTypes returns a Handles function matching the given event types.
func ForEventTypes(types ...string) func(*domain.Event) bool {
	set := make(map[string]bool, len(types))
	for _, t := range types {
		set[t] = true
	}
	return func(evt *domain.Event) bool { return set[evt.EventType] }
}

// ForAggregateTypes returns a Handles function matching the given
// aggregate types.
func ForAggregateTypes(types ...string) func(*domain.Event) bool {
	set := make(map[string]bool, len(types))
	for _, t := range types {
		set[t] = true
	}
	return func(evt *domain.Event) bool { return set[evt.AggregateType] }
}

// Result is the outcome of one projection processing its share of a batch.
type Result struct {
	Projection string

	// Applied counts events applied successfully.
	Applied int

	// Pending counts events not applied because an earlier one failed.
	Pending int

	Attempts int
	Duration time.Duration

	// Err is a *domain.ProjectionFailure, or nil.
	Err error
}

// UpdateResult aggregates the per-projection results of one update.
type UpdateResult struct {
	Results []Result
}

// OK reports whether every interested projection applied every event.
func (r *UpdateResult) OK() bool {
	return len(r.Failed()) == 0
}

// Failed returns the results with an error.
func (r *UpdateResult) Failed() []Result {
	var out []Result
	for _, res := range r.Results {
		if res.Err != nil {
			out = append(out, res)
		}
	}
	return out
}

// Err joins the failures, or returns nil.
func (r *UpdateResult) Err() error {
	var errs []error
	for _, res := range r.Failed() {
		errs = append(errs, res.Err)
	}
	return errors.Join(errs...)
}
