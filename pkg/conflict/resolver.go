// Package conflict analyzes and resolves optimistic lock conflicts between
// writers of the same aggregate.
//
// The default policy rejects the second writer and asks it to reload and
// retry. Aggregate types may register other strategies; no strategy ever
// reorders committed events.
package conflict

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/plaenen/eventengine/pkg/domain"
	"github.com/plaenen/eventengine/pkg/idgen"
	"github.com/plaenen/eventengine/pkg/store"
)

// Strategy names how a conflict is resolved.
type Strategy string

const (
	// AcceptTheirs keeps the committed events and rejects ours.
	AcceptTheirs Strategy = "accept_theirs"

	// AcceptOurs rebases our events on top of the committed ones.
	AcceptOurs Strategy = "accept_ours"

	// Merge rebases our events when they don't touch the same event types
	// as theirs, or delegates to a registered MergeFunc.
	Merge Strategy = "merge"

	// Manual leaves the conflict for an operator.
	Manual Strategy = "manual"
)

// ErrCannotMerge is returned by a MergeFunc that refuses to merge.
var ErrCannotMerge = errors.New("conflicting changes cannot be merged")

// Request describes two divergent sets of events on one aggregate. Both
// sides were based on BaseVersion.
type Request struct {
	AggregateType string
	AggregateID   string
	BaseVersion   uint64

	// Ours holds the events the rejected writer tried to append.
	Ours []*domain.Event

	// Theirs holds the events committed after BaseVersion.
	Theirs []*domain.Event
}

// Analysis is the diff of a Request.
type Analysis struct {
	Request

	// CurrentVersion is the stream version after Theirs.
	CurrentVersion uint64

	OursTypes   []string
	TheirsTypes []string

	// SharedTypes lists event types emitted by both sides.
	SharedTypes []string
}

// Overlapping reports whether both sides emitted an event of the same type.
func (a *Analysis) Overlapping() bool { return len(a.SharedTypes) > 0 }

// Resolution is the outcome of a conflict.
type Resolution struct {
	Strategy Strategy

	// RetryRequired tells the caller to reload the aggregate and resubmit.
	RetryRequired bool

	// Events are rebased events ready to append at ExpectedVersion. Empty
	// when the resolution rejects our side.
	Events          []*domain.Event
	ExpectedVersion uint64

	Reason string
}

// Accepted reports whether the resolution produced events to commit.
func (r *Resolution) Accepted() bool { return len(r.Events) > 0 }

// MergeFunc merges our events into theirs. It returns the domain changes to
// append after the current version, or ErrCannotMerge.
type MergeFunc func(ctx context.Context, analysis *Analysis) ([]domain.Change, error)

// Policy is the conflict handling of one aggregate type.
type Policy struct {
	Strategy Strategy
	Merge    MergeFunc
}

// Resolver applies per-type policies.
type Resolver struct {
	events store.EventStore
	logger *slog.Logger

	mu       sync.RWMutex
	policies map[string]Policy
}

// Option configures a Resolver.
type Option func(*Resolver)

func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) { r.logger = logger }
}

// NewResolver creates a resolver that reads committed events from events.
func NewResolver(events store.EventStore, opts ...Option) *Resolver {
	r := &Resolver{
		events:   events,
		logger:   slog.Default(),
		policies: make(map[string]Policy),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register sets the policy for an aggregate type.
func (r *Resolver) Register(aggregateType string, policy Policy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policies[aggregateType] = policy
}

func (r *Resolver) policy(aggregateType string) Policy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.policies[aggregateType]; ok {
		return p
	}
	return Policy{Strategy: AcceptTheirs}
}

// RequestFromLock builds a Request for a rejected append by reading the
// events committed after the writer's base version.
func (r *Resolver) RequestFromLock(ctx context.Context, aggregateType string, lockErr *domain.OptimisticLockError, ours []*domain.Event) (Request, error) {
	theirs, err := r.events.ReadAfterVersion(ctx, lockErr.AggregateID, lockErr.ExpectedVersion)
	if err != nil {
		return Request{}, fmt.Errorf("read committed events: %w", err)
	}
	return Request{
		AggregateType: aggregateType,
		AggregateID:   lockErr.AggregateID,
		BaseVersion:   lockErr.ExpectedVersion,
		Ours:          ours,
		Theirs:        theirs,
	}, nil
}

// AnalyzeConflict diffs both sides of req.
func (r *Resolver) AnalyzeConflict(_ context.Context, req Request) (*Analysis, error) {
	if req.AggregateID == "" {
		return nil, domain.NewValidationError("conflict request has no aggregate id")
	}
	current := req.BaseVersion
	for i, evt := range req.Theirs {
		if evt.Version != req.BaseVersion+uint64(i)+1 {
			return nil, fmt.Errorf("%w: committed event %s has version %d after base %d",
				domain.ErrVersionGap, evt.ID, evt.Version, req.BaseVersion)
		}
		current = evt.Version
	}

	a := &Analysis{
		Request:        req,
		CurrentVersion: current,
		OursTypes:      eventTypes(req.Ours),
		TheirsTypes:    eventTypes(req.Theirs),
	}
	theirs := make(map[string]bool, len(a.TheirsTypes))
	for _, t := range a.TheirsTypes {
		theirs[t] = true
	}
	for _, t := range a.OursTypes {
		if theirs[t] {
			a.SharedTypes = append(a.SharedTypes, t)
		}
	}
	return a, nil
}

// ResolveConflict applies the aggregate type's policy.
func (r *Resolver) ResolveConflict(ctx context.Context, a *Analysis) (*Resolution, error) {
	p := r.policy(a.AggregateType)

	var res *Resolution
	switch p.Strategy {
	case AcceptTheirs, "":
		res = reject(AcceptTheirs, "committed events win; reload and retry")

	case AcceptOurs:
		res = &Resolution{
			Strategy:        AcceptOurs,
			Events:          Rebase(a.Ours, a.CurrentVersion, lastEvent(a.Theirs)),
			ExpectedVersion: a.CurrentVersion,
			Reason:          "our events rebased onto committed events",
		}

	case Merge:
		var err error
		res, err = r.merge(ctx, a, p.Merge)
		if err != nil {
			return nil, err
		}

	case Manual:
		res = &Resolution{Strategy: Manual, Reason: "conflict requires manual resolution"}

	default:
		return nil, fmt.Errorf("unknown conflict strategy %q", p.Strategy)
	}

	r.logger.InfoContext(ctx, "conflict resolved",
		slog.String("aggregate_id", a.AggregateID),
		slog.String("strategy", string(res.Strategy)),
		slog.Uint64("base_version", a.BaseVersion),
		slog.Uint64("current_version", a.CurrentVersion),
		slog.Bool("accepted", res.Accepted()))
	return res, nil
}

func (r *Resolver) merge(ctx context.Context, a *Analysis, fn MergeFunc) (*Resolution, error) {
	if fn == nil {
		if a.Overlapping() {
			return reject(Merge, fmt.Sprintf("both sides emitted %v", a.SharedTypes)), nil
		}
		return &Resolution{
			Strategy:        Merge,
			Events:          Rebase(a.Ours, a.CurrentVersion, lastEvent(a.Theirs)),
			ExpectedVersion: a.CurrentVersion,
			Reason:          "disjoint changes rebased",
		}, nil
	}

	changes, err := fn(ctx, a)
	if errors.Is(err, ErrCannotMerge) {
		return reject(Merge, err.Error()), nil
	}
	if err != nil {
		return nil, fmt.Errorf("merge %s: %w", a.AggregateID, err)
	}
	if len(changes) == 0 {
		return &Resolution{Strategy: Merge, Reason: "merge produced no changes"}, nil
	}

	template := a.Ours
	if len(template) == 0 {
		return nil, fmt.Errorf("merge %s: no events to take metadata from", a.AggregateID)
	}
	events, err := fromChanges(a, changes, template[0])
	if err != nil {
		return nil, err
	}
	return &Resolution{
		Strategy:        Merge,
		Events:          events,
		ExpectedVersion: a.CurrentVersion,
		Reason:          "merged by aggregate policy",
	}, nil
}

// Commit appends the events of an accepting resolution.
func (r *Resolver) Commit(ctx context.Context, res *Resolution) error {
	if !res.Accepted() {
		return fmt.Errorf("resolution %s has no events to commit", res.Strategy)
	}
	return r.events.Append(ctx, res.Events[0].AggregateID, res.ExpectedVersion, res.Events)
}

func reject(s Strategy, reason string) *Resolution {
	return &Resolution{Strategy: s, RetryRequired: true, Reason: reason}
}

// Rebase renumbers events to follow version onto. Timestamps are moved
// forward to after, when given, so they stay non-decreasing.
func Rebase(events []*domain.Event, onto uint64, after *domain.Event) []*domain.Event {
	out := make([]*domain.Event, len(events))
	for i, evt := range events {
		cp := *evt
		cp.Version = onto + uint64(i) + 1
		cp.Position = 0
		if cp.Metadata.CausationID != "" {
			cp.ID = idgen.DeterministicEventID(cp.Metadata.CausationID, cp.AggregateID, cp.Version)
		} else {
			cp.ID = idgen.NewSortableID()
		}
		if after != nil && cp.Timestamp.Before(after.Timestamp) {
			cp.Timestamp = after.Timestamp
		}
		out[i] = &cp
	}
	return out
}

func fromChanges(a *Analysis, changes []domain.Change, template *domain.Event) ([]*domain.Event, error) {
	events := make([]*domain.Event, 0, len(changes))
	for _, ch := range changes {
		payload, err := domain.EncodePayload(template.ContentType, ch.Payload)
		if err != nil {
			return nil, fmt.Errorf("encode merged %s: %w", ch.EventType, err)
		}
		evt := *template
		evt.EventType = ch.EventType
		evt.Payload = payload
		events = append(events, &evt)
	}
	return Rebase(events, a.CurrentVersion, lastEvent(a.Theirs)), nil
}

func eventTypes(events []*domain.Event) []string {
	seen := make(map[string]bool)
	var out []string
	for _, evt := range events {
		if !seen[evt.EventType] {
			seen[evt.EventType] = true
			out = append(out, evt.EventType)
		}
	}
	sort.Strings(out)
	return out
}

func lastEvent(events []*domain.Event) *domain.Event {
	if len(events) == 0 {
		return nil
	}
	return events[len(events)-1]
}
