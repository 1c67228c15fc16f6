// Package domaintest provides a small counter aggregate for exercising the
// engine in tests.
package domaintest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/plaenen/eventengine/pkg/codec"
	"github.com/plaenen/eventengine/pkg/domain"
)

const (
	CounterType = "counter"

	EventCreated     = "counter.created"
	EventIncremented = "counter.incremented"
)

// ErrAlreadyCreated is returned when Create targets an existing counter.
var ErrAlreadyCreated = errors.New("counter already created")

// Counter counts increments.
type Counter struct {
	domain.AggregateRoot

	Created bool `json:"created"`
	Count   int  `json:"count"`
}

// NewCounter is the Counter factory.
func NewCounter(id string) domain.Aggregate {
	return &Counter{AggregateRoot: domain.NewAggregateRoot(id, CounterType)}
}

// Incremented is the payload of EventIncremented.
type Incremented struct {
	By int `json:"by"`
}

func (c *Counter) Handle(_ context.Context, cmd domain.Command) ([]domain.Change, error) {
	switch cmd := cmd.(type) {
	case Create:
		if c.Created {
			return nil, ErrAlreadyCreated
		}
		return []domain.Change{domain.NewChange(EventCreated, struct{}{})}, nil
	case Increment:
		changes := make([]domain.Change, 0, cmd.Times())
		for i := 0; i < cmd.Times(); i++ {
			changes = append(changes, domain.NewChange(EventIncremented, Incremented{By: cmd.By}))
		}
		return changes, nil
	case Noop:
		return nil, nil
	default:
		return nil, fmt.Errorf("counter: unsupported command %T", cmd)
	}
}

func (c *Counter) Apply(evt *domain.Event) error {
	switch evt.EventType {
	case EventCreated:
		c.Created = true
	case EventIncremented:
		var p Incremented
		if err := evt.Decode(&p); err != nil {
			return err
		}
		c.Count += p.By
	default:
		return fmt.Errorf("counter: unknown event %s", evt.EventType)
	}
	return nil
}

// Create creates a counter.
type Create struct{ ID string }

func (c Create) AggregateID() string    { return c.ID }
func (c Create) AggregateType() string  { return CounterType }
func (c Create) CommandType() string    { return "counter.create" }
func (c Create) Validate() error        { return nil }
func (c Create) CreatesAggregate() bool { return true }

// Increment adds By to the counter, Repeat times (at least once).
type Increment struct {
	ID     string
	By     int
	Repeat int
}

func (c Increment) AggregateID() string   { return c.ID }
func (c Increment) AggregateType() string { return CounterType }
func (c Increment) CommandType() string   { return "counter.increment" }

func (c Increment) Validate() error {
	if c.By <= 0 {
		return &domain.ValidationError{Fields: []domain.FieldError{{Field: "by", Message: "must be positive"}}}
	}
	return nil
}

// Times is the number of events the command produces.
func (c Increment) Times() int {
	if c.Repeat < 1 {
		return 1
	}
	return c.Repeat
}

// Noop produces no events.
type Noop struct{ ID string }

func (c Noop) AggregateID() string   { return c.ID }
func (c Noop) AggregateType() string { return CounterType }
func (c Noop) CommandType() string   { return "counter.noop" }
func (c Noop) Validate() error       { return nil }

// Registry returns a registry holding the counter type with the given policy.
func Registry(policy domain.MissingPolicy) *domain.Registry {
	r, err := domain.NewRegistry(domain.AggregateType{
		Name:      CounterType,
		Factory:   NewCounter,
		OnMissing: policy,
	})
	if err != nil {
		panic(err)
	}
	return r
}

// IncrementEvents builds stored events for versions from..to inclusive, one
// second apart starting at start.
func IncrementEvents(aggregateID string, from, to uint64, start time.Time) []*domain.Event {
	events := make([]*domain.Event, 0, to-from+1)
	for v := from; v <= to; v++ {
		payload, _ := codec.JSON{}.Marshal(Incremented{By: 1})
		events = append(events, &domain.Event{
			ID:            fmt.Sprintf("%s-%d", aggregateID, v),
			EventType:     EventIncremented,
			AggregateID:   aggregateID,
			AggregateType: CounterType,
			Version:       v,
			Timestamp:     start.Add(time.Duration(v) * time.Second),
			Payload:       payload,
			ContentType:   codec.ContentTypeJSON,
		})
	}
	return events
}
