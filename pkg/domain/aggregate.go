package domain

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Aggregate is a consistency boundary rebuilt by folding its events.
//
// Concrete aggregates embed AggregateRoot, which provides Root, and
// implement Handle and Apply. Apply only mutates domain state; the version
// is advanced by ApplyEvent.
type Aggregate interface {
	Root() *AggregateRoot

	// Handle decides which events a command produces. It must not mutate
	// state; the pipeline applies the returned changes.
	Handle(ctx context.Context, cmd Command) ([]Change, error)

	// Apply folds one event into the aggregate state.
	Apply(event *Event) error
}

// Snapshotter is implemented by aggregates that encode their own snapshot
// state. Aggregates that don't implement it are snapshotted as JSON.
type Snapshotter interface {
	MarshalSnapshot() ([]byte, error)
	UnmarshalSnapshot(data []byte) error
}

// AggregateRoot holds the identity and version bookkeeping shared by all
// aggregates. Embed it in aggregate implementations.
type AggregateRoot struct {
	id            string
	aggregateType string
	version       uint64
	lastModified  time.Time
}

// NewAggregateRoot creates a root at version 0.
func NewAggregateRoot(id, aggregateType string) AggregateRoot {
	return AggregateRoot{id: id, aggregateType: aggregateType}
}

func (r *AggregateRoot) Root() *AggregateRoot { return r }

func (r *AggregateRoot) ID() string { return r.id }

func (r *AggregateRoot) Type() string { return r.aggregateType }

// Version is the version of the last applied event, 0 for a new aggregate.
func (r *AggregateRoot) Version() uint64 { return r.version }

// LastModified is the timestamp of the last applied event.
func (r *AggregateRoot) LastModified() time.Time { return r.lastModified }

// Restore sets the version bookkeeping directly. Loaders use it after
// decoding a snapshot, and replays use it to start a fold mid-stream.
func (r *AggregateRoot) Restore(version uint64, lastModified time.Time) {
	r.version = version
	r.lastModified = lastModified
}

// ApplyEvent folds evt into agg and advances its version. The event must
// belong to the aggregate and carry exactly the next version.
func ApplyEvent(agg Aggregate, evt *Event) error {
	root := agg.Root()
	if evt.AggregateID != root.id {
		return fmt.Errorf("event %s belongs to aggregate %s, not %s", evt.ID, evt.AggregateID, root.id)
	}
	if evt.Version != root.version+1 {
		return fmt.Errorf("%w: aggregate %s at version %d cannot apply event version %d",
			ErrVersionGap, root.id, root.version, evt.Version)
	}
	if err := agg.Apply(evt); err != nil {
		return fmt.Errorf("apply %s v%d: %w", evt.EventType, evt.Version, err)
	}
	root.version = evt.Version
	root.lastModified = evt.Timestamp
	return nil
}

// ApplyEvents folds events in order, stopping at the first failure.
func ApplyEvents(agg Aggregate, events []*Event) error {
	for _, evt := range events {
		if err := ApplyEvent(agg, evt); err != nil {
			return err
		}
	}
	return nil
}

// EncodeState serializes the aggregate's domain state for snapshots and
// caching. Version bookkeeping is not part of the encoded state.
func EncodeState(agg Aggregate) ([]byte, error) {
	if s, ok := agg.(Snapshotter); ok {
		return s.MarshalSnapshot()
	}
	return json.Marshal(agg)
}

// DecodeState restores state produced by EncodeState into a fresh aggregate
// and sets its version bookkeeping.
func DecodeState(agg Aggregate, data []byte, version uint64, lastModified time.Time) error {
	var err error
	if s, ok := agg.(Snapshotter); ok {
		err = s.UnmarshalSnapshot(data)
	} else {
		err = json.Unmarshal(data, agg)
	}
	if err != nil {
		return fmt.Errorf("decode %s state: %w", agg.Root().Type(), err)
	}
	agg.Root().Restore(version, lastModified)
	return nil
}
