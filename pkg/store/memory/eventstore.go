// Package memory provides in-process implementations of the store contracts.
// They are intended for tests and single-process deployments that do not
// need durability.
package memory

import (
	"context"
	"sync"

	"github.com/plaenen/eventengine/pkg/domain"
	"github.com/plaenen/eventengine/pkg/store"
)

// EventStore keeps every stream in memory.
type EventStore struct {
	mu      sync.RWMutex
	streams map[string][]*domain.Event
	log     []*domain.Event
}

// NewEventStore creates an empty store.
func NewEventStore() *EventStore {
	return &EventStore{streams: make(map[string][]*domain.Event)}
}

func (s *EventStore) Append(ctx context.Context, aggregateID string, expectedVersion uint64, events []*domain.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := store.ValidateBatch(aggregateID, expectedVersion, events); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stream := s.streams[aggregateID]
	current := uint64(len(stream))
	if current != expectedVersion {
		return &domain.OptimisticLockError{
			AggregateID:     aggregateID,
			ExpectedVersion: expectedVersion,
			ActualVersion:   current,
		}
	}

	for _, evt := range events {
		stored := *evt
		stored.Position = uint64(len(s.log)) + 1
		evt.Position = stored.Position
		stream = append(stream, &stored)
		s.log = append(s.log, &stored)
	}
	s.streams[aggregateID] = stream
	return nil
}

func (s *EventStore) ReadStream(ctx context.Context, aggregateID string, from, to uint64) ([]*domain.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if from < 1 {
		from = 1
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	stream := s.streams[aggregateID]
	end := uint64(len(stream)) + 1
	if to != 0 && to < end {
		end = to
	}
	if from >= end {
		return []*domain.Event{}, nil
	}
	return copyEvents(stream[from-1 : end-1]), nil
}

func (s *EventStore) ReadAfterVersion(ctx context.Context, aggregateID string, after uint64) ([]*domain.Event, error) {
	return s.ReadStream(ctx, aggregateID, after+1, 0)
}

func (s *EventStore) Version(ctx context.Context, aggregateID string) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return uint64(len(s.streams[aggregateID])), nil
}

func (s *EventStore) ReadAll(ctx context.Context, afterPosition uint64, limit int) ([]*domain.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if afterPosition >= uint64(len(s.log)) {
		return []*domain.Event{}, nil
	}
	rest := s.log[afterPosition:]
	if limit > 0 && len(rest) > limit {
		rest = rest[:limit]
	}
	return copyEvents(rest), nil
}

func (s *EventStore) Close() error { return nil }

func copyEvents(events []*domain.Event) []*domain.Event {
	out := make([]*domain.Event, len(events))
	for i, evt := range events {
		c := *evt
		out[i] = &c
	}
	return out
}
