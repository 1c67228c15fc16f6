// Package store defines the persistence contracts of the engine: the
// append-only event log, snapshots and projection checkpoints.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/plaenen/eventengine/pkg/domain"
)

var (
	// ErrInvalidBatch is returned when an append batch is malformed.
	ErrInvalidBatch = errors.New("invalid event batch")

	// ErrSnapshotNotFound is returned when an aggregate has no snapshot.
	ErrSnapshotNotFound = errors.New("snapshot not found")
)

// EventStore is the durable, append-only log of events.
//
// Appends are serialized per aggregate: the batch is written only if the
// stream is still at expectedVersion, otherwise the whole batch is rejected
// with *domain.OptimisticLockError. Events are never updated or deleted.
type EventStore interface {
	// Append writes events atomically. expectedVersion is the version the
	// caller read before deciding; 0 means the stream must be empty. On
	// success each event's Position is set.
	Append(ctx context.Context, aggregateID string, expectedVersion uint64, events []*domain.Event) error

	// ReadStream returns events with from <= version < to in ascending
	// version order. to == 0 reads to the end of the stream.
	ReadStream(ctx context.Context, aggregateID string, from, to uint64) ([]*domain.Event, error)

	// ReadAfterVersion returns events with version > after.
	ReadAfterVersion(ctx context.Context, aggregateID string, after uint64) ([]*domain.Event, error)

	// Version returns the current stream version, 0 if the stream is empty.
	Version(ctx context.Context, aggregateID string) (uint64, error)

	// ReadAll returns up to limit events from all streams with position >
	// afterPosition, in append order.
	ReadAll(ctx context.Context, afterPosition uint64, limit int) ([]*domain.Event, error)

	Close() error
}

// ValidateBatch checks that events all target aggregateID and carry
// contiguous versions starting right after expectedVersion.
func ValidateBatch(aggregateID string, expectedVersion uint64, events []*domain.Event) error {
	if aggregateID == "" {
		return fmt.Errorf("%w: empty aggregate id", ErrInvalidBatch)
	}
	if len(events) == 0 {
		return fmt.Errorf("%w: no events", ErrInvalidBatch)
	}
	for i, evt := range events {
		if evt.AggregateID != aggregateID {
			return fmt.Errorf("%w: event %s targets %s", ErrInvalidBatch, evt.ID, evt.AggregateID)
		}
		if want := expectedVersion + uint64(i) + 1; evt.Version != want {
			return fmt.Errorf("%w: event %s has version %d, want %d", ErrInvalidBatch, evt.ID, evt.Version, want)
		}
		if evt.ID == "" || evt.EventType == "" {
			return fmt.Errorf("%w: event at version %d lacks id or type", ErrInvalidBatch, evt.Version)
		}
	}
	return nil
}
