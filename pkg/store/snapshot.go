package store

import (
	"context"
	"time"
)

// Snapshot is the encoded state of an aggregate at Version. A snapshot at V
// is only valid if it was produced by applying every event up to V.
type Snapshot struct {
	ID            string    `json:"id"`
	AggregateID   string    `json:"aggregate_id"`
	AggregateType string    `json:"aggregate_type"`
	Version       uint64    `json:"version"`
	Data          []byte    `json:"data"`
	LastModified  time.Time `json:"last_modified"`
	CreatedAt     time.Time `json:"created_at"`
}

// SnapshotStore persists snapshots. Newer snapshots supersede older ones
// but older ones are kept.
type SnapshotStore interface {
	Save(ctx context.Context, snapshot *Snapshot) error

	// Latest returns the highest-version snapshot of an aggregate, or
	// ErrSnapshotNotFound.
	Latest(ctx context.Context, aggregateID string) (*Snapshot, error)
}

// CheckpointStore records how far a projection has read the global log.
type CheckpointStore interface {
	// Load returns the last saved position, 0 if none.
	Load(ctx context.Context, projection string) (uint64, error)
	Save(ctx context.Context, projection string, position uint64) error
}
