package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/plaenen/eventengine/pkg/store"
)

// SnapshotStore is a store.SnapshotStore on SQLite. Saving a second
// snapshot for the same version replaces it; other versions are kept.
type SnapshotStore struct {
	db *DB
}

var _ store.SnapshotStore = (*SnapshotStore)(nil)

func NewSnapshotStore(db *DB) *SnapshotStore {
	return &SnapshotStore{db: db}
}

func (s *SnapshotStore) Save(ctx context.Context, snap *store.Snapshot) error {
	s.db.writeMu.Lock()
	defer s.db.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx, `INSERT INTO snapshots
		(snapshot_id, aggregate_id, aggregate_type, version, data, last_modified, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (aggregate_id, version) DO UPDATE SET
			snapshot_id = excluded.snapshot_id,
			data = excluded.data,
			last_modified = excluded.last_modified,
			created_at = excluded.created_at`,
		snap.ID, snap.AggregateID, snap.AggregateType, snap.Version, snap.Data,
		snap.LastModified.UnixNano(), snap.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("save snapshot %s v%d: %w", snap.AggregateID, snap.Version, err)
	}
	return nil
}

func (s *SnapshotStore) Latest(ctx context.Context, aggregateID string) (*store.Snapshot, error) {
	var (
		snap         store.Snapshot
		lastModified int64
		createdAt    int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT snapshot_id, aggregate_id, aggregate_type, version, data, last_modified, created_at
		FROM snapshots WHERE aggregate_id = ? ORDER BY version DESC LIMIT 1`, aggregateID,
	).Scan(&snap.ID, &snap.AggregateID, &snap.AggregateType, &snap.Version, &snap.Data, &lastModified, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrSnapshotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot of %s: %w", aggregateID, err)
	}
	snap.LastModified = time.Unix(0, lastModified).UTC()
	snap.CreatedAt = time.Unix(0, createdAt).UTC()
	return &snap, nil
}

// CheckpointStore is a store.CheckpointStore on SQLite.
type CheckpointStore struct {
	db *DB
}

var _ store.CheckpointStore = (*CheckpointStore)(nil)

func NewCheckpointStore(db *DB) *CheckpointStore {
	return &CheckpointStore{db: db}
}

func (s *CheckpointStore) Load(ctx context.Context, projection string) (uint64, error) {
	var pos uint64
	err := s.db.QueryRowContext(ctx,
		`SELECT position FROM projection_checkpoints WHERE projection = ?`, projection).Scan(&pos)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load checkpoint %s: %w", projection, err)
	}
	return pos, nil
}

func (s *CheckpointStore) Save(ctx context.Context, projection string, position uint64) error {
	s.db.writeMu.Lock()
	defer s.db.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx, `INSERT INTO projection_checkpoints (projection, position, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (projection) DO UPDATE SET position = excluded.position, updated_at = excluded.updated_at`,
		projection, position, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", projection, err)
	}
	return nil
}
