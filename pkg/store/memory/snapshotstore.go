package memory

import (
	"context"
	"sync"

	"github.com/plaenen/eventengine/pkg/store"
)

// SnapshotStore keeps every snapshot in memory, newest last per aggregate.
type SnapshotStore struct {
	mu        sync.RWMutex
	snapshots map[string][]*store.Snapshot
}

func NewSnapshotStore() *SnapshotStore {
	return &SnapshotStore{snapshots: make(map[string][]*store.Snapshot)}
}

func (s *SnapshotStore) Save(ctx context.Context, snapshot *store.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c := *snapshot
	c.Data = append([]byte(nil), snapshot.Data...)

	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.snapshots[snapshot.AggregateID]
	i := len(list)
	for i > 0 && list[i-1].Version > c.Version {
		i--
	}
	list = append(list, nil)
	copy(list[i+1:], list[i:])
	list[i] = &c
	s.snapshots[snapshot.AggregateID] = list
	return nil
}

func (s *SnapshotStore) Latest(ctx context.Context, aggregateID string) (*store.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.snapshots[aggregateID]
	if len(list) == 0 {
		return nil, store.ErrSnapshotNotFound
	}
	c := *list[len(list)-1]
	return &c, nil
}

// Count returns how many snapshots are kept for an aggregate.
func (s *SnapshotStore) Count(aggregateID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.snapshots[aggregateID])
}

// CheckpointStore keeps projection checkpoints in memory.
type CheckpointStore struct {
	mu          sync.RWMutex
	checkpoints map[string]uint64
}

func NewCheckpointStore() *CheckpointStore {
	return &CheckpointStore{checkpoints: make(map[string]uint64)}
}

func (s *CheckpointStore) Load(_ context.Context, projection string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.checkpoints[projection], nil
}

func (s *CheckpointStore) Save(_ context.Context, projection string, position uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[projection] = position
	return nil
}
