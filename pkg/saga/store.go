package saga

import (
	"context"
	"sort"
	"sync"
)

// StateStore persists saga executions.
type StateStore interface {
	Save(ctx context.Context, exec *Execution) error

	// Load returns ErrExecutionNotFound for unknown ids.
	Load(ctx context.Context, id string) (*Execution, error)

	// ListActive returns executions that are not in a terminal state,
	// oldest first.
	ListActive(ctx context.Context) ([]*Execution, error)
}

// MemoryStore keeps executions in memory.
type MemoryStore struct {
	mu    sync.RWMutex
	execs map[string]*Execution
}

var _ StateStore = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{execs: make(map[string]*Execution)}
}

func (s *MemoryStore) Save(_ context.Context, exec *Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.execs[exec.ID] = exec.clone()
	return nil
}

func (s *MemoryStore) Load(_ context.Context, id string) (*Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	exec, ok := s.execs[id]
	if !ok {
		return nil, ErrExecutionNotFound
	}
	return exec.clone(), nil
}

func (s *MemoryStore) ListActive(_ context.Context) ([]*Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Execution
	for _, exec := range s.execs {
		if !exec.Status.Terminal() {
			out = append(out, exec.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}
