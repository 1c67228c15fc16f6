package domain

import (
	"fmt"
	"sync"

	"github.com/plaenen/eventengine/pkg/codec"
)

// MissingPolicy decides what happens when a command targets an aggregate id
// that has no events.
type MissingPolicy int

const (
	// CreateOnMissing starts an empty aggregate at version 0.
	CreateOnMissing MissingPolicy = iota

	// RejectMissing fails with NotFoundError unless the command is a
	// CreationCommand.
	RejectMissing
)

func (p MissingPolicy) String() string {
	switch p {
	case CreateOnMissing:
		return "create"
	case RejectMissing:
		return "reject"
	default:
		return fmt.Sprintf("MissingPolicy(%d)", int(p))
	}
}

// Factory returns an empty aggregate for id at version 0.
type Factory func(id string) Aggregate

// AggregateType describes one registered kind of aggregate.
type AggregateType struct {
	Name    string
	Factory Factory

	// Codec encodes event payloads produced by this type. Defaults to JSON.
	Codec codec.Codec

	OnMissing MissingPolicy
}

// Registry maps aggregate type tags to their factories.
type Registry struct {
	mu    sync.RWMutex
	types map[string]AggregateType
}

// NewRegistry creates a registry pre-populated with types.
func NewRegistry(types ...AggregateType) (*Registry, error) {
	r := &Registry{types: make(map[string]AggregateType)}
	for _, t := range types {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds an aggregate type. Names must be unique.
func (r *Registry) Register(t AggregateType) error {
	if t.Name == "" {
		return fmt.Errorf("aggregate type name is required")
	}
	if t.Factory == nil {
		return fmt.Errorf("aggregate type %s: factory is required", t.Name)
	}
	if t.Codec == nil {
		t.Codec = codec.JSON{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.types[t.Name]; exists {
		return fmt.Errorf("aggregate type %s already registered", t.Name)
	}
	r.types[t.Name] = t
	return nil
}

// Lookup returns the registered type for name.
func (r *Registry) Lookup(name string) (AggregateType, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.types[name]
	if !ok {
		return AggregateType{}, fmt.Errorf("%w: %s", ErrUnknownAggregateType, name)
	}
	return t, nil
}

// New builds an empty aggregate of the named type.
func (r *Registry) New(name, id string) (Aggregate, error) {
	t, err := r.Lookup(name)
	if err != nil {
		return nil, err
	}
	agg := t.Factory(id)
	root := agg.Root()
	if root.ID() != id || root.Type() != name {
		return nil, fmt.Errorf("factory for %s returned aggregate %s/%s", name, root.Type(), root.ID())
	}
	return agg, nil
}
