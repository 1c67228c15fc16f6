// Package saga orchestrates multi-step workflows triggered by committed
// events. When a step fails, the steps completed before it are compensated
// in reverse order.
package saga

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/plaenen/eventengine/pkg/domain"
)

// DefaultTimeout bounds one saga execution.
const DefaultTimeout = 10 * time.Minute

// Status is the state of a saga execution.
type Status string

const (
	Initialized        Status = "initialized"
	StepRunning        Status = "step_running"
	Compensating       Status = "compensating"
	Completed          Status = "completed"
	Compensated        Status = "compensated"
	CompensationFailed Status = "compensation_failed"
)

// Terminal reports whether no further transition can happen.
func (s Status) Terminal() bool {
	switch s {
	case Completed, Compensated, CompensationFailed:
		return true
	default:
		return false
	}
}

// ErrExecutionNotFound is returned by StateStore.Load for unknown ids.
var ErrExecutionNotFound = errors.New("saga execution not found")

// StepContext is passed to step actions and compensations.
type StepContext struct {
	ExecutionID string
	SagaName    string
	Step        string

	// IdempotencyKey is stable across retries and recovery of the same step
	// of the same execution. External systems should deduplicate on it.
	IdempotencyKey string

	// Trigger is the event that started the saga.
	Trigger *domain.Event

	// Data is shared by the steps of an execution and persisted with it.
	Data map[string]string
}

// StepFunc performs or undoes one step.
type StepFunc func(ctx context.Context, sc *StepContext) error

// Step is one forward action with its compensation. Compensate may be nil
// for steps with nothing to undo.
type Step struct {
	Name       string
	Action     StepFunc
	Compensate StepFunc
}

// Definition describes a saga.
type Definition struct {
	Name string

	// Trigger selects the committed events that start an execution.
	Trigger func(evt *domain.Event) bool

	Steps []Step

	// Timeout bounds one execution. Defaults to DefaultTimeout.
	Timeout time.Duration
}

func (d Definition) validate() error {
	if d.Name == "" {
		return errors.New("saga name is required")
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("saga %s has no steps", d.Name)
	}
	seen := make(map[string]bool, len(d.Steps))
	for _, s := range d.Steps {
		if s.Name == "" || s.Action == nil {
			return fmt.Errorf("saga %s: every step needs a name and an action", d.Name)
		}
		if seen[s.Name] {
			return fmt.Errorf("saga %s: duplicate step %s", d.Name, s.Name)
		}
		seen[s.Name] = true
	}
	return nil
}

// Execution is the persisted state of one saga run.
type Execution struct {
	ID       string `json:"id"`
	SagaName string `json:"saga_name"`
	Status   Status `json:"status"`

	// CurrentStep is the index of the step running or being compensated.
	CurrentStep int `json:"current_step"`

	Completed   []string `json:"completed,omitempty"`
	Compensated []string `json:"compensated,omitempty"`

	Trigger *domain.Event     `json:"trigger,omitempty"`
	Data    map[string]string `json:"data,omitempty"`

	// Error describes the failure that led to compensation.
	Error string `json:"error,omitempty"`

	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (e *Execution) clone() *Execution {
	cp := *e
	cp.Completed = append([]string(nil), e.Completed...)
	cp.Compensated = append([]string(nil), e.Compensated...)
	if e.Data != nil {
		cp.Data = make(map[string]string, len(e.Data))
		for k, v := range e.Data {
			cp.Data[k] = v
		}
	}
	return &cp
}
