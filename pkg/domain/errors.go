package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrValidation is matched by every ValidationError.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound is matched by every NotFoundError.
	ErrNotFound = errors.New("aggregate not found")

	// ErrOptimisticLock is matched by every OptimisticLockError.
	ErrOptimisticLock = errors.New("optimistic lock conflict")

	// ErrTimeout is matched by every TimeoutError.
	ErrTimeout = errors.New("operation timed out")

	// ErrProjectionFailure is matched by every ProjectionFailure.
	ErrProjectionFailure = errors.New("projection failure")

	// ErrSagaCompensationFailure is matched by every SagaCompensationFailure.
	ErrSagaCompensationFailure = errors.New("saga compensation failed")

	// ErrVersionGap is returned when an event does not carry the next version.
	ErrVersionGap = errors.New("event version gap")

	// ErrUnknownAggregateType is returned for unregistered aggregate tags.
	ErrUnknownAggregateType = errors.New("unknown aggregate type")
)

// FieldError describes one invalid field.
type FieldError struct {
	Field   string
	Message string
}

// ValidationError rejects a command or query before any effect.
type ValidationError struct {
	Reason string
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return fmt.Sprintf("validation failed: %s", e.Reason)
	}
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	msg := strings.Join(parts, "; ")
	if e.Reason != "" {
		msg = e.Reason + ": " + msg
	}
	return "validation failed: " + msg
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// NewValidationError builds a ValidationError with a reason and no fields.
func NewValidationError(format string, args ...any) *ValidationError {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// NotFoundError reports a command against an unknown aggregate whose type
// rejects implicit creation.
type NotFoundError struct {
	AggregateType string
	AggregateID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("aggregate %s/%s not found", e.AggregateType, e.AggregateID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// OptimisticLockError reports that the stream moved past the version the
// writer based its decision on.
type OptimisticLockError struct {
	AggregateID     string
	ExpectedVersion uint64
	ActualVersion   uint64
}

func (e *OptimisticLockError) Error() string {
	return fmt.Sprintf("optimistic lock conflict on %s: expected version %d, actual %d",
		e.AggregateID, e.ExpectedVersion, e.ActualVersion)
}

func (e *OptimisticLockError) Is(target error) bool { return target == ErrOptimisticLock }

// TimeoutError reports an operation that exceeded its deadline.
type TimeoutError struct {
	Operation string
	Timeout   time.Duration
	Cause     error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Operation, e.Timeout)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

func (e *TimeoutError) Unwrap() error { return e.Cause }

// ProjectionFailure reports projections that could not apply an event.
// It never fails the command that produced the event.
type ProjectionFailure struct {
	Projection  string
	EventID     string
	AggregateID string
	Version     uint64
	Cause       error
}

func (e *ProjectionFailure) Error() string {
	return fmt.Sprintf("projection %s failed on %s v%d (event %s): %v",
		e.Projection, e.AggregateID, e.Version, e.EventID, e.Cause)
}

func (e *ProjectionFailure) Is(target error) bool { return target == ErrProjectionFailure }

func (e *ProjectionFailure) Unwrap() error { return e.Cause }

// SagaCompensationFailure is the terminal error of a saga whose rollback
// could not complete. It requires operator attention.
type SagaCompensationFailure struct {
	ExecutionID string
	SagaName    string
	Step        string
	Cause       error
}

func (e *SagaCompensationFailure) Error() string {
	return fmt.Sprintf("saga %s (%s) compensation failed at step %s: %v",
		e.SagaName, e.ExecutionID, e.Step, e.Cause)
}

func (e *SagaCompensationFailure) Is(target error) bool {
	return target == ErrSagaCompensationFailure
}

func (e *SagaCompensationFailure) Unwrap() error { return e.Cause }
