package domain

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestErrorTaxonomy(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		sentinel error
	}{
		{"validation", &ValidationError{Reason: "empty id"}, ErrValidation},
		{"not found", &NotFoundError{AggregateType: "booking", AggregateID: "b-1"}, ErrNotFound},
		{"optimistic lock", &OptimisticLockError{AggregateID: "b-1", ExpectedVersion: 5, ActualVersion: 6}, ErrOptimisticLock},
		{"timeout", &TimeoutError{Operation: "command", Timeout: time.Second, Cause: context.DeadlineExceeded}, ErrTimeout},
		{"projection", &ProjectionFailure{Projection: "summary", Cause: errors.New("boom")}, ErrProjectionFailure},
		{"saga", &SagaCompensationFailure{SagaName: "booking", Step: "refund", Cause: errors.New("boom")}, ErrSagaCompensationFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := fmt.Errorf("execute: %w", tt.err)
			assert.ErrorIs(t, wrapped, tt.sentinel)
			assert.NotEmpty(t, tt.err.Error())
		})
	}
}

func TestTimeoutErrorUnwrapsCause(t *testing.T) {
	err := &TimeoutError{Operation: "query", Timeout: 10 * time.Second, Cause: context.DeadlineExceeded}
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestOptimisticLockErrorAs(t *testing.T) {
	err := fmt.Errorf("append: %w", &OptimisticLockError{AggregateID: "b-1", ExpectedVersion: 5, ActualVersion: 6})

	var lockErr *OptimisticLockError
	assert.True(t, errors.As(err, &lockErr))
	assert.Equal(t, uint64(6), lockErr.ActualVersion)
}

func TestValidationErrorMessage(t *testing.T) {
	err := &ValidationError{Fields: []FieldError{
		{Field: "email", Message: "invalid"},
		{Field: "price", Message: "must be positive"},
	}}
	assert.Equal(t, "validation failed: email: invalid; price: must be positive", err.Error())
}
