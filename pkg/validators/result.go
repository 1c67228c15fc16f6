// Package validators checks command and query fields and collects the
// failures into a *domain.ValidationError.
package validators

import (
	"github.com/plaenen/eventengine/pkg/domain"
)

// ValidationCode represents the type of validation result
type ValidationCode string

const (
	ValidationCodeSuccess  ValidationCode = "success"
	ValidationCodeRequired ValidationCode = "required"
	ValidationCodeInvalid  ValidationCode = "invalid"
)

// ValidationResult is the outcome of checking one field.
type ValidationResult struct {
	IsValid         bool           `json:"is_valid"`
	FieldName       string         `json:"field_name"`
	Message         string         `json:"message,omitempty"`
	SuggestedAction string         `json:"suggested_action,omitempty"`
	ValidationCode  ValidationCode `json:"validation_code"`
}

func valid(fieldName string) *ValidationResult {
	return &ValidationResult{IsValid: true, FieldName: fieldName, ValidationCode: ValidationCodeSuccess}
}

func invalid(fieldName string, code ValidationCode, message, action string) *ValidationResult {
	return &ValidationResult{
		FieldName:       fieldName,
		Message:         message,
		SuggestedAction: action,
		ValidationCode:  code,
	}
}

// FieldError converts a failed result. Valid results yield the zero value.
func (vr *ValidationResult) FieldError() domain.FieldError {
	if vr.IsValid {
		return domain.FieldError{}
	}
	return domain.FieldError{Field: vr.FieldName, Message: vr.Message}
}

// ValidationBuilder collects validation results in the order they were
// added.
type ValidationBuilder struct {
	results []*ValidationResult
}

// NewValidationBuilder creates a new validation builder
func NewValidationBuilder() *ValidationBuilder {
	return &ValidationBuilder{}
}

// Add records a result.
func (b *ValidationBuilder) Add(result *ValidationResult) *ValidationBuilder {
	b.results = append(b.results, result)
	return b
}

// Failures returns the results that did not pass.
func (b *ValidationBuilder) Failures() []*ValidationResult {
	var out []*ValidationResult
	for _, r := range b.results {
		if !r.IsValid {
			out = append(out, r)
		}
	}
	return out
}

// Err returns a *domain.ValidationError listing every failed field, or nil
// if all results passed.
func (b *ValidationBuilder) Err() error {
	failures := b.Failures()
	if len(failures) == 0 {
		return nil
	}
	fields := make([]domain.FieldError, 0, len(failures))
	for _, f := range failures {
		fields = append(fields, f.FieldError())
	}
	return &domain.ValidationError{Fields: fields}
}
