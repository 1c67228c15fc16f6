package validators

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/asaskevich/govalidator"
)

// ToUserFriendlyName converts snake_case field names to user-friendly names
// Examples: "first_name" -> "First Name", "email_address" -> "Email Address"
func ToUserFriendlyName(fieldName string) string {
	if fieldName == "" {
		return fieldName
	}

	parts := strings.Split(fieldName, "_")
	for i, part := range parts {
		if len(part) > 0 {
			parts[i] = strings.ToUpper(part[:1]) + strings.ToLower(part[1:])
		}
	}

	return strings.Join(parts, " ")
}

func ValidateStringEmpty(value string, fieldName string) *ValidationResult {
	if len(strings.TrimSpace(value)) == 0 {
		userFriendlyName := ToUserFriendlyName(fieldName)
		return invalid(fieldName, ValidationCodeRequired,
			fmt.Sprintf("%s is required.", userFriendlyName),
			fmt.Sprintf("Please provide a valid %s.", userFriendlyName))
	}
	return valid(fieldName)
}

// ValidateStringLength validates that a string meets minimum and maximum
// length requirements, counted in characters.
func ValidateStringLength(value string, fieldName string, minLength, maxLength int) *ValidationResult {
	userFriendlyName := ToUserFriendlyName(fieldName)
	n := utf8.RuneCountInString(value)

	if n < minLength {
		return invalid(fieldName, ValidationCodeInvalid,
			fmt.Sprintf("%s must be at least %d characters long.", userFriendlyName, minLength),
			fmt.Sprintf("Please provide a %s with at least %d characters.", userFriendlyName, minLength))
	}

	if n > maxLength {
		return invalid(fieldName, ValidationCodeInvalid,
			fmt.Sprintf("%s must be no more than %d characters long.", userFriendlyName, maxLength),
			fmt.Sprintf("Please provide a %s with no more than %d characters.", userFriendlyName, maxLength))
	}

	return valid(fieldName)
}

// ValidateStringPattern validates that a string matches a regular expression pattern
func ValidateStringPattern(value string, fieldName string, pattern string, patternName string) *ValidationResult {
	userFriendlyName := ToUserFriendlyName(fieldName)

	if len(value) == 0 {
		return invalid(fieldName, ValidationCodeRequired,
			fmt.Sprintf("%s is required.", userFriendlyName),
			fmt.Sprintf("Please provide a valid %s.", userFriendlyName))
	}

	if !govalidator.Matches(value, pattern) {
		return invalid(fieldName, ValidationCodeInvalid,
			fmt.Sprintf("Invalid %s format.", userFriendlyName),
			fmt.Sprintf("Please provide a valid %s that matches the %s pattern.", userFriendlyName, patternName))
	}

	return valid(fieldName)
}

// ValidateOneOf validates that value is one of allowed.
func ValidateOneOf(value string, fieldName string, allowed ...string) *ValidationResult {
	if govalidator.IsIn(value, allowed...) {
		return valid(fieldName)
	}
	userFriendlyName := ToUserFriendlyName(fieldName)
	return invalid(fieldName, ValidationCodeInvalid,
		fmt.Sprintf("%s must be one of %s.", userFriendlyName, strings.Join(allowed, ", ")),
		fmt.Sprintf("Please choose a supported %s.", userFriendlyName))
}
