package validators

import (
	"fmt"

	"github.com/asaskevich/govalidator"
)

func ValidateEmail(fieldName string, value string) *ValidationResult {
	userFriendlyName := ToUserFriendlyName(fieldName)

	if len(value) == 0 {
		return invalid(fieldName, ValidationCodeRequired,
			fmt.Sprintf("%s is required", userFriendlyName),
			"Please provide a valid email address, e.g., 'name@example.com'.")
	}

	if !govalidator.IsEmail(value) {
		return invalid(fieldName, ValidationCodeInvalid,
			fmt.Sprintf("Please enter a valid %s", userFriendlyName),
			"Please provide a valid email address, e.g., 'name@example.com'.")
	}

	return valid(fieldName)
}
