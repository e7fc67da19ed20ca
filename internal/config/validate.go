package config

import (
	"errors"
	"fmt"

	gvalidator "github.com/go-playground/validator/v10"
)

// ErrValidationFailed is the first error in the chain returned when the
// configuration is invalid.
var ErrValidationFailed = errors.New("config validation failed")

const errStringFormat = "'%s': value '%v' does not meet the requirements for the '%s' validation"

var validator = gvalidator.New(gvalidator.WithRequiredStructEnabled())

func formatError(err error) error {
	var validationErrors gvalidator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return err
	}

	errs := []error{ErrValidationFailed}
	for _, validationErr := range validationErrors {
		errs = append(errs, fmt.Errorf(errStringFormat,
			validationErr.Namespace(),
			validationErr.Value(),
			validationErr.Tag(),
		))
	}
	return errors.Join(errs...)
}

func validate(v any) error {
	if err := validator.Struct(v); err != nil {
		return formatError(err)
	}
	return nil
}
