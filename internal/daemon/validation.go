package daemon

import (
	"errors"
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
)

// validate is the singleton validator instance
var validate = validator.New()

// Validate checks settings against their struct tags and the rules tags
// cannot express.
func Validate(s *Settings) error {
	if err := validate.Struct(s); err != nil {
		return formatValidationError(err)
	}

	for _, prog := range []string{s.MountProgram, s.UmountProgram} {
		if st, err := os.Stat(prog); err == nil && st.IsDir() {
			return fmt.Errorf("%s: is a directory, expected a program", prog)
		}
	}
	return nil
}

// formatValidationError converts validator errors into user-friendly messages.
func formatValidationError(err error) error {
	var validationErrs validator.ValidationErrors
	if errors.As(err, &validationErrs) && len(validationErrs) > 0 {
		e := validationErrs[0]
		return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
			e.Namespace(), e.Tag(), e.Value())
	}
	return err
}
