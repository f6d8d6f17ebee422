package account

import (
	"errors"

	"github.com/go-playground/validator/v10"

	"github.com/ohm/healthmanager/internal/platform/fhir"
)

var validate = validator.New()

type usernameInput struct {
	Username string `validate:"required,printascii,max=128"`
}

// ValidateUsername rejects empty, non-printable or overlong usernames.
func ValidateUsername(username string) error {
	err := validate.Struct(usernameInput{Username: username})
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		switch verrs[0].Tag() {
		case "required":
			return fhir.UnprocessableEntity("username is required")
		case "max":
			return fhir.UnprocessableEntity("username must be at most 128 characters")
		default:
			return fhir.UnprocessableEntity("username must contain only printable ASCII characters")
		}
	}
	return fhir.UnprocessableEntity("invalid username: %v", err)
}
