package chat

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"

	"github.com/ledzpl/linechat/pkg/wire"
)

// MaxUsernameLength is the longest username, in characters, a login may claim.
const MaxUsernameLength = 32

var validate = newIdentityValidator()

// Username is checked first so a login copying the system identity is
// reported by name.
type identityRules struct {
	Username string `validate:"required,max=32,handle,unreserved=username"`
	ID       string `validate:"required,max=64,unreserved=id"`
}

func newIdentityValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// A handle must survive "@name text" parsing and must not look like a command.
	_ = v.RegisterValidation("handle", func(fl validator.FieldLevel) bool {
		name := fl.Field().String()
		if strings.HasPrefix(name, "@") || strings.HasPrefix(name, "/") {
			return false
		}
		return strings.IndexFunc(name, unicode.IsSpace) < 0
	})
	// The system identity belongs to server notices.
	_ = v.RegisterValidation("unreserved", func(fl validator.FieldLevel) bool {
		reserved := wire.SystemUser.Username
		if fl.Param() == "id" {
			reserved = wire.SystemUser.ID
		}
		return !strings.EqualFold(fl.Field().String(), reserved)
	})
	return v
}

// normalizeIdentity fills in an identity the client left partially empty.
func normalizeIdentity(u wire.User) wire.User {
	if u.ID == "" {
		u.ID = u.Username
	}
	return u
}

// ValidateIdentity checks that u can be registered. The returned error wraps
// ErrInvalidIdentity and reads as a user-facing reason.
func ValidateIdentity(u wire.User) error {
	err := validate.Struct(identityRules{Username: u.Username, ID: u.ID})
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return fmt.Errorf("%w: %v", ErrInvalidIdentity, err)
	}
	return fmt.Errorf("%w: %s", ErrInvalidIdentity, describeRule(verrs[0]))
}

func describeRule(fe validator.FieldError) string {
	field := strings.ToLower(fe.Field())
	switch fe.Tag() {
	case "required":
		return field + " must not be empty"
	case "max":
		return fmt.Sprintf("%s is longer than %s characters", field, fe.Param())
	case "handle":
		return field + " must not contain spaces or start with @ or /"
	case "unreserved":
		return field + " is reserved"
	default:
		return fmt.Sprintf("%s fails rule %q", field, fe.Tag())
	}
}
