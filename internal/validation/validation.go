package validation

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
)

var validate *validator.Validate

const (
	minCodeLength     = 4
	maxCodeLength     = 20
	maxPasswordLength = 128
)

func init() {
	validate = validator.New()

	if err := validate.RegisterValidation("customcode", validateCustomCode); err != nil {
		panic(fmt.Sprintf("failed to register customcode validation: %v", err))
	}
	if err := validate.RegisterValidation("filepassword", validateFilePassword); err != nil {
		panic(fmt.Sprintf("failed to register filepassword validation: %v", err))
	}
}

// UploadForm holds the optional fields sent next to an uploaded file.
type UploadForm struct {
	CustomCode string `validate:"omitempty,customcode"`
	Password   string `validate:"omitempty,filepassword"`
}

// EditForm holds an owner's changes to a file. ExpiresInHours of zero leaves
// the expiry untouched.
type EditForm struct {
	NewCode        string `validate:"omitempty,customcode"`
	Password       string `validate:"omitempty,filepassword"`
	ExpiresInHours int    `validate:"gte=0,lte=720"`
}

// Validate validates a struct using tags
func Validate(s interface{}) error {
	return validate.Struct(s)
}

// ValidateCustomCode validates a custom code separately. Empty is allowed.
func ValidateCustomCode(code string) error {
	return validate.Var(code, "omitempty,customcode")
}

func validateCustomCode(fl validator.FieldLevel) bool {
	code := strings.TrimSpace(fl.Field().String())

	// Custom code requirements:
	// - Length between 4 and 20 characters
	// - Only ASCII letters, digits, underscores and hyphens
	if len(code) < minCodeLength || len(code) > maxCodeLength {
		return false
	}

	for _, char := range code {
		if char > unicode.MaxASCII {
			return false
		}
		if !unicode.IsLetter(char) && !unicode.IsDigit(char) && char != '_' && char != '-' {
			return false
		}
	}

	return true
}

func validateFilePassword(fl validator.FieldLevel) bool {
	password := fl.Field().String()
	n := utf8.RuneCountInString(password)
	return n > 0 && n <= maxPasswordLength && strings.TrimSpace(password) != ""
}

// ValidationError represents a validation error
type ValidationError struct {
	Field string `json:"field"`
	Error string `json:"error"`
}

// FormatError formats a validation error into a human-readable message
func FormatError(err error) []ValidationError {
	var validationErrors []ValidationError

	var errs validator.ValidationErrors
	if !errors.As(err, &errs) {
		return validationErrors
	}

	for _, e := range errs {
		var message string

		switch e.Tag() {
		case "required":
			message = fmt.Sprintf("%s is required", e.Field())
		case "customcode":
			message = fmt.Sprintf("Code must be %d-%d characters long and contain only letters, numbers, underscores, or hyphens", minCodeLength, maxCodeLength)
		case "filepassword":
			message = fmt.Sprintf("Password must be 1-%d characters long and not blank", maxPasswordLength)
		case "gte", "lte":
			message = "Expiry must be between 1 and 720 hours"
		default:
			message = fmt.Sprintf("Invalid value for %s", e.Field())
		}

		validationErrors = append(validationErrors, ValidationError{
			Field: toSnake(e.Field()),
			Error: message,
		})
	}

	return validationErrors
}

// toSnake maps a struct field name onto its form field name.
func toSnake(s string) string {
	var b strings.Builder
	for i, r := range s {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('_')
			}
			r = unicode.ToLower(r)
		}
		b.WriteRune(r)
	}
	return b.String()
}
