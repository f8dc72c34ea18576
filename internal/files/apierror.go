package files

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"dropcode-go/internal/codes"
	"dropcode-go/internal/validation"

	"github.com/rs/zerolog/log"
)

// APIError represents a standardized error response
type APIError struct {
	Code    string                       `json:"code"`
	Message string                       `json:"message"`
	Fields  []validation.ValidationError `json:"fields,omitempty"`
}

// Common error codes
const (
	ErrCodeInvalidInput      = "INVALID_INPUT"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeForbidden         = "FORBIDDEN"
	ErrCodeCodeConflict      = "CODE_CONFLICT"
	ErrCodeCapacityExhausted = "CAPACITY_EXHAUSTED"
	ErrCodeFileTooLarge      = "FILE_TOO_LARGE"
	ErrCodeUnavailable       = "SERVICE_UNAVAILABLE"
	ErrCodeInternalError     = "INTERNAL_ERROR"
)

// classify maps a service error onto its status and envelope. Missing
// artifacts look like unknown codes to clients.
func classify(err error) (int, *APIError) {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrArtifactMissing):
		return http.StatusNotFound, &APIError{Code: ErrCodeNotFound, Message: "File not found or expired"}
	case errors.Is(err, codes.ErrCodeConflict):
		return http.StatusConflict, &APIError{Code: ErrCodeCodeConflict, Message: "This code is already in use"}
	case errors.Is(err, codes.ErrCapacityExhausted):
		return http.StatusServiceUnavailable, &APIError{Code: ErrCodeCapacityExhausted, Message: "No free codes are left, try again later"}
	case errors.Is(err, codes.ErrInvalidCode):
		return http.StatusBadRequest, &APIError{Code: ErrCodeInvalidInput, Message: "Invalid code"}
	case errors.Is(err, ErrNoFile):
		return http.StatusBadRequest, &APIError{Code: ErrCodeInvalidInput, Message: "No file provided"}
	case errors.Is(err, ErrEmptyFile):
		return http.StatusBadRequest, &APIError{Code: ErrCodeInvalidInput, Message: "File is empty"}
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest, &APIError{Code: ErrCodeInvalidInput, Message: inputMessage(err)}
	case errors.Is(err, ErrInvalidExpiry):
		return http.StatusBadRequest, &APIError{Code: ErrCodeInvalidInput, Message: "Invalid expiry"}
	case errors.Is(err, ErrFileTooLarge):
		return http.StatusRequestEntityTooLarge, &APIError{Code: ErrCodeFileTooLarge, Message: "File exceeds maximum allowed size"}
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden, &APIError{Code: ErrCodeForbidden, Message: "Only the uploader can change this file"}
	case errors.Is(err, ErrExternalService):
		return http.StatusBadGateway, &APIError{Code: ErrCodeUnavailable, Message: "Preview is not available"}
	default:
		return http.StatusInternalServerError, &APIError{Code: ErrCodeInternalError, Message: "An internal error occurred"}
	}
}

// inputMessage surfaces the detail invalidInput attached to err.
func inputMessage(err error) string {
	detail, ok := strings.CutPrefix(err.Error(), ErrInvalidInput.Error()+": ")
	if !ok || detail == "" {
		return "Invalid request"
	}
	return "Invalid request: " + detail
}

// writeError sends the JSON envelope for err. Unexpected errors are logged.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, apiErr := classify(err)
	if status == http.StatusInternalServerError {
		log.Error().
			Err(err).
			Str("path", r.URL.Path).
			Msg("internal error occurred")
	}
	writeJSON(w, status, apiErr)
}

func writeValidationError(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusBadRequest, &APIError{
		Code:    ErrCodeInvalidInput,
		Message: "Invalid input",
		Fields:  validation.FormatError(err),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().
			Err(err).
			Msg("failed to encode response")
	}
}
