package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
)

// APIError is an error rendered as JSON by the admin API
type APIError struct {
	Code       int    `json:"code"`
	Message    string `json:"message"`
	Details    string `json:"details,omitempty"`
	underlying error
}

func (e *APIError) Error() string {
	if e.underlying != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.underlying)
	}
	return e.Message
}

func (e *APIError) Unwrap() error {
	return e.underlying
}

// WriteJSON writes the error as JSON to the response.
// Base errors use pre-serialized bytes.
func (e *APIError) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Code)
	if pre, ok := preSerialized[e]; ok {
		w.Write(pre)
		return
	}
	json.NewEncoder(w).Encode(e)
}

// Common errors
var (
	ErrNotFound = &APIError{
		Code:    http.StatusNotFound,
		Message: "Not Found",
	}

	ErrMethodNotAllowed = &APIError{
		Code:    http.StatusMethodNotAllowed,
		Message: "Method Not Allowed",
	}

	ErrServiceUnavailable = &APIError{
		Code:    http.StatusServiceUnavailable,
		Message: "Service Unavailable",
	}

	ErrInternalServer = &APIError{
		Code:    http.StatusInternalServerError,
		Message: "Internal Server Error",
	}
)

var preSerialized map[*APIError][]byte

func init() {
	bases := []*APIError{
		ErrNotFound, ErrMethodNotAllowed, ErrServiceUnavailable, ErrInternalServer,
	}
	preSerialized = make(map[*APIError][]byte, len(bases))
	for _, e := range bases {
		b, _ := json.Marshal(e)
		b = append(b, '\n') // match json.Encoder behavior
		preSerialized[e] = b
	}
}

// Wrap wraps an error with an HTTP status and message
func Wrap(err error, code int, message string) *APIError {
	return &APIError{
		Code:       code,
		Message:    message,
		underlying: err,
	}
}

// WithDetails returns a copy of e carrying details
func (e *APIError) WithDetails(details string) *APIError {
	return &APIError{
		Code:       e.Code,
		Message:    e.Message,
		Details:    details,
		underlying: e.underlying,
	}
}

// AsAPIError unwraps err to an APIError, falling back to ErrInternalServer
func AsAPIError(err error) *APIError {
	var ae *APIError
	if stderrors.As(err, &ae) {
		return ae
	}
	return ErrInternalServer
}
