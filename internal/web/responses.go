// responses.go -- Package-wide HTTP error response helpers.
//
// Shared by handlers and middleware. Messages are fixed strings; internal
// error details never reach the client.
package web

import (
	"net/http"
)

type messageBody struct {
	Message string `json:"message"`
}

// InternalServerError returns a 500 JSON response with message.
// The caller logs the underlying error.
func InternalServerError(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusInternalServerError, messageBody{message})
}

// Forbidden returns a 403 JSON response with a generic message.
// Intentionally vague, avoids leaking which check failed.
func Forbidden(w http.ResponseWriter) {
	writeJSON(w, http.StatusForbidden, messageBody{"forbidden"})
}

// NotFound returns a 404 JSON response.
func NotFound(w http.ResponseWriter) {
	writeJSON(w, http.StatusNotFound, messageBody{"not found"})
}

// ServiceUnavailable returns a 503 JSON response with the given payload.
func ServiceUnavailable(w http.ResponseWriter, v any) {
	writeJSON(w, http.StatusServiceUnavailable, v)
}

// OK returns a 200 JSON response with the given payload.
func OK(w http.ResponseWriter, v any) {
	writeJSON(w, http.StatusOK, v)
}
