package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// ErrorResponse represents a standard API error response
type ErrorResponse struct {
	Error   string `json:"error"`            // Machine-readable error code
	Message string `json:"message"`          // Human-readable message
	Detail  string `json:"detail,omitempty"` // Optional additional context (e.g. retry hint)
}

// WriteError writes a JSON error response with the given status code
func WriteError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	WriteErrorWithDetail(w, statusCode, errorCode, message, "")
}

// WriteErrorWithDetail writes a JSON error response with an additional detail string
func WriteErrorWithDetail(w http.ResponseWriter, statusCode int, errorCode, message, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	resp := ErrorResponse{
		Error:   errorCode,
		Message: message,
		Detail:  detail,
	}

	// Log encoding errors but don't expose them to the client
	_ = json.NewEncoder(w).Encode(resp)
}

// Common error writers for consistency
func WriteBadRequest(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, "bad_request", message)
}

func WriteUnauthorized(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusUnauthorized, "unauthorized", message)
}

func WriteForbidden(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusForbidden, "forbidden", message)
}

func WriteNotFound(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusNotFound, "not_found", message)
}

func WriteConflict(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusConflict, "conflict", message)
}

func WriteInternalError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusInternalServerError, "internal_error", message)
}

// WriteRateLimited writes a 429 with a Retry-After header and a human-readable
// retry hint in the detail field.
func WriteRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	seconds := int(retryAfter.Seconds())
	if seconds < 1 {
		seconds = 1
	}
	w.Header().Set("Retry-After", fmt.Sprintf("%d", seconds))
	WriteErrorWithDetail(w, http.StatusTooManyRequests, "rate_limit_exceeded",
		"Too many login attempts. Please try again later.",
		fmt.Sprintf("Too many login attempts. Please retry in %d seconds.", seconds))
}
