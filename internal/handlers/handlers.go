// Package handlers implements the HTTP surface of the coordination
// service: lock leases, operation checkpoints, rollback points,
// consistency validation and impersonation sessions.
package handlers

import (
	"encoding/json"
	"net/http"
	"regexp"
	"strings"

	"go.uber.org/zap"
)

// validNamePattern defines the allowed pattern for resource and
// operation identifiers. Lock names use colons as logical separators,
// e.g. "tenant:42:lifecycle".
var validNamePattern = regexp.MustCompile(`^[a-zA-Z0-9:_/.-]+$`)

const (
	maxNameLength = 256 // Maximum length for resource and operation identifiers
)

// errorResponse is the envelope for error responses.
type errorResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// validateName validates resource and operation identifiers.
// Returns an error message when the name is invalid, empty otherwise.
func validateName(name, fieldName string) string {
	name = strings.TrimSpace(name)

	if name == "" {
		return fieldName + " is required"
	}
	if len(name) > maxNameLength {
		return fieldName + " exceeds maximum length"
	}
	if !validNamePattern.MatchString(name) {
		return fieldName + " contains invalid characters"
	}
	return ""
}

// respondJSON sends a JSON response.
func respondJSON(logger *zap.Logger, w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("Failed to encode response", zap.Error(err))
	}
}

// respondError sends an error response.
func respondError(logger *zap.Logger, w http.ResponseWriter, status int, message string) {
	respondJSON(logger, w, status, errorResponse{
		Status:  "error",
		Message: message,
	})
}
