package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// apiError is the uniform REST error body. Code values are stable contract.
type apiError struct {
	Status  int            `json:"-"`
	Code    string         `json:"code"`
	Message string         `json:"error"`
	Details any            `json:"details,omitempty"`
	Help    map[string]any `json:"help,omitempty"`
}

func errValidation(details any) *apiError {
	return &apiError{
		Status:  http.StatusBadRequest,
		Code:    "VALIDATION_ERROR",
		Message: "request failed validation",
		Details: details,
	}
}

func errUnauthorized(schemes []string) *apiError {
	return &apiError{
		Status:  http.StatusUnauthorized,
		Code:    "UNAUTHORIZED",
		Message: "authentication required",
		Help: map[string]any{
			"authMethods": schemes,
			"agentCard":   "/.well-known/agent.json",
		},
	}
}

func errPayment(reason string) *apiError {
	return &apiError{
		Status:  http.StatusPaymentRequired,
		Code:    "PAYMENT_REQUIRED",
		Message: reason,
	}
}

func errForbidden() *apiError {
	return &apiError{
		Status:  http.StatusForbidden,
		Code:    "FORBIDDEN",
		Message: "task belongs to a different identity",
	}
}

func errNotFound() *apiError {
	return &apiError{
		Status:  http.StatusNotFound,
		Code:    "NOT_FOUND",
		Message: "unknown or expired task",
	}
}

func errBodyTooLarge() *apiError {
	return &apiError{
		Status:  http.StatusRequestEntityTooLarge,
		Code:    "BODY_TOO_LARGE",
		Message: "request body exceeds the configured limit",
	}
}

func errRateLimited(message string) *apiError {
	return &apiError{
		Status:  http.StatusTooManyRequests,
		Code:    "RATE_LIMITED",
		Message: message,
		Help: map[string]any{
			"upgrade":   "authenticate with a DID signature or fund an escrow to lift the free-tier quota",
			"agentCard": "/.well-known/agent.json",
		},
	}
}

func errCapacity() *apiError {
	return &apiError{
		Status:  http.StatusServiceUnavailable,
		Code:    "CAPACITY_EXCEEDED",
		Message: "pending task capacity reached, retry later",
	}
}

func errBadGateway(message string) *apiError {
	return &apiError{
		Status:  http.StatusBadGateway,
		Code:    "BAD_GATEWAY",
		Message: message,
	}
}

func errUnavailable(message string) *apiError {
	return &apiError{
		Status:  http.StatusServiceUnavailable,
		Code:    "UNAVAILABLE",
		Message: message,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("response encode failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, e *apiError) {
	writeJSON(w, e.Status, e)
}
