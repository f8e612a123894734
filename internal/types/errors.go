package types

import (
	"errors"
	"fmt"
	"net/http"
)

// ValidationError indicates bad caller input. The optional Required and
// ValidTypes hints are surfaced to the caller verbatim.
type ValidationError struct {
	Message    string   `json:"message"`
	Field      string   `json:"field,omitempty"`
	Required   bool     `json:"required,omitempty"`
	ValidTypes []string `json:"valid_types,omitempty"`
}

func (e *ValidationError) Error() string { return e.Message }

// NotFoundError indicates a missing budget, job, or rule.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

// PermissionError indicates the caller lacks the required role.
type PermissionError struct {
	Message string
}

func (e *PermissionError) Error() string { return e.Message }

// BudgetExceededError indicates a budget constraint rejected the request.
// It carries the amounts so callers can display remaining headroom.
type BudgetExceededError struct {
	BudgetID  string  `json:"budget_id"`
	Remaining float64 `json:"remaining"`
	Requested float64 `json:"requested"`
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("budget %s exceeded: requested %.6f, remaining %.6f", e.BudgetID, e.Requested, e.Remaining)
}

// ProviderError wraps an upstream failure. Retryable errors are retried by
// the dispatcher before being surfaced.
type ProviderError struct {
	Provider   string
	StatusCode int
	Message    string
	Retryable  bool
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s failed (status %d): %s", e.Provider, e.StatusCode, e.Message)
}

// RoutingError indicates no eligible provider could serve the request.
type RoutingError struct {
	Message string
}

func (e *RoutingError) Error() string { return e.Message }

// InternalError wraps unexpected failures; detail is suppressed outside
// development mode.
type InternalError struct {
	Err error
}

func (e *InternalError) Error() string { return e.Err.Error() }

func (e *InternalError) Unwrap() error { return e.Err }

// ClassifyError maps an error to its stable type string and HTTP status.
func ClassifyError(err error) (errType string, status int) {
	var (
		validationErr *ValidationError
		notFoundErr   *NotFoundError
		permissionErr *PermissionError
		budgetErr     *BudgetExceededError
		providerErr   *ProviderError
		routingErr    *RoutingError
	)
	switch {
	case errors.As(err, &validationErr):
		return "validation_error", http.StatusBadRequest
	case errors.As(err, &notFoundErr):
		return "not_found_error", http.StatusNotFound
	case errors.As(err, &permissionErr):
		return "permission_error", http.StatusForbidden
	case errors.As(err, &budgetErr):
		return "budget_exceeded_error", http.StatusPaymentRequired
	case errors.As(err, &providerErr):
		return "provider_error", http.StatusBadGateway
	case errors.As(err, &routingErr):
		return "routing_error", http.StatusBadRequest
	default:
		return "internal_error", http.StatusInternalServerError
	}
}
