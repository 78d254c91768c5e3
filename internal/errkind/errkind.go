// Package errkind defines the closed error vocabulary surfaced over the
// wire and the mapping from error kinds to HTTP status codes.
package errkind

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a runtime failure.
type Kind string

const (
	Validation          Kind = "validation"
	AuthMissing         Kind = "auth_missing"
	AuthInvalid         Kind = "auth_invalid"
	PermissionDenied    Kind = "permission_denied"
	NotFound            Kind = "not_found"
	IdempotencyConflict Kind = "idempotency_conflict"
	RateLimited         Kind = "rate_limited"
	BudgetExceeded      Kind = "budget_exceeded"
	ConfigError         Kind = "config_error"
	UpstreamUnavailable Kind = "upstream_unavailable"
	Timeout             Kind = "timeout"
	Cancelled           Kind = "cancelled"
	Internal            Kind = "internal"
)

// Error is a classified runtime error. Details never carry another
// tenant's identifiers.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any
	wrapped error
}

func (e *Error) Error() string {
	if e.wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.wrapped }

// New builds a classified error.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds a classified error around a cause.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), wrapped: err}
}

// WithDetails attaches structured details to the error.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// KindOf extracts the kind from an error chain, defaulting to Internal.
func KindOf(err error) Kind {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind
	}
	if errors.Is(err, context.Canceled) {
		return Cancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout
	}
	return Internal
}

// HTTPStatus maps a kind to its wire status. budget_exceeded maps to 402
// consistently in this deployment.
func HTTPStatus(kind Kind) int {
	switch kind {
	case Validation:
		return http.StatusBadRequest
	case AuthMissing, AuthInvalid:
		return http.StatusUnauthorized
	case PermissionDenied:
		return http.StatusForbidden
	case NotFound:
		return http.StatusNotFound
	case IdempotencyConflict:
		return http.StatusConflict
	case RateLimited:
		return http.StatusTooManyRequests
	case BudgetExceeded:
		return http.StatusPaymentRequired
	case UpstreamUnavailable:
		return http.StatusBadGateway
	case Timeout:
		return http.StatusGatewayTimeout
	case Cancelled:
		return 499
	default:
		return http.StatusInternalServerError
	}
}
