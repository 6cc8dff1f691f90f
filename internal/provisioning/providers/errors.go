// Package providers holds the failure taxonomy shared by the outbound clients
// (content store, ledger, DNS registrar).
package providers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Kind identifies which external step failed.
type Kind string

const (
	KindContentStoreUnavailable Kind = "content_store_unavailable"
	KindMintFailed              Kind = "mint_failed"
	KindDNSConfigurationFailed  Kind = "dns_configuration_failed"
)

// ErrorCategory defines the normalized failure taxonomy
type ErrorCategory string

const (
	// ErrorTimeout indicates the provider took too long to respond
	ErrorTimeout ErrorCategory = "timeout"

	// ErrorBadData indicates the provider rejected or returned malformed data
	ErrorBadData ErrorCategory = "bad_data"

	// ErrorAuthentication indicates credential or permission issues
	ErrorAuthentication ErrorCategory = "authentication"

	// ErrorProviderOutage indicates the provider is unreachable or failing
	ErrorProviderOutage ErrorCategory = "provider_outage"

	// ErrorRejected indicates the provider refused the operation (e.g. insufficient funds)
	ErrorRejected ErrorCategory = "rejected"

	// ErrorNotFound indicates the requested record doesn't exist
	ErrorNotFound ErrorCategory = "not_found"

	// ErrorRateLimited indicates too many requests
	ErrorRateLimited ErrorCategory = "rate_limited"

	// ErrorInternal indicates an unexpected internal error
	ErrorInternal ErrorCategory = "internal"
)

// ProviderError wraps provider failures with normalized categorization
type ProviderError struct {
	Kind       Kind
	Category   ErrorCategory
	Provider   string
	StatusCode int
	Message    string
	// Reference is a provider-side handle for work that may already have taken
	// effect, such as the hash of a broadcast transaction.
	Reference  string
	Underlying error
	Retryable  bool
}

// Error implements the error interface
func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("%s: provider %s [%s]", e.Kind, e.Provider, e.Category)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" status %d", e.StatusCode)
	}
	msg += ": " + e.Message
	if e.Underlying != nil {
		msg += ": " + e.Underlying.Error()
	}
	return msg
}

// Unwrap supports error unwrapping
func (e *ProviderError) Unwrap() error {
	return e.Underlying
}

// NewProviderError creates a new normalized provider error
func NewProviderError(kind Kind, category ErrorCategory, provider, message string, underlying error) *ProviderError {
	retryable := category == ErrorTimeout ||
		category == ErrorProviderOutage ||
		category == ErrorRateLimited

	return &ProviderError{
		Kind:       kind,
		Category:   category,
		Provider:   provider,
		Message:    message,
		Underlying: underlying,
		Retryable:  retryable,
	}
}

// WithStatus attaches the provider's HTTP status code.
func (e *ProviderError) WithStatus(code int) *ProviderError {
	e.StatusCode = code
	return e
}

// WithReference attaches a provider-side reference.
func (e *ProviderError) WithReference(ref string) *ProviderError {
	e.Reference = ref
	return e
}

// IsRetryable checks if an error is worth retrying by re-invoking the pipeline
func IsRetryable(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return false
}

// GetCategory extracts the error category from an error
func GetCategory(err error) ErrorCategory {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Category
	}
	return ErrorInternal
}

// GetKind extracts the failed-step kind from an error.
func GetKind(err error) (Kind, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind, true
	}
	return "", false
}

// CategoryForStatus maps an HTTP status code onto the taxonomy.
func CategoryForStatus(status int) ErrorCategory {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrorAuthentication
	case status == http.StatusTooManyRequests:
		return ErrorRateLimited
	case status == http.StatusNotFound:
		return ErrorNotFound
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return ErrorTimeout
	case status >= 500:
		return ErrorProviderOutage
	case status >= 400:
		return ErrorBadData
	default:
		return ErrorInternal
	}
}

// CategoryForTransport classifies a transport-level failure (no response).
func CategoryForTransport(err error) ErrorCategory {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrorTimeout
	}
	return ErrorProviderOutage
}
