package providers

import (
	"errors"
	"fmt"
)

// Provider failure taxonomy. These surface as typed results to the
// orchestrator, never through a global error channel.
var (
	ErrProviderNotFound = errors.New("provider not found")
	ErrMissingAPIKey    = errors.New("missing api key")
	ErrTimeout          = errors.New("provider timeout")
)

// ProviderError is a provider-declared failure (non-2xx response body or a
// structured API error). Never retried.
type ProviderError struct {
	ProviderID string
	Status     int
	Message    string
}

func (e *ProviderError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: provider error (HTTP %d): %s", e.ProviderID, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: provider error: %s", e.ProviderID, e.Message)
}

// NotFoundError wraps ErrProviderNotFound with the offending id.
func NotFoundError(providerID string) error {
	return fmt.Errorf("%w: %q", ErrProviderNotFound, providerID)
}

// MissingKeyError wraps ErrMissingAPIKey with the provider id.
func MissingKeyError(providerID string) error {
	return fmt.Errorf("%w: %s", ErrMissingAPIKey, providerID)
}
