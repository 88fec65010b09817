package outbound

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gotrs-io/mailbridge/internal/models"
)

// ErrChannelNotConfigured is returned when no channel serves the requested provider.
var ErrChannelNotConfigured = errors.New("outbound channel not configured")

// ProviderError carries the mail provider's diagnostic back to the caller.
type ProviderError struct {
	Provider   models.Provider
	StatusCode int
	Body       string
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s provider error %d: %s", e.Provider, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("%s provider error: %s", e.Provider, e.Body)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// tripsBreaker reports whether the failure says something about provider health.
// Client errors other than throttling do not.
func tripsBreaker(err error) bool {
	if err == nil {
		return false
	}
	var pe *ProviderError
	if errors.As(err, &pe) && pe.StatusCode >= 400 && pe.StatusCode < 500 {
		return pe.StatusCode == http.StatusTooManyRequests
	}
	return true
}

func asProviderError(p models.Provider, err error) *ProviderError {
	var pe *ProviderError
	if errors.As(err, &pe) {
		if pe.Provider == "" {
			pe.Provider = p
		}
		return pe
	}
	return &ProviderError{Provider: p, Body: err.Error(), Err: err}
}
