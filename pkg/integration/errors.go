package integration

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownIntegration is returned when no integration matches the
	// requested name or ID.
	ErrUnknownIntegration = errors.New("unknown integration")

	// ErrProbeMismatch is returned when a probe's pack does not match the
	// integration's type.
	ErrProbeMismatch = errors.New("probe does not belong to this integration")

	// ErrUnsupportedType is returned for integration types the hub has no
	// handler for.
	ErrUnsupportedType = errors.New("unsupported integration type")
)

// HTTPStatusError is the normalised form of every non-2xx response from an
// integration's remote API. Remote failures always surface with this name
// so event rows and probe errors stay greppable.
type HTTPStatusError struct {
	StatusCode int
	Status     string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("httpStatusError: %s", e.Status)
}

// Retryable reports whether the request may be retried: server-side
// failures are, client-side mistakes are not.
func (e *HTTPStatusError) Retryable() bool {
	return e.StatusCode >= 500
}
