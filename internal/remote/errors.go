package remote

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCategory determines how the outbox treats a failed remote call.
type ErrorCategory int

const (
	// Recoverable errors are retried with exponential backoff.
	// Examples: 500 Internal Server Error, timeouts, connection failures.
	Recoverable ErrorCategory = iota

	// Irrecoverable errors park the event without retry.
	// Examples: 400 Bad Request, 401 Unauthorized, 422 Unprocessable Entity.
	Irrecoverable
)

func (c ErrorCategory) String() string {
	switch c {
	case Recoverable:
		return "Recoverable"
	case Irrecoverable:
		return "Irrecoverable"
	default:
		return fmt.Sprintf("Unknown(%d)", int(c))
	}
}

// ErrIdentifierMismatch is returned when the backend answers with an id that
// cannot be the entity's remote identity.
var ErrIdentifierMismatch = errors.New("remote identifier mismatch")

// ClassifiedError wraps an error with categorization metadata for retry policies.
type ClassifiedError struct {
	Category   ErrorCategory
	StatusCode int    // 0 for non-HTTP errors
	Body       string // response body for debugging
	Underlying error
}

func (e *ClassifiedError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("[%s] HTTP %d: %v", e.Category, e.StatusCode, e.Underlying)
	}
	return fmt.Sprintf("[%s] %v", e.Category, e.Underlying)
}

func (e *ClassifiedError) Unwrap() error { return e.Underlying }

// IsIrrecoverable reports whether err should not be retried.
func IsIrrecoverable(err error) bool {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Category == Irrecoverable
	}
	return errors.Is(err, ErrIdentifierMismatch)
}

// IsNotFound reports whether err is an HTTP 404 from the backend.
func IsNotFound(err error) bool {
	var ce *ClassifiedError
	return errors.As(err, &ce) && ce.StatusCode == http.StatusNotFound
}

// StatusCode extracts the HTTP status of a classified error, or 0.
func StatusCode(err error) int {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.StatusCode
	}
	return 0
}

// ClassifyHTTPError decides whether an HTTP failure should be retried:
// 4xx are irrecoverable except 408 and 429, everything else is retried.
func ClassifyHTTPError(statusCode int, body string, underlying error) *ClassifiedError {
	return &ClassifiedError{
		Category:   categoryFor(statusCode),
		StatusCode: statusCode,
		Body:       body,
		Underlying: underlying,
	}
}

func categoryFor(statusCode int) ErrorCategory {
	switch {
	case statusCode >= 400 && statusCode < 500:
		switch statusCode {
		case http.StatusRequestTimeout, http.StatusTooManyRequests:
			return Recoverable
		default:
			return Irrecoverable
		}
	default:
		// 5xx and anything unexpected.
		return Recoverable
	}
}

// NewHTTPError creates a classified error for an unsuccessful response.
func NewHTTPError(statusCode int, body string, operation string) *ClassifiedError {
	return ClassifyHTTPError(statusCode, body, fmt.Errorf("%s failed: HTTP %d", operation, statusCode))
}

// NewNetworkError creates a recoverable error for transport failures.
func NewNetworkError(operation string, err error) *ClassifiedError {
	return &ClassifiedError{
		Category:   Recoverable,
		Underlying: fmt.Errorf("%s network error: %w", operation, err),
	}
}

// NewValidationError creates an irrecoverable error for payloads rejected
// before they are sent.
func NewValidationError(operation string, err error) *ClassifiedError {
	return &ClassifiedError{
		Category:   Irrecoverable,
		Underlying: fmt.Errorf("%s rejected: %w", operation, err),
	}
}
