// ABOUTME: Error classification mapping arbitrary errors to {transient, permanent} with a category tag.
// ABOUTME: Pure function with no I/O; unrecognized errors fail safe to permanent.
package pipeline

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"
)

// Error categories form a closed vocabulary used on pipeline_errors rows
// and in log filtering.
const (
	CategoryInputInvalid = "input_invalid"
	CategoryTransient    = "external_transient"
	CategoryPermanent    = "external_permanent"
	CategoryHandlerBug   = "handler_bug"
	CategoryCoordination = "coordination"
	CategoryCancelled    = "cancelled"
)

// Classification is the result of classifying one error.
type Classification struct {
	Transient bool
	Category  string
}

// HTTPError carries the status code of a failed call to an external HTTP
// service so the classifier can distinguish retryable responses.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return e.Message
}

// IsRetryable reports whether the status code indicates a transient condition:
// request timeout, rate limiting, or a server-side error.
func (e *HTTPError) IsRetryable() bool {
	return e.StatusCode == 408 || e.StatusCode == 429 || (e.StatusCode >= 500 && e.StatusCode <= 599)
}

// ValidationError marks a document or stage input as malformed. Always permanent.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// Classify maps an error to its retry classification. Transient: network
// timeouts, connection resets, HTTP 408/429/5xx, deadline expiry. Permanent:
// other HTTP 4xx, validation failures, and — fail-safe — anything the
// classifier does not recognize.
func Classify(err error) Classification {
	if err == nil {
		return Classification{Transient: false, Category: CategoryHandlerBug}
	}

	if errors.Is(err, context.Canceled) {
		return Classification{Transient: false, Category: CategoryCancelled}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Classification{Transient: true, Category: CategoryTransient}
	}

	var vErr *ValidationError
	if errors.As(err, &vErr) {
		return Classification{Transient: false, Category: CategoryInputInvalid}
	}

	var hErr *HTTPError
	if errors.As(err, &hErr) {
		if hErr.IsRetryable() {
			return Classification{Transient: true, Category: CategoryTransient}
		}
		return Classification{Transient: false, Category: CategoryPermanent}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Classification{Transient: true, Category: CategoryTransient}
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return Classification{Transient: true, Category: CategoryTransient}
	}

	// Honor an explicit retryability hint from typed errors.
	type retryable interface {
		IsRetryable() bool
	}
	if r, ok := err.(retryable); ok {
		if r.IsRetryable() {
			return Classification{Transient: true, Category: CategoryTransient}
		}
		return Classification{Transient: false, Category: CategoryPermanent}
	}

	// Unknown errors are treated as bugs: permanent, never retried.
	return Classification{Transient: false, Category: CategoryHandlerBug}
}
