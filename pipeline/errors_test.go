// ABOUTME: Tests for error classification: transient vs permanent and category assignment.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"syscall"
	"testing"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

type retryableErr struct{ retry bool }

func (e retryableErr) Error() string     { return "service error" }
func (e retryableErr) IsRetryable() bool { return e.retry }

func TestClassify(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		wantTransient bool
		wantCategory  string
	}{
		{"context cancelled", context.Canceled, false, CategoryCancelled},
		{"wrapped cancelled", fmt.Errorf("stage: %w", context.Canceled), false, CategoryCancelled},
		{"deadline exceeded", context.DeadlineExceeded, true, CategoryTransient},
		{"validation", &ValidationError{Message: "bad pdf"}, false, CategoryInputInvalid},
		{"http 429", &HTTPError{StatusCode: 429, Message: "rate limited"}, true, CategoryTransient},
		{"http 503", &HTTPError{StatusCode: 503, Message: "unavailable"}, true, CategoryTransient},
		{"http 408", &HTTPError{StatusCode: 408, Message: "timeout"}, true, CategoryTransient},
		{"http 400", &HTTPError{StatusCode: 400, Message: "bad request"}, false, CategoryPermanent},
		{"http 404", &HTTPError{StatusCode: 404, Message: "not found"}, false, CategoryPermanent},
		{"net timeout", timeoutErr{}, true, CategoryTransient},
		{"connection reset", syscall.ECONNRESET, true, CategoryTransient},
		{"connection refused", syscall.ECONNREFUSED, true, CategoryTransient},
		{"unexpected eof", io.ErrUnexpectedEOF, true, CategoryTransient},
		{"retryable hint true", retryableErr{retry: true}, true, CategoryTransient},
		{"retryable hint false", retryableErr{retry: false}, false, CategoryPermanent},
		{"unknown error", errors.New("nil pointer somewhere"), false, CategoryHandlerBug},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cls := Classify(tt.err)
			if cls.Transient != tt.wantTransient {
				t.Errorf("Transient = %v, want %v", cls.Transient, tt.wantTransient)
			}
			if cls.Category != tt.wantCategory {
				t.Errorf("Category = %q, want %q", cls.Category, tt.wantCategory)
			}
		})
	}
}

func TestClassifyWrappedHTTPError(t *testing.T) {
	err := fmt.Errorf("embed batch: %w", &HTTPError{StatusCode: 500, Message: "boom"})
	cls := Classify(err)
	if !cls.Transient {
		t.Error("wrapped 500 should be transient")
	}
}
