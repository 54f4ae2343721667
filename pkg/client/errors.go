package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
)

// Common errors returned by the client.
var (
	// ErrRetryExhausted is returned when all retry attempts for a transient
	// failure are used up.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrContextCancelled is returned when the context ends while waiting.
	ErrContextCancelled = errors.New("context cancelled")

	// ErrQuotaExhausted is returned when no credential has budget left. It is
	// fatal for the current pass.
	ErrQuotaExhausted = errors.New("quota exhausted")
)

// ErrorClass represents a classification of remote failures.
type ErrorClass string

const (
	// ErrorClassClient represents 4xx request errors other than quota.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx server errors.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassRateLimit represents 429 responses.
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassNetwork represents transport failures without a status.
	ErrorClassNetwork ErrorClass = "network"

	// ErrorClassQuota represents 403 quota or key exhaustion.
	ErrorClassQuota ErrorClass = "quota"

	// ErrorClassCancelled represents context cancellation or deadline.
	ErrorClassCancelled ErrorClass = "cancelled"

	// ErrorClassUnknown represents anything else. It is not retried.
	ErrorClassUnknown ErrorClass = "unknown"
)

// APIError represents a classified remote API failure.
type APIError struct {
	StatusCode int
	ErrorClass ErrorClass
	Message    string
	Err        error
}

// NewAPIError builds an APIError classified from the HTTP status code.
func NewAPIError(status int, message string, err error) *APIError {
	return &APIError{
		StatusCode: status,
		ErrorClass: ClassifyStatus(status),
		Message:    message,
		Err:        err,
	}
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("API %s error (status %d): %s: %v",
			e.ErrorClass, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("API %s error (status %d): %s",
		e.ErrorClass, e.StatusCode, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *APIError) Unwrap() error {
	return e.Err
}

// ClassifyStatus maps an HTTP status code to an error class.
func ClassifyStatus(status int) ErrorClass {
	switch {
	case status == http.StatusForbidden:
		return ErrorClassQuota
	case status == http.StatusTooManyRequests:
		return ErrorClassRateLimit
	case status >= 400 && status < 500:
		return ErrorClassClient
	case status >= 500:
		return ErrorClassServer
	default:
		return ErrorClassUnknown
	}
}

// Classify determines the class of an error returned by a transport call.
func Classify(err error) ErrorClass {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrContextCancelled) {
		return ErrorClassCancelled
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorClass
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ErrorClassNetwork
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return ErrorClassNetwork
	}

	return ErrorClassUnknown
}

// outcome is the decision taken after one attempt.
type outcome int

const (
	outcomeFatal outcome = iota
	outcomeRotate
	outcomeRetry
)

// outcomeFor maps an error class to the retry state machine transition.
func outcomeFor(class ErrorClass) outcome {
	switch class {
	case ErrorClassQuota:
		return outcomeRotate
	case ErrorClassServer, ErrorClassRateLimit, ErrorClassNetwork:
		return outcomeRetry
	default:
		// Client errors are never retried; retrying only burns quota.
		return outcomeFatal
	}
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}
