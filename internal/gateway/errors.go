package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorKind classifies a delivery failure for the retry policy.
type ErrorKind int

const (
	// KindTransient failures (timeouts, 5xx, rate limiting) are expected to
	// succeed if retried.
	KindTransient ErrorKind = iota
	// KindPermanent failures (invalid or blocked number, explicit rejection)
	// cannot be fixed by retrying.
	KindPermanent
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// APIError is a delivery failure reported by the gateway or the transport.
type APIError struct {
	Kind       ErrorKind
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("gateway %s error (status %d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("gateway %s error: %s", e.Kind, e.Message)
}

// Classify maps an error from a send call to a retry decision. Anything the
// gateway did not explicitly mark permanent is treated as transient: failing
// open toward retry loses nothing, while misclassifying a transient outage as
// permanent drops deliveries.
func Classify(err error) ErrorKind {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTransient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}

	return KindTransient
}

func transient(status int, msg string) *APIError {
	return &APIError{Kind: KindTransient, StatusCode: status, Message: msg}
}

func permanent(status int, msg string) *APIError {
	return &APIError{Kind: KindPermanent, StatusCode: status, Message: msg}
}
