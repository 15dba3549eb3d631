package shunya

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
)

const (
	ErrorTypeClient = "client_error"
	ErrorTypeServer = "server_error"
	ErrorTypeRate   = "rate_limit_error"
	ErrorTypeAuth   = "authentication_error"
)

// Sentinel errors for transport-level failures.
var (
	ErrUnreachable = errors.New("shunya unreachable")
	ErrTimeout     = errors.New("shunya call timeout")
)

// APIError is the canonical error envelope the external service returns.
// Retryable drives the client's retry loop and propagates up to the
// orchestrator.
type APIError struct {
	Code      string         `json:"error_code"`
	Type      string         `json:"error_type"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"`
	Details   map[string]any `json:"details"`
	Timestamp string         `json:"timestamp"`
	RequestID string         `json:"request_id"`
	Status    int            `json:"-"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("shunya api error %s (%s): %s", e.Code, e.Type, e.Message)
}

type errorEnvelope struct {
	Success bool      `json:"success"`
	Error   *APIError `json:"error"`
}

// ParseAPIError decodes an error response body into an APIError. Unknown or
// unparseable shapes fail closed as non-retryable, except 429 and explicit
// gateway/service-unavailable statuses which are transient by definition.
func ParseAPIError(status int, body []byte) *APIError {
	var env errorEnvelope
	if err := json.Unmarshal(body, &env); err == nil && env.Error != nil && env.Error.Code != "" {
		env.Error.Status = status
		if status == http.StatusTooManyRequests {
			env.Error.Retryable = true
		}
		return env.Error
	}

	apiErr := &APIError{
		Code:    fmt.Sprintf("HTTP_%d", status),
		Message: http.StatusText(status),
		Status:  status,
	}
	switch {
	case status == http.StatusTooManyRequests:
		apiErr.Type = ErrorTypeRate
		apiErr.Retryable = true
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		apiErr.Type = ErrorTypeAuth
	case status >= 500:
		apiErr.Type = ErrorTypeServer
		// No envelope means no retryable flag; fail closed except for the
		// statuses that are transient by definition.
		apiErr.Retryable = status == http.StatusBadGateway || status == http.StatusServiceUnavailable || status == http.StatusGatewayTimeout
	default:
		apiErr.Type = ErrorTypeClient
	}
	return apiErr
}

// IsRetryable reports whether the failure is worth another attempt: network
// and timeout failures always, API errors only when flagged.
func IsRetryable(err error) bool {
	if errors.Is(err, ErrUnreachable) || errors.Is(err, ErrTimeout) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable
	}
	return false
}

// classifyTransportError maps transport-level errors to sentinel errors.
func classifyTransportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	return fmt.Errorf("%w: %v", ErrUnreachable, err)
}
