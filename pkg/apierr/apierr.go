// Package apierr defines the failure taxonomy shared by the request pipeline,
// the token lifecycle manager and the streaming chat client.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNoRefreshToken is returned when a refresh is requested but no refresh token is stored.
	ErrNoRefreshToken = errors.New("no refresh token available")

	// ErrStopped is the cancellation cause used when a stream is stopped by its owner.
	ErrStopped = errors.New("stream stopped")
)

// NetworkError means no response reached the client. Always retryable.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("network error: %v", e.Err)
	}
	return fmt.Sprintf("network error during %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// Retryable reports true; it exists so callers can match on behavior.
func (e *NetworkError) Retryable() bool { return true }

// AuthError is a 401/403 from the server.
type AuthError struct {
	Status        int
	Message       string
	RequiresLogin bool
}

func (e *AuthError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("authorization failed (%d)", e.Status)
	}
	return fmt.Sprintf("authorization failed (%d): %s", e.Status, e.Message)
}

// ValidationError is a 4xx with a field-level cause, or a client-side input check failure.
type ValidationError struct {
	Status  int
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Message
	}
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
}

// APIError is any other non-2xx response.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	code := e.Code
	if code == "" {
		code = http.StatusText(e.Status)
	}
	if e.Message == "" {
		return fmt.Sprintf("api error %d (%s)", e.Status, code)
	}
	return fmt.Sprintf("api error %d (%s): %s", e.Status, code, e.Message)
}

// StreamTransportError is a dropped or refused stream connection.
// Partial holds the text received before the failure, if any.
type StreamTransportError struct {
	Status  int
	Partial string
	Err     error
}

func (e *StreamTransportError) Error() string {
	switch {
	case e.Status != 0:
		return fmt.Sprintf("stream transport error: status %d", e.Status)
	case e.Partial != "":
		return fmt.Sprintf("stream transport error after %d bytes: %v", len(e.Partial), e.Err)
	default:
		return fmt.Sprintf("stream transport error: %v", e.Err)
	}
}

func (e *StreamTransportError) Unwrap() error { return e.Err }

// SessionTerminatedError means the refresh token is missing, exhausted or rejected.
// The session has already been cleared when this is returned.
type SessionTerminatedError struct {
	Err error
}

func (e *SessionTerminatedError) Error() string {
	return fmt.Sprintf("session terminated: %v", e.Err)
}

func (e *SessionTerminatedError) Unwrap() error { return e.Err }

// ConnectivityLostError is raised when the reachability monitor reports offline mid-stream.
type ConnectivityLostError struct {
	Partial string
}

func (e *ConnectivityLostError) Error() string {
	return "connectivity lost"
}

// IsRetryable is the request pipeline's retry predicate: network errors and 5xx responses.
func IsRetryable(err error) bool {
	var netErr *NetworkError
	if errors.As(err, &netErr) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= 500
	}
	var streamErr *StreamTransportError
	if errors.As(err, &streamErr) {
		return streamErr.Status == 0 || streamErr.Status >= 500
	}
	return false
}

// RequiresLogin reports whether err means the user has to log in again.
func RequiresLogin(err error) bool {
	var term *SessionTerminatedError
	if errors.As(err, &term) {
		return true
	}
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return authErr.RequiresLogin
	}
	return errors.Is(err, ErrNoRefreshToken)
}

// FromStatus classifies a non-2xx response.
func FromStatus(status int, code, message, field string) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &AuthError{Status: status, Message: message, RequiresLogin: status == http.StatusUnauthorized}
	case status == http.StatusUnprocessableEntity || (status == http.StatusBadRequest && field != ""):
		return &ValidationError{Status: status, Field: field, Message: message}
	default:
		return &APIError{Status: status, Code: code, Message: message}
	}
}
