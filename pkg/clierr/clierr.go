package clierr

import (
	"context"
	"errors"

	"github.com/habedi/convo/pkg/apierr"
)

// Type categorizes a CLI-facing error for consistent messaging & potential exit codes.
type Type string

const (
	Validation Type = "validation"
	Auth       Type = "auth"
	Network    Type = "network"
	Stream     Type = "stream"
	Internal   Type = "internal"
)

// Error is a structured user-facing error.
type Error struct {
	Type    Type
	Message string
	Err     error // optional underlying error
}

func (e *Error) Error() string { return e.Message }
func (e *Error) Unwrap() error { return e.Err }

// New constructs a new CLI Error.
func New(t Type, msg string, err error) *Error { return &Error{Type: t, Message: msg, Err: err} }

// From maps a core error onto the single message shown to the user.
func From(err error) *Error {
	if err == nil {
		return nil
	}

	var cliErr *Error
	if errors.As(err, &cliErr) {
		return cliErr
	}

	var (
		valErr    *apierr.ValidationError
		authErr   *apierr.AuthError
		termErr   *apierr.SessionTerminatedError
		netErr    *apierr.NetworkError
		lostErr   *apierr.ConnectivityLostError
		streamErr *apierr.StreamTransportError
		apiErr    *apierr.APIError
	)
	switch {
	case errors.As(err, &valErr):
		return New(Validation, valErr.Error(), err)
	case errors.As(err, &termErr), errors.Is(err, apierr.ErrNoRefreshToken):
		return New(Auth, "Your session has ended. Please run 'convo login' again.", err)
	case errors.As(err, &authErr):
		if authErr.RequiresLogin {
			return New(Auth, "Authentication failed. Please check your credentials or run 'convo login'.", err)
		}
		return New(Auth, "You are not allowed to perform this action.", err)
	case errors.As(err, &lostErr):
		return New(Network, "Connection to the server was lost. Check your network and try again.", err)
	case errors.As(err, &netErr):
		return New(Network, "The server could not be reached. Please try again later.", err)
	case errors.As(err, &streamErr):
		return New(Stream, "The response stream failed after several attempts.", err)
	case errors.As(err, &apiErr):
		return New(Internal, apiErr.Error(), err)
	case errors.Is(err, context.Canceled):
		return New(Internal, "Operation cancelled.", err)
	default:
		return New(Internal, err.Error(), err)
	}
}
