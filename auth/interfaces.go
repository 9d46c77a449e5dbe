package auth

import (
	"context"
	"time"
)

// TokenRefresher exchanges a refresh token for a new token pair at the credential-issuing backend.
// A returned pair with an empty RefreshToken means the server did not rotate it.
type TokenRefresher interface {
	ExchangeRefreshToken(ctx context.Context, refreshToken string) (TokenPair, error)
}

// Clock is the time source of the manager. Tests swap it to drive the proactive-refresh timer.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a one-shot timer armed by a Clock.
type Timer interface {
	Stop() bool
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// SystemClock returns the wall clock.
func SystemClock() Clock { return realClock{} }
