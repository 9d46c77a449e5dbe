package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenPair is the access/refresh credential pair issued on login or refresh.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
}

// AccessClaims are the claims the backend embeds in its access tokens.
type AccessClaims struct {
	jwt.RegisteredClaims
	UserID    string `json:"user_id,omitempty"`
	UserType  string `json:"user_type,omitempty"`
	AcID      string `json:"ac_id,omitempty"`
	TokenType string `json:"token_type,omitempty"`
}

var errNoExpiry = errors.New("token has no exp claim")

// DecodeClaims reads the claims of a JWT without verifying its signature.
// The client never holds the signing key; the server remains the authority on validity.
func DecodeClaims(token string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("failed to decode token: %w", err)
	}
	return claims, nil
}

// ExpiresAt returns the exp claim of a JWT.
func ExpiresAt(token string) (time.Time, error) {
	claims, err := DecodeClaims(token)
	if err != nil {
		return time.Time{}, err
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, errNoExpiry
	}
	return claims.ExpiresAt.Time, nil
}
