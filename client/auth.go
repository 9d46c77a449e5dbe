package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/habedi/convo/auth"
	"github.com/rs/zerolog/log"
)

// Login exchanges credentials for a user profile and a token pair.
func (c *Client) Login(ctx context.Context, in LoginRequest) (*LoginResult, error) {
	var out struct {
		User   User       `json:"user"`
		Tokens wireTokens `json:"tokens"`
	}
	err := c.DoJSON(ctx, &Request{Method: http.MethodPost, Path: c.endpoints.Login, Body: in, SkipAuth: true}, &out)
	if err != nil {
		return nil, err
	}

	pair := out.Tokens.pair()
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		return nil, errors.New("login response is missing tokens")
	}
	log.Info().Str("user_id", out.User.ID).Str("user_type", out.User.Type).Msg("Login successful")
	return &LoginResult{User: out.User, Tokens: pair}, nil
}

// ExchangeRefreshToken implements auth.TokenRefresher. The refresh token is sent
// under both the camelCase and the snake_case name; the backend ignores the one it does not know.
func (c *Client) ExchangeRefreshToken(ctx context.Context, refreshToken string) (auth.TokenPair, error) {
	body := map[string]string{
		"refreshToken":  refreshToken,
		"refresh_token": refreshToken,
	}
	var out wireTokens
	err := c.DoJSON(ctx, &Request{Method: http.MethodPost, Path: c.endpoints.Refresh, Body: body, SkipAuth: true}, &out)
	if err != nil {
		return auth.TokenPair{}, fmt.Errorf("token refresh failed: %w", err)
	}
	pair := out.pair()
	if pair.AccessToken == "" {
		return auth.TokenPair{}, errors.New("token refresh response has no access token")
	}
	return pair, nil
}

// Logout asks the backend to invalidate the session.
func (c *Client) Logout(ctx context.Context) error {
	return c.DoJSON(ctx, &Request{Method: http.MethodPost, Path: c.endpoints.Logout}, nil)
}

// Me returns the profile of the token holder.
func (c *Client) Me(ctx context.Context) (*User, error) {
	var u User
	if err := c.DoJSON(ctx, &Request{Method: http.MethodGet, Path: c.endpoints.Me}, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// VerifyToken asks the backend whether the current access token is valid.
func (c *Client) VerifyToken(ctx context.Context) (*VerifyResult, error) {
	var out VerifyResult
	if err := c.DoJSON(ctx, &Request{Method: http.MethodPost, Path: c.endpoints.Verify}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Health calls the health endpoint once, without retry or auth.
func (c *Client) Health(ctx context.Context) (HealthStatus, error) {
	var hs HealthStatus
	resp, _, err := c.send(ctx, c.http, &Request{Method: http.MethodGet, Path: c.endpoints.Health, SkipAuth: true}, nil)
	if err != nil {
		return hs, err
	}
	defer closeResponseBody(resp)
	if err := json.NewDecoder(resp.Body).Decode(&hs); err != nil {
		return hs, fmt.Errorf("failed to parse health response: %w", err)
	}
	if !hs.Healthy() {
		return hs, fmt.Errorf("backend reports %s: %s", hs.Status, hs.Error)
	}
	return hs, nil
}
