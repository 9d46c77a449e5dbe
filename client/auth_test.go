package client_test

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"testing"

	"github.com/habedi/convo/client"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogin(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/auth/login", r.URL.Path)
		assert.Empty(t, r.Header.Get("Authorization"))

		var in map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		assert.Equal(t, "alice", in["username"])
		assert.Equal(t, "organization", in["loginType"])
		assert.Equal(t, "S-1", in["sessionCode"])

		_, _ = w.Write([]byte(`{"user":{"id":"u1","name":"Alice","type":"organization_member","sessionCode":"S-1","ac_id":"alice"},"tokens":{"access":"a1","refresh":"r1"}}`))
	}, &fakeTokens{token: "leftover"})

	res, err := c.Login(context.Background(), client.LoginRequest{
		Username: "alice", Password: "pw", LoginType: "organization", SessionCode: "S-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "u1", res.User.ID)
	assert.Equal(t, client.UserTypeOrganizationMember, res.User.Type)
	assert.Equal(t, "a1", res.Tokens.AccessToken)
	assert.Equal(t, "r1", res.Tokens.RefreshToken)
}

func TestLogin_MissingTokens(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"user":{"id":"u1"},"tokens":{}}`))
	}, nil)

	_, err := c.Login(context.Background(), client.LoginRequest{Username: "a", Password: "b", LoginType: "personal"})
	assert.Error(t, err)
}

func TestExchangeRefreshToken(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		wantAccess  string
		wantRefresh string
	}{
		{"snake case", `{"access_token":"a2","refresh_token":"r2"}`, "a2", "r2"},
		{"camel case", `{"accessToken":"a2","refreshToken":"r2"}`, "a2", "r2"},
		{"not rotated", `{"accessToken":"a2"}`, "a2", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
				require.Equal(t, "/api/auth/refresh", r.URL.Path)
				assert.Empty(t, r.Header.Get("Authorization"))
				var in map[string]string
				require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
				assert.Equal(t, "r1", in["refreshToken"])
				assert.Equal(t, "r1", in["refresh_token"])
				_, _ = w.Write([]byte(tt.body))
			}, &fakeTokens{token: "old"})

			pair, err := c.ExchangeRefreshToken(context.Background(), "r1")
			require.NoError(t, err)
			assert.Equal(t, tt.wantAccess, pair.AccessToken)
			assert.Equal(t, tt.wantRefresh, pair.RefreshToken)
		})
	}
}

func TestExchangeRefreshToken_RejectedIsNotReplayed(t *testing.T) {
	var calls atomic.Int32
	tokens := &fakeTokens{token: "old"}
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"detail":"Invalid refresh token"}`))
	}, tokens)

	_, err := c.ExchangeRefreshToken(context.Background(), "r1")
	assert.ErrorContains(t, err, "Invalid refresh token")
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 0, tokens.refreshes)
}

func TestMe_AcceptsUserID(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"user_id":"u9","name":"Bo","ac_id":"bo","type":"personal","sex":"F"}`))
	}, &fakeTokens{token: "tok"})

	u, err := c.Me(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "u9", u.ID)
	assert.Equal(t, "Bo", u.Name)
	assert.Equal(t, "F", u.Sex)
}

func TestVerifyToken(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		_, _ = w.Write([]byte(`{"valid":true,"user":{"user_id":"u1"},"message":"ok"}`))
	}, &fakeTokens{token: "tok"})

	res, err := c.VerifyToken(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, "u1", res.User["user_id"])
}

func TestLogout(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/auth/logout", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"success":true}`))
	}, &fakeTokens{token: "tok"})

	require.NoError(t, c.Logout(context.Background()))
}

func TestHealth(t *testing.T) {
	var unhealthy atomic.Bool
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		if !unhealthy.Load() {
			_, _ = w.Write([]byte(`{"status":"healthy","timestamp":"2026-01-01T00:00:00","components":{"database":"healthy"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"status":"unhealthy","error":"db down"}`))
	}, &fakeTokens{token: "tok"})

	hs, err := c.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "healthy", hs.Components["database"])

	unhealthy.Store(true)
	_, err = c.Health(context.Background())
	assert.ErrorContains(t, err, "db down")
}
