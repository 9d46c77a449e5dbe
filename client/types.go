package client

import (
	"encoding/json"

	"github.com/habedi/convo/auth"
)

// User types issued by the backend.
const (
	UserTypePersonal           = "personal"
	UserTypeOrganizationAdmin  = "organization_admin"
	UserTypeOrganizationMember = "organization_member"
)

// Endpoints are the paths of the backend calls, relative to the base URL.
type Endpoints struct {
	Login   string `yaml:"login"`
	Refresh string `yaml:"refresh"`
	Logout  string `yaml:"logout"`
	Me      string `yaml:"me"`
	Verify  string `yaml:"verify"`
	Chat    string `yaml:"chat"`
	Health  string `yaml:"health"`
}

// DefaultEndpoints returns the backend's standard layout.
func DefaultEndpoints() Endpoints {
	return Endpoints{
		Login:   "/api/auth/login",
		Refresh: "/api/auth/refresh",
		Logout:  "/api/auth/logout",
		Me:      "/api/auth/me",
		Verify:  "/api/auth/verify-token",
		Chat:    "/api/chat/stream",
		Health:  "/api/auth/health",
	}
}

// User is the profile returned by login and /me.
type User struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Type        string `json:"type"`
	AcID        string `json:"ac_id,omitempty"`
	SessionCode string `json:"sessionCode,omitempty"`
	Sex         string `json:"sex,omitempty"`
	IsPaid      bool   `json:"isPaid,omitempty"`
	ProductType string `json:"productType,omitempty"`
	IsExpired   bool   `json:"isExpired,omitempty"`
	State       string `json:"state,omitempty"`
	InsSeq      int    `json:"ins_seq,omitempty"`
}

// UnmarshalJSON accepts /me's user_id in place of id.
func (u *User) UnmarshalJSON(data []byte) error {
	type plain User
	var aux struct {
		plain
		UserID string `json:"user_id"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*u = User(aux.plain)
	if u.ID == "" {
		u.ID = aux.UserID
	}
	return nil
}

// LoginRequest is the body of the login call.
type LoginRequest struct {
	Username    string `json:"username"`
	Password    string `json:"password"`
	LoginType   string `json:"loginType"`
	SessionCode string `json:"sessionCode,omitempty"`
}

// LoginResult is what a successful login yields.
type LoginResult struct {
	User   User
	Tokens auth.TokenPair
}

// wireTokens reads a token pair under any of the names the backend has used.
type wireTokens struct {
	Access            string `json:"access"`
	Refresh           string `json:"refresh"`
	AccessToken       string `json:"accessToken"`
	RefreshToken      string `json:"refreshToken"`
	AccessTokenSnake  string `json:"access_token"`
	RefreshTokenSnake string `json:"refresh_token"`
}

func (w wireTokens) pair() auth.TokenPair {
	return auth.TokenPair{
		AccessToken:  firstNonEmpty(w.Access, w.AccessToken, w.AccessTokenSnake),
		RefreshToken: firstNonEmpty(w.Refresh, w.RefreshToken, w.RefreshTokenSnake),
	}
}

// HealthStatus is the body of the health endpoint.
type HealthStatus struct {
	Status     string            `json:"status"`
	Timestamp  string            `json:"timestamp"`
	Components map[string]string `json:"components,omitempty"`
	Error      string            `json:"error,omitempty"`
}

// Healthy reports whether the backend considers itself usable.
func (h HealthStatus) Healthy() bool {
	return h.Status != "unhealthy"
}

// VerifyResult is the body of the verify-token call.
type VerifyResult struct {
	Valid   bool           `json:"valid"`
	User    map[string]any `json:"user"`
	Message string         `json:"message"`
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
