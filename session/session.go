// Package session is the authentication state machine observed by the UI:
// login, logout, bootstrap check and explicit refresh over the token manager
// and the request pipeline.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/habedi/convo/auth"
	"github.com/habedi/convo/client"
	"github.com/habedi/convo/pkg/apierr"
	"github.com/habedi/convo/pkg/validation"
	"github.com/habedi/convo/store"
	"github.com/rs/zerolog/log"
)

// API is the part of the backend the facade calls. *client.Client satisfies it.
type API interface {
	Login(ctx context.Context, in client.LoginRequest) (*client.LoginResult, error)
	Logout(ctx context.Context) error
	Me(ctx context.Context) (*client.User, error)
}

// State is what observers see.
type State struct {
	User            *client.User
	IsAuthenticated bool
	IsLoading       bool
	IsRefreshing    bool
	Err             error
}

// Credentials are the inputs of Login.
type Credentials struct {
	Username    string
	Password    string
	LoginType   string
	SessionCode string
}

// Service is safe for concurrent use.
type Service struct {
	api    API
	tokens *auth.Manager
	tiers  *store.Tiers
	verify bool

	mu        sync.Mutex
	state     State
	listeners map[int]func(State)
	nextID    int
}

// Option configures a Service.
type Option func(*Service)

// WithVerify makes CheckAuth confirm a locally valid token with the backend and adopt the returned profile.
func WithVerify(v bool) Option {
	return func(s *Service) { s.verify = v }
}

// New wires the facade to the token manager's refresh and termination hooks.
func New(api API, tokens *auth.Manager, tiers *store.Tiers, opts ...Option) *Service {
	s := &Service{
		api:       api,
		tokens:    tokens,
		tiers:     tiers,
		listeners: make(map[int]func(State)),
	}
	for _, opt := range opts {
		opt(s)
	}

	tokens.OnSessionTerminated(func(err error) {
		s.set(func(st *State) {
			*st = State{Err: err}
		})
	})
	tokens.OnRefreshed(func(auth.TokenPair) {
		s.set(func(st *State) {
			st.IsAuthenticated = true
			st.Err = nil
		})
	})
	return s
}

// Login validates the credentials locally, then exchanges them for a session.
func (s *Service) Login(ctx context.Context, creds Credentials) (*client.User, error) {
	if err := validateCredentials(creds); err != nil {
		s.set(func(st *State) { st.Err = err })
		return nil, err
	}

	s.set(func(st *State) {
		st.IsLoading = true
		st.Err = nil
	})

	res, err := s.api.Login(ctx, client.LoginRequest{
		Username:    strings.TrimSpace(creds.Username),
		Password:    creds.Password,
		LoginType:   creds.LoginType,
		SessionCode: strings.TrimSpace(creds.SessionCode),
	})
	if err != nil {
		s.set(func(st *State) { *st = State{Err: err} })
		return nil, err
	}

	if err := s.tokens.SetTokens(ctx, res.Tokens); err != nil {
		s.set(func(st *State) { *st = State{Err: err} })
		return nil, fmt.Errorf("failed to store session: %w", err)
	}
	s.saveProfile(ctx, &res.User)

	user := res.User
	s.set(func(st *State) { *st = State{User: &user, IsAuthenticated: true} })
	return &user, nil
}

func validateCredentials(c Credentials) error {
	if err := validation.ValidateNonEmptyString("username", c.Username); err != nil {
		return &apierr.ValidationError{Field: "username", Message: err.Error()}
	}
	if c.Password == "" {
		return &apierr.ValidationError{Field: "password", Message: "password cannot be empty"}
	}
	if err := validation.ValidateLoginType(c.LoginType); err != nil {
		return &apierr.ValidationError{Field: "loginType", Message: err.Error()}
	}
	if c.LoginType == validation.LoginTypeOrganization && strings.TrimSpace(c.SessionCode) == "" {
		return &apierr.ValidationError{Field: "sessionCode", Message: "session code is required for organization login"}
	}
	return nil
}

// Logout tells the backend and always clears local credentials, whatever the backend says.
func (s *Service) Logout(ctx context.Context) error {
	if s.tokens.HasSession(ctx) {
		if err := s.api.Logout(ctx); err != nil {
			log.Warn().Err(err).Msg("Server-side logout failed, clearing local session anyway")
		}
	}
	// the server call may have used up ctx; the local wipe must still run
	err := s.tokens.Clear(context.WithoutCancel(ctx))
	s.set(func(st *State) { *st = State{} })
	if err != nil {
		return fmt.Errorf("failed to clear credentials: %w", err)
	}
	return nil
}

// CheckAuth bootstraps the session from storage. Without tokens there is no network call.
// An expired access token gets one refresh; if that fails the session is unauthenticated.
func (s *Service) CheckAuth(ctx context.Context) State {
	if !s.tokens.HasSession(ctx) {
		s.set(func(st *State) { *st = State{} })
		return s.State()
	}

	s.set(func(st *State) {
		st.IsLoading = true
		st.Err = nil
	})

	if s.tokens.IsExpired(ctx) {
		if _, err := s.tokens.Refresh(ctx); err != nil {
			log.Info().Err(err).Msg("Stored session could not be renewed")
			s.set(func(st *State) { *st = State{Err: err} })
			return s.State()
		}
	} else {
		s.tokens.ScheduleProactiveRefresh(ctx)
	}

	user := s.loadProfile(ctx)
	if s.verify {
		me, err := s.api.Me(ctx)
		switch {
		case err == nil:
			user = me
			s.saveProfile(ctx, me)
		case apierr.RequiresLogin(err):
			if cerr := s.tokens.Clear(ctx); cerr != nil {
				log.Error().Err(cerr).Msg("Failed to clear credentials")
			}
			s.set(func(st *State) { *st = State{Err: err} })
			return s.State()
		default:
			log.Warn().Err(err).Msg("Could not verify session with the server, keeping local state")
		}
	}

	s.set(func(st *State) { *st = State{User: user, IsAuthenticated: true} })
	return s.State()
}

// RefreshToken renews the tokens on demand.
func (s *Service) RefreshToken(ctx context.Context) error {
	s.set(func(st *State) { st.IsRefreshing = true })
	_, err := s.tokens.Refresh(ctx)
	s.set(func(st *State) { st.IsRefreshing = false })
	return err
}

// User returns the cached profile, if any.
func (s *Service) User(ctx context.Context) *client.User {
	if u := s.State().User; u != nil {
		return u
	}
	return s.loadProfile(ctx)
}

// LastConversation returns the id of the most recent conversation.
func (s *Service) LastConversation(ctx context.Context) (string, bool) {
	v, ok, err := s.tiers.Persistent.Get(ctx, store.KeyLastConversationID)
	if err != nil {
		log.Error().Err(err).Msg("Failed to read last conversation")
		return "", false
	}
	return v, ok && v != ""
}

// RememberConversation records id so a later session can resume it.
func (s *Service) RememberConversation(ctx context.Context, id string) error {
	if id == "" {
		return nil
	}
	return s.tiers.Persistent.Set(ctx, store.KeyLastConversationID, id)
}

// State returns the current snapshot. IsAuthenticated is re-checked against the stored token's expiry.
func (s *Service) State() State {
	s.mu.Lock()
	st := s.state
	s.mu.Unlock()
	st.IsRefreshing = st.IsRefreshing || s.tokens.IsRefreshing()
	if st.IsAuthenticated && s.tokens.IsExpired(context.Background()) {
		st.IsAuthenticated = false
	}
	return st
}

// Subscribe registers fn for every state change and returns a function that removes it.
func (s *Service) Subscribe(fn func(State)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners, id)
			s.mu.Unlock()
		})
	}
}

func (s *Service) set(mutate func(*State)) {
	s.mu.Lock()
	mutate(&s.state)
	st := s.state
	listeners := make([]func(State), 0, len(s.listeners))
	for _, fn := range s.listeners {
		listeners = append(listeners, fn)
	}
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(st)
	}
}

func (s *Service) saveProfile(ctx context.Context, u *client.User) {
	data, err := json.Marshal(u)
	if err != nil {
		log.Error().Err(err).Msg("Failed to encode user profile")
		return
	}
	if err := s.tiers.Persistent.Set(ctx, store.KeyUserProfile, string(data)); err != nil {
		log.Error().Err(err).Msg("Failed to store user profile")
	}
}

func (s *Service) loadProfile(ctx context.Context) *client.User {
	v, ok, err := s.tiers.Persistent.Get(ctx, store.KeyUserProfile)
	if err != nil || !ok {
		return nil
	}
	var u client.User
	if err := json.Unmarshal([]byte(v), &u); err != nil {
		log.Warn().Err(err).Msg("Discarding unreadable user profile")
		return nil
	}
	return &u
}

// IsValidation reports whether err is a local or server-side validation failure.
func IsValidation(err error) bool {
	var v *apierr.ValidationError
	return errors.As(err, &v)
}
