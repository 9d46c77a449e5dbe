// Package auth owns the access/refresh token lifecycle: storage across the two
// credential tiers, expiry checks, deduplicated refresh and the proactive
// refresh timer.
package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/habedi/convo/pkg/apierr"
	"github.com/habedi/convo/store"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultLookAhead is how long before expiry the proactive refresh fires.
	DefaultLookAhead = 5 * time.Minute

	// DefaultRefreshTimeout bounds a single refresh exchange.
	DefaultRefreshTimeout = 30 * time.Second

	// minRearmDelay is the shortest timer armed right after a refresh returned an already short-lived token.
	minRearmDelay = time.Second

	refreshKey = "refresh"
)

var errSessionCleared = errors.New("session cleared while refresh was in flight")

// Manager holds the session's tokens. It is safe for concurrent use.
type Manager struct {
	tiers          *store.Tiers
	refresher      TokenRefresher
	clock          Clock
	lookAhead      time.Duration
	refreshTimeout time.Duration

	group      singleflight.Group
	refreshing atomic.Bool

	mu           sync.Mutex
	timer        Timer
	timerSeq     uint64
	generation   uint64
	onTerminated []func(error)
	onRefreshed  []func(TokenPair)
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithLookAhead sets how long before expiry the proactive refresh fires.
func WithLookAhead(d time.Duration) Option {
	return func(m *Manager) { m.lookAhead = d }
}

// WithRefreshTimeout bounds each refresh exchange.
func WithRefreshTimeout(d time.Duration) Option {
	return func(m *Manager) { m.refreshTimeout = d }
}

// NewManager creates a token manager over the given tiers.
func NewManager(tiers *store.Tiers, refresher TokenRefresher, opts ...Option) *Manager {
	m := &Manager{
		tiers:          tiers,
		refresher:      refresher,
		clock:          realClock{},
		lookAhead:      DefaultLookAhead,
		refreshTimeout: DefaultRefreshTimeout,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnSessionTerminated registers fn to run after a failed refresh has cleared the session.
func (m *Manager) OnSessionTerminated(fn func(error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onTerminated = append(m.onTerminated, fn)
}

// OnRefreshed registers fn to run after every successful refresh.
func (m *Manager) OnRefreshed(fn func(TokenPair)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onRefreshed = append(m.onRefreshed, fn)
}

// SetTokens stores a new pair and re-arms the proactive refresh timer.
// The access token goes to the ephemeral tier; the refresh token and the refresh time go to the persistent tier.
func (m *Manager) SetTokens(ctx context.Context, pair TokenPair) error {
	if err := m.writeTokens(ctx, pair); err != nil {
		return err
	}
	m.schedule(pair.AccessToken, false)
	return nil
}

func (m *Manager) writeTokens(ctx context.Context, pair TokenPair) error {
	if err := m.tiers.Ephemeral.Set(ctx, store.KeyAccessToken, pair.AccessToken); err != nil {
		return fmt.Errorf("failed to store access token: %w", err)
	}
	if pair.RefreshToken != "" {
		if err := m.tiers.Persistent.Set(ctx, store.KeyRefreshToken, pair.RefreshToken); err != nil {
			return fmt.Errorf("failed to store refresh token: %w", err)
		}
	}
	now := m.clock.Now().UTC().Format(time.RFC3339)
	if err := m.tiers.Persistent.Set(ctx, store.KeyRefreshedAt, now); err != nil {
		return fmt.Errorf("failed to store refresh time: %w", err)
	}
	return nil
}

// AccessToken returns the stored access token.
func (m *Manager) AccessToken(ctx context.Context) (string, bool) {
	return m.read(ctx, m.tiers.Ephemeral, store.KeyAccessToken)
}

// RefreshToken returns the stored refresh token.
func (m *Manager) RefreshToken(ctx context.Context) (string, bool) {
	return m.read(ctx, m.tiers.Persistent, store.KeyRefreshToken)
}

// RefreshedAt returns when tokens were last written.
func (m *Manager) RefreshedAt(ctx context.Context) (time.Time, bool) {
	v, ok := m.read(ctx, m.tiers.Persistent, store.KeyRefreshedAt)
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func (m *Manager) read(ctx context.Context, s store.Store, key string) (string, bool) {
	v, ok, err := s.Get(ctx, key)
	if err != nil {
		log.Error().Err(err).Str("key", key).Msg("Failed to read credential")
		return "", false
	}
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// HasSession reports whether any token is stored.
func (m *Manager) HasSession(ctx context.Context) bool {
	if _, ok := m.AccessToken(ctx); ok {
		return true
	}
	_, ok := m.RefreshToken(ctx)
	return ok
}

// ExpiresAt returns the exp claim of the stored access token.
func (m *Manager) ExpiresAt(ctx context.Context) (time.Time, error) {
	token, ok := m.AccessToken(ctx)
	if !ok {
		return time.Time{}, errors.New("no access token")
	}
	return ExpiresAt(token)
}

// IsExpired reports true when the access token is absent, undecodable or past its exp claim.
func (m *Manager) IsExpired(ctx context.Context) bool {
	exp, err := m.ExpiresAt(ctx)
	if err != nil {
		return true
	}
	return !m.clock.Now().Before(exp)
}

// ShouldProactivelyRefresh reports whether the access token expires within the look-ahead window.
func (m *Manager) ShouldProactivelyRefresh(ctx context.Context) bool {
	exp, err := m.ExpiresAt(ctx)
	if err != nil {
		return true
	}
	return exp.Sub(m.clock.Now()) <= m.lookAhead
}

// IsRefreshing reports whether a refresh exchange is in flight.
func (m *Manager) IsRefreshing() bool {
	return m.refreshing.Load()
}

// ValidAccessToken returns a usable access token, refreshing first if the stored one is expired.
func (m *Manager) ValidAccessToken(ctx context.Context) (string, error) {
	if token, ok := m.AccessToken(ctx); ok && !m.IsExpired(ctx) {
		return token, nil
	}
	pair, err := m.Refresh(ctx)
	if err != nil {
		return "", err
	}
	return pair.AccessToken, nil
}

// Refresh exchanges the refresh token for a new pair. Concurrent callers share one exchange.
// On failure the session is cleared, the termination hooks run and a *apierr.SessionTerminatedError is returned.
// Cancelling ctx abandons the wait but not the shared exchange.
func (m *Manager) Refresh(ctx context.Context) (TokenPair, error) {
	ch := m.group.DoChan(refreshKey, func() (any, error) {
		m.refreshing.Store(true)
		defer m.refreshing.Store(false)
		return m.exchange(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return TokenPair{}, res.Err
		}
		return res.Val.(TokenPair), nil
	case <-ctx.Done():
		return TokenPair{}, ctx.Err()
	}
}

func (m *Manager) exchange(ctx context.Context) (TokenPair, error) {
	m.mu.Lock()
	gen := m.generation
	m.mu.Unlock()

	refreshToken, ok := m.RefreshToken(ctx)
	if !ok {
		return TokenPair{}, m.terminate(ctx, apierr.ErrNoRefreshToken)
	}

	log.Debug().Msg("Refreshing access token")
	ctx, cancel := context.WithTimeout(ctx, m.refreshTimeout)
	defer cancel()

	pair, err := m.refresher.ExchangeRefreshToken(ctx, refreshToken)
	if err == nil && pair.AccessToken == "" {
		err = errors.New("refresh response carried no access token")
	}
	if err != nil {
		return TokenPair{}, m.terminate(ctx, err)
	}
	if pair.RefreshToken == "" {
		pair.RefreshToken = refreshToken
	}

	m.mu.Lock()
	cleared := gen != m.generation
	m.mu.Unlock()
	if cleared {
		log.Debug().Msg("Discarding refreshed tokens for a cleared session")
		return TokenPair{}, &apierr.SessionTerminatedError{Err: errSessionCleared}
	}

	if err := m.writeTokens(ctx, pair); err != nil {
		return TokenPair{}, m.terminate(ctx, err)
	}
	m.schedule(pair.AccessToken, true)

	m.mu.Lock()
	hooks := append([]func(TokenPair){}, m.onRefreshed...)
	m.mu.Unlock()
	for _, fn := range hooks {
		fn(pair)
	}

	log.Info().Msg("Access token refreshed")
	return pair, nil
}

// terminate clears the session and runs the termination hooks.
func (m *Manager) terminate(ctx context.Context, cause error) error {
	ctx = context.WithoutCancel(ctx)
	log.Warn().Err(cause).Msg("Token refresh failed, ending session")
	if err := m.Clear(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to clear credentials")
	}

	termErr := &apierr.SessionTerminatedError{Err: cause}
	m.mu.Lock()
	hooks := append([]func(error){}, m.onTerminated...)
	m.mu.Unlock()
	for _, fn := range hooks {
		fn(termErr)
	}
	return termErr
}

// Clear removes every token and the cached profile from both tiers and disarms the timer.
// A refresh already in flight will not write its result back.
func (m *Manager) Clear(ctx context.Context) error {
	m.mu.Lock()
	m.generation++
	m.cancelLocked()
	m.mu.Unlock()

	var errs []error
	if err := m.tiers.Ephemeral.Delete(ctx, store.KeyAccessToken); err != nil {
		errs = append(errs, err)
	}
	for _, key := range []string{store.KeyRefreshToken, store.KeyRefreshedAt, store.KeyUserProfile} {
		if err := m.tiers.Persistent.Delete(ctx, key); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ScheduleProactiveRefresh arms the refresh timer from the stored access token.
func (m *Manager) ScheduleProactiveRefresh(ctx context.Context) {
	token, ok := m.AccessToken(ctx)
	if !ok {
		return
	}
	m.schedule(token, false)
}

// CancelProactiveRefresh disarms the refresh timer.
func (m *Manager) CancelProactiveRefresh() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelLocked()
}

func (m *Manager) cancelLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.timerSeq++
}

// schedule replaces any armed timer with one that fires lookAhead before the token expires.
// A token already inside the window refreshes at once, unless it is itself fresh from a refresh;
// then the timer waits half of its remaining life so a short-lived token cannot cause a refresh loop.
func (m *Manager) schedule(accessToken string, fromRefresh bool) {
	exp, err := ExpiresAt(accessToken)
	if err != nil {
		log.Debug().Err(err).Msg("Cannot schedule proactive refresh")
		m.CancelProactiveRefresh()
		return
	}

	now := m.clock.Now()
	delay := exp.Sub(now) - m.lookAhead
	if delay <= 0 && fromRefresh {
		delay = max(exp.Sub(now)/2, minRearmDelay)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelLocked()
	seq := m.timerSeq

	if delay <= 0 {
		go m.fire(seq)
		return
	}
	log.Debug().Dur("in", delay).Msg("Proactive token refresh scheduled")
	m.timer = m.clock.AfterFunc(delay, func() { m.fire(seq) })
}

func (m *Manager) fire(seq uint64) {
	m.mu.Lock()
	if seq != m.timerSeq {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	m.mu.Unlock()

	if _, err := m.Refresh(context.Background()); err != nil {
		log.Debug().Err(err).Msg("Proactive refresh failed")
	}
}
