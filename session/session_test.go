package session_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/habedi/convo/auth"
	"github.com/habedi/convo/auth/authtest"
	"github.com/habedi/convo/client"
	"github.com/habedi/convo/db"
	"github.com/habedi/convo/pkg/apierr"
	"github.com/habedi/convo/pkg/retry"
	"github.com/habedi/convo/session"
	"github.com/habedi/convo/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type backend struct {
	login   atomic.Int32
	refresh atomic.Int32
	logout  atomic.Int32
	me      atomic.Int32

	mu            sync.Mutex
	access        string
	refreshed     string
	refreshStatus int
	logoutStatus  int
	meStatus      int
	loginBody     map[string]any
}

func (b *backend) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/auth/login", func(w http.ResponseWriter, r *http.Request) {
		b.login.Add(1)
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		b.mu.Lock()
		b.loginBody = body
		access := b.access
		b.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]any{
			"user":   map[string]any{"id": "u1", "name": "Ada", "type": "personal"},
			"tokens": map[string]string{"access": access, "refresh": "r1"},
		})
	})
	mux.HandleFunc("/api/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		b.refresh.Add(1)
		b.mu.Lock()
		status, token := b.refreshStatus, b.refreshed
		b.mu.Unlock()
		if status != 0 {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"detail":"Invalid refresh token"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"access_token": token, "refresh_token": "r2"})
	})
	mux.HandleFunc("/api/auth/logout", func(w http.ResponseWriter, r *http.Request) {
		b.logout.Add(1)
		b.mu.Lock()
		status := b.logoutStatus
		b.mu.Unlock()
		if status != 0 {
			w.WriteHeader(status)
			return
		}
		_, _ = w.Write([]byte(`{"success":true,"message":"Logged out"}`))
	})
	mux.HandleFunc("/api/auth/me", func(w http.ResponseWriter, r *http.Request) {
		b.me.Add(1)
		b.mu.Lock()
		status := b.meStatus
		b.mu.Unlock()
		if status != 0 {
			w.WriteHeader(status)
			return
		}
		_, _ = w.Write([]byte(`{"user_id":"u1","name":"Ada Lovelace","type":"personal"}`))
	})
	return mux
}

type fixture struct {
	svc     *session.Service
	tokens  *auth.Manager
	tiers   *store.Tiers
	clock   *authtest.Clock
	backend *backend
}

func newFixture(t *testing.T, persistent store.Store, opts ...session.Option) *fixture {
	t.Helper()
	b := &backend{
		access:    authtest.MintToken(t, "u1", epoch.Add(30*time.Minute)),
		refreshed: authtest.MintToken(t, "u1", epoch.Add(55*time.Minute)),
	}
	srv := httptest.NewServer(b.handler())
	t.Cleanup(srv.Close)

	policy := retry.Default()
	policy.MaxRetries = 0
	c := client.New(srv.URL, client.WithRetryPolicy(policy))

	if persistent == nil {
		persistent = store.NewMemory()
	}
	clock := authtest.NewClock(epoch)
	tiers := store.NewTiers(persistent)
	mgr := auth.NewManager(tiers, c, auth.WithClock(clock))
	c.SetTokenSource(mgr)
	t.Cleanup(mgr.CancelProactiveRefresh)

	return &fixture{
		svc:     session.New(c, mgr, tiers, opts...),
		tokens:  mgr,
		tiers:   tiers,
		clock:   clock,
		backend: b,
	}
}

// storeExpired writes an expired session straight to the tiers, as a previous process would have left it.
func storeExpired(t *testing.T, f *fixture) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.tiers.Ephemeral.Set(ctx, store.KeyAccessToken, authtest.MintToken(t, "u1", epoch.Add(-time.Minute))))
	require.NoError(t, f.tiers.Persistent.Set(ctx, store.KeyRefreshToken, "r1"))
}

func personal() session.Credentials {
	return session.Credentials{Username: "ada", Password: "pw", LoginType: "personal"}
}

func TestLogin_StoresSession(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	var seen []session.State
	var mu sync.Mutex
	f.svc.Subscribe(func(s session.State) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	})

	user, err := f.svc.Login(ctx, personal())
	require.NoError(t, err)
	assert.Equal(t, "u1", user.ID)

	st := f.svc.State()
	assert.True(t, st.IsAuthenticated)
	assert.False(t, st.IsLoading)
	require.NotNil(t, st.User)
	assert.Equal(t, "Ada", st.User.Name)

	access, ok := f.tokens.AccessToken(ctx)
	assert.True(t, ok)
	assert.Equal(t, f.backend.access, access)
	rt, _ := f.tokens.RefreshToken(ctx)
	assert.Equal(t, "r1", rt)

	raw, ok, err := f.tiers.Persistent.Get(ctx, store.KeyUserProfile)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Contains(t, raw, `"name":"Ada"`)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, seen)
	assert.True(t, seen[0].IsLoading)
	assert.True(t, seen[len(seen)-1].IsAuthenticated)
}

func TestLogin_SendsLoginTypeAndSessionCode(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.svc.Login(context.Background(), session.Credentials{
		Username: "ada", Password: "pw", LoginType: "organization", SessionCode: " ORG42 ",
	})
	require.NoError(t, err)

	f.backend.mu.Lock()
	defer f.backend.mu.Unlock()
	assert.Equal(t, "organization", f.backend.loginBody["loginType"])
	assert.Equal(t, "ORG42", f.backend.loginBody["sessionCode"])
}

func TestLogin_ValidationHappensLocally(t *testing.T) {
	tests := []struct {
		name  string
		creds session.Credentials
		field string
	}{
		{"missing username", session.Credentials{Password: "pw", LoginType: "personal"}, "username"},
		{"missing password", session.Credentials{Username: "ada", LoginType: "personal"}, "password"},
		{"unknown login type", session.Credentials{Username: "ada", Password: "pw", LoginType: "guest"}, "loginType"},
		{"organization without code", session.Credentials{Username: "ada", Password: "pw", LoginType: "organization"}, "sessionCode"},
		{"organization with blank code", session.Credentials{Username: "ada", Password: "pw", LoginType: "organization", SessionCode: "  "}, "sessionCode"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			_, err := f.svc.Login(context.Background(), tt.creds)

			var v *apierr.ValidationError
			require.ErrorAs(t, err, &v)
			assert.Equal(t, tt.field, v.Field)
			assert.True(t, session.IsValidation(err))
			assert.Equal(t, int32(0), f.backend.login.Load())
			assert.False(t, f.svc.State().IsAuthenticated)
		})
	}
}

func TestLogout_ClearsBothTiersEvenWhenServerFails(t *testing.T) {
	gdb, err := db.InitDB(filepath.Join(t.TempDir(), "session.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.CloseDB(gdb) })

	f := newFixture(t, store.NewPersistent(db.NewCredentialRepository(gdb)))
	ctx := context.Background()
	_, err = f.svc.Login(ctx, personal())
	require.NoError(t, err)
	require.NoError(t, f.svc.RememberConversation(ctx, "conv-1"))

	f.backend.mu.Lock()
	f.backend.logoutStatus = http.StatusInternalServerError
	f.backend.mu.Unlock()

	require.NoError(t, f.svc.Logout(ctx))
	assert.Equal(t, int32(1), f.backend.logout.Load())

	for _, key := range []string{store.KeyAccessToken, store.KeyRefreshToken, store.KeyUserProfile, store.KeyRefreshedAt} {
		_, ok, err := f.tiers.Ephemeral.Get(ctx, key)
		require.NoError(t, err)
		assert.False(t, ok, "ephemeral %s", key)
		_, ok, err = f.tiers.Persistent.Get(ctx, key)
		require.NoError(t, err)
		assert.False(t, ok, "persistent %s", key)
	}
	assert.False(t, f.svc.State().IsAuthenticated)
	assert.Nil(t, f.svc.State().User)

	id, ok := f.svc.LastConversation(ctx)
	assert.True(t, ok)
	assert.Equal(t, "conv-1", id)
}

func TestLogout_WithoutSessionSkipsServer(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.svc.Logout(context.Background()))
	assert.Equal(t, int32(0), f.backend.logout.Load())
}

func TestLogout_ClearsPersistedTokenWhenContextIsDone(t *testing.T) {
	gdb, err := db.InitDB(filepath.Join(t.TempDir(), "session.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.CloseDB(gdb) })

	f := newFixture(t, store.NewPersistent(db.NewCredentialRepository(gdb)))
	_, err = f.svc.Login(context.Background(), personal())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()

	require.NoError(t, f.svc.Logout(ctx))

	_, ok, err := f.tiers.Persistent.Get(context.Background(), store.KeyRefreshToken)
	require.NoError(t, err)
	assert.False(t, ok, "refresh token must not survive logout")
	_, ok, err = f.tiers.Ephemeral.Get(context.Background(), store.KeyAccessToken)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, f.svc.State().IsAuthenticated)
}

func TestState_ExpiredAccessTokenIsNotAuthenticated(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.svc.Login(context.Background(), personal())
	require.NoError(t, err)
	require.True(t, f.svc.State().IsAuthenticated)

	f.tokens.CancelProactiveRefresh()
	f.clock.Advance(31 * time.Minute)

	st := f.svc.State()
	assert.False(t, st.IsAuthenticated)
	assert.NotNil(t, st.User)
	assert.Equal(t, int32(0), f.backend.refresh.Load())
}

func TestCheckAuth_NoTokensMakesNoNetworkCall(t *testing.T) {
	f := newFixture(t, nil, session.WithVerify(true))
	st := f.svc.CheckAuth(context.Background())

	assert.False(t, st.IsAuthenticated)
	assert.False(t, st.IsLoading)
	assert.Equal(t, int32(0), f.backend.refresh.Load())
	assert.Equal(t, int32(0), f.backend.me.Load())
}

func TestCheckAuth_ValidTokenUsesCachedProfile(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.svc.Login(ctx, personal())
	require.NoError(t, err)

	again := session.New(nil, f.tokens, f.tiers)
	st := again.CheckAuth(ctx)
	assert.True(t, st.IsAuthenticated)
	require.NotNil(t, st.User)
	assert.Equal(t, "Ada", st.User.Name)
	assert.Equal(t, int32(0), f.backend.refresh.Load())
}

func TestCheckAuth_ExpiredTokenIsRefreshedOnce(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	storeExpired(t, f)

	st := f.svc.CheckAuth(ctx)
	assert.True(t, st.IsAuthenticated)
	assert.Equal(t, int32(1), f.backend.refresh.Load())

	access, _ := f.tokens.AccessToken(ctx)
	assert.Equal(t, f.backend.refreshed, access)
}

func TestCheckAuth_FailedRefreshIsUnauthenticated(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.backend.mu.Lock()
	f.backend.refreshStatus = http.StatusUnauthorized
	f.backend.mu.Unlock()
	storeExpired(t, f)

	st := f.svc.CheckAuth(ctx)
	assert.False(t, st.IsAuthenticated)
	assert.True(t, apierr.RequiresLogin(st.Err))
	assert.Equal(t, int32(1), f.backend.refresh.Load())
	assert.False(t, f.tokens.HasSession(ctx))
}

func TestCheckAuth_VerifyAdoptsServerProfile(t *testing.T) {
	f := newFixture(t, nil, session.WithVerify(true))
	ctx := context.Background()
	_, err := f.svc.Login(ctx, personal())
	require.NoError(t, err)

	st := f.svc.CheckAuth(ctx)
	assert.True(t, st.IsAuthenticated)
	require.NotNil(t, st.User)
	assert.Equal(t, "Ada Lovelace", st.User.Name)
	assert.Equal(t, int32(1), f.backend.me.Load())
}

func TestCheckAuth_VerifyKeepsSessionOnServerError(t *testing.T) {
	f := newFixture(t, nil, session.WithVerify(true))
	ctx := context.Background()
	_, err := f.svc.Login(ctx, personal())
	require.NoError(t, err)
	f.backend.mu.Lock()
	f.backend.meStatus = http.StatusServiceUnavailable
	f.backend.mu.Unlock()

	st := f.svc.CheckAuth(ctx)
	assert.True(t, st.IsAuthenticated)
	assert.Equal(t, "Ada", st.User.Name)
}

func TestRefreshToken_FailureSignalsSessionTermination(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.svc.Login(ctx, personal())
	require.NoError(t, err)
	f.backend.mu.Lock()
	f.backend.refreshStatus = http.StatusUnauthorized
	f.backend.mu.Unlock()

	err = f.svc.RefreshToken(ctx)
	require.Error(t, err)

	st := f.svc.State()
	assert.False(t, st.IsAuthenticated)
	assert.False(t, st.IsRefreshing)
	assert.True(t, apierr.RequiresLogin(st.Err))
}

func TestLogin_ProactiveRefreshRenewsBeforeExpiry(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.svc.Login(ctx, personal())
	require.NoError(t, err)

	assert.Equal(t, epoch.Add(25*time.Minute), f.clock.NextDeadline())
	f.clock.Advance(24 * time.Minute)
	assert.Equal(t, int32(0), f.backend.refresh.Load())

	f.clock.Advance(time.Minute)
	require.Eventually(t, func() bool {
		access, _ := f.tokens.AccessToken(ctx)
		return access == f.backend.refreshed
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, int32(1), f.backend.refresh.Load())
	rt, _ := f.tokens.RefreshToken(ctx)
	assert.Equal(t, "r2", rt)
	assert.True(t, f.svc.State().IsAuthenticated)
	require.Eventually(t, func() bool {
		return f.clock.NextDeadline().Equal(epoch.Add(50 * time.Minute))
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSubscribe_Unsubscribe(t *testing.T) {
	f := newFixture(t, nil)
	var n atomic.Int32
	unsub := f.svc.Subscribe(func(session.State) { n.Add(1) })
	unsub()
	unsub()

	_, err := f.svc.Login(context.Background(), personal())
	require.NoError(t, err)
	assert.Equal(t, int32(0), n.Load())
}
