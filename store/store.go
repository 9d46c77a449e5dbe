// Package store provides the two-tier credential storage used by the session layer.
//
// The ephemeral tier lives only as long as the process (the analogue of a
// browser tab) and holds the access token. The persistent tier survives
// restarts and holds the refresh token, the time of the last refresh and
// a copy of the user profile for display. Neither tier contains any logic
// beyond get, set and clear.
package store

import (
	"context"
	"sync"

	"github.com/habedi/convo/db"
)

// Layout keys.
const (
	KeyAccessToken        = "access_token"
	KeyRefreshToken       = "refresh_token"
	KeyRefreshedAt        = "token_refreshed_at"
	KeyUserProfile        = "user_profile"
	KeyLastConversationID = "last_conversation_id"
)

// Store is a key/value credential tier.
type Store interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
}

// Tiers bundles the ephemeral and persistent stores.
type Tiers struct {
	Ephemeral  Store
	Persistent Store
}

// NewTiers returns Tiers with an in-memory ephemeral store and the given persistent store.
func NewTiers(persistent Store) *Tiers {
	return &Tiers{Ephemeral: NewMemory(), Persistent: persistent}
}

// Memory is a process-scoped Store.
type Memory struct {
	mu     sync.RWMutex
	values map[string]string
}

func NewMemory() *Memory {
	return &Memory{values: make(map[string]string)}
}

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *Memory) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}

func (m *Memory) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values = make(map[string]string)
	return nil
}

// Persistent is a Store backed by the SQLite credential table.
type Persistent struct {
	repo db.CredentialRepository
}

func NewPersistent(repo db.CredentialRepository) *Persistent {
	return &Persistent{repo: repo}
}

func (p *Persistent) Get(ctx context.Context, key string) (string, bool, error) {
	cred, err := p.repo.Get(ctx, key)
	if err != nil {
		return "", false, err
	}
	if cred == nil {
		return "", false, nil
	}
	return cred.Value, true, nil
}

func (p *Persistent) Set(ctx context.Context, key, value string) error {
	return p.repo.Put(ctx, key, value)
}

func (p *Persistent) Delete(ctx context.Context, key string) error {
	return p.repo.Delete(ctx, key)
}

func (p *Persistent) Clear(ctx context.Context) error {
	return p.repo.Clear(ctx)
}
