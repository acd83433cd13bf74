// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"sync"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu          sync.RWMutex
	credential  *Credential
	preferences map[string]string
	sessions    []CachedSession

	// Counters let tests assert on persistence traffic
	CredentialSaves  int
	CredentialClears int
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		preferences: make(map[string]string),
	}
}

// LoadCredential returns a copy of the stored credential.
func (m *MockStore) LoadCredential(ctx context.Context) (*Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.credential == nil {
		return nil, ErrNotFound
	}
	c := copyCredential(m.credential)
	return c, nil
}

// SaveCredential stores a copy of cred.
func (m *MockStore) SaveCredential(ctx context.Context, cred *Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.credential = copyCredential(cred)
	m.CredentialSaves++
	return nil
}

// ClearCredential forgets the stored credential.
func (m *MockStore) ClearCredential(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.credential = nil
	m.CredentialClears++
	return nil
}

// GetPreference returns the value under key.
func (m *MockStore) GetPreference(ctx context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.preferences[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

// SetPreference stores value under key.
func (m *MockStore) SetPreference(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.preferences[key] = value
	return nil
}

// DeletePreference removes key.
func (m *MockStore) DeletePreference(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.preferences, key)
	return nil
}

// SaveSessions replaces the cached sessions.
func (m *MockStore) SaveSessions(ctx context.Context, sessions []CachedSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sessions = copySessions(sessions)
	return nil
}

// LoadSessions returns a copy of the cached sessions.
func (m *MockStore) LoadSessions(ctx context.Context) ([]CachedSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return copySessions(m.sessions), nil
}

// ClearSessions empties the cache.
func (m *MockStore) ClearSessions(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sessions = nil
	return nil
}

// Close is a no-op.
func (m *MockStore) Close() error {
	return nil
}

func copyCredential(c *Credential) *Credential {
	out := *c
	if c.User != nil {
		u := *c.User
		out.User = &u
	}
	return &out
}

func copySessions(in []CachedSession) []CachedSession {
	if in == nil {
		return nil
	}
	out := make([]CachedSession, len(in))
	for i, s := range in {
		out[i] = s
		out[i].Messages = append([]CachedMessage(nil), s.Messages...)
	}
	return out
}
