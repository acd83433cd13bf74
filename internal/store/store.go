// ABOUTME: Store interfaces and data types for coven-dash persistence
// ABOUTME: Credential, preference and session cache records; all of it is client-side cache

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// Well-known preference keys
const (
	PrefSelectedSession = "selected_session_id"
	PrefTheme           = "theme"
)

// UserInfo is the profile returned alongside a token exchange
type UserInfo struct {
	ID      string `json:"id,omitempty"`
	Email   string `json:"email,omitempty"`
	Name    string `json:"name,omitempty"`
	Picture string `json:"picture,omitempty"`
}

// Credential is the bearer credential of the authenticated user.
// There is at most one; it is replaced as a whole on refresh.
type Credential struct {
	AccessToken      string
	RefreshToken     string
	IssuedAt         time.Time
	ExpiresAt        time.Time
	ProviderID       string
	OAuthAccessToken string
	User             *UserInfo
}

// Expired reports whether the access token is no longer valid at now.
func (c *Credential) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// Remaining returns the lifetime left at now, never negative.
func (c *Credential) Remaining(now time.Time) time.Duration {
	if d := c.ExpiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// CanRefresh reports whether a refresh token is available.
func (c *Credential) CanRefresh() bool {
	return c.RefreshToken != ""
}

// CachedMessage is a persisted chat message
type CachedMessage struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Origin    string    `json:"origin"` // "user", "agent", "system"
	Partial   bool      `json:"partial,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// CachedSession is a persisted snapshot of one conversation session
type CachedSession struct {
	ID          string
	DisplayName string
	Messages    []CachedMessage
	UpdatedAt   time.Time
}

// CredentialStore persists the single live credential
type CredentialStore interface {
	// LoadCredential returns ErrNotFound when nobody is logged in.
	LoadCredential(ctx context.Context) (*Credential, error)
	SaveCredential(ctx context.Context, cred *Credential) error
	ClearCredential(ctx context.Context) error
}

// PreferenceStore persists small client-side settings
type PreferenceStore interface {
	// GetPreference returns ErrNotFound for unknown keys.
	GetPreference(ctx context.Context, key string) (string, error)
	SetPreference(ctx context.Context, key, value string) error
	DeletePreference(ctx context.Context, key string) error
}

// SessionCache persists the last known session list and messages.
// It is never a source of truth; the channel's session list wins.
type SessionCache interface {
	// SaveSessions replaces the whole cache, preserving slice order.
	SaveSessions(ctx context.Context, sessions []CachedSession) error
	LoadSessions(ctx context.Context) ([]CachedSession, error)
	ClearSessions(ctx context.Context) error
}

// Store is everything the dashboard persists locally
type Store interface {
	CredentialStore
	PreferenceStore
	SessionCache
	Close() error
}
