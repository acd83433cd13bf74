// ABOUTME: Contract tests run against both SQLiteStore and MockStore
// ABOUTME: Covers credential replace/clear, preferences and session cache ordering

package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*MockStore)(nil)
)

func storeImplementations(t *testing.T) map[string]func() Store {
	t.Helper()
	return map[string]func() Store{
		"sqlite": func() Store {
			s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "dash.db"))
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		},
		"mock": func() Store {
			return NewMockStore()
		},
	}
}

func sampleCredential(now time.Time) *Credential {
	return &Credential{
		AccessToken:      "access-1",
		RefreshToken:     "refresh-1",
		IssuedAt:         now,
		ExpiresAt:        now.Add(time.Hour),
		ProviderID:       "google",
		OAuthAccessToken: "ya29.provider",
		User:             &UserInfo{ID: "u-1", Email: "ada@example.com", Name: "Ada"},
	}
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "subdir", "nested", "dash.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(dbPath)
	assert.NoError(t, err, "database file should exist")
}

func TestStore_CredentialLifecycle(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for name, newStore := range storeImplementations(t) {
		t.Run(name, func(t *testing.T) {
			s := newStore()
			ctx := t.Context()

			_, err := s.LoadCredential(ctx)
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, s.SaveCredential(ctx, sampleCredential(now)))

			got, err := s.LoadCredential(ctx)
			require.NoError(t, err)
			assert.Equal(t, "access-1", got.AccessToken)
			assert.Equal(t, "refresh-1", got.RefreshToken)
			assert.True(t, got.ExpiresAt.Equal(now.Add(time.Hour)))
			assert.True(t, got.IssuedAt.Equal(now))
			assert.Equal(t, "google", got.ProviderID)
			assert.Equal(t, "ya29.provider", got.OAuthAccessToken)
			require.NotNil(t, got.User)
			assert.Equal(t, "ada@example.com", got.User.Email)

			// Replace wholesale
			next := sampleCredential(now.Add(time.Hour))
			next.AccessToken = "access-2"
			next.User = nil
			require.NoError(t, s.SaveCredential(ctx, next))

			got, err = s.LoadCredential(ctx)
			require.NoError(t, err)
			assert.Equal(t, "access-2", got.AccessToken)
			assert.Nil(t, got.User)

			require.NoError(t, s.ClearCredential(ctx))
			_, err = s.LoadCredential(ctx)
			assert.ErrorIs(t, err, ErrNotFound)

			// Clearing twice is fine
			assert.NoError(t, s.ClearCredential(ctx))
		})
	}
}

func TestStore_Preferences(t *testing.T) {
	for name, newStore := range storeImplementations(t) {
		t.Run(name, func(t *testing.T) {
			s := newStore()
			ctx := t.Context()

			_, err := s.GetPreference(ctx, PrefSelectedSession)
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, s.SetPreference(ctx, PrefSelectedSession, "sess-1"))
			require.NoError(t, s.SetPreference(ctx, PrefSelectedSession, "sess-2"))
			require.NoError(t, s.SetPreference(ctx, PrefTheme, "dark"))

			v, err := s.GetPreference(ctx, PrefSelectedSession)
			require.NoError(t, err)
			assert.Equal(t, "sess-2", v)

			require.NoError(t, s.DeletePreference(ctx, PrefSelectedSession))
			_, err = s.GetPreference(ctx, PrefSelectedSession)
			assert.ErrorIs(t, err, ErrNotFound)

			v, err = s.GetPreference(ctx, PrefTheme)
			require.NoError(t, err)
			assert.Equal(t, "dark", v)
		})
	}
}

func TestStore_SessionCachePreservesOrder(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for name, newStore := range storeImplementations(t) {
		t.Run(name, func(t *testing.T) {
			s := newStore()
			ctx := t.Context()

			sessions := []CachedSession{
				{ID: "zeta", DisplayName: "Zeta", UpdatedAt: ts, Messages: []CachedMessage{
					{ID: "m1", Text: "hi", Origin: "user", Timestamp: ts},
					{ID: "m2", Text: "hello", Origin: "agent", Timestamp: ts.Add(time.Second)},
				}},
				{ID: "alpha", DisplayName: "Alpha", UpdatedAt: ts},
			}
			require.NoError(t, s.SaveSessions(ctx, sessions))

			got, err := s.LoadSessions(ctx)
			require.NoError(t, err)
			require.Len(t, got, 2)
			assert.Equal(t, "zeta", got[0].ID)
			assert.Equal(t, "alpha", got[1].ID)
			require.Len(t, got[0].Messages, 2)
			assert.Equal(t, "hello", got[0].Messages[1].Text)
			assert.Equal(t, "agent", got[0].Messages[1].Origin)
			assert.Empty(t, got[1].Messages)

			// Saving replaces rather than merges
			require.NoError(t, s.SaveSessions(ctx, sessions[1:]))
			got, err = s.LoadSessions(ctx)
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, "alpha", got[0].ID)

			require.NoError(t, s.ClearSessions(ctx))
			got, err = s.LoadSessions(ctx)
			require.NoError(t, err)
			assert.Empty(t, got)
		})
	}
}

func TestCredential_Accessors(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := &Credential{ExpiresAt: now.Add(10 * time.Minute)}

	assert.False(t, c.Expired(now))
	assert.True(t, c.Expired(now.Add(10*time.Minute)))
	assert.Equal(t, 10*time.Minute, c.Remaining(now))
	assert.Equal(t, time.Duration(0), c.Remaining(now.Add(time.Hour)))
	assert.False(t, c.CanRefresh())

	c.RefreshToken = "r"
	assert.True(t, c.CanRefresh())
}
