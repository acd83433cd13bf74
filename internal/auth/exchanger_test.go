package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPExchanger_Refresh(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	idToken := mintToken(t, jwt.MapClaims{"sub": "user-1", "exp": exp.Unix()})

	var got tokenRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/auth/token", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id_token":           idToken,
			"oauth_access_token": "provider-token",
			"user_info":          map[string]string{"email": "ada@example.com"},
		})
	}))
	defer srv.Close()

	ex := NewHTTPExchanger(srv.URL+"/", nil)
	cred, err := ex.Refresh(t.Context(), "refresh-1", "google")
	require.NoError(t, err)

	assert.Equal(t, "refresh-1", got.RefreshToken)
	assert.Equal(t, "google", got.Provider)
	assert.Empty(t, got.Code)

	assert.Equal(t, idToken, cred.AccessToken)
	assert.Empty(t, cred.RefreshToken, "server did not rotate")
	assert.True(t, cred.ExpiresAt.Equal(exp))
	assert.Equal(t, "google", cred.ProviderID)
	assert.Equal(t, "provider-token", cred.OAuthAccessToken)
	require.NotNil(t, cred.User)
	assert.Equal(t, "ada@example.com", cred.User.Email)
}

func TestHTTPExchanger_ExchangeCodeUsesExpiresIn(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req tokenRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "code-123", req.Code)

		_ = json.NewEncoder(w).Encode(map[string]any{
			"id_token":      "opaque-token",
			"refresh_token": "refresh-new",
			"expires_in":    900,
		})
	}))
	defer srv.Close()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ex := NewHTTPExchanger(srv.URL, srv.Client())
	ex.now = func() time.Time { return now }

	cred, err := ex.ExchangeCode(t.Context(), "code-123", "github")
	require.NoError(t, err)
	assert.Equal(t, "refresh-new", cred.RefreshToken)
	assert.True(t, cred.IssuedAt.Equal(now))
	assert.True(t, cred.ExpiresAt.Equal(now.Add(15*time.Minute)))
}

func TestHTTPExchanger_ErrorDetail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"detail":"refresh token revoked"}`))
	}))
	defer srv.Close()

	_, err := NewHTTPExchanger(srv.URL, nil).Refresh(t.Context(), "stale", "google")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuthFailure)

	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, http.StatusUnauthorized, authErr.Status)
	assert.Equal(t, "refresh token revoked", authErr.Detail)
}

func TestHTTPExchanger_RejectsMissingLifetime(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id_token":"opaque-token"}`))
	}))
	defer srv.Close()

	_, err := NewHTTPExchanger(srv.URL, nil).Refresh(t.Context(), "r", "google")
	assert.ErrorIs(t, err, ErrMissingExpiry)
	assert.ErrorIs(t, err, ErrAuthFailure)
}

func TestHTTPExchanger_RejectsMissingToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"refresh_token":"r2","expires_in":60}`))
	}))
	defer srv.Close()

	_, err := NewHTTPExchanger(srv.URL, nil).Refresh(t.Context(), "r", "google")
	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Contains(t, authErr.Detail, "id_token")
}
