// ABOUTME: HTTP client for the authorization server's token endpoint
// ABOUTME: Exchanges login codes and refresh tokens for bearer credentials

package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/2389/coven-dash/internal/store"
)

// maxTokenResponseSize bounds how much of a token response is read.
const maxTokenResponseSize = 1 << 20

// Exchanger obtains credentials from the authorization server.
type Exchanger interface {
	// Refresh trades a refresh token for a new credential. The returned
	// credential may carry an empty RefreshToken when the server does not
	// rotate it.
	Refresh(ctx context.Context, refreshToken, provider string) (*store.Credential, error)

	// ExchangeCode trades a provider authorization code for a credential.
	ExchangeCode(ctx context.Context, code, provider string) (*store.Credential, error)
}

// HTTPExchanger talks to POST <baseURL>/auth/token.
type HTTPExchanger struct {
	baseURL    string
	httpClient *http.Client
	now        func() time.Time
}

// NewHTTPExchanger creates an exchanger for the authorization server at baseURL.
// A nil client uses a client with a 30 second timeout.
func NewHTTPExchanger(baseURL string, httpClient *http.Client) *HTTPExchanger {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPExchanger{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		now:        time.Now,
	}
}

type tokenRequest struct {
	Provider     string `json:"provider"`
	Code         string `json:"code,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

type tokenResponse struct {
	IDToken          string          `json:"id_token"`
	RefreshToken     string          `json:"refresh_token,omitempty"`
	ExpiresIn        int64           `json:"expires_in,omitempty"`
	OAuthAccessToken string          `json:"oauth_access_token,omitempty"`
	UserInfo         *store.UserInfo `json:"user_info,omitempty"`
}

type errorResponse struct {
	Detail string `json:"detail"`
}

// Refresh implements Exchanger.
func (e *HTTPExchanger) Refresh(ctx context.Context, refreshToken, provider string) (*store.Credential, error) {
	return e.post(ctx, "refresh", tokenRequest{Provider: provider, RefreshToken: refreshToken})
}

// ExchangeCode implements Exchanger.
func (e *HTTPExchanger) ExchangeCode(ctx context.Context, code, provider string) (*store.Credential, error) {
	return e.post(ctx, "login", tokenRequest{Provider: provider, Code: code})
}

func (e *HTTPExchanger) post(ctx context.Context, op string, body tokenRequest) (*store.Credential, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding token request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/auth/token", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("creating token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, &AuthError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenResponseSize))
	if err != nil {
		return nil, &AuthError{Op: op, Status: resp.StatusCode, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var er errorResponse
		if json.Unmarshal(raw, &er) != nil || er.Detail == "" {
			er.Detail = http.StatusText(resp.StatusCode)
		}
		return nil, &AuthError{Op: op, Status: resp.StatusCode, Detail: er.Detail}
	}

	var tr tokenResponse
	if err := json.Unmarshal(raw, &tr); err != nil {
		return nil, &AuthError{Op: op, Status: resp.StatusCode, Detail: "malformed token response", Err: err}
	}
	if tr.IDToken == "" {
		return nil, &AuthError{Op: op, Status: resp.StatusCode, Detail: "token response has no id_token"}
	}

	issuedAt, expiresAt, err := resolveLifetime(tr.IDToken, tr.ExpiresIn, e.now())
	if err != nil {
		return nil, &AuthError{Op: op, Status: resp.StatusCode, Err: err}
	}

	return &store.Credential{
		AccessToken:      tr.IDToken,
		RefreshToken:     tr.RefreshToken,
		IssuedAt:         issuedAt,
		ExpiresAt:        expiresAt,
		ProviderID:       body.Provider,
		OAuthAccessToken: tr.OAuthAccessToken,
		User:             tr.UserInfo,
	}, nil
}
