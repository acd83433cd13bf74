// ABOUTME: Whoami call against the backend's authenticated profile endpoint
// ABOUTME: Goes through the token manager so a stale token is refreshed and retried once

package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/2389/coven-dash/internal/auth"
	"github.com/2389/coven-dash/internal/store"
)

// Whoami returns the authenticated user's profile from GET /api/me.
func (c *Client) Whoami(ctx context.Context) (*store.UserInfo, error) {
	url := strings.TrimRight(c.cfg.Server.URL, "/") + "/api/me"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.Auth.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, &auth.AuthError{Op: "whoami", Status: resp.StatusCode, Detail: "token rejected after refresh"}
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("whoami: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var user store.UserInfo
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return nil, fmt.Errorf("decoding profile: %w", err)
	}
	return &user, nil
}
