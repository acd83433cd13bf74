// ABOUTME: Development backend serving token exchange, a profile endpoint and the channel
// ABOUTME: Sessions, history and refresh tokens live in memory; test hooks revoke and disconnect

package fakebackend

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-dash/internal/store"
)

// DefaultTokenLifetime is how long minted access tokens stay valid.
const DefaultTokenLifetime = time.Hour

// Config configures a Server.
type Config struct {
	Secret        []byte
	TokenLifetime time.Duration
	// Sessions seeds the session list.
	Sessions []string
	// StreamDelay paces streamed reply chunks.
	StreamDelay time.Duration
	Logger      *slog.Logger
}

// Server is the development backend. It is safe for concurrent use.
type Server struct {
	issuer *Issuer
	delay  time.Duration
	logger *slog.Logger
	mux    *http.ServeMux

	mu            sync.Mutex
	epoch         uint64
	rejectAll     bool
	refresh       map[string]string // refresh token -> subject
	users         map[string]store.UserInfo
	sessions      []string
	nextSession   int
	history       map[string][]HistoryEntry
	peers         map[*peer]struct{}
	tokenRequests int
	dials         int
}

// HistoryEntry is one stored message.
type HistoryEntry struct {
	Text      string    `json:"text"`
	Origin    string    `json:"origin"`
	Timestamp time.Time `json:"timestamp"`
}

// New creates a server. A missing secret gets a random one.
func New(cfg Config) *Server {
	if len(cfg.Secret) == 0 {
		cfg.Secret = []byte(uuid.NewString())
	}
	if cfg.TokenLifetime <= 0 {
		cfg.TokenLifetime = DefaultTokenLifetime
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Server{
		issuer:   NewIssuer(cfg.Secret, cfg.TokenLifetime),
		delay:    cfg.StreamDelay,
		logger:   cfg.Logger.With("component", "fakebackend"),
		refresh:  make(map[string]string),
		users:    make(map[string]store.UserInfo),
		sessions: slices.Clone(cfg.Sessions),
		history:  make(map[string][]HistoryEntry),
		peers:    make(map[*peer]struct{}),
	}

	s.mux = http.NewServeMux()
	s.mux.HandleFunc("POST /auth/token", s.handleToken)
	s.mux.HandleFunc("GET /api/me", s.handleMe)
	s.mux.HandleFunc("GET /ws", s.handleChannel)
	s.mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// RevokeAccessTokens invalidates every access token minted so far.
func (s *Server) RevokeAccessTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.epoch++
	s.logger.Info("access tokens revoked", "epoch", s.epoch)
}

// RejectHandshakes makes every channel handshake fail with a credential
// rejection, whatever the token.
func (s *Server) RejectHandshakes(reject bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectAll = reject
}

// RevokeRefreshTokens forgets every refresh token.
func (s *Server) RevokeRefreshTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.refresh)
}

// DropConnections closes every channel connection.
func (s *Server) DropConnections() {
	s.mu.Lock()
	peers := make([]*peer, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	for _, p := range peers {
		p.close("server restart")
	}
}

// TokenRequests returns how many /auth/token calls succeeded or failed.
func (s *Server) TokenRequests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokenRequests
}

// Dials returns how many channel upgrades were attempted.
func (s *Server) Dials() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials
}

// Sessions returns the current session ids. It is never nil, so an empty
// backend encodes as [] on the wire.
func (s *Server) Sessions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append(make([]string, 0, len(s.sessions)), s.sessions...)
}

// History returns a copy of the stored history for id.
func (s *Server) History(id string) []HistoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.history[id])
}

type tokenRequest struct {
	Provider     string `json:"provider"`
	Code         string `json:"code,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

type tokenResponse struct {
	IDToken          string          `json:"id_token"`
	RefreshToken     string          `json:"refresh_token"`
	ExpiresIn        int64           `json:"expires_in"`
	OAuthAccessToken string          `json:"oauth_access_token,omitempty"`
	UserInfo         *store.UserInfo `json:"user_info,omitempty"`
}

// handleToken handles POST /auth/token for both the code and refresh grants.
// Refresh tokens rotate on every use.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokenRequests++

	var subject string
	switch {
	case req.RefreshToken != "":
		sub, ok := s.refresh[req.RefreshToken]
		if !ok {
			writeError(w, http.StatusUnauthorized, "refresh token is invalid or revoked")
			return
		}
		delete(s.refresh, req.RefreshToken)
		subject = sub
	case req.Code != "":
		if strings.HasPrefix(req.Code, "bad") {
			writeError(w, http.StatusUnauthorized, "authorization code rejected")
			return
		}
		subject = "user-" + req.Code
		s.users[subject] = store.UserInfo{
			ID:    subject,
			Email: req.Code + "@example.com",
			Name:  "Dev " + req.Code,
		}
	default:
		writeError(w, http.StatusBadRequest, "code or refresh_token required")
		return
	}

	access, err := s.issuer.Generate(subject, s.epoch)
	if err != nil {
		s.logger.Error("failed to mint token", "error", err)
		writeError(w, http.StatusInternalServerError, "token minting failed")
		return
	}
	refresh := uuid.NewString()
	s.refresh[refresh] = subject

	user := s.users[subject]
	s.logger.Debug("issued token", "subject", subject, "provider", req.Provider, "epoch", s.epoch)
	writeJSON(w, http.StatusOK, tokenResponse{
		IDToken:          access,
		RefreshToken:     refresh,
		ExpiresIn:        int64(s.issuer.lifetime / time.Second),
		OAuthAccessToken: "oauth-" + subject,
		UserInfo:         &user,
	})
}

// handleMe handles GET /api/me, returning the bearer's profile.
func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing bearer token")
		return
	}
	subject, err := s.authenticate(token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}

	s.mu.Lock()
	user := s.users[subject]
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, user)
}

// authenticate verifies an access token against the current epoch.
func (s *Server) authenticate(token string) (string, error) {
	subject, epoch, err := s.issuer.Verify(token)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if epoch < s.epoch {
		return "", ErrRevokedToken
	}
	return subject, nil
}

func (s *Server) createSession() (string, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSession++
	id := fmt.Sprintf("session-%d", s.nextSession)
	s.sessions = append(s.sessions, id)
	return id, fmt.Sprintf("Session %d", s.nextSession)
}

func (s *Server) deleteSession(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !slices.Contains(s.sessions, id) {
		return false
	}
	s.sessions = slices.DeleteFunc(s.sessions, func(v string) bool { return v == id })
	delete(s.history, id)
	return true
}

func (s *Server) hasSession(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Contains(s.sessions, id)
}

func (s *Server) appendHistory(id, origin, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history[id] = append(s.history[id], HistoryEntry{Text: text, Origin: origin, Timestamp: time.Now().UTC()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
