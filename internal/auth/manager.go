// ABOUTME: Token lifecycle manager holding the single live credential
// ABOUTME: Proactive and reactive refresh, deduplicated per credential generation

package auth

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/2389/coven-dash/internal/clock"
	"github.com/2389/coven-dash/internal/store"
)

const (
	// DefaultRefreshBuffer is how long before expiry the proactive refresh fires.
	DefaultRefreshBuffer = 5 * time.Minute

	// refreshTimeout bounds one network refresh, independent of the caller's context.
	refreshTimeout = 30 * time.Second
)

// Manager owns the live credential. Every refresh path goes through one
// single-flight group keyed by credential generation, so concurrent callers
// holding the same stale credential share one network call.
type Manager struct {
	store      store.CredentialStore
	exchanger  Exchanger
	clock      clock.Clock
	buffer     time.Duration
	httpClient *http.Client
	logger     *slog.Logger

	flight singleflight.Group

	mu         sync.Mutex
	cred       *store.Credential
	generation uint64
	timer      clock.Timer
	onLogout   []func(reason error)
	closed     bool
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithClock sets the time source for expiry checks and the refresh timer.
func WithClock(c clock.Clock) ManagerOption {
	return func(m *Manager) { m.clock = c }
}

// WithRefreshBuffer sets how long before expiry the proactive refresh fires.
func WithRefreshBuffer(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.buffer = d
		}
	}
}

// WithHTTPClient sets the client used by Do.
func WithHTTPClient(c *http.Client) ManagerOption {
	return func(m *Manager) { m.httpClient = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// NewManager creates a token manager. Call Acquire or Login before use.
func NewManager(st store.CredentialStore, ex Exchanger, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:      st,
		exchanger:  ex,
		clock:      clock.Real{},
		buffer:     DefaultRefreshBuffer,
		httpClient: http.DefaultClient,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "auth")
	return m
}

// Acquire loads the persisted credential and arms the proactive refresh.
// It returns ErrUnauthenticated when there is nothing to use: no credential,
// or one that is expired and cannot be refreshed.
func (m *Manager) Acquire(ctx context.Context) (*store.Credential, error) {
	cred, err := m.store.LoadCredential(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrUnauthenticated
	}
	if err != nil {
		return nil, fmt.Errorf("loading credential: %w", err)
	}

	if cred.Expired(m.clock.Now()) && !cred.CanRefresh() {
		m.logger.Info("stored credential expired and cannot be refreshed")
		if err := m.store.ClearCredential(ctx); err != nil {
			m.logger.Warn("failed to clear expired credential", "error", err)
		}
		return nil, ErrUnauthenticated
	}

	m.install(cred)
	return cloneCredential(cred), nil
}

// Login exchanges an authorization code for a credential, persists it and
// makes it live.
func (m *Manager) Login(ctx context.Context, code, provider string) (*store.Credential, error) {
	cred, err := m.exchanger.ExchangeCode(ctx, code, provider)
	if err != nil {
		return nil, err
	}
	if err := m.store.SaveCredential(ctx, cred); err != nil {
		return nil, fmt.Errorf("saving credential: %w", err)
	}

	m.install(cred)
	m.logger.Info("logged in", "provider", provider, "expires_at", cred.ExpiresAt)
	return cloneCredential(cred), nil
}

// Logout clears the credential and notifies OnLogout hooks with ErrLoggedOut.
func (m *Manager) Logout(ctx context.Context) error {
	return m.logout(ctx, ErrLoggedOut)
}

// OnLogout registers fn to run whenever the credential is dropped,
// by explicit logout or by a failed refresh.
func (m *Manager) OnLogout(fn func(reason error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onLogout = append(m.onLogout, fn)
}

// Current returns a copy of the live credential, or nil.
func (m *Manager) Current() *store.Credential {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneCredential(m.cred)
}

// Token returns an access token that is valid now, refreshing reactively
// if the live one has expired.
func (m *Manager) Token(ctx context.Context) (string, error) {
	cred, _, err := m.valid(ctx)
	if err != nil {
		return "", err
	}
	return cred.AccessToken, nil
}

// Refresh exchanges the live credential's refresh token for a new one.
// Concurrent calls share one network request.
func (m *Manager) Refresh(ctx context.Context) (*store.Credential, error) {
	m.mu.Lock()
	gen := m.generation
	m.mu.Unlock()

	cred, _, err := m.refreshFrom(ctx, gen)
	return cred, err
}

// Invalidate reports that the server rejected token. If token is still the
// live access token it is refreshed; if it was already replaced, the current
// credential is returned without another network call.
func (m *Manager) Invalidate(ctx context.Context, token string) (*store.Credential, error) {
	m.mu.Lock()
	if m.cred == nil {
		m.mu.Unlock()
		return nil, ErrUnauthenticated
	}
	if m.cred.AccessToken != token {
		cred := cloneCredential(m.cred)
		m.mu.Unlock()
		return cred, nil
	}
	gen := m.generation
	m.mu.Unlock()

	cred, _, err := m.refreshFrom(ctx, gen)
	return cred, err
}

// ScheduleProactiveRefresh arms one timer at expiresAt minus the refresh
// buffer, replacing any previous timer. A credential whose remaining lifetime
// is already inside the buffer gets no timer; the next use refreshes it.
func (m *Manager) ScheduleProactiveRefresh(cred *store.Credential) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scheduleLocked(cred)
}

// Do sends req with the live bearer token. On a 401 it refreshes once and
// retries once; a second 401 is returned to the caller as is.
func (m *Manager) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	cred, gen, err := m.valid(ctx)
	if err != nil {
		return nil, err
	}

	getBody, err := replayableBody(req)
	if err != nil {
		return nil, err
	}

	resp, err := m.send(req, getBody, cred.AccessToken)
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}

	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	m.logger.Debug("request unauthorized, refreshing", "url", req.URL.String())

	next, _, err := m.refreshFrom(ctx, gen)
	if err != nil {
		return nil, err
	}
	return m.send(req, getBody, next.AccessToken)
}

// Close cancels the refresh timer. The manager refuses further refreshes.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.stopTimerLocked()
}

// send issues a copy of req carrying token; req itself is never modified.
func (m *Manager) send(req *http.Request, getBody func() (io.ReadCloser, error), token string) (*http.Response, error) {
	out := req.Clone(req.Context())
	if getBody != nil {
		body, err := getBody()
		if err != nil {
			return nil, fmt.Errorf("rewinding request body: %w", err)
		}
		out.Body = body
		out.GetBody = getBody
	}
	out.Header.Set("Authorization", "Bearer "+token)
	return m.httpClient.Do(out)
}

// replayableBody returns a body source that can be read once per attempt.
func replayableBody(req *http.Request) (func() (io.ReadCloser, error), error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	if req.GetBody != nil {
		return req.GetBody, nil
	}
	buf, err := io.ReadAll(req.Body)
	req.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("buffering request body: %w", err)
	}
	return func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(buf)), nil
	}, nil
}

// valid returns a credential usable now and its generation.
func (m *Manager) valid(ctx context.Context) (*store.Credential, uint64, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, 0, ErrClosed
	}
	if m.cred == nil {
		m.mu.Unlock()
		return nil, 0, ErrUnauthenticated
	}
	cred := cloneCredential(m.cred)
	gen := m.generation
	m.mu.Unlock()

	if !cred.Expired(m.clock.Now()) {
		return cred, gen, nil
	}

	m.logger.Debug("credential expired, refreshing reactively")
	return m.refreshFrom(ctx, gen)
}

// refreshFrom refreshes the credential of generation gen. If the live
// credential is already newer, it is returned without a network call.
func (m *Manager) refreshFrom(ctx context.Context, gen uint64) (*store.Credential, uint64, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, 0, ErrClosed
	}
	if m.cred == nil {
		m.mu.Unlock()
		return nil, 0, ErrUnauthenticated
	}
	if m.generation != gen {
		cred, cur := cloneCredential(m.cred), m.generation
		m.mu.Unlock()
		return cred, cur, nil
	}
	m.mu.Unlock()

	// The shared call must outlive any single caller's cancellation.
	flightCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
	defer cancel()

	v, err, shared := m.flight.Do(strconv.FormatUint(gen, 10), func() (any, error) {
		return m.doRefresh(flightCtx, gen)
	})
	if err != nil {
		return nil, 0, err
	}
	if shared {
		m.logger.Debug("joined in-flight refresh", "generation", gen)
	}

	res := v.(refreshResult)
	return cloneCredential(res.cred), res.generation, nil
}

type refreshResult struct {
	cred       *store.Credential
	generation uint64
}

func (m *Manager) doRefresh(ctx context.Context, gen uint64) (refreshResult, error) {
	m.mu.Lock()
	if m.cred == nil {
		m.mu.Unlock()
		return refreshResult{}, ErrUnauthenticated
	}
	// A flight for gen that started after the previous one finished.
	if m.generation != gen {
		res := refreshResult{cred: cloneCredential(m.cred), generation: m.generation}
		m.mu.Unlock()
		return res, nil
	}
	old := cloneCredential(m.cred)
	m.mu.Unlock()

	if !old.CanRefresh() {
		err := &AuthError{Op: "refresh", Detail: "no refresh token"}
		m.fail(ctx, err)
		return refreshResult{}, err
	}

	next, err := m.exchanger.Refresh(ctx, old.RefreshToken, old.ProviderID)
	if err != nil {
		var authErr *AuthError
		if !errors.As(err, &authErr) {
			authErr = &AuthError{Op: "refresh", Err: err}
		}
		m.fail(ctx, authErr)
		return refreshResult{}, authErr
	}

	if next.RefreshToken == "" {
		next.RefreshToken = old.RefreshToken
	}
	if next.ProviderID == "" {
		next.ProviderID = old.ProviderID
	}
	if next.User == nil {
		next.User = old.User
	}

	m.mu.Lock()
	if m.cred == nil || m.generation != gen {
		// Logged out while the request was in flight.
		m.mu.Unlock()
		return refreshResult{}, ErrUnauthenticated
	}
	m.cred = next
	m.generation++
	res := refreshResult{cred: cloneCredential(next), generation: m.generation}
	m.scheduleLocked(next)
	m.mu.Unlock()

	if err := m.store.SaveCredential(ctx, next); err != nil {
		m.logger.Warn("failed to persist refreshed credential", "error", err)
	}

	m.logger.Info("credential refreshed", "expires_at", next.ExpiresAt)
	return res, nil
}

// fail drops the credential after a refresh failure.
func (m *Manager) fail(ctx context.Context, err error) {
	m.logger.Warn("refresh failed, logging out", "error", err)
	if lerr := m.logout(ctx, err); lerr != nil {
		m.logger.Warn("failed to clear credential", "error", lerr)
	}
}

func (m *Manager) logout(ctx context.Context, reason error) error {
	m.mu.Lock()
	m.stopTimerLocked()
	m.cred = nil
	m.generation++
	hooks := append([]func(error){}, m.onLogout...)
	m.mu.Unlock()

	err := m.store.ClearCredential(ctx)

	for _, fn := range hooks {
		fn(reason)
	}
	if err != nil {
		return fmt.Errorf("clearing credential: %w", err)
	}
	return nil
}

func (m *Manager) install(cred *store.Credential) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cred = cloneCredential(cred)
	m.generation++
	m.scheduleLocked(m.cred)
}

func (m *Manager) scheduleLocked(cred *store.Credential) {
	m.stopTimerLocked()
	if m.closed || cred == nil || !cred.CanRefresh() {
		return
	}

	wait := cred.Remaining(m.clock.Now()) - m.buffer
	if wait <= 0 {
		m.logger.Debug("credential inside refresh buffer, deferring to next use",
			"expires_at", cred.ExpiresAt)
		return
	}

	gen := m.generation
	m.timer = m.clock.AfterFunc(wait, func() {
		ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
		defer cancel()
		if _, _, err := m.refreshFrom(ctx, gen); err != nil {
			m.logger.Warn("proactive refresh failed", "error", err)
		}
	})
	m.logger.Debug("proactive refresh scheduled", "in", wait)
}

func (m *Manager) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func cloneCredential(c *store.Credential) *store.Credential {
	if c == nil {
		return nil
	}
	out := *c
	if c.User != nil {
		u := *c.User
		out.User = &u
	}
	return &out
}
