// ABOUTME: Client runtime: one context object owning the token manager, channel and registry
// ABOUTME: Wires credential rejection to refresh-and-reconnect and forced logout to teardown

package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/2389/coven-dash/internal/auth"
	"github.com/2389/coven-dash/internal/channel"
	"github.com/2389/coven-dash/internal/clock"
	"github.com/2389/coven-dash/internal/config"
	"github.com/2389/coven-dash/internal/conversation"
	"github.com/2389/coven-dash/internal/store"
)

const (
	noticeBuffer    = 64
	recoveryTimeout = 30 * time.Second
)

// Option configures a Client.
type Option func(*Client)

// WithClock sets the clock shared by every component.
func WithClock(c clock.Clock) Option {
	return func(cl *Client) { cl.clock = c }
}

// WithHTTPClient sets the HTTP client used for token exchange, authenticated
// calls and the websocket upgrade.
func WithHTTPClient(hc *http.Client) Option {
	return func(cl *Client) { cl.httpClient = hc }
}

// Client is the dashboard runtime. Front ends hold one Client and read
// state through Sessions, Status and Notices.
type Client struct {
	cfg        *config.Config
	store      store.Store
	logger     *slog.Logger
	clock      clock.Clock
	httpClient *http.Client

	Auth     *auth.Manager
	Channel  *channel.Connector
	Sessions *conversation.Registry

	notices chan Notice

	mu         sync.Mutex
	lastToken  string
	rejections int
	started    bool
	unwatch    func()
	closed     bool
}

// New assembles a client from configuration. Nothing touches the network
// until Start or Login.
func New(cfg *config.Config, st store.Store, logger *slog.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		cfg:     cfg,
		store:   st,
		logger:  logger.With("component", "client"),
		clock:   clock.Real{},
		notices: make(chan Notice, noticeBuffer),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	c.Auth = auth.NewManager(st, auth.NewHTTPExchanger(cfg.Auth.URL, c.httpClient),
		auth.WithClock(c.clock),
		auth.WithRefreshBuffer(cfg.Auth.RefreshBuffer),
		auth.WithHTTPClient(c.httpClient),
		auth.WithLogger(logger),
	)

	c.Channel = channel.New(cfg.Server.ChannelURL, channel.TokenFunc(c.channelToken),
		channel.WithLogger(logger),
		channel.WithClock(c.clock),
		channel.WithBackoff(channel.Backoff{
			Initial: cfg.Channel.ReconnectInitialDelay,
			Max:     cfg.Channel.ReconnectMaxDelay,
			Jitter:  cfg.Channel.ReconnectJitter,
		}),
		channel.WithMaxAttempts(cfg.Channel.ReconnectAttempts),
		channel.WithHandshakeTimeout(cfg.Channel.HandshakeTimeout),
		channel.WithHTTPClient(c.httpClient),
	)

	c.Sessions = conversation.NewRegistry(c.Channel,
		conversation.WithPreferences(st),
		conversation.WithSessionCache(st),
		conversation.WithTurnPolicy(conversation.NewHeuristicPolicy(cfg.Conversation.RequestPhrases...)),
		conversation.WithToolApprover(conversation.NewAllowList(cfg.Conversation.AutoApproveTools)),
		conversation.WithClock(c.clock),
		conversation.WithThinkingTimeout(cfg.Conversation.ThinkingTimeout),
		conversation.WithLogger(logger),
	)

	c.Auth.OnLogout(c.onLogout)
	return c
}

// Start loads the stored credential, restores cached sessions and connects
// the channel. It returns auth.ErrUnauthenticated when there is no usable
// credential. A failed connect is reported through Notices and retried in
// the background.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.mu.Unlock()

	if _, err := c.Auth.Acquire(ctx); err != nil {
		return err
	}
	if err := c.Sessions.Restore(ctx); err != nil {
		c.logger.Warn("failed to restore session cache", "error", err)
	}

	c.Sessions.Attach()
	unwatch := c.Channel.Watch(c.onChannelState)
	c.mu.Lock()
	c.unwatch = unwatch
	c.mu.Unlock()

	err := c.Channel.Connect(ctx)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, channel.ErrCredentialRejected):
		// Recovery runs from the state watcher.
		return nil
	case errors.Is(err, channel.ErrNoToken):
		return err
	default:
		c.Channel.Reconnect()
		return nil
	}
}

// Login exchanges an authorization code for a stored credential.
func (c *Client) Login(ctx context.Context, code string) (*store.Credential, error) {
	return c.Auth.Login(ctx, code, c.cfg.Auth.Provider)
}

// Logout clears the credential and every cached session, and disconnects.
func (c *Client) Logout(ctx context.Context) error {
	return c.Auth.Logout(ctx)
}

// Notices streams user-facing failures. Notices are dropped when nobody
// keeps up with the stream.
func (c *Client) Notices() <-chan Notice {
	return c.notices
}

// Status is a point-in-time summary for display.
type Status struct {
	Authenticated bool
	User          *store.UserInfo
	ExpiresAt     time.Time
	Channel       channel.State
	Selected      string
	Sessions      int
}

// Status returns the current status.
func (c *Client) Status() Status {
	st := Status{
		Channel:  c.Channel.State(),
		Selected: c.Sessions.Selected(),
		Sessions: len(c.Sessions.SessionIDs()),
	}
	if cred := c.Auth.Current(); cred != nil {
		st.Authenticated = true
		st.User = cred.User
		st.ExpiresAt = cred.ExpiresAt
	}
	return st
}

// Close stops every component. The store is left open for the caller.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	unwatch := c.unwatch
	c.unwatch = nil
	c.mu.Unlock()

	if unwatch != nil {
		unwatch()
	}
	c.Sessions.Close()
	err := c.Channel.Close()
	c.Auth.Close()
	return err
}

// channelToken hands the channel a token and remembers which one, so a
// rejection can be matched to the token that caused it.
func (c *Client) channelToken(ctx context.Context) (string, error) {
	token, err := c.Auth.Token(ctx)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	c.lastToken = token
	c.mu.Unlock()
	return token, nil
}

func (c *Client) onChannelState(ev channel.StateEvent) {
	switch {
	case ev.State == channel.StateConnected:
		c.mu.Lock()
		c.rejections = 0
		c.mu.Unlock()

	case ev.State != channel.StateDisconnected || ev.Err == nil:
		// connecting, or a clean disconnect

	case errors.Is(ev.Err, channel.ErrClosed):
		// we closed it

	case errors.Is(ev.Err, channel.ErrCredentialRejected):
		c.mu.Lock()
		c.rejections++
		n := c.rejections
		token := c.lastToken
		c.mu.Unlock()
		go c.recoverCredential(token, n)

	case errors.Is(ev.Err, channel.ErrReconnectExhausted):
		c.notify(ev.Err, "Could not reach the server. Giving up after %d attempts.", ev.Attempt)

	case errors.Is(ev.Err, channel.ErrNoToken):
		// Forced logout already raised its own notice.
		if !errors.Is(ev.Err, auth.ErrAuthFailure) && !errors.Is(ev.Err, auth.ErrUnauthenticated) {
			c.notify(ev.Err, "Could not get a token for the channel.")
		}

	default:
		err := ev.Err
		if Classify(err) == KindUnknown {
			err = fmt.Errorf("%w: %w", channel.ErrDisconnected, err)
		}
		c.notify(err, "Connection lost. Reconnecting.")
	}
}

// recoverCredential refreshes once after the channel rejected token and
// reconnects. A second consecutive rejection logs out.
func (c *Client) recoverCredential(token string, rejections int) {
	ctx, cancel := context.WithTimeout(context.Background(), recoveryTimeout)
	defer cancel()

	if rejections > 1 {
		c.logger.Warn("channel rejected refreshed credential, logging out")
		c.notify(channel.ErrCredentialRejected, "The server rejected your session again. Please log in.")
		if err := c.Auth.Logout(ctx); err != nil {
			c.logger.Warn("logout failed", "error", err)
		}
		return
	}

	c.logger.Info("channel rejected credential, refreshing")
	if _, err := c.Auth.Invalidate(ctx, token); err != nil {
		// A failed refresh logs out on its own.
		c.logger.Warn("refresh after rejection failed", "error", err)
		return
	}

	err := c.Channel.Connect(ctx)
	switch {
	case err == nil, errors.Is(err, channel.ErrClosed), errors.Is(err, channel.ErrConnecting):
	case errors.Is(err, channel.ErrCredentialRejected), errors.Is(err, channel.ErrNoToken):
		// The state watcher sees this failure too.
	default:
		c.Channel.Reconnect()
	}
}

func (c *Client) onLogout(reason error) {
	ctx, cancel := context.WithTimeout(context.Background(), recoveryTimeout)
	defer cancel()

	if !errors.Is(reason, auth.ErrLoggedOut) {
		c.notify(reason, "You were signed out. Please log in again.")
	}
	c.Sessions.Reset(ctx)
	if err := c.Channel.Close(); err != nil {
		c.logger.Debug("closing channel after logout", "error", err)
	}
}

func (c *Client) notify(err error, format string, args ...any) {
	n := Notice{
		Kind:    Classify(err),
		Message: fmt.Sprintf(format, args...),
		Err:     err,
		Time:    c.clock.Now(),
	}
	c.logger.Debug("notice", "kind", n.Kind, "message", n.Message, "error", err)

	select {
	case c.notices <- n:
	default:
		c.logger.Warn("notice dropped, nobody is reading", "message", n.Message)
	}
}
