// ABOUTME: Persistent channel connector with outbound queue, reconnect policy and handler registry
// ABOUTME: Every connection is a numbered instance; frames from superseded instances are ignored

package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/2389/coven-dash/internal/clock"
)

const (
	// DefaultMaxAttempts bounds automatic reconnection.
	DefaultMaxAttempts = 10

	// DefaultHandshakeTimeout bounds dial plus the connect/connected exchange.
	DefaultHandshakeTimeout = 10 * time.Second

	writeTimeout = 10 * time.Second
	readLimit    = 4 << 20
)

// State is the connector's connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// StateEvent reports a state transition. Err is set when a connection
// attempt failed or an open connection dropped.
type StateEvent struct {
	State    State
	Instance uint64
	Attempt  int // reconnect attempt that produced this event, 0 otherwise
	Err      error
}

// TokenSource supplies a currently valid bearer token for the handshake.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// TokenFunc adapts a function to TokenSource.
type TokenFunc func(ctx context.Context) (string, error)

// Token implements TokenSource.
func (f TokenFunc) Token(ctx context.Context) (string, error) { return f(ctx) }

// Handler receives one inbound event.
type Handler func(msg *Message)

// Message is one inbound named event.
type Message struct {
	Event    string
	Data     json.RawMessage
	Instance uint64

	reply func(payload any) error
}

// NewMessage builds a message. reply answers the sender's ack request and
// may be nil when no ack was requested.
func NewMessage(event string, data json.RawMessage, reply func(payload any) error) *Message {
	return &Message{Event: event, Data: data, reply: reply}
}

// Decode unmarshals the event data into v.
func (m *Message) Decode(v any) error {
	if len(m.Data) == 0 {
		return fmt.Errorf("%w: %s has no data", ErrProtocol, m.Event)
	}
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrProtocol, m.Event, err)
	}
	return nil
}

// WantsAck reports whether the sender expects an acknowledgement.
func (m *Message) WantsAck() bool { return m.reply != nil }

// Ack answers the event. It is a no-op when no ack was requested.
func (m *Message) Ack(payload any) error {
	if m.reply == nil {
		return nil
	}
	return m.reply(payload)
}

type outbound struct {
	event string
	data  json.RawMessage
	ack   *Ack // nil for Emit
}

// Option configures a Connector.
type Option func(*Connector)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Connector) { c.logger = l }
}

// WithClock sets the clock used for reconnect delays.
func WithClock(cl clock.Clock) Option {
	return func(c *Connector) { c.clock = cl }
}

// WithBackoff sets the reconnect backoff.
func WithBackoff(b Backoff) Option {
	return func(c *Connector) { c.backoff = b }
}

// WithMaxAttempts sets how many reconnect attempts run before giving up.
func WithMaxAttempts(n int) Option {
	return func(c *Connector) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

// WithHandshakeTimeout bounds dial plus handshake.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(c *Connector) {
		if d > 0 {
			c.handshakeTimeout = d
		}
	}
}

// WithHTTPClient sets the client used for the upgrade request.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Connector) { c.httpClient = hc }
}

// Connector owns at most one open connection. It is created once and
// outlives any number of connections; handlers and watchers registered on
// it survive reconnects.
type Connector struct {
	url              string
	tokens           TokenSource
	logger           *slog.Logger
	clock            clock.Clock
	backoff          Backoff
	maxAttempts      int
	handshakeTimeout time.Duration
	httpClient       *http.Client

	dispatch *dispatcher

	mu          sync.Mutex
	state       State
	instance    uint64
	conn        *websocket.Conn
	cancelRead  context.CancelFunc
	queue       []*outbound
	pending     map[string]*outbound
	handlers    map[string]Handler
	watchers    map[uint64]func(StateEvent)
	nextWatcher uint64
	attempt     int
	retryTimer  clock.Timer
	closed      bool
}

// New creates a disconnected connector for the channel at url.
func New(url string, tokens TokenSource, opts ...Option) *Connector {
	c := &Connector{
		url:              url,
		tokens:           tokens,
		logger:           slog.Default(),
		clock:            clock.Real{},
		backoff:          DefaultBackoff(),
		maxAttempts:      DefaultMaxAttempts,
		handshakeTimeout: DefaultHandshakeTimeout,
		pending:          make(map[string]*outbound),
		handlers:         make(map[string]Handler),
		watchers:         make(map[uint64]func(StateEvent)),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "channel")
	c.dispatch = newDispatcher()
	return c
}

// State returns the current state.
func (c *Connector) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// On registers h for event, replacing any previous handler in place.
// The connection is not touched.
func (c *Connector) On(event string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = h
}

// Off removes the handler for event.
func (c *Connector) Off(event string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handlers, event)
}

// Watch registers fn for state transitions. The returned func unregisters it.
func (c *Connector) Watch(fn func(StateEvent)) (cancel func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextWatcher++
	id := c.nextWatcher
	c.watchers[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.watchers, id)
	}
}

// Connect opens a new connection instance. It obtains a token before
// entering the connecting state, dials, and completes the handshake. A
// credential rejection is returned as a *HandshakeError matching
// ErrCredentialRejected and is never retried here.
func (c *Connector) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return ErrClosed
	case c.state == StateConnected:
		c.mu.Unlock()
		return nil
	case c.state == StateConnecting:
		c.mu.Unlock()
		return ErrConnecting
	}
	c.stopRetryLocked()
	c.mu.Unlock()

	token, err := c.tokens.Token(ctx)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrNoToken, err)
		c.mu.Lock()
		c.notifyLocked(StateEvent{State: StateDisconnected, Instance: c.instance, Attempt: c.attempt, Err: err})
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return ErrConnecting
	}
	c.instance++
	inst := c.instance
	c.state = StateConnecting
	c.notifyLocked(StateEvent{State: StateConnecting, Instance: inst, Attempt: c.attempt})
	c.mu.Unlock()

	conn, err := c.handshake(ctx, token)
	if err != nil {
		c.failConnect(inst, err)
		return err
	}

	return c.install(inst, conn)
}

// Reconnect restarts the automatic reconnect sequence from attempt one.
func (c *Connector) Reconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.state != StateDisconnected {
		return
	}
	c.attempt = 0
	c.scheduleRetryLocked()
}

// Send transmits event now if connected, otherwise queues it. The returned
// Ack resolves exactly once.
func (c *Connector) Send(event string, payload any) *Ack {
	ack := NewAck()
	data, err := marshalPayload(payload)
	if err != nil {
		ack.Resolve(nil, fmt.Errorf("encoding %s: %w", event, err))
		return ack
	}
	c.enqueue(&outbound{event: event, data: data, ack: ack})
	return ack
}

// Emit is Send without an acknowledgement.
func (c *Connector) Emit(event string, payload any) error {
	data, err := marshalPayload(payload)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", event, err)
	}
	return c.enqueue(&outbound{event: event, data: data})
}

// Close tears down the connection, stops reconnecting and fails every
// outstanding send.
func (c *Connector) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.stopRetryLocked()
	conn, inst := c.teardownLocked()
	c.notifyLocked(StateEvent{State: StateDisconnected, Instance: inst, Err: ErrClosed})
	c.mu.Unlock()

	c.dispatch.stop()
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client closed")
	}
	return nil
}

func (c *Connector) enqueue(ob *outbound) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		c.resolve(ob, ErrClosed)
		return ErrClosed
	}
	if c.state != StateConnected {
		c.queue = append(c.queue, ob)
		return nil
	}
	return c.transmitLocked(ob)
}

// transmitLocked writes ob on the current connection. Writes happen under
// the lock so queue drain and live sends cannot interleave.
func (c *Connector) transmitLocked(ob *outbound) error {
	frame := Frame{Type: FrameEvent, Event: ob.event, Data: ob.data}
	if ob.ack != nil {
		frame.ID = uuid.NewString()
		c.pending[frame.ID] = ob
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := wsjson.Write(ctx, c.conn, frame); err != nil {
		delete(c.pending, frame.ID)
		err = fmt.Errorf("sending %s: %w", ob.event, err)
		c.resolve(ob, err)
		return err
	}
	return nil
}

func (c *Connector) writeFrame(inst uint64, frame Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.instance != inst || c.state != StateConnected {
		return ErrDisconnected
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, c.conn, frame)
}

func (c *Connector) handshake(ctx context.Context, token string) (*websocket.Conn, error) {
	hctx, cancel := context.WithTimeout(ctx, c.handshakeTimeout)
	defer cancel()

	conn, resp, err := websocket.Dial(hctx, c.url, &websocket.DialOptions{HTTPClient: c.httpClient})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, &HandshakeError{
				Status:            resp.StatusCode,
				Reason:            http.StatusText(resp.StatusCode),
				CredentialInvalid: true,
			}
		}
		return nil, fmt.Errorf("dialing channel: %w", err)
	}
	conn.SetReadLimit(readLimit)

	if err := wsjson.Write(hctx, conn, Frame{Type: FrameConnect, Auth: &HandshakeAuth{Token: token}}); err != nil {
		conn.CloseNow()
		return nil, fmt.Errorf("sending handshake: %w", err)
	}

	var reply Frame
	if err := wsjson.Read(hctx, conn, &reply); err != nil {
		conn.CloseNow()
		return nil, fmt.Errorf("reading handshake reply: %w", err)
	}

	switch reply.Type {
	case FrameConnected:
		return conn, nil
	case FrameConnectError:
		conn.CloseNow()
		return nil, &HandshakeError{Reason: reply.Error, CredentialInvalid: IsCredentialRejection(reply.Error)}
	default:
		conn.CloseNow()
		return nil, fmt.Errorf("%w: unexpected handshake reply %q", ErrProtocol, reply.Type)
	}
}

// install makes conn the authoritative connection for inst, drains the
// queue in FIFO order, and only then enters the connected state.
func (c *Connector) install(inst uint64, conn *websocket.Conn) error {
	c.mu.Lock()
	if c.closed || c.instance != inst {
		c.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "superseded")
		return ErrClosed
	}

	readCtx, cancelRead := context.WithCancel(context.Background())
	c.conn = conn
	c.cancelRead = cancelRead

	for len(c.queue) > 0 {
		ob := c.queue[0]
		c.queue[0] = nil
		c.queue = c.queue[1:]

		if err := c.transmitLocked(ob); err != nil {
			c.mu.Unlock()
			c.logger.Warn("draining queue failed", "event", ob.event, "error", err)
			c.dropped(inst, err)
			return err
		}
	}

	c.state = StateConnected
	c.attempt = 0
	c.notifyLocked(StateEvent{State: StateConnected, Instance: inst})
	c.mu.Unlock()

	c.logger.Info("channel connected", "instance", inst)
	go c.readLoop(readCtx, conn, inst)
	return nil
}

func (c *Connector) readLoop(ctx context.Context, conn *websocket.Conn, inst uint64) {
	for {
		typ, raw, err := conn.Read(ctx)
		if err != nil {
			c.dropped(inst, err)
			return
		}
		if typ != websocket.MessageText {
			c.logger.Warn("ignoring non-text frame", "instance", inst)
			continue
		}

		var f Frame
		if err := json.Unmarshal(raw, &f); err != nil {
			c.logger.Warn("dropping malformed frame", "error", err, "instance", inst)
			continue
		}

		switch f.Type {
		case FrameAck:
			c.handleAck(inst, f)
		case FrameEvent:
			c.handleEvent(inst, f)
		default:
			c.logger.Warn("dropping unexpected frame", "type", f.Type, "instance", inst)
		}
	}
}

func (c *Connector) handleAck(inst uint64, f Frame) {
	c.mu.Lock()
	if c.instance != inst {
		c.mu.Unlock()
		return
	}
	ob, ok := c.pending[f.ID]
	delete(c.pending, f.ID)
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("ack for unknown send", "id", f.ID)
		return
	}

	var ae ackError
	if len(f.Data) > 0 && json.Unmarshal(f.Data, &ae) == nil && ae.Error != "" {
		ob.ack.Resolve(f.Data, &CommandError{Event: ob.event, Message: ae.Error})
		return
	}
	ob.ack.Resolve(f.Data, nil)
}

func (c *Connector) handleEvent(inst uint64, f Frame) {
	if f.Event == "" {
		c.logger.Warn("dropping event frame without a name", "instance", inst)
		return
	}

	msg := &Message{Event: f.Event, Data: f.Data, Instance: inst}
	if f.ID != "" {
		id := f.ID
		msg.reply = func(payload any) error {
			data, err := marshalPayload(payload)
			if err != nil {
				return fmt.Errorf("encoding ack: %w", err)
			}
			return c.writeFrame(inst, Frame{Type: FrameAck, ID: id, Data: data})
		}
	}
	c.dispatch.push(func() {
		// Looked up at delivery time so a swapped handler takes effect
		// for events already in flight.
		c.mu.Lock()
		h := c.handlers[f.Event]
		current := c.instance == inst
		c.mu.Unlock()

		if !current {
			return
		}
		if h == nil {
			c.logger.Debug("no handler for event", "event", f.Event)
			return
		}
		h(msg)
	})
}

// dropped handles the loss of connection inst.
func (c *Connector) dropped(inst uint64, cause error) {
	c.mu.Lock()
	if c.instance != inst || c.conn == nil {
		c.mu.Unlock()
		return
	}
	conn, _ := c.teardownLocked()
	closed := c.closed
	c.notifyLocked(StateEvent{State: StateDisconnected, Instance: inst, Err: cause})
	if !closed {
		c.scheduleRetryLocked()
	}
	c.mu.Unlock()

	c.logger.Warn("channel disconnected", "instance", inst, "error", cause)
	conn.CloseNow()
}

// failConnect handles a connect attempt for inst that never got connected.
func (c *Connector) failConnect(inst uint64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.instance != inst {
		return
	}
	c.teardownLocked()
	c.notifyLocked(StateEvent{State: StateDisconnected, Instance: inst, Attempt: c.attempt, Err: err})
	c.logger.Warn("channel connect failed", "instance", inst, "attempt", c.attempt, "error", err)
}

// teardownLocked nils the current handle and fails every outstanding send.
// The caller closes the returned connection outside the lock.
func (c *Connector) teardownLocked() (*websocket.Conn, uint64) {
	conn := c.conn
	c.conn = nil
	if c.cancelRead != nil {
		c.cancelRead()
		c.cancelRead = nil
	}
	c.state = StateDisconnected

	for id, ob := range c.pending {
		c.resolve(ob, ErrDisconnected)
		delete(c.pending, id)
	}
	for _, ob := range c.queue {
		c.resolve(ob, ErrDropped)
	}
	c.queue = nil

	return conn, c.instance
}

func (c *Connector) scheduleRetryLocked() {
	c.stopRetryLocked()
	c.attempt++
	if c.attempt > c.maxAttempts {
		c.logger.Error("giving up on channel", "attempts", c.maxAttempts)
		c.notifyLocked(StateEvent{State: StateDisconnected, Instance: c.instance, Attempt: c.attempt - 1, Err: ErrReconnectExhausted})
		return
	}

	attempt := c.attempt
	delay := c.backoff.Delay(attempt)
	c.logger.Info("reconnecting", "attempt", attempt, "delay", delay)
	c.retryTimer = c.clock.AfterFunc(delay, func() { c.retry(attempt) })
}

func (c *Connector) retry(attempt int) {
	c.mu.Lock()
	if c.closed || c.attempt != attempt || c.state != StateDisconnected {
		c.mu.Unlock()
		return
	}
	c.retryTimer = nil
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.handshakeTimeout)
	defer cancel()

	err := c.Connect(ctx)
	if err == nil || errors.Is(err, ErrClosed) || errors.Is(err, ErrConnecting) {
		return
	}
	if errors.Is(err, ErrCredentialRejected) || errors.Is(err, ErrNoToken) {
		// Already surfaced to watchers; the token owner decides what happens next.
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed && c.state == StateDisconnected && c.attempt == attempt {
		c.scheduleRetryLocked()
	}
}

func (c *Connector) stopRetryLocked() {
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
}

func (c *Connector) resolve(ob *outbound, err error) {
	if ob.ack != nil {
		ob.ack.Resolve(nil, err)
	}
}

// notifyLocked queues ev for every watcher on the dispatch goroutine.
func (c *Connector) notifyLocked(ev StateEvent) {
	watchers := make([]func(StateEvent), 0, len(c.watchers))
	for _, w := range c.watchers {
		watchers = append(watchers, w)
	}
	c.dispatch.push(func() {
		for _, w := range watchers {
			w(ev)
		}
	})
}
