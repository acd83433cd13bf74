// ABOUTME: Session registry: the state machine over all sessions multiplexed on one channel
// ABOUTME: Reconciles the session list, loads history once per connection, folds agent events

package conversation

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-dash/internal/channel"
	"github.com/2389/coven-dash/internal/clock"
	"github.com/2389/coven-dash/internal/dedupe"
	"github.com/2389/coven-dash/internal/store"
)

const (
	// DefaultThinkingTimeout clears a thinking flag that saw no agent activity.
	DefaultThinkingTimeout = 60 * time.Second

	// commandTimeout bounds registry-initiated commands such as the
	// automatic session list on connect.
	commandTimeout = 30 * time.Second
)

// Channel is the part of the channel connector the registry uses.
type Channel interface {
	Send(event string, payload any) *channel.Ack
	On(event string, h channel.Handler)
	Off(event string)
	Watch(fn func(channel.StateEvent)) (cancel func())
}

// Option configures a Registry.
type Option func(*Registry)

// WithPreferences persists the selected session.
func WithPreferences(p store.PreferenceStore) Option {
	return func(r *Registry) { r.prefs = p }
}

// WithSessionCache persists sessions and messages between runs.
func WithSessionCache(c store.SessionCache) Option {
	return func(r *Registry) { r.cache = c }
}

// WithTurnPolicy replaces the end-of-turn heuristic.
func WithTurnPolicy(p TurnPolicy) Option {
	return func(r *Registry) { r.policy = p }
}

// WithToolApprover sets who answers function_call_request.
func WithToolApprover(a ToolApprover) Option {
	return func(r *Registry) { r.approver = a }
}

// WithClock sets the clock for timestamps and thinking timeouts.
func WithClock(c clock.Clock) Option {
	return func(r *Registry) { r.clock = c }
}

// WithThinkingTimeout sets how long thinking survives without agent activity.
func WithThinkingTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.thinkingTimeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// Registry is the sole owner of session state. All mutation happens under
// one mutex; readers get snapshots.
type Registry struct {
	ch              Channel
	prefs           store.PreferenceStore
	cache           store.SessionCache
	policy          TurnPolicy
	approver        ToolApprover
	clock           clock.Clock
	thinkingTimeout time.Duration
	logger          *slog.Logger
	updates         *Broadcaster

	// history marks sessions whose history was requested on the current
	// channel connection.
	history *dedupe.Cache

	mu        sync.Mutex
	sessions  map[string]*sessionState
	order     []string
	selected  string
	creating  bool
	connected bool
	lastError error
	unwatch   func()
	closed    bool

	// seq counts membership changes; changes holds those made while a list
	// request is in flight.
	seq     uint64
	listing int
	changes []membershipChange
}

type membershipChange struct {
	seq     uint64
	id      string
	removed bool
}

// NewRegistry creates a registry over ch. Call Attach to start receiving events.
func NewRegistry(ch Channel, opts ...Option) *Registry {
	r := &Registry{
		ch:              ch,
		policy:          NewHeuristicPolicy(),
		approver:        NewAllowList(nil),
		clock:           clock.Real{},
		thinkingTimeout: DefaultThinkingTimeout,
		logger:          slog.Default(),
		history:         dedupe.New(),
		sessions:        make(map[string]*sessionState),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "registry")
	r.updates = NewBroadcaster(r.logger)
	return r
}

// Attach registers the registry's handlers and state watcher on the channel.
// Attaching again swaps the handlers in place.
func (r *Registry) Attach() {
	r.ch.On(EventResponse, r.onAgentEvent)
	r.ch.On(EventFunctionCallRequest, r.onFunctionCall)
	r.ch.On(EventSessionCreated, r.onSessionCreated)
	r.ch.On(EventSessionDeleted, r.onSessionDeleted)
	r.ch.On(EventListSessionsResponse, r.onListSessions)
	r.ch.On(EventHistoryResponse, r.onHistory)

	unwatch := r.ch.Watch(r.onState)

	r.mu.Lock()
	prev := r.unwatch
	r.unwatch = unwatch
	r.mu.Unlock()
	if prev != nil {
		prev()
	}
}

// Detach removes the registry's handlers and watcher.
func (r *Registry) Detach() {
	for _, ev := range []string{
		EventResponse, EventFunctionCallRequest, EventSessionCreated,
		EventSessionDeleted, EventListSessionsResponse, EventHistoryResponse,
	} {
		r.ch.Off(ev)
	}

	r.mu.Lock()
	unwatch := r.unwatch
	r.unwatch = nil
	r.mu.Unlock()
	if unwatch != nil {
		unwatch()
	}
}

// Restore loads cached sessions and the last selection so something is
// visible before the channel connects. The channel's list wins later.
func (r *Registry) Restore(ctx context.Context) error {
	var cached []store.CachedSession
	if r.cache != nil {
		var err error
		if cached, err = r.cache.LoadSessions(ctx); err != nil {
			return err
		}
	}
	selected := r.loadSelectedPref(ctx)

	r.mu.Lock()
	for _, cs := range cached {
		if _, ok := r.sessions[cs.ID]; ok {
			continue
		}
		r.sessions[cs.ID] = sessionFromCache(cs)
		r.order = append(r.order, cs.ID)
	}
	if _, ok := r.sessions[selected]; ok && r.selected == "" {
		r.selected = selected
	}
	r.mu.Unlock()

	r.logger.Debug("restored session cache", "sessions", len(cached), "selected", selected)
	r.publish(Update{Kind: UpdateSessions})
	return nil
}

// ListSessions asks for the authoritative session list and reconciles
// against it. An empty or null list creates and selects a new session.
func (r *Registry) ListSessions(ctx context.Context) ([]string, error) {
	since := r.beginListing()
	defer r.endListing()

	var reply listSessionsReply
	if err := r.ch.Send(EventListSessionsRequest, nil).Decode(ctx, &reply); err != nil {
		cmdErr := &CommandError{Op: "list_sessions", Err: err}
		r.setRegistryError(cmdErr)
		return nil, cmdErr
	}

	next, create := r.reconcileSessionList(reply.SessionIDs, r.loadSelectedPref(ctx), since, true)
	r.finishSessionList(ctx, next, create)
	return r.SessionIDs(), nil
}

// CreateSession asks the backend for a new session and adds it. It does
// not change the selection.
func (r *Registry) CreateSession(ctx context.Context) (string, error) {
	var reply sessionCreated
	if err := r.ch.Send(EventCreateSessionRequest, nil).Decode(ctx, &reply); err != nil {
		cmdErr := &CommandError{Op: "create_session", Err: err}
		r.setRegistryError(cmdErr)
		return "", cmdErr
	}
	if reply.SessionID == "" {
		cmdErr := &CommandError{Op: "create_session", Err: channel.ErrProtocol}
		r.setRegistryError(cmdErr)
		return "", cmdErr
	}

	r.addSession(reply.SessionID, reply.DisplayName)
	r.persist(ctx)
	return reply.SessionID, nil
}

// DeleteSession deletes id remotely, then drops it locally. If it was
// selected, the first remaining session is selected and its history is
// reloaded; with none left the selection is cleared.
func (r *Registry) DeleteSession(ctx context.Context, id string) error {
	if !r.has(id) {
		return ErrUnknownSession
	}

	if err := r.ch.Send(EventDeleteSessionRequest, sessionRef{SessionID: id}).Decode(ctx, nil); err != nil {
		cmdErr := &CommandError{Op: "delete_session", SessionID: id, Err: err}
		r.setSessionError(id, cmdErr)
		return cmdErr
	}

	// A session_deleted event may have removed it already.
	if err := r.removeSession(ctx, id); err != nil && !errors.Is(err, ErrUnknownSession) {
		return err
	}
	return nil
}

// Select makes id the active session, persists the choice, and loads its
// history if this connection has not already done so.
func (r *Registry) Select(ctx context.Context, id string) error {
	r.mu.Lock()
	if _, ok := r.sessions[id]; !ok {
		r.mu.Unlock()
		return ErrUnknownSession
	}
	r.selected = id
	r.mu.Unlock()

	r.saveSelectedPref(ctx, id)
	r.publish(Update{Kind: UpdateSessions})
	return r.LoadHistory(ctx, id)
}

// LoadHistory requests id's history at most once per channel connection.
// A failure is recorded on the session and leaves it retryable.
func (r *Registry) LoadHistory(ctx context.Context, id string) error {
	if r.history.CheckAndMark(id) {
		return nil
	}

	r.mu.Lock()
	st, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		r.history.Forget(id)
		return ErrUnknownSession
	}
	st.phase = PhaseLoadingHistory
	st.lastError = nil
	r.mu.Unlock()
	r.publish(Update{Kind: UpdateHistory, SessionID: id})

	var reply historyReply
	if err := r.ch.Send(EventHistoryRequest, sessionRef{SessionID: id}).Decode(ctx, &reply); err != nil {
		r.history.Forget(id)
		cmdErr := &CommandError{Op: "load_history", SessionID: id, Err: err}

		r.mu.Lock()
		if st, ok := r.sessions[id]; ok {
			st.phase = PhaseIdle
			st.lastError = cmdErr
		}
		r.mu.Unlock()

		r.logger.Warn("history load failed", "session_id", id, "error", err)
		r.publish(Update{Kind: UpdateError, SessionID: id})
		return cmdErr
	}

	if reply.Messages != nil {
		r.applyHistory(ctx, id, *reply.Messages)
	}
	return nil
}

// SendMessage appends the user's message, marks the agent thinking and
// sends the text to the backend.
func (r *Registry) SendMessage(ctx context.Context, id, text string) error {
	r.mu.Lock()
	st, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return ErrUnknownSession
	}
	st.messages = append(st.messages, Message{
		ID:        uuid.NewString(),
		Text:      text,
		Origin:    OriginUser,
		Timestamp: r.clock.Now(),
	})
	st.lastError = nil
	st.thinking = true
	r.armThinkingLocked(st)
	r.mu.Unlock()
	r.publish(Update{Kind: UpdateMessages, SessionID: id})
	r.persist(ctx)

	if err := r.ch.Send(EventSendMessageRequest, sendMessageRequest{SessionID: id, Text: text}).Decode(ctx, nil); err != nil {
		cmdErr := &CommandError{Op: "send_message", SessionID: id, Err: err}

		r.mu.Lock()
		if st, ok := r.sessions[id]; ok {
			st.thinking = false
			st.stopThinkingTimer()
			st.lastError = cmdErr
		}
		r.mu.Unlock()

		r.publish(Update{Kind: UpdateError, SessionID: id})
		return cmdErr
	}
	return nil
}

// Sessions returns snapshots of every session in list order.
func (r *Registry) Sessions() []Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Session, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.sessions[id].snapshot())
	}
	return out
}

// SessionIDs returns the session ids in list order.
func (r *Registry) SessionIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

// Session returns a snapshot of id.
func (r *Registry) Session(id string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.sessions[id]
	if !ok {
		return Session{}, false
	}
	return st.snapshot(), true
}

// Selected returns the active session id, or "" when none is selected.
func (r *Registry) Selected() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.selected
}

// Connected reports whether the channel is connected.
func (r *Registry) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connected
}

// LastError returns the most recent registry-wide command failure.
func (r *Registry) LastError() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastError
}

// Subscribe streams updates for sessionID, or for everything when empty.
func (r *Registry) Subscribe(ctx context.Context, sessionID string) <-chan Update {
	ch, _ := r.updates.Subscribe(ctx, sessionID)
	return ch
}

// Close detaches from the channel, cancels every timer and closes
// subscriber streams.
func (r *Registry) Close() {
	r.Detach()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	for _, st := range r.sessions {
		st.stopThinkingTimer()
	}
	r.mu.Unlock()

	r.history.Reset()
	r.updates.Close()
}

// Reset forgets every session, the selection and the cache. Used on logout.
func (r *Registry) Reset(ctx context.Context) {
	r.mu.Lock()
	for _, st := range r.sessions {
		st.stopThinkingTimer()
	}
	r.sessions = make(map[string]*sessionState)
	r.order = nil
	r.selected = ""
	r.lastError = nil
	r.mu.Unlock()

	r.history.Reset()
	if r.cache != nil {
		if err := r.cache.ClearSessions(ctx); err != nil {
			r.logger.Warn("failed to clear session cache", "error", err)
		}
	}
	if r.prefs != nil {
		if err := r.prefs.DeletePreference(ctx, store.PrefSelectedSession); err != nil {
			r.logger.Warn("failed to clear selection", "error", err)
		}
	}
	r.publish(Update{Kind: UpdateSessions})
}

func (r *Registry) onState(ev channel.StateEvent) {
	switch ev.State {
	case channel.StateConnected:
		r.mu.Lock()
		r.connected = true
		r.mu.Unlock()

		// Markers belong to the previous connection.
		r.history.Reset()
		r.publish(Update{Kind: UpdateConnection})

		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
			defer cancel()
			if _, err := r.ListSessions(ctx); err != nil {
				r.logger.Warn("listing sessions after connect failed", "error", err)
			}
		}()

	case channel.StateDisconnected:
		r.mu.Lock()
		wasConnected := r.connected
		r.connected = false
		for _, st := range r.sessions {
			st.stopThinkingTimer()
			st.thinking = false
			if st.phase == PhaseLoadingHistory {
				st.phase = PhaseIdle
			}
		}
		r.mu.Unlock()

		if wasConnected || ev.Err != nil {
			r.publish(Update{Kind: UpdateConnection})
		}
	}
}

func (r *Registry) onAgentEvent(msg *channel.Message) {
	ev, err := decodeAgentEvent(msg)
	if err != nil {
		r.logger.Warn("dropping agent event", "error", err)
		return
	}

	r.mu.Lock()
	st, ok := r.sessions[ev.SessionID]
	if !ok {
		r.mu.Unlock()
		r.logger.Debug("agent event for unknown session", "session_id", ev.SessionID, "kind", ev.Kind)
		return
	}

	wasThinking := st.thinking
	before := len(st.messages)
	res := foldEvent(foldState{Messages: st.messages, Thinking: st.thinking}, ev, r.policy, r.clock.Now(), uuid.NewString)
	changed := len(res.State.Messages) != before || !slices.Equal(res.State.Messages, st.messages)
	st.messages = res.State.Messages
	st.thinking = res.State.Thinking

	switch res.Timer {
	case timerArm:
		r.armThinkingLocked(st)
	case timerClear:
		st.stopThinkingTimer()
	}
	r.mu.Unlock()

	if changed {
		r.publish(Update{Kind: UpdateMessages, SessionID: ev.SessionID})
	}
	if wasThinking != res.State.Thinking {
		r.publish(Update{Kind: UpdateThinking, SessionID: ev.SessionID})
	}
	if res.Finalized {
		r.persist(context.Background())
	}
}

func (r *Registry) onFunctionCall(msg *channel.Message) {
	var req functionCallRequest
	if err := msg.Decode(&req); err != nil {
		r.logger.Warn("dropping function call request", "error", err)
		_ = msg.Ack(functionCallReply{Approved: false})
		return
	}

	call := ToolCall{SessionID: req.SessionID, CallID: req.CallID, FunctionName: req.FunctionName, Args: req.Args}
	approved := r.approver.Approve(context.Background(), call)
	r.logger.Info("tool call", "session_id", req.SessionID, "function", req.FunctionName, "approved", approved)

	if err := msg.Ack(functionCallReply{Approved: approved}); err != nil {
		r.logger.Warn("failed to answer tool call", "session_id", req.SessionID, "error", err)
	}

	r.mu.Lock()
	st, ok := r.sessions[req.SessionID]
	if ok && approved {
		st.thinking = true
		r.armThinkingLocked(st)
	}
	r.mu.Unlock()
	if ok && approved {
		r.publish(Update{Kind: UpdateThinking, SessionID: req.SessionID})
	}
}

func (r *Registry) onSessionCreated(msg *channel.Message) {
	var ev sessionCreated
	if err := msg.Decode(&ev); err != nil || ev.SessionID == "" {
		r.logger.Warn("dropping session_created", "error", err)
		return
	}
	r.addSession(ev.SessionID, ev.DisplayName)
	r.persist(context.Background())
}

func (r *Registry) onSessionDeleted(msg *channel.Message) {
	var ev sessionRef
	if err := msg.Decode(&ev); err != nil || ev.SessionID == "" {
		r.logger.Warn("dropping session_deleted", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	if err := r.removeSession(ctx, ev.SessionID); err != nil && !errors.Is(err, ErrUnknownSession) {
		r.logger.Warn("reselect after remote delete failed", "session_id", ev.SessionID, "error", err)
	}
}

func (r *Registry) onListSessions(msg *channel.Message) {
	var reply listSessionsReply
	if err := msg.Decode(&reply); err != nil {
		r.logger.Warn("dropping list_sessions_response", "error", err)
		return
	}

	// Reconcile here so later events fold on top of this list; only the
	// ack waits move off the dispatch goroutine.
	next, create := r.reconcileSessionList(reply.SessionIDs, r.loadSelectedPref(context.Background()), 0, false)
	if next == "" && !create {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()
		r.finishSessionList(ctx, next, create)
	}()
}

func (r *Registry) onHistory(msg *channel.Message) {
	var reply historyReply
	if err := msg.Decode(&reply); err != nil || reply.SessionID == "" || reply.Messages == nil {
		r.logger.Warn("dropping session_history_response", "error", err)
		return
	}
	r.applyHistory(context.Background(), reply.SessionID, *reply.Messages)
}

// beginListing starts recording membership changes for a list request in
// flight and returns the sequence number they are replayed after.
func (r *Registry) beginListing() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listing++
	return r.seq
}

func (r *Registry) endListing() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listing--
	if r.listing == 0 {
		r.changes = nil
	}
}

// recordLocked notes a session added or removed by an event or command.
func (r *Registry) recordLocked(id string, removed bool) {
	r.seq++
	if r.listing > 0 {
		r.changes = append(r.changes, membershipChange{seq: r.seq, id: id, removed: removed})
	}
}

// reconcileSessionList replaces the local sessions with ids. With replay
// set, sessions created or deleted after since are applied on top, since
// the list may predate them. It returns the session to select, or create
// when nothing is left and no automatic create is underway.
func (r *Registry) reconcileSessionList(ids []string, pref string, since uint64, replay bool) (next string, create bool) {
	r.mu.Lock()

	keep := make(map[string]*sessionState, len(ids))
	order := make([]string, 0, len(ids))
	add := func(id string) {
		if _, dup := keep[id]; dup || id == "" {
			return
		}
		st, ok := r.sessions[id]
		if !ok {
			st = newSessionState(id, "")
		}
		keep[id] = st
		order = append(order, id)
	}
	for _, id := range ids {
		add(id)
	}
	if replay {
		for _, c := range r.changes {
			if c.seq <= since {
				continue
			}
			if c.removed {
				delete(keep, c.id)
				order = slices.DeleteFunc(order, func(s string) bool { return s == c.id })
				continue
			}
			add(c.id)
		}
	}

	if len(order) == 0 && r.creating {
		// The automatic create is already underway.
		r.mu.Unlock()
		return "", false
	}

	for id, st := range r.sessions {
		if _, ok := keep[id]; !ok {
			st.stopThinkingTimer()
			r.history.Forget(id)
		}
	}
	r.sessions = keep
	r.order = order

	switch {
	case len(order) == 0:
		r.selected = ""
		r.creating = true
		create = true
	case slices.Contains(order, r.selected):
		next = r.selected
	case slices.Contains(order, pref):
		next = pref
	default:
		next = order[0]
	}
	r.mu.Unlock()

	r.publish(Update{Kind: UpdateSessions})
	return next, create
}

// finishSessionList runs the blocking half of a reconcile: the automatic
// create, or selecting next and loading its history.
func (r *Registry) finishSessionList(ctx context.Context, next string, create bool) {
	if create {
		r.createAndSelect(ctx)
		return
	}
	if next == "" {
		return
	}
	r.persist(ctx)
	if err := r.Select(ctx, next); err != nil {
		r.logger.Warn("selecting session failed", "session_id", next, "error", err)
	}
}

// createAndSelect is the automatic create for an empty session list.
// A failure is recorded once and not retried.
func (r *Registry) createAndSelect(ctx context.Context) {
	defer func() {
		r.mu.Lock()
		r.creating = false
		r.mu.Unlock()
	}()

	id, err := r.CreateSession(ctx)
	if err != nil {
		r.logger.Warn("automatic session create failed", "error", err)
		return
	}
	if err := r.Select(ctx, id); err != nil {
		r.logger.Warn("selecting new session failed", "session_id", id, "error", err)
	}
}

func (r *Registry) addSession(id, displayName string) {
	r.mu.Lock()
	if st, ok := r.sessions[id]; ok {
		if displayName != "" {
			st.displayName = displayName
		}
		r.mu.Unlock()
		return
	}
	r.sessions[id] = newSessionState(id, displayName)
	r.order = append(r.order, id)
	r.recordLocked(id, false)
	r.mu.Unlock()

	r.publish(Update{Kind: UpdateSessions})
}

func (r *Registry) removeSession(ctx context.Context, id string) error {
	r.mu.Lock()
	st, ok := r.sessions[id]
	if !ok {
		// A list in flight may still name it.
		r.recordLocked(id, true)
		r.mu.Unlock()
		return ErrUnknownSession
	}
	st.stopThinkingTimer()
	delete(r.sessions, id)
	r.order = slices.DeleteFunc(r.order, func(s string) bool { return s == id })
	r.recordLocked(id, true)

	wasSelected := r.selected == id
	next := ""
	if wasSelected {
		r.selected = ""
		if len(r.order) > 0 {
			next = r.order[0]
		}
	}
	r.mu.Unlock()

	r.history.Forget(id)
	r.logger.Info("session removed", "session_id", id)
	r.publish(Update{Kind: UpdateSessions})
	r.persist(ctx)

	if !wasSelected {
		return nil
	}
	if next == "" {
		if r.prefs != nil {
			if err := r.prefs.DeletePreference(ctx, store.PrefSelectedSession); err != nil {
				r.logger.Warn("failed to clear selection", "error", err)
			}
		}
		return nil
	}

	// The replacement selection always shows fresh history.
	r.history.Forget(next)
	return r.Select(ctx, next)
}

func (r *Registry) applyHistory(ctx context.Context, id string, msgs []historyMessage) {
	r.mu.Lock()
	st, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		r.logger.Debug("history for unknown session", "session_id", id)
		return
	}

	history := make([]Message, 0, len(msgs)+1)
	for _, m := range msgs {
		origin := Origin(m.Origin)
		switch origin {
		case OriginUser, OriginAgent, OriginSystem:
		default:
			origin = OriginSystem
		}
		history = append(history, Message{ID: uuid.NewString(), Text: m.Text, Origin: origin, Timestamp: m.Timestamp})
	}
	// A reply streaming while history loads stays after the history.
	if i := openPartial(st.messages); i >= 0 {
		history = append(history, st.messages[i])
	}
	st.messages = history
	st.phase = PhaseReady
	st.lastError = nil
	r.mu.Unlock()

	r.publish(Update{Kind: UpdateHistory, SessionID: id})
	r.publish(Update{Kind: UpdateMessages, SessionID: id})
	r.persist(ctx)
}

// armThinkingLocked restarts id's thinking timeout. A timer that fires
// after being replaced sees a newer generation and does nothing.
func (r *Registry) armThinkingLocked(st *sessionState) {
	st.stopThinkingTimer()
	gen := st.thinkingGen
	id := st.id
	st.thinkingTimer = r.clock.AfterFunc(r.thinkingTimeout, func() { r.thinkingExpired(id, gen) })
}

func (r *Registry) thinkingExpired(id string, gen uint64) {
	r.mu.Lock()
	st, ok := r.sessions[id]
	if !ok || st.thinkingGen != gen {
		r.mu.Unlock()
		return
	}
	st.thinkingTimer = nil
	st.thinking = false
	r.mu.Unlock()

	r.logger.Info("agent went quiet, clearing thinking", "session_id", id, "timeout", r.thinkingTimeout)
	r.publish(Update{Kind: UpdateThinking, SessionID: id})
}

func (r *Registry) has(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[id]
	return ok
}

func (r *Registry) setSessionError(id string, err error) {
	r.mu.Lock()
	if st, ok := r.sessions[id]; ok {
		st.lastError = err
	}
	r.mu.Unlock()
	r.publish(Update{Kind: UpdateError, SessionID: id})
}

func (r *Registry) setRegistryError(err error) {
	r.mu.Lock()
	r.lastError = err
	r.mu.Unlock()
	r.publish(Update{Kind: UpdateError})
}

func (r *Registry) publish(u Update) {
	r.updates.Publish(u)
}

// persist writes every session to the cache. Failures are logged; the
// cache is never the source of truth.
func (r *Registry) persist(ctx context.Context) {
	if r.cache == nil {
		return
	}

	now := r.clock.Now()
	r.mu.Lock()
	snapshot := make([]store.CachedSession, 0, len(r.order))
	for _, id := range r.order {
		snapshot = append(snapshot, r.sessions[id].toCache(now))
	}
	r.mu.Unlock()

	if err := r.cache.SaveSessions(ctx, snapshot); err != nil {
		r.logger.Warn("failed to persist session cache", "error", err)
	}
}

func (r *Registry) loadSelectedPref(ctx context.Context) string {
	if r.prefs == nil {
		return ""
	}
	id, err := r.prefs.GetPreference(ctx, store.PrefSelectedSession)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		r.logger.Warn("failed to read selection", "error", err)
	}
	return id
}

func (r *Registry) saveSelectedPref(ctx context.Context, id string) {
	if r.prefs == nil {
		return
	}
	if err := r.prefs.SetPreference(ctx, store.PrefSelectedSession, id); err != nil {
		r.logger.Warn("failed to persist selection", "error", err)
	}
}
