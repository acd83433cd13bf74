// ABOUTME: Session and message snapshot types owned by the registry
// ABOUTME: Snapshots are copies; callers never hold registry state

package conversation

import (
	"time"

	"github.com/2389/coven-dash/internal/clock"
	"github.com/2389/coven-dash/internal/store"
)

// Origin identifies who produced a message.
type Origin string

const (
	OriginUser   Origin = "user"
	OriginAgent  Origin = "agent"
	OriginSystem Origin = "system"
)

// Message is one chat message. A partial agent message may grow in place
// until a final event replaces it; after that it never changes.
type Message struct {
	ID        string
	Text      string
	Origin    Origin
	Partial   bool
	Timestamp time.Time
}

// Phase is the history-loading state of a session.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseLoadingHistory
	PhaseReady
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseLoadingHistory:
		return "loading-history"
	case PhaseReady:
		return "ready"
	default:
		return "unknown"
	}
}

// Session is a snapshot of one conversation.
type Session struct {
	ID          string
	DisplayName string
	Messages    []Message
	Phase       Phase
	Thinking    bool
	LastError   error
}

// Loading reports whether a history request is outstanding.
func (s Session) Loading() bool { return s.Phase == PhaseLoadingHistory }

// sessionState is the registry's mutable record for one session.
type sessionState struct {
	id          string
	displayName string
	messages    []Message
	phase       Phase
	thinking    bool
	lastError   error

	// thinkingGen invalidates a timeout that fires after being replaced.
	thinkingGen   uint64
	thinkingTimer clock.Timer
}

func newSessionState(id, displayName string) *sessionState {
	if displayName == "" {
		displayName = id
	}
	return &sessionState{id: id, displayName: displayName}
}

func (s *sessionState) snapshot() Session {
	return Session{
		ID:          s.id,
		DisplayName: s.displayName,
		Messages:    append([]Message(nil), s.messages...),
		Phase:       s.phase,
		Thinking:    s.thinking,
		LastError:   s.lastError,
	}
}

func (s *sessionState) stopThinkingTimer() {
	s.thinkingGen++
	if s.thinkingTimer != nil {
		s.thinkingTimer.Stop()
		s.thinkingTimer = nil
	}
}

func (s *sessionState) toCache(now time.Time) store.CachedSession {
	msgs := make([]store.CachedMessage, len(s.messages))
	for i, m := range s.messages {
		msgs[i] = store.CachedMessage{
			ID:        m.ID,
			Text:      m.Text,
			Origin:    string(m.Origin),
			Partial:   m.Partial,
			Timestamp: m.Timestamp,
		}
	}
	return store.CachedSession{ID: s.id, DisplayName: s.displayName, Messages: msgs, UpdatedAt: now}
}

func sessionFromCache(cs store.CachedSession) *sessionState {
	st := newSessionState(cs.ID, cs.DisplayName)
	for _, m := range cs.Messages {
		// A partial cut off by shutdown will never be finalized.
		st.messages = append(st.messages, Message{
			ID:        m.ID,
			Text:      m.Text,
			Origin:    Origin(m.Origin),
			Timestamp: m.Timestamp,
		})
	}
	return st
}
