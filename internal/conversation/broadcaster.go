// ABOUTME: In-memory fan-out of registry updates to front-end subscribers
// ABOUTME: Subscribers watch one session id, or every session with the empty key

package conversation

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// subscriberBufferSize is the channel buffer for each subscriber.
const subscriberBufferSize = 64

// allSessions is the subscription key that receives every update.
const allSessions = ""

// UpdateKind says what changed.
type UpdateKind int

const (
	UpdateSessions   UpdateKind = iota // session list or selection
	UpdateMessages                     // messages of one session
	UpdateThinking                     // thinking flag of one session
	UpdateHistory                      // history phase of one session
	UpdateError                        // lastError of one session, or the registry
	UpdateConnection                   // channel connected or disconnected
)

// Update notifies subscribers that state changed. It carries no state;
// subscribers read a fresh snapshot from the registry.
type Update struct {
	Kind      UpdateKind
	SessionID string // empty for registry-wide updates
}

// Broadcaster provides in-memory pub/sub for registry updates. Publishing
// never blocks; a subscriber whose buffer is full misses the update.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan Update // session id -> sub id -> ch
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]map[string]chan Update),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers for updates about sessionID, or about everything when
// sessionID is empty. The subscription ends when ctx is cancelled.
func (b *Broadcaster) Subscribe(ctx context.Context, sessionID string) (<-chan Update, string) {
	subID := uuid.New().String()
	ch := make(chan Update, subscriberBufferSize)

	b.mu.Lock()
	if _, ok := b.subscribers[sessionID]; !ok {
		b.subscribers[sessionID] = make(map[string]chan Update)
	}
	b.subscribers[sessionID][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "session_id", sessionID, "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(sessionID, subID)
	}()

	return ch, subID
}

// Publish delivers u to subscribers of its session and to catch-all subscribers.
func (b *Broadcaster) Publish(u Update) {
	b.mu.RLock()
	var targets []chan Update
	for _, ch := range b.subscribers[allSessions] {
		targets = append(targets, ch)
	}
	if u.SessionID != allSessions {
		for _, ch := range b.subscribers[u.SessionID] {
			targets = append(targets, ch)
		}
	}

	// Sends happen under the read lock so Unsubscribe cannot close a
	// channel mid-send; they never block.
	for _, ch := range targets {
		select {
		case ch <- u:
		default:
			b.logger.Debug("dropped update for slow subscriber", "session_id", u.SessionID, "kind", u.Kind)
		}
	}
	b.mu.RUnlock()
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(sessionID, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[sessionID]
	if !ok {
		return
	}
	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)
	if len(subs) == 0 {
		delete(b.subscribers, sessionID)
	}

	b.logger.Debug("subscriber removed", "session_id", sessionID, "sub_id", subID)
}

// Close closes every subscriber channel.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for key, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, key)
	}

	b.logger.Debug("broadcaster closed")
}
