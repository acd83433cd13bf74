// ABOUTME: Channel event vocabulary and payload shapes for session traffic
// ABOUTME: Agent events decode into a closed EventKind enum; unknown kinds are protocol violations

package conversation

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/2389/coven-dash/internal/channel"
)

// Outbound events
const (
	EventListSessionsRequest  = "list_sessions_request"
	EventCreateSessionRequest = "create_session_request"
	EventDeleteSessionRequest = "delete_session_request"
	EventHistoryRequest       = "session_history_request"
	EventSendMessageRequest   = "send_message_request"
)

// Inbound events
const (
	EventSessionCreated       = "session_created"
	EventSessionDeleted       = "session_deleted"
	EventHistoryResponse      = "session_history_response"
	EventListSessionsResponse = "list_sessions_response"
	EventResponse             = "event_response"
	EventFunctionCallRequest  = "function_call_request"
)

// EventKind is the closed set of agent event types folded into a session.
type EventKind int

const (
	KindText EventKind = iota
	KindToolCall
	KindToolResult
	KindTurnComplete
	KindError
)

var eventKinds = map[string]EventKind{
	"text":              KindText,
	"function_call":     KindToolCall,
	"function_response": KindToolResult,
	"turn_complete":     KindTurnComplete,
	"error":             KindError,
}

func (k EventKind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindToolCall:
		return "function_call"
	case KindToolResult:
		return "function_response"
	case KindTurnComplete:
		return "turn_complete"
	case KindError:
		return "error"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// AgentEvent is one decoded event_response.
type AgentEvent struct {
	SessionID    string
	Kind         EventKind
	Text         string
	Partial      bool
	FunctionName string
}

type sessionRef struct {
	SessionID string `json:"sessionId"`
}

type sessionCreated struct {
	SessionID   string `json:"sessionId"`
	DisplayName string `json:"displayName,omitempty"`
}

// A null or absent sessionIds is an empty list.
type listSessionsReply struct {
	SessionIDs []string `json:"sessionIds"`
}

type historyMessage struct {
	Text      string    `json:"text"`
	Origin    string    `json:"origin"`
	Timestamp time.Time `json:"timestamp"`
}

type historyReply struct {
	SessionID string            `json:"sessionId"`
	Messages  *[]historyMessage `json:"messages"`
}

type sendMessageRequest struct {
	SessionID string `json:"sessionId"`
	Text      string `json:"text"`
}

type eventResponse struct {
	SessionID string `json:"sessionId"`
	Event     *struct {
		EventType    string `json:"event_type"`
		Text         string `json:"text,omitempty"`
		Partial      bool   `json:"partial,omitempty"`
		FunctionName string `json:"function_name,omitempty"`
	} `json:"event"`
}

type functionCallRequest struct {
	SessionID    string          `json:"sessionId"`
	CallID       string          `json:"callId"`
	FunctionName string          `json:"functionName"`
	Args         json.RawMessage `json:"args,omitempty"`
}

type functionCallReply struct {
	Approved bool `json:"approved"`
}

// decodeAgentEvent validates an event_response. Every failure wraps
// channel.ErrProtocol.
func decodeAgentEvent(msg *channel.Message) (AgentEvent, error) {
	var raw eventResponse
	if err := msg.Decode(&raw); err != nil {
		return AgentEvent{}, err
	}
	if raw.SessionID == "" {
		return AgentEvent{}, fmt.Errorf("%w: event_response without sessionId", channel.ErrProtocol)
	}
	if raw.Event == nil {
		return AgentEvent{}, fmt.Errorf("%w: event_response without event", channel.ErrProtocol)
	}

	kind, ok := eventKinds[raw.Event.EventType]
	if !ok {
		return AgentEvent{}, fmt.Errorf("%w: unknown event_type %q", channel.ErrProtocol, raw.Event.EventType)
	}

	return AgentEvent{
		SessionID:    raw.SessionID,
		Kind:         kind,
		Text:         raw.Event.Text,
		Partial:      raw.Event.Partial,
		FunctionName: raw.Event.FunctionName,
	}, nil
}
