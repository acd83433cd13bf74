// ABOUTME: JSON wire frames exchanged over the persistent channel
// ABOUTME: Handshake, named events and acknowledgements share one envelope

package channel

import (
	"encoding/json"
	"strings"
)

// Frame types
const (
	FrameConnect      = "connect"
	FrameConnected    = "connected"
	FrameConnectError = "connect_error"
	FrameEvent        = "event"
	FrameAck          = "ack"
)

// credentialRejectionPhrase marks a handshake error caused by a bad token.
const credentialRejectionPhrase = "authentication failed"

// Frame is one JSON text message on the channel.
type Frame struct {
	Type  string          `json:"type"`
	Auth  *HandshakeAuth  `json:"auth,omitempty"`
	Event string          `json:"event,omitempty"`
	ID    string          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

// HandshakeAuth carries the bearer token in the connect frame.
type HandshakeAuth struct {
	Token string `json:"token"`
}

// ackError is the optional error field inside ack data.
type ackError struct {
	Error string `json:"error,omitempty"`
}

// IsCredentialRejection reports whether a server error message says the
// handshake token was not accepted.
func IsCredentialRejection(msg string) bool {
	return strings.Contains(strings.ToLower(msg), credentialRejectionPhrase)
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	default:
		return json.Marshal(payload)
	}
}
