// ABOUTME: Channel error values and the handshake rejection type
// ABOUTME: Credential rejections are surfaced upward and never retried here

package channel

import (
	"errors"
	"fmt"
)

var (
	// ErrDropped resolves acks of queued sends discarded on disconnect.
	ErrDropped = errors.New("send dropped: channel disconnected before delivery")

	// ErrDisconnected resolves acks still awaiting the server when the
	// connection went away.
	ErrDisconnected = errors.New("channel disconnected")

	// ErrCredentialRejected matches handshake rejections caused by the token.
	ErrCredentialRejected = errors.New("credential rejected")

	// ErrReconnectExhausted is the terminal error after the last reconnect attempt.
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("channel closed")

	// ErrConnecting is returned by Connect while a connect is already underway.
	ErrConnecting = errors.New("connect already in progress")

	// ErrNoToken wraps a token source failure; no connection was attempted.
	ErrNoToken = errors.New("no channel token")

	// ErrProtocol marks frames that violate the wire protocol.
	ErrProtocol = errors.New("protocol violation")
)

// HandshakeError is a rejected handshake.
type HandshakeError struct {
	Status            int    // HTTP status of a refused upgrade, 0 if the upgrade succeeded
	Reason            string // server-provided message
	CredentialInvalid bool
}

func (e *HandshakeError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("handshake rejected (HTTP %d): %s", e.Status, e.Reason)
	}
	return "handshake rejected: " + e.Reason
}

// Is matches ErrCredentialRejected when the token was the cause.
func (e *HandshakeError) Is(target error) bool {
	return target == ErrCredentialRejected && e.CredentialInvalid
}

// CommandError is a remote rejection carried in an ack's error field.
type CommandError struct {
	Event   string
	Message string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s rejected: %s", e.Event, e.Message)
}
