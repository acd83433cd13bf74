// ABOUTME: Failure taxonomy for everything the client surfaces to a person
// ABOUTME: Classify maps wrapped errors from any layer onto four kinds

package client

import (
	"errors"
	"net"
	"time"

	"github.com/2389/coven-dash/internal/auth"
	"github.com/2389/coven-dash/internal/channel"
	"github.com/2389/coven-dash/internal/conversation"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("client closed")

// Kind is the category of a user-facing failure.
type Kind int

const (
	KindUnknown Kind = iota
	KindAuthFailure
	KindConnectionFailure
	KindCommandFailure
	KindProtocolViolation
)

func (k Kind) String() string {
	switch k {
	case KindAuthFailure:
		return "auth"
	case KindConnectionFailure:
		return "connection"
	case KindCommandFailure:
		return "command"
	case KindProtocolViolation:
		return "protocol"
	default:
		return "unknown"
	}
}

// Classify returns the kind of err. Authentication wins over connection
// trouble, which wins over command rejections, which win over protocol
// violations.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	var (
		handshakeErr *channel.HandshakeError
		netErr       net.Error
		chanCmdErr   *channel.CommandError
		convCmdErr   *conversation.CommandError
	)
	switch {
	case errors.Is(err, auth.ErrAuthFailure),
		errors.Is(err, auth.ErrUnauthenticated),
		errors.Is(err, auth.ErrLoggedOut),
		errors.Is(err, channel.ErrCredentialRejected):
		return KindAuthFailure

	case errors.Is(err, channel.ErrDisconnected),
		errors.Is(err, channel.ErrDropped),
		errors.Is(err, channel.ErrReconnectExhausted),
		errors.Is(err, channel.ErrNoToken),
		errors.Is(err, channel.ErrClosed),
		errors.As(err, &handshakeErr),
		errors.As(err, &netErr):
		return KindConnectionFailure

	case errors.As(err, &chanCmdErr), errors.As(err, &convCmdErr):
		if errors.Is(err, channel.ErrProtocol) && chanCmdErr == nil {
			return KindProtocolViolation
		}
		return KindCommandFailure

	case errors.Is(err, channel.ErrProtocol):
		return KindProtocolViolation

	default:
		return KindUnknown
	}
}

// Notice is a failure worth showing to the person at the keyboard.
type Notice struct {
	Kind    Kind
	Message string
	Err     error
	Time    time.Time
}
