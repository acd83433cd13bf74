// ABOUTME: Registry error values
// ABOUTME: CommandError ties a rejected or failed session command to its session

package conversation

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownSession is returned for session ids the registry does not hold.
	ErrUnknownSession = errors.New("unknown session")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("registry closed")
)

// CommandError is a failed session command. It is recorded on the session
// it concerns and returned to the caller; it never affects other sessions.
type CommandError struct {
	Op        string // "list_sessions", "create_session", "delete_session", "load_history", "send_message"
	SessionID string
	Err       error
}

func (e *CommandError) Error() string {
	if e.SessionID == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.SessionID, e.Err)
}

func (e *CommandError) Unwrap() error { return e.Err }
