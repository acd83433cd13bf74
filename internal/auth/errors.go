// ABOUTME: Authentication error types shared by the exchanger and token manager
// ABOUTME: Every AuthError is fatal to the session and matches ErrAuthFailure

package auth

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthFailure matches every fatal authentication error.
	ErrAuthFailure = errors.New("authentication failure")

	// ErrUnauthenticated means there is no usable credential; the user must log in.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrLoggedOut is the logout reason for an explicit user logout.
	ErrLoggedOut = errors.New("logged out")

	// ErrClosed is returned after the manager has been closed.
	ErrClosed = errors.New("token manager closed")
)

// AuthError describes a failed exchange with the authorization server.
type AuthError struct {
	Op     string // "refresh", "login"
	Status int    // HTTP status, 0 when the request never completed
	Detail string // server-provided detail or local reason
	Err    error
}

func (e *AuthError) Error() string {
	msg := e.Op + " failed"
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (HTTP %d)", msg, e.Status)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AuthError) Unwrap() error { return e.Err }

// Is makes every AuthError match ErrAuthFailure.
func (e *AuthError) Is(target error) bool { return target == ErrAuthFailure }
