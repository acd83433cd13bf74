// ABOUTME: Single-resolution acknowledgement handle for sends
// ABOUTME: Resolve wins once; later resolutions are ignored

package channel

import (
	"context"
	"encoding/json"
	"sync"
)

// Ack is the future returned by Send. It resolves exactly once: with the
// server's ack data, with a CommandError, or with a transport error.
type Ack struct {
	once sync.Once
	done chan struct{}
	data json.RawMessage
	err  error
}

// NewAck returns an unresolved Ack.
func NewAck() *Ack {
	return &Ack{done: make(chan struct{})}
}

// Resolve settles the ack. It returns false if the ack was already settled.
func (a *Ack) Resolve(data json.RawMessage, err error) bool {
	resolved := false
	a.once.Do(func() {
		a.data = data
		a.err = err
		resolved = true
		close(a.done)
	})
	return resolved
}

// Done is closed once the ack is resolved.
func (a *Ack) Done() <-chan struct{} { return a.done }

// Wait blocks until the ack resolves or ctx is done.
func (a *Ack) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-a.done:
		return a.data, a.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Decode waits for the ack and unmarshals its data into v.
func (a *Ack) Decode(ctx context.Context, v any) error {
	data, err := a.Wait(ctx)
	if err != nil {
		return err
	}
	if len(data) == 0 || v == nil {
		return nil
	}
	return json.Unmarshal(data, v)
}

// Err returns the resolution error, or nil if unresolved or successful.
func (a *Ack) Err() error {
	select {
	case <-a.done:
		return a.err
	default:
		return nil
	}
}
