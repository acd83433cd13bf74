package channel

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAck_ResolvesExactlyOnce(t *testing.T) {
	a := NewAck()

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var err error
			if i%2 == 1 {
				err = errors.New("late failure")
			}
			if a.Resolve(json.RawMessage(`{}`), err) {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.False(t, a.Resolve(nil, ErrDropped))
}

func TestAck_WaitHonorsContext(t *testing.T) {
	a := NewAck()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := a.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NoError(t, a.Err(), "unresolved ack has no error")
}

func TestAck_Decode(t *testing.T) {
	a := NewAck()
	a.Resolve(json.RawMessage(`{"sessionId":"s9"}`), nil)

	var out struct {
		SessionID string `json:"sessionId"`
	}
	require.NoError(t, a.Decode(t.Context(), &out))
	assert.Equal(t, "s9", out.SessionID)
}

func TestIsCredentialRejection(t *testing.T) {
	assert.True(t, IsCredentialRejection("Authentication failed: token expired"))
	assert.True(t, IsCredentialRejection("AUTHENTICATION FAILED"))
	assert.False(t, IsCredentialRejection("too many connections"))
}
