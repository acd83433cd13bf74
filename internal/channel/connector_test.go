package channel

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-dash/internal/clock"
)

const waitFor = 2 * time.Second
const tick = 10 * time.Millisecond

func newTestConnector(t *testing.T, url string, opts ...Option) *Connector {
	t.Helper()
	c := New(url, staticToken("token-1"), opts...)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// steadyBackoff always waits exactly Initial.
func steadyBackoff() Backoff {
	return Backoff{Initial: time.Second, Max: time.Second}
}

func TestConnector_ConnectSendsTokenInHandshake(t *testing.T) {
	srv := newWSServer(t)
	c := newTestConnector(t, srv.url())

	require.NoError(t, c.Connect(t.Context()))
	assert.Equal(t, StateConnected, c.State())

	srv.mu.Lock()
	defer srv.mu.Unlock()
	assert.Equal(t, []string{"token-1"}, srv.tokens)
}

func TestConnector_SendResolvesWithAckData(t *testing.T) {
	srv := newWSServer(t)
	srv.ack = func(f Frame) any {
		return map[string]any{"sessionIds": []string{"s1", "s2"}}
	}
	c := newTestConnector(t, srv.url())
	require.NoError(t, c.Connect(t.Context()))

	var reply struct {
		SessionIDs []string `json:"sessionIds"`
	}
	require.NoError(t, c.Send("list_sessions_request", nil).Decode(t.Context(), &reply))
	assert.Equal(t, []string{"s1", "s2"}, reply.SessionIDs)
}

func TestConnector_AckErrorIsCommandError(t *testing.T) {
	srv := newWSServer(t)
	srv.ack = func(f Frame) any { return map[string]string{"error": "no such session"} }
	c := newTestConnector(t, srv.url())
	require.NoError(t, c.Connect(t.Context()))

	_, err := c.Send("delete_session_request", map[string]string{"sessionId": "gone"}).Wait(t.Context())

	var cmdErr *CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, "delete_session_request", cmdErr.Event)
	assert.Equal(t, "no such session", cmdErr.Message)
}

func TestConnector_QueuedSendsDrainInOrder(t *testing.T) {
	srv := newWSServer(t)
	srv.ack = func(f Frame) any { return map[string]string{"echo": f.Event} }
	c := newTestConnector(t, srv.url())

	acks := []*Ack{
		c.Send("first", nil),
		c.Send("second", nil),
		c.Send("third", nil),
	}
	for _, a := range acks {
		select {
		case <-a.Done():
			t.Fatal("queued ack resolved before connect")
		default:
		}
	}

	require.NoError(t, c.Connect(t.Context()))

	assert.Equal(t, "first", srv.next(t).Event)
	assert.Equal(t, "second", srv.next(t).Event)
	assert.Equal(t, "third", srv.next(t).Event)

	for i, want := range []string{"first", "second", "third"} {
		var reply struct{ Echo string }
		require.NoError(t, acks[i].Decode(t.Context(), &reply))
		assert.Equal(t, want, reply.Echo)
	}
}

func TestConnector_DisconnectFailsOutstandingSends(t *testing.T) {
	srv := newWSServer(t)
	fc := clock.NewFake(time.Now())
	c := newTestConnector(t, srv.url(), WithClock(fc), WithBackoff(steadyBackoff()))
	require.NoError(t, c.Connect(t.Context()))

	// Never acked by the server.
	inflight := c.Send("session_history_request", map[string]string{"sessionId": "s1"})
	srv.next(t)

	srv.dropAll()

	_, err := inflight.Wait(t.Context())
	assert.ErrorIs(t, err, ErrDisconnected)
	assert.Equal(t, StateDisconnected, c.State())
}

func TestConnector_QueueClearedWhenConnectFails(t *testing.T) {
	srv := newWSServer(t)
	srv.rejectWith = "server overloaded"
	c := newTestConnector(t, srv.url())

	queued := c.Send("create_session_request", nil)
	require.Error(t, c.Connect(t.Context()))

	_, err := queued.Wait(t.Context())
	assert.ErrorIs(t, err, ErrDropped)
}

func TestConnector_CredentialRejectionIsNotRetried(t *testing.T) {
	srv := newWSServer(t)
	srv.rejectWith = "Authentication failed: token expired"
	fc := clock.NewFake(time.Now())
	c := newTestConnector(t, srv.url(), WithClock(fc))

	rec := &stateRecorder{}
	c.Watch(rec.record)

	err := c.Connect(t.Context())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCredentialRejected)

	var hsErr *HandshakeError
	require.ErrorAs(t, err, &hsErr)
	assert.True(t, hsErr.CredentialInvalid)

	assert.Empty(t, fc.Pending(), "no reconnect scheduled")
	assert.Equal(t, 1, srv.dialCount())
	assert.Eventually(t, func() bool {
		return errors.Is(rec.last().Err, ErrCredentialRejected)
	}, waitFor, tick)
}

func TestConnector_UpgradeUnauthorizedIsCredentialRejection(t *testing.T) {
	srv := newWSServer(t)
	srv.upgradeStatus = 401
	c := newTestConnector(t, srv.url())

	err := c.Connect(t.Context())
	assert.ErrorIs(t, err, ErrCredentialRejected)
}

func TestConnector_OrdinaryRejectionIsNotCredential(t *testing.T) {
	srv := newWSServer(t)
	srv.rejectWith = "too many connections"
	c := newTestConnector(t, srv.url())

	err := c.Connect(t.Context())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrCredentialRejected)
}

func TestConnector_TokenFailurePreventsConnecting(t *testing.T) {
	srv := newWSServer(t)
	c := New(srv.url(), TokenFunc(func(context.Context) (string, error) {
		return "", errors.New("logged out")
	}))
	t.Cleanup(func() { _ = c.Close() })

	rec := &stateRecorder{}
	c.Watch(rec.record)

	err := c.Connect(t.Context())
	assert.ErrorIs(t, err, ErrNoToken)
	assert.Equal(t, StateDisconnected, c.State())
	assert.Equal(t, 0, srv.dialCount())

	assert.Eventually(t, func() bool { return len(rec.states()) == 1 }, waitFor, tick)
	assert.NotContains(t, rec.states(), StateConnecting)
}

func TestConnector_HandlerSwapKeepsConnection(t *testing.T) {
	srv := newWSServer(t)
	c := newTestConnector(t, srv.url())

	first := make(chan string, 1)
	second := make(chan string, 1)
	c.On("session_created", func(msg *Message) { first <- string(msg.Data) })
	require.NoError(t, c.Connect(t.Context()))

	srv.push("session_created", "", map[string]string{"sessionId": "a"})
	select {
	case <-first:
	case <-time.After(waitFor):
		t.Fatal("first handler not called")
	}

	c.On("session_created", func(msg *Message) { second <- string(msg.Data) })
	srv.push("session_created", "", map[string]string{"sessionId": "b"})
	select {
	case data := <-second:
		assert.JSONEq(t, `{"sessionId":"b"}`, data)
	case <-time.After(waitFor):
		t.Fatal("swapped handler not called")
	}

	assert.Empty(t, first)
	assert.Equal(t, 1, srv.dialCount())
	assert.Equal(t, StateConnected, c.State())
}

func TestConnector_OffStopsDelivery(t *testing.T) {
	srv := newWSServer(t)
	c := newTestConnector(t, srv.url())

	var mu sync.Mutex
	var got []string
	c.On("ping", func(msg *Message) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, msg.Event)
	})
	c.On("marker", func(msg *Message) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, msg.Event)
	})
	require.NoError(t, c.Connect(t.Context()))

	c.Off("ping")
	srv.push("ping", "", map[string]int{})
	srv.push("marker", "", map[string]int{})

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, waitFor, tick)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"marker"}, got)
}

func TestConnector_InboundEventAck(t *testing.T) {
	srv := newWSServer(t)
	c := newTestConnector(t, srv.url())

	c.On("function_call_request", func(msg *Message) {
		assert.True(t, msg.WantsAck())
		assert.NoError(t, msg.Ack(map[string]bool{"approved": true}))
	})
	require.NoError(t, c.Connect(t.Context()))

	srv.push("function_call_request", "srv-7", map[string]string{"functionName": "read_file"})

	f := srv.next(t)
	assert.Equal(t, FrameAck, f.Type)
	assert.Equal(t, "srv-7", f.ID)
	assert.JSONEq(t, `{"approved":true}`, string(f.Data))
}

func TestConnector_ReconnectsAfterDrop(t *testing.T) {
	srv := newWSServer(t)
	fc := clock.NewFake(time.Now())
	c := newTestConnector(t, srv.url(), WithClock(fc), WithBackoff(steadyBackoff()))

	rec := &stateRecorder{}
	c.Watch(rec.record)
	require.NoError(t, c.Connect(t.Context()))

	srv.dropAll()
	require.Eventually(t, func() bool { return len(fc.Pending()) == 1 }, waitFor, tick)

	queued := c.Send("list_sessions_request", nil)

	fc.Advance(time.Second)
	assert.Equal(t, StateConnected, c.State())
	assert.Equal(t, 2, srv.dialCount())

	assert.Equal(t, "list_sessions_request", srv.next(t).Event)
	select {
	case <-queued.Done():
		t.Fatal("unacked send resolved")
	default:
	}

	assert.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]State{
			StateConnecting, StateConnected,
			StateDisconnected,
			StateConnecting, StateConnected,
		}, rec.states())
	}, waitFor, tick)
}

func TestConnector_ReconnectGivesUpAfterMaxAttempts(t *testing.T) {
	srv := newWSServer(t)
	srv.upgradeStatus = 503
	fc := clock.NewFake(time.Now())
	c := newTestConnector(t, srv.url(), WithClock(fc), WithBackoff(steadyBackoff()), WithMaxAttempts(2))

	rec := &stateRecorder{}
	c.Watch(rec.record)

	c.Reconnect()
	require.Len(t, fc.Pending(), 1)

	fc.Advance(time.Second)
	require.Len(t, fc.Pending(), 1)

	fc.Advance(time.Second)
	assert.Empty(t, fc.Pending())
	assert.Equal(t, 2, srv.dialCount())

	assert.Eventually(t, func() bool {
		return errors.Is(rec.last().Err, ErrReconnectExhausted)
	}, waitFor, tick)
}

func TestConnector_CloseDropsQueueAndRefusesSends(t *testing.T) {
	srv := newWSServer(t)
	c := New(srv.url(), staticToken("t"))

	queued := c.Send("create_session_request", nil)
	require.NoError(t, c.Close())

	_, err := queued.Wait(t.Context())
	assert.ErrorIs(t, err, ErrDropped)

	_, err = c.Send("create_session_request", nil).Wait(t.Context())
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, c.Connect(t.Context()), ErrClosed)
}
