package fakebackend

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-dash/internal/channel"
	"github.com/2389/coven-dash/internal/conversation"
)

func newTestServer(t *testing.T, sessions ...string) (*Server, *httptest.Server) {
	t.Helper()
	srv := New(Config{Secret: []byte("test-secret"), Sessions: sessions})
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return srv, ts
}

func postToken(t *testing.T, ts *httptest.Server, body map[string]string) (*http.Response, tokenResponse) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)

	resp, err := http.Post(ts.URL+"/auth/token", "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	defer resp.Body.Close()

	var out tokenResponse
	if resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp, out
}

func TestToken_CodeGrant(t *testing.T) {
	_, ts := newTestServer(t)

	resp, tok := postToken(t, ts, map[string]string{"provider": "google", "code": "alice"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, tok.IDToken)
	assert.NotEmpty(t, tok.RefreshToken)
	assert.Equal(t, int64(3600), tok.ExpiresIn)
	require.NotNil(t, tok.UserInfo)
	assert.Equal(t, "alice@example.com", tok.UserInfo.Email)
}

func TestToken_BadCode(t *testing.T) {
	_, ts := newTestServer(t)

	resp, _ := postToken(t, ts, map[string]string{"provider": "google", "code": "bad-code"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestToken_RefreshRotates(t *testing.T) {
	srv, ts := newTestServer(t)
	_, first := postToken(t, ts, map[string]string{"provider": "google", "code": "alice"})

	resp, second := postToken(t, ts, map[string]string{"provider": "google", "refresh_token": first.RefreshToken})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)

	resp, _ = postToken(t, ts, map[string]string{"provider": "google", "refresh_token": first.RefreshToken})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "used refresh tokens are single-use")
	assert.Equal(t, 3, srv.TokenRequests())
}

func TestToken_RevokedRefresh(t *testing.T) {
	srv, ts := newTestServer(t)
	_, tok := postToken(t, ts, map[string]string{"provider": "google", "code": "alice"})

	srv.RevokeRefreshTokens()
	resp, _ := postToken(t, ts, map[string]string{"provider": "google", "refresh_token": tok.RefreshToken})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestMe(t *testing.T) {
	srv, ts := newTestServer(t)
	_, tok := postToken(t, ts, map[string]string{"provider": "google", "code": "alice"})

	get := func(token string) *http.Response {
		req, err := http.NewRequest(http.MethodGet, ts.URL+"/api/me", nil)
		require.NoError(t, err)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	resp := get(tok.IDToken)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var user map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&user))
	assert.Equal(t, "user-alice", user["id"])

	assert.Equal(t, http.StatusUnauthorized, get("").StatusCode)

	srv.RevokeAccessTokens()
	assert.Equal(t, http.StatusUnauthorized, get(tok.IDToken).StatusCode)
}

// wsClient drives the channel endpoint with raw frames.
type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func dialChannel(t *testing.T, ts *httptest.Server, token string) (*wsClient, channel.Frame) {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 2*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.CloseNow() })

	c := &wsClient{t: t, conn: conn}
	require.NoError(t, wsjson.Write(ctx, conn, channel.Frame{Type: channel.FrameConnect, Auth: &channel.HandshakeAuth{Token: token}}))
	return c, c.read()
}

func (c *wsClient) read() channel.Frame {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(c.t.Context(), 2*time.Second)
	defer cancel()

	var f channel.Frame
	require.NoError(c.t, wsjson.Read(ctx, c.conn, &f))
	return f
}

func (c *wsClient) send(event, id string, data any) {
	c.t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(c.t, err)
	require.NoError(c.t, wsjson.Write(c.t.Context(), c.conn, channel.Frame{Type: channel.FrameEvent, Event: event, ID: id, Data: raw}))
}

func login(t *testing.T, ts *httptest.Server) string {
	t.Helper()
	_, tok := postToken(t, ts, map[string]string{"provider": "google", "code": "alice"})
	require.NotEmpty(t, tok.IDToken)
	return tok.IDToken
}

func TestChannel_HandshakeRejectsBadToken(t *testing.T) {
	_, ts := newTestServer(t)

	_, reply := dialChannel(t, ts, "garbage")
	assert.Equal(t, channel.FrameConnectError, reply.Type)
	assert.True(t, channel.IsCredentialRejection(reply.Error))
}

func TestChannel_HandshakeRejectsRevokedToken(t *testing.T) {
	srv, ts := newTestServer(t)
	token := login(t, ts)
	srv.RevokeAccessTokens()

	_, reply := dialChannel(t, ts, token)
	assert.Equal(t, channel.FrameConnectError, reply.Type)
	assert.Contains(t, reply.Error, "revoked")
}

func TestChannel_SessionCommands(t *testing.T) {
	srv, ts := newTestServer(t, "s1")
	c, reply := dialChannel(t, ts, login(t, ts))
	require.Equal(t, channel.FrameConnected, reply.Type)

	c.send(conversation.EventListSessionsRequest, "1", nil)
	ack := c.read()
	assert.Equal(t, "1", ack.ID)
	assert.JSONEq(t, `{"sessionIds":["s1"]}`, string(ack.Data))

	c.send(conversation.EventCreateSessionRequest, "2", nil)
	ack = c.read()
	assert.JSONEq(t, `{"sessionId":"session-1","displayName":"Session 1"}`, string(ack.Data))

	c.send(conversation.EventDeleteSessionRequest, "3", map[string]string{"sessionId": "s1"})
	ack = c.read()
	assert.Equal(t, "3", ack.ID)
	assert.Equal(t, []string{"session-1"}, srv.Sessions())

	c.send(conversation.EventHistoryRequest, "4", map[string]string{"sessionId": "s1"})
	ack = c.read()
	assert.JSONEq(t, `{"error":"unknown session"}`, string(ack.Data))
}

func TestChannel_EmptyListIsArray(t *testing.T) {
	srv, ts := newTestServer(t)
	c, reply := dialChannel(t, ts, login(t, ts))
	require.Equal(t, channel.FrameConnected, reply.Type)

	assert.NotNil(t, srv.Sessions())
	c.send(conversation.EventListSessionsRequest, "1", nil)
	ack := c.read()
	assert.JSONEq(t, `{"sessionIds":[]}`, string(ack.Data))
}

func TestChannel_SendMessageStreamsEcho(t *testing.T) {
	srv, ts := newTestServer(t, "s1")
	c, _ := dialChannel(t, ts, login(t, ts))

	c.send(conversation.EventSendMessageRequest, "1", map[string]string{"sessionId": "s1", "text": "hi there"})
	assert.Equal(t, channel.FrameAck, c.read().Type)

	type payload struct {
		SessionID string     `json:"sessionId"`
		Event     agentEvent `json:"event"`
	}
	var events []agentEvent
	for {
		f := c.read()
		require.Equal(t, conversation.EventResponse, f.Event)
		var p payload
		require.NoError(t, json.Unmarshal(f.Data, &p))
		assert.Equal(t, "s1", p.SessionID)
		events = append(events, p.Event)
		if p.Event.EventType == "turn_complete" {
			break
		}
	}

	require.GreaterOrEqual(t, len(events), 4)
	assert.Equal(t, agentEvent{EventType: "text", Partial: true}, events[0], "liveness ping first")
	final := events[len(events)-2]
	assert.Equal(t, agentEvent{EventType: "text", Text: "Echo: hi there"}, final)

	var streamed string
	for _, ev := range events[1 : len(events)-2] {
		assert.True(t, ev.Partial)
		streamed += ev.Text
	}
	assert.Equal(t, "Echo: hi there", streamed)

	history := srv.History("s1")
	require.Len(t, history, 2)
	assert.Equal(t, "user", history[0].Origin)
	assert.Equal(t, "agent", history[1].Origin)
}

func TestChannel_ToolApproval(t *testing.T) {
	_, ts := newTestServer(t, "s1")
	c, _ := dialChannel(t, ts, login(t, ts))

	c.send(conversation.EventSendMessageRequest, "", map[string]string{"sessionId": "s1", "text": "/tool read_file"})

	var req channel.Frame
	for {
		req = c.read()
		if req.Event == conversation.EventFunctionCallRequest {
			break
		}
	}
	require.NotEmpty(t, req.ID)
	assert.Contains(t, string(req.Data), `"functionName":"read_file"`)

	require.NoError(t, wsjson.Write(t.Context(), c.conn, channel.Frame{Type: channel.FrameAck, ID: req.ID, Data: json.RawMessage(`{"approved":false}`)}))

	for {
		f := c.read()
		if strings.Contains(string(f.Data), "approval was denied") && !strings.Contains(string(f.Data), `"partial":true`) {
			return
		}
	}
}

func TestDropConnections(t *testing.T) {
	srv, ts := newTestServer(t, "s1")
	c, _ := dialChannel(t, ts, login(t, ts))
	require.Equal(t, 1, srv.Dials())

	srv.DropConnections()

	ctx, cancel := context.WithTimeout(t.Context(), 2*time.Second)
	defer cancel()
	var f channel.Frame
	assert.Error(t, wsjson.Read(ctx, c.conn, &f))
}
