package channel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/require"
)

// wsServer is a scripted channel endpoint.
type wsServer struct {
	t   *testing.T
	srv *httptest.Server

	// upgradeStatus refuses the upgrade with this status when non-zero.
	upgradeStatus int
	// rejectWith answers the handshake with connect_error.
	rejectWith string
	// ack builds ack data for a client event; nil leaves the event unacked.
	ack func(f Frame) any

	mu      sync.Mutex
	dials   int
	tokens  []string
	conns   []*websocket.Conn
	frames  []Frame
	arrived chan Frame
}

func newWSServer(t *testing.T) *wsServer {
	t.Helper()
	s := &wsServer{t: t, arrived: make(chan Frame, 64)}
	s.srv = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *wsServer) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *wsServer) serve(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.dials++
	status, reject := s.upgradeStatus, s.rejectWith
	s.mu.Unlock()

	if status != 0 {
		http.Error(w, http.StatusText(status), status)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	ctx := context.Background()

	var hello Frame
	if err := wsjson.Read(ctx, conn, &hello); err != nil || hello.Type != FrameConnect || hello.Auth == nil {
		conn.Close(websocket.StatusProtocolError, "expected connect")
		return
	}

	s.mu.Lock()
	s.tokens = append(s.tokens, hello.Auth.Token)
	s.mu.Unlock()

	if reject != "" {
		_ = wsjson.Write(ctx, conn, Frame{Type: FrameConnectError, Error: reject})
		conn.Close(websocket.StatusPolicyViolation, "rejected")
		return
	}
	if err := wsjson.Write(ctx, conn, Frame{Type: FrameConnected}); err != nil {
		return
	}

	s.mu.Lock()
	s.conns = append(s.conns, conn)
	s.mu.Unlock()

	for {
		var f Frame
		if err := wsjson.Read(ctx, conn, &f); err != nil {
			return
		}
		s.mu.Lock()
		s.frames = append(s.frames, f)
		ackFn := s.ack
		s.mu.Unlock()
		s.arrived <- f

		if f.Type == FrameEvent && f.ID != "" && ackFn != nil {
			data, _ := json.Marshal(ackFn(f))
			_ = wsjson.Write(ctx, conn, Frame{Type: FrameAck, ID: f.ID, Data: data})
		}
	}
}

// push sends an event on the newest connection.
func (s *wsServer) push(event, id string, data any) {
	s.t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(s.t, err)

	s.mu.Lock()
	require.NotEmpty(s.t, s.conns)
	conn := s.conns[len(s.conns)-1]
	s.mu.Unlock()

	require.NoError(s.t, wsjson.Write(context.Background(), conn, Frame{Type: FrameEvent, Event: event, ID: id, Data: raw}))
}

// dropAll closes every server-side connection.
func (s *wsServer) dropAll() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()
	for _, c := range conns {
		c.Close(websocket.StatusGoingAway, "server restart")
	}
}

func (s *wsServer) next(t *testing.T) Frame {
	t.Helper()
	select {
	case f := <-s.arrived:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return Frame{}
	}
}

func (s *wsServer) dialCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials
}

func staticToken(token string) TokenSource {
	return TokenFunc(func(context.Context) (string, error) { return token, nil })
}

// stateRecorder collects state events from Watch.
type stateRecorder struct {
	mu     sync.Mutex
	events []StateEvent
}

func (r *stateRecorder) record(ev StateEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *stateRecorder) states() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]State, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.State
	}
	return out
}

func (r *stateRecorder) last() StateEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return StateEvent{}
	}
	return r.events[len(r.events)-1]
}
