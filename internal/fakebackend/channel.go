// ABOUTME: Channel endpoint of the development backend over coder/websocket
// ABOUTME: Answers session commands with acks and streams echo replies as agent events

package fakebackend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/2389/coven-dash/internal/channel"
	"github.com/2389/coven-dash/internal/conversation"
)

const (
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 10 * time.Second
	approvalTimeout  = 30 * time.Second
)

// peer is one connected client.
type peer struct {
	s      *Server
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	pending map[string]chan json.RawMessage
}

type sessionRef struct {
	SessionID string `json:"sessionId"`
}

type sendMessage struct {
	SessionID string `json:"sessionId"`
	Text      string `json:"text"`
}

type agentEvent struct {
	EventType    string `json:"event_type"`
	Text         string `json:"text,omitempty"`
	Partial      bool   `json:"partial,omitempty"`
	FunctionName string `json:"function_name,omitempty"`
}

// handleChannel handles GET /ws: upgrade, connect handshake, then the
// command loop until either side closes.
func (s *Server) handleChannel(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.dials++
	s.mu.Unlock()

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hsCtx, hsCancel := context.WithTimeout(ctx, handshakeTimeout)
	var hello channel.Frame
	err = wsjson.Read(hsCtx, conn, &hello)
	hsCancel()
	if err != nil || hello.Type != channel.FrameConnect || hello.Auth == nil {
		conn.Close(websocket.StatusProtocolError, "expected connect frame")
		return
	}

	s.mu.Lock()
	rejectAll := s.rejectAll
	s.mu.Unlock()

	_, err = s.authenticate(hello.Auth.Token)
	if err == nil && rejectAll {
		err = ErrRevokedToken
	}
	if err != nil {
		s.logger.Info("channel handshake rejected", "error", err)
		_ = wsjson.Write(ctx, conn, channel.Frame{
			Type:  channel.FrameConnectError,
			Error: "authentication failed: " + err.Error(),
		})
		conn.Close(websocket.StatusPolicyViolation, "authentication failed")
		return
	}

	p := &peer{s: s, conn: conn, ctx: ctx, cancel: cancel, pending: make(map[string]chan json.RawMessage)}
	s.mu.Lock()
	s.peers[p] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.peers, p)
		s.mu.Unlock()
	}()

	if err := wsjson.Write(ctx, conn, channel.Frame{Type: channel.FrameConnected}); err != nil {
		return
	}
	s.logger.Debug("channel connected")
	p.readLoop()
}

func (p *peer) readLoop() {
	defer p.cancel()
	for {
		var f channel.Frame
		if err := wsjson.Read(p.ctx, p.conn, &f); err != nil {
			p.s.logger.Debug("channel closed", "error", err)
			return
		}

		switch f.Type {
		case channel.FrameAck:
			p.mu.Lock()
			ch, ok := p.pending[f.ID]
			delete(p.pending, f.ID)
			p.mu.Unlock()
			if ok {
				ch <- f.Data
			}
		case channel.FrameEvent:
			p.handle(f)
		default:
			p.s.logger.Warn("unexpected frame", "type", f.Type)
		}
	}
}

func (p *peer) handle(f channel.Frame) {
	s := p.s
	switch f.Event {
	case conversation.EventListSessionsRequest:
		p.ack(f, map[string]any{"sessionIds": s.Sessions()})

	case conversation.EventCreateSessionRequest:
		id, name := s.createSession()
		created := map[string]string{"sessionId": id, "displayName": name}
		p.ack(f, created)
		s.broadcast(p, conversation.EventSessionCreated, created)

	case conversation.EventDeleteSessionRequest:
		var ref sessionRef
		if err := json.Unmarshal(f.Data, &ref); err != nil || !s.deleteSession(ref.SessionID) {
			p.ackError(f, "unknown session")
			return
		}
		p.ack(f, map[string]any{})
		s.broadcast(p, conversation.EventSessionDeleted, ref)

	case conversation.EventHistoryRequest:
		var ref sessionRef
		if err := json.Unmarshal(f.Data, &ref); err != nil || !s.hasSession(ref.SessionID) {
			p.ackError(f, "unknown session")
			return
		}
		msgs := s.History(ref.SessionID)
		if msgs == nil {
			msgs = []HistoryEntry{}
		}
		p.ack(f, map[string]any{"sessionId": ref.SessionID, "messages": msgs})

	case conversation.EventSendMessageRequest:
		var req sendMessage
		if err := json.Unmarshal(f.Data, &req); err != nil || !s.hasSession(req.SessionID) {
			p.ackError(f, "unknown session")
			return
		}
		s.appendHistory(req.SessionID, "user", req.Text)
		p.ack(f, map[string]any{})
		go p.reply(req.SessionID, req.Text)

	default:
		p.ackError(f, fmt.Sprintf("unsupported event %q", f.Event))
	}
}

// reply streams an echo of text: a liveness ping, word-sized partial
// deltas, the final text and turn_complete.
func (p *peer) reply(sessionID, text string) {
	if !p.agent(sessionID, agentEvent{EventType: "text", Partial: true}) {
		return
	}

	answer := "Echo: " + text
	if name, ok := strings.CutPrefix(text, "/tool "); ok {
		approved, err := p.requestApproval(sessionID, name)
		if err != nil {
			p.agent(sessionID, agentEvent{EventType: "error", Text: "Tool approval did not arrive."})
			return
		}
		if approved {
			p.agent(sessionID, agentEvent{EventType: "function_call", FunctionName: name})
			p.agent(sessionID, agentEvent{EventType: "function_response", FunctionName: name})
			answer = fmt.Sprintf("Ran `%s`.", name)
		} else {
			answer = fmt.Sprintf("Skipped `%s` because approval was denied.", name)
		}
	}

	for _, chunk := range strings.SplitAfter(answer, " ") {
		if !p.pause() || !p.agent(sessionID, agentEvent{EventType: "text", Text: chunk, Partial: true}) {
			return
		}
	}
	if !p.pause() || !p.agent(sessionID, agentEvent{EventType: "text", Text: answer}) {
		return
	}
	p.s.appendHistory(sessionID, "agent", answer)
	p.agent(sessionID, agentEvent{EventType: "turn_complete"})
}

func (p *peer) requestApproval(sessionID, name string) (bool, error) {
	id := uuid.NewString()
	ch := make(chan json.RawMessage, 1)
	p.mu.Lock()
	p.pending[id] = ch
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.pending, id)
		p.mu.Unlock()
	}()

	err := p.write(channel.Frame{
		Type:  channel.FrameEvent,
		Event: conversation.EventFunctionCallRequest,
		ID:    id,
		Data: mustJSON(map[string]any{
			"sessionId":    sessionID,
			"callId":       id,
			"functionName": name,
			"args":         map[string]any{},
		}),
	})
	if err != nil {
		return false, err
	}

	select {
	case data := <-ch:
		var reply struct {
			Approved bool `json:"approved"`
		}
		if err := json.Unmarshal(data, &reply); err != nil {
			return false, err
		}
		return reply.Approved, nil
	case <-time.After(approvalTimeout):
		return false, fmt.Errorf("approval for %s timed out", name)
	case <-p.ctx.Done():
		return false, p.ctx.Err()
	}
}

func (p *peer) agent(sessionID string, ev agentEvent) bool {
	err := p.emit(conversation.EventResponse, map[string]any{"sessionId": sessionID, "event": ev})
	return err == nil
}

func (p *peer) pause() bool {
	if p.s.delay <= 0 {
		return p.ctx.Err() == nil
	}
	select {
	case <-time.After(p.s.delay):
		return true
	case <-p.ctx.Done():
		return false
	}
}

func (p *peer) emit(event string, data any) error {
	return p.write(channel.Frame{Type: channel.FrameEvent, Event: event, Data: mustJSON(data)})
}

func (p *peer) ack(f channel.Frame, data any) {
	if f.ID == "" {
		return
	}
	if err := p.write(channel.Frame{Type: channel.FrameAck, ID: f.ID, Data: mustJSON(data)}); err != nil {
		p.s.logger.Debug("ack write failed", "event", f.Event, "error", err)
	}
}

func (p *peer) ackError(f channel.Frame, msg string) {
	p.s.logger.Debug("command rejected", "event", f.Event, "error", msg)
	p.ack(f, map[string]string{"error": msg})
}

func (p *peer) write(f channel.Frame) error {
	ctx, cancel := context.WithTimeout(p.ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, p.conn, f)
}

func (p *peer) close(reason string) {
	p.cancel()
	p.conn.CloseNow()
	p.s.logger.Debug("channel dropped", "reason", reason)
}

// broadcast sends an event to every peer except from.
func (s *Server) broadcast(from *peer, event string, data any) {
	s.mu.Lock()
	peers := make([]*peer, 0, len(s.peers))
	for p := range s.peers {
		if p != from {
			peers = append(peers, p)
		}
	}
	s.mu.Unlock()

	for _, p := range peers {
		if err := p.emit(event, data); err != nil {
			s.logger.Debug("broadcast failed", "event", event, "error", err)
		}
	}
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
