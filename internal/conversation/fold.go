// ABOUTME: Pure fold of streamed agent events into a session's messages and thinking flag
// ABOUTME: Partials grow in place; a final replaces the partial's text verbatim

package conversation

import "time"

// foldState is the slice of session state an agent event can change.
type foldState struct {
	Messages []Message
	Thinking bool
}

// timerAction tells the registry what to do with the thinking timeout.
type timerAction int

const (
	timerKeep timerAction = iota
	timerArm
	timerClear
)

// foldResult is the outcome of folding one event.
type foldResult struct {
	State foldState
	Timer timerAction
	// Finalized is set when a message became immutable, which is when the
	// session is worth persisting.
	Finalized bool
}

// foldEvent applies ev to s. It never mutates s.Messages in place; a changed
// message list is a fresh slice.
func foldEvent(s foldState, ev AgentEvent, policy TurnPolicy, now time.Time, newID func() string) foldResult {
	switch ev.Kind {
	case KindText:
		if ev.Partial {
			return foldPartial(s, ev, now, newID)
		}
		return foldFinal(s, ev, policy, now, newID)

	case KindToolCall, KindToolResult:
		// Telemetry only: proof of life, never content.
		return foldResult{State: foldState{Messages: s.Messages, Thinking: true}, Timer: timerArm}

	case KindTurnComplete:
		msgs, finalized := finalizeOpenPartial(s.Messages)
		return foldResult{State: foldState{Messages: msgs}, Timer: timerClear, Finalized: finalized}

	case KindError:
		msgs, _ := finalizeOpenPartial(s.Messages)
		text := ev.Text
		if text == "" {
			text = "The agent reported an error."
		}
		msgs = append(msgs, Message{ID: newID(), Text: text, Origin: OriginSystem, Timestamp: now})
		return foldResult{State: foldState{Messages: msgs}, Timer: timerClear, Finalized: true}

	default:
		// Unreachable for decoded events; decodeAgentEvent rejects unknown kinds.
		return foldResult{State: s}
	}
}

func foldPartial(s foldState, ev AgentEvent, now time.Time, newID func() string) foldResult {
	// Empty partial: liveness ping.
	if ev.Text == "" {
		return foldResult{State: foldState{Messages: s.Messages, Thinking: true}, Timer: timerArm}
	}

	msgs := cloneMessages(s.Messages)
	if i := openPartial(msgs); i >= 0 {
		msgs[i].Text += ev.Text
	} else {
		msgs = append(msgs, Message{ID: newID(), Text: ev.Text, Origin: OriginAgent, Partial: true, Timestamp: now})
	}
	return foldResult{State: foldState{Messages: msgs, Thinking: true}, Timer: timerArm}
}

func foldFinal(s foldState, ev AgentEvent, policy TurnPolicy, now time.Time, newID func() string) foldResult {
	msgs := cloneMessages(s.Messages)
	i := openPartial(msgs)

	var text string
	switch {
	case ev.Text != "" && i >= 0:
		msgs[i].Text = ev.Text
		msgs[i].Partial = false
		text = ev.Text
	case ev.Text != "":
		msgs = append(msgs, Message{ID: newID(), Text: ev.Text, Origin: OriginAgent, Timestamp: now})
		text = ev.Text
	case i >= 0:
		// Empty final closes the open partial as it stands.
		msgs[i].Partial = false
		text = msgs[i].Text
	default:
		// Empty final with nothing open carries no information.
		return foldResult{State: s}
	}

	if policy.TurnEnded(text) {
		return foldResult{State: foldState{Messages: msgs}, Timer: timerClear, Finalized: true}
	}
	return foldResult{State: foldState{Messages: msgs, Thinking: true}, Timer: timerArm, Finalized: true}
}

// openPartial returns the index of the last message if it is an unfinished
// agent partial, or -1.
func openPartial(msgs []Message) int {
	if n := len(msgs); n > 0 && msgs[n-1].Partial && msgs[n-1].Origin == OriginAgent {
		return n - 1
	}
	return -1
}

func finalizeOpenPartial(msgs []Message) ([]Message, bool) {
	i := openPartial(msgs)
	if i < 0 {
		return msgs, false
	}
	out := cloneMessages(msgs)
	out[i].Partial = false
	return out, true
}

func cloneMessages(msgs []Message) []Message {
	out := make([]Message, len(msgs), len(msgs)+1)
	copy(out, msgs)
	return out
}
