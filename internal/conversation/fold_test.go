package conversation

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seqIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("m%d", n)
	}
}

// neverEnds keeps thinking after every final.
var neverEnds = TurnPolicyFunc(func(string) bool { return false })

func text(s string, partial bool) AgentEvent {
	return AgentEvent{SessionID: "s1", Kind: KindText, Text: s, Partial: partial}
}

func foldAll(events []AgentEvent, policy TurnPolicy) foldState {
	var s foldState
	ids := seqIDs()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for _, ev := range events {
		s = foldEvent(s, ev, policy, now, ids).State
	}
	return s
}

func TestFold_PartialThenFinalYieldsOneMessage(t *testing.T) {
	tests := []struct {
		name   string
		events []AgentEvent
		want   string
	}{
		{
			name:   "single partial",
			events: []AgentEvent{text("Hel", true), text("Hello there", false)},
			want:   "Hello there",
		},
		{
			name:   "many partials, final differs from concatenation",
			events: []AgentEvent{text("The ", true), text("answ", true), text("er", true), text("The answer is 42.", false)},
			want:   "The answer is 42.",
		},
		{
			name:   "pings between partials",
			events: []AgentEvent{text("", true), text("Wor", true), text("", true), text("king", true), text("Working.", false)},
			want:   "Working.",
		},
		{
			name:   "final without partials",
			events: []AgentEvent{text("Done.", false)},
			want:   "Done.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := foldAll(tt.events, neverEnds)
			require.Len(t, s.Messages, 1)
			assert.Equal(t, tt.want, s.Messages[0].Text)
			assert.False(t, s.Messages[0].Partial)
			assert.Equal(t, OriginAgent, s.Messages[0].Origin)
		})
	}
}

func TestFold_PartialAppendsInPlace(t *testing.T) {
	s := foldAll([]AgentEvent{text("a", true), text("b", true), text("c", true)}, neverEnds)

	require.Len(t, s.Messages, 1)
	assert.Equal(t, "abc", s.Messages[0].Text)
	assert.True(t, s.Messages[0].Partial)
	assert.True(t, s.Thinking)
}

func TestFold_NewTurnStartsNewMessage(t *testing.T) {
	s := foldAll([]AgentEvent{
		text("first", true), text("first answer", false),
		text("sec", true), text("second answer", false),
	}, neverEnds)

	require.Len(t, s.Messages, 2)
	assert.Equal(t, "first answer", s.Messages[0].Text)
	assert.Equal(t, "second answer", s.Messages[1].Text)
}

func TestFold_PartialAfterUserMessageStartsAgentMessage(t *testing.T) {
	start := foldState{Messages: []Message{{ID: "u1", Text: "hi", Origin: OriginUser}}}
	res := foldEvent(start, text("Hey", true), neverEnds, time.Now(), seqIDs())

	require.Len(t, res.State.Messages, 2)
	assert.Equal(t, "hi", res.State.Messages[0].Text)
	assert.Equal(t, "Hey", res.State.Messages[1].Text)
}

func TestFold_PingChangesNothingButThinking(t *testing.T) {
	start := foldState{Messages: []Message{{ID: "u1", Text: "hi", Origin: OriginUser}}}
	res := foldEvent(start, text("", true), neverEnds, time.Now(), seqIDs())

	assert.Equal(t, start.Messages, res.State.Messages)
	assert.True(t, res.State.Thinking)
	assert.Equal(t, timerArm, res.Timer)
	assert.False(t, res.Finalized)
}

func TestFold_DoesNotMutateInput(t *testing.T) {
	start := foldState{Messages: []Message{{ID: "m1", Text: "par", Origin: OriginAgent, Partial: true}}}
	before := append([]Message(nil), start.Messages...)

	foldEvent(start, text("tial", true), neverEnds, time.Now(), seqIDs())
	foldEvent(start, text("final", false), neverEnds, time.Now(), seqIDs())

	assert.Equal(t, before, start.Messages)
}

func TestFold_EmptyFinal(t *testing.T) {
	t.Run("closes open partial", func(t *testing.T) {
		s := foldAll([]AgentEvent{text("so far", true), text("", false)}, neverEnds)
		require.Len(t, s.Messages, 1)
		assert.Equal(t, "so far", s.Messages[0].Text)
		assert.False(t, s.Messages[0].Partial)
	})

	t.Run("ignored with nothing open", func(t *testing.T) {
		start := foldState{Thinking: true}
		res := foldEvent(start, text("", false), neverEnds, time.Now(), seqIDs())
		assert.Empty(t, res.State.Messages)
		assert.True(t, res.State.Thinking)
		assert.Equal(t, timerKeep, res.Timer)
	})
}

func TestFold_TurnPolicyDecidesThinking(t *testing.T) {
	ends := TurnPolicyFunc(func(string) bool { return true })

	res := foldEvent(foldState{Thinking: true}, text("Which file?", false), ends, time.Now(), seqIDs())
	assert.False(t, res.State.Thinking)
	assert.Equal(t, timerClear, res.Timer)
	assert.True(t, res.Finalized)

	res = foldEvent(foldState{Thinking: true}, text("Checking.", false), neverEnds, time.Now(), seqIDs())
	assert.True(t, res.State.Thinking)
	assert.Equal(t, timerArm, res.Timer)
}

func TestFold_ToolEventsAreTelemetry(t *testing.T) {
	for _, kind := range []EventKind{KindToolCall, KindToolResult} {
		t.Run(kind.String(), func(t *testing.T) {
			res := foldEvent(foldState{}, AgentEvent{SessionID: "s1", Kind: kind, FunctionName: "read_file"}, neverEnds, time.Now(), seqIDs())
			assert.Empty(t, res.State.Messages)
			assert.True(t, res.State.Thinking)
			assert.Equal(t, timerArm, res.Timer)
		})
	}
}

func TestFold_TurnCompleteEndsThinking(t *testing.T) {
	s := foldAll([]AgentEvent{text("partial answer", true), {SessionID: "s1", Kind: KindTurnComplete}}, neverEnds)

	require.Len(t, s.Messages, 1)
	assert.False(t, s.Messages[0].Partial)
	assert.False(t, s.Thinking)
}

func TestFold_ErrorAddsSystemMessage(t *testing.T) {
	s := foldAll([]AgentEvent{text("half", true), {SessionID: "s1", Kind: KindError, Text: "model overloaded"}}, neverEnds)

	require.Len(t, s.Messages, 2)
	assert.False(t, s.Messages[0].Partial)
	assert.Equal(t, OriginSystem, s.Messages[1].Origin)
	assert.Equal(t, "model overloaded", s.Messages[1].Text)
	assert.False(t, s.Thinking)
}
