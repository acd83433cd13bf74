// ABOUTME: End-of-turn policies deciding when a finalized agent message ends thinking
// ABOUTME: The heuristic sniffs questions, request phrases and long answers

package conversation

import (
	"strings"
	"unicode/utf8"
)

// TurnPolicy decides whether a finalized agent message ends the agent's turn.
// An explicit turn_complete event always ends it regardless of policy.
type TurnPolicy interface {
	TurnEnded(finalText string) bool
}

// TurnPolicyFunc adapts a function to TurnPolicy.
type TurnPolicyFunc func(finalText string) bool

// TurnEnded implements TurnPolicy.
func (f TurnPolicyFunc) TurnEnded(finalText string) bool { return f(finalText) }

// DefaultRequestPhrases mark a message asking the user for input.
var DefaultRequestPhrases = []string{
	"let me know",
	"please provide",
	"please confirm",
	"please clarify",
	"please specify",
	"would you like",
	"do you want",
	"should i",
	"waiting for your",
}

// DefaultInProgressMarkers mark a message announcing more work to come.
var DefaultInProgressMarkers = []string{
	"let me",
	"i'll",
	"i will",
	"i'm going to",
	"working on",
	"looking into",
	"checking",
	"one moment",
	"running",
	"...",
}

// DefaultFinalAnswerLength is the rune count above which a message without
// in-progress markers counts as a final answer.
const DefaultFinalAnswerLength = 100

// HeuristicPolicy ends the turn on a question, a request phrase, or a long
// message that does not announce further work.
type HeuristicPolicy struct {
	RequestPhrases    []string
	InProgressMarkers []string
	FinalAnswerLength int
}

// NewHeuristicPolicy returns the default heuristic plus extra request phrases.
func NewHeuristicPolicy(extraPhrases ...string) *HeuristicPolicy {
	phrases := append([]string(nil), DefaultRequestPhrases...)
	for _, p := range extraPhrases {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			phrases = append(phrases, p)
		}
	}
	return &HeuristicPolicy{
		RequestPhrases:    phrases,
		InProgressMarkers: DefaultInProgressMarkers,
		FinalAnswerLength: DefaultFinalAnswerLength,
	}
}

// TurnEnded implements TurnPolicy.
func (p *HeuristicPolicy) TurnEnded(finalText string) bool {
	if strings.Contains(finalText, "?") {
		return true
	}

	lower := strings.ToLower(finalText)
	if containsAny(lower, p.RequestPhrases) {
		return true
	}

	return utf8.RuneCountInString(finalText) > p.FinalAnswerLength && !containsAny(lower, p.InProgressMarkers)
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
