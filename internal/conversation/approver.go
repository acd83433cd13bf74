// ABOUTME: Tool-call approval for function_call_request events
// ABOUTME: AllowList approves configured function names; "*" approves everything

package conversation

import (
	"context"
	"encoding/json"
)

// ToolCall is an agent's request to run a function.
type ToolCall struct {
	SessionID    string
	CallID       string
	FunctionName string
	Args         json.RawMessage
}

// ToolApprover decides whether the agent may run a tool.
type ToolApprover interface {
	Approve(ctx context.Context, call ToolCall) bool
}

// ToolApproverFunc adapts a function to ToolApprover.
type ToolApproverFunc func(ctx context.Context, call ToolCall) bool

// Approve implements ToolApprover.
func (f ToolApproverFunc) Approve(ctx context.Context, call ToolCall) bool { return f(ctx, call) }

// AllowList approves calls by function name.
type AllowList struct {
	all   bool
	names map[string]bool
}

// NewAllowList builds an approver from names. An empty list denies everything.
func NewAllowList(names []string) *AllowList {
	a := &AllowList{names: make(map[string]bool, len(names))}
	for _, n := range names {
		if n == "*" {
			a.all = true
			continue
		}
		a.names[n] = true
	}
	return a
}

// Approve implements ToolApprover.
func (a *AllowList) Approve(_ context.Context, call ToolCall) bool {
	return a.all || a.names[call.FunctionName]
}
