// Package conversation owns the dashboard's view of agent sessions.
//
// # Overview
//
// A single channel connection multiplexes every session. The Registry
// attaches handlers to that channel and is the only writer of session
// state; callers read snapshots and subscribe to updates.
//
//	reg := conversation.NewRegistry(conn, conversation.WithPreferences(st))
//	reg.Attach()
//	updates := reg.Subscribe(ctx, "")
//
// # Session List
//
// On every (re)connect the registry asks for the authoritative list of
// session ids. Local sessions not in the list are dropped. An empty list
// creates exactly one new session and selects it. Otherwise the current
// selection is kept, then the persisted selection, then the first id.
//
// # History
//
// Selecting a session requests its history at most once per connection.
// A failed request is recorded on the session and may be retried.
//
// # Streaming Fold
//
// Agent events are folded into the session's messages:
//
//   - partial text grows one open agent message in place
//   - final text replaces the open partial, or appends a new message
//   - an empty partial is a liveness ping
//   - tool events only keep the thinking indicator alive
//   - turn_complete and error close the turn
//
// Whether a final message ends the turn is decided by a TurnPolicy. The
// default HeuristicPolicy looks for questions, request phrases and long
// answers without in-progress markers.
//
// # Thinking Timeout
//
// A session's thinking flag clears itself after DefaultThinkingTimeout
// without agent activity. Disconnecting clears every flag at once.
package conversation
