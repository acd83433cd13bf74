// Package fakebackend is an in-process stand-in for the dashboard's backend.
//
// It serves the authorization endpoint (POST /auth/token), an authenticated
// profile endpoint (GET /api/me) and the real-time channel (GET /ws). Agent
// replies are echoes streamed as a liveness ping, partial deltas, a final
// message and turn_complete. A message of the form "/tool <name>" first asks
// the client to approve the named tool.
//
// The server keeps sessions and history in memory. Test hooks revoke tokens
// and drop connections so reconnect and refresh paths can be driven end to
// end.
package fakebackend
