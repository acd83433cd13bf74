// Package channel maintains the dashboard's single persistent connection to
// the agent backend.
//
// # Wire Protocol
//
// Every message is a JSON text frame. The client opens with
//
//	{"type":"connect","auth":{"token":"<bearer>"}}
//
// and the server answers "connected" or "connect_error". After that both
// sides exchange named events; an event carrying an id expects an "ack"
// frame with the same id.
//
// # Connector
//
// The Connector is created once. Handlers registered with On are keyed by
// event name and swapped in place, so replacing a handler never touches the
// connection. Each Connect builds a new numbered instance; events and acks
// from an older instance are discarded.
//
// Send queues while disconnected and the queue drains in FIFO order before
// the state becomes connected. Any transition to disconnected fails queued
// sends with ErrDropped and unacknowledged sends with ErrDisconnected.
//
// A dropped connection reconnects automatically with exponential backoff.
// A handshake rejected because of the token is never retried here; it is
// reported to watchers as an error matching ErrCredentialRejected so the
// token owner can refresh and call Reconnect.
package channel
