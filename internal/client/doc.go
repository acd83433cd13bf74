// Package client is the dashboard runtime handed to front ends.
//
// A Client owns one token manager, one channel connector and one session
// registry, built from configuration and a store:
//
//	c := client.New(cfg, st, logger)
//	if err := c.Start(ctx); errors.Is(err, auth.ErrUnauthenticated) {
//		// run the login flow
//	}
//
// When the channel rejects the handshake credential, the client refreshes
// once and reconnects. A second rejection, or a failed refresh, signs the
// user out: the credential and the session cache are cleared and the
// channel is closed. Failures a person should see arrive on Notices,
// classified by Classify.
package client
