// Package auth manages the dashboard's bearer credential.
//
// # Credential Lifecycle
//
// There is at most one live credential. The Manager loads it from the
// credential store on Acquire, or obtains it with Login, and replaces it as
// a whole on every refresh:
//
//	m := auth.NewManager(store, auth.NewHTTPExchanger(cfg.Auth.URL, nil),
//		auth.WithRefreshBuffer(cfg.Auth.RefreshBuffer))
//	cred, err := m.Acquire(ctx) // ErrUnauthenticated: send the user to login
//
// # Refresh
//
// A proactive timer fires at expiry minus the refresh buffer. If the timer is
// missed, Token refreshes reactively on first use, and Do refreshes and
// retries once when a request comes back 401. All three paths share one
// single-flight group keyed by credential generation, so a burst of callers
// holding the same stale token causes exactly one network refresh.
//
// Any refresh failure is fatal: the credential is cleared and OnLogout hooks
// run with an error matching ErrAuthFailure.
//
// # Token Endpoint
//
// HTTPExchanger posts JSON to <auth url>/auth/token with either a code or a
// refresh_token. Expiry comes from the returned id_token's exp claim, falling
// back to expires_in.
package auth
