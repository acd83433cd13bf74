// Package store persists the dashboard's client-side state using SQLite.
//
// # Architecture
//
// Three small interfaces cover everything that survives a restart:
//
//   - CredentialStore: the single live bearer credential
//   - PreferenceStore: key/value settings (selected session, theme)
//   - SessionCache: the last known sessions and their messages
//
// SQLiteStore implements all of them (Store); MockStore is the in-memory
// equivalent used by tests.
//
// Everything here is cache. The credential is replaced atomically on refresh
// and removed on logout; the session cache is reconciled against the
// channel's authoritative session list on every connect and may be discarded
// at any time.
//
// # Usage
//
//	st, err := store.NewSQLiteStore(cfg.Database.Path)
//	if err != nil {
//	    return err
//	}
//	defer st.Close()
package store
