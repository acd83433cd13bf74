// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Persists credentials, preferences and the session cache with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// A single connection keeps :memory: databases coherent and serializes writers
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Debug("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS credentials (
			id                 INTEGER PRIMARY KEY CHECK (id = 1),
			access_token       TEXT NOT NULL,
			refresh_token      TEXT NOT NULL DEFAULT '',
			issued_at          TEXT NOT NULL,
			expires_at         TEXT NOT NULL,
			provider_id        TEXT NOT NULL DEFAULT '',
			oauth_access_token TEXT NOT NULL DEFAULT '',
			user_info_json     TEXT
		);

		CREATE TABLE IF NOT EXISTS preferences (
			key        TEXT PRIMARY KEY,
			value      TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS session_cache (
			session_id    TEXT PRIMARY KEY,
			position      INTEGER NOT NULL,
			display_name  TEXT NOT NULL,
			messages_json TEXT NOT NULL,
			updated_at    TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_session_cache_position ON session_cache(position);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Debug("closing SQLite store")
	return s.db.Close()
}

// LoadCredential returns the stored credential or ErrNotFound.
func (s *SQLiteStore) LoadCredential(ctx context.Context) (*Credential, error) {
	query := `
		SELECT access_token, refresh_token, issued_at, expires_at, provider_id, oauth_access_token, user_info_json
		FROM credentials
		WHERE id = 1
	`

	var cred Credential
	var issuedAtStr, expiresAtStr string
	var userJSON sql.NullString

	err := s.db.QueryRowContext(ctx, query).Scan(
		&cred.AccessToken,
		&cred.RefreshToken,
		&issuedAtStr,
		&expiresAtStr,
		&cred.ProviderID,
		&cred.OAuthAccessToken,
		&userJSON,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying credential: %w", err)
	}

	if cred.IssuedAt, err = time.Parse(time.RFC3339Nano, issuedAtStr); err != nil {
		return nil, fmt.Errorf("parsing issued_at: %w", err)
	}
	if cred.ExpiresAt, err = time.Parse(time.RFC3339Nano, expiresAtStr); err != nil {
		return nil, fmt.Errorf("parsing expires_at: %w", err)
	}

	if userJSON.Valid && userJSON.String != "" {
		var user UserInfo
		if err := json.Unmarshal([]byte(userJSON.String), &user); err != nil {
			return nil, fmt.Errorf("parsing user_info_json: %w", err)
		}
		cred.User = &user
	}

	return &cred, nil
}

// SaveCredential replaces the stored credential.
func (s *SQLiteStore) SaveCredential(ctx context.Context, cred *Credential) error {
	var userJSON any
	if cred.User != nil {
		data, err := json.Marshal(cred.User)
		if err != nil {
			return fmt.Errorf("encoding user info: %w", err)
		}
		userJSON = string(data)
	}

	query := `
		INSERT INTO credentials (id, access_token, refresh_token, issued_at, expires_at, provider_id, oauth_access_token, user_info_json)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			issued_at = excluded.issued_at,
			expires_at = excluded.expires_at,
			provider_id = excluded.provider_id,
			oauth_access_token = excluded.oauth_access_token,
			user_info_json = excluded.user_info_json
	`

	_, err := s.db.ExecContext(ctx, query,
		cred.AccessToken,
		cred.RefreshToken,
		cred.IssuedAt.UTC().Format(time.RFC3339Nano),
		cred.ExpiresAt.UTC().Format(time.RFC3339Nano),
		cred.ProviderID,
		cred.OAuthAccessToken,
		userJSON,
	)
	if err != nil {
		return fmt.Errorf("saving credential: %w", err)
	}

	s.logger.Debug("saved credential", "expires_at", cred.ExpiresAt, "provider", cred.ProviderID)
	return nil
}

// ClearCredential removes the stored credential. Clearing an empty store is not an error.
func (s *SQLiteStore) ClearCredential(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM credentials`); err != nil {
		return fmt.Errorf("clearing credential: %w", err)
	}
	return nil
}

// GetPreference returns the value stored under key or ErrNotFound.
func (s *SQLiteStore) GetPreference(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM preferences WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("querying preference %q: %w", key, err)
	}
	return value, nil
}

// SetPreference stores value under key.
func (s *SQLiteStore) SetPreference(ctx context.Context, key, value string) error {
	query := `
		INSERT INTO preferences (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`
	if _, err := s.db.ExecContext(ctx, query, key, value, time.Now().UTC().Format(time.RFC3339)); err != nil {
		return fmt.Errorf("saving preference %q: %w", key, err)
	}
	return nil
}

// DeletePreference removes key. Deleting a missing key is not an error.
func (s *SQLiteStore) DeletePreference(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM preferences WHERE key = ?`, key); err != nil {
		return fmt.Errorf("deleting preference %q: %w", key, err)
	}
	return nil
}

// SaveSessions replaces the session cache in one transaction.
func (s *SQLiteStore) SaveSessions(ctx context.Context, sessions []CachedSession) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	if _, err := tx.ExecContext(ctx, `DELETE FROM session_cache`); err != nil {
		return fmt.Errorf("clearing session cache: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO session_cache (session_id, position, display_name, messages_json, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("preparing insert: %w", err)
	}
	defer stmt.Close()

	for i, sess := range sessions {
		messages := sess.Messages
		if messages == nil {
			messages = []CachedMessage{}
		}
		data, err := json.Marshal(messages)
		if err != nil {
			return fmt.Errorf("encoding messages for %s: %w", sess.ID, err)
		}
		updatedAt := sess.UpdatedAt
		if updatedAt.IsZero() {
			updatedAt = time.Now()
		}
		if _, err := stmt.ExecContext(ctx, sess.ID, i, sess.DisplayName, string(data), updatedAt.UTC().Format(time.RFC3339Nano)); err != nil {
			return fmt.Errorf("inserting session %s: %w", sess.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing session cache: %w", err)
	}
	return nil
}

// LoadSessions returns the cached sessions in their saved order.
func (s *SQLiteStore) LoadSessions(ctx context.Context) ([]CachedSession, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, display_name, messages_json, updated_at
		FROM session_cache
		ORDER BY position ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("querying session cache: %w", err)
	}
	defer rows.Close()

	var sessions []CachedSession
	for rows.Next() {
		var sess CachedSession
		var messagesJSON, updatedAtStr string
		if err := rows.Scan(&sess.ID, &sess.DisplayName, &messagesJSON, &updatedAtStr); err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		if err := json.Unmarshal([]byte(messagesJSON), &sess.Messages); err != nil {
			return nil, fmt.Errorf("parsing messages for %s: %w", sess.ID, err)
		}
		if sess.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAtStr); err != nil {
			return nil, fmt.Errorf("parsing updated_at: %w", err)
		}
		sessions = append(sessions, sess)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sessions: %w", err)
	}

	return sessions, nil
}

// ClearSessions empties the session cache.
func (s *SQLiteStore) ClearSessions(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM session_cache`); err != nil {
		return fmt.Errorf("clearing session cache: %w", err)
	}
	return nil
}
