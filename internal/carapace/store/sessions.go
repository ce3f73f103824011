package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"time"
)

// ErrInvalidSessionID is returned for any id that is not a canonical
// 36-character lowercase hex-with-hyphens string.
var ErrInvalidSessionID = errors.New("store: invalid session id")

// ErrNotFound is returned by GetLatest when no non-expired row exists for
// the group.
var ErrNotFound = errors.New("store: no session found")

// storedTimeFormat is RFC 3339 with a fixed nine-digit fraction, so the
// text order of stored timestamps is their time order.
const storedTimeFormat = "2006-01-02T15:04:05.000000000Z07:00"

var canonicalSessionID = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)

// ValidateSessionID reports whether id is a canonical 36-character
// lowercase hex-with-hyphens string.
func ValidateSessionID(id string) error {
	if !canonicalSessionID.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidSessionID, id)
	}
	return nil
}

// ClaudeSession is one row of the persisted "latest session" table.
type ClaudeSession struct {
	Group      string
	SessionID  string
	CreatedAt  time.Time
	LastUsedAt time.Time
}

// ClaudeSessionStore is the read/write interface for the persisted
// "latest Claude session" table.
type ClaudeSessionStore struct {
	db  *DB
	ttl time.Duration
	now func() time.Time
}

// NewClaudeSessionStore creates a store bounding "latest" lookups to rows
// used within ttl.
func NewClaudeSessionStore(db *DB, ttl time.Duration) *ClaudeSessionStore {
	return &ClaudeSessionStore{db: db, ttl: ttl, now: time.Now}
}

// Save records that group most recently used sessionID. Repeated saves for
// an existing (group, sessionID) pair update last_used_at without
// disturbing created_at.
func (s *ClaudeSessionStore) Save(ctx context.Context, group, sessionID string) error {
	if err := ValidateSessionID(sessionID); err != nil {
		return err
	}
	now := s.now().UTC().Format(storedTimeFormat)
	_, err := s.db.Conn().ExecContext(ctx, `
		INSERT INTO claude_sessions (carapace_group, session_id, created_at, last_used_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(carapace_group, session_id) DO UPDATE SET
			last_used_at = excluded.last_used_at
	`, group, sessionID, now, now)
	if err != nil {
		return fmt.Errorf("store: save session for group %q: %w", group, err)
	}
	return nil
}

// GetLatest returns the most recently used non-expired session for group.
// Rows whose last_used_at is older than the store's TTL are skipped here
// even though List still surfaces them.
func (s *ClaudeSessionStore) GetLatest(ctx context.Context, group string) (ClaudeSession, error) {
	cutoff := s.now().Add(-s.ttl).UTC().Format(storedTimeFormat)

	var row ClaudeSession
	var createdAt, lastUsedAt string
	err := s.db.Conn().QueryRowContext(ctx, `
		SELECT session_id, created_at, last_used_at
		FROM claude_sessions
		WHERE carapace_group = ? AND last_used_at >= ?
		ORDER BY last_used_at DESC
		LIMIT 1
	`, group, cutoff).Scan(&row.SessionID, &createdAt, &lastUsedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ClaudeSession{}, ErrNotFound
	}
	if err != nil {
		return ClaudeSession{}, fmt.Errorf("store: get latest session for group %q: %w", group, err)
	}

	row.Group = group
	row.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	row.LastUsedAt, _ = time.Parse(time.RFC3339Nano, lastUsedAt)
	return row, nil
}

// List returns every row for group, including expired ones, ordered most
// recently used first.
func (s *ClaudeSessionStore) List(ctx context.Context, group string) ([]ClaudeSession, error) {
	rows, err := s.db.Conn().QueryContext(ctx, `
		SELECT session_id, created_at, last_used_at
		FROM claude_sessions
		WHERE carapace_group = ?
		ORDER BY last_used_at DESC
	`, group)
	if err != nil {
		return nil, fmt.Errorf("store: list sessions for group %q: %w", group, err)
	}
	defer rows.Close()

	var out []ClaudeSession
	for rows.Next() {
		var row ClaudeSession
		var createdAt, lastUsedAt string
		if err := rows.Scan(&row.SessionID, &createdAt, &lastUsedAt); err != nil {
			return nil, fmt.Errorf("store: scan session row: %w", err)
		}
		row.Group = group
		row.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		row.LastUsedAt, _ = time.Parse(time.RFC3339Nano, lastUsedAt)
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list rows: %w", err)
	}
	return out, nil
}
