package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Session maps a conversation thread to the Agent's last session
// reference. Advisory only: a missing or stale entry must never block a
// task from running fresh.
type Session struct {
	ThreadID   string
	Project    string
	SessionRef string
	LastUsedAt time.Time
}

// UpsertSession records the latest session reference for a thread.
func (s *Store) UpsertSession(ctx context.Context, threadID, project, sessionRef string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (thread_id, project, session_ref, last_used_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(thread_id) DO UPDATE SET
			project = excluded.project,
			session_ref = excluded.session_ref,
			last_used_at = excluded.last_used_at`,
		threadID, project, sessionRef, utcNow(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert session: %w", err)
	}
	return nil
}

// GetSession returns the session for a thread, or nil when none exists or
// the entry is older than the TTL.
func (s *Store) GetSession(ctx context.Context, threadID string, ttl time.Duration) (*Session, error) {
	var sess Session
	err := s.db.QueryRowContext(ctx,
		`SELECT thread_id, project, session_ref, last_used_at FROM sessions WHERE thread_id = ?`,
		threadID,
	).Scan(&sess.ThreadID, &sess.Project, &sess.SessionRef, &sess.LastUsedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	if time.Since(sess.LastUsedAt) > ttl {
		return nil, nil
	}
	return &sess, nil
}

// PruneSessions deletes entries older than the TTL. Returns the number
// removed.
func (s *Store) PruneSessions(ctx context.Context, ttl time.Duration) (int, error) {
	cutoff := utcNow().Add(-ttl)
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE last_used_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// DeleteSession removes a thread's session reference outright. Used when
// a resume attempt proved the reference dead.
func (s *Store) DeleteSession(ctx context.Context, threadID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE thread_id = ?`, threadID)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}
