package store

import (
	"context"
	"database/sql"
	"fmt"

	v1 "github.com/remotewiz/remotewiz/pkg/api/v1"
)

// BindThread maps a conversation thread to a project. Rebinding an
// existing thread replaces the previous mapping.
func (s *Store) BindThread(ctx context.Context, threadID, project, adapter, createdBy string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO thread_bindings (thread_id, project, adapter, created_by, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(thread_id) DO UPDATE SET
			project = excluded.project,
			adapter = excluded.adapter,
			created_by = excluded.created_by,
			created_at = excluded.created_at`,
		threadID, project, adapter, createdBy, utcNow(),
	)
	if err != nil {
		return fmt.Errorf("failed to bind thread: %w", err)
	}
	return nil
}

// GetBinding returns the binding for a thread, or nil when unbound.
func (s *Store) GetBinding(ctx context.Context, threadID string) (*v1.ThreadBinding, error) {
	var b v1.ThreadBinding
	err := s.db.QueryRowContext(ctx,
		`SELECT thread_id, project, adapter, created_by, created_at
		 FROM thread_bindings WHERE thread_id = ?`, threadID,
	).Scan(&b.ThreadID, &b.Project, &b.Adapter, &b.CreatedBy, &b.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get binding: %w", err)
	}
	return &b, nil
}
