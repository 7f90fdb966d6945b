package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	v1 "github.com/remotewiz/remotewiz/pkg/api/v1"
)

const uploadColumns = `id, project, original_name, server_path, created_at, expires_at, consumed_at`

// CreateUploadRef records a validated upload. The path checks happen in
// the uploads package before this is called.
func (s *Store) CreateUploadRef(ctx context.Context, project, originalName, serverPath string, expiresAt *time.Time) (*v1.UploadRef, error) {
	ref := &v1.UploadRef{
		ID:           uuid.NewString(),
		Project:      project,
		OriginalName: originalName,
		ServerPath:   serverPath,
		CreatedAt:    utcNow(),
		ExpiresAt:    expiresAt,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO upload_refs (id, project, original_name, server_path, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		ref.ID, ref.Project, ref.OriginalName, ref.ServerPath, ref.CreatedAt, expiresAtOrNil(expiresAt),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create upload ref: %w", err)
	}
	return ref, nil
}

// GetUploadRef returns an upload reference by id, or nil when absent.
func (s *Store) GetUploadRef(ctx context.Context, id string) (*v1.UploadRef, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+uploadColumns+` FROM upload_refs WHERE id = ?`, id)
	ref, err := scanUploadRef(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get upload ref: %w", err)
	}
	return ref, nil
}

// MarkUploadConsumed stamps the consumed time once. Returns false when the
// ref was missing or already consumed.
func (s *Store) MarkUploadConsumed(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE upload_refs SET consumed_at = ? WHERE id = ? AND consumed_at IS NULL`,
		utcNow(), id,
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark upload consumed: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// DeleteUploadRefsByPathPrefix removes all refs whose stored path starts
// with the given prefix. Used when a task's upload scope is cleaned up.
func (s *Store) DeleteUploadRefsByPathPrefix(ctx context.Context, prefix string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM upload_refs WHERE server_path LIKE ? ESCAPE '\'`,
		escapeLike(prefix)+"%",
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete upload refs: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ExpiredUploadRefs lists refs whose expiry has passed, so the caller can
// unlink the files before deleting the rows.
func (s *Store) ExpiredUploadRefs(ctx context.Context, now time.Time) ([]*v1.UploadRef, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+uploadColumns+` FROM upload_refs
		 WHERE expires_at IS NOT NULL AND expires_at < ?`, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired uploads: %w", err)
	}
	defer rows.Close()

	var refs []*v1.UploadRef
	for rows.Next() {
		ref, err := scanUploadRef(rows)
		if err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

// DeleteUploadRef removes a single reference row.
func (s *Store) DeleteUploadRef(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM upload_refs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete upload ref: %w", err)
	}
	return nil
}

func scanUploadRef(row rowScanner) (*v1.UploadRef, error) {
	var ref v1.UploadRef
	var expiresAt, consumedAt sql.NullTime
	err := row.Scan(&ref.ID, &ref.Project, &ref.OriginalName, &ref.ServerPath,
		&ref.CreatedAt, &expiresAt, &consumedAt)
	if err != nil {
		return nil, err
	}
	if expiresAt.Valid {
		ref.ExpiresAt = &expiresAt.Time
	}
	if consumedAt.Valid {
		ref.ConsumedAt = &consumedAt.Time
	}
	return &ref, nil
}

func expiresAtOrNil(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

// escapeLike escapes LIKE wildcards in a literal prefix.
func escapeLike(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if r == '%' || r == '_' || r == '\\' {
			out = append(out, '\\')
		}
		out = append(out, r)
	}
	return string(out)
}
