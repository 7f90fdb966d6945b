package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	v1 "github.com/remotewiz/remotewiz/pkg/api/v1"
)

const approvalColumns = `id, task_id, action_class, description, status,
	requested_at, resolved_at, resolved_by`

// CreateApproval inserts a pending approval for a task. The description
// must already be redacted by the caller.
func (s *Store) CreateApproval(ctx context.Context, taskID string, class v1.ActionClass, description string) (*v1.Approval, error) {
	a := &v1.Approval{
		ID:          uuid.NewString(),
		TaskID:      taskID,
		ActionClass: class,
		Description: description,
		Status:      v1.ApprovalStatusPending,
		RequestedAt: utcNow(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO approvals (id, task_id, action_class, description, status, requested_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		a.ID, a.TaskID, a.ActionClass, a.Description, a.Status, a.RequestedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create approval: %w", err)
	}
	return a, nil
}

// GetApproval returns an approval by id, or nil when absent.
func (s *Store) GetApproval(ctx context.Context, id string) (*v1.Approval, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+approvalColumns+` FROM approvals WHERE id = ?`, id)
	a, err := scanApproval(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get approval: %w", err)
	}
	return a, nil
}

// PendingApprovalForTask returns the pending approval attached to a task,
// or nil when there is none.
func (s *Store) PendingApprovalForTask(ctx context.Context, taskID string) (*v1.Approval, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+approvalColumns+` FROM approvals
		 WHERE task_id = ? AND status = ? ORDER BY requested_at DESC LIMIT 1`,
		taskID, v1.ApprovalStatusPending)
	a, err := scanApproval(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pending approval: %w", err)
	}
	return a, nil
}

// ResolveApproval atomically flips a pending approval to approved or
// denied. Returns false when the approval was no longer pending, so a
// second resolver observes that it lost the race.
func (s *Store) ResolveApproval(ctx context.Context, id, actor string, approve bool) (bool, error) {
	status := v1.ApprovalStatusDenied
	if approve {
		status = v1.ApprovalStatusApproved
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE approvals SET status = ?, resolved_at = ?, resolved_by = ?
		 WHERE id = ? AND status = ?`,
		status, utcNow(), actor, id, v1.ApprovalStatusPending,
	)
	if err != nil {
		return false, fmt.Errorf("failed to resolve approval: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ExpirePending flips every pending approval requested before the cutoff
// to denied with the system_timeout resolver, returning the flipped rows
// so the engine can fail their tasks.
func (s *Store) ExpirePending(ctx context.Context, cutoff time.Time) ([]*v1.Approval, error) {
	var expired []*v1.Approval
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT `+approvalColumns+` FROM approvals
			 WHERE status = ? AND requested_at < ?`,
			v1.ApprovalStatusPending, cutoff,
		)
		if err != nil {
			return fmt.Errorf("failed to list expiring approvals: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			a, err := scanApproval(rows)
			if err != nil {
				return err
			}
			expired = append(expired, a)
		}
		if err := rows.Err(); err != nil {
			return err
		}

		now := utcNow()
		for _, a := range expired {
			_, err := tx.ExecContext(ctx,
				`UPDATE approvals SET status = ?, resolved_at = ?, resolved_by = ?
				 WHERE id = ? AND status = ?`,
				v1.ApprovalStatusDenied, now, v1.ResolverSystemTimeout,
				a.ID, v1.ApprovalStatusPending,
			)
			if err != nil {
				return fmt.Errorf("failed to expire approval %s: %w", a.ID, err)
			}
			a.Status = v1.ApprovalStatusDenied
			a.ResolvedAt = &now
			resolver := v1.ResolverSystemTimeout
			a.ResolvedBy = &resolver
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return expired, nil
}

func scanApproval(row rowScanner) (*v1.Approval, error) {
	var a v1.Approval
	var resolvedAt sql.NullTime
	var resolvedBy sql.NullString
	err := row.Scan(&a.ID, &a.TaskID, &a.ActionClass, &a.Description,
		&a.Status, &a.RequestedAt, &resolvedAt, &resolvedBy)
	if err != nil {
		return nil, err
	}
	if resolvedAt.Valid {
		a.ResolvedAt = &resolvedAt.Time
	}
	if resolvedBy.Valid {
		a.ResolvedBy = &resolvedBy.String
	}
	return &a, nil
}
