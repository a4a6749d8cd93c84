package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Approval queue states.
const (
	ApprovalPending  = "pending"
	ApprovalApproved = "approved"
	ApprovalRejected = "rejected"
	ApprovalExpired  = "expired"
)

// ApprovalRequest is one L3 escalation awaiting an Overseer decision.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type ApprovalRequest struct {
	QueueID      string     `json:"queue_id"`
	ArtifactHash string     `json:"artifact_hash"`
	Reason       string     `json:"reason"`
	Requester    string     `json:"requester"`
	CreatedAt    time.Time  `json:"created_at"`
	State        string     `json:"state"`
	Resolver     string     `json:"resolver,omitempty"`
	ResolvedAt   *time.Time `json:"resolved_at,omitempty"`
	Notes        string     `json:"notes,omitempty"`
	Deadline     time.Time  `json:"deadline"`
}

// InsertApproval enqueues a pending request.
func (t *Tx) InsertApproval(ctx context.Context, a *ApprovalRequest) error {
	_, err := t.exec(ctx, `INSERT INTO l3_approval_queue (
			queue_id, artifact_hash, reason, requester, created_at, state,
			resolver, resolved_at, notes, deadline
		) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		a.QueueID, a.ArtifactHash, a.Reason, a.Requester, formatTime(a.CreatedAt),
		a.State, a.Resolver, nullTime(a.ResolvedAt), a.Notes, formatTime(a.Deadline),
	)
	if err != nil {
		return fmt.Errorf("store: insert approval %s: %w", a.QueueID, err)
	}
	return nil
}

const approvalColumns = `queue_id, artifact_hash, reason, requester, created_at, state,
	resolver, resolved_at, notes, deadline`

// GetApproval loads one request; ErrNotFound when absent.
func (t *Tx) GetApproval(ctx context.Context, queueID string) (*ApprovalRequest, error) {
	row := t.queryRow(ctx, `SELECT `+approvalColumns+` FROM l3_approval_queue WHERE queue_id = ?`, queueID)
	a, err := scanApproval(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("approval %s: %w", queueID, ErrNotFound)
	}
	return a, err
}

// ResolveApproval commits a decision on a pending request.
func (t *Tx) ResolveApproval(ctx context.Context, queueID, state, resolver, notes string, resolvedAt time.Time) error {
	res, err := t.exec(ctx, `UPDATE l3_approval_queue
		SET state = ?, resolver = ?, notes = ?, resolved_at = ?
		WHERE queue_id = ? AND state = ?`,
		state, resolver, notes, formatTime(resolvedAt), queueID, ApprovalPending)
	if err != nil {
		return fmt.Errorf("store: resolve approval %s: %w", queueID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("pending approval %s: %w", queueID, ErrNotFound)
	}
	return nil
}

// PendingApprovals lists open requests oldest first.
func (t *Tx) PendingApprovals(ctx context.Context) ([]*ApprovalRequest, error) {
	return t.listApprovals(ctx,
		`SELECT `+approvalColumns+` FROM l3_approval_queue WHERE state = ? ORDER BY created_at`,
		ApprovalPending)
}

// OverdueApprovals lists pending requests whose deadline has passed.
func (t *Tx) OverdueApprovals(ctx context.Context, now time.Time) ([]*ApprovalRequest, error) {
	return t.listApprovals(ctx,
		`SELECT `+approvalColumns+` FROM l3_approval_queue WHERE state = ? AND deadline <= ? ORDER BY deadline`,
		ApprovalPending, formatTime(now))
}

func (t *Tx) listApprovals(ctx context.Context, query string, args ...any) ([]*ApprovalRequest, error) {
	rows, err := t.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list approvals: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*ApprovalRequest
	for rows.Next() {
		a, scanErr := scanApproval(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanApproval(r rowScanner) (*ApprovalRequest, error) {
	var (
		a                  ApprovalRequest
		created, deadline  string
		resolvedAt         sql.NullString
	)
	err := r.Scan(&a.QueueID, &a.ArtifactHash, &a.Reason, &a.Requester, &created,
		&a.State, &a.Resolver, &resolvedAt, &a.Notes, &deadline)
	if err != nil {
		return nil, err
	}
	if a.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if a.Deadline, err = parseTime(deadline); err != nil {
		return nil, err
	}
	if a.ResolvedAt, err = scanNullTime(resolvedAt); err != nil {
		return nil, err
	}
	return &a, nil
}
