// Package approval runs the L3 escalation queue. High-risk artifacts wait on
// an Overseer decision with a hard 24 hour deadline; every transition appends
// its ledger event, and only a Human-role agent may resolve.
package approval

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/MythologIQ/qorelogic/pkg/contracts"
	"github.com/MythologIQ/qorelogic/pkg/ledger"
	"github.com/MythologIQ/qorelogic/pkg/store"
)

// Deadline is how long a pending request waits before it expires.
const Deadline = 24 * time.Hour

// Queue owns the L3 approval lifecycle.
type Queue struct {
	ledger *ledger.Ledger
	logger *slog.Logger
	clock  func() time.Time
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock injects a deterministic time source for tests.
func WithClock(fn func() time.Time) Option {
	return func(q *Queue) { q.clock = fn }
}

// WithLogger attaches a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// NewQueue wires the approval queue to the ledger.
func NewQueue(led *ledger.Ledger, opts ...Option) *Queue {
	q := &Queue{ledger: led, logger: slog.Default(), clock: time.Now}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Create enqueues a pending request signed by the requesting agent and
// appends L3_APPROVAL_REQUEST. The caller must hold the store append lock.
func (q *Queue) Create(ctx context.Context, tx *store.Tx, artifactHash, reason, requester string) (*store.ApprovalRequest, error) {
	if artifactHash == "" {
		return nil, fmt.Errorf("approval: artifact hash required")
	}
	now := q.clock().UTC()
	req := &store.ApprovalRequest{
		QueueID:      uuid.NewString(),
		ArtifactHash: artifactHash,
		Reason:       reason,
		Requester:    requester,
		CreatedAt:    now,
		State:        store.ApprovalPending,
		Deadline:     now.Add(Deadline),
	}
	if err := tx.InsertApproval(ctx, req); err != nil {
		return nil, err
	}
	if _, err := q.ledger.Append(ctx, tx, ledger.Draft{
		Agent: requester,
		Kind:  contracts.EventL3ApprovalRequest,
		Payload: map[string]any{
			"queue_id":      req.QueueID,
			"artifact_hash": artifactHash,
			"reason":        reason,
			"deadline":      req.Deadline.Format(time.RFC3339Nano),
		},
	}); err != nil {
		return nil, err
	}
	return req, nil
}

// Resolve commits an Overseer decision on a pending request. The resolver
// must hold the Human role; machine agents cannot drain the queue. Past the
// deadline the request can no longer be resolved. The caller must hold the
// store append lock.
func (q *Queue) Resolve(ctx context.Context, tx *store.Tx, queueID string, approved bool, notes, resolverID string) (*store.ApprovalRequest, error) {
	resolver, err := tx.GetAgent(ctx, resolverID)
	if err != nil {
		return nil, err
	}
	if resolver.Role != contracts.RoleHuman {
		return nil, fmt.Errorf("approval: resolver %s holds role %s, want %s",
			resolverID, resolver.Role, contracts.RoleHuman)
	}
	req, err := tx.GetApproval(ctx, queueID)
	if err != nil {
		return nil, err
	}
	if req.State != store.ApprovalPending {
		return nil, fmt.Errorf("approval: request %s already %s", queueID, req.State)
	}
	now := q.clock().UTC()
	if !now.Before(req.Deadline) {
		return nil, fmt.Errorf("approval: request %s deadline %s has passed",
			queueID, req.Deadline.Format(time.RFC3339Nano))
	}

	state := store.ApprovalRejected
	kind := contracts.EventL3Rejected
	if approved {
		state = store.ApprovalApproved
		kind = contracts.EventL3Approved
	}
	if err := tx.ResolveApproval(ctx, queueID, state, resolverID, notes, now); err != nil {
		return nil, err
	}
	if _, err := q.ledger.Append(ctx, tx, ledger.Draft{
		Agent: resolverID,
		Kind:  kind,
		Payload: map[string]any{
			"queue_id":      queueID,
			"artifact_hash": req.ArtifactHash,
			"notes":         notes,
		},
	}); err != nil {
		return nil, err
	}
	req.State = state
	req.Resolver = resolverID
	req.Notes = notes
	req.ResolvedAt = &now
	return req, nil
}

// Pending lists open requests oldest first.
func (q *Queue) Pending(ctx context.Context, tx *store.Tx) ([]*store.ApprovalRequest, error) {
	return tx.PendingApprovals(ctx)
}

// SweepTimeouts expires overdue requests. A timed-out request is a rejection
// by inaction: the artifact never got its approval, and the L3_REJECTED event
// records why. Returns the expired queue ids. The enforcer actor signs; the
// caller must hold the store append lock.
func (q *Queue) SweepTimeouts(ctx context.Context, tx *store.Tx, actor string) ([]string, error) {
	if actor == "" {
		return nil, fmt.Errorf("approval: no enforcer actor configured")
	}
	now := q.clock().UTC()
	overdue, err := tx.OverdueApprovals(ctx, now)
	if err != nil {
		return nil, err
	}
	var expired []string
	for _, req := range overdue {
		if err := tx.ResolveApproval(ctx, req.QueueID, store.ApprovalExpired, actor, "deadline expired", now); err != nil {
			return nil, err
		}
		if _, err := q.ledger.Append(ctx, tx, ledger.Draft{
			Agent: actor,
			Kind:  contracts.EventL3Rejected,
			Payload: map[string]any{
				"queue_id":      req.QueueID,
				"artifact_hash": req.ArtifactHash,
				"notes":         "deadline expired",
			},
		}); err != nil {
			return nil, err
		}
		expired = append(expired, req.QueueID)
	}
	if len(expired) > 0 {
		q.logger.Warn("approval: requests expired", slog.Int("count", len(expired)))
	}
	return expired, nil
}
