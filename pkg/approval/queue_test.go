package approval

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MythologIQ/qorelogic/pkg/contracts"
	"github.com/MythologIQ/qorelogic/pkg/identity"
	"github.com/MythologIQ/qorelogic/pkg/ledger"
	"github.com/MythologIQ/qorelogic/pkg/store"
)

var testPass = []byte("orchard-battery-staple-41")

type rig struct {
	store    *store.Store
	queue    *Queue
	enforcer *contracts.Agent
	agent    *contracts.Agent
	human    *contracts.Agent
	now      *time.Time
}

func newRig(t *testing.T) *rig {
	t.Helper()
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r := &rig{now: &start}
	clock := func() time.Time { return *r.now }

	s, err := store.Open(":memory:", store.WithClock(clock))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()
	_, _, err = s.Migrate(ctx)
	require.NoError(t, err)
	r.store = s

	ids := identity.NewManager(s, identity.StaticSource(testPass), identity.WithClock(clock))
	t.Cleanup(ids.Close)
	led := ledger.New(s, ids, ledger.WithClock(clock))

	require.NoError(t, s.WithinTx(ctx, func(tx *store.Tx) error {
		var txErr error
		if r.enforcer, txErr = ids.CreateAgentTx(ctx, tx, contracts.RoleEnforcer, testPass); txErr != nil {
			return txErr
		}
		if r.agent, txErr = ids.CreateAgentTx(ctx, tx, contracts.RoleGenerator, testPass); txErr != nil {
			return txErr
		}
		r.human, txErr = ids.CreateAgentTx(ctx, tx, contracts.RoleHuman, testPass)
		return txErr
	}))
	_, err = led.Init(ctx)
	require.NoError(t, err)

	r.queue = NewQueue(led, WithClock(clock))
	return r
}

func (r *rig) create(t *testing.T) *store.ApprovalRequest {
	t.Helper()
	var req *store.ApprovalRequest
	require.NoError(t, r.store.WithinAppendTx(context.Background(), func(tx *store.Tx) error {
		var err error
		req, err = r.queue.Create(context.Background(), tx, "sha256:feed", "auth change", r.agent.ID)
		return err
	}))
	return req
}

func (r *rig) countEvents(t *testing.T, kind contracts.EventKind) int {
	t.Helper()
	var n int
	require.NoError(t, r.store.View(context.Background(), func(tx *store.Tx) error {
		var err error
		n, err = tx.CountLedgerByKind(context.Background(), "", string(kind), time.Time{})
		return err
	}))
	return n
}

func TestCreateEnqueuesWithDeadline(t *testing.T) {
	r := newRig(t)

	req := r.create(t)
	assert.Equal(t, store.ApprovalPending, req.State)
	assert.Equal(t, r.now.Add(Deadline), req.Deadline)
	assert.Equal(t, 1, r.countEvents(t, contracts.EventL3ApprovalRequest))

	var pending []*store.ApprovalRequest
	require.NoError(t, r.store.View(context.Background(), func(tx *store.Tx) error {
		var err error
		pending, err = r.queue.Pending(context.Background(), tx)
		return err
	}))
	require.Len(t, pending, 1)
	assert.Equal(t, req.QueueID, pending[0].QueueID)
}

func TestResolveApprove(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	req := r.create(t)

	*r.now = r.now.Add(2 * time.Hour)
	var resolved *store.ApprovalRequest
	require.NoError(t, r.store.WithinAppendTx(ctx, func(tx *store.Tx) error {
		var err error
		resolved, err = r.queue.Resolve(ctx, tx, req.QueueID, true, "reviewed diff", r.human.ID)
		return err
	}))
	assert.Equal(t, store.ApprovalApproved, resolved.State)
	assert.Equal(t, r.human.ID, resolved.Resolver)
	assert.NotNil(t, resolved.ResolvedAt)
	assert.Equal(t, 1, r.countEvents(t, contracts.EventL3Approved))
}

func TestResolveReject(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	req := r.create(t)

	require.NoError(t, r.store.WithinAppendTx(ctx, func(tx *store.Tx) error {
		_, err := r.queue.Resolve(ctx, tx, req.QueueID, false, "too risky", r.human.ID)
		return err
	}))
	assert.Equal(t, 1, r.countEvents(t, contracts.EventL3Rejected))
}

func TestResolveRequiresHumanRole(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	req := r.create(t)

	err := r.store.WithinAppendTx(ctx, func(tx *store.Tx) error {
		_, err := r.queue.Resolve(ctx, tx, req.QueueID, true, "self approve", r.agent.ID)
		return err
	})
	assert.Error(t, err)
	assert.Equal(t, 0, r.countEvents(t, contracts.EventL3Approved))
}

func TestResolveAfterDeadlineFails(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	req := r.create(t)

	*r.now = r.now.Add(Deadline + time.Minute)
	err := r.store.WithinAppendTx(ctx, func(tx *store.Tx) error {
		_, err := r.queue.Resolve(ctx, tx, req.QueueID, true, "late", r.human.ID)
		return err
	})
	assert.Error(t, err)
}

func TestResolveTwiceFails(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	req := r.create(t)

	require.NoError(t, r.store.WithinAppendTx(ctx, func(tx *store.Tx) error {
		_, err := r.queue.Resolve(ctx, tx, req.QueueID, true, "ok", r.human.ID)
		return err
	}))
	err := r.store.WithinAppendTx(ctx, func(tx *store.Tx) error {
		_, err := r.queue.Resolve(ctx, tx, req.QueueID, false, "flip", r.human.ID)
		return err
	})
	assert.Error(t, err)
}

func TestSweepTimeouts(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	req := r.create(t)

	*r.now = r.now.Add(Deadline + time.Minute)
	var expired []string
	require.NoError(t, r.store.WithinAppendTx(ctx, func(tx *store.Tx) error {
		var err error
		expired, err = r.queue.SweepTimeouts(ctx, tx, r.enforcer.ID)
		return err
	}))
	assert.Equal(t, []string{req.QueueID}, expired)
	assert.Equal(t, 1, r.countEvents(t, contracts.EventL3Rejected))

	var after *store.ApprovalRequest
	require.NoError(t, r.store.View(ctx, func(tx *store.Tx) error {
		var err error
		after, err = tx.GetApproval(ctx, req.QueueID)
		return err
	}))
	assert.Equal(t, store.ApprovalExpired, after.State)

	// Nothing left to expire.
	require.NoError(t, r.store.WithinAppendTx(ctx, func(tx *store.Tx) error {
		var err error
		expired, err = r.queue.SweepTimeouts(ctx, tx, r.enforcer.ID)
		return err
	}))
	assert.Empty(t, expired)
}
