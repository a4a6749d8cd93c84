package quarantine

import (
	"context"
	"errors"
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

type spyInvalidator struct{ calls []string }

func (s *spyInvalidator) Invalidate(agentID string) { s.calls = append(s.calls, agentID) }

type rig struct {
	store  *store.Store
	warden *Warden
	keys   *spyInvalidator
	agent  *contracts.Agent
	now    *time.Time
}

func newRig(t *testing.T) *rig {
	t.Helper()
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r := &rig{now: &start, keys: &spyInvalidator{}}
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

	var enforcer *contracts.Agent
	require.NoError(t, s.WithinTx(ctx, func(tx *store.Tx) error {
		var txErr error
		if enforcer, txErr = ids.CreateAgentTx(ctx, tx, contracts.RoleEnforcer, testPass); txErr != nil {
			return txErr
		}
		r.agent, txErr = ids.CreateAgentTx(ctx, tx, contracts.RoleGenerator, testPass)
		return txErr
	}))
	_, err = led.Init(ctx)
	require.NoError(t, err)

	r.warden = NewWarden(led, r.keys, WithClock(clock))
	r.warden.SetActor(enforcer.ID)
	return r
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

func TestWindowByTrack(t *testing.T) {
	d, err := Window(contracts.TrackHonestError)
	require.NoError(t, err)
	assert.Equal(t, 24*time.Hour, d)

	d, err = Window(contracts.TrackManipulation)
	require.NoError(t, err)
	assert.Equal(t, 48*time.Hour, d)

	_, err = Window("suspicion")
	assert.Error(t, err)
}

func TestStartBlocksAndGateRejects(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	var q *store.QuarantineRecord
	require.NoError(t, r.store.WithinAppendTx(ctx, func(tx *store.Tx) error {
		var err error
		q, err = r.warden.Start(ctx, tx, r.agent.ID, contracts.TrackManipulation, "forged trace")
		return err
	}))
	assert.Equal(t, r.now.Add(48*time.Hour), q.ReleaseAt)
	assert.Equal(t, []string{r.agent.ID}, r.keys.calls)
	assert.Equal(t, 1, r.countEvents(t, contracts.EventQuarantine))

	err := r.store.View(ctx, func(tx *store.Tx) error {
		return r.warden.Gate(ctx, tx, r.agent.ID)
	})
	assert.Equal(t, contracts.KindAgentQuarantined, contracts.KindOf(err))
}

func TestGateClearsWhenWindowPasses(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	require.NoError(t, r.store.WithinAppendTx(ctx, func(tx *store.Tx) error {
		_, err := r.warden.Start(ctx, tx, r.agent.ID, contracts.TrackHonestError, "identity errors")
		return err
	}))
	*r.now = r.now.Add(HonestErrorWindow + time.Minute)

	// Clear on access even before any release sweep runs.
	require.NoError(t, r.store.View(ctx, func(tx *store.Tx) error {
		return r.warden.Gate(ctx, tx, r.agent.ID)
	}))
}

func TestSweepReleases(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	require.NoError(t, r.store.WithinAppendTx(ctx, func(tx *store.Tx) error {
		_, err := r.warden.Start(ctx, tx, r.agent.ID, contracts.TrackHonestError, "identity errors")
		return err
	}))
	*r.now = r.now.Add(HonestErrorWindow + time.Minute)

	var released []string
	require.NoError(t, r.store.WithinAppendTx(ctx, func(tx *store.Tx) error {
		var err error
		released, err = r.warden.SweepReleases(ctx, tx)
		return err
	}))
	assert.Equal(t, []string{r.agent.ID}, released)
	assert.Equal(t, 1, r.countEvents(t, contracts.EventQuarantineRelease))

	// A second sweep finds nothing.
	require.NoError(t, r.store.WithinAppendTx(ctx, func(tx *store.Tx) error {
		var err error
		released, err = r.warden.SweepReleases(ctx, tx)
		return err
	}))
	assert.Empty(t, released)
}

func TestStartUnknownAgent(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	err := r.store.WithinAppendTx(ctx, func(tx *store.Tx) error {
		_, err := r.warden.Start(ctx, tx, "qore:generator:000000000000", contracts.TrackHonestError, "x")
		return err
	})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRequestDeferralWindows(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	cases := []struct {
		category contracts.DeferralCategory
		window   time.Duration
	}{
		{contracts.DeferralSafety, 4 * time.Hour},
		{contracts.DeferralMedical, 24 * time.Hour},
		{contracts.DeferralLegal, 24 * time.Hour},
		{contracts.DeferralFinancial, 24 * time.Hour},
		{contracts.DeferralReputational, 72 * time.Hour},
		{contracts.DeferralLow, 0},
	}
	for _, tc := range cases {
		var d *store.DeferralRecord
		require.NoError(t, r.store.WithinTx(ctx, func(tx *store.Tx) error {
			var err error
			d, err = r.warden.RequestDeferral(ctx, tx, "sha256:abc", tc.category, "documented harm")
			return err
		}))
		assert.Equal(t, r.now.Add(tc.window), d.Deadline, string(tc.category))
	}

	err := r.store.WithinTx(ctx, func(tx *store.Tx) error {
		_, err := r.warden.RequestDeferral(ctx, tx, "sha256:abc", contracts.DeferralSafety, "")
		return err
	})
	assert.Error(t, err)
}

func TestExtendWithinWindow(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	var d *store.DeferralRecord
	require.NoError(t, r.store.WithinTx(ctx, func(tx *store.Tx) error {
		var err error
		d, err = r.warden.RequestDeferral(ctx, tx, "sha256:abc", contracts.DeferralReputational, "initial")
		return err
	}))
	*r.now = r.now.Add(time.Hour)

	require.NoError(t, r.store.WithinTx(ctx, func(tx *store.Tx) error {
		var err error
		d, err = r.warden.ExtendDeferral(ctx, tx, d.ID, "updated justification")
		return err
	}))
	assert.Equal(t, "updated justification", d.Reason)
}

func TestExtendPastDeadlineIsRefused(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	var d *store.DeferralRecord
	require.NoError(t, r.store.WithinTx(ctx, func(tx *store.Tx) error {
		var err error
		d, err = r.warden.RequestDeferral(ctx, tx, "sha256:abc", contracts.DeferralSafety, "initial")
		return err
	}))
	*r.now = r.now.Add(4*time.Hour + time.Minute)

	err := r.store.WithinTx(ctx, func(tx *store.Tx) error {
		_, err := r.warden.ExtendDeferral(ctx, tx, d.ID, "more time")
		return err
	})
	assert.Equal(t, contracts.KindDeferralExpired, contracts.KindOf(err))
}

func TestSweepDeferralsForcesDisclosure(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	var d *store.DeferralRecord
	require.NoError(t, r.store.WithinTx(ctx, func(tx *store.Tx) error {
		var err error
		d, err = r.warden.RequestDeferral(ctx, tx, "sha256:abc", contracts.DeferralSafety, "initial")
		return err
	}))
	*r.now = r.now.Add(5 * time.Hour)

	var forced []string
	require.NoError(t, r.store.WithinAppendTx(ctx, func(tx *store.Tx) error {
		var err error
		forced, err = r.warden.SweepDeferrals(ctx, tx)
		return err
	}))
	assert.Equal(t, []string{d.ID}, forced)
	assert.Equal(t, 1, r.countEvents(t, contracts.EventOverride))

	var after *store.DeferralRecord
	require.NoError(t, r.store.View(ctx, func(tx *store.Tx) error {
		var err error
		after, err = tx.GetDeferral(ctx, d.ID)
		return err
	}))
	assert.Equal(t, DeferralExpired, after.State)
}

func TestDiscloseBeforeDeadline(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	var d *store.DeferralRecord
	require.NoError(t, r.store.WithinTx(ctx, func(tx *store.Tx) error {
		var err error
		d, err = r.warden.RequestDeferral(ctx, tx, "sha256:abc", contracts.DeferralMedical, "initial")
		return err
	}))
	require.NoError(t, r.store.WithinTx(ctx, func(tx *store.Tx) error {
		var err error
		d, err = r.warden.Disclose(ctx, tx, d.ID)
		return err
	}))
	assert.Equal(t, DeferralDisclosed, d.State)

	// Disclosing twice is an error, not a silent no-op.
	err := r.store.WithinTx(ctx, func(tx *store.Tx) error {
		_, err := r.warden.Disclose(ctx, tx, d.ID)
		return err
	})
	assert.Error(t, err)
	assert.False(t, errors.Is(err, store.ErrNotFound))
}
