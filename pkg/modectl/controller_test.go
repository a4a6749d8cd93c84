package modectl

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
	store   *store.Store
	ctl     *Controller
	sampler *StaticSampler
	actor   string
	now     *time.Time
}

func newRig(t *testing.T, opts ...Option) *rig {
	t.Helper()
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r := &rig{now: &start, sampler: NewStaticSampler(0.1)}
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
		enforcer, txErr = ids.CreateAgentTx(ctx, tx, contracts.RoleEnforcer, testPass)
		return txErr
	}))
	_, err = led.Init(ctx)
	require.NoError(t, err)
	r.actor = enforcer.ID

	all := append([]Option{
		WithClock(clock),
		WithSampler(r.sampler),
		WithActor(enforcer.ID),
	}, opts...)
	r.ctl = NewController(led, all...)

	require.NoError(t, s.WithinTx(ctx, func(tx *store.Tx) error {
		return r.ctl.Init(ctx, tx)
	}))
	return r
}

func (r *rig) advance(d time.Duration) { *r.now = r.now.Add(d) }

func (r *rig) evaluate(t *testing.T, depth int) contracts.Mode {
	t.Helper()
	var mode contracts.Mode
	require.NoError(t, r.store.WithinAppendTx(context.Background(), func(tx *store.Tx) error {
		var err error
		mode, err = r.ctl.Evaluate(context.Background(), tx, depth, DefaultQueueHard)
		return err
	}))
	return mode
}

func (r *rig) mode(t *testing.T) contracts.Mode {
	t.Helper()
	var mode contracts.Mode
	require.NoError(t, r.store.View(context.Background(), func(tx *store.Tx) error {
		var err error
		mode, err = r.ctl.Current(context.Background(), tx)
		return err
	}))
	return mode
}

func (r *rig) modeChanges(t *testing.T) int {
	t.Helper()
	var n int
	require.NoError(t, r.store.View(context.Background(), func(tx *store.Tx) error {
		var err error
		n, err = tx.CountLedgerByKind(context.Background(), "", string(contracts.EventModeChange), time.Time{})
		return err
	}))
	return n
}

func TestInitDefaultsToNormal(t *testing.T) {
	r := newRig(t)
	assert.Equal(t, contracts.ModeNormal, r.mode(t))
	assert.Equal(t, 0, r.modeChanges(t))
}

func TestSustainedLoadEntersAndExitsLean(t *testing.T) {
	r := newRig(t)

	r.sampler.Set(0.85)
	assert.Equal(t, contracts.ModeNormal, r.evaluate(t, 0), "first high sample starts the window")

	r.advance(4 * time.Minute)
	assert.Equal(t, contracts.ModeNormal, r.evaluate(t, 0), "four minutes is not sustained")

	r.advance(90 * time.Second)
	assert.Equal(t, contracts.ModeLean, r.evaluate(t, 0), "five minutes over the watermark")
	assert.Equal(t, 1, r.modeChanges(t))

	// A dip below the high watermark but above the low one holds LEAN.
	r.sampler.Set(0.60)
	r.advance(20 * time.Minute)
	assert.Equal(t, contracts.ModeLean, r.evaluate(t, 0))

	r.sampler.Set(0.30)
	assert.Equal(t, contracts.ModeLean, r.evaluate(t, 0), "low window starts now")
	r.advance(9 * time.Minute)
	assert.Equal(t, contracts.ModeLean, r.evaluate(t, 0))
	r.advance(90 * time.Second)
	assert.Equal(t, contracts.ModeNormal, r.evaluate(t, 0), "ten minutes under the low watermark")
	assert.Equal(t, 2, r.modeChanges(t))
}

func TestLoadSpikeResetsLeanWindow(t *testing.T) {
	r := newRig(t)

	r.sampler.Set(0.9)
	r.evaluate(t, 0)
	r.advance(3 * time.Minute)

	r.sampler.Set(0.2) // window breaks
	r.evaluate(t, 0)

	r.sampler.Set(0.9)
	r.advance(3 * time.Minute)
	assert.Equal(t, contracts.ModeNormal, r.evaluate(t, 0), "window restarted at the break")
}

func TestQueueDepthEntersAndExitsSurge(t *testing.T) {
	r := newRig(t)

	assert.Equal(t, contracts.ModeSurge, r.evaluate(t, 60))
	assert.Equal(t, contracts.ModeSurge, r.evaluate(t, 30), "thirty is below entry but above exit")
	assert.Equal(t, contracts.ModeNormal, r.evaluate(t, 5))
	assert.Equal(t, 2, r.modeChanges(t))
}

func TestSafeRequiresManualClearance(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	require.NoError(t, r.store.WithinAppendTx(ctx, func(tx *store.Tx) error {
		return r.ctl.SecurityEvent(ctx, tx, "hash tampering at seq 7", r.actor)
	}))
	assert.Equal(t, contracts.ModeSafe, r.mode(t))

	// No trigger moves SAFE.
	r.sampler.Set(0.0)
	assert.Equal(t, contracts.ModeSafe, r.evaluate(t, 0))

	require.NoError(t, r.store.WithinAppendTx(ctx, func(tx *store.Tx) error {
		return r.ctl.SetMode(ctx, tx, contracts.ModeNormal, "operator clearance", r.actor, false)
	}))
	assert.Equal(t, contracts.ModeNormal, r.mode(t))
	assert.Equal(t, 2, r.modeChanges(t))
}

func TestSecurityEventIsIdempotentInSafe(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		require.NoError(t, r.store.WithinAppendTx(ctx, func(tx *store.Tx) error {
			return r.ctl.SecurityEvent(ctx, tx, "tamper", r.actor)
		}))
	}
	assert.Equal(t, 1, r.modeChanges(t))
}

func TestOverridePinsTriggers(t *testing.T) {
	r := newRig(t, WithOverride(contracts.ModeLean))
	assert.Equal(t, contracts.ModeLean, r.mode(t))

	// Neither queue depth nor load moves a pinned mode.
	assert.Equal(t, contracts.ModeLean, r.evaluate(t, 200))
	r.sampler.Set(0.0)
	r.advance(time.Hour)
	assert.Equal(t, contracts.ModeLean, r.evaluate(t, 0))
	assert.Equal(t, 0, r.modeChanges(t))
}

func TestSecurityEventOutranksOverride(t *testing.T) {
	r := newRig(t, WithOverride(contracts.ModeNormal))
	ctx := context.Background()

	require.NoError(t, r.store.WithinAppendTx(ctx, func(tx *store.Tx) error {
		return r.ctl.SecurityEvent(ctx, tx, "chain break", r.actor)
	}))
	assert.Equal(t, contracts.ModeSafe, r.mode(t))
}

func TestSetModeRejectsUnknown(t *testing.T) {
	r := newRig(t)
	err := r.store.WithinAppendTx(context.Background(), func(tx *store.Tx) error {
		return r.ctl.SetMode(context.Background(), tx, "PANIC", "", r.actor, false)
	})
	assert.Error(t, err)
}

func TestGatePolicies(t *testing.T) {
	cases := []struct {
		name  string
		mode  contracts.Mode
		grade contracts.RiskGrade
		role  contracts.AgentRole
		ok    bool
	}{
		{"normal L1", contracts.ModeNormal, contracts.RiskL1, contracts.RoleGenerator, true},
		{"lean L1", contracts.ModeLean, contracts.RiskL1, contracts.RoleGenerator, true},
		{"surge L1 deferred", contracts.ModeSurge, contracts.RiskL1, contracts.RoleGenerator, false},
		{"surge L2", contracts.ModeSurge, contracts.RiskL2, contracts.RoleGenerator, true},
		{"surge L3", contracts.ModeSurge, contracts.RiskL3, contracts.RoleGenerator, true},
		{"safe L1", contracts.ModeSafe, contracts.RiskL1, contracts.RoleGenerator, false},
		{"safe L2", contracts.ModeSafe, contracts.RiskL2, contracts.RoleHuman, false},
		{"safe L3 machine", contracts.ModeSafe, contracts.RiskL3, contracts.RoleGenerator, false},
		{"safe L3 human", contracts.ModeSafe, contracts.RiskL3, contracts.RoleHuman, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Gate(tc.mode, tc.grade, tc.role)
			if tc.ok {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Equal(t, contracts.KindModeBlocked, contracts.KindOf(err))
			}
		})
	}
}

func TestModeChangePayloadRecordsTransition(t *testing.T) {
	r := newRig(t)
	r.evaluate(t, 60) // NORMAL -> SURGE

	var row *store.LedgerRow
	require.NoError(t, r.store.View(context.Background(), func(tx *store.Tx) error {
		var err error
		row, err = tx.LastLedgerRow(context.Background())
		return err
	}))
	assert.Equal(t, string(contracts.EventModeChange), row.EventKind)
	assert.Contains(t, string(row.Payload), `"from":"NORMAL"`)
	assert.Contains(t, string(row.Payload), `"to":"SURGE"`)
}
