package dispatcher

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MythologIQ/qorelogic/pkg/approval"
	"github.com/MythologIQ/qorelogic/pkg/calibration"
	"github.com/MythologIQ/qorelogic/pkg/contracts"
	"github.com/MythologIQ/qorelogic/pkg/evidence"
	"github.com/MythologIQ/qorelogic/pkg/identity"
	"github.com/MythologIQ/qorelogic/pkg/ledger"
	"github.com/MythologIQ/qorelogic/pkg/modectl"
	"github.com/MythologIQ/qorelogic/pkg/quarantine"
	"github.com/MythologIQ/qorelogic/pkg/sentinel"
	"github.com/MythologIQ/qorelogic/pkg/store"
	"github.com/MythologIQ/qorelogic/pkg/trust"
	"github.com/MythologIQ/qorelogic/pkg/ttl"
)

var testPass = []byte("orchard-battery-staple-41")

// rig assembles a full engine over an in-memory store: real identity, real
// ledger, real pipeline with the tier-3 backend disabled.
type rig struct {
	store    *store.Store
	ids      *identity.Manager
	ledger   *ledger.Ledger
	trust    *trust.Engine
	modes    *modectl.Controller
	engine   *Engine
	enforcer *contracts.Agent
	agent    *contracts.Agent // generator
	human    *contracts.Agent
	now      *time.Time
}

type rigConfig struct {
	workers    int
	soft       int
	hard       int
	engineOpts []Option
}

func newRig(t *testing.T) *rig {
	t.Helper()
	return newRigWith(t, rigConfig{})
}

func newRigWith(t *testing.T, cfg rigConfig) *rig {
	t.Helper()
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r := &rig{now: &start}
	clock := func() time.Time { return *r.now }
	ctx := context.Background()

	s, err := store.Open(":memory:", store.WithClock(clock))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	_, _, err = s.Migrate(ctx)
	require.NoError(t, err)
	r.store = s

	r.ids = identity.NewManager(s, identity.StaticSource(testPass), identity.WithClock(clock))
	t.Cleanup(r.ids.Close)
	r.ledger = ledger.New(s, r.ids, ledger.WithClock(clock))

	require.NoError(t, s.WithinTx(ctx, func(tx *store.Tx) error {
		var txErr error
		if r.enforcer, txErr = r.ids.CreateAgentTx(ctx, tx, contracts.RoleEnforcer, testPass); txErr != nil {
			return txErr
		}
		if r.agent, txErr = r.ids.CreateAgentTx(ctx, tx, contracts.RoleGenerator, testPass); txErr != nil {
			return txErr
		}
		r.human, txErr = r.ids.CreateAgentTx(ctx, tx, contracts.RoleHuman, testPass)
		return txErr
	}))
	_, err = r.ledger.Init(ctx)
	require.NoError(t, err)

	r.trust = trust.NewEngine(s, r.ledger, trust.WithClock(clock))
	r.trust.SetActor(r.enforcer.ID)

	classifier, err := sentinel.NewClassifier(sentinel.DefaultPack())
	require.NoError(t, err)
	tier2, err := sentinel.NewTier2Checker()
	require.NoError(t, err)
	tier3, err := sentinel.NewTier3Runner(ctx, "", 7)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tier3.Close(context.Background()) })
	pipe := sentinel.NewPipeline(classifier, tier2, tier3,
		sentinel.WithPipelineClock(clock),
		sentinel.WithSampler(func() float64 { return 0.99 }))

	warden := quarantine.NewWarden(r.ledger, r.ids, quarantine.WithClock(clock))
	warden.SetActor(r.enforcer.ID)
	claims := ttl.NewRegistry(r.ledger, ttl.WithClock(clock))
	claims.SetActor(r.enforcer.ID)

	r.modes = modectl.NewController(r.ledger,
		modectl.WithClock(clock),
		modectl.WithSampler(modectl.NewStaticSampler(0.1)),
		modectl.WithActor(r.enforcer.ID))
	require.NoError(t, s.WithinTx(ctx, func(tx *store.Tx) error {
		return r.modes.Init(ctx, tx)
	}))

	cas, err := evidence.NewFileStore(t.TempDir())
	require.NoError(t, err)

	opts := []Option{WithClock(clock), WithActor(r.enforcer.ID)}
	opts = append(opts, cfg.engineOpts...)
	r.engine, err = New(Deps{
		Store:       s,
		Identity:    r.ids,
		Ledger:      r.ledger,
		Trust:       r.trust,
		Classifier:  classifier,
		Pipeline:    pipe,
		Approvals:   approval.NewQueue(r.ledger, approval.WithClock(clock)),
		Warden:      warden,
		Claims:      claims,
		Calibration: calibration.NewTracker(calibration.WithClock(clock)),
		Modes:       r.modes,
		Admission:   modectl.NewAdmission(cfg.workers, cfg.soft, cfg.hard),
		Limiter:     modectl.NewMemoryLimiter(clock),
		Archive:     evidence.NewArchive(cas, r.ledger, evidence.WithClock(clock)),
	}, opts...)
	require.NoError(t, err)
	return r
}

func (r *rig) dispatch(t *testing.T, agentID, op string, payload map[string]any) (*contracts.Response, error) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return r.engine.Dispatch(context.Background(), Request{
		Operation: op,
		AgentID:   agentID,
		Payload:   raw,
	})
}

func (r *rig) mustDispatch(t *testing.T, agentID, op string, payload map[string]any) *contracts.Response {
	t.Helper()
	resp, err := r.dispatch(t, agentID, op, payload)
	require.NoError(t, err)
	require.NotNil(t, resp)
	return resp
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

func (r *rig) ledgerLen(t *testing.T) uint64 {
	t.Helper()
	var n uint64
	require.NoError(t, r.store.View(context.Background(), func(tx *store.Tx) error {
		var err error
		n, err = tx.CountLedger(context.Background())
		return err
	}))
	return n
}

func (r *rig) eventKinds(t *testing.T) []string {
	t.Helper()
	var kinds []string
	require.NoError(t, r.store.View(context.Background(), func(tx *store.Tx) error {
		return tx.LedgerRange(context.Background(), 0, 0, func(row *store.LedgerRow) error {
			kinds = append(kinds, row.EventKind)
			return nil
		})
	}))
	return kinds
}

func (r *rig) agentRow(t *testing.T, id string) *contracts.Agent {
	t.Helper()
	var a *contracts.Agent
	require.NoError(t, r.store.View(context.Background(), func(tx *store.Tx) error {
		var err error
		a, err = tx.GetAgent(context.Background(), id)
		return err
	}))
	return a
}

func (r *rig) currentMode(t *testing.T) contracts.Mode {
	t.Helper()
	var m contracts.Mode
	require.NoError(t, r.store.View(context.Background(), func(tx *store.Tx) error {
		var err error
		m, err = r.modes.Current(context.Background(), tx)
		return err
	}))
	return m
}

func logPayload(note string) map[string]any {
	return map[string]any{
		"kind":       string(contracts.EventCoaching),
		"risk_grade": "L1",
		"payload":    map[string]any{"note": note},
	}
}

func TestDispatchRejectsUnknownOperation(t *testing.T) {
	r := newRig(t)

	_, err := r.dispatch(t, r.agent.ID, "drop_tables", map[string]any{})
	require.Error(t, err)
	assert.Equal(t, contracts.KindSchemaViolation, contracts.KindOf(err))
	assert.Contains(t, err.Error(), "unknown operation")
}

func TestDispatchRequiresAgentID(t *testing.T) {
	r := newRig(t)

	_, err := r.dispatch(t, "", contracts.OpLogEvent, logPayload("hello"))
	require.Error(t, err)
	assert.Equal(t, contracts.KindUnknownAgent, contracts.KindOf(err))
}

func TestSchemaViolationDocksKnownCaller(t *testing.T) {
	r := newRig(t)

	_, err := r.dispatch(t, r.agent.ID, contracts.OpRegisterClaimWithTTL, map[string]any{})
	require.Error(t, err)
	assert.Equal(t, contracts.KindSchemaViolation, contracts.KindOf(err))

	var engineErr *contracts.Error
	require.ErrorAs(t, err, &engineErr)
	assert.NotEmpty(t, engineErr.EntryID, "penalty entry should ride back on the rejection")

	assert.Equal(t, 1, r.countEvents(t, contracts.EventMicroPenalty))
	assert.InDelta(t, 0.995, r.agentRow(t, r.agent.ID).Influence, 1e-9)
}

func TestSchemaViolationFromUnknownCallerWritesNothing(t *testing.T) {
	r := newRig(t)
	before := r.ledgerLen(t)

	_, err := r.dispatch(t, "qore:generator:000000000000", contracts.OpRegisterClaimWithTTL, map[string]any{})
	require.Error(t, err)
	assert.Equal(t, contracts.KindSchemaViolation, contracts.KindOf(err))

	var engineErr *contracts.Error
	require.ErrorAs(t, err, &engineErr)
	assert.Empty(t, engineErr.EntryID)
	assert.Equal(t, before, r.ledgerLen(t))
}

func TestGateRejectsUnregisteredAgent(t *testing.T) {
	r := newRig(t)
	before := r.ledgerLen(t)

	_, err := r.dispatch(t, "qore:generator:000000000000", contracts.OpLogEvent, logPayload("hi"))
	require.Error(t, err)
	assert.Equal(t, contracts.KindUnknownAgent, contracts.KindOf(err))
	assert.Equal(t, before, r.ledgerLen(t), "rejected caller must leave no trace")
}

func TestGateEnforcesRoleAllowList(t *testing.T) {
	r := newRig(t)

	_, err := r.dispatch(t, r.agent.ID, contracts.OpUpdateAgentTrust, map[string]any{
		"agent":   r.agent.ID,
		"success": true,
	})
	require.Error(t, err)
	assert.Equal(t, contracts.KindRoleForbidden, contracts.KindOf(err))
}

func TestGateBlocksQuarantinedAgent(t *testing.T) {
	r := newRig(t)

	r.mustDispatch(t, r.enforcer.ID, contracts.OpStartQuarantine, map[string]any{
		"agent":  r.agent.ID,
		"track":  string(contracts.TrackHonestError),
		"reason": "repeated contract failures",
	})

	_, err := r.dispatch(t, r.agent.ID, contracts.OpLogEvent, logPayload("still here"))
	require.Error(t, err)
	assert.Equal(t, contracts.KindAgentQuarantined, contracts.KindOf(err))

	// The window expires after 24h and the sweeper releases the agent.
	*r.now = r.now.Add(25 * time.Hour)
	r.engine.Sweep(context.Background())
	assert.Equal(t, 1, r.countEvents(t, contracts.EventQuarantineRelease))
	r.mustDispatch(t, r.agent.ID, contracts.OpLogEvent, logPayload("released"))
}

func TestSafeModeAdmitsOnlyHumanL3(t *testing.T) {
	r := newRig(t)

	r.mustDispatch(t, r.human.ID, contracts.OpSetMode, map[string]any{
		"mode":   string(contracts.ModeSafe),
		"reason": "integrity incident",
	})

	_, err := r.dispatch(t, r.agent.ID, contracts.OpRegisterClaimWithTTL, map[string]any{
		"content": "the sky is blue",
		"class":   string(contracts.Durable30d),
	})
	require.Error(t, err)
	assert.Equal(t, contracts.KindModeBlocked, contracts.KindOf(err))

	// Machine enforcers cannot lift SAFE; the exit is human-only.
	_, err = r.dispatch(t, r.enforcer.ID, contracts.OpSetMode, map[string]any{
		"mode":   string(contracts.ModeNormal),
		"reason": "premature",
	})
	require.Error(t, err)
	assert.Equal(t, contracts.KindModeBlocked, contracts.KindOf(err))

	r.mustDispatch(t, r.human.ID, contracts.OpSetMode, map[string]any{
		"mode":   string(contracts.ModeNormal),
		"reason": "incident resolved",
	})
	assert.Equal(t, contracts.ModeNormal, r.currentMode(t))
}

func TestThrottleReturnsQueueFull(t *testing.T) {
	r := newRigWith(t, rigConfig{
		engineOpts: []Option{WithRatePolicy(modectl.Policy{PerMinute: 60, Burst: 2})},
	})

	r.mustDispatch(t, r.agent.ID, contracts.OpLogEvent, logPayload("one"))
	r.mustDispatch(t, r.agent.ID, contracts.OpLogEvent, logPayload("two"))
	before := r.ledgerLen(t)

	_, err := r.dispatch(t, r.agent.ID, contracts.OpLogEvent, logPayload("three"))
	require.Error(t, err)
	assert.Equal(t, contracts.KindQueueFull, contracts.KindOf(err))
	assert.Equal(t, before, r.ledgerLen(t), "throttled request must not reach the ledger")

	// The bucket refills with the clock.
	*r.now = r.now.Add(5 * time.Second)
	r.mustDispatch(t, r.agent.ID, contracts.OpLogEvent, logPayload("four"))
}

func TestRotationDueWarningRides(t *testing.T) {
	r := newRig(t)

	*r.now = r.now.Add(91 * 24 * time.Hour)
	resp := r.mustDispatch(t, r.agent.ID, contracts.OpLogEvent, logPayload("old key"))
	assert.Contains(t, resp.Warnings, contracts.WarnKeyRotationDue)
}

func TestDispatchResponsesCarryGrade(t *testing.T) {
	r := newRig(t)

	resp := r.mustDispatch(t, r.agent.ID, contracts.OpLogEvent, logPayload("graded"))
	assert.Equal(t, contracts.RiskL1, resp.RiskGrade)
	assert.Equal(t, "OK", resp.Status)

	resp = r.mustDispatch(t, r.agent.ID, contracts.OpRequestOverseerApproval, map[string]any{
		"artifact_hash": "sha256:beef",
		"reason":        "manual review",
	})
	assert.Equal(t, contracts.RiskL3, resp.RiskGrade)
}

func TestVerifyChainCleanLedger(t *testing.T) {
	r := newRig(t)

	r.mustDispatch(t, r.agent.ID, contracts.OpLogEvent, logPayload("a"))
	r.mustDispatch(t, r.agent.ID, contracts.OpLogEvent, logPayload("b"))

	report, err := r.engine.VerifyChain(context.Background())
	require.NoError(t, err)
	assert.NotZero(t, report.Checked)
	assert.NotEmpty(t, report.HeadHash)
	assert.Equal(t, contracts.ModeNormal, r.currentMode(t))
}
