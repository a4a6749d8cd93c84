package dispatcher

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MythologIQ/qorelogic/pkg/contracts"
	"github.com/MythologIQ/qorelogic/pkg/store"
)

func (r *rig) rowBySeq(t *testing.T, seq uint64) *store.LedgerRow {
	t.Helper()
	var row *store.LedgerRow
	require.NoError(t, r.store.View(context.Background(), func(tx *store.Tx) error {
		var err error
		row, err = tx.LedgerRowBySeq(context.Background(), seq)
		return err
	}))
	return row
}

func TestLogEventRedactsPayload(t *testing.T) {
	r := newRig(t)

	resp := r.mustDispatch(t, r.agent.ID, contracts.OpLogEvent, map[string]any{
		"kind":       string(contracts.EventCoaching),
		"risk_grade": "L1",
		"payload":    map[string]any{"note": "ping alice@example.com when done"},
	})
	require.NotEmpty(t, resp.EntryID)

	seq, ok := resp.Result["sequence"].(uint64)
	require.True(t, ok)
	row := r.rowBySeq(t, seq)
	assert.Equal(t, string(contracts.EventCoaching), row.EventKind)
	assert.NotContains(t, string(row.Payload), "alice@example.com")
	assert.Contains(t, string(row.Payload), "[REDACTED:")
	require.NotNil(t, row.TrustAtAction)
	assert.InDelta(t, contracts.TrustInitial, *row.TrustAtAction, 1e-9)
}

func TestLogEventRejectsReservedAndUnknownKinds(t *testing.T) {
	r := newRig(t)

	for _, kind := range []string{string(contracts.EventGenesisAxiom), "MADE_UP_KIND"} {
		_, err := r.dispatch(t, r.agent.ID, contracts.OpLogEvent, map[string]any{
			"kind":       kind,
			"risk_grade": "L1",
			"payload":    map[string]any{},
		})
		require.Error(t, err, kind)
		assert.Equal(t, contracts.KindSchemaViolation, contracts.KindOf(err))
	}
}

func TestLogEventTamperReportAttributesOffender(t *testing.T) {
	r := newRig(t)

	resp := r.mustDispatch(t, r.enforcer.ID, contracts.OpLogEvent, map[string]any{
		"kind":       string(contracts.EventHashTampering),
		"risk_grade": "L2",
		"payload": map[string]any{
			"agent":  r.agent.ID,
			"detail": "trace hash mismatch at step 2",
		},
	})
	assert.Equal(t, r.agent.ID, resp.Result["agent"])

	seq, ok := resp.Result["sequence"].(uint64)
	require.True(t, ok)
	row := r.rowBySeq(t, seq)
	require.NotNil(t, row.AgentID)
	assert.Equal(t, r.agent.ID, *row.AgentID, "entry must be signed by the offender")

	// One report stays below the quarantine threshold.
	assert.Zero(t, r.countEvents(t, contracts.EventQuarantine))
}

func TestLogEventTamperReportRequiresKnownOffender(t *testing.T) {
	r := newRig(t)

	_, err := r.dispatch(t, r.enforcer.ID, contracts.OpLogEvent, map[string]any{
		"kind":       string(contracts.EventHashTampering),
		"risk_grade": "L2",
		"payload":    map[string]any{"agent": "qore:generator:000000000000"},
	})
	require.Error(t, err)
	assert.Equal(t, contracts.KindUnknownAgent, contracts.KindOf(err))
}

func TestArchiveFailureStoresVector(t *testing.T) {
	r := newRig(t)

	resp := r.mustDispatch(t, r.agent.ID, contracts.OpArchiveFailure, map[string]any{
		"input_vector": "eval(base64.b64decode(blob))",
		"context":      "rejected tool output",
		"rationale":    "static scan rejection",
	})
	assert.NotEmpty(t, resp.EntryID)
	assert.NotEmpty(t, resp.Result["failure_id"])
	assert.Equal(t, 1, r.countEvents(t, contracts.EventShadowArchive))
}

func TestApprovalRequestAndResolve(t *testing.T) {
	r := newRig(t)

	resp := r.mustDispatch(t, r.agent.ID, contracts.OpRequestOverseerApproval, map[string]any{
		"artifact_hash": "sha256:feed",
		"reason":        "deploy window change",
	})
	assert.Equal(t, "await_overseer", resp.NextAction)
	assert.Equal(t, 1, r.countEvents(t, contracts.EventL3ApprovalRequest))
	queueID, ok := resp.Result["queue_id"].(string)
	require.True(t, ok)
	require.NotEmpty(t, queueID)

	// Resolution is a human-only operation.
	_, err := r.dispatch(t, r.enforcer.ID, contracts.OpResolveOverseer, map[string]any{
		"queue_id": queueID,
		"approved": true,
	})
	require.Error(t, err)
	assert.Equal(t, contracts.KindRoleForbidden, contracts.KindOf(err))

	resolved := r.mustDispatch(t, r.human.ID, contracts.OpResolveOverseer, map[string]any{
		"queue_id": queueID,
		"approved": true,
		"notes":    "verified manually",
	})
	assert.Equal(t, store.ApprovalApproved, resolved.Result["state"])
	assert.Equal(t, r.agent.ID, resolved.Result["requester"])
	assert.Equal(t, 1, r.countEvents(t, contracts.EventL3Approved))
	assert.Equal(t, 1, r.countEvents(t, contracts.EventCommit))
	assert.Equal(t, 1, r.countEvents(t, contracts.EventReward))

	// High-risk reward moves the requester off the 0.5 floor.
	assert.InDelta(t, 0.53, r.agentRow(t, r.agent.ID).Trust, 1e-9)
}

func TestResolveOverseerRejectionPenalizesRequester(t *testing.T) {
	r := newRig(t)

	resp := r.mustDispatch(t, r.agent.ID, contracts.OpRequestOverseerApproval, map[string]any{
		"artifact_hash": "sha256:feed",
		"reason":        "schema migration",
	})
	queueID := resp.Result["queue_id"].(string)

	resolved := r.mustDispatch(t, r.human.ID, contracts.OpResolveOverseer, map[string]any{
		"queue_id": queueID,
		"approved": false,
		"notes":    "not convincing",
	})
	assert.Equal(t, store.ApprovalRejected, resolved.Result["state"])
	assert.Equal(t, 1, r.countEvents(t, contracts.EventL3Rejected))
	assert.Zero(t, r.countEvents(t, contracts.EventCommit))
	assert.Equal(t, 1, r.countEvents(t, contracts.EventPenalty))
	assert.InDelta(t, 0.47, r.agentRow(t, r.agent.ID).Trust, 1e-9)
}

func TestResolveOverseerUnknownQueueID(t *testing.T) {
	r := newRig(t)

	_, err := r.dispatch(t, r.human.ID, contracts.OpResolveOverseer, map[string]any{
		"queue_id": "q-does-not-exist",
		"approved": true,
	})
	require.Error(t, err)
	assert.Equal(t, contracts.KindSchemaViolation, contracts.KindOf(err))
}

func TestRegisterSourceDefaultsAndIdempotency(t *testing.T) {
	r := newRig(t)

	first := r.mustDispatch(t, r.agent.ID, contracts.OpRegisterSource, map[string]any{
		"url": "HTTPS://Docs.Example.com:443/guide",
	})
	assert.Equal(t, string(contracts.TierCommunity), first.Result["tier"])
	assert.Equal(t, contracts.InitialSCI(contracts.TierCommunity), first.Result["sci"])
	assert.Equal(t, true, first.Result["probation"])
	assert.Equal(t, 5, first.Result["required"])
	assert.Equal(t, true, first.Result["registered"])

	// A different spelling of the same endpoint returns the standing record.
	second := r.mustDispatch(t, r.agent.ID, contracts.OpRegisterSource, map[string]any{
		"url": "https://docs.example.com/guide#intro",
	})
	assert.Equal(t, false, second.Result["registered"])
	assert.Equal(t, first.Result["url"], second.Result["url"])
}

func TestRegisterSourceTierOverridePrivileged(t *testing.T) {
	r := newRig(t)

	_, err := r.dispatch(t, r.agent.ID, contracts.OpRegisterSource, map[string]any{
		"url":           "https://journal.example.org/papers",
		"tier_override": string(contracts.TierGold),
	})
	require.Error(t, err)
	assert.Equal(t, contracts.KindRoleForbidden, contracts.KindOf(err))

	resp := r.mustDispatch(t, r.human.ID, contracts.OpRegisterSource, map[string]any{
		"url":           "https://journal.example.org/papers",
		"tier_override": string(contracts.TierGold),
	})
	assert.Equal(t, string(contracts.TierGold), resp.Result["tier"])
	assert.Equal(t, contracts.InitialSCI(contracts.TierGold), resp.Result["sci"])
	assert.Equal(t, 3, resp.Result["required"])
}

func TestSourceVerificationMovesSCI(t *testing.T) {
	r := newRig(t)

	r.mustDispatch(t, r.agent.ID, contracts.OpRegisterSource, map[string]any{
		"url": "https://docs.example.com/guide",
	})
	resp := r.mustDispatch(t, r.agent.ID, contracts.OpUpdateSourceVerification, map[string]any{
		"url":     "https://docs.example.com/guide",
		"success": true,
	})
	assert.Equal(t, 45, resp.Result["sci_before"])
	assert.Equal(t, 56, resp.Result["sci_after"])
	assert.Equal(t, string(contracts.SCIActionEscalate), resp.Result["action"])
	assert.Equal(t, true, resp.Result["probation"])
}

func TestSourceVerificationUnknownURL(t *testing.T) {
	r := newRig(t)

	_, err := r.dispatch(t, r.agent.ID, contracts.OpUpdateSourceVerification, map[string]any{
		"url":     "https://never-registered.example.com",
		"success": true,
	})
	require.Error(t, err)
	assert.Equal(t, contracts.KindSchemaViolation, contracts.KindOf(err))
}

func TestUpdateAgentTrustSettlesOutcome(t *testing.T) {
	r := newRig(t)

	resp := r.mustDispatch(t, r.enforcer.ID, contracts.OpUpdateAgentTrust, map[string]any{
		"agent":     r.agent.ID,
		"success":   false,
		"high_risk": true,
		"context":   "external verifier rejected the artifact",
	})
	assert.InDelta(t, 0.5, resp.Result["trust_before"].(float64), 1e-9)
	assert.InDelta(t, 0.47, resp.Result["trust_after"].(float64), 1e-9)
	assert.Equal(t, string(contracts.StageCBT), resp.Result["stage"])
	assert.NotEmpty(t, resp.EntryID)
	assert.Equal(t, 1, r.countEvents(t, contracts.EventPenalty))
}

func TestUpdateAgentTrustUnknownTarget(t *testing.T) {
	r := newRig(t)

	_, err := r.dispatch(t, r.enforcer.ID, contracts.OpUpdateAgentTrust, map[string]any{
		"agent":   "qore:generator:000000000000",
		"success": true,
	})
	require.Error(t, err)
	assert.Equal(t, contracts.KindUnknownAgent, contracts.KindOf(err))
}

func TestMicroPenaltyCalibrationAggregatesDaily(t *testing.T) {
	r := newRig(t)

	first := r.mustDispatch(t, r.enforcer.ID, contracts.OpApplyMicroPenalty, map[string]any{
		"agent": r.agent.ID,
		"kind":  "calibration_drift",
	})
	assert.Equal(t, true, first.Result["applied"])
	assert.InDelta(t, 0.98, first.Result["influence_after"].(float64), 1e-9)

	second := r.mustDispatch(t, r.enforcer.ID, contracts.OpApplyMicroPenalty, map[string]any{
		"agent": r.agent.ID,
		"kind":  "calibration_drift",
	})
	assert.Equal(t, false, second.Result["applied"])
	assert.Equal(t, "daily aggregate", second.Result["reason"])
	assert.Equal(t, 1, r.countEvents(t, contracts.EventMicroPenalty))

	// A new UTC day reopens the aggregate.
	*r.now = r.now.Add(24 * time.Hour)
	third := r.mustDispatch(t, r.enforcer.ID, contracts.OpApplyMicroPenalty, map[string]any{
		"agent": r.agent.ID,
		"kind":  "calibration_drift",
	})
	assert.Equal(t, true, third.Result["applied"])
}

func TestStartQuarantineHonestError(t *testing.T) {
	r := newRig(t)

	resp := r.mustDispatch(t, r.enforcer.ID, contracts.OpStartQuarantine, map[string]any{
		"agent":  r.agent.ID,
		"track":  string(contracts.TrackHonestError),
		"reason": "five identity errors in an hour",
	})
	assert.Equal(t, r.agent.ID, resp.Result["agent"])
	assert.Equal(t, string(contracts.TrackHonestError), resp.Result["track"])
	assert.Equal(t, 1, r.countEvents(t, contracts.EventQuarantine))
	assert.Equal(t, 1, r.countEvents(t, contracts.EventCoolingOffStart))

	releaseAt, err := time.Parse(time.RFC3339Nano, resp.Result["release_at"].(string))
	require.NoError(t, err)
	assert.Equal(t, r.now.Add(24*time.Hour), releaseAt)

	// Honest error leaves influence alone.
	assert.InDelta(t, 1.0, r.agentRow(t, r.agent.ID).Influence, 1e-9)
}

func TestRequestDeferralWindowByCategory(t *testing.T) {
	r := newRig(t)

	resp := r.mustDispatch(t, r.agent.ID, contracts.OpRequestDeferral, map[string]any{
		"artifact_hash": "sha256:cafe",
		"category":      string(contracts.DeferralMedical),
		"reason":        "clinician review pending",
	})
	assert.NotEmpty(t, resp.Result["deferral_id"])
	deadline, err := time.Parse(time.RFC3339Nano, resp.Result["deadline"].(string))
	require.NoError(t, err)
	assert.Equal(t, r.now.Add(24*time.Hour), deadline)
}

func TestSetModeReportsBlockedGrades(t *testing.T) {
	r := newRig(t)

	resp := r.mustDispatch(t, r.human.ID, contracts.OpSetMode, map[string]any{
		"mode":   string(contracts.ModeSurge),
		"reason": "load test",
	})
	assert.Equal(t, []string{"L1"}, resp.Result["blocked_grades"])
	assert.Equal(t, contracts.ModeSurge, r.currentMode(t))

	resp = r.mustDispatch(t, r.human.ID, contracts.OpSetMode, map[string]any{
		"mode":   string(contracts.ModeSafe),
		"reason": "incident drill",
	})
	assert.Equal(t, []string{"L1", "L2", "L3"}, resp.Result["blocked_grades"])
}

func TestClaimRegisterAndLazyBreach(t *testing.T) {
	r := newRig(t)

	reg := r.mustDispatch(t, r.agent.ID, contracts.OpRegisterClaimWithTTL, map[string]any{
		"content": "ACME's CEO is Jane Smith",
		"class":   string(contracts.Volatile24h),
	})
	claimID, ok := reg.Result["claim_id"].(string)
	require.True(t, ok)
	expires, err := time.Parse(time.RFC3339Nano, reg.Result["expires_at"].(string))
	require.NoError(t, err)
	assert.Equal(t, r.now.Add(24*time.Hour), expires)

	fresh := r.mustDispatch(t, r.agent.ID, contracts.OpCheckClaimValidity, map[string]any{
		"claim_id": claimID,
	})
	assert.Equal(t, "FRESH", fresh.Result["freshness"])
	assert.Empty(t, fresh.Warnings)

	// First check past expiry is authoritative: it marks and breaches.
	*r.now = r.now.Add(25 * time.Hour)
	stale := r.mustDispatch(t, r.agent.ID, contracts.OpCheckClaimValidity, map[string]any{
		"claim_id": claimID,
	})
	assert.Equal(t, "STALE", stale.Result["freshness"])
	assert.Contains(t, stale.Warnings, contracts.WarnStaleClaim)
	assert.NotEmpty(t, stale.EntryID)
	assert.Equal(t, 1, r.countEvents(t, contracts.EventTTLBreach))

	// Later checks report staleness without a second breach entry.
	again := r.mustDispatch(t, r.agent.ID, contracts.OpCheckClaimValidity, map[string]any{
		"claim_id": claimID,
	})
	assert.Contains(t, again.Warnings, contracts.WarnStaleClaim)
	assert.Empty(t, again.EntryID)
	assert.Equal(t, 1, r.countEvents(t, contracts.EventTTLBreach))
}

func TestCheckClaimUnknownID(t *testing.T) {
	r := newRig(t)

	_, err := r.dispatch(t, r.agent.ID, contracts.OpCheckClaimValidity, map[string]any{
		"claim_id": "claim-missing",
	})
	require.Error(t, err)
	assert.Equal(t, contracts.KindSchemaViolation, contracts.KindOf(err))
}
