package trust

import (
	"context"
	"time"

	"github.com/MythologIQ/qorelogic/pkg/contracts"
	"github.com/MythologIQ/qorelogic/pkg/ledger"
	"github.com/MythologIQ/qorelogic/pkg/store"
)

// Infraction names a minor, mechanically detectable slip. Each carries a
// small influence-weight penalty; none of them is a violation on its own.
type Infraction string

const (
	InfractionSchema           Infraction = "schema_violation"
	InfractionAPIMisuse        Infraction = "api_misuse"
	InfractionStaleCitation    Infraction = "stale_citation"
	InfractionCalibrationDrift Infraction = "calibration_drift"
)

// Delta is the influence-weight penalty for the infraction.
func (i Infraction) Delta() float64 {
	switch i {
	case InfractionStaleCitation:
		return 0.01
	case InfractionCalibrationDrift:
		return 0.02
	default:
		return 0.005
	}
}

// Valid reports whether the infraction is recognized.
func (i Infraction) Valid() bool {
	switch i {
	case InfractionSchema, InfractionAPIMisuse, InfractionStaleCitation, InfractionCalibrationDrift:
		return true
	}
	return false
}

// ApplyMicroPenalty docks the agent's influence weight by the infraction's
// delta and appends its MICRO_PENALTY ledger event. Calibration drift
// aggregates daily: a second application on the same UTC day is a no-op
// returning nil. The caller must hold the store append lock.
func (e *Engine) ApplyMicroPenalty(ctx context.Context, tx *store.Tx, agentID string, infraction Infraction) (*AgentUpdate, error) {
	if !infraction.Valid() {
		return nil, contracts.NewError(contracts.KindAuditFail, "unknown infraction %q", infraction)
	}
	actor, err := e.requireActor()
	if err != nil {
		return nil, err
	}
	unlock := e.lockAgent(agentID)
	defer unlock()

	a, err := tx.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	now := e.clock().UTC()
	day := now.Format("2006-01-02")
	if infraction == InfractionCalibrationDrift {
		if a.LastCalibrationDay == day {
			return nil, nil
		}
		if err := tx.UpdateAgentCalibrationDay(ctx, agentID, day); err != nil {
			return nil, err
		}
	}

	u := &AgentUpdate{
		AgentID:         agentID,
		TrustBefore:     a.Trust,
		TrustAfter:      a.Trust,
		StageBefore:     a.Stage,
		StageAfter:      a.Stage,
		InfluenceBefore: a.Influence,
		Probation:       a.Probation,
	}
	u.InfluenceAfter = clampInfluence(a.Influence-infraction.Delta(), a.Probation)

	if err := tx.UpdateAgentScores(ctx, agentID, a.Trust, a.Stage, u.InfluenceAfter); err != nil {
		return nil, err
	}
	if err := e.appendReputation(ctx, tx, "micro_penalty", u, nil, string(infraction)); err != nil {
		return nil, err
	}
	if _, err := e.ledger.Append(ctx, tx, ledger.Draft{
		Agent: actor,
		Kind:  contracts.EventMicroPenalty,
		Payload: map[string]any{
			"agent":            agentID,
			"infraction":       string(infraction),
			"delta":            infraction.Delta(),
			"influence_before": u.InfluenceBefore,
			"influence_after":  u.InfluenceAfter,
		},
	}); err != nil {
		return nil, err
	}
	return u, nil
}

// DockInfluence applies a one-off influence reduction outside the micro
// penalty schedule, clamped to the floor. Manipulation quarantine docks 0.25
// this way.
func (e *Engine) DockInfluence(ctx context.Context, tx *store.Tx, agentID string, delta float64, reason string) (*AgentUpdate, error) {
	unlock := e.lockAgent(agentID)
	defer unlock()

	a, err := tx.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	u := &AgentUpdate{
		AgentID:         agentID,
		TrustBefore:     a.Trust,
		TrustAfter:      a.Trust,
		StageBefore:     a.Stage,
		StageAfter:      a.Stage,
		InfluenceBefore: a.Influence,
		Probation:       a.Probation,
	}
	u.InfluenceAfter = clampInfluence(a.Influence-delta, a.Probation)
	if err := tx.UpdateAgentScores(ctx, agentID, a.Trust, a.Stage, u.InfluenceAfter); err != nil {
		return nil, err
	}
	if err := e.appendReputation(ctx, tx, "penalty", u, nil, reason); err != nil {
		return nil, err
	}
	return u, nil
}

// Recovery rates per clean audit, by the track being repaired.
const (
	recoveryMicro       = 0.005
	recoveryHonest      = 0.01
	recoveryManipStreak = 3
)

// RecordCleanAudit advances the agent's consecutive clean-audit streak and
// applies the influence recovery its track allows: +0.5% baseline, +1% on the
// honest-error track once the window has passed, +0.5% on the manipulation
// track once the window has passed and the streak reaches three. The track
// clears when influence climbs back to its initial weight.
func (e *Engine) RecordCleanAudit(ctx context.Context, tx *store.Tx, agentID string) (*AgentUpdate, error) {
	unlock := e.lockAgent(agentID)
	defer unlock()

	a, err := tx.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	now := e.clock().UTC()
	a.CleanAuditStreak++
	if err := tx.UpdateAgentStreak(ctx, agentID, a.CleanAuditStreak); err != nil {
		return nil, err
	}

	u := &AgentUpdate{
		AgentID:         agentID,
		TrustBefore:     a.Trust,
		TrustAfter:      a.Trust,
		StageBefore:     a.Stage,
		StageAfter:      a.Stage,
		InfluenceBefore: a.Influence,
		InfluenceAfter:  a.Influence,
		Probation:       a.Probation,
	}

	rate := e.recoveryRate(a, now)
	if rate == 0 {
		return u, nil
	}
	u.InfluenceAfter = clampInfluence(a.Influence*(1+rate), a.Probation)
	if u.InfluenceAfter == u.InfluenceBefore {
		return u, nil
	}
	if err := tx.UpdateAgentScores(ctx, agentID, a.Trust, a.Stage, u.InfluenceAfter); err != nil {
		return nil, err
	}
	if a.CoolingOffTrack != "" && u.InfluenceAfter >= contracts.InfluenceInit {
		if err := tx.UpdateAgentCoolingOff(ctx, agentID, "", nil); err != nil {
			return nil, err
		}
	}
	if err := e.appendReputation(ctx, tx, "recovery", u, nil, a.CoolingOffTrack); err != nil {
		return nil, err
	}
	return u, nil
}

// recoveryRate decides how fast a clean audit repairs influence. The agent's
// streak already includes the audit being recorded.
func (e *Engine) recoveryRate(a *contracts.Agent, now time.Time) float64 {
	switch contracts.QuarantineTrack(a.CoolingOffTrack) {
	case contracts.TrackManipulation:
		if coolingOffActive(a, now) || a.CleanAuditStreak < recoveryManipStreak {
			return 0
		}
		return recoveryMicro
	case contracts.TrackHonestError:
		if coolingOffActive(a, now) {
			return 0
		}
		return recoveryHonest
	default:
		return recoveryMicro
	}
}
