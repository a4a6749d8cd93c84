package trust

import (
	"context"
	"log/slog"
	"time"

	"github.com/MythologIQ/qorelogic/pkg/contracts"
	"github.com/MythologIQ/qorelogic/pkg/store"
)

// EWMA smoothing factors. High-risk contexts react faster to new evidence.
const (
	lambdaDefault  = 0.97
	lambdaHighRisk = 0.94
)

// Outcome is one verification result feeding an agent's EWMA.
type Outcome struct {
	// Success is the binary verification verdict.
	Success bool
	// HighRisk marks L3 or security-labeled work, selecting the faster
	// smoothing factor.
	HighRisk bool
	// Context is recorded verbatim in the reputation log.
	Context string
}

func (o Outcome) value() float64 {
	if o.Success {
		return 1.0
	}
	return 0.0
}

func (o Outcome) lambda() float64 {
	if o.HighRisk {
		return lambdaHighRisk
	}
	return lambdaDefault
}

// RecordAgentOutcome applies one EWMA update: trust moves toward the outcome,
// the stage is rederived, and probation counters advance. During an active
// cooling-off window positive updates are suppressed; failures always land.
func (e *Engine) RecordAgentOutcome(ctx context.Context, tx *store.Tx, agentID string, o Outcome) (*AgentUpdate, error) {
	unlock := e.lockAgent(agentID)
	defer unlock()

	a, err := tx.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	now := e.clock().UTC()
	u := &AgentUpdate{
		AgentID:         agentID,
		TrustBefore:     a.Trust,
		TrustAfter:      a.Trust,
		StageBefore:     a.Stage,
		StageAfter:      a.Stage,
		InfluenceBefore: a.Influence,
		InfluenceAfter:  a.Influence,
	}

	if coolingOffActive(a, now) && o.value() >= 0.5 {
		u.Blocked = true
		u.Probation = a.Probation
		outcome := o.value()
		if err := e.appendReputation(ctx, tx, "ewma", u, &outcome, "blocked: cooling-off window"); err != nil {
			return nil, err
		}
		return u, nil
	}

	lambda := o.lambda()
	u.TrustAfter = clampTrust(lambda*a.Trust + (1-lambda)*o.value())
	u.StageAfter = contracts.StageFor(u.TrustAfter)
	u.Demoted = stageRank(u.StageAfter) < stageRank(u.StageBefore)

	if !o.Success {
		a.CleanAuditStreak = 0
		if err := tx.UpdateAgentStreak(ctx, agentID, 0); err != nil {
			return nil, err
		}
	}

	if a.Probation {
		if o.Success {
			a.ProbationSuccesses++
		}
		expired := now.Sub(a.ProbationStartedAt) >= probationWindow
		if a.ProbationSuccesses >= contracts.ProbationVerifications || expired {
			a.Probation = false
			u.ProbationEnded = true
		}
		if err := tx.UpdateAgentProbation(ctx, agentID, a.Probation, a.ProbationSuccesses); err != nil {
			return nil, err
		}
	}
	u.Probation = a.Probation

	u.InfluenceAfter = clampInfluence(a.Influence, a.Probation)
	if err := tx.UpdateAgentScores(ctx, agentID, u.TrustAfter, u.StageAfter, u.InfluenceAfter); err != nil {
		return nil, err
	}
	outcome := o.value()
	if err := e.appendReputation(ctx, tx, "ewma", u, &outcome, o.Context); err != nil {
		return nil, err
	}
	return u, nil
}

// ApplyViolation demotes the agent at least one stage immediately by clamping
// trust to the lower stage's ceiling, regardless of what the EWMA would say.
// The clean-audit streak resets.
func (e *Engine) ApplyViolation(ctx context.Context, tx *store.Tx, agentID, reason string) (*AgentUpdate, error) {
	unlock := e.lockAgent(agentID)
	defer unlock()

	a, err := tx.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	u := &AgentUpdate{
		AgentID:         agentID,
		TrustBefore:     a.Trust,
		StageBefore:     a.Stage,
		InfluenceBefore: a.Influence,
		InfluenceAfter:  a.Influence,
		Probation:       a.Probation,
	}
	ceiling := contracts.DemotionCeiling(a.Stage)
	u.TrustAfter = a.Trust
	if u.TrustAfter > ceiling {
		u.TrustAfter = ceiling
	}
	u.StageAfter = contracts.StageFor(u.TrustAfter)
	u.Demoted = stageRank(u.StageAfter) < stageRank(u.StageBefore) || u.TrustAfter < u.TrustBefore

	if err := tx.UpdateAgentStreak(ctx, agentID, 0); err != nil {
		return nil, err
	}
	if err := tx.UpdateAgentScores(ctx, agentID, u.TrustAfter, u.StageAfter, u.InfluenceAfter); err != nil {
		return nil, err
	}
	if err := e.appendReputation(ctx, tx, "demotion", u, nil, reason); err != nil {
		return nil, err
	}
	e.logger.Warn("trust: violation demotion",
		slog.String("agent", agentID),
		slog.String("stage_before", string(u.StageBefore)),
		slog.String("stage_after", string(u.StageAfter)),
		slog.String("reason", reason))
	return u, nil
}

// IdentityErrorThreshold triggers the honest-error track when this many
// identity failures land inside IdentityErrorWindow.
const (
	IdentityErrorThreshold = 3
	IdentityErrorWindow    = time.Hour
)

// NoteIdentityError counts repeated unwrap/signature failures; crossing the
// threshold inside the window reports true so the caller can start the
// honest-error quarantine track.
func (e *Engine) NoteIdentityError(ctx context.Context, tx *store.Tx, agentID string) (bool, error) {
	unlock := e.lockAgent(agentID)
	defer unlock()

	a, err := tx.GetAgent(ctx, agentID)
	if err != nil {
		return false, err
	}
	now := e.clock().UTC()
	count := a.IdentityErrorCount + 1
	since := a.IdentityErrorSince
	if since == nil || now.Sub(*since) > IdentityErrorWindow {
		count = 1
		since = &now
	}
	if count >= IdentityErrorThreshold {
		if err := tx.UpdateAgentIdentityErrors(ctx, agentID, 0, nil); err != nil {
			return false, err
		}
		return true, nil
	}
	if err := tx.UpdateAgentIdentityErrors(ctx, agentID, count, since.Format(time.RFC3339Nano)); err != nil {
		return false, err
	}
	return false, nil
}
