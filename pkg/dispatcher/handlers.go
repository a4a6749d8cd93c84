package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/MythologIQ/qorelogic/pkg/contracts"
	"github.com/MythologIQ/qorelogic/pkg/evidence"
	"github.com/MythologIQ/qorelogic/pkg/ledger"
	"github.com/MythologIQ/qorelogic/pkg/modectl"
	"github.com/MythologIQ/qorelogic/pkg/sentinel"
	"github.com/MythologIQ/qorelogic/pkg/store"
	"github.com/MythologIQ/qorelogic/pkg/trust"
	"github.com/MythologIQ/qorelogic/pkg/ttl"
)

// decode fills the typed input from the raw payload. The payload already
// passed schema validation, so a failure here is a malformed JSON document.
func decode(c *call, v any) error {
	if err := json.Unmarshal(c.raw, v); err != nil {
		return contracts.WrapError(contracts.KindSchemaViolation, err,
			"operation %s: payload decode", c.op)
	}
	return nil
}

// handleLogEvent appends a caller-observed event to the ledger. Tamper
// reports naming another agent route through offender attribution so the
// repeat-offense counter keys on the offender, not the reporter.
func handleLogEvent(ctx context.Context, e *Engine, tx *store.Tx, c *call) error {
	var in LogEventInput
	if err := decode(c, &in); err != nil {
		return err
	}
	kind := contracts.EventKind(in.Kind)
	if !kind.Valid() || kind == contracts.EventGenesisAxiom {
		return contracts.NewError(contracts.KindSchemaViolation,
			"operation %s: event kind %q not accepted", c.op, in.Kind)
	}

	if kind == contracts.EventHashTampering {
		offender, _ := in.Payload["agent"].(string)
		if offender == "" {
			offender = c.agent.ID
		}
		if _, err := tx.GetAgent(ctx, offender); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return contracts.NewError(contracts.KindUnknownAgent,
					"tamper report names unregistered agent %s", offender)
			}
			return err
		}
		detail, _ := in.Payload["detail"].(string)
		row, err := e.recordTampering(ctx, tx, offender, detail)
		if err != nil {
			return err
		}
		c.resp.EntryID = row.EntryID
		c.resp.Result = map[string]any{
			"sequence": row.Sequence,
			"agent":    offender,
		}
		return nil
	}

	row, err := e.ledger.Append(ctx, tx, ledger.Draft{
		Agent:         c.agent.ID,
		Kind:          kind,
		RiskGrade:     c.grade,
		Payload:       sentinel.RedactValue(in.Payload),
		VerifyMethod:  in.VerifyMethod,
		VerifyResult:  in.VerifyResult,
		ModelVersion:  in.ModelVersion,
		TrustAtAction: &c.agent.Trust,
	})
	if err != nil {
		return err
	}
	c.resp.EntryID = row.EntryID
	c.resp.Result = map[string]any{"sequence": row.Sequence}
	return nil
}

// handleArchiveFailure stores a failed input vector in the evidence CAS and
// appends the SHADOW_ARCHIVE entry. The content hash doubles as the failure
// store id.
func handleArchiveFailure(ctx context.Context, e *Engine, tx *store.Tx, c *call) error {
	var in ArchiveFailureInput
	if err := decode(c, &in); err != nil {
		return err
	}
	mode := in.Mode
	if mode == "" {
		mode = string(c.mode)
	}
	addr, err := e.archive.ArchiveFailure(ctx, tx, evidence.Failure{
		AgentID:     c.agent.ID,
		InputVector: in.InputVector,
		Mode:        mode,
		Context:     sentinel.Redact(in.Context),
		Rationale:   sentinel.Redact(in.Rationale),
	})
	if err != nil {
		return err
	}
	row, err := tx.LastLedgerRow(ctx)
	if err != nil {
		return err
	}
	c.resp.EntryID = row.EntryID
	c.resp.Result = map[string]any{"failure_id": addr}
	return nil
}

// handleRequestApproval enqueues an artifact for Overseer review. The row
// carries the human 24h deadline; the caller is told to wait, not blocked.
func handleRequestApproval(ctx context.Context, e *Engine, tx *store.Tx, c *call) error {
	var in RequestApprovalInput
	if err := decode(c, &in); err != nil {
		return err
	}
	req, err := e.approvals.Create(ctx, tx, in.ArtifactHash, sentinel.Redact(in.Reason), c.agent.ID)
	if err != nil {
		return err
	}
	row, err := tx.LastLedgerRow(ctx)
	if err != nil {
		return err
	}
	c.resp.EntryID = row.EntryID
	c.resp.NextAction = "await_overseer"
	c.resp.Result = map[string]any{
		"queue_id": req.QueueID,
		"deadline": req.Deadline.Format(time.RFC3339Nano),
	}
	return nil
}

// handleResolveOverseer settles a pending approval. Approval commits the
// artifact and rewards the requester; rejection penalizes. Both verdicts
// land on the requester's reputation at L3 weight.
func handleResolveOverseer(ctx context.Context, e *Engine, tx *store.Tx, c *call) error {
	var in ResolveOverseerInput
	if err := decode(c, &in); err != nil {
		return err
	}
	req, err := e.approvals.Resolve(ctx, tx, in.QueueID, in.Approved, sentinel.Redact(in.Notes), c.agent.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return contracts.NewError(contracts.KindSchemaViolation,
				"queue id %s not found", in.QueueID)
		}
		return err
	}

	if in.Approved {
		commit, cerr := e.ledger.Append(ctx, tx, ledger.Draft{
			Agent:     c.agent.ID,
			Kind:      contracts.EventCommit,
			RiskGrade: contracts.RiskL3,
			Payload: map[string]any{
				"queue_id":      req.QueueID,
				"artifact_hash": req.ArtifactHash,
			},
		})
		if cerr != nil {
			return cerr
		}
		c.resp.EntryID = commit.EntryID
	} else if row, rerr := tx.LastLedgerRow(ctx); rerr == nil {
		c.resp.EntryID = row.EntryID
	}

	u, err := e.settleOutcome(ctx, tx, req.Requester, trust.Outcome{
		Success:  in.Approved,
		HighRisk: true,
		Context:  "overseer resolution for " + req.QueueID,
	})
	if err != nil {
		return err
	}
	annotateUpdate(c.resp, u)

	c.resp.Result = map[string]any{
		"queue_id":      req.QueueID,
		"state":         req.State,
		"artifact_hash": req.ArtifactHash,
		"requester":     req.Requester,
	}
	if req.ResolvedAt != nil {
		c.resp.Result["resolved_at"] = req.ResolvedAt.Format(time.RFC3339Nano)
	}
	return nil
}

// handleRegisterSource creates the credibility record for an endpoint.
// Re-registering an existing URL returns the standing record unchanged, and
// a tier override is honored only for enforcer or human callers.
func handleRegisterSource(ctx context.Context, e *Engine, tx *store.Tx, c *call) error {
	var in RegisterSourceInput
	if err := decode(c, &in); err != nil {
		return err
	}
	if in.TierOverride != "" &&
		c.agent.Role != contracts.RoleEnforcer && c.agent.Role != contracts.RoleHuman {
		return contracts.NewError(contracts.KindRoleForbidden,
			"tier override requires enforcer or human, agent %s holds %s",
			c.agent.ID, c.agent.Role)
	}

	canonicalURL, err := trust.CanonicalURL(in.URL)
	if err != nil {
		return contracts.WrapError(contracts.KindSchemaViolation, err,
			"operation %s: url rejected", c.op)
	}
	if existing, gerr := tx.GetSource(ctx, canonicalURL); gerr == nil {
		c.resp.Result = sourceResult(existing, false)
		return nil
	} else if !errors.Is(gerr, store.ErrNotFound) {
		return gerr
	}

	src, err := e.trust.RegisterSource(ctx, tx, in.URL, contracts.SourceTier(in.TierOverride))
	if err != nil {
		return err
	}
	c.resp.Result = sourceResult(src, true)
	return nil
}

func sourceResult(s *contracts.Source, registered bool) map[string]any {
	return map[string]any{
		"url":        s.URL,
		"tier":       string(s.Tier),
		"sci":        s.SCI,
		"probation":  s.Probation,
		"required":   contracts.ProbationVerificationsFor(s.Tier),
		"registered": registered,
	}
}

// handleSourceVerification feeds one verification outcome into an endpoint's
// credibility score.
func handleSourceVerification(ctx context.Context, e *Engine, tx *store.Tx, c *call) error {
	var in SourceVerificationInput
	if err := decode(c, &in); err != nil {
		return err
	}
	u, err := e.trust.SourceOutcome(ctx, tx, in.URL, in.Success)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return contracts.NewError(contracts.KindSchemaViolation,
				"source %s is not registered", in.URL)
		}
		return err
	}
	c.resp.Result = map[string]any{
		"url":        u.URL,
		"sci_before": u.SCIBefore,
		"sci_after":  u.SCIAfter,
		"action":     string(u.Action),
		"probation":  u.Probation,
	}
	if u.ProbationEnded {
		c.resp.Result["probation_ended"] = true
	}
	return nil
}

// handleAgentTrust records an externally observed verification outcome for a
// target agent. Restricted to enforcer and human callers so workers cannot
// farm their own reputation.
func handleAgentTrust(ctx context.Context, e *Engine, tx *store.Tx, c *call) error {
	var in AgentTrustInput
	if err := decode(c, &in); err != nil {
		return err
	}
	u, err := e.settleOutcome(ctx, tx, in.Agent, trust.Outcome{
		Success:  in.Success,
		HighRisk: in.HighRisk,
		Context:  in.Context,
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return contracts.NewError(contracts.KindUnknownAgent,
				"agent %s is not registered", in.Agent)
		}
		return err
	}
	annotateUpdate(c.resp, u)
	if row, rerr := tx.LastLedgerRow(ctx); rerr == nil {
		c.resp.EntryID = row.EntryID
	}
	c.resp.Result = trustResult(u)
	return nil
}

func trustResult(u *trust.AgentUpdate) map[string]any {
	out := map[string]any{
		"agent":        u.AgentID,
		"trust_before": u.TrustBefore,
		"trust_after":  u.TrustAfter,
		"stage":        string(u.StageAfter),
		"influence":    u.InfluenceAfter,
	}
	if u.Blocked {
		out["suppressed"] = true
	}
	return out
}

// handleMicroPenalty applies one graded infraction to the target's influence
// weight. Calibration drift aggregates daily, so a same-day repeat is a
// no-op reported as such.
func handleMicroPenalty(ctx context.Context, e *Engine, tx *store.Tx, c *call) error {
	var in MicroPenaltyInput
	if err := decode(c, &in); err != nil {
		return err
	}
	u, err := e.trust.ApplyMicroPenalty(ctx, tx, in.Agent, trust.Infraction(in.Kind))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return contracts.NewError(contracts.KindUnknownAgent,
				"agent %s is not registered", in.Agent)
		}
		return err
	}
	if u == nil {
		c.resp.Result = map[string]any{"applied": false, "reason": "daily aggregate"}
		return nil
	}
	annotateUpdate(c.resp, u)
	if row, rerr := tx.LastLedgerRow(ctx); rerr == nil {
		c.resp.EntryID = row.EntryID
	}
	c.resp.Result = map[string]any{
		"applied":          true,
		"agent":            u.AgentID,
		"influence_before": u.InfluenceBefore,
		"influence_after":  u.InfluenceAfter,
	}
	e.obs.RecordPenalty(ctx, in.Kind)
	return nil
}

// handleStartQuarantine opens a block window on the target plus the matching
// cooling-off period.
func handleStartQuarantine(ctx context.Context, e *Engine, tx *store.Tx, c *call) error {
	var in StartQuarantineInput
	if err := decode(c, &in); err != nil {
		return err
	}
	if _, err := tx.GetAgent(ctx, in.Agent); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return contracts.NewError(contracts.KindUnknownAgent,
				"agent %s is not registered", in.Agent)
		}
		return err
	}
	rec, err := e.beginQuarantine(ctx, tx, in.Agent,
		contracts.QuarantineTrack(in.Track), sentinel.Redact(in.Reason))
	if err != nil {
		return err
	}
	if row, rerr := tx.LastLedgerRow(ctx); rerr == nil {
		c.resp.EntryID = row.EntryID
	}
	c.resp.Result = map[string]any{
		"quarantine_id": rec.ID,
		"agent":         rec.AgentID,
		"track":         rec.Track,
		"release_at":    rec.ReleaseAt.Format(time.RFC3339Nano),
	}
	return nil
}

// handleRequestDeferral opens a bounded disclosure delay for a sensitive
// finding. The category decides the ceiling; expiry forces disclosure.
func handleRequestDeferral(ctx context.Context, e *Engine, tx *store.Tx, c *call) error {
	var in RequestDeferralInput
	if err := decode(c, &in); err != nil {
		return err
	}
	rec, err := e.warden.RequestDeferral(ctx, tx, in.ArtifactHash,
		contracts.DeferralCategory(in.Category), sentinel.Redact(in.Reason))
	if err != nil {
		return err
	}
	if row, rerr := tx.LastLedgerRow(ctx); rerr == nil {
		c.resp.EntryID = row.EntryID
	}
	c.resp.Result = map[string]any{
		"deferral_id":   rec.ID,
		"artifact_hash": rec.ArtifactHash,
		"category":      rec.Category,
		"deadline":      rec.Deadline.Format(time.RFC3339Nano),
	}
	return nil
}

// handleSetMode transitions the system mode. The L3 grading means SAFE can
// only be exited by a human or enforcer once the mode gate itself clears,
// which is exactly the manual-clearance rule.
func handleSetMode(ctx context.Context, e *Engine, tx *store.Tx, c *call) error {
	var in SetModeInput
	if err := decode(c, &in); err != nil {
		return err
	}
	mode := contracts.Mode(in.Mode)
	if err := e.modes.SetMode(ctx, tx, mode, sentinel.Redact(in.Reason), c.agent.ID, in.Pin); err != nil {
		return err
	}
	if row, rerr := tx.LastLedgerRow(ctx); rerr == nil {
		c.resp.EntryID = row.EntryID
	}
	c.resp.Result = map[string]any{
		"mode":           string(mode),
		"pinned":         in.Pin,
		"blocked_grades": blockedGrades(mode),
	}
	return nil
}

// blockedGrades probes the mode gate for a machine caller so the response
// states the effective policy instead of making clients re-derive it.
func blockedGrades(mode contracts.Mode) []string {
	var out []string
	for _, g := range []contracts.RiskGrade{contracts.RiskL1, contracts.RiskL2, contracts.RiskL3} {
		if err := modectl.Gate(mode, g, contracts.RoleGenerator); err != nil {
			out = append(out, string(g))
		}
	}
	return out
}

// handleRegisterClaim records a time-sensitive claim with the expiry of its
// volatility class.
func handleRegisterClaim(ctx context.Context, e *Engine, tx *store.Tx, c *call) error {
	var in RegisterClaimInput
	if err := decode(c, &in); err != nil {
		return err
	}
	rec, err := e.claims.Register(ctx, tx, in.Content,
		contracts.VolatilityClass(in.Class), in.SourceURL)
	if err != nil {
		return err
	}
	c.resp.Result = map[string]any{
		"claim_id":     rec.ClaimID,
		"content_hash": rec.ContentHash,
		"class":        rec.Class,
		"expires_at":   rec.ExpiresAt.Format(time.RFC3339Nano),
	}
	return nil
}

// handleCheckClaim reports a claim's freshness. The lazy check is
// authoritative: a claim found expired here is marked stale and breached
// immediately rather than waiting for the sweeper.
func handleCheckClaim(ctx context.Context, e *Engine, tx *store.Tx, c *call) error {
	var in CheckClaimInput
	if err := decode(c, &in); err != nil {
		return err
	}
	rec, fresh, err := e.claims.Check(ctx, tx, in.ClaimID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return contracts.NewError(contracts.KindSchemaViolation,
				"claim %s not found", in.ClaimID)
		}
		return err
	}

	if fresh == ttl.Stale && !rec.Stale {
		if err := tx.MarkClaimStale(ctx, rec.ClaimID); err != nil {
			return err
		}
		row, aerr := e.ledger.Append(ctx, tx, ledger.Draft{
			Agent: e.actor,
			Kind:  contracts.EventTTLBreach,
			Payload: map[string]any{
				"claim_id":   rec.ClaimID,
				"class":      rec.Class,
				"expired_at": rec.ExpiresAt.Format(time.RFC3339Nano),
			},
		})
		if aerr != nil {
			return aerr
		}
		c.resp.EntryID = row.EntryID
	}

	if fresh == ttl.Stale {
		c.resp.Warn(contracts.WarnStaleClaim)
	}
	c.resp.Result = map[string]any{
		"claim_id":      rec.ClaimID,
		"freshness":     string(fresh),
		"class":         rec.Class,
		"registered_at": rec.RegisteredAt.Format(time.RFC3339Nano),
		"expires_at":    rec.ExpiresAt.Format(time.RFC3339Nano),
	}
	return nil
}
