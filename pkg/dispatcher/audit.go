package dispatcher

import (
	"context"
	"log/slog"
	"time"

	"github.com/MythologIQ/qorelogic/pkg/canonical"
	"github.com/MythologIQ/qorelogic/pkg/contracts"
	"github.com/MythologIQ/qorelogic/pkg/ledger"
	"github.com/MythologIQ/qorelogic/pkg/sentinel"
	"github.com/MythologIQ/qorelogic/pkg/store"
	"github.com/MythologIQ/qorelogic/pkg/trust"
)

// auditCodeFlow runs the full verification pipeline in three transactions:
// the PROPOSAL precursor commits first, the tiers run without holding the
// append lock, and the verdict settles last. A failure or cancellation after
// the precursor leaves a CANCELLED compensation entry, never a dangling
// PROPOSAL.
func auditCodeFlow(ctx context.Context, e *Engine, c *call) error {
	var in AuditCodeInput
	if err := decode(c, &in); err != nil {
		return err
	}
	contentHash := canonical.HashBytes([]byte(in.Content))
	spec := e.ops[c.op]

	var proposal *store.LedgerRow
	err := e.store.WithinAppendTx(ctx, func(tx *store.Tx) error {
		if gerr := e.gate(ctx, tx, spec, c); gerr != nil {
			return gerr
		}
		if len(in.Trace) > 0 {
			if verr := ledger.VerifyTrace(in.Trace); verr != nil {
				row, terr := e.recordTampering(ctx, tx, c.agent.ID, verr.Error())
				if terr != nil {
					return terr
				}
				out := contracts.WrapError(contracts.KindHashTampering, verr,
					"reasoning trace rejected")
				out.EntryID = row.EntryID
				return out
			}
		}
		row, aerr := e.ledger.Append(ctx, tx, ledger.Draft{
			Agent:     c.agent.ID,
			Kind:      contracts.EventProposal,
			RiskGrade: c.grade,
			Payload: map[string]any{
				"path":         in.Path,
				"content_hash": contentHash,
				"rationale":    sentinel.Redact(in.Rationale),
			},
			TrustAtAction: &c.agent.Trust,
		})
		proposal = row
		return aerr
	})
	if err != nil {
		return err
	}
	c.resp.EntryID = proposal.EntryID

	var result *sentinel.Result
	err = e.store.WithinTx(ctx, func(tx *store.Tx) error {
		var perr error
		result, perr = e.pipeline.Run(ctx, tx, sentinel.Input{
			AgentID:   c.agent.ID,
			Path:      in.Path,
			Content:   in.Content,
			Hint:      in.Hint,
			Specs:     in.Specs,
			Citations: in.Citations,
			Rationale: in.Rationale,
			Mode:      c.mode,
		})
		return perr
	})
	if err != nil {
		return e.compensate(ctx, c, proposal, err)
	}

	err = e.store.WithinAppendTx(ctx, func(tx *store.Tx) error {
		return e.settleAudit(ctx, tx, c, &in, result, contentHash)
	})
	if err != nil {
		return e.compensate(ctx, c, proposal, err)
	}
	return nil
}

// compensate closes out a request that died after its PROPOSAL committed.
// The entry is written on a context stripped of the expired deadline; the
// original failure always propagates.
func (e *Engine) compensate(ctx context.Context, c *call, proposal *store.LedgerRow, cause error) error {
	base := context.WithoutCancel(ctx)
	cerr := e.store.WithinAppendTx(base, func(tx *store.Tx) error {
		_, aerr := e.ledger.Append(base, tx, ledger.Draft{
			Agent: c.agent.ID,
			Kind:  contracts.EventCancelled,
			Payload: map[string]any{
				"proposal_entry": proposal.EntryID,
				"reason":         sentinel.Redact(cause.Error()),
			},
		})
		return aerr
	})
	if cerr != nil {
		e.logger.Error("dispatcher: compensation entry not recorded",
			slog.String("agent", c.agent.ID),
			slog.String("proposal", proposal.EntryID),
			slog.String("error", cerr.Error()))
	}
	return cause
}

// settleAudit turns the pipeline verdict into ledger events, trust movement,
// and the response. VERIFIED commits; VERIFIED_FALSE and QUARANTINED
// penalize; CONDITIONAL and UNKNOWN park the artifact with the Overseer and
// move no trust.
func (e *Engine) settleAudit(ctx context.Context, tx *store.Tx, c *call, in *AuditCodeInput, res *sentinel.Result, contentHash string) error {
	c.resp.RiskGrade = res.Grade
	c.resp.Findings = res.Findings
	highRisk := res.Grade == contracts.RiskL3

	if t3 := tierStatus(res, 3); t3 != "" {
		if _, err := e.ledger.Append(ctx, tx, ledger.Draft{
			Agent:     c.agent.ID,
			Kind:      contracts.EventTier3Request,
			RiskGrade: res.Grade,
			Payload: map[string]any{
				"content_hash": contentHash,
				"backend":      e.tier3,
				"status":       t3,
			},
		}); err != nil {
			return err
		}
	}

	switch res.Status {
	case contracts.StatusVerified:
		var flags map[string]any
		if res.Bypassed {
			flags = map[string]any{"bypassed": true}
		}
		if _, err := e.ledger.Append(ctx, tx, ledger.Draft{
			Agent:        c.agent.ID,
			Kind:         contracts.EventAuditPass,
			RiskGrade:    res.Grade,
			Payload:      map[string]any{"path": in.Path, "content_hash": contentHash, "rule": res.Rule},
			VerifyMethod: "sentinel",
			VerifyResult: string(res.Status),
			Flags:        flags,
		}); err != nil {
			return err
		}
		commit, err := e.ledger.Append(ctx, tx, ledger.Draft{
			Agent:     c.agent.ID,
			Kind:      contracts.EventCommit,
			RiskGrade: res.Grade,
			Payload:   map[string]any{"path": in.Path, "content_hash": contentHash},
		})
		if err != nil {
			return err
		}
		c.resp.EntryID = commit.EntryID
		u, err := e.settleOutcome(ctx, tx, c.agent.ID, trust.Outcome{
			Success:  true,
			HighRisk: highRisk,
			Context:  "code audit " + in.Path,
		})
		if err != nil {
			return err
		}
		annotateUpdate(c.resp, u)
		clean, err := e.trust.RecordCleanAudit(ctx, tx, c.agent.ID)
		if err != nil {
			return err
		}
		annotateUpdate(c.resp, clean)
		if err := e.observeConfidence(ctx, tx, c.agent.ID, in.Confidence, true); err != nil {
			return err
		}
		c.resp.Status = string(res.Status)
		c.resp.Result = auditResult(res, map[string]any{"content_hash": contentHash})

	case contracts.StatusVerifiedFalse:
		row, err := e.ledger.Append(ctx, tx, ledger.Draft{
			Agent:        c.agent.ID,
			Kind:         contracts.EventAuditFail,
			RiskGrade:    res.Grade,
			Payload:      map[string]any{"path": in.Path, "content_hash": contentHash, "findings": findingCodes(res.Findings)},
			VerifyMethod: "sentinel",
			VerifyResult: string(res.Status),
		})
		if err != nil {
			return err
		}
		c.resp.EntryID = row.EntryID
		u, err := e.settleOutcome(ctx, tx, c.agent.ID, trust.Outcome{
			Success:  false,
			HighRisk: highRisk,
			Context:  "code audit " + in.Path,
		})
		if err != nil {
			return err
		}
		annotateUpdate(c.resp, u)
		if err := e.observeConfidence(ctx, tx, c.agent.ID, in.Confidence, false); err != nil {
			return err
		}
		c.resp.Status = string(res.Status)
		c.resp.Result = auditResult(res, map[string]any{"content_hash": contentHash})

	case contracts.StatusQuarantined:
		row, err := e.ledger.Append(ctx, tx, ledger.Draft{
			Agent:        c.agent.ID,
			Kind:         contracts.EventAuditFail,
			RiskGrade:    res.Grade,
			Payload:      map[string]any{"path": in.Path, "content_hash": contentHash, "findings": findingCodes(res.Findings)},
			VerifyMethod: "sentinel",
			VerifyResult: string(res.Status),
		})
		if err != nil {
			return err
		}
		c.resp.EntryID = row.EntryID
		if _, err := e.archive.ArchiveVector(ctx, tx, res.ArchiveID); err != nil {
			return err
		}
		u, err := e.settleOutcome(ctx, tx, c.agent.ID, trust.Outcome{
			Success:  false,
			HighRisk: highRisk,
			Context:  "code audit " + in.Path,
		})
		if err != nil {
			return err
		}
		annotateUpdate(c.resp, u)
		if err := e.observeConfidence(ctx, tx, c.agent.ID, in.Confidence, false); err != nil {
			return err
		}
		c.resp.Status = string(res.Status)
		c.resp.Result = auditResult(res, map[string]any{
			"content_hash": contentHash,
			"archive_id":   res.ArchiveID,
		})

	case contracts.StatusConditional, contracts.StatusUnknown:
		req, err := e.approvals.Create(ctx, tx, contentHash,
			"verification returned "+string(res.Status), c.agent.ID)
		if err != nil {
			return err
		}
		if row, rerr := tx.LastLedgerRow(ctx); rerr == nil {
			c.resp.EntryID = row.EntryID
		}
		c.resp.Status = string(res.Status)
		c.resp.NextAction = "await_overseer"
		c.resp.Result = auditResult(res, map[string]any{
			"content_hash": contentHash,
			"queue_id":     req.QueueID,
			"deadline":     req.Deadline.Format(time.RFC3339Nano),
		})

	default:
		return contracts.NewError(contracts.KindAuditFail,
			"pipeline returned unsettled status %s", res.Status)
	}
	return nil
}

// handleAuditClaim verifies a factual claim: citation policy plus a
// credibility lookup per cited endpoint. Depth violations draw the
// stale-citation micro-penalty on top of the failed verdict.
func handleAuditClaim(ctx context.Context, e *Engine, tx *store.Tx, c *call) error {
	var in AuditClaimInput
	if err := decode(c, &in); err != nil {
		return err
	}
	claimHash := canonical.HashBytes([]byte(in.Text))

	if _, err := e.ledger.Append(ctx, tx, ledger.Draft{
		Agent:     c.agent.ID,
		Kind:      contracts.EventProposal,
		RiskGrade: c.grade,
		Payload: map[string]any{
			"claim_hash": claimHash,
			"citations":  len(in.Citations),
		},
		TrustAtAction: &c.agent.Trust,
	}); err != nil {
		return err
	}

	findings := sentinel.CheckCitations(in.Citations)
	var cites []map[string]any
	for _, cit := range in.Citations {
		src, action, err := e.trust.SourceAction(ctx, tx, cit.URL)
		if err != nil {
			return err
		}
		cites = append(cites, map[string]any{
			"url":    src.URL,
			"sci":    src.SCI,
			"tier":   string(src.Tier),
			"action": string(action),
		})
		switch action {
		case contracts.SCIActionReject:
			findings = append(findings, contracts.Finding{
				Tier:     2,
				Code:     string(contracts.KindSCIBelowReject),
				Severity: contracts.SeverityError,
				Message:  src.URL,
			})
		case contracts.SCIActionEscalate:
			findings = append(findings, contracts.Finding{
				Tier:     2,
				Code:     "SCI_ESCALATE",
				Severity: contracts.SeverityWarn,
				Message:  src.URL,
			})
		}
	}

	if hasCode(findings, string(contracts.KindCitationDepthExceeded)) {
		if _, err := e.trust.ApplyMicroPenalty(ctx, tx, c.agent.ID, trust.InfractionStaleCitation); err != nil {
			return err
		}
		e.obs.RecordPenalty(ctx, string(trust.InfractionStaleCitation))
	}

	status := contracts.StatusVerified
	if hasBlocking(findings) {
		status = contracts.StatusVerifiedFalse
	}
	kind := contracts.EventAuditPass
	if status != contracts.StatusVerified {
		kind = contracts.EventAuditFail
	}
	row, err := e.ledger.Append(ctx, tx, ledger.Draft{
		Agent:        c.agent.ID,
		Kind:         kind,
		RiskGrade:    c.grade,
		Payload:      map[string]any{"claim_hash": claimHash, "findings": findingCodes(findings)},
		VerifyMethod: "citation_policy",
		VerifyResult: string(status),
	})
	if err != nil {
		return err
	}
	c.resp.EntryID = row.EntryID

	u, err := e.settleOutcome(ctx, tx, c.agent.ID, trust.Outcome{
		Success: status == contracts.StatusVerified,
		Context: "claim audit",
	})
	if err != nil {
		return err
	}
	annotateUpdate(c.resp, u)
	if err := e.observeConfidence(ctx, tx, c.agent.ID, in.Confidence,
		status == contracts.StatusVerified); err != nil {
		return err
	}

	c.resp.Status = string(status)
	c.resp.Findings = findings
	c.resp.Result = map[string]any{
		"claim_hash": claimHash,
		"citations":  cites,
	}
	return nil
}

func auditResult(res *sentinel.Result, extra map[string]any) map[string]any {
	out := map[string]any{
		"rule":  res.Rule,
		"tiers": res.Tiers,
	}
	if res.Bypassed {
		out["bypassed"] = true
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

func tierStatus(res *sentinel.Result, tier int) string {
	for _, t := range res.Tiers {
		if t.Tier == tier {
			return t.Status
		}
	}
	return ""
}

func findingCodes(findings []contracts.Finding) []string {
	codes := make([]string, 0, len(findings))
	for _, f := range findings {
		codes = append(codes, f.Code)
	}
	return codes
}

func hasBlocking(findings []contracts.Finding) bool {
	for _, f := range findings {
		if f.Severity == contracts.SeverityError {
			return true
		}
	}
	return false
}

func hasCode(findings []contracts.Finding, code string) bool {
	for _, f := range findings {
		if f.Code == code {
			return true
		}
	}
	return false
}
