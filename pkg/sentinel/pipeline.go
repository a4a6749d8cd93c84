package sentinel

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	"github.com/MythologIQ/qorelogic/pkg/canonical"
	"github.com/MythologIQ/qorelogic/pkg/contracts"
	"github.com/MythologIQ/qorelogic/pkg/store"
)

// LeanSampleRate is the fraction of L1 changes still verified under LEAN
// posture; the rest are committed unaudited.
const LeanSampleRate = 0.10

// Tier outcome labels.
const (
	TierPass        = "pass"
	TierFail        = "fail"
	TierBypassed    = "bypassed"
	TierUnavailable = "unavailable"
	TierTimedOut    = "timeout"
)

// TierResult records what one tier concluded.
type TierResult struct {
	Tier     int                 `json:"tier"`
	Status   string              `json:"status"`
	Findings []contracts.Finding `json:"findings,omitempty"`
}

// Input is one change or claim submitted for verification.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Input struct {
	AgentID   string
	Path      string
	Content   string
	Hint      contracts.RiskGrade
	Specs     []FunctionSpec
	Citations []Citation
	Rationale string
	Mode      contracts.Mode
}

// Result is the pipeline verdict.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Result struct {
	Grade      contracts.RiskGrade          `json:"grade"`
	Rule       string                       `json:"rule"`
	Status     contracts.VerificationStatus `json:"status"`
	Tiers      []TierResult                 `json:"tiers"`
	Findings   []contracts.Finding          `json:"findings,omitempty"`
	ArchiveID  string                       `json:"archive_id,omitempty"`
	NextAction string                       `json:"next_action,omitempty"`
	Bypassed   bool                         `json:"bypassed,omitempty"`
}

// Pipeline sequences the verification tiers a change must clear for its
// grade: L1 runs the static tier, L2 adds contract checking, L3 adds the
// external checker. Rejections archive the input vector for forensics.
type Pipeline struct {
	classifier *Classifier
	tier2      *Tier2Checker
	tier3      *Tier3Runner
	sample     func() float64
	clock      func() time.Time
	logger     *slog.Logger
}

// PipelineOption configures the pipeline.
type PipelineOption func(*Pipeline)

// WithPipelineLogger sets the pipeline logger.
func WithPipelineLogger(l *slog.Logger) PipelineOption {
	return func(p *Pipeline) { p.logger = l }
}

// WithPipelineClock injects time for tests.
func WithPipelineClock(clock func() time.Time) PipelineOption {
	return func(p *Pipeline) { p.clock = clock }
}

// WithSampler injects the LEAN sampling source for tests.
func WithSampler(sample func() float64) PipelineOption {
	return func(p *Pipeline) { p.sample = sample }
}

// NewPipeline wires classifier, contract checker and deep checker together.
func NewPipeline(classifier *Classifier, tier2 *Tier2Checker, tier3 *Tier3Runner, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		classifier: classifier,
		tier2:      tier2,
		tier3:      tier3,
		sample:     rand.Float64,
		clock:      time.Now,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run grades the input and walks it through every tier its grade demands.
func (p *Pipeline) Run(ctx context.Context, tx *store.Tx, in Input) (*Result, error) {
	cls := p.classifier.Classify(in.Path, in.Content, in.Hint)
	res := &Result{Grade: cls.Grade, Rule: cls.Rule, Status: contracts.StatusProposed}

	if in.Mode == contracts.ModeLean && cls.Grade == contracts.RiskL1 && p.sample() >= LeanSampleRate {
		res.Status = contracts.StatusVerified
		res.Bypassed = true
		res.Tiers = append(res.Tiers, TierResult{Tier: 1, Status: TierBypassed})
		return res, nil
	}

	t1 := ScanTier1(in.Path, in.Content)
	res.Findings = append(res.Findings, t1...)
	if failed(t1) {
		res.Tiers = append(res.Tiers, TierResult{Tier: 1, Status: TierFail, Findings: t1})
		if cls.Grade == contracts.RiskL1 {
			res.Status = contracts.StatusVerifiedFalse
			return res, nil
		}
		return p.quarantine(ctx, tx, in, res, "static scan rejection")
	}
	res.Tiers = append(res.Tiers, TierResult{Tier: 1, Status: TierPass, Findings: t1})

	if cls.Grade == contracts.RiskL1 {
		res.Status = contracts.StatusVerified
		return res, nil
	}

	t2 := p.tier2.CheckContracts(in.Specs)
	t2 = append(t2, CheckCitations(in.Citations)...)
	res.Findings = append(res.Findings, t2...)
	if failed(t2) {
		res.Tiers = append(res.Tiers, TierResult{Tier: 2, Status: TierFail, Findings: t2})
		if hasCode(t2, string(contracts.KindLogicalContradiction)) {
			res.Status = contracts.StatusVerifiedFalse
			return res, nil
		}
		return p.quarantine(ctx, tx, in, res, "contract check rejection")
	}
	res.Tiers = append(res.Tiers, TierResult{Tier: 2, Status: TierPass, Findings: t2})

	if cls.Grade == contracts.RiskL2 {
		res.Status = contracts.StatusVerified
		return res, nil
	}

	return p.runDeep(ctx, in, res)
}

// runDeep executes the external checker for L3 inputs. When the checker
// cannot answer, the change is committed conditionally and escalated to a
// human rather than silently passed.
func (p *Pipeline) runDeep(ctx context.Context, in Input, res *Result) (*Result, error) {
	verdict, err := p.tier3.Run(ctx, Job{
		ArtifactHash: canonical.HashBytes([]byte(in.Content)),
		Content:      in.Content,
		Specs:        in.Specs,
	})
	if err != nil {
		kind := contracts.KindOf(err)
		status := TierUnavailable
		if kind == contracts.KindTier3Timeout {
			status = TierTimedOut
		}
		finding := contracts.Finding{
			Tier:     3,
			Code:     string(kind),
			Severity: contracts.SeverityWarn,
			Message:  err.Error(),
		}
		res.Findings = append(res.Findings, finding)
		res.Tiers = append(res.Tiers, TierResult{Tier: 3, Status: status, Findings: []contracts.Finding{finding}})
		res.Status = contracts.StatusConditional
		res.NextAction = "escalate"
		p.logger.Warn("deep verification unavailable, escalating",
			slog.String("agent", in.AgentID),
			slog.String("kind", string(kind)))
		return res, nil
	}

	switch verdict.Status {
	case VerdictVerified:
		res.Tiers = append(res.Tiers, TierResult{Tier: 3, Status: TierPass})
		res.Status = contracts.StatusVerified
	case VerdictRefuted:
		finding := contracts.Finding{
			Tier:     3,
			Code:     "COUNTEREXAMPLE",
			Severity: contracts.SeverityError,
			Message:  verdict.Counterexample,
		}
		res.Findings = append(res.Findings, finding)
		res.Tiers = append(res.Tiers, TierResult{Tier: 3, Status: TierFail, Findings: []contracts.Finding{finding}})
		res.Status = contracts.StatusVerifiedFalse
	case VerdictUnknown:
		finding := contracts.Finding{
			Tier:     3,
			Code:     "SEARCH_EXHAUSTED",
			Severity: contracts.SeverityInfo,
			Message:  "checker exhausted its depth without a verdict",
		}
		res.Findings = append(res.Findings, finding)
		res.Tiers = append(res.Tiers, TierResult{Tier: 3, Status: TierPass, Findings: []contracts.Finding{finding}})
		res.Status = contracts.StatusUnknown
	}
	return res, nil
}

// quarantine terminates the run and archives the rejected input vector.
func (p *Pipeline) quarantine(ctx context.Context, tx *store.Tx, in Input, res *Result, rationale string) (*Result, error) {
	rec := &store.ShadowRecord{
		ArchiveID:   uuid.NewString(),
		Timestamp:   p.clock().UTC(),
		AgentID:     in.AgentID,
		InputVector: in.Content,
		Mode:        string(in.Mode),
		Context:     in.Path,
		Rationale:   rationale,
		ContentHash: canonical.HashBytes([]byte(in.Content)),
	}
	if err := tx.InsertShadowRecord(ctx, rec); err != nil {
		return nil, fmt.Errorf("sentinel: archive rejected input: %w", err)
	}
	res.Status = contracts.StatusQuarantined
	res.ArchiveID = rec.ArchiveID
	p.logger.Warn("input quarantined",
		slog.String("agent", in.AgentID),
		slog.String("archive", rec.ArchiveID),
		slog.String("rationale", rationale))
	return res, nil
}

func hasCode(findings []contracts.Finding, code string) bool {
	for _, f := range findings {
		if f.Code == code {
			return true
		}
	}
	return false
}
