package dispatcher

import (
	"context"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/MythologIQ/qorelogic/pkg/contracts"
	"github.com/MythologIQ/qorelogic/pkg/ledger"
	"github.com/MythologIQ/qorelogic/pkg/sentinel"
	"github.com/MythologIQ/qorelogic/pkg/store"
)

// Handler deadlines by grade. The 24-hour human window of an L3 escalation
// lives on the approval-queue row; the handler itself only ever waits on the
// machine step.
const (
	DeadlineL1 = time.Second
	DeadlineL2 = 5 * time.Second
	DeadlineL3 = 5 * time.Second
)

func deadlineFor(grade contracts.RiskGrade) time.Duration {
	switch grade {
	case contracts.RiskL1:
		return DeadlineL1
	case contracts.RiskL2:
		return DeadlineL2
	default:
		return DeadlineL3
	}
}

// Typed operation inputs. Field names mirror the wire schema exactly; a
// payload that validated decodes into these without loss.

type AuditCodeInput struct {
	Path       string                  `json:"path"`
	Content    string                  `json:"content"`
	Hint       contracts.RiskGrade     `json:"hint,omitempty"`
	Rationale  string                  `json:"rationale,omitempty"`
	Confidence *float64                `json:"confidence,omitempty"`
	Specs      []sentinel.FunctionSpec `json:"specs,omitempty"`
	Citations  []sentinel.Citation     `json:"citations,omitempty"`
	Trace      []ledger.Step           `json:"trace,omitempty"`
}

type AuditClaimInput struct {
	Text       string              `json:"text"`
	Citations  []sentinel.Citation `json:"citations"`
	Confidence *float64            `json:"confidence,omitempty"`
}

type LogEventInput struct {
	Kind         string         `json:"kind"`
	RiskGrade    string         `json:"risk_grade"`
	Payload      map[string]any `json:"payload"`
	VerifyMethod string         `json:"verify_method,omitempty"`
	VerifyResult string         `json:"verify_result,omitempty"`
	ModelVersion string         `json:"model_version,omitempty"`
}

type ArchiveFailureInput struct {
	InputVector string `json:"input_vector"`
	Mode        string `json:"mode,omitempty"`
	Context     string `json:"context,omitempty"`
	Rationale   string `json:"rationale,omitempty"`
}

type RequestApprovalInput struct {
	ArtifactHash string `json:"artifact_hash"`
	Reason       string `json:"reason"`
}

type ResolveOverseerInput struct {
	QueueID  string `json:"queue_id"`
	Approved bool   `json:"approved"`
	Notes    string `json:"notes,omitempty"`
}

type RegisterSourceInput struct {
	URL          string `json:"url"`
	TierOverride string `json:"tier_override,omitempty"`
}

type SourceVerificationInput struct {
	URL     string `json:"url"`
	Success bool   `json:"success"`
}

type AgentTrustInput struct {
	Agent    string `json:"agent"`
	Success  bool   `json:"success"`
	HighRisk bool   `json:"high_risk,omitempty"`
	Context  string `json:"context,omitempty"`
}

type MicroPenaltyInput struct {
	Agent string `json:"agent"`
	Kind  string `json:"kind"`
}

type StartQuarantineInput struct {
	Agent  string `json:"agent"`
	Track  string `json:"track"`
	Reason string `json:"reason"`
}

type RequestDeferralInput struct {
	ArtifactHash string `json:"artifact_hash"`
	Category     string `json:"category"`
	Reason       string `json:"reason"`
}

type SetModeInput struct {
	Mode   string `json:"mode"`
	Reason string `json:"reason"`
	Pin    bool   `json:"pin,omitempty"`
}

type RegisterClaimInput struct {
	Content   string `json:"content"`
	Class     string `json:"class"`
	SourceURL string `json:"source_url,omitempty"`
}

type CheckClaimInput struct {
	ClaimID string `json:"claim_id"`
}

// call carries one request through the policy chain. Handlers read the
// decoded agent and grade and write into resp.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type call struct {
	op      string
	agentID string
	agent   *contracts.Agent
	grade   contracts.RiskGrade
	mode    contracts.Mode
	raw     []byte
	params  map[string]any
	resp    *contracts.Response
}

type gradeFunc func(e *Engine, params map[string]any) contracts.RiskGrade

// txHandler runs inside one append transaction after the common gates.
type txHandler func(ctx context.Context, e *Engine, tx *store.Tx, c *call) error

// flowHandler manages its own transactions; used by operations with a
// committed precursor entry and out-of-transaction work between phases.
type flowHandler func(ctx context.Context, e *Engine, c *call) error

//nolint:govet // fieldalignment: struct layout is human-readable
type opSpec struct {
	schema *jsonschema.Schema
	grade  gradeFunc
	roles  []contracts.AgentRole // empty allows every role
	tx     txHandler
	flow   flowHandler
}

func (s *opSpec) allows(role contracts.AgentRole) bool {
	if len(s.roles) == 0 {
		return true
	}
	for _, r := range s.roles {
		if r == role {
			return true
		}
	}
	return false
}

func staticGrade(g contracts.RiskGrade) gradeFunc {
	return func(*Engine, map[string]any) contracts.RiskGrade { return g }
}

// gradeAuditCode runs the classifier before admission so queue and mode
// policy see the true grade, not a caller-chosen one.
func gradeAuditCode(e *Engine, params map[string]any) contracts.RiskGrade {
	path, _ := params["path"].(string)
	content, _ := params["content"].(string)
	hint, _ := params["hint"].(string)
	return e.classifier.Classify(path, content, contracts.RiskGrade(hint)).Grade
}

func gradeLogEvent(_ *Engine, params map[string]any) contracts.RiskGrade {
	g, _ := params["risk_grade"].(string)
	return contracts.RiskGrade(g)
}

var enforcerOrHuman = []contracts.AgentRole{contracts.RoleEnforcer, contracts.RoleHuman}

func buildOps() map[string]*opSpec {
	return map[string]*opSpec{
		contracts.OpAuditCode:  {grade: gradeAuditCode, flow: auditCodeFlow},
		contracts.OpAuditClaim: {grade: staticGrade(contracts.RiskL2), tx: handleAuditClaim},
		contracts.OpLogEvent:   {grade: gradeLogEvent, tx: handleLogEvent},
		contracts.OpArchiveFailure: {
			grade: staticGrade(contracts.RiskL2), tx: handleArchiveFailure,
		},
		contracts.OpRequestOverseerApproval: {
			grade: staticGrade(contracts.RiskL3), tx: handleRequestApproval,
		},
		contracts.OpResolveOverseer: {
			grade: staticGrade(contracts.RiskL3),
			roles: []contracts.AgentRole{contracts.RoleHuman},
			tx:    handleResolveOverseer,
		},
		contracts.OpRegisterSource: {
			grade: staticGrade(contracts.RiskL1), tx: handleRegisterSource,
		},
		contracts.OpUpdateSourceVerification: {
			grade: staticGrade(contracts.RiskL1), tx: handleSourceVerification,
		},
		contracts.OpUpdateAgentTrust: {
			grade: staticGrade(contracts.RiskL2), roles: enforcerOrHuman, tx: handleAgentTrust,
		},
		contracts.OpApplyMicroPenalty: {
			grade: staticGrade(contracts.RiskL1), roles: enforcerOrHuman, tx: handleMicroPenalty,
		},
		contracts.OpStartQuarantine: {
			grade: staticGrade(contracts.RiskL2), roles: enforcerOrHuman, tx: handleStartQuarantine,
		},
		contracts.OpRequestDeferral: {
			grade: staticGrade(contracts.RiskL2), tx: handleRequestDeferral,
		},
		contracts.OpSetMode: {
			grade: staticGrade(contracts.RiskL3), roles: enforcerOrHuman, tx: handleSetMode,
		},
		contracts.OpRegisterClaimWithTTL: {
			grade: staticGrade(contracts.RiskL1), tx: handleRegisterClaim,
		},
		contracts.OpCheckClaimValidity: {
			grade: staticGrade(contracts.RiskL1), tx: handleCheckClaim,
		},
	}
}
