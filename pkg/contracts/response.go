package contracts

// Operation names accepted by the dispatcher. These are the wire-level
// identifiers; each maps to exactly one handler.
const (
	OpAuditCode                = "audit_code"
	OpAuditClaim               = "audit_claim"
	OpLogEvent                 = "log_event"
	OpArchiveFailure           = "archive_failure"
	OpRequestOverseerApproval  = "request_overseer_approval"
	OpResolveOverseer          = "resolve_overseer"
	OpRegisterSource           = "register_source"
	OpUpdateSourceVerification = "update_source_verification"
	OpUpdateAgentTrust         = "update_agent_trust"
	OpApplyMicroPenalty        = "apply_micro_penalty"
	OpStartQuarantine          = "start_quarantine"
	OpRequestDeferral          = "request_deferral"
	OpSetMode                  = "set_mode"
	OpRegisterClaimWithTTL     = "register_claim_with_ttl"
	OpCheckClaimValidity       = "check_claim_validity"
)

// Operations lists every dispatcher operation in a stable order.
var Operations = []string{
	OpAuditCode, OpAuditClaim, OpLogEvent, OpArchiveFailure,
	OpRequestOverseerApproval, OpResolveOverseer, OpRegisterSource,
	OpUpdateSourceVerification, OpUpdateAgentTrust, OpApplyMicroPenalty,
	OpStartQuarantine, OpRequestDeferral, OpSetMode, OpRegisterClaimWithTTL,
	OpCheckClaimValidity,
}

// Warning strings attached to otherwise-successful responses.
const (
	WarnSoftBackpressure = "SOFT_BACKPRESSURE"
	WarnKeyRotationDue   = "KEY_ROTATION_DUE"
	WarnStaleClaim       = "STALE"
)

// State annotations: conditions the caller should know about that are not
// failures of the request itself.
const (
	NoteAgentQuarantined = "AGENT_QUARANTINED"
	NoteProbationFloor   = "PROBATION_FLOOR"
	NoteStageDemoted     = "STAGE_DEMOTED"
	NoteCoolingOff       = "COOLING_OFF"
)

// Severity of a finding.
type Severity string

const (
	SeverityInfo  Severity = "info"
	SeverityWarn  Severity = "warn"
	SeverityError Severity = "error"
)

// Finding is one structured observation from a verification tier.
type Finding struct {
	Tier     int      `json:"tier"`
	Code     string   `json:"code"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	Line     int      `json:"line,omitempty"`
}

// Response is the uniform envelope every operation returns.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Response struct {
	Status      string         `json:"status"`
	EntryID     string         `json:"entry_id,omitempty"`
	RiskGrade   RiskGrade      `json:"risk_grade,omitempty"`
	Warnings    []string       `json:"warnings,omitempty"`
	Annotations []string       `json:"annotations,omitempty"`
	Findings    []Finding      `json:"findings,omitempty"`
	NextAction  string         `json:"next_action,omitempty"`
	Result      map[string]any `json:"result,omitempty"`
}

// Warn appends a warning once.
func (r *Response) Warn(w string) {
	for _, have := range r.Warnings {
		if have == w {
			return
		}
	}
	r.Warnings = append(r.Warnings, w)
}

// Annotate appends a state annotation once.
func (r *Response) Annotate(a string) {
	for _, have := range r.Annotations {
		if have == a {
			return
		}
	}
	r.Annotations = append(r.Annotations, a)
}
