package contracts

import "time"

// AgentRole identifies what an agent is allowed to do inside the engine.
type AgentRole string

const (
	RoleGenerator AgentRole = "generator"
	RoleAuditor   AgentRole = "auditor"
	RoleEnforcer  AgentRole = "enforcer"
	RoleHuman     AgentRole = "human"
)

// Valid reports whether the role is recognized.
func (r AgentRole) Valid() bool {
	switch r {
	case RoleGenerator, RoleAuditor, RoleEnforcer, RoleHuman:
		return true
	}
	return false
}

// TrustStage is the qualitative band derived from an agent's trust score.
type TrustStage string

const (
	// StageCBT: compulsory verification of everything the agent produces.
	StageCBT TrustStage = "CBT"
	// StageKBT: sampled verification.
	StageKBT TrustStage = "KBT"
	// StageIBT: expedited handling for consistently reliable agents.
	StageIBT TrustStage = "IBT"
)

// Trust score bounds and stage boundaries.
const (
	TrustInitial   = 0.5
	TrustMin       = 0.0
	TrustMax       = 1.0
	StageCBTCeil   = 0.5
	StageKBTCeil   = 0.8
	InfluenceInit  = 1.0
	InfluenceFloor = 0.1
	InfluenceCeil  = 2.0
	// ProbationInfluenceCap bounds a new agent's influence until it has
	// completed its required verifications.
	ProbationInfluenceCap = 1.2
	// ProbationVerifications is the success count that ends agent probation.
	ProbationVerifications = 5
)

// StageFor maps a trust score to its stage: CBT [0,0.5], KBT (0.5,0.8], IBT above.
func StageFor(trust float64) TrustStage {
	switch {
	case trust <= StageCBTCeil:
		return StageCBT
	case trust <= StageKBTCeil:
		return StageKBT
	default:
		return StageIBT
	}
}

// DemotionCeiling returns the trust ceiling an agent is clamped to when it is
// demoted out of the given stage. Demotion from CBT has nowhere lower to go,
// so the CBT ceiling is returned unchanged.
func DemotionCeiling(s TrustStage) float64 {
	switch s {
	case StageIBT:
		return StageKBTCeil
	default:
		return StageCBTCeil
	}
}

// Agent is the persisted registry record for a signing identity.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Agent struct {
	ID         string    `json:"id"` // qore:<role>:<nonce>
	Role       AgentRole `json:"role"`
	PublicKey  string    `json:"public_key"`  // hex-encoded ed25519
	WrappedKey string    `json:"wrapped_key"` // argon2id$v1$<salt>$<nonce>$<ct>
	KeyID      string    `json:"key_id"`
	// KeyLog is the JSON-encoded history of retired public keys, consulted
	// when verifying entries signed before a rotation.
	KeyLog string `json:"key_log,omitempty"`

	Influence float64    `json:"influence_weight"`
	Trust     float64    `json:"trust_score"`
	Stage     TrustStage `json:"trust_stage"`

	Probation           bool       `json:"probation"`
	ProbationSuccesses  int        `json:"probation_successes"`
	ProbationStartedAt  time.Time  `json:"probation_started_at"`
	CreatedAt           time.Time  `json:"created_at"`
	LastRotationAt      time.Time  `json:"last_rotation_at"`
	CoolingOffTrack     string     `json:"cooling_off_track,omitempty"`
	CoolingOffUntil     *time.Time `json:"cooling_off_until,omitempty"`
	CleanAuditStreak    int        `json:"clean_audit_streak"`
	LastCalibrationDay  string     `json:"last_calibration_day,omitempty"`
	IdentityErrorCount  int        `json:"identity_error_count"`
	IdentityErrorSince  *time.Time `json:"identity_error_since,omitempty"`
}
