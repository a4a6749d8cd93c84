package contracts

import "time"

// SourceTier buckets citation endpoints by editorial rigor.
type SourceTier string

const (
	TierGold      SourceTier = "T1" // peer-reviewed / primary
	TierReviewed  SourceTier = "T2"
	TierReportage SourceTier = "T3"
	TierCommunity SourceTier = "T4" // uncategorized / community
)

// Valid reports whether the tier is recognized.
func (t SourceTier) Valid() bool {
	switch t {
	case TierGold, TierReviewed, TierReportage, TierCommunity:
		return true
	}
	return false
}

// SCI thresholds. The 35–59 band escalates: the action table leaves 35–39
// unnamed, and escalation is the conservative reading next to the hard-reject
// floor at 35.
const (
	SCIAutoAccept  = 90
	SCIAuditMin    = 60
	SCIEscalateMin = 40
	SCIRejectBelow = 35
	SCIMax         = 100
	SCIMin         = 0
)

// InitialSCI returns the starting credibility for a tier.
func InitialSCI(t SourceTier) int {
	switch t {
	case TierGold:
		return 90
	case TierReviewed:
		return 75
	case TierReportage:
		return 60
	default:
		return 45
	}
}

// TierFloor is the value SCI decays toward during inactivity.
func TierFloor(t SourceTier) int { return InitialSCI(t) }

// ProbationVerificationsFor returns how many verifications end source
// probation: 5 for uncategorized endpoints, 3 for known tiers.
func ProbationVerificationsFor(t SourceTier) int {
	if t == TierCommunity {
		return 5
	}
	return 3
}

// SCIAction names the disposition for a credibility band.
type SCIAction string

const (
	SCIActionAutoAccept SCIAction = "auto_accept"
	SCIActionAudit      SCIAction = "audit_required"
	SCIActionEscalate   SCIAction = "escalate"
	SCIActionReject     SCIAction = "hard_reject"
)

// ActionForSCI maps a score to its disposition.
func ActionForSCI(sci int) SCIAction {
	switch {
	case sci >= SCIAutoAccept:
		return SCIActionAutoAccept
	case sci >= SCIAuditMin:
		return SCIActionAudit
	case sci >= SCIRejectBelow:
		return SCIActionEscalate
	default:
		return SCIActionReject
	}
}

// Source is the persisted credibility record for a citation endpoint.
type Source struct {
	URL                string     `json:"url"` // canonical form
	Tier               SourceTier `json:"tier"`
	SCI                int        `json:"sci"`
	Probation          bool       `json:"probation"`
	ProbationCount     int        `json:"probation_count"`
	ProbationStartedAt time.Time  `json:"probation_started_at"`
	LastVerifiedAt     time.Time  `json:"last_verified_at"`
	LastDecayAt        time.Time  `json:"last_decay_at"`
	CreatedAt          time.Time  `json:"created_at"`
}
