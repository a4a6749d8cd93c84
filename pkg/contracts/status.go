package contracts

// VerificationStatus is the terminal (or in-flight) state of a pipeline run.
type VerificationStatus string

const (
	StatusProposed      VerificationStatus = "PROPOSED"
	StatusVerified      VerificationStatus = "VERIFIED"
	StatusVerifiedFalse VerificationStatus = "VERIFIED_FALSE"
	StatusConditional   VerificationStatus = "CONDITIONAL"
	StatusUnknown       VerificationStatus = "UNKNOWN"
	StatusQuarantined   VerificationStatus = "QUARANTINED"
)

// Terminal reports whether the pipeline stops at this status.
func (s VerificationStatus) Terminal() bool { return s != StatusProposed }

// Mode is the engine's operational posture.
type Mode string

const (
	ModeNormal Mode = "NORMAL"
	ModeLean   Mode = "LEAN"
	ModeSurge  Mode = "SURGE"
	ModeSafe   Mode = "SAFE"
)

// Valid reports whether the mode is recognized.
func (m Mode) Valid() bool {
	switch m {
	case ModeNormal, ModeLean, ModeSurge, ModeSafe:
		return true
	}
	return false
}

// QuarantineTrack distinguishes why an agent was blocked; the track decides
// block duration and the recovery rules afterwards.
type QuarantineTrack string

const (
	TrackHonestError  QuarantineTrack = "honest_error"
	TrackManipulation QuarantineTrack = "manipulation"
)

// DeferralCategory buckets a disclosure delay by the harm at stake.
type DeferralCategory string

const (
	DeferralSafety       DeferralCategory = "safety"
	DeferralMedical      DeferralCategory = "medical"
	DeferralLegal        DeferralCategory = "legal"
	DeferralFinancial    DeferralCategory = "financial"
	DeferralReputational DeferralCategory = "reputational"
	DeferralLow          DeferralCategory = "low"
)

// VolatilityClass decides how long a verified claim stays fresh.
type VolatilityClass string

const (
	// Volatile24h: leadership, financial figures.
	Volatile24h VolatilityClass = "VOLATILE_24H"
	// SemiVolatile72h: pricing.
	SemiVolatile72h VolatilityClass = "SEMI_VOLATILE_72H"
	// Durable30d: general knowledge.
	Durable30d VolatilityClass = "DURABLE_30D"
)
