package contracts

// EventKind enumerates every record type the accountability ledger accepts.
// The set is closed: appends with an unknown kind are rejected before hashing.
type EventKind string

const (
	EventGenesisAxiom      EventKind = "GENESIS_AXIOM"
	EventProposal          EventKind = "PROPOSAL"
	EventAuditPass         EventKind = "AUDIT_PASS"
	EventAuditFail         EventKind = "AUDIT_FAIL"
	EventTier3Request      EventKind = "TIER3_REQUEST"
	EventL3ApprovalRequest EventKind = "L3_APPROVAL_REQUEST"
	EventL3Approved        EventKind = "L3_APPROVED"
	EventL3Rejected        EventKind = "L3_REJECTED"
	EventPenalty           EventKind = "PENALTY"
	EventReward            EventKind = "REWARD"
	EventCommit            EventKind = "COMMIT"
	EventQuarantine        EventKind = "QUARANTINE"
	EventQuarantineRelease EventKind = "QUARANTINE_RELEASE"
	EventShadowArchive     EventKind = "SHADOW_ARCHIVE"
	EventOverride          EventKind = "OVERRIDE"
	EventTTLBreach         EventKind = "TTL_BREACH"
	EventCoaching          EventKind = "COACHING"
	EventHashTampering     EventKind = "HASH_TAMPERING"
	EventSupervisedRerun   EventKind = "SUPERVISED_RERUN"
	EventMicroPenalty      EventKind = "MICRO_PENALTY"
	EventCoolingOffStart   EventKind = "COOLING_OFF_START"
	EventCoolingOffEnd     EventKind = "COOLING_OFF_END"
	EventTrustDecay        EventKind = "TRUST_DECAY"
	EventModeChange        EventKind = "MODE_CHANGE"
	EventCancelled         EventKind = "CANCELLED"
)

var knownEventKinds = map[EventKind]struct{}{
	EventGenesisAxiom: {}, EventProposal: {}, EventAuditPass: {}, EventAuditFail: {},
	EventTier3Request: {}, EventL3ApprovalRequest: {}, EventL3Approved: {}, EventL3Rejected: {},
	EventPenalty: {}, EventReward: {}, EventCommit: {}, EventQuarantine: {},
	EventQuarantineRelease: {}, EventShadowArchive: {}, EventOverride: {}, EventTTLBreach: {},
	EventCoaching: {}, EventHashTampering: {}, EventSupervisedRerun: {}, EventMicroPenalty: {},
	EventCoolingOffStart: {}, EventCoolingOffEnd: {}, EventTrustDecay: {}, EventModeChange: {},
	EventCancelled: {},
}

// Valid reports whether k belongs to the closed event-kind set.
func (k EventKind) Valid() bool {
	_, ok := knownEventKinds[k]
	return ok
}
