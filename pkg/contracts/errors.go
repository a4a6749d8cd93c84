package contracts

import (
	"errors"
	"fmt"
)

// Kind is the stable, machine-readable discriminator carried by every
// engine failure. Callers branch on Kind, never on message text.
type Kind string

const (
	// Policy failures.
	KindRiskTooHigh           Kind = "RISK_TOO_HIGH"
	KindCitationDepthExceeded Kind = "CITATION_DEPTH_EXCEEDED"
	KindSCIBelowReject        Kind = "SCI_BELOW_REJECT"
	KindAgentQuarantined      Kind = "AGENT_QUARANTINED"
	KindDeferralExpired       Kind = "DEFERRAL_EXPIRED"
	KindSchemaViolation       Kind = "SCHEMA_VIOLATION"
	KindRoleForbidden         Kind = "ROLE_FORBIDDEN"

	// Verification failures.
	KindAuditFail            Kind = "AUDIT_FAIL"
	KindLogicalContradiction Kind = "LOGICAL_CONTRADICTION"
	KindTier3Timeout         Kind = "TIER3_TIMEOUT"
	KindTier3Unavailable     Kind = "TIER3_UNAVAILABLE"

	// Identity failures.
	KindIdentityLocked    Kind = "IDENTITY_LOCKED"
	KindWeakPassphrase    Kind = "WEAK_PASSPHRASE"
	KindSignatureMismatch Kind = "SIGNATURE_MISMATCH"
	KindKeyRotationDue    Kind = "KEY_ROTATION_DUE"
	KindUnknownAgent      Kind = "UNKNOWN_AGENT"

	// Integrity failures.
	KindHashTampering     Kind = "HASH_TAMPERING"
	KindLedgerChainBroken Kind = "LEDGER_CHAIN_BROKEN"

	// System failures.
	KindStoreUnavailable Kind = "STORE_UNAVAILABLE"
	KindQueueFull        Kind = "QUEUE_FULL"
	KindModeBlocked      Kind = "MODE_BLOCKED"
)

// Class groups kinds by their propagation policy.
type Class string

const (
	ClassPolicy       Class = "policy"
	ClassVerification Class = "verification"
	ClassIdentity     Class = "identity"
	ClassIntegrity    Class = "integrity"
	ClassSystem       Class = "system"
)

// ClassOf returns the propagation class of a kind.
func ClassOf(k Kind) Class {
	switch k {
	case KindRiskTooHigh, KindCitationDepthExceeded, KindSCIBelowReject,
		KindAgentQuarantined, KindDeferralExpired, KindSchemaViolation,
		KindRoleForbidden:
		return ClassPolicy
	case KindAuditFail, KindLogicalContradiction, KindTier3Timeout, KindTier3Unavailable:
		return ClassVerification
	case KindIdentityLocked, KindWeakPassphrase, KindSignatureMismatch, KindKeyRotationDue,
		KindUnknownAgent:
		return ClassIdentity
	case KindHashTampering, KindLedgerChainBroken:
		return ClassIntegrity
	default:
		return ClassSystem
	}
}

// Ledgered reports whether a failure of this class must itself be recorded
// as a ledger event. System failures occur before any authoritative state
// mutation and are never ledgered.
func (c Class) Ledgered() bool { return c != ClassSystem }

// Error is a structured engine failure. EntryID points at the ledger record
// of the failure when one was written.
type Error struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
	EntryID string `json:"entry_id,omitempty"`
	cause   error
}

// NewError builds a structured failure.
func NewError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError attaches a cause preserved for errors.Is/As chains.
func WrapError(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: cause}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is matches two engine errors by kind, so sentinel comparisons like
// errors.Is(err, &Error{Kind: KindQueueFull}) work without message equality.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// KindOf extracts the kind from any error chain; empty when the chain holds
// no structured engine failure.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
