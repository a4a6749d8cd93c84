package quarantine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/MythologIQ/qorelogic/pkg/contracts"
	"github.com/MythologIQ/qorelogic/pkg/ledger"
	"github.com/MythologIQ/qorelogic/pkg/store"
)

// Deferral lifecycle states.
const (
	DeferralActive    = "active"
	DeferralDisclosed = "disclosed"
	DeferralExpired   = "expired"
)

// DeferralWindow maps a harm category to the longest permitted disclosure
// delay. Low-risk facts get no window at all: they disclose immediately.
func DeferralWindow(category contracts.DeferralCategory) (time.Duration, error) {
	switch category {
	case contracts.DeferralSafety:
		return 4 * time.Hour, nil
	case contracts.DeferralMedical, contracts.DeferralLegal, contracts.DeferralFinancial:
		return 24 * time.Hour, nil
	case contracts.DeferralReputational:
		return 72 * time.Hour, nil
	case contracts.DeferralLow:
		return 0, nil
	default:
		return 0, fmt.Errorf("quarantine: unknown deferral category %q", category)
	}
}

// RequestDeferral logs a disclosure delay for a verified-but-harmful fact.
// The deadline is hard: expiry forces disclosure. A zero-window category
// yields a deadline of now, so the very next sweep discloses it.
func (w *Warden) RequestDeferral(ctx context.Context, tx *store.Tx, artifactHash string, category contracts.DeferralCategory, reason string) (*store.DeferralRecord, error) {
	window, err := DeferralWindow(category)
	if err != nil {
		return nil, err
	}
	if reason == "" {
		return nil, fmt.Errorf("quarantine: deferral needs a justification")
	}
	now := w.clock().UTC()
	d := &store.DeferralRecord{
		ID:           uuid.NewString(),
		ArtifactHash: artifactHash,
		Category:     string(category),
		Reason:       reason,
		State:        DeferralActive,
		CreatedAt:    now,
		Deadline:     now.Add(window),
	}
	if err := tx.InsertDeferral(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

// Disclose closes a deferral voluntarily before its deadline.
func (w *Warden) Disclose(ctx context.Context, tx *store.Tx, deferralID string) (*store.DeferralRecord, error) {
	d, err := tx.GetDeferral(ctx, deferralID)
	if err != nil {
		return nil, err
	}
	if d.State != DeferralActive {
		return nil, fmt.Errorf("quarantine: deferral %s already %s", deferralID, d.State)
	}
	if err := tx.UpdateDeferralState(ctx, deferralID, DeferralDisclosed); err != nil {
		return nil, err
	}
	d.State = DeferralDisclosed
	return d, nil
}

// ExtendDeferral re-justifies an active deferral within its original window.
// Past the deadline extension is refused with DEFERRAL_EXPIRED: expiry forces
// disclosure and no justification reopens it.
func (w *Warden) ExtendDeferral(ctx context.Context, tx *store.Tx, deferralID, reason string) (*store.DeferralRecord, error) {
	d, err := tx.GetDeferral(ctx, deferralID)
	if err != nil {
		return nil, err
	}
	now := w.clock().UTC()
	if d.State != DeferralActive || !now.Before(d.Deadline) {
		return nil, contracts.NewError(contracts.KindDeferralExpired,
			"deferral %s deadline %s has passed", deferralID, d.Deadline.Format(time.RFC3339Nano))
	}
	if err := tx.UpdateDeferralReason(ctx, deferralID, reason); err != nil {
		return nil, err
	}
	d.Reason = reason
	return d, nil
}

// SweepDeferrals forces disclosure of deferrals past their deadline. Each
// one appends an OVERRIDE event naming the forced disclosure. Returns the
// expired deferral ids. The caller must hold the store append lock.
func (w *Warden) SweepDeferrals(ctx context.Context, tx *store.Tx) ([]string, error) {
	actor, err := w.requireActor()
	if err != nil {
		return nil, err
	}
	expired, err := tx.ExpiredDeferrals(ctx, w.clock().UTC())
	if err != nil {
		return nil, err
	}
	var forced []string
	for _, d := range expired {
		if err := tx.UpdateDeferralState(ctx, d.ID, DeferralExpired); err != nil {
			return nil, err
		}
		if _, err := w.ledger.Append(ctx, tx, ledger.Draft{
			Agent: actor,
			Kind:  contracts.EventOverride,
			Payload: map[string]any{
				"action":        "forced_disclosure",
				"deferral_id":   d.ID,
				"artifact_hash": d.ArtifactHash,
				"category":      d.Category,
			},
		}); err != nil {
			return nil, err
		}
		forced = append(forced, d.ID)
	}
	if len(forced) > 0 {
		w.logger.Info("quarantine: deferrals expired into disclosure", slog.Int("count", len(forced)))
	}
	return forced, nil
}
