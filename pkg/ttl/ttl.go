// Package ttl bounds how long a verified claim may be reused before it must
// be re-verified. Claims carry a volatility class; expiry is evaluated lazily
// on access and swept periodically into TTL_BREACH ledger events.
package ttl

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MythologIQ/qorelogic/pkg/canonical"
	"github.com/MythologIQ/qorelogic/pkg/contracts"
	"github.com/MythologIQ/qorelogic/pkg/ledger"
	"github.com/MythologIQ/qorelogic/pkg/store"
)

// Freshness is the lazy verdict on a claim.
type Freshness string

const (
	Fresh Freshness = "FRESH"
	Stale Freshness = "STALE"
)

// Duration maps a volatility class to its time-to-live.
func Duration(class contracts.VolatilityClass) (time.Duration, error) {
	switch class {
	case contracts.Volatile24h:
		return 24 * time.Hour, nil
	case contracts.SemiVolatile72h:
		return 72 * time.Hour, nil
	case contracts.Durable30d:
		return 30 * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("ttl: unknown volatility class %q", class)
	}
}

// Registry owns claim freshness.
type Registry struct {
	ledger *ledger.Ledger
	logger *slog.Logger
	clock  func() time.Time

	actorMu sync.RWMutex
	actor   string
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock injects a deterministic time source for tests.
func WithClock(fn func() time.Time) Option {
	return func(r *Registry) { r.clock = fn }
}

// WithLogger attaches a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// NewRegistry wires the claim registry to the ledger it breaches into.
func NewRegistry(led *ledger.Ledger, opts ...Option) *Registry {
	r := &Registry{ledger: led, logger: slog.Default(), clock: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetActor names the enforcer agent that signs TTL_BREACH events.
func (r *Registry) SetActor(agentID string) {
	r.actorMu.Lock()
	r.actor = agentID
	r.actorMu.Unlock()
}

func (r *Registry) requireActor() (string, error) {
	r.actorMu.RLock()
	defer r.actorMu.RUnlock()
	if r.actor == "" {
		return "", fmt.Errorf("ttl: no enforcer actor configured")
	}
	return r.actor, nil
}

// Register stores a freshly verified claim with the expiry its class earns.
// The claim id is derived as a new UUID; the content hash binds the claim to
// the exact verified text.
func (r *Registry) Register(ctx context.Context, tx *store.Tx, content string, class contracts.VolatilityClass, sourceURL string) (*store.ClaimRecord, error) {
	d, err := Duration(class)
	if err != nil {
		return nil, err
	}
	now := r.clock().UTC()
	c := &store.ClaimRecord{
		ClaimID:      uuid.NewString(),
		ContentHash:  canonical.HashBytes([]byte(content)),
		Class:        string(class),
		RegisteredAt: now,
		ExpiresAt:    now.Add(d),
		SourceURL:    sourceURL,
	}
	if err := tx.InsertClaim(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// Check is the authoritative lazy freshness evaluation: the verdict comes
// from the expiry timestamp, not the persisted stale flag, so a claim is
// STALE the instant its window passes even before any sweep runs.
func (r *Registry) Check(ctx context.Context, tx *store.Tx, claimID string) (*store.ClaimRecord, Freshness, error) {
	c, err := tx.GetClaim(ctx, claimID)
	if err != nil {
		return nil, "", err
	}
	if c.Stale || !r.clock().UTC().Before(c.ExpiresAt) {
		return c, Stale, nil
	}
	return c, Fresh, nil
}

// Refresh rearms a re-verified claim with a fresh window of its class.
func (r *Registry) Refresh(ctx context.Context, tx *store.Tx, claimID string) (*store.ClaimRecord, error) {
	c, err := tx.GetClaim(ctx, claimID)
	if err != nil {
		return nil, err
	}
	d, err := Duration(contracts.VolatilityClass(c.Class))
	if err != nil {
		return nil, err
	}
	now := r.clock().UTC()
	if err := tx.RefreshClaim(ctx, claimID, now, now.Add(d)); err != nil {
		return nil, err
	}
	c.RegisteredAt = now
	c.ExpiresAt = now.Add(d)
	c.Stale = false
	return c, nil
}

// Sweep marks claims past expiry stale and appends a TTL_BREACH event for
// each. Returns the breached claim ids. The caller must hold the store
// append lock.
func (r *Registry) Sweep(ctx context.Context, tx *store.Tx) ([]string, error) {
	actor, err := r.requireActor()
	if err != nil {
		return nil, err
	}
	now := r.clock().UTC()
	expired, err := tx.ExpiredFreshClaims(ctx, now)
	if err != nil {
		return nil, err
	}
	var breached []string
	for _, c := range expired {
		if err := tx.MarkClaimStale(ctx, c.ClaimID); err != nil {
			return nil, err
		}
		if _, err := r.ledger.Append(ctx, tx, ledger.Draft{
			Agent: actor,
			Kind:  contracts.EventTTLBreach,
			Payload: map[string]any{
				"claim_id":   c.ClaimID,
				"class":      c.Class,
				"expired_at": c.ExpiresAt.Format(time.RFC3339Nano),
			},
		}); err != nil {
			return nil, err
		}
		breached = append(breached, c.ClaimID)
	}
	if len(breached) > 0 {
		r.logger.Info("ttl: sweep breached claims", slog.Int("count", len(breached)))
	}
	return breached, nil
}
