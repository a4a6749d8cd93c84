// Package quarantine enforces time-boxed blocks on agents and logged
// disclosure deferrals. A quarantined agent's requests are rejected wholesale
// until the release time passes; the active check is lazy and authoritative,
// with a periodic sweep appending the release events.
package quarantine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MythologIQ/qorelogic/pkg/contracts"
	"github.com/MythologIQ/qorelogic/pkg/ledger"
	"github.com/MythologIQ/qorelogic/pkg/store"
)

// Block windows by track.
const (
	HonestErrorWindow  = 24 * time.Hour
	ManipulationWindow = 48 * time.Hour
)

// Window returns the block duration for a track.
func Window(track contracts.QuarantineTrack) (time.Duration, error) {
	switch track {
	case contracts.TrackHonestError:
		return HonestErrorWindow, nil
	case contracts.TrackManipulation:
		return ManipulationWindow, nil
	default:
		return 0, fmt.Errorf("quarantine: unknown track %q", track)
	}
}

// Invalidator drops cached key material for a locked-out agent. The identity
// manager satisfies it.
type Invalidator interface {
	Invalidate(agentID string)
}

// Warden owns quarantine and deferral state.
type Warden struct {
	ledger *ledger.Ledger
	keys   Invalidator
	logger *slog.Logger
	clock  func() time.Time

	actorMu sync.RWMutex
	actor   string
}

// Option configures a Warden.
type Option func(*Warden)

// WithClock injects a deterministic time source for tests.
func WithClock(fn func() time.Time) Option {
	return func(w *Warden) { w.clock = fn }
}

// WithLogger attaches a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Warden) { w.logger = l }
}

// NewWarden wires the warden to the ledger it records into and the key cache
// it invalidates on lockout.
func NewWarden(led *ledger.Ledger, keys Invalidator, opts ...Option) *Warden {
	w := &Warden{ledger: led, keys: keys, logger: slog.Default(), clock: time.Now}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// SetActor names the enforcer agent that signs quarantine events.
func (w *Warden) SetActor(agentID string) {
	w.actorMu.Lock()
	w.actor = agentID
	w.actorMu.Unlock()
}

func (w *Warden) requireActor() (string, error) {
	w.actorMu.RLock()
	defer w.actorMu.RUnlock()
	if w.actor == "" {
		return "", fmt.Errorf("quarantine: no enforcer actor configured")
	}
	return w.actor, nil
}

// Start blocks the agent for its track's window, appends the QUARANTINE
// event and drops any cached key material. The caller must hold the store
// append lock.
func (w *Warden) Start(ctx context.Context, tx *store.Tx, agentID string, track contracts.QuarantineTrack, reason string) (*store.QuarantineRecord, error) {
	d, err := Window(track)
	if err != nil {
		return nil, err
	}
	actor, err := w.requireActor()
	if err != nil {
		return nil, err
	}
	if _, err := tx.GetAgent(ctx, agentID); err != nil {
		return nil, err
	}
	now := w.clock().UTC()
	q := &store.QuarantineRecord{
		ID:        uuid.NewString(),
		AgentID:   agentID,
		Track:     string(track),
		Reason:    reason,
		StartedAt: now,
		Duration:  d,
		ReleaseAt: now.Add(d),
	}
	if err := tx.InsertQuarantine(ctx, q); err != nil {
		return nil, err
	}
	if _, err := w.ledger.Append(ctx, tx, ledger.Draft{
		Agent: actor,
		Kind:  contracts.EventQuarantine,
		Payload: map[string]any{
			"agent":      agentID,
			"track":      string(track),
			"reason":     reason,
			"release_at": q.ReleaseAt.Format(time.RFC3339Nano),
		},
	}); err != nil {
		return nil, err
	}
	if w.keys != nil {
		w.keys.Invalidate(agentID)
	}
	w.logger.Warn("quarantine: agent blocked",
		slog.String("agent", agentID),
		slog.String("track", string(track)),
		slog.String("release_at", q.ReleaseAt.Format(time.RFC3339Nano)))
	return q, nil
}

// Active returns the covering unreleased record, or nil when the agent is
// clear. The expiry comparison is against the warden clock, not the released
// flag, so an overdue sweep never extends a block.
func (w *Warden) Active(ctx context.Context, tx *store.Tx, agentID string) (*store.QuarantineRecord, error) {
	return tx.ActiveQuarantine(ctx, agentID, w.clock().UTC())
}

// Gate rejects the request when the agent is under an active quarantine.
func (w *Warden) Gate(ctx context.Context, tx *store.Tx, agentID string) error {
	q, err := w.Active(ctx, tx, agentID)
	if err != nil {
		return err
	}
	if q != nil {
		return contracts.NewError(contracts.KindAgentQuarantined,
			"agent %s blocked on %s track until %s", agentID, q.Track,
			q.ReleaseAt.Format(time.RFC3339Nano))
	}
	return nil
}

// SweepReleases closes records whose window has passed, appending a
// QUARANTINE_RELEASE per agent. Returns the released agent ids. The caller
// must hold the store append lock.
func (w *Warden) SweepReleases(ctx context.Context, tx *store.Tx) ([]string, error) {
	actor, err := w.requireActor()
	if err != nil {
		return nil, err
	}
	expired, err := tx.ExpiredQuarantines(ctx, w.clock().UTC())
	if err != nil {
		return nil, err
	}
	var released []string
	for _, q := range expired {
		if err := tx.MarkQuarantineReleased(ctx, q.ID); err != nil {
			return nil, err
		}
		if _, err := w.ledger.Append(ctx, tx, ledger.Draft{
			Agent: actor,
			Kind:  contracts.EventQuarantineRelease,
			Payload: map[string]any{
				"agent": q.AgentID,
				"track": q.Track,
			},
		}); err != nil {
			return nil, err
		}
		released = append(released, q.AgentID)
	}
	return released, nil
}
