package trust

import (
	"context"
	"time"

	"github.com/MythologIQ/qorelogic/pkg/contracts"
	"github.com/MythologIQ/qorelogic/pkg/ledger"
	"github.com/MythologIQ/qorelogic/pkg/store"
)

// Cooling-off windows by track.
const (
	CoolingOffHonest       = 24 * time.Hour
	CoolingOffManipulation = 48 * time.Hour
)

// CoolingOffDuration returns the repair-block window for a track.
func CoolingOffDuration(track contracts.QuarantineTrack) time.Duration {
	if track == contracts.TrackManipulation {
		return CoolingOffManipulation
	}
	return CoolingOffHonest
}

// StartCoolingOff opens a repair-block window on the agent: 24 h for honest
// errors, 48 h for manipulation. Negative trust updates keep applying; the
// clean-audit streak restarts so manipulation recovery is earned entirely
// after the window.
func (e *Engine) StartCoolingOff(ctx context.Context, tx *store.Tx, agentID string, track contracts.QuarantineTrack) (time.Time, error) {
	actor, err := e.requireActor()
	if err != nil {
		return time.Time{}, err
	}
	unlock := e.lockAgent(agentID)
	defer unlock()

	if _, err := tx.GetAgent(ctx, agentID); err != nil {
		return time.Time{}, err
	}
	now := e.clock().UTC()
	until := now.Add(CoolingOffDuration(track))

	if err := tx.UpdateAgentCoolingOff(ctx, agentID, string(track), until.Format(time.RFC3339Nano)); err != nil {
		return time.Time{}, err
	}
	if err := tx.UpdateAgentStreak(ctx, agentID, 0); err != nil {
		return time.Time{}, err
	}
	if _, err := e.ledger.Append(ctx, tx, ledger.Draft{
		Agent: actor,
		Kind:  contracts.EventCoolingOffStart,
		Payload: map[string]any{
			"agent": agentID,
			"track": string(track),
			"until": until.Format(time.RFC3339Nano),
		},
	}); err != nil {
		return time.Time{}, err
	}
	return until, nil
}

// SweepCoolingOff closes expired windows: the until timestamp clears while
// the track is retained to drive post-window recovery rates until influence
// is restored. Returns the agents whose windows closed.
func (e *Engine) SweepCoolingOff(ctx context.Context, tx *store.Tx) ([]string, error) {
	actor, err := e.requireActor()
	if err != nil {
		return nil, err
	}
	agents, err := tx.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	now := e.clock().UTC()
	var closed []string
	for _, a := range agents {
		if a.CoolingOffUntil == nil || now.Before(*a.CoolingOffUntil) {
			continue
		}
		if err := tx.UpdateAgentCoolingOff(ctx, a.ID, a.CoolingOffTrack, nil); err != nil {
			return nil, err
		}
		if _, err := e.ledger.Append(ctx, tx, ledger.Draft{
			Agent: actor,
			Kind:  contracts.EventCoolingOffEnd,
			Payload: map[string]any{
				"agent": a.ID,
				"track": a.CoolingOffTrack,
			},
		}); err != nil {
			return nil, err
		}
		closed = append(closed, a.ID)
	}
	return closed, nil
}
