// Package trust maintains every reputation surface the engine governs by:
// source credibility (SCI), agent trust with its stages, influence weights
// with micro-penalties and recovery, cooling-off windows, and transitive
// trust across the endorsement graph. All mutations append to the reputation
// log; ledger events ride in the caller's append transaction.
package trust

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MythologIQ/qorelogic/pkg/contracts"
	"github.com/MythologIQ/qorelogic/pkg/ledger"
	"github.com/MythologIQ/qorelogic/pkg/store"
)

// probationWindow bounds agent and source probation by wall time; probation
// ends at the earlier of the verification count or this window.
const probationWindow = 30 * 24 * time.Hour

// stripeCount sizes the per-agent lock table.
const stripeCount = 64

// Engine owns reputation state transitions.
type Engine struct {
	store  *store.Store
	ledger *ledger.Ledger
	logger *slog.Logger
	clock  func() time.Time

	// actor signs engine-initiated ledger events (penalties, decay,
	// cooling-off). Set once at boot to the enforcer agent id.
	actorMu sync.RWMutex
	actor   string

	// stripes serialize read-modify-write cycles per agent so concurrent
	// operations on the same agent cannot interleave their score updates.
	stripes [stripeCount]sync.Mutex
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock injects a deterministic time source for tests.
func WithClock(fn func() time.Time) Option {
	return func(e *Engine) { e.clock = fn }
}

// WithLogger attaches a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// NewEngine wires the trust engine to its store and ledger.
func NewEngine(st *store.Store, led *ledger.Ledger, opts ...Option) *Engine {
	e := &Engine{
		store:  st,
		ledger: led,
		logger: slog.Default(),
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SetActor names the enforcer agent that signs engine-initiated events.
func (e *Engine) SetActor(agentID string) {
	e.actorMu.Lock()
	e.actor = agentID
	e.actorMu.Unlock()
}

// Actor returns the configured enforcer agent id.
func (e *Engine) Actor() string {
	e.actorMu.RLock()
	defer e.actorMu.RUnlock()
	return e.actor
}

func (e *Engine) requireActor() (string, error) {
	actor := e.Actor()
	if actor == "" {
		return "", fmt.Errorf("trust: no enforcer actor configured")
	}
	return actor, nil
}

// lockAgent acquires the agent's stripe; the returned func releases it.
func (e *Engine) lockAgent(agentID string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(agentID))
	stripe := &e.stripes[h.Sum32()%stripeCount]
	stripe.Lock()
	return stripe.Unlock
}

// AgentUpdate reports one reputation mutation back to the dispatcher, which
// turns the booleans into response annotations.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type AgentUpdate struct {
	AgentID         string               `json:"agent_id"`
	TrustBefore     float64              `json:"trust_before"`
	TrustAfter      float64              `json:"trust_after"`
	StageBefore     contracts.TrustStage `json:"stage_before"`
	StageAfter      contracts.TrustStage `json:"stage_after"`
	InfluenceBefore float64              `json:"influence_before"`
	InfluenceAfter  float64              `json:"influence_after"`
	Demoted         bool                 `json:"demoted,omitempty"`
	ProbationEnded  bool                 `json:"probation_ended,omitempty"`
	Probation       bool                 `json:"probation,omitempty"`
	Blocked         bool                 `json:"blocked,omitempty"` // suppressed by cooling-off
}

func (e *Engine) appendReputation(ctx context.Context, tx *store.Tx, kind string, u *AgentUpdate, outcome *float64, context string) error {
	return tx.AppendReputation(ctx, &store.ReputationChange{
		ID:              uuid.NewString(),
		AgentID:         u.AgentID,
		Timestamp:       e.clock().UTC(),
		ChangeKind:      kind,
		Outcome:         outcome,
		TrustBefore:     u.TrustBefore,
		TrustAfter:      u.TrustAfter,
		InfluenceBefore: u.InfluenceBefore,
		InfluenceAfter:  u.InfluenceAfter,
		Context:         context,
	})
}

// coolingOffActive reports whether the agent is inside its repair-block
// window at the given instant.
func coolingOffActive(a *contracts.Agent, now time.Time) bool {
	return a.CoolingOffUntil != nil && now.Before(*a.CoolingOffUntil)
}

func clampTrust(t float64) float64 {
	if t < contracts.TrustMin {
		return contracts.TrustMin
	}
	if t > contracts.TrustMax {
		return contracts.TrustMax
	}
	return t
}

// clampInfluence bounds a weight to [floor, ceil], with the probation cap
// applied on top while the agent is still probationary.
func clampInfluence(w float64, probation bool) float64 {
	ceil := contracts.InfluenceCeil
	if probation && ceil > contracts.ProbationInfluenceCap {
		ceil = contracts.ProbationInfluenceCap
	}
	if w > ceil {
		return ceil
	}
	if w < contracts.InfluenceFloor {
		return contracts.InfluenceFloor
	}
	return w
}

func stageRank(s contracts.TrustStage) int {
	switch s {
	case contracts.StageCBT:
		return 1
	case contracts.StageKBT:
		return 2
	case contracts.StageIBT:
		return 3
	default:
		return 0
	}
}
