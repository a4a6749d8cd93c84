// Package modectl owns the engine's operational posture. A singleton
// system_state row records the current mode; load and queue-depth triggers
// move it between NORMAL, LEAN and SURGE, security events and operators move
// it into SAFE, and every transition appends a MODE_CHANGE ledger event.
//
// The controller also runs admission: a bounded request queue in front of a
// fixed worker pool with a compute reserve that only L3 work may draw on.
package modectl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MythologIQ/qorelogic/pkg/contracts"
	"github.com/MythologIQ/qorelogic/pkg/ledger"
	"github.com/MythologIQ/qorelogic/pkg/store"
)

// Trigger thresholds and windows.
const (
	// DefaultCPUHigh enters LEAN when load stays above it.
	DefaultCPUHigh = 0.70
	// DefaultCPULow exits LEAN when load stays below it.
	DefaultCPULow = 0.50
	// LeanEnterWindow is how long load must stay high before LEAN.
	LeanEnterWindow = 5 * time.Minute
	// LeanExitWindow is how long load must stay low before leaving LEAN.
	LeanExitWindow = 10 * time.Minute
	// SurgeExitDepth leaves SURGE once the queue drains below it.
	SurgeExitDepth = 10
)

// Controller evaluates mode triggers against the system_state singleton.
// Reads go through a cache invalidated on every write; the row itself is
// authoritative across processes.
type Controller struct {
	ledger  *ledger.Ledger
	sampler LoadSampler
	logger  *slog.Logger
	clock   func() time.Time

	cpuHigh  float64
	cpuLow   float64
	override contracts.Mode // pinned mode; empty when triggers run
	actor    string

	mu         sync.Mutex
	cached     *store.SystemState
	aboveSince time.Time // zero when load is not above cpuHigh
	belowSince time.Time // zero when load is not below cpuLow
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock injects a deterministic time source for tests.
func WithClock(fn func() time.Time) Option {
	return func(c *Controller) { c.clock = fn }
}

// WithLogger attaches a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// WithSampler replaces the /proc/loadavg sampler.
func WithSampler(s LoadSampler) Option {
	return func(c *Controller) { c.sampler = s }
}

// WithWatermarks overrides the LEAN enter/exit load thresholds.
func WithWatermarks(high, low float64) Option {
	return func(c *Controller) {
		if high > 0 {
			c.cpuHigh = high
		}
		if low > 0 {
			c.cpuLow = low
		}
	}
}

// WithOverride pins the mode. Trigger evaluation is suspended while the pin
// holds; the L3 compute reserve stays enforced regardless.
func WithOverride(m contracts.Mode) Option {
	return func(c *Controller) { c.override = m }
}

// WithActor names the enforcer agent that signs automatic transitions.
func WithActor(id string) Option {
	return func(c *Controller) { c.actor = id }
}

// NewController wires mode control to the ledger.
func NewController(led *ledger.Ledger, opts ...Option) *Controller {
	c := &Controller{
		ledger:  led,
		sampler: NewProcSampler(),
		logger:  slog.Default(),
		clock:   time.Now,
		cpuHigh: DefaultCPUHigh,
		cpuLow:  DefaultCPULow,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Init writes the singleton row if none exists. Called once at store
// initialization; an existing row is left untouched.
func (c *Controller) Init(ctx context.Context, tx *store.Tx) error {
	_, err := tx.GetSystemState(ctx)
	if err == nil {
		return nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return err
	}
	st := &store.SystemState{
		Mode:      string(contracts.ModeNormal),
		EnteredAt: c.clock().UTC(),
		Reason:    "initialized",
	}
	if c.override != "" {
		st.Mode = string(c.override)
		st.Reason = "mode_override"
		st.Override = true
	}
	if err := tx.PutSystemState(ctx, st); err != nil {
		return err
	}
	c.mu.Lock()
	c.cached = st
	c.mu.Unlock()
	return nil
}

// Current returns the active mode.
func (c *Controller) Current(ctx context.Context, tx *store.Tx) (contracts.Mode, error) {
	st, err := c.State(ctx, tx)
	if err != nil {
		return "", err
	}
	return contracts.Mode(st.Mode), nil
}

// State returns the full singleton row, served from cache when warm.
func (c *Controller) State(ctx context.Context, tx *store.Tx) (*store.SystemState, error) {
	c.mu.Lock()
	if c.cached != nil {
		st := *c.cached
		c.mu.Unlock()
		return &st, nil
	}
	c.mu.Unlock()

	st, err := tx.GetSystemState(ctx)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.cached = st
	c.mu.Unlock()
	out := *st
	return &out, nil
}

// Cached returns the last mode this process observed, empty before the first
// read. Gauge callbacks use it so metric collection never takes the append
// lock.
func (c *Controller) Cached() contracts.Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cached == nil {
		return ""
	}
	return contracts.Mode(c.cached.Mode)
}

// SetMode commits a manual transition. Entering or leaving SAFE goes through
// here: SAFE never clears automatically. pin marks the row operator-pinned so
// trigger evaluation leaves it alone. The caller must hold the store append
// lock.
func (c *Controller) SetMode(ctx context.Context, tx *store.Tx, mode contracts.Mode, reason, actor string, pin bool) error {
	if !mode.Valid() {
		return fmt.Errorf("modectl: unknown mode %q", mode)
	}
	return c.transition(ctx, tx, mode, reason, actor, pin)
}

// SecurityEvent forces SAFE. Integrity failures outrank the operator pin:
// a tampered ledger must halt non-L3 work even when the mode is pinned.
// The caller must hold the store append lock.
func (c *Controller) SecurityEvent(ctx context.Context, tx *store.Tx, reason, actor string) error {
	st, err := c.State(ctx, tx)
	if err != nil {
		return err
	}
	if contracts.Mode(st.Mode) == contracts.ModeSafe {
		return nil
	}
	c.logger.Warn("modectl: security event, entering SAFE", slog.String("reason", reason))
	return c.transition(ctx, tx, contracts.ModeSafe, reason, actor, st.Override)
}

// Evaluate runs one trigger pass: samples load, inspects queue depth, and
// commits at most one transition. SAFE and operator-pinned modes are left
// alone. queueDepth is the admission queue's current backlog. The caller
// must hold the store append lock.
func (c *Controller) Evaluate(ctx context.Context, tx *store.Tx, queueDepth, queueHard int) (contracts.Mode, error) {
	st, err := c.State(ctx, tx)
	if err != nil {
		return "", err
	}
	mode := contracts.Mode(st.Mode)
	if st.Override || c.override != "" {
		return mode, nil
	}
	if mode == contracts.ModeSafe {
		return mode, nil
	}

	load, err := c.sampler.Sample()
	if err != nil {
		c.logger.Warn("modectl: load sample failed", slog.String("error", err.Error()))
		load = 0
	}
	now := c.clock().UTC()
	c.trackLoad(load, now)

	switch {
	case mode != contracts.ModeSurge && queueDepth > queueHard:
		if err := c.transition(ctx, tx, contracts.ModeSurge, fmt.Sprintf("queue depth %d over %d", queueDepth, queueHard), c.actor, false); err != nil {
			return mode, err
		}
		return contracts.ModeSurge, nil

	case mode == contracts.ModeSurge && queueDepth < SurgeExitDepth:
		if err := c.transition(ctx, tx, contracts.ModeNormal, fmt.Sprintf("queue depth %d below %d", queueDepth, SurgeExitDepth), c.actor, false); err != nil {
			return mode, err
		}
		return contracts.ModeNormal, nil

	case mode == contracts.ModeNormal && c.sustainedAbove(now):
		if err := c.transition(ctx, tx, contracts.ModeLean, fmt.Sprintf("load %.2f over %.2f for %s", load, c.cpuHigh, LeanEnterWindow), c.actor, false); err != nil {
			return mode, err
		}
		return contracts.ModeLean, nil

	case mode == contracts.ModeLean && c.sustainedBelow(now):
		if err := c.transition(ctx, tx, contracts.ModeNormal, fmt.Sprintf("load %.2f below %.2f for %s", load, c.cpuLow, LeanExitWindow), c.actor, false); err != nil {
			return mode, err
		}
		return contracts.ModeNormal, nil
	}
	return mode, nil
}

// trackLoad advances the sustained-load windows.
func (c *Controller) trackLoad(load float64, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if load > c.cpuHigh {
		if c.aboveSince.IsZero() {
			c.aboveSince = now
		}
	} else {
		c.aboveSince = time.Time{}
	}
	if load < c.cpuLow {
		if c.belowSince.IsZero() {
			c.belowSince = now
		}
	} else {
		c.belowSince = time.Time{}
	}
}

func (c *Controller) sustainedAbove(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.aboveSince.IsZero() && now.Sub(c.aboveSince) >= LeanEnterWindow
}

func (c *Controller) sustainedBelow(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.belowSince.IsZero() && now.Sub(c.belowSince) >= LeanExitWindow
}

// transition commits the new mode, invalidates the cache and appends
// MODE_CHANGE.
func (c *Controller) transition(ctx context.Context, tx *store.Tx, mode contracts.Mode, reason, actor string, pin bool) error {
	if actor == "" {
		return fmt.Errorf("modectl: no actor for mode transition")
	}
	prev, err := c.State(ctx, tx)
	if err != nil {
		return err
	}
	st := &store.SystemState{
		Mode:      string(mode),
		EnteredAt: c.clock().UTC(),
		Reason:    reason,
		Override:  pin,
	}
	if err := tx.PutSystemState(ctx, st); err != nil {
		return err
	}
	if _, err := c.ledger.Append(ctx, tx, ledger.Draft{
		Agent: actor,
		Kind:  contracts.EventModeChange,
		Payload: map[string]any{
			"from":   prev.Mode,
			"to":     string(mode),
			"reason": reason,
		},
	}); err != nil {
		return err
	}
	c.mu.Lock()
	c.cached = st
	c.mu.Unlock()
	c.logger.Info("modectl: mode change",
		slog.String("from", prev.Mode),
		slog.String("to", string(mode)),
		slog.String("reason", reason))
	return nil
}

// Gate decides whether work of the given grade may run under mode m.
// SURGE defers L1; SAFE suspends L1/L2 and admits L3 only from a Human.
// LEAN admits everything (the pipeline itself samples L1 static scans).
func Gate(m contracts.Mode, grade contracts.RiskGrade, role contracts.AgentRole) error {
	switch m {
	case contracts.ModeSurge:
		if grade == contracts.RiskL1 {
			return contracts.NewError(contracts.KindModeBlocked, "L1 work deferred under SURGE")
		}
	case contracts.ModeSafe:
		if grade != contracts.RiskL3 {
			return contracts.NewError(contracts.KindModeBlocked, "%s work suspended under SAFE", grade)
		}
		if role != contracts.RoleHuman {
			return contracts.NewError(contracts.KindModeBlocked, "SAFE admits L3 from human agents only")
		}
	}
	return nil
}
