package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/MythologIQ/qorelogic/pkg/approval"
	"github.com/MythologIQ/qorelogic/pkg/calibration"
	"github.com/MythologIQ/qorelogic/pkg/contracts"
	"github.com/MythologIQ/qorelogic/pkg/evidence"
	"github.com/MythologIQ/qorelogic/pkg/identity"
	"github.com/MythologIQ/qorelogic/pkg/ledger"
	"github.com/MythologIQ/qorelogic/pkg/modectl"
	"github.com/MythologIQ/qorelogic/pkg/observability"
	"github.com/MythologIQ/qorelogic/pkg/quarantine"
	"github.com/MythologIQ/qorelogic/pkg/sentinel"
	"github.com/MythologIQ/qorelogic/pkg/store"
	"github.com/MythologIQ/qorelogic/pkg/trust"
	"github.com/MythologIQ/qorelogic/pkg/ttl"
)

// TamperWindow is how far back repeated tampering offenses count toward the
// manipulation track.
const TamperWindow = time.Hour

// TamperThreshold is the offense count inside the window that starts a
// manipulation quarantine.
const TamperThreshold = 2

// Request is one operation submitted to the engine, transport-agnostic: the
// HTTP shell and the CLI both build these.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Request struct {
	Operation string          `json:"operation"`
	AgentID   string          `json:"agent_id"`
	Class     modectl.Class   `json:"class,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

// Deps are the engine's collaborators. All fields except Limiter and
// Observability are required.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Deps struct {
	Store         *store.Store
	Identity      *identity.Manager
	Ledger        *ledger.Ledger
	Trust         *trust.Engine
	Classifier    *sentinel.Classifier
	Pipeline      *sentinel.Pipeline
	Approvals     *approval.Queue
	Warden        *quarantine.Warden
	Claims        *ttl.Registry
	Calibration   *calibration.Tracker
	Modes         *modectl.Controller
	Admission     *modectl.Admission
	Limiter       modectl.LimiterStore
	Archive       *evidence.Archive
	Observability *observability.Provider
}

// Engine sequences every operation through the same policy chain: validate,
// admit, authenticate, gate, execute under deadline, settle trust, append to
// the ledger. Handlers never bypass a stage.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Engine struct {
	store      *store.Store
	identity   *identity.Manager
	ledger     *ledger.Ledger
	trust      *trust.Engine
	classifier *sentinel.Classifier
	pipeline   *sentinel.Pipeline
	approvals  *approval.Queue
	warden     *quarantine.Warden
	claims     *ttl.Registry
	calib      *calibration.Tracker
	modes      *modectl.Controller
	admission  *modectl.Admission
	limiter    modectl.LimiterStore
	archive    *evidence.Archive
	obs        *observability.Provider

	ops    map[string]*opSpec
	limits modectl.Policy
	actor  string
	tier3  string
	logger *slog.Logger
	clock  func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock injects a deterministic time source for tests.
func WithClock(fn func() time.Time) Option {
	return func(e *Engine) { e.clock = fn }
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithActor names the enforcer agent that signs engine-initiated entries.
func WithActor(agentID string) Option {
	return func(e *Engine) { e.actor = agentID }
}

// WithRatePolicy sets the per-agent admission budget.
func WithRatePolicy(p modectl.Policy) Option {
	return func(e *Engine) { e.limits = p }
}

// WithTier3Method labels TIER3_REQUEST entries with the backend spec.
func WithTier3Method(spec string) Option {
	return func(e *Engine) { e.tier3 = spec }
}

// New wires the engine and compiles every operation schema.
func New(d Deps, opts ...Option) (*Engine, error) {
	schemas, err := compileSchemas()
	if err != nil {
		return nil, err
	}
	ops := buildOps()
	for name, spec := range ops {
		spec.schema = schemas[name]
	}
	e := &Engine{
		store:      d.Store,
		identity:   d.Identity,
		ledger:     d.Ledger,
		trust:      d.Trust,
		classifier: d.Classifier,
		pipeline:   d.Pipeline,
		approvals:  d.Approvals,
		warden:     d.Warden,
		claims:     d.Claims,
		calib:      d.Calibration,
		modes:      d.Modes,
		admission:  d.Admission,
		limiter:    d.Limiter,
		archive:    d.Archive,
		obs:        d.Observability,
		ops:        ops,
		limits:     modectl.Policy{PerMinute: 600, Burst: 60},
		tier3:      "none",
		logger:     slog.Default(),
		clock:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.obs == nil {
		e.obs, err = observability.New(context.Background(), observability.DefaultConfig())
		if err != nil {
			return nil, err
		}
	}
	return e, nil
}

// Actor returns the enforcer agent id engine-signed entries use.
func (e *Engine) Actor() string { return e.actor }

// Admission exposes queue state to the shell and the sweeper.
func (e *Engine) Admission() *modectl.Admission { return e.admission }

// Modes exposes the mode controller for state reads.
func (e *Engine) Modes() *modectl.Controller { return e.modes }

// Store exposes the backing store for read-only shell queries.
func (e *Engine) Store() *store.Store { return e.store }

// Ledger exposes the chain for verification and export surfaces.
func (e *Engine) Ledger() *ledger.Ledger { return e.ledger }

// Dispatch runs one operation end to end and returns its response envelope.
// Failures are *contracts.Error values whose kind decides the propagation
// class; system-class failures are guaranteed to have written nothing.
func (e *Engine) Dispatch(ctx context.Context, req Request) (*contracts.Response, error) {
	ctx, done := e.obs.TrackOperation(ctx, req.Operation,
		attribute.String("qorelogic.agent", req.AgentID))
	resp, err := e.dispatch(ctx, req)
	done(err)
	return resp, err
}

func (e *Engine) dispatch(ctx context.Context, req Request) (*contracts.Response, error) {
	spec, ok := e.ops[req.Operation]
	if !ok {
		return nil, contracts.NewError(contracts.KindSchemaViolation,
			"unknown operation %q", req.Operation)
	}
	if req.AgentID == "" {
		return nil, contracts.NewError(contracts.KindUnknownAgent, "agent id required")
	}

	params := map[string]any{}
	if len(req.Payload) > 0 {
		if err := json.Unmarshal(req.Payload, &params); err != nil {
			return nil, e.schemaViolation(ctx, req, fmt.Errorf("payload is not a JSON object: %w", err))
		}
	}
	if err := spec.schema.Validate(params); err != nil {
		return nil, e.schemaViolation(ctx, req, err)
	}

	grade := spec.grade(e, params)
	if !grade.Valid() {
		return nil, contracts.NewError(contracts.KindSchemaViolation,
			"operation %s: invalid risk grade", req.Operation)
	}

	if err := modectl.Throttle(ctx, e.limiter, req.AgentID, e.limits); err != nil {
		return nil, err
	}
	ticket, soft, err := e.admission.Admit(ctx, grade, req.Class)
	if err != nil {
		return nil, err
	}
	defer ticket.Release()

	resp := &contracts.Response{Status: "OK", RiskGrade: grade}
	if soft {
		resp.Warn(contracts.WarnSoftBackpressure)
	}

	c := &call{
		op:      req.Operation,
		agentID: req.AgentID,
		grade:   grade,
		raw:     req.Payload,
		params:  params,
		resp:    resp,
	}

	dctx, cancel := context.WithTimeout(ctx, deadlineFor(grade))
	defer cancel()

	if spec.flow != nil {
		err = spec.flow(dctx, e, c)
	} else {
		err = e.store.WithinAppendTx(dctx, func(tx *store.Tx) error {
			if gerr := e.gate(dctx, tx, spec, c); gerr != nil {
				return gerr
			}
			return spec.tx(dctx, e, tx, c)
		})
	}
	if err != nil {
		e.noteIdentityFailure(ctx, req.AgentID, err)
		return nil, err
	}
	return resp, nil
}

// gate authenticates the caller and applies the quarantine, mode, and role
// policies. It runs inside the handler's first transaction so the checks and
// the writes they protect commit atomically.
func (e *Engine) gate(ctx context.Context, tx *store.Tx, spec *opSpec, c *call) error {
	agent, err := tx.GetAgent(ctx, c.agentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return contracts.NewError(contracts.KindUnknownAgent,
				"agent %s is not registered", c.agentID)
		}
		return err
	}
	c.agent = agent

	if e.identity.RotationDue(agent) {
		c.resp.Warn(contracts.WarnKeyRotationDue)
	}

	mode, err := e.modes.Current(ctx, tx)
	if err != nil {
		return err
	}
	c.mode = mode
	if err := modectl.Gate(mode, c.grade, agent.Role); err != nil {
		return err
	}

	if !spec.allows(agent.Role) {
		return contracts.NewError(contracts.KindRoleForbidden,
			"operation %s requires role %v, agent %s holds %s",
			c.op, spec.roles, agent.ID, agent.Role)
	}

	return e.warden.Gate(ctx, tx, agent.ID)
}

// schemaViolation settles a malformed request: when the caller is a known
// agent the schema infraction docks influence and the MICRO_PENALTY entry id
// rides back on the error; unknown callers just get the rejection.
func (e *Engine) schemaViolation(ctx context.Context, req Request, cause error) error {
	out := contracts.WrapError(contracts.KindSchemaViolation, cause,
		"operation %s: payload rejected", req.Operation)

	err := e.store.WithinAppendTx(ctx, func(tx *store.Tx) error {
		if _, lookupErr := tx.GetAgent(ctx, req.AgentID); lookupErr != nil {
			if errors.Is(lookupErr, store.ErrNotFound) {
				return nil
			}
			return lookupErr
		}
		u, penErr := e.trust.ApplyMicroPenalty(ctx, tx, req.AgentID, trust.InfractionSchema)
		if penErr != nil {
			return penErr
		}
		if u != nil {
			if row, rowErr := tx.LastLedgerRow(ctx); rowErr == nil {
				out.EntryID = row.EntryID
			}
		}
		return nil
	})
	if err != nil {
		e.logger.Error("dispatcher: schema penalty not recorded",
			slog.String("agent", req.AgentID),
			slog.String("error", err.Error()))
	}
	e.obs.RecordPenalty(ctx, string(trust.InfractionSchema))
	return out
}

// noteIdentityFailure counts identity-class failures toward the honest-error
// track. Runs in its own transaction because the failing handler's rolled
// back.
func (e *Engine) noteIdentityFailure(ctx context.Context, agentID string, cause error) {
	kind := contracts.KindOf(cause)
	if contracts.ClassOf(kind) != contracts.ClassIdentity || kind == contracts.KindUnknownAgent {
		return
	}
	err := e.store.WithinAppendTx(ctx, func(tx *store.Tx) error {
		tripped, err := e.trust.NoteIdentityError(ctx, tx, agentID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			return err
		}
		if !tripped {
			return nil
		}
		_, err = e.beginQuarantine(ctx, tx, agentID, contracts.TrackHonestError,
			"repeated identity errors")
		return err
	})
	if err != nil {
		e.logger.Error("dispatcher: identity error not recorded",
			slog.String("agent", agentID),
			slog.String("error", err.Error()))
	}
}

// beginQuarantine opens the block window plus the matching cooling-off
// window; the manipulation track additionally docks influence by 0.25.
func (e *Engine) beginQuarantine(ctx context.Context, tx *store.Tx, agentID string, track contracts.QuarantineTrack, reason string) (*store.QuarantineRecord, error) {
	rec, err := e.warden.Start(ctx, tx, agentID, track, reason)
	if err != nil {
		return nil, err
	}
	if _, err := e.trust.StartCoolingOff(ctx, tx, agentID, track); err != nil {
		return nil, err
	}
	if track == contracts.TrackManipulation {
		if _, err := e.trust.DockInfluence(ctx, tx, agentID, 0.25, reason); err != nil {
			return nil, err
		}
	}
	return rec, nil
}

// recordTampering appends the HASH_TAMPERING entry attributed to the
// offender and, on the second offense inside the window, starts the
// manipulation track.
func (e *Engine) recordTampering(ctx context.Context, tx *store.Tx, offenderID, detail string) (*store.LedgerRow, error) {
	row, err := e.ledger.Append(ctx, tx, ledger.Draft{
		Agent: offenderID,
		Kind:  contracts.EventHashTampering,
		Payload: map[string]any{
			"agent":  offenderID,
			"detail": sentinel.Redact(detail),
		},
	})
	if err != nil {
		return nil, err
	}
	since := e.clock().UTC().Add(-TamperWindow)
	n, err := tx.CountLedgerByKind(ctx, offenderID, string(contracts.EventHashTampering), since)
	if err != nil {
		return nil, err
	}
	if n >= TamperThreshold {
		if _, err := e.beginQuarantine(ctx, tx, offenderID, contracts.TrackManipulation,
			"repeated tampering offenses"); err != nil {
			return nil, err
		}
	}
	return row, nil
}

// settleOutcome applies the EWMA update for a verification verdict and
// appends the matching REWARD or PENALTY entry. Cooling-off suppression
// yields no entry for a positive outcome; failures always land.
func (e *Engine) settleOutcome(ctx context.Context, tx *store.Tx, agentID string, o trust.Outcome) (*trust.AgentUpdate, error) {
	u, err := e.trust.RecordAgentOutcome(ctx, tx, agentID, o)
	if err != nil {
		return nil, err
	}
	if u.Blocked {
		return u, nil
	}
	kind := contracts.EventPenalty
	if o.Success {
		kind = contracts.EventReward
	}
	if _, err := e.ledger.Append(ctx, tx, ledger.Draft{
		Agent:     agentID,
		Kind:      kind,
		RiskGrade: riskOf(o.HighRisk),
		Payload: map[string]any{
			"trust_before": u.TrustBefore,
			"trust_after":  u.TrustAfter,
			"stage":        string(u.StageAfter),
			"context":      sentinel.Redact(o.Context),
		},
		TrustAtAction: &u.TrustBefore,
	}); err != nil {
		return nil, err
	}
	if !o.Success {
		e.obs.RecordPenalty(ctx, "outcome")
	}
	return u, nil
}

func riskOf(highRisk bool) contracts.RiskGrade {
	if highRisk {
		return contracts.RiskL3
	}
	return contracts.RiskL2
}

// annotateUpdate surfaces trust-state side effects on the response.
func annotateUpdate(resp *contracts.Response, u *trust.AgentUpdate) {
	if u == nil {
		return
	}
	if u.Demoted {
		resp.Annotate(contracts.NoteStageDemoted)
	}
	if u.Probation {
		resp.Annotate(contracts.NoteProbationFloor)
	}
	if u.Blocked {
		resp.Annotate(contracts.NoteCoolingOff)
	}
}

// observeConfidence feeds the calibration window when the caller attached a
// confidence figure; drift draws the daily calibration micro-penalty.
func (e *Engine) observeConfidence(ctx context.Context, tx *store.Tx, agentID string, confidence *float64, correct bool) error {
	if confidence == nil {
		return nil
	}
	rep, err := e.calib.Observe(ctx, tx, agentID, *confidence, correct)
	if err != nil {
		return err
	}
	if !rep.Drifted {
		return nil
	}
	if _, err := e.trust.ApplyMicroPenalty(ctx, tx, agentID, trust.InfractionCalibrationDrift); err != nil {
		return err
	}
	e.obs.RecordPenalty(ctx, string(trust.InfractionCalibrationDrift))
	return nil
}

// VerifyChain replays the full ledger. A broken chain is an integrity
// failure: the engine appends HASH_TAMPERING, flips to SAFE, and schedules a
// supervised rerun; non-L3 work stays halted until an Overseer clears the
// mode.
func (e *Engine) VerifyChain(ctx context.Context) (*ledger.ReplayReport, error) {
	report, err := e.ledger.Replay(ctx, 0)
	if err == nil {
		return report, nil
	}
	var chainErr *ledger.ChainError
	if !errors.As(err, &chainErr) {
		return nil, err
	}

	recErr := e.store.WithinAppendTx(ctx, func(tx *store.Tx) error {
		if _, aerr := e.ledger.Append(ctx, tx, ledger.Draft{
			Agent: e.actor,
			Kind:  contracts.EventHashTampering,
			Payload: map[string]any{
				"sequence": chainErr.Sequence,
				"detail":   chainErr.Error(),
			},
		}); aerr != nil {
			return aerr
		}
		if _, aerr := e.ledger.Append(ctx, tx, ledger.Draft{
			Agent: e.actor,
			Kind:  contracts.EventSupervisedRerun,
			Payload: map[string]any{
				"from_sequence": chainErr.Sequence,
				"reason":        "ledger verification failed",
			},
		}); aerr != nil {
			return aerr
		}
		return e.modes.SecurityEvent(ctx, tx,
			fmt.Sprintf("hash tampering at sequence %d", chainErr.Sequence), e.actor)
	})
	if recErr != nil {
		e.logger.Error("dispatcher: tamper response incomplete",
			slog.String("error", recErr.Error()))
	}
	return report, err
}
