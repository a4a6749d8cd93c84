package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/MythologIQ/qorelogic/pkg/approval"
	"github.com/MythologIQ/qorelogic/pkg/calibration"
	"github.com/MythologIQ/qorelogic/pkg/config"
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

// Assemble opens the store and wires every collaborator into a ready engine.
// It requires an initialized store with at least one enforcer agent; run the
// init command first on a fresh path. The returned shutdown func flushes
// telemetry and closes the key cache, the tier-3 backend, and the store.
func Assemble(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Engine, func(context.Context) error, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.RequirePassphraseSource(); err != nil {
		return nil, nil, err
	}
	source, err := identity.SourceFromSpec(cfg.PassphraseSource)
	if err != nil {
		return nil, nil, err
	}

	st, err := store.Open(cfg.StorePath, store.WithLogger(logger))
	if err != nil {
		return nil, nil, err
	}
	fail := func(cause error) (*Engine, func(context.Context) error, error) {
		if cerr := st.Close(); cerr != nil {
			logger.Error("dispatcher: store close during failed assembly",
				slog.String("error", cerr.Error()))
		}
		return nil, nil, cause
	}

	actor, err := resolveEnforcer(ctx, st)
	if err != nil {
		return fail(err)
	}

	obs, err := observability.New(ctx, observabilityConfig(cfg))
	if err != nil {
		return fail(err)
	}

	idm := identity.NewManager(st, source,
		identity.WithLogger(logger),
		identity.WithMinPassphraseLength(cfg.MinPassphraseLength),
		identity.WithRotationMaxAge(time.Duration(cfg.RotationMaxAgeDays)*24*time.Hour))

	led := ledger.New(st, idm,
		ledger.WithLogger(logger),
		ledger.WithObserver(func(kind string) {
			obs.RecordLedgerAppend(context.Background(), kind)
		}))

	trustEng := trust.NewEngine(st, led, trust.WithLogger(logger))
	trustEng.SetActor(actor)

	pack := sentinel.DefaultPack()
	if cfg.RulePackPath != "" {
		if pack, err = sentinel.LoadPack(cfg.RulePackPath); err != nil {
			return fail(err)
		}
	}
	classifier, err := sentinel.NewClassifier(pack)
	if err != nil {
		return fail(err)
	}
	tier2, err := sentinel.NewTier2Checker()
	if err != nil {
		return fail(err)
	}
	tier3, err := sentinel.NewTier3Runner(ctx, cfg.Tier3Backend, cfg.Tier3Depth,
		sentinel.WithTier3Logger(logger))
	if err != nil {
		return fail(err)
	}
	pipeline := sentinel.NewPipeline(classifier, tier2, tier3,
		sentinel.WithPipelineLogger(logger))

	approvals := approval.NewQueue(led, approval.WithLogger(logger))

	warden := quarantine.NewWarden(led, idm, quarantine.WithLogger(logger))
	warden.SetActor(actor)

	claims := ttl.NewRegistry(led, ttl.WithLogger(logger))
	claims.SetActor(actor)

	calib := calibration.NewTracker(calibration.WithLogger(logger))

	modeOpts := []modectl.Option{
		modectl.WithLogger(logger),
		modectl.WithWatermarks(cfg.CPUHighWatermark, cfg.CPULowWatermark),
		modectl.WithActor(actor),
	}
	if cfg.ModeOverride != "" {
		modeOpts = append(modeOpts, modectl.WithOverride(contracts.Mode(cfg.ModeOverride)))
	}
	modes := modectl.NewController(led, modeOpts...)

	admission := modectl.NewAdmission(cfg.Workers, cfg.QueueSoft, cfg.QueueHard)

	var limiter modectl.LimiterStore
	var redisLimiter *modectl.RedisLimiter
	if cfg.RedisAddr != "" {
		redisLimiter = modectl.NewRedisLimiter(cfg.RedisAddr, "", 0)
		limiter = redisLimiter
	} else {
		limiter = modectl.NewMemoryLimiter(time.Now)
	}

	cas, err := evidence.NewStore(ctx, cfg)
	if err != nil {
		return fail(err)
	}
	archive := evidence.NewArchive(cas, led, evidence.WithLogger(logger))

	if err := st.WithinAppendTx(ctx, func(tx *store.Tx) error {
		return modes.Init(ctx, tx)
	}); err != nil {
		return fail(err)
	}

	if err := obs.ObserveQueueDepth(admission.Depth); err != nil {
		return fail(err)
	}
	if err := obs.ObserveMode(func() string { return string(modes.Cached()) }); err != nil {
		return fail(err)
	}

	eng, err := New(Deps{
		Store:         st,
		Identity:      idm,
		Ledger:        led,
		Trust:         trustEng,
		Classifier:    classifier,
		Pipeline:      pipeline,
		Approvals:     approvals,
		Warden:        warden,
		Claims:        claims,
		Calibration:   calib,
		Modes:         modes,
		Admission:     admission,
		Limiter:       limiter,
		Archive:       archive,
		Observability: obs,
	},
		WithActor(actor),
		WithLogger(logger),
		WithTier3Method(cfg.Tier3Backend),
	)
	if err != nil {
		return fail(err)
	}

	shutdown := func(sctx context.Context) error {
		var first error
		if err := tier3.Close(sctx); err != nil && first == nil {
			first = err
		}
		idm.Close()
		if redisLimiter != nil {
			if err := redisLimiter.Close(); err != nil && first == nil {
				first = err
			}
		}
		if err := obs.Shutdown(sctx); err != nil && first == nil {
			first = err
		}
		if err := st.Close(); err != nil && first == nil {
			first = err
		}
		return first
	}
	return eng, shutdown, nil
}

// resolveEnforcer finds the agent that signs engine-initiated entries.
func resolveEnforcer(ctx context.Context, st *store.Store) (string, error) {
	var actor string
	err := st.View(ctx, func(tx *store.Tx) error {
		agents, err := tx.ListAgents(ctx)
		if err != nil {
			return err
		}
		for _, a := range agents {
			if a.Role == contracts.RoleEnforcer {
				actor = a.ID
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("dispatcher: list agents: %w", err)
	}
	if actor == "" {
		return "", fmt.Errorf("dispatcher: no enforcer agent registered; initialize the store first")
	}
	return actor, nil
}

func observabilityConfig(cfg *config.Config) *observability.Config {
	out := observability.DefaultConfig()
	out.OTLPEndpoint = cfg.OTLPEndpoint
	return out
}
