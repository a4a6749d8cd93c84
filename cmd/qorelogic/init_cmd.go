package main

import (
	"context"
	"flag"
	"fmt"
	"io"

	"github.com/MythologIQ/qorelogic/pkg/contracts"
	"github.com/MythologIQ/qorelogic/pkg/identity"
	"github.com/MythologIQ/qorelogic/pkg/ledger"
	"github.com/MythologIQ/qorelogic/pkg/modectl"
	"github.com/MythologIQ/qorelogic/pkg/store"
)

// runInit implements `qorelogic init`: create the store schema, write the
// genesis axiom, and register the enforcer agent that signs engine-initiated
// entries. Safe to re-run; an initialized store is reported, not rebuilt.
//
// Exit codes:
//
//	0 = initialized (or already initialized)
//	2 = configuration error
//	3 = store unavailable
func runInit(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("init", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var cf commonFlags
	cmd.StringVar(&cf.configPath, "config", "", "Path to the YAML config file")
	cmd.StringVar(&cf.storePath, "store", "", "Store path (overrides config)")
	cmd.StringVar(&cf.passSpec, "passphrase-source", "", "env:<VAR> or file:<path> (overrides config)")
	if err := cmd.Parse(args); err != nil {
		return exitConfig
	}

	cfg, code := cf.load(stderr)
	if code != exitOK {
		return code
	}
	if err := cfg.RequirePassphraseSource(); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitConfig
	}
	source, err := identity.SourceFromSpec(cfg.PassphraseSource)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitConfig
	}
	pass, err := source()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitConfig
	}
	defer identity.Zero(pass)

	ctx := context.Background()
	g := newGlyphs(stdout)

	st, err := store.Open(cfg.StorePath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: store %s: %v\n", cfg.StorePath, err)
		return exitStore
	}
	defer func() { _ = st.Close() }()

	from, to, err := st.Migrate(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: migrate: %v\n", err)
		return exitStore
	}
	_, _ = fmt.Fprintf(stdout, "%s store %s (schema v%d -> v%d)\n", g.pass, cfg.StorePath, from, to)

	ids := identity.NewManager(st, source)
	defer ids.Close()

	var enforcer *contracts.Agent
	err = st.View(ctx, func(tx *store.Tx) error {
		agents, listErr := tx.ListAgents(ctx)
		if listErr != nil {
			return listErr
		}
		for _, a := range agents {
			if a.Role == contracts.RoleEnforcer {
				enforcer = a
				return nil
			}
		}
		return nil
	})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitStore
	}

	if enforcer == nil {
		err = st.WithinTx(ctx, func(tx *store.Tx) error {
			var txErr error
			enforcer, txErr = ids.CreateAgentTx(ctx, tx, contracts.RoleEnforcer, pass)
			return txErr
		})
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: create enforcer: %v\n", err)
			return exitConfig
		}
		_, _ = fmt.Fprintf(stdout, "%s enforcer agent %s\n", g.pass, enforcer.ID)
	} else {
		_, _ = fmt.Fprintf(stdout, "%s enforcer agent %s (already registered)\n", g.warn, enforcer.ID)
	}

	led := ledger.New(st, ids)
	genesis, err := led.Init(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: genesis: %v\n", err)
		return exitStore
	}
	_, _ = fmt.Fprintf(stdout, "%s genesis %s\n", g.pass, genesis.EntryHash)

	ctrl := modectl.NewController(led)
	var state *store.SystemState
	err = st.WithinTx(ctx, func(tx *store.Tx) error {
		if initErr := ctrl.Init(ctx, tx); initErr != nil {
			return initErr
		}
		var getErr error
		state, getErr = tx.GetSystemState(ctx)
		return getErr
	})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: mode state: %v\n", err)
		return exitStore
	}
	_, _ = fmt.Fprintf(stdout, "%s mode %s\n", g.pass, state.Mode)
	return exitOK
}
