package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"

	"github.com/MythologIQ/qorelogic/pkg/contracts"
	"github.com/MythologIQ/qorelogic/pkg/identity"
	"github.com/MythologIQ/qorelogic/pkg/store"
)

// runAgent implements `qorelogic agent <create|rotate|show>`. Identity is
// administrative state: these commands write the registry directly and do
// not pass the dispatcher.
func runAgent(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		_, _ = fmt.Fprintln(stderr, "Usage: qorelogic agent <create|rotate|show> [flags]")
		return exitConfig
	}
	switch args[0] {
	case "create":
		return runAgentCreate(args[1:], stdout, stderr)
	case "rotate":
		return runAgentRotate(args[1:], stdout, stderr)
	case "show":
		return runAgentShow(args[1:], stdout, stderr)
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown agent subcommand: %s\n", args[0])
		return exitConfig
	}
}

func runAgentCreate(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("agent create", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var cf commonFlags
	var role string
	cmd.StringVar(&cf.configPath, "config", "", "Path to the YAML config file")
	cmd.StringVar(&cf.storePath, "store", "", "Store path (overrides config)")
	cmd.StringVar(&cf.passSpec, "passphrase-source", "", "env:<VAR> or file:<path> (overrides config)")
	cmd.StringVar(&role, "role", "", "Agent role: generator|auditor|enforcer|human (REQUIRED)")
	if err := cmd.Parse(args); err != nil {
		return exitConfig
	}
	if !contracts.AgentRole(role).Valid() {
		_, _ = fmt.Fprintf(stderr, "Error: --role must be generator|auditor|enforcer|human, got %q\n", role)
		return exitConfig
	}

	return withIdentity(cf, stderr, true, func(ctx context.Context, st *store.Store, ids *identity.Manager, pass []byte) int {
		var agent *contracts.Agent
		err := st.WithinTx(ctx, func(tx *store.Tx) error {
			var txErr error
			agent, txErr = ids.CreateAgentTx(ctx, tx, contracts.AgentRole(role), pass)
			return txErr
		})
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return exitForDispatch(err)
		}
		g := newGlyphs(stdout)
		_, _ = fmt.Fprintf(stdout, "%s agent %s (role %s, key %s)\n", g.pass, agent.ID, agent.Role, agent.KeyID)
		return exitOK
	})
}

func runAgentRotate(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("agent rotate", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var cf commonFlags
	var agentID string
	cmd.StringVar(&cf.configPath, "config", "", "Path to the YAML config file")
	cmd.StringVar(&cf.storePath, "store", "", "Store path (overrides config)")
	cmd.StringVar(&cf.passSpec, "passphrase-source", "", "env:<VAR> or file:<path> (overrides config)")
	cmd.StringVar(&agentID, "agent", "", "Agent id to rotate (REQUIRED)")
	if err := cmd.Parse(args); err != nil {
		return exitConfig
	}
	if agentID == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --agent is required")
		return exitConfig
	}

	return withIdentity(cf, stderr, true, func(ctx context.Context, st *store.Store, ids *identity.Manager, _ []byte) int {
		var agent *contracts.Agent
		err := st.WithinTx(ctx, func(tx *store.Tx) error {
			var txErr error
			agent, txErr = ids.RotateTx(ctx, tx, agentID)
			return txErr
		})
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return exitForDispatch(err)
		}
		g := newGlyphs(stdout)
		_, _ = fmt.Fprintf(stdout, "%s agent %s rotated to key %s\n", g.pass, agent.ID, agent.KeyID)
		return exitOK
	})
}

func runAgentShow(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("agent show", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var cf commonFlags
	var agentID string
	cmd.StringVar(&cf.configPath, "config", "", "Path to the YAML config file")
	cmd.StringVar(&cf.storePath, "store", "", "Store path (overrides config)")
	cmd.StringVar(&agentID, "agent", "", "Agent id to show (REQUIRED)")
	if err := cmd.Parse(args); err != nil {
		return exitConfig
	}
	if agentID == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --agent is required")
		return exitConfig
	}

	return withIdentity(cf, stderr, false, func(ctx context.Context, st *store.Store, _ *identity.Manager, _ []byte) int {
		var agent *contracts.Agent
		err := st.View(ctx, func(tx *store.Tx) error {
			var getErr error
			agent, getErr = tx.GetAgent(ctx, agentID)
			return getErr
		})
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return exitPolicy
		}
		// The wrapped private key stays in the store; strip it from output.
		agent.WrappedKey = ""
		out, err := json.MarshalIndent(agent, "", "  ")
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return exitConfig
		}
		_, _ = fmt.Fprintln(stdout, string(out))
		return exitOK
	})
}

// withIdentity opens the store and identity manager for an administrative
// command. needsPass gates passphrase resolution so read-only subcommands
// work without a secret source.
func withIdentity(cf commonFlags, stderr io.Writer, needsPass bool,
	fn func(ctx context.Context, st *store.Store, ids *identity.Manager, pass []byte) int) int {
	cfg, code := cf.load(stderr)
	if code != exitOK {
		return code
	}

	var source identity.PassphraseSource
	var pass []byte
	if needsPass {
		if err := cfg.RequirePassphraseSource(); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return exitConfig
		}
		var err error
		if source, err = identity.SourceFromSpec(cfg.PassphraseSource); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return exitConfig
		}
		if pass, err = source(); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return exitConfig
		}
		defer identity.Zero(pass)
	} else {
		source = identity.StaticSource(nil)
	}

	ctx := context.Background()
	st, err := store.Open(cfg.StorePath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: store %s: %v\n", cfg.StorePath, err)
		return exitStore
	}
	defer func() { _ = st.Close() }()
	if err := st.Ping(ctx); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: store %s unreachable: %v\n", cfg.StorePath, err)
		return exitStore
	}

	ids := identity.NewManager(st, source)
	defer ids.Close()
	return fn(ctx, st, ids, pass)
}
