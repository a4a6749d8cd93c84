package main

import (
	"context"
	"flag"
	"fmt"
	"io"

	"github.com/MythologIQ/qorelogic/pkg/contracts"
	"github.com/MythologIQ/qorelogic/pkg/dispatcher"
	"github.com/MythologIQ/qorelogic/pkg/store"
)

// runMode implements `qorelogic mode <get|set>`. Reading is a registry view;
// setting goes through the dispatcher, so the SAFE-exit rule (human only)
// binds the CLI exactly as it binds the API.
func runMode(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		_, _ = fmt.Fprintln(stderr, "Usage: qorelogic mode <get|set> [flags]")
		return exitConfig
	}
	switch args[0] {
	case "get":
		return runModeGet(args[1:], stdout, stderr)
	case "set":
		return runModeSet(args[1:], stdout, stderr)
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown mode subcommand: %s\n", args[0])
		return exitConfig
	}
}

func runModeGet(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("mode get", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var cf commonFlags
	cmd.StringVar(&cf.configPath, "config", "", "Path to the YAML config file")
	cmd.StringVar(&cf.storePath, "store", "", "Store path (overrides config)")
	if err := cmd.Parse(args); err != nil {
		return exitConfig
	}

	cfg, code := cf.load(stderr)
	if code != exitOK {
		return code
	}
	ctx := context.Background()
	st, err := store.Open(cfg.StorePath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: store %s: %v\n", cfg.StorePath, err)
		return exitStore
	}
	defer func() { _ = st.Close() }()

	var state *store.SystemState
	err = st.View(ctx, func(tx *store.Tx) error {
		var getErr error
		state, getErr = tx.GetSystemState(ctx)
		return getErr
	})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v (is the store initialized?)\n", err)
		return exitStore
	}
	_, _ = fmt.Fprintln(stdout, state.Mode)
	return exitOK
}

func runModeSet(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("mode set", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var cf commonFlags
	var mode, reason, asAgent string
	var pin bool
	cmd.StringVar(&cf.configPath, "config", "", "Path to the YAML config file")
	cmd.StringVar(&cf.storePath, "store", "", "Store path (overrides config)")
	cmd.StringVar(&cf.passSpec, "passphrase-source", "", "env:<VAR> or file:<path> (overrides config)")
	cmd.StringVar(&mode, "mode", "", "Target mode NORMAL|LEAN|SURGE|SAFE (REQUIRED)")
	cmd.StringVar(&reason, "reason", "operator request", "Reason recorded on the MODE_CHANGE entry")
	cmd.BoolVar(&pin, "pin", false, "Pin the mode against automatic transitions")
	cmd.StringVar(&asAgent, "as", "", "Acting agent id (default: the enforcer; exiting SAFE requires a human)")
	if err := cmd.Parse(args); err != nil {
		return exitConfig
	}
	if !contracts.Mode(mode).Valid() {
		_, _ = fmt.Fprintf(stderr, "Error: --mode must be NORMAL|LEAN|SURGE|SAFE, got %q\n", mode)
		return exitConfig
	}

	payload := map[string]any{"mode": mode, "reason": reason}
	if pin {
		payload["pin"] = true
	}
	return withEngine(cf, stderr, func(ctx context.Context, eng *dispatcher.Engine) int {
		_, code := dispatchAndRender(ctx, eng, stdout, stderr, asAgent, "set_mode", payload)
		return code
	})
}
