package main

import (
	"context"
	"flag"
	"fmt"
	"io"

	"github.com/MythologIQ/qorelogic/pkg/dispatcher"
)

// runSource implements `qorelogic source <register|update>` over the
// dispatcher, so registrations and verification outcomes hit the same
// reputation path as API callers.
func runSource(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		_, _ = fmt.Fprintln(stderr, "Usage: qorelogic source <register|update> [flags]")
		return exitConfig
	}
	switch args[0] {
	case "register":
		return runSourceRegister(args[1:], stdout, stderr)
	case "update":
		return runSourceUpdate(args[1:], stdout, stderr)
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown source subcommand: %s\n", args[0])
		return exitConfig
	}
}

func runSourceRegister(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("source register", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var cf commonFlags
	var url, tier, asAgent string
	cmd.StringVar(&cf.configPath, "config", "", "Path to the YAML config file")
	cmd.StringVar(&cf.storePath, "store", "", "Store path (overrides config)")
	cmd.StringVar(&cf.passSpec, "passphrase-source", "", "env:<VAR> or file:<path> (overrides config)")
	cmd.StringVar(&url, "url", "", "Source URL (REQUIRED)")
	cmd.StringVar(&tier, "tier", "", "Tier override T1|T2|T3|T4 (privileged)")
	cmd.StringVar(&asAgent, "as", "", "Acting agent id (default: the enforcer)")
	if err := cmd.Parse(args); err != nil {
		return exitConfig
	}
	if url == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --url is required")
		return exitConfig
	}

	payload := map[string]any{"url": url}
	if tier != "" {
		payload["tier_override"] = tier
	}
	return withEngine(cf, stderr, func(ctx context.Context, eng *dispatcher.Engine) int {
		_, code := dispatchAndRender(ctx, eng, stdout, stderr, asAgent, "register_source", payload)
		return code
	})
}

func runSourceUpdate(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("source update", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var cf commonFlags
	var url, asAgent string
	var success bool
	cmd.StringVar(&cf.configPath, "config", "", "Path to the YAML config file")
	cmd.StringVar(&cf.storePath, "store", "", "Store path (overrides config)")
	cmd.StringVar(&cf.passSpec, "passphrase-source", "", "env:<VAR> or file:<path> (overrides config)")
	cmd.StringVar(&url, "url", "", "Source URL (REQUIRED)")
	cmd.BoolVar(&success, "success", false, "Record a successful verification (default: failure)")
	cmd.StringVar(&asAgent, "as", "", "Acting agent id (default: the enforcer)")
	if err := cmd.Parse(args); err != nil {
		return exitConfig
	}
	if url == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --url is required")
		return exitConfig
	}

	payload := map[string]any{"url": url, "success": success}
	return withEngine(cf, stderr, func(ctx context.Context, eng *dispatcher.Engine) int {
		_, code := dispatchAndRender(ctx, eng, stdout, stderr, asAgent, "update_source_verification", payload)
		return code
	})
}
