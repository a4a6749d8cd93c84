package main

import (
	"context"
	"flag"
	"fmt"
	"io"

	"github.com/MythologIQ/qorelogic/pkg/contracts"
	"github.com/MythologIQ/qorelogic/pkg/dispatcher"
)

// runClaim implements `qorelogic claim <register|check>` over the TTL
// registry. A check that finds the claim stale exits 1, so scripts can gate
// on freshness directly.
func runClaim(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		_, _ = fmt.Fprintln(stderr, "Usage: qorelogic claim <register|check> [flags]")
		return exitConfig
	}
	switch args[0] {
	case "register":
		return runClaimRegister(args[1:], stdout, stderr)
	case "check":
		return runClaimCheck(args[1:], stdout, stderr)
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown claim subcommand: %s\n", args[0])
		return exitConfig
	}
}

func runClaimRegister(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("claim register", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var cf commonFlags
	var content, class, sourceURL, asAgent string
	cmd.StringVar(&cf.configPath, "config", "", "Path to the YAML config file")
	cmd.StringVar(&cf.storePath, "store", "", "Store path (overrides config)")
	cmd.StringVar(&cf.passSpec, "passphrase-source", "", "env:<VAR> or file:<path> (overrides config)")
	cmd.StringVar(&content, "content", "", "Claim text (REQUIRED)")
	cmd.StringVar(&class, "class", "", "Volatility class: VOLATILE_24H|SEMI_VOLATILE_72H|DURABLE_30D (REQUIRED)")
	cmd.StringVar(&sourceURL, "source", "", "Source URL backing the claim")
	cmd.StringVar(&asAgent, "as", "", "Acting agent id (default: the enforcer)")
	if err := cmd.Parse(args); err != nil {
		return exitConfig
	}
	if content == "" || class == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --content and --class are required")
		return exitConfig
	}

	payload := map[string]any{"content": content, "class": class}
	if sourceURL != "" {
		payload["source_url"] = sourceURL
	}
	return withEngine(cf, stderr, func(ctx context.Context, eng *dispatcher.Engine) int {
		_, code := dispatchAndRender(ctx, eng, stdout, stderr, asAgent, "register_claim_with_ttl", payload)
		return code
	})
}

func runClaimCheck(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("claim check", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var cf commonFlags
	var claimID, asAgent string
	cmd.StringVar(&cf.configPath, "config", "", "Path to the YAML config file")
	cmd.StringVar(&cf.storePath, "store", "", "Store path (overrides config)")
	cmd.StringVar(&cf.passSpec, "passphrase-source", "", "env:<VAR> or file:<path> (overrides config)")
	cmd.StringVar(&claimID, "id", "", "Claim id (REQUIRED)")
	cmd.StringVar(&asAgent, "as", "", "Acting agent id (default: the enforcer)")
	if err := cmd.Parse(args); err != nil {
		return exitConfig
	}
	if claimID == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --id is required")
		return exitConfig
	}

	return withEngine(cf, stderr, func(ctx context.Context, eng *dispatcher.Engine) int {
		resp, code := dispatchAndRender(ctx, eng, stdout, stderr, asAgent, "check_claim_validity", map[string]any{
			"claim_id": claimID,
		})
		if code != exitOK {
			return code
		}
		g := newGlyphs(stdout)
		for _, w := range resp.Warnings {
			if w == contracts.WarnStaleClaim {
				_, _ = fmt.Fprintf(stdout, "%s claim %s is stale\n", g.fail, claimID)
				return exitPolicy
			}
		}
		_, _ = fmt.Fprintf(stdout, "%s claim %s is fresh\n", g.pass, claimID)
		return exitOK
	})
}
