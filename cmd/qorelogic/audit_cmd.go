package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/MythologIQ/qorelogic/pkg/contracts"
	"github.com/MythologIQ/qorelogic/pkg/dispatcher"
)

// runAudit implements `qorelogic audit <path>`: a one-shot audit_code of a
// local file through the full verification pipeline. The classifier grades
// the content itself; --hint can only raise the grade, never lower it.
//
// Exit codes:
//
//	0 = VERIFIED
//	1 = rejected, quarantined, or parked for the overseer
//	2 = configuration error
//	3 = store unavailable
func runAudit(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("audit", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var cf commonFlags
	var hint, rationale, asAgent string
	cmd.StringVar(&cf.configPath, "config", "", "Path to the YAML config file")
	cmd.StringVar(&cf.storePath, "store", "", "Store path (overrides config)")
	cmd.StringVar(&cf.passSpec, "passphrase-source", "", "env:<VAR> or file:<path> (overrides config)")
	cmd.StringVar(&hint, "hint", "", "Risk grade hint L1|L2|L3")
	cmd.StringVar(&rationale, "rationale", "", "Why this change is proposed")
	cmd.StringVar(&asAgent, "as", "", "Acting agent id (default: the enforcer)")
	if err := cmd.Parse(args); err != nil {
		return exitConfig
	}
	if cmd.NArg() != 1 {
		_, _ = fmt.Fprintln(stderr, "Usage: qorelogic audit [flags] <path>")
		return exitConfig
	}

	path := cmd.Arg(0)
	content, err := os.ReadFile(path)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: read %s: %v\n", path, err)
		return exitConfig
	}

	payload := map[string]any{"path": path, "content": string(content)}
	if hint != "" {
		payload["hint"] = hint
	}
	if rationale != "" {
		payload["rationale"] = rationale
	}

	return withEngine(cf, stderr, func(ctx context.Context, eng *dispatcher.Engine) int {
		resp, code := dispatchAndRender(ctx, eng, stdout, stderr, asAgent, "audit_code", payload)
		if code != exitOK {
			return code
		}
		g := newGlyphs(stdout)
		switch resp.Status {
		case string(contracts.StatusVerified):
			_, _ = fmt.Fprintf(stdout, "%s %s verified (%s)\n", g.pass, path, resp.RiskGrade)
			return exitOK
		case string(contracts.StatusConditional), string(contracts.StatusUnknown):
			_, _ = fmt.Fprintf(stdout, "%s %s parked for the overseer (%s)\n", g.warn, path, resp.NextAction)
			return exitPolicy
		default:
			_, _ = fmt.Fprintf(stdout, "%s %s rejected: %s\n", g.fail, path, resp.Status)
			return exitPolicy
		}
	})
}
