package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/MythologIQ/qorelogic/pkg/identity"
	"github.com/MythologIQ/qorelogic/pkg/ledger"
	"github.com/MythologIQ/qorelogic/pkg/store"
)

// runVerify implements `qorelogic verify`: replay the hash chain and check
// every signature against the key log. Runs against the store directly, so a
// broken chain is reportable even when the engine refuses to start. With
// --bundle it instead verifies an exported bundle offline, using only the
// keys embedded in the file.
//
// Exit codes:
//
//	0 = chain verified
//	1 = chain broken or signature mismatch
//	2 = config error
//	3 = store unavailable
func runVerify(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var cf commonFlags
	var from uint64
	var bundlePath string
	var jsonOutput bool
	cmd.StringVar(&cf.configPath, "config", "", "Path to the YAML config file")
	cmd.StringVar(&cf.storePath, "store", "", "Store path (overrides config)")
	cmd.Uint64Var(&from, "from", 0, "First sequence to check (default: genesis)")
	cmd.StringVar(&bundlePath, "bundle", "", "Verify an exported bundle file instead of the store")
	cmd.BoolVar(&jsonOutput, "json", false, "Output the replay report as JSON")
	if err := cmd.Parse(args); err != nil {
		return exitConfig
	}

	if bundlePath != "" {
		return verifyBundleFile(bundlePath, stdout, stderr)
	}

	return withIdentity(cf, stderr, false, func(ctx context.Context, st *store.Store, ids *identity.Manager, _ []byte) int {
		led := ledger.New(st, ids)
		report, err := led.Replay(ctx, from)
		if err != nil {
			g := newGlyphs(stdout)
			var chainErr *ledger.ChainError
			if errors.As(err, &chainErr) {
				_, _ = fmt.Fprintf(stdout, "%s chain diverges at sequence %d: %s\n", g.fail, chainErr.Sequence, chainErr.Detail)
				return exitPolicy
			}
			_, _ = fmt.Fprintf(stderr, "Error: replay failed: %v\n", err)
			return exitStore
		}

		if jsonOutput {
			out, merr := json.MarshalIndent(report, "", "  ")
			if merr != nil {
				_, _ = fmt.Fprintf(stderr, "Error: %v\n", merr)
				return exitConfig
			}
			_, _ = fmt.Fprintln(stdout, string(out))
			return exitOK
		}
		g := newGlyphs(stdout)
		_, _ = fmt.Fprintf(stdout, "%s chain verified: %d entries (seq %d..%d)\n", g.pass, report.Checked, report.From, report.To)
		_, _ = fmt.Fprintf(stdout, "  head %s\n", report.HeadHash)
		return exitOK
	})
}

func verifyBundleFile(path string, stdout, stderr io.Writer) int {
	data, err := os.ReadFile(path)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitConfig
	}
	var b ledger.Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %s is not a bundle: %v\n", path, err)
		return exitConfig
	}
	g := newGlyphs(stdout)
	if err := ledger.VerifyBundle(&b); err != nil {
		var chainErr *ledger.ChainError
		if errors.As(err, &chainErr) {
			_, _ = fmt.Fprintf(stdout, "%s bundle diverges at sequence %d: %s\n", g.fail, chainErr.Sequence, chainErr.Detail)
		} else {
			_, _ = fmt.Fprintf(stdout, "%s bundle invalid: %v\n", g.fail, err)
		}
		return exitPolicy
	}
	_, _ = fmt.Fprintf(stdout, "%s bundle verified: %d entries (seq %d..%d)\n", g.pass, len(b.Entries), b.FromSeq, b.ToSeq)
	_, _ = fmt.Fprintf(stdout, "  head %s\n", b.HeadHash)
	return exitOK
}
