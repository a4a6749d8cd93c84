package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/MythologIQ/qorelogic/pkg/identity"
	"github.com/MythologIQ/qorelogic/pkg/ledger"
	"github.com/MythologIQ/qorelogic/pkg/store"
)

// runExport implements `qorelogic export`: snapshot a chain slice plus the
// public keys needed to verify it, for offline audit with `verify --bundle`.
func runExport(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("export", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var cf commonFlags
	var from, to uint64
	var outPath string
	cmd.StringVar(&cf.configPath, "config", "", "Path to the YAML config file")
	cmd.StringVar(&cf.storePath, "store", "", "Store path (overrides config)")
	cmd.Uint64Var(&from, "from", 0, "First sequence to export (default: genesis)")
	cmd.Uint64Var(&to, "to", 0, "Last sequence to export (default: head)")
	cmd.StringVar(&outPath, "out", "", "Write the bundle to this file (default: stdout)")
	if err := cmd.Parse(args); err != nil {
		return exitConfig
	}

	return withIdentity(cf, stderr, false, func(ctx context.Context, st *store.Store, ids *identity.Manager, _ []byte) int {
		led := ledger.New(st, ids)
		bundle, err := led.ExportBundle(ctx, from, to)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: export failed: %v\n", err)
			return exitStore
		}
		out, err := json.MarshalIndent(bundle, "", "  ")
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return exitConfig
		}
		if outPath == "" {
			_, _ = fmt.Fprintln(stdout, string(out))
			return exitOK
		}
		if err := os.WriteFile(outPath, out, 0o600); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return exitConfig
		}
		g := newGlyphs(stdout)
		_, _ = fmt.Fprintf(stdout, "%s bundle written to %s (seq %d..%d, %d entries)\n",
			g.pass, outPath, bundle.FromSeq, bundle.ToSeq, len(bundle.Entries))
		return exitOK
	})
}
