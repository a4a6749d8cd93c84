// qorelogic is the operator CLI: store initialization, the serving shell,
// agent and source administration, one-shot audits, chain verification, and
// evidence export. Commands that move trust or append to the ledger go
// through the same dispatcher as the HTTP API; nothing here bypasses the
// policy chain.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/mattn/go-isatty"

	"github.com/MythologIQ/qorelogic/pkg/config"
	"github.com/MythologIQ/qorelogic/pkg/contracts"
	"github.com/MythologIQ/qorelogic/pkg/store"
)

// Exit codes. Policy failures are the engine saying no; they are distinct
// from broken configuration and from an unreachable store.
const (
	exitOK     = 0
	exitPolicy = 1
	exitConfig = 2
	exitStore  = 3
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the testable entrypoint.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stdout)
		return exitConfig
	}

	switch args[1] {
	case "init":
		return runInit(args[2:], stdout, stderr)
	case "serve", "server":
		return runServe(args[2:], stdout, stderr)
	case "agent":
		return runAgent(args[2:], stdout, stderr)
	case "source":
		return runSource(args[2:], stdout, stderr)
	case "mode":
		return runMode(args[2:], stdout, stderr)
	case "audit":
		return runAudit(args[2:], stdout, stderr)
	case "claim":
		return runClaim(args[2:], stdout, stderr)
	case "verify":
		return runVerify(args[2:], stdout, stderr)
	case "export":
		return runExport(args[2:], stdout, stderr)
	case "doctor":
		return runDoctor(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return exitOK
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return exitConfig
	}
}

func printUsage(w io.Writer) {
	g := newGlyphs(w)
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintf(w, "%sQoreLogic%s local-first governance engine\n", g.bold, g.reset)
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintf(w, "%sUSAGE:%s\n", g.bold, g.reset)
	_, _ = fmt.Fprintln(w, "  qorelogic <command> [flags]")
	_, _ = fmt.Fprintln(w, "")

	printSection(w, g, "ENGINE")
	printCommand(w, g, "init", "Initialize the store, genesis entry, and enforcer agent")
	printCommand(w, g, "serve", "Run the HTTP shell and background sweeper")
	printCommand(w, g, "doctor", "Check configuration, store, schema, and backends")

	printSection(w, g, "ADMINISTRATION")
	printCommand(w, g, "agent", "Manage agents (create|rotate|show)")
	printCommand(w, g, "source", "Manage knowledge sources (register|update)")
	printCommand(w, g, "mode", "Inspect or force the operating mode (get|set)")

	printSection(w, g, "GOVERNANCE")
	printCommand(w, g, "audit", "Run a one-shot code audit on a file")
	printCommand(w, g, "claim", "Register or check TTL claims (register|check)")

	printSection(w, g, "LEDGER")
	printCommand(w, g, "verify", "Replay the full hash chain; exit 1 on a break")
	printCommand(w, g, "export", "Export an offline-verifiable ledger bundle")
	_, _ = fmt.Fprintln(w, "")
}

func printSection(w io.Writer, g glyphs, title string) {
	_, _ = fmt.Fprintf(w, "%s%s:%s\n", g.bold+g.cyan, title, g.reset)
}

func printCommand(w io.Writer, g glyphs, name, desc string) {
	_, _ = fmt.Fprintf(w, "  %s%-10s%s %s\n", g.green, name, g.reset, desc)
}

// glyphs carries the ANSI palette, emptied when the writer is not a TTY.
type glyphs struct {
	reset, bold  string
	red, green   string
	yellow, cyan string
	pass, fail   string
	warn         string
}

func newGlyphs(w io.Writer) glyphs {
	g := glyphs{
		reset: "\033[0m", bold: "\033[1m",
		red: "\033[31m", green: "\033[32m",
		yellow: "\033[33m", cyan: "\033[36m",
		pass: "\033[32m✔\033[0m", fail: "\033[31m✘\033[0m", warn: "\033[33m!\033[0m",
	}
	if f, ok := w.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
		return g
	}
	return glyphs{pass: "PASS", fail: "FAIL", warn: "WARN"}
}

// loadConfig resolves the shared --config/--store/--passphrase-source flags
// that every command accepts ahead of its own.
type commonFlags struct {
	configPath string
	storePath  string
	passSpec   string
}

func (cf *commonFlags) load(stderr io.Writer) (*config.Config, int) {
	cfg, err := config.Load(cf.configPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return nil, exitConfig
	}
	if cf.storePath != "" {
		cfg.StorePath = cf.storePath
	}
	if cf.passSpec != "" {
		cfg.PassphraseSource = cf.passSpec
	}
	return cfg, exitOK
}

// probeStore confirms the store is reachable before heavier assembly, so an
// unreachable database maps to its own exit code instead of a config error.
func probeStore(ctx context.Context, cfg *config.Config, stderr io.Writer) int {
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
	return exitOK
}

// exitForDispatch folds an engine error into the CLI contract: policy and
// verification rejections are exit 1, store loss is 3, the rest is 2.
func exitForDispatch(err error) int {
	switch contracts.KindOf(err) {
	case contracts.KindStoreUnavailable:
		return exitStore
	case "":
		return exitConfig
	default:
		return exitPolicy
	}
}

func newLogger(cfg *config.Config, stderr io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(stderr, opts))
	}
	return slog.New(slog.NewTextHandler(stderr, opts))
}
