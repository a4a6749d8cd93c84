package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/MythologIQ/qorelogic/pkg/identity"
	"github.com/MythologIQ/qorelogic/pkg/store"
)

type checkResult struct {
	Name   string
	Status string // "ok", "warn", "fail"
	Detail string
}

// doctor accumulates check results. Warnings do not fail the run; only a
// check the engine cannot start without does.
type doctor struct {
	results []checkResult
	failed  bool
}

func (d *doctor) add(name, status, detail string) {
	d.results = append(d.results, checkResult{Name: name, Status: status, Detail: detail})
	if status == "fail" {
		d.failed = true
	}
}

// runDoctor implements `qorelogic doctor`: environment and wiring checks an
// operator runs before filing a bug.
//
// Exit codes:
//
//	0 = no check failed
//	1 = one or more checks failed
//	2 = flag error
func runDoctor(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("doctor", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var cf commonFlags
	cmd.StringVar(&cf.configPath, "config", "", "Path to the YAML config file")
	cmd.StringVar(&cf.storePath, "store", "", "Store path (overrides config)")
	cmd.StringVar(&cf.passSpec, "passphrase-source", "", "env:<VAR> or file:<path> (overrides config)")
	if err := cmd.Parse(args); err != nil {
		return exitConfig
	}

	ctx := context.Background()
	d := &doctor{}

	cfg, code := cf.load(stderr)
	if code != exitOK {
		d.add("config", "fail", "config did not load; see error above")
	} else if cf.configPath != "" {
		d.add("config", "ok", cf.configPath)
	} else {
		d.add("config", "ok", "defaults + QORELOGIC_* environment")
	}

	if cfg != nil {
		d.checkPassphrase(cfg.PassphraseSource)
		d.checkStore(ctx, cfg.StorePath)
		d.checkTier3(cfg.Tier3Backend)

		switch cfg.EvidenceBackend {
		case "fs":
			if _, err := os.Stat(cfg.EvidenceDir); err != nil {
				d.add("evidence", "warn", fmt.Sprintf("%s does not exist (created on first archive)", cfg.EvidenceDir))
			} else {
				d.add("evidence", "ok", "fs:"+cfg.EvidenceDir)
			}
		case "s3":
			d.add("evidence", "ok", fmt.Sprintf("s3://%s/%s (not probed)", cfg.EvidenceS3Bucket, cfg.EvidenceS3Prefix))
		case "gcs":
			d.add("evidence", "ok", fmt.Sprintf("gs://%s/%s (not probed)", cfg.EvidenceGCSBucket, cfg.EvidenceGCSPrefix))
		}

		if cfg.RedisAddr == "" {
			d.add("admission_limiter", "ok", "in-memory token bucket")
		} else if conn, err := net.DialTimeout("tcp", cfg.RedisAddr, time.Second); err != nil {
			d.add("admission_limiter", "fail", fmt.Sprintf("redis %s unreachable: %v", cfg.RedisAddr, err))
		} else {
			_ = conn.Close()
			d.add("admission_limiter", "ok", "redis "+cfg.RedisAddr)
		}

		if cfg.RulePackPath == "" {
			d.add("rule_pack", "ok", "built-in")
		} else if _, err := os.Stat(cfg.RulePackPath); err != nil {
			d.add("rule_pack", "fail", fmt.Sprintf("%s: %v", cfg.RulePackPath, err))
		} else {
			d.add("rule_pack", "ok", cfg.RulePackPath)
		}
	}

	g := newGlyphs(stdout)
	_, _ = fmt.Fprintf(stdout, "\n%sqorelogic doctor%s\n", g.bold, g.reset)
	for _, r := range d.results {
		icon := g.pass
		switch r.Status {
		case "warn":
			icon = g.warn
		case "fail":
			icon = g.fail
		}
		_, _ = fmt.Fprintf(stdout, "  %s %-18s %s\n", icon, r.Name, r.Detail)
	}
	if d.failed {
		return exitPolicy
	}
	_, _ = fmt.Fprintf(stdout, "\n%sNo failures.%s\n", g.green, g.reset)
	return exitOK
}

// checkPassphrase resolves the secret source without keeping the secret.
// Serve and init need one; read paths do not, so unset is a warning.
func (d *doctor) checkPassphrase(spec string) {
	if spec == "" {
		d.add("passphrase_source", "warn", "not set (required for serve, init, agent create)")
		return
	}
	src, err := identity.SourceFromSpec(spec)
	if err != nil {
		d.add("passphrase_source", "fail", err.Error())
		return
	}
	pass, err := src()
	if err != nil {
		d.add("passphrase_source", "fail", err.Error())
		return
	}
	identity.Zero(pass)
	d.add("passphrase_source", "ok", spec)
}

// checkStore probes the store, schema, and ledger head. The three are
// sequential: a failed open makes the later two unknowable.
func (d *doctor) checkStore(ctx context.Context, storePath string) {
	isSQLite := !strings.HasPrefix(storePath, "postgres://") && !strings.HasPrefix(storePath, "postgresql://")
	if isSQLite && storePath != ":memory:" {
		if _, err := os.Stat(storePath); err != nil {
			d.add("store", "warn", fmt.Sprintf("%s does not exist (run qorelogic init)", storePath))
			return
		}
	}

	st, err := store.Open(storePath)
	if err != nil {
		d.add("store", "fail", err.Error())
		return
	}
	defer func() { _ = st.Close() }()
	if err := st.Ping(ctx); err != nil {
		d.add("store", "fail", err.Error())
		return
	}
	d.add("store", "ok", fmt.Sprintf("%s %s", st.Driver(), storePath))

	var version int
	row := st.DB().QueryRowContext(ctx, `SELECT version FROM schema_version LIMIT 1`)
	switch scanErr := row.Scan(&version); {
	case scanErr == nil && version == store.SchemaVersion:
		d.add("schema", "ok", fmt.Sprintf("v%d", version))
	case scanErr == nil && version < store.SchemaVersion:
		d.add("schema", "warn", fmt.Sprintf("v%d behind v%d (run qorelogic init)", version, store.SchemaVersion))
	case scanErr == nil:
		d.add("schema", "fail", fmt.Sprintf("v%d is newer than this build supports (v%d)", version, store.SchemaVersion))
	default:
		d.add("schema", "warn", "no schema_version table (run qorelogic init)")
	}

	var head *store.LedgerRow
	err = st.View(ctx, func(tx *store.Tx) error {
		var viewErr error
		head, viewErr = tx.LastLedgerRow(ctx)
		return viewErr
	})
	switch {
	case err != nil:
		d.add("ledger", "warn", fmt.Sprintf("unreadable: %v", err))
	case head == nil:
		d.add("ledger", "warn", "empty (run qorelogic init)")
	default:
		d.add("ledger", "ok", fmt.Sprintf("head seq %d", head.Sequence))
	}
}

// checkTier3 verifies the configured backend is reachable before serve
// depends on it.
func (d *doctor) checkTier3(backend string) {
	switch {
	case backend == "none":
		d.add("tier3_backend", "ok", "none (deep checks escalate to the overseer)")
	case strings.HasPrefix(backend, "exec:"):
		bin := strings.TrimPrefix(backend, "exec:")
		if _, err := exec.LookPath(bin); err != nil {
			d.add("tier3_backend", "fail", fmt.Sprintf("%s not found in PATH", bin))
		} else {
			d.add("tier3_backend", "ok", backend)
		}
	case strings.HasPrefix(backend, "wasm:"):
		module := strings.TrimPrefix(backend, "wasm:")
		if _, err := os.Stat(module); err != nil {
			d.add("tier3_backend", "fail", fmt.Sprintf("%s: %v", module, err))
		} else {
			d.add("tier3_backend", "ok", backend)
		}
	}
}
