package sentinel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
	"golang.org/x/time/rate"

	"github.com/MythologIQ/qorelogic/pkg/contracts"
)

// Deep-verification limits. The checker gets one machine budget regardless
// of backend; exploration depth is clamped to a band the budget can cover.
const (
	Tier3Timeout  = 5 * time.Second
	Tier3MinDepth = 5
	Tier3MaxDepth = 10

	tier3OutputMax   = 1024 * 1024
	tier3MemoryBytes = 64 << 20
)

// Verdict statuses returned by a checker backend.
const (
	VerdictVerified = "verified"
	VerdictRefuted  = "refuted"
	VerdictUnknown  = "unknown"
)

// Job is the work order handed to the checker as JSON on stdin.
type Job struct {
	ArtifactHash string         `json:"artifact_hash"`
	Content      string         `json:"content"`
	Specs        []FunctionSpec `json:"specs,omitempty"`
	Depth        int            `json:"depth"`
}

// Verdict is the checker's JSON reply on stdout. A checker always exits
// zero and reports refutation through Status; a non-zero exit is a crash.
type Verdict struct {
	Status         string `json:"status"`
	Counterexample string `json:"counterexample,omitempty"`
}

const (
	tier3None = "none"
	tier3Exec = "exec"
	tier3Wasm = "wasm"
)

// Tier3Runner invokes the external bounded model checker. The backend spec
// is "none", "exec:<command>" or "wasm:<path>".
type Tier3Runner struct {
	backend string
	command string
	wasm    []byte
	runtime wazero.Runtime
	depth   int
	limiter *rate.Limiter
	logger  *slog.Logger
}

// Tier3Option configures the runner.
type Tier3Option func(*Tier3Runner)

// WithTier3Logger sets the runner logger.
func WithTier3Logger(l *slog.Logger) Tier3Option {
	return func(t *Tier3Runner) { t.logger = l }
}

// WithTier3RateLimit bounds checker invocations.
func WithTier3RateLimit(limit rate.Limit, burst int) Tier3Option {
	return func(t *Tier3Runner) { t.limiter = rate.NewLimiter(limit, burst) }
}

// NewTier3Runner parses the backend spec and prepares the runner. A wasm
// backend loads and validates its module bytes up front.
func NewTier3Runner(ctx context.Context, spec string, depth int, opts ...Tier3Option) (*Tier3Runner, error) {
	t := &Tier3Runner{
		backend: tier3None,
		depth:   clampDepth(depth),
		limiter: rate.NewLimiter(rate.Limit(2), 4),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}

	switch {
	case spec == "" || spec == tier3None:
	case strings.HasPrefix(spec, "exec:"):
		t.backend = tier3Exec
		t.command = strings.TrimPrefix(spec, "exec:")
		if strings.TrimSpace(t.command) == "" {
			return nil, fmt.Errorf("sentinel: exec backend needs a command")
		}
	case strings.HasPrefix(spec, "wasm:"):
		path := strings.TrimPrefix(spec, "wasm:")
		blob, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("sentinel: load checker module: %w", err)
		}
		cfg := wazero.NewRuntimeConfig().
			WithMemoryLimitPages(tier3MemoryBytes / 65536).
			WithCloseOnContextDone(true)
		r := wazero.NewRuntimeWithConfig(ctx, cfg)
		if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
			_ = r.Close(ctx)
			return nil, fmt.Errorf("sentinel: instantiate wasi: %w", err)
		}
		t.backend = tier3Wasm
		t.wasm = blob
		t.runtime = r
	default:
		return nil, fmt.Errorf("sentinel: unknown tier3 backend %q", spec)
	}
	return t, nil
}

// Available reports whether a checker backend is configured.
func (t *Tier3Runner) Available() bool { return t.backend != tier3None }

// Close releases backend resources.
func (t *Tier3Runner) Close(ctx context.Context) error {
	if t.runtime != nil {
		return t.runtime.Close(ctx)
	}
	return nil
}

// Run hands the job to the checker and parses its verdict. The watchdog
// kills the checker at the machine budget and surfaces TIER3_TIMEOUT; a
// missing or broken backend surfaces TIER3_UNAVAILABLE so the caller can
// fall back to escalation.
func (t *Tier3Runner) Run(ctx context.Context, job Job) (*Verdict, error) {
	if t.backend == tier3None {
		return nil, contracts.NewError(contracts.KindTier3Unavailable, "no checker backend configured")
	}
	if !t.limiter.Allow() {
		return nil, contracts.NewError(contracts.KindTier3Unavailable, "checker invocation rate exceeded")
	}
	if job.Depth == 0 {
		job.Depth = t.depth
	}
	job.Depth = clampDepth(job.Depth)

	payload, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("sentinel: marshal checker job: %w", err)
	}

	execCtx, cancel := context.WithTimeout(ctx, Tier3Timeout)
	defer cancel()

	var out []byte
	switch t.backend {
	case tier3Exec:
		out, err = t.runExec(execCtx, payload, job.Depth)
	case tier3Wasm:
		out, err = t.runWasm(execCtx, payload, job.Depth)
	}
	if err != nil {
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			t.logger.Warn("checker timed out",
				slog.String("artifact", job.ArtifactHash),
				slog.Int("depth", job.Depth))
			return nil, contracts.NewError(contracts.KindTier3Timeout, "checker exceeded %s budget", Tier3Timeout)
		}
		return nil, contracts.WrapError(contracts.KindTier3Unavailable, err, "checker failed")
	}
	if len(out) > tier3OutputMax {
		return nil, contracts.NewError(contracts.KindTier3Unavailable, "checker output %d bytes exceeds %d", len(out), tier3OutputMax)
	}

	var verdict Verdict
	if err := json.Unmarshal(out, &verdict); err != nil {
		return nil, contracts.WrapError(contracts.KindTier3Unavailable, err, "checker returned malformed verdict")
	}
	switch verdict.Status {
	case VerdictVerified, VerdictRefuted, VerdictUnknown:
		return &verdict, nil
	default:
		return nil, contracts.NewError(contracts.KindTier3Unavailable, "checker returned unknown status %q", verdict.Status)
	}
}

func (t *Tier3Runner) runExec(ctx context.Context, payload []byte, depth int) ([]byte, error) {
	parts := strings.Fields(t.command)
	args := append(parts[1:], "--depth", strconv.Itoa(depth))
	cmd := exec.CommandContext(ctx, parts[0], args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("run %s: %w", parts[0], err)
	}
	return stdout.Bytes(), nil
}

func (t *Tier3Runner) runWasm(ctx context.Context, payload []byte, depth int) ([]byte, error) {
	var stdout, stderr bytes.Buffer
	moduleConfig := wazero.NewModuleConfig().
		WithStdin(bytes.NewReader(payload)).
		WithStdout(&stdout).
		WithStderr(&stderr).
		WithName("checker").
		WithArgs("checker", "--depth", strconv.Itoa(depth))

	// No filesystem, no network (WASI deny-by-default).

	compiled, err := t.runtime.CompileModule(ctx, t.wasm)
	if err != nil {
		return nil, fmt.Errorf("compile checker module: %w", err)
	}
	defer func() { _ = compiled.Close(ctx) }()

	mod, err := t.runtime.InstantiateModule(ctx, compiled, moduleConfig)
	if err != nil {
		var exit *sys.ExitError
		if errors.As(err, &exit) && exit.ExitCode() == 0 {
			return stdout.Bytes(), nil
		}
		return nil, fmt.Errorf("checker execution: %w", err)
	}
	defer func() { _ = mod.Close(ctx) }()

	return stdout.Bytes(), nil
}

func clampDepth(d int) int {
	if d < Tier3MinDepth {
		return Tier3MinDepth
	}
	if d > Tier3MaxDepth {
		return Tier3MaxDepth
	}
	return d
}
