// Package ledger implements the engine's statement-of-accountability log: an
// append-only, hash-chained, per-entry signed record of every governed
// action. The chain roots in a genesis axiom entry and every later entry is
// signed by the agent it attributes.
package ledger

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/MythologIQ/qorelogic/pkg/canonical"
	"github.com/MythologIQ/qorelogic/pkg/contracts"
	"github.com/MythologIQ/qorelogic/pkg/store"
)

// Axiom is the root commitment every chain starts from.
const Axiom = "ACCOUNTABILITY_PRECEDES_AGENCY"

// axiomSchema versions the genesis payload layout.
const axiomSchema = 1

// Signer produces signatures on behalf of registered agents. Satisfied by
// *identity.Manager.
type Signer interface {
	SignTx(ctx context.Context, tx *store.Tx, agentID string, data []byte) (sigHex, keyID string, err error)
}

// Ledger appends to and verifies the accountability chain.
type Ledger struct {
	store   *store.Store
	signer  Signer
	logger  *slog.Logger
	clock   func() time.Time
	observe func(kind string)
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock injects a deterministic time source for tests.
func WithClock(fn func() time.Time) Option {
	return func(l *Ledger) { l.clock = fn }
}

// WithLogger attaches a structured logger.
func WithLogger(lg *slog.Logger) Option {
	return func(l *Ledger) { l.logger = lg }
}

// WithObserver registers a hook invoked with the event kind after every
// successful append. Used to feed metrics without coupling the chain to a
// meter.
func WithObserver(fn func(kind string)) Option {
	return func(l *Ledger) { l.observe = fn }
}

// New wires the ledger to its store and signer.
func New(st *store.Store, signer Signer, opts ...Option) *Ledger {
	l := &Ledger{
		store:  st,
		signer: signer,
		logger: slog.Default(),
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Draft is one entry to be appended. Payload is canonicalized before hashing;
// Flags carry governance annotations (mode, probation, sampling decision).
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Draft struct {
	Agent         string
	Kind          contracts.EventKind
	RiskGrade     contracts.RiskGrade
	Payload       any
	VerifyMethod  string
	VerifyResult  string
	ModelVersion  string
	TrustAtAction *float64
	Flags         map[string]any
}

// Init writes the genesis axiom entry exactly once. A second call is a no-op
// returning the existing genesis row.
func (l *Ledger) Init(ctx context.Context) (*store.LedgerRow, error) {
	var row *store.LedgerRow
	err := l.store.WithinAppendTx(ctx, func(tx *store.Tx) error {
		existing, err := tx.LastLedgerRow(ctx)
		if err != nil {
			return err
		}
		if existing != nil {
			row, err = tx.LedgerRowBySeq(ctx, 1)
			return err
		}

		payload, err := canonical.Marshal(map[string]any{
			"axiom":  Axiom,
			"schema": axiomSchema,
		})
		if err != nil {
			return err
		}
		ts := l.clock().UTC()
		entryHash := canonical.HashBytes(hashMaterial(ts, "", payload, canonical.ZeroHash))
		row = &store.LedgerRow{
			Sequence:  1,
			EntryID:   uuid.NewString(),
			Timestamp: ts,
			AgentID:   nil,
			EventKind: string(contracts.EventGenesisAxiom),
			Payload:   payload,
			PrevHash:  canonical.ZeroHash,
			EntryHash: entryHash,
		}
		if err := tx.InsertLedgerRow(ctx, row); err != nil {
			return err
		}
		l.logger.Info("ledger: genesis written", slog.String("entry_hash", entryHash))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return row, nil
}

// Append chains, signs, and inserts one entry. The caller must be inside
// WithinAppendTx so the last-row read observes only committed sequences.
func (l *Ledger) Append(ctx context.Context, tx *store.Tx, d Draft) (*store.LedgerRow, error) {
	if d.Agent == "" {
		return nil, fmt.Errorf("ledger: append requires an acting agent")
	}
	if !d.Kind.Valid() {
		return nil, fmt.Errorf("ledger: unknown event kind %q", d.Kind)
	}
	payload, err := canonical.Marshal(d.Payload)
	if err != nil {
		return nil, err
	}

	last, err := tx.LastLedgerRow(ctx)
	if err != nil {
		return nil, err
	}
	if last == nil {
		return nil, fmt.Errorf("ledger: not initialized, run init first")
	}

	ts := l.clock().UTC()
	entryHash := canonical.HashBytes(hashMaterial(ts, d.Agent, payload, last.EntryHash))
	sig, keyID, err := l.signer.SignTx(ctx, tx, d.Agent, []byte(entryHash))
	if err != nil {
		return nil, err
	}

	row := &store.LedgerRow{
		Sequence:      last.Sequence + 1,
		EntryID:       uuid.NewString(),
		Timestamp:     ts,
		AgentID:       &d.Agent,
		EventKind:     string(d.Kind),
		Payload:       payload,
		TrustAtAction: d.TrustAtAction,
		PrevHash:      last.EntryHash,
		EntryHash:     entryHash,
		Signature:     sig,
		KeyID:         keyID,
	}
	if d.RiskGrade != "" {
		grade := string(d.RiskGrade)
		row.RiskGrade = &grade
	}
	if d.VerifyMethod != "" {
		row.VerifyMethod = &d.VerifyMethod
	}
	if d.VerifyResult != "" {
		row.VerifyResult = &d.VerifyResult
	}
	if d.ModelVersion != "" {
		row.ModelVersion = &d.ModelVersion
	}
	if len(d.Flags) > 0 {
		flags, ferr := canonical.Marshal(d.Flags)
		if ferr != nil {
			return nil, ferr
		}
		row.Flags = flags
	}
	if err := tx.InsertLedgerRow(ctx, row); err != nil {
		return nil, err
	}
	if l.observe != nil {
		l.observe(row.EventKind)
	}
	return row, nil
}

// AppendOne runs a single append in its own transaction.
func (l *Ledger) AppendOne(ctx context.Context, d Draft) (*store.LedgerRow, error) {
	var row *store.LedgerRow
	err := l.store.WithinAppendTx(ctx, func(tx *store.Tx) error {
		var txErr error
		row, txErr = l.Append(ctx, tx, d)
		return txErr
	})
	if err != nil {
		return nil, err
	}
	return row, nil
}

// Head returns the latest committed entry, nil on an empty ledger.
func (l *Ledger) Head(ctx context.Context) (*store.LedgerRow, error) {
	var row *store.LedgerRow
	err := l.store.View(ctx, func(tx *store.Tx) error {
		var txErr error
		row, txErr = tx.LastLedgerRow(ctx)
		return txErr
	})
	if err != nil {
		return nil, err
	}
	return row, nil
}

// hashMaterial concatenates the four authenticated fields. Genesis hashes
// with an empty agent id.
func hashMaterial(ts time.Time, agentID string, canonicalPayload []byte, prevHash string) []byte {
	var b bytes.Buffer
	b.WriteString(ts.UTC().Format(time.RFC3339Nano))
	b.WriteString(agentID)
	b.Write(canonicalPayload)
	b.WriteString(prevHash)
	return b.Bytes()
}
