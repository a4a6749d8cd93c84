package evidence

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/MythologIQ/qorelogic/pkg/contracts"
	"github.com/MythologIQ/qorelogic/pkg/ledger"
	"github.com/MythologIQ/qorelogic/pkg/store"
)

// Archive joins the CAS to the shadow genome: rejected input vectors land in
// both, and the SHADOW_ARCHIVE event ties the ledger to the content address.
type Archive struct {
	cas    Store
	ledger *ledger.Ledger
	logger *slog.Logger
	clock  func() time.Time
}

// Option configures an Archive.
type Option func(*Archive)

// WithClock injects a deterministic time source for tests.
func WithClock(fn func() time.Time) Option {
	return func(a *Archive) { a.clock = fn }
}

// WithLogger attaches a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Archive) { a.logger = l }
}

// NewArchive wires the CAS to the ledger.
func NewArchive(cas Store, led *ledger.Ledger, opts ...Option) *Archive {
	a := &Archive{cas: cas, ledger: led, logger: slog.Default(), clock: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// CAS exposes the underlying store for export bundles and head anchors.
func (a *Archive) CAS() Store { return a.cas }

// Failure is a rejected input vector headed for the shadow genome.
type Failure struct {
	AgentID     string
	InputVector string
	Mode        string
	Context     string
	Rationale   string
}

// ArchiveFailure stores the vector in the CAS and the shadow genome and
// appends SHADOW_ARCHIVE. The returned address is the failure-store id; it
// doubles as the content hash on the genome row. The caller must hold the
// store append lock.
func (a *Archive) ArchiveFailure(ctx context.Context, tx *store.Tx, f Failure) (string, error) {
	if f.InputVector == "" {
		return "", fmt.Errorf("evidence: empty input vector")
	}
	addr, err := a.cas.Put(ctx, []byte(f.InputVector))
	if err != nil {
		return "", err
	}
	rec := &store.ShadowRecord{
		ArchiveID:   uuid.NewString(),
		Timestamp:   a.clock().UTC(),
		AgentID:     f.AgentID,
		InputVector: f.InputVector,
		Mode:        f.Mode,
		Context:     f.Context,
		Rationale:   f.Rationale,
		ContentHash: addr,
	}
	if err := tx.InsertShadowRecord(ctx, rec); err != nil {
		return "", err
	}
	if err := a.appendArchiveEvent(ctx, tx, rec); err != nil {
		return "", err
	}
	a.logger.Info("evidence: failure archived",
		slog.String("agent", f.AgentID),
		slog.String("address", addr))
	return addr, nil
}

// ArchiveVector backfills the CAS for a shadow genome row the pipeline
// already wrote, then appends SHADOW_ARCHIVE. Returns the content address.
// The caller must hold the store append lock.
func (a *Archive) ArchiveVector(ctx context.Context, tx *store.Tx, archiveID string) (string, error) {
	rec, err := tx.GetShadowRecord(ctx, archiveID)
	if err != nil {
		return "", err
	}
	addr, err := a.cas.Put(ctx, []byte(rec.InputVector))
	if err != nil {
		return "", err
	}
	if addr != rec.ContentHash {
		return "", fmt.Errorf("evidence: archive %s content hash drifted: row %s, cas %s",
			archiveID, rec.ContentHash, addr)
	}
	if err := a.appendArchiveEvent(ctx, tx, rec); err != nil {
		return "", err
	}
	return addr, nil
}

func (a *Archive) appendArchiveEvent(ctx context.Context, tx *store.Tx, rec *store.ShadowRecord) error {
	_, err := a.ledger.Append(ctx, tx, ledger.Draft{
		Agent: rec.AgentID,
		Kind:  contracts.EventShadowArchive,
		Payload: map[string]any{
			"archive_id":   rec.ArchiveID,
			"content_hash": rec.ContentHash,
			"mode":         rec.Mode,
			"rationale":    rec.Rationale,
		},
	})
	return err
}
