package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/MythologIQ/qorelogic/pkg/canonical"
	"github.com/MythologIQ/qorelogic/pkg/contracts"
	"github.com/MythologIQ/qorelogic/pkg/identity"
	"github.com/MythologIQ/qorelogic/pkg/store"
)

// Replay failure sentinels. ChainError wraps one of these with the offending
// sequence.
var (
	ErrChainBroken       = errors.New("ledger: hash chain broken")
	ErrSignatureMismatch = errors.New("ledger: signature mismatch")
)

// ChainError pinpoints the first entry at which replay diverged from the
// recorded chain.
type ChainError struct {
	Sequence uint64
	Detail   string
	err      error
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("%v at sequence %d: %s", e.err, e.Sequence, e.Detail)
}

func (e *ChainError) Unwrap() error { return e.err }

// ReplayReport summarizes a completed verification pass.
type ReplayReport struct {
	From     uint64 `json:"from"`
	To       uint64 `json:"to"`
	Checked  uint64 `json:"checked"`
	HeadHash string `json:"head_hash"`
}

// Replay recomputes every entry hash from sequence from onward and checks
// each signature against the signing agent's key history. The first
// divergence stops the pass with a ChainError; the caller decides what to
// ledger and whether to drop to SAFE mode.
func (l *Ledger) Replay(ctx context.Context, from uint64) (*ReplayReport, error) {
	if from == 0 {
		from = 1
	}
	report := &ReplayReport{From: from}

	err := l.store.View(ctx, func(tx *store.Tx) error {
		agents, err := tx.ListAgents(ctx)
		if err != nil {
			return err
		}
		byID := make(map[string]*contracts.Agent, len(agents))
		for _, a := range agents {
			byID[a.ID] = a
		}

		prevHash := canonical.ZeroHash
		if from > 1 {
			seed, err := tx.LedgerRowBySeq(ctx, from-1)
			if err != nil {
				return err
			}
			prevHash = seed.EntryHash
		}

		return tx.LedgerRange(ctx, from, 0, func(row *store.LedgerRow) error {
			if err := verifyRow(row, prevHash, byID); err != nil {
				return err
			}
			prevHash = row.EntryHash
			report.To = row.Sequence
			report.Checked++
			report.HeadHash = row.EntryHash
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return report, nil
}

// verifyRow checks one entry against the expected predecessor hash and the
// signing keys in byID. Genesis rows carry no agent and no signature.
func verifyRow(row *store.LedgerRow, prevHash string, byID map[string]*contracts.Agent) error {
	if row.PrevHash != prevHash {
		return &ChainError{Sequence: row.Sequence, Detail: "prev_hash does not match predecessor", err: ErrChainBroken}
	}
	payload, err := canonical.MarshalRaw(row.Payload)
	if err != nil {
		return &ChainError{Sequence: row.Sequence, Detail: "payload not canonicalizable", err: ErrChainBroken}
	}
	agentID := ""
	if row.AgentID != nil {
		agentID = *row.AgentID
	}
	want := canonical.HashBytes(hashMaterial(row.Timestamp, agentID, payload, row.PrevHash))
	if want != row.EntryHash {
		return &ChainError{Sequence: row.Sequence, Detail: "recomputed entry hash differs", err: ErrChainBroken}
	}

	if agentID == "" {
		if row.EventKind != string(contracts.EventGenesisAxiom) {
			return &ChainError{Sequence: row.Sequence, Detail: "non-genesis entry without agent", err: ErrChainBroken}
		}
		return nil
	}
	agent, ok := byID[agentID]
	if !ok {
		return &ChainError{Sequence: row.Sequence, Detail: fmt.Sprintf("signing agent %s not in registry", agentID), err: ErrSignatureMismatch}
	}
	verified, err := identity.Verify(agent, row.KeyID, []byte(row.EntryHash), row.Signature)
	if err != nil {
		return &ChainError{Sequence: row.Sequence, Detail: err.Error(), err: ErrSignatureMismatch}
	}
	if !verified {
		return &ChainError{Sequence: row.Sequence, Detail: "signature does not verify under any held key", err: ErrSignatureMismatch}
	}
	return nil
}
