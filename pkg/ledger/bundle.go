package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/MythologIQ/qorelogic/pkg/canonical"
	"github.com/MythologIQ/qorelogic/pkg/contracts"
	"github.com/MythologIQ/qorelogic/pkg/store"
)

// Bundle is a self-contained, offline-verifiable slice of the chain. The
// embedded public keys let a verifier check signatures without registry
// access; wrapped private keys never leave the store.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Bundle struct {
	ExportedAt time.Time          `json:"exported_at"`
	FromSeq    uint64             `json:"from_seq"`
	ToSeq      uint64             `json:"to_seq"`
	PrevHash   string             `json:"prev_hash"`
	HeadHash   string             `json:"head_hash"`
	Entries    []*store.LedgerRow `json:"entries"`
	Keys       []BundleKey        `json:"keys"`
}

// BundleKey carries one agent's verification material.
type BundleKey struct {
	AgentID   string `json:"agent_id"`
	KeyID     string `json:"key_id"`
	PublicKey string `json:"public_key"`
	KeyLog    string `json:"key_log,omitempty"`
}

// ExportBundle snapshots entries with from <= sequence <= to (to==0 meaning
// the head) together with the public keys needed to verify them.
func (l *Ledger) ExportBundle(ctx context.Context, from, to uint64) (*Bundle, error) {
	if from == 0 {
		from = 1
	}
	b := &Bundle{
		ExportedAt: l.clock().UTC(),
		FromSeq:    from,
		PrevHash:   canonical.ZeroHash,
	}
	err := l.store.View(ctx, func(tx *store.Tx) error {
		if from > 1 {
			seed, err := tx.LedgerRowBySeq(ctx, from-1)
			if err != nil {
				return err
			}
			b.PrevHash = seed.EntryHash
		}
		if err := tx.LedgerRange(ctx, from, to, func(row *store.LedgerRow) error {
			b.Entries = append(b.Entries, row)
			return nil
		}); err != nil {
			return err
		}
		if len(b.Entries) == 0 {
			return fmt.Errorf("ledger: export range %d..%d is empty", from, to)
		}
		b.ToSeq = b.Entries[len(b.Entries)-1].Sequence
		b.HeadHash = b.Entries[len(b.Entries)-1].EntryHash

		agents, err := tx.ListAgents(ctx)
		if err != nil {
			return err
		}
		for _, a := range agents {
			b.Keys = append(b.Keys, BundleKey{
				AgentID:   a.ID,
				KeyID:     a.KeyID,
				PublicKey: a.PublicKey,
				KeyLog:    a.KeyLog,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return b, nil
}

// VerifyBundle replays an exported bundle offline: chain continuity from
// PrevHash through HeadHash plus every signature against the embedded keys.
func VerifyBundle(b *Bundle) error {
	if len(b.Entries) == 0 {
		return fmt.Errorf("ledger: bundle has no entries")
	}
	byID := make(map[string]*contracts.Agent, len(b.Keys))
	for _, k := range b.Keys {
		byID[k.AgentID] = &contracts.Agent{
			ID:        k.AgentID,
			KeyID:     k.KeyID,
			PublicKey: k.PublicKey,
			KeyLog:    k.KeyLog,
		}
	}
	prev := b.PrevHash
	for _, row := range b.Entries {
		if err := verifyRow(row, prev, byID); err != nil {
			return err
		}
		prev = row.EntryHash
	}
	if prev != b.HeadHash {
		return fmt.Errorf("ledger: bundle head hash does not match entries")
	}
	return nil
}

// Sink receives anchor and bundle documents. Satisfied by the evidence store.
type Sink interface {
	Put(ctx context.Context, data []byte) (string, error)
}

// Anchor is the head commitment document written to the evidence sink.
type Anchor struct {
	Sequence   uint64    `json:"sequence"`
	EntryHash  string    `json:"entry_hash"`
	AnchoredAt time.Time `json:"anchored_at"`
	Address    string    `json:"address,omitempty"`
}

// AnchorHead writes the current chain head to the sink so later tampering
// with the local store is detectable against an external copy.
func (l *Ledger) AnchorHead(ctx context.Context, sink Sink) (*Anchor, error) {
	head, err := l.Head(ctx)
	if err != nil {
		return nil, err
	}
	if head == nil {
		return nil, fmt.Errorf("ledger: nothing to anchor, ledger is empty")
	}
	anchor := &Anchor{
		Sequence:   head.Sequence,
		EntryHash:  head.EntryHash,
		AnchoredAt: l.clock().UTC(),
	}
	doc, err := json.Marshal(anchor)
	if err != nil {
		return nil, fmt.Errorf("ledger: encode anchor: %w", err)
	}
	addr, err := sink.Put(ctx, doc)
	if err != nil {
		return nil, fmt.Errorf("ledger: anchor head: %w", err)
	}
	anchor.Address = addr
	return anchor, nil
}
