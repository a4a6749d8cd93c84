package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// LedgerRow is the persisted form of one accountability ledger entry. Nullable
// columns use pointers; AgentID is nil only on the genesis row.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type LedgerRow struct {
	Sequence      uint64          `json:"sequence"`
	EntryID       string          `json:"entry_id"`
	Timestamp     time.Time       `json:"timestamp"`
	AgentID       *string         `json:"agent_id"`
	EventKind     string          `json:"event_kind"`
	RiskGrade     *string         `json:"risk_grade,omitempty"`
	Payload       json.RawMessage `json:"payload"`
	VerifyMethod  *string         `json:"verify_method,omitempty"`
	VerifyResult  *string         `json:"verify_result,omitempty"`
	ModelVersion  *string         `json:"model_version,omitempty"`
	TrustAtAction *float64        `json:"trust_at_action,omitempty"`
	Flags         json.RawMessage `json:"governance_flags,omitempty"`
	PrevHash      string          `json:"prev_hash"`
	EntryHash     string          `json:"entry_hash"`
	Signature     string          `json:"signature"`
	KeyID         string          `json:"key_id"`
}

// InsertLedgerRow appends one row. Callers must hold the store append lock
// (WithinAppendTx) so Sequence is derived from committed state only.
func (t *Tx) InsertLedgerRow(ctx context.Context, row *LedgerRow) error {
	flags := row.Flags
	if len(flags) == 0 {
		flags = json.RawMessage(`{}`)
	}
	_, err := t.exec(ctx, `INSERT INTO soa_ledger (
			sequence, entry_id, ts, agent_id, event_kind, risk_grade, payload,
			verify_method, verify_result, model_version, trust_at_action,
			governance_flags, prev_hash, entry_hash, signature, key_id
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		row.Sequence, row.EntryID, formatTime(row.Timestamp), row.AgentID,
		row.EventKind, row.RiskGrade, string(row.Payload),
		row.VerifyMethod, row.VerifyResult, row.ModelVersion, row.TrustAtAction,
		string(flags), row.PrevHash, row.EntryHash, row.Signature, row.KeyID,
	)
	if err != nil {
		return fmt.Errorf("store: append ledger seq %d: %w", row.Sequence, err)
	}
	return nil
}

const ledgerColumns = `sequence, entry_id, ts, agent_id, event_kind, risk_grade, payload,
	verify_method, verify_result, model_version, trust_at_action,
	governance_flags, prev_hash, entry_hash, signature, key_id`

// LastLedgerRow returns the highest-sequence row, or nil on an empty ledger.
func (t *Tx) LastLedgerRow(ctx context.Context) (*LedgerRow, error) {
	row := t.queryRow(ctx, `SELECT `+ledgerColumns+` FROM soa_ledger ORDER BY sequence DESC LIMIT 1`)
	entry, err := scanLedgerRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return entry, err
}

// LedgerRowBySeq loads one row; ErrNotFound when absent.
func (t *Tx) LedgerRowBySeq(ctx context.Context, seq uint64) (*LedgerRow, error) {
	row := t.queryRow(ctx, `SELECT `+ledgerColumns+` FROM soa_ledger WHERE sequence = ?`, seq)
	entry, err := scanLedgerRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("ledger sequence %d: %w", seq, ErrNotFound)
	}
	return entry, err
}

// LedgerRowByEntryID loads one row by its opaque id; ErrNotFound when absent.
func (t *Tx) LedgerRowByEntryID(ctx context.Context, entryID string) (*LedgerRow, error) {
	row := t.queryRow(ctx, `SELECT `+ledgerColumns+` FROM soa_ledger WHERE entry_id = ?`, entryID)
	entry, err := scanLedgerRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("ledger entry %s: %w", entryID, ErrNotFound)
	}
	return entry, err
}

// LedgerRange streams rows with from <= sequence <= to in order. to==0 means
// no upper bound.
func (t *Tx) LedgerRange(ctx context.Context, from, to uint64, fn func(*LedgerRow) error) error {
	query := `SELECT ` + ledgerColumns + ` FROM soa_ledger WHERE sequence >= ?`
	args := []any{from}
	if to > 0 {
		query += ` AND sequence <= ?`
		args = append(args, to)
	}
	query += ` ORDER BY sequence ASC`

	rows, err := t.query(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("store: ledger range: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		entry, scanErr := scanLedgerRow(rows)
		if scanErr != nil {
			return scanErr
		}
		if cbErr := fn(entry); cbErr != nil {
			return cbErr
		}
	}
	return rows.Err()
}

// CountLedger returns the number of committed entries.
func (t *Tx) CountLedger(ctx context.Context) (uint64, error) {
	var n uint64
	if err := t.queryRow(ctx, `SELECT COUNT(*) FROM soa_ledger`).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count ledger: %w", err)
	}
	return n, nil
}

// CountLedgerByKind counts entries of one event kind for an agent within a
// window; empty agent counts across all agents.
func (t *Tx) CountLedgerByKind(ctx context.Context, agentID, kind string, since time.Time) (int, error) {
	query := `SELECT COUNT(*) FROM soa_ledger WHERE event_kind = ? AND ts >= ?`
	args := []any{kind, formatTime(since)}
	if agentID != "" {
		query += ` AND agent_id = ?`
		args = append(args, agentID)
	}
	var n int
	if err := t.queryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count %s: %w", kind, err)
	}
	return n, nil
}

func scanLedgerRow(r rowScanner) (*LedgerRow, error) {
	var (
		row                      LedgerRow
		ts, payload, flags       string
		agent, grade             sql.NullString
		method, result, model    sql.NullString
		trustAt                  sql.NullFloat64
	)
	err := r.Scan(
		&row.Sequence, &row.EntryID, &ts, &agent, &row.EventKind, &grade, &payload,
		&method, &result, &model, &trustAt,
		&flags, &row.PrevHash, &row.EntryHash, &row.Signature, &row.KeyID,
	)
	if err != nil {
		return nil, err
	}
	if row.Timestamp, err = parseTime(ts); err != nil {
		return nil, err
	}
	row.Payload = json.RawMessage(payload)
	row.Flags = json.RawMessage(flags)
	if agent.Valid {
		row.AgentID = &agent.String
	}
	if grade.Valid {
		row.RiskGrade = &grade.String
	}
	if method.Valid {
		row.VerifyMethod = &method.String
	}
	if result.Valid {
		row.VerifyResult = &result.String
	}
	if model.Valid {
		row.ModelVersion = &model.String
	}
	if trustAt.Valid {
		row.TrustAtAction = &trustAt.Float64
	}
	return &row, nil
}
