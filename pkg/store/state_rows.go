package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SystemState is the singleton operational-mode row. Override marks the mode
// as operator-pinned: automatic load and queue transitions leave it alone.
type SystemState struct {
	Mode      string    `json:"mode"`
	EnteredAt time.Time `json:"entered_at"`
	Reason    string    `json:"reason"`
	Override  bool      `json:"override,omitempty"`
}

// GetSystemState loads the singleton row; ErrNotFound before initialization.
func (t *Tx) GetSystemState(ctx context.Context) (*SystemState, error) {
	row := t.queryRow(ctx, `SELECT mode, entered_at, reason, override FROM system_state WHERE id = 1`)
	var (
		st       SystemState
		at       string
		override int
	)
	err := row.Scan(&st.Mode, &at, &st.Reason, &override)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("system state: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: read system state: %w", err)
	}
	if st.EnteredAt, err = parseTime(at); err != nil {
		return nil, err
	}
	st.Override = override != 0
	return &st, nil
}

// PutSystemState upserts the singleton row.
func (t *Tx) PutSystemState(ctx context.Context, st *SystemState) error {
	override := 0
	if st.Override {
		override = 1
	}
	_, err := t.exec(ctx, `INSERT INTO system_state (id, mode, entered_at, reason, override)
		VALUES (1, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET mode = excluded.mode,
			entered_at = excluded.entered_at, reason = excluded.reason,
			override = excluded.override`,
		st.Mode, formatTime(st.EnteredAt), st.Reason, override)
	if err != nil {
		return fmt.Errorf("store: write system state: %w", err)
	}
	return nil
}

// ReputationChange is one append-only row of the trust audit trail.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type ReputationChange struct {
	ID              string    `json:"id"`
	AgentID         string    `json:"agent_id"`
	Timestamp       time.Time `json:"ts"`
	ChangeKind      string    `json:"change_kind"` // ewma|micro_penalty|recovery|decay|demotion
	Outcome         *float64  `json:"outcome,omitempty"`
	TrustBefore     float64   `json:"trust_before"`
	TrustAfter      float64   `json:"trust_after"`
	InfluenceBefore float64   `json:"influence_before"`
	InfluenceAfter  float64   `json:"influence_after"`
	Context         string    `json:"context,omitempty"`
}

// AppendReputation records one trust mutation.
func (t *Tx) AppendReputation(ctx context.Context, c *ReputationChange) error {
	_, err := t.exec(ctx, `INSERT INTO reputation_log (
			id, agent_id, ts, change_kind, outcome,
			trust_before, trust_after, influence_before, influence_after, context
		) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.AgentID, formatTime(c.Timestamp), c.ChangeKind, c.Outcome,
		c.TrustBefore, c.TrustAfter, c.InfluenceBefore, c.InfluenceAfter, c.Context,
	)
	if err != nil {
		return fmt.Errorf("store: append reputation %s: %w", c.AgentID, err)
	}
	return nil
}

// ReputationHistory returns an agent's trail, newest first, capped at limit.
func (t *Tx) ReputationHistory(ctx context.Context, agentID string, limit int) ([]*ReputationChange, error) {
	rows, err := t.query(ctx, `SELECT id, agent_id, ts, change_kind, outcome,
			trust_before, trust_after, influence_before, influence_after, context
		FROM reputation_log WHERE agent_id = ? ORDER BY ts DESC LIMIT ?`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: reputation history %s: %w", agentID, err)
	}
	defer func() { _ = rows.Close() }()

	var out []*ReputationChange
	for rows.Next() {
		var (
			c       ReputationChange
			ts      string
			outcome sql.NullFloat64
		)
		if err := rows.Scan(&c.ID, &c.AgentID, &ts, &c.ChangeKind, &outcome,
			&c.TrustBefore, &c.TrustAfter, &c.InfluenceBefore, &c.InfluenceAfter, &c.Context); err != nil {
			return nil, err
		}
		if c.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		if outcome.Valid {
			c.Outcome = &outcome.Float64
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

// ShadowRecord archives a rejected input vector for later forensic study.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type ShadowRecord struct {
	ArchiveID   string    `json:"archive_id"`
	Timestamp   time.Time `json:"ts"`
	AgentID     string    `json:"agent_id"`
	InputVector string    `json:"input_vector"`
	Mode        string    `json:"mode"`
	Context     string    `json:"context"`
	Rationale   string    `json:"rationale"`
	ContentHash string    `json:"content_hash"`
}

// InsertShadowRecord appends to the failure archive.
func (t *Tx) InsertShadowRecord(ctx context.Context, rec *ShadowRecord) error {
	_, err := t.exec(ctx, `INSERT INTO shadow_genome (
			archive_id, ts, agent_id, input_vector, mode, context, rationale, content_hash
		) VALUES (?,?,?,?,?,?,?,?)`,
		rec.ArchiveID, formatTime(rec.Timestamp), rec.AgentID, rec.InputVector,
		rec.Mode, rec.Context, rec.Rationale, rec.ContentHash,
	)
	if err != nil {
		return fmt.Errorf("store: insert shadow record: %w", err)
	}
	return nil
}

// GetShadowRecord loads one archived vector; ErrNotFound when absent.
func (t *Tx) GetShadowRecord(ctx context.Context, archiveID string) (*ShadowRecord, error) {
	row := t.queryRow(ctx, `SELECT archive_id, ts, agent_id, input_vector, mode, context, rationale, content_hash
		FROM shadow_genome WHERE archive_id = ?`, archiveID)
	var (
		rec ShadowRecord
		ts  string
	)
	err := row.Scan(&rec.ArchiveID, &ts, &rec.AgentID, &rec.InputVector,
		&rec.Mode, &rec.Context, &rec.Rationale, &rec.ContentHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("shadow record %s: %w", archiveID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get shadow record: %w", err)
	}
	if rec.Timestamp, err = parseTime(ts); err != nil {
		return nil, err
	}
	return &rec, nil
}
