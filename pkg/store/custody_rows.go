package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// QuarantineRecord is one time-boxed block on an agent.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type QuarantineRecord struct {
	ID        string    `json:"quarantine_id"`
	AgentID   string    `json:"agent_id"`
	Track     string    `json:"track"`
	Reason    string    `json:"reason"`
	StartedAt time.Time `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	ReleaseAt time.Time `json:"release_at"`
	Released  bool      `json:"released"`
}

// InsertQuarantine records a new block.
func (t *Tx) InsertQuarantine(ctx context.Context, q *QuarantineRecord) error {
	_, err := t.exec(ctx, `INSERT INTO agent_quarantine (
			quarantine_id, agent_id, track, reason, started_at, duration_seconds, release_at, released
		) VALUES (?,?,?,?,?,?,?,?)`,
		q.ID, q.AgentID, q.Track, q.Reason, formatTime(q.StartedAt),
		int64(q.Duration.Seconds()), formatTime(q.ReleaseAt), boolInt(q.Released),
	)
	if err != nil {
		return fmt.Errorf("store: insert quarantine %s: %w", q.AgentID, err)
	}
	return nil
}

// ActiveQuarantine returns the unreleased record covering now, or nil.
func (t *Tx) ActiveQuarantine(ctx context.Context, agentID string, now time.Time) (*QuarantineRecord, error) {
	row := t.queryRow(ctx, `SELECT quarantine_id, agent_id, track, reason, started_at, duration_seconds, release_at, released
		FROM agent_quarantine
		WHERE agent_id = ? AND released = 0 AND release_at > ?
		ORDER BY release_at DESC LIMIT 1`,
		agentID, formatTime(now))
	q, err := scanQuarantine(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return q, err
}

// ExpiredQuarantines lists unreleased records whose window has passed.
func (t *Tx) ExpiredQuarantines(ctx context.Context, now time.Time) ([]*QuarantineRecord, error) {
	rows, err := t.query(ctx, `SELECT quarantine_id, agent_id, track, reason, started_at, duration_seconds, release_at, released
		FROM agent_quarantine WHERE released = 0 AND release_at <= ? ORDER BY release_at`,
		formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("store: expired quarantines: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*QuarantineRecord
	for rows.Next() {
		q, scanErr := scanQuarantine(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

// MarkQuarantineReleased flips the released flag.
func (t *Tx) MarkQuarantineReleased(ctx context.Context, id string) error {
	res, err := t.exec(ctx, `UPDATE agent_quarantine SET released = 1 WHERE quarantine_id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: release quarantine %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("quarantine %s: %w", id, ErrNotFound)
	}
	return nil
}

func scanQuarantine(r rowScanner) (*QuarantineRecord, error) {
	var (
		q                  QuarantineRecord
		started, release   string
		durationSec        int64
		released           int
	)
	err := r.Scan(&q.ID, &q.AgentID, &q.Track, &q.Reason, &started, &durationSec, &release, &released)
	if err != nil {
		return nil, err
	}
	q.Duration = time.Duration(durationSec) * time.Second
	q.Released = released != 0
	if q.StartedAt, err = parseTime(started); err != nil {
		return nil, err
	}
	if q.ReleaseAt, err = parseTime(release); err != nil {
		return nil, err
	}
	return &q, nil
}

// DeferralRecord is one logged disclosure delay.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type DeferralRecord struct {
	ID           string    `json:"deferral_id"`
	ArtifactHash string    `json:"artifact_hash"`
	Category     string    `json:"category"`
	Reason       string    `json:"reason"`
	State        string    `json:"state"` // active|disclosed|expired
	CreatedAt    time.Time `json:"created_at"`
	Deadline     time.Time `json:"deadline"`
}

// InsertDeferral records a new disclosure delay.
func (t *Tx) InsertDeferral(ctx context.Context, d *DeferralRecord) error {
	_, err := t.exec(ctx, `INSERT INTO disclosure_deferral (
			deferral_id, artifact_hash, category, reason, state, created_at, deadline
		) VALUES (?,?,?,?,?,?,?)`,
		d.ID, d.ArtifactHash, d.Category, d.Reason, d.State,
		formatTime(d.CreatedAt), formatTime(d.Deadline),
	)
	if err != nil {
		return fmt.Errorf("store: insert deferral: %w", err)
	}
	return nil
}

// GetDeferral loads one record; ErrNotFound when absent.
func (t *Tx) GetDeferral(ctx context.Context, id string) (*DeferralRecord, error) {
	row := t.queryRow(ctx, `SELECT deferral_id, artifact_hash, category, reason, state, created_at, deadline
		FROM disclosure_deferral WHERE deferral_id = ?`, id)
	d, err := scanDeferral(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("deferral %s: %w", id, ErrNotFound)
	}
	return d, err
}

// UpdateDeferralState transitions a deferral.
func (t *Tx) UpdateDeferralState(ctx context.Context, id, state string) error {
	res, err := t.exec(ctx, `UPDATE disclosure_deferral SET state = ? WHERE deferral_id = ?`, state, id)
	if err != nil {
		return fmt.Errorf("store: update deferral %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("deferral %s: %w", id, ErrNotFound)
	}
	return nil
}

// UpdateDeferralReason replaces the justification on an active deferral.
func (t *Tx) UpdateDeferralReason(ctx context.Context, id, reason string) error {
	res, err := t.exec(ctx, `UPDATE disclosure_deferral SET reason = ? WHERE deferral_id = ?`, reason, id)
	if err != nil {
		return fmt.Errorf("store: update deferral reason %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("deferral %s: %w", id, ErrNotFound)
	}
	return nil
}

// ExpiredDeferrals lists active records past their deadline.
func (t *Tx) ExpiredDeferrals(ctx context.Context, now time.Time) ([]*DeferralRecord, error) {
	rows, err := t.query(ctx, `SELECT deferral_id, artifact_hash, category, reason, state, created_at, deadline
		FROM disclosure_deferral WHERE state = 'active' AND deadline <= ? ORDER BY deadline`,
		formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("store: expired deferrals: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*DeferralRecord
	for rows.Next() {
		d, scanErr := scanDeferral(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func scanDeferral(r rowScanner) (*DeferralRecord, error) {
	var (
		d                 DeferralRecord
		created, deadline string
	)
	err := r.Scan(&d.ID, &d.ArtifactHash, &d.Category, &d.Reason, &d.State, &created, &deadline)
	if err != nil {
		return nil, err
	}
	if d.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if d.Deadline, err = parseTime(deadline); err != nil {
		return nil, err
	}
	return &d, nil
}
