package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ClaimRecord is one TTL-bounded verified claim.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type ClaimRecord struct {
	ClaimID      string    `json:"claim_id"`
	ContentHash  string    `json:"content_hash"`
	Class        string    `json:"volatility_class"`
	RegisteredAt time.Time `json:"registered_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	SourceURL    string    `json:"source_url,omitempty"`
	Stale        bool      `json:"stale"`
}

// InsertClaim registers a claim with its computed expiry.
func (t *Tx) InsertClaim(ctx context.Context, c *ClaimRecord) error {
	_, err := t.exec(ctx, `INSERT INTO claim_volatility (
			claim_id, content_hash, volatility_class, registered_at, expires_at, source_url, stale
		) VALUES (?,?,?,?,?,?,?)`,
		c.ClaimID, c.ContentHash, c.Class, formatTime(c.RegisteredAt),
		formatTime(c.ExpiresAt), c.SourceURL, boolInt(c.Stale),
	)
	if err != nil {
		return fmt.Errorf("store: insert claim %s: %w", c.ClaimID, err)
	}
	return nil
}

// GetClaim loads one claim; ErrNotFound when absent.
func (t *Tx) GetClaim(ctx context.Context, claimID string) (*ClaimRecord, error) {
	row := t.queryRow(ctx, `SELECT claim_id, content_hash, volatility_class, registered_at, expires_at, source_url, stale
		FROM claim_volatility WHERE claim_id = ?`, claimID)
	c, err := scanClaim(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("claim %s: %w", claimID, ErrNotFound)
	}
	return c, err
}

// MarkClaimStale flips the stale flag once.
func (t *Tx) MarkClaimStale(ctx context.Context, claimID string) error {
	res, err := t.exec(ctx, `UPDATE claim_volatility SET stale = 1 WHERE claim_id = ?`, claimID)
	if err != nil {
		return fmt.Errorf("store: mark claim stale %s: %w", claimID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("claim %s: %w", claimID, ErrNotFound)
	}
	return nil
}

// RefreshClaim rearms a re-verified claim with a new expiry.
func (t *Tx) RefreshClaim(ctx context.Context, claimID string, registeredAt, expiresAt time.Time) error {
	res, err := t.exec(ctx, `UPDATE claim_volatility SET registered_at = ?, expires_at = ?, stale = 0 WHERE claim_id = ?`,
		formatTime(registeredAt), formatTime(expiresAt), claimID)
	if err != nil {
		return fmt.Errorf("store: refresh claim %s: %w", claimID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("claim %s: %w", claimID, ErrNotFound)
	}
	return nil
}

// ExpiredFreshClaims lists claims past expiry still marked fresh, for the sweep.
func (t *Tx) ExpiredFreshClaims(ctx context.Context, now time.Time) ([]*ClaimRecord, error) {
	rows, err := t.query(ctx, `SELECT claim_id, content_hash, volatility_class, registered_at, expires_at, source_url, stale
		FROM claim_volatility WHERE stale = 0 AND expires_at <= ? ORDER BY expires_at`,
		formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("store: expired claims: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*ClaimRecord
	for rows.Next() {
		c, scanErr := scanClaim(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanClaim(r rowScanner) (*ClaimRecord, error) {
	var (
		c                  ClaimRecord
		registered, expiry string
		stale              int
	)
	err := r.Scan(&c.ClaimID, &c.ContentHash, &c.Class, &registered, &expiry, &c.SourceURL, &stale)
	if err != nil {
		return nil, err
	}
	c.Stale = stale != 0
	if c.RegisteredAt, err = parseTime(registered); err != nil {
		return nil, err
	}
	if c.ExpiresAt, err = parseTime(expiry); err != nil {
		return nil, err
	}
	return &c, nil
}

// CalibrationSample is one (confidence, correctness) observation.
type CalibrationSample struct {
	SampleID   string    `json:"sample_id"`
	AgentID    string    `json:"agent_id"`
	Timestamp  time.Time `json:"ts"`
	Confidence float64   `json:"confidence"`
	Correct    bool      `json:"correct"`
}

// InsertCalibrationSample appends one observation.
func (t *Tx) InsertCalibrationSample(ctx context.Context, s *CalibrationSample) error {
	_, err := t.exec(ctx, `INSERT INTO calibration_log (sample_id, agent_id, ts, confidence, correct)
		VALUES (?,?,?,?,?)`,
		s.SampleID, s.AgentID, formatTime(s.Timestamp), s.Confidence, boolInt(s.Correct))
	if err != nil {
		return fmt.Errorf("store: insert calibration sample: %w", err)
	}
	return nil
}

// RecentCalibrationSamples returns the newest limit samples for an agent,
// oldest first so Brier windows read naturally.
func (t *Tx) RecentCalibrationSamples(ctx context.Context, agentID string, limit int) ([]*CalibrationSample, error) {
	rows, err := t.query(ctx, `SELECT sample_id, agent_id, ts, confidence, correct FROM (
			SELECT sample_id, agent_id, ts, confidence, correct
			FROM calibration_log WHERE agent_id = ? ORDER BY ts DESC LIMIT ?
		) AS recent ORDER BY ts ASC`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: calibration samples %s: %w", agentID, err)
	}
	defer func() { _ = rows.Close() }()

	var out []*CalibrationSample
	for rows.Next() {
		var (
			s       CalibrationSample
			ts      string
			correct int
		)
		if err := rows.Scan(&s.SampleID, &s.AgentID, &ts, &s.Confidence, &correct); err != nil {
			return nil, err
		}
		s.Correct = correct != 0
		if s.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		out = append(out, &s)
	}
	return out, rows.Err()
}
