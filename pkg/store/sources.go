package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/MythologIQ/qorelogic/pkg/contracts"
)

// InsertSource persists a newly registered citation endpoint.
func (t *Tx) InsertSource(ctx context.Context, s *contracts.Source) error {
	_, err := t.exec(ctx, `INSERT INTO source_credibility (
			url, tier, sci, probation, probation_count, probation_started_at,
			last_verified_at, last_decay_at, created_at
		) VALUES (?,?,?,?,?,?,?,?,?)`,
		s.URL, string(s.Tier), s.SCI, boolInt(s.Probation), s.ProbationCount,
		formatTime(s.ProbationStartedAt), formatTime(s.LastVerifiedAt),
		formatTime(s.LastDecayAt), formatTime(s.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("store: insert source %s: %w", s.URL, err)
	}
	return nil
}

const sourceColumns = `url, tier, sci, probation, probation_count, probation_started_at,
	last_verified_at, last_decay_at, created_at`

// GetSource loads one endpoint by canonical URL; ErrNotFound when absent.
func (t *Tx) GetSource(ctx context.Context, url string) (*contracts.Source, error) {
	row := t.queryRow(ctx, `SELECT `+sourceColumns+` FROM source_credibility WHERE url = ?`, url)
	s, err := scanSource(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("source %s: %w", url, ErrNotFound)
	}
	return s, err
}

// UpdateSource writes the mutable credibility fields.
func (t *Tx) UpdateSource(ctx context.Context, s *contracts.Source) error {
	res, err := t.exec(ctx, `UPDATE source_credibility SET
			sci = ?, probation = ?, probation_count = ?,
			last_verified_at = ?, last_decay_at = ?
		WHERE url = ?`,
		s.SCI, boolInt(s.Probation), s.ProbationCount,
		formatTime(s.LastVerifiedAt), formatTime(s.LastDecayAt), s.URL,
	)
	if err != nil {
		return fmt.Errorf("store: update source %s: %w", s.URL, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("source %s: %w", s.URL, ErrNotFound)
	}
	return nil
}

// ListSourcesIdleSince returns endpoints whose last decay check predates the
// cutoff, for the temporal decay sweep.
func (t *Tx) ListSourcesIdleSince(ctx context.Context, cutoff time.Time) ([]*contracts.Source, error) {
	rows, err := t.query(ctx,
		`SELECT `+sourceColumns+` FROM source_credibility WHERE last_decay_at < ? ORDER BY url`,
		formatTime(cutoff))
	if err != nil {
		return nil, fmt.Errorf("store: list idle sources: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.Source
	for rows.Next() {
		s, scanErr := scanSource(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func scanSource(r rowScanner) (*contracts.Source, error) {
	var (
		s                              contracts.Source
		tier                           string
		probation                      int
		probStart, verified, decay, at string
	)
	err := r.Scan(&s.URL, &tier, &s.SCI, &probation, &s.ProbationCount,
		&probStart, &verified, &decay, &at)
	if err != nil {
		return nil, err
	}
	s.Tier = contracts.SourceTier(tier)
	s.Probation = probation != 0
	if s.ProbationStartedAt, err = parseTime(probStart); err != nil {
		return nil, err
	}
	if s.LastVerifiedAt, err = parseTime(verified); err != nil {
		return nil, err
	}
	if s.LastDecayAt, err = parseTime(decay); err != nil {
		return nil, err
	}
	if s.CreatedAt, err = parseTime(at); err != nil {
		return nil, err
	}
	return &s, nil
}
