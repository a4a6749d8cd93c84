package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/MythologIQ/qorelogic/pkg/contracts"
)

// InsertAgent persists a new registry record.
func (t *Tx) InsertAgent(ctx context.Context, a *contracts.Agent) error {
	_, err := t.exec(ctx, `INSERT INTO agent_registry (
			agent_id, role, public_key, wrapped_key, key_id, key_log,
			influence_weight, trust_score, trust_stage,
			probation, probation_successes, probation_started_at,
			created_at, last_rotation_at,
			cooling_off_track, cooling_off_until, clean_audit_streak,
			last_calibration_day, identity_error_count, identity_error_since
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, string(a.Role), a.PublicKey, a.WrappedKey, a.KeyID, orDefault(a.KeyLog, "[]"),
		a.Influence, a.Trust, string(a.Stage),
		boolInt(a.Probation), a.ProbationSuccesses, formatTime(a.ProbationStartedAt),
		formatTime(a.CreatedAt), formatTime(a.LastRotationAt),
		a.CoolingOffTrack, nullTime(a.CoolingOffUntil), a.CleanAuditStreak,
		a.LastCalibrationDay, a.IdentityErrorCount, nullTime(a.IdentityErrorSince),
	)
	if err != nil {
		return fmt.Errorf("store: insert agent %s: %w", a.ID, err)
	}
	return nil
}

const agentColumns = `agent_id, role, public_key, wrapped_key, key_id, key_log,
	influence_weight, trust_score, trust_stage,
	probation, probation_successes, probation_started_at,
	created_at, last_rotation_at,
	cooling_off_track, cooling_off_until, clean_audit_streak,
	last_calibration_day, identity_error_count, identity_error_since`

// GetAgent loads one registry record; ErrNotFound when absent.
func (t *Tx) GetAgent(ctx context.Context, id string) (*contracts.Agent, error) {
	row := t.queryRow(ctx, `SELECT `+agentColumns+` FROM agent_registry WHERE agent_id = ?`, id)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	return a, err
}

// ListAgents returns every registry record ordered by creation.
func (t *Tx) ListAgents(ctx context.Context) ([]*contracts.Agent, error) {
	rows, err := t.query(ctx, `SELECT `+agentColumns+` FROM agent_registry ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("store: list agents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.Agent
	for rows.Next() {
		a, scanErr := scanAgent(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

type rowScanner interface{ Scan(dest ...any) error }

func scanAgent(r rowScanner) (*contracts.Agent, error) {
	var (
		a                        contracts.Agent
		role, stage              string
		probation                int
		probStart, created, rot  string
		coolUntil, idErrSince    sql.NullString
	)
	err := r.Scan(
		&a.ID, &role, &a.PublicKey, &a.WrappedKey, &a.KeyID, &a.KeyLog,
		&a.Influence, &a.Trust, &stage,
		&probation, &a.ProbationSuccesses, &probStart,
		&created, &rot,
		&a.CoolingOffTrack, &coolUntil, &a.CleanAuditStreak,
		&a.LastCalibrationDay, &a.IdentityErrorCount, &idErrSince,
	)
	if err != nil {
		return nil, err
	}
	a.Role = contracts.AgentRole(role)
	a.Stage = contracts.TrustStage(stage)
	a.Probation = probation != 0
	if a.ProbationStartedAt, err = parseTime(probStart); err != nil {
		return nil, err
	}
	if a.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if a.LastRotationAt, err = parseTime(rot); err != nil {
		return nil, err
	}
	if a.CoolingOffUntil, err = scanNullTime(coolUntil); err != nil {
		return nil, err
	}
	if a.IdentityErrorSince, err = scanNullTime(idErrSince); err != nil {
		return nil, err
	}
	return &a, nil
}

// UpdateAgentScores writes the trust/stage/influence triple.
func (t *Tx) UpdateAgentScores(ctx context.Context, id string, trust float64, stage contracts.TrustStage, influence float64) error {
	return t.updateAgent(ctx, id,
		`UPDATE agent_registry SET trust_score = ?, trust_stage = ?, influence_weight = ? WHERE agent_id = ?`,
		trust, string(stage), influence, id)
}

// UpdateAgentProbation writes the probation flag and success counter.
func (t *Tx) UpdateAgentProbation(ctx context.Context, id string, probation bool, successes int) error {
	return t.updateAgent(ctx, id,
		`UPDATE agent_registry SET probation = ?, probation_successes = ? WHERE agent_id = ?`,
		boolInt(probation), successes, id)
}

// UpdateAgentKeys installs a rotated keypair and its history log.
func (t *Tx) UpdateAgentKeys(ctx context.Context, id, publicKey, wrappedKey, keyID, keyLog string, rotatedAt string) error {
	return t.updateAgent(ctx, id,
		`UPDATE agent_registry SET public_key = ?, wrapped_key = ?, key_id = ?, key_log = ?, last_rotation_at = ? WHERE agent_id = ?`,
		publicKey, wrappedKey, keyID, keyLog, rotatedAt, id)
}

// UpdateAgentCoolingOff sets or clears the repair-block window.
func (t *Tx) UpdateAgentCoolingOff(ctx context.Context, id, track string, until any) error {
	return t.updateAgent(ctx, id,
		`UPDATE agent_registry SET cooling_off_track = ?, cooling_off_until = ? WHERE agent_id = ?`,
		track, until, id)
}

// UpdateAgentStreak writes the consecutive clean-audit counter.
func (t *Tx) UpdateAgentStreak(ctx context.Context, id string, streak int) error {
	return t.updateAgent(ctx, id,
		`UPDATE agent_registry SET clean_audit_streak = ? WHERE agent_id = ?`, streak, id)
}

// UpdateAgentCalibrationDay marks the last day a drift penalty was applied.
func (t *Tx) UpdateAgentCalibrationDay(ctx context.Context, id, day string) error {
	return t.updateAgent(ctx, id,
		`UPDATE agent_registry SET last_calibration_day = ? WHERE agent_id = ?`, day, id)
}

// UpdateAgentIdentityErrors tracks repeated unwrap/signature failures.
func (t *Tx) UpdateAgentIdentityErrors(ctx context.Context, id string, count int, since any) error {
	return t.updateAgent(ctx, id,
		`UPDATE agent_registry SET identity_error_count = ?, identity_error_since = ? WHERE agent_id = ?`,
		count, since, id)
}

func (t *Tx) updateAgent(ctx context.Context, id, query string, args ...any) error {
	res, err := t.exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("store: update agent %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
