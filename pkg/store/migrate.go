package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
)

// Migrate brings the schema to SchemaVersion, creating tables on first run.
// It returns the version found and the version now active so callers can
// record a migration event when the two differ.
func (s *Store) Migrate(ctx context.Context) (from, to int, err error) {
	err = s.WithinTx(ctx, func(tx *Tx) error {
		if _, execErr := tx.exec(ctx, `CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); execErr != nil {
			return fmt.Errorf("store: create schema_version: %w", execErr)
		}

		row := tx.queryRow(ctx, `SELECT version FROM schema_version LIMIT 1`)
		switch scanErr := row.Scan(&from); {
		case errors.Is(scanErr, sql.ErrNoRows):
			from = 0
		case scanErr != nil:
			return fmt.Errorf("store: read schema version: %w", scanErr)
		}

		if from > SchemaVersion {
			return fmt.Errorf("store: schema version %d is newer than this build supports (%d)", from, SchemaVersion)
		}

		for _, stmt := range schemaStatements {
			if _, execErr := tx.exec(ctx, stmt); execErr != nil {
				return fmt.Errorf("store: migrate: %w", execErr)
			}
		}

		if from == 0 {
			if _, execErr := tx.exec(ctx, `INSERT INTO schema_version (version) VALUES (?)`, SchemaVersion); execErr != nil {
				return fmt.Errorf("store: seed schema version: %w", execErr)
			}
		} else if from < SchemaVersion {
			if _, execErr := tx.exec(ctx, `UPDATE schema_version SET version = ?`, SchemaVersion); execErr != nil {
				return fmt.Errorf("store: bump schema version: %w", execErr)
			}
		}
		to = SchemaVersion
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	if from != to {
		s.logger.Info("store: schema migrated",
			slog.Int("from", from), slog.Int("to", to), slog.String("driver", string(s.driver)))
	}
	return from, to, nil
}

// schemaStatements create the persisted layout. Statements are idempotent and
// shared between dialects: TEXT/INTEGER/REAL columns, RFC 3339 timestamps.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS agent_registry (
		agent_id             TEXT PRIMARY KEY,
		role                 TEXT NOT NULL,
		public_key           TEXT NOT NULL,
		wrapped_key          TEXT NOT NULL,
		key_id               TEXT NOT NULL,
		key_log              TEXT NOT NULL DEFAULT '[]',
		influence_weight     REAL NOT NULL,
		trust_score          REAL NOT NULL,
		trust_stage          TEXT NOT NULL,
		probation            INTEGER NOT NULL DEFAULT 1,
		probation_successes  INTEGER NOT NULL DEFAULT 0,
		probation_started_at TEXT NOT NULL,
		created_at           TEXT NOT NULL,
		last_rotation_at     TEXT NOT NULL,
		cooling_off_track    TEXT NOT NULL DEFAULT '',
		cooling_off_until    TEXT,
		clean_audit_streak   INTEGER NOT NULL DEFAULT 0,
		last_calibration_day TEXT NOT NULL DEFAULT '',
		identity_error_count INTEGER NOT NULL DEFAULT 0,
		identity_error_since TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS soa_ledger (
		sequence         INTEGER PRIMARY KEY,
		entry_id         TEXT NOT NULL UNIQUE,
		ts               TEXT NOT NULL,
		agent_id         TEXT,
		event_kind       TEXT NOT NULL,
		risk_grade       TEXT,
		payload          TEXT NOT NULL,
		verify_method    TEXT,
		verify_result    TEXT,
		model_version    TEXT,
		trust_at_action  REAL,
		governance_flags TEXT NOT NULL DEFAULT '{}',
		prev_hash        TEXT NOT NULL,
		entry_hash       TEXT NOT NULL,
		signature        TEXT NOT NULL DEFAULT '',
		key_id           TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_soa_ledger_agent ON soa_ledger (agent_id)`,
	`CREATE INDEX IF NOT EXISTS idx_soa_ledger_kind ON soa_ledger (event_kind)`,
	`CREATE TABLE IF NOT EXISTS reputation_log (
		id               TEXT PRIMARY KEY,
		agent_id         TEXT NOT NULL,
		ts               TEXT NOT NULL,
		change_kind      TEXT NOT NULL,
		outcome          REAL,
		trust_before     REAL NOT NULL,
		trust_after      REAL NOT NULL,
		influence_before REAL NOT NULL,
		influence_after  REAL NOT NULL,
		context          TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_reputation_agent ON reputation_log (agent_id, ts)`,
	`CREATE TABLE IF NOT EXISTS shadow_genome (
		archive_id   TEXT PRIMARY KEY,
		ts           TEXT NOT NULL,
		agent_id     TEXT NOT NULL,
		input_vector TEXT NOT NULL,
		mode         TEXT NOT NULL,
		context      TEXT NOT NULL,
		rationale    TEXT NOT NULL,
		content_hash TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS l3_approval_queue (
		queue_id      TEXT PRIMARY KEY,
		artifact_hash TEXT NOT NULL,
		reason        TEXT NOT NULL,
		requester     TEXT NOT NULL,
		created_at    TEXT NOT NULL,
		state         TEXT NOT NULL,
		resolver      TEXT NOT NULL DEFAULT '',
		resolved_at   TEXT,
		notes         TEXT NOT NULL DEFAULT '',
		deadline      TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_l3_queue_state ON l3_approval_queue (state, deadline)`,
	`CREATE TABLE IF NOT EXISTS system_state (
		id         INTEGER PRIMARY KEY,
		mode       TEXT NOT NULL,
		entered_at TEXT NOT NULL,
		reason     TEXT NOT NULL,
		override   INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS claim_volatility (
		claim_id         TEXT PRIMARY KEY,
		content_hash     TEXT NOT NULL,
		volatility_class TEXT NOT NULL,
		registered_at    TEXT NOT NULL,
		expires_at       TEXT NOT NULL,
		source_url       TEXT NOT NULL DEFAULT '',
		stale            INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_claim_expiry ON claim_volatility (stale, expires_at)`,
	`CREATE TABLE IF NOT EXISTS source_credibility (
		url                  TEXT PRIMARY KEY,
		tier                 TEXT NOT NULL,
		sci                  INTEGER NOT NULL,
		probation            INTEGER NOT NULL DEFAULT 1,
		probation_count      INTEGER NOT NULL DEFAULT 0,
		probation_started_at TEXT NOT NULL,
		last_verified_at     TEXT NOT NULL,
		last_decay_at        TEXT NOT NULL,
		created_at           TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS agent_quarantine (
		quarantine_id    TEXT PRIMARY KEY,
		agent_id         TEXT NOT NULL,
		track            TEXT NOT NULL,
		reason           TEXT NOT NULL,
		started_at       TEXT NOT NULL,
		duration_seconds INTEGER NOT NULL,
		release_at       TEXT NOT NULL,
		released         INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_quarantine_agent ON agent_quarantine (agent_id, released, release_at)`,
	`CREATE TABLE IF NOT EXISTS disclosure_deferral (
		deferral_id   TEXT PRIMARY KEY,
		artifact_hash TEXT NOT NULL,
		category      TEXT NOT NULL,
		reason        TEXT NOT NULL,
		state         TEXT NOT NULL,
		created_at    TEXT NOT NULL,
		deadline      TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS calibration_log (
		sample_id  TEXT PRIMARY KEY,
		agent_id   TEXT NOT NULL,
		ts         TEXT NOT NULL,
		confidence REAL NOT NULL,
		correct    INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_calibration_agent ON calibration_log (agent_id, ts)`,
}
