package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MythologIQ/qorelogic/pkg/contracts"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:", WithClock(func() time.Time {
		return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	from, to, err := s.Migrate(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, from)
	require.Equal(t, SchemaVersion, to)
	return s
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	from, to, err := s.Migrate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, from)
	assert.Equal(t, SchemaVersion, to)
}

func TestAgentRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	agent := &contracts.Agent{
		ID:                 "qore:generator:a1b2c3d4e5f6",
		Role:               contracts.RoleGenerator,
		PublicKey:          "abcd",
		WrappedKey:         "argon2id$v1$c2FsdA$bm9uY2U$Y3Q",
		KeyID:              "k1",
		Influence:          1.0,
		Trust:              0.5,
		Stage:              contracts.StageCBT,
		Probation:          true,
		ProbationStartedAt: now,
		CreatedAt:          now,
		LastRotationAt:     now,
	}

	require.NoError(t, s.WithinTx(ctx, func(tx *Tx) error {
		return tx.InsertAgent(ctx, agent)
	}))

	var got *contracts.Agent
	require.NoError(t, s.View(ctx, func(tx *Tx) error {
		var err error
		got, err = tx.GetAgent(ctx, agent.ID)
		return err
	}))
	assert.Equal(t, agent.ID, got.ID)
	assert.Equal(t, contracts.RoleGenerator, got.Role)
	assert.True(t, got.Probation)
	assert.Equal(t, 0.5, got.Trust)
	assert.Equal(t, "[]", got.KeyLog)
	assert.Nil(t, got.CoolingOffUntil)

	until := now.Add(24 * time.Hour)
	require.NoError(t, s.WithinTx(ctx, func(tx *Tx) error {
		if err := tx.UpdateAgentScores(ctx, agent.ID, 0.44, contracts.StageCBT, 0.99); err != nil {
			return err
		}
		return tx.UpdateAgentCoolingOff(ctx, agent.ID, "honest_error", formatTime(until))
	}))

	require.NoError(t, s.View(ctx, func(tx *Tx) error {
		var err error
		got, err = tx.GetAgent(ctx, agent.ID)
		return err
	}))
	assert.InDelta(t, 0.44, got.Trust, 1e-9)
	assert.InDelta(t, 0.99, got.Influence, 1e-9)
	require.NotNil(t, got.CoolingOffUntil)
	assert.True(t, got.CoolingOffUntil.Equal(until))
}

func TestGetAgentNotFound(t *testing.T) {
	s := openTestStore(t)
	err := s.View(context.Background(), func(tx *Tx) error {
		_, err := tx.GetAgent(context.Background(), "qore:generator:missing")
		return err
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLedgerRowsAppendOnlyOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	agent := "qore:enforcer:0123456789ab"

	for i := uint64(1); i <= 3; i++ {
		row := &LedgerRow{
			Sequence:  i,
			EntryID:   formatTime(time.Now()) + string(rune('a'+i)),
			Timestamp: time.Date(2026, 3, 1, 12, int(i), 0, 0, time.UTC),
			AgentID:   &agent,
			EventKind: "PROPOSAL",
			Payload:   json.RawMessage(`{"n":` + string(rune('0'+i)) + `}`),
			PrevHash:  "sha256:prev",
			EntryHash: "sha256:this",
		}
		require.NoError(t, s.WithinAppendTx(ctx, func(tx *Tx) error {
			return tx.InsertLedgerRow(ctx, row)
		}))
	}

	var seqs []uint64
	require.NoError(t, s.View(ctx, func(tx *Tx) error {
		return tx.LedgerRange(ctx, 1, 0, func(row *LedgerRow) error {
			seqs = append(seqs, row.Sequence)
			return nil
		})
	}))
	assert.Equal(t, []uint64{1, 2, 3}, seqs)

	require.NoError(t, s.View(ctx, func(tx *Tx) error {
		last, err := tx.LastLedgerRow(ctx)
		if err != nil {
			return err
		}
		assert.Equal(t, uint64(3), last.Sequence)
		n, err := tx.CountLedger(ctx)
		assert.Equal(t, uint64(3), n)
		return err
	}))
}

func TestSystemStateSingletonUpsert(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.WithinTx(ctx, func(tx *Tx) error {
		return tx.PutSystemState(ctx, &SystemState{Mode: "NORMAL", EnteredAt: now, Reason: "init"})
	}))
	require.NoError(t, s.WithinTx(ctx, func(tx *Tx) error {
		return tx.PutSystemState(ctx, &SystemState{Mode: "SAFE", EnteredAt: now.Add(time.Hour), Reason: "tamper"})
	}))

	require.NoError(t, s.View(ctx, func(tx *Tx) error {
		st, err := tx.GetSystemState(ctx)
		if err != nil {
			return err
		}
		assert.Equal(t, "SAFE", st.Mode)
		assert.Equal(t, "tamper", st.Reason)
		return nil
	}))
}

func TestRollbackLeavesNoState(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	boom := assert.AnError
	err := s.WithinTx(ctx, func(tx *Tx) error {
		if err := tx.InsertSource(ctx, &contracts.Source{
			URL: "https://example.org/spec", Tier: contracts.TierReviewed, SCI: 75,
			ProbationStartedAt: now, LastVerifiedAt: now, LastDecayAt: now, CreatedAt: now,
		}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	viewErr := s.View(ctx, func(tx *Tx) error {
		_, err := tx.GetSource(ctx, "https://example.org/spec")
		return err
	})
	assert.ErrorIs(t, viewErr, ErrNotFound)
}

func TestRebindPostgres(t *testing.T) {
	q := rebind(DriverPostgres, `INSERT INTO t (a, b, c) VALUES (?,?,?)`)
	assert.Equal(t, `INSERT INTO t (a, b, c) VALUES ($1,$2,$3)`, q)
	assert.Equal(t, `SELECT 1`, rebind(DriverSQLite, `SELECT 1`))
}

func TestClaimLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	reg := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	claim := &ClaimRecord{
		ClaimID: "c-1", ContentHash: "sha256:deadbeef", Class: "VOLATILE_24H",
		RegisteredAt: reg, ExpiresAt: reg.Add(24 * time.Hour), SourceURL: "https://example.org",
	}
	require.NoError(t, s.WithinTx(ctx, func(tx *Tx) error { return tx.InsertClaim(ctx, claim) }))

	require.NoError(t, s.View(ctx, func(tx *Tx) error {
		expired, err := tx.ExpiredFreshClaims(ctx, reg.Add(24*time.Hour))
		if err != nil {
			return err
		}
		require.Len(t, expired, 1, "claim registered exactly ttl ago is stale")
		return nil
	}))

	require.NoError(t, s.WithinTx(ctx, func(tx *Tx) error { return tx.MarkClaimStale(ctx, "c-1") }))
	require.NoError(t, s.View(ctx, func(tx *Tx) error {
		got, err := tx.GetClaim(ctx, "c-1")
		if err != nil {
			return err
		}
		assert.True(t, got.Stale)
		return nil
	}))
}
