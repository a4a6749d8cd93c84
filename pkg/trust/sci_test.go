package trust

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MythologIQ/qorelogic/pkg/contracts"
	"github.com/MythologIQ/qorelogic/pkg/store"
)

func TestCanonicalURL(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"HTTPS://Example.COM:443/Path#frag", "https://example.com/Path"},
		{"http://site.org:80/a", "http://site.org/a"},
		{"https://example.com/", "https://example.com"},
		{"  https://example.com/docs?q=1  ", "https://example.com/docs?q=1"},
		{"https://ｅｘａｍｐｌｅ.com/x", "https://example.com/x"},
	}
	for _, tc := range cases {
		got, err := CanonicalURL(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}

	_, err := CanonicalURL("not a url")
	assert.Error(t, err)
	_, err = CanonicalURL("/relative/only")
	assert.Error(t, err)
}

func TestRegisterSourceDefaults(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	var s *contracts.Source
	r.mutate(t, func(tx *store.Tx) error {
		var err error
		s, err = r.engine.RegisterSource(ctx, tx, "https://Forum.Example.com/thread", "")
		return err
	})
	assert.Equal(t, "https://forum.example.com/thread", s.URL)
	assert.Equal(t, contracts.TierCommunity, s.Tier)
	assert.Equal(t, 45, s.SCI)
	assert.True(t, s.Probation)

	r.mutate(t, func(tx *store.Tx) error {
		_, err := r.engine.RegisterSource(ctx, tx, "https://journal.example.org", contracts.TierGold)
		return err
	})
	var g *contracts.Source
	require.NoError(t, r.store.View(ctx, func(tx *store.Tx) error {
		var err error
		g, err = tx.GetSource(ctx, "https://journal.example.org")
		return err
	}))
	assert.Equal(t, 90, g.SCI)
}

func TestSourceOutcomeAsymmetry(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	r.mutate(t, func(tx *store.Tx) error {
		_, err := r.engine.RegisterSource(ctx, tx, "https://review.example.com", contracts.TierReviewed)
		return err
	})

	var u *SourceUpdate
	r.mutate(t, func(tx *store.Tx) error {
		var err error
		u, err = r.engine.SourceOutcome(ctx, tx, "https://review.example.com", true)
		return err
	})
	assert.Equal(t, 75, u.SCIBefore)
	assert.Equal(t, 80, u.SCIAfter) // 0.8*75 + 0.2*100
	assert.Equal(t, contracts.SCIActionAudit, u.Action)

	r.mutate(t, func(tx *store.Tx) error {
		var err error
		u, err = r.engine.SourceOutcome(ctx, tx, "https://review.example.com", false)
		return err
	})
	assert.Equal(t, 56, u.SCIAfter) // 0.7*80, failures weigh 1.5x
}

func TestSourceProbationClampsAtRejectFloor(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	r.mutate(t, func(tx *store.Tx) error {
		_, err := r.engine.RegisterSource(ctx, tx, "https://blog.example.net", contracts.TierCommunity)
		return err
	})

	var u *SourceUpdate
	for i := 0; i < 3; i++ {
		r.mutate(t, func(tx *store.Tx) error {
			var err error
			u, err = r.engine.SourceOutcome(ctx, tx, "https://blog.example.net", false)
			return err
		})
	}
	assert.Equal(t, contracts.SCIRejectBelow, u.SCIAfter)
	assert.True(t, u.Probation)
}

func TestSourceProbationCountsSuccessesOnly(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	r.mutate(t, func(tx *store.Tx) error {
		_, err := r.engine.RegisterSource(ctx, tx, "https://news.example.com", contracts.TierReviewed)
		return err
	})

	var u *SourceUpdate
	step := func(success bool) {
		r.mutate(t, func(tx *store.Tx) error {
			var err error
			u, err = r.engine.SourceOutcome(ctx, tx, "https://news.example.com", success)
			return err
		})
	}
	step(true)
	step(false)
	step(true)
	assert.True(t, u.Probation)
	step(true) // third success ends probation for a known tier
	assert.False(t, u.Probation)
	assert.True(t, u.ProbationEnded)
}

func TestSourceProbationExpiresAfterThirtyDays(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	r.mutate(t, func(tx *store.Tx) error {
		_, err := r.engine.RegisterSource(ctx, tx, "https://wiki.example.com", contracts.TierCommunity)
		return err
	})
	r.advance(31 * 24 * time.Hour)

	var u *SourceUpdate
	r.mutate(t, func(tx *store.Tx) error {
		var err error
		u, err = r.engine.SourceOutcome(ctx, tx, "https://wiki.example.com", false)
		return err
	})
	assert.True(t, u.ProbationEnded)
}

func TestSourceActionRegistersUnknownEndpoints(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	var (
		s      *contracts.Source
		action contracts.SCIAction
	)
	r.mutate(t, func(tx *store.Tx) error {
		var err error
		s, action, err = r.engine.SourceAction(ctx, tx, "https://unseen.example.com/post")
		return err
	})
	assert.Equal(t, contracts.TierCommunity, s.Tier)
	assert.Equal(t, 45, s.SCI)
	assert.Equal(t, contracts.SCIActionEscalate, action)

	// A second lookup reuses the record.
	r.mutate(t, func(tx *store.Tx) error {
		var err error
		s, action, err = r.engine.SourceAction(ctx, tx, "HTTPS://UNSEEN.example.com/post")
		return err
	})
	assert.Equal(t, "https://unseen.example.com/post", s.URL)
	assert.Equal(t, contracts.SCIActionEscalate, action)
}

func TestDecayDriftsTowardTierFloor(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	r.mutate(t, func(tx *store.Tx) error {
		if _, err := r.engine.RegisterSource(ctx, tx, "https://review.example.com", contracts.TierReviewed); err != nil {
			return err
		}
		// Lift the score above the floor so idle drift has work to do.
		_, err := r.engine.SourceOutcome(ctx, tx, "https://review.example.com", true)
		return err
	})

	r.advance(65 * 24 * time.Hour)
	var out []SourceDecay
	r.mutate(t, func(tx *store.Tx) error {
		var err error
		out, err = r.engine.DecaySources(ctx, tx)
		return err
	})
	require.Len(t, out, 1)
	assert.Equal(t, -2, out[0].Points) // two idle periods accrued lazily
	assert.Equal(t, 78, out[0].SCI)
	assert.Equal(t, 1, r.countEvents(t, contracts.EventTrustDecay))

	// The decay anchor advanced, so an immediate second sweep is a no-op.
	r.mutate(t, func(tx *store.Tx) error {
		var err error
		out, err = r.engine.DecaySources(ctx, tx)
		return err
	})
	assert.Empty(t, out)
}

func TestDecayDriftsUpwardTowardFloor(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	r.mutate(t, func(tx *store.Tx) error {
		if _, err := r.engine.RegisterSource(ctx, tx, "https://blog.example.net", contracts.TierCommunity); err != nil {
			return err
		}
		for i := 0; i < 3; i++ {
			if _, err := r.engine.SourceOutcome(ctx, tx, "https://blog.example.net", false); err != nil {
				return err
			}
		}
		return nil
	})

	r.advance(35 * 24 * time.Hour)
	var out []SourceDecay
	r.mutate(t, func(tx *store.Tx) error {
		var err error
		out, err = r.engine.DecaySources(ctx, tx)
		return err
	})
	require.Len(t, out, 1)
	assert.Equal(t, 1, out[0].Points)
	assert.Equal(t, contracts.SCIRejectBelow+1, out[0].SCI)
}

func TestDecayStopsAtFloor(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	r.mutate(t, func(tx *store.Tx) error {
		if _, err := r.engine.RegisterSource(ctx, tx, "https://review.example.com", contracts.TierReviewed); err != nil {
			return err
		}
		_, err := r.engine.SourceOutcome(ctx, tx, "https://review.example.com", true)
		return err
	})

	// Far longer idle than the 5 points of headroom above the floor.
	r.advance(400 * 24 * time.Hour)
	var out []SourceDecay
	r.mutate(t, func(tx *store.Tx) error {
		var err error
		out, err = r.engine.DecaySources(ctx, tx)
		return err
	})
	require.Len(t, out, 1)
	assert.Equal(t, contracts.TierFloor(contracts.TierReviewed), out[0].SCI)
}
