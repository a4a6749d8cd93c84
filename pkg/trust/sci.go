package trust

import (
	"context"
	"fmt"
	"math"
	"net/url"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/MythologIQ/qorelogic/pkg/contracts"
	"github.com/MythologIQ/qorelogic/pkg/ledger"
	"github.com/MythologIQ/qorelogic/pkg/store"
)

// Asymmetric EMA parameters: the smoothing weight is (1−α), inflated by ω on
// failures so a miss moves the score further than a hit.
const (
	sciAlpha       = 0.8
	sciOmegaFail   = 1.5
	sciDecayPeriod = 30 * 24 * time.Hour
)

// SourceUpdate reports one credibility mutation.
type SourceUpdate struct {
	URL            string              `json:"url"`
	SCIBefore      int                 `json:"sci_before"`
	SCIAfter       int                 `json:"sci_after"`
	Action         contracts.SCIAction `json:"action"`
	Probation      bool                `json:"probation"`
	ProbationEnded bool                `json:"probation_ended,omitempty"`
}

// CanonicalURL normalizes a citation endpoint: NFKC form, lowered scheme and
// host, default ports and fragments stripped. Two spellings of the same
// endpoint must map to one credibility record.
func CanonicalURL(raw string) (string, error) {
	raw = norm.NFKC.String(strings.TrimSpace(raw))
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("trust: parse source url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("trust: source url %q needs scheme and host", raw)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	switch {
	case u.Scheme == "http" && strings.HasSuffix(u.Host, ":80"):
		u.Host = strings.TrimSuffix(u.Host, ":80")
	case u.Scheme == "https" && strings.HasSuffix(u.Host, ":443"):
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}
	u.Fragment = ""
	if u.Path == "/" {
		u.Path = ""
	}
	return u.String(), nil
}

// RegisterSource creates the credibility record for a new endpoint. Without a
// tier override the endpoint starts uncategorized (T4, SCI 45) and on
// probation.
func (e *Engine) RegisterSource(ctx context.Context, tx *store.Tx, rawURL string, tier contracts.SourceTier) (*contracts.Source, error) {
	canonicalURL, err := CanonicalURL(rawURL)
	if err != nil {
		return nil, err
	}
	if tier == "" {
		tier = contracts.TierCommunity
	}
	if !tier.Valid() {
		return nil, fmt.Errorf("trust: unknown source tier %q", tier)
	}
	now := e.clock().UTC()
	s := &contracts.Source{
		URL:                canonicalURL,
		Tier:               tier,
		SCI:                contracts.InitialSCI(tier),
		Probation:          true,
		ProbationStartedAt: now,
		LastVerifiedAt:     now,
		LastDecayAt:        now,
		CreatedAt:          now,
	}
	if err := tx.InsertSource(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// SourceOutcome feeds one verification result into the endpoint's SCI.
// Success pulls the score toward 100 with weight 0.2; failure pulls it toward
// 0 with weight 0.3. During probation the score is clamped at the hard-reject
// floor, and the probation counter advances on successes only.
func (e *Engine) SourceOutcome(ctx context.Context, tx *store.Tx, rawURL string, success bool) (*SourceUpdate, error) {
	canonicalURL, err := CanonicalURL(rawURL)
	if err != nil {
		return nil, err
	}
	s, err := tx.GetSource(ctx, canonicalURL)
	if err != nil {
		return nil, err
	}
	now := e.clock().UTC()
	u := &SourceUpdate{URL: s.URL, SCIBefore: s.SCI}

	weight := 1 - sciAlpha
	outcome := 100.0
	if !success {
		weight *= sciOmegaFail
		outcome = 0.0
	}
	next := (1-weight)*float64(s.SCI) + weight*outcome
	s.SCI = clampSCI(int(math.Round(next)))

	if s.Probation {
		if s.SCI < contracts.SCIRejectBelow {
			s.SCI = contracts.SCIRejectBelow
		}
		if success {
			s.ProbationCount++
		}
		expired := now.Sub(s.ProbationStartedAt) >= probationWindow
		if s.ProbationCount >= contracts.ProbationVerificationsFor(s.Tier) || expired {
			s.Probation = false
			u.ProbationEnded = true
		}
	}
	s.LastVerifiedAt = now

	if err := tx.UpdateSource(ctx, s); err != nil {
		return nil, err
	}
	u.SCIAfter = s.SCI
	u.Probation = s.Probation
	u.Action = contracts.ActionForSCI(s.SCI)
	return u, nil
}

// SourceAction returns the disposition band for an endpoint without mutating
// it, registering unknown endpoints as uncategorized first.
func (e *Engine) SourceAction(ctx context.Context, tx *store.Tx, rawURL string) (*contracts.Source, contracts.SCIAction, error) {
	canonicalURL, err := CanonicalURL(rawURL)
	if err != nil {
		return nil, "", err
	}
	s, err := tx.GetSource(ctx, canonicalURL)
	if err != nil {
		if s, err = e.RegisterSource(ctx, tx, canonicalURL, contracts.TierCommunity); err != nil {
			return nil, "", err
		}
	}
	return s, contracts.ActionForSCI(s.SCI), nil
}

// SourceDecay reports one endpoint's idle drift.
type SourceDecay struct {
	URL    string `json:"url"`
	Points int    `json:"points"`
	SCI    int    `json:"sci"`
}

// DecaySources drifts idle endpoints toward their tier floor by one point
// per 30 days of inactivity, accrued lazily. Each adjusted endpoint gets a
// TRUST_DECAY ledger event. The caller must hold the store append lock.
func (e *Engine) DecaySources(ctx context.Context, tx *store.Tx) ([]SourceDecay, error) {
	actor, err := e.requireActor()
	if err != nil {
		return nil, err
	}
	now := e.clock().UTC()
	idle, err := tx.ListSourcesIdleSince(ctx, now.Add(-sciDecayPeriod))
	if err != nil {
		return nil, err
	}

	var out []SourceDecay
	for _, s := range idle {
		anchor := s.LastVerifiedAt
		if s.LastDecayAt.After(anchor) {
			anchor = s.LastDecayAt
		}
		periods := int(now.Sub(anchor) / sciDecayPeriod)
		if periods <= 0 {
			continue
		}
		floor := contracts.TierFloor(s.Tier)
		before := s.SCI
		s.SCI = driftToward(s.SCI, floor, periods)
		s.LastDecayAt = anchor.Add(time.Duration(periods) * sciDecayPeriod)
		if err := tx.UpdateSource(ctx, s); err != nil {
			return nil, err
		}
		if s.SCI == before {
			continue
		}
		decay := SourceDecay{URL: s.URL, Points: s.SCI - before, SCI: s.SCI}
		out = append(out, decay)
		if _, err := e.ledger.Append(ctx, tx, ledger.Draft{
			Agent: actor,
			Kind:  contracts.EventTrustDecay,
			Payload: map[string]any{
				"url":        s.URL,
				"points":     decay.Points,
				"sci_before": before,
				"sci_after":  s.SCI,
			},
		}); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// driftToward moves a score n points toward target without overshooting.
func driftToward(score, target, n int) int {
	switch {
	case score > target:
		score -= n
		if score < target {
			score = target
		}
	case score < target:
		score += n
		if score > target {
			score = target
		}
	}
	return score
}

func clampSCI(sci int) int {
	if sci < contracts.SCIMin {
		return contracts.SCIMin
	}
	if sci > contracts.SCIMax {
		return contracts.SCIMax
	}
	return sci
}
