// Package calibration scores how well an agent's claimed confidence matches
// reality. Every verified claim contributes one (confidence, correct) sample;
// the Brier score over a rolling window is the drift signal that feeds the
// honest-error quarantine track.
package calibration

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/MythologIQ/qorelogic/pkg/store"
)

const (
	// WindowSize bounds the rolling sample window per agent.
	WindowSize = 100
	// DriftThreshold is the Brier score above which the agent counts as
	// miscalibrated.
	DriftThreshold = 0.2
	// MinSamples is how many observations the window needs before a drift
	// verdict is meaningful. Below it Drifted is always false.
	MinSamples = 10
)

// Tracker records calibration samples and evaluates drift.
type Tracker struct {
	logger *slog.Logger
	clock  func() time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock injects a deterministic time source for tests.
func WithClock(fn func() time.Time) Option {
	return func(t *Tracker) { t.clock = fn }
}

// WithLogger attaches a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) { t.logger = l }
}

// NewTracker builds a Tracker.
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{logger: slog.Default(), clock: time.Now}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Report is the window verdict after an observation.
type Report struct {
	AgentID string  `json:"agent_id"`
	Samples int     `json:"samples"`
	Brier   float64 `json:"brier"`
	Drifted bool    `json:"drifted"`
}

// Observe appends one (confidence, correct) sample and re-evaluates the
// agent's window. Confidence is the agent's claimed probability of being
// right, in [0,1].
func (t *Tracker) Observe(ctx context.Context, tx *store.Tx, agentID string, confidence float64, correct bool) (*Report, error) {
	if confidence < 0 || confidence > 1 {
		return nil, fmt.Errorf("calibration: confidence %v outside [0,1]", confidence)
	}
	s := &store.CalibrationSample{
		SampleID:   uuid.NewString(),
		AgentID:    agentID,
		Timestamp:  t.clock().UTC(),
		Confidence: confidence,
		Correct:    correct,
	}
	if err := tx.InsertCalibrationSample(ctx, s); err != nil {
		return nil, err
	}
	rep, err := t.Window(ctx, tx, agentID)
	if err != nil {
		return nil, err
	}
	if rep.Drifted {
		t.logger.Warn("calibration: drift detected",
			slog.String("agent", agentID),
			slog.Int("samples", rep.Samples),
			slog.Float64("brier", rep.Brier))
	}
	return rep, nil
}

// Window evaluates the agent's current rolling window without mutating it.
func (t *Tracker) Window(ctx context.Context, tx *store.Tx, agentID string) (*Report, error) {
	samples, err := tx.RecentCalibrationSamples(ctx, agentID, WindowSize)
	if err != nil {
		return nil, err
	}
	rep := &Report{
		AgentID: agentID,
		Samples: len(samples),
		Brier:   Brier(samples),
	}
	rep.Drifted = rep.Samples >= MinSamples && rep.Brier > DriftThreshold
	return rep, nil
}

// Brier is the mean squared gap between claimed confidence and the binary
// outcome. 0 is perfect calibration, 1 is confidently wrong every time.
func Brier(samples []*store.CalibrationSample) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		outcome := 0.0
		if s.Correct {
			outcome = 1.0
		}
		gap := s.Confidence - outcome
		sum += gap * gap
	}
	return sum / float64(len(samples))
}
