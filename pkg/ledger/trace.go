package ledger

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/MythologIQ/qorelogic/pkg/canonical"
)

// ErrTraceBroken marks a reasoning trace whose step hashes do not chain.
var ErrTraceBroken = errors.New("ledger: step trace broken")

// Step is one element of a hash-chained reasoning trace. Each StepHash covers
// the step index, its content, and the previous step hash, so steps cannot be
// reordered, dropped, or edited after the fact.
type Step struct {
	Index        int    `json:"index"`
	Content      string `json:"content"`
	PrevStepHash string `json:"prev_step_hash"`
	StepHash     string `json:"step_hash"`
}

// BuildTrace chains plain step contents into a verifiable trace.
func BuildTrace(contents []string) []Step {
	steps := make([]Step, 0, len(contents))
	prev := canonical.ZeroHash
	for i, content := range contents {
		hash := stepHash(i, content, prev)
		steps = append(steps, Step{
			Index:        i,
			Content:      content,
			PrevStepHash: prev,
			StepHash:     hash,
		})
		prev = hash
	}
	return steps
}

// VerifyTrace recomputes the chain and reports the first broken step.
func VerifyTrace(steps []Step) error {
	prev := canonical.ZeroHash
	for i, s := range steps {
		if s.Index != i {
			return fmt.Errorf("step %d: index %d out of order: %w", i, s.Index, ErrTraceBroken)
		}
		if s.PrevStepHash != prev {
			return fmt.Errorf("step %d: prev hash mismatch: %w", i, ErrTraceBroken)
		}
		if stepHash(i, s.Content, prev) != s.StepHash {
			return fmt.Errorf("step %d: content hash mismatch: %w", i, ErrTraceBroken)
		}
		prev = s.StepHash
	}
	return nil
}

func stepHash(index int, content, prev string) string {
	material := strconv.Itoa(index) + "\x1f" + content + "\x1f" + prev
	return canonical.HashBytes([]byte(material))
}
