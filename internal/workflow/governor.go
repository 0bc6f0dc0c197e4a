package workflow

import (
	"github.com/Yi-XIE/PBL.AI/internal/domain"
)

// DefaultMaxRegenerations bounds how many rounds one stage may be
// regenerated before a decision is forced.
const DefaultMaxRegenerations = 10

// RegenerationGovernor limits how often a single stage is regenerated
// without an accept.
type RegenerationGovernor struct {
	MaxRegenerations int

	// WarnRatio is the fraction of the limit at which a warning is issued (default 0.8).
	WarnRatio float64
	// HaltRatio is the fraction of the limit at which regeneration is refused (default 1.0).
	HaltRatio float64
}

// NewRegenerationGovernor creates a governor with standard thresholds.
func NewRegenerationGovernor(max int) *RegenerationGovernor {
	if max <= 0 {
		max = DefaultMaxRegenerations
	}
	return &RegenerationGovernor{
		MaxRegenerations: max,
		WarnRatio:        0.8,
		HaltRatio:        1.0,
	}
}

// Check evaluates whether stage may be regenerated once more.
func (g *RegenerationGovernor) Check(t *domain.Task, stage domain.Stage) domain.RegenAction {
	return g.evaluate(t.Regenerations[stage])
}

// Record counts one regeneration of stage and returns the resulting action.
func (g *RegenerationGovernor) Record(t *domain.Task, stage domain.Stage) domain.RegenAction {
	t.Regenerations[stage]++
	return g.evaluate(t.Regenerations[stage])
}

func (g *RegenerationGovernor) evaluate(used int) domain.RegenAction {
	if g.MaxRegenerations <= 0 {
		return domain.RegenContinue
	}
	ratio := float64(used) / float64(g.MaxRegenerations)
	if ratio >= g.HaltRatio {
		return domain.RegenHalt
	}
	if ratio >= g.WarnRatio {
		return domain.RegenWarn
	}
	return domain.RegenContinue
}
