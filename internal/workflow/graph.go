// Package workflow implements the lesson-plan state machine and the
// stage graph, artifact store and candidate pool it drives.
package workflow

import (
	"github.com/Yi-XIE/PBL.AI/internal/domain"
)

// StageGraph is an ordered, duplicate-free sequence of stages.
// Each stage depends on every stage before it.
type StageGraph struct {
	sequence []domain.Stage
	index    map[domain.Stage]int
}

// NewStageGraph validates seq and builds a graph over it.
func NewStageGraph(seq []domain.Stage) (*StageGraph, error) {
	if len(seq) == 0 {
		return nil, domain.Errorf(domain.ErrInvalidTransition, "stage sequence is empty")
	}
	g := &StageGraph{
		sequence: append([]domain.Stage(nil), seq...),
		index:    make(map[domain.Stage]int, len(seq)),
	}
	for i, s := range seq {
		if !s.Valid() {
			return nil, domain.Errorf(domain.ErrUnknownStage, "unknown stage %q", s)
		}
		if _, dup := g.index[s]; dup {
			return nil, domain.Errorf(domain.ErrInvalidTransition, "stage %q appears twice", s)
		}
		g.index[s] = i
	}
	return g, nil
}

// DefaultGraph returns the full five-stage graph.
func DefaultGraph() *StageGraph {
	g, _ := NewStageGraph(domain.AllStages)
	return g
}

// RequiredStages returns the reduced sequence for a task starting at
// startFrom. "topic" and the empty string select the full sequence.
func RequiredStages(startFrom string) ([]domain.Stage, error) {
	if startFrom == "" || startFrom == domain.StartFromTopic {
		return append([]domain.Stage(nil), domain.AllStages...), nil
	}
	full := DefaultGraph()
	idx, ok := full.index[domain.Stage(startFrom)]
	if !ok {
		return nil, domain.Errorf(domain.ErrUnknownStage, "unknown start point %q", startFrom)
	}
	return append([]domain.Stage(nil), full.sequence[idx:]...), nil
}

// Sequence returns a copy of the ordered stages.
func (g *StageGraph) Sequence() []domain.Stage {
	return append([]domain.Stage(nil), g.sequence...)
}

// Len returns the number of stages.
func (g *StageGraph) Len() int {
	return len(g.sequence)
}

// Contains reports whether s is part of the graph.
func (g *StageGraph) Contains(s domain.Stage) bool {
	_, ok := g.index[s]
	return ok
}

// Position returns the 1-based position of s, or 0 when absent.
func (g *StageGraph) Position(s domain.Stage) int {
	i, ok := g.index[s]
	if !ok {
		return 0
	}
	return i + 1
}

// Downstream returns every stage strictly after s, in order.
func (g *StageGraph) Downstream(s domain.Stage) ([]domain.Stage, error) {
	i, ok := g.index[s]
	if !ok {
		return nil, domain.Errorf(domain.ErrNotInScope, "stage %q not in scope", s)
	}
	return append([]domain.Stage(nil), g.sequence[i+1:]...), nil
}

// Upstream returns every stage strictly before s, in order.
func (g *StageGraph) Upstream(s domain.Stage) ([]domain.Stage, error) {
	i, ok := g.index[s]
	if !ok {
		return nil, domain.Errorf(domain.ErrNotInScope, "stage %q not in scope", s)
	}
	return append([]domain.Stage(nil), g.sequence[:i]...), nil
}

// NextRunnable returns the earliest stage whose status is empty or invalid.
func (g *StageGraph) NextRunnable(status func(domain.Stage) domain.ArtifactStatus) (domain.Stage, bool) {
	for _, s := range g.sequence {
		switch status(s) {
		case domain.ArtifactEmpty, domain.ArtifactInvalid:
			return s, true
		}
	}
	return "", false
}
