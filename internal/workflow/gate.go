package workflow

import (
	"context"
	"strings"
	"sync"

	"github.com/Yi-XIE/PBL.AI/internal/domain"
)

// Gate evaluates whether content may be committed to a stage.
type Gate interface {
	Name() string
	Evaluate(ctx context.Context, t *domain.Task, stage domain.Stage, content string) (domain.GateDecision, error)
}

// UpstreamGate refuses a commit while any upstream stage is uncommitted,
// so a stage never locks content generated from stale inputs.
type UpstreamGate struct {
	Graph *StageGraph
}

// Name returns the gate name.
func (g *UpstreamGate) Name() string {
	return "upstream"
}

// Evaluate checks content and the status of every upstream stage.
func (g *UpstreamGate) Evaluate(ctx context.Context, t *domain.Task, stage domain.Stage, content string) (domain.GateDecision, error) {
	decision := domain.GateDecision{Allow: true}

	if strings.TrimSpace(content) == "" {
		decision.Allow = false
		decision.Blockers = append(decision.Blockers, "content is empty")
	}

	upstream, err := g.Graph.Upstream(stage)
	if err != nil {
		return decision, err
	}
	for _, u := range upstream {
		a, ok := t.Artifacts[u]
		if !ok || !a.Status.Committed() {
			decision.Allow = false
			decision.Blockers = append(decision.Blockers, "upstream stage "+string(u)+" is not committed")
		}
	}
	return decision, nil
}

// StageGateRegistry maps each stage to its gate implementation.
type StageGateRegistry struct {
	mu    sync.RWMutex
	gates map[domain.Stage]Gate
}

// NewStageGateRegistry creates a registry with the upstream gate for every stage.
func NewStageGateRegistry(graph *StageGraph) *StageGateRegistry {
	def := &UpstreamGate{Graph: graph}
	gates := make(map[domain.Stage]Gate, graph.Len())
	for _, s := range graph.Sequence() {
		gates[s] = def
	}
	return &StageGateRegistry{gates: gates}
}

// Register sets a custom gate for a stage.
func (r *StageGateRegistry) Register(stage domain.Stage, gate Gate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gates[stage] = gate
}

// Get returns the gate for a stage, or an error if none is registered.
func (r *StageGateRegistry) Get(stage domain.Stage) (Gate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.gates[stage]
	if !ok {
		return nil, domain.Errorf(domain.ErrNotInScope, "no gate registered for stage %s", stage)
	}
	return g, nil
}
