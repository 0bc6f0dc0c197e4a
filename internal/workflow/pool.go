package workflow

import (
	"github.com/Yi-XIE/PBL.AI/internal/domain"
)

// CandidatePool manages the single active candidate round per stage.
type CandidatePool struct{}

// Replace discards any prior round for stage and installs candidates as
// the new round. The selection is cleared.
func (p *CandidatePool) Replace(t *domain.Task, stage domain.Stage, candidates []domain.Candidate) (*domain.CandidateRound, error) {
	if !t.InScope(stage) {
		return nil, domain.Errorf(domain.ErrNotInScope, "stage %q not in scope", stage)
	}
	round := 1
	if prev, ok := t.Pools[stage]; ok {
		round = prev.Round + 1
	}
	r := &domain.CandidateRound{
		Stage:      stage,
		Round:      round,
		Candidates: append([]domain.Candidate(nil), candidates...),
	}
	t.Pools[stage] = r
	return r, nil
}

// Select marks id as the selection within the current round for stage.
func (p *CandidatePool) Select(t *domain.Task, stage domain.Stage, id string) (domain.Candidate, error) {
	r, ok := t.Pools[stage]
	if !ok {
		return domain.Candidate{}, domain.Errorf(domain.ErrUnknownCandidate, "no candidate round for stage %s", stage)
	}
	for _, c := range r.Candidates {
		if c.ID == id {
			r.SelectedID = id
			return c, nil
		}
	}
	return domain.Candidate{}, domain.Errorf(domain.ErrUnknownCandidate, "candidate %q not in round %d of %s", id, r.Round, stage)
}

// Current returns the candidates of the active round for stage.
func (p *CandidatePool) Current(t *domain.Task, stage domain.Stage) []domain.Candidate {
	r, ok := t.Pools[stage]
	if !ok {
		return nil
	}
	return append([]domain.Candidate(nil), r.Candidates...)
}

// Chosen returns the selected candidate, or the sole candidate when the
// round has exactly one. ok is false when no choice can be made.
func (p *CandidatePool) Chosen(t *domain.Task, stage domain.Stage) (domain.Candidate, bool) {
	r, ok := t.Pools[stage]
	if !ok || len(r.Candidates) == 0 {
		return domain.Candidate{}, false
	}
	if r.SelectedID != "" {
		for _, c := range r.Candidates {
			if c.ID == r.SelectedID {
				return c, true
			}
		}
	}
	if len(r.Candidates) == 1 {
		return r.Candidates[0], true
	}
	return domain.Candidate{}, false
}

// Clear empties the round for stage but keeps its round counter.
func (p *CandidatePool) Clear(t *domain.Task, stage domain.Stage) {
	r, ok := t.Pools[stage]
	if !ok {
		return
	}
	r.Candidates = nil
	r.SelectedID = ""
}
