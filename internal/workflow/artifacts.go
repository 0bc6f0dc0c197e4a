package workflow

import (
	"github.com/Yi-XIE/PBL.AI/internal/domain"
)

// ArtifactStore reads and writes the per-stage artifacts of a task.
// It holds no state of its own; callers pass the task being mutated.
type ArtifactStore struct{}

// Get returns a copy of the artifact for stage.
func (s *ArtifactStore) Get(t *domain.Task, stage domain.Stage) (domain.Artifact, error) {
	a, err := s.lookup(t, stage)
	if err != nil {
		return domain.Artifact{}, err
	}
	return *a, nil
}

// Status returns the artifact status for stage, or empty when out of scope.
func (s *ArtifactStore) Status(t *domain.Task, stage domain.Stage) domain.ArtifactStatus {
	a, err := s.lookup(t, stage)
	if err != nil {
		return domain.ArtifactEmpty
	}
	return a.Status
}

// SetContent replaces the content of stage and moves it to status.
// A locked artifact is only overwritten when force is set.
func (s *ArtifactStore) SetContent(t *domain.Task, stage domain.Stage, content string, source domain.ContentSource, status domain.ArtifactStatus, force bool, now int64) (domain.Artifact, error) {
	a, err := s.lookup(t, stage)
	if err != nil {
		return domain.Artifact{}, err
	}
	if a.Status == domain.ArtifactLocked && !force {
		return domain.Artifact{}, domain.Errorf(domain.ErrArtifactLocked, "stage %s is locked", stage)
	}
	if status.Committed() && content == "" {
		return domain.Artifact{}, domain.Errorf(domain.ErrEmptyContent, "stage %s cannot be %s without content", stage, status)
	}
	if a.Content != content || a.Version == 0 {
		a.Version++
	}
	a.Content = content
	a.Source = source
	a.Status = status
	a.UpdatedAtUnix = now
	if status == domain.ArtifactLocked {
		t.Locked[stage] = true
	} else {
		delete(t.Locked, stage)
	}
	return *a, nil
}

// MarkStatus changes only the status of stage.
func (s *ArtifactStore) MarkStatus(t *domain.Task, stage domain.Stage, status domain.ArtifactStatus, now int64) error {
	a, err := s.lookup(t, stage)
	if err != nil {
		return err
	}
	if status.Committed() && a.Content == "" {
		return domain.Errorf(domain.ErrEmptyContent, "stage %s has no content", stage)
	}
	a.Status = status
	a.UpdatedAtUnix = now
	if status == domain.ArtifactLocked {
		t.Locked[stage] = true
	} else {
		delete(t.Locked, stage)
	}
	return nil
}

// Invalidate clears every listed stage that holds content and marks it
// invalid. Stages that are already empty or invalid are left untouched.
// It returns the stages that actually changed.
func (s *ArtifactStore) Invalidate(t *domain.Task, stages []domain.Stage, now int64) ([]domain.Stage, error) {
	for _, st := range stages {
		if _, err := s.lookup(t, st); err != nil {
			return nil, err
		}
	}
	var changed []domain.Stage
	for _, st := range stages {
		a := t.Artifacts[st]
		if a.Status == domain.ArtifactEmpty || a.Status == domain.ArtifactInvalid {
			continue
		}
		a.Content = ""
		a.Source = domain.SourceNone
		a.Status = domain.ArtifactInvalid
		a.Version++
		a.UpdatedAtUnix = now
		delete(t.Locked, st)
		changed = append(changed, st)
	}
	return changed, nil
}

// Reset returns every artifact in scope to empty.
func (s *ArtifactStore) Reset(t *domain.Task, now int64) {
	t.Artifacts = make(map[domain.Stage]*domain.Artifact, len(t.Stages))
	for _, st := range t.Stages {
		t.Artifacts[st] = &domain.Artifact{Stage: st, Status: domain.ArtifactEmpty, UpdatedAtUnix: now}
	}
	t.Locked = make(map[domain.Stage]bool)
}

func (s *ArtifactStore) lookup(t *domain.Task, stage domain.Stage) (*domain.Artifact, error) {
	if !t.InScope(stage) {
		return nil, domain.Errorf(domain.ErrNotInScope, "stage %q not in scope", stage)
	}
	a, ok := t.Artifacts[stage]
	if !ok {
		a = &domain.Artifact{Stage: stage, Status: domain.ArtifactEmpty}
		t.Artifacts[stage] = a
	}
	return a, nil
}
