package workflow

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Yi-XIE/PBL.AI/internal/domain"
)

func TestRequiredStages(t *testing.T) {
	tests := []struct {
		from string
		want []domain.Stage
	}{
		{"", domain.AllStages},
		{domain.StartFromTopic, domain.AllStages},
		{"question_chain", []domain.Stage{domain.StageQuestionChain, domain.StageActivity, domain.StageExperiment}},
		{"experiment", []domain.Stage{domain.StageExperiment}},
	}
	for _, tt := range tests {
		t.Run(tt.from, func(t *testing.T) {
			got, err := RequiredStages(tt.from)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := RequiredStages("lesson")
	assert.True(t, errors.Is(err, domain.ErrUnknownStage))
}

func TestNewStageGraph_Rejects(t *testing.T) {
	_, err := NewStageGraph(nil)
	assert.Error(t, err)

	_, err = NewStageGraph([]domain.Stage{domain.StageScenario, domain.StageScenario})
	assert.Error(t, err)

	_, err = NewStageGraph([]domain.Stage{"homework"})
	assert.True(t, errors.Is(err, domain.ErrUnknownStage))
}

func TestStageGraph_Neighbours(t *testing.T) {
	g := DefaultGraph()
	assert.Equal(t, 5, g.Len())
	assert.Equal(t, 3, g.Position(domain.StageQuestionChain))

	down, err := g.Downstream(domain.StageDrivingQuestion)
	require.NoError(t, err)
	assert.Equal(t, []domain.Stage{domain.StageQuestionChain, domain.StageActivity, domain.StageExperiment}, down)

	up, err := g.Upstream(domain.StageActivity)
	require.NoError(t, err)
	assert.Equal(t, []domain.Stage{domain.StageScenario, domain.StageDrivingQuestion, domain.StageQuestionChain}, up)

	down, err = g.Downstream(domain.StageExperiment)
	require.NoError(t, err)
	assert.Empty(t, down)

	reduced, err := NewStageGraph([]domain.Stage{domain.StageActivity, domain.StageExperiment})
	require.NoError(t, err)
	assert.False(t, reduced.Contains(domain.StageScenario))
	assert.Equal(t, 0, reduced.Position(domain.StageScenario))
	_, err = reduced.Downstream(domain.StageScenario)
	assert.True(t, errors.Is(err, domain.ErrNotInScope))
}

func TestStageGraph_NextRunnable(t *testing.T) {
	g := DefaultGraph()
	statuses := map[domain.Stage]domain.ArtifactStatus{
		domain.StageScenario:        domain.ArtifactLocked,
		domain.StageDrivingQuestion: domain.ArtifactValid,
		domain.StageQuestionChain:   domain.ArtifactPending,
		domain.StageActivity:        domain.ArtifactInvalid,
		domain.StageExperiment:      domain.ArtifactEmpty,
	}
	lookup := func(s domain.Stage) domain.ArtifactStatus { return statuses[s] }

	next, ok := g.NextRunnable(lookup)
	require.True(t, ok)
	assert.Equal(t, domain.StageActivity, next)

	for s := range statuses {
		statuses[s] = domain.ArtifactLocked
	}
	_, ok = g.NextRunnable(lookup)
	assert.False(t, ok)
}
