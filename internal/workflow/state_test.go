package workflow

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Yi-XIE/PBL.AI/internal/domain"
)

func newBareTask(t *testing.T) *domain.Task {
	t.Helper()
	task, err := NewTask("task-x", defaultConfig(), timeZero())
	require.NoError(t, err)
	return task
}

func TestArtifactStore_SetContent(t *testing.T) {
	s := &ArtifactStore{}
	task := newBareTask(t)

	a, err := s.SetContent(task, domain.StageScenario, "draft", domain.SourceGenerated, domain.ArtifactPending, false, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, a.Version)
	assert.False(t, task.Locked[domain.StageScenario])

	a, err = s.SetContent(task, domain.StageScenario, "draft", domain.SourceGenerated, domain.ArtifactLocked, false, 11)
	require.NoError(t, err)
	assert.Equal(t, 1, a.Version)
	assert.True(t, task.Locked[domain.StageScenario])

	_, err = s.SetContent(task, domain.StageScenario, "other", domain.SourceGenerated, domain.ArtifactPending, false, 12)
	assert.True(t, errors.Is(err, domain.ErrArtifactLocked))

	a, err = s.SetContent(task, domain.StageScenario, "other", domain.SourceUserEdited, domain.ArtifactLocked, true, 12)
	require.NoError(t, err)
	assert.Equal(t, 2, a.Version)
	assert.Equal(t, domain.SourceUserEdited, a.Source)

	_, err = s.SetContent(task, domain.StageDrivingQuestion, "", domain.SourceGenerated, domain.ArtifactValid, true, 13)
	assert.True(t, errors.Is(err, domain.ErrEmptyContent))
}

func TestArtifactStore_InvalidateIsIdempotent(t *testing.T) {
	s := &ArtifactStore{}
	task := newBareTask(t)
	_, err := s.SetContent(task, domain.StageDrivingQuestion, "dq", domain.SourceGenerated, domain.ArtifactLocked, true, 1)
	require.NoError(t, err)
	_, err = s.SetContent(task, domain.StageQuestionChain, "qc", domain.SourceGenerated, domain.ArtifactPending, true, 1)
	require.NoError(t, err)

	down := []domain.Stage{domain.StageDrivingQuestion, domain.StageQuestionChain, domain.StageActivity}
	changed, err := s.Invalidate(task, down, 2)
	require.NoError(t, err)
	assert.Equal(t, []domain.Stage{domain.StageDrivingQuestion, domain.StageQuestionChain}, changed)
	assert.Empty(t, task.Artifacts[domain.StageDrivingQuestion].Content)
	assert.False(t, task.Locked[domain.StageDrivingQuestion])
	assert.Equal(t, domain.ArtifactEmpty, task.Artifacts[domain.StageActivity].Status)

	version := task.Artifacts[domain.StageDrivingQuestion].Version
	changed, err = s.Invalidate(task, down, 3)
	require.NoError(t, err)
	assert.Empty(t, changed)
	assert.Equal(t, version, task.Artifacts[domain.StageDrivingQuestion].Version)
}

func TestArtifactStore_OutOfScope(t *testing.T) {
	s := &ArtifactStore{}
	cfg := defaultConfig()
	cfg.StartFrom = string(domain.StageExperiment)
	task, err := NewTask("t", cfg, timeZero())
	require.NoError(t, err)

	_, err = s.Get(task, domain.StageScenario)
	assert.True(t, errors.Is(err, domain.ErrNotInScope))
	assert.Equal(t, domain.ArtifactEmpty, s.Status(task, domain.StageScenario))
	_, err = s.Invalidate(task, []domain.Stage{domain.StageActivity}, 1)
	assert.True(t, errors.Is(err, domain.ErrNotInScope))
}

func TestCandidatePool(t *testing.T) {
	p := &CandidatePool{}
	task := newBareTask(t)
	cands := []domain.Candidate{{ID: "a", Content: "A"}, {ID: "b", Content: "B"}}

	r, err := p.Replace(task, domain.StageScenario, cands)
	require.NoError(t, err)
	assert.Equal(t, 1, r.Round)

	_, ok := p.Chosen(task, domain.StageScenario)
	assert.False(t, ok)

	_, err = p.Select(task, domain.StageScenario, "z")
	assert.True(t, errors.Is(err, domain.ErrUnknownCandidate))

	c, err := p.Select(task, domain.StageScenario, "b")
	require.NoError(t, err)
	assert.Equal(t, "B", c.Content)
	chosen, ok := p.Chosen(task, domain.StageScenario)
	require.True(t, ok)
	assert.Equal(t, "b", chosen.ID)

	r, err = p.Replace(task, domain.StageScenario, cands[:1])
	require.NoError(t, err)
	assert.Equal(t, 2, r.Round)
	assert.Empty(t, r.SelectedID)
	chosen, ok = p.Chosen(task, domain.StageScenario)
	require.True(t, ok)
	assert.Equal(t, "a", chosen.ID)

	p.Clear(task, domain.StageScenario)
	assert.Empty(t, p.Current(task, domain.StageScenario))
	assert.Equal(t, 2, task.Pools[domain.StageScenario].Round)

	_, err = p.Select(task, domain.StageActivity, "a")
	assert.True(t, errors.Is(err, domain.ErrUnknownCandidate))
}

func TestUpstreamGate(t *testing.T) {
	task := newBareTask(t)
	reg := NewStageGateRegistry(DefaultGraph())
	gate, err := reg.Get(domain.StageDrivingQuestion)
	require.NoError(t, err)
	assert.Equal(t, "upstream", gate.Name())

	d, err := gate.Evaluate(context.Background(), task, domain.StageDrivingQuestion, "  ")
	require.NoError(t, err)
	assert.False(t, d.Allow)
	assert.Len(t, d.Blockers, 2)

	task.Artifacts[domain.StageScenario].Content = "s"
	task.Artifacts[domain.StageScenario].Status = domain.ArtifactValid
	d, err = gate.Evaluate(context.Background(), task, domain.StageDrivingQuestion, "dq")
	require.NoError(t, err)
	assert.True(t, d.Allow)
	assert.Empty(t, d.Blockers)

	_, err = reg.Get("homework")
	assert.True(t, errors.Is(err, domain.ErrNotInScope))
}

func TestRegenerationGovernor(t *testing.T) {
	g := NewRegenerationGovernor(0)
	assert.Equal(t, DefaultMaxRegenerations, g.MaxRegenerations)

	g = NewRegenerationGovernor(5)
	task := newBareTask(t)
	stage := domain.StageScenario

	var actions []domain.RegenAction
	for i := 0; i < 5; i++ {
		actions = append(actions, g.Record(task, stage))
	}
	assert.Equal(t, []domain.RegenAction{
		domain.RegenContinue, domain.RegenContinue, domain.RegenContinue, domain.RegenWarn, domain.RegenHalt,
	}, actions)
	assert.Equal(t, domain.RegenHalt, g.Check(task, stage))
	assert.Equal(t, domain.RegenContinue, g.Check(task, domain.StageActivity))
}

func TestMessages_DedupAndSince(t *testing.T) {
	task := newBareTask(t)
	appendMessage(task, domain.MessageStatus, "", "hello", 1)
	appendMessage(task, domain.MessageStatus, "", "hello", 2)
	appendMessage(task, domain.MessageAction, "", "hello", 3)
	appendMessage(task, domain.MessageStatus, "", "hello", 4)

	require.Len(t, task.Messages, 3)
	assert.Equal(t, int64(3), task.LastMessageSeq)
	assert.Equal(t, "task-x", task.Messages[0].TaskID)
	assert.NotEqual(t, task.Messages[0].ID, task.Messages[1].ID)

	since := MessagesSince(task, 1)
	require.Len(t, since, 2)
	assert.Equal(t, int64(2), since[0].Seq)
	assert.Empty(t, MessagesSince(task, 3))
}
