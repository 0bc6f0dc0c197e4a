package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/Yi-XIE/PBL.AI/internal/domain"
)

// DefaultOptionCount is the number of candidates requested in multi-candidate mode.
const DefaultOptionCount = 3

// validActions defines which actions each engine phase accepts.
var validActions = map[domain.EnginePhase]map[domain.ActionType]bool{
	domain.PhaseInitializing: {
		domain.ActionStart: true, domain.ActionContinue: true, domain.ActionRegenerate: true,
		domain.ActionEdit: true, domain.ActionReset: true,
	},
	domain.PhaseGenerating: {
		domain.ActionReset: true,
	},
	domain.PhaseAwaitingDecision: {
		domain.ActionAccept: true, domain.ActionRegenerate: true, domain.ActionSelectCandidate: true,
		domain.ActionEdit: true, domain.ActionReset: true,
	},
	domain.PhaseCompleted: {
		domain.ActionStart: true, domain.ActionContinue: true, domain.ActionRegenerate: true,
		domain.ActionEdit: true, domain.ActionReset: true,
	},
}

// IsValidAction checks if an action is legal in the given phase.
func IsValidAction(phase domain.EnginePhase, action domain.ActionType) bool {
	actions, ok := validActions[phase]
	if !ok {
		return false
	}
	return actions[action]
}

// Generator produces candidate options for one stage.
type Generator interface {
	Generate(ctx context.Context, req domain.GenerationRequest) ([]domain.Candidate, error)
}

// Committer persists a task state before it becomes visible to readers.
type Committer interface {
	Commit(ctx context.Context, t *domain.Task) error
}

// Notifier is told about every committed state, outside the task lock.
type Notifier interface {
	TaskCommitted(t *domain.Task)
}

// Observer receives engine measurements.
type Observer interface {
	ActionApplied(action domain.ActionType, err error)
	GenerationFinished(stage domain.Stage, elapsed time.Duration, err error)
	StagesInvalidated(n int)
}

// Options carries the collaborators of an Engine.
type Options struct {
	Generator        Generator
	Committer        Committer
	Notifier         Notifier
	Observer         Observer
	Logger           *slog.Logger
	MaxRegenerations int
	Now              func() time.Time
}

// errNoChange tells mutate to return the current state without committing.
var errNoChange = errors.New("no change")

// Engine is the state machine for a single task. Mutating actions are
// serialized; readers see either the state before or after an action.
type Engine struct {
	graph     *StageGraph
	artifacts *ArtifactStore
	pool      *CandidatePool
	gates     *StageGateRegistry
	governor  *RegenerationGovernor

	generator Generator
	committer Committer
	notifier  Notifier
	observer  Observer
	logger    *slog.Logger
	now       func() time.Time

	// actionMu serializes mutating actions, including their generation call.
	actionMu sync.Mutex

	mu          sync.RWMutex
	task        *domain.Task
	round       uint64
	cancelRound context.CancelFunc
	closed      bool
}

// NewTask builds the initial state of a task from its configuration.
func NewTask(taskID string, cfg domain.TaskConfig, now time.Time) (*domain.Task, error) {
	stages, err := RequiredStages(cfg.StartFrom)
	if err != nil {
		return nil, err
	}
	if cfg.OptionCount <= 0 {
		cfg.OptionCount = DefaultOptionCount
	}
	t := &domain.Task{
		TaskID:        taskID,
		Config:        cfg,
		Stages:        stages,
		Status:        domain.TaskActive,
		Phase:         domain.PhaseInitializing,
		Pools:         make(map[domain.Stage]*domain.CandidateRound),
		Regenerations: make(map[domain.Stage]int),
		CreatedAtUnix: now.Unix(),
		UpdatedAtUnix: now.Unix(),
	}
	store := &ArtifactStore{}
	store.Reset(t, now.Unix())
	if err := applySeeds(store, t, now.Unix()); err != nil {
		return nil, err
	}
	return t, nil
}

func applySeeds(store *ArtifactStore, t *domain.Task, now int64) error {
	for s := range t.Config.Seeds {
		if !s.Valid() {
			return domain.Errorf(domain.ErrUnknownStage, "seed for unknown stage %q", s)
		}
		if !t.InScope(s) {
			return domain.Errorf(domain.ErrNotInScope, "seed for stage %s outside the required sequence", s)
		}
	}
	for _, s := range t.Stages {
		content, ok := t.Config.Seeds[s]
		if !ok || strings.TrimSpace(content) == "" {
			continue
		}
		if _, err := store.SetContent(t, s, content, domain.SourceUserEdited, domain.ArtifactLocked, true, now); err != nil {
			return err
		}
	}
	return nil
}

// NewEngine wraps an existing task state. The task is owned by the engine afterwards.
func NewEngine(t *domain.Task, opts Options) (*Engine, error) {
	graph, err := NewStageGraph(t.Stages)
	if err != nil {
		return nil, err
	}
	if opts.Generator == nil {
		return nil, domain.Errorf(domain.ErrGenerationBackend, "no generator configured")
	}
	e := &Engine{
		graph:     graph,
		artifacts: &ArtifactStore{},
		pool:      &CandidatePool{},
		gates:     NewStageGateRegistry(graph),
		governor:  NewRegenerationGovernor(opts.MaxRegenerations),
		generator: opts.Generator,
		committer: opts.Committer,
		notifier:  opts.Notifier,
		observer:  opts.Observer,
		logger:    opts.Logger,
		now:       opts.Now,
		task:      t,
	}
	if e.observer == nil {
		e.observer = nopObserver{}
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.now == nil {
		e.now = time.Now
	}
	if t.Pools == nil {
		t.Pools = make(map[domain.Stage]*domain.CandidateRound)
	}
	if t.Locked == nil {
		t.Locked = make(map[domain.Stage]bool)
	}
	if t.Regenerations == nil {
		t.Regenerations = make(map[domain.Stage]int)
	}
	return e, nil
}

// Graph returns the task's stage graph.
func (e *Engine) Graph() *StageGraph {
	return e.graph
}

// Gates returns the commit gate registry.
func (e *Engine) Gates() *StageGateRegistry {
	return e.gates
}

// Bootstrap commits the initial state of a freshly created task.
func (e *Engine) Bootstrap(ctx context.Context) (*domain.Task, error) {
	return e.mutate(ctx, func(next *domain.Task) error {
		now := e.now().Unix()
		appendMessage(next, domain.MessageStatus, "", fmt.Sprintf("Task created with %d stage(s): %s.", e.graph.Len(), stageList(e.graph.Sequence())), now)
		if _, ok := e.graph.NextRunnable(e.statusOf(next)); !ok {
			e.advance(next, now)
		}
		return nil
	})
}

// RecoverInterrupted rolls back a generation that was in flight when the
// task was last persisted.
func (e *Engine) RecoverInterrupted(ctx context.Context) (*domain.Task, error) {
	return e.mutate(ctx, func(next *domain.Task) error {
		if next.Phase != domain.PhaseGenerating {
			return errNoChange
		}
		now := e.now().Unix()
		stage := next.CurrentStage
		e.pool.Clear(next, stage)
		next.Phase = domain.PhaseAwaitingDecision
		next.AwaitingUser = true
		next.LastError = "generation interrupted by restart"
		appendMessage(next, domain.MessageStatus, stage, fmt.Sprintf("Generation of %s was interrupted; regenerate to try again.", stage.Label()), now)
		return nil
	})
}

// Snapshot returns a copy of the current committed state.
func (e *Engine) Snapshot() (*domain.Task, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil, domain.ErrNotFound
	}
	return e.task.Clone(), nil
}

// Close discards the engine. In-flight generation results are dropped and
// every later call fails with ErrNotFound.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	e.round++
	if e.cancelRound != nil {
		e.cancelRound()
		e.cancelRound = nil
	}
}

// Apply runs one action to completion and returns the committed state.
// When generation fails the returned task is non-nil and records the
// failure, and the error is the generation error.
func (e *Engine) Apply(ctx context.Context, a domain.Action) (*domain.Task, error) {
	var (
		t   *domain.Task
		err error
	)
	if a.Type == domain.ActionReset {
		t, err = e.reset(ctx)
		e.finish(a, t, err)
		return t, err
	}

	e.actionMu.Lock()
	defer e.actionMu.Unlock()

	switch a.Type {
	case domain.ActionStart, domain.ActionContinue:
		t, err = e.run(ctx)
	case domain.ActionAccept:
		t, err = e.accept(ctx)
	case domain.ActionRegenerate:
		t, err = e.regenerate(ctx, a.TargetStage, a.Feedback)
	case domain.ActionSelectCandidate:
		t, err = e.selectCandidate(ctx, a.Stage, a.CandidateID)
	case domain.ActionEdit:
		t, err = e.edit(ctx, a.Stage, a.Content, a.Cascade)
	default:
		err = domain.Errorf(domain.ErrUnknownAction, "unknown action %q", a.Type)
	}
	e.finish(a, t, err)
	return t, err
}

func (e *Engine) finish(a domain.Action, t *domain.Task, err error) {
	e.observer.ActionApplied(a.Type, err)
	if err != nil {
		e.logger.Warn("action failed", "action", a.Type, "error", err)
		return
	}
	e.logger.Debug("action applied", "task_id", t.TaskID, "action", a.Type,
		"current_stage", t.CurrentStage, "awaiting_user", t.AwaitingUser, "state_version", t.StateVersion)
}

// run generates stages until a human decision is needed or the plan is complete.
func (e *Engine) run(ctx context.Context) (*domain.Task, error) {
	for {
		t, err := e.runRound(ctx, e.pickNext)
		if err != nil {
			return t, err
		}
		if t.AwaitingUser || t.Status == domain.TaskCompleted || t.Config.HITLEnabled {
			return t, nil
		}
	}
}

func (e *Engine) pickNext(next *domain.Task) (domain.Stage, string, error) {
	if !IsValidAction(next.Phase, domain.ActionStart) {
		return "", "", domain.Errorf(domain.ErrInvalidTransition, "cannot start while %s", next.Phase)
	}
	if next.Status == domain.TaskCompleted {
		return "", "", errNoChange
	}
	stage, ok := e.graph.NextRunnable(e.statusOf(next))
	if !ok {
		e.advance(next, e.now().Unix())
		return "", "", nil
	}
	return stage, "", nil
}

func (e *Engine) accept(ctx context.Context) (*domain.Task, error) {
	committed, err := e.mutate(ctx, func(next *domain.Task) error {
		if !IsValidAction(next.Phase, domain.ActionAccept) || !next.AwaitingUser || next.CurrentStage == "" {
			return domain.Errorf(domain.ErrInvalidTransition, "nothing is awaiting a decision (phase %s)", next.Phase)
		}
		stage := next.CurrentStage
		chosen, ok := e.pool.Chosen(next, stage)
		if !ok {
			if n := len(e.pool.Current(next, stage)); n > 1 {
				return domain.Errorf(domain.ErrInvalidTransition, "select one of %d candidates for %s before accepting", n, stage)
			}
			return domain.Errorf(domain.ErrInvalidTransition, "stage %s has no candidate to accept; regenerate first", stage)
		}

		gate, err := e.gates.Get(stage)
		if err != nil {
			return err
		}
		decision, err := gate.Evaluate(ctx, next, stage, chosen.Content)
		if err != nil {
			return fmt.Errorf("evaluate gate: %w", err)
		}
		if !decision.Allow {
			return domain.Errorf(domain.ErrGateBlocked, "gate %s blocked %s: %v", gate.Name(), stage, decision.Blockers)
		}

		now := e.now().Unix()
		if _, err := e.artifacts.SetContent(next, stage, chosen.Content, domain.SourceGenerated, domain.ArtifactLocked, true, now); err != nil {
			return err
		}
		e.pool.Clear(next, stage)
		next.Regenerations[stage] = 0
		next.IterationCount++
		next.AwaitingUser = false
		next.LastError = ""
		appendMessage(next, domain.MessageAction, stage, fmt.Sprintf("Accepted %s.", stage.Label()), now)
		e.advance(next, now)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if committed.Status == domain.TaskCompleted || !committed.Config.AutoAdvance {
		return committed, nil
	}
	return e.run(ctx)
}

func (e *Engine) regenerate(ctx context.Context, target domain.Stage, feedback string) (*domain.Task, error) {
	var invalidated int
	t, err := e.runRound(ctx, func(next *domain.Task) (domain.Stage, string, error) {
		if !IsValidAction(next.Phase, domain.ActionRegenerate) {
			return "", "", domain.Errorf(domain.ErrInvalidTransition, "cannot regenerate while %s", next.Phase)
		}
		stage := target
		if stage == "" {
			stage = next.CurrentStage
		}
		if stage == "" {
			return "", "", domain.Errorf(domain.ErrInvalidTransition, "no stage to regenerate")
		}
		if !next.InScope(stage) {
			return "", "", domain.Errorf(domain.ErrNotInScope, "stage %q not in scope", stage)
		}
		awaitingHere := next.AwaitingUser && next.CurrentStage == stage
		if status := e.artifacts.Status(next, stage); !awaitingHere && !status.Committed() {
			return "", "", domain.Errorf(domain.ErrInvalidTransition,
				"stage %s is %s; only the stage awaiting a decision or a committed stage can be regenerated", stage, status)
		}
		ups, err := e.graph.Upstream(stage)
		if err != nil {
			return "", "", err
		}
		for _, u := range ups {
			if !e.artifacts.Status(next, u).Committed() {
				return "", "", domain.Errorf(domain.ErrInvalidTransition,
					"cannot regenerate %s while upstream stage %s is not committed", stage, u)
			}
		}
		if e.governor.Check(next, stage) == domain.RegenHalt {
			return "", "", domain.Errorf(domain.ErrRegenerationLimit,
				"stage %s was regenerated %d times; accept a candidate (the first is recommended)", stage, next.Regenerations[stage])
		}

		now := e.now().Unix()
		down, err := e.graph.Downstream(stage)
		if err != nil {
			return "", "", err
		}
		changed, err := e.artifacts.Invalidate(next, down, now)
		if err != nil {
			return "", "", err
		}
		for _, d := range down {
			e.pool.Clear(next, d)
		}
		invalidated = len(changed)
		if invalidated > 0 {
			appendMessage(next, domain.MessageExplanation, stage,
				fmt.Sprintf("Regenerating %s invalidated %s.", stage.Label(), stageList(changed)), now)
		}

		text := fmt.Sprintf("Regenerate %s.", stage.Label())
		if feedback != "" {
			text = fmt.Sprintf("Regenerate %s: %s", stage.Label(), feedback)
		}
		appendMessage(next, domain.MessageAction, stage, text, now)
		if e.governor.Record(next, stage) == domain.RegenWarn {
			appendMessage(next, domain.MessageStatus, stage,
				fmt.Sprintf("%s has been regenerated %d of %d allowed times.", stage.Label(), next.Regenerations[stage], e.governor.MaxRegenerations), now)
		}
		return stage, feedback, nil
	})
	if invalidated > 0 && t != nil {
		e.observer.StagesInvalidated(invalidated)
	}
	return t, err
}

func (e *Engine) selectCandidate(ctx context.Context, stage domain.Stage, id string) (*domain.Task, error) {
	return e.mutate(ctx, func(next *domain.Task) error {
		if stage == "" {
			stage = next.CurrentStage
		}
		if stage == "" {
			return domain.Errorf(domain.ErrInvalidTransition, "no stage is awaiting a decision")
		}
		if !next.InScope(stage) {
			return domain.Errorf(domain.ErrNotInScope, "stage %q not in scope", stage)
		}
		if !IsValidAction(next.Phase, domain.ActionSelectCandidate) {
			return domain.Errorf(domain.ErrInvalidTransition, "cannot select a candidate while %s", next.Phase)
		}
		c, err := e.pool.Select(next, stage, id)
		if err != nil {
			return err
		}
		appendMessage(next, domain.MessageAction, stage, fmt.Sprintf("Selected candidate %s for %s.", c.ID, stage.Label()), e.now().Unix())
		return nil
	})
}

func (e *Engine) edit(ctx context.Context, stage domain.Stage, content string, cascade *bool) (*domain.Task, error) {
	var invalidated int
	t, err := e.mutate(ctx, func(next *domain.Task) error {
		if !next.InScope(stage) {
			return domain.Errorf(domain.ErrNotInScope, "stage %q not in scope", stage)
		}
		if strings.TrimSpace(content) == "" {
			return domain.Errorf(domain.ErrEmptyContent, "edit of %s has no content", stage)
		}
		if !IsValidAction(next.Phase, domain.ActionEdit) {
			return domain.Errorf(domain.ErrInvalidTransition, "cannot edit while %s", next.Phase)
		}
		switch status := e.artifacts.Status(next, stage); status {
		case domain.ArtifactEmpty, domain.ArtifactPending:
			return domain.Errorf(domain.ErrInvalidTransition, "stage %s is %s and has no committed content to edit", stage, status)
		}

		doCascade := next.Config.CascadeEnabled
		if cascade != nil {
			doCascade = *cascade
		}

		now := e.now().Unix()
		if _, err := e.artifacts.SetContent(next, stage, content, domain.SourceUserEdited, domain.ArtifactLocked, true, now); err != nil {
			return err
		}
		appendMessage(next, domain.MessageAction, stage, fmt.Sprintf("Edited %s.", stage.Label()), now)

		if doCascade {
			down, err := e.graph.Downstream(stage)
			if err != nil {
				return err
			}
			changed, err := e.artifacts.Invalidate(next, down, now)
			if err != nil {
				return err
			}
			for _, d := range down {
				e.pool.Clear(next, d)
			}
			if next.AwaitingUser && containsStage(down, next.CurrentStage) {
				next.AwaitingUser = false
				next.Phase = domain.PhaseInitializing
			}
			invalidated = len(changed)
			if invalidated > 0 {
				appendMessage(next, domain.MessageExplanation, stage,
					fmt.Sprintf("Editing %s invalidated %s.", stage.Label(), stageList(changed)), now)
			}
		}
		if !next.AwaitingUser {
			e.advance(next, now)
		}
		return nil
	})
	if invalidated > 0 && t != nil {
		e.observer.StagesInvalidated(invalidated)
	}
	return t, err
}

func (e *Engine) reset(ctx context.Context) (*domain.Task, error) {
	return e.mutate(ctx, func(next *domain.Task) error {
		e.round++
		if e.cancelRound != nil {
			e.cancelRound()
			e.cancelRound = nil
		}
		now := e.now().Unix()
		e.artifacts.Reset(next, now)
		if err := applySeeds(e.artifacts, next, now); err != nil {
			return err
		}
		next.Pools = make(map[domain.Stage]*domain.CandidateRound)
		next.Regenerations = make(map[domain.Stage]int)
		next.IterationCount = 0
		next.CurrentStage = ""
		next.AwaitingUser = false
		next.Status = domain.TaskActive
		next.Phase = domain.PhaseInitializing
		next.LastError = ""
		appendMessage(next, domain.MessageAction, "", "Task reset.", now)
		return nil
	})
}

// pendingRound is a generation call that has been announced but not resolved.
type pendingRound struct {
	token  uint64
	stage  domain.Stage
	req    domain.GenerationRequest
	ctx    context.Context
	cancel context.CancelFunc
}

// runRound commits the pre-generation state chosen by prepare, calls the
// generator without holding the state lock, and commits the result if no
// newer action superseded the round.
func (e *Engine) runRound(ctx context.Context, prepare func(next *domain.Task) (domain.Stage, string, error)) (*domain.Task, error) {
	var round *pendingRound
	committed, err := e.mutate(ctx, func(next *domain.Task) error {
		stage, feedback, err := prepare(next)
		if err != nil || stage == "" {
			return err
		}
		now := e.now().Unix()
		round = e.openRoundLocked(ctx, next, stage, feedback)
		next.Status = domain.TaskActive
		next.Phase = domain.PhaseGenerating
		next.CurrentStage = stage
		next.AwaitingUser = false
		next.LastError = ""
		appendMessage(next, domain.MessageToolStatus, stage,
			fmt.Sprintf("Generating %s (%d / %d).", stage.Label(), e.graph.Position(stage), e.graph.Len()), now)
		return nil
	})
	if round != nil {
		defer round.cancel()
	}
	if err != nil || round == nil {
		return committed, err
	}

	started := e.now()
	candidates, genErr := e.generator.Generate(round.ctx, round.req)
	e.observer.GenerationFinished(round.stage, e.now().Sub(started), genErr)

	return e.closeRound(ctx, round, candidates, genErr)
}

// openRoundLocked assigns a round token and builds the generation request.
// Callers hold e.mu.
func (e *Engine) openRoundLocked(ctx context.Context, next *domain.Task, stage domain.Stage, feedback string) *pendingRound {
	e.round++
	gctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	if e.cancelRound != nil {
		e.cancelRound()
	}
	e.cancelRound = cancel

	var avoid []string
	for _, c := range e.pool.Current(next, stage) {
		avoid = append(avoid, c.Content)
	}
	e.pool.Clear(next, stage)

	upstream := make(map[domain.Stage]string)
	if ups, err := e.graph.Upstream(stage); err == nil {
		for _, u := range ups {
			if a, ok := next.Artifacts[u]; ok && a.Status.Committed() {
				upstream[u] = a.Content
			}
		}
	}

	count := 1
	if next.Config.MultiCandidate {
		count = next.Config.OptionCount
	}
	cfg := next.Config
	return &pendingRound{
		token: e.round,
		stage: stage,
		req: domain.GenerationRequest{
			TaskID: next.TaskID,
			Stage:  stage,
			Inputs: domain.StageInputs{
				Topic:            cfg.Topic,
				GradeLevel:       cfg.GradeLevel,
				DurationMinutes:  cfg.DurationMinutes,
				ClassroomContext: cfg.ClassroomContext,
				UserInput:        cfg.UserInput,
				Upstream:         upstream,
				Feedback:         feedback,
				Avoid:            avoid,
			},
			OptionCount: count,
		},
		ctx:    gctx,
		cancel: cancel,
	}
}

func (e *Engine) closeRound(ctx context.Context, round *pendingRound, candidates []domain.Candidate, genErr error) (*domain.Task, error) {
	stage := round.stage
	var resultErr error
	committed, err := e.mutate(ctx, func(next *domain.Task) error {
		if round.token != e.round {
			return domain.Errorf(domain.ErrSuperseded, "round for %s superseded", stage)
		}
		e.cancelRound = nil
		now := e.now().Unix()

		if genErr == nil && len(candidates) == 0 {
			genErr = domain.Errorf(domain.ErrGenerationBackend, "backend returned no candidates for %s", stage)
		}
		if genErr != nil {
			e.pool.Clear(next, stage)
			next.Phase = domain.PhaseAwaitingDecision
			next.AwaitingUser = true
			next.LastError = genErr.Error()
			appendMessage(next, domain.MessageStatus, stage,
				fmt.Sprintf("Generating %s failed: %v. Regenerate to try again.", stage.Label(), genErr), now)
			resultErr = genErr
			return nil
		}

		for i := range candidates {
			candidates[i].Stage = stage
		}
		if _, err := e.pool.Replace(next, stage, candidates); err != nil {
			return err
		}

		if !next.Config.HITLEnabled {
			if _, err := e.artifacts.SetContent(next, stage, candidates[0].Content, domain.SourceGenerated, domain.ArtifactValid, true, now); err != nil {
				return err
			}
			e.pool.Clear(next, stage)
			next.Regenerations[stage] = 0
			appendMessage(next, domain.MessageStatus, stage,
				fmt.Sprintf("Generated %s (%d / %d).", stage.Label(), e.graph.Position(stage), e.graph.Len()), now)
			e.advance(next, now)
			return nil
		}

		if next.Config.MultiCandidate {
			if err := e.artifacts.MarkStatus(next, stage, domain.ArtifactPending, now); err != nil {
				return err
			}
		} else if _, err := e.artifacts.SetContent(next, stage, candidates[0].Content, domain.SourceGenerated, domain.ArtifactPending, true, now); err != nil {
			return err
		}
		next.Phase = domain.PhaseAwaitingDecision
		next.AwaitingUser = true
		appendMessage(next, domain.MessageStatus, stage,
			fmt.Sprintf("Generated %d option(s) for %s (%d / %d); awaiting your decision.",
				len(candidates), stage.Label(), e.graph.Position(stage), e.graph.Len()), now)
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrSuperseded) {
			e.logger.Warn("discarding superseded generation result", "stage", stage, "round", round.token)
		}
		return nil, err
	}
	if resultErr != nil {
		e.logger.Warn("generation failed", "task_id", committed.TaskID, "stage", stage, "error", resultErr)
	}
	return committed, resultErr
}

// advance moves the task to its earliest runnable stage, or completes it.
func (e *Engine) advance(next *domain.Task, now int64) {
	stage, ok := e.graph.NextRunnable(e.statusOf(next))
	if !ok {
		for _, s := range next.Stages {
			if !e.artifacts.Status(next, s).Committed() {
				// A pending stage still awaits a decision.
				return
			}
		}
		wasDone := next.Status == domain.TaskCompleted
		next.Status = domain.TaskCompleted
		next.Phase = domain.PhaseCompleted
		next.CurrentStage = ""
		next.AwaitingUser = false
		if !wasDone {
			appendMessage(next, domain.MessageStatus, "", "Lesson plan complete.", now)
		}
		return
	}
	next.Status = domain.TaskActive
	next.Phase = domain.PhaseInitializing
	next.CurrentStage = stage
	next.AwaitingUser = false
}

func (e *Engine) statusOf(t *domain.Task) func(domain.Stage) domain.ArtifactStatus {
	return func(s domain.Stage) domain.ArtifactStatus {
		return e.artifacts.Status(t, s)
	}
}

// mutate applies fn to a copy of the state, persists it and swaps it in.
// Subscribers are notified after the lock is released.
func (e *Engine) mutate(ctx context.Context, fn func(next *domain.Task) error) (*domain.Task, error) {
	committed, changed, err := e.mutateLocked(ctx, fn)
	if err != nil {
		return nil, err
	}
	if changed && e.notifier != nil {
		e.notifier.TaskCommitted(committed)
	}
	return committed, nil
}

func (e *Engine) mutateLocked(ctx context.Context, fn func(next *domain.Task) error) (*domain.Task, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, false, domain.ErrNotFound
	}

	next := e.task.Clone()
	if err := fn(next); err != nil {
		if errors.Is(err, errNoChange) {
			return e.task.Clone(), false, nil
		}
		return nil, false, err
	}

	next.StateVersion = e.task.StateVersion + 1
	next.UpdatedAtUnix = e.now().Unix()
	if e.committer != nil {
		if err := e.committer.Commit(ctx, next); err != nil {
			return nil, false, err
		}
	}
	e.task = next
	return next.Clone(), true, nil
}

func containsStage(stages []domain.Stage, s domain.Stage) bool {
	for _, st := range stages {
		if st == s {
			return true
		}
	}
	return false
}

func stageList(stages []domain.Stage) string {
	labels := make([]string, len(stages))
	for i, s := range stages {
		labels[i] = s.Label()
	}
	return strings.Join(labels, ", ")
}

type nopObserver struct{}

func (nopObserver) ActionApplied(domain.ActionType, error)                {}
func (nopObserver) GenerationFinished(domain.Stage, time.Duration, error) {}
func (nopObserver) StagesInvalidated(int)                                 {}
