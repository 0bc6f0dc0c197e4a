// Package session holds the live task engines of a process and wires
// each one to persistence, broadcasting and request limits.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Yi-XIE/PBL.AI/internal/broadcast"
	"github.com/Yi-XIE/PBL.AI/internal/domain"
	"github.com/Yi-XIE/PBL.AI/internal/guard"
	"github.com/Yi-XIE/PBL.AI/internal/projection"
	"github.com/Yi-XIE/PBL.AI/internal/workflow"
)

// planSaveTimeout bounds the plan snapshot write done after completion.
const planSaveTimeout = 5 * time.Second

// maxOptionCount caps the candidates requested per round.
const maxOptionCount = 6

// Store is the persistence the registry needs.
type Store interface {
	workflow.Committer
	Load(ctx context.Context, taskID string) (*domain.Task, error)
	ListIDs(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, taskID string) error
	SavePlan(ctx context.Context, taskID string, stateVersion int64, body []byte) (*domain.PlanSnapshot, error)
	LatestPlan(ctx context.Context, taskID string) (*domain.PlanSnapshot, error)
	RecordAction(ctx context.Context, rec domain.ActionRecord) error
	Messages(ctx context.Context, taskID string, sinceSeq int64) ([]domain.Message, error)
}

// Metrics is the registry-level measurement sink.
type Metrics interface {
	workflow.Observer
	SetActiveTasks(n int)
	DeltaPublished()
}

// Options configures a Registry. Only Generator is required.
type Options struct {
	Generator        workflow.Generator
	Store            Store
	Hub              *broadcast.Hub
	Guard            *guard.Guard
	Metrics          Metrics
	MaxRegenerations int
	Logger           *slog.Logger
	Now              func() time.Time
}

// Registry maps task ids to their engines.
type Registry struct {
	opts   Options
	logger *slog.Logger

	mu      sync.RWMutex
	engines map[string]*workflow.Engine
}

// NewRegistry creates an empty registry.
func NewRegistry(opts Options) *Registry {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Hub == nil {
		opts.Hub = broadcast.NewHub(opts.Logger)
	}
	if opts.Guard == nil {
		opts.Guard = guard.NewGuard(guard.GuardConfig{})
	}
	return &Registry{
		opts:    opts,
		logger:  opts.Logger,
		engines: make(map[string]*workflow.Engine),
	}
}

// Hub returns the broadcast hub fed by this registry.
func (r *Registry) Hub() *broadcast.Hub {
	return r.opts.Hub
}

// ValidateConfig checks the creation settings of a task.
func ValidateConfig(cfg domain.TaskConfig) error {
	var problems []string
	if strings.TrimSpace(cfg.Topic) == "" && strings.TrimSpace(cfg.UserInput) == "" {
		problems = append(problems, "topic or user_input is required")
	}
	if cfg.DurationMinutes < 0 {
		problems = append(problems, "duration_minutes must not be negative")
	}
	if cfg.OptionCount < 0 || cfg.OptionCount > maxOptionCount {
		problems = append(problems, "option_count must not exceed 6")
	}
	if len(problems) > 0 {
		return domain.Errorf(domain.ErrInvalidInput, "%s", strings.Join(problems, "; "))
	}
	return nil
}

// Create builds, persists and registers a new task.
func (r *Registry) Create(ctx context.Context, cfg domain.TaskConfig) (projection.Snapshot, error) {
	if err := ValidateConfig(cfg); err != nil {
		return projection.Snapshot{}, err
	}
	task, err := workflow.NewTask(uuid.NewString(), cfg, r.opts.Now())
	if err != nil {
		return projection.Snapshot{}, err
	}
	eng, err := r.newEngine(task)
	if err != nil {
		return projection.Snapshot{}, err
	}

	r.mu.Lock()
	if err := r.opts.Guard.CheckCapacity(len(r.engines)); err != nil {
		r.mu.Unlock()
		eng.Close()
		return projection.Snapshot{}, err
	}
	r.engines[task.TaskID] = eng
	n := len(r.engines)
	r.mu.Unlock()

	committed, err := eng.Bootstrap(ctx)
	if err != nil {
		r.mu.Lock()
		delete(r.engines, task.TaskID)
		r.mu.Unlock()
		eng.Close()
		return projection.Snapshot{}, err
	}
	r.setActive(n)
	r.logger.Info("task created", "task_id", committed.TaskID, "stages", len(committed.Stages), "start_from", cfg.StartFrom)
	return projection.Project(committed), nil
}

func (r *Registry) newEngine(task *domain.Task) (*workflow.Engine, error) {
	opts := workflow.Options{
		Generator:        r.opts.Generator,
		Notifier:         r,
		Logger:           r.logger.With("task_id", task.TaskID),
		MaxRegenerations: r.opts.MaxRegenerations,
		Now:              r.opts.Now,
	}
	if r.opts.Store != nil {
		opts.Committer = r.opts.Store
	}
	if r.opts.Metrics != nil {
		opts.Observer = r.opts.Metrics
	}
	return workflow.NewEngine(task, opts)
}

// Get returns the engine of taskID.
func (r *Registry) Get(taskID string) (*workflow.Engine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	eng, ok := r.engines[taskID]
	if !ok {
		return nil, domain.Errorf(domain.ErrNotFound, "task %s not found", taskID)
	}
	return eng, nil
}

// Task returns a copy of the committed state of taskID.
func (r *Registry) Task(taskID string) (*domain.Task, error) {
	eng, err := r.Get(taskID)
	if err != nil {
		return nil, err
	}
	return eng.Snapshot()
}

// Snapshot projects the committed state of taskID.
func (r *Registry) Snapshot(taskID string) (projection.Snapshot, error) {
	t, err := r.Task(taskID)
	if err != nil {
		return projection.Snapshot{}, err
	}
	return projection.Project(t), nil
}

// Apply runs one action. When generation fails the snapshot still
// reflects the recorded failure and err is the generation error.
func (r *Registry) Apply(ctx context.Context, taskID string, a domain.Action) (projection.Snapshot, error) {
	eng, err := r.Get(taskID)
	if err != nil {
		return projection.Snapshot{}, err
	}
	if err := r.opts.Guard.CheckRateLimit(taskID); err != nil {
		return projection.Snapshot{}, err
	}

	t, applyErr := eng.Apply(ctx, a)
	r.recordAction(ctx, taskID, a, t, applyErr)
	if t == nil {
		return projection.Snapshot{}, applyErr
	}
	return projection.Project(t), applyErr
}

// EditPath applies an edit addressed by stage file path.
func (r *Registry) EditPath(ctx context.Context, taskID, path, content string, cascade *bool) (projection.Snapshot, error) {
	stage, err := projection.StageForPath(path)
	if err != nil {
		return projection.Snapshot{}, err
	}
	return r.Apply(ctx, taskID, domain.Action{Type: domain.ActionEdit, Stage: stage, Content: content, Cascade: cascade})
}

func (r *Registry) recordAction(ctx context.Context, taskID string, a domain.Action, t *domain.Task, err error) {
	if r.opts.Store == nil {
		return
	}
	body, _ := json.Marshal(a)
	rec := domain.ActionRecord{
		ID:          uuid.NewString(),
		TaskID:      taskID,
		Action:      a.Type,
		Stage:       firstStage(a.Stage, a.TargetStage),
		RequestJSON: string(body),
		Outcome:     "ok",
	}
	if t != nil {
		rec.StateVersion = t.StateVersion
	}
	if err != nil {
		rec.Outcome = "error"
		var ee *domain.EngineError
		switch {
		case errors.As(err, &ee):
			rec.ErrorCode = ee.Code
		case errors.Is(err, domain.ErrGenerationTimeout):
			rec.ErrorCode = domain.ErrGenerationTimeout.Code
		case errors.Is(err, domain.ErrGenerationBackend):
			rec.ErrorCode = domain.ErrGenerationBackend.Code
		}
	}
	var werr error
	live := r.whileRegistered(taskID, func() {
		werr = r.opts.Store.RecordAction(context.WithoutCancel(ctx), rec)
	})
	if !live {
		r.logger.Debug("task gone, action not recorded", "task_id", taskID, "action", a.Type)
		return
	}
	if werr != nil {
		r.logger.Warn("record action failed", "task_id", taskID, "action", a.Type, "error", werr)
	}
}

// whileRegistered runs fn with taskID pinned in the registry, so a
// concurrent Destroy deletes the stored rows only after fn returns.
func (r *Registry) whileRegistered(taskID string, fn func()) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.engines[taskID]; !ok {
		return false
	}
	fn()
	return true
}

func firstStage(stages ...domain.Stage) domain.Stage {
	for _, s := range stages {
		if s != "" {
			return s
		}
	}
	return ""
}

// Messages returns the log entries of taskID after sinceSeq, read from
// the durable log when a store is configured.
func (r *Registry) Messages(ctx context.Context, taskID string, sinceSeq int64) ([]domain.Message, error) {
	t, err := r.Task(taskID)
	if err != nil {
		return nil, err
	}
	if r.opts.Store != nil {
		return r.opts.Store.Messages(ctx, taskID, sinceSeq)
	}
	return workflow.MessagesSince(t, sinceSeq), nil
}

// Export returns the downloadable plan of taskID.
func (r *Registry) Export(taskID string) (projection.Export, error) {
	t, err := r.Task(taskID)
	if err != nil {
		return projection.Export{}, err
	}
	return projection.BuildExport(t), nil
}

// StoredPlan returns the last plan snapshot persisted for taskID.
func (r *Registry) StoredPlan(ctx context.Context, taskID string) (*domain.PlanSnapshot, error) {
	if r.opts.Store == nil {
		return nil, domain.Errorf(domain.ErrNotFound, "no store configured")
	}
	return r.opts.Store.LatestPlan(ctx, taskID)
}

// Subscribe attaches a viewer to taskID.
func (r *Registry) Subscribe(taskID string) (*broadcast.Subscription, error) {
	snap, err := r.Snapshot(taskID)
	if err != nil {
		return nil, err
	}
	return r.opts.Hub.Subscribe(taskID, snap), nil
}

// Destroy discards taskID. In-flight generation results are dropped.
func (r *Registry) Destroy(ctx context.Context, taskID string) error {
	r.mu.Lock()
	eng, ok := r.engines[taskID]
	delete(r.engines, taskID)
	n := len(r.engines)
	r.mu.Unlock()
	if !ok {
		return domain.Errorf(domain.ErrNotFound, "task %s not found", taskID)
	}

	eng.Close()
	r.opts.Hub.CloseTask(taskID)
	r.opts.Guard.Forget(taskID)
	r.setActive(n)
	if r.opts.Store != nil {
		if err := r.opts.Store.Delete(ctx, taskID); err != nil {
			return err
		}
	}
	r.logger.Info("task destroyed", "task_id", taskID)
	return nil
}

// IDs returns the registered task ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.engines))
	for id := range r.engines {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Len returns the number of registered tasks.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.engines)
}

// Recover loads every persisted task and rolls back generations that
// were interrupted by the previous shutdown.
func (r *Registry) Recover(ctx context.Context) (int, error) {
	if r.opts.Store == nil {
		return 0, nil
	}
	ids, err := r.opts.Store.ListIDs(ctx)
	if err != nil {
		return 0, domain.WrapEngineError(domain.ErrRecoveryFailed.Code, "list tasks", err)
	}
	for _, id := range ids {
		task, err := r.opts.Store.Load(ctx, id)
		if err != nil {
			return 0, domain.WrapEngineError(domain.ErrRecoveryFailed.Code, "load "+id, err)
		}
		eng, err := r.newEngine(task)
		if err != nil {
			return 0, domain.WrapEngineError(domain.ErrRecoveryFailed.Code, "restore "+id, err)
		}
		if _, err := eng.RecoverInterrupted(ctx); err != nil {
			return 0, domain.WrapEngineError(domain.ErrRecoveryFailed.Code, "roll back "+id, err)
		}
		r.mu.Lock()
		r.engines[id] = eng
		r.mu.Unlock()
	}
	r.setActive(r.Len())
	if len(ids) > 0 {
		r.logger.Info("recovered tasks", "count", len(ids))
	}
	return len(ids), nil
}

// Close discards every engine without touching the store.
func (r *Registry) Close() {
	r.mu.Lock()
	engines := r.engines
	r.engines = make(map[string]*workflow.Engine)
	r.mu.Unlock()
	for id, eng := range engines {
		eng.Close()
		r.opts.Hub.CloseTask(id)
	}
}

// TaskCommitted implements workflow.Notifier.
func (r *Registry) TaskCommitted(t *domain.Task) {
	r.opts.Hub.Publish(t)
	if r.opts.Metrics != nil {
		r.opts.Metrics.DeltaPublished()
	}
	if t.Status != domain.TaskCompleted || r.opts.Store == nil {
		return
	}
	body, err := json.Marshal(projection.BuildExport(t))
	if err != nil {
		r.logger.Warn("marshal plan failed", "task_id", t.TaskID, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), planSaveTimeout)
	defer cancel()
	var serr error
	if !r.whileRegistered(t.TaskID, func() {
		_, serr = r.opts.Store.SavePlan(ctx, t.TaskID, t.StateVersion, body)
	}) {
		return
	}
	if serr != nil {
		r.logger.Warn("save plan snapshot failed", "task_id", t.TaskID, "error", serr)
	}
}

func (r *Registry) setActive(n int) {
	if r.opts.Metrics != nil {
		r.opts.Metrics.SetActiveTasks(n)
	}
}
