package workflow

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Yi-XIE/PBL.AI/internal/domain"
)

// fakeGenerator returns numbered candidates and can be told to fail or block.
type fakeGenerator struct {
	mu      sync.Mutex
	calls   []domain.GenerationRequest
	errs    []error
	block   chan struct{}
	started chan struct{}
}

func (f *fakeGenerator) Generate(ctx context.Context, req domain.GenerationRequest) ([]domain.Candidate, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	n := len(f.calls)
	var err error
	if len(f.errs) > 0 {
		err = f.errs[0]
		f.errs = f.errs[1:]
	}
	block, started := f.block, f.started
	f.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	out := make([]domain.Candidate, req.OptionCount)
	for i := range out {
		out[i] = domain.Candidate{
			ID:      fmt.Sprintf("c%d-%d", n, i+1),
			Content: fmt.Sprintf("%s v%d option %d", req.Stage, n, i+1),
		}
	}
	return out, nil
}

func (f *fakeGenerator) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeGenerator) lastCall() domain.GenerationRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

func (f *fakeGenerator) failNext(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs = append(f.errs, err)
}

type recordingCommitter struct {
	mu       sync.Mutex
	versions []int64
	failWith error
}

func (c *recordingCommitter) Commit(ctx context.Context, t *domain.Task) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failWith != nil {
		return c.failWith
	}
	c.versions = append(c.versions, t.StateVersion)
	return nil
}

type recordingNotifier struct {
	mu    sync.Mutex
	tasks []*domain.Task
}

func (n *recordingNotifier) TaskCommitted(t *domain.Task) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.tasks = append(n.tasks, t)
}

func defaultConfig() domain.TaskConfig {
	return domain.TaskConfig{
		Topic:           "water quality",
		GradeLevel:      "grade 8",
		DurationMinutes: 80,
		StartFrom:       domain.StartFromTopic,
		HITLEnabled:     true,
		CascadeEnabled:  true,
		AutoAdvance:     true,
	}
}

func newTestEngine(t *testing.T, cfg domain.TaskConfig, gen *fakeGenerator, opts ...func(*Options)) *Engine {
	t.Helper()
	task, err := NewTask("task-1", cfg, time.Unix(1700000000, 0))
	require.NoError(t, err)
	o := Options{Generator: gen, MaxRegenerations: 10}
	for _, fn := range opts {
		fn(&o)
	}
	eng, err := NewEngine(task, o)
	require.NoError(t, err)
	_, err = eng.Bootstrap(context.Background())
	require.NoError(t, err)
	return eng
}

func apply(t *testing.T, eng *Engine, a domain.Action) *domain.Task {
	t.Helper()
	task, err := eng.Apply(context.Background(), a)
	require.NoError(t, err)
	return task
}

func boolPtr(b bool) *bool { return &b }

func timeZero() time.Time { return time.Unix(0, 0) }
