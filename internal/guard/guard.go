// Package guard enforces request limits in front of the task registry.
package guard

import (
	"sync"
	"time"

	"github.com/Yi-XIE/PBL.AI/internal/domain"
)

// GuardConfig holds rate and capacity limits. Zero disables a limit.
type GuardConfig struct {
	RateLimitPerMinute int
	MaxActiveTasks     int
}

// Guard coordinates rate and capacity checks.
type Guard struct {
	Config GuardConfig

	now        func() time.Time
	mu         sync.Mutex
	rateCounts map[string]*rateBucket
}

type rateBucket struct {
	count       int
	windowStart int64
}

// NewGuard creates a Guard with the given limits.
func NewGuard(cfg GuardConfig) *Guard {
	return &Guard{
		Config:     cfg,
		now:        time.Now,
		rateCounts: make(map[string]*rateBucket),
	}
}

// CheckRateLimit enforces a per-task sliding window rate limit.
// The window is 60 seconds. If the count exceeds the configured limit,
// ErrRateLimitExceeded is returned.
func (g *Guard) CheckRateLimit(taskID string) error {
	if g.Config.RateLimitPerMinute <= 0 {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now().Unix()
	bucket, ok := g.rateCounts[taskID]
	if !ok {
		g.rateCounts[taskID] = &rateBucket{count: 1, windowStart: now}
		return nil
	}

	if now-bucket.windowStart > 60 {
		bucket.count = 1
		bucket.windowStart = now
		return nil
	}

	if bucket.count >= g.Config.RateLimitPerMinute {
		return domain.Errorf(domain.ErrRateLimitExceeded, "task %s exceeded %d actions per minute", taskID, g.Config.RateLimitPerMinute)
	}

	bucket.count++
	return nil
}

// CheckCapacity refuses a new task once active tasks reach the limit.
func (g *Guard) CheckCapacity(active int) error {
	if g.Config.MaxActiveTasks > 0 && active >= g.Config.MaxActiveTasks {
		return domain.Errorf(domain.ErrTooManyTasks, "%d tasks already active", active)
	}
	return nil
}

// Forget drops the rate window of a destroyed task.
func (g *Guard) Forget(taskID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.rateCounts, taskID)
}
