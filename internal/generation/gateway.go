// Package generation turns stage inputs into candidate content through a
// pluggable backend, with a per-call timeout and one bounded retry.
package generation

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Yi-XIE/PBL.AI/internal/domain"
)

// Backend produces raw candidates for a stage.
type Backend interface {
	Name() string
	Generate(ctx context.Context, req domain.GenerationRequest) ([]domain.Candidate, error)
}

// RetryConfig holds retry configuration for generation calls.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts, at most 2.
	MaxAttempts int
	// Backoff is the pause before the retry.
	Backoff time.Duration
}

// DefaultRetryConfig allows a single retry after one second.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 2, Backoff: time.Second}
}

const (
	// DefaultTimeout bounds a single backend call.
	DefaultTimeout = 60 * time.Second
	maxAttempts    = 2
)

// Gateway wraps a Backend with timeout, retry, deduplication and id assignment.
type Gateway struct {
	backend   Backend
	timeout   time.Duration
	retry     RetryConfig
	threshold float64
	logger    *slog.Logger
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithTimeout sets the per-attempt timeout.
func WithTimeout(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// WithRetryConfig sets retry behavior. MaxAttempts is capped at 2.
func WithRetryConfig(cfg RetryConfig) Option {
	return func(g *Gateway) {
		g.retry = cfg
	}
}

// WithSimilarityThreshold sets the duplicate threshold.
func WithSimilarityThreshold(th float64) Option {
	return func(g *Gateway) {
		if th > 0 {
			g.threshold = th
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) {
		g.logger = logger
	}
}

// NewGateway creates a Gateway over backend.
func NewGateway(backend Backend, opts ...Option) *Gateway {
	g := &Gateway{
		backend:   backend,
		timeout:   DefaultTimeout,
		retry:     DefaultRetryConfig(),
		threshold: DefaultSimilarityThreshold,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.retry.MaxAttempts < 1 {
		g.retry.MaxAttempts = 1
	}
	if g.retry.MaxAttempts > maxAttempts {
		g.retry.MaxAttempts = maxAttempts
	}
	return g
}

// Generate returns up to req.OptionCount distinct candidates, or an *Error.
func (g *Gateway) Generate(ctx context.Context, req domain.GenerationRequest) ([]domain.Candidate, error) {
	if req.OptionCount <= 0 {
		req.OptionCount = 1
	}
	// Backends see shortened summaries; dedup compares against full text.
	prompted := req
	prompted.Inputs.Avoid = avoidList(req.Inputs.Avoid)
	requestID := uuid.NewString()

	var lastErr error
	for attempt := 1; attempt <= g.retry.MaxAttempts; attempt++ {
		candidates, err := g.attempt(ctx, prompted)
		if err == nil {
			out := g.finalize(req, candidates)
			if len(out) > 0 {
				g.logger.Debug("generation succeeded",
					"request_id", requestID, "backend", g.backend.Name(),
					"stage", req.Stage, "attempt", attempt, "candidates", len(out))
				return out, nil
			}
			err = NewTransientError(errors.New("backend returned no usable candidates"))
		}
		lastErr = err

		if ctx.Err() != nil || !retryable(err) {
			break
		}
		if attempt < g.retry.MaxAttempts {
			g.logger.Debug("generation failed, retrying",
				"request_id", requestID, "stage", req.Stage,
				"attempt", attempt, "backoff", g.retry.Backoff, "error", err)
			select {
			case <-ctx.Done():
				return nil, classify(req.Stage, ctx.Err())
			case <-time.After(g.retry.Backoff):
			}
		}
	}
	return nil, classify(req.Stage, lastErr)
}

func (g *Gateway) attempt(ctx context.Context, req domain.GenerationRequest) ([]domain.Candidate, error) {
	actx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	candidates, err := g.backend.Generate(actx, req)
	if err != nil {
		if ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) {
			return nil, &Error{Kind: KindTimeout, Stage: req.Stage, Detail: "no response within " + g.timeout.String()}
		}
		return nil, err
	}
	return candidates, nil
}

// finalize drops blank and near-duplicate candidates, caps the count and
// assigns ids unique within the round.
func (g *Gateway) finalize(req domain.GenerationRequest, in []domain.Candidate) []domain.Candidate {
	var (
		out  []domain.Candidate
		kept []string
	)
	avoid := req.Inputs.Avoid
	for _, c := range in {
		c.Content = strings.TrimSpace(c.Content)
		if IsDuplicate(c.Content, kept, g.threshold) || IsDuplicate(c.Content, avoid, g.threshold) {
			continue
		}
		kept = append(kept, c.Content)
		out = append(out, c)
		if len(out) == req.OptionCount {
			break
		}
	}
	// Everything resembled the previous round; keep the first usable one
	// rather than returning an empty round.
	if len(out) == 0 {
		for _, c := range in {
			c.Content = strings.TrimSpace(c.Content)
			if Normalize(c.Content) != "" {
				out = append(out, c)
				break
			}
		}
	}

	seen := make(map[string]bool, len(out))
	for i := range out {
		out[i].Stage = req.Stage
		if out[i].ID == "" || seen[out[i].ID] {
			out[i].ID = "cand-" + uuid.NewString()[:8]
		}
		seen[out[i].ID] = true
	}
	return out
}

func retryable(err error) bool {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind == KindTimeout
	}
	return IsTransient(err)
}

func classify(stage domain.Stage, err error) error {
	var ge *Error
	if errors.As(err, &ge) {
		return ge
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Stage: stage, Detail: err.Error()}
	}
	detail := "unknown error"
	if err != nil {
		detail = err.Error()
	}
	return &Error{Kind: KindBackendError, Stage: stage, Detail: detail}
}
