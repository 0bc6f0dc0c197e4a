package generation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Yi-XIE/PBL.AI/internal/domain"
)

type scriptedBackend struct {
	calls   atomic.Int32
	results []func(ctx context.Context) ([]domain.Candidate, error)
}

func (b *scriptedBackend) Name() string { return "scripted" }

func (b *scriptedBackend) Generate(ctx context.Context, req domain.GenerationRequest) ([]domain.Candidate, error) {
	i := int(b.calls.Add(1)) - 1
	if i >= len(b.results) {
		i = len(b.results) - 1
	}
	return b.results[i](ctx)
}

func ok(contents ...string) func(context.Context) ([]domain.Candidate, error) {
	return func(context.Context) ([]domain.Candidate, error) {
		out := make([]domain.Candidate, len(contents))
		for i, c := range contents {
			out[i] = domain.Candidate{Content: c}
		}
		return out, nil
	}
}

func fail(err error) func(context.Context) ([]domain.Candidate, error) {
	return func(context.Context) ([]domain.Candidate, error) { return nil, err }
}

func hang(ctx context.Context) ([]domain.Candidate, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func request(n int) domain.GenerationRequest {
	return domain.GenerationRequest{TaskID: "t1", Stage: domain.StageScenario, OptionCount: n}
}

func TestGateway_AssignsIDsAndStage(t *testing.T) {
	b := &scriptedBackend{results: []func(context.Context) ([]domain.Candidate, error){
		ok("A river cleanup project for the school", "Designing a weather station on the roof"),
	}}
	g := NewGateway(b)

	out, err := g.Generate(context.Background(), request(2))
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.NotEmpty(t, out[0].ID)
	assert.NotEqual(t, out[0].ID, out[1].ID)
	assert.Equal(t, domain.StageScenario, out[1].Stage)
}

func TestGateway_DropsNearDuplicatesAndCaps(t *testing.T) {
	b := &scriptedBackend{results: []func(context.Context) ([]domain.Candidate, error){
		ok("Students build a solar oven in groups",
			"Students build a solar oven in groups!",
			"Map the noise levels around campus",
			"Interview local farmers about irrigation"),
	}}
	g := NewGateway(b)

	out, err := g.Generate(context.Background(), request(2))
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "Students build a solar oven in groups", out[0].Content)
	assert.Equal(t, "Map the noise levels around campus", out[1].Content)
}

func TestGateway_RetriesTransientOnce(t *testing.T) {
	b := &scriptedBackend{results: []func(context.Context) ([]domain.Candidate, error){
		fail(NewTransientError(errors.New("503"))),
		ok("second attempt content"),
	}}
	g := NewGateway(b, WithRetryConfig(RetryConfig{MaxAttempts: 5, Backoff: time.Millisecond}))

	out, err := g.Generate(context.Background(), request(1))
	require.NoError(t, err)
	assert.Equal(t, "second attempt content", out[0].Content)
	assert.Equal(t, int32(2), b.calls.Load())
}

func TestGateway_RetryIsBounded(t *testing.T) {
	b := &scriptedBackend{results: []func(context.Context) ([]domain.Candidate, error){
		fail(NewTransientError(errors.New("503"))),
	}}
	g := NewGateway(b, WithRetryConfig(RetryConfig{MaxAttempts: 10, Backoff: time.Millisecond}))

	_, err := g.Generate(context.Background(), request(1))
	require.Error(t, err)
	assert.Equal(t, int32(2), b.calls.Load())
	assert.True(t, errors.Is(err, domain.ErrGenerationBackend))
}

func TestGateway_FatalErrorNotRetried(t *testing.T) {
	b := &scriptedBackend{results: []func(context.Context) ([]domain.Candidate, error){
		fail(errors.New("401 unauthorized")),
	}}
	g := NewGateway(b, WithRetryConfig(RetryConfig{MaxAttempts: 2, Backoff: time.Millisecond}))

	_, err := g.Generate(context.Background(), request(1))
	var ge *Error
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, KindBackendError, ge.Kind)
	assert.Contains(t, ge.Detail, "401")
	assert.Equal(t, int32(1), b.calls.Load())
}

func TestGateway_Timeout(t *testing.T) {
	b := &scriptedBackend{results: []func(context.Context) ([]domain.Candidate, error){hang}}
	g := NewGateway(b,
		WithTimeout(20*time.Millisecond),
		WithRetryConfig(RetryConfig{MaxAttempts: 1}))

	_, err := g.Generate(context.Background(), request(1))
	var ge *Error
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, KindTimeout, ge.Kind)
	assert.True(t, errors.Is(err, domain.ErrGenerationTimeout))
	assert.False(t, errors.Is(err, domain.ErrGenerationBackend))
}

func TestGateway_AvoidsPreviousRound(t *testing.T) {
	b := &scriptedBackend{results: []func(context.Context) ([]domain.Candidate, error){
		ok("A river cleanup project for the school", "Designing a weather station on the roof"),
	}}
	g := NewGateway(b)
	req := request(2)
	req.Inputs.Avoid = []string{"A river cleanup project for the school"}

	out, err := g.Generate(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "Designing a weather station on the roof", out[0].Content)
}

func TestGateway_AvoidsLongPreviousCandidate(t *testing.T) {
	var sb strings.Builder
	for i := 0; sb.Len() < 2500; i++ {
		fmt.Fprintf(&sb, "Step %d: students measure plot %d and log reading %d. ", i, i*7, i*13)
	}
	long := sb.String()

	b := &scriptedBackend{results: []func(context.Context) ([]domain.Candidate, error){
		ok(long, "Designing a weather station on the roof"),
	}}
	g := NewGateway(b)
	req := request(2)
	req.Inputs.Avoid = []string{long}

	out, err := g.Generate(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "Designing a weather station on the roof", out[0].Content)
}

func TestClassifyHTTPError_TruncatesOnRuneBoundary(t *testing.T) {
	body := []byte(strings.Repeat("项目式学习", 100))
	err := classifyHTTPError(http.StatusBadRequest, body)
	require.Error(t, err)
	assert.True(t, utf8.ValidString(err.Error()))
	assert.True(t, strings.HasSuffix(err.Error(), "..."))

	err = classifyHTTPError(http.StatusServiceUnavailable, body)
	assert.True(t, retryable(err))
}

func TestSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, Similarity("Hello, World", "hello world"), 1e-9)
	assert.Equal(t, 0.0, Similarity("", "abc"))
	assert.Less(t, Similarity("solar oven", "noise map"), 0.2)
	assert.True(t, IsDuplicate("  !! ", nil, DefaultSimilarityThreshold))
	assert.Equal(t, "情境设计", Normalize("情境 设计！"))
}

func TestParseOptions(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    []string
	}{
		{"wrapped", `{"options":[{"content":"a","rationale":"r"},{"content":"b"}]}`, []string{"a", "b"}},
		{"fenced", "Here you go:\n```json\n{\"options\":[{\"content\":\"x\"},]}\n```", []string{"x"}},
		{"array of strings", `["one","two"]`, []string{"one", "two"}},
		{"plain text", "Just a paragraph.", []string{"Just a paragraph."}},
		{"blank", "   ", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseOptions(tt.content)
			var contents []string
			for _, c := range got {
				contents = append(contents, c.Content)
			}
			assert.Equal(t, tt.want, contents)
		})
	}
}

func TestChatBackend_Generate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var req chatRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-model", req.Model)
		assert.Len(t, req.Messages, 2)

		resp := map[string]any{
			"choices": []map[string]any{{
				"message":       map[string]string{"role": "assistant", "content": `{"options":[{"content":"Garden soil lab"}]}`},
				"finish_reason": "stop",
			}},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	b := NewChatBackend(ChatConfig{BaseURL: server.URL + "/v1", Model: "test-model", APIKey: "secret"}, nil)
	out, err := b.Generate(context.Background(), request(1))
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "Garden soil lab", out[0].Content)
}

func TestChatBackend_ServerErrorIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	b := NewChatBackend(ChatConfig{BaseURL: server.URL}, nil)
	_, err := b.Generate(context.Background(), request(1))
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestOfflineBackend_DistinctOptions(t *testing.T) {
	g := NewGateway(OfflineBackend{})
	req := request(3)
	req.Inputs.Topic = "water quality"

	out, err := g.Generate(context.Background(), req)
	require.NoError(t, err)
	assert.Len(t, out, 3)
}
