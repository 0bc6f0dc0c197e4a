package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/Yi-XIE/PBL.AI/internal/domain"
)

const maxResponseSize = 4 << 20

// ChatConfig configures an OpenAI-compatible chat completions endpoint.
type ChatConfig struct {
	BaseURL     string
	Model       string
	APIKey      string
	Temperature float64
	MaxTokens   int
}

// ChatBackend generates candidates through an OpenAI-compatible
// /chat/completions endpoint.
type ChatBackend struct {
	cfg    ChatConfig
	client *http.Client
}

// NewChatBackend creates a ChatBackend. A nil client uses http.DefaultClient;
// the Gateway owns call timeouts.
func NewChatBackend(cfg ChatConfig, client *http.Client) *ChatBackend {
	if client == nil {
		client = http.DefaultClient
	}
	return &ChatBackend{cfg: cfg, client: client}
}

// Name returns the backend identifier.
func (b *ChatBackend) Name() string {
	return "chat"
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

type optionPayload struct {
	Content   string `json:"content"`
	Rationale string `json:"rationale"`
}

// URL returns the chat completions endpoint for the configured base URL.
func (b *ChatBackend) URL() string {
	base := strings.TrimSuffix(b.cfg.BaseURL, "/")
	if base == "" {
		base = "https://api.openai.com/v1"
	}
	if strings.HasSuffix(base, "/chat/completions") {
		return base
	}
	return base + "/chat/completions"
}

// Generate sends one chat completion request and parses its options.
func (b *ChatBackend) Generate(ctx context.Context, req domain.GenerationRequest) ([]domain.Candidate, error) {
	inputs, err := json.Marshal(req.Inputs)
	if err != nil {
		return nil, fmt.Errorf("encode inputs: %w", err)
	}
	body, err := json.Marshal(chatRequest{
		Model: b.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: fmt.Sprintf(
				"Write the %s section of a project-based lesson plan. Reply with JSON "+
					`{"options":[{"content":"...","rationale":"..."}]}`+
					" holding %d distinct option(s).", req.Stage.Label(), req.OptionCount)},
			{Role: "user", Content: string(inputs)},
		},
		Temperature: b.cfg.Temperature,
		MaxTokens:   b.cfg.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.URL(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if b.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+b.cfg.APIKey)
	}

	resp, err := b.client.Do(httpReq)
	if err != nil {
		// Network errors are transient.
		return nil, NewTransientError(fmt.Errorf("HTTP request failed: %w", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, NewTransientError(fmt.Errorf("read response body: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, classifyHTTPError(resp.StatusCode, respBody)
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, NewTransientError(errors.New("response has no choices"))
	}
	return ParseOptions(parsed.Choices[0].Message.Content), nil
}

// ParseOptions reads candidates from model output. It accepts
// {"options":[...]}, a bare array of objects or strings, or plain text.
func ParseOptions(content string) []domain.Candidate {
	raw := ExtractJSON(content)
	if raw != "" {
		var wrapped struct {
			Options []json.RawMessage `json:"options"`
		}
		if err := json.Unmarshal([]byte(raw), &wrapped); err == nil && len(wrapped.Options) > 0 {
			return decodeOptions(wrapped.Options)
		}
		var list []json.RawMessage
		if err := json.Unmarshal([]byte(raw), &list); err == nil && len(list) > 0 {
			return decodeOptions(list)
		}
	}
	if strings.TrimSpace(content) == "" {
		return nil
	}
	return []domain.Candidate{{Content: strings.TrimSpace(content)}}
}

func decodeOptions(items []json.RawMessage) []domain.Candidate {
	var out []domain.Candidate
	for _, item := range items {
		var opt optionPayload
		if err := json.Unmarshal(item, &opt); err == nil && opt.Content != "" {
			out = append(out, domain.Candidate{Content: opt.Content, Rationale: opt.Rationale})
			continue
		}
		var s string
		if err := json.Unmarshal(item, &s); err == nil && s != "" {
			out = append(out, domain.Candidate{Content: s})
		}
	}
	return out
}

// classifyHTTPError determines if an HTTP error is transient or fatal.
func classifyHTTPError(statusCode int, body []byte) error {
	bodyStr := string(body)
	if runes := []rune(bodyStr); len(runes) > 200 {
		bodyStr = string(runes[:200]) + "..."
	}
	err := fmt.Errorf("backend API error (status %d): %s", statusCode, bodyStr)
	if statusCode == http.StatusTooManyRequests || statusCode >= 500 {
		return NewTransientError(err)
	}
	return err
}
