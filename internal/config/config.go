// Package config loads the service configuration from a JSON or YAML file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Yi-XIE/PBL.AI/internal/domain"
)

// Generation providers.
const (
	ProviderChat    = "chat"
	ProviderOffline = "offline"
)

// GenerationConfig selects and tunes the candidate generation backend.
type GenerationConfig struct {
	Provider            string  `json:"provider" yaml:"provider"`
	BaseURL             string  `json:"base_url" yaml:"base_url"`
	Model               string  `json:"model" yaml:"model"`
	APIKeyEnv           string  `json:"api_key_env" yaml:"api_key_env"`
	TimeoutSec          int     `json:"timeout_sec" yaml:"timeout_sec"`
	NoRetry             bool    `json:"no_retry" yaml:"no_retry"`
	RetryBackoffMS      int     `json:"retry_backoff_ms" yaml:"retry_backoff_ms"`
	Temperature         float64 `json:"temperature" yaml:"temperature"`
	MaxTokens           int     `json:"max_tokens" yaml:"max_tokens"`
	OptionCount         int     `json:"option_count" yaml:"option_count"`
	SimilarityThreshold float64 `json:"similarity_threshold" yaml:"similarity_threshold"`
}

// Timeout returns the per-call generation timeout.
func (g GenerationConfig) Timeout() time.Duration {
	return time.Duration(g.TimeoutSec) * time.Second
}

// RetryBackoff returns the pause before the single retry.
func (g GenerationConfig) RetryBackoff() time.Duration {
	return time.Duration(g.RetryBackoffMS) * time.Millisecond
}

// Attempts returns the total number of backend calls allowed per round.
func (g GenerationConfig) Attempts() int {
	if g.NoRetry {
		return 1
	}
	return 2
}

// APIKey reads the key from the configured environment variable.
func (g GenerationConfig) APIKey() string {
	if g.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(g.APIKeyEnv)
}

// TaskDefaults pre-fill the creation settings of new tasks. Pointer
// fields distinguish an explicit false from an unset key.
type TaskDefaults struct {
	GradeLevel      string `json:"grade_level" yaml:"grade_level"`
	DurationMinutes int    `json:"duration_minutes" yaml:"duration_minutes"`
	HITLEnabled     *bool  `json:"hitl_enabled" yaml:"hitl_enabled"`
	CascadeEnabled  *bool  `json:"cascade_enabled" yaml:"cascade_enabled"`
	MultiCandidate  *bool  `json:"multi_candidate" yaml:"multi_candidate"`
	AutoAdvance     *bool  `json:"auto_advance" yaml:"auto_advance"`
}

// Config holds the service's runtime configuration.
type Config struct {
	DBPath             string           `json:"db_path" yaml:"db_path"`
	ListenAddr         string           `json:"listen_addr" yaml:"listen_addr"`
	Generation         GenerationConfig `json:"generation" yaml:"generation"`
	MaxRegenerations   int              `json:"max_regenerations" yaml:"max_regenerations"`
	RateLimitPerMinute int              `json:"rate_limit_per_minute" yaml:"rate_limit_per_minute"`
	MaxActiveTasks     int              `json:"max_active_tasks" yaml:"max_active_tasks"`
	NATSURL            string           `json:"nats_url" yaml:"nats_url"`
	NATSSubjectPrefix  string           `json:"nats_subject_prefix" yaml:"nats_subject_prefix"`
	Defaults           TaskDefaults     `json:"defaults" yaml:"defaults"`
}

// Load reads a config file, applies defaults, and validates. Files
// ending in .yaml or .yml are parsed as YAML, anything else as JSON.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config YAML: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config JSON: %w", err)
		}
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Default returns the configuration used when no file is found.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.DBPath == "" {
		c.DBPath = "pblai.db"
	}
	if c.ListenAddr == "" {
		c.ListenAddr = ":9810"
	}
	if c.MaxRegenerations == 0 {
		c.MaxRegenerations = 10
	}
	if c.RateLimitPerMinute == 0 {
		c.RateLimitPerMinute = 60
	}
	if c.NATSSubjectPrefix == "" {
		c.NATSSubjectPrefix = "pblai.tasks"
	}

	g := &c.Generation
	if g.Provider == "" {
		g.Provider = ProviderOffline
	}
	if g.TimeoutSec == 0 {
		g.TimeoutSec = 60
	}
	if g.RetryBackoffMS == 0 {
		g.RetryBackoffMS = 1000
	}
	if g.Temperature == 0 {
		g.Temperature = 0.7
	}
	if g.OptionCount == 0 {
		g.OptionCount = 3
	}
	if g.SimilarityThreshold == 0 {
		g.SimilarityThreshold = 0.85
	}

	d := &c.Defaults
	if d.DurationMinutes == 0 {
		d.DurationMinutes = 80
	}
	if d.HITLEnabled == nil {
		d.HITLEnabled = boolPtr(true)
	}
	if d.CascadeEnabled == nil {
		d.CascadeEnabled = boolPtr(true)
	}
	if d.MultiCandidate == nil {
		d.MultiCandidate = boolPtr(false)
	}
	if d.AutoAdvance == nil {
		d.AutoAdvance = boolPtr(true)
	}
}

func (c *Config) validate() error {
	var problems []string

	switch c.Generation.Provider {
	case ProviderOffline:
	case ProviderChat:
		if c.Generation.BaseURL == "" {
			problems = append(problems, "generation.base_url is required for the chat provider")
		}
		if c.Generation.Model == "" {
			problems = append(problems, "generation.model is required for the chat provider")
		}
	default:
		problems = append(problems, fmt.Sprintf("generation.provider %q must be chat or offline", c.Generation.Provider))
	}
	if c.Generation.TimeoutSec < 0 {
		problems = append(problems, "generation.timeout_sec must not be negative")
	}
	if c.Generation.RetryBackoffMS < 0 {
		problems = append(problems, "generation.retry_backoff_ms must not be negative")
	}
	if c.Generation.OptionCount < 1 || c.Generation.OptionCount > 6 {
		problems = append(problems, "generation.option_count must be between 1 and 6")
	}
	if c.Generation.SimilarityThreshold < 0 || c.Generation.SimilarityThreshold > 1 {
		problems = append(problems, "generation.similarity_threshold must be within [0, 1]")
	}
	if c.MaxRegenerations < 0 {
		problems = append(problems, "max_regenerations must not be negative")
	}
	if c.MaxActiveTasks < 0 {
		problems = append(problems, "max_active_tasks must not be negative")
	}
	if c.Defaults.DurationMinutes < 0 {
		problems = append(problems, "defaults.duration_minutes must not be negative")
	}

	if len(problems) > 0 {
		return &domain.EngineError{
			Code:    domain.ErrConfigInvalid.Code,
			Message: fmt.Sprintf("%s: %v", domain.ErrConfigInvalid.Message, problems),
		}
	}
	return nil
}

// TaskConfig returns a task configuration pre-filled with the defaults.
// Request bodies are decoded over it.
func (c *Config) TaskConfig() domain.TaskConfig {
	d := c.Defaults
	return domain.TaskConfig{
		GradeLevel:      d.GradeLevel,
		DurationMinutes: d.DurationMinutes,
		StartFrom:       domain.StartFromTopic,
		HITLEnabled:     deref(d.HITLEnabled, true),
		CascadeEnabled:  deref(d.CascadeEnabled, true),
		MultiCandidate:  deref(d.MultiCandidate, false),
		OptionCount:     c.Generation.OptionCount,
		AutoAdvance:     deref(d.AutoAdvance, true),
	}
}

func boolPtr(b bool) *bool { return &b }

func deref(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}
