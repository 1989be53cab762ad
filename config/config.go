// Package config provides configuration loading and management for
// LawyerFactory.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete LawyerFactory configuration.
type Config struct {
	Engine   EngineConfig   `yaml:"engine"`
	Store    StoreConfig    `yaml:"store"`
	Research ResearchConfig `yaml:"research"`
	Export   ExportConfig   `yaml:"export"`
	LLM      LLMConfig      `yaml:"llm"`
}

// EngineConfig tunes the workflow engine.
type EngineConfig struct {
	// Tick is the idle poll interval of the run loop.
	Tick time.Duration `yaml:"tick"`
	// MaxResearchLoops caps research-loop entries per workflow.
	MaxResearchLoops int `yaml:"max_research_loops"`
	// MaxRetries is the default task retry budget.
	MaxRetries int `yaml:"max_retries"`
	// BackoffBase is the initial retry backoff.
	BackoffBase time.Duration `yaml:"backoff_base"`
	// BackoffMultiplier is applied to the backoff on each retry.
	BackoffMultiplier float64 `yaml:"backoff_multiplier"`
	// BackoffCap limits the retry backoff.
	BackoffCap time.Duration `yaml:"backoff_cap"`
	// RequireReviewApproval gates legal-review tasks on a human decision.
	RequireReviewApproval bool `yaml:"require_review_approval"`
}

// StoreConfig selects and configures the state store backend.
type StoreConfig struct {
	// Backend is "file" or "nats".
	Backend string `yaml:"backend"`
	// Root is the file-store root directory.
	Root string `yaml:"root"`
	// NATSURL is the NATS server URL for the KV backend.
	NATSURL string `yaml:"nats_url"`
}

// ResearchSource is one queryable web source.
type ResearchSource struct {
	// Name identifies the source in findings and logs.
	Name string `yaml:"name"`
	// QueryTemplate is an HTTPS URL with one %s for the question.
	QueryTemplate string `yaml:"query_template"`
}

// ResearchConfig configures the web research service.
type ResearchConfig struct {
	// Enabled turns web research on. Off, research loops degrade
	// gracefully with no evidence gathered.
	Enabled bool `yaml:"enabled"`
	// Sources are queried in order.
	Sources []ResearchSource `yaml:"sources"`
	// MaxFindings caps findings per question.
	MaxFindings int `yaml:"max_findings"`
	// Timeout bounds each source fetch.
	Timeout time.Duration `yaml:"timeout"`
}

// ExportConfig configures deliverable export and bundling.
type ExportConfig struct {
	// Dir is where exported files and the filing archive are written.
	Dir string `yaml:"dir"`
	// Formats lists the export formats ("markdown", "json").
	Formats []string `yaml:"formats"`
	// Include selects files for the archive (doublestar globs).
	Include []string `yaml:"include"`
	// Exclude removes files from the archive (doublestar globs).
	Exclude []string `yaml:"exclude"`
}

// LLMEndpoint describes one model endpoint.
type LLMEndpoint struct {
	Name      string `yaml:"name"`
	Provider  string `yaml:"provider"`
	Model     string `yaml:"model"`
	URL       string `yaml:"url"`
	MaxTokens int    `yaml:"max_tokens"`
}

// LLMConfig configures the completion client.
type LLMConfig struct {
	// Endpoints are the reachable models.
	Endpoints []LLMEndpoint `yaml:"endpoints"`
	// Chains maps a capability ("drafting", "analysis", "fast") to an
	// ordered fallback chain of endpoint names.
	Chains map[string][]string `yaml:"chains"`
	// Timeout is the per-request HTTP timeout.
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Engine: EngineConfig{
			Tick:                  500 * time.Millisecond,
			MaxResearchLoops:      3,
			MaxRetries:            3,
			BackoffBase:           2 * time.Second,
			BackoffMultiplier:     2.0,
			BackoffCap:            30 * time.Second,
			RequireReviewApproval: false,
		},
		Store: StoreConfig{
			Backend: "file",
			Root:    ".lawyerfactory",
		},
		Research: ResearchConfig{
			Enabled:     false,
			MaxFindings: 5,
			Timeout:     30 * time.Second,
		},
		Export: ExportConfig{
			Dir:     "out",
			Formats: []string{"markdown", "json"},
			Include: nil, // bundle everything
		},
		LLM: LLMConfig{
			Endpoints: []LLMEndpoint{
				{Name: "local", Provider: "ollama", Model: "qwen2.5:32b"},
			},
			Chains: map[string][]string{
				"drafting": {"local"},
				"analysis": {"local"},
				"fast":     {"local"},
			},
			Timeout: 3 * time.Minute,
		},
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "file":
		if c.Store.Root == "" {
			return fmt.Errorf("store.root is required for the file backend")
		}
	case "nats":
		if c.Store.NATSURL == "" {
			return fmt.Errorf("store.nats_url is required for the nats backend")
		}
	default:
		return fmt.Errorf("store.backend must be \"file\" or \"nats\", got %q", c.Store.Backend)
	}

	if c.Engine.MaxResearchLoops < 0 {
		return fmt.Errorf("engine.max_research_loops must not be negative")
	}
	if c.Engine.MaxRetries < 1 {
		return fmt.Errorf("engine.max_retries must be at least 1")
	}
	if c.Engine.BackoffMultiplier < 1 {
		return fmt.Errorf("engine.backoff_multiplier must be at least 1")
	}

	names := make(map[string]bool, len(c.LLM.Endpoints))
	for _, ep := range c.LLM.Endpoints {
		if ep.Name == "" || ep.Provider == "" || ep.Model == "" {
			return fmt.Errorf("llm.endpoints entries need name, provider, and model")
		}
		if names[ep.Name] {
			return fmt.Errorf("llm.endpoints: duplicate name %q", ep.Name)
		}
		names[ep.Name] = true
	}
	for cap, chain := range c.LLM.Chains {
		for _, name := range chain {
			if !names[name] {
				return fmt.Errorf("llm.chains.%s references unknown endpoint %q", cap, name)
			}
		}
	}

	for _, src := range c.Research.Sources {
		if src.Name == "" || src.QueryTemplate == "" {
			return fmt.Errorf("research.sources entries need name and query_template")
		}
	}

	return nil
}

// LoadFromFile loads configuration from a YAML file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file.
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for
// non-zero values).
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	// Engine
	if other.Engine.Tick != 0 {
		c.Engine.Tick = other.Engine.Tick
	}
	if other.Engine.MaxResearchLoops != 0 {
		c.Engine.MaxResearchLoops = other.Engine.MaxResearchLoops
	}
	if other.Engine.MaxRetries != 0 {
		c.Engine.MaxRetries = other.Engine.MaxRetries
	}
	if other.Engine.BackoffBase != 0 {
		c.Engine.BackoffBase = other.Engine.BackoffBase
	}
	if other.Engine.BackoffMultiplier != 0 {
		c.Engine.BackoffMultiplier = other.Engine.BackoffMultiplier
	}
	if other.Engine.BackoffCap != 0 {
		c.Engine.BackoffCap = other.Engine.BackoffCap
	}
	if other.Engine.RequireReviewApproval {
		c.Engine.RequireReviewApproval = true
	}

	// Store
	if other.Store.Backend != "" {
		c.Store.Backend = other.Store.Backend
	}
	if other.Store.Root != "" {
		c.Store.Root = other.Store.Root
	}
	if other.Store.NATSURL != "" {
		c.Store.NATSURL = other.Store.NATSURL
		c.Store.Backend = "nats"
	}

	// Research
	if other.Research.Enabled {
		c.Research.Enabled = true
	}
	if len(other.Research.Sources) > 0 {
		c.Research.Sources = other.Research.Sources
	}
	if other.Research.MaxFindings != 0 {
		c.Research.MaxFindings = other.Research.MaxFindings
	}
	if other.Research.Timeout != 0 {
		c.Research.Timeout = other.Research.Timeout
	}

	// Export
	if other.Export.Dir != "" {
		c.Export.Dir = other.Export.Dir
	}
	if len(other.Export.Formats) > 0 {
		c.Export.Formats = other.Export.Formats
	}
	if len(other.Export.Include) > 0 {
		c.Export.Include = other.Export.Include
	}
	if len(other.Export.Exclude) > 0 {
		c.Export.Exclude = other.Export.Exclude
	}

	// LLM
	if len(other.LLM.Endpoints) > 0 {
		c.LLM.Endpoints = other.LLM.Endpoints
	}
	if len(other.LLM.Chains) > 0 {
		c.LLM.Chains = other.LLM.Chains
	}
	if other.LLM.Timeout != 0 {
		c.LLM.Timeout = other.LLM.Timeout
	}
}
