package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/lawyerfactory/lawyerfactory/agent"
	"github.com/lawyerfactory/lawyerfactory/compile"
	"github.com/lawyerfactory/lawyerfactory/config"
	"github.com/lawyerfactory/lawyerfactory/engine"
	"github.com/lawyerfactory/lawyerfactory/llm"
	"github.com/lawyerfactory/lawyerfactory/research"
	"github.com/lawyerfactory/lawyerfactory/state"
	"github.com/lawyerfactory/lawyerfactory/workflow"
)

// App bundles the wired collaborators behind each CLI command.
type App struct {
	Config   *config.Config
	Logger   *slog.Logger
	Store    state.Store
	Engine   *engine.Engine
	Compiler *compile.Engine

	// fileStore is set only for the file backend; the watch command
	// needs it.
	fileStore *state.FileStore
	closers   []func()
}

// newApp loads configuration and wires the store, engine, and compiler.
func newApp(configPath, logLevel string) (*App, error) {
	logger := setupLogger(logLevel)

	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFromFile(configPath)
		if err != nil {
			return nil, err
		}
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
	} else {
		cfg, err = config.NewLoader(logger).Load()
		if err != nil {
			return nil, err
		}
	}

	app := &App{Config: cfg, Logger: logger}

	if err := app.buildStore(cfg); err != nil {
		app.Close()
		return nil, err
	}

	researchSvc, err := buildResearch(cfg, logger)
	if err != nil {
		app.Close()
		return nil, err
	}

	agents, err := buildAgents(cfg, logger)
	if err != nil {
		app.Close()
		return nil, err
	}

	app.Engine = engine.New(app.Store, agents, researchSvc, engine.Config{
		Tick:             cfg.Engine.Tick,
		MaxResearchLoops: cfg.Engine.MaxResearchLoops,
		Retry: engine.RetryConfig{
			MaxAttempts:       cfg.Engine.MaxRetries,
			BackoffBase:       cfg.Engine.BackoffBase,
			BackoffMultiplier: cfg.Engine.BackoffMultiplier,
			BackoffCap:        cfg.Engine.BackoffCap,
		},
		Generator: engine.GeneratorConfig{
			MaxRetries:            cfg.Engine.MaxRetries,
			RequireReviewApproval: cfg.Engine.RequireReviewApproval,
		},
	}, engine.NewMetrics(prometheus.DefaultRegisterer), logger)

	app.Compiler = compile.NewEngine(compile.DefaultConfig(),
		buildExporters(cfg),
		compile.NewBundler(cfg.Export.Dir, cfg.Export.Include, cfg.Export.Exclude),
		logger)

	return app, nil
}

// Close releases backend connections.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// NewWatcher creates a session watcher. Only the file backend supports
// watching.
func (a *App) NewWatcher() (*state.SessionWatcher, error) {
	if a.fileStore == nil {
		return nil, fmt.Errorf("watch requires the file store backend")
	}
	return state.NewSessionWatcher(a.fileStore, 500*time.Millisecond, a.Logger)
}

// buildStore selects the state backend per configuration.
func (a *App) buildStore(cfg *config.Config) error {
	switch cfg.Store.Backend {
	case "file":
		fs := state.NewFileStore(cfg.Store.Root)
		a.fileStore = fs
		a.Store = fs
		return nil
	case "nats":
		nc, err := nats.Connect(cfg.Store.NATSURL)
		if err != nil {
			return fmt.Errorf("connect to NATS: %w", err)
		}
		a.closers = append(a.closers, nc.Close)

		js, err := jetstream.New(nc)
		if err != nil {
			return fmt.Errorf("init JetStream: %w", err)
		}
		kv, err := state.NewKVStore(context.Background(), js)
		if err != nil {
			return err
		}
		a.Store = kv
		return nil
	default:
		return fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

// buildResearch wires the research service. Disabled research degrades
// loops to "no new evidence" rather than failing workflows.
func buildResearch(cfg *config.Config, logger *slog.Logger) (research.Service, error) {
	if !cfg.Research.Enabled {
		return research.Unavailable(), nil
	}

	sources := make([]research.Source, len(cfg.Research.Sources))
	for i, s := range cfg.Research.Sources {
		sources[i] = research.Source{Name: s.Name, QueryTemplate: s.QueryTemplate}
	}
	client := &http.Client{Timeout: cfg.Research.Timeout}
	return research.NewWebResearcher(client, sources, cfg.Research.MaxFindings, logger)
}

// buildAgents registers one LLM-backed bot per agent type.
func buildAgents(cfg *config.Config, logger *slog.Logger) (*agent.Registry, error) {
	set := llm.NewEndpointSet()
	for _, ep := range cfg.LLM.Endpoints {
		if err := set.Add(llm.Endpoint{
			Name:      ep.Name,
			Provider:  ep.Provider,
			Model:     ep.Model,
			URL:       ep.URL,
			MaxTokens: ep.MaxTokens,
		}); err != nil {
			return nil, err
		}
	}
	for cap, chain := range cfg.LLM.Chains {
		if err := set.Bind(llm.ParseCapability(cap), chain...); err != nil {
			return nil, err
		}
	}

	client := llm.NewClient(set,
		llm.WithLogger(logger),
		llm.WithHTTPClient(&http.Client{Timeout: cfg.LLM.Timeout}))

	withLog := agent.WithAgentLogger(logger)
	registry := agent.NewRegistry()
	registry.Register(workflow.AgentIntake, agent.NewLLMAgent(client, llm.CapabilityFast,
		"You are a legal intake analyst. Extract the facts, parties, and claims from the case description. Answer in structured markdown.", withLog))
	registry.Register(workflow.AgentOutline, agent.NewAnalysisAgent(client,
		"You are a litigation strategist. Build the requested facts or claims analysis for the case.", withLog))
	registry.Register(workflow.AgentResearch, agent.NewAnalysisAgent(client,
		"You are a legal research assistant. Identify the controlling authorities for the questions presented.", withLog))
	registry.Register(workflow.AgentDrafting, agent.NewDraftingAgent(client, withLog))
	registry.Register(workflow.AgentLegalReview, agent.NewAnalysisAgent(client,
		"You are a senior litigator reviewing a draft filing for legal sufficiency. Flag unsupported claims and missing authorities.", withLog))
	registry.Register(workflow.AgentEditor, agent.NewAnalysisAgent(client,
		"You are a legal copy editor. Apply the requested citation and style corrections.", withLog))
	registry.Register(workflow.AgentOrchestrator, agent.NewAnalysisAgent(client,
		"You are the case orchestrator. Reconcile the drafted documents into a consistent record.", withLog))
	registry.Register(workflow.AgentPostProduction, agent.NewLLMAgent(client, llm.CapabilityFast,
		"You are a filing clerk. Verify the packet checklist and note anything missing.", withLog))
	return registry, nil
}

// buildExporters maps configured format names to exporters.
func buildExporters(cfg *config.Config) []compile.Exporter {
	var exporters []compile.Exporter
	for _, format := range cfg.Export.Formats {
		switch format {
		case "markdown":
			exporters = append(exporters, compile.NewMarkdownExporter(cfg.Export.Dir))
		case "json":
			exporters = append(exporters, compile.NewJSONExporter(cfg.Export.Dir))
		}
	}
	return exporters
}

// setupLogger configures the process-wide logger.
func setupLogger(logLevel string) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}
