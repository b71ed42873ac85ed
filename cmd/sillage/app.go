package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/sillage/internal/agent"
	"github.com/nugget/sillage/internal/api"
	"github.com/nugget/sillage/internal/checkpoint"
	"github.com/nugget/sillage/internal/config"
	"github.com/nugget/sillage/internal/connwatch"
	"github.com/nugget/sillage/internal/database"
	"github.com/nugget/sillage/internal/documents"
	"github.com/nugget/sillage/internal/embeddings"
	"github.com/nugget/sillage/internal/events"
	"github.com/nugget/sillage/internal/expert"
	"github.com/nugget/sillage/internal/llm"
	"github.com/nugget/sillage/internal/prompts"
	"github.com/nugget/sillage/internal/recommend"
	"github.com/nugget/sillage/internal/records"
	"github.com/nugget/sillage/internal/tools"
	"github.com/nugget/sillage/internal/usage"
)

// app is the wired application shared by serve, ask and ingest.
type app struct {
	db          *sql.DB
	llm         *llm.MultiClient
	docs        *documents.Store
	records     *records.Store
	checkpoints *checkpoint.Store
	usage       *usage.Store
	bus         *events.Bus
	loop        *agent.Loop
	logger      *slog.Logger

	// probes are the dependencies watched while serving.
	probes map[string]connwatch.ProbeFunc
	health *connwatch.Manager
}

// newApp opens the database and builds every component described by cfg.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	db, err := database.Open(ctx, cfg.Database.Driver, cfg.Database.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Left as a nil interface when disabled so the store falls back to
	// keyword search.
	var embedder documents.Embedder
	if cfg.Embeddings.Enabled {
		embedder = embeddings.New(embeddings.Config{
			BaseURL: cfg.Embeddings.BaseURL,
			Model:   cfg.Embeddings.Model,
		})
		logger.Info("semantic document search enabled", "model", cfg.Embeddings.Model)
	}

	multi, providers := createLLMClient(cfg, logger)
	a := &app{
		db:          db,
		llm:         multi,
		docs:        documents.NewStore(db, embedder, logger),
		records:     records.NewStore(db, logger),
		checkpoints: checkpoint.NewStore(db, cfg.Database.KeepCheckpoints, logger),
		usage:       usage.NewStore(db, cfg.Pricing, multi.ProviderFor, logger),
		bus:         events.New(events.DefaultHistory),
		logger:      logger,
		probes: map[string]connwatch.ProbeFunc{
			"database": db.PingContext,
		},
	}
	for name, c := range providers {
		a.probes["llm:"+name] = c.Ping
	}

	registry, err := a.createRegistry(cfg)
	if err != nil {
		db.Close()
		return nil, err
	}

	a.loop = agent.NewLoop(agent.Options{
		LLM:                a.llm,
		Registry:           registry,
		Invoker:            tools.NewInvoker(registry, cfg.Tools.Timeout, logger),
		Checkpoints:        a.checkpoints,
		Retriever:          &agent.Retriever{Docs: a.docs, Logger: logger},
		Events:             a.bus,
		Usage:              a.usage,
		Logger:             logger,
		Instructions:       prompts.ConciergeInstructions,
		DefaultModel:       cfg.Models.Default,
		MaxToolRounds:      cfg.Agent.MaxToolRounds,
		PerThreadRetrieval: cfg.Agent.Retrieval == config.RetrievalPerThread,
		InlineHistory:      cfg.Agent.InlineHistory,
	})
	return a, nil
}

// server builds the HTTP API over the app's components.
func (a *app) server(cfg *config.Config) *api.Server {
	models := make([]string, 0, len(cfg.Models.Available))
	for _, m := range cfg.Models.Available {
		models = append(models, m.Name)
	}
	opts := api.Options{
		Address: cfg.ListenAddr(),
		Agents: []api.Agent{{
			Name:        cfg.Agent.Name,
			Description: cfg.Agent.Description,
			Runner:      a.loop,
		}},
		History:      a.checkpoints,
		Checkpoints:  a.checkpoints,
		Documents:    a.docs,
		Records:      a.records,
		Titler:       &records.Titler{LLM: a.llm, Model: cfg.Models.Default, Logger: a.logger},
		Events:       a.bus,
		Usage:        a.usage,
		Models:       models,
		DefaultModel: cfg.Models.Default,
		JWTSecret:    cfg.Auth.JWTSecret,
		Logger:       a.logger,
	}
	if a.health != nil {
		opts.Health = a.health
	}
	return api.NewServer(opts)
}

// watch starts probing every dependency until ctx ends. Transitions
// are published on the event bus.
func (a *app) watch(ctx context.Context, interval time.Duration) {
	a.health = connwatch.NewManager(a.logger)
	for name, probe := range a.probes {
		a.health.Watch(ctx, connwatch.Config{
			Name:    name,
			Probe:   probe,
			Backoff: connwatch.Backoff{PollInterval: interval},
			OnReady: func() {
				a.bus.Emit(events.SourceHealth, events.KindServiceReady, map[string]any{"service": name})
			},
			OnDown: func(err error) {
				a.bus.Emit(events.SourceHealth, events.KindServiceDown, map[string]any{"service": name, "error": err.Error()})
			},
		})
	}
}

func (a *app) Close() error {
	if a.health != nil {
		a.health.Stop()
	}
	return a.db.Close()
}

// createLLMClient builds the multi-provider client. Ollama is always
// registered; hosted providers are added when configured. Models route
// to their configured provider and unknown models go to the provider of
// the default model. The configured providers are returned by name.
func createLLMClient(cfg *config.Config, logger *slog.Logger) (*llm.MultiClient, map[string]llm.Client) {
	providers := map[string]llm.Client{
		"ollama": llm.NewOllamaClient(cfg.Ollama.URL, logger),
	}
	if cfg.Anthropic.APIKey != "" {
		providers["anthropic"] = llm.NewAnthropicClient(cfg.Anthropic.APIKey, logger)
	}
	if cfg.OpenAI.APIKey != "" || cfg.OpenAI.BaseURL != "" {
		providers["openai"] = llm.NewOpenAIClient(cfg.OpenAI.BaseURL, cfg.OpenAI.APIKey, cfg.OpenAI.Temperature, logger)
	}

	fallback := providers["ollama"]
	for _, m := range cfg.Models.Available {
		if m.Name == cfg.Models.Default {
			if c, ok := providers[m.Provider]; ok {
				fallback = c
			}
		}
	}

	multi := llm.NewMultiClient(fallback)
	for name, c := range providers {
		multi.AddProvider(name, c)
	}
	for _, m := range cfg.Models.Available {
		if _, ok := providers[m.Provider]; !ok {
			logger.Warn("model provider not configured, using default", "model", m.Name, "provider", m.Provider)
			continue
		}
		multi.AddModel(m.Name, m.Provider)
	}
	return multi, providers
}

// createRegistry assembles the concierge's tools.
func (a *app) createRegistry(cfg *config.Config) (*tools.Registry, error) {
	logger := a.logger
	list := []*tools.Tool{expert.Tool(a.llm, cfg.Expert.Model, logger)}
	if cfg.Recommend.BaseURL != "" {
		svc := recommend.NewClient(cfg.Recommend.BaseURL, cfg.Recommend.Timeout, logger)
		list = append(list, recommend.Tool(svc, cfg.Recommend.ItemURL, logger))
		a.probes["recommend"] = svc.Ping
	} else {
		logger.Warn("recommend.base_url not set, recommendation tool disabled")
	}

	registry, err := tools.NewRegistry(list...)
	if err != nil {
		return nil, fmt.Errorf("register tools: %w", err)
	}
	logger.Info("tools registered", "tools", registry.Names())
	return registry, nil
}

// askRequest builds a CLI turn.
func askRequest(threadID, userID, message string) agent.Request {
	return agent.Request{ThreadID: threadID, UserID: userID, Message: message}
}
