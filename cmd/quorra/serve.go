package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/quorra-ai/quorra/bus"
	"github.com/quorra-ai/quorra/config"
	"github.com/quorra-ai/quorra/contextstore"
	"github.com/quorra-ai/quorra/core"
	"github.com/quorra-ai/quorra/gateway"
	"github.com/quorra-ai/quorra/llm"
	"github.com/quorra-ai/quorra/orchestration"
	"github.com/quorra-ai/quorra/research"
	"github.com/quorra-ai/quorra/retriever"
	"github.com/quorra-ai/quorra/server"
	"github.com/quorra-ai/quorra/telemetry"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestration service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	return cmd
}

func runServe(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := telemetry.NewLogger(cfg.Telemetry.ServiceName)
	logger.SetLevel(cfg.Telemetry.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Telemetry.TracingEnabled {
		tp, err := telemetry.NewTracerProvider(cfg.Telemetry.ServiceName)
		if err != nil {
			return fmt.Errorf("init tracing: %w", err)
		}
		defer func() { _ = tp.Shutdown(context.Background()) }()
	}

	var backing core.Memory = core.NewMemoryStore()
	if cfg.Redis.Enabled {
		store, err := core.NewRedisStore(core.RedisStoreOptions{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			Namespace: "quorra",
			Logger:    logger.WithComponent("redis"),
		})
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer store.Close()
		backing = store
	}

	contexts := contextstore.New(
		contextstore.WithBacking(backing),
		contextstore.WithMaxHistory(cfg.Orchestrator.MaxHistory),
		contextstore.WithLogger(logger.WithComponent("contextstore")),
	)

	var llmClient llm.Client
	if clients := buildLLMClients(cfg, logger); len(clients) == 1 {
		llmClient = clients[0]
	} else if len(clients) > 1 {
		llmClient = llm.NewChainClient(logger.WithComponent("llm"), clients...)
	} else {
		logger.Warn("No LLM providers configured, answers degrade to retrieval digests", map[string]interface{}{
			"operation": "startup",
		})
	}

	retr, err := buildRetriever(cfg, logger)
	if err != nil {
		return err
	}

	gw := gateway.New(
		gateway.WithBreakerConfig(gateway.BreakerConfig{
			FailureThreshold: cfg.Gateway.FailureThreshold,
			RecoveryTimeout:  cfg.Gateway.RecoveryTimeout,
		}),
		gateway.WithHealthInterval(cfg.Gateway.HealthInterval),
		gateway.WithLogger(logger.WithComponent("gateway")),
	)
	defer gw.Stop(context.Background())

	if err := gw.Register(ctx, gateway.NewKnowledgeService(retr, llmClient, logger.WithComponent("knowledge"))); err != nil {
		return fmt.Errorf("register knowledge service: %w", err)
	}
	if err := gw.Register(ctx, gateway.EchoService{}); err != nil {
		return fmt.Errorf("register echo service: %w", err)
	}
	gw.StartHealthProbe(ctx)

	taskStore := research.TaskStore(research.NewMemoryTaskStore())
	if cfg.Redis.Enabled {
		taskStore = research.NewRedisTaskStore(backing, cfg.Research.TaskTTL)
	}
	workflow := research.New(retr, llmClient,
		research.WithStore(taskStore),
		research.WithRunTimeout(cfg.Research.RunTimeout),
		research.WithLogger(logger.WithComponent("research")),
	)

	eventBus := bus.New(bus.WithLogger(logger.WithComponent("bus")))

	orch := orchestration.NewOrchestrator(gw, llmClient, contexts, eventBus,
		orchestration.WithConfig(orchestration.Config{
			PoolSize:       cfg.Orchestrator.PoolSize,
			MaxRestarts:    cfg.Orchestrator.MaxRestarts,
			RequestTimeout: cfg.Orchestrator.RequestTimeout,
			MaxHistory:     cfg.Orchestrator.MaxHistory,
		}),
		orchestration.WithResearch(workflow),
		orchestration.WithLogger(logger.WithComponent("orchestration")),
	)
	orch.Start(ctx)
	defer orch.Stop()

	srv := server.New(orch, workflow, gw, server.WithLogger(logger.WithComponent("server")))
	return srv.Run(ctx, cfg.Server.Addr)
}

func buildLLMClients(cfg *config.Config, logger *telemetry.Logger) []llm.Client {
	clients := make([]llm.Client, 0, len(cfg.LLM.Providers))
	for _, provider := range cfg.LLM.Providers {
		clients = append(clients, llm.NewOpenAIClient(llm.OpenAIConfig{
			BaseURL: provider.BaseURL,
			APIKey:  provider.APIKey,
			Model:   provider.Model,
			Timeout: provider.Timeout,
		}, logger.WithComponent("llm")))
	}
	return clients
}

func buildRetriever(cfg *config.Config, logger *telemetry.Logger) (*retriever.Retriever, error) {
	embedding := cfg.Retriever.Embedding
	if embedding.BaseURL == "" && len(cfg.LLM.Providers) > 0 {
		embedding.BaseURL = cfg.LLM.Providers[0].BaseURL
		embedding.APIKey = cfg.LLM.Providers[0].APIKey
	}
	embedder := retriever.NewOpenAIEmbedder(retriever.EmbedderConfig{
		BaseURL: embedding.BaseURL,
		APIKey:  embedding.APIKey,
		Model:   embedding.Model,
		Timeout: embedding.Timeout,
	})

	store, err := retriever.NewChromemStore(retriever.ChromemConfig{
		PersistPath: cfg.Retriever.PersistPath,
		Collection:  cfg.Retriever.Collection,
	}, embedder, logger.WithComponent("vectorstore"))
	if err != nil {
		return nil, fmt.Errorf("open vector store: %w", err)
	}

	return retriever.New(store,
		retriever.WithConfig(retriever.Config{
			TopK:      cfg.Retriever.TopK,
			UseHybrid: cfg.Retriever.UseHybrid,
			UseRerank: cfg.Retriever.UseRerank,
		}),
		retriever.WithLogger(logger.WithComponent("retriever")),
	), nil
}
