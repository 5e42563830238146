package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/conductor-core/conductor/internal/approval"
	"github.com/conductor-core/conductor/internal/auth"
	"github.com/conductor-core/conductor/internal/config"
	"github.com/conductor-core/conductor/internal/guidance"
	"github.com/conductor-core/conductor/internal/history"
	"github.com/conductor-core/conductor/internal/httpapi"
	"github.com/conductor-core/conductor/internal/llm"
	"github.com/conductor-core/conductor/internal/memorystore"
	_ "github.com/conductor-core/conductor/internal/metrics" // register collectors
	"github.com/conductor-core/conductor/internal/policy"
	"github.com/conductor-core/conductor/internal/ptysession"
	"github.com/conductor-core/conductor/internal/taskstore"
	"github.com/conductor-core/conductor/internal/tools"
	"github.com/conductor-core/conductor/internal/tracing"
	"github.com/conductor-core/conductor/internal/workflow"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	if err := tracing.Initialize(cfg.Observability.Tracing, logger); err != nil {
		logger.Warn("Tracing initialization failed", zap.Error(err))
	}

	// Metrics endpoint comes up early so scrapers see the process even
	// while stores are still connecting.
	if cfg.Observability.Metrics.Enabled {
		go func() {
			addr := fmt.Sprintf(":%d", cfg.Observability.Metrics.Port)
			metricsMux := http.NewServeMux()
			metricsMux.Handle("/metrics", promhttp.Handler())
			logger.Info("Metrics endpoint listening", zap.String("addr", addr))
			if err := http.ListenAndServe(addr, metricsMux); err != nil {
				logger.Error("Metrics endpoint failed", zap.Error(err))
			}
		}()
	}

	taskStore, err := taskstore.NewStore(cfg.Redis.Addr, cfg.Redis.Password, logger)
	if err != nil {
		logger.Fatal("Failed to connect task store", zap.Error(err))
	}
	defer taskStore.Close()

	memStore, err := memorystore.NewStore(cfg.Redis.Addr, cfg.Redis.Password, logger)
	if err != nil {
		logger.Fatal("Failed to connect memory store", zap.Error(err))
	}
	defer memStore.Close()

	var audit *history.Store
	if cfg.History.Enabled {
		audit, err = history.NewStore(cfg.History.Path, logger)
		if err != nil {
			logger.Fatal("Failed to open history database", zap.Error(err))
		}
		defer audit.Close()
	}

	policyEngine, err := policy.NewOPAEngine(&cfg.Policy, logger)
	if err != nil {
		logger.Fatal("Failed to initialize policy engine", zap.Error(err))
	}
	if cfg.Policy.Enabled && cfg.Policy.Path != "" {
		watcher, err := config.NewPolicyWatcher(cfg.Policy.Path, policyEngine, logger)
		if err != nil {
			logger.Warn("Policy hot-reload unavailable", zap.Error(err))
		} else {
			defer watcher.Close()
		}
	}

	guard := auth.NewGuard(policyEngine, logger)
	broker := approval.NewBroker(logger)
	sessions := ptysession.NewManager(cfg.Session.Shell, logger)
	defer sessions.CloseAll()

	registry := tools.NewRegistry()
	for _, reg := range []tools.Registration{
		tools.NewTaskListTool(taskStore),
		tools.NewMemoryTool(memStore),
		tools.NewTerminalTool(sessions),
		tools.NewApprovalTool(broker, guard),
		tools.NewIterationsTool(),
	} {
		if err := registry.Register(reg); err != nil {
			logger.Fatal("Tool registration failed", zap.String("tool", reg.Name), zap.Error(err))
		}
	}

	dispatcher := tools.NewDispatcher(registry, guard, logger)
	guide := guidance.NewEngine(logger)

	providerCfg := cfg.Provider
	if providerCfg.APIKey == "" {
		providerCfg.APIKey = os.Getenv("PROVIDER_API_KEY")
	}
	provider := llm.NewHTTPProvider(providerCfg, logger)

	controller := workflow.NewController(provider, registry, dispatcher, taskStore, guide, audit, logger)
	teardown := &workflow.Teardown{
		Broker:   broker,
		Sessions: sessions,
		Guard:    guard,
		Guide:    guide,
		Tasks:    taskStore,
		Logger:   logger,
	}

	mux := http.NewServeMux()
	httpapi.NewApprovalHandler(broker, logger).RegisterRoutes(mux)
	httpapi.NewTeardownHandler(teardown, logger).RegisterRoutes(mux)
	httpapi.NewRunHandler(controller, workflow.RunInput{Budget: cfg.Budget}, logger).RegisterRoutes(mux)

	server := &http.Server{
		Addr:    cfg.API.Addr,
		Handler: mux,
		// No write timeout: workflow runs and approval waits can hold a
		// response open indefinitely.
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("API listening",
			zap.String("addr", cfg.API.Addr),
			zap.Strings("tools", registry.Names()),
			zap.Bool("policy_enabled", policyEngine.IsEnabled()),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("API server failed", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("Shutting down", zap.String("signal", sig.String()))
	_ = server.Close()
}
