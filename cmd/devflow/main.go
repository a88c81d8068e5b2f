// Package main is the entry point for the devflow orchestrator: a webhook
// dispatcher that turns task assignments into agent-driven code changes,
// pull requests, and preview deployments.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/devflow/devflow/internal/agent"
	"github.com/devflow/devflow/internal/callback"
	"github.com/devflow/devflow/internal/common/config"
	"github.com/devflow/devflow/internal/common/httpmw"
	"github.com/devflow/devflow/internal/common/logger"
	"github.com/devflow/devflow/internal/common/tracing"
	"github.com/devflow/devflow/internal/deploy"
	"github.com/devflow/devflow/internal/events"
	"github.com/devflow/devflow/internal/llm"
	"github.com/devflow/devflow/internal/llm/providers"
	"github.com/devflow/devflow/internal/metrics"
	"github.com/devflow/devflow/internal/orchestrator"
	"github.com/devflow/devflow/internal/sandbox"
	"github.com/devflow/devflow/internal/session"
	"github.com/devflow/devflow/internal/webhook"
	"github.com/devflow/devflow/internal/workflow"
	"github.com/devflow/devflow/internal/workspace"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting devflow orchestrator...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Event bus: NATS when configured, in-memory otherwise.
	eventBus, closeBus, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer closeBus()

	// Storage.
	db, err := sqlx.Open("sqlite3", cfg.Database.Path)
	if err != nil {
		log.Fatal("Failed to open database", zap.Error(err), zap.String("path", cfg.Database.Path))
	}
	defer db.Close()

	sessionStore, err := session.NewSQLStore(db)
	if err != nil {
		log.Fatal("Failed to initialize session store", zap.Error(err))
	}
	workflowStore, err := workflow.NewSQLStore(db)
	if err != nil {
		log.Fatal("Failed to initialize workflow store", zap.Error(err))
	}
	log.Info("SQLite database initialized", zap.String("path", cfg.Database.Path))

	m := metrics.New()

	// Sessions: recover stuck state from a previous run before accepting
	// new assignments.
	sessions := session.NewManager(sessionStore, session.ManagerConfig{
		StaleAfter: time.Duration(cfg.Session.StaleAfterMinutes) * time.Minute,
		Retention:  time.Duration(cfg.Session.RetentionHours) * time.Hour,
	}, log)
	if err := sessions.Recover(ctx); err != nil {
		log.Fatal("Session recovery failed", zap.Error(err))
	}

	workflows := workflow.NewService(workflowStore, eventBus, log)

	workspaces := workspace.NewManager(workspace.Config{
		BasePath:        cfg.Workspace.BasePath,
		WorktreeEnabled: cfg.Workspace.WorktreeEnabled,
		BranchPrefix:    cfg.Workspace.BranchPrefix,
		DefaultBranch:   cfg.Workspace.DefaultBranch,
		RemoteBase:      cfg.Workspace.GitRemoteBase,
	}, log)

	deployer := deploy.NewManager(deploy.Config{
		Enabled:       cfg.Deploy.Enabled,
		Strategy:      cfg.Deploy.Strategy,
		Token:         cfg.Deploy.Token,
		Project:       cfg.Deploy.Project,
		TeamID:        cfg.Deploy.TeamID,
		PreviewDomain: cfg.Deploy.PreviewDomain,
		PollInterval:  time.Duration(cfg.Deploy.PollIntervalSeconds) * time.Second,
		Timeout:       time.Duration(cfg.Deploy.TimeoutMinutes) * time.Minute,
	}, log)

	providerSet, availability := buildProviders(cfg, log)
	if len(providerSet) == 0 {
		log.Warn("No AI providers configured; assignments will be rejected")
	}

	orch := orchestrator.New(orchestrator.Config{
		DefaultProvider:     cfg.Providers.Default,
		RequirePlanApproval: cfg.Agent.RequirePlanApproval,
		Agent: agent.Config{
			MaxIterations:  cfg.Agent.MaxIterations,
			PlanTimeout:    time.Duration(cfg.Agent.PlanTimeoutMinutes) * time.Minute,
			ExecuteTimeout: time.Duration(cfg.Agent.ExecuteTimeoutMinutes) * time.Minute,
			Retry: llm.RetryConfig{
				MaxRetries:     cfg.Agent.MaxRetries,
				InitialBackoff: time.Duration(cfg.Agent.InitialBackoffMs) * time.Millisecond,
				Multiplier:     cfg.Agent.BackoffMultiplier,
				MaxBackoff:     time.Duration(cfg.Agent.MaxBackoffMs) * time.Millisecond,
			},
			BudgetUSD: cfg.Agent.BudgetUSD,
		},
		Sandbox: sandbox.Config{
			CommandTimeout:  time.Duration(cfg.Sandbox.CommandTimeoutSeconds) * time.Second,
			MaxOutputBytes:  cfg.Sandbox.MaxOutputBytes,
			MaxGlobResults:  cfg.Sandbox.MaxGlobResults,
			TruncationLimit: cfg.Agent.ContextTruncationLimit,
			Denylist:        cfg.Sandbox.Denylist,
		},
	}, providerSet, sessions, workflows, workspaces, deployer, eventBus, m, log)

	// Callbacks: the relay forwards session lifecycle events off the bus.
	callbackClient := callback.NewClient(cfg.Callback.URL, cfg.Webhook.Secret, cfg.Callback.Timeout(), m, log)
	relay := callback.NewRelay(eventBus, callbackClient, log)
	if err := relay.Start(); err != nil {
		log.Fatal("Failed to start callback relay", zap.Error(err))
	}
	defer relay.Stop()

	// Scheduled maintenance.
	scheduler := cron.New()
	if _, err := scheduler.AddFunc(cfg.Session.CleanupSchedule, func() {
		if err := sessions.CleanupExpired(context.Background()); err != nil {
			log.Warn("Session cleanup failed", zap.Error(err))
		}
	}); err != nil {
		log.Fatal("Invalid session.cleanupSchedule", zap.Error(err))
	}
	if _, err := scheduler.AddFunc("@every 30s", func() {
		if active, err := sessions.GetActiveSessions(context.Background()); err == nil {
			m.ActiveSessions.Set(float64(len(active)))
		}
	}); err != nil {
		log.Fatal("Failed to schedule metrics refresh", zap.Error(err))
	}
	scheduler.Start()
	defer scheduler.Stop()

	// HTTP surface.
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestLogger(log, "devflow"))
	router.Use(httpmw.Tracing("devflow"))

	handler := webhook.NewHandler(webhook.HandlerConfig{
		Secret:    cfg.Webhook.Secret,
		MaxSkew:   cfg.Webhook.MaxSkew(),
		Providers: availability,
	}, orch, sessions, m, log)
	handler.Register(router)
	router.GET("/metrics", gin.WrapH(m.Handler()))

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("Webhook server listening",
			zap.String("addr", server.Addr),
			zap.Strings("providers", llm.ListProviders()))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		select {
		case sig := <-quit:
			log.Info("Shutting down devflow...", zap.String("signal", sig.String()))
		case <-gctx.Done():
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("Server error", zap.Error(err))
	}

	flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer flushCancel()
	if err := tracing.Shutdown(flushCtx); err != nil {
		log.Warn("Trace flush failed", zap.Error(err))
	}
	log.Info("devflow stopped")
}

// buildProviders constructs the configured providers and the availability
// map reported by /health.
func buildProviders(cfg *config.Config, log *logger.Logger) (map[string]llm.Provider, map[string]string) {
	set := make(map[string]llm.Provider)
	availability := map[string]string{
		"anthropic": "not configured",
		"openai":    "not configured",
	}

	if cfg.Providers.Anthropic.APIKey != "" {
		p := providers.NewAnthropic(cfg.Providers.Anthropic.APIKey, cfg.Providers.Anthropic.Model)
		llm.RegisterProvider(p)
		set[p.Name()] = p
		availability["anthropic"] = "available"
		log.Info("Provider configured",
			zap.String("provider", "anthropic"),
			zap.String("model", cfg.Providers.Anthropic.Model))
	}
	if cfg.Providers.OpenAI.APIKey != "" {
		p := providers.NewOpenAI(cfg.Providers.OpenAI.APIKey, cfg.Providers.OpenAI.Model)
		llm.RegisterProvider(p)
		set[p.Name()] = p
		availability["openai"] = "available"
		log.Info("Provider configured",
			zap.String("provider", "openai"),
			zap.String("model", cfg.Providers.OpenAI.Model))
	}

	return set, availability
}
