// Command wardend is the governed agent execution runtime daemon.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/wardenhq/warden/internal/arbiter"
	"github.com/wardenhq/warden/internal/audit"
	"github.com/wardenhq/warden/internal/backoff"
	"github.com/wardenhq/warden/internal/budget"
	"github.com/wardenhq/warden/internal/config"
	"github.com/wardenhq/warden/internal/controlplane"
	"github.com/wardenhq/warden/internal/cron"
	"github.com/wardenhq/warden/internal/observability"
	"github.com/wardenhq/warden/internal/ops"
	"github.com/wardenhq/warden/internal/orchestrator"
	"github.com/wardenhq/warden/internal/provider"
	"github.com/wardenhq/warden/internal/redact"
	"github.com/wardenhq/warden/internal/server"
	"github.com/wardenhq/warden/internal/skills"
	"github.com/wardenhq/warden/internal/store"
	"github.com/wardenhq/warden/internal/tenancy"
	"github.com/wardenhq/warden/internal/trace"
	"github.com/wardenhq/warden/internal/usage"
	"github.com/wardenhq/warden/internal/webhook"
	"github.com/wardenhq/warden/internal/workspace"
)

// retentionSchedule enforces retention nightly at 03:00.
const retentionSchedule = "0 3 * * *"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "wardend:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.FromEnv()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	auditLog := audit.NewLog(st.DB(), logger)
	traces := trace.NewStore(st.DB())
	retention := trace.NewRetention(st.DB(), traces, logger)
	budgets := budget.NewManager(st.DB(), auditLog, logger)
	registry := skills.NewRegistry(st.DB(), auditLog, logger)
	tokens := tenancy.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.TokenExpiry)

	loader := workspace.NewLoader(cfg.Workspace.Path, cfg.Workspace.FileCharLimit)
	composer := workspace.NewComposer(loader)
	envs := workspace.NewEnvironments(st, auditLog)
	versions := workspace.NewVersions(st.DB(), loader, auditLog)

	if !workspace.BootComplete(loader.Root()) {
		result, err := workspace.EnsureWorkspaceFiles(loader.Root(), workspace.DefaultBootstrapFiles(), false)
		if err != nil {
			return fmt.Errorf("bootstrap workspace: %w", err)
		}
		if err := workspace.MarkBootComplete(loader.Root()); err != nil {
			return fmt.Errorf("mark boot complete: %w", err)
		}
		logger.Info("workspace bootstrapped",
			"created", len(result.Created), "skipped", len(result.Skipped))
	}

	providers := provider.NewService(cfg.LLM.DefaultProvider, cfg.Retry.Attempts, backoff.Policy{
		BaseMs:   float64(cfg.Retry.BaseMs),
		MaxMs:    float64(cfg.Retry.MaxMs),
		JitterMs: float64(cfg.Retry.JitterMs),
	}, logger)
	if cfg.LLM.AnthropicAPIKey != "" {
		providers.Register(provider.NewAnthropicBackend(cfg.LLM.AnthropicAPIKey))
	}
	if cfg.LLM.OpenAIAPIKey != "" {
		providers.Register(provider.NewOpenAIBackend(cfg.LLM.OpenAIAPIKey))
	}

	cp := controlplane.New(cfg.Server.ControlPlaneURL, tokens, logger)
	arb := arbiter.New(cp, auditLog, cfg.Tools.SandboxRoots, cfg.Tools.ProxyTimeout, logger)
	metrics := observability.NewMetrics()
	tracker := usage.NewTracker(24*time.Hour, 10000)

	orch := orchestrator.New(orchestrator.Deps{
		Config:    cfg,
		Budgets:   budgets,
		Loader:    loader,
		Composer:  composer,
		Envs:      envs,
		Registry:  registry,
		Gating:    skills.NewGatingContext(),
		Redactor:  redact.New(cfg.Auth.JWTSecret),
		Traces:    traces,
		Retention: retention,
		Providers: providers,
		Arbiter:   arb,
		CP:        cp,
		Hooks:     webhook.NewEmitter(logger),
		Audit:     auditLog,
		Metrics:   metrics,
		Tracker:   tracker,
		Logger:    logger,
	})

	srv := server.New(server.Deps{
		Config:      cfg,
		Orch:        orch,
		Traces:      traces,
		Annotations: trace.NewAnnotations(st.DB()),
		Retention:   retention,
		Budgets:     budgets,
		Registry:    registry,
		TestRunner:  skills.NewTestRunner(st.DB(), auditLog, logger),
		Audit:       auditLog,
		Envs:        envs,
		Versions:    versions,
		Loader:      loader,
		Composer:    composer,
		Providers:   providers,
		Tokens:      tokens,
		OIDC:        tenancy.NewOIDCValidator(cfg.Ops),
		Ops:         ops.NewService(traces, retention, budgets, registry, auditLog, envs, logger),
		CP:          cp,
		Tracker:     tracker,
		Store:       st,
		Logger:      logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	watcher, err := workspace.NewWatcher(loader, logger)
	if err != nil {
		return fmt.Errorf("start workspace watcher: %w", err)
	}
	go watcher.Run(ctx)
	defer watcher.Close()

	sched := cron.NewScheduler(logger)
	if err := sched.Add(retentionSchedule, "retention-enforce", func(ctx context.Context) error {
		stats, err := retention.Enforce(ctx)
		if err != nil {
			return err
		}
		if stats.TracesDeleted > 0 {
			logger.Info("retention pass removed traces",
				"tenants", stats.TenantsChecked, "deleted", stats.TracesDeleted)
		}
		return nil
	}); err != nil {
		return fmt.Errorf("schedule retention: %w", err)
	}
	sched.Start()
	defer sched.Stop()

	auditLog.MustRecord(ctx, audit.Entry{
		TenantID: "default",
		Type:     audit.EventSystemStartup,
		Payload:  map[string]any{"version": server.Version, "port": cfg.Server.Port},
	})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down", "grace", cfg.Server.ShutdownGrace)
	shutdownCtx := context.Background()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown incomplete", "error", err)
	}
	auditLog.MustRecord(shutdownCtx, audit.Entry{
		TenantID: "default",
		Type:     audit.EventSystemShutdown,
	})
	return nil
}
