// Package server exposes the runtime's HTTP surface: agent execution,
// trace and governance reads, workspace administration, the ops
// console, and health probes.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wardenhq/warden/internal/audit"
	"github.com/wardenhq/warden/internal/budget"
	"github.com/wardenhq/warden/internal/config"
	"github.com/wardenhq/warden/internal/controlplane"
	"github.com/wardenhq/warden/internal/ops"
	"github.com/wardenhq/warden/internal/orchestrator"
	"github.com/wardenhq/warden/internal/provider"
	"github.com/wardenhq/warden/internal/ratelimit"
	"github.com/wardenhq/warden/internal/skills"
	"github.com/wardenhq/warden/internal/store"
	"github.com/wardenhq/warden/internal/tenancy"
	"github.com/wardenhq/warden/internal/trace"
	"github.com/wardenhq/warden/internal/usage"
	"github.com/wardenhq/warden/internal/workspace"
)

// Version is the runtime version reported by /api/version.
const Version = "0.3.0"

// Deps bundles everything the HTTP layer serves.
type Deps struct {
	Config      *config.Config
	Orch        *orchestrator.Orchestrator
	Traces      *trace.Store
	Annotations *trace.Annotations
	Retention   *trace.Retention
	Budgets     *budget.Manager
	Registry    *skills.Registry
	TestRunner  *skills.TestRunner
	Audit       *audit.Log
	Envs        *workspace.Environments
	Versions    *workspace.Versions
	Loader      *workspace.Loader
	Composer    *workspace.Composer
	Providers   *provider.Service
	Tokens      *tenancy.TokenService
	OIDC        *tenancy.OIDCValidator
	Ops         *ops.Service
	CP          *controlplane.Client
	Tracker     *usage.Tracker
	Store       *store.Store
	Logger      *slog.Logger

	// Caps resolves a tenant's capability set; nil means unrestricted.
	Caps func(tenant string) tenancy.Capabilities
}

// Server is the HTTP front end.
type Server struct {
	Deps
	limiter *ratelimit.Limiter
	logger  *slog.Logger
	httpSrv *http.Server
}

// New wires the mux and returns the server.
func New(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		Deps:    d,
		limiter: ratelimit.NewLimiter(d.Config.Server.RateLimitRPS, d.Config.Server.RateLimitBurst),
		logger:  logger.With("component", "server"),
	}
	s.httpSrv = &http.Server{
		Addr:              fmt.Sprintf(":%d", d.Config.Server.Port),
		Handler:           s.logged(s.routes()),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	// Agent execution.
	mux.Handle("POST /api/agents/send", s.guard(s.handleSend))
	mux.Handle("POST /api/agents/stream", s.guard(s.handleStream))
	mux.Handle("POST /compact", s.guard(s.handleCompact))
	mux.Handle("POST /llm-task", s.guard(s.handleLLMTask))

	// Traces.
	mux.Handle("GET /traces", s.guard(s.handleTraceList))
	mux.Handle("GET /traces/by-label", s.guard(s.handleTraceByLabel))
	mux.Handle("GET /traces/by-entity", s.guard(s.handleTraceByEntity))
	mux.Handle("POST /traces/diff", s.guard(s.handleTraceDiff))
	mux.Handle("GET /traces/{id}", s.guard(s.handleTraceGet))
	mux.Handle("GET /traces/{id}/replay", s.guard(s.handleTraceReplay))
	mux.Handle("POST /traces/{id}/label", s.guard(s.handleTraceLabel))
	mux.Handle("POST /traces/{id}/annotate", s.guard(s.handleTraceAnnotate))

	// Skill registry.
	mux.Handle("POST /skills/publish", s.guard(s.handleSkillPublish))
	mux.Handle("GET /skills/by-state", s.guard(s.handleSkillsByState))
	mux.Handle("GET /skills/registry/{name}", s.guard(s.handleSkillGet))
	mux.Handle("GET /skills/registry/{name}/{version}", s.guard(s.handleSkillGetVersion))
	mux.Handle("POST /skills/registry/{name}/test", s.guard(s.handleSkillTest))
	mux.Handle("POST /skills/registry/{name}/{version}/state", s.guard(s.handleSkillTransition))

	// Governance.
	mux.Handle("GET /audit", s.guard(s.handleAuditQuery))
	mux.Handle("GET /budget", s.guard(s.handleBudgetGet))
	mux.Handle("POST /budget", s.guard(s.handleBudgetSet))
	mux.Handle("POST /budget/check", s.guard(s.handleBudgetCheck))
	mux.Handle("POST /cost/forecast", s.guard(s.handleCostForecast))
	mux.Handle("POST /risk/score", s.guard(s.handleRiskScore))

	// Retention.
	mux.Handle("POST /retention/policy", s.guard(s.handleRetentionSet))
	mux.Handle("GET /retention/policy", s.guard(s.handleRetentionGet))
	mux.Handle("POST /retention/enforce", s.guard(s.handleRetentionEnforce))
	mux.Handle("GET /retention/stats", s.guard(s.handleRetentionStats))

	// Workspace.
	mux.Handle("POST /workspace/pin", s.guard(s.handlePinSet))
	mux.Handle("GET /workspace/pin", s.guard(s.handlePinGet))
	mux.Handle("GET /workspace/{id}/pins", s.guard(s.handlePinList))
	mux.Handle("POST /workspace/envs", s.guard(s.handleEnvUpsert))
	mux.Handle("GET /workspace/envs", s.guard(s.handleEnvList))
	mux.Handle("POST /workspace/envs/init", s.guard(s.handleEnvInit))
	mux.Handle("POST /workspace/envs/promote", s.guard(s.handleEnvPromote))
	mux.Handle("POST /workspace/impact", s.guard(s.handleImpact))
	mux.Handle("POST /workspace/snapshot", s.guard(s.handleSnapshot))
	mux.Handle("GET /workspace/versions", s.guard(s.handleVersionList))
	mux.Handle("POST /workspace/rollback", s.guard(s.handleRollback))
	mux.Handle("POST /workspace/bootstrap", s.guard(s.handleBootstrap))

	// Operations console (OIDC bearer auth).
	mux.Handle("GET /ops/api/me", s.opsGuard(s.handleOpsMe))
	mux.Handle("GET /ops/api/dashboard", s.opsGuard(s.handleOpsDashboard))
	mux.Handle("GET /ops/api/traces", s.opsGuard(s.handleOpsTraces))
	mux.Handle("GET /ops/api/traces/{id}", s.opsGuard(s.handleOpsTraceGet))
	mux.Handle("GET /ops/api/audit", s.opsGuard(s.handleOpsAudit))
	mux.Handle("POST /ops/api/override", s.opsGuard(s.handleOpsOverride))

	// System.
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /context", s.guard(s.handleContext))
	mux.HandleFunc("GET /api/version", s.handleVersion)
	mux.HandleFunc("GET /api/compatibility", s.handleCompatibility)
	mux.Handle("GET /usage/stats", s.guard(s.handleUsageStats))
	mux.Handle("GET /metrics", promhttp.Handler())

	return mux
}

// Start serves until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpSrv.Addr)
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests up to the configured grace period.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.Config.Server.ShutdownGrace)
	defer cancel()
	return s.httpSrv.Shutdown(ctx)
}

// Handler exposes the routed handler for tests.
func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }
