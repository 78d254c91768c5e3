package ops

import (
	"context"
	"log/slog"

	"github.com/wardenhq/warden/internal/audit"
	"github.com/wardenhq/warden/internal/budget"
	"github.com/wardenhq/warden/internal/errkind"
	"github.com/wardenhq/warden/internal/skills"
	"github.com/wardenhq/warden/internal/tenancy"
	"github.com/wardenhq/warden/internal/trace"
	"github.com/wardenhq/warden/internal/workspace"
)

// Service answers operations-console reads, scoped by role and tenant.
type Service struct {
	traces    *trace.Store
	retention *trace.Retention
	budgets   *budget.Manager
	registry  *skills.Registry
	auditLog  *audit.Log
	envs      *workspace.Environments
	logger    *slog.Logger
}

// NewService builds the ops read service.
func NewService(traces *trace.Store, retention *trace.Retention, budgets *budget.Manager,
	registry *skills.Registry, auditLog *audit.Log, envs *workspace.Environments, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		traces:    traces,
		retention: retention,
		budgets:   budgets,
		registry:  registry,
		auditLog:  auditLog,
		envs:      envs,
		logger:    logger.With("component", "ops"),
	}
}

// authorize applies the permission table and the cross-tenant rule.
func (s *Service) authorize(caller tenancy.OpsIdentity, perm tenancy.Permission, tenant string) error {
	if !tenancy.HasPermission(caller.Role, perm) {
		return errkind.New(errkind.PermissionDenied, "role %q lacks %s", caller.Role, perm)
	}
	if !caller.CanReadTenant(tenant) {
		return errkind.New(errkind.PermissionDenied, "tenant %q is outside the caller's scope", tenant)
	}
	return nil
}

// defaultTenant falls back to the caller's own tenant when the filter
// names none.
func defaultTenant(caller tenancy.OpsIdentity, tenant string) string {
	if tenant == "" {
		return caller.TenantID
	}
	return tenant
}

// Trace returns one trace projected for the caller's role.
func (s *Service) Trace(ctx context.Context, caller tenancy.OpsIdentity, tenant, id string) (*TraceView, error) {
	tenant = defaultTenant(caller, tenant)
	if err := s.authorize(caller, tenancy.PermTraceView, tenant); err != nil {
		return nil, err
	}
	t, err := s.traces.Get(ctx, tenant, id)
	if err != nil {
		return nil, err
	}
	return ProjectTrace(t, caller.Role), nil
}

// Traces lists traces projected for the caller's role.
func (s *Service) Traces(ctx context.Context, caller tenancy.OpsIdentity, f trace.ListFilter) ([]*TraceView, int, error) {
	f.TenantID = defaultTenant(caller, f.TenantID)
	if err := s.authorize(caller, tenancy.PermTraceView, f.TenantID); err != nil {
		return nil, 0, err
	}
	list, total, err := s.traces.List(ctx, f)
	if err != nil {
		return nil, 0, err
	}
	return ProjectTraces(list, caller.Role), total, nil
}

// SkillView is one registry entry without its body.
type SkillView struct {
	Name        string       `json:"name"`
	Version     string       `json:"version"`
	Description string       `json:"description,omitempty"`
	State       skills.State `json:"state"`
	Permissions []string     `json:"permissions,omitempty"`
}

// Skills lists registry entries in one state.
func (s *Service) Skills(ctx context.Context, caller tenancy.OpsIdentity, state skills.State) ([]SkillView, error) {
	if err := s.authorize(caller, tenancy.PermSkillView, caller.TenantID); err != nil {
		return nil, err
	}
	entries, err := s.registry.ByState(ctx, state)
	if err != nil {
		return nil, err
	}
	views := make([]SkillView, 0, len(entries))
	for _, e := range entries {
		views = append(views, SkillView{
			Name:        e.Manifest.Name,
			Version:     e.Manifest.Version,
			Description: e.Manifest.Description,
			State:       e.State,
			Permissions: e.Manifest.Permissions,
		})
	}
	return views, nil
}

// Budget returns a tenant's budget status.
func (s *Service) Budget(ctx context.Context, caller tenancy.OpsIdentity, tenant string) (*budget.Status, error) {
	tenant = defaultTenant(caller, tenant)
	if err := s.authorize(caller, tenancy.PermBudgetView, tenant); err != nil {
		return nil, err
	}
	return s.budgets.Check(ctx, tenant)
}

// Audit queries the audit log.
func (s *Service) Audit(ctx context.Context, caller tenancy.OpsIdentity, f audit.Filter) ([]audit.Entry, int, error) {
	f.TenantID = defaultTenant(caller, f.TenantID)
	if err := s.authorize(caller, tenancy.PermAuditView, f.TenantID); err != nil {
		return nil, 0, err
	}
	return s.auditLog.Query(ctx, f)
}

// Dashboard summarizes a tenant for the console landing page. Coverage
// metadata tells operators what fraction of executions the stored
// traces actually represent.
type Dashboard struct {
	TenantID  string               `json:"tenant_id"`
	Traces    DashboardTraces      `json:"traces"`
	Budget    *budget.Status       `json:"budget,omitempty"`
	Coverage  *trace.CoverageStats `json:"coverage,omitempty"`
	Retention RetentionNote        `json:"retention"`
}

type DashboardTraces struct {
	Total   int `json:"total"`
	Errored int `json:"errored"`
}

// RetentionNote explains the sampling in force.
type RetentionNote struct {
	Sampling    string `json:"sampling"`
	Description string `json:"description"`
}

// DashboardFor assembles the dashboard for one tenant.
func (s *Service) DashboardFor(ctx context.Context, caller tenancy.OpsIdentity, tenant string) (*Dashboard, error) {
	tenant = defaultTenant(caller, tenant)
	if err := s.authorize(caller, tenancy.PermDashboardView, tenant); err != nil {
		return nil, err
	}

	total, errored, err := s.traces.CountByTenant(ctx, tenant)
	if err != nil {
		return nil, err
	}
	d := &Dashboard{
		TenantID: tenant,
		Traces:   DashboardTraces{Total: total, Errored: errored},
	}

	if status, err := s.budgets.Check(ctx, tenant); err == nil {
		d.Budget = status
	} else {
		s.logger.Warn("dashboard budget lookup failed", "tenant", tenant, "error", err)
	}

	coverage, err := s.retention.Stats(ctx, tenant)
	if err != nil {
		s.logger.Warn("dashboard coverage lookup failed", "tenant", tenant, "error", err)
	} else {
		d.Coverage = coverage
		d.Retention = retentionNote(coverage.Sampling)
	}
	return d, nil
}

func retentionNote(sampling trace.SamplingStrategy) RetentionNote {
	switch sampling {
	case trace.SamplingErrorsOnly:
		return RetentionNote{
			Sampling:    string(sampling),
			Description: "only failed executions are stored; success counts are not represented here",
		}
	case trace.SamplingSampled:
		return RetentionNote{
			Sampling:    string(sampling),
			Description: "a deterministic sample of successful executions is stored; errors are always kept",
		}
	default:
		return RetentionNote{
			Sampling:    "full",
			Description: "every execution is stored",
		}
	}
}
