package trace

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"time"

	"github.com/wardenhq/warden/internal/errkind"
)

// SamplingStrategy filters trace admission before persistence.
type SamplingStrategy string

const (
	SamplingFull       SamplingStrategy = "full"
	SamplingErrorsOnly SamplingStrategy = "errors_only"
	SamplingSampled    SamplingStrategy = "sampled"
)

// sampledKeepRatio keeps one in ten traces under the sampled strategy,
// deterministically by trace id.
const sampledKeepDivisor = 10

// Policy is a tenant's retention configuration.
type Policy struct {
	TenantID      string           `json:"tenant_id"`
	RetentionDays int              `json:"retention_days"`
	Sampling      SamplingStrategy `json:"sampling"`
	StorageMode   string           `json:"storage_mode"`
}

// Retention owns retention policies and periodic enforcement.
type Retention struct {
	db     *sql.DB
	traces *Store
	logger *slog.Logger
}

// NewRetention builds the retention manager.
func NewRetention(db *sql.DB, traces *Store, logger *slog.Logger) *Retention {
	if logger == nil {
		logger = slog.Default()
	}
	return &Retention{db: db, traces: traces, logger: logger.With("component", "retention")}
}

// SetPolicy creates or replaces a tenant's retention policy.
func (r *Retention) SetPolicy(ctx context.Context, p Policy) error {
	if p.TenantID == "" {
		return errkind.New(errkind.Validation, "tenant id required")
	}
	if p.RetentionDays < 1 {
		return errkind.New(errkind.Validation, "retention days must be >= 1")
	}
	switch p.Sampling {
	case SamplingFull, SamplingErrorsOnly, SamplingSampled:
	case "":
		p.Sampling = SamplingFull
	default:
		return errkind.New(errkind.Validation, "unknown sampling strategy %q", p.Sampling)
	}
	if p.StorageMode == "" {
		p.StorageMode = "standard"
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO tenant_retention_policies (tenant_id, retention_days, sampling, storage_mode)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(tenant_id) DO UPDATE SET
			retention_days = excluded.retention_days,
			sampling = excluded.sampling,
			storage_mode = excluded.storage_mode`,
		p.TenantID, p.RetentionDays, string(p.Sampling), p.StorageMode)
	if err != nil {
		return fmt.Errorf("set retention policy: %w", err)
	}
	return nil
}

// GetPolicy loads a tenant's policy; nil when none is configured.
func (r *Retention) GetPolicy(ctx context.Context, tenant string) (*Policy, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT tenant_id, retention_days, sampling, storage_mode
		FROM tenant_retention_policies WHERE tenant_id = ?`, tenant)
	var p Policy
	err := row.Scan(&p.TenantID, &p.RetentionDays, (*string)(&p.Sampling), &p.StorageMode)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load retention policy: %w", err)
	}
	return &p, nil
}

// Admit decides whether a sealed trace is persisted at all. Traces with
// errors are always kept under errors_only; the sampled strategy keeps a
// deterministic fraction by trace id so replays agree.
func Admit(p *Policy, t *Trace) bool {
	if p == nil {
		return true
	}
	switch p.Sampling {
	case SamplingErrorsOnly:
		return t.Error != ""
	case SamplingSampled:
		if t.Error != "" {
			return true
		}
		h := fnv.New32a()
		h.Write([]byte(t.ID))
		return h.Sum32()%sampledKeepDivisor == 0
	default:
		return true
	}
}

// EnforceStats summarizes one enforcement pass.
type EnforceStats struct {
	TenantsChecked int   `json:"tenants_checked"`
	TracesDeleted  int64 `json:"traces_deleted"`
}

// Enforce deletes traces older than each tenant's retention window.
func (r *Retention) Enforce(ctx context.Context) (*EnforceStats, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT tenant_id, retention_days FROM tenant_retention_policies`)
	if err != nil {
		return nil, fmt.Errorf("list retention policies: %w", err)
	}
	defer rows.Close()

	type tenantPolicy struct {
		tenant string
		days   int
	}
	var policies []tenantPolicy
	for rows.Next() {
		var tp tenantPolicy
		if err := rows.Scan(&tp.tenant, &tp.days); err != nil {
			return nil, fmt.Errorf("scan retention policy: %w", err)
		}
		policies = append(policies, tp)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	stats := &EnforceStats{}
	for _, tp := range policies {
		stats.TenantsChecked++
		cutoff := time.Now().UTC().AddDate(0, 0, -tp.days)
		deleted, err := r.traces.DeleteOlderThan(ctx, tp.tenant, cutoff)
		if err != nil {
			r.logger.Error("retention enforcement failed", "tenant", tp.tenant, "error", err)
			continue
		}
		stats.TracesDeleted += deleted
		if deleted > 0 {
			r.logger.Info("retention enforced", "tenant", tp.tenant, "deleted", deleted, "cutoff", cutoff)
		}
	}
	return stats, nil
}

// CoverageStats reports what proportion of executions are actually
// captured, for dashboards.
type CoverageStats struct {
	TenantID      string           `json:"tenant_id"`
	RetentionDays int              `json:"retention_days"`
	Sampling      SamplingStrategy `json:"sampling"`
	StoredTraces  int              `json:"stored_traces"`
	ErrorTraces   int              `json:"error_traces"`
}

// Stats summarizes a tenant's retention coverage.
func (r *Retention) Stats(ctx context.Context, tenant string) (*CoverageStats, error) {
	p, err := r.GetPolicy(ctx, tenant)
	if err != nil {
		return nil, err
	}
	total, errored, err := r.traces.CountByTenant(ctx, tenant)
	if err != nil {
		return nil, err
	}
	stats := &CoverageStats{TenantID: tenant, StoredTraces: total, ErrorTraces: errored, Sampling: SamplingFull}
	if p != nil {
		stats.RetentionDays = p.RetentionDays
		stats.Sampling = p.Sampling
	}
	return stats, nil
}
