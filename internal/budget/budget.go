// Package budget enforces per-tenant spend limits: pre-execution
// forecasts, monotonic spend recording, and period-window policy checks.
package budget

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/wardenhq/warden/internal/audit"
	"github.com/wardenhq/warden/internal/errkind"
)

// Budget is one tenant's spend envelope.
type Budget struct {
	TenantID    string    `json:"tenant_id"`
	LimitUSD    float64   `json:"limit_usd"`
	SpentUSD    float64   `json:"spent_usd"`
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`
	HardLimit   bool      `json:"hard_limit"`
	AlertPct    float64   `json:"alert_pct"`
	SoftLimit   float64   `json:"soft_limit_usd"`
}

// Forecast is the pre-execution cost estimate.
type Forecast struct {
	Estimated   float64 `json:"estimated"`
	InputCost   float64 `json:"inputCost"`
	OutputCost  float64 `json:"outputCost"`
	Allowed     bool    `json:"allowed"`
	Remaining   float64 `json:"remaining"`
	WouldExceed bool    `json:"wouldExceed"`
	Warning     string  `json:"warning,omitempty"`
}

// Status is the combined budget-and-period check result.
type Status struct {
	Allowed       bool    `json:"allowed"`
	Warning       string  `json:"warning,omitempty"`
	SpentUSD      float64 `json:"spent_usd"`
	LimitUSD      float64 `json:"limit_usd"`
	PeriodExpired bool    `json:"period_expired"`
}

// Manager owns the tenant_budgets table.
type Manager struct {
	db     *sql.DB
	log    *audit.Log
	logger *slog.Logger
	now    func() time.Time
}

// NewManager builds the budget manager.
func NewManager(db *sql.DB, log *audit.Log, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{db: db, log: log, logger: logger.With("component", "budget"), now: time.Now}
}

// Get loads a tenant's budget; nil when none is configured.
func (m *Manager) Get(ctx context.Context, tenant string) (*Budget, error) {
	row := m.db.QueryRowContext(ctx, `
		SELECT tenant_id, limit_usd, spent_usd, period_start, period_end, hard_limit, alert_pct, soft_limit_usd
		FROM tenant_budgets WHERE tenant_id = ?`, tenant)
	var b Budget
	var hard int
	err := row.Scan(&b.TenantID, &b.LimitUSD, &b.SpentUSD, &b.PeriodStart, &b.PeriodEnd, &hard, &b.AlertPct, &b.SoftLimit)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load budget: %w", err)
	}
	b.HardLimit = hard != 0
	return &b, nil
}

// Set creates or replaces a tenant's budget. A zero period defaults to
// the current calendar month.
func (m *Manager) Set(ctx context.Context, b Budget) error {
	if b.TenantID == "" {
		return errkind.New(errkind.Validation, "tenant id required")
	}
	if b.PeriodStart.IsZero() || b.PeriodEnd.IsZero() {
		now := m.now().UTC()
		b.PeriodStart = time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		b.PeriodEnd = b.PeriodStart.AddDate(0, 1, 0).Add(-time.Second)
	}
	if b.AlertPct <= 0 {
		b.AlertPct = 0.8
	}
	hard := 0
	if b.HardLimit {
		hard = 1
	}
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO tenant_budgets (tenant_id, limit_usd, spent_usd, period_start, period_end, hard_limit, alert_pct, soft_limit_usd)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id) DO UPDATE SET
			limit_usd = excluded.limit_usd,
			period_start = excluded.period_start,
			period_end = excluded.period_end,
			hard_limit = excluded.hard_limit,
			alert_pct = excluded.alert_pct,
			soft_limit_usd = excluded.soft_limit_usd`,
		b.TenantID, b.LimitUSD, b.SpentUSD, b.PeriodStart, b.PeriodEnd, hard, b.AlertPct, b.SoftLimit)
	if err != nil {
		return fmt.Errorf("set budget: %w", err)
	}
	return nil
}

// ForecastCost estimates the cost of a call before it happens.
// maxOutputTokens bounds the output side of the estimate.
func (m *Manager) ForecastCost(ctx context.Context, tenant string, promptTokens, maxOutputTokens int, model string) (*Forecast, error) {
	cost := CostFor(model, promptTokens, maxOutputTokens)
	f := &Forecast{
		Estimated:  cost.TotalCost,
		InputCost:  cost.InputCost,
		OutputCost: cost.OutputCost,
		Allowed:    true,
	}

	b, err := m.Get(ctx, tenant)
	if err != nil {
		return nil, err
	}
	if b == nil {
		f.Remaining = -1 // unlimited
		return f, nil
	}

	f.Remaining = b.LimitUSD - b.SpentUSD
	f.WouldExceed = b.SpentUSD+f.Estimated > b.LimitUSD
	if f.WouldExceed && b.HardLimit {
		f.Allowed = false
	}
	if !f.WouldExceed && b.LimitUSD > 0 && (b.SpentUSD+f.Estimated)/b.LimitUSD >= b.AlertPct {
		f.Warning = fmt.Sprintf("budget at %.0f%% of limit", 100*(b.SpentUSD+f.Estimated)/b.LimitUSD)
	}
	if f.WouldExceed && !b.HardLimit {
		f.Warning = "soft budget limit exceeded"
	}
	return f, nil
}

// CheckBeforeExecution fails with budget_exceeded iff the tenant is
// hard-limited and the forecast would push spend over the limit.
func (m *Manager) CheckBeforeExecution(ctx context.Context, tenant string, f *Forecast, traceID string) error {
	if f.Allowed {
		return nil
	}
	m.log.MustRecord(ctx, audit.Entry{
		TenantID: tenant,
		TraceID:  traceID,
		Type:     audit.EventBudgetExceeded,
		Payload:  map[string]any{"estimated": f.Estimated, "remaining": f.Remaining},
	})
	return errkind.New(errkind.BudgetExceeded, "budget exceeded: estimated $%.4f, remaining $%.4f", f.Estimated, f.Remaining)
}

// RecordSpend adds actual spend; spend is monotonically non-decreasing
// within a period. Soft and hard breaches emit audit events.
func (m *Manager) RecordSpend(ctx context.Context, tenant string, amount float64) error {
	if amount < 0 {
		return errkind.New(errkind.Validation, "spend must be non-negative")
	}
	if amount == 0 {
		return nil
	}
	res, err := m.db.ExecContext(ctx, `
		UPDATE tenant_budgets SET spent_usd = spent_usd + ? WHERE tenant_id = ?`, amount, tenant)
	if err != nil {
		return fmt.Errorf("record spend: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil // no budget configured
	}

	b, err := m.Get(ctx, tenant)
	if err != nil || b == nil {
		return err
	}
	switch {
	case b.SpentUSD > b.LimitUSD && b.HardLimit:
		m.log.MustRecord(ctx, audit.Entry{
			TenantID: tenant, Type: audit.EventBudgetExceeded,
			Payload: map[string]any{"spent": b.SpentUSD, "limit": b.LimitUSD},
		})
	case b.SoftLimit > 0 && b.SpentUSD > b.SoftLimit,
		b.LimitUSD > 0 && b.SpentUSD/b.LimitUSD >= b.AlertPct:
		m.log.MustRecord(ctx, audit.Entry{
			TenantID: tenant, Type: audit.EventBudgetWarning,
			Payload: map[string]any{"spent": b.SpentUSD, "limit": b.LimitUSD},
		})
	}
	return nil
}

// Check combines budget status with period expiry: an expired period
// blocks hard-limited tenants and allows soft-limited ones with a
// warning.
func (m *Manager) Check(ctx context.Context, tenant string) (*Status, error) {
	b, err := m.Get(ctx, tenant)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return &Status{Allowed: true}, nil
	}

	st := &Status{Allowed: true, SpentUSD: b.SpentUSD, LimitUSD: b.LimitUSD}
	if m.now().After(b.PeriodEnd) {
		st.PeriodExpired = true
		if b.HardLimit {
			st.Allowed = false
			return st, nil
		}
		st.Warning = "budget period expired"
		return st, nil
	}
	if b.SpentUSD >= b.LimitUSD {
		if b.HardLimit {
			st.Allowed = false
		} else {
			st.Warning = "soft budget limit exceeded"
		}
	}
	return st, nil
}
