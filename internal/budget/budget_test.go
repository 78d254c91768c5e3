package budget

import (
	"context"
	"io"
	"log/slog"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/wardenhq/warden/internal/audit"
	"github.com/wardenhq/warden/internal/errkind"
	"github.com/wardenhq/warden/internal/store"
)

func testManager(t *testing.T) (*Manager, *audit.Log) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	log := audit.NewLog(st.DB(), logger)
	return NewManager(st.DB(), log, logger), log
}

func TestCostForKnownAndUnknownModels(t *testing.T) {
	c := CostFor("gpt-4o", 1_000_000, 1_000_000)
	if math.Abs(c.TotalCost-12.50) > 1e-9 {
		t.Errorf("gpt-4o cost = %v, want 12.50", c.TotalCost)
	}
	if c.Currency != "USD" {
		t.Errorf("currency = %q", c.Currency)
	}

	c = CostFor("mystery-model", 1000, 1000)
	if c.TotalCost != 0 || c.Model != "mystery-model" {
		t.Errorf("unknown model = %+v", c)
	}
	if _, ok := PriceFor("mystery-model"); ok {
		t.Error("unknown model reported as priced")
	}
}

func TestSetDefaultsToCalendarMonth(t *testing.T) {
	m, _ := testManager(t)
	ctx := context.Background()

	if err := m.Set(ctx, Budget{TenantID: "acme", LimitUSD: 100}); err != nil {
		t.Fatalf("set: %v", err)
	}
	b, err := m.Get(ctx, "acme")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	now := time.Now().UTC()
	wantStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	if !b.PeriodStart.Equal(wantStart) {
		t.Errorf("period start = %v, want %v", b.PeriodStart, wantStart)
	}
	if !b.PeriodEnd.After(b.PeriodStart) {
		t.Errorf("period end = %v", b.PeriodEnd)
	}
	if b.AlertPct != 0.8 {
		t.Errorf("alert pct = %v, want default 0.8", b.AlertPct)
	}

	if err := m.Set(ctx, Budget{LimitUSD: 1}); errkind.KindOf(err) != errkind.Validation {
		t.Errorf("tenantless set = %v", err)
	}
}

func TestGetUnconfigured(t *testing.T) {
	m, _ := testManager(t)
	b, err := m.Get(context.Background(), "nobody")
	if err != nil || b != nil {
		t.Errorf("b = %v, err = %v", b, err)
	}
}

func TestForecastUnlimitedWithoutBudget(t *testing.T) {
	m, _ := testManager(t)
	f, err := m.ForecastCost(context.Background(), "nobody", 1000, 1000, "gpt-4o")
	if err != nil {
		t.Fatalf("forecast: %v", err)
	}
	if !f.Allowed || f.WouldExceed || f.Remaining != -1 {
		t.Errorf("forecast = %+v", f)
	}
}

func TestForecastHardLimitBlocks(t *testing.T) {
	m, log := testManager(t)
	ctx := context.Background()
	if err := m.Set(ctx, Budget{TenantID: "acme", LimitUSD: 0.001, HardLimit: true}); err != nil {
		t.Fatalf("set: %v", err)
	}

	f, err := m.ForecastCost(ctx, "acme", 1_000_000, 100_000, "gpt-4o")
	if err != nil {
		t.Fatalf("forecast: %v", err)
	}
	if f.Allowed || !f.WouldExceed {
		t.Fatalf("forecast = %+v", f)
	}

	err = m.CheckBeforeExecution(ctx, "acme", f, "tr_1")
	if errkind.KindOf(err) != errkind.BudgetExceeded {
		t.Fatalf("check = %v", err)
	}
	entries, _, qerr := log.Query(ctx, audit.Filter{TenantID: "acme", Types: []audit.EventType{audit.EventBudgetExceeded}})
	if qerr != nil {
		t.Fatalf("audit query: %v", qerr)
	}
	if len(entries) != 1 || entries[0].TraceID != "tr_1" {
		t.Errorf("budget audit = %+v", entries)
	}
}

func TestForecastSoftLimitWarns(t *testing.T) {
	m, _ := testManager(t)
	ctx := context.Background()
	if err := m.Set(ctx, Budget{TenantID: "acme", LimitUSD: 0.001, HardLimit: false}); err != nil {
		t.Fatalf("set: %v", err)
	}

	f, err := m.ForecastCost(ctx, "acme", 1_000_000, 100_000, "gpt-4o")
	if err != nil {
		t.Fatalf("forecast: %v", err)
	}
	if !f.Allowed || !f.WouldExceed || f.Warning == "" {
		t.Errorf("soft-limit forecast = %+v", f)
	}
	if err := m.CheckBeforeExecution(ctx, "acme", f, "tr_1"); err != nil {
		t.Errorf("soft limit must not block: %v", err)
	}
}

func TestForecastAlertThresholdWarning(t *testing.T) {
	m, _ := testManager(t)
	ctx := context.Background()
	if err := m.Set(ctx, Budget{TenantID: "acme", LimitUSD: 10, SpentUSD: 9, HardLimit: true}); err != nil {
		t.Fatalf("set: %v", err)
	}

	f, err := m.ForecastCost(ctx, "acme", 1000, 1000, "gpt-4o")
	if err != nil {
		t.Fatalf("forecast: %v", err)
	}
	if !f.Allowed || f.WouldExceed || f.Warning == "" {
		t.Errorf("forecast near the limit = %+v", f)
	}
}

func TestRecordSpendAccumulatesAndWarns(t *testing.T) {
	m, log := testManager(t)
	ctx := context.Background()
	if err := m.Set(ctx, Budget{TenantID: "acme", LimitUSD: 10, HardLimit: true}); err != nil {
		t.Fatalf("set: %v", err)
	}

	if err := m.RecordSpend(ctx, "acme", -1); errkind.KindOf(err) != errkind.Validation {
		t.Errorf("negative spend = %v", err)
	}
	if err := m.RecordSpend(ctx, "acme", 0); err != nil {
		t.Errorf("zero spend: %v", err)
	}
	if err := m.RecordSpend(ctx, "nobody", 5); err != nil {
		t.Errorf("spend without budget: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := m.RecordSpend(ctx, "acme", 4); err != nil {
			t.Fatalf("spend: %v", err)
		}
	}
	b, err := m.Get(ctx, "acme")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if math.Abs(b.SpentUSD-12) > 1e-9 {
		t.Errorf("spent = %v, want 12", b.SpentUSD)
	}

	entries, _, err := log.Query(ctx, audit.Filter{TenantID: "acme", Types: []audit.EventType{audit.EventBudgetExceeded}})
	if err != nil {
		t.Fatalf("audit query: %v", err)
	}
	if len(entries) == 0 {
		t.Error("hard breach should emit budget_exceeded")
	}
}

func TestCheckPeriodExpiry(t *testing.T) {
	m, _ := testManager(t)
	ctx := context.Background()
	past := time.Now().UTC().AddDate(0, -2, 0)

	if err := m.Set(ctx, Budget{
		TenantID: "hard", LimitUSD: 10, HardLimit: true,
		PeriodStart: past, PeriodEnd: past.AddDate(0, 1, 0),
	}); err != nil {
		t.Fatalf("set: %v", err)
	}
	st, err := m.Check(ctx, "hard")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if st.Allowed || !st.PeriodExpired {
		t.Errorf("expired hard budget = %+v", st)
	}

	if err := m.Set(ctx, Budget{
		TenantID: "soft", LimitUSD: 10, HardLimit: false,
		PeriodStart: past, PeriodEnd: past.AddDate(0, 1, 0),
	}); err != nil {
		t.Fatalf("set: %v", err)
	}
	st, err = m.Check(ctx, "soft")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !st.Allowed || st.Warning == "" {
		t.Errorf("expired soft budget = %+v", st)
	}
}

func TestCheckUnconfiguredAllows(t *testing.T) {
	m, _ := testManager(t)
	st, err := m.Check(context.Background(), "nobody")
	if err != nil || !st.Allowed {
		t.Errorf("st = %+v, err = %v", st, err)
	}
}
