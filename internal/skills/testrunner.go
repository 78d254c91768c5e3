package skills

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/wardenhq/warden/internal/audit"
)

// CaseRunner executes one test case's input against a skill body and
// returns the structured output. The provider's cheap-tier structured
// task backs this in production.
type CaseRunner func(ctx context.Context, body string, input map[string]any, schema map[string]any) (map[string]any, error)

// CaseResult is one test case outcome.
type CaseResult struct {
	Name       string `json:"name"`
	Passed     bool   `json:"passed"`
	DurationMs int64  `json:"duration_ms"`
	Detail     string `json:"detail,omitempty"`
}

// TestReport aggregates a run over a skill version's embedded cases.
type TestReport struct {
	Skill   string       `json:"skill"`
	Version string       `json:"version"`
	Passed  int          `json:"passed"`
	Failed  int          `json:"failed"`
	Cases   []CaseResult `json:"cases"`
}

// AllPassed reports whether every case passed.
func (r *TestReport) AllPassed() bool { return r.Failed == 0 && r.Passed > 0 }

// TestRunner runs a skill version's embedded test cases and records the
// results.
type TestRunner struct {
	db     *sql.DB
	log    *audit.Log
	logger *slog.Logger
}

// NewTestRunner builds the runner.
func NewTestRunner(db *sql.DB, log *audit.Log, logger *slog.Logger) *TestRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &TestRunner{db: db, log: log, logger: logger.With("component", "skill-tests")}
}

// Run executes every case through runner and validates the declared
// output fields are present and non-empty.
func (t *TestRunner) Run(ctx context.Context, tenant string, m *Manifest, runner CaseRunner) (*TestReport, error) {
	report := &TestReport{Skill: m.Name, Version: m.Version}
	schema := outputSchema(m)

	for _, tc := range m.Tests {
		start := time.Now()
		output, err := runner(ctx, m.Body, tc.Input, schema)
		result := CaseResult{Name: tc.Name, DurationMs: time.Since(start).Milliseconds()}

		switch {
		case err != nil:
			result.Detail = err.Error()
		default:
			result.Passed = true
			for _, field := range expectedFields(m, tc) {
				v, ok := output[field]
				if !ok || v == nil || v == "" {
					result.Passed = false
					result.Detail = fmt.Sprintf("missing output field %q", field)
					break
				}
			}
		}

		if result.Passed {
			report.Passed++
		} else {
			report.Failed++
		}
		report.Cases = append(report.Cases, result)

		if err := t.record(ctx, m, result); err != nil {
			t.logger.Warn("eval result not recorded", "skill", m.Name, "case", tc.Name, "error", err)
		}
	}

	t.log.MustRecord(ctx, audit.Entry{
		TenantID: tenant,
		Type:     audit.EventSkillTested,
		Payload: map[string]any{
			"skill": m.Name, "version": m.Version,
			"passed": report.Passed, "failed": report.Failed,
		},
	})
	return report, nil
}

func (t *TestRunner) record(ctx context.Context, m *Manifest, r CaseResult) error {
	passed := 0
	if r.Passed {
		passed = 1
	}
	_, err := t.db.ExecContext(ctx, `
		INSERT INTO eval_results (skill_name, skill_version, case_name, passed, duration_ms, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.Name, m.Version, r.Name, passed, r.DurationMs, r.Detail, time.Now().UTC())
	return err
}

// outputSchema builds a shallow JSON schema from the declared outputs.
func outputSchema(m *Manifest) map[string]any {
	if len(m.Outputs) == 0 {
		return nil
	}
	properties := map[string]any{}
	required := make([]string, 0, len(m.Outputs))
	for _, out := range m.Outputs {
		fieldType := out.Type
		if fieldType == "" {
			fieldType = "string"
		}
		properties[out.Name] = map[string]any{"type": fieldType, "description": out.Description}
		required = append(required, out.Name)
	}
	return map[string]any{"type": "object", "properties": properties, "required": required}
}

func expectedFields(m *Manifest, tc TestCase) []string {
	if len(tc.Expect) > 0 {
		return tc.Expect
	}
	fields := make([]string, 0, len(m.Outputs))
	for _, out := range m.Outputs {
		fields = append(fields, out.Name)
	}
	return fields
}
