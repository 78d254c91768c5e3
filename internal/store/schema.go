package store

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// initSchema creates every table and index if missing. It is safe to run
// on every startup.
func (s *Store) initSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS traces (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			workspace_id TEXT NOT NULL,
			agent_role TEXT NOT NULL,
			started_at TIMESTAMP NOT NULL,
			completed_at TIMESTAMP,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			workspace_hash TEXT,
			skill_versions TEXT,
			model TEXT,
			provider TEXT,
			input_message TEXT,
			history_count INTEGER NOT NULL DEFAULT 0,
			steps TEXT NOT NULL DEFAULT '[]',
			output TEXT,
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			cost REAL NOT NULL DEFAULT 0,
			redacted_prompt TEXT,
			error TEXT,
			labels TEXT NOT NULL DEFAULT '{}',
			task_id TEXT,
			document_id TEXT,
			message_id TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_traces_tenant_time ON traces(tenant_id, started_at)`,
		`CREATE INDEX IF NOT EXISTS idx_traces_task ON traces(task_id)`,

		`CREATE TABLE IF NOT EXISTS trace_annotations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			trace_id TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			author TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_annotations_trace ON trace_annotations(trace_id, key)`,

		`CREATE TABLE IF NOT EXISTS audit_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			tenant_id TEXT NOT NULL,
			workspace_id TEXT,
			trace_id TEXT,
			user_id TEXT,
			event_type TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			payload TEXT NOT NULL DEFAULT '{}'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_tenant_time ON audit_log(tenant_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_trace ON audit_log(trace_id)`,

		`CREATE TABLE IF NOT EXISTS skill_registry (
			name TEXT NOT NULL,
			version TEXT NOT NULL,
			description TEXT,
			manifest TEXT NOT NULL,
			body TEXT NOT NULL,
			state TEXT NOT NULL DEFAULT 'draft',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			PRIMARY KEY (name, version)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_skills_state ON skill_registry(state)`,

		`CREATE TABLE IF NOT EXISTS tenant_budgets (
			tenant_id TEXT PRIMARY KEY,
			limit_usd REAL NOT NULL,
			spent_usd REAL NOT NULL DEFAULT 0,
			period_start TIMESTAMP NOT NULL,
			period_end TIMESTAMP NOT NULL,
			hard_limit INTEGER NOT NULL DEFAULT 0,
			alert_pct REAL NOT NULL DEFAULT 0.8,
			soft_limit_usd REAL NOT NULL DEFAULT 0
		)`,

		`CREATE TABLE IF NOT EXISTS tenant_retention_policies (
			tenant_id TEXT PRIMARY KEY,
			retention_days INTEGER NOT NULL,
			sampling TEXT NOT NULL DEFAULT 'full',
			storage_mode TEXT NOT NULL DEFAULT 'standard'
		)`,

		`CREATE TABLE IF NOT EXISTS workspace_versions (
			hash TEXT PRIMARY KEY,
			workspace_id TEXT NOT NULL,
			message TEXT,
			files TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_versions_workspace ON workspace_versions(workspace_id, created_at)`,

		`CREATE TABLE IF NOT EXISTS workspace_pins (
			workspace_id TEXT NOT NULL,
			environment TEXT NOT NULL,
			version_hash TEXT,
			skill_pins TEXT NOT NULL DEFAULT '{}',
			model TEXT,
			provider TEXT,
			updated_at TIMESTAMP NOT NULL,
			PRIMARY KEY (workspace_id, environment)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pins_workspace ON workspace_pins(workspace_id)`,

		`CREATE TABLE IF NOT EXISTS workspace_environments (
			workspace_id TEXT NOT NULL,
			name TEXT NOT NULL,
			description TEXT,
			version_hash TEXT,
			is_default INTEGER NOT NULL DEFAULT 0,
			locked INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (workspace_id, name)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_envs_workspace ON workspace_environments(workspace_id)`,

		`CREATE TABLE IF NOT EXISTS eval_results (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			skill_name TEXT NOT NULL,
			skill_version TEXT NOT NULL,
			case_name TEXT NOT NULL,
			passed INTEGER NOT NULL,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			detail TEXT,
			created_at TIMESTAMP NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS migrations (
			id TEXT PRIMARY KEY,
			applied_at TIMESTAMP NOT NULL
		)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// migration is a single additive schema change applied after initSchema.
type migration struct {
	id   string
	stmt string
}

// migrations run in order; each is recorded so it applies exactly once.
// Only additive changes are allowed here.
var schemaMigrations = []migration{
	{"2026-05-add-trace-message-id", `ALTER TABLE traces ADD COLUMN message_id TEXT`},
	{"2026-06-add-budget-soft-limit", `ALTER TABLE tenant_budgets ADD COLUMN soft_limit_usd REAL NOT NULL DEFAULT 0`},
}

func (s *Store) migrate(ctx context.Context) error {
	for _, m := range schemaMigrations {
		var applied int
		err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(1) FROM migrations WHERE id = ?`, m.id).Scan(&applied)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", m.id, err)
		}
		if applied > 0 {
			continue
		}
		if _, err := s.db.ExecContext(ctx, m.stmt); err != nil {
			// Columns created by initSchema on fresh databases make the
			// ALTER redundant; record and move on.
			if !isDuplicateColumn(err) {
				return fmt.Errorf("apply migration %s: %w", m.id, err)
			}
		}
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO migrations (id, applied_at) VALUES (?, ?)`,
			m.id, time.Now().UTC()); err != nil {
			return fmt.Errorf("record migration %s: %w", m.id, err)
		}
	}
	return nil
}

func isDuplicateColumn(err error) bool {
	return err != nil && strings.Contains(err.Error(), "duplicate column name")
}
