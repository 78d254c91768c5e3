// Package audit provides the append-only audit log behind every
// governed execution. Entries are written synchronously to the embedded
// store; the only removal path is a compliance-approved bulk purge.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// EventType is the closed vocabulary of auditable events.
type EventType string

const (
	EventExecutionStarted   EventType = "agent_execution_started"
	EventExecutionCompleted EventType = "agent_execution_completed"
	EventExecutionFailed    EventType = "agent_execution_failed"

	EventToolRequested        EventType = "tool_call_requested"
	EventToolSucceeded        EventType = "tool_call_succeeded"
	EventToolFailed           EventType = "tool_call_failed"
	EventToolPermissionDenied EventType = "tool_permission_denied"

	EventSkillPublished      EventType = "skill_published"
	EventSkillTested         EventType = "skill_tested"
	EventSkillStateChanged   EventType = "skill_state_changed"
	EventSkillDeprecatedUsed EventType = "skill_deprecated_used"

	EventBudgetWarning  EventType = "budget_warning"
	EventBudgetExceeded EventType = "budget_exceeded"

	EventWorkspaceChange EventType = "workspace_change"

	EventAuthSuccess EventType = "auth_success"
	EventAuthFailure EventType = "auth_failure"

	EventRateLimited    EventType = "rate_limit_exceeded"
	EventConfigChange   EventType = "config_change"
	EventSystemStartup  EventType = "system_startup"
	EventSystemShutdown EventType = "system_shutdown"
	EventOverrideUsed   EventType = "ops_override_used"
)

// Entry is one audit record.
type Entry struct {
	ID          int64          `json:"id"`
	TenantID    string         `json:"tenant_id"`
	WorkspaceID string         `json:"workspace_id,omitempty"`
	TraceID     string         `json:"trace_id,omitempty"`
	UserID      string         `json:"user_id,omitempty"`
	Type        EventType      `json:"event_type"`
	CreatedAt   time.Time      `json:"created_at"`
	Payload     map[string]any `json:"payload,omitempty"`
}

// Filter selects audit entries. Zero values mean "any".
type Filter struct {
	TenantID    string
	WorkspaceID string
	TraceID     string
	UserID      string
	Types       []EventType
	Since       time.Time
	Until       time.Time
	Limit       int
	Offset      int
}

// Log persists audit entries and answers queries over them.
type Log struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewLog builds the audit log over the shared store handle.
func NewLog(db *sql.DB, logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{db: db, logger: logger.With("component", "audit")}
}

// Record appends one entry. Persistence failures are logged and returned;
// callers decide whether to escalate. Entries for budget and permission
// denials must never be dropped silently.
func (l *Log) Record(ctx context.Context, e Entry) error {
	if e.TenantID == "" {
		return fmt.Errorf("audit entry requires a tenant")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	payload := "{}"
	if len(e.Payload) > 0 {
		data, err := json.Marshal(e.Payload)
		if err != nil {
			return fmt.Errorf("marshal audit payload: %w", err)
		}
		payload = string(data)
	}

	_, err := l.db.ExecContext(ctx, `
		INSERT INTO audit_log (tenant_id, workspace_id, trace_id, user_id, event_type, created_at, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.TenantID, nullable(e.WorkspaceID), nullable(e.TraceID), nullable(e.UserID),
		string(e.Type), e.CreatedAt, payload)
	if err != nil {
		l.logger.Error("audit write failed", "event", e.Type, "tenant", e.TenantID, "error", err)
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

// MustRecord logs a failure instead of returning it, for call sites on
// response paths that cannot degrade.
func (l *Log) MustRecord(ctx context.Context, e Entry) {
	if err := l.Record(ctx, e); err != nil {
		l.logger.Error("audit entry dropped", "event", e.Type, "error", err)
	}
}

// Query returns entries matching the filter plus the total count.
func (l *Log) Query(ctx context.Context, f Filter) ([]Entry, int, error) {
	where, args := buildWhere(f)

	var total int
	countQuery := "SELECT COUNT(1) FROM audit_log" + where
	if err := l.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count audit entries: %w", err)
	}

	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query := "SELECT id, tenant_id, workspace_id, trace_id, user_id, event_type, created_at, payload FROM audit_log" +
		where + " ORDER BY id DESC LIMIT ? OFFSET ?"
	args = append(args, limit, f.Offset)

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	entries, err := scanEntries(rows)
	if err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

// ByTrace returns the chronologically ordered entries for one trace.
func (l *Log) ByTrace(ctx context.Context, traceID string) ([]Entry, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, tenant_id, workspace_id, trace_id, user_id, event_type, created_at, payload
		FROM audit_log WHERE trace_id = ? ORDER BY id ASC`, traceID)
	if err != nil {
		return nil, fmt.Errorf("query audit by trace: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// PurgeOlderThan is the sole removal path. Tenant narrows the purge when
// non-empty. Returns the number of removed entries.
func (l *Log) PurgeOlderThan(ctx context.Context, cutoff time.Time, tenant string) (int64, error) {
	query := "DELETE FROM audit_log WHERE created_at < ?"
	args := []any{cutoff}
	if tenant != "" {
		query += " AND tenant_id = ?"
		args = append(args, tenant)
	}
	res, err := l.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("purge audit entries: %w", err)
	}
	n, _ := res.RowsAffected()
	l.logger.Info("audit purge", "cutoff", cutoff, "tenant", tenant, "removed", n)
	return n, nil
}

func buildWhere(f Filter) (string, []any) {
	var clauses []string
	var args []any
	if f.TenantID != "" {
		clauses = append(clauses, "tenant_id = ?")
		args = append(args, f.TenantID)
	}
	if f.WorkspaceID != "" {
		clauses = append(clauses, "workspace_id = ?")
		args = append(args, f.WorkspaceID)
	}
	if f.TraceID != "" {
		clauses = append(clauses, "trace_id = ?")
		args = append(args, f.TraceID)
	}
	if f.UserID != "" {
		clauses = append(clauses, "user_id = ?")
		args = append(args, f.UserID)
	}
	if len(f.Types) > 0 {
		placeholders := make([]string, len(f.Types))
		for i, t := range f.Types {
			placeholders[i] = "?"
			args = append(args, string(t))
		}
		clauses = append(clauses, "event_type IN ("+strings.Join(placeholders, ",")+")")
	}
	if !f.Since.IsZero() {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, f.Since)
	}
	if !f.Until.IsZero() {
		clauses = append(clauses, "created_at <= ?")
		args = append(args, f.Until)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var entries []Entry
	for rows.Next() {
		var e Entry
		var workspace, trace, user sql.NullString
		var payload string
		if err := rows.Scan(&e.ID, &e.TenantID, &workspace, &trace, &user, (*string)(&e.Type), &e.CreatedAt, &payload); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.WorkspaceID = workspace.String
		e.TraceID = trace.String
		e.UserID = user.String
		if payload != "" && payload != "{}" {
			_ = json.Unmarshal([]byte(payload), &e.Payload)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
