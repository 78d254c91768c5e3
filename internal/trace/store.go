package trace

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/wardenhq/warden/internal/errkind"
)

// Store persists sealed traces. Loads are always tenant-scoped;
// cross-tenant reads fail with not_found.
type Store struct {
	db *sql.DB
}

// NewStore builds the trace store over the shared handle.
func NewStore(db *sql.DB) *Store { return &Store{db: db} }

// Save persists a sealed trace.
func (s *Store) Save(ctx context.Context, t *Trace) error {
	if !t.Sealed() {
		return fmt.Errorf("refusing to save unsealed trace %s", t.ID)
	}
	steps, err := json.Marshal(t.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}
	labels, err := json.Marshal(t.Labels)
	if err != nil {
		return fmt.Errorf("marshal labels: %w", err)
	}
	var output []byte
	if t.Output != nil {
		if output, err = json.Marshal(t.Output); err != nil {
			return fmt.Errorf("marshal output: %w", err)
		}
	}
	var skillVersions []byte
	if len(t.SkillVersions) > 0 {
		if skillVersions, err = json.Marshal(t.SkillVersions); err != nil {
			return fmt.Errorf("marshal skill versions: %w", err)
		}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO traces (
			id, tenant_id, workspace_id, agent_role, started_at, completed_at, duration_ms,
			workspace_hash, skill_versions, model, provider, input_message, history_count,
			steps, output, input_tokens, output_tokens, cost, redacted_prompt, error, labels,
			task_id, document_id, message_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.TenantID, t.WorkspaceID, t.AgentRole, t.StartedAt, t.CompletedAt, t.DurationMs,
		nullString(t.WorkspaceHash), nullBytes(skillVersions), nullString(t.Model), nullString(t.Provider),
		nullString(t.InputMessage), t.HistoryCount,
		string(steps), nullBytes(output), t.Usage.PromptTokens, t.Usage.CompletionTokens, t.Cost,
		nullString(t.RedactedPrompt), nullString(t.Error), string(labels),
		nullString(t.Links.TaskID), nullString(t.Links.DocumentID), nullString(t.Links.MessageID))
	if err != nil {
		return fmt.Errorf("save trace: %w", err)
	}
	return nil
}

// Get loads one trace scoped to the tenant.
func (s *Store) Get(ctx context.Context, tenantID, id string) (*Trace, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+` FROM traces WHERE id = ? AND tenant_id = ?`, id, tenantID)
	if err != nil {
		return nil, fmt.Errorf("load trace: %w", err)
	}
	defer rows.Close()
	traces, err := scanTraces(rows)
	if err != nil {
		return nil, err
	}
	if len(traces) == 0 {
		return nil, errkind.New(errkind.NotFound, "trace %s not found", id)
	}
	return traces[0], nil
}

// ListFilter narrows a trace listing.
type ListFilter struct {
	TenantID    string
	WorkspaceID string
	AgentRole   string
	Status      string // "ok" or "error"
	Limit       int
	Offset      int
}

// List returns traces newest-first plus the total count.
func (s *Store) List(ctx context.Context, f ListFilter) ([]*Trace, int, error) {
	clauses := []string{"tenant_id = ?"}
	args := []any{f.TenantID}
	if f.WorkspaceID != "" {
		clauses = append(clauses, "workspace_id = ?")
		args = append(args, f.WorkspaceID)
	}
	if f.AgentRole != "" {
		clauses = append(clauses, "agent_role = ?")
		args = append(args, f.AgentRole)
	}
	switch f.Status {
	case "error":
		clauses = append(clauses, "error IS NOT NULL")
	case "ok":
		clauses = append(clauses, "error IS NULL")
	}
	where := " WHERE " + strings.Join(clauses, " AND ")

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(1) FROM traces"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count traces: %w", err)
	}

	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	args = append(args, limit, f.Offset)
	rows, err := s.db.QueryContext(ctx, selectColumns+" FROM traces"+where+" ORDER BY id DESC LIMIT ? OFFSET ?", args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list traces: %w", err)
	}
	defer rows.Close()
	traces, err := scanTraces(rows)
	if err != nil {
		return nil, 0, err
	}
	return traces, total, nil
}

// ByLabel returns traces carrying a label key (and value when given).
func (s *Store) ByLabel(ctx context.Context, tenantID, key, value string) ([]*Trace, error) {
	// Labels are a small JSON map; match on the serialized pair.
	rows, err := s.db.QueryContext(ctx, selectColumns+`
		FROM traces WHERE tenant_id = ? AND labels LIKE ? ORDER BY id DESC LIMIT 200`,
		tenantID, "%"+labelFragment(key, value)+"%")
	if err != nil {
		return nil, fmt.Errorf("query traces by label: %w", err)
	}
	defer rows.Close()

	candidates, err := scanTraces(rows)
	if err != nil {
		return nil, err
	}
	// LIKE is a prefilter; confirm against the decoded map.
	var out []*Trace
	for _, t := range candidates {
		v, ok := t.Labels[key]
		if ok && (value == "" || v == value) {
			out = append(out, t)
		}
	}
	return out, nil
}

func labelFragment(key, value string) string {
	if value == "" {
		return fmt.Sprintf("%q:", key)
	}
	return fmt.Sprintf("%q:%q", key, value)
}

// ByEntity returns traces linked to a control-plane entity.
func (s *Store) ByEntity(ctx context.Context, tenantID, taskID, documentID, messageID string) ([]*Trace, error) {
	clauses := []string{"tenant_id = ?"}
	args := []any{tenantID}
	switch {
	case taskID != "":
		clauses = append(clauses, "task_id = ?")
		args = append(args, taskID)
	case documentID != "":
		clauses = append(clauses, "document_id = ?")
		args = append(args, documentID)
	case messageID != "":
		clauses = append(clauses, "message_id = ?")
		args = append(args, messageID)
	default:
		return nil, errkind.New(errkind.Validation, "an entity id is required")
	}
	rows, err := s.db.QueryContext(ctx, selectColumns+" FROM traces WHERE "+strings.Join(clauses, " AND ")+" ORDER BY id DESC LIMIT 200", args...)
	if err != nil {
		return nil, fmt.Errorf("query traces by entity: %w", err)
	}
	defer rows.Close()
	return scanTraces(rows)
}

// UpdateLabels replaces the mutable label map on a sealed trace.
func (s *Store) UpdateLabels(ctx context.Context, tenantID, id string, labels map[string]string) error {
	data, err := json.Marshal(labels)
	if err != nil {
		return fmt.Errorf("marshal labels: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE traces SET labels = ? WHERE id = ? AND tenant_id = ?`, string(data), id, tenantID)
	if err != nil {
		return fmt.Errorf("update labels: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errkind.New(errkind.NotFound, "trace %s not found", id)
	}
	return nil
}

// DeleteOlderThan removes a tenant's traces older than the cutoff.
// Used only by retention enforcement.
func (s *Store) DeleteOlderThan(ctx context.Context, tenantID string, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM traces WHERE tenant_id = ? AND started_at < ?`, tenantID, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete old traces: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// CountByTenant reports total and error trace counts for one tenant.
func (s *Store) CountByTenant(ctx context.Context, tenantID string) (total, errored int, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(1), COALESCE(SUM(CASE WHEN error IS NOT NULL THEN 1 ELSE 0 END), 0)
		FROM traces WHERE tenant_id = ?`, tenantID).Scan(&total, &errored)
	if err != nil {
		err = fmt.Errorf("count traces: %w", err)
	}
	return total, errored, err
}

const selectColumns = `SELECT id, tenant_id, workspace_id, agent_role, started_at, completed_at, duration_ms,
	workspace_hash, skill_versions, model, provider, input_message, history_count,
	steps, output, input_tokens, output_tokens, cost, redacted_prompt, error, labels,
	task_id, document_id, message_id`

func scanTraces(rows *sql.Rows) ([]*Trace, error) {
	var out []*Trace
	for rows.Next() {
		var t Trace
		var completedAt sql.NullTime
		var workspaceHash, skillVersions, model, provider, inputMessage sql.NullString
		var output, redactedPrompt, errMsg, taskID, documentID, messageID sql.NullString
		var steps, labels string
		err := rows.Scan(&t.ID, &t.TenantID, &t.WorkspaceID, &t.AgentRole, &t.StartedAt, &completedAt, &t.DurationMs,
			&workspaceHash, &skillVersions, &model, &provider, &inputMessage, &t.HistoryCount,
			&steps, &output, &t.Usage.PromptTokens, &t.Usage.CompletionTokens, &t.Cost,
			&redactedPrompt, &errMsg, &labels, &taskID, &documentID, &messageID)
		if err != nil {
			return nil, fmt.Errorf("scan trace: %w", err)
		}
		if completedAt.Valid {
			t.CompletedAt = completedAt.Time
		}
		t.WorkspaceHash = workspaceHash.String
		t.Model = model.String
		t.Provider = provider.String
		t.InputMessage = inputMessage.String
		t.RedactedPrompt = redactedPrompt.String
		t.Error = errMsg.String
		t.Links = EntityLinks{TaskID: taskID.String, DocumentID: documentID.String, MessageID: messageID.String}
		t.Usage.TotalTokens = t.Usage.PromptTokens + t.Usage.CompletionTokens
		if err := json.Unmarshal([]byte(steps), &t.Steps); err != nil {
			return nil, fmt.Errorf("decode steps for %s: %w", t.ID, err)
		}
		if labels != "" {
			_ = json.Unmarshal([]byte(labels), &t.Labels)
		}
		if skillVersions.Valid && skillVersions.String != "" {
			_ = json.Unmarshal([]byte(skillVersions.String), &t.SkillVersions)
		}
		if output.Valid && output.String != "" {
			var o Output
			if err := json.Unmarshal([]byte(output.String), &o); err == nil {
				t.Output = &o
			}
		}
		out = append(out, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
