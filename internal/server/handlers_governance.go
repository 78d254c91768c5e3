package server

import (
	"context"
	"net/http"
	"time"

	"github.com/wardenhq/warden/internal/audit"
	"github.com/wardenhq/warden/internal/budget"
	"github.com/wardenhq/warden/internal/skills"
	"github.com/wardenhq/warden/internal/workspace"
)

func (s *Server) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	q := r.URL.Query()

	f := audit.Filter{
		TenantID:    id.TenantID,
		WorkspaceID: q.Get("workspace_id"),
		TraceID:     q.Get("trace_id"),
		UserID:      q.Get("user_id"),
		Limit:       queryInt(q.Get("limit"), 100),
		Offset:      queryInt(q.Get("offset"), 0),
	}
	for _, t := range q["type"] {
		f.Types = append(f.Types, audit.EventType(t))
	}
	if since := q.Get("since"); since != "" {
		ts, err := time.Parse(time.RFC3339, since)
		if err != nil {
			badRequest(w, "since must be RFC 3339")
			return
		}
		f.Since = ts
	}
	if until := q.Get("until"); until != "" {
		ts, err := time.Parse(time.RFC3339, until)
		if err != nil {
			badRequest(w, "until must be RFC 3339")
			return
		}
		f.Until = ts
	}

	entries, total, err := s.Audit.Query(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entries":  entries,
		"total":    total,
		"has_more": f.Offset+len(entries) < total,
	})
}

func (s *Server) handleBudgetGet(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	b, err := s.Budgets.Get(r.Context(), id.TenantID)
	if err != nil {
		writeError(w, err)
		return
	}
	if b == nil {
		writeJSON(w, http.StatusOK, map[string]any{"configured": false})
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleBudgetSet(w http.ResponseWriter, r *http.Request) {
	var req budget.Budget
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	id := identityFrom(r.Context())
	req.TenantID = id.TenantID
	if err := s.Budgets.Set(r.Context(), req); err != nil {
		writeError(w, err)
		return
	}
	b, err := s.Budgets.Get(r.Context(), id.TenantID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleBudgetCheck(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	status, err := s.Budgets.Check(r.Context(), id.TenantID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleCostForecast(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PromptTokens    int    `json:"prompt_tokens"`
		MaxOutputTokens int    `json:"max_output_tokens"`
		Model           string `json:"model"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Model == "" {
		req.Model = s.Config.LLM.DefaultModel
	}
	if req.MaxOutputTokens <= 0 {
		req.MaxOutputTokens = 4096
	}

	id := identityFrom(r.Context())
	f, err := s.Budgets.ForecastCost(r.Context(), id.TenantID, req.PromptTokens, req.MaxOutputTokens, req.Model)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

// handleRiskScore grades a workspace change set, either passed
// explicitly or derived from two snapshot hashes.
func (s *Server) handleRiskScore(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Changes           []workspace.FileChange `json:"changes,omitempty"`
		BaseHash          string                 `json:"base_hash,omitempty"`
		CompareHash       string                 `json:"compare_hash,omitempty"`
		PermissionChanges int                    `json:"permission_changes,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	ctx := r.Context()
	changes := req.Changes
	if len(changes) == 0 && req.BaseHash != "" && req.CompareHash != "" {
		diffed, err := s.Versions.Diff(ctx, req.BaseHash, req.CompareHash)
		if err != nil {
			writeError(w, err)
			return
		}
		changes = diffed
	}
	if len(changes) == 0 {
		badRequest(w, "changes or base_hash and compare_hash are required")
		return
	}

	registered, drafts, err := s.registrySnapshot(ctx)
	if err != nil {
		writeError(w, err)
		return
	}

	report := workspace.AnalyzeImpact(workspace.ImpactInput{
		Changes:           changes,
		RegisteredSkills:  registered,
		DraftSkills:       drafts,
		PermissionChanges: req.PermissionChanges,
	})
	writeJSON(w, http.StatusOK, report)
}

// registrySnapshot lists registered skill names and which ones are
// still draft-only, for impact analysis.
func (s *Server) registrySnapshot(ctx context.Context) ([]string, map[string]bool, error) {
	states := []skills.State{skills.StateDraft, skills.StateTested, skills.StateApproved, skills.StateActive, skills.StateDeprecated}
	seen := map[string]skills.State{}
	for _, state := range states {
		entries, err := s.Registry.ByState(ctx, state)
		if err != nil {
			return nil, nil, err
		}
		for _, e := range entries {
			if prev, ok := seen[e.Manifest.Name]; !ok || stateRank(e.State) > stateRank(prev) {
				seen[e.Manifest.Name] = e.State
			}
		}
	}

	names := make([]string, 0, len(seen))
	drafts := make(map[string]bool, len(seen))
	for name, state := range seen {
		names = append(names, name)
		if state == skills.StateDraft {
			drafts[name] = true
		}
	}
	return names, drafts, nil
}

func stateRank(s skills.State) int {
	switch s {
	case skills.StateDraft:
		return 1
	case skills.StateTested:
		return 2
	case skills.StateApproved:
		return 3
	case skills.StateActive:
		return 4
	case skills.StateDeprecated:
		return 5
	}
	return 0
}
