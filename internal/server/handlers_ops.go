package server

import (
	"net/http"
	"time"

	"github.com/wardenhq/warden/internal/audit"
	"github.com/wardenhq/warden/internal/ops"
	"github.com/wardenhq/warden/internal/tenancy"
	"github.com/wardenhq/warden/internal/trace"
)

// handleOpsMe describes the caller: who they are, what they may do, and
// the tenant scope they operate in.
func (s *Server) handleOpsMe(w http.ResponseWriter, r *http.Request) {
	id := opsIdentityFrom(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"user":        id.Subject,
		"role":        id.Role,
		"permissions": tenancy.Permissions(id.Role),
		"scope": map[string]any{
			"tenant_id":       id.TenantID,
			"workspace_id":    id.WorkspaceID,
			"allowed_tenants": id.AllowedTenants,
		},
	})
}

func (s *Server) handleOpsDashboard(w http.ResponseWriter, r *http.Request) {
	id := opsIdentityFrom(r.Context())
	d, err := s.Ops.DashboardFor(r.Context(), id, r.URL.Query().Get("tenant_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleOpsTraces(w http.ResponseWriter, r *http.Request) {
	id := opsIdentityFrom(r.Context())
	q := r.URL.Query()
	f := trace.ListFilter{
		TenantID:    q.Get("tenant_id"),
		WorkspaceID: q.Get("workspace_id"),
		AgentRole:   q.Get("agent_role"),
		Status:      q.Get("status"),
		Limit:       queryInt(q.Get("limit"), 50),
		Offset:      queryInt(q.Get("offset"), 0),
	}

	views, total, err := s.Ops.Traces(r.Context(), id, f)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"traces":   views,
		"total":    total,
		"has_more": f.Offset+len(views) < total,
	})
}

func (s *Server) handleOpsTraceGet(w http.ResponseWriter, r *http.Request) {
	id := opsIdentityFrom(r.Context())
	view, err := s.Ops.Trace(r.Context(), id, r.URL.Query().Get("tenant_id"), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleOpsAudit(w http.ResponseWriter, r *http.Request) {
	id := opsIdentityFrom(r.Context())
	q := r.URL.Query()
	f := audit.Filter{
		TenantID: q.Get("tenant_id"),
		TraceID:  q.Get("trace_id"),
		UserID:   q.Get("user_id"),
		Limit:    queryInt(q.Get("limit"), 100),
		Offset:   queryInt(q.Get("offset"), 0),
	}
	for _, t := range q["type"] {
		f.Types = append(f.Types, audit.EventType(t))
	}

	entries, total, err := s.Ops.Audit(r.Context(), id, f)
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

func (s *Server) handleOpsOverride(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Action        string `json:"action"`
		Target        string `json:"target"`
		ReasonCode    string `json:"reason_code"`
		Justification string `json:"justification"`
		Cutoff        string `json:"cutoff,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	override := ops.OverrideRequest{
		Action:        ops.OverrideAction(req.Action),
		Target:        req.Target,
		ReasonCode:    req.ReasonCode,
		Justification: req.Justification,
	}
	if req.Cutoff != "" {
		cutoff, err := time.Parse(time.RFC3339, req.Cutoff)
		if err != nil {
			badRequest(w, "cutoff must be RFC 3339")
			return
		}
		override.Cutoff = cutoff
	}

	id := opsIdentityFrom(r.Context())
	result, err := s.Ops.Override(r.Context(), id, override)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
