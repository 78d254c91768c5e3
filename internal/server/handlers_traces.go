package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/wardenhq/warden/internal/trace"
	"github.com/wardenhq/warden/internal/workspace"
)

func (s *Server) handleTraceList(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	q := r.URL.Query()
	f := trace.ListFilter{
		TenantID:    id.TenantID,
		WorkspaceID: q.Get("workspace_id"),
		AgentRole:   q.Get("agent_role"),
		Status:      q.Get("status"),
		Limit:       queryInt(q.Get("limit"), 50),
		Offset:      queryInt(q.Get("offset"), 0),
	}

	traces, total, err := s.Traces.List(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items":    traces,
		"total":    total,
		"has_more": f.Offset+len(traces) < total,
	})
}

func (s *Server) handleTraceGet(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	t, err := s.Traces.Get(r.Context(), id.TenantID, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	annotations, err := s.Annotations.ForTrace(r.Context(), t.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"trace":       t,
		"annotations": annotations,
	})
}

// handleTraceReplay reassembles the exact execution context a trace ran
// with: the original input, the pinned workspace version, and the skill
// versions that were resolved.
func (s *Server) handleTraceReplay(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := identityFrom(ctx)
	t, err := s.Traces.Get(ctx, id.TenantID, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}

	var version *workspace.Version
	if t.WorkspaceHash != "" {
		version, err = s.Versions.Get(ctx, t.WorkspaceHash)
		if err != nil {
			writeError(w, err)
			return
		}
	}

	skillBodies := make(map[string]string, len(t.SkillVersions))
	for name, ver := range t.SkillVersions {
		entry, err := s.Registry.GetVersion(ctx, name, ver)
		if err != nil {
			// A since-purged skill version leaves a gap, not a failure.
			skillBodies[name] = ""
			continue
		}
		skillBodies[name] = entry.Manifest.Body
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"trace_id":       t.ID,
		"input_message":  t.InputMessage,
		"history_count":  t.HistoryCount,
		"model":          t.Model,
		"provider":       t.Provider,
		"workspace":      version,
		"skill_versions": t.SkillVersions,
		"skill_bodies":   skillBodies,
	})
}

func (s *Server) handleTraceDiff(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BaseID    string `json:"base_id"`
		CompareID string `json:"compare_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.BaseID == "" || req.CompareID == "" {
		badRequest(w, "base_id and compare_id are required")
		return
	}

	ctx := r.Context()
	id := identityFrom(ctx)
	base, err := s.Traces.Get(ctx, id.TenantID, req.BaseID)
	if err != nil {
		writeError(w, err)
		return
	}
	compare, err := s.Traces.Get(ctx, id.TenantID, req.CompareID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trace.Compare(base, compare))
}

func (s *Server) handleTraceLabel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Labels map[string]string `json:"labels"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if len(req.Labels) == 0 {
		badRequest(w, "labels are required")
		return
	}

	id := identityFrom(r.Context())
	if err := s.Traces.UpdateLabels(r.Context(), id.TenantID, r.PathValue("id"), req.Labels); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"updated": true})
}

func (s *Server) handleTraceAnnotate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Key    string `json:"key"`
		Value  string `json:"value"`
		Author string `json:"author"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(req.Key) == "" {
		badRequest(w, "key is required")
		return
	}

	ctx := r.Context()
	id := identityFrom(ctx)
	// Annotations attach to sealed traces only; Get enforces tenancy.
	t, err := s.Traces.Get(ctx, id.TenantID, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	a, err := s.Annotations.Add(ctx, t.ID, req.Key, req.Value, req.Author)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (s *Server) handleTraceByLabel(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	key, value := q.Get("key"), q.Get("value")
	if key == "" || value == "" {
		badRequest(w, "key and value are required")
		return
	}
	id := identityFrom(r.Context())
	traces, err := s.Traces.ByLabel(r.Context(), id.TenantID, key, value)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"traces": traces})
}

func (s *Server) handleTraceByEntity(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	taskID, documentID, messageID := q.Get("task_id"), q.Get("document_id"), q.Get("message_id")
	if taskID == "" && documentID == "" && messageID == "" {
		badRequest(w, "task_id, document_id, or message_id is required")
		return
	}
	id := identityFrom(r.Context())
	traces, err := s.Traces.ByEntity(r.Context(), id.TenantID, taskID, documentID, messageID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"traces": traces})
}

func queryInt(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
