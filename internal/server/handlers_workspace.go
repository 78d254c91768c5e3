package server

import (
	"net/http"
	"strings"

	"github.com/wardenhq/warden/internal/workspace"
)

func (s *Server) handlePinSet(w http.ResponseWriter, r *http.Request) {
	var req workspace.Pin
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.WorkspaceID == "" {
		req.WorkspaceID = s.Config.Workspace.ID
	}
	if req.Environment == "" {
		badRequest(w, "environment is required")
		return
	}

	id := identityFrom(r.Context())
	if err := s.Envs.SetPin(r.Context(), id.TenantID, req); err != nil {
		writeError(w, err)
		return
	}
	pin, err := s.Envs.GetPin(r.Context(), req.WorkspaceID, req.Environment)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pin)
}

func (s *Server) handlePinGet(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	workspaceID := q.Get("workspace_id")
	if workspaceID == "" {
		workspaceID = s.Config.Workspace.ID
	}
	env := q.Get("environment")
	if env == "" {
		env = s.Config.Workspace.DefaultEnvironment
	}

	pin, err := s.Envs.GetPin(r.Context(), workspaceID, env)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pin)
}

func (s *Server) handlePinList(w http.ResponseWriter, r *http.Request) {
	pins, err := s.Envs.Pins(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pins": pins})
}

func (s *Server) handleEnvUpsert(w http.ResponseWriter, r *http.Request) {
	var req workspace.Environment
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.WorkspaceID == "" {
		req.WorkspaceID = s.Config.Workspace.ID
	}

	id := identityFrom(r.Context())
	if err := s.Envs.Upsert(r.Context(), id.TenantID, req); err != nil {
		writeError(w, err)
		return
	}
	env, err := s.Envs.Get(r.Context(), req.WorkspaceID, req.Name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, env)
}

func (s *Server) handleEnvList(w http.ResponseWriter, r *http.Request) {
	workspaceID := r.URL.Query().Get("workspace_id")
	if workspaceID == "" {
		workspaceID = s.Config.Workspace.ID
	}
	envs, err := s.Envs.List(r.Context(), workspaceID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"environments": envs})
}

// handleEnvInit creates the standard dev/staging/prod bindings.
func (s *Server) handleEnvInit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WorkspaceID string `json:"workspace_id,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.WorkspaceID == "" {
		req.WorkspaceID = s.Config.Workspace.ID
	}

	id := identityFrom(r.Context())
	if err := s.Envs.InitializeStandard(r.Context(), id.TenantID, req.WorkspaceID, s.Config.Workspace.DefaultEnvironment); err != nil {
		writeError(w, err)
		return
	}
	envs, err := s.Envs.List(r.Context(), req.WorkspaceID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"environments": envs})
}

func (s *Server) handleEnvPromote(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WorkspaceID string `json:"workspace_id,omitempty"`
		Source      string `json:"source"`
		Target      string `json:"target"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.WorkspaceID == "" {
		req.WorkspaceID = s.Config.Workspace.ID
	}
	if req.Source == "" || req.Target == "" {
		badRequest(w, "source and target are required")
		return
	}

	id := identityFrom(r.Context())
	if err := s.Envs.Promote(r.Context(), id.TenantID, req.WorkspaceID, req.Source, req.Target); err != nil {
		writeError(w, err)
		return
	}
	pin, err := s.Envs.GetPin(r.Context(), req.WorkspaceID, req.Target)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pin)
}

// handleImpact diffs two workspace snapshots and grades the change.
func (s *Server) handleImpact(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BaseHash    string `json:"base_hash"`
		CompareHash string `json:"compare_hash"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.BaseHash == "" || req.CompareHash == "" {
		badRequest(w, "base_hash and compare_hash are required")
		return
	}

	ctx := r.Context()
	changes, err := s.Versions.Diff(ctx, req.BaseHash, req.CompareHash)
	if err != nil {
		writeError(w, err)
		return
	}
	registered, drafts, err := s.registrySnapshot(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	report := workspace.AnalyzeImpact(workspace.ImpactInput{
		Changes:          changes,
		RegisteredSkills: registered,
		DraftSkills:      drafts,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"changes": changes,
		"report":  report,
	})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WorkspaceID string `json:"workspace_id,omitempty"`
		Message     string `json:"message"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.WorkspaceID == "" {
		req.WorkspaceID = s.Config.Workspace.ID
	}
	if strings.TrimSpace(req.Message) == "" {
		badRequest(w, "message is required")
		return
	}

	version, err := s.Versions.Snapshot(r.Context(), req.WorkspaceID, req.Message)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, version)
}

func (s *Server) handleVersionList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	workspaceID := q.Get("workspace_id")
	if workspaceID == "" {
		workspaceID = s.Config.Workspace.ID
	}
	versions, err := s.Versions.List(r.Context(), workspaceID, queryInt(q.Get("limit"), 20))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"versions": versions})
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Hash string `json:"hash"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Hash == "" {
		badRequest(w, "hash is required")
		return
	}

	id := identityFrom(r.Context())
	version, err := s.Versions.Rollback(r.Context(), id.TenantID, req.Hash)
	if err != nil {
		writeError(w, err)
		return
	}
	s.Loader.InvalidateAll()
	writeJSON(w, http.StatusOK, version)
}

// handleBootstrap seeds missing workspace files without touching ones
// that already exist.
func (s *Server) handleBootstrap(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Overwrite bool `json:"overwrite,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	result, err := workspace.EnsureWorkspaceFiles(s.Loader.Root(), workspace.DefaultBootstrapFiles(), req.Overwrite)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := workspace.MarkBootComplete(s.Loader.Root()); err != nil {
		writeError(w, err)
		return
	}
	s.Loader.InvalidateAll()
	writeJSON(w, http.StatusOK, result)
}
