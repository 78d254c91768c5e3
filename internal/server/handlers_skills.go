package server

import (
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/wardenhq/warden/internal/errkind"
	"github.com/wardenhq/warden/internal/provider"
	"github.com/wardenhq/warden/internal/skills"
)

// maxManifestBytes bounds a published SKILL.md document.
const maxManifestBytes = 1 << 20

func (s *Server) handleSkillPublish(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxManifestBytes))
	if err != nil {
		writeError(w, errkind.Wrap(errkind.Validation, err, "read manifest body"))
		return
	}
	m, err := skills.Parse(data)
	if err != nil {
		writeError(w, errkind.Wrap(errkind.Validation, err, "invalid skill manifest"))
		return
	}

	id := identityFrom(r.Context())
	entry, err := s.Registry.Publish(r.Context(), id.TenantID, m)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (s *Server) handleSkillGet(w http.ResponseWriter, r *http.Request) {
	entry, err := s.Registry.GetAnyState(r.Context(), r.PathValue("name"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleSkillGetVersion(w http.ResponseWriter, r *http.Request) {
	entry, err := s.Registry.GetVersion(r.Context(), r.PathValue("name"), r.PathValue("version"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleSkillsByState(w http.ResponseWriter, r *http.Request) {
	state := skills.State(r.URL.Query().Get("state"))
	if state == "" {
		badRequest(w, "state is required")
		return
	}
	entries, err := s.Registry.ByState(r.Context(), state)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"skills": entries})
}

// handleSkillTest runs a skill version's embedded test cases against the
// configured model and records the report.
func (s *Server) handleSkillTest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Version string `json:"version,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	ctx := r.Context()
	name := r.PathValue("name")
	var entry *skills.Entry
	var err error
	if req.Version != "" {
		entry, err = s.Registry.GetVersion(ctx, name, req.Version)
	} else {
		entry, err = s.Registry.GetAnyState(ctx, name)
	}
	if err != nil {
		writeError(w, err)
		return
	}

	id := identityFrom(ctx)
	runner := func(ctx context.Context, body string, input, schema map[string]any) (map[string]any, error) {
		result, err := s.Providers.Task(ctx, provider.TaskRequest{
			Prompt:   body,
			Input:    input,
			Schema:   schema,
			Model:    s.Config.LLM.CheapModel,
			Fallback: s.Config.LLM.FallbackModel,
		})
		if err != nil {
			return nil, err
		}
		return result.Output, nil
	}

	report, err := s.TestRunner.Run(ctx, id.TenantID, entry.Manifest, runner)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleSkillTransition(w http.ResponseWriter, r *http.Request) {
	var req struct {
		State string `json:"state"`
		Actor string `json:"actor,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(req.State) == "" {
		badRequest(w, "state is required")
		return
	}

	id := identityFrom(r.Context())
	name, version := r.PathValue("name"), r.PathValue("version")
	if err := s.Registry.Transition(r.Context(), id.TenantID, name, version, skills.State(req.State), req.Actor); err != nil {
		writeError(w, err)
		return
	}
	entry, err := s.Registry.GetVersion(r.Context(), name, version)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}
