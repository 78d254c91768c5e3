package server

import (
	"context"
	"net/http"
	"time"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":  "ok",
		"version": Version,
	}

	if r.URL.Query().Get("deep") != "" {
		checks := map[string]string{}
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		if err := s.Store.Ping(ctx); err != nil {
			checks["store"] = err.Error()
			body["status"] = "degraded"
		} else {
			checks["store"] = "ok"
		}

		if s.Config.Server.ControlPlaneURL == "" {
			checks["control_plane"] = "not configured"
		} else if ok, err := s.CP.Compatible(ctx); err != nil {
			checks["control_plane"] = err.Error()
			body["status"] = "degraded"
		} else if !ok {
			checks["control_plane"] = "incompatible"
			body["status"] = "degraded"
		} else {
			checks["control_plane"] = "ok"
		}

		body["checks"] = checks
	}

	status := http.StatusOK
	if body["status"] != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, body)
}

// handleContext reports prompt-size pressure for a role's composed
// context, per file.
func (s *Server) handleContext(w http.ResponseWriter, r *http.Request) {
	role := r.URL.Query().Get("role")
	if role == "" {
		role = "assistant"
	}
	writeJSON(w, http.StatusOK, s.Composer.ContextStats(role, s.Config.LLM.ContextWarnPct))
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"version": Version,
	})
}

func (s *Server) handleCompatibility(w http.ResponseWriter, r *http.Request) {
	if s.Config.Server.ControlPlaneURL == "" {
		writeJSON(w, http.StatusOK, map[string]any{
			"configured": false,
			"compatible": false,
		})
		return
	}

	info, err := s.CP.Version(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	compatible, err := s.CP.Compatible(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"configured":    true,
		"compatible":    compatible,
		"control_plane": info,
		"runtime":       Version,
	})
}

func (s *Server) handleUsageStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Tracker.Snapshot())
}
