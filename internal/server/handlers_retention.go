package server

import (
	"net/http"

	"github.com/wardenhq/warden/internal/trace"
)

func (s *Server) handleRetentionSet(w http.ResponseWriter, r *http.Request) {
	var req trace.Policy
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	id := identityFrom(r.Context())
	req.TenantID = id.TenantID
	if err := s.Retention.SetPolicy(r.Context(), req); err != nil {
		writeError(w, err)
		return
	}
	p, err := s.Retention.GetPolicy(r.Context(), id.TenantID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleRetentionGet(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	p, err := s.Retention.GetPolicy(r.Context(), id.TenantID)
	if err != nil {
		writeError(w, err)
		return
	}
	if p == nil {
		writeJSON(w, http.StatusOK, map[string]any{"configured": false})
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleRetentionEnforce(w http.ResponseWriter, r *http.Request) {
	stats, err := s.Retention.Enforce(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleRetentionStats(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	stats, err := s.Retention.Stats(r.Context(), id.TenantID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
