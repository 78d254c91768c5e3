package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/wardenhq/warden/internal/errkind"
	"github.com/wardenhq/warden/internal/orchestrator"
	"github.com/wardenhq/warden/internal/provider"
)

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.Request
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(req.Message) == "" && len(req.Messages) == 0 {
		badRequest(w, "message is required")
		return
	}

	result, err := s.Orch.Execute(r.Context(), identityFrom(r.Context()), req)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("X-Trace-Id", result.TraceID)
	writeJSON(w, http.StatusOK, struct {
		Status string `json:"status"`
		*orchestrator.Result
	}{"ok", result})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.Request
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		badRequest(w, "message is required")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, errkind.New(errkind.Internal, "streaming unsupported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	emit := func(ev provider.StreamEvent) {
		data, err := json.Marshal(ev)
		if err != nil {
			return
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
		flusher.Flush()
	}

	// The provider's done event is the terminal frame; the sealed result
	// only matters here when the run failed before any event went out.
	if _, err := s.Orch.ExecuteStream(r.Context(), identityFrom(r.Context()), req, emit); err != nil {
		emit(provider.StreamEvent{Type: provider.EventError, Error: err.Error()})
	}
}

func (s *Server) handleCompact(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.CompactRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	resp, err := s.Orch.CompactHistory(r.Context(), identityFrom(r.Context()), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":             "ok",
		"compacted_messages": resp.History,
		"usage":              resp.Usage,
		"original_count":     len(req.Messages),
		"compacted_count":    len(resp.History),
		"trace_id":           resp.TraceID,
	})
}

func (s *Server) handleLLMTask(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.TaskRunRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		badRequest(w, "prompt is required")
		return
	}
	resp, err := s.Orch.RunTask(r.Context(), identityFrom(r.Context()), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Status string `json:"status"`
		*orchestrator.TaskRunResponse
	}{"ok", resp})
}
