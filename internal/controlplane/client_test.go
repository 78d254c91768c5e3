package controlplane

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/wardenhq/warden/internal/errkind"
	"github.com/wardenhq/warden/internal/tenancy"
)

func testClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(srv.URL, tenancy.NewTokenService("test-secret", time.Hour), nil)
}

func testIdentity() tenancy.Identity {
	return tenancy.Identity{TenantID: "tenant-1", UserID: "user-1", AgentRole: "assistant"}
}

func TestFindOrCreateTask(t *testing.T) {
	var created bool
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Agent-Token") == "" {
			t.Error("missing agent token header")
		}
		switch {
		case r.Method == http.MethodGet:
			json.NewEncoder(w).Encode(map[string]any{
				"tasks": []Task{{ID: "t1", Title: "Daily Ops"}},
			})
		case r.Method == http.MethodPost:
			created = true
			var req CreateTaskRequest
			json.NewDecoder(r.Body).Decode(&req)
			if req.IdempotencyKey != "task-tenant-1-new project" {
				t.Errorf("idempotency_key = %q", req.IdempotencyKey)
			}
			json.NewEncoder(w).Encode(Task{ID: "t2", Title: req.Title})
		}
	}))

	task, err := client.FindOrCreateTask(context.Background(), testIdentity(), "daily ops")
	if err != nil {
		t.Fatalf("FindOrCreateTask: %v", err)
	}
	if task.ID != "t1" {
		t.Errorf("matched task = %s, want existing t1 (case-insensitive)", task.ID)
	}
	if created {
		t.Error("should not create when a title matches")
	}

	task, err = client.FindOrCreateTask(context.Background(), testIdentity(), "new project")
	if err != nil {
		t.Fatalf("FindOrCreateTask: %v", err)
	}
	if task.ID != "t2" || !created {
		t.Errorf("task = %+v, created = %v", task, created)
	}
}

func TestPostMessageCarriesIdempotencyKey(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req MessageRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.IdempotencyKey != "idem-1" {
			t.Errorf("idempotency_key = %q", req.IdempotencyKey)
		}
		json.NewEncoder(w).Encode(Created{ID: "m1"})
	}))

	id, err := client.PostMessage(context.Background(), testIdentity(), MessageRequest{
		TaskID: "t1", Role: "assistant", Content: "hello", IdempotencyKey: "idem-1",
	})
	if err != nil {
		t.Fatalf("PostMessage: %v", err)
	}
	if id != "m1" {
		t.Errorf("id = %q", id)
	}
}

func TestCallToolSuccess(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tools/search" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("X-Trace-ID") != "tr_1" || r.Header.Get("X-Tenant-ID") != "tenant-1" {
			t.Error("missing context headers")
		}
		json.NewEncoder(w).Encode(map[string]any{"hits": 3})
	}))

	outcome := client.CallTool(context.Background(), "search",
		map[string]any{"q": "test"},
		ToolCallContext{TenantID: "tenant-1", WorkspaceID: "ws-1", TraceID: "tr_1"})
	if !outcome.Success {
		t.Fatalf("outcome = %+v", outcome)
	}
	result, ok := outcome.Result.(map[string]any)
	if !ok || result["hits"] != float64(3) {
		t.Errorf("result = %v", outcome.Result)
	}
}

func TestCallToolBackendError(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))

	outcome := client.CallTool(context.Background(), "search", nil, ToolCallContext{TenantID: "t"})
	if outcome.Success {
		t.Fatal("expected failure")
	}
	if !strings.Contains(outcome.Error, "Backend error (502)") || !strings.Contains(outcome.Error, "boom") {
		t.Errorf("error = %q", outcome.Error)
	}
}

func TestCallToolTimeout(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))

	outcome := client.CallTool(context.Background(), "slow", nil,
		ToolCallContext{TenantID: "t", Timeout: 20 * time.Millisecond})
	if outcome.Success {
		t.Fatal("expected timeout failure")
	}
	if !strings.Contains(outcome.Error, "timed out after 20ms") {
		t.Errorf("error = %q", outcome.Error)
	}
}

func TestUnconfiguredBaseURL(t *testing.T) {
	client := New("", tenancy.NewTokenService("s", time.Hour), nil)

	_, err := client.ListTasks(context.Background(), testIdentity(), 10)
	if errkind.KindOf(err) != errkind.ConfigError {
		t.Errorf("kind = %s, want config_error", errkind.KindOf(err))
	}

	outcome := client.CallTool(context.Background(), "x", nil, ToolCallContext{})
	if outcome.Success || outcome.Error == "" {
		t.Errorf("outcome = %+v", outcome)
	}
}
