package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/wardenhq/warden/internal/audit"
	"github.com/wardenhq/warden/internal/budget"
	"github.com/wardenhq/warden/internal/config"
	"github.com/wardenhq/warden/internal/ops"
	"github.com/wardenhq/warden/internal/ratelimit"
	"github.com/wardenhq/warden/internal/skills"
	"github.com/wardenhq/warden/internal/store"
	"github.com/wardenhq/warden/internal/tenancy"
	"github.com/wardenhq/warden/internal/trace"
	"github.com/wardenhq/warden/internal/usage"
	"github.com/wardenhq/warden/internal/workspace"
)

func testServer(t *testing.T) *Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := &config.Config{}
	cfg.Server.Port = 8787
	cfg.Server.ShutdownGrace = time.Second
	cfg.Workspace.ID = "default"
	cfg.Workspace.DefaultEnvironment = "dev"
	cfg.Workspace.FileCharLimit = 20000
	cfg.LLM.ContextWarnPct = 80

	auditLog := audit.NewLog(st.DB(), logger)
	traces := trace.NewStore(st.DB())
	retention := trace.NewRetention(st.DB(), traces, logger)
	budgets := budget.NewManager(st.DB(), auditLog, logger)
	registry := skills.NewRegistry(st.DB(), auditLog, logger)
	envs := workspace.NewEnvironments(st, auditLog)
	loader := workspace.NewLoader(t.TempDir(), cfg.Workspace.FileCharLimit)
	composer := workspace.NewComposer(loader)

	return New(Deps{
		Config:      cfg,
		Traces:      traces,
		Annotations: trace.NewAnnotations(st.DB()),
		Retention:   retention,
		Budgets:     budgets,
		Registry:    registry,
		TestRunner:  skills.NewTestRunner(st.DB(), auditLog, logger),
		Audit:       auditLog,
		Envs:        envs,
		Versions:    workspace.NewVersions(st.DB(), loader, auditLog),
		Loader:      loader,
		Composer:    composer,
		Tokens:      tenancy.NewTokenService("test-secret", time.Hour),
		OIDC:        tenancy.NewOIDCValidator(cfg.Ops),
		Ops:         ops.NewService(traces, retention, budgets, registry, auditLog, envs, logger),
		Tracker:     usage.NewTracker(time.Hour, 100),
		Store:       st,
		Logger:      logger,
	})
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	s := testServer(t)
	w := doJSON(t, s.Handler(), http.MethodGet, "/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status = %v", body["status"])
	}
}

func TestHealthDeepReportsStoreCheck(t *testing.T) {
	s := testServer(t)
	w := doJSON(t, s.Handler(), http.MethodGet, "/health?deep=1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var body struct {
		Checks map[string]string `json:"checks"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Checks["store"] != "ok" {
		t.Errorf("store check = %q", body.Checks["store"])
	}
	if body.Checks["control_plane"] != "not configured" {
		t.Errorf("control plane check = %q", body.Checks["control_plane"])
	}
}

func TestVersionEndpoint(t *testing.T) {
	s := testServer(t)
	w := doJSON(t, s.Handler(), http.MethodGet, "/api/version", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), Version) {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestDaemonKeyGuard(t *testing.T) {
	s := testServer(t)
	s.Config.Auth.DaemonKey = "hunter2"

	w := doJSON(t, s.Handler(), http.MethodGet, "/traces", "")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("without key: status = %d", w.Code)
	}
	var body errorBody
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Code != "auth_missing" {
		t.Errorf("code = %q", body.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/traces", nil)
	req.Header.Set("X-Agent-Daemon-Key", "hunter2")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("with key: status = %d, body %s", rec.Code, rec.Body.String())
	}
}

func TestAgentTokenBindsTenant(t *testing.T) {
	s := testServer(t)
	token, err := s.Tokens.Mint("acme", "u1", "assistant")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	// Budget set through the token lands on the token's tenant.
	req := httptest.NewRequest(http.MethodPost, "/budget",
		strings.NewReader(`{"limit_usd": 25, "hard_limit": true}`))
	req.Header.Set("X-Agent-Token", token)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var b budget.Budget
	if err := json.Unmarshal(rec.Body.Bytes(), &b); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if b.TenantID != "acme" || b.LimitUSD != 25 {
		t.Errorf("budget = %+v", b)
	}
}

func TestInvalidAgentTokenRejected(t *testing.T) {
	s := testServer(t)
	req := httptest.NewRequest(http.MethodGet, "/traces", nil)
	req.Header.Set("X-Agent-Token", "garbage")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestRateLimitReturns429WithRetryAfter(t *testing.T) {
	s := testServer(t)
	s.limiter = ratelimit.NewLimiter(1, 1)

	first := doJSON(t, s.Handler(), http.MethodGet, "/traces", "")
	if first.Code != http.StatusOK {
		t.Fatalf("first request: status = %d", first.Code)
	}
	second := doJSON(t, s.Handler(), http.MethodGet, "/traces", "")
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: status = %d", second.Code)
	}
	if second.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}

	entries, _, err := s.Audit.Query(context.Background(), audit.Filter{
		TenantID: "default", Types: []audit.EventType{audit.EventRateLimited},
	})
	if err != nil {
		t.Fatalf("query audit: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("rate-limit audit entries = %d, want 1", len(entries))
	}
}

func TestTraceListEmpty(t *testing.T) {
	s := testServer(t)
	w := doJSON(t, s.Handler(), http.MethodGet, "/traces", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var body struct {
		Total   int  `json:"total"`
		HasMore bool `json:"has_more"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Total != 0 || body.HasMore {
		t.Errorf("body = %+v", body)
	}
}

func TestTraceGetNotFound(t *testing.T) {
	s := testServer(t)
	w := doJSON(t, s.Handler(), http.MethodGet, "/traces/nope", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d", w.Code)
	}
	var body errorBody
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Code != "not_found" {
		t.Errorf("code = %q", body.Code)
	}
}

const sampleManifest = `---
name: summarize
version: 1.0.0
description: Summarize a document
permissions:
  - search
outputs:
  - name: summary
    type: string
---
Summarize the input document in three sentences.
`

func TestSkillLifecycleOverHTTP(t *testing.T) {
	s := testServer(t)
	h := s.Handler()

	pub := doJSON(t, h, http.MethodPost, "/skills/publish", sampleManifest)
	if pub.Code != http.StatusCreated {
		t.Fatalf("publish: status = %d, body %s", pub.Code, pub.Body.String())
	}

	dup := doJSON(t, h, http.MethodPost, "/skills/publish", sampleManifest)
	if dup.Code != http.StatusConflict {
		t.Fatalf("duplicate publish: status = %d", dup.Code)
	}

	get := doJSON(t, h, http.MethodGet, "/skills/registry/summarize", "")
	if get.Code != http.StatusOK {
		t.Fatalf("get: status = %d", get.Code)
	}
	var entry skills.Entry
	if err := json.Unmarshal(get.Body.Bytes(), &entry); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if entry.State != skills.StateDraft {
		t.Errorf("state = %q", entry.State)
	}

	// draft -> tested is the only legal next step.
	bad := doJSON(t, h, http.MethodPost, "/skills/registry/summarize/1.0.0/state", `{"state":"active"}`)
	if bad.Code != http.StatusBadRequest {
		t.Fatalf("skip transition: status = %d", bad.Code)
	}
	okResp := doJSON(t, h, http.MethodPost, "/skills/registry/summarize/1.0.0/state", `{"state":"tested","actor":"ci"}`)
	if okResp.Code != http.StatusOK {
		t.Fatalf("transition: status = %d, body %s", okResp.Code, okResp.Body.String())
	}

	byState := doJSON(t, h, http.MethodGet, "/skills/by-state?state=tested", "")
	if byState.Code != http.StatusOK {
		t.Fatalf("by-state: status = %d", byState.Code)
	}
	if !strings.Contains(byState.Body.String(), "summarize") {
		t.Errorf("by-state body = %s", byState.Body.String())
	}
}

func TestRetentionPolicyRoundTrip(t *testing.T) {
	s := testServer(t)
	h := s.Handler()

	unset := doJSON(t, h, http.MethodGet, "/retention/policy", "")
	if unset.Code != http.StatusOK || !strings.Contains(unset.Body.String(), `"configured":false`) {
		t.Fatalf("unset policy: status = %d, body %s", unset.Code, unset.Body.String())
	}

	set := doJSON(t, h, http.MethodPost, "/retention/policy",
		`{"retention_days": 30, "sampling": "errors_only"}`)
	if set.Code != http.StatusOK {
		t.Fatalf("set: status = %d, body %s", set.Code, set.Body.String())
	}

	get := doJSON(t, h, http.MethodGet, "/retention/policy", "")
	var p trace.Policy
	if err := json.Unmarshal(get.Body.Bytes(), &p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.RetentionDays != 30 || p.Sampling != trace.SamplingErrorsOnly {
		t.Errorf("policy = %+v", p)
	}

	bad := doJSON(t, h, http.MethodPost, "/retention/policy",
		`{"retention_days": 30, "sampling": "everything"}`)
	if bad.Code != http.StatusBadRequest {
		t.Fatalf("bad sampling: status = %d", bad.Code)
	}
}

func TestEnvironmentInitAndPromoteGuards(t *testing.T) {
	s := testServer(t)
	h := s.Handler()

	initResp := doJSON(t, h, http.MethodPost, "/workspace/envs/init", `{}`)
	if initResp.Code != http.StatusOK {
		t.Fatalf("init: status = %d, body %s", initResp.Code, initResp.Body.String())
	}
	var body struct {
		Environments []workspace.Environment `json:"environments"`
	}
	if err := json.Unmarshal(initResp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Environments) != 3 {
		t.Fatalf("environments = %d, want 3", len(body.Environments))
	}

	// Promotion with no source pin fails cleanly.
	promote := doJSON(t, h, http.MethodPost, "/workspace/envs/promote",
		`{"source":"dev","target":"staging"}`)
	if promote.Code == http.StatusOK {
		t.Fatalf("promote without pin should fail, got %d", promote.Code)
	}
}

func TestBudgetCheckUnconfigured(t *testing.T) {
	s := testServer(t)
	w := doJSON(t, s.Handler(), http.MethodPost, "/budget/check", `{}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var status budget.Status
	if err := json.Unmarshal(w.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !status.Allowed {
		t.Error("unconfigured tenant should be allowed")
	}
}

func TestRiskScoreRequiresInput(t *testing.T) {
	s := testServer(t)
	w := doJSON(t, s.Handler(), http.MethodPost, "/risk/score", `{}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestRiskScoreGradesExplicitChanges(t *testing.T) {
	s := testServer(t)
	w := doJSON(t, s.Handler(), http.MethodPost, "/risk/score",
		`{"changes":[{"path":"AGENTS.md","status":"modified","old_size":100,"new_size":400}]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var report workspace.ImpactReport
	if err := json.Unmarshal(w.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !report.DependencyChanged {
		t.Error("AGENTS.md change should flag dependency change")
	}
}

func TestOpsEndpointsRequireBearer(t *testing.T) {
	s := testServer(t)
	w := doJSON(t, s.Handler(), http.MethodGet, "/ops/api/me", "")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestUsageStatsEndpoint(t *testing.T) {
	s := testServer(t)
	s.Tracker.Track(usage.Record{TenantID: "default", Model: "m", Cost: 0.1})
	w := doJSON(t, s.Handler(), http.MethodGet, "/usage/stats", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "by_model") {
		t.Errorf("body = %s", w.Body.String())
	}
}
