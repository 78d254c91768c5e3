package arbiter

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/wardenhq/warden/internal/audit"
	"github.com/wardenhq/warden/internal/controlplane"
	"github.com/wardenhq/warden/internal/skills"
	"github.com/wardenhq/warden/internal/tenancy"
	"github.com/wardenhq/warden/pkg/models"
)

// DefaultProxyTimeout bounds one proxied tool call.
const DefaultProxyTimeout = 30 * time.Second

// CallContext scopes one batch of tool calls.
type CallContext struct {
	Identity    tenancy.Identity
	WorkspaceID string
	TraceID     string
	// Skills are the admitted skills in the assembled prompt; their
	// permission lists form the first gate.
	Skills []*skills.Manifest
}

// Result pairs the tool result with validation warnings for the trace.
type Result struct {
	models.ToolResult
	Warnings []string `json:"warnings,omitempty"`
}

// Arbiter gates and proxies tool calls.
type Arbiter struct {
	cp           *controlplane.Client
	log          *audit.Log
	logger       *slog.Logger
	sandboxRoots []string
	proxyTimeout time.Duration
}

// New builds the arbiter.
func New(cp *controlplane.Client, log *audit.Log, sandboxRoots []string, proxyTimeout time.Duration, logger *slog.Logger) *Arbiter {
	if proxyTimeout <= 0 {
		proxyTimeout = DefaultProxyTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Arbiter{
		cp:           cp,
		log:          log,
		logger:       logger.With("component", "arbiter"),
		sandboxRoots: sandboxRoots,
		proxyTimeout: proxyTimeout,
	}
}

// Execute runs a batch of tool calls concurrently and returns results
// in input order. Denied and invalid calls fail without network I/O.
func (a *Arbiter) Execute(ctx context.Context, calls []models.ToolCall, cc CallContext) []Result {
	results := make([]Result, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call models.ToolCall) {
			defer wg.Done()
			results[i] = a.executeOne(ctx, call, cc)
		}(i, call)
	}
	wg.Wait()
	return results
}

func (a *Arbiter) executeOne(ctx context.Context, call models.ToolCall, cc CallContext) Result {
	if reason, denied := a.denied(call.Name, cc); denied {
		a.log.MustRecord(ctx, audit.Entry{
			TenantID:    cc.Identity.TenantID,
			WorkspaceID: cc.WorkspaceID,
			TraceID:     cc.TraceID,
			UserID:      cc.Identity.UserID,
			Type:        audit.EventToolPermissionDenied,
			Payload:     map[string]any{"tool": call.Name, "reason": reason},
		})
		return Result{ToolResult: models.ToolResult{
			ID:    call.ID,
			Error: "tool " + call.Name + " is not permitted (" + reason + ")",
		}}
	}

	validation := validateArgs(call.Arguments, a.sandboxRoots)
	if !validation.OK() {
		return Result{
			ToolResult: models.ToolResult{
				ID:        call.ID,
				Permitted: true,
				Error:     "argument validation failed: " + validation.Errors[0],
			},
			Warnings: validation.Warnings,
		}
	}

	a.log.MustRecord(ctx, audit.Entry{
		TenantID:    cc.Identity.TenantID,
		WorkspaceID: cc.WorkspaceID,
		TraceID:     cc.TraceID,
		UserID:      cc.Identity.UserID,
		Type:        audit.EventToolRequested,
		Payload:     map[string]any{"tool": call.Name},
	})

	outcome := a.cp.CallTool(ctx, call.Name, call.Arguments, controlplane.ToolCallContext{
		TenantID:    cc.Identity.TenantID,
		WorkspaceID: cc.WorkspaceID,
		TraceID:     cc.TraceID,
		UserID:      cc.Identity.UserID,
		Role:        cc.Identity.AgentRole,
		Timeout:     a.proxyTimeout,
	})

	eventType := audit.EventToolSucceeded
	if !outcome.Success {
		eventType = audit.EventToolFailed
	}
	a.log.MustRecord(ctx, audit.Entry{
		TenantID:    cc.Identity.TenantID,
		WorkspaceID: cc.WorkspaceID,
		TraceID:     cc.TraceID,
		Type:        eventType,
		Payload:     map[string]any{"tool": call.Name, "duration_ms": outcome.DurationMs},
	})

	return Result{
		ToolResult: models.ToolResult{
			ID:         call.ID,
			Success:    outcome.Success,
			Result:     outcome.Result,
			Error:      outcome.Error,
			DurationMs: outcome.DurationMs,
			Permitted:  true,
		},
		Warnings: validation.Warnings,
	}
}

// denied applies the skill gate then the tenant gate; the returned
// reason names the gate that blocked.
func (a *Arbiter) denied(tool string, cc CallContext) (string, bool) {
	permitted := false
	for _, m := range cc.Skills {
		if m.PermitsTool(tool) {
			permitted = true
			break
		}
	}
	if !permitted {
		return "skill", true
	}
	if !cc.Identity.Capabilities.ToolAllowed(tool) {
		return "tenant", true
	}
	return "", false
}
