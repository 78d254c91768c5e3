package orchestrator

import (
	"context"
	"time"

	"github.com/wardenhq/warden/internal/provider"
	"github.com/wardenhq/warden/internal/tenancy"
	"github.com/wardenhq/warden/internal/trace"
	"github.com/wardenhq/warden/internal/usage"
	"github.com/wardenhq/warden/pkg/models"
)

// CompactRequest asks for a conversation history to be summarized down
// to a budget-friendly size.
type CompactRequest struct {
	Messages     []models.Message `json:"messages"`
	Instructions string           `json:"instructions,omitempty"`
	KeepRecent   int              `json:"keep_recent,omitempty"`
}

// CompactResponse is the compacted history plus the trace that recorded
// the summarization call.
type CompactResponse struct {
	History   []models.Message     `json:"history"`
	Compacted bool                 `json:"compacted"`
	Usage     models.Usage         `json:"usage"`
	Cost      models.CostBreakdown `json:"cost"`
	TraceID   string               `json:"trace_id,omitempty"`
}

// CompactHistory summarizes older turns with the cheap-tier model. A
// history short enough to keep whole returns unchanged without a trace.
func (o *Orchestrator) CompactHistory(ctx context.Context, id tenancy.Identity, req CompactRequest) (*CompactResponse, error) {
	start := time.Now()
	result, err := o.providers.Compact(ctx, req.Messages, req.Instructions, o.cfg.LLM.CheapModel, req.KeepRecent)
	if err != nil {
		return nil, err
	}

	out := &CompactResponse{
		History:   result.History,
		Compacted: result.Compacted,
		Usage:     result.Usage,
		Cost:      result.Cost,
	}
	if !result.Compacted {
		return out, nil
	}

	ref := provider.ParseModel(o.cfg.LLM.CheapModel, o.cfg.LLM.DefaultProvider)
	builder := trace.NewBuilder(id.TenantID, o.cfg.Workspace.ID, id.AgentRole)
	builder.SetInput("", len(req.Messages))
	builder.AddLabel("operation", "compact")
	builder.AddLLMCall(result.Cost.Model, ref.Provider, result.Usage, result.Cost.TotalCost, time.Since(start))
	sealed := builder.Seal(nil)
	o.persist(ctx, sealed)
	out.TraceID = sealed.ID

	o.metrics.RecordLLM(ref.Provider, ref.Model, "success", result.Usage.PromptTokens, result.Usage.CompletionTokens)
	o.tracker.Track(usage.Record{
		Provider: ref.Provider, Model: ref.Model, TenantID: id.TenantID,
		Usage: result.Usage, Cost: result.Cost.TotalCost,
	})
	if result.Cost.TotalCost > 0 {
		if err := o.budgets.RecordSpend(ctx, id.TenantID, result.Cost.TotalCost); err != nil {
			o.logger.Error("spend not recorded", "tenant", id.TenantID, "error", err)
		}
	}
	return out, nil
}

// TaskRunRequest is a one-shot structured-output invocation.
type TaskRunRequest struct {
	Prompt      string         `json:"prompt"`
	Input       map[string]any `json:"input,omitempty"`
	Schema      map[string]any `json:"schema,omitempty"`
	Model       string         `json:"model,omitempty"`
	Temperature float64        `json:"temperature,omitempty"`
}

// TaskRunResponse is the validated structured output plus its trace.
type TaskRunResponse struct {
	Output    map[string]any       `json:"output"`
	Validated bool                 `json:"validated"`
	Usage     models.Usage         `json:"usage"`
	Cost      models.CostBreakdown `json:"cost"`
	Model     string               `json:"model"`
	Provider  string               `json:"provider"`
	TraceID   string               `json:"trace_id"`
}

// RunTask executes a schema-constrained model call under the same
// budget and trace discipline as a full execution.
func (o *Orchestrator) RunTask(ctx context.Context, id tenancy.Identity, req TaskRunRequest) (*TaskRunResponse, error) {
	start := time.Now()
	model := req.Model
	if model == "" {
		model = o.cfg.LLM.DefaultModel
	}
	ref := provider.ParseModel(model, o.cfg.LLM.DefaultProvider)

	builder := trace.NewBuilder(id.TenantID, o.cfg.Workspace.ID, id.AgentRole)
	builder.SetInput(req.Prompt, 0)
	builder.AddLabel("operation", "task")
	builder.SetModel(model, ref.Provider)

	promptTokens := estimateTokens(req.Prompt)
	forecast, err := o.budgets.ForecastCost(ctx, id.TenantID, promptTokens, forecastOutputTokens, ref.Model)
	if err != nil {
		return nil, o.fail(ctx, id, builder, err)
	}
	if err := o.budgets.CheckBeforeExecution(ctx, id.TenantID, forecast, builder.ID()); err != nil {
		o.metrics.BudgetDenials.WithLabelValues(id.TenantID).Inc()
		return nil, o.fail(ctx, id, builder, err)
	}

	result, err := o.providers.Task(ctx, provider.TaskRequest{
		Prompt:      req.Prompt,
		Input:       req.Input,
		Schema:      req.Schema,
		Model:       model,
		Fallback:    o.cfg.LLM.FallbackModel,
		Temperature: req.Temperature,
	})
	if err != nil {
		o.metrics.RecordLLM(ref.Provider, ref.Model, "error", 0, 0)
		return nil, o.fail(ctx, id, builder, err)
	}

	builder.AddLLMCall(result.Model, result.Provider, result.Usage, result.Cost.TotalCost, time.Since(start))
	sealed := builder.Seal(nil)
	o.persist(ctx, sealed)

	o.metrics.RecordLLM(result.Provider, result.Model, "success", result.Usage.PromptTokens, result.Usage.CompletionTokens)
	o.tracker.Track(usage.Record{
		Provider: result.Provider, Model: result.Model, TenantID: id.TenantID,
		Usage: result.Usage, Cost: result.Cost.TotalCost,
	})
	if result.Cost.TotalCost > 0 {
		if err := o.budgets.RecordSpend(ctx, id.TenantID, result.Cost.TotalCost); err != nil {
			o.logger.Error("spend not recorded", "tenant", id.TenantID, "error", err)
		}
	}

	return &TaskRunResponse{
		Output:    result.Output,
		Validated: result.Validated,
		Usage:     result.Usage,
		Cost:      result.Cost,
		Model:     result.Model,
		Provider:  result.Provider,
		TraceID:   sealed.ID,
	}, nil
}
