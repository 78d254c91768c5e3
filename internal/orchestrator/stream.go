package orchestrator

import (
	"context"
	"strings"
	"time"

	"github.com/wardenhq/warden/internal/audit"
	"github.com/wardenhq/warden/internal/errkind"
	"github.com/wardenhq/warden/internal/provider"
	"github.com/wardenhq/warden/internal/tenancy"
	"github.com/wardenhq/warden/internal/trace"
	"github.com/wardenhq/warden/internal/usage"
	"github.com/wardenhq/warden/internal/webhook"
	"github.com/wardenhq/warden/pkg/models"
)

// ExecuteStream runs the pipeline with a streamed model response,
// forwarding each event to emit as it arrives. Tool calls are not
// arbitrated mid-stream; a streamed response that turns out to be a
// tool-call envelope is delivered as text. The sealed result returns
// after the terminal event.
func (o *Orchestrator) ExecuteStream(ctx context.Context, id tenancy.Identity, req Request, emit func(provider.StreamEvent)) (*Result, error) {
	start := time.Now()

	if err := o.admit(ctx, &id, &req); err != nil {
		o.metrics.ExecutionCounter.WithLabelValues(id.TenantID, "rejected").Inc()
		return nil, err
	}
	builder := trace.NewBuilder(id.TenantID, o.cfg.Workspace.ID, id.AgentRole)
	builder.SetInput(req.Message, len(req.Messages))
	for key, value := range req.Labels {
		builder.AddLabel(key, value)
	}
	o.log.MustRecord(ctx, audit.Entry{
		TenantID:    id.TenantID,
		WorkspaceID: o.cfg.Workspace.ID,
		TraceID:     builder.ID(),
		UserID:      id.UserID,
		Type:        audit.EventExecutionStarted,
		Payload:     map[string]any{"role": id.AgentRole, "stream": true},
	})

	res, err := o.resolve(ctx, id, req)
	if err != nil {
		return nil, o.fail(ctx, id, builder, err)
	}
	builder.SetResolved(res.workspaceHash, res.skillVersions)
	ref := provider.ParseModel(res.model, o.cfg.LLM.DefaultProvider)
	builder.SetModel(res.model, ref.Provider)

	promptTokens := estimateTokens(res.prompt + req.Message)
	forecast, err := o.budgets.ForecastCost(ctx, id.TenantID, promptTokens, forecastOutputTokens, ref.Model)
	if err != nil {
		return nil, o.fail(ctx, id, builder, err)
	}
	if err := o.budgets.CheckBeforeExecution(ctx, id.TenantID, forecast, builder.ID()); err != nil {
		o.metrics.BudgetDenials.WithLabelValues(id.TenantID).Inc()
		return nil, o.fail(ctx, id, builder, err)
	}

	events, err := o.providers.Stream(ctx, provider.Request{
		System:      res.prompt,
		History:     req.Messages,
		UserMessage: req.Message,
		Model:       res.model,
		MaxTokens:   id.Capabilities.MaxTokens,
	})
	if err != nil {
		o.metrics.RecordLLM(ref.Provider, ref.Model, "error", 0, 0)
		return nil, o.fail(ctx, id, builder, err)
	}

	var text strings.Builder
	var streamUsage models.Usage
	var streamCost float64
	callStart := time.Now()
	for event := range events {
		emit(event)
		switch event.Type {
		case provider.EventChunk:
			text.WriteString(event.Text)
		case provider.EventDone:
			if event.Usage != nil {
				streamUsage = *event.Usage
			}
			if event.Cost != nil {
				streamCost = event.Cost.TotalCost
			}
		case provider.EventError:
			err := errkind.New(errkind.UpstreamUnavailable, "stream failed: %s", event.Error)
			return nil, o.fail(ctx, id, builder, err)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, o.fail(ctx, id, builder, err)
	}

	response := text.String()
	builder.AddLLMCall(res.model, ref.Provider, streamUsage, streamCost, time.Since(callStart))
	o.metrics.RecordLLM(ref.Provider, ref.Model, "success", streamUsage.PromptTokens, streamUsage.CompletionTokens)
	o.tracker.Track(usage.Record{
		Provider: ref.Provider, Model: ref.Model, TenantID: id.TenantID,
		Usage: streamUsage, Cost: streamCost,
	})

	builder.SetOutput(trace.Output{Message: response})
	redactedPrompt, _ := o.redactor.Redact(res.prompt)
	builder.SetRedactedPrompt(redactedPrompt)

	taskID := o.notify(ctx, id, req, builder, response)

	sealed := builder.Seal(nil)
	o.persist(ctx, sealed)
	if sealed.Cost > 0 {
		if err := o.budgets.RecordSpend(ctx, id.TenantID, sealed.Cost); err != nil {
			o.logger.Error("spend not recorded", "tenant", id.TenantID, "error", err)
		}
	}

	o.log.MustRecord(ctx, audit.Entry{
		TenantID:    id.TenantID,
		WorkspaceID: o.cfg.Workspace.ID,
		TraceID:     sealed.ID,
		UserID:      id.UserID,
		Type:        audit.EventExecutionCompleted,
		Payload: map[string]any{
			"duration_ms": sealed.DurationMs,
			"cost":        sealed.Cost,
			"stream":      true,
		},
	})
	o.metrics.ExecutionCounter.WithLabelValues(id.TenantID, "ok").Inc()
	o.metrics.ExecutionDuration.WithLabelValues(id.TenantID).Observe(time.Since(start).Seconds())

	result := &Result{
		TaskID:   taskID,
		Response: response,
		Usage:    sealed.Usage,
		Cost: models.CostBreakdown{
			Model:     sealed.Model,
			TotalCost: sealed.Cost,
			Currency:  "USD",
		},
		TraceID:        sealed.ID,
		ContextWarning: o.contextWarning(promptTokens),
	}

	o.hooks.Fire(req.Webhook, webhook.Payload{
		Event:    webhook.EventCompleted,
		TraceID:  sealed.ID,
		TaskID:   taskID,
		UserID:   id.UserID,
		Role:     id.AgentRole,
		Response: response,
		Usage:    &sealed.Usage,
		Cost:     &result.Cost,
	})
	return result, nil
}
