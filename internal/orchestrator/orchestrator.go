// Package orchestrator drives the per-request execution pipeline:
// admission, budget forecast, workspace and skill resolution, model
// invocation with tool arbitration, and completion with trace
// persistence and notification.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/wardenhq/warden/internal/arbiter"
	"github.com/wardenhq/warden/internal/audit"
	"github.com/wardenhq/warden/internal/budget"
	"github.com/wardenhq/warden/internal/config"
	"github.com/wardenhq/warden/internal/controlplane"
	"github.com/wardenhq/warden/internal/errkind"
	"github.com/wardenhq/warden/internal/observability"
	"github.com/wardenhq/warden/internal/provider"
	"github.com/wardenhq/warden/internal/redact"
	"github.com/wardenhq/warden/internal/skills"
	"github.com/wardenhq/warden/internal/tenancy"
	"github.com/wardenhq/warden/internal/trace"
	"github.com/wardenhq/warden/internal/usage"
	"github.com/wardenhq/warden/internal/webhook"
	"github.com/wardenhq/warden/internal/workspace"
	"github.com/wardenhq/warden/pkg/models"
)

// estimateCharsPerToken is the rough chars-per-token divisor used for
// forecasting before the provider reports real usage.
const estimateCharsPerToken = 4

// defaultContextWindow approximates the model context size for the
// warning threshold.
const defaultContextWindow = 128000

// forecastOutputTokens bounds the output side of the cost forecast.
const forecastOutputTokens = 4096

// Metadata is the optional request metadata block.
type Metadata struct {
	SystemPrompt string `json:"system_prompt,omitempty"`
	KickoffPlan  string `json:"kickoff_plan,omitempty"`
	KickoffNote  string `json:"kickoff_note,omitempty"`
	Timezone     string `json:"timezone,omitempty"`
}

// Request is one agent execution request.
type Request struct {
	UserID          string           `json:"user_id"`
	SessionKey      string           `json:"session_key"`
	Message         string           `json:"message"`
	Messages        []models.Message `json:"messages,omitempty"`
	TaskID          string           `json:"task_id,omitempty"`
	TaskTitle       string           `json:"task_title,omitempty"`
	TaskDescription string           `json:"task_description,omitempty"`
	TaskMetadata    map[string]any   `json:"task_metadata,omitempty"`
	Environment     string           `json:"environment,omitempty"`
	Model           string           `json:"model,omitempty"`
	Metadata        Metadata         `json:"metadata,omitzero"`
	Webhook         *webhook.Config  `json:"webhook,omitempty"`
	Labels          map[string]string `json:"labels,omitempty"`
}

// Result is the sealed outcome of one execution.
type Result struct {
	TaskID         string               `json:"task_id,omitempty"`
	Response       string               `json:"response"`
	Usage          models.Usage         `json:"usage"`
	Cost           models.CostBreakdown `json:"cost"`
	TraceID        string               `json:"trace_id"`
	ContextWarning string               `json:"context_warning,omitempty"`
}

// Orchestrator wires the pipeline's collaborators.
type Orchestrator struct {
	cfg       *config.Config
	budgets   *budget.Manager
	loader    *workspace.Loader
	composer  *workspace.Composer
	envs      *workspace.Environments
	registry  *skills.Registry
	gating    *skills.GatingContext
	redactor  *redact.Redactor
	traces    *trace.Store
	retention *trace.Retention
	providers *provider.Service
	arbiter   *arbiter.Arbiter
	cp        *controlplane.Client
	hooks     *webhook.Emitter
	log       *audit.Log
	metrics   *observability.Metrics
	tracker   *usage.Tracker
	logger    *slog.Logger
}

// Deps bundles the orchestrator's collaborators.
type Deps struct {
	Config    *config.Config
	Budgets   *budget.Manager
	Loader    *workspace.Loader
	Composer  *workspace.Composer
	Envs      *workspace.Environments
	Registry  *skills.Registry
	Gating    *skills.GatingContext
	Redactor  *redact.Redactor
	Traces    *trace.Store
	Retention *trace.Retention
	Providers *provider.Service
	Arbiter   *arbiter.Arbiter
	CP        *controlplane.Client
	Hooks     *webhook.Emitter
	Audit     *audit.Log
	Metrics   *observability.Metrics
	Tracker   *usage.Tracker
	Logger    *slog.Logger
}

// New builds the orchestrator.
func New(d Deps) *Orchestrator {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		cfg:       d.Config,
		budgets:   d.Budgets,
		loader:    d.Loader,
		composer:  d.Composer,
		envs:      d.Envs,
		registry:  d.Registry,
		gating:    d.Gating,
		redactor:  d.Redactor,
		traces:    d.Traces,
		retention: d.Retention,
		providers: d.Providers,
		arbiter:   d.Arbiter,
		cp:        d.CP,
		hooks:     d.Hooks,
		log:       d.Audit,
		metrics:   d.Metrics,
		tracker:   d.Tracker,
		logger:    logger.With("component", "orchestrator"),
	}
}

// resolved is the outcome of the RESOLVED stage.
type resolved struct {
	prompt        string
	workspaceHash string
	skillVersions map[string]string
	manifests     []*skills.Manifest
	model         string
	fallback      string
}

// Execute runs the full non-streaming pipeline.
func (o *Orchestrator) Execute(ctx context.Context, id tenancy.Identity, req Request) (*Result, error) {
	start := time.Now()

	// ADMITTED. A rejected caller leaves no trace behind; the builder
	// is created only afterwards so it carries the role resolved from
	// the session key.
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
		Payload:     map[string]any{"role": id.AgentRole},
	})

	// RESOLVED (before FORECAST's token estimate so the estimate sees
	// the real prompt size).
	res, err := o.resolve(ctx, id, req)
	if err != nil {
		return nil, o.fail(ctx, id, builder, err)
	}
	builder.SetResolved(res.workspaceHash, res.skillVersions)
	builder.SetModel(res.model, provider.ParseModel(res.model, o.cfg.LLM.DefaultProvider).Provider)

	// FORECAST
	promptTokens := estimateTokens(res.prompt + req.Message)
	forecast, err := o.budgets.ForecastCost(ctx, id.TenantID, promptTokens, forecastOutputTokens,
		provider.ParseModel(res.model, o.cfg.LLM.DefaultProvider).Model)
	if err != nil {
		return nil, o.fail(ctx, id, builder, err)
	}
	if err := o.budgets.CheckBeforeExecution(ctx, id.TenantID, forecast, builder.ID()); err != nil {
		o.metrics.BudgetDenials.WithLabelValues(id.TenantID).Inc()
		return nil, o.fail(ctx, id, builder, err)
	}

	// INVOKING / ARBITRATING
	response, err := o.invoke(ctx, id, req, res, builder)
	if err != nil {
		return nil, o.fail(ctx, id, builder, err)
	}

	// COMPLETING
	snapshot := builder.Snapshot()
	output := trace.Output{Message: response}
	for _, step := range snapshot.Steps {
		if step.Type == trace.StepToolResult && step.Success != nil && *step.Success {
			output.ToolSummaries = append(output.ToolSummaries, trace.ToolSummary{
				Name:       step.ToolName,
				DurationMs: step.DurationMs,
			})
		}
	}
	builder.SetOutput(output)
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
			"tokens":      sealed.Usage.TotalTokens,
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
	if forecast.Warning != "" && result.ContextWarning == "" {
		result.ContextWarning = forecast.Warning
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

// admit authenticates the session key against the token identity and
// fills the role from the key.
func (o *Orchestrator) admit(ctx context.Context, id *tenancy.Identity, req *Request) error {
	if strings.TrimSpace(req.Message) == "" {
		return errkind.New(errkind.Validation, "message is required")
	}
	key, err := models.ParseSessionKey(req.SessionKey)
	if err != nil {
		return errkind.Wrap(errkind.Validation, err, "invalid session key")
	}
	if req.UserID != "" && req.UserID != key.UserID {
		return errkind.New(errkind.Validation, "user_id disagrees with session key")
	}
	if err := id.CheckSessionKey(key); err != nil {
		o.log.MustRecord(ctx, audit.Entry{
			TenantID: id.TenantID,
			UserID:   key.UserID,
			Type:     audit.EventAuthFailure,
			Payload:  map[string]any{"reason": "session key user mismatch"},
		})
		return err
	}
	id.AgentRole = key.AgentRole
	return nil
}

// resolve chooses the workspace snapshot, skills, prompt, and model.
func (o *Orchestrator) resolve(ctx context.Context, id tenancy.Identity, req Request) (*resolved, error) {
	env := req.Environment
	if env == "" {
		env = o.cfg.Workspace.DefaultEnvironment
	}

	res := &resolved{skillVersions: map[string]string{}}

	pin, err := o.envs.GetPin(ctx, o.cfg.Workspace.ID, env)
	if err != nil && errkind.KindOf(err) != errkind.NotFound {
		return nil, err
	}
	if pin != nil {
		res.workspaceHash = pin.VersionHash
		if pin.Model != "" {
			res.model = pin.Model
			if pin.Provider != "" {
				res.model = pin.Provider + "/" + pin.Model
			}
		}
	}

	manifests, versions, err := o.resolveSkills(ctx, id, pin)
	if err != nil {
		return nil, err
	}
	res.manifests = manifests
	res.skillVersions = versions

	if res.model == "" {
		res.model = req.Model
	}
	if res.model == "" {
		res.model = o.cfg.LLM.DefaultModel
	}
	modelName := provider.ParseModel(res.model, o.cfg.LLM.DefaultProvider).Model
	if !id.Capabilities.ModelAllowed(modelName) {
		return nil, errkind.New(errkind.PermissionDenied, "model %q is not permitted for this tenant", modelName)
	}
	res.fallback = o.cfg.LLM.FallbackModel

	if req.Metadata.SystemPrompt != "" {
		res.prompt = req.Metadata.SystemPrompt
	} else {
		bodies := make([]string, 0, len(manifests))
		for _, m := range manifests {
			bodies = append(bodies, m.Body)
		}
		res.prompt = o.composer.Compose(workspace.PromptRequest{
			Mode:            workspace.PromptFull,
			Role:            id.AgentRole,
			SkillBodies:     bodies,
			IncludeMemory:   true,
			IncludeTime:     o.cfg.Workspace.TimeContext,
			Timezone:        req.Metadata.Timezone,
			DefaultTimezone: o.cfg.Workspace.DefaultTimezone,
			Now:             time.Now(),
		})
	}
	return res, nil
}

// resolveSkills selects skills via pins when present, otherwise the
// workspace's skill folders resolved through the registry. Gated-out
// and tenant-excluded skills are skipped.
func (o *Orchestrator) resolveSkills(ctx context.Context, id tenancy.Identity, pin *workspace.Pin) ([]*skills.Manifest, map[string]string, error) {
	versions := map[string]string{}
	var manifests []*skills.Manifest

	consider := func(entry *skills.Entry) {
		m := entry.Manifest
		if !id.Capabilities.SkillAllowed(m.Name) {
			return
		}
		if eligible, reason := o.gating.Eligible(m); !eligible {
			o.logger.Debug("skill gated out", "skill", m.Name, "reason", reason)
			return
		}
		manifests = append(manifests, m)
		versions[m.Name] = m.Version
	}

	if pin != nil && len(pin.SkillPins) > 0 {
		for name, version := range pin.SkillPins {
			entry, err := o.registry.GetVersion(ctx, name, version)
			if err != nil {
				return nil, nil, err
			}
			if err := o.registry.AdmitForExecution(ctx, id.TenantID, "", entry); err != nil {
				return nil, nil, err
			}
			consider(entry)
		}
		return manifests, versions, nil
	}

	names, err := o.loader.SkillNames()
	if err != nil {
		return nil, nil, err
	}
	for _, name := range names {
		entry, err := o.registry.Get(ctx, name)
		if err != nil {
			if errkind.KindOf(err) == errkind.NotFound {
				continue
			}
			return nil, nil, err
		}
		consider(entry)
	}
	return manifests, versions, nil
}

// invoke runs the model-call loop with tool arbitration, bounded by
// the tool-round cap.
func (o *Orchestrator) invoke(ctx context.Context, id tenancy.Identity, req Request, res *resolved, builder *trace.Builder) (string, error) {
	history := append([]models.Message(nil), req.Messages...)
	userMessage := req.Message
	ref := provider.ParseModel(res.model, o.cfg.LLM.DefaultProvider)

	maxRounds := o.cfg.Tools.MaxRounds
	if maxRounds <= 0 {
		maxRounds = 5
	}

	for round := 0; ; round++ {
		callStart := time.Now()
		resp, err := o.providers.Complete(ctx, provider.Request{
			System:      res.prompt,
			History:     history,
			UserMessage: userMessage,
			Model:       res.model,
			MaxTokens:   id.Capabilities.MaxTokens,
		}, res.fallback)
		if err != nil {
			o.metrics.RecordLLM(ref.Provider, ref.Model, "error", 0, 0)
			return "", err
		}

		builder.AddLLMCall(resp.Model, resp.Provider, resp.Usage, resp.Cost.TotalCost, time.Since(callStart))
		builder.SetModel(resp.Model, resp.Provider)
		o.metrics.RecordLLM(resp.Provider, resp.Model, "success", resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
		o.tracker.Track(usage.Record{
			Provider: resp.Provider, Model: resp.Model, TenantID: id.TenantID,
			Usage: resp.Usage, Cost: resp.Cost.TotalCost,
		})

		calls := arbiter.ParseToolCalls(resp.Response)
		if len(calls) == 0 {
			return resp.Response, nil
		}
		if round+1 >= maxRounds {
			return "", errkind.New(errkind.Internal, "tool-call loop exceeded %d rounds", maxRounds)
		}

		results := o.arbiter.Execute(ctx, calls, arbiter.CallContext{
			Identity:    id,
			WorkspaceID: o.cfg.Workspace.ID,
			TraceID:     builder.ID(),
			Skills:      res.manifests,
		})

		history = append(history,
			models.Message{Role: "user", Content: userMessage},
			models.Message{Role: "assistant", Content: resp.Response})
		for i, result := range results {
			builder.AddToolCall(calls[i])
			builder.AddToolResult(result.ToolResult)

			status := "success"
			switch {
			case !result.Permitted:
				status = "denied"
			case !result.Success:
				status = "error"
			}
			o.metrics.RecordTool(calls[i].Name, status, float64(result.DurationMs)/1000)

			history = append(history, models.Message{
				Role:       "tool",
				Content:    formatToolResult(result),
				ToolCallID: result.ID,
			})
		}
		userMessage = "Continue with the tool results above."
	}
}

// notify resolves the target task and posts the response message (and
// optional kickoff document) to the control plane. Failures degrade to
// logs; the response still returns.
func (o *Orchestrator) notify(ctx context.Context, id tenancy.Identity, req Request, builder *trace.Builder, response string) string {
	taskID, err := o.resolveTask(ctx, id, req)
	if err != nil {
		o.logger.Warn("task resolution failed", "error", err)
		return ""
	}

	links := trace.EntityLinks{TaskID: taskID}
	if taskID != "" {
		messageID, err := o.cp.PostMessage(ctx, id, controlplane.MessageRequest{
			TaskID:         taskID,
			Role:           "assistant",
			Content:        response,
			TraceID:        builder.ID(),
			IdempotencyKey: builder.ID() + "-msg",
		})
		if err != nil {
			o.logger.Warn("message not posted", "task", taskID, "error", err)
		} else {
			links.MessageID = messageID
		}

		if req.Metadata.KickoffPlan != "" {
			documentID, err := o.cp.PostDocument(ctx, id, controlplane.DocumentRequest{
				TaskID:         taskID,
				Title:          "Kickoff Plan",
				Content:        req.Metadata.KickoffPlan,
				TraceID:        builder.ID(),
				IdempotencyKey: builder.ID() + "-doc",
			})
			if err != nil {
				o.logger.Warn("kickoff document not posted", "task", taskID, "error", err)
			} else {
				links.DocumentID = documentID
			}
		}
	}
	builder.SetLinks(links)
	return taskID
}

// resolveTask selects the target task: explicit id, explicit title
// (find-or-create), then the configured default title.
func (o *Orchestrator) resolveTask(ctx context.Context, id tenancy.Identity, req Request) (string, error) {
	if req.TaskID != "" {
		return req.TaskID, nil
	}
	title := req.TaskTitle
	if title == "" {
		title = o.cfg.Server.DefaultTaskTitle
	}
	if title == "" {
		return "", errkind.New(errkind.Validation, "no task id, title, or default title")
	}
	if o.cfg.Server.ControlPlaneURL == "" {
		return "", nil
	}
	task, err := o.cp.FindOrCreateTask(ctx, id, title)
	if err != nil {
		return "", err
	}
	return task.ID, nil
}

// fail seals an error trace, audits the failure, and surfaces the
// original error.
func (o *Orchestrator) fail(ctx context.Context, id tenancy.Identity, builder *trace.Builder, execErr error) error {
	kind := errkind.KindOf(execErr)
	builder.AddError(execErr.Error())
	sealed := builder.Seal(execErr)
	o.persist(ctx, sealed)

	o.log.MustRecord(ctx, audit.Entry{
		TenantID:    id.TenantID,
		WorkspaceID: o.cfg.Workspace.ID,
		TraceID:     sealed.ID,
		UserID:      id.UserID,
		Type:        audit.EventExecutionFailed,
		Payload:     map[string]any{"kind": string(kind), "error": execErr.Error()},
	})
	o.metrics.ExecutionCounter.WithLabelValues(id.TenantID, "error").Inc()
	return execErr
}

// persist redacts and saves a sealed trace, honoring the tenant's
// sampling admission. Persistence failure degrades the response.
func (o *Orchestrator) persist(ctx context.Context, sealed *trace.Trace) {
	trace.Redact(sealed, o.redactor)

	policy, err := o.retention.GetPolicy(ctx, sealed.TenantID)
	if err != nil {
		o.logger.Error("retention policy lookup failed", "tenant", sealed.TenantID, "error", err)
	}
	if !trace.Admit(policy, sealed) {
		o.metrics.TracesSaved.WithLabelValues(sealed.TenantID, "dropped").Inc()
		return
	}
	if err := o.traces.Save(ctx, sealed); err != nil {
		o.logger.Error("trace not saved", "trace", sealed.ID, "error", err)
		o.metrics.TracesSaved.WithLabelValues(sealed.TenantID, "error").Inc()
		return
	}
	o.metrics.TracesSaved.WithLabelValues(sealed.TenantID, "ok").Inc()
}

func (o *Orchestrator) contextWarning(promptTokens int) string {
	warnPct := o.cfg.LLM.ContextWarnPct
	if warnPct <= 0 {
		return ""
	}
	pct := promptTokens * 100 / defaultContextWindow
	if pct >= warnPct {
		return fmt.Sprintf("prompt uses ~%d%% of the context window", pct)
	}
	return ""
}

func estimateTokens(s string) int {
	return len(s) / estimateCharsPerToken
}

func formatToolResult(r arbiter.Result) string {
	if r.Success {
		return fmt.Sprintf("%v", r.Result)
	}
	return "error: " + r.Error
}
