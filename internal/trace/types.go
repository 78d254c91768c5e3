// Package trace records one structured, sealed trace per execution:
// resolved versions, ordered steps, usage totals, outputs, and labels.
package trace

import (
	"time"

	"github.com/wardenhq/warden/pkg/models"
)

// StepType classifies a trace step.
type StepType string

const (
	StepLLMCall    StepType = "llm_call"
	StepToolCall   StepType = "tool_call"
	StepToolResult StepType = "tool_result"
	StepError      StepType = "error"
)

// Step is one entry in a trace's ordered step sequence. Fields are
// populated according to Type.
type Step struct {
	Type       StepType  `json:"type"`
	Timestamp  time.Time `json:"timestamp"`
	DurationMs int64     `json:"duration_ms,omitempty"`

	// llm_call
	Model        string  `json:"model,omitempty"`
	Provider     string  `json:"provider,omitempty"`
	InputTokens  int     `json:"input_tokens,omitempty"`
	OutputTokens int     `json:"output_tokens,omitempty"`
	Cost         float64 `json:"cost,omitempty"`

	// tool_call / tool_result
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolName   string         `json:"tool_name,omitempty"`
	Arguments  map[string]any `json:"arguments,omitempty"`
	Success    *bool          `json:"success,omitempty"`
	Permitted  *bool          `json:"permitted,omitempty"`
	Result     any            `json:"result,omitempty"`

	// error (also reused for tool_result failures)
	Message string `json:"message,omitempty"`
}

// ToolSummary is a successful tool call condensed into the final output.
type ToolSummary struct {
	Name       string `json:"name"`
	DurationMs int64  `json:"duration_ms"`
}

// Output is the finalized result of an execution.
type Output struct {
	Message       string        `json:"message"`
	ToolSummaries []ToolSummary `json:"tool_summaries,omitempty"`
}

// EntityLinks ties a trace to the control plane's domain entities by id.
type EntityLinks struct {
	TaskID     string `json:"task_id,omitempty"`
	DocumentID string `json:"document_id,omitempty"`
	MessageID  string `json:"message_id,omitempty"`
}

// Trace is the sealed record of one execution. It references the
// workspace by hash and skills by (name, version), never by pointer.
type Trace struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	WorkspaceID string    `json:"workspace_id"`
	AgentRole   string    `json:"agent_role"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at,omitzero"`
	DurationMs  int64     `json:"duration_ms"`

	WorkspaceHash string            `json:"workspace_hash,omitempty"`
	SkillVersions map[string]string `json:"skill_versions,omitempty"`
	Model         string            `json:"model,omitempty"`
	Provider      string            `json:"provider,omitempty"`

	InputMessage string `json:"input_message,omitempty"`
	HistoryCount int    `json:"history_count"`

	Steps  []Step  `json:"steps"`
	Output *Output `json:"output,omitempty"`

	Usage models.Usage `json:"usage"`
	Cost  float64      `json:"cost"`

	RedactedPrompt string            `json:"redacted_prompt,omitempty"`
	Error          string            `json:"error,omitempty"`
	Labels         map[string]string `json:"labels,omitempty"`
	Links          EntityLinks       `json:"links,omitzero"`
}

// Sealed reports whether the trace has been completed.
func (t Trace) Sealed() bool { return !t.CompletedAt.IsZero() }

// Annotation is append-only metadata on a sealed trace.
type Annotation struct {
	ID        int64     `json:"id"`
	TraceID   string    `json:"trace_id"`
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"created_at"`
}
