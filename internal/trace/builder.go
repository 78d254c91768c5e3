package trace

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wardenhq/warden/pkg/models"
)

// idSeq disambiguates ids minted in the same instant so lexical order
// still approximates chronological order across requests.
var idSeq atomic.Uint64

// NewID mints a time-ordered trace id.
func NewID() string {
	return fmt.Sprintf("tr_%016x%04x", time.Now().UTC().UnixNano(), idSeq.Add(1)&0xffff)
}

// Builder accumulates a trace during execution and seals it exactly once.
// It is safe for concurrent step appends from a tool fan-in.
type Builder struct {
	mu     sync.Mutex
	trace  Trace
	sealed bool
	now    func() time.Time
}

// NewBuilder starts a trace for one admitted request.
func NewBuilder(tenantID, workspaceID, agentRole string) *Builder {
	now := time.Now().UTC()
	return &Builder{
		trace: Trace{
			ID:          NewID(),
			TenantID:    tenantID,
			WorkspaceID: workspaceID,
			AgentRole:   agentRole,
			StartedAt:   now,
			Labels:      map[string]string{},
		},
		now: time.Now,
	}
}

// ID returns the trace id.
func (b *Builder) ID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.trace.ID
}

// SetInput records the incoming message and the prior-history count
// (content of history is never stored).
func (b *Builder) SetInput(message string, historyCount int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trace.InputMessage = message
	b.trace.HistoryCount = historyCount
}

// SetResolved records the pinned workspace hash and skill versions.
func (b *Builder) SetResolved(workspaceHash string, skillVersions map[string]string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trace.WorkspaceHash = workspaceHash
	if len(skillVersions) > 0 {
		b.trace.SkillVersions = skillVersions
	}
}

// SetModel records the model and provider that served the request.
func (b *Builder) SetModel(model, provider string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trace.Model = model
	b.trace.Provider = provider
}

// SetRedactedPrompt stores the redacted system prompt.
func (b *Builder) SetRedactedPrompt(prompt string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trace.RedactedPrompt = prompt
}

// SetLinks attaches external entity links.
func (b *Builder) SetLinks(links EntityLinks) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trace.Links = links
}

// AddLabel sets a label on the (possibly still open) trace.
func (b *Builder) AddLabel(key, value string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trace.Labels[key] = value
}

// AddLLMCall appends a model-call step and accumulates usage totals.
func (b *Builder) AddLLMCall(model, provider string, usage models.Usage, cost float64, duration time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sealed {
		return
	}
	b.trace.Steps = append(b.trace.Steps, Step{
		Type:         StepLLMCall,
		Timestamp:    b.now().UTC(),
		DurationMs:   duration.Milliseconds(),
		Model:        model,
		Provider:     provider,
		InputTokens:  usage.PromptTokens,
		OutputTokens: usage.CompletionTokens,
		Cost:         cost,
	})
	b.trace.Usage.Add(usage)
	b.trace.Cost += cost
}

// AddToolCall appends a tool-call step.
func (b *Builder) AddToolCall(call models.ToolCall) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sealed {
		return
	}
	b.trace.Steps = append(b.trace.Steps, Step{
		Type:       StepToolCall,
		Timestamp:  b.now().UTC(),
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Arguments:  call.Arguments,
	})
}

// AddToolResult appends a tool-result step.
func (b *Builder) AddToolResult(result models.ToolResult) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sealed {
		return
	}
	success := result.Success
	permitted := result.Permitted
	b.trace.Steps = append(b.trace.Steps, Step{
		Type:       StepToolResult,
		Timestamp:  b.now().UTC(),
		DurationMs: result.DurationMs,
		ToolCallID: result.ID,
		Success:    &success,
		Permitted:  &permitted,
		Result:     result.Result,
		Message:    result.Error,
	})
}

// AddError appends an error step.
func (b *Builder) AddError(message string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sealed {
		return
	}
	b.trace.Steps = append(b.trace.Steps, Step{
		Type:      StepError,
		Timestamp: b.now().UTC(),
		Message:   message,
	})
}

// SetOutput records the finalized output.
func (b *Builder) SetOutput(out Output) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trace.Output = &out
}

// Seal completes the trace. Subsequent appends are ignored; only labels
// and annotations may change after sealing. Seal is idempotent.
func (b *Builder) Seal(execErr error) *Trace {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sealed {
		return &b.trace
	}
	b.sealed = true
	b.trace.CompletedAt = b.now().UTC()
	b.trace.DurationMs = b.trace.CompletedAt.Sub(b.trace.StartedAt).Milliseconds()
	if execErr != nil {
		b.trace.Error = execErr.Error()
	}
	return &b.trace
}

// Snapshot returns a copy of the trace built so far, for terminal-error
// paths that need to persist a partial record.
func (b *Builder) Snapshot() Trace {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.trace
}
