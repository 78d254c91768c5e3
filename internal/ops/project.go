// Package ops serves the operations console: read views projected to
// the caller's role, dashboards with retention coverage, and the
// break-glass override path.
package ops

import (
	"fmt"

	"github.com/wardenhq/warden/internal/tenancy"
	"github.com/wardenhq/warden/internal/trace"
)

// redactedForRole replaces payloads a role may not see.
const redactedForRole = "[redacted-for-role]"

// sampleChars is how much of a sensitive field an operator sees.
const sampleChars = 64

// boundarySample keeps the first sampleChars characters and appends the
// original length, so operators can reason about shape without content.
func boundarySample(s string) string {
	if s == "" {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= sampleChars {
		return s
	}
	return fmt.Sprintf("%s... (%d chars)", string(runes[:sampleChars]), len(runes))
}

// TraceView is a trace projected for one console role.
type TraceView struct {
	trace.Trace
	Projected bool `json:"projected,omitempty"`
}

// ProjectTrace returns a copy of the trace shaped for the caller's role.
// Admins see everything. Operators and release managers see
// boundary-sampled messages with tool payloads replaced. Viewers see
// only structure: every sensitive field is replaced outright.
func ProjectTrace(t *trace.Trace, role tenancy.Role) *TraceView {
	view := &TraceView{Trace: *t}
	if role == tenancy.RoleAdmin {
		return view
	}
	view.Projected = true

	sample := boundarySample
	if role.Rank() <= tenancy.RoleViewer.Rank() {
		sample = func(string) string { return redactedForRole }
	}

	view.InputMessage = sample(t.InputMessage)
	view.RedactedPrompt = ""

	if t.Output != nil {
		out := *t.Output
		out.Message = sample(t.Output.Message)
		view.Output = &out
	}

	steps := make([]trace.Step, len(t.Steps))
	copy(steps, t.Steps)
	for i := range steps {
		if steps[i].Arguments != nil {
			steps[i].Arguments = map[string]any{"_": redactedForRole}
		}
		if steps[i].Result != nil {
			steps[i].Result = redactedForRole
		}
	}
	view.Steps = steps
	return view
}

// ProjectTraces projects a listing page.
func ProjectTraces(traces []*trace.Trace, role tenancy.Role) []*TraceView {
	views := make([]*TraceView, len(traces))
	for i, t := range traces {
		views[i] = ProjectTrace(t, role)
	}
	return views
}
