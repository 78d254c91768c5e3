package trace

import "github.com/wardenhq/warden/internal/redact"

// Redact rewrites PII in place across the trace's captured text: input
// message, output message, tool-call arguments and results, and the
// redacted-prompt field.
func Redact(t *Trace, r *redact.Redactor) {
	t.InputMessage, _ = r.Redact(t.InputMessage)
	t.RedactedPrompt, _ = r.Redact(t.RedactedPrompt)
	if t.Output != nil {
		t.Output.Message, _ = r.Redact(t.Output.Message)
	}
	if t.Error != "" {
		t.Error, _ = r.Redact(t.Error)
	}
	for i := range t.Steps {
		step := &t.Steps[i]
		if step.Arguments != nil {
			if redacted, ok := r.RedactObject(step.Arguments).(map[string]any); ok {
				step.Arguments = redacted
			}
		}
		if step.Result != nil {
			step.Result = r.RedactObject(step.Result)
		}
		if step.Message != "" {
			step.Message, _ = r.Redact(step.Message)
		}
	}
}
