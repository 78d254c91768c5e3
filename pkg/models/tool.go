package models

// ToolCall is a request from the model to execute a named tool.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolResult is the outcome of one tool call.
type ToolResult struct {
	ID         string `json:"id"`
	Success    bool   `json:"success"`
	Result     any    `json:"result,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"duration_ms"`

	// Permitted is false when a permission gate blocked the call before
	// it reached the backend.
	Permitted bool `json:"permitted"`
}
