// Package arbiter parses tool-call requests out of model output,
// enforces the skill and tenant permission gates, validates arguments,
// and proxies admitted calls to the control plane.
package arbiter

import (
	"encoding/json"

	"github.com/wardenhq/warden/pkg/models"
)

// functionCallEnvelope is the function-call style encoding: a
// tool_calls array whose arguments field is a JSON-encoded string.
type functionCallEnvelope struct {
	ToolCalls []struct {
		ID       string `json:"id"`
		Function struct {
			Name      string `json:"name"`
			Arguments string `json:"arguments"`
		} `json:"function"`
	} `json:"tool_calls"`
}

// contentBlockEnvelope is the content-block style encoding: typed
// blocks where tool_use blocks carry a structured input map.
type contentBlockEnvelope struct {
	Content []struct {
		Type  string         `json:"type"`
		ID    string         `json:"id"`
		Name  string         `json:"name"`
		Input map[string]any `json:"input"`
	} `json:"content"`
}

// ParseToolCalls extracts tool calls from model output, accepting
// both encodings. Entries whose argument payload does not decode are
// dropped silently.
func ParseToolCalls(output string) []models.ToolCall {
	var calls []models.ToolCall

	var fn functionCallEnvelope
	if err := json.Unmarshal([]byte(output), &fn); err == nil && len(fn.ToolCalls) > 0 {
		for _, tc := range fn.ToolCalls {
			if tc.Function.Name == "" {
				continue
			}
			var args map[string]any
			if tc.Function.Arguments != "" {
				if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
					continue
				}
			}
			calls = append(calls, models.ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: args})
		}
		return calls
	}

	var blocks contentBlockEnvelope
	if err := json.Unmarshal([]byte(output), &blocks); err == nil {
		for _, block := range blocks.Content {
			if block.Type != "tool_use" || block.Name == "" {
				continue
			}
			calls = append(calls, models.ToolCall{ID: block.ID, Name: block.Name, Arguments: block.Input})
		}
	}
	return calls
}
