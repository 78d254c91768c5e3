package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/wardenhq/warden/internal/errkind"
	"github.com/wardenhq/warden/pkg/models"
)

// TaskRequest is one structured-output call.
type TaskRequest struct {
	Prompt      string
	Input       map[string]any
	Schema      map[string]any
	Model       string
	Fallback    string
	Temperature float64
}

// TaskResult carries the parsed structured output. Validated reports
// whether the output satisfied the declared schema; callers decide how
// strict to be.
type TaskResult struct {
	Output    map[string]any       `json:"output"`
	Usage     models.Usage         `json:"usage"`
	Cost      models.CostBreakdown `json:"cost"`
	Model     string               `json:"model"`
	Provider  string               `json:"provider"`
	Validated bool                 `json:"validated"`
}

// Task runs a prompt constrained to emit JSON matching the schema,
// parses the response, and validates it.
func (s *Service) Task(ctx context.Context, req TaskRequest) (*TaskResult, error) {
	input, err := json.Marshal(req.Input)
	if err != nil {
		return nil, errkind.Wrap(errkind.Validation, err, "encode task input")
	}

	system := "You are a structured data processor. Respond with a single JSON object and nothing else."
	if len(req.Schema) > 0 {
		schemaJSON, err := json.Marshal(req.Schema)
		if err != nil {
			return nil, errkind.Wrap(errkind.Validation, err, "encode task schema")
		}
		system += "\nThe object must conform to this JSON schema:\n" + string(schemaJSON)
	}

	resp, err := s.Complete(ctx, Request{
		System:      system,
		UserMessage: req.Prompt + "\n\nInput:\n" + string(input),
		Model:       req.Model,
		Temperature: req.Temperature,
	}, req.Fallback)
	if err != nil {
		return nil, err
	}

	var output map[string]any
	if err := json.Unmarshal([]byte(stripFences(resp.Response)), &output); err != nil {
		return nil, errkind.Wrap(errkind.UpstreamUnavailable, err, "model output is not valid JSON")
	}

	result := &TaskResult{
		Output:   output,
		Usage:    resp.Usage,
		Cost:     resp.Cost,
		Model:    resp.Model,
		Provider: resp.Provider,
	}
	result.Validated = validateAgainstSchema(output, req.Schema) == nil
	return result, nil
}

// validateAgainstSchema checks output against the declared JSON
// schema. A nil or empty schema validates everything; a schema the
// compiler rejects degrades to the shallow required-fields check so a
// conforming output is not failed for the schema author's mistake.
func validateAgainstSchema(output map[string]any, schema map[string]any) error {
	if len(schema) == 0 {
		return nil
	}
	schemaJSON, err := json.Marshal(schema)
	if err != nil {
		return requireFields(output, schema)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("task.json", strings.NewReader(string(schemaJSON))); err != nil {
		return requireFields(output, schema)
	}
	compiled, err := compiler.Compile("task.json")
	if err != nil {
		return requireFields(output, schema)
	}

	// Round-trip so numbers take the json.Number-free shapes the
	// validator expects.
	encoded, err := json.Marshal(output)
	if err != nil {
		return err
	}
	var value any
	if err := json.Unmarshal(encoded, &value); err != nil {
		return err
	}
	return compiled.Validate(value)
}

// requireFields checks that the schema's top-level required fields are
// present in the output, nothing deeper.
func requireFields(output map[string]any, schema map[string]any) error {
	var names []string
	switch required := schema["required"].(type) {
	case []string:
		names = required
	case []any:
		for _, f := range required {
			if name, ok := f.(string); ok {
				names = append(names, name)
			}
		}
	}
	for _, name := range names {
		if _, ok := output[name]; !ok {
			return fmt.Errorf("missing required field %q", name)
		}
	}
	return nil
}

// stripFences removes a surrounding markdown code fence, which models
// emit despite instructions.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
