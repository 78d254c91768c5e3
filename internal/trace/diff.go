package trace

import (
	"fmt"
	"math"
	"reflect"
)

// Diff compares two sealed traces. SignificantChanges is selected by a
// fixed rubric: model change, workspace change, skill changes, tool-call
// differences, error-status change, cost swing over 20%, output change.
type Diff struct {
	BaseID    string `json:"base_id"`
	CompareID string `json:"compare_id"`

	DurationDeltaMs  int64   `json:"duration_delta_ms"`
	DurationDeltaPct float64 `json:"duration_delta_pct"`

	ModelChanged     bool   `json:"model_changed"`
	BaseModel        string `json:"base_model,omitempty"`
	CompareModel     string `json:"compare_model,omitempty"`
	ProviderChanged  bool   `json:"provider_changed"`
	WorkspaceChanged bool   `json:"workspace_changed"`

	SkillsAdded   []string          `json:"skills_added,omitempty"`
	SkillsRemoved []string          `json:"skills_removed,omitempty"`
	SkillsChanged map[string]string `json:"skills_changed,omitempty"` // name -> "v1 -> v2"

	TokenDelta int     `json:"token_delta"`
	CostDelta  float64 `json:"cost_delta"`
	CostPct    float64 `json:"cost_pct"`

	ToolCallsAdded   []string       `json:"tool_calls_added,omitempty"`
	ToolCallsRemoved []string       `json:"tool_calls_removed,omitempty"`
	ToolCallsChanged []ToolCallDiff `json:"tool_calls_changed,omitempty"`

	StepCounts map[string][2]int `json:"step_counts"` // type -> [base, compare]

	OutputEqual       bool `json:"output_equal"`
	OutputLengthDelta int  `json:"output_length_delta"`

	ErrorStatusChanged bool `json:"error_status_changed"`

	SignificantChanges []string `json:"significantChanges"`
}

// ToolCallDiff reports per-call differences for tools invoked in both
// traces.
type ToolCallDiff struct {
	Name             string `json:"name"`
	ArgumentsChanged bool   `json:"arguments_changed"`
	ResultChanged    bool   `json:"result_changed"`
	SuccessChanged   bool   `json:"success_changed"`
}

// Compare produces the structured diff of base against compare.
func Compare(base, compare *Trace) *Diff {
	d := &Diff{
		BaseID:     base.ID,
		CompareID:  compare.ID,
		StepCounts: map[string][2]int{},
	}

	d.DurationDeltaMs = compare.DurationMs - base.DurationMs
	if base.DurationMs > 0 {
		d.DurationDeltaPct = 100 * float64(d.DurationDeltaMs) / float64(base.DurationMs)
	}

	d.ModelChanged = base.Model != compare.Model
	d.BaseModel = base.Model
	d.CompareModel = compare.Model
	d.ProviderChanged = base.Provider != compare.Provider
	d.WorkspaceChanged = base.WorkspaceHash != compare.WorkspaceHash

	diffSkills(d, base.SkillVersions, compare.SkillVersions)

	d.TokenDelta = compare.Usage.TotalTokens - base.Usage.TotalTokens
	d.CostDelta = compare.Cost - base.Cost
	if base.Cost > 0 {
		d.CostPct = 100 * d.CostDelta / base.Cost
	}

	diffToolCalls(d, base, compare)

	for _, s := range base.Steps {
		counts := d.StepCounts[string(s.Type)]
		counts[0]++
		d.StepCounts[string(s.Type)] = counts
	}
	for _, s := range compare.Steps {
		counts := d.StepCounts[string(s.Type)]
		counts[1]++
		d.StepCounts[string(s.Type)] = counts
	}

	baseOut, compareOut := outputMessage(base), outputMessage(compare)
	d.OutputEqual = baseOut == compareOut
	d.OutputLengthDelta = len(compareOut) - len(baseOut)

	d.ErrorStatusChanged = (base.Error == "") != (compare.Error == "")

	d.SignificantChanges = significant(d)
	return d
}

func diffSkills(d *Diff, base, compare map[string]string) {
	for name, v := range compare {
		baseV, ok := base[name]
		switch {
		case !ok:
			d.SkillsAdded = append(d.SkillsAdded, name)
		case baseV != v:
			if d.SkillsChanged == nil {
				d.SkillsChanged = map[string]string{}
			}
			d.SkillsChanged[name] = fmt.Sprintf("%s -> %s", baseV, v)
		}
	}
	for name := range base {
		if _, ok := compare[name]; !ok {
			d.SkillsRemoved = append(d.SkillsRemoved, name)
		}
	}
}

func toolSteps(t *Trace) map[string]Step {
	calls := map[string]Step{}
	for _, s := range t.Steps {
		if s.Type == StepToolCall {
			calls[s.ToolName+"/"+s.ToolCallID] = s
		}
	}
	return calls
}

func toolResults(t *Trace) map[string]Step {
	results := map[string]Step{}
	byID := map[string]string{}
	for _, s := range t.Steps {
		if s.Type == StepToolCall {
			byID[s.ToolCallID] = s.ToolName
		}
	}
	for _, s := range t.Steps {
		if s.Type == StepToolResult {
			results[byID[s.ToolCallID]+"/"+s.ToolCallID] = s
		}
	}
	return results
}

func diffToolCalls(d *Diff, base, compare *Trace) {
	baseByName := map[string][]string{}
	for key, s := range toolSteps(base) {
		baseByName[s.ToolName] = append(baseByName[s.ToolName], key)
	}
	compareByName := map[string][]string{}
	for key, s := range toolSteps(compare) {
		compareByName[s.ToolName] = append(compareByName[s.ToolName], key)
	}

	for name := range compareByName {
		if _, ok := baseByName[name]; !ok {
			d.ToolCallsAdded = append(d.ToolCallsAdded, name)
		}
	}
	for name := range baseByName {
		if _, ok := compareByName[name]; !ok {
			d.ToolCallsRemoved = append(d.ToolCallsRemoved, name)
		}
	}

	// Pairwise compare the first call of each shared tool name.
	baseCalls, compareCalls := toolSteps(base), toolSteps(compare)
	baseResults, compareResults := toolResults(base), toolResults(compare)
	for name, baseKeys := range baseByName {
		compareKeys, ok := compareByName[name]
		if !ok || len(baseKeys) == 0 || len(compareKeys) == 0 {
			continue
		}
		bCall, cCall := baseCalls[baseKeys[0]], compareCalls[compareKeys[0]]
		bRes, cRes := baseResults[baseKeys[0]], compareResults[compareKeys[0]]
		tcd := ToolCallDiff{
			Name:             name,
			ArgumentsChanged: !reflect.DeepEqual(bCall.Arguments, cCall.Arguments),
			ResultChanged:    !reflect.DeepEqual(bRes.Result, cRes.Result),
			SuccessChanged:   boolPtrValue(bRes.Success) != boolPtrValue(cRes.Success),
		}
		if tcd.ArgumentsChanged || tcd.ResultChanged || tcd.SuccessChanged {
			d.ToolCallsChanged = append(d.ToolCallsChanged, tcd)
		}
	}
}

func boolPtrValue(b *bool) bool { return b != nil && *b }

func outputMessage(t *Trace) string {
	if t.Output == nil {
		return ""
	}
	return t.Output.Message
}

func significant(d *Diff) []string {
	var changes []string
	if d.ModelChanged {
		changes = append(changes, fmt.Sprintf("model changed: %s -> %s", d.BaseModel, d.CompareModel))
	}
	if d.WorkspaceChanged {
		changes = append(changes, "workspace version changed")
	}
	if len(d.SkillsAdded)+len(d.SkillsRemoved)+len(d.SkillsChanged) > 0 {
		changes = append(changes, "skill versions changed")
	}
	if len(d.ToolCallsAdded)+len(d.ToolCallsRemoved)+len(d.ToolCallsChanged) > 0 {
		changes = append(changes, "tool calls differ")
	}
	if d.ErrorStatusChanged {
		changes = append(changes, "error status changed")
	}
	if math.Abs(d.CostPct) > 20 {
		changes = append(changes, fmt.Sprintf("cost changed %.1f%%", d.CostPct))
	}
	if !d.OutputEqual {
		changes = append(changes, "output differs")
	}
	return changes
}
