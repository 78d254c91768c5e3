package budget

import "github.com/wardenhq/warden/pkg/models"

// ModelPrice is USD per million tokens.
type ModelPrice struct {
	InputPerM  float64
	OutputPerM float64
}

// pricing is the static price table. Unknown models price at zero; the
// model name is still recorded so operators can spot gaps.
var pricing = map[string]ModelPrice{
	"gpt-4o":                     {InputPerM: 2.50, OutputPerM: 10.00},
	"gpt-4o-mini":                {InputPerM: 0.15, OutputPerM: 0.60},
	"gpt-4.1":                    {InputPerM: 2.00, OutputPerM: 8.00},
	"gpt-4.1-mini":               {InputPerM: 0.40, OutputPerM: 1.60},
	"o3-mini":                    {InputPerM: 1.10, OutputPerM: 4.40},
	"claude-sonnet-4-20250514":   {InputPerM: 3.00, OutputPerM: 15.00},
	"claude-3-5-haiku-20241022":  {InputPerM: 0.80, OutputPerM: 4.00},
	"claude-3-5-sonnet-20241022": {InputPerM: 3.00, OutputPerM: 15.00},
	"claude-opus-4-20250514":     {InputPerM: 15.00, OutputPerM: 75.00},
}

// PriceFor looks up a model's pricing. ok is false for unknown models.
func PriceFor(model string) (ModelPrice, bool) {
	p, ok := pricing[model]
	return p, ok
}

// CostFor prices a usage record. Unknown models yield zero cost with the
// model name preserved; pricing gaps never fail a request.
func CostFor(model string, inputTokens, outputTokens int) models.CostBreakdown {
	p := pricing[model]
	inputCost := float64(inputTokens) * p.InputPerM / 1_000_000
	outputCost := float64(outputTokens) * p.OutputPerM / 1_000_000
	return models.CostBreakdown{
		Model:        model,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		InputCost:    inputCost,
		OutputCost:   outputCost,
		TotalCost:    inputCost + outputCost,
		Currency:     "USD",
	}
}
