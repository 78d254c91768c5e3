package models

// Usage records token consumption for one or more model calls.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add accumulates another usage record into this one.
func (u *Usage) Add(other Usage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
}

// CostBreakdown is the priced view of a usage record.
type CostBreakdown struct {
	Model        string  `json:"model"`
	InputTokens  int     `json:"inputTokens"`
	OutputTokens int     `json:"outputTokens"`
	InputCost    float64 `json:"inputCost"`
	OutputCost   float64 `json:"outputCost"`
	TotalCost    float64 `json:"totalCost"`
	Currency     string  `json:"currency"`
}

// Add accumulates another cost breakdown, keeping this breakdown's model.
func (c *CostBreakdown) Add(other CostBreakdown) {
	c.InputTokens += other.InputTokens
	c.OutputTokens += other.OutputTokens
	c.InputCost += other.InputCost
	c.OutputCost += other.OutputCost
	c.TotalCost += other.TotalCost
	if c.Currency == "" {
		c.Currency = other.Currency
	}
}
