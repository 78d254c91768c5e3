package models

import (
	"math"
	"testing"
)

func TestParseSessionKey(t *testing.T) {
	key, err := ParseSessionKey("user:u1:assistant")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if key.Kind != "user" || key.UserID != "u1" || key.AgentRole != "assistant" {
		t.Errorf("key = %+v", key)
	}
	if key.String() != "user:u1:assistant" {
		t.Errorf("round trip = %q", key.String())
	}

	bad := []string{"", "u1", "user:u1", "session:u1:assistant", "user::assistant", "user:u1:", "user:u1:assistant:extra"}
	for _, raw := range bad {
		if _, err := ParseSessionKey(raw); err == nil {
			t.Errorf("ParseSessionKey(%q) should fail", raw)
		}
	}
}

func TestUsageAdd(t *testing.T) {
	u := Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}
	u.Add(Usage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5})
	if u.PromptTokens != 13 || u.CompletionTokens != 7 || u.TotalTokens != 20 {
		t.Errorf("usage = %+v", u)
	}
}

func TestCostBreakdownAdd(t *testing.T) {
	c := CostBreakdown{Model: "claude-x", InputCost: 0.01, OutputCost: 0.02, TotalCost: 0.03}
	c.Add(CostBreakdown{Model: "gpt-y", InputCost: 0.001, OutputCost: 0.002, TotalCost: 0.003, Currency: "USD"})
	if c.Model != "claude-x" {
		t.Errorf("model = %q, accumulation must keep the first model", c.Model)
	}
	if math.Abs(c.TotalCost-0.033) > 1e-9 || c.Currency != "USD" {
		t.Errorf("cost = %+v", c)
	}
}
