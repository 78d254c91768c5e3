// Package models defines the shared domain types exchanged between the
// runtime's subsystems and over the wire: messages, session keys, tool
// calls, token usage, and cost breakdowns.
package models

import (
	"fmt"
	"strings"
)

// Message is a single conversation turn.
//
// Role values: "system", "user", "assistant", "tool".
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`

	// ToolCallID links a tool-role message back to the call it answers.
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// SessionKey identifies a logical conversation as (kind, user, role).
// The canonical encoding is "user:<user_id>:<agent_role>".
type SessionKey struct {
	Kind      string `json:"kind"`
	UserID    string `json:"user_id"`
	AgentRole string `json:"agent_role"`
}

// ParseSessionKey parses the canonical "user:<id>:<role>" encoding.
func ParseSessionKey(raw string) (SessionKey, error) {
	parts := strings.Split(strings.TrimSpace(raw), ":")
	if len(parts) != 3 {
		return SessionKey{}, fmt.Errorf("session key must have three fields, got %q", raw)
	}
	key := SessionKey{Kind: parts[0], UserID: parts[1], AgentRole: parts[2]}
	if key.Kind != "user" {
		return SessionKey{}, fmt.Errorf("unsupported session key kind %q", key.Kind)
	}
	if key.UserID == "" || key.AgentRole == "" {
		return SessionKey{}, fmt.Errorf("session key user and role are required")
	}
	return key, nil
}

// String returns the canonical encoding.
func (k SessionKey) String() string {
	return k.Kind + ":" + k.UserID + ":" + k.AgentRole
}
