package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/wardenhq/warden/pkg/models"
)

// DefaultKeepRecent is how many trailing turns compaction preserves
// verbatim.
const DefaultKeepRecent = 2

// CompactResult is a compacted history plus the summarization spend.
type CompactResult struct {
	History   []models.Message     `json:"history"`
	Usage     models.Usage         `json:"usage"`
	Cost      models.CostBreakdown `json:"cost"`
	Compacted bool                 `json:"compacted"`
}

// Compact replaces all but the last keepRecent turns with one summary
// system turn produced by the cheap-tier model. Histories at or under
// keepRecent return unchanged with zero usage.
func (s *Service) Compact(ctx context.Context, history []models.Message, instructions, cheapModel string, keepRecent int) (*CompactResult, error) {
	if keepRecent <= 0 {
		keepRecent = DefaultKeepRecent
	}
	if len(history) <= keepRecent {
		return &CompactResult{History: history}, nil
	}

	head := history[:len(history)-keepRecent]
	tail := history[len(history)-keepRecent:]

	var transcript strings.Builder
	for _, msg := range head {
		fmt.Fprintf(&transcript, "%s: %s\n", msg.Role, msg.Content)
	}

	system := "Summarize the conversation so far into a compact brief that preserves decisions, open questions, and facts the assistant will need later. Respond with the summary only."
	if instructions != "" {
		system += "\nAdditional instructions: " + instructions
	}

	resp, err := s.Complete(ctx, Request{
		System:      system,
		UserMessage: transcript.String(),
		Model:       cheapModel,
	}, "")
	if err != nil {
		return nil, fmt.Errorf("compact history: %w", err)
	}

	compacted := make([]models.Message, 0, keepRecent+1)
	compacted = append(compacted, models.Message{
		Role:    "system",
		Content: "Summary of earlier conversation: " + resp.Response,
	})
	compacted = append(compacted, tail...)

	return &CompactResult{
		History:   compacted,
		Usage:     resp.Usage,
		Cost:      resp.Cost,
		Compacted: true,
	}, nil
}
