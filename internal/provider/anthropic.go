package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/wardenhq/warden/internal/budget"
	"github.com/wardenhq/warden/internal/errkind"
	"github.com/wardenhq/warden/pkg/models"
)

const anthropicDefaultMaxTokens = 4096

// AnthropicBackend serves Anthropic messages models.
type AnthropicBackend struct {
	client     anthropic.Client
	configured bool
}

// NewAnthropicBackend builds the backend; a missing key is a config
// error surfaced on first use.
func NewAnthropicBackend(apiKey string) *AnthropicBackend {
	if apiKey == "" {
		return &AnthropicBackend{}
	}
	return &AnthropicBackend{
		client:     anthropic.NewClient(option.WithAPIKey(apiKey)),
		configured: true,
	}
}

// Name implements Backend.
func (b *AnthropicBackend) Name() string { return ProviderAnthropic }

// Complete implements Backend.
func (b *AnthropicBackend) Complete(ctx context.Context, req Request) (*Response, error) {
	if !b.configured {
		return nil, errkind.New(errkind.ConfigError, "anthropic api key is not configured")
	}

	msg, err := b.client.Messages.New(ctx, b.params(req))
	if err != nil {
		return nil, fmt.Errorf("anthropic completion: %w", err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	usage := models.Usage{
		PromptTokens:     int(msg.Usage.InputTokens),
		CompletionTokens: int(msg.Usage.OutputTokens),
		TotalTokens:      int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
	}
	return &Response{
		Response: text.String(),
		Usage:    usage,
		Cost:     budget.CostFor(req.Model, usage.PromptTokens, usage.CompletionTokens),
		Model:    req.Model,
		Provider: ProviderAnthropic,
	}, nil
}

// Stream implements Backend.
func (b *AnthropicBackend) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	if !b.configured {
		return nil, errkind.New(errkind.ConfigError, "anthropic api key is not configured")
	}

	stream := b.client.Messages.NewStreaming(ctx, b.params(req))
	events := make(chan StreamEvent)
	go func() {
		defer close(events)
		defer stream.Close()

		events <- StreamEvent{Type: EventStart, Model: req.Model}
		var usage models.Usage
		for stream.Next() {
			event := stream.Current()
			switch event.Type {
			case "message_start":
				usage.PromptTokens = int(event.Message.Usage.InputTokens)
			case "content_block_delta":
				if event.Delta.Text != "" {
					events <- StreamEvent{Type: EventChunk, Text: event.Delta.Text}
				}
			case "message_delta":
				usage.CompletionTokens = int(event.Usage.OutputTokens)
			}
		}
		if err := stream.Err(); err != nil {
			events <- StreamEvent{Type: EventError, Error: err.Error()}
			return
		}
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
		cost := budget.CostFor(req.Model, usage.PromptTokens, usage.CompletionTokens)
		events <- StreamEvent{Type: EventDone, Usage: &usage, Cost: &cost, Model: req.Model}
	}()
	return events, nil
}

func (b *AnthropicBackend) params(req Request) anthropic.MessageNewParams {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}

	msgs := make([]anthropic.MessageParam, 0, len(req.History)+1)
	for _, msg := range req.History {
		block := anthropic.NewTextBlock(msg.Content)
		if msg.Role == "assistant" {
			msgs = append(msgs, anthropic.NewAssistantMessage(block))
		} else {
			msgs = append(msgs, anthropic.NewUserMessage(block))
		}
	}
	if req.UserMessage != "" {
		msgs = append(msgs, anthropic.NewUserMessage(anthropic.NewTextBlock(req.UserMessage)))
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}
	return params
}
