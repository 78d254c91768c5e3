package provider

import (
	"context"
	"errors"
	"fmt"
	"io"

	openai "github.com/sashabaranov/go-openai"

	"github.com/wardenhq/warden/internal/budget"
	"github.com/wardenhq/warden/internal/errkind"
	"github.com/wardenhq/warden/pkg/models"
)

// OpenAIBackend serves OpenAI chat models.
type OpenAIBackend struct {
	client *openai.Client
}

// NewOpenAIBackend builds the backend; a missing key is a config
// error surfaced on first use, not at construction.
func NewOpenAIBackend(apiKey string) *OpenAIBackend {
	if apiKey == "" {
		return &OpenAIBackend{}
	}
	return &OpenAIBackend{client: openai.NewClient(apiKey)}
}

// Name implements Backend.
func (b *OpenAIBackend) Name() string { return ProviderOpenAI }

// Complete implements Backend.
func (b *OpenAIBackend) Complete(ctx context.Context, req Request) (*Response, error) {
	if b.client == nil {
		return nil, errkind.New(errkind.ConfigError, "openai api key is not configured")
	}

	resp, err := b.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    b.convertMessages(req),
		Temperature: float32(req.Temperature),
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("openai completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai returned no choices")
	}

	usage := models.Usage{
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
	}
	return &Response{
		Response: resp.Choices[0].Message.Content,
		Usage:    usage,
		Cost:     budget.CostFor(req.Model, usage.PromptTokens, usage.CompletionTokens),
		Model:    req.Model,
		Provider: ProviderOpenAI,
	}, nil
}

// Stream implements Backend.
func (b *OpenAIBackend) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	if b.client == nil {
		return nil, errkind.New(errkind.ConfigError, "openai api key is not configured")
	}

	stream, err := b.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:         req.Model,
		Messages:      b.convertMessages(req),
		Temperature:   float32(req.Temperature),
		MaxTokens:     req.MaxTokens,
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	})
	if err != nil {
		return nil, fmt.Errorf("openai stream: %w", err)
	}

	events := make(chan StreamEvent)
	go func() {
		defer close(events)
		defer stream.Close()

		events <- StreamEvent{Type: EventStart, Model: req.Model}
		var usage models.Usage
		for {
			chunk, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				cost := budget.CostFor(req.Model, usage.PromptTokens, usage.CompletionTokens)
				events <- StreamEvent{Type: EventDone, Usage: &usage, Cost: &cost, Model: req.Model}
				return
			}
			if err != nil {
				events <- StreamEvent{Type: EventError, Error: err.Error()}
				return
			}
			if chunk.Usage != nil {
				usage = models.Usage{
					PromptTokens:     chunk.Usage.PromptTokens,
					CompletionTokens: chunk.Usage.CompletionTokens,
					TotalTokens:      chunk.Usage.TotalTokens,
				}
			}
			for _, choice := range chunk.Choices {
				if choice.Delta.Content != "" {
					events <- StreamEvent{Type: EventChunk, Text: choice.Delta.Content}
				}
			}
		}
	}()
	return events, nil
}

func (b *OpenAIBackend) convertMessages(req Request) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(req.History)+2)
	if req.System != "" {
		out = append(out, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	for _, msg := range req.History {
		out = append(out, openai.ChatCompletionMessage{
			Role:    msg.Role,
			Content: msg.Content,
		})
	}
	if req.UserMessage != "" {
		out = append(out, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleUser,
			Content: req.UserMessage,
		})
	}
	return out
}
