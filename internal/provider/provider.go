// Package provider abstracts model backends behind complete, stream,
// structured-task, and compaction operations with retry and failover.
package provider

import (
	"context"
	"strings"

	"github.com/wardenhq/warden/pkg/models"
)

// Provider names recognized in "provider/model" encodings.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// Request is one completion call against a backend.
type Request struct {
	System      string
	History     []models.Message
	UserMessage string
	Model       string
	Temperature float64
	MaxTokens   int
}

// Response is a completed (non-streaming) model call.
type Response struct {
	Response string               `json:"response"`
	Usage    models.Usage         `json:"usage"`
	Cost     models.CostBreakdown `json:"cost"`
	Model    string               `json:"model"`
	Provider string               `json:"provider"`
}

// StreamEventType discriminates stream events.
type StreamEventType string

const (
	EventStart StreamEventType = "start"
	EventChunk StreamEventType = "chunk"
	EventDone  StreamEventType = "done"
	EventError StreamEventType = "error"
)

// StreamEvent is one element of a stream: exactly one start, zero or
// more chunks, then exactly one done or error.
type StreamEvent struct {
	Type  StreamEventType       `json:"type"`
	Text  string                `json:"text,omitempty"`
	Usage *models.Usage         `json:"usage,omitempty"`
	Cost  *models.CostBreakdown `json:"cost,omitempty"`
	Model string                `json:"model,omitempty"`
	Error string                `json:"error,omitempty"`
}

// Backend is one model API. Stream sends events on the returned
// channel and closes it after the terminal event.
type Backend interface {
	Name() string
	Complete(ctx context.Context, req Request) (*Response, error)
	Stream(ctx context.Context, req Request) (<-chan StreamEvent, error)
}

// ModelRef is a parsed "provider/model" reference.
type ModelRef struct {
	Provider string
	Model    string
}

// ParseModel splits "provider/model"; a bare model name uses
// defaultProvider.
func ParseModel(encoded, defaultProvider string) ModelRef {
	if idx := strings.IndexByte(encoded, '/'); idx > 0 {
		return ModelRef{Provider: encoded[:idx], Model: encoded[idx+1:]}
	}
	return ModelRef{Provider: defaultProvider, Model: encoded}
}

// String re-encodes the reference.
func (r ModelRef) String() string {
	if r.Provider == "" {
		return r.Model
	}
	return r.Provider + "/" + r.Model
}
