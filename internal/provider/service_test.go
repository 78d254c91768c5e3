package provider

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/wardenhq/warden/internal/backoff"
	"github.com/wardenhq/warden/internal/errkind"
	"github.com/wardenhq/warden/pkg/models"
)

// fakeBackend scripts responses per call.
type fakeBackend struct {
	name      string
	calls     int
	responses []func(req Request) (*Response, error)
}

func (f *fakeBackend) Name() string { return f.name }

func (f *fakeBackend) Complete(_ context.Context, req Request) (*Response, error) {
	idx := f.calls
	f.calls++
	if idx >= len(f.responses) {
		idx = len(f.responses) - 1
	}
	return f.responses[idx](req)
}

func (f *fakeBackend) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	resp, err := f.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	events := make(chan StreamEvent, 3)
	events <- StreamEvent{Type: EventStart, Model: req.Model}
	events <- StreamEvent{Type: EventChunk, Text: resp.Response}
	events <- StreamEvent{Type: EventDone, Usage: &resp.Usage, Cost: &resp.Cost}
	close(events)
	return events, nil
}

func ok(text string) func(Request) (*Response, error) {
	return func(req Request) (*Response, error) {
		return &Response{
			Response: text,
			Usage:    models.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
			Model:    req.Model,
			Provider: "fake",
		}, nil
	}
}

func fail(msg string) func(Request) (*Response, error) {
	return func(Request) (*Response, error) { return nil, errors.New(msg) }
}

func fastPolicy() backoff.Policy { return backoff.Policy{BaseMs: 1, MaxMs: 2, JitterMs: 0} }

func TestParseModel(t *testing.T) {
	tests := []struct {
		encoded      string
		wantProvider string
		wantModel    string
	}{
		{"openai/gpt-4o", "openai", "gpt-4o"},
		{"anthropic/claude-3-5-haiku-20241022", "anthropic", "claude-3-5-haiku-20241022"},
		{"gpt-4o-mini", "openai", "gpt-4o-mini"},
	}
	for _, tt := range tests {
		ref := ParseModel(tt.encoded, "openai")
		if ref.Provider != tt.wantProvider || ref.Model != tt.wantModel {
			t.Errorf("ParseModel(%q) = %s/%s, want %s/%s",
				tt.encoded, ref.Provider, ref.Model, tt.wantProvider, tt.wantModel)
		}
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		msg  string
		want bool
	}{
		{"rate limit exceeded", true},
		{"status 429 too many requests", true},
		{"received 503 from upstream", true},
		{"context deadline exceeded", true},
		{"connection reset by peer", true},
		{"invalid api key", false},
		{"model not found", false},
	}
	for _, tt := range tests {
		if got := isTransient(errors.New(tt.msg)); got != tt.want {
			t.Errorf("isTransient(%q) = %v, want %v", tt.msg, got, tt.want)
		}
	}
}

func TestCompleteRetriesTransient(t *testing.T) {
	backend := &fakeBackend{name: "openai", responses: []func(Request) (*Response, error){
		fail("status 429"),
		ok("second try"),
	}}
	s := NewService("openai", 3, fastPolicy(), nil)
	s.Register(backend)

	resp, err := s.Complete(context.Background(), Request{Model: "gpt-4o"}, "")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Response != "second try" {
		t.Errorf("response = %q", resp.Response)
	}
	if backend.calls != 2 {
		t.Errorf("calls = %d, want 2", backend.calls)
	}
}

func TestCompleteNonRetryableSurfacesImmediately(t *testing.T) {
	backend := &fakeBackend{name: "openai", responses: []func(Request) (*Response, error){
		fail("invalid api key"),
	}}
	s := NewService("openai", 3, fastPolicy(), nil)
	s.Register(backend)

	_, err := s.Complete(context.Background(), Request{Model: "gpt-4o"}, "anthropic/claude")
	if err == nil {
		t.Fatal("expected error")
	}
	if backend.calls != 1 {
		t.Errorf("calls = %d, want 1 (no retry)", backend.calls)
	}
}

func TestCompleteFallback(t *testing.T) {
	primary := &fakeBackend{name: "openai", responses: []func(Request) (*Response, error){
		fail("502 bad gateway"),
	}}
	fallback := &fakeBackend{name: "anthropic", responses: []func(Request) (*Response, error){
		func(req Request) (*Response, error) {
			return &Response{Response: "from fallback", Model: req.Model, Provider: "anthropic"}, nil
		},
	}}
	s := NewService("openai", 2, fastPolicy(), nil)
	s.Register(primary)
	s.Register(fallback)

	resp, err := s.Complete(context.Background(), Request{Model: "gpt-4o"},
		"anthropic/claude-3-5-haiku-20241022")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Provider != "anthropic" {
		t.Errorf("provider = %q, want the fallback to be visible", resp.Provider)
	}
	if primary.calls != 2 {
		t.Errorf("primary calls = %d, want retry budget exhausted", primary.calls)
	}
}

func TestCompleteBothExhausted(t *testing.T) {
	primary := &fakeBackend{name: "openai", responses: []func(Request) (*Response, error){fail("503")}}
	fallback := &fakeBackend{name: "anthropic", responses: []func(Request) (*Response, error){fail("503")}}
	s := NewService("openai", 2, fastPolicy(), nil)
	s.Register(primary)
	s.Register(fallback)

	_, err := s.Complete(context.Background(), Request{Model: "gpt-4o"}, "anthropic/claude")
	if errkind.KindOf(err) != errkind.UpstreamUnavailable {
		t.Errorf("kind = %s, want upstream_unavailable", errkind.KindOf(err))
	}
}

func TestMissingProviderIsConfigError(t *testing.T) {
	s := NewService("openai", 2, fastPolicy(), nil)
	_, err := s.Complete(context.Background(), Request{Model: "gpt-4o"}, "")
	if errkind.KindOf(err) != errkind.ConfigError {
		t.Errorf("kind = %s, want config_error", errkind.KindOf(err))
	}
}

func TestStreamEventOrdering(t *testing.T) {
	backend := &fakeBackend{name: "openai", responses: []func(Request) (*Response, error){ok("hello")}}
	s := NewService("openai", 1, fastPolicy(), nil)
	s.Register(backend)

	events, err := s.Stream(context.Background(), Request{Model: "gpt-4o"})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	var types []StreamEventType
	for ev := range events {
		types = append(types, ev.Type)
	}
	want := []StreamEventType{EventStart, EventChunk, EventDone}
	if len(types) != len(want) {
		t.Fatalf("events = %v", types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("event[%d] = %s, want %s", i, types[i], want[i])
		}
	}
}

func TestTaskParsesAndValidates(t *testing.T) {
	schema := map[string]any{
		"type":     "object",
		"required": []any{"sentiment"},
		"properties": map[string]any{
			"sentiment": map[string]any{"type": "string"},
		},
	}

	t.Run("valid output", func(t *testing.T) {
		backend := &fakeBackend{name: "openai", responses: []func(Request) (*Response, error){
			ok("```json\n{\"sentiment\": \"positive\"}\n```"),
		}}
		s := NewService("openai", 1, fastPolicy(), nil)
		s.Register(backend)

		result, err := s.Task(context.Background(), TaskRequest{
			Prompt: "classify", Input: map[string]any{"text": "great"},
			Schema: schema, Model: "gpt-4o-mini",
		})
		if err != nil {
			t.Fatalf("Task: %v", err)
		}
		if !result.Validated {
			t.Error("output should validate")
		}
		if result.Output["sentiment"] != "positive" {
			t.Errorf("output = %v", result.Output)
		}
	})

	t.Run("schema violation flagged", func(t *testing.T) {
		backend := &fakeBackend{name: "openai", responses: []func(Request) (*Response, error){
			ok(`{"wrong_key": 1}`),
		}}
		s := NewService("openai", 1, fastPolicy(), nil)
		s.Register(backend)

		result, err := s.Task(context.Background(), TaskRequest{
			Prompt: "classify", Schema: schema, Model: "gpt-4o-mini",
		})
		if err != nil {
			t.Fatalf("Task: %v", err)
		}
		if result.Validated {
			t.Error("missing required key should fail validation")
		}
	})

	t.Run("uncompilable schema falls back to required fields", func(t *testing.T) {
		broken := map[string]any{
			"type":     123,
			"required": []any{"sentiment"},
		}
		backend := &fakeBackend{name: "openai", responses: []func(Request) (*Response, error){
			ok(`{"sentiment": "positive"}`),
			ok(`{"wrong_key": 1}`),
		}}
		s := NewService("openai", 1, fastPolicy(), nil)
		s.Register(backend)

		result, err := s.Task(context.Background(), TaskRequest{
			Prompt: "classify", Schema: broken, Model: "gpt-4o-mini",
		})
		if err != nil {
			t.Fatalf("Task: %v", err)
		}
		if !result.Validated {
			t.Error("output with the required field should pass the shallow check")
		}

		result, err = s.Task(context.Background(), TaskRequest{
			Prompt: "classify", Schema: broken, Model: "gpt-4o-mini",
		})
		if err != nil {
			t.Fatalf("Task: %v", err)
		}
		if result.Validated {
			t.Error("output missing the required field should fail the shallow check")
		}
	})

	t.Run("non-JSON output errors", func(t *testing.T) {
		backend := &fakeBackend{name: "openai", responses: []func(Request) (*Response, error){
			ok("I cannot do that"),
		}}
		s := NewService("openai", 1, fastPolicy(), nil)
		s.Register(backend)

		_, err := s.Task(context.Background(), TaskRequest{Prompt: "classify", Model: "gpt-4o-mini"})
		if errkind.KindOf(err) != errkind.UpstreamUnavailable {
			t.Errorf("kind = %s", errkind.KindOf(err))
		}
	})
}

func TestCompact(t *testing.T) {
	history := []models.Message{
		{Role: "user", Content: "first"},
		{Role: "assistant", Content: "second"},
		{Role: "user", Content: "third"},
		{Role: "assistant", Content: "fourth"},
	}

	t.Run("short history unchanged", func(t *testing.T) {
		s := NewService("openai", 1, fastPolicy(), nil)
		result, err := s.Compact(context.Background(), history[:2], "", "gpt-4o-mini", 2)
		if err != nil {
			t.Fatalf("Compact: %v", err)
		}
		if result.Compacted {
			t.Error("short history should not compact")
		}
		if result.Usage.TotalTokens != 0 {
			t.Errorf("usage = %+v, want zero", result.Usage)
		}
	})

	t.Run("long history summarized", func(t *testing.T) {
		backend := &fakeBackend{name: "openai", responses: []func(Request) (*Response, error){
			func(req Request) (*Response, error) {
				if !strings.Contains(req.UserMessage, "first") {
					t.Errorf("summary input missing head turn: %q", req.UserMessage)
				}
				return ok("the summary")(req)
			},
		}}
		s := NewService("openai", 1, fastPolicy(), nil)
		s.Register(backend)

		result, err := s.Compact(context.Background(), history, "", "gpt-4o-mini", 2)
		if err != nil {
			t.Fatalf("Compact: %v", err)
		}
		if !result.Compacted {
			t.Fatal("expected compaction")
		}
		if len(result.History) != 3 {
			t.Fatalf("history length = %d, want summary + 2 tail", len(result.History))
		}
		if result.History[0].Role != "system" || !strings.Contains(result.History[0].Content, "the summary") {
			t.Errorf("head = %+v", result.History[0])
		}
		if result.History[1].Content != "third" || result.History[2].Content != "fourth" {
			t.Error("tail turns must be preserved verbatim")
		}
	})
}

func TestStripFences(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"{\"a\":1}", "{\"a\":1}"},
		{"```json\n{\"a\":1}\n```", "{\"a\":1}"},
		{"```\n{\"a\":1}\n```", "{\"a\":1}"},
	}
	for _, tt := range tests {
		if got := stripFences(tt.in); got != tt.want {
			t.Errorf("stripFences(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
