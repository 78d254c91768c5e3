// Package webhook fires signed completion callbacks. Delivery is
// fire-and-forget: failures reach the logs, never the request path.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/wardenhq/warden/pkg/models"
)

const (
	// EventCompleted and EventError are the two payload events.
	EventCompleted = "agent.completed"
	EventError     = "agent.error"

	signatureHeader = "X-Warden-Signature"
	fireTimeout     = 10 * time.Second
)

// Config is the per-request webhook target.
type Config struct {
	URL     string            `json:"url"`
	Secret  string            `json:"secret,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// Payload is the delivered body.
type Payload struct {
	Event     string                `json:"event"`
	Timestamp time.Time             `json:"timestamp"`
	TraceID   string                `json:"trace_id,omitempty"`
	TaskID    string                `json:"task_id,omitempty"`
	UserID    string                `json:"user_id,omitempty"`
	Role      string                `json:"role,omitempty"`
	Response  string                `json:"response,omitempty"`
	Error     string                `json:"error,omitempty"`
	Usage     *models.Usage         `json:"usage,omitempty"`
	Cost      *models.CostBreakdown `json:"cost,omitempty"`
	Metadata  map[string]any        `json:"metadata,omitempty"`
}

// Emitter delivers webhooks.
type Emitter struct {
	client *http.Client
	logger *slog.Logger
}

// NewEmitter builds an emitter.
func NewEmitter(logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{
		client: &http.Client{Timeout: fireTimeout},
		logger: logger.With("component", "webhook"),
	}
}

// Fire delivers the payload asynchronously. The caller's context is
// deliberately not used: the response path must not wait on delivery.
func (e *Emitter) Fire(cfg *Config, payload Payload) {
	if cfg == nil || cfg.URL == "" {
		return
	}
	if payload.Timestamp.IsZero() {
		payload.Timestamp = time.Now().UTC()
	}
	go e.deliver(*cfg, payload)
}

func (e *Emitter) deliver(cfg Config, payload Payload) {
	ctx, cancel := context.WithTimeout(context.Background(), fireTimeout)
	defer cancel()

	body, err := json.Marshal(payload)
	if err != nil {
		e.logger.Error("webhook payload encode failed", "error", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, bytes.NewReader(body))
	if err != nil {
		e.logger.Error("webhook request build failed", "url", cfg.URL, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range cfg.Headers {
		req.Header.Set(key, value)
	}
	if cfg.Secret != "" {
		req.Header.Set(signatureHeader, Sign(cfg.Secret, body))
	}

	resp, err := e.client.Do(req)
	if err != nil {
		e.logger.Warn("webhook delivery failed", "url", cfg.URL, "event", payload.Event, "error", err)
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		e.logger.Warn("webhook rejected", "url", cfg.URL, "event", payload.Event, "status", resp.StatusCode)
		return
	}
	e.logger.Debug("webhook delivered", "url", cfg.URL, "event", payload.Event)
}

// Sign computes the keyed hex digest of a serialized payload.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
