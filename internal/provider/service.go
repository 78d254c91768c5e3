package provider

import (
	"context"
	"log/slog"

	"github.com/wardenhq/warden/internal/backoff"
	"github.com/wardenhq/warden/internal/errkind"
)

// Service routes requests to registered backends with retry and
// failover.
type Service struct {
	backends        map[string]Backend
	defaultProvider string
	attempts        int
	policy          backoff.Policy
	logger          *slog.Logger
}

// NewService builds the router. attempts <= 0 selects 3.
func NewService(defaultProvider string, attempts int, policy backoff.Policy, logger *slog.Logger) *Service {
	if attempts <= 0 {
		attempts = 3
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		backends:        make(map[string]Backend),
		defaultProvider: defaultProvider,
		attempts:        attempts,
		policy:          policy,
		logger:          logger.With("component", "provider"),
	}
}

// Register adds a backend under its name.
func (s *Service) Register(b Backend) { s.backends[b.Name()] = b }

// Backend returns the named backend; a missing one is a config error.
func (s *Service) Backend(name string) (Backend, error) {
	b, ok := s.backends[name]
	if !ok {
		return nil, errkind.New(errkind.ConfigError, "provider %q is not configured", name)
	}
	return b, nil
}

// DefaultProvider returns the configured default provider name.
func (s *Service) DefaultProvider() string { return s.defaultProvider }

// Complete runs the request against the primary model with the retry
// budget, then against the fallback "provider/model" with the same
// discipline. Non-retryable failures surface immediately. The response
// carries the model and provider that actually served it.
func (s *Service) Complete(ctx context.Context, req Request, fallback string) (*Response, error) {
	primary := ParseModel(req.Model, s.defaultProvider)
	resp, err := s.completeRef(ctx, req, primary)
	if err == nil {
		return resp, nil
	}
	if !isTransient(err) || fallback == "" {
		return nil, err
	}

	ref := ParseModel(fallback, s.defaultProvider)
	s.logger.Warn("primary model exhausted, trying fallback",
		"primary", primary.String(), "fallback", ref.String(), "error", err)
	resp, fbErr := s.completeRef(ctx, req, ref)
	if fbErr != nil {
		return nil, errkind.Wrap(errkind.UpstreamUnavailable, err,
			"primary and fallback providers failed")
	}
	return resp, nil
}

func (s *Service) completeRef(ctx context.Context, req Request, ref ModelRef) (*Response, error) {
	backend, err := s.Backend(ref.Provider)
	if err != nil {
		return nil, err
	}
	req.Model = ref.Model

	var lastErr error
	for attempt := 0; attempt < s.attempts; attempt++ {
		if attempt > 0 {
			if err := backoff.Wait(ctx, s.policy.Delay(attempt-1)); err != nil {
				return nil, err
			}
		}
		resp, err := backend.Complete(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !isTransient(err) {
			return nil, err
		}
		s.logger.Warn("model call failed",
			"provider", ref.Provider, "model", ref.Model,
			"attempt", attempt+1, "error", err)
	}
	return nil, errkind.Wrap(errkind.UpstreamUnavailable, lastErr,
		"provider %s exhausted %d attempts", ref.Provider, s.attempts)
}

// Stream opens a streaming completion. Establishment failures retry
// under the same budget; once the stream is open, events flow through
// verbatim and a mid-stream failure ends with an error event.
func (s *Service) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	ref := ParseModel(req.Model, s.defaultProvider)
	backend, err := s.Backend(ref.Provider)
	if err != nil {
		return nil, err
	}
	req.Model = ref.Model

	var lastErr error
	for attempt := 0; attempt < s.attempts; attempt++ {
		if attempt > 0 {
			if err := backoff.Wait(ctx, s.policy.Delay(attempt-1)); err != nil {
				return nil, err
			}
		}
		events, err := backend.Stream(ctx, req)
		if err == nil {
			return events, nil
		}
		lastErr = err
		if !isTransient(err) {
			return nil, err
		}
	}
	return nil, errkind.Wrap(errkind.UpstreamUnavailable, lastErr,
		"provider %s exhausted %d attempts", ref.Provider, s.attempts)
}
