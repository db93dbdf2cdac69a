package model

import (
	"context"
	"log/slog"
)

// Service routes model work to concrete providers: a high-quality and a
// cheap text model selected by priority, and a paid embedder with a free
// local fallback. All pipeline model access flows through here.
type Service struct {
	high     TextModel
	low      TextModel
	embedder Embedder
	local    *LocalEmbedder
	policy   RetryPolicy
	logger   *slog.Logger
}

// NewService wires the providers. embedder may be nil when only the local
// provider is configured.
func NewService(high, low TextModel, embedder Embedder, local *LocalEmbedder, policy RetryPolicy) *Service {
	if local == nil {
		local = NewLocalEmbedder(256)
	}
	return &Service{
		high:     high,
		low:      low,
		embedder: embedder,
		local:    local,
		policy:   policy,
		logger:   slog.Default().With("component", "model"),
	}
}

// SelectText returns the text model for the given priority: >= 0.8 routes to
// the high-quality model, everything else to the cheap one.
func (s *Service) SelectText(priority float64) TextModel {
	if priority >= 0.8 && s.high != nil {
		return s.high
	}
	if s.low != nil {
		return s.low
	}
	return s.high
}

// LocalEmbedder exposes the always-available free provider.
func (s *Service) LocalEmbedder() Embedder { return s.local }

// Embedder returns the paid provider if configured, else the local one.
func (s *Service) Embedder() Embedder {
	if s.embedder != nil {
		return s.embedder
	}
	return s.local
}

// Embed runs the chosen embedder under the retry policy. useLocal forces the
// free provider (budget exhaustion, KOI_EMBED_PROVIDER=local). Returns the
// vector, the provider name, and the attempt count for receipt metadata.
func (s *Service) Embed(ctx context.Context, text string, useLocal bool) ([]float32, string, int, error) {
	emb := s.Embedder()
	if useLocal {
		emb = s.local
	}

	var vec []float32
	attempts, err := Retry(ctx, s.policy, func() error {
		v, err := emb.Embed(ctx, text)
		if err != nil {
			return err
		}
		vec = v
		return nil
	})
	if err != nil {
		s.logger.WarnContext(ctx, "embedding failed", "provider", emb.Name(), "attempts", attempts, "error", err)
		return nil, emb.Name(), attempts, err
	}
	return vec, emb.Name(), attempts, nil
}

// Complete runs the priority-selected text model under the retry policy.
func (s *Service) Complete(ctx context.Context, prompt string, priority float64, opts SamplingOptions) (string, string, int, error) {
	tm := s.SelectText(priority)
	if tm == nil {
		return "", "", 0, ErrUnavailable
	}

	var out string
	attempts, err := Retry(ctx, s.policy, func() error {
		text, err := tm.Complete(ctx, prompt, opts)
		if err != nil {
			return err
		}
		out = text
		return nil
	})
	if err != nil {
		s.logger.WarnContext(ctx, "completion failed", "model", tm.Name(), "attempts", attempts, "error", err)
		return "", tm.Name(), attempts, err
	}
	return out, tm.Name(), attempts, nil
}
