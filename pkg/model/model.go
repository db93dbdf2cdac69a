// Package model is the capability boundary for external embedding and text
// models. Pipeline stages never talk to a provider directly; they go through
// a Service that handles routing, rate limits, and retries.
package model

import (
	"context"
	"errors"
)

var (
	ErrRateLimited   = errors.New("rate limited")
	ErrTimeout       = errors.New("model timeout")
	ErrModelRejected = errors.New("model rejected input")
	ErrUnavailable   = errors.New("model backend unavailable")
)

// Embedder produces one vector per text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
	Name() string
}

// SamplingOptions tune a text model call.
type SamplingOptions struct {
	Temperature float64
	MaxTokens   int
}

// TextModel produces derived text (enrichment, entity extraction).
type TextModel interface {
	Complete(ctx context.Context, prompt string, opts SamplingOptions) (string, error)
	Name() string
}

// IsTransient reports whether err should be retried with backoff.
func IsTransient(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrTimeout) || errors.Is(err, ErrUnavailable)
}
