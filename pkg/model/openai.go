package model

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"
)

// HTTPEmbedder calls an OpenAI-compatible /v1/embeddings endpoint. Works
// against the hosted API and local servers (LM Studio, Ollama) alike.
type HTTPEmbedder struct {
	baseURL string
	apiKey  string
	model   string
	dims    int
	client  *http.Client
	gate    *RateGate
}

// NewHTTPEmbedder builds an embedder for the given provider base URL.
func NewHTTPEmbedder(baseURL, model string, dims int, timeout time.Duration, gate *RateGate) *HTTPEmbedder {
	return &HTTPEmbedder{
		baseURL: baseURL,
		apiKey:  os.Getenv("OPENAI_API_KEY"),
		model:   model,
		dims:    dims,
		client:  &http.Client{Timeout: timeout},
		gate:    gate,
	}
}

func (e *HTTPEmbedder) Name() string    { return e.model }
func (e *HTTPEmbedder) Dimensions() int { return e.dims }

func (e *HTTPEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if e.gate != nil {
		if err := e.gate.Wait(ctx); err != nil {
			return nil, err
		}
	}

	body, _ := json.Marshal(map[string]any{"input": text, "model": e.model})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("embed: create request: %w", err)
	}
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if e.gate != nil {
		e.gate.ObserveHeaders(resp.Header)
	}
	if err := classifyStatus(resp.StatusCode); err != nil {
		return nil, err
	}

	var result struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("embed: decode response: %w", err)
	}
	if len(result.Data) == 0 {
		return nil, fmt.Errorf("%w: no embedding returned", ErrModelRejected)
	}
	return result.Data[0].Embedding, nil
}

// HTTPTextModel calls an OpenAI-compatible /v1/chat/completions endpoint.
type HTTPTextModel struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
	gate    *RateGate
}

// NewHTTPTextModel builds a text model client.
func NewHTTPTextModel(baseURL, model string, timeout time.Duration, gate *RateGate) *HTTPTextModel {
	return &HTTPTextModel{
		baseURL: baseURL,
		apiKey:  os.Getenv("OPENAI_API_KEY"),
		model:   model,
		client:  &http.Client{Timeout: timeout},
		gate:    gate,
	}
}

func (m *HTTPTextModel) Name() string { return m.model }

func (m *HTTPTextModel) Complete(ctx context.Context, prompt string, opts SamplingOptions) (string, error) {
	if m.gate != nil {
		if err := m.gate.Wait(ctx); err != nil {
			return "", err
		}
	}

	reqBody := map[string]any{
		"model":    m.model,
		"messages": []map[string]string{{"role": "user", "content": prompt}},
	}
	if opts.Temperature > 0 {
		reqBody["temperature"] = opts.Temperature
	}
	if opts.MaxTokens > 0 {
		reqBody["max_tokens"] = opts.MaxTokens
	}
	body, _ := json.Marshal(reqBody)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("complete: create request: %w", err)
	}
	if m.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+m.apiKey)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return "", classifyTransportError(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if m.gate != nil {
		m.gate.ObserveHeaders(resp.Header)
	}
	if err := classifyStatus(resp.StatusCode); err != nil {
		return "", err
	}

	var result struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("complete: decode response: %w", err)
	}
	if len(result.Choices) == 0 {
		return "", fmt.Errorf("%w: empty choices", ErrModelRejected)
	}
	return result.Choices[0].Message.Content, nil
}

func classifyStatus(code int) error {
	switch {
	case code == http.StatusOK:
		return nil
	case code == http.StatusTooManyRequests:
		return ErrRateLimited
	case code >= 500:
		return fmt.Errorf("%w: status %d", ErrUnavailable, code)
	default:
		return fmt.Errorf("%w: status %d", ErrModelRejected, code)
	}
}

func classifyTransportError(err error) error {
	var ne interface{ Timeout() bool }
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

// parseIntHeader is a lenient header-to-int conversion for rate-limit fields.
func parseIntHeader(v string) (int, bool) {
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}
