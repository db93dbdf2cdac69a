package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"
)

// NormalizeStage cleans raw bytes into canonical UTF-8 text: BOM stripped,
// CRLF folded to LF, trailing whitespace trimmed per line, exactly one
// trailing newline.
type NormalizeStage struct{}

func (NormalizeStage) Name() string { return "normalize" }

func (NormalizeStage) RecipeSchema() string {
	return `{
		"type": "object",
		"properties": {
			"sourceSchema": {"type": "string"}
		},
		"additionalProperties": false
	}`
}

func (NormalizeStage) Process(_ context.Context, in Input) (Output, error) {
	data := bytes.TrimPrefix(in.Bytes, []byte{0xEF, 0xBB, 0xBF})
	if !utf8.Valid(data) {
		return Output{}, fmt.Errorf("%w: not valid utf-8", ErrMalformedInput)
	}

	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	out := strings.TrimRight(strings.Join(lines, "\n"), "\n") + "\n"

	return Output{Bytes: []byte(out), Format: "text/plain"}, nil
}

// MarkdownStage renders normalized text as markdown. Plain text passes
// through; a title from the document metadata becomes a heading.
type MarkdownStage struct{}

func (MarkdownStage) Name() string { return "markdown" }

func (MarkdownStage) RecipeSchema() string {
	return `{
		"type": "object",
		"properties": {
			"title": {"type": "string"}
		},
		"additionalProperties": false
	}`
}

func (MarkdownStage) Process(_ context.Context, in Input) (Output, error) {
	body := string(in.Bytes)
	if title, ok := in.Params["title"].(string); ok && title != "" && !strings.HasPrefix(body, "# ") {
		body = "# " + title + "\n\n" + body
	}
	return Output{Bytes: []byte(body), Format: "text/markdown"}, nil
}

// ChunkStage slices markdown into overlapping token windows and emits the
// chunk manifest as its output artifact.
type ChunkStage struct{}

func (ChunkStage) Name() string { return "chunk" }

func (ChunkStage) RecipeSchema() string {
	return `{
		"type": "object",
		"properties": {
			"targetTokens": {"type": "integer", "minimum": 1},
			"overlap": {"type": "integer", "minimum": 0}
		},
		"additionalProperties": false
	}`
}

func (ChunkStage) Process(_ context.Context, in Input) (Output, error) {
	target := intParam(in.Params, "targetTokens", 500)
	overlap := intParam(in.Params, "overlap", 100)

	text := string(in.Bytes)
	chunks := ChunkText(text, target, overlap)
	if len(chunks) == 0 {
		return Output{}, fmt.Errorf("%w: no tokens to chunk", ErrMalformedInput)
	}

	manifest := ChunkManifest{
		TargetTokens: target,
		Overlap:      overlap,
		TotalTokens:  len(strings.Fields(text)),
		Chunks:       chunks,
	}
	data, err := json.Marshal(manifest)
	if err != nil {
		return Output{}, fmt.Errorf("pipeline: encode chunks: %w", err)
	}
	return Output{Bytes: data, Format: "application/json"}, nil
}

func intParam(params map[string]any, key string, def int) int {
	v, ok := params[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return def
	}
}

func floatParam(params map[string]any, key string, def float64) float64 {
	v, ok := params[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	default:
		return def
	}
}
