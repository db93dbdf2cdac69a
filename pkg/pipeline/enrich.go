package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/regen-network/koi-processor/pkg/model"
	"github.com/regen-network/koi-processor/pkg/scheduler"
)

// Enrichment is the derived record produced for one chunk.
type Enrichment struct {
	ChunkIndex int      `json:"chunkIndex"`
	Summary    string   `json:"summary"`
	Sentiment  string   `json:"sentiment,omitempty"`
	Topics     []string `json:"topics,omitempty"`
}

// EnrichStage summarizes chunks with the priority-routed text model. The
// scheduler can downgrade the whole stage to a skip: small inputs, code
// content, or an exhausted enrichment budget.
type EnrichStage struct {
	models *model.Service
	sched  *scheduler.Scheduler
}

// NewEnrichStage wires the paid-model dependencies.
func NewEnrichStage(models *model.Service, sched *scheduler.Scheduler) *EnrichStage {
	return &EnrichStage{models: models, sched: sched}
}

func (*EnrichStage) Name() string { return "enrich" }

func (*EnrichStage) RecipeSchema() string {
	return `{
		"type": "object",
		"properties": {
			"model": {"type": "string"},
			"temperature": {"type": "number", "minimum": 0, "maximum": 2},
			"promptTemplateCid": {"type": "string"},
			"priority": {"type": "number", "minimum": 0, "maximum": 1},
			"sourceName": {"type": "string"}
		},
		"additionalProperties": false
	}`
}

const enrichCostPerKiloToken = 0.002

func (s *EnrichStage) Process(ctx context.Context, in Input) (Output, error) {
	var manifest ChunkManifest
	if err := json.Unmarshal(in.Bytes, &manifest); err != nil {
		return Output{}, fmt.Errorf("%w: chunk manifest: %v", ErrMalformedInput, err)
	}

	full := joinChunks(manifest.Chunks)
	sourceName, _ := in.Params["sourceName"].(string)
	if ok, reason := s.sched.ShouldEnrich(full, sourceName); !ok {
		return Output{Skip: true, SkipReason: reason}, nil
	}

	est := float64(manifest.TotalTokens) / 1000 * enrichCostPerKiloToken
	decision, err := s.sched.CheckBudget(ctx, scheduler.CategoryEnrichment, est)
	if err != nil && !decision.Allowed {
		return Output{}, err
	}
	if !decision.Allowed {
		return Output{Skip: true, SkipReason: decision.Reason}, nil
	}

	release, err := s.sched.Acquire(ctx)
	if err != nil {
		return Output{}, err
	}
	defer release()

	priority := floatParam(in.Params, "priority", 0.5)
	temperature := floatParam(in.Params, "temperature", 0.2)

	var (
		enrichments []Enrichment
		modelName   string
		tokens      int64
	)
	for _, chunk := range manifest.Chunks {
		prompt := enrichPrompt(chunk.Text)
		out, name, _, err := s.models.Complete(ctx, prompt, priority, model.SamplingOptions{
			Temperature: temperature,
			MaxTokens:   512,
		})
		if err != nil {
			return Output{}, err
		}
		modelName = name
		tokens += int64(len(strings.Fields(chunk.Text)))

		e := parseEnrichment(out)
		e.ChunkIndex = chunk.Index
		enrichments = append(enrichments, e)
	}

	usd := float64(tokens) / 1000 * enrichCostPerKiloToken
	if err := s.sched.RecordSpend(ctx, scheduler.CategoryEnrichment, usd); err != nil {
		return Output{}, err
	}

	data, err := json.Marshal(enrichments)
	if err != nil {
		return Output{}, fmt.Errorf("pipeline: encode enrichments: %w", err)
	}
	return Output{
		Bytes:   data,
		Format:  "application/json",
		Model:   modelName,
		Tokens:  tokens,
		Compute: usd,
	}, nil
}

func enrichPrompt(text string) string {
	return "Summarize the passage, then list its sentiment and up to five topics " +
		"as JSON with keys summary, sentiment, topics.\n\n" + text
}

// parseEnrichment accepts either the requested JSON shape or, when the model
// answers free-form, folds the whole answer into the summary.
func parseEnrichment(raw string) Enrichment {
	var e Enrichment
	if err := json.Unmarshal([]byte(raw), &e); err == nil && e.Summary != "" {
		return e
	}
	return Enrichment{Summary: strings.TrimSpace(raw)}
}

func joinChunks(chunks []Chunk) string {
	parts := make([]string, len(chunks))
	for i, c := range chunks {
		parts[i] = c.Text
	}
	return strings.Join(parts, " ")
}
