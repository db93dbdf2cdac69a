package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/regen-network/koi-processor/pkg/entities"
	"github.com/regen-network/koi-processor/pkg/identity"
	"github.com/regen-network/koi-processor/pkg/model"
	"github.com/regen-network/koi-processor/pkg/scheduler"
)

// ExtractedEntity is the model's answer shape and the persisted record in
// the stage's output artifact.
type ExtractedEntity struct {
	RID        string   `json:"rid"`
	Name       string   `json:"name"`
	Kind       string   `json:"kind"`
	Aliases    []string `json:"aliases,omitempty"`
	Importance float64  `json:"importance"`
}

// ExtractSet is the extract stage's output artifact. Deliberately free of
// timestamps so identical extractions hash to the same CID; extractedAt
// lives on the entity rows.
type ExtractSet struct {
	Ontology string            `json:"ontology"`
	Model    string            `json:"model"`
	Entities []ExtractedEntity `json:"entities"`
}

// ExtractStage pulls typed entities out of the markdown artifact using the
// current ontology. Without a registered ontology the stage is skipped:
// wasExtractedUsing must always resolve.
type ExtractStage struct {
	models   *model.Service
	sched    *scheduler.Scheduler
	entities *entities.Store
	ns       string
}

// NewExtractStage wires the extraction dependencies. ns is the RID namespace
// minted entities live under.
func NewExtractStage(models *model.Service, sched *scheduler.Scheduler, ents *entities.Store, ns string) *ExtractStage {
	return &ExtractStage{models: models, sched: sched, entities: ents, ns: ns}
}

func (*ExtractStage) Name() string { return "extract" }

func (*ExtractStage) RecipeSchema() string {
	return `{
		"type": "object",
		"properties": {
			"model": {"type": "string"},
			"confidenceFloor": {"type": "number", "minimum": 0, "maximum": 1},
			"priority": {"type": "number", "minimum": 0, "maximum": 1}
		},
		"additionalProperties": false
	}`
}

const extractCostPerKiloToken = 0.002

func (s *ExtractStage) Process(ctx context.Context, in Input) (Output, error) {
	ontology, err := s.entities.CurrentOntology(ctx)
	if errors.Is(err, entities.ErrNoOntology) {
		return Output{Skip: true, SkipReason: "no-ontology"}, nil
	}
	if err != nil {
		return Output{}, err
	}

	text := string(in.Bytes)
	tokens := int64(len(strings.Fields(text)))
	est := float64(tokens) / 1000 * extractCostPerKiloToken
	decision, err := s.sched.CheckBudget(ctx, scheduler.CategoryExtraction, est)
	if err != nil {
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
	floor := floatParam(in.Params, "confidenceFloor", 0.5)

	answer, modelName, _, err := s.models.Complete(ctx, extractPrompt(text), priority, model.SamplingOptions{MaxTokens: 1024})
	if err != nil {
		return Output{}, err
	}

	var raw []ExtractedEntity
	if err := json.Unmarshal([]byte(answer), &raw); err != nil {
		return Output{}, fmt.Errorf("%w: entity extraction answer: %v", model.ErrModelRejected, err)
	}

	extractedAt := time.Now().UTC()
	var kept []ExtractedEntity
	for _, e := range raw {
		if e.Importance < floor || e.Name == "" {
			continue
		}
		rid, err := identity.MintRID(s.ns, kindType(e.Kind), slug(e.Name))
		if err != nil {
			continue
		}
		e.RID = rid.String()
		kept = append(kept, e)

		if err := s.entities.Record(ctx, entities.Entity{
			RID:               rid,
			Kind:              entities.Kind(e.Kind),
			Name:              e.Name,
			Aliases:           e.Aliases,
			Importance:        e.Importance,
			WasExtractedUsing: ontology.RID,
			ExtractedAt:       extractedAt,
		}, in.RID); err != nil {
			return Output{}, err
		}
	}

	usd := float64(tokens) / 1000 * extractCostPerKiloToken
	if err := s.sched.RecordSpend(ctx, scheduler.CategoryExtraction, usd); err != nil {
		return Output{}, err
	}

	set := ExtractSet{
		Ontology: ontology.RID.String(),
		Model:    modelName,
		Entities: kept,
	}
	data, err := json.Marshal(set)
	if err != nil {
		return Output{}, fmt.Errorf("pipeline: encode entity set: %w", err)
	}
	return Output{
		Bytes:   data,
		Format:  "application/json",
		Model:   modelName,
		Tokens:  tokens,
		Compute: usd,
		Meta:    map[string]string{"ontology": ontology.RID.String()},
	}, nil
}

func extractPrompt(text string) string {
	return "Extract the named entities from the passage as a JSON array of " +
		"{name, kind, aliases, importance} where kind is Person, Organization, " +
		"Concept, or Place and importance is in [0,1].\n\n" + text
}

// kindType maps an entity kind onto its RID type segment.
func kindType(kind string) string {
	switch strings.ToLower(kind) {
	case "person":
		return "person"
	case "organization":
		return "org"
	case "place":
		return "place"
	default:
		return "concept"
	}
}

// slug folds an entity name into the RID identifier charset.
func slug(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		case r == ' ' || r == '/':
			b.WriteByte('-')
		}
	}
	return b.String()
}
