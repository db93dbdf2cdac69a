package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/regen-network/koi-processor/pkg/identity"
	"github.com/regen-network/koi-processor/pkg/model"
	"github.com/regen-network/koi-processor/pkg/scheduler"
	"github.com/regen-network/koi-processor/pkg/store"
)

// Fragment records one embedded chunk in the embed stage's manifest.
type Fragment struct {
	RID        string `json:"rid"`
	ChunkIndex int    `json:"chunkIndex"`
	Provider   string `json:"provider"`
	Attempts   int    `json:"attempts"`
}

// EmbedManifest is the embed stage's output artifact.
type EmbedManifest struct {
	Model      string     `json:"model"`
	Dimensions int        `json:"dimensions"`
	Fragments  []Fragment `json:"fragments"`
}

// EmbedStage produces one vector per chunk and writes it to the fragment
// index. An exhausted embedding budget downgrades to the free local provider
// instead of skipping: embeddings are always produced.
type EmbedStage struct {
	models      *model.Service
	sched       *scheduler.Scheduler
	index       *store.EmbeddingIndex
	parallelism int
}

// NewEmbedStage wires the embedder, scheduler, and fragment index.
func NewEmbedStage(models *model.Service, sched *scheduler.Scheduler, index *store.EmbeddingIndex) *EmbedStage {
	return &EmbedStage{models: models, sched: sched, index: index, parallelism: 4}
}

func (*EmbedStage) Name() string { return "embed" }

func (*EmbedStage) RecipeSchema() string {
	return `{
		"type": "object",
		"properties": {
			"model": {"type": "string"},
			"dimensions": {"type": "integer", "minimum": 1},
			"parentRid": {"type": "string"},
			"fragmentBase": {"type": "string"}
		},
		"required": ["parentRid", "fragmentBase"],
		"additionalProperties": false
	}`
}

const embedCostPerKiloToken = 0.0001

func (s *EmbedStage) Process(ctx context.Context, in Input) (Output, error) {
	var manifest ChunkManifest
	if err := json.Unmarshal(in.Bytes, &manifest); err != nil {
		return Output{}, fmt.Errorf("%w: chunk manifest: %v", ErrMalformedInput, err)
	}

	parentRaw, _ := in.Params["parentRid"].(string)
	parentRID, err := identity.ParseRID(parentRaw)
	if err != nil {
		return Output{}, err
	}
	fragmentBase, _ := in.Params["fragmentBase"].(string)

	est := float64(manifest.TotalTokens) / 1000 * embedCostPerKiloToken
	useLocal := s.models.Embedder().Name() == "local"
	if !useLocal {
		decision, err := s.sched.CheckBudget(ctx, scheduler.CategoryEmbedding, est)
		if err != nil {
			return Output{}, err
		}
		// Budget exhaustion falls back to the free provider.
		useLocal = !decision.Allowed
	}

	release, err := s.sched.Acquire(ctx)
	if err != nil {
		return Output{}, err
	}
	defer release()

	fragments := make([]Fragment, len(manifest.Chunks))
	var mu sync.Mutex
	var tokens int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.parallelism)
	for _, chunk := range manifest.Chunks {
		g.Go(func() error {
			vec, provider, attempts, err := s.models.Embed(gctx, chunk.Text, useLocal)
			if err != nil {
				return err
			}
			fragRID, err := identity.ParseRID(fmt.Sprintf("%s/chunk-%d", fragmentBase, chunk.Index))
			if err != nil {
				return err
			}
			if err := s.index.Put(gctx, fragRID, parentRID, vec); err != nil {
				return err
			}

			mu.Lock()
			fragments[chunk.Index] = Fragment{
				RID:        fragRID.String(),
				ChunkIndex: chunk.Index,
				Provider:   provider,
				Attempts:   attempts,
			}
			tokens += int64(chunk.EndToken - chunk.StartToken)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Output{}, err
	}

	var usd float64
	if !useLocal {
		usd = float64(tokens) / 1000 * embedCostPerKiloToken
		if err := s.sched.RecordSpend(ctx, scheduler.CategoryEmbedding, usd); err != nil {
			return Output{}, err
		}
	}

	out := EmbedManifest{
		Model:      s.providerName(useLocal),
		Dimensions: s.dimensions(useLocal),
		Fragments:  fragments,
	}
	data, err := json.Marshal(out)
	if err != nil {
		return Output{}, fmt.Errorf("pipeline: encode embed manifest: %w", err)
	}

	maxAttempts := 0
	for _, f := range fragments {
		if f.Attempts > maxAttempts {
			maxAttempts = f.Attempts
		}
	}
	return Output{
		Bytes:   data,
		Format:  "application/json",
		Model:   out.Model,
		Tokens:  tokens,
		Compute: usd,
		Meta:    map[string]string{"attempts": fmt.Sprint(maxAttempts)},
	}, nil
}

func (s *EmbedStage) providerName(useLocal bool) string {
	if useLocal {
		return s.models.LocalEmbedder().Name()
	}
	return s.models.Embedder().Name()
}

func (s *EmbedStage) dimensions(useLocal bool) int {
	if useLocal {
		return s.models.LocalEmbedder().Dimensions()
	}
	return s.models.Embedder().Dimensions()
}
