// Package query is the read side: artifact retrieval, provenance chains,
// vector search, and entity lookups. Nothing here blocks ingestion.
package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/regen-network/koi-processor/pkg/entities"
	"github.com/regen-network/koi-processor/pkg/identity"
	"github.com/regen-network/koi-processor/pkg/ledger"
	"github.com/regen-network/koi-processor/pkg/model"
	"github.com/regen-network/koi-processor/pkg/store"
)

// DefaultScoreFloor is the minimum similarity returned by Search.
const DefaultScoreFloor = 0.1

// Filter narrows a search to a RID prefix (agent scope or artifact family).
type Filter struct {
	RIDPrefix  string
	ScoreFloor float64 // 0 means DefaultScoreFloor
}

// Service bundles the read-only views over the stores.
type Service struct {
	store    *store.Store
	ledger   ledger.Ledger
	index    *store.EmbeddingIndex
	entities *entities.Store
	models   *model.Service
	logger   *slog.Logger
}

// New wires the query service.
func New(st *store.Store, lg ledger.Ledger, index *store.EmbeddingIndex, ents *entities.Store, models *model.Service) *Service {
	return &Service{
		store:    st,
		ledger:   lg,
		index:    index,
		entities: ents,
		models:   models,
		logger:   slog.Default().With("component", "query"),
	}
}

// GetArtifact resolves a RID or CID to its artifact record and bytes.
func (s *Service) GetArtifact(ctx context.Context, ref string) (store.Artifact, []byte, error) {
	a, err := s.store.Resolve(ctx, ref)
	if err != nil {
		return store.Artifact{}, nil, err
	}
	data, err := s.store.GetBytes(ctx, a.CID)
	if err != nil {
		return store.Artifact{}, nil, err
	}
	return a, data, nil
}

// Provenance returns the ordered receipt chain for rid, root first. For a
// source document it is the forward closure of every receipt derived from
// it; for a derived artifact it is the backward chain to its root.
func (s *Service) Provenance(ctx context.Context, rid string) ([]*ledger.CAT, error) {
	roots, err := s.ledger.ByInput(ctx, rid)
	if err != nil {
		return nil, err
	}
	if len(roots) == 0 {
		return s.ledger.ChainFor(ctx, rid)
	}

	all, err := s.ledger.All(ctx)
	if err != nil {
		return nil, err
	}

	// Breadth-first over output edges starting from the document's own
	// receipts.
	seen := make(map[string]bool)
	frontier := map[string]bool{rid: true}
	var out []*ledger.CAT
	for changed := true; changed; {
		changed = false
		for _, c := range all {
			if seen[c.CatID] {
				continue
			}
			if frontier[c.InputRid] || frontier[c.InputCid] {
				seen[c.CatID] = true
				out = append(out, c)
				frontier[c.OutputRid] = true
				frontier[c.OutputCid] = true
				changed = true
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// Search embeds the query text with the same model family used at ingestion
// and runs cosine similarity over the fragment index.
func (s *Service) Search(ctx context.Context, text string, topK int, filter Filter) ([]store.Hit, error) {
	if text == "" {
		return nil, fmt.Errorf("query: empty search text")
	}
	if topK <= 0 {
		topK = 10
	}
	floor := filter.ScoreFloor
	if floor <= 0 {
		floor = DefaultScoreFloor
	}

	useLocal := s.models.Embedder().Name() == "local"
	vec, _, _, err := s.models.Embed(ctx, text, useLocal)
	if err != nil {
		return nil, err
	}
	return s.index.Search(ctx, vec, topK, floor, filter.RIDPrefix)
}

// EntitiesOf lists the entities extracted from an artifact.
func (s *Service) EntitiesOf(ctx context.Context, rid identity.RID) ([]entities.Entity, error) {
	return s.entities.Of(ctx, rid)
}

// ArtifactsMentioning resolves up to limit artifacts that mention an entity.
// Forgotten artifacts drop out of the result rather than erroring.
func (s *Service) ArtifactsMentioning(ctx context.Context, entityRID identity.RID, limit int) ([]store.Artifact, error) {
	if limit <= 0 {
		limit = 20
	}
	rids, err := s.entities.Mentioning(ctx, entityRID, limit)
	if err != nil {
		return nil, err
	}
	var out []store.Artifact
	for _, rid := range rids {
		a, err := s.store.Resolve(ctx, rid.String())
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}
