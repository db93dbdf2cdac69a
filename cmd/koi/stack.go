package main

import (
	"context"
	"fmt"
	"os"
	"time"

	_ "github.com/lib/pq"

	"github.com/regen-network/koi-processor/pkg/config"
	"github.com/regen-network/koi-processor/pkg/dedup"
	"github.com/regen-network/koi-processor/pkg/entities"
	"github.com/regen-network/koi-processor/pkg/eventbus"
	"github.com/regen-network/koi-processor/pkg/ingest"
	"github.com/regen-network/koi-processor/pkg/ledger"
	"github.com/regen-network/koi-processor/pkg/model"
	"github.com/regen-network/koi-processor/pkg/pipeline"
	"github.com/regen-network/koi-processor/pkg/query"
	"github.com/regen-network/koi-processor/pkg/scheduler"
	"github.com/regen-network/koi-processor/pkg/store"
)

const defaultModelBaseURL = "https://api.openai.com/v1"

// stack is the fully wired processor: every subcommand builds one from the
// environment configuration and tears it down when done.
type stack struct {
	cfg      config.Config
	store    *store.Store
	ledger   ledger.Ledger
	index    *store.EmbeddingIndex
	entities *entities.Store
	budget   *scheduler.SQLiteBudgetStore
	sched    *scheduler.Scheduler
	models   *model.Service
	bus      *eventbus.Bus
	journal  *eventbus.SQLiteJournal
	review   *dedup.ReviewLog
	engine   *pipeline.Engine
	ingest   *ingest.Service
	query    *query.Service

	closers []func() error
}

func buildStack(ctx context.Context, cfg config.Config) (*stack, error) {
	s := &stack{cfg: cfg}

	st, err := store.Open(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	s.store = st
	s.closers = append(s.closers, st.Close)

	if err := s.openLedger(ctx, cfg); err != nil {
		s.close()
		return nil, err
	}

	index, err := store.OpenEmbeddingIndex(cfg.DataDir)
	if err != nil {
		s.close()
		return nil, fmt.Errorf("open embedding index: %w", err)
	}
	s.index = index
	s.closers = append(s.closers, index.Close)

	ents, err := entities.Open(cfg.DataDir)
	if err != nil {
		s.close()
		return nil, fmt.Errorf("open entities: %w", err)
	}
	s.entities = ents
	s.closers = append(s.closers, ents.Close)

	budget, err := scheduler.OpenSQLiteBudgetStore(cfg.DataDir)
	if err != nil {
		s.close()
		return nil, fmt.Errorf("open budget store: %w", err)
	}
	s.budget = budget
	s.closers = append(s.closers, budget.Close)

	s.sched = scheduler.New(budget, scheduler.Options{
		MaxInFlight: int64(cfg.MaxInFlight),
		DailyBudgetUSD: map[scheduler.Category]float64{
			scheduler.CategoryEnrichment: cfg.DailyBudget.Enrichment,
			scheduler.CategoryEmbedding:  cfg.DailyBudget.Embedding,
			scheduler.CategoryExtraction: cfg.DailyBudget.Extraction,
		},
		EnrichSkipCode:  cfg.Enrich.SkipCode,
		EnrichMinTokens: cfg.Enrich.MinTokens,
		EmbedProvider:   cfg.EmbedProvider,
		ModelHigh:       cfg.TextModel.High,
		ModelLow:        cfg.TextModel.Low,
	})

	s.models = buildModels(cfg)

	journal, err := eventbus.OpenSQLiteJournal(cfg.DataDir)
	if err != nil {
		s.close()
		return nil, fmt.Errorf("open event journal: %w", err)
	}
	s.journal = journal
	s.closers = append(s.closers, journal.Close)

	bus, err := eventbus.New(journal)
	if err != nil {
		s.close()
		return nil, fmt.Errorf("open event bus: %w", err)
	}
	s.bus = bus

	review, err := dedup.OpenReviewLog(cfg.DataDir)
	if err != nil {
		s.close()
		return nil, fmt.Errorf("open review log: %w", err)
	}
	s.review = review

	pipeCfg := pipeline.DefaultConfig()
	pipeCfg.Agent = cfg.Agent
	pipeCfg.ChunkTokens = cfg.Chunking.TargetTokens
	pipeCfg.ChunkOverlap = cfg.Chunking.Overlap
	pipeCfg.DocTimeout = cfg.DocTimeout
	s.engine = pipeline.NewEngine(st, s.ledger, bus, s.models, s.sched, index, ents, cfg.Namespace, pipeCfg)

	deduper := dedup.New(st, s.ledger, review, cfg.Agent, dedup.DefaultOptions()).
		WithEmbeddings(index, s.models.Embedder())

	s.ingest = ingest.New(st, deduper, s.engine, bus)
	s.query = query.New(st, s.ledger, index, ents, s.models)
	return s, nil
}

// openLedger prefers postgres when KOI_DATABASE_URL is set, falling back to
// the embedded sqlite ledger. A configured signing key wraps either backend.
func (s *stack) openLedger(ctx context.Context, cfg config.Config) error {
	var lgr ledger.Ledger
	if cfg.DatabaseURL != "" {
		pg, err := ledger.OpenPostgresLedger(cfg.DatabaseURL, s.store)
		if err != nil {
			return fmt.Errorf("open postgres ledger: %w", err)
		}
		if err := pg.Migrate(ctx); err != nil {
			_ = pg.Close()
			return fmt.Errorf("migrate postgres ledger: %w", err)
		}
		s.closers = append(s.closers, pg.Close)
		lgr = pg
	} else {
		sl, err := ledger.OpenSQLiteLedger(cfg.DataDir, s.store)
		if err != nil {
			return fmt.Errorf("open sqlite ledger: %w", err)
		}
		s.closers = append(s.closers, sl.Close)
		lgr = sl
	}

	if cfg.SigningKey != "" {
		key, err := ledger.ParseSigningKey(cfg.SigningKey)
		if err != nil {
			return err
		}
		lgr = ledger.NewSigningLedger(lgr, key)
	}
	s.ledger = lgr
	return nil
}

// buildModels wires the model providers. Without an API key the node runs
// fully local: embeddings from the hash embedder, enrichment and extraction
// skipped or failed as the pipeline dictates.
func buildModels(cfg config.Config) *model.Service {
	baseURL := os.Getenv("KOI_MODEL_BASE_URL")
	if baseURL == "" {
		baseURL = defaultModelBaseURL
	}

	var gate *model.RateGate
	if cfg.RedisAddr != "" {
		gate = model.NewRateGate(300, 20).
			WithStore(model.NewRedisLimiterStore(cfg.RedisAddr, 300, 20), cfg.Agent)
	} else {
		gate = model.NewRateGate(300, 20)
	}

	var high, low model.TextModel
	if os.Getenv("OPENAI_API_KEY") != "" || os.Getenv("KOI_MODEL_BASE_URL") != "" {
		high = model.NewHTTPTextModel(baseURL, cfg.TextModel.High, cfg.ModelTimeout, gate)
		low = model.NewHTTPTextModel(baseURL, cfg.TextModel.Low, cfg.ModelTimeout, gate)
	}

	var embedder model.Embedder
	if cfg.EmbedProvider != "local" {
		embedder = model.NewHTTPEmbedder(baseURL, cfg.EmbedModel, 1536, cfg.ModelTimeout, gate)
	}

	return model.NewService(high, low, embedder, model.NewLocalEmbedder(256), model.RetryPolicy{
		MaxAttempts:     cfg.Retry.MaxAttempts,
		InitialInterval: cfg.Retry.Initial,
		MaxInterval:     cfg.Retry.Cap,
	})
}

func (s *stack) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		_ = s.closers[i]()
	}
	s.closers = nil
}

// withStack loads configuration, builds the stack, runs fn, and tears down.
func withStack(ctx context.Context, fn func(context.Context, *stack) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	s, err := buildStack(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.close()

	ctx, cancel := context.WithTimeout(ctx, 15*time.Minute)
	defer cancel()
	return fn(ctx, s)
}
