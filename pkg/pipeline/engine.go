package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/regen-network/koi-processor/pkg/entities"
	"github.com/regen-network/koi-processor/pkg/eventbus"
	"github.com/regen-network/koi-processor/pkg/identity"
	"github.com/regen-network/koi-processor/pkg/ledger"
	"github.com/regen-network/koi-processor/pkg/model"
	"github.com/regen-network/koi-processor/pkg/observability"
	"github.com/regen-network/koi-processor/pkg/scheduler"
	"github.com/regen-network/koi-processor/pkg/store"
)

// State tracks a document through the workflow.
type State string

const (
	StateReceived   State = "received"
	StateNormalized State = "normalized"
	StateMarkdown   State = "markdown"
	StateChunked    State = "chunked"
	StateEnriched   State = "enriched"
	StateEmbedded   State = "embedded"
	StateExtracted  State = "entitiesExtracted"
	StatePublished  State = "published"
	StateFailed     State = "failed"
)

// Config tunes one engine instance.
type Config struct {
	Agent           string
	ChunkTokens     int
	ChunkOverlap    int
	DocTimeout      time.Duration
	Priority        float64
	ConfidenceFloor float64
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		Agent:           "orn:regen.agent:processor",
		ChunkTokens:     500,
		ChunkOverlap:    100,
		DocTimeout:      10 * time.Minute,
		Priority:        0.5,
		ConfidenceFloor: 0.5,
	}
}

// Document is one unit of pipeline work. RID is the raw artifact identifier;
// Content is already validated non-empty by the ingestion layer.
type Document struct {
	RID        identity.RID
	Content    []byte
	Title      string
	SourceName string
}

// Result is the workflow outcome: terminal state plus every receipt the run
// appended.
type Result struct {
	RID      identity.RID
	CID      identity.CID
	State    State
	Receipts []*ledger.CAT
}

// Engine executes the staged workflow for one document at a time per RID.
// Stage order is fixed; each stage writes its artifact and receipt
// atomically before the next starts.
type Engine struct {
	store   *store.Store
	ledger  ledger.Ledger
	bus     *eventbus.Bus
	cfg     Config
	logger  *slog.Logger
	obs     *observability.Provider
	stages  map[string]Stage
	schemas map[string]*jsonschema.Schema
}

// NewEngine wires the stages. bus may be nil for one-shot runs without
// subscribers.
func NewEngine(st *store.Store, lg ledger.Ledger, bus *eventbus.Bus, models *model.Service, sched *scheduler.Scheduler, index *store.EmbeddingIndex, ents *entities.Store, ns string, cfg Config) *Engine {
	if cfg.ChunkTokens <= 0 {
		cfg.ChunkTokens = 500
	}
	if cfg.ChunkOverlap <= 0 {
		cfg.ChunkOverlap = 100
	}
	if cfg.DocTimeout <= 0 {
		cfg.DocTimeout = 10 * time.Minute
	}

	stages := map[string]Stage{}
	for _, s := range []Stage{
		NormalizeStage{},
		MarkdownStage{},
		ChunkStage{},
		NewEnrichStage(models, sched),
		NewEmbedStage(models, sched, index),
		NewExtractStage(models, sched, ents, ns),
	} {
		stages[s.Name()] = s
	}
	schemas := make(map[string]*jsonschema.Schema, len(stages))
	for name, s := range stages {
		schemas[name] = compileSchema(name, s.RecipeSchema())
	}

	return &Engine{
		store:   st,
		ledger:  lg,
		bus:     bus,
		cfg:     cfg,
		logger:  slog.Default().With("component", "pipeline"),
		stages:  stages,
		schemas: schemas,
	}
}

// WithObservability attaches the telemetry provider; stage spans and
// durations are recorded per run.
func (e *Engine) WithObservability(obs *observability.Provider) *Engine {
	e.obs = obs
	return e
}

// Run processes one document end to end under the per-document wall clock.
// Transient failures surface as errors for the caller to retry; permanent
// ones terminate the document with a failed receipt.
func (e *Engine) Run(ctx context.Context, doc Document) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.DocTimeout)
	defer cancel()

	res := Result{RID: doc.RID, State: StateReceived}

	rawCID, err := e.store.PutBytes(ctx, doc.Content)
	if err != nil {
		return res, err
	}
	unlock := e.store.LockRID(doc.RID)
	rawOutcome, err := e.store.UpsertArtifact(ctx, doc.RID, rawCID, "text/plain", "raw", nil)
	unlock()
	if err != nil {
		return res, err
	}
	res.CID = rawCID

	// Normalize.
	norm, err := e.runStage(ctx, &res, "normalize",
		doc.RID, rawCID, doc.Content,
		doc.RID.WithType("normalized"), map[string]any{})
	if err != nil {
		return e.fail(ctx, res, "normalize", doc.RID, rawCID, err)
	}
	res.State = StateNormalized

	// Markdown.
	mdParams := map[string]any{}
	if doc.Title != "" {
		mdParams["title"] = doc.Title
	}
	md, err := e.runStage(ctx, &res, "markdown",
		norm.rid, norm.cid, norm.bytes,
		doc.RID.WithType("markdown"), mdParams)
	if err != nil {
		return e.fail(ctx, res, "markdown", norm.rid, norm.cid, err)
	}
	res.State = StateMarkdown

	// Chunk.
	chunks, err := e.runStage(ctx, &res, "chunk",
		md.rid, md.cid, md.bytes,
		doc.RID.WithType("chunks"), map[string]any{
			"targetTokens": e.cfg.ChunkTokens,
			"overlap":      e.cfg.ChunkOverlap,
		})
	if err != nil {
		return e.fail(ctx, res, "chunk", md.rid, md.cid, err)
	}
	res.State = StateChunked

	// Enrich (skippable).
	enrichParams := map[string]any{"priority": e.cfg.Priority}
	if doc.SourceName != "" {
		enrichParams["sourceName"] = doc.SourceName
	}
	if _, err := e.runStage(ctx, &res, "enrich",
		chunks.rid, chunks.cid, chunks.bytes,
		doc.RID.WithType("enriched"), enrichParams); err != nil {
		return e.fail(ctx, res, "enrich", chunks.rid, chunks.cid, err)
	}
	res.State = StateEnriched

	// Embed.
	if _, err := e.runStage(ctx, &res, "embed",
		chunks.rid, chunks.cid, chunks.bytes,
		doc.RID.WithType("embedding"), map[string]any{
			"parentRid":    doc.RID.String(),
			"fragmentBase": doc.RID.WithType("embedding").String(),
		}); err != nil {
		return e.fail(ctx, res, "embed", chunks.rid, chunks.cid, err)
	}
	res.State = StateEmbedded

	// Extract entities from the markdown artifact.
	if _, err := e.runStage(ctx, &res, "extract",
		md.rid, md.cid, md.bytes,
		doc.RID.WithType("entities"), map[string]any{
			"confidenceFloor": e.cfg.ConfidenceFloor,
			"priority":        e.cfg.Priority,
		}); err != nil {
		return e.fail(ctx, res, "extract", md.rid, md.cid, err)
	}
	res.State = StateExtracted

	// Receipts are durable; publish the lifecycle event last.
	if e.bus != nil {
		kind := eventbus.KindNew
		if rawOutcome == store.OutcomeRevised {
			kind = eventbus.KindUpdate
		}
		if _, err := e.bus.Publish(ctx, kind, doc.RID.String(), rawCID.String()); err != nil {
			return res, err
		}
	}
	res.State = StatePublished
	return res, nil
}

// stageResult carries a stage's output artifact forward.
type stageResult struct {
	rid     identity.RID
	cid     identity.CID
	bytes   []byte
	skipped bool
}

// runStage validates params, runs the stage, and performs the atomic
// write-upsert-append sequence. Skips keep the input artifact flowing and
// still append a receipt.
func (e *Engine) runStage(ctx context.Context, res *Result, name string, inRID identity.RID, inCID identity.CID, inBytes []byte, outRID identity.RID, params map[string]any) (sr stageResult, err error) {
	finish := e.obs.TrackStage(ctx, name)
	defer func() { finish(err) }()

	st := e.stages[name]
	if err := validateParams(st, e.schemas[name], params); err != nil {
		return stageResult{}, err
	}

	out, err := st.Process(ctx, Input{RID: inRID, CID: inCID, Bytes: inBytes, Params: params})
	if err != nil {
		return stageResult{}, err
	}

	if out.Skip {
		cat, err := e.appendReceipt(ctx, ledger.OpSkip, name, inRID, inCID, inRID, inCID, map[string]any{
			"reason": out.SkipReason,
		}, out)
		if err != nil {
			return stageResult{}, err
		}
		res.Receipts = append(res.Receipts, cat)
		e.logger.InfoContext(ctx, "stage skipped", "stage", name, "rid", inRID.String(), "reason", out.SkipReason)
		return stageResult{rid: inRID, cid: inCID, bytes: inBytes, skipped: true}, nil
	}

	outCID, err := e.store.PutBytes(ctx, out.Bytes)
	if err != nil {
		return stageResult{}, err
	}
	unlock := e.store.LockRID(outRID)
	outcome, err := e.store.UpsertArtifact(ctx, outRID, outCID, out.Format, name, out.Meta)
	unlock()
	if err != nil {
		return stageResult{}, err
	}

	op := ledger.OpTransform
	if outcome == store.OutcomeUnchanged {
		op = ledger.OpUnchanged
	}
	recipeParams := make(map[string]any, len(params)+1)
	for k, v := range params {
		recipeParams[k] = v
	}
	for k, v := range out.Meta {
		recipeParams[k] = v
	}
	cat, err := e.appendReceipt(ctx, op, name, inRID, inCID, outRID, outCID, recipeParams, out)
	if err != nil {
		return stageResult{}, err
	}
	res.Receipts = append(res.Receipts, cat)
	return stageResult{rid: outRID, cid: outCID, bytes: out.Bytes}, nil
}

func (e *Engine) appendReceipt(ctx context.Context, op, stage string, inRID identity.RID, inCID identity.CID, outRID identity.RID, outCID identity.CID, params map[string]any, out Output) (*ledger.CAT, error) {
	cat := &ledger.CAT{
		Operation: op,
		Timestamp: time.Now().UTC(),
		InputRid:  inRID.String(),
		InputCid:  inCID.String(),
		OutputRid: outRID.String(),
		OutputCid: outCID.String(),
		Recipe: ledger.Recipe{
			Stage:      stage,
			Model:      out.Model,
			Parameters: params,
		},
		Agent: e.cfg.Agent,
		Cost: ledger.Cost{
			Tokens:  out.Tokens,
			Compute: out.Compute,
			Storage: int64(len(out.Bytes)),
		},
	}
	if err := cat.Finalize(); err != nil {
		return nil, err
	}
	if _, err := e.ledger.Append(ctx, cat); err != nil {
		return nil, fmt.Errorf("pipeline: append receipt: %w", err)
	}
	e.obs.RecordReceipt(ctx, op)
	return cat, nil
}

// fail terminates the document. Transient errors propagate for retry without
// a receipt; permanent ones append a failed receipt.
func (e *Engine) fail(ctx context.Context, res Result, stage string, inRID identity.RID, inCID identity.CID, cause error) (Result, error) {
	if isTransient(cause) {
		return res, cause
	}

	cat := &ledger.CAT{
		Operation: ledger.OpFailed,
		Timestamp: time.Now().UTC(),
		InputRid:  inRID.String(),
		InputCid:  inCID.String(),
		OutputRid: res.RID.String(),
		Recipe: ledger.Recipe{
			Stage:      stage,
			Parameters: map[string]any{"error": cause.Error()},
		},
		Agent: e.cfg.Agent,
	}
	if err := cat.Finalize(); err != nil {
		return res, errors.Join(cause, err)
	}
	if _, err := e.ledger.Append(ctx, cat); err != nil {
		return res, errors.Join(cause, err)
	}
	res.Receipts = append(res.Receipts, cat)
	res.State = StateFailed
	e.logger.WarnContext(ctx, "document failed", "stage", stage, "rid", res.RID.String(), "error", cause)
	return res, nil
}

func isTransient(err error) bool {
	return model.IsTransient(err) || errors.Is(err, store.ErrBackendUnavailable)
}
