package ingest

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/regen-network/koi-processor/pkg/dedup"
	"github.com/regen-network/koi-processor/pkg/entities"
	"github.com/regen-network/koi-processor/pkg/eventbus"
	"github.com/regen-network/koi-processor/pkg/identity"
	"github.com/regen-network/koi-processor/pkg/ledger"
	"github.com/regen-network/koi-processor/pkg/model"
	"github.com/regen-network/koi-processor/pkg/observability"
	"github.com/regen-network/koi-processor/pkg/pipeline"
	"github.com/regen-network/koi-processor/pkg/scheduler"
	"github.com/regen-network/koi-processor/pkg/store"
)

type harness struct {
	store   *store.Store
	ledger  *ledger.MemoryLedger
	review  *dedup.ReviewLog
	bus     *eventbus.Bus
	service *Service
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()

	st, err := store.OpenInMemory(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	lg := ledger.NewMemoryLedger(st)

	index, err := store.OpenEmbeddingIndexInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = index.Close() })

	ents, err := entities.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = ents.Close() })

	ontRID, err := identity.ParseRID("orn:regen.ontology:unified")
	require.NoError(t, err)
	ontCid, err := st.PutBytes(ctx, []byte("unified ontology"))
	require.NoError(t, err)
	_, err = st.UpsertArtifact(ctx, ontRID, ontCid, "text/turtle", "ontology", nil)
	require.NoError(t, err)
	require.NoError(t, ents.RegisterOntology(ctx, ontRID, "1.0.0", ontCid))

	sched := scheduler.New(scheduler.NewMemoryBudgetStore(), scheduler.DefaultOptions())
	models := model.NewService(extractorModel{}, extractorModel{}, nil, model.NewLocalEmbedder(16), model.DefaultRetryPolicy())

	bus, err := eventbus.New(eventbus.NewMemoryJournal())
	require.NoError(t, err)

	engine := pipeline.NewEngine(st, lg, bus, models, sched, index, ents, "regen", pipeline.DefaultConfig())

	review, err := dedup.OpenReviewLog(t.TempDir())
	require.NoError(t, err)
	deduper := dedup.New(st, lg, review, "orn:regen.agent:processor", dedup.DefaultOptions())

	obs, err := observability.New(ctx, nil)
	require.NoError(t, err)

	return &harness{
		store:   st,
		ledger:  lg,
		review:  review,
		bus:     bus,
		service: New(st, deduper, engine, bus).WithObservability(obs),
	}
}

type extractorModel struct{}

func (extractorModel) Complete(_ context.Context, prompt string, _ model.SamplingOptions) (string, error) {
	if strings.HasPrefix(prompt, "Extract") {
		return `[{"name":"Regen Network","kind":"Organization","importance":0.9}]`, nil
	}
	return `{"summary":"s"}`, nil
}
func (extractorModel) Name() string { return "scripted" }

func TestIngest_Validation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.service.Ingest(ctx, Document{SourceRID: "orn:regen.source:notion/pageA"})
	assert.ErrorIs(t, err, ErrEmptyContent)

	_, err = h.service.Ingest(ctx, Document{
		SourceRID:   "orn:regen.source:notion/pageA",
		Content:     []byte("x"),
		ContentType: "application/pdf",
	})
	assert.ErrorIs(t, err, ErrUnsupportedContentType)

	_, err = h.service.Ingest(ctx, Document{
		SourceRID: "not a rid",
		Content:   []byte("x"),
	})
	assert.ErrorIs(t, err, identity.ErrMalformedRID)
}

func TestIngest_FreshDocument(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	content := []byte("Regen Network anchors carbon credits.")
	res, err := h.service.Ingest(ctx, Document{
		SourceRID:   "orn:regen.source:notion/pageA",
		Content:     content,
		ContentType: "text/plain",
	})
	require.NoError(t, err)

	assert.Equal(t, StatusNew, res.Status)
	assert.Equal(t, "orn:regen.raw:notion/pageA", res.RID.String())
	assert.True(t, identity.HashCID(content).Equal(res.CID))
	assert.GreaterOrEqual(t, len(res.Receipts), 5)
}

func TestIngest_ExactDuplicateUnderNewSource(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	content := []byte("Regen Network anchors carbon credits.")
	first, err := h.service.Ingest(ctx, Document{
		SourceRID: "orn:regen.source:notion/pageA",
		Content:   content,
	})
	require.NoError(t, err)
	require.Equal(t, StatusNew, first.Status)

	dup, err := h.service.Ingest(ctx, Document{
		SourceRID: "orn:regen.source:twitter/99",
		Content:   content,
	})
	require.NoError(t, err)

	assert.Equal(t, StatusDuplicate, dup.Status)
	require.Len(t, dup.Receipts, 1)
	assert.Equal(t, ledger.OpDedup, dup.Receipts[0].Operation)

	// The new source's raw RID resolves to the shared CID.
	cid, err := h.store.CurrentCID(ctx, dup.RID)
	require.NoError(t, err)
	assert.True(t, first.CID.Equal(cid))
}

func TestIngest_NearDuplicateMerged(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.service.Ingest(ctx, Document{
		SourceRID: "orn:regen.source:notion/pageA",
		Content:   []byte("Regen Network anchors carbon credits."),
	})
	require.NoError(t, err)

	res, err := h.service.Ingest(ctx, Document{
		SourceRID: "orn:regen.source:notion/pageA2",
		Content:   []byte("regen network anchors carbon credits.   \n"),
	})
	require.NoError(t, err)

	assert.Equal(t, StatusMerged, res.Status)
	require.Len(t, res.Receipts, 1)
	assert.Equal(t, ledger.OpMerge, res.Receipts[0].Operation)

	merged, err := h.review.Merged()
	require.NoError(t, err)
	assert.Len(t, merged, 1)
}

func TestIngest_IdempotentOnSourceAndOriginalID(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	doc := Document{
		SourceRID:  "orn:regen.source:notion/pageA",
		OriginalID: "page-a",
		Content:    []byte("Regen Network anchors carbon credits."),
	}
	first, err := h.service.Ingest(ctx, doc)
	require.NoError(t, err)
	assert.Equal(t, "orn:regen.raw:page-a", first.RID.String())

	second, err := h.service.Ingest(ctx, doc)
	require.NoError(t, err)
	assert.Equal(t, StatusDuplicate, second.Status)
	assert.Equal(t, first.RID.String(), second.RID.String())
	assert.True(t, first.CID.Equal(second.CID))
}

func TestIngest_ConcurrentSameDocument(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	doc := Document{
		SourceRID: "orn:regen.source:notion/pageA",
		Content:   []byte("Regen Network anchors carbon credits."),
	}

	const n = 4
	results := make([]Result, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := h.service.Ingest(ctx, doc)
			require.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	var fresh int
	for _, r := range results {
		assert.Equal(t, "orn:regen.raw:notion/pageA", r.RID.String())
		if r.Status == StatusNew {
			fresh++
		} else {
			assert.Equal(t, StatusDuplicate, r.Status)
		}
	}
	assert.Equal(t, 1, fresh, "exactly one submission processes the document")
}

func TestForget_RemovesMappingKeepsReceipts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.service.Ingest(ctx, Document{
		SourceRID: "orn:regen.source:notion/pageA",
		Content:   []byte("Regen Network anchors carbon credits."),
	})
	require.NoError(t, err)

	sub, err := h.bus.Subscribe("watcher", nil, 0, eventbus.AtMostOnce, 0)
	require.NoError(t, err)
	defer h.bus.Unsubscribe("watcher")
	<-sub.Events() // the publish from ingestion

	require.NoError(t, h.service.Forget(ctx, res.RID))

	ev := <-sub.Events()
	assert.Equal(t, eventbus.KindForget, ev.Kind)
	assert.Equal(t, res.RID.String(), ev.RID)
	assert.Equal(t, res.CID.String(), ev.CID)

	_, err = h.store.Resolve(ctx, res.RID.String())
	assert.ErrorIs(t, err, store.ErrNotFound)

	// Receipts survive the forget.
	cats, err := h.ledger.ByInput(ctx, res.RID.String())
	require.NoError(t, err)
	assert.NotEmpty(t, cats)

	// Forgetting twice reports not found.
	err = h.service.Forget(ctx, res.RID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestPool_ProcessAndBackpressure(t *testing.T) {
	h := newHarness(t)
	pool := NewPool(h.service, 2, 4)
	defer pool.Shutdown()
	ctx := context.Background()

	res, err := pool.Process(ctx, Document{
		SourceRID: "orn:regen.source:notion/pooled",
		Content:   []byte("Watershed restoration notes for the pooled path."),
	})
	require.NoError(t, err)
	assert.Equal(t, StatusNew, res.Status)
}

func TestPool_QueueFull(t *testing.T) {
	h := newHarness(t)
	// Zero workers would hang; use one worker and saturate the queue.
	pool := NewPool(h.service, 1, 1)
	defer pool.Shutdown()

	// Fill the queue faster than one worker can drain it; at least one
	// submit must be rejected rather than blocking.
	var rejected bool
	for i := 0; i < 50; i++ {
		_, err := pool.Submit(Document{
			SourceRID: "orn:regen.source:load/doc",
			Content:   []byte("load test payload"),
		})
		if err != nil {
			assert.ErrorIs(t, err, ErrQueueFull)
			rejected = true
			break
		}
	}
	assert.True(t, rejected)
}

func TestPool_SubmitAfterShutdown(t *testing.T) {
	h := newHarness(t)
	pool := NewPool(h.service, 2, 4)
	pool.Shutdown()

	_, err := pool.Submit(Document{
		SourceRID: "orn:regen.source:late/doc",
		Content:   []byte("too late"),
	})
	assert.ErrorIs(t, err, ErrPoolClosed)

	// Second shutdown is a no-op.
	pool.Shutdown()
}

func TestPool_ConcurrentSubmitDuringShutdown(t *testing.T) {
	h := newHarness(t)
	pool := NewPool(h.service, 2, 8)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				_, err := pool.Submit(Document{
					SourceRID: "orn:regen.source:load/doc",
					Content:   []byte("load test payload"),
				})
				if errors.Is(err, ErrPoolClosed) {
					return
				}
			}
		}()
	}
	pool.Shutdown()
	wg.Wait()
}
