package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/regen-network/koi-processor/pkg/dedup"
	"github.com/regen-network/koi-processor/pkg/entities"
	"github.com/regen-network/koi-processor/pkg/eventbus"
	"github.com/regen-network/koi-processor/pkg/identity"
	"github.com/regen-network/koi-processor/pkg/ingest"
	"github.com/regen-network/koi-processor/pkg/ledger"
	"github.com/regen-network/koi-processor/pkg/model"
	"github.com/regen-network/koi-processor/pkg/pipeline"
	"github.com/regen-network/koi-processor/pkg/query"
	"github.com/regen-network/koi-processor/pkg/scheduler"
	"github.com/regen-network/koi-processor/pkg/store"
)

type scriptedModel struct{}

func (scriptedModel) Complete(_ context.Context, prompt string, _ model.SamplingOptions) (string, error) {
	if strings.HasPrefix(prompt, "Extract") {
		return `[{"name":"Regen Network","kind":"Organization","importance":0.9}]`, nil
	}
	return `{"summary":"s"}`, nil
}
func (scriptedModel) Name() string { return "scripted" }

func newServer(t *testing.T) *Server {
	ing, qry, bus := newComponents(t)
	return NewServer(ing, qry, bus, Options{})
}

func newPooledServer(t *testing.T) (*Server, *ingest.Pool) {
	ing, qry, bus := newComponents(t)
	pool := ingest.NewPool(ing, 2, 8)
	t.Cleanup(pool.Shutdown)
	return NewServer(ing, qry, bus, Options{Pool: pool}), pool
}

func newComponents(t *testing.T) (*ingest.Service, *query.Service, *eventbus.Bus) {
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
	models := model.NewService(scriptedModel{}, scriptedModel{}, nil, model.NewLocalEmbedder(16), model.DefaultRetryPolicy())

	bus, err := eventbus.New(eventbus.NewMemoryJournal())
	require.NoError(t, err)

	engine := pipeline.NewEngine(st, lg, bus, models, sched, index, ents, "regen", pipeline.DefaultConfig())

	review, err := dedup.OpenReviewLog(t.TempDir())
	require.NoError(t, err)
	deduper := dedup.New(st, lg, review, "orn:regen.agent:processor", dedup.DefaultOptions())

	ing := ingest.New(st, deduper, engine, bus)
	qry := query.New(st, lg, index, ents, models)
	return ing, qry, bus
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func submit(t *testing.T, h http.Handler, sourceRid, content string) processResponse {
	t.Helper()
	rec := doJSON(t, h, http.MethodPost, "/process", processRequest{
		SourceRid: sourceRid,
		Content:   content,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp processResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestProcess_FreshDocument(t *testing.T) {
	s := newServer(t)
	resp := submit(t, s.Handler(), "orn:regen.source:notion/pageA", "Regen Network anchors carbon credits.")

	assert.Equal(t, "new", resp.Status)
	assert.Equal(t, "orn:regen.raw:notion/pageA", resp.Rid)
	assert.True(t, strings.HasPrefix(resp.Cid, "cid:sha256:"))
	assert.GreaterOrEqual(t, len(resp.Receipts), 5)
}

func TestProcess_ValidationErrors(t *testing.T) {
	s := newServer(t)
	h := s.Handler()

	rec := doJSON(t, h, http.MethodPost, "/process", processRequest{SourceRid: "orn:regen.source:a"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))

	rec = doJSON(t, h, http.MethodPost, "/process", processRequest{SourceRid: "not a rid", Content: "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/process", processRequest{
		SourceRid: "orn:regen.source:a", Content: "x", ContentType: "application/pdf",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/process", strings.NewReader("{"))
	rec2 := httptest.NewRecorder()
	h.ServeHTTP(rec2, req)
	assert.Equal(t, http.StatusBadRequest, rec2.Code)
}

func TestProcess_Duplicate(t *testing.T) {
	s := newServer(t)
	h := s.Handler()

	submit(t, h, "orn:regen.source:notion/pageA", "Regen Network anchors carbon credits.")
	resp := submit(t, h, "orn:regen.source:twitter/99", "Regen Network anchors carbon credits.")

	assert.Equal(t, "duplicate", resp.Status)
	require.Len(t, resp.Receipts, 1)
	assert.Equal(t, ledger.OpDedup, resp.Receipts[0].Operation)
}

func TestProcess_PooledIngestion(t *testing.T) {
	s, pool := newPooledServer(t)
	h := s.Handler()

	resp := submit(t, h, "orn:regen.source:notion/pageA", "Regen Network anchors carbon credits.")
	assert.Equal(t, "new", resp.Status)

	// After pool shutdown the endpoint reports unavailable.
	pool.Shutdown()
	rec := doJSON(t, h, http.MethodPost, "/process", processRequest{
		SourceRid: "orn:regen.source:notion/pageB",
		Content:   "late submission",
	})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestArtifact_Headers(t *testing.T) {
	s := newServer(t)
	h := s.Handler()
	resp := submit(t, h, "orn:regen.source:notion/pageA", "Regen Network anchors carbon credits.")

	req := httptest.NewRequest(http.MethodGet, "/artifact/"+resp.Rid, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, resp.Rid, rec.Header().Get("X-KOI-Rid"))
	assert.Equal(t, resp.Cid, rec.Header().Get("X-KOI-Cid"))
	assert.Equal(t, "raw", rec.Header().Get("X-KOI-Stage"))
	assert.Equal(t, "Regen Network anchors carbon credits.", rec.Body.String())

	// CID lookups resolve too.
	req = httptest.NewRequest(http.MethodGet, "/artifact/"+resp.Cid, nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestArtifact_NotFound(t *testing.T) {
	s := newServer(t)
	req := httptest.NewRequest(http.MethodGet, "/artifact/orn:regen.raw:missing", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestArtifact_Forget(t *testing.T) {
	s := newServer(t)
	h := s.Handler()
	resp := submit(t, h, "orn:regen.source:notion/pageA", "Regen Network anchors carbon credits.")

	req := httptest.NewRequest(http.MethodDelete, "/artifact/"+resp.Rid, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/artifact/"+resp.Rid, nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Provenance remains queryable after the forget.
	req = httptest.NewRequest(http.MethodGet, "/provenance/"+resp.Rid, nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestProvenance(t *testing.T) {
	s := newServer(t)
	h := s.Handler()
	resp := submit(t, h, "orn:regen.source:notion/pageA", "Regen Network anchors carbon credits.")

	req := httptest.NewRequest(http.MethodGet, "/provenance/"+resp.Rid, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var chain []*ledger.CAT
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &chain))
	assert.GreaterOrEqual(t, len(chain), 5)

	req = httptest.NewRequest(http.MethodGet, "/provenance/not-a-rid", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/provenance/orn:regen.raw:missing", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSearch(t *testing.T) {
	s := newServer(t)
	h := s.Handler()
	submit(t, h, "orn:regen.source:notion/pageA", "Regen Network anchors carbon credits on chain.")

	rec := doJSON(t, h, http.MethodPost, "/search", searchRequest{Text: "carbon credits"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var hits []searchHit
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &hits))

	rec = doJSON(t, h, http.MethodPost, "/search", searchRequest{Text: ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEvents_SSEStream(t *testing.T) {
	s := newServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	// One published document already in the journal; cursor 0 replays it.
	client := &http.Client{}
	submitURL := ts.URL + "/process"
	body, _ := json.Marshal(processRequest{
		SourceRid: "orn:regen.source:notion/pageA",
		Content:   "Regen Network anchors carbon credits.",
	})
	resp, err := client.Post(submitURL, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/events?cursor=0&pattern=orn:regen.raw:*", nil)
	require.NoError(t, err)
	stream, err := client.Do(req)
	require.NoError(t, err)
	defer stream.Body.Close()

	require.Equal(t, http.StatusOK, stream.StatusCode)
	assert.Equal(t, "text/event-stream", stream.Header.Get("Content-Type"))
	assert.NotEmpty(t, stream.Header.Get("X-KOI-Subscriber"))

	scanner := bufio.NewScanner(stream.Body)
	var event eventbus.Event
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data: ") {
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event))
			break
		}
	}
	assert.Equal(t, eventbus.KindNew, event.Kind)
	assert.Equal(t, "orn:regen.raw:notion/pageA", event.RID)
}

func TestEventsAck(t *testing.T) {
	s := newServer(t)
	h := s.Handler()

	rec := doJSON(t, h, http.MethodPost, "/events/ack", ackRequest{Subscriber: "sensor-1", Cursor: 3})
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/events/ack", ackRequest{Cursor: 3})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthz(t *testing.T) {
	s := newServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimiter(t *testing.T) {
	rl := NewGlobalRateLimiter(1, 1)
	handler := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.RemoteAddr = "10.0.0.1:1234"

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "5", rec.Header().Get("Retry-After"))
}
