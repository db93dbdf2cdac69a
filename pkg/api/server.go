package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/regen-network/koi-processor/pkg/eventbus"
	"github.com/regen-network/koi-processor/pkg/identity"
	"github.com/regen-network/koi-processor/pkg/ingest"
	"github.com/regen-network/koi-processor/pkg/model"
	"github.com/regen-network/koi-processor/pkg/query"
	"github.com/regen-network/koi-processor/pkg/scheduler"
	"github.com/regen-network/koi-processor/pkg/store"
)

// Server exposes the processor over HTTP: submission, retrieval, provenance,
// search, and the SSE event stream.
type Server struct {
	ingest *ingest.Service
	pool   *ingest.Pool
	query  *query.Service
	bus    *eventbus.Bus
	logger *slog.Logger

	httpServer *http.Server
}

// Options tunes the HTTP surface.
type Options struct {
	Addr         string
	RateLimitRPS int          // per-IP; 0 disables rate limiting
	RateBurst    int
	Pool         *ingest.Pool // bounded ingestion queue; nil processes inline
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// NewServer wires the handlers. Call ListenAndServe to start.
func NewServer(ing *ingest.Service, qry *query.Service, bus *eventbus.Bus, opts Options) *Server {
	if opts.Addr == "" {
		opts.Addr = ":8080"
	}
	if opts.ReadTimeout == 0 {
		opts.ReadTimeout = 30 * time.Second
	}

	s := &Server{
		ingest: ing,
		pool:   opts.Pool,
		query:  qry,
		bus:    bus,
		logger: slog.Default().With("component", "api"),
	}

	var handler http.Handler = s.routes()
	if opts.RateLimitRPS > 0 {
		burst := opts.RateBurst
		if burst <= 0 {
			burst = opts.RateLimitRPS * 2
		}
		handler = NewGlobalRateLimiter(opts.RateLimitRPS, burst).Middleware(handler)
	}

	s.httpServer = &http.Server{
		Addr:        opts.Addr,
		Handler:     handler,
		ReadTimeout: opts.ReadTimeout,
		// WriteTimeout stays zero: the SSE stream is long-lived.
	}
	return s
}

// Handler returns the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// ListenAndServe blocks until the server stops.
func (s *Server) ListenAndServe() error {
	s.logger.Info("http listening", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /process", s.handleProcess)
	mux.HandleFunc("GET /artifact/{ref...}", s.handleArtifact)
	mux.HandleFunc("DELETE /artifact/{rid...}", s.handleForget)
	mux.HandleFunc("GET /provenance/{rid...}", s.handleProvenance)
	mux.HandleFunc("POST /search", s.handleSearch)
	mux.HandleFunc("GET /events", s.handleEvents)
	mux.HandleFunc("POST /events/ack", s.handleAck)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	return mux
}

// processRequest is the POST /process body.
type processRequest struct {
	SourceRid   string            `json:"sourceRid"`
	OriginalID  string            `json:"originalId,omitempty"`
	Content     string            `json:"content"`
	ContentType string            `json:"contentType,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// receiptSummary is the wire view of one receipt.
type receiptSummary struct {
	CatID     string `json:"catId"`
	Operation string `json:"operation"`
	Stage     string `json:"stage,omitempty"`
}

// processResponse is the POST /process reply.
type processResponse struct {
	Status   string           `json:"status"`
	Rid      string           `json:"rid"`
	Cid      string           `json:"cid"`
	Receipts []receiptSummary `json:"receipts"`
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	var req processRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "invalid JSON body: "+err.Error())
		return
	}

	doc := ingest.Document{
		SourceRID:   req.SourceRid,
		OriginalID:  req.OriginalID,
		Content:     []byte(req.Content),
		ContentType: req.ContentType,
		Metadata:    req.Metadata,
	}

	var res ingest.Result
	var err error
	if s.pool != nil {
		res, err = s.pool.Process(r.Context(), doc)
	} else {
		res, err = s.ingest.Ingest(r.Context(), doc)
	}
	if err != nil {
		s.writeIngestError(w, err)
		return
	}

	resp := processResponse{
		Status:   string(res.Status),
		Rid:      res.RID.String(),
		Cid:      res.CID.String(),
		Receipts: make([]receiptSummary, 0, len(res.Receipts)),
	}
	for _, c := range res.Receipts {
		resp.Receipts = append(resp.Receipts, receiptSummary{
			CatID:     c.CatID,
			Operation: c.Operation,
			Stage:     c.Recipe.Stage,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) writeIngestError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ingest.ErrEmptyContent),
		errors.Is(err, ingest.ErrUnsupportedContentType),
		errors.Is(err, identity.ErrMalformedRID),
		errors.Is(err, identity.ErrInvalidID):
		WriteBadRequest(w, err.Error())
	case errors.Is(err, scheduler.ErrBudgetExceeded),
		errors.Is(err, ingest.ErrQueueFull):
		WriteTooManyRequests(w, err.Error(), 60)
	case errors.Is(err, ingest.ErrPoolClosed):
		WriteServiceUnavailable(w, "processor is shutting down")
	case errors.Is(err, store.ErrBackendUnavailable), model.IsTransient(err):
		WriteServiceUnavailable(w, "processing backend temporarily unavailable")
	default:
		WriteInternal(w, err)
	}
}

func (s *Server) handleArtifact(w http.ResponseWriter, r *http.Request) {
	ref := r.PathValue("ref")
	a, data, err := s.query.GetArtifact(r.Context(), ref)
	if errors.Is(err, store.ErrNotFound) {
		WriteNotFound(w, "no artifact for "+ref)
		return
	}
	if err != nil {
		WriteInternal(w, err)
		return
	}

	w.Header().Set("X-KOI-Rid", a.RID.String())
	w.Header().Set("X-KOI-Cid", a.CID.String())
	w.Header().Set("X-KOI-Stage", a.Stage)
	ct := a.Format
	if ct == "" {
		ct = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ct)
	_, _ = w.Write(data)
}

func (s *Server) handleForget(w http.ResponseWriter, r *http.Request) {
	rid, err := identity.ParseRID(r.PathValue("rid"))
	if err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	err = s.ingest.Forget(r.Context(), rid)
	if errors.Is(err, store.ErrNotFound) {
		WriteNotFound(w, "no artifact for "+rid.String())
		return
	}
	if err != nil {
		WriteInternal(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleProvenance(w http.ResponseWriter, r *http.Request) {
	rid := r.PathValue("rid")
	if _, err := identity.ParseRID(rid); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	chain, err := s.query.Provenance(r.Context(), rid)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if len(chain) == 0 {
		WriteNotFound(w, "no provenance for "+rid)
		return
	}
	writeJSON(w, http.StatusOK, chain)
}

// searchRequest is the POST /search body.
type searchRequest struct {
	Text   string `json:"text"`
	TopK   int    `json:"topK,omitempty"`
	Filter struct {
		RidPrefix  string  `json:"ridPrefix,omitempty"`
		ScoreFloor float64 `json:"scoreFloor,omitempty"`
	} `json:"filter"`
}

type searchHit struct {
	FragmentRid string  `json:"fragmentRid"`
	ParentRid   string  `json:"parentRid"`
	Score       float64 `json:"score"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "invalid JSON body: "+err.Error())
		return
	}
	if req.Text == "" {
		WriteBadRequest(w, "text is required")
		return
	}

	hits, err := s.query.Search(r.Context(), req.Text, req.TopK, query.Filter{
		RIDPrefix:  req.Filter.RidPrefix,
		ScoreFloor: req.Filter.ScoreFloor,
	})
	if err != nil {
		if model.IsTransient(err) {
			WriteServiceUnavailable(w, "embedding backend temporarily unavailable")
			return
		}
		WriteInternal(w, err)
		return
	}

	out := make([]searchHit, 0, len(hits))
	for _, h := range hits {
		out = append(out, searchHit{
			FragmentRid: h.FragmentRID.String(),
			ParentRid:   h.ParentRID.String(),
			Score:       h.Score,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleEvents streams bus events as SSE. Query parameters:
//
//	subscriber  stable subscriber id (default: random, at-most-once)
//	pattern     repeatable RID glob filter
//	cursor      last seq already seen (also read from Last-Event-ID)
//	mode        atLeastOnce | atMostOnce
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteInternal(w, errors.New("response writer does not support streaming"))
		return
	}

	q := r.URL.Query()
	id := q.Get("subscriber")
	mode := eventbus.AtLeastOnce
	if id == "" {
		id = "sse-" + uuid.NewString()
		mode = eventbus.AtMostOnce
	}
	if m := q.Get("mode"); m != "" {
		mode = eventbus.DeliveryMode(m)
	}

	var cursor int64
	if raw := q.Get("cursor"); raw != "" {
		cursor, _ = strconv.ParseInt(raw, 10, 64)
	} else if raw := r.Header.Get("Last-Event-ID"); raw != "" {
		cursor, _ = strconv.ParseInt(raw, 10, 64)
	}

	sub, err := s.bus.Subscribe(id, q["pattern"], cursor, mode, 0)
	if err != nil {
		if errors.Is(err, eventbus.ErrSubscriberExists) {
			WriteError(w, http.StatusConflict, "Conflict", err.Error())
			return
		}
		WriteInternal(w, err)
		return
	}
	defer s.bus.Unsubscribe(id)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-KOI-Subscriber", id)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			_, _ = w.Write([]byte("id: " + strconv.FormatInt(ev.Seq, 10) + "\n"))
			_, _ = w.Write([]byte("event: " + string(ev.Kind) + "\n"))
			_, _ = w.Write([]byte("data: "))
			_, _ = w.Write(data)
			_, _ = w.Write([]byte("\n\n"))
			flusher.Flush()
		}
	}
}

// ackRequest is the POST /events/ack body.
type ackRequest struct {
	Subscriber string `json:"subscriber"`
	Cursor     int64  `json:"cursor"`
}

func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	var req ackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "invalid JSON body: "+err.Error())
		return
	}
	if req.Subscriber == "" {
		WriteBadRequest(w, "subscriber is required")
		return
	}
	s.bus.Ack(req.Subscriber, req.Cursor)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
