// Package ingest is the single entry point sensors call to submit a
// document: validation, RID minting, dedup, then the pipeline.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/regen-network/koi-processor/pkg/dedup"
	"github.com/regen-network/koi-processor/pkg/eventbus"
	"github.com/regen-network/koi-processor/pkg/identity"
	"github.com/regen-network/koi-processor/pkg/ledger"
	"github.com/regen-network/koi-processor/pkg/observability"
	"github.com/regen-network/koi-processor/pkg/pipeline"
	"github.com/regen-network/koi-processor/pkg/store"
)

var (
	ErrEmptyContent           = errors.New("empty content")
	ErrUnsupportedContentType = errors.New("unsupported content type")
)

// contentTypes the processor accepts. Binary formats are a sensor concern.
var contentTypes = map[string]bool{
	"text/plain":       true,
	"text/markdown":    true,
	"text/html":        true,
	"application/json": true,
}

// Document is one submission.
type Document struct {
	SourceRID   string
	OriginalID  string // overrides the identifier part of SourceRID
	Content     []byte
	ContentType string
	Metadata    map[string]string
}

// Status is the ingest outcome.
type Status string

const (
	StatusNew       Status = "new"
	StatusDuplicate Status = "duplicate"
	StatusMerged    Status = "merged"
	StatusFlagged   Status = "flagged"
	StatusFailed    Status = "failed"
)

// Result is returned to the caller; Receipts covers the dedup decision and
// every pipeline stage that ran.
type Result struct {
	Status   Status
	RID      identity.RID
	CID      identity.CID
	Receipts []*ledger.CAT
}

// Service validates, deduplicates, and runs the pipeline for submissions.
type Service struct {
	store   *store.Store
	deduper *dedup.Deduper
	engine  *pipeline.Engine
	bus     *eventbus.Bus
	obs     *observability.Provider
	logger  *slog.Logger
}

// New wires the ingestion path.
func New(st *store.Store, deduper *dedup.Deduper, engine *pipeline.Engine, bus *eventbus.Bus) *Service {
	return &Service{
		store:   st,
		deduper: deduper,
		engine:  engine,
		bus:     bus,
		logger:  slog.Default().With("component", "ingest"),
	}
}

// WithObservability attaches the telemetry provider; every submission is
// tracked from entry to outcome.
func (s *Service) WithObservability(obs *observability.Provider) *Service {
	s.obs = obs
	return s
}

// Ingest processes one document synchronously. Idempotent on
// (SourceRID, OriginalID): repeated calls yield the same outcome and the
// same receipts, including under concurrency.
func (s *Service) Ingest(ctx context.Context, doc Document) (Result, error) {
	ctx, finish := s.obs.TrackDocument(ctx, doc.SourceRID)
	res, err := s.process(ctx, doc)
	finish(err)
	return res, err
}

func (s *Service) process(ctx context.Context, doc Document) (Result, error) {
	if len(doc.Content) == 0 {
		return Result{}, ErrEmptyContent
	}
	if doc.ContentType != "" && !contentTypes[doc.ContentType] {
		return Result{}, fmt.Errorf("%w: %s", ErrUnsupportedContentType, doc.ContentType)
	}

	rid, err := s.mintRawRID(doc)
	if err != nil {
		return Result{}, err
	}

	// One submission per raw RID at a time; identical re-submissions then
	// reproduce the same dedup decision and receipts.
	unlock := s.store.LockRID(rid.WithType("submission"))
	defer unlock()

	decision, err := s.deduper.Evaluate(ctx, rid, doc.Content)
	if err != nil {
		return Result{}, err
	}

	res := Result{RID: decision.RID, CID: decision.CID}
	if decision.Receipt != nil {
		res.Receipts = append(res.Receipts, decision.Receipt)
	}

	switch decision.Status {
	case dedup.StatusDuplicate:
		res.Status = StatusDuplicate
		return res, nil
	case dedup.StatusMerged:
		res.Status = StatusMerged
		return res, nil
	}

	title := doc.Metadata["title"]
	sourceName := doc.Metadata["sourceName"]
	if sourceName == "" {
		sourceName = doc.OriginalID
	}
	run, err := s.engine.Run(ctx, pipeline.Document{
		RID:        rid,
		Content:    doc.Content,
		Title:      title,
		SourceName: sourceName,
	})
	res.Receipts = append(res.Receipts, run.Receipts...)
	if err != nil {
		return res, err
	}
	if run.State == pipeline.StateFailed {
		res.Status = StatusFailed
		return res, nil
	}

	if decision.Status == dedup.StatusFlagged {
		res.Status = StatusFlagged
	} else {
		res.Status = StatusNew
	}
	return res, nil
}

// Forget removes the RID's store mapping and publishes a forget event.
// Receipts stay in the ledger: provenance over forgotten artifacts remains
// replayable even though the CIDs no longer resolve.
func (s *Service) Forget(ctx context.Context, rid identity.RID) error {
	a, err := s.store.Resolve(ctx, rid.String())
	if err != nil {
		return err
	}

	unlock := s.store.LockRID(rid.WithType("submission"))
	defer unlock()

	if err := s.store.Forget(ctx, rid); err != nil {
		return err
	}
	if _, err := s.bus.Publish(ctx, eventbus.KindForget, rid.String(), a.CID.String()); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "artifact forgotten", "rid", rid.String())
	return nil
}

// mintRawRID derives the raw artifact RID from the source RID, keeping the
// namespace and substituting the raw type. OriginalID overrides the
// identifier when the sensor supplies its own.
func (s *Service) mintRawRID(doc Document) (identity.RID, error) {
	source, err := identity.ParseRID(doc.SourceRID)
	if err != nil {
		return identity.RID{}, err
	}
	id := source.ID
	if doc.OriginalID != "" {
		id = doc.OriginalID
	}
	return identity.MintRID(source.Namespace, "raw", id)
}
