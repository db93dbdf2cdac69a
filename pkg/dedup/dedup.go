// Package dedup decides whether incoming content is new, an exact duplicate,
// a near-duplicate to merge, or similar enough to flag for human review.
// It runs before any paid pipeline work.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/regen-network/koi-processor/pkg/identity"
	"github.com/regen-network/koi-processor/pkg/ledger"
	"github.com/regen-network/koi-processor/pkg/model"
	"github.com/regen-network/koi-processor/pkg/store"
)

// Status is the dedup verdict for one document.
type Status string

const (
	StatusNew       Status = "new"
	StatusDuplicate Status = "duplicate"
	StatusMerged    Status = "merged"
	StatusFlagged   Status = "flagged"
)

// Thresholds are the similarity cut points, highest first.
type Thresholds struct {
	Skip  float64 // >= Skip on the same RID: return existing artifact
	Merge float64 // >= Merge: alias the new RID to the matched content
	Flag  float64 // >= Flag: process, but queue for review
}

// DefaultThresholds returns the documented defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{Skip: 0.95, Merge: 0.85, Flag: 0.75}
}

// Options bounds the approximate matcher.
type Options struct {
	Thresholds     Thresholds
	CandidateLimit int // recent artifacts compared per document
	SampleTokens   int // prefix length for the Jaccard sample
}

// DefaultOptions returns the documented defaults.
func DefaultOptions() Options {
	return Options{
		Thresholds:     DefaultThresholds(),
		CandidateLimit: 64,
		SampleTokens:   256,
	}
}

// Decision is the outcome of evaluating one document.
type Decision struct {
	Status     Status
	RID        identity.RID // RID the caller should report
	CID        identity.CID // CID the caller should report
	Similarity float64
	MatchedRID identity.RID // zero unless a match was found
	Receipt    *ledger.CAT  // nil when Status == StatusNew
	ReviewID   string       // set when a review entry was written
}

// Deduper evaluates incoming documents against stored artifacts.
type Deduper struct {
	store  *store.Store
	ledger ledger.Ledger
	review *ReviewLog
	index  *store.EmbeddingIndex
	embed  model.Embedder
	opts   Options
	agent  string
	logger *slog.Logger
}

// New wires a deduper. reviewDir receives the flagged/ and merged/ logs.
func New(st *store.Store, lg ledger.Ledger, review *ReviewLog, agent string, opts Options) *Deduper {
	if opts.CandidateLimit <= 0 {
		opts.CandidateLimit = 64
	}
	if opts.SampleTokens <= 0 {
		opts.SampleTokens = 256
	}
	return &Deduper{
		store:  st,
		ledger: lg,
		review: review,
		opts:   opts,
		agent:  agent,
		logger: slog.Default().With("component", "dedup"),
	}
}

// WithEmbeddings enables the cosine tier of the approximate matcher. The
// Jaccard tier still runs; the higher score wins.
func (d *Deduper) WithEmbeddings(idx *store.EmbeddingIndex, emb model.Embedder) *Deduper {
	d.index = idx
	d.embed = emb
	return d
}

// Evaluate classifies content destined for rid. Deterministic inputs yield
// deterministic decisions, so re-running a document reproduces its receipts.
func (d *Deduper) Evaluate(ctx context.Context, rid identity.RID, content []byte) (Decision, error) {
	cid := identity.HashCID(content)

	// Tier 1: exact CID.
	holders, err := d.store.RIDsForCID(ctx, cid)
	if err != nil {
		return Decision{}, err
	}
	for _, h := range holders {
		if h.String() == rid.String() {
			return d.unchanged(ctx, rid, cid)
		}
	}
	if len(holders) > 0 {
		return d.exactAlias(ctx, rid, cid, holders[0])
	}

	// Tier 2: approximate similarity against recent raw artifacts.
	matched, score, err := d.bestApproximate(ctx, rid, content)
	if err != nil {
		return Decision{}, err
	}

	t := d.opts.Thresholds
	switch {
	case score >= t.Merge && matched != nil:
		return d.merge(ctx, rid, cid, *matched, content, score)
	case score >= t.Flag && matched != nil:
		return d.flag(ctx, rid, cid, *matched, content, score)
	default:
		return Decision{Status: StatusNew, RID: rid, CID: cid, Similarity: score}, nil
	}
}

// unchanged handles re-ingest of identical bytes under the same RID.
func (d *Deduper) unchanged(ctx context.Context, rid identity.RID, cid identity.CID) (Decision, error) {
	cat, err := d.receipt(ctx, ledger.OpUnchanged, rid, cid, rid, cid, map[string]any{
		"decision": "exact-unchanged",
	}, 1.0)
	if err != nil {
		return Decision{}, err
	}
	return Decision{
		Status: StatusDuplicate, RID: rid, CID: cid,
		Similarity: 1.0, MatchedRID: rid, Receipt: cat,
	}, nil
}

// exactAlias handles identical bytes arriving under a new RID: only the
// mapping is added, no bytes are written.
func (d *Deduper) exactAlias(ctx context.Context, rid identity.RID, cid identity.CID, matched identity.RID) (Decision, error) {
	unlock := d.store.LockRID(rid)
	_, err := d.store.UpsertArtifact(ctx, rid, cid, "", "raw", map[string]string{"dedup": "exact"})
	unlock()
	if err != nil {
		return Decision{}, err
	}

	cat, err := d.receipt(ctx, ledger.OpDedup, rid, cid, matched, cid, map[string]any{
		"decision":   "exact-duplicate",
		"matchedRid": matched.String(),
	}, 1.0)
	if err != nil {
		return Decision{}, err
	}
	return Decision{
		Status: StatusDuplicate, RID: rid, CID: cid,
		Similarity: 1.0, MatchedRID: matched, Receipt: cat,
	}, nil
}

// merge aliases the new RID to the matched artifact's content. The incoming
// bytes are stored so the merge receipt's input CID resolves, but no RID
// maps to them.
func (d *Deduper) merge(ctx context.Context, rid identity.RID, newCid identity.CID, matched store.Artifact, content []byte, score float64) (Decision, error) {
	if _, err := d.store.PutBytes(ctx, content); err != nil {
		return Decision{}, err
	}

	unlock := d.store.LockRID(rid)
	_, err := d.store.UpsertArtifact(ctx, rid, matched.CID, matched.Format, "raw", map[string]string{"dedup": "merged"})
	unlock()
	if err != nil {
		return Decision{}, err
	}

	var reviewID string
	if d.review != nil {
		reviewID, err = d.review.RecordMerged(Entry{
			NewRID: rid.String(), NewCID: newCid.String(),
			MatchedRID: matched.RID.String(), MatchedCID: matched.CID.String(),
			Similarity: score,
		})
		if err != nil {
			d.logger.WarnContext(ctx, "merge review entry failed", "rid", rid.String(), "error", err)
		}
	}

	cat, err := d.receipt(ctx, ledger.OpMerge, rid, newCid, rid, matched.CID, map[string]any{
		"decision":   "merge",
		"matchedRid": matched.RID.String(),
		"similarity": score,
	}, score)
	if err != nil {
		return Decision{}, err
	}
	return Decision{
		Status: StatusMerged, RID: rid, CID: matched.CID,
		Similarity: score, MatchedRID: matched.RID, Receipt: cat, ReviewID: reviewID,
	}, nil
}

// flag stores the incoming bytes, queues a review entry, and lets the
// pipeline proceed.
func (d *Deduper) flag(ctx context.Context, rid identity.RID, cid identity.CID, matched store.Artifact, content []byte, score float64) (Decision, error) {
	if _, err := d.store.PutBytes(ctx, content); err != nil {
		return Decision{}, err
	}

	var reviewID string
	var err error
	if d.review != nil {
		reviewID, err = d.review.RecordFlagged(Entry{
			NewRID: rid.String(), NewCID: cid.String(),
			MatchedRID: matched.RID.String(), MatchedCID: matched.CID.String(),
			Similarity: score,
		})
		if err != nil {
			d.logger.WarnContext(ctx, "flag review entry failed", "rid", rid.String(), "error", err)
		}
	}

	cat, err := d.receipt(ctx, ledger.OpDedup, rid, cid, rid, cid, map[string]any{
		"decision":   "flag",
		"matchedRid": matched.RID.String(),
		"similarity": score,
	}, score)
	if err != nil {
		return Decision{}, err
	}
	return Decision{
		Status: StatusFlagged, RID: rid, CID: cid,
		Similarity: score, MatchedRID: matched.RID, Receipt: cat, ReviewID: reviewID,
	}, nil
}

func (d *Deduper) receipt(ctx context.Context, op string, inRid identity.RID, inCid identity.CID, outRid identity.RID, outCid identity.CID, params map[string]any, score float64) (*ledger.CAT, error) {
	cat := &ledger.CAT{
		Operation: op,
		Timestamp: time.Now().UTC(),
		InputRid:  inRid.String(),
		InputCid:  inCid.String(),
		OutputRid: outRid.String(),
		OutputCid: outCid.String(),
		Recipe: ledger.Recipe{
			Stage:      "dedup",
			Parameters: params,
		},
		Agent: d.agent,
	}
	if err := cat.Finalize(); err != nil {
		return nil, err
	}
	if _, err := d.ledger.Append(ctx, cat); err != nil {
		return nil, fmt.Errorf("dedup: append receipt: %w", err)
	}
	return cat, nil
}

// bestApproximate scores content against the bounded candidate set and, when
// the embedding tier is enabled, against the fragment index. It returns the
// best-matching current artifact and the winning score.
func (d *Deduper) bestApproximate(ctx context.Context, rid identity.RID, content []byte) (*store.Artifact, float64, error) {
	candidates, err := d.store.Recent(ctx, "raw", d.opts.CandidateLimit)
	if err != nil {
		return nil, 0, err
	}

	sample := tokenSet(string(content), d.opts.SampleTokens)
	var best *store.Artifact
	var bestScore float64
	for i := range candidates {
		c := candidates[i]
		if c.RID.String() == rid.String() {
			continue
		}
		data, err := d.store.GetBytes(ctx, c.CID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, 0, err
		}
		score := jaccard(sample, tokenSet(string(data), d.opts.SampleTokens))
		if score > bestScore {
			bestScore = score
			best = &candidates[i]
		}
	}

	if d.index != nil && d.embed != nil {
		if a, score, err := d.bestByEmbedding(ctx, rid, string(content)); err == nil && score > bestScore {
			bestScore, best = score, a
		}
	}
	return best, bestScore, nil
}

func (d *Deduper) bestByEmbedding(ctx context.Context, rid identity.RID, text string) (*store.Artifact, float64, error) {
	vec, err := d.embed.Embed(ctx, text)
	if err != nil {
		return nil, 0, err
	}
	hits, err := d.index.Search(ctx, vec, 1, d.opts.Thresholds.Flag, "")
	if err != nil || len(hits) == 0 {
		return nil, 0, err
	}
	hit := hits[0]
	if hit.ParentRID.String() == rid.String() {
		return nil, 0, nil
	}
	a, err := d.store.Resolve(ctx, hit.ParentRID.String())
	if err != nil {
		return nil, 0, err
	}
	return &a, hit.Score, nil
}

// tokenSet lowercases, splits on whitespace, and keeps the first n tokens.
func tokenSet(text string, n int) map[string]struct{} {
	fields := strings.Fields(strings.ToLower(text))
	if len(fields) > n {
		fields = fields[:n]
	}
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[strings.Trim(f, ".,;:!?\"'()[]{}")] = struct{}{}
	}
	return set
}

// jaccard is |a ∩ b| / |a ∪ b| over word sets.
func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	var inter int
	for w := range a {
		if _, ok := b[w]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}
