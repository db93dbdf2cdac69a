package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"

	"golang.org/x/sync/semaphore"
)

// Options is the closed set of runtime-configurable knobs.
type Options struct {
	MaxInFlight     int64
	DailyBudgetUSD  map[Category]float64
	EnrichSkipCode  bool
	EnrichMinTokens int
	EmbedProvider   string // "local" or a paid provider name
	ModelHigh       string
	ModelLow        string
}

// DefaultOptions returns the documented defaults.
func DefaultOptions() Options {
	return Options{
		MaxInFlight: 10,
		DailyBudgetUSD: map[Category]float64{
			CategoryEnrichment: 5,
			CategoryEmbedding:  5,
			CategoryExtraction: 5,
		},
		EnrichSkipCode:  true,
		EnrichMinTokens: 50,
		EmbedProvider:   "local",
		ModelHigh:       "gpt-4o",
		ModelLow:        "gpt-4o-mini",
	}
}

// Decision is the scheduler's verdict for one unit of paid work.
type Decision struct {
	Allowed bool
	Reason  string
}

// Scheduler is the single process-wide gate in front of priced model work.
type Scheduler struct {
	sem    *semaphore.Weighted
	store  BudgetStore
	opts   Options
	logger *slog.Logger
}

// New creates a scheduler over the given budget store.
func New(store BudgetStore, opts Options) *Scheduler {
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = 10
	}
	return &Scheduler{
		sem:    semaphore.NewWeighted(opts.MaxInFlight),
		store:  store,
		opts:   opts,
		logger: slog.Default().With("component", "scheduler"),
	}
}

// Acquire blocks until a concurrency permit is available. The returned func
// releases the permit and must be called from the same work item.
func (s *Scheduler) Acquire(ctx context.Context) (func(), error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("scheduler: acquire: %w", err)
	}
	return func() { s.sem.Release(1) }, nil
}

// CheckBudget verifies estUSD can be spent in cat today. Denials carry the
// reason "budget" so stages convert them to skip receipts rather than
// failures.
func (s *Scheduler) CheckBudget(ctx context.Context, cat Category, estUSD float64) (Decision, error) {
	cap, ok := s.opts.DailyBudgetUSD[cat]
	if !ok {
		return Decision{Allowed: true, Reason: "no budget configured"}, nil
	}
	spent, err := s.store.Spent(ctx, today(), cat)
	if err != nil {
		// Fail closed: an unreadable budget denies paid work.
		s.logger.WarnContext(ctx, "budget read failed, denying", "category", cat, "error", err)
		return Decision{Allowed: false, Reason: "budget state unavailable"}, err
	}
	if spent+estUSD > cap {
		return Decision{Allowed: false, Reason: "budget"}, nil
	}
	return Decision{Allowed: true, Reason: "within budget"}, nil
}

// RecordSpend adds actual spend after the work completes.
func (s *Scheduler) RecordSpend(ctx context.Context, cat Category, usd float64) error {
	return s.store.Add(ctx, today(), cat, usd)
}

// SelectModel returns the model identifier for the given priority.
func (s *Scheduler) SelectModel(priority float64) string {
	if priority >= 0.8 {
		return s.opts.ModelHigh
	}
	return s.opts.ModelLow
}

// EmbedLocally reports whether embeddings should use the free local provider.
func (s *Scheduler) EmbedLocally() bool {
	return s.opts.EmbedProvider == "" || s.opts.EmbedProvider == "local"
}

// ShouldEnrich applies the eligibility heuristics for the enrichment stage.
// The returned reason is empty when enrichment should run.
func (s *Scheduler) ShouldEnrich(text string, sourceName string) (bool, string) {
	if tokens := CountTokens(text); tokens < s.opts.EnrichMinTokens {
		return false, "below-min-tokens"
	}
	if s.opts.EnrichSkipCode && LooksLikeCode(text, sourceName) {
		return false, "code-content"
	}
	return true, ""
}

// CountTokens approximates token count by whitespace-separated words. The
// pipeline uses the same approximation for chunk sizing, so budgets and
// chunk boundaries agree.
func CountTokens(text string) int {
	return len(strings.Fields(text))
}

var codeFencePattern = regexp.MustCompile("(?m)^```")

// knownCodeExtensions is the fixed heuristic set for code detection.
var knownCodeExtensions = map[string]bool{
	".go": true, ".py": true, ".js": true, ".ts": true, ".rs": true,
	".java": true, ".c": true, ".cc": true, ".cpp": true, ".h": true,
	".sh": true, ".rb": true, ".sql": true, ".yaml": true, ".yml": true,
	".json": true, ".toml": true,
}

// LooksLikeCode reports whether content is predominantly code: fenced blocks
// dominate the text, or the source name carries a known code extension.
func LooksLikeCode(text string, sourceName string) bool {
	if ext := strings.ToLower(filepath.Ext(sourceName)); knownCodeExtensions[ext] {
		return true
	}
	fences := codeFencePattern.FindAllStringIndex(text, -1)
	if len(fences) < 2 {
		return false
	}
	// Measure the share of text inside fences.
	var inside int
	for i := 0; i+1 < len(fences); i += 2 {
		inside += fences[i+1][0] - fences[i][1]
	}
	return inside*2 > len(text)
}
