package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckBudget_DeniesWhenExhausted(t *testing.T) {
	store := NewMemoryBudgetStore()
	opts := DefaultOptions()
	opts.DailyBudgetUSD = map[Category]float64{CategoryEnrichment: 1.0}
	s := New(store, opts)
	ctx := context.Background()

	d, err := s.CheckBudget(ctx, CategoryEnrichment, 0.5)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	require.NoError(t, s.RecordSpend(ctx, CategoryEnrichment, 0.9))

	d, err = s.CheckBudget(ctx, CategoryEnrichment, 0.5)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, "budget", d.Reason)
}

func TestCheckBudget_UnconfiguredCategoryAllowed(t *testing.T) {
	opts := DefaultOptions()
	opts.DailyBudgetUSD = map[Category]float64{CategoryEnrichment: 1.0}
	s := New(NewMemoryBudgetStore(), opts)

	d, err := s.CheckBudget(context.Background(), CategoryExtraction, 100)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestSQLiteBudgetStore_Accumulates(t *testing.T) {
	store, err := OpenSQLiteBudgetStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()

	require.NoError(t, store.Add(ctx, "2026-08-24", CategoryEmbedding, 0.25))
	require.NoError(t, store.Add(ctx, "2026-08-24", CategoryEmbedding, 0.5))
	require.NoError(t, store.Add(ctx, "2026-08-25", CategoryEmbedding, 9))

	spent, err := store.Spent(ctx, "2026-08-24", CategoryEmbedding)
	require.NoError(t, err)
	assert.InDelta(t, 0.75, spent, 1e-9)

	spent, err = store.Spent(ctx, "2026-08-24", CategoryEnrichment)
	require.NoError(t, err)
	assert.Zero(t, spent)
}

func TestAcquire_BoundsConcurrency(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxInFlight = 2
	s := New(NewMemoryBudgetStore(), opts)
	ctx := context.Background()

	var mu sync.Mutex
	var active, peak int

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := s.Acquire(ctx)
			require.NoError(t, err)
			defer release()

			mu.Lock()
			active++
			if active > peak {
				peak = active
			}
			mu.Unlock()

			time.Sleep(5 * time.Millisecond)

			mu.Lock()
			active--
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak, 2)
	assert.Positive(t, peak)
}

func TestAcquire_CancelledContext(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxInFlight = 1
	s := New(NewMemoryBudgetStore(), opts)

	release, err := s.Acquire(context.Background())
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Acquire(ctx)
	assert.Error(t, err)
}

func TestSelectModel(t *testing.T) {
	s := New(NewMemoryBudgetStore(), DefaultOptions())
	assert.Equal(t, "gpt-4o", s.SelectModel(0.9))
	assert.Equal(t, "gpt-4o", s.SelectModel(0.8))
	assert.Equal(t, "gpt-4o-mini", s.SelectModel(0.79))
	assert.Equal(t, "gpt-4o-mini", s.SelectModel(0))
}

func TestShouldEnrich(t *testing.T) {
	s := New(NewMemoryBudgetStore(), DefaultOptions())

	long := ""
	for i := 0; i < 60; i++ {
		long += "word "
	}

	ok, reason := s.ShouldEnrich(long, "notes.md")
	assert.True(t, ok)
	assert.Empty(t, reason)

	ok, reason = s.ShouldEnrich("too short", "notes.md")
	assert.False(t, ok)
	assert.Equal(t, "below-min-tokens", reason)

	ok, reason = s.ShouldEnrich(long, "main.go")
	assert.False(t, ok)
	assert.Equal(t, "code-content", reason)
}

func TestLooksLikeCode(t *testing.T) {
	assert.True(t, LooksLikeCode("anything", "pkg/store/store.go"))
	assert.False(t, LooksLikeCode("plain prose without fences", "notes.txt"))

	fenced := "intro\n```\nfunc main() {}\nmore code here padding padding padding\n```\nend\n"
	assert.True(t, LooksLikeCode(fenced, "mixed.txt"))

	mostlyProse := "```\nx\n```\n" +
		"a very long paragraph of prose that dominates the document by a wide margin, " +
		"talking about ecosystems and accounting and registries at considerable length " +
		"so the fenced share stays small."
	assert.False(t, LooksLikeCode(mostlyProse, "mixed.txt"))
}

func TestCountTokens(t *testing.T) {
	assert.Equal(t, 0, CountTokens(""))
	assert.Equal(t, 3, CountTokens("  a b\tc \n"))
}
