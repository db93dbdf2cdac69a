// Package scheduler gates paid pipeline work: a process-wide concurrency
// semaphore, per-category daily spend budgets, and the model-selection and
// skip heuristics.
package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Category buckets spend per stage family.
type Category string

const (
	CategoryEnrichment Category = "enrichment"
	CategoryEmbedding  Category = "embedding"
	CategoryExtraction Category = "extraction"
)

var ErrBudgetExceeded = errors.New("budget exceeded")

// BudgetStore persists per-day, per-category spend.
type BudgetStore interface {
	// Spent returns USD spent for the category on the given UTC day.
	Spent(ctx context.Context, day string, cat Category) (float64, error)
	// Add records additional spend.
	Add(ctx context.Context, day string, cat Category, usd float64) error
}

// MemoryBudgetStore tracks spend in-process. Fine for tests and one-shot
// CLI runs; the sqlite store survives restarts.
type MemoryBudgetStore struct {
	mu    sync.Mutex
	spend map[string]float64
}

// NewMemoryBudgetStore creates an empty in-memory store.
func NewMemoryBudgetStore() *MemoryBudgetStore {
	return &MemoryBudgetStore{spend: make(map[string]float64)}
}

func (s *MemoryBudgetStore) Spent(_ context.Context, day string, cat Category) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spend[day+"/"+string(cat)], nil
}

func (s *MemoryBudgetStore) Add(_ context.Context, day string, cat Category, usd float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spend[day+"/"+string(cat)] += usd
	return nil
}

// SQLiteBudgetStore persists spend under the data directory.
type SQLiteBudgetStore struct {
	db *sql.DB
}

// OpenSQLiteBudgetStore opens (creating if needed) dataDir/index/budget.db.
func OpenSQLiteBudgetStore(dataDir string) (*SQLiteBudgetStore, error) {
	dir := filepath.Join(dataDir, "index")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("budget: ensure dir: %w", err)
	}
	db, err := sql.Open("sqlite", filepath.Join(dir, "budget.db")+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("budget: open: %w", err)
	}
	s := &SQLiteBudgetStore{db: db}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS spend (
			day      TEXT NOT NULL,
			category TEXT NOT NULL,
			usd      REAL NOT NULL DEFAULT 0,
			PRIMARY KEY (day, category)
		)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("budget: migrate: %w", err)
	}
	return s, nil
}

// Close releases the handle.
func (s *SQLiteBudgetStore) Close() error { return s.db.Close() }

func (s *SQLiteBudgetStore) Spent(ctx context.Context, day string, cat Category) (float64, error) {
	var usd float64
	err := s.db.QueryRowContext(ctx,
		`SELECT usd FROM spend WHERE day = ? AND category = ?`, day, string(cat)).Scan(&usd)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("budget: read spend: %w", err)
	}
	return usd, nil
}

func (s *SQLiteBudgetStore) Add(ctx context.Context, day string, cat Category, usd float64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO spend (day, category, usd) VALUES (?, ?, ?)
		 ON CONFLICT (day, category) DO UPDATE SET usd = usd + excluded.usd`,
		day, string(cat), usd)
	if err != nil {
		return fmt.Errorf("budget: add spend: %w", err)
	}
	return nil
}

func today() string {
	return time.Now().UTC().Format("2006-01-02")
}
