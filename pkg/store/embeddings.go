package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/regen-network/koi-processor/pkg/identity"
)

// Hit is one vector search result.
type Hit struct {
	FragmentRID identity.RID
	ParentRID   identity.RID
	Score       float64
	CreatedAt   time.Time
}

// EmbeddingIndex stores one vector per embedded fragment, keyed by fragment
// RID. Search is brute-force cosine over the index, which is adequate for a
// single node.
type EmbeddingIndex struct {
	db *sql.DB
}

// OpenEmbeddingIndex opens (creating if needed) dataDir/embeddings/index.db.
func OpenEmbeddingIndex(dataDir string) (*EmbeddingIndex, error) {
	dir := filepath.Join(dataDir, "embeddings")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: ensure embeddings dir: %v", ErrBackendUnavailable, err)
	}
	db, err := sql.Open("sqlite", filepath.Join(dir, "index.db")+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("%w: open embeddings index: %v", ErrBackendUnavailable, err)
	}
	idx := &EmbeddingIndex{db: db}
	if err := idx.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return idx, nil
}

// OpenEmbeddingIndexInMemory is for tests.
func OpenEmbeddingIndexInMemory() (*EmbeddingIndex, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	idx := &EmbeddingIndex{db: db}
	if err := idx.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return idx, nil
}

func (e *EmbeddingIndex) migrate() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS embeddings (
		fragment_rid TEXT PRIMARY KEY,
		parent_rid   TEXT NOT NULL,
		vector       TEXT NOT NULL,
		created_at   TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_embeddings_parent ON embeddings(parent_rid);
	`
	if _, err := e.db.Exec(schema); err != nil {
		return fmt.Errorf("%w: migrate embeddings: %v", ErrBackendUnavailable, err)
	}
	return nil
}

// Close releases the index handle.
func (e *EmbeddingIndex) Close() error { return e.db.Close() }

// Put upserts the vector for a fragment.
func (e *EmbeddingIndex) Put(ctx context.Context, fragmentRID, parentRID identity.RID, vec []float32) error {
	raw, err := json.Marshal(vec)
	if err != nil {
		return fmt.Errorf("embeddings: encode vector: %w", err)
	}
	_, err = e.db.ExecContext(ctx,
		`INSERT INTO embeddings (fragment_rid, parent_rid, vector, created_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (fragment_rid) DO UPDATE SET parent_rid = excluded.parent_rid, vector = excluded.vector`,
		fragmentRID.String(), parentRID.String(), string(raw), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("%w: put embedding: %v", ErrBackendUnavailable, err)
	}
	return nil
}

// Search returns up to topK fragments with cosine similarity >= floor,
// optionally restricted to fragment RIDs with the given prefix. Ties break by
// newer createdAt first, then lexicographically smaller RID.
func (e *EmbeddingIndex) Search(ctx context.Context, vec []float32, topK int, floor float64, ridPrefix string) ([]Hit, error) {
	rows, err := e.db.QueryContext(ctx,
		`SELECT fragment_rid, parent_rid, vector, created_at FROM embeddings`)
	if err != nil {
		return nil, fmt.Errorf("%w: search embeddings: %v", ErrBackendUnavailable, err)
	}
	defer func() { _ = rows.Close() }()

	var hits []Hit
	for rows.Next() {
		var fragRaw, parentRaw, vecRaw, createdRaw string
		if err := rows.Scan(&fragRaw, &parentRaw, &vecRaw, &createdRaw); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
		if ridPrefix != "" && !strings.HasPrefix(fragRaw, ridPrefix) {
			continue
		}
		var stored []float32
		if err := json.Unmarshal([]byte(vecRaw), &stored); err != nil {
			return nil, fmt.Errorf("%w: bad vector for %s: %v", ErrIntegrity, fragRaw, err)
		}
		score := Cosine(vec, stored)
		if score < floor {
			continue
		}
		frag, err := identity.ParseRID(fragRaw)
		if err != nil {
			return nil, fmt.Errorf("%w: bad rid in embeddings: %v", ErrIntegrity, err)
		}
		parent, err := identity.ParseRID(parentRaw)
		if err != nil {
			return nil, fmt.Errorf("%w: bad rid in embeddings: %v", ErrIntegrity, err)
		}
		hits = append(hits, Hit{FragmentRID: frag, ParentRID: parent, Score: score, CreatedAt: parseTime(createdRaw)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		if !hits[i].CreatedAt.Equal(hits[j].CreatedAt) {
			return hits[i].CreatedAt.After(hits[j].CreatedAt)
		}
		return hits[i].FragmentRID.String() < hits[j].FragmentRID.String()
	})
	if topK > 0 && len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

// Cosine computes cosine similarity between two vectors. Mismatched lengths
// or zero vectors score 0.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
