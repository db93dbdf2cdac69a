package dedup

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Entry is one review record written for a merge or flag decision.
type Entry struct {
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	NewRID     string    `json:"newRid"`
	NewCID     string    `json:"newCid"`
	MatchedRID string    `json:"matchedRid"`
	MatchedCID string    `json:"matchedCid"`
	Similarity float64   `json:"similarity"`
}

// ReviewLog writes per-decision JSON files under review/flagged/ and
// review/merged/ for human inspection.
type ReviewLog struct {
	flaggedDir string
	mergedDir  string
}

// OpenReviewLog creates the review directories under dataDir.
func OpenReviewLog(dataDir string) (*ReviewLog, error) {
	l := &ReviewLog{
		flaggedDir: filepath.Join(dataDir, "review", "flagged"),
		mergedDir:  filepath.Join(dataDir, "review", "merged"),
	}
	for _, dir := range []string{l.flaggedDir, l.mergedDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("review: ensure dir: %w", err)
		}
	}
	return l, nil
}

// RecordFlagged queues an entry for review; the document still proceeds
// through the pipeline.
func (l *ReviewLog) RecordFlagged(e Entry) (string, error) {
	return l.write(l.flaggedDir, e)
}

// RecordMerged records that a new RID was aliased onto existing content.
func (l *ReviewLog) RecordMerged(e Entry) (string, error) {
	return l.write(l.mergedDir, e)
}

// Flagged lists queued flag entries, oldest first.
func (l *ReviewLog) Flagged() ([]Entry, error) {
	return l.list(l.flaggedDir)
}

// Merged lists merge records, oldest first.
func (l *ReviewLog) Merged() ([]Entry, error) {
	return l.list(l.mergedDir)
}

func (l *ReviewLog) write(dir string, e Entry) (string, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return "", fmt.Errorf("review: encode entry: %w", err)
	}
	path := filepath.Join(dir, e.ID+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("review: write entry: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("review: publish entry: %w", err)
	}
	return e.ID, nil
}

func (l *ReviewLog) list(dir string) ([]Entry, error) {
	names, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("review: list: %w", err)
	}
	var out []Entry
	for _, n := range names {
		if n.IsDir() || !strings.HasSuffix(n.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, n.Name()))
		if err != nil {
			return nil, fmt.Errorf("review: read entry: %w", err)
		}
		var e Entry
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("review: decode %s: %w", n.Name(), err)
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}
