package eventbus

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

// Journal persists published events for replay. Seqs are dense and assigned
// by the bus before Append.
type Journal interface {
	Append(ctx context.Context, ev Event) error
	// After returns up to limit events with seq > cursor, in seq order.
	After(ctx context.Context, cursor int64, limit int) ([]Event, error)
	LastSeq(ctx context.Context) (int64, error)
}

// MemoryJournal keeps events in-process. Replay works for the lifetime of
// the process only.
type MemoryJournal struct {
	mu     sync.RWMutex
	events []Event
}

// NewMemoryJournal creates an empty journal.
func NewMemoryJournal() *MemoryJournal { return &MemoryJournal{} }

func (j *MemoryJournal) Append(_ context.Context, ev Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, ev)
	return nil
}

func (j *MemoryJournal) After(_ context.Context, cursor int64, limit int) ([]Event, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	var out []Event
	for _, ev := range j.events {
		if ev.Seq > cursor {
			out = append(out, ev)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (j *MemoryJournal) LastSeq(context.Context) (int64, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if len(j.events) == 0 {
		return 0, nil
	}
	return j.events[len(j.events)-1].Seq, nil
}

// SQLiteJournal persists events under dataDir/index/events.db so subscriber
// replay survives restarts.
type SQLiteJournal struct {
	db *sql.DB
}

// OpenSQLiteJournal opens (creating if needed) the journal database.
func OpenSQLiteJournal(dataDir string) (*SQLiteJournal, error) {
	dir := filepath.Join(dataDir, "index")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("eventbus: ensure dir: %w", err)
	}
	db, err := sql.Open("sqlite", filepath.Join(dir, "events.db")+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("eventbus: open journal: %w", err)
	}
	j := &SQLiteJournal{db: db}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			seq  INTEGER PRIMARY KEY,
			kind TEXT NOT NULL,
			rid  TEXT NOT NULL,
			cid  TEXT NOT NULL,
			ts   TEXT NOT NULL
		)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("eventbus: migrate: %w", err)
	}
	return j, nil
}

// Close releases the handle.
func (j *SQLiteJournal) Close() error { return j.db.Close() }

func (j *SQLiteJournal) Append(ctx context.Context, ev Event) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO events (seq, kind, rid, cid, ts) VALUES (?, ?, ?, ?, ?)`,
		ev.Seq, string(ev.Kind), ev.RID, ev.CID, ev.TS.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("eventbus: append: %w", err)
	}
	return nil
}

func (j *SQLiteJournal) After(ctx context.Context, cursor int64, limit int) ([]Event, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT seq, kind, rid, cid, ts FROM events WHERE seq > ? ORDER BY seq ASC LIMIT ?`,
		cursor, limit)
	if err != nil {
		return nil, fmt.Errorf("eventbus: replay: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Event
	for rows.Next() {
		var ev Event
		var kind, ts string
		if err := rows.Scan(&ev.Seq, &kind, &ev.RID, &ev.CID, &ts); err != nil {
			return nil, fmt.Errorf("eventbus: scan: %w", err)
		}
		ev.Kind = Kind(kind)
		if t, perr := time.Parse(time.RFC3339Nano, ts); perr == nil {
			ev.TS = t
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (j *SQLiteJournal) LastSeq(ctx context.Context) (int64, error) {
	var last sql.NullInt64
	err := j.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM events`).Scan(&last)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("eventbus: last seq: %w", err)
	}
	return last.Int64, nil
}
