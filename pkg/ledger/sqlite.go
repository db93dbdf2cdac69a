package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteLedger is the default durable backend. Rows are insert-only; the
// day column pages the log for per-day reporting.
type SQLiteLedger struct {
	db       *sql.DB
	resolver Resolver
}

// OpenSQLiteLedger opens (creating if needed) dataDir/ledger/cats.db.
func OpenSQLiteLedger(dataDir string, resolver Resolver) (*SQLiteLedger, error) {
	dir := filepath.Join(dataDir, "ledger")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("ledger: ensure dir: %w", err)
	}
	db, err := sql.Open("sqlite", filepath.Join(dir, "cats.db")+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("ledger: open: %w", err)
	}
	l := &SQLiteLedger{db: db, resolver: resolver}
	if err := l.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return l, nil
}

// NewSQLiteLedger wraps an existing handle. Used by tests with :memory:.
func NewSQLiteLedger(db *sql.DB, resolver Resolver) (*SQLiteLedger, error) {
	l := &SQLiteLedger{db: db, resolver: resolver}
	if err := l.migrate(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *SQLiteLedger) migrate() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS cats (
		cat_id      TEXT PRIMARY KEY,
		operation   TEXT NOT NULL,
		timestamp   TEXT NOT NULL,
		day         TEXT NOT NULL,
		input_rid   TEXT NOT NULL DEFAULT '',
		input_cid   TEXT NOT NULL DEFAULT '',
		output_rid  TEXT NOT NULL DEFAULT '',
		output_cid  TEXT NOT NULL DEFAULT '',
		recipe      JSON NOT NULL,
		agent       TEXT NOT NULL DEFAULT '',
		cost        JSON,
		retroactive INTEGER NOT NULL DEFAULT 0,
		signature   TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_cats_output_rid ON cats(output_rid);
	CREATE INDEX IF NOT EXISTS idx_cats_output_cid ON cats(output_cid);
	CREATE INDEX IF NOT EXISTS idx_cats_input ON cats(input_rid, input_cid);
	CREATE INDEX IF NOT EXISTS idx_cats_day ON cats(day);
	`
	if _, err := l.db.Exec(schema); err != nil {
		return fmt.Errorf("ledger: migrate: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (l *SQLiteLedger) Close() error { return l.db.Close() }

func (l *SQLiteLedger) Append(ctx context.Context, cat *CAT) (AppendOutcome, error) {
	if err := validate(ctx, cat, l.resolver); err != nil {
		return "", err
	}

	recipeJSON, _ := json.Marshal(cat.Recipe)
	costJSON, _ := json.Marshal(cat.Cost)
	ts := cat.Timestamp.UTC()

	res, err := l.db.ExecContext(ctx,
		`INSERT INTO cats (cat_id, operation, timestamp, day, input_rid, input_cid,
			output_rid, output_cid, recipe, agent, cost, retroactive, signature)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (cat_id) DO NOTHING`,
		cat.CatID, cat.Operation, ts.Format(time.RFC3339Nano), ts.Format("2006-01-02"),
		cat.InputRid, cat.InputCid, cat.OutputRid, cat.OutputCid,
		string(recipeJSON), cat.Agent, string(costJSON), boolToInt(cat.Retroactive), cat.Signature,
	)
	if err != nil {
		return "", fmt.Errorf("ledger: append: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("ledger: append: %w", err)
	}
	if n == 0 {
		return AlreadyPresent, nil
	}
	return Appended, nil
}

func (l *SQLiteLedger) Get(ctx context.Context, catID string) (*CAT, error) {
	rows, err := l.query(ctx, `cat_id = ?`, catID)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, catID)
	}
	return rows[0], nil
}

func (l *SQLiteLedger) ChainFor(ctx context.Context, rid string) ([]*CAT, error) {
	// The chain walk needs candidate receipts along the cid edges; pulling
	// the document's receipt neighborhood by rid namespace keeps this one
	// round trip for typical chains.
	all, err := l.All(ctx)
	if err != nil {
		return nil, err
	}
	return chainFrom(all, rid), nil
}

func (l *SQLiteLedger) ByInput(ctx context.Context, ref string) ([]*CAT, error) {
	return l.query(ctx, `input_rid = ? OR input_cid = ?`, ref, ref)
}

func (l *SQLiteLedger) ByOutput(ctx context.Context, ref string) ([]*CAT, error) {
	return l.query(ctx, `output_rid = ? OR output_cid = ?`, ref, ref)
}

func (l *SQLiteLedger) All(ctx context.Context) ([]*CAT, error) {
	return l.query(ctx, `1 = 1`)
}

func (l *SQLiteLedger) query(ctx context.Context, where string, args ...any) ([]*CAT, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT cat_id, operation, timestamp, input_rid, input_cid, output_rid, output_cid,
			recipe, agent, cost, retroactive, signature
		 FROM cats WHERE `+where+` ORDER BY timestamp ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*CAT
	for rows.Next() {
		c, err := scanCAT(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: query: %w", err)
	}
	return out, nil
}

func scanCAT(rows *sql.Rows) (*CAT, error) {
	var (
		c           CAT
		ts          string
		recipeJSON  string
		costJSON    sql.NullString
		retroactive int
		signature   sql.NullString
	)
	if err := rows.Scan(&c.CatID, &c.Operation, &ts, &c.InputRid, &c.InputCid,
		&c.OutputRid, &c.OutputCid, &recipeJSON, &c.Agent, &costJSON, &retroactive, &signature); err != nil {
		return nil, fmt.Errorf("ledger: scan: %w", err)
	}
	c.Timestamp = parseTime(ts)
	if err := json.Unmarshal([]byte(recipeJSON), &c.Recipe); err != nil {
		return nil, fmt.Errorf("ledger: decode recipe: %w", err)
	}
	if costJSON.Valid && costJSON.String != "" {
		_ = json.Unmarshal([]byte(costJSON.String), &c.Cost)
	}
	c.Retroactive = retroactive != 0
	c.Signature = signature.String
	return &c, nil
}

func parseTime(value string) time.Time {
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
