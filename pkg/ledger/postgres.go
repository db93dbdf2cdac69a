package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq" // Postgres driver
)

// PostgresLedger backs the receipt log with Postgres for deployments that
// already run one. Selected by KOI_DATABASE_URL.
type PostgresLedger struct {
	db       *sql.DB
	resolver Resolver
}

// NewPostgresLedger wraps an open connection.
func NewPostgresLedger(db *sql.DB, resolver Resolver) *PostgresLedger {
	return &PostgresLedger{db: db, resolver: resolver}
}

// OpenPostgresLedger connects and ensures the schema.
func OpenPostgresLedger(dsn string, resolver Resolver) (*PostgresLedger, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("ledger: open postgres: %w", err)
	}
	l := &PostgresLedger{db: db, resolver: resolver}
	if err := l.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return l, nil
}

// Migrate creates the cats table if missing.
func (l *PostgresLedger) Migrate(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS cats (
		cat_id      TEXT PRIMARY KEY,
		operation   TEXT NOT NULL,
		timestamp   TIMESTAMPTZ NOT NULL,
		day         DATE NOT NULL,
		input_rid   TEXT NOT NULL DEFAULT '',
		input_cid   TEXT NOT NULL DEFAULT '',
		output_rid  TEXT NOT NULL DEFAULT '',
		output_cid  TEXT NOT NULL DEFAULT '',
		recipe      JSONB NOT NULL,
		agent       TEXT NOT NULL DEFAULT '',
		cost        JSONB,
		retroactive BOOLEAN NOT NULL DEFAULT FALSE,
		signature   TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_cats_output_rid ON cats(output_rid);
	CREATE INDEX IF NOT EXISTS idx_cats_output_cid ON cats(output_cid);
	CREATE INDEX IF NOT EXISTS idx_cats_day ON cats(day);
	`
	if _, err := l.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ledger: migrate postgres: %w", err)
	}
	return nil
}

// Close releases the connection.
func (l *PostgresLedger) Close() error { return l.db.Close() }

func (l *PostgresLedger) Append(ctx context.Context, cat *CAT) (AppendOutcome, error) {
	if err := validate(ctx, cat, l.resolver); err != nil {
		return "", err
	}

	recipeJSON, _ := json.Marshal(cat.Recipe)
	costJSON, _ := json.Marshal(cat.Cost)
	ts := cat.Timestamp.UTC()

	res, err := l.db.ExecContext(ctx,
		`INSERT INTO cats (cat_id, operation, timestamp, day, input_rid, input_cid,
			output_rid, output_cid, recipe, agent, cost, retroactive, signature)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 ON CONFLICT (cat_id) DO NOTHING`,
		cat.CatID, cat.Operation, ts, ts.Format("2006-01-02"),
		cat.InputRid, cat.InputCid, cat.OutputRid, cat.OutputCid,
		string(recipeJSON), cat.Agent, string(costJSON), cat.Retroactive, cat.Signature,
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

func (l *PostgresLedger) Get(ctx context.Context, catID string) (*CAT, error) {
	rows, err := l.query(ctx, `cat_id = $1`, catID)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, catID)
	}
	return rows[0], nil
}

func (l *PostgresLedger) ChainFor(ctx context.Context, rid string) ([]*CAT, error) {
	all, err := l.All(ctx)
	if err != nil {
		return nil, err
	}
	return chainFrom(all, rid), nil
}

func (l *PostgresLedger) ByInput(ctx context.Context, ref string) ([]*CAT, error) {
	return l.query(ctx, `input_rid = $1 OR input_cid = $1`, ref)
}

func (l *PostgresLedger) ByOutput(ctx context.Context, ref string) ([]*CAT, error) {
	return l.query(ctx, `output_rid = $1 OR output_cid = $1`, ref)
}

func (l *PostgresLedger) All(ctx context.Context) ([]*CAT, error) {
	return l.query(ctx, `TRUE`)
}

func (l *PostgresLedger) query(ctx context.Context, where string, args ...any) ([]*CAT, error) {
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
		var (
			c          CAT
			ts         time.Time
			recipeJSON string
			costJSON   sql.NullString
			signature  sql.NullString
		)
		if err := rows.Scan(&c.CatID, &c.Operation, &ts, &c.InputRid, &c.InputCid,
			&c.OutputRid, &c.OutputCid, &recipeJSON, &c.Agent, &costJSON, &c.Retroactive, &signature); err != nil {
			return nil, fmt.Errorf("ledger: scan: %w", err)
		}
		c.Timestamp = ts.UTC()
		if err := json.Unmarshal([]byte(recipeJSON), &c.Recipe); err != nil {
			return nil, fmt.Errorf("ledger: decode recipe: %w", err)
		}
		if costJSON.Valid && costJSON.String != "" {
			_ = json.Unmarshal([]byte(costJSON.String), &c.Cost)
		}
		c.Signature = signature.String
		out = append(out, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: query: %w", err)
	}
	return out, nil
}
