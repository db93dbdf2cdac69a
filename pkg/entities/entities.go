// Package entities stores extracted entity records and the versioned
// ontology registry the extraction stage resolves against.
package entities

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/regen-network/koi-processor/pkg/identity"
)

var ErrNotFound = errors.New("entity not found")

// Kind classifies an extracted entity.
type Kind string

const (
	KindPerson       Kind = "Person"
	KindOrganization Kind = "Organization"
	KindConcept      Kind = "Concept"
	KindPlace        Kind = "Place"
)

// Entity is one extracted concept. Rows are never mutated: re-extraction
// writes a new row with a later extractedAt, and reads return the latest.
type Entity struct {
	RID               identity.RID
	Kind              Kind
	Name              string
	Aliases           []string
	FirstSeen         time.Time
	Importance        float64
	WasExtractedUsing identity.RID // ontology RID resolvable at creation time
	ExtractedAt       time.Time
}

// Store persists entities and their artifact mentions under
// dataDir/entities/entities.db.
type Store struct {
	db *sql.DB
}

// Open initializes the entity store, creating the directory and schema.
func Open(dataDir string) (*Store, error) {
	dir := filepath.Join(dataDir, "entities")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("entities: ensure dir: %w", err)
	}
	db, err := sql.Open("sqlite", filepath.Join(dir, "entities.db")+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("entities: open: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// OpenInMemory returns a store for tests.
func OpenInMemory() (*Store, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("entities: open: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS entities (
		rid          TEXT NOT NULL,
		kind         TEXT NOT NULL,
		name         TEXT NOT NULL,
		aliases      JSON,
		first_seen   TEXT NOT NULL,
		importance   REAL NOT NULL DEFAULT 0,
		extracted_using TEXT NOT NULL,
		extracted_at TEXT NOT NULL,
		PRIMARY KEY (rid, extracted_at)
	);
	CREATE TABLE IF NOT EXISTS mentions (
		entity_rid   TEXT NOT NULL,
		artifact_rid TEXT NOT NULL,
		recorded_at  TEXT NOT NULL,
		PRIMARY KEY (entity_rid, artifact_rid)
	);
	CREATE INDEX IF NOT EXISTS idx_mentions_artifact ON mentions(artifact_rid);
	CREATE TABLE IF NOT EXISTS ontologies (
		rid           TEXT PRIMARY KEY,
		version       TEXT NOT NULL,
		cid           TEXT NOT NULL,
		registered_at TEXT NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("entities: migrate: %w", err)
	}
	return nil
}

// Close releases the handle.
func (s *Store) Close() error { return s.db.Close() }

// Record writes an entity row and its mention in the source artifact.
// Re-recording an unchanged entity for the same artifact is a no-op.
func (s *Store) Record(ctx context.Context, e Entity, mentionedIn identity.RID) error {
	aliases, err := json.Marshal(e.Aliases)
	if err != nil {
		return fmt.Errorf("entities: encode aliases: %w", err)
	}
	if e.ExtractedAt.IsZero() {
		e.ExtractedAt = time.Now().UTC()
	}
	if e.FirstSeen.IsZero() {
		e.FirstSeen = e.ExtractedAt
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("entities: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// firstSeen is sticky: keep the earliest observation across rows.
	var prior sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT MIN(first_seen) FROM entities WHERE rid = ?`, e.RID.String()).Scan(&prior)
	if err == nil && prior.Valid && prior.String != "" {
		if t, perr := time.Parse(time.RFC3339Nano, prior.String); perr == nil && t.Before(e.FirstSeen) {
			e.FirstSeen = t
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO entities (rid, kind, name, aliases, first_seen, importance, extracted_using, extracted_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (rid, extracted_at) DO NOTHING`,
		e.RID.String(), string(e.Kind), e.Name, string(aliases),
		e.FirstSeen.UTC().Format(time.RFC3339Nano), e.Importance,
		e.WasExtractedUsing.String(), e.ExtractedAt.UTC().Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("entities: insert: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO mentions (entity_rid, artifact_rid, recorded_at) VALUES (?, ?, ?)
		 ON CONFLICT (entity_rid, artifact_rid) DO NOTHING`,
		e.RID.String(), mentionedIn.String(), e.ExtractedAt.UTC().Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("entities: insert mention: %w", err)
	}
	return tx.Commit()
}

// Get returns the latest row for an entity RID.
func (s *Store) Get(ctx context.Context, rid identity.RID) (Entity, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT rid, kind, name, aliases, first_seen, importance, extracted_using, extracted_at
		 FROM entities WHERE rid = ? ORDER BY extracted_at DESC LIMIT 1`, rid.String())
	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entity{}, fmt.Errorf("%w: %s", ErrNotFound, rid)
	}
	return e, err
}

// Of returns the latest version of every entity mentioned in an artifact,
// ordered by RID.
func (s *Store) Of(ctx context.Context, artifactRID identity.RID) ([]Entity, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT e.rid, e.kind, e.name, e.aliases, e.first_seen, e.importance, e.extracted_using, e.extracted_at
		 FROM entities e
		 JOIN mentions m ON m.entity_rid = e.rid
		 WHERE m.artifact_rid = ?
		   AND e.extracted_at = (SELECT MAX(extracted_at) FROM entities WHERE rid = e.rid)
		 ORDER BY e.rid`, artifactRID.String())
	if err != nil {
		return nil, fmt.Errorf("entities: query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Mentioning returns up to limit artifact RIDs that mention the entity,
// most recent mention first.
func (s *Store) Mentioning(ctx context.Context, entityRID identity.RID, limit int) ([]identity.RID, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT artifact_rid FROM mentions WHERE entity_rid = ?
		 ORDER BY recorded_at DESC, artifact_rid ASC LIMIT ?`,
		entityRID.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("entities: query mentions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []identity.RID
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("entities: scan mention: %w", err)
		}
		rid, err := identity.ParseRID(raw)
		if err != nil {
			return nil, fmt.Errorf("entities: bad rid in mentions: %w", err)
		}
		out = append(out, rid)
	}
	return out, rows.Err()
}

func scanEntity(row interface{ Scan(...any) error }) (Entity, error) {
	var (
		ridRaw, kind, name, usingRaw string
		aliasesJSON                  sql.NullString
		firstSeen, extractedAt       string
		importance                   float64
	)
	err := row.Scan(&ridRaw, &kind, &name, &aliasesJSON, &firstSeen, &importance, &usingRaw, &extractedAt)
	if err != nil {
		return Entity{}, err
	}

	rid, err := identity.ParseRID(ridRaw)
	if err != nil {
		return Entity{}, fmt.Errorf("entities: bad rid: %w", err)
	}
	using, err := identity.ParseRID(usingRaw)
	if err != nil {
		return Entity{}, fmt.Errorf("entities: bad ontology rid: %w", err)
	}

	e := Entity{
		RID:               rid,
		Kind:              Kind(kind),
		Name:              name,
		Importance:        importance,
		WasExtractedUsing: using,
	}
	if aliasesJSON.Valid && aliasesJSON.String != "" {
		_ = json.Unmarshal([]byte(aliasesJSON.String), &e.Aliases)
	}
	if t, err := time.Parse(time.RFC3339Nano, firstSeen); err == nil {
		e.FirstSeen = t
	}
	if t, err := time.Parse(time.RFC3339Nano, extractedAt); err == nil {
		e.ExtractedAt = t
	}
	return e, nil
}
