// Package store owns byte storage and the RID index for the processor node.
// Bytes live in a filesystem CAS keyed by CID; the RID index maps each RID to
// its current CID and keeps the full revision history.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/regen-network/koi-processor/pkg/identity"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrBackendUnavailable = errors.New("backend unavailable")
	ErrIntegrity          = errors.New("integrity violation")
)

// UpsertOutcome reports what an artifact upsert did.
type UpsertOutcome string

const (
	OutcomeCreated   UpsertOutcome = "created"
	OutcomeRevised   UpsertOutcome = "revised"
	OutcomeUnchanged UpsertOutcome = "unchanged"
)

// Artifact is one stored content version: an RID bound to a CID with
// metadata. ValidTo == nil marks the current revision.
type Artifact struct {
	RID       identity.RID
	CID       identity.CID
	Format    string
	Stage     string
	Size      int64
	Metadata  map[string]string
	CreatedAt time.Time
	ValidFrom time.Time
	ValidTo   *time.Time
}

// Revision is one row of an RID's history.
type Revision struct {
	CID       identity.CID
	ValidFrom time.Time
	ValidTo   *time.Time
}

// Store combines the CAS blob store with the sqlite RID index.
type Store struct {
	blobs  *BlobStore
	db     *sql.DB
	locks  ridLocks
	logger *slog.Logger
}

// Open initializes the store under dataDir, creating
// dataDir/artifacts (blobs) and dataDir/index/rid.db (index).
func Open(dataDir string) (*Store, error) {
	blobs, err := NewBlobStore(filepath.Join(dataDir, "artifacts"))
	if err != nil {
		return nil, err
	}

	indexDir := filepath.Join(dataDir, "index")
	if err := os.MkdirAll(indexDir, 0o755); err != nil {
		return nil, fmt.Errorf("store: ensure index dir: %w", err)
	}
	db, err := sql.Open("sqlite", filepath.Join(indexDir, "rid.db")+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("store: open index: %w", err)
	}

	s := &Store{
		blobs:  blobs,
		db:     db,
		logger: slog.Default().With("component", "store"),
	}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// OpenInMemory returns a store backed by a temp blob dir and an in-memory
// index. Test use only.
func OpenInMemory(blobDir string) (*Store, error) {
	blobs, err := NewBlobStore(blobDir)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("store: open index: %w", err)
	}
	s := &Store{blobs: blobs, db: db, logger: slog.Default().With("component", "store")}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS artifacts (
		rid        TEXT NOT NULL,
		cid        TEXT NOT NULL,
		format     TEXT NOT NULL DEFAULT '',
		stage      TEXT NOT NULL DEFAULT '',
		size       INTEGER NOT NULL DEFAULT 0,
		metadata   JSON,
		created_at TEXT NOT NULL,
		valid_from TEXT NOT NULL,
		valid_to   TEXT,
		PRIMARY KEY (rid, valid_from)
	);
	CREATE INDEX IF NOT EXISTS idx_artifacts_cid ON artifacts(cid);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_artifacts_current ON artifacts(rid) WHERE valid_to IS NULL;
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// Close releases the index handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// PutBytes writes data into the CAS. Idempotent: identical bytes always
// produce the same CID and at most one physical write.
func (s *Store) PutBytes(ctx context.Context, data []byte) (identity.CID, error) {
	return s.blobs.Put(ctx, data)
}

// GetBytes retrieves blob bytes by CID.
func (s *Store) GetBytes(ctx context.Context, cid identity.CID) ([]byte, error) {
	return s.blobs.Get(ctx, cid)
}

// HasBytes checks blob existence.
func (s *Store) HasBytes(ctx context.Context, cid identity.CID) (bool, error) {
	return s.blobs.Exists(ctx, cid)
}

// UpsertArtifact binds rid to cid as the current revision. If the current
// revision already is cid the call is a no-op. Otherwise the prior row is
// closed (valid_to set) and a new current row inserted, in one transaction.
// The blob for cid must already exist.
func (s *Store) UpsertArtifact(ctx context.Context, rid identity.RID, cid identity.CID, format, stage string, meta map[string]string) (UpsertOutcome, error) {
	exists, err := s.blobs.Exists(ctx, cid)
	if err != nil {
		return "", err
	}
	if !exists {
		return "", fmt.Errorf("%w: no bytes for %s", ErrIntegrity, cid)
	}

	now := time.Now().UTC()
	metaJSON, _ := json.Marshal(meta)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("%w: begin: %v", ErrBackendUnavailable, err)
	}
	defer func() { _ = tx.Rollback() }()

	var current string
	err = tx.QueryRowContext(ctx,
		`SELECT cid FROM artifacts WHERE rid = ? AND valid_to IS NULL`, rid.String(),
	).Scan(&current)

	outcome := OutcomeCreated
	switch {
	case err == nil:
		if current == cid.String() {
			return OutcomeUnchanged, nil
		}
		outcome = OutcomeRevised
		if _, err := tx.ExecContext(ctx,
			`UPDATE artifacts SET valid_to = ? WHERE rid = ? AND valid_to IS NULL`,
			now.Format(time.RFC3339Nano), rid.String(),
		); err != nil {
			return "", fmt.Errorf("%w: close prior revision: %v", ErrBackendUnavailable, err)
		}
	case errors.Is(err, sql.ErrNoRows):
		// First revision for this RID.
	default:
		return "", fmt.Errorf("%w: query current: %v", ErrBackendUnavailable, err)
	}

	size, err := s.blobs.Size(ctx, cid)
	if err != nil {
		return "", err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO artifacts (rid, cid, format, stage, size, metadata, created_at, valid_from, valid_to)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL)`,
		rid.String(), cid.String(), format, stage, size, string(metaJSON),
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	); err != nil {
		return "", fmt.Errorf("%w: insert revision: %v", ErrBackendUnavailable, err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("%w: commit: %v", ErrBackendUnavailable, err)
	}
	return outcome, nil
}

// CurrentCID returns the CID currently bound to rid.
func (s *Store) CurrentCID(ctx context.Context, rid identity.RID) (identity.CID, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT cid FROM artifacts WHERE rid = ? AND valid_to IS NULL`, rid.String(),
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return identity.CID{}, fmt.Errorf("%w: %s", ErrNotFound, rid)
	}
	if err != nil {
		return identity.CID{}, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return identity.ParseCID(raw)
}

// History returns the revision rows for rid, oldest first.
func (s *Store) History(ctx context.Context, rid identity.RID) ([]Revision, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT cid, valid_from, valid_to FROM artifacts WHERE rid = ? ORDER BY valid_from ASC`,
		rid.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	defer func() { _ = rows.Close() }()

	var out []Revision
	for rows.Next() {
		var cidRaw, from string
		var to sql.NullString
		if err := rows.Scan(&cidRaw, &from, &to); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
		cid, err := identity.ParseCID(cidRaw)
		if err != nil {
			return nil, fmt.Errorf("%w: bad cid in index: %v", ErrIntegrity, err)
		}
		rev := Revision{CID: cid, ValidFrom: parseTime(from)}
		if to.Valid {
			t := parseTime(to.String)
			rev.ValidTo = &t
		}
		out = append(out, rev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, rid)
	}
	return out, nil
}

// Resolve looks up an artifact by RID or CID textual form. For a CID with
// multiple RIDs, the earliest binding wins.
func (s *Store) Resolve(ctx context.Context, ref string) (Artifact, error) {
	ref = strings.TrimSpace(ref)
	if cid, err := identity.ParseCID(ref); err == nil {
		return s.resolveBy(ctx, `cid = ?`, cid.String())
	}
	rid, err := identity.ParseRID(ref)
	if err != nil {
		return Artifact{}, err
	}
	return s.resolveBy(ctx, `rid = ? AND valid_to IS NULL`, rid.String())
}

// RIDsForCID returns every RID currently bound to cid.
func (s *Store) RIDsForCID(ctx context.Context, cid identity.CID) ([]identity.RID, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT rid FROM artifacts WHERE cid = ? AND valid_to IS NULL ORDER BY rid`,
		cid.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	defer func() { _ = rows.Close() }()

	var out []identity.RID
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
		rid, err := identity.ParseRID(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: bad rid in index: %v", ErrIntegrity, err)
		}
		out = append(out, rid)
	}
	return out, rows.Err()
}

// Recent returns up to limit current artifacts at the given stage, newest
// first. Stage "" matches all stages.
func (s *Store) Recent(ctx context.Context, stage string, limit int) ([]Artifact, error) {
	query := `SELECT rid, cid, format, stage, size, metadata, created_at, valid_from, valid_to
	 FROM artifacts WHERE valid_to IS NULL`
	args := []any{}
	if stage != "" {
		query += ` AND stage = ?`
		args = append(args, stage)
	}
	query += ` ORDER BY created_at DESC, rid ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	defer func() { _ = rows.Close() }()

	var out []Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Forget removes the index mapping for rid. Blobs referenced by no other RID
// are deleted. Receipts referencing the RID are left in place.
func (s *Store) Forget(ctx context.Context, rid identity.RID) error {
	revs, err := s.History(ctx, rid)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM artifacts WHERE rid = ?`, rid.String()); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	for _, rev := range revs {
		var n int
		if err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM artifacts WHERE cid = ?`, rev.CID.String(),
		).Scan(&n); err != nil {
			return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
		if n == 0 {
			if err := s.blobs.Delete(ctx, rev.CID); err != nil {
				s.logger.WarnContext(ctx, "blob delete failed during forget", "cid", rev.CID.String(), "error", err)
			}
		}
	}
	return nil
}

// LockRID serializes artifact writes per RID. The returned func releases the
// lock. At most one pipeline stage may upsert a given RID at a time.
func (s *Store) LockRID(rid identity.RID) func() {
	return s.locks.lock(rid.String())
}

func (s *Store) resolveBy(ctx context.Context, where string, arg string) (Artifact, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT rid, cid, format, stage, size, metadata, created_at, valid_from, valid_to
		 FROM artifacts WHERE `+where+` ORDER BY valid_from ASC LIMIT 1`, arg)

	a, err := scanArtifact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Artifact{}, fmt.Errorf("%w: %s", ErrNotFound, arg)
	}
	return a, err
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanArtifact(row scanner) (Artifact, error) {
	var (
		ridRaw, cidRaw, format, stage string
		size                          int64
		metaJSON                      sql.NullString
		createdAt, validFrom          string
		validTo                       sql.NullString
	)
	err := row.Scan(&ridRaw, &cidRaw, &format, &stage, &size, &metaJSON, &createdAt, &validFrom, &validTo)
	if errors.Is(err, sql.ErrNoRows) {
		return Artifact{}, err
	}
	if err != nil {
		return Artifact{}, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	rid, err := identity.ParseRID(ridRaw)
	if err != nil {
		return Artifact{}, fmt.Errorf("%w: bad rid in index: %v", ErrIntegrity, err)
	}
	cid, err := identity.ParseCID(cidRaw)
	if err != nil {
		return Artifact{}, fmt.Errorf("%w: bad cid in index: %v", ErrIntegrity, err)
	}

	var meta map[string]string
	if metaJSON.Valid && metaJSON.String != "" {
		_ = json.Unmarshal([]byte(metaJSON.String), &meta)
	}

	a := Artifact{
		RID: rid, CID: cid, Format: format, Stage: stage, Size: size,
		Metadata: meta, CreatedAt: parseTime(createdAt), ValidFrom: parseTime(validFrom),
	}
	if validTo.Valid {
		t := parseTime(validTo.String)
		a.ValidTo = &t
	}
	return a, nil
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

// ridLocks is a keyed mutex set guarding per-RID write serialization.
type ridLocks struct {
	mu sync.Mutex
	m  map[string]*ridLock
}

type ridLock struct {
	mu   sync.Mutex
	refs int
}

func (l *ridLocks) lock(key string) func() {
	l.mu.Lock()
	if l.m == nil {
		l.m = make(map[string]*ridLock)
	}
	entry, ok := l.m[key]
	if !ok {
		entry = &ridLock{}
		l.m[key] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.m, key)
		}
		l.mu.Unlock()
	}
}
