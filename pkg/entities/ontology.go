package entities

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/regen-network/koi-processor/pkg/identity"
)

var (
	ErrNoOntology     = errors.New("no ontology registered")
	ErrStaleOntology  = errors.New("ontology version not newer than current")
	ErrInvalidVersion = errors.New("invalid ontology version")
)

// Ontology is a versioned extraction vocabulary. The ontology bytes live in
// the artifact store; this registry only tracks RID, version, and CID.
// Superseded versions stay registered.
type Ontology struct {
	RID          identity.RID
	Version      *semver.Version
	CID          identity.CID
	RegisteredAt time.Time
}

// RegisterOntology records a new ontology version. The version must parse as
// semver and be strictly newer than every registered version.
func (s *Store) RegisterOntology(ctx context.Context, rid identity.RID, version string, cid identity.CID) error {
	v, err := semver.NewVersion(version)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidVersion, version, err)
	}

	cur, err := s.CurrentOntology(ctx)
	if err != nil && !errors.Is(err, ErrNoOntology) {
		return err
	}
	if err == nil && !v.GreaterThan(cur.Version) {
		return fmt.Errorf("%w: %s <= %s", ErrStaleOntology, v, cur.Version)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO ontologies (rid, version, cid, registered_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (rid) DO UPDATE SET version = excluded.version, cid = excluded.cid, registered_at = excluded.registered_at`,
		rid.String(), v.String(), cid.String(), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("entities: register ontology: %w", err)
	}
	return nil
}

// CurrentOntology returns the highest registered version.
func (s *Store) CurrentOntology(ctx context.Context) (Ontology, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT rid, version, cid, registered_at FROM ontologies`)
	if err != nil {
		return Ontology{}, fmt.Errorf("entities: query ontologies: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var best *Ontology
	for rows.Next() {
		var ridRaw, verRaw, cidRaw, regRaw string
		if err := rows.Scan(&ridRaw, &verRaw, &cidRaw, &regRaw); err != nil {
			return Ontology{}, fmt.Errorf("entities: scan ontology: %w", err)
		}
		rid, err := identity.ParseRID(ridRaw)
		if err != nil {
			return Ontology{}, fmt.Errorf("entities: bad ontology rid: %w", err)
		}
		cid, err := identity.ParseCID(cidRaw)
		if err != nil {
			return Ontology{}, fmt.Errorf("entities: bad ontology cid: %w", err)
		}
		v, err := semver.NewVersion(verRaw)
		if err != nil {
			return Ontology{}, fmt.Errorf("%w: stored %q", ErrInvalidVersion, verRaw)
		}
		o := Ontology{RID: rid, Version: v, CID: cid}
		if t, perr := time.Parse(time.RFC3339Nano, regRaw); perr == nil {
			o.RegisteredAt = t
		}
		if best == nil || v.GreaterThan(best.Version) {
			best = &o
		}
	}
	if err := rows.Err(); err != nil {
		return Ontology{}, err
	}
	if best == nil {
		return Ontology{}, ErrNoOntology
	}
	return *best, nil
}
