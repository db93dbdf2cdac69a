package entities

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/regen-network/koi-processor/pkg/identity"
)

func rid(t *testing.T, raw string) identity.RID {
	t.Helper()
	r, err := identity.ParseRID(raw)
	require.NoError(t, err)
	return r
}

func TestRecordAndGet(t *testing.T) {
	s, err := OpenInMemory()
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	e := Entity{
		RID:               rid(t, "orn:regen.concept:carbon-credit"),
		Kind:              KindConcept,
		Name:              "Carbon Credit",
		Aliases:           []string{"carbon offset"},
		Importance:        0.9,
		WasExtractedUsing: rid(t, "orn:regen.ontology:unified"),
	}
	require.NoError(t, s.Record(ctx, e, rid(t, "orn:regen.markdown:notion/pageA")))

	got, err := s.Get(ctx, e.RID)
	require.NoError(t, err)
	assert.Equal(t, KindConcept, got.Kind)
	assert.Equal(t, "Carbon Credit", got.Name)
	assert.Equal(t, []string{"carbon offset"}, got.Aliases)
	assert.Equal(t, "orn:regen.ontology:unified", got.WasExtractedUsing.String())
	assert.False(t, got.ExtractedAt.IsZero())
}

func TestGet_NotFound(t *testing.T) {
	s, err := OpenInMemory()
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Get(context.Background(), rid(t, "orn:regen.concept:missing"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReextractionKeepsFirstSeen(t *testing.T) {
	s, err := OpenInMemory()
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	entityRID := rid(t, "orn:regen.org:regen-network")
	artifact := rid(t, "orn:regen.markdown:notion/pageA")
	ontology := rid(t, "orn:regen.ontology:unified")

	early := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.Record(ctx, Entity{
		RID: entityRID, Kind: KindOrganization, Name: "Regen Network",
		WasExtractedUsing: ontology, ExtractedAt: early,
	}, artifact))

	later := early.Add(48 * time.Hour)
	require.NoError(t, s.Record(ctx, Entity{
		RID: entityRID, Kind: KindOrganization, Name: "Regen Network Inc",
		Importance: 0.7, WasExtractedUsing: ontology, ExtractedAt: later,
	}, artifact))

	got, err := s.Get(ctx, entityRID)
	require.NoError(t, err)
	assert.Equal(t, "Regen Network Inc", got.Name)
	assert.True(t, got.FirstSeen.Equal(early))
	assert.True(t, got.ExtractedAt.Equal(later))
}

func TestOfAndMentioning(t *testing.T) {
	s, err := OpenInMemory()
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	ontology := rid(t, "orn:regen.ontology:unified")
	pageA := rid(t, "orn:regen.markdown:notion/pageA")
	pageB := rid(t, "orn:regen.markdown:notion/pageB")
	org := rid(t, "orn:regen.org:regen-network")
	concept := rid(t, "orn:regen.concept:carbon-credit")

	require.NoError(t, s.Record(ctx, Entity{RID: org, Kind: KindOrganization, Name: "Regen Network", WasExtractedUsing: ontology}, pageA))
	require.NoError(t, s.Record(ctx, Entity{RID: concept, Kind: KindConcept, Name: "Carbon Credit", WasExtractedUsing: ontology}, pageA))
	require.NoError(t, s.Record(ctx, Entity{RID: org, Kind: KindOrganization, Name: "Regen Network", WasExtractedUsing: ontology}, pageB))

	ofA, err := s.Of(ctx, pageA)
	require.NoError(t, err)
	require.Len(t, ofA, 2)
	assert.Equal(t, concept.String(), ofA[0].RID.String())
	assert.Equal(t, org.String(), ofA[1].RID.String())

	mentions, err := s.Mentioning(ctx, org, 10)
	require.NoError(t, err)
	require.Len(t, mentions, 2)

	mentions, err = s.Mentioning(ctx, org, 1)
	require.NoError(t, err)
	assert.Len(t, mentions, 1)
}

func TestOntologyRegistry(t *testing.T) {
	s, err := OpenInMemory()
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	_, err = s.CurrentOntology(ctx)
	assert.ErrorIs(t, err, ErrNoOntology)

	ontRID := rid(t, "orn:regen.ontology:unified")
	cid1 := identity.HashCID([]byte("ontology v1"))
	require.NoError(t, s.RegisterOntology(ctx, ontRID, "1.0.0", cid1))

	cur, err := s.CurrentOntology(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", cur.Version.String())
	assert.True(t, cid1.Equal(cur.CID))

	// Equal or older versions are rejected.
	err = s.RegisterOntology(ctx, ontRID, "1.0.0", cid1)
	assert.ErrorIs(t, err, ErrStaleOntology)
	err = s.RegisterOntology(ctx, ontRID, "0.9.0", cid1)
	assert.ErrorIs(t, err, ErrStaleOntology)
	err = s.RegisterOntology(ctx, ontRID, "not-a-version", cid1)
	assert.ErrorIs(t, err, ErrInvalidVersion)

	cid2 := identity.HashCID([]byte("ontology v2"))
	require.NoError(t, s.RegisterOntology(ctx, ontRID, "1.1.0", cid2))
	cur, err = s.CurrentOntology(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1.1.0", cur.Version.String())
	assert.True(t, cid2.Equal(cur.CID))
}
