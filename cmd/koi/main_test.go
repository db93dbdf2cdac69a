package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/regen-network/koi-processor/pkg/entities"
	"github.com/regen-network/koi-processor/pkg/identity"
	"github.com/regen-network/koi-processor/pkg/ingest"
	"github.com/regen-network/koi-processor/pkg/model"
	"github.com/regen-network/koi-processor/pkg/scheduler"
	"github.com/regen-network/koi-processor/pkg/store"
)

func run(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := Run(append([]string{"koi"}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestRun_Usage(t *testing.T) {
	code, out, _ := run()
	assert.Equal(t, exitValidation, code)
	assert.Contains(t, out, "USAGE")

	code, out, _ = run("help")
	assert.Equal(t, exitOK, code)
	assert.Contains(t, out, "ingest")

	code, _, errOut := run("frobnicate")
	assert.Equal(t, exitValidation, code)
	assert.Contains(t, errOut, "Unknown command")
}

func TestRun_IngestValidation(t *testing.T) {
	code, _, errOut := run("ingest")
	assert.Equal(t, exitValidation, code)
	assert.Contains(t, errOut, "--source")

	code, _, _ = run("ingest", "nope.txt")
	assert.Equal(t, exitValidation, code)
}

func TestRun_LocalRoundTrip(t *testing.T) {
	dataDir := t.TempDir()
	t.Setenv("KOI_DATA_DIR", dataDir)
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("KOI_MODEL_BASE_URL", "")

	file := filepath.Join(t.TempDir(), "note.txt")
	require.NoError(t, os.WriteFile(file, []byte("Regen Network anchors carbon credits.\n"), 0o600))

	code, out, errOut := run("ingest", file, "--source", "orn:regen.source:notion/pageA", "--id", "note-1")
	require.Equal(t, exitOK, code, errOut)
	assert.Contains(t, out, "status:   new")
	assert.Contains(t, out, "rid:      orn:regen.raw:note-1")

	code, out, errOut = run("resolve", "orn:regen.raw:note-1")
	require.Equal(t, exitOK, code, errOut)
	assert.Contains(t, out, "stage:  raw")

	code, out, errOut = run("provenance", "orn:regen.raw:note-1")
	require.Equal(t, exitOK, code, errOut)
	assert.Contains(t, out, "normalize")

	code, out, errOut = run("report")
	require.Equal(t, exitOK, code, errOut)
	assert.Contains(t, out, "transform")

	// Re-ingesting the same file is a duplicate, not a new chain.
	code, out, errOut = run("ingest", file, "--source", "orn:regen.source:notion/pageA", "--id", "note-1")
	require.Equal(t, exitOK, code, errOut)
	assert.Contains(t, out, "status:   duplicate")

	code, out, errOut = run("forget", "orn:regen.raw:note-1")
	require.Equal(t, exitOK, code, errOut)
	assert.Contains(t, out, "forgotten")

	code, _, errOut = run("resolve", "orn:regen.raw:note-1")
	assert.Equal(t, exitValidation, code)
	assert.Contains(t, errOut, "not found")
}

func TestRun_OntologyRegister(t *testing.T) {
	t.Setenv("KOI_DATA_DIR", t.TempDir())

	file := filepath.Join(t.TempDir(), "unified.ttl")
	require.NoError(t, os.WriteFile(file, []byte("@prefix regen: <https://regen.network/> .\n"), 0o600))

	code, _, errOut := run("ontology", file)
	assert.Equal(t, exitValidation, code)
	assert.Contains(t, errOut, "--rid")

	code, out, errOut := run("ontology", file, "--rid", "orn:regen.ontology:unified", "--version", "1.0.0")
	require.Equal(t, exitOK, code, errOut)
	assert.Contains(t, out, "registered: orn:regen.ontology:unified 1.0.0")

	// Re-registering the same version is rejected as stale.
	code, _, errOut = run("ontology", file, "--rid", "orn:regen.ontology:unified", "--version", "1.0.0")
	assert.Equal(t, exitValidation, code)
	assert.Contains(t, errOut, "not newer")

	code, _, _ = run("ontology", file, "--rid", "orn:regen.ontology:unified", "--version", "not-semver")
	assert.Equal(t, exitValidation, code)

	// A newer version supersedes.
	code, out, errOut = run("ontology", file, "--rid", "orn:regen.ontology:unified", "--version", "1.1.0")
	require.Equal(t, exitOK, code, errOut)
	assert.Contains(t, out, "1.1.0")
}

func TestRun_ResolveNotFound(t *testing.T) {
	t.Setenv("KOI_DATA_DIR", t.TempDir())
	code, _, errOut := run("resolve", "orn:regen.raw:missing")
	assert.Equal(t, exitValidation, code)
	assert.Contains(t, errOut, "not found")
}

func TestRun_ProvenanceBadRID(t *testing.T) {
	code, _, _ := run("provenance", "not-a-rid")
	assert.Equal(t, exitValidation, code)
}

func TestExitCode(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{nil, exitOK},
		{ingest.ErrEmptyContent, exitValidation},
		{fmt.Errorf("wrap: %w", identity.ErrMalformedRID), exitValidation},
		{entities.ErrStaleOntology, exitValidation},
		{entities.ErrInvalidVersion, exitValidation},
		{scheduler.ErrBudgetExceeded, exitBudget},
		{store.ErrBackendUnavailable, exitUnavailable},
		{model.ErrRateLimited, exitUnavailable},
		{errors.New("anything else"), exitError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, exitCode(tc.err))
	}
}
