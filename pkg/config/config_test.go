package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "data", cfg.DataDir)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "regen", cfg.Namespace)
	assert.Equal(t, "local", cfg.EmbedProvider)
	assert.Equal(t, "gpt-4o", cfg.TextModel.High)
	assert.Equal(t, "gpt-4o-mini", cfg.TextModel.Low)
	assert.Equal(t, 10, cfg.MaxInFlight)
	assert.Equal(t, 10*time.Minute, cfg.DocTimeout)
	assert.Equal(t, 5.0, cfg.DailyBudget.Enrichment)
	assert.Equal(t, 500, cfg.Chunking.TargetTokens)
	assert.Equal(t, 100, cfg.Chunking.Overlap)
	assert.True(t, cfg.Enrich.SkipCode)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("KOI_DATA_DIR", "/var/lib/koi")
	t.Setenv("KOI_HTTP_ADDR", "127.0.0.1:9090")
	t.Setenv("KOI_EMBED_PROVIDER", "openai")
	t.Setenv("KOI_TEXT_MODEL", "gpt-5")
	t.Setenv("KOI_MAX_IN_FLIGHT", "3")
	t.Setenv("KOI_CTX_ENABLED", "false")
	t.Setenv("KOI_DATABASE_URL", "postgres://koi@localhost/koi")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/koi", cfg.DataDir)
	assert.Equal(t, "127.0.0.1:9090", cfg.HTTPAddr)
	assert.Equal(t, "openai", cfg.EmbedProvider)
	assert.Equal(t, "gpt-5", cfg.TextModel.High)
	assert.Equal(t, 3, cfg.MaxInFlight)
	assert.False(t, cfg.CtxEnabled)
	assert.Equal(t, "postgres://koi@localhost/koi", cfg.DatabaseURL)
}

func TestLoad_DailyBudgetCapsAllCategories(t *testing.T) {
	t.Setenv("KOI_DAILY_BUDGET", "2.5")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 2.5, cfg.DailyBudget.Enrichment)
	assert.Equal(t, 2.5, cfg.DailyBudget.Embedding)
	assert.Equal(t, 2.5, cfg.DailyBudget.Extraction)
}

func TestLoad_YAMLProfile(t *testing.T) {
	profile := filepath.Join(t.TempDir(), "profile.yaml")
	require.NoError(t, os.WriteFile(profile, []byte(`
dataDir: /srv/koi
namespace: farmos
dailyBudget:
  enrichment: 1
  embedding: 0.5
  extraction: 1
chunking:
  targetTokens: 200
  overlap: 20
`), 0o600))
	t.Setenv("KOI_CONFIG", profile)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "/srv/koi", cfg.DataDir)
	assert.Equal(t, "farmos", cfg.Namespace)
	assert.Equal(t, 0.5, cfg.DailyBudget.Embedding)
	assert.Equal(t, 200, cfg.Chunking.TargetTokens)
	// Untouched keys keep defaults.
	assert.Equal(t, ":8080", cfg.HTTPAddr)
}

func TestLoad_EnvWinsOverProfile(t *testing.T) {
	profile := filepath.Join(t.TempDir(), "profile.yaml")
	require.NoError(t, os.WriteFile(profile, []byte("dataDir: /srv/koi\n"), 0o600))
	t.Setenv("KOI_CONFIG", profile)
	t.Setenv("KOI_DATA_DIR", "/env/koi")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "/env/koi", cfg.DataDir)
}

func TestLoad_MissingProfile(t *testing.T) {
	t.Setenv("KOI_CONFIG", filepath.Join(t.TempDir(), "nope.yaml"))
	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_InvalidValues(t *testing.T) {
	t.Run("bad bool", func(t *testing.T) {
		t.Setenv("KOI_CTX_ENABLED", "maybe")
		_, err := Load()
		assert.Error(t, err)
	})
	t.Run("bad int", func(t *testing.T) {
		t.Setenv("KOI_MAX_IN_FLIGHT", "ten")
		_, err := Load()
		assert.Error(t, err)
	})
	t.Run("zero in-flight", func(t *testing.T) {
		t.Setenv("KOI_MAX_IN_FLIGHT", "0")
		_, err := Load()
		assert.Error(t, err)
	})
	t.Run("overlap above target", func(t *testing.T) {
		profile := filepath.Join(t.TempDir(), "profile.yaml")
		require.NoError(t, os.WriteFile(profile, []byte("chunking: {targetTokens: 50, overlap: 60}\n"), 0o600))
		t.Setenv("KOI_CONFIG", profile)
		_, err := Load()
		assert.Error(t, err)
	})
}
