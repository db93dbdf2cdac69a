// Package config loads the processor's runtime configuration from KOI_*
// environment variables, optionally layered over a YAML profile named by
// KOI_CONFIG.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Budgets are per-category daily USD caps.
type Budgets struct {
	Enrichment float64 `yaml:"enrichment"`
	Embedding  float64 `yaml:"embedding"`
	Extraction float64 `yaml:"extraction"`
}

// Models identifies the priority-routed text models.
type Models struct {
	High string `yaml:"high"`
	Low  string `yaml:"low"`
}

// Retry tunes the transient backoff policy.
type Retry struct {
	MaxAttempts int           `yaml:"maxAttempts"`
	Initial     time.Duration `yaml:"initial"`
	Cap         time.Duration `yaml:"cap"`
}

// Enrich tunes the enrichment eligibility heuristics.
type Enrich struct {
	SkipCode  bool `yaml:"skipCode"`
	MinTokens int  `yaml:"minTokens"`
}

// Chunking tunes the sliding window.
type Chunking struct {
	TargetTokens int `yaml:"targetTokens"`
	Overlap      int `yaml:"overlap"`
}

// Config is the closed set of recognized options.
type Config struct {
	DataDir       string        `yaml:"dataDir"`
	HTTPAddr      string        `yaml:"httpAddr"`
	Agent         string        `yaml:"agent"`
	Namespace     string        `yaml:"namespace"`
	EmbedProvider string        `yaml:"embedProvider"`
	EmbedModel    string        `yaml:"embedModel"`
	TextModel     Models        `yaml:"models"`
	CtxEnabled    bool          `yaml:"ctxEnabled"`
	DailyBudget   Budgets       `yaml:"dailyBudget"`
	MaxInFlight   int           `yaml:"maxInFlight"`
	ModelTimeout  time.Duration `yaml:"modelTimeout"`
	DocTimeout    time.Duration `yaml:"docTimeout"`
	Retry         Retry         `yaml:"retry"`
	Enrich        Enrich        `yaml:"enrich"`
	Chunking      Chunking      `yaml:"chunking"`

	// Optional backends.
	DatabaseURL string `yaml:"databaseURL"` // postgres receipt ledger
	RedisAddr   string `yaml:"redisAddr"`   // shared rate-limit state
	SigningKey  string `yaml:"signingKey"`  // hex ed25519 seed for receipt signing
}

// Default returns the documented defaults.
func Default() Config {
	return Config{
		DataDir:       "data",
		HTTPAddr:      ":8080",
		Agent:         "orn:regen.agent:processor",
		Namespace:     "regen",
		EmbedProvider: "local",
		EmbedModel:    "text-embedding-3-small",
		TextModel:     Models{High: "gpt-4o", Low: "gpt-4o-mini"},
		CtxEnabled:    true,
		DailyBudget:   Budgets{Enrichment: 5, Embedding: 5, Extraction: 5},
		MaxInFlight:   10,
		ModelTimeout:  30 * time.Second,
		DocTimeout:    10 * time.Minute,
		Retry:         Retry{MaxAttempts: 6, Initial: time.Second, Cap: 60 * time.Second},
		Enrich:        Enrich{SkipCode: true, MinTokens: 50},
		Chunking:      Chunking{TargetTokens: 500, Overlap: 100},
	}
}

// Load builds the configuration: defaults, then the YAML profile named by
// KOI_CONFIG (if any), then KOI_* environment overrides.
func Load() (Config, error) {
	cfg := Default()

	if path := os.Getenv("KOI_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read profile: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse profile: %w", err)
		}
	}

	cfg.DataDir = envString("KOI_DATA_DIR", cfg.DataDir)
	cfg.HTTPAddr = envString("KOI_HTTP_ADDR", cfg.HTTPAddr)
	cfg.EmbedProvider = envString("KOI_EMBED_PROVIDER", cfg.EmbedProvider)
	cfg.EmbedModel = envString("KOI_EMBED_MODEL", cfg.EmbedModel)
	cfg.TextModel.High = envString("KOI_TEXT_MODEL", cfg.TextModel.High)
	cfg.TextModel.Low = envString("KOI_TEXT_MODEL_LOW", cfg.TextModel.Low)
	cfg.DatabaseURL = envString("KOI_DATABASE_URL", cfg.DatabaseURL)
	cfg.RedisAddr = envString("KOI_REDIS_ADDR", cfg.RedisAddr)
	cfg.SigningKey = envString("KOI_SIGNING_KEY", cfg.SigningKey)

	var err error
	if cfg.CtxEnabled, err = envBool("KOI_CTX_ENABLED", cfg.CtxEnabled); err != nil {
		return Config{}, err
	}
	if cfg.MaxInFlight, err = envInt("KOI_MAX_IN_FLIGHT", cfg.MaxInFlight); err != nil {
		return Config{}, err
	}
	budget, err := envFloat("KOI_DAILY_BUDGET", -1)
	if err != nil {
		return Config{}, err
	}
	if budget >= 0 {
		// The single env knob caps every category.
		cfg.DailyBudget = Budgets{Enrichment: budget, Embedding: budget, Extraction: budget}
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("config: data dir must not be empty")
	}
	if c.MaxInFlight <= 0 {
		return fmt.Errorf("config: maxInFlight must be positive, got %d", c.MaxInFlight)
	}
	if c.Chunking.Overlap >= c.Chunking.TargetTokens {
		return fmt.Errorf("config: chunk overlap %d must be below target %d", c.Chunking.Overlap, c.Chunking.TargetTokens)
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("config: retry maxAttempts must be positive")
	}
	return nil
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("config: %s: %w", key, err)
	}
	return b, nil
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return n, nil
}

func envFloat(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return f, nil
}
