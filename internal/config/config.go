// Package config loads resolvd configuration from the environment.
//
// Configuration comes from RESOLVD_* environment variables, optionally seeded
// from a .env file in the working directory or RESOLVD_DATA_DIR. Every knob
// has a default; a zero-config start is always valid.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// ProviderConfig configures one LLM provider entry in the pool.
type ProviderConfig struct {
	ID            string        // pool identity, e.g. "openai-primary"
	Type          string        // "openai" (OpenAI-compatible HTTP) or "static"
	BaseURL       string        // transport endpoint, empty for the default
	APIKey        string        // bearer credential, never logged
	Models        []string      // completion models served by this provider
	EmbedModels   []string      // embedding models served by this provider
	Capacity      float64       // token bucket capacity
	RefillRate    float64       // tokens per second
	MaxConcurrent int           // concurrent in-flight calls
	Timeout       time.Duration // per-call timeout
}

// Config holds all resolution core configuration.
type Config struct {
	DataDir string
	Actor   string // default actor identity for audit events

	// Logging
	LogLevel  string
	LogFormat string

	// Embedding
	EmbeddingDimension int
	EmbeddingModel     string
	EmbeddingCacheTTL  time.Duration
	EmbeddingCacheMax  int64 // byte budget for the embedding cache

	// Retriever
	RetrieverKVector    int
	RetrieverKText      int
	RetrieverThreshold  float64
	RetrieverMinSources int
	RetrieverLimit      int
	RetrieverWindow     time.Duration // 0 = unbounded history

	// Dispatcher
	FallbackOrder  []string
	DedupTTL       time.Duration
	AcquireTimeout time.Duration

	// Circuit breaker
	BreakerWindow      int
	BreakerFailures    int
	BreakerRatio       float64
	BreakerCooldown    time.Duration
	BreakerCooldownMax time.Duration

	// Resolver
	ProposeDeadline time.Duration
	CompletionModel string
	MaxTokens       int

	// Sanitizer
	MandatoryTypes []string

	// Audit
	AuditRetention    map[string]time.Duration
	AuditSoftDeadline time.Duration

	// Notifier
	NotifierBufferSize     int
	NotifierOverflowPolicy string // "drop_oldest", "drop_newest", "block"
	NotifierGracePeriod    time.Duration

	Providers []ProviderConfig
}

// Defaults returns the baseline configuration.
func Defaults() Config {
	return Config{
		DataDir:   "/var/lib/resolvd",
		Actor:     "system",
		LogLevel:  "info",
		LogFormat: "json",

		EmbeddingDimension: 1536,
		EmbeddingModel:     "text-embedding-3-small",
		EmbeddingCacheTTL:  24 * time.Hour,
		EmbeddingCacheMax:  64 * 1024 * 1024,

		RetrieverKVector:    20,
		RetrieverKText:      20,
		RetrieverThreshold:  0.70,
		RetrieverMinSources: 2,
		RetrieverLimit:      5,

		DedupTTL:       60 * time.Second,
		AcquireTimeout: 2 * time.Second,

		BreakerWindow:      10,
		BreakerFailures:    5,
		BreakerRatio:       0.5,
		BreakerCooldown:    30 * time.Second,
		BreakerCooldownMax: 5 * time.Minute,

		ProposeDeadline: 30 * time.Second,
		CompletionModel: "gpt-4o-mini",
		MaxTokens:       2048,

		MandatoryTypes: []string{"ApiKey", "Password", "TaxId"},

		// Keys are audit event kinds; anything absent is kept forever.
		AuditRetention: map[string]time.Duration{
			"retrieval": 90 * 24 * time.Hour,
		},
		AuditSoftDeadline: 500 * time.Millisecond,

		NotifierBufferSize:     1024,
		NotifierOverflowPolicy: "drop_oldest",
		NotifierGracePeriod:    60 * time.Second,
	}
}

// Load builds the configuration from defaults overlaid with the environment.
func Load() (Config, error) {
	cfg := Defaults()

	// .env is optional; prefer the data dir copy when present
	if dir := os.Getenv("RESOLVD_DATA_DIR"); dir != "" {
		envFile := filepath.Join(dir, ".env")
		if err := godotenv.Load(envFile); err == nil {
			log.Debug().Str("path", envFile).Msg("Loaded environment file")
		}
	}
	if err := godotenv.Load(); err == nil {
		log.Debug().Msg("Loaded .env from working directory")
	}

	if v := os.Getenv("RESOLVD_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("RESOLVD_ACTOR"); v != "" {
		cfg.Actor = v
	}
	if v := os.Getenv("RESOLVD_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("RESOLVD_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}

	var err error
	if cfg.EmbeddingDimension, err = envInt("RESOLVD_EMBEDDING_DIMENSION", cfg.EmbeddingDimension); err != nil {
		return cfg, err
	}
	if v := os.Getenv("RESOLVD_EMBEDDING_MODEL"); v != "" {
		cfg.EmbeddingModel = v
	}
	if cfg.EmbeddingCacheTTL, err = envDuration("RESOLVD_EMBEDDING_CACHE_TTL", cfg.EmbeddingCacheTTL); err != nil {
		return cfg, err
	}
	if cfg.RetrieverKVector, err = envInt("RESOLVD_RETRIEVER_K_VECTOR", cfg.RetrieverKVector); err != nil {
		return cfg, err
	}
	if cfg.RetrieverKText, err = envInt("RESOLVD_RETRIEVER_K_TEXT", cfg.RetrieverKText); err != nil {
		return cfg, err
	}
	if cfg.RetrieverThreshold, err = envFloat("RESOLVD_RETRIEVER_THRESHOLD", cfg.RetrieverThreshold); err != nil {
		return cfg, err
	}
	if cfg.RetrieverThreshold < 0 || cfg.RetrieverThreshold > 1 {
		return cfg, fmt.Errorf("RESOLVD_RETRIEVER_THRESHOLD must be in [0,1], got %v", cfg.RetrieverThreshold)
	}
	if cfg.RetrieverMinSources, err = envInt("RESOLVD_RETRIEVER_MIN_SOURCES", cfg.RetrieverMinSources); err != nil {
		return cfg, err
	}
	if cfg.RetrieverLimit, err = envInt("RESOLVD_RETRIEVER_LIMIT", cfg.RetrieverLimit); err != nil {
		return cfg, err
	}
	if cfg.RetrieverWindow, err = envDuration("RESOLVD_RETRIEVER_WINDOW", cfg.RetrieverWindow); err != nil {
		return cfg, err
	}
	if cfg.DedupTTL, err = envDuration("RESOLVD_DISPATCHER_DEDUP_TTL", cfg.DedupTTL); err != nil {
		return cfg, err
	}
	if cfg.AcquireTimeout, err = envDuration("RESOLVD_DISPATCHER_ACQUIRE_TIMEOUT", cfg.AcquireTimeout); err != nil {
		return cfg, err
	}
	if cfg.BreakerFailures, err = envInt("RESOLVD_BREAKER_FAILURE_THRESHOLD", cfg.BreakerFailures); err != nil {
		return cfg, err
	}
	if cfg.BreakerCooldown, err = envDuration("RESOLVD_BREAKER_COOLDOWN", cfg.BreakerCooldown); err != nil {
		return cfg, err
	}
	if cfg.BreakerCooldownMax, err = envDuration("RESOLVD_BREAKER_COOLDOWN_MAX", cfg.BreakerCooldownMax); err != nil {
		return cfg, err
	}
	if cfg.ProposeDeadline, err = envDuration("RESOLVD_PROPOSE_DEADLINE", cfg.ProposeDeadline); err != nil {
		return cfg, err
	}
	if v := os.Getenv("RESOLVD_COMPLETION_MODEL"); v != "" {
		cfg.CompletionModel = v
	}
	if cfg.MaxTokens, err = envInt("RESOLVD_MAX_TOKENS", cfg.MaxTokens); err != nil {
		return cfg, err
	}
	if cfg.AuditSoftDeadline, err = envDuration("RESOLVD_AUDIT_SOFT_DEADLINE", cfg.AuditSoftDeadline); err != nil {
		return cfg, err
	}
	if cfg.NotifierBufferSize, err = envInt("RESOLVD_NOTIFIER_BUFFER_SIZE", cfg.NotifierBufferSize); err != nil {
		return cfg, err
	}
	if v := os.Getenv("RESOLVD_NOTIFIER_OVERFLOW_POLICY"); v != "" {
		switch strings.ToLower(v) {
		case "drop_oldest", "drop_newest", "block":
			cfg.NotifierOverflowPolicy = strings.ToLower(v)
		default:
			return cfg, fmt.Errorf("RESOLVD_NOTIFIER_OVERFLOW_POLICY must be drop_oldest, drop_newest or block, got %q", v)
		}
	}
	if v := os.Getenv("RESOLVD_SANITIZER_MANDATORY_TYPES"); v != "" {
		cfg.MandatoryTypes = splitList(v)
	}
	if v := os.Getenv("RESOLVD_DISPATCHER_FALLBACK_ORDER"); v != "" {
		cfg.FallbackOrder = splitList(v)
	}

	cfg.Providers = loadProviders()
	if len(cfg.FallbackOrder) == 0 {
		for _, p := range cfg.Providers {
			cfg.FallbackOrder = append(cfg.FallbackOrder, p.ID)
		}
	}

	return cfg, nil
}

// loadProviders reads provider entries from RESOLVD_PROVIDERS, a
// comma-separated list of ids; per-provider settings come from
// RESOLVD_PROVIDER_<ID>_* variables.
func loadProviders() []ProviderConfig {
	ids := splitList(os.Getenv("RESOLVD_PROVIDERS"))
	providers := make([]ProviderConfig, 0, len(ids))
	for _, id := range ids {
		key := strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(id))
		prefix := "RESOLVD_PROVIDER_" + key + "_"
		p := ProviderConfig{
			ID:            id,
			Type:          strings.ToLower(envOr(prefix+"TYPE", "openai")),
			BaseURL:       os.Getenv(prefix + "BASE_URL"),
			APIKey:        os.Getenv(prefix + "API_KEY"),
			Models:        splitList(os.Getenv(prefix + "MODELS")),
			EmbedModels:   splitList(os.Getenv(prefix + "EMBED_MODELS")),
			Capacity:      envFloatOr(prefix+"CAPACITY", 10),
			RefillRate:    envFloatOr(prefix+"REFILL_RATE", 1),
			MaxConcurrent: envIntOr(prefix+"MAX_CONCURRENT", 4),
			Timeout:       envDurationOr(prefix+"TIMEOUT", 60*time.Second),
		}
		providers = append(providers, p)
	}
	return providers
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func envIntOr(key string, fallback int) int {
	n, err := envInt(key, fallback)
	if err != nil {
		log.Warn().Str("key", key).Msg("Ignoring malformed integer environment value")
		return fallback
	}
	return n
}

func envFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback, fmt.Errorf("%s must be a number, got %q", key, v)
	}
	return f, nil
}

func envFloatOr(key string, fallback float64) float64 {
	f, err := envFloat(key, fallback)
	if err != nil {
		log.Warn().Str("key", key).Msg("Ignoring malformed numeric environment value")
		return fallback
	}
	return f
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback, fmt.Errorf("%s must be a duration, got %q", key, v)
	}
	return d, nil
}

func envDurationOr(key string, fallback time.Duration) time.Duration {
	d, err := envDuration(key, fallback)
	if err != nil {
		log.Warn().Str("key", key).Msg("Ignoring malformed duration environment value")
		return fallback
	}
	return d
}
