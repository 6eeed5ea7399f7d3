package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	assert.Equal(t, 1536, cfg.EmbeddingDimension)
	assert.Equal(t, 0.70, cfg.RetrieverThreshold)
	assert.Equal(t, 30*time.Second, cfg.ProposeDeadline)
	assert.Equal(t, 10, cfg.BreakerWindow)
	assert.Equal(t, "drop_oldest", cfg.NotifierOverflowPolicy)
	assert.NotEmpty(t, cfg.MandatoryTypes)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("RESOLVD_DATA_DIR", t.TempDir())
	t.Setenv("RESOLVD_LOG_LEVEL", "debug")
	t.Setenv("RESOLVD_EMBEDDING_DIMENSION", "8")
	t.Setenv("RESOLVD_PROPOSE_DEADLINE", "45s")
	t.Setenv("RESOLVD_COMPLETION_MODEL", "local-model")
	t.Setenv("RESOLVD_SANITIZER_MANDATORY_TYPES", "ApiKey, Password")
	t.Setenv("RESOLVD_RETRIEVER_WINDOW", "720h")
	t.Setenv("RESOLVD_AUDIT_SOFT_DEADLINE", "250ms")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 8, cfg.EmbeddingDimension)
	assert.Equal(t, 45*time.Second, cfg.ProposeDeadline)
	assert.Equal(t, "local-model", cfg.CompletionModel)
	assert.Equal(t, []string{"ApiKey", "Password"}, cfg.MandatoryTypes)
	assert.Equal(t, 720*time.Hour, cfg.RetrieverWindow)
	assert.Equal(t, 250*time.Millisecond, cfg.AuditSoftDeadline)
}

func TestLoadRejectsMalformedValues(t *testing.T) {
	t.Setenv("RESOLVD_EMBEDDING_DIMENSION", "not-a-number")
	_, err := Load()
	require.Error(t, err)

	t.Setenv("RESOLVD_EMBEDDING_DIMENSION", "")
	t.Setenv("RESOLVD_RETRIEVER_THRESHOLD", "1.5")
	_, err = Load()
	require.Error(t, err)

	t.Setenv("RESOLVD_RETRIEVER_THRESHOLD", "")
	t.Setenv("RESOLVD_NOTIFIER_OVERFLOW_POLICY", "panic")
	_, err = Load()
	require.Error(t, err)
}

func TestLoadProviders(t *testing.T) {
	t.Setenv("RESOLVD_PROVIDERS", "openai-primary, local-ollama")
	t.Setenv("RESOLVD_PROVIDER_OPENAI_PRIMARY_TYPE", "openai")
	t.Setenv("RESOLVD_PROVIDER_OPENAI_PRIMARY_API_KEY", "sk-test")
	t.Setenv("RESOLVD_PROVIDER_OPENAI_PRIMARY_CAPACITY", "25")
	t.Setenv("RESOLVD_PROVIDER_LOCAL_OLLAMA_TYPE", "openai-compatible")
	t.Setenv("RESOLVD_PROVIDER_LOCAL_OLLAMA_BASE_URL", "http://127.0.0.1:11434/v1")

	cfg, err := Load()
	require.NoError(t, err)
	require.Len(t, cfg.Providers, 2)

	primary := cfg.Providers[0]
	assert.Equal(t, "openai-primary", primary.ID)
	assert.Equal(t, "openai", primary.Type)
	assert.Equal(t, "sk-test", primary.APIKey)
	assert.Equal(t, 25.0, primary.Capacity)

	ollama := cfg.Providers[1]
	assert.Equal(t, "openai-compatible", ollama.Type)
	assert.Equal(t, "http://127.0.0.1:11434/v1", ollama.BaseURL)

	// Fallback order defaults to declaration order.
	assert.Equal(t, []string{"openai-primary", "local-ollama"}, cfg.FallbackOrder)
}
