package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint:errcheck
	return dir
}

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml is found
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "trip-ingest.db", cfg.Store.DatabaseURL)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "anthropic", cfg.LLM.Provider)
	assert.Equal(t, 20*time.Second, cfg.LLM.Timeout())
	assert.InDelta(t, 5.0, cfg.LLM.RequestsPerSecond, 0.001)
	assert.InDelta(t, 0.6, cfg.Matching.DestinationWeight, 0.001)
	assert.InDelta(t, 0.4, cfg.Matching.DateWeight, 0.001)
	assert.InDelta(t, 0.55, cfg.Matching.AcceptanceThreshold, 0.001)
	assert.InDelta(t, 0.9, cfg.Classifier.JudgeThreshold, 0.001)
	assert.Equal(t, 72, cfg.Confirmation.TimeoutHours)
	assert.InDelta(t, 0.7, cfg.Confirmation.IntentThreshold, 0.001)
	assert.Equal(t, 3, cfg.Confirmation.MaxVersionRetries)
	assert.Equal(t, 4, cfg.Ingest.MaxConcurrentDocuments)
	assert.Equal(t, "trip:confirmations", cfg.Redis.ConfirmationChannel)
	assert.Equal(t, "trip:replies", cfg.Redis.ReplyChannel)
	assert.False(t, cfg.Redis.Enabled())
	assert.Equal(t, []string{"*"}, cfg.Server.AllowedOrigins)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: postgres
  database_url: postgres://localhost/trips
log:
  level: debug
  format: console
redis:
  addr: localhost:6379
matching:
  acceptance_threshold: 0.7
policy:
  path: policy.yaml
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "postgres://localhost/trips", cfg.Store.DatabaseURL)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.True(t, cfg.Redis.Enabled())
	assert.InDelta(t, 0.7, cfg.Matching.AcceptanceThreshold, 0.001)
	assert.Equal(t, "policy.yaml", cfg.Policy.Path)
	// Defaults still apply for unset values
	assert.InDelta(t, 0.6, cfg.Matching.DestinationWeight, 0.001)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("TRIPINGEST_STORE_DRIVER", "postgres")
	t.Setenv("TRIPINGEST_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	// Env overrides file
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	chdirTemp(t)

	t.Setenv("TRIPINGEST_SERVER_PORT", "3000")
	t.Setenv("TRIPINGEST_CONFIRMATION_TIMEOUT_HOURS", "24")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, 24, cfg.Confirmation.TimeoutHours)
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

// validDefaults returns a Config with all defaults populated for validation tests.
func validDefaults() *Config {
	cfg := &Config{}
	cfg.Store.Driver = "sqlite"
	cfg.Store.DatabaseURL = "trips.db"
	cfg.LLM.Provider = "anthropic"
	cfg.LLM.TimeoutSecs = 20
	cfg.Anthropic.Key = "sk-ant-key"
	cfg.Matching = MatchingConfig{DestinationWeight: 0.6, DateWeight: 0.4, AcceptanceThreshold: 0.55}
	cfg.Classifier.JudgeThreshold = 0.9
	cfg.Confirmation.TimeoutHours = 72
	cfg.Confirmation.IntentThreshold = 0.7
	cfg.Ingest.MaxConcurrentDocuments = 4
	cfg.Server.Port = 8080
	return cfg
}

func TestValidate_AllModes(t *testing.T) {
	for _, mode := range []string{"serve", "ingest", "reply", "store"} {
		assert.NoError(t, validDefaults().Validate(mode), mode)
	}
}

func TestValidateUnknownMode(t *testing.T) {
	err := validDefaults().Validate("unknown")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}

func TestValidate_MissingKeys(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.DatabaseURL = ""
	cfg.Anthropic.Key = ""

	err := cfg.Validate("ingest")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "store.database_url is required")
	assert.Contains(t, err.Error(), "anthropic.key is required")

	// The store mode needs no model provider.
	cfg.Store.DatabaseURL = "trips.db"
	assert.NoError(t, cfg.Validate("store"))
}

func TestValidate_OpenAIProvider(t *testing.T) {
	cfg := validDefaults()
	cfg.LLM.Provider = "openai"

	err := cfg.Validate("serve")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "openai.key")

	cfg.OpenAI.BaseURL = "http://localhost:11434/v1"
	assert.NoError(t, cfg.Validate("serve"))

	cfg.LLM.Provider = "gemini"
	err = cfg.Validate("serve")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "llm.provider")
}

func TestValidateServe_InvalidPort(t *testing.T) {
	cfg := validDefaults()
	cfg.Server.Port = 0

	err := cfg.Validate("serve")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "server.port must be > 0")
	assert.NoError(t, cfg.Validate("ingest"))
}

func TestValidateThresholds(t *testing.T) {
	cfg := validDefaults()
	cfg.Matching.AcceptanceThreshold = 1.2
	err := cfg.Validate("serve")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "matching.acceptance_threshold")

	cfg = validDefaults()
	cfg.Classifier.JudgeThreshold = -0.1
	err = cfg.Validate("serve")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "classifier.judge_threshold")

	cfg = validDefaults()
	cfg.Matching.DestinationWeight = 0
	cfg.Matching.DateWeight = 0
	err = cfg.Validate("serve")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "matching weights")
}

func TestValidateConcurrencyBounds(t *testing.T) {
	cfg := validDefaults()

	cfg.Ingest.MaxConcurrentDocuments = 0
	err := cfg.Validate("serve")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "max_concurrent_documents must be between 1 and 64")

	cfg.Ingest.MaxConcurrentDocuments = 64
	assert.NoError(t, cfg.Validate("serve"))

	cfg.Ingest.ClaimTTLSecs = -1
	err = cfg.Validate("serve")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "claim_ttl_secs must not be negative")
}
