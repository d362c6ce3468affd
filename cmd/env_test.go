package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/travelroboto/trip-ingest/internal/config"
)

func TestGuardConfig(t *testing.T) {
	g := guardConfig(config.LLMConfig{TimeoutSecs: 5, RequestsPerSecond: 2, Burst: 3, RetryAttempts: 4})
	assert.Equal(t, 5*time.Second, g.Timeout)
	assert.InDelta(t, 2.0, g.RequestsPerSecond, 0.001)
	assert.Equal(t, 3, g.Burst)
	assert.Equal(t, 4, g.Retry.MaxAttempts)

	def := guardConfig(config.LLMConfig{})
	assert.Equal(t, 20*time.Second, def.Timeout)
}

func TestCoordinatorConfig(t *testing.T) {
	c := coordinatorConfig(config.ConfirmationConfig{TimeoutHours: 24, IntentThreshold: 0.8, MaxVersionRetries: 5})
	assert.Equal(t, 24*time.Hour, c.ConfirmationTimeout)
	assert.InDelta(t, 0.8, c.IntentThreshold, 0.001)
	assert.Equal(t, 5, c.MaxVersionRetries)

	def := coordinatorConfig(config.ConfirmationConfig{})
	assert.Equal(t, 72*time.Hour, def.ConfirmationTimeout)
}

func TestModelsAndKeys(t *testing.T) {
	c := &config.Config{
		Anthropic: config.AnthropicConfig{Key: "ant", ExtractModel: "big", JudgeModel: "small"},
		OpenAI:    config.OpenAIConfig{Key: "oai", Model: "gpt"},
	}
	extract, judge := models(c)
	assert.Equal(t, "big", extract)
	assert.Equal(t, "small", judge)
	assert.Equal(t, "ant", providerKey(c))

	c.LLM.Provider = "openai"
	extract, judge = models(c)
	assert.Equal(t, "gpt", extract)
	assert.Equal(t, "gpt", judge)
	assert.Equal(t, "oai", providerKey(c))
}
