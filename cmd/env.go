package main

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/travelroboto/trip-ingest/internal/agents"
	"github.com/travelroboto/trip-ingest/internal/classifier"
	"github.com/travelroboto/trip-ingest/internal/config"
	"github.com/travelroboto/trip-ingest/internal/coordinator"
	"github.com/travelroboto/trip-ingest/internal/ingest"
	"github.com/travelroboto/trip-ingest/internal/llm"
	"github.com/travelroboto/trip-ingest/internal/matcher"
	"github.com/travelroboto/trip-ingest/internal/notify"
	"github.com/travelroboto/trip-ingest/internal/policy"
	"github.com/travelroboto/trip-ingest/internal/resilience"
	"github.com/travelroboto/trip-ingest/internal/store"
)

// appEnv holds the store, the model-backed agents and the orchestrators the
// serve/ingest/reply commands share.
type appEnv struct {
	Store       store.Store
	Coordinator *coordinator.Coordinator
	Pipeline    *ingest.Pipeline
	Redis       *redis.Client // nil when no bus is configured
}

// Close releases resources held by the environment.
func (e *appEnv) Close() {
	if e.Redis != nil {
		_ = e.Redis.Close()
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initEnv validates config for mode, opens the store and wires the
// pipeline. Callers should defer env.Close().
func initEnv(ctx context.Context, mode string) (*appEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	pol := policy.Default()
	if cfg.Policy.Path != "" {
		p, err := policy.Load(cfg.Policy.Path)
		if err != nil {
			return nil, err
		}
		pol = p
		zap.L().Info("field policy loaded", zap.String("path", cfg.Policy.Path), zap.Int("fields", len(pol.Fields)))
	}

	completer, err := llm.NewCompleter(llm.ProviderConfig{
		Provider: cfg.LLM.Provider,
		APIKey:   providerKey(cfg),
		BaseURL:  cfg.OpenAI.BaseURL,
	})
	if err != nil {
		return nil, err
	}
	guarded := llm.NewGuarded(completer, guardConfig(cfg.LLM))

	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}
	env := &appEnv{Store: st}

	var notifier coordinator.Notifier = notify.LogNotifier{}
	if cfg.Redis.Enabled() {
		env.Redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := env.Redis.Ping(ctx).Err(); err != nil {
			env.Close()
			return nil, eris.Wrapf(err, "redis: ping %s", cfg.Redis.Addr)
		}
		notifier = notify.NewRedisNotifier(env.Redis, cfg.Redis.ConfirmationChannel)
		zap.L().Info("redis notification bus enabled", zap.String("addr", cfg.Redis.Addr))
	} else {
		zap.L().Debug("TRIPINGEST_REDIS_ADDR not set, confirmations are only logged")
	}

	extractModel, judgeModel := models(cfg)
	judge := agents.NewJudge(guarded, agents.ModelConfig{Model: judgeModel},
		time.Duration(cfg.Classifier.JudgeCacheTTLSecs)*time.Second)
	intents := agents.NewIntentClassifier(guarded, agents.ModelConfig{Model: judgeModel})
	extractor := agents.NewExtractor(guarded, agents.ModelConfig{Model: extractModel, MaxTokens: cfg.LLM.MaxTokens})

	cls := classifier.New(judge, classifier.Config{JudgeThreshold: cfg.Classifier.JudgeThreshold})
	env.Coordinator = coordinator.New(st, cls, intents, notifier, pol, coordinatorConfig(cfg.Confirmation))

	m := matcher.New(st, matcher.Config{
		DestinationWeight:   cfg.Matching.DestinationWeight,
		DateWeight:          cfg.Matching.DateWeight,
		AcceptanceThreshold: cfg.Matching.AcceptanceThreshold,
	})
	env.Pipeline = ingest.New(st, extractor, m, env.Coordinator, ingest.Config{
		MaxConcurrentDocuments: cfg.Ingest.MaxConcurrentDocuments,
		ClaimTTL:               time.Duration(cfg.Ingest.ClaimTTLSecs) * time.Second,
	})
	env.Coordinator.SetClarificationSink(env.Pipeline)

	return env, nil
}

func providerKey(c *config.Config) string {
	if c.LLM.Provider == llm.ProviderOpenAI {
		return c.OpenAI.Key
	}
	return c.Anthropic.Key
}

// models returns the extraction and judging models for the provider.
// OpenAI-compatible endpoints use one model for both.
func models(c *config.Config) (extract, judge string) {
	if c.LLM.Provider == llm.ProviderOpenAI {
		return c.OpenAI.Model, c.OpenAI.Model
	}
	return c.Anthropic.ExtractModel, c.Anthropic.JudgeModel
}

func guardConfig(c config.LLMConfig) llm.GuardConfig {
	g := llm.DefaultGuardConfig()
	if c.TimeoutSecs > 0 {
		g.Timeout = c.Timeout()
	}
	if c.RequestsPerSecond > 0 {
		g.RequestsPerSecond = c.RequestsPerSecond
	}
	if c.Burst > 0 {
		g.Burst = c.Burst
	}
	if c.RetryAttempts > 0 {
		g.Retry = resilience.DefaultRetryConfig()
		g.Retry.MaxAttempts = c.RetryAttempts
	}
	return g
}

func coordinatorConfig(c config.ConfirmationConfig) coordinator.Config {
	cc := coordinator.DefaultConfig()
	if c.TimeoutHours > 0 {
		cc.ConfirmationTimeout = time.Duration(c.TimeoutHours) * time.Hour
	}
	if c.IntentThreshold > 0 {
		cc.IntentThreshold = c.IntentThreshold
	}
	if c.MaxVersionRetries > 0 {
		cc.MaxVersionRetries = c.MaxVersionRetries
	}
	return cc
}
