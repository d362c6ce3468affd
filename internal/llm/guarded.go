package llm

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/travelroboto/trip-ingest/internal/model"
	"github.com/travelroboto/trip-ingest/internal/resilience"
)

// GuardConfig bounds every call made through a Guarded completer.
type GuardConfig struct {
	// Timeout is the hard deadline for one Complete call, retries included.
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
	Retry             resilience.RetryConfig
	Breaker           resilience.CircuitBreakerConfig
}

// DefaultGuardConfig returns the production limits.
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		Timeout:           20 * time.Second,
		RequestsPerSecond: 5,
		Burst:             5,
		Retry:             resilience.DefaultRetryConfig(),
	}
}

// Guarded wraps a Completer with a rate limiter, transient retries, a
// circuit breaker and a deadline. A call that runs out of time returns an
// error wrapping model.ErrClassificationTimeout.
type Guarded struct {
	next    Completer
	timeout time.Duration
	limiter *rate.Limiter
	breaker *resilience.CircuitBreaker
	retry   resilience.RetryConfig
}

// NewGuarded wraps next.
func NewGuarded(next Completer, cfg GuardConfig) *Guarded {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	breakerCfg := cfg.Breaker
	if breakerCfg.ShouldTrip == nil {
		breakerCfg.ShouldTrip = resilience.IsTransient
	}
	if breakerCfg.OnStateChange == nil {
		breakerCfg.OnStateChange = func(from, to resilience.CircuitState) {
			zap.L().Warn("llm: circuit breaker state change",
				zap.Stringer("from", from), zap.Stringer("to", to))
		}
	}
	return &Guarded{
		next:    next,
		timeout: cfg.Timeout,
		limiter: rate.NewLimiter(limit, cfg.Burst),
		breaker: resilience.NewCircuitBreaker(breakerCfg),
		retry:   cfg.Retry,
	}
}

// Complete implements Completer.
func (g *Guarded) Complete(ctx context.Context, req Request) (string, error) {
	tctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	retry := g.retry
	if retry.OnRetry == nil {
		retry.OnRetry = resilience.RetryLogger("llm", req.Capability)
	}

	text, err := resilience.DoVal(tctx, retry, func(ctx context.Context) (string, error) {
		if err := g.limiter.Wait(ctx); err != nil {
			return "", eris.Wrap(err, "llm: rate limit wait")
		}
		return resilience.ExecuteVal(ctx, g.breaker, func(ctx context.Context) (string, error) {
			return g.next.Complete(ctx, req)
		})
	})
	if err == nil {
		return text, nil
	}
	if ctx.Err() == nil && errors.Is(tctx.Err(), context.DeadlineExceeded) {
		return "", eris.Wrapf(model.ErrClassificationTimeout, "llm: %s exceeded %s", req.Capability, g.timeout)
	}
	return "", err
}

// BreakerState exposes the provider circuit state for health reporting.
func (g *Guarded) BreakerState() resilience.CircuitState {
	return g.breaker.State()
}
