package health

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/miradorstack/mirador-rollout/internal/config"
	"github.com/miradorstack/mirador-rollout/internal/metrics"
	"github.com/miradorstack/mirador-rollout/internal/models"
)

// Checker fetches the health document of the inference service.
type Checker interface {
	Health(ctx context.Context) (models.HealthStatus, error)
}

// SleepFunc blocks for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Policy bounds the polling loop.
type Policy struct {
	Interval       time.Duration
	MaxWait        time.Duration
	RequestTimeout time.Duration
}

// PolicyFromConfig converts the health configuration.
func PolicyFromConfig(cfg config.HealthConfig) Policy {
	return Policy{Interval: cfg.Interval, MaxWait: cfg.MaxWait, RequestTimeout: cfg.RequestTimeout}
}

// MaxAttempts is max(1, MaxWait/Interval).
func (p Policy) MaxAttempts() int {
	if p.Interval <= 0 {
		return 1
	}
	n := int(p.MaxWait / p.Interval)
	if n < 1 {
		return 1
	}
	return n
}

// Gate polls the inference service until it reports ready or the policy is exhausted.
type Gate struct {
	checker Checker
	policy  Policy
	sleep   SleepFunc
	now     func() time.Time
	logger  *slog.Logger
}

// Option customises a Gate.
type Option func(*Gate)

// WithSleep replaces the cancellable sleep, mainly for tests.
func WithSleep(fn SleepFunc) Option {
	return func(g *Gate) { g.sleep = fn }
}

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// NewGate constructs a Gate.
func NewGate(checker Checker, policy Policy, logger *slog.Logger, opts ...Option) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gate{
		checker: checker,
		policy:  policy,
		sleep:   Sleep,
		now:     time.Now,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Policy returns the gate's polling policy.
func (g *Gate) Policy() Policy {
	return g.policy
}

// Wait polls until healthy, until MaxAttempts polls were made, until MaxWait elapsed
// or until ctx is cancelled. Transport errors count as unhealthy polls. There is no
// sleep after the final attempt.
func (g *Gate) Wait(ctx context.Context) models.HealthWait {
	start := g.now()
	maxAttempts := g.policy.MaxAttempts()
	var result models.HealthWait

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result.Attempts = attempt

		healthy, reason := g.poll(ctx)
		metrics.ObserveHealthPoll(healthy)
		if healthy {
			result.Healthy = true
			result.LastError = ""
			result.Elapsed = g.now().Sub(start)
			g.logger.Info("service is healthy", slog.Int("attempt", attempt))
			return result
		}
		result.LastError = reason
		g.logger.Info("waiting for service",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", maxAttempts),
			slog.String("reason", reason))

		if attempt == maxAttempts {
			break
		}
		if g.policy.MaxWait > 0 && g.now().Sub(start) >= g.policy.MaxWait {
			break
		}
		if err := g.sleep(ctx, g.policy.Interval); err != nil {
			result.LastError = err.Error()
			break
		}
	}

	result.Elapsed = g.now().Sub(start)
	g.logger.Warn("service did not become healthy",
		slog.Int("attempts", result.Attempts),
		slog.Duration("elapsed", result.Elapsed),
		slog.String("last_error", result.LastError))
	return result
}

func (g *Gate) poll(ctx context.Context) (bool, string) {
	if err := ctx.Err(); err != nil {
		return false, err.Error()
	}
	pollCtx := ctx
	if g.policy.RequestTimeout > 0 {
		var cancel context.CancelFunc
		pollCtx, cancel = context.WithTimeout(ctx, g.policy.RequestTimeout)
		defer cancel()
	}

	status, err := g.checker.Health(pollCtx)
	if err != nil {
		return false, err.Error()
	}
	if !status.Ready() {
		return false, fmt.Sprintf("status=%q model_loaded=%t", status.Status, status.ModelLoaded)
	}
	return true, ""
}

// Sleep waits for d unless ctx is done first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
