package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/miradorstack/mirador-rollout/internal/cache"
	"github.com/miradorstack/mirador-rollout/internal/config"
	"github.com/miradorstack/mirador-rollout/internal/dataset"
	"github.com/miradorstack/mirador-rollout/internal/deploy"
	"github.com/miradorstack/mirador-rollout/internal/evaluation"
	"github.com/miradorstack/mirador-rollout/internal/health"
	"github.com/miradorstack/mirador-rollout/internal/inference"
	"github.com/miradorstack/mirador-rollout/internal/monitor"
	"github.com/miradorstack/mirador-rollout/internal/predlog"
	"github.com/miradorstack/mirador-rollout/internal/remediation"
	"github.com/miradorstack/mirador-rollout/internal/runner"
	"github.com/miradorstack/mirador-rollout/internal/services"
	"github.com/miradorstack/mirador-rollout/internal/smoke"
)

// app holds the wired components shared by every command.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	client  *inference.Client
	monitor *monitor.Monitor
	service *services.RolloutService
	closers []func() error
}

func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, client: inference.NewClient(cfg.Inference)}

	plans, err := deploy.PlansFromConfig(cfg.Deploy)
	if err != nil {
		return nil, fmt.Errorf("build deploy plans: %w", err)
	}

	store, err := predlog.Open(cfg.Predictions, logger)
	if err != nil {
		return nil, fmt.Errorf("open prediction log: %w", err)
	}
	a.closers = append(a.closers, store.Close)

	provider, err := cache.New(cfg.Cache)
	if err != nil {
		logger.Warn("valkey unavailable, using process-local lease", slog.Any("error", err))
		provider = cache.NewMemoryProvider()
	}
	a.closers = append(a.closers, provider.Close)

	monitorLoader, err := dataset.NewLoader(cfg.Monitor.Dataset, cfg.Monitor.ImageCacheSize, logger)
	if err != nil {
		a.close()
		return nil, err
	}
	a.monitor = monitor.New(store, a.client, monitorLoader, cfg.Monitor, logger,
		monitor.WithLease(cache.NewLease(provider, cfg.Monitor.LockKey, cfg.Monitor.LockTTL)))

	evalLoader, err := dataset.NewLoader(cfg.Evaluation.Dataset, 0, logger)
	if err != nil {
		a.close()
		return nil, err
	}
	sinks, err := evaluation.SinksFromConfig(cfg.Evaluation)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("build evaluation sinks: %w", err)
	}
	for _, s := range sinks {
		if influx, ok := s.(*evaluation.InfluxSink); ok {
			a.closers = append(a.closers, func() error { influx.Close(); return nil })
		}
	}

	rules, err := remediation.NewRuleEngine(cfg.Deploy.RulesPath, logger)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("load remediation rules: %w", err)
	}

	gate := health.NewGate(a.client, health.PolicyFromConfig(cfg.Health), logger)
	orchestrator := deploy.NewOrchestrator(runner.NewExecRunner(logger), gate, smoke.NewSuiteFromConfig(a.client, cfg.Smoke, logger), logger)

	a.service = services.NewRolloutService(logger, services.Dependencies{
		Plans:       plans,
		DefaultKind: cfg.Deploy.DefaultKind,
		Deployer:    orchestrator,
		Remediation: rules,
		Smoke: func(baseURL string) services.SmokeRunner {
			return smoke.NewSuiteFromConfig(a.client.WithBaseURL(baseURL), cfg.Smoke, logger)
		},
		Monitor: a.monitor,
		Store:   store,
		Evaluations: func(baseURL string) services.EvaluationRunner {
			return evaluation.New(a.client.WithBaseURL(baseURL), evalLoader, cfg.Evaluation, sinks, logger)
		},
	})
	return a, nil
}

func (a *app) close() {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn("close resources", slog.Any("error", err))
	}
	a.closers = nil
}

// withApp builds the app, runs fn and releases resources.
func withApp(ctx context.Context, st *state, fn func(ctx context.Context, a *app) error) error {
	a, err := newApp(st.cfg, st.logger)
	if err != nil {
		return err
	}
	defer a.close()
	return fn(ctx, a)
}
