package smoke

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/miradorstack/mirador-rollout/internal/config"
	"github.com/miradorstack/mirador-rollout/internal/metrics"
	"github.com/miradorstack/mirador-rollout/internal/models"
)

// SleepFunc blocks for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Suite runs probes in a fixed order and aggregates the verdict.
type Suite struct {
	probes []Probe
	warmUp time.Duration
	sleep  SleepFunc
	logger *slog.Logger
}

// NewSuite constructs a suite over explicit probes.
func NewSuite(probes []Probe, warmUp time.Duration, sleep SleepFunc, logger *slog.Logger) *Suite {
	if logger == nil {
		logger = slog.Default()
	}
	if sleep == nil {
		sleep = defaultSleep
	}
	return &Suite{probes: probes, warmUp: warmUp, sleep: sleep, logger: logger}
}

// NewSuiteFromConfig builds the standard probe list: health, prediction, metrics and one
// probe per configured auxiliary service.
func NewSuiteFromConfig(client Client, cfg config.SmokeConfig, logger *slog.Logger) *Suite {
	probes := []Probe{
		HealthProbe{Client: client},
		PredictionProbe{Client: client, ImagePath: cfg.ImagePath},
		MetricsProbe{Client: client, Token: cfg.MetricsToken},
	}
	for _, svc := range cfg.Services {
		probes = append(probes, ServiceProbe{
			Client:      client,
			ServiceName: svc.Name,
			URL:         svc.URL,
			IsRequired:  svc.Required,
			Timeout:     cfg.ServiceTimeout,
		})
	}
	return NewSuite(probes, cfg.WarmUp, nil, logger)
}

// WithoutWarmUp returns a copy of the suite that starts probing immediately.
func (s *Suite) WithoutWarmUp() *Suite {
	clone := *s
	clone.warmUp = 0
	return &clone
}

// Run executes every probe once. The verdict is SmokeReport.OK.
func (s *Suite) Run(ctx context.Context) models.SmokeReport {
	if s.warmUp > 0 {
		s.logger.Info("waiting before smoke tests", slog.Duration("warm_up", s.warmUp))
		if err := s.sleep(ctx, s.warmUp); err != nil {
			return s.abort(err)
		}
	}

	results := make([]models.ProbeResult, 0, len(s.probes))
	for _, probe := range s.probes {
		start := time.Now()
		status, msg := probe.Run(ctx)
		res := models.ProbeResult{
			Name:     probe.Name(),
			Status:   status,
			Message:  msg,
			Required: probe.Required(),
			Duration: time.Since(start),
		}
		metrics.ObserveProbe(res.Name, string(res.Status))
		s.logger.Info("smoke probe finished",
			slog.String("probe", res.Name),
			slog.String("status", string(res.Status)),
			slog.String("message", res.Message))
		results = append(results, res)
	}

	report := models.NewSmokeReport(results)
	s.logger.Info("smoke tests complete",
		slog.Int("passed", report.Passed),
		slog.Int("failed", report.Failed),
		slog.Int("skipped", report.Skipped))
	return report
}

func (s *Suite) abort(err error) models.SmokeReport {
	results := make([]models.ProbeResult, 0, len(s.probes))
	for _, probe := range s.probes {
		results = append(results, models.ProbeResult{
			Name:     probe.Name(),
			Status:   models.ProbeFail,
			Message:  fmt.Sprintf("not run: %v", err),
			Required: probe.Required(),
		})
	}
	return models.NewSmokeReport(results)
}

// RenderReport formats a smoke report for terminals.
func RenderReport(report models.SmokeReport) string {
	var b strings.Builder
	b.WriteString("SMOKE TEST REPORT\n")
	b.WriteString(strings.Repeat("=", 50) + "\n")
	for _, r := range report.Results {
		fmt.Fprintf(&b, "%-4s  %-12s %s\n", r.Status, r.Name, r.Message)
	}
	b.WriteString(strings.Repeat("-", 50) + "\n")
	fmt.Fprintf(&b, "Passed: %d  Failed: %d  Skipped: %d\n", report.Passed, report.Failed, report.Skipped)
	if report.OK() {
		b.WriteString("All smoke tests passed\n")
	} else {
		fmt.Fprintf(&b, "Failed probes: %s\n", strings.Join(report.FailedNames(), ", "))
	}
	return b.String()
}

func defaultSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
