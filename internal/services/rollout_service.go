package services

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	"github.com/miradorstack/mirador-rollout/internal/deploy"
	"github.com/miradorstack/mirador-rollout/internal/metrics"
	"github.com/miradorstack/mirador-rollout/internal/models"
	"github.com/miradorstack/mirador-rollout/internal/predlog"
	"github.com/miradorstack/mirador-rollout/internal/utils"
)

var (
	// ErrInvalidArgument marks caller errors.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrNotConfigured marks a missing collaborator.
	ErrNotConfigured = errors.New("not configured")
)

// Deployer drives plans through the deploy state machine.
type Deployer interface {
	Deploy(ctx context.Context, plan models.Plan, runSmoke bool) models.DeployOutcome
	Rollback(ctx context.Context, plan models.Plan) models.RollbackResult
}

// SmokeRunner executes a smoke suite.
type SmokeRunner interface {
	Run(ctx context.Context) models.SmokeReport
}

// PerformanceMonitor is the monitoring surface exposed to callers.
type PerformanceMonitor interface {
	LogPrediction(ctx context.Context, in models.PredictionInput) (models.PredictionRecord, error)
	Snapshot(ctx context.Context) (models.PerformanceSnapshot, error)
	CheckDrift(ctx context.Context, threshold *float64) (models.DriftResult, error)
	Report(ctx context.Context) (string, error)
	TestWithKnownImages(ctx context.Context, dir string) (models.BatchResult, error)
}

// EvaluationRunner runs one batch evaluation.
type EvaluationRunner interface {
	Run(ctx context.Context, dir string, save bool) (models.EvaluationSummary, error)
}

// Recommender attaches operator hints to unsuccessful deploy outcomes.
type Recommender interface {
	Recommend(outcome models.DeployOutcome) []string
}

// Dependencies wires the service. Smoke and Evaluations build runners bound to an
// inference base URL; an empty URL means the configured one.
type Dependencies struct {
	Plans       map[models.PlanKind]models.Plan
	DefaultKind string
	Deployer    Deployer
	Remediation Recommender
	Smoke       func(baseURL string) SmokeRunner
	Monitor     PerformanceMonitor
	Store       predlog.Store
	Evaluations func(baseURL string) EvaluationRunner
}

// RolloutService is the single entry point shared by the CLI and the HTTP API.
type RolloutService struct {
	logger    *slog.Logger
	deps      Dependencies
	now       func() time.Time
	latencies *utils.LatencyTracker
}

// NewRolloutService constructs the service facade.
func NewRolloutService(logger *slog.Logger, deps Dependencies) *RolloutService {
	if logger == nil {
		logger = slog.Default()
	}
	return &RolloutService{
		logger:    logger,
		deps:      deps,
		now:       time.Now,
		latencies: utils.NewLatencyTracker(256),
	}
}

// Deploy resolves the plan for kind and deploys it. An unknown kind yields a failed
// outcome that never left Init.
func (s *RolloutService) Deploy(ctx context.Context, kind string, skipTests bool) (models.DeployOutcome, error) {
	if s.deps.Deployer == nil {
		return models.DeployOutcome{}, utils.NewAppError("deploy", "deployer", ErrNotConfigured)
	}
	plan, err := deploy.PlanFor(s.deps.Plans, kind, s.deps.DefaultKind)
	if err != nil {
		s.logger.Error("deploy rejected", slog.String("kind", kind), slog.Any("error", err))
		outcome := deploy.Rejected(models.PlanKind(kind), err)
		metrics.ObserveDeploy("unknown", string(outcome.Status), 0)
		return outcome, nil
	}

	outcome := s.deps.Deployer.Deploy(ctx, plan, !skipTests)
	if !outcome.Succeeded() && s.deps.Remediation != nil {
		outcome.Recommendations = s.deps.Remediation.Recommend(outcome)
	}
	s.latencies.Observe(outcome.Duration())
	if count := s.latencies.Count(); count >= 5 && count%5 == 0 {
		s.logger.Info("deploy latency", slog.Duration("p95", s.latencies.Percentile(95)), slog.Int("samples", count))
	}
	return outcome, nil
}

// Rollback runs the teardown command of the plan for kind.
func (s *RolloutService) Rollback(ctx context.Context, kind string) (models.RollbackResult, error) {
	if s.deps.Deployer == nil {
		return models.RollbackResult{}, utils.NewAppError("rollback", "deployer", ErrNotConfigured)
	}
	plan, err := deploy.PlanFor(s.deps.Plans, kind, s.deps.DefaultKind)
	if err != nil {
		return models.RollbackResult{}, utils.NewAppError("rollback", err.Error(), ErrInvalidArgument)
	}
	return s.deps.Deployer.Rollback(ctx, plan), nil
}

// RunSmokeTests probes the inference service at baseURL.
func (s *RolloutService) RunSmokeTests(ctx context.Context, baseURL string) (models.SmokeReport, error) {
	if s.deps.Smoke == nil {
		return models.SmokeReport{}, utils.NewAppError("smoke", "smoke suite", ErrNotConfigured)
	}
	report := s.deps.Smoke(baseURL).Run(ctx)
	if !report.OK() {
		s.logger.Warn("smoke tests failed", slog.Any("failed", report.FailedNames()))
	}
	return report, nil
}

// LogPrediction appends one record to the prediction log.
func (s *RolloutService) LogPrediction(ctx context.Context, in models.PredictionInput) (models.PredictionRecord, error) {
	if s.deps.Monitor == nil {
		return models.PredictionRecord{}, utils.NewAppError("log prediction", "monitor", ErrNotConfigured)
	}
	if _, err := models.NewPredictionRecord(in, s.now()); err != nil {
		return models.PredictionRecord{}, utils.NewAppError("log prediction", err.Error(), ErrInvalidArgument)
	}
	return s.deps.Monitor.LogPrediction(ctx, in)
}

// Snapshot computes current performance.
func (s *RolloutService) Snapshot(ctx context.Context) (models.PerformanceSnapshot, error) {
	if s.deps.Monitor == nil {
		return models.PerformanceSnapshot{}, utils.NewAppError("snapshot", "monitor", ErrNotConfigured)
	}
	return s.deps.Monitor.Snapshot(ctx)
}

// Report renders current performance as text.
func (s *RolloutService) Report(ctx context.Context) (string, error) {
	if s.deps.Monitor == nil {
		return "", utils.NewAppError("report", "monitor", ErrNotConfigured)
	}
	return s.deps.Monitor.Report(ctx)
}

// CheckDrift compares recent with overall accuracy. A nil threshold uses the configured
// one; an explicit 0 flags any degradation.
func (s *RolloutService) CheckDrift(ctx context.Context, threshold *float64) (models.DriftResult, error) {
	if s.deps.Monitor == nil {
		return models.DriftResult{}, utils.NewAppError("check drift", "monitor", ErrNotConfigured)
	}
	if threshold != nil {
		if math.IsNaN(*threshold) || math.IsInf(*threshold, 0) {
			return models.DriftResult{}, utils.NewAppError("check drift", "threshold must be a finite number", ErrInvalidArgument)
		}
		if *threshold < 0 {
			return models.DriftResult{}, utils.NewAppError("check drift", "threshold must not be negative", ErrInvalidArgument)
		}
	}
	return s.deps.Monitor.CheckDrift(ctx, threshold)
}

// TestKnownImages runs a monitoring pass over the labeled test set.
func (s *RolloutService) TestKnownImages(ctx context.Context, dir string) (models.BatchResult, error) {
	if s.deps.Monitor == nil {
		return models.BatchResult{}, utils.NewAppError("test known images", "monitor", ErrNotConfigured)
	}
	return s.deps.Monitor.TestWithKnownImages(ctx, dir)
}

// RunEvaluation evaluates the inference service at baseURL against testDir.
func (s *RolloutService) RunEvaluation(ctx context.Context, baseURL, testDir string, save bool) (models.EvaluationSummary, error) {
	if s.deps.Evaluations == nil {
		return models.EvaluationSummary{}, utils.NewAppError("evaluate", "evaluator", ErrNotConfigured)
	}
	return s.deps.Evaluations(baseURL).Run(ctx, testDir, save)
}

// ExportDocument writes every logged record as a predictions document.
func (s *RolloutService) ExportDocument(ctx context.Context, path string) (int, error) {
	if s.deps.Store == nil {
		return 0, utils.NewAppError("export", "prediction store", ErrNotConfigured)
	}
	records, err := s.deps.Store.All(ctx)
	if err != nil {
		return 0, utils.NewAppError("export", "read prediction log", err)
	}
	if err := predlog.WriteDocument(path, records, s.now()); err != nil {
		return 0, utils.NewAppError("export", "write document", err)
	}
	return len(records), nil
}

// ImportDocument appends every record of a predictions document to the log. Records
// whose id is already present are skipped.
func (s *RolloutService) ImportDocument(ctx context.Context, path string) (int, error) {
	if s.deps.Store == nil {
		return 0, utils.NewAppError("import", "prediction store", ErrNotConfigured)
	}
	records, err := predlog.ReadDocument(path)
	if err != nil {
		return 0, utils.NewAppError("import", "read document", err)
	}
	existing, err := s.deps.Store.All(ctx)
	if err != nil {
		return 0, utils.NewAppError("import", "read prediction log", err)
	}
	seen := make(map[string]struct{}, len(existing))
	for _, rec := range existing {
		if rec.ID != "" {
			seen[rec.ID] = struct{}{}
		}
	}

	imported := 0
	for _, rec := range records {
		if _, ok := seen[rec.ID]; ok && rec.ID != "" {
			continue
		}
		if _, err := s.deps.Store.Append(ctx, rec); err != nil {
			return imported, utils.NewAppError("import", "append record", err)
		}
		imported++
	}
	s.logger.Info("imported predictions", slog.Int("imported", imported), slog.Int("skipped", len(records)-imported))
	return imported, nil
}
