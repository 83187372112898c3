package evaluation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/miradorstack/mirador-rollout/internal/batch"
	"github.com/miradorstack/mirador-rollout/internal/config"
	"github.com/miradorstack/mirador-rollout/internal/dataset"
	"github.com/miradorstack/mirador-rollout/internal/metrics"
	"github.com/miradorstack/mirador-rollout/internal/models"
)

// ErrNoImages is returned when the test set is empty.
var ErrNoImages = errors.New("no test images found")

// Evaluator runs one-shot batch evaluations against a labeled test set.
type Evaluator struct {
	predictor batch.Predictor
	loader    *dataset.Loader
	cfg       config.EvaluationConfig
	sinks     []Sink
	now       func() time.Time
	logger    *slog.Logger
}

// New constructs an Evaluator. Sinks are used only when a run is saved.
func New(predictor batch.Predictor, loader *dataset.Loader, cfg config.EvaluationConfig, sinks []Sink, logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{
		predictor: predictor,
		loader:    loader,
		cfg:       cfg,
		sinks:     sinks,
		now:       time.Now,
		logger:    logger,
	}
}

// LoadTestSet lists every image of every class under dir.
func (e *Evaluator) LoadTestSet(dir string) ([]dataset.Sample, error) {
	return e.loader.Scan(dir, 0)
}

// PredictBatch predicts every sample. Failed requests are logged and dropped, so the
// result may be shorter than samples; the second return value counts the drops.
func (e *Evaluator) PredictBatch(ctx context.Context, samples []dataset.Sample) ([]models.Prediction, int, error) {
	results, err := batch.Run(ctx, e.predictor, e.loader, samples, batch.Options{
		Throttle:    e.cfg.Throttle,
		Concurrency: e.cfg.Concurrency,
	})
	predictions := make([]models.Prediction, 0, len(results))
	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
			e.logger.Error("failed to predict", slog.String("image", r.Sample.Path), slog.Any("error", r.Err))
			continue
		}
		if r.Sample.Path == "" {
			continue
		}
		predictions = append(predictions, r.Prediction)
	}
	return predictions, failed, err
}

// Evaluate compares predictions with labels position by position. A length mismatch
// returns *models.DataError and no summary.
func Evaluate(predictions []models.Prediction, labels []string, at time.Time) (models.EvaluationSummary, error) {
	if len(predictions) != len(labels) {
		return models.EvaluationSummary{}, &models.DataError{Predictions: len(predictions), Labels: len(labels)}
	}

	summary := models.EvaluationSummary{
		TotalPredictions: len(predictions),
		ClassAccuracy:    map[string]float64{},
		ClassCorrect:     map[string]int{},
		ClassTotal:       map[string]int{},
		Timestamp:        at,
	}
	var confSum float64
	for i, pred := range predictions {
		label := labels[i]
		confSum += pred.Confidence
		summary.ClassTotal[label]++
		if _, ok := summary.ClassCorrect[label]; !ok {
			summary.ClassCorrect[label] = 0
		}
		if pred.PredictedClass == label {
			summary.CorrectPredictions++
			summary.ClassCorrect[label]++
		}
	}
	if summary.TotalPredictions > 0 {
		summary.OverallAccuracy = float64(summary.CorrectPredictions) / float64(summary.TotalPredictions)
		summary.AverageConfidence = confSum / float64(summary.TotalPredictions)
	}
	for class, total := range summary.ClassTotal {
		summary.ClassAccuracy[class] = float64(summary.ClassCorrect[class]) / float64(total)
	}
	return summary, nil
}

// Run loads the test set from dir (the configured directory when empty), predicts,
// evaluates and, when save is set, hands the summary to every sink. Sink failures are
// logged and returned joined alongside a valid summary.
func (e *Evaluator) Run(ctx context.Context, dir string, save bool) (models.EvaluationSummary, error) {
	e.logger.Info("starting post-deployment evaluation")

	samples, err := e.LoadTestSet(dir)
	if err != nil {
		return models.EvaluationSummary{}, err
	}
	e.logger.Info("loaded test images", slog.Int("images", len(samples)))
	if len(samples) == 0 {
		return models.EvaluationSummary{}, ErrNoImages
	}

	predictions, failed, err := e.PredictBatch(ctx, samples)
	if err != nil {
		return models.EvaluationSummary{}, err
	}
	e.logger.Info("got predictions", slog.Int("predictions", len(predictions)), slog.Int("failed", failed))

	labels := make([]string, len(samples))
	for i, s := range samples {
		labels[i] = s.Label
	}
	summary, err := Evaluate(predictions, labels, e.now())
	if err != nil {
		e.logger.Error("evaluation aborted", slog.Any("error", err))
		return models.EvaluationSummary{}, err
	}
	metrics.SetEvaluationAccuracy(summary.OverallAccuracy)
	e.logger.Info("post-deployment evaluation results",
		slog.Float64("overall_accuracy", summary.OverallAccuracy),
		slog.Float64("average_confidence", summary.AverageConfidence),
		slog.Int("correct", summary.CorrectPredictions),
		slog.Int("total", summary.TotalPredictions))

	if !save {
		return summary, nil
	}
	var errs []error
	for _, sink := range e.sinks {
		if err := sink.Save(ctx, summary); err != nil {
			e.logger.Error("save evaluation failed", slog.String("sink", sink.Name()), slog.Any("error", err))
			errs = append(errs, fmt.Errorf("%s: %w", sink.Name(), err))
			continue
		}
		e.logger.Info("evaluation saved", slog.String("sink", sink.Name()))
	}
	return summary, errors.Join(errs...)
}

// RenderSummary formats a summary for terminals.
func RenderSummary(s models.EvaluationSummary) string {
	rule := strings.Repeat("=", 60)
	var b strings.Builder
	fmt.Fprintf(&b, "\n%s\nPOST-DEPLOYMENT EVALUATION SUMMARY\n%s\n", rule, rule)
	fmt.Fprintf(&b, "Overall Accuracy: %.2f%%\n", s.OverallAccuracy*100)
	fmt.Fprintf(&b, "Average Confidence: %.3f\n", s.AverageConfidence)
	fmt.Fprintf(&b, "Total Predictions: %d\n", s.TotalPredictions)
	fmt.Fprintf(&b, "Correct Predictions: %d\n", s.CorrectPredictions)

	classes := make([]string, 0, len(s.ClassTotal))
	for class := range s.ClassTotal {
		classes = append(classes, class)
	}
	sort.Strings(classes)
	for _, class := range classes {
		fmt.Fprintf(&b, "%s Accuracy: %.2f%% (%d/%d)\n",
			strings.ToUpper(class[:1])+class[1:], s.ClassAccuracy[class]*100, s.ClassCorrect[class], s.ClassTotal[class])
	}
	fmt.Fprintf(&b, "Evaluation Time: %s\n%s\n", s.Timestamp.Format(time.RFC3339), rule)
	return b.String()
}
