package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/miradorstack/mirador-rollout/internal/batch"
	"github.com/miradorstack/mirador-rollout/internal/cache"
	"github.com/miradorstack/mirador-rollout/internal/config"
	"github.com/miradorstack/mirador-rollout/internal/dataset"
	"github.com/miradorstack/mirador-rollout/internal/metrics"
	"github.com/miradorstack/mirador-rollout/internal/models"
	"github.com/miradorstack/mirador-rollout/internal/predlog"
)

// Monitor accumulates labeled predictions and judges accuracy drift.
type Monitor struct {
	store     predlog.Store
	predictor batch.Predictor
	loader    *dataset.Loader
	lease     *cache.Lease
	cfg       config.MonitorConfig
	now       func() time.Time
	logger    *slog.Logger
}

// Option customises a Monitor.
type Option func(*Monitor)

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// WithLease makes scheduled passes exclusive across replicas sharing the provider.
func WithLease(lease *cache.Lease) Option {
	return func(m *Monitor) { m.lease = lease }
}

// New constructs a Monitor.
func New(store predlog.Store, predictor batch.Predictor, loader *dataset.Loader, cfg config.MonitorConfig, logger *slog.Logger, opts ...Option) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Monitor{
		store:     store,
		predictor: predictor,
		loader:    loader,
		cfg:       cfg,
		now:       time.Now,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.cfg.RecentWindow <= 0 {
		m.cfg.RecentWindow = 24 * time.Hour
	}
	return m
}

// LogPrediction validates and appends one record stamped with the current time.
func (m *Monitor) LogPrediction(ctx context.Context, in models.PredictionInput) (models.PredictionRecord, error) {
	rec, err := models.NewPredictionRecord(in, m.now())
	if err != nil {
		return models.PredictionRecord{}, err
	}
	rec, err = m.store.Append(ctx, rec)
	if err != nil {
		return models.PredictionRecord{}, err
	}
	metrics.ObservePredictionLogged(rec.Labeled())

	attrs := []any{slog.String("predicted_class", rec.PredictedClass)}
	if rec.Confidence != nil {
		attrs = append(attrs, slog.Float64("confidence", *rec.Confidence))
	}
	if rec.Labeled() {
		attrs = append(attrs, slog.String("actual_class", *rec.ActualClass))
	}
	m.logger.Info("logged prediction", attrs...)
	return rec, nil
}

// Snapshot recomputes statistics over every labeled record.
func (m *Monitor) Snapshot(ctx context.Context) (models.PerformanceSnapshot, error) {
	records, err := m.store.All(ctx)
	if err != nil {
		return models.PerformanceSnapshot{}, fmt.Errorf("load predictions: %w", err)
	}
	snap := ComputeSnapshot(records, m.now(), m.cfg.RecentWindow)
	if !snap.Empty() {
		metrics.SetAccuracy(snap.OverallAccuracy, snap.RecentAccuracy)
	}
	return snap, nil
}

// CheckDrift compares the recent window against overall accuracy. threshold is in
// percentage points; nil uses the configured threshold.
func (m *Monitor) CheckDrift(ctx context.Context, threshold *float64) (models.DriftResult, error) {
	limit := m.cfg.DriftThreshold
	if threshold != nil {
		limit = *threshold
	}
	snap, err := m.Snapshot(ctx)
	if err != nil {
		return models.DriftResult{Threshold: limit}, err
	}
	res := DetectDrift(snap, limit)
	metrics.SetDrift(res.Drift, res.Flagged)
	if res.Flagged {
		m.logger.Warn("model drift detected",
			slog.Float64("overall_accuracy", res.OverallAccuracy),
			slog.Float64("recent_accuracy", res.RecentAccuracy),
			slog.Float64("drift", res.Drift),
			slog.Float64("threshold", res.Threshold))
	}
	return res, nil
}

// Report renders the text performance report.
func (m *Monitor) Report(ctx context.Context) (string, error) {
	snap, err := m.Snapshot(ctx)
	if err != nil {
		return "", err
	}
	return RenderReport(snap), nil
}

// TestWithKnownImages submits a bounded sample per class from dir, logs each successful
// prediction with its true label, and reports accuracy over the batch. Failed requests
// are logged and counted, never appended.
func (m *Monitor) TestWithKnownImages(ctx context.Context, dir string) (models.BatchResult, error) {
	var res models.BatchResult
	if m.loader == nil {
		return res, errors.New("dataset loader not configured")
	}
	samples, err := m.loader.Scan(dir, m.cfg.SamplesPerClass)
	if err != nil {
		return res, err
	}
	m.logger.Info("testing with known images", slog.Int("images", len(samples)))

	var mu sync.Mutex
	_, runErr := batch.Run(ctx, m.predictor, m.loader, samples, batch.Options{
		Throttle:    m.cfg.Throttle,
		Concurrency: m.cfg.Concurrency,
		OnResult: func(r batch.Result) {
			if r.Err != nil {
				m.logger.Error("prediction failed", slog.String("image", r.Sample.Path), slog.Any("error", r.Err))
				mu.Lock()
				res.Failed++
				mu.Unlock()
				return
			}
			confidence := r.Prediction.Confidence
			_, err := m.LogPrediction(ctx, models.PredictionInput{
				InputRef:       r.Sample.Path,
				PredictedClass: r.Prediction.PredictedClass,
				ActualClass:    r.Sample.Label,
				Confidence:     &confidence,
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				m.logger.Error("log prediction failed", slog.String("image", r.Sample.Path), slog.Any("error", err))
				res.Failed++
				return
			}
			res.Total++
			if r.Prediction.PredictedClass == r.Sample.Label {
				res.Correct++
			}
		},
	})

	if res.Total > 0 {
		res.Accuracy = percent(res.Correct, res.Total)
		m.logger.Info("known image test finished",
			slog.Float64("accuracy", res.Accuracy),
			slog.Int("correct", res.Correct),
			slog.Int("total", res.Total),
			slog.Int("failed", res.Failed))
	}
	return res, runErr
}

// RunOnce performs one scheduled pass: a known-image test followed by a drift check.
// It returns false when another holder owns the lease.
func (m *Monitor) RunOnce(ctx context.Context) (bool, error) {
	if m.lease != nil {
		release, ok, err := m.lease.TryAcquire(ctx)
		if err != nil {
			return false, err
		}
		if !ok {
			m.logger.Info("monitor pass already running elsewhere, skipping")
			return false, nil
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				m.logger.Warn("release monitor lease", slog.Any("error", err))
			}
		}()
	}

	if _, err := m.TestWithKnownImages(ctx, ""); err != nil {
		return true, fmt.Errorf("known image test: %w", err)
	}
	if _, err := m.CheckDrift(ctx, nil); err != nil {
		return true, fmt.Errorf("drift check: %w", err)
	}
	return true, nil
}

// Run executes RunOnce immediately and then every interval until ctx is cancelled.
// Pass failures are logged and do not stop the schedule.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = m.cfg.Interval
	}
	if interval <= 0 {
		return errors.New("monitor interval must be positive")
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := m.RunOnce(ctx); err != nil && ctx.Err() == nil {
			m.logger.Error("monitor pass failed", slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
