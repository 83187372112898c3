package batch

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/miradorstack/mirador-rollout/internal/dataset"
	"github.com/miradorstack/mirador-rollout/internal/models"
)

// Predictor submits one image to the inference service.
type Predictor interface {
	PredictBytes(ctx context.Context, filename string, data []byte) (models.Prediction, error)
}

// Reader returns image bytes for a path.
type Reader interface {
	Read(path string) ([]byte, error)
}

// Options controls request pacing.
type Options struct {
	// Throttle is the minimum spacing between request starts.
	Throttle time.Duration
	// Concurrency bounds in-flight requests; values below 2 run sequentially.
	Concurrency int
	// OnResult is called once per sample as soon as its request finishes. It may be
	// called from several goroutines when Concurrency > 1.
	OnResult func(Result)
}

// Result is the outcome of one sample.
type Result struct {
	Index      int
	Sample     dataset.Sample
	Prediction models.Prediction
	Err        error
}

// Run predicts every sample and returns results in input order. Per-sample failures are
// carried in Result.Err; the returned error is only set when ctx ends the run early.
func Run(ctx context.Context, p Predictor, r Reader, samples []dataset.Sample, opts Options) ([]Result, error) {
	results := make([]Result, len(samples))
	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.Throttle > 0 {
		limiter = rate.NewLimiter(rate.Every(opts.Throttle), 1)
	}

	g, gctx := errgroup.WithContext(ctx)
	limit := opts.Concurrency
	if limit < 1 {
		limit = 1
	}
	g.SetLimit(limit)

	for i, sample := range samples {
		if err := limiter.Wait(gctx); err != nil {
			break
		}
		g.Go(func() error {
			res := Result{Index: i, Sample: sample}
			data, err := r.Read(sample.Path)
			if err == nil {
				res.Prediction, err = p.PredictBytes(gctx, sample.Path, data)
			}
			res.Err = err
			results[i] = res
			if opts.OnResult != nil {
				opts.OnResult(res)
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return results, err
	}
	return results, nil
}
